package rotation

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// ParsePolicy normalizes a policy name to its canonical form.
func ParsePolicy(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "roundrobin", "round-robin", "round_robin":
		return PolicyRoundRobin, nil
	case "weighted":
		return PolicyWeighted, nil
	case "random":
		return PolicyRandom, nil
	default:
		return "", fmt.Errorf("rotation.policy must be one of roundRobin, weighted, random; got %q", name)
	}
}

// NewStrategy builds the strategy for a canonical policy name. The RNG is
// owned by the pool's critical section; strategies do not lock.
func NewStrategy(policy string, rng *rand.Rand) (Strategy, error) {
	canonical, err := ParsePolicy(policy)
	if err != nil {
		return nil, err
	}
	switch canonical {
	case PolicyRoundRobin:
		return &roundRobinStrategy{}, nil
	case PolicyWeighted:
		return &weightedStrategy{rng: rng}, nil
	default:
		return &randomStrategy{rng: rng}, nil
	}
}

// roundRobinStrategy walks the eligible set in creation order. The cursor
// only advances on a pick, so sessions that join or leave between picks
// shift the rotation without starving anyone.
type roundRobinStrategy struct {
	cursor uint64
}

func (s *roundRobinStrategy) Name() string { return PolicyRoundRobin }

func (s *roundRobinStrategy) Pick(eligible []*Session, _ time.Time) *Session {
	if len(eligible) == 0 {
		return nil
	}
	picked := eligible[s.cursor%uint64(len(eligible))]
	s.cursor++
	return picked
}

// weightedStrategy draws proportionally to each session's success rate.
// When every weight is zero (fresh pool) it falls back to the least
// recently used session so new sessions still get traffic.
type weightedStrategy struct {
	rng *rand.Rand
}

func (s *weightedStrategy) Name() string { return PolicyWeighted }

func (s *weightedStrategy) Pick(eligible []*Session, _ time.Time) *Session {
	if len(eligible) == 0 {
		return nil
	}

	weights := make([]float64, len(eligible))
	var total float64
	for i, sess := range eligible {
		w := float64(sess.SuccessCount) / float64(max(sess.RequestCount, 1))
		weights[i] = w
		total += w
	}
	if total == 0 {
		return leastRecentlyUsed(eligible)
	}

	r := s.rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return eligible[i]
		}
	}
	return eligible[len(eligible)-1]
}

// randomStrategy picks uniformly among eligible sessions.
type randomStrategy struct {
	rng *rand.Rand
}

func (s *randomStrategy) Name() string { return PolicyRandom }

func (s *randomStrategy) Pick(eligible []*Session, _ time.Time) *Session {
	if len(eligible) == 0 {
		return nil
	}
	return eligible[s.rng.Intn(len(eligible))]
}

// leastRecentlyUsed returns the session with the lowest LastUsedAt; the
// eligible slice is creation ordered, so ties resolve to the oldest.
func leastRecentlyUsed(eligible []*Session) *Session {
	picked := eligible[0]
	for _, sess := range eligible[1:] {
		if sess.LastUsedAt.Before(picked.LastUsedAt) {
			picked = sess
		}
	}
	return picked
}
