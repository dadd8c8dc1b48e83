package fingerprint

import (
	"fmt"
	"math/rand"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
)

// Coordinator hands out fingerprints deterministically: a seeded shuffle of
// the profile pool is consumed without replacement, so no two sessions share
// a profile while unassigned ones remain. Once the pool is exhausted it
// falls back to with-replacement picks (warned once), derived from a hash of
// the seed and assignment sequence so the fallback stays deterministic too.
// An assignment is never changed for the lifetime of its session.
type Coordinator struct {
	mu          sync.Mutex
	profiles    []rotation.Fingerprint
	order       []int
	cursor      int
	fallbackSeq int
	assigned    map[string]rotation.Fingerprint
	seed        int64
	hasher      rotation.Hasher
	logger      *zap.Logger
	warned      bool
}

// New builds a coordinator over the given profile pool.
func New(profiles []rotation.Fingerprint, seed int64, hasher rotation.Hasher, logger *zap.Logger) (*Coordinator, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("fingerprint pool is empty")
	}
	if hasher == nil {
		return nil, fmt.Errorf("fingerprint coordinator requires a hasher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	order := rand.New(rand.NewSource(seed)).Perm(len(profiles))
	return &Coordinator{
		profiles: profiles,
		order:    order,
		assigned: make(map[string]rotation.Fingerprint),
		seed:     seed,
		hasher:   hasher,
		logger:   logger.Named("fingerprint"),
	}, nil
}

// Assign returns the fingerprint for a session, creating the binding on
// first call and returning the same one ever after.
func (c *Coordinator) Assign(sessionID string) (rotation.Fingerprint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fp, ok := c.assigned[sessionID]; ok {
		return fp.Clone(), nil
	}

	var fp rotation.Fingerprint
	if c.cursor < len(c.order) {
		fp = c.profiles[c.order[c.cursor]]
		c.cursor++
	} else {
		if !c.warned {
			c.warned = true
			c.logger.Warn("fingerprint pool exhausted, assigning with replacement",
				zap.Int("pool_size", len(c.profiles)))
		}
		idx, err := c.fallbackIndex()
		if err != nil {
			return rotation.Fingerprint{}, err
		}
		fp = c.profiles[idx]
		c.fallbackSeq++
	}

	c.assigned[sessionID] = fp
	return fp.Clone(), nil
}

// fallbackIndex derives a deterministic profile index from the seed and the
// fallback sequence number.
func (c *Coordinator) fallbackIndex() (int, error) {
	input := strconv.FormatInt(c.seed, 10) + ":" + strconv.Itoa(c.fallbackSeq)
	digest, err := c.hasher.Hash([]byte(input))
	if err != nil {
		return 0, fmt.Errorf("derive fallback fingerprint: %w", err)
	}
	v, err := strconv.ParseUint(digest[:8], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse fallback digest: %w", err)
	}
	return int(v % uint64(len(c.profiles))), nil
}

// Capacity reports how many distinct profiles can be handed out before the
// coordinator repeats itself.
func (c *Coordinator) Capacity() int {
	return len(c.profiles)
}

// Assigned reports how many sessions hold a fingerprint.
func (c *Coordinator) Assigned() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.assigned)
}
