package rotation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PoolObserver receives session lifecycle notifications. Callbacks fire
// outside the pool lock and must not block for long.
type PoolObserver interface {
	SessionCreated(sess Session)
	SessionBlacklisted(sess Session, entry BlacklistEntry)
	SessionRetired(sess Session)
}

// PoolDeps wires the pool's collaborators.
type PoolDeps struct {
	Credential   Credential
	Fingerprints FingerprintSource
	Strategy     Strategy
	Clock        Clock
	IDs          IDGenerator
	Logger       *zap.Logger
	Observer     PoolObserver
}

// Pool is the session record store. It owns every session mutation behind a
// single mutex; at most MaxSessions non-retired sessions exist at any time.
// Retired sessions move to an archive kept for end-of-run reporting.
type Pool struct {
	cfg  Config
	deps PoolDeps

	mu         sync.Mutex
	sessions   map[string]*Session
	order      []string
	archive    []*Session
	archiveIdx map[string]*Session
	blacklist  *Blacklist

	// slotWait is closed and replaced whenever a slot frees, waking every
	// blocked acquirer to re-check under the lock.
	slotWait chan struct{}

	logger *zap.Logger
}

// NewPool constructs a pool. The config must already be validated.
func NewPool(cfg Config, deps PoolDeps) (*Pool, error) {
	if deps.Fingerprints == nil {
		return nil, fmt.Errorf("pool requires a fingerprint source")
	}
	if deps.Strategy == nil {
		return nil, fmt.Errorf("pool requires a strategy")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("pool requires a clock")
	}
	if deps.IDs == nil {
		return nil, fmt.Errorf("pool requires an id generator")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:        cfg,
		deps:       deps,
		sessions:   make(map[string]*Session),
		archiveIdx: make(map[string]*Session),
		blacklist:  NewBlacklist(),
		slotWait:   make(chan struct{}),
		logger:     logger.Named("pool"),
	}, nil
}

// poolEvent defers observer callbacks until the lock is released.
type poolEvent struct {
	kind  string
	sess  Session
	entry BlacklistEntry
}

const (
	evCreated     = "created"
	evBlacklisted = "blacklisted"
	evRetired     = "retired"
)

func (p *Pool) fire(events []poolEvent) {
	if p.deps.Observer == nil {
		return
	}
	for _, ev := range events {
		switch ev.kind {
		case evCreated:
			p.deps.Observer.SessionCreated(ev.sess)
		case evBlacklisted:
			p.deps.Observer.SessionBlacklisted(ev.sess, ev.entry)
		case evRetired:
			p.deps.Observer.SessionRetired(ev.sess)
		}
	}
}

// Acquire returns a session for the next request: an existing eligible one
// chosen by the strategy, or a fresh one while the pool is below capacity.
// When every slot is held by a blacklisted session it blocks until a slot
// frees or the acquisition timeout elapses, then reports ErrPoolExhausted.
// Context cancellation aborts the wait immediately.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	deadline := time.Now().Add(p.cfg.AcquisitionTimeout)

	for {
		sess, wait, nextExpiry, events, err := p.tryAcquire()
		p.fire(events)
		if err != nil {
			return Session{}, err
		}
		if sess != nil {
			return *sess, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Session{}, fmt.Errorf("no eligible session within %s: %w",
				p.cfg.AcquisitionTimeout, ErrPoolExhausted)
		}
		wake := remaining
		if !nextExpiry.IsZero() {
			if untilExpiry := nextExpiry.Sub(p.deps.Clock.Now()); untilExpiry > 0 && untilExpiry < wake {
				wake = untilExpiry
			}
		}

		timer := time.NewTimer(wake)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Session{}, fmt.Errorf("%w: %v", ErrAcquireCanceled, ctx.Err())
		case <-wait:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tryAcquire runs one locked selection pass. It returns the picked session
// clone, or the wait channel and next blacklist expiry when the caller must
// block.
func (p *Pool) tryAcquire() (*Session, chan struct{}, time.Time, []poolEvent, error) {
	now := p.deps.Clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	var events []poolEvent
	nextExpiry := p.sweepLocked(now, &events)
	eligible := p.eligibleLocked(now, &events)

	if len(p.sessions) < p.cfg.MaxSessions {
		sess, err := p.createLocked(now, &events)
		if err != nil {
			return nil, nil, time.Time{}, events, err
		}
		clone := sess.Clone()
		return &clone, nil, time.Time{}, events, nil
	}

	if picked := p.deps.Strategy.Pick(eligible, now); picked != nil {
		picked.LastUsedAt = now
		clone := picked.Clone()
		return &clone, nil, time.Time{}, events, nil
	}

	return nil, p.slotWait, nextExpiry, events, nil
}

// sweepLocked retires sessions whose blacklist entries expired and returns
// the next pending expiry. Expiry frees the slot; it never reactivates.
func (p *Pool) sweepLocked(now time.Time, events *[]poolEvent) time.Time {
	expired, next := p.blacklist.SweepExpired(now)
	for _, id := range expired {
		if sess, ok := p.sessions[id]; ok {
			p.logger.Debug("blacklist entry expired, retiring session",
				zap.String("session_id", id),
				zap.String("reason", sess.BlacklistReason))
			p.retireLocked(sess, now, events)
		}
	}
	return next
}

// eligibleLocked returns the creation-ordered eligible set, retiring
// sessions that completed their rotation interval along the way.
func (p *Pool) eligibleLocked(now time.Time, events *[]poolEvent) []*Session {
	eligible := make([]*Session, 0, len(p.order))
	for _, id := range p.order {
		sess, ok := p.sessions[id]
		if !ok {
			continue
		}
		if sess.Status == StatusBlacklisted {
			continue
		}
		if sess.RequestCount >= p.cfg.RotationInterval {
			p.logger.Debug("session completed rotation interval, retiring",
				zap.String("session_id", id),
				zap.Int("request_count", sess.RequestCount))
			p.retireLocked(sess, now, events)
			continue
		}
		eligible = append(eligible, sess)
	}
	p.compactOrderLocked()
	return eligible
}

func (p *Pool) createLocked(now time.Time, events *[]poolEvent) (*Session, error) {
	raw, err := p.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	id := "sess-" + raw

	fp, err := p.deps.Fingerprints.Assign(id)
	if err != nil {
		return nil, fmt.Errorf("assign fingerprint: %w", err)
	}

	sess := &Session{
		ID:          id,
		Endpoint:    p.deps.Credential.EndpointFor(id),
		Fingerprint: fp,
		CreatedAt:   now,
		LastUsedAt:  now,
		Status:      StatusActive,
	}
	p.sessions[id] = sess
	p.order = append(p.order, id)

	p.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("fingerprint", fp.Name),
		zap.Int("pool_size", len(p.sessions)))
	*events = append(*events, poolEvent{kind: evCreated, sess: sess.Clone()})
	return sess, nil
}

// RecordOutcome applies one completed request to the session's counters and
// returns the updated record. RequestCount and exactly one of the success or
// failure counters move together, so their sum always matches. Works for
// archived sessions too (an in-flight request can outlive its session) and
// never changes status.
func (p *Pool) RecordOutcome(id string, outcome Outcome) (Session, error) {
	now := p.deps.Clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	sess := p.findLocked(id)
	if sess == nil {
		return Session{}, fmt.Errorf("record outcome for %q: %w", id, ErrSessionNotFound)
	}

	sess.RequestCount++
	if outcome.Success() {
		sess.SuccessCount++
		sess.ConsecutiveFailures = 0
	} else {
		sess.FailureCount++
		sess.ConsecutiveFailures++
	}
	sess.LastUsedAt = now
	return sess.Clone(), nil
}

// BlacklistSession bars a live session and records the blacklist entry. A
// second call extends the entry to the later deadline. Blacklisting an
// already retired session is a no-op.
func (p *Pool) BlacklistSession(id, reason string) error {
	now := p.deps.Clock.Now()
	until := now.Add(p.cfg.BlacklistDuration)

	p.mu.Lock()
	sess, live := p.sessions[id]
	if !live {
		_, archived := p.archiveIdx[id]
		p.mu.Unlock()
		if archived {
			return nil
		}
		return fmt.Errorf("blacklist %q: %w", id, ErrSessionNotFound)
	}

	created := p.blacklist.Add(id, until, reason)
	entry, _ := p.blacklist.Entry(id)
	sess.Status = StatusBlacklisted
	sess.BlacklistReason = entry.Reason
	var events []poolEvent
	if created {
		p.logger.Warn("session blacklisted",
			zap.String("session_id", id),
			zap.String("reason", reason),
			zap.Time("until", entry.Until))
		events = append(events, poolEvent{kind: evBlacklisted, sess: sess.Clone(), entry: entry})
	}
	p.mu.Unlock()

	p.fire(events)
	return nil
}

// Retire moves a session to the archive and frees its slot. Retiring an
// already retired session is a no-op; an unknown id is an error.
func (p *Pool) Retire(id string) error {
	now := p.deps.Clock.Now()

	p.mu.Lock()
	sess, live := p.sessions[id]
	if !live {
		_, archived := p.archiveIdx[id]
		p.mu.Unlock()
		if archived {
			return nil
		}
		return fmt.Errorf("retire %q: %w", id, ErrSessionNotFound)
	}
	var events []poolEvent
	p.retireLocked(sess, now, &events)
	p.compactOrderLocked()
	p.mu.Unlock()

	p.fire(events)
	return nil
}

// retireLocked performs the terminal transition and wakes blocked acquirers.
func (p *Pool) retireLocked(sess *Session, now time.Time, events *[]poolEvent) {
	delete(p.sessions, sess.ID)
	p.blacklist.remove(sess.ID)

	sess.Status = StatusRetired
	t := now
	sess.RetiredAt = &t
	p.archive = append(p.archive, sess)
	p.archiveIdx[sess.ID] = sess

	close(p.slotWait)
	p.slotWait = make(chan struct{})

	p.logger.Info("session retired",
		zap.String("session_id", sess.ID),
		zap.Int("request_count", sess.RequestCount),
		zap.Int("success_count", sess.SuccessCount))
	*events = append(*events, poolEvent{kind: evRetired, sess: sess.Clone()})
}

// compactOrderLocked drops retired ids from the creation-order slice.
func (p *Pool) compactOrderLocked() {
	kept := p.order[:0]
	for _, id := range p.order {
		if _, ok := p.sessions[id]; ok {
			kept = append(kept, id)
		}
	}
	p.order = kept
}

func (p *Pool) findLocked(id string) *Session {
	if sess, ok := p.sessions[id]; ok {
		return sess
	}
	if sess, ok := p.archiveIdx[id]; ok {
		return sess
	}
	return nil
}

// SweepExpired is the janitor entry point: it retires sessions whose
// blacklist entries lapsed and reports how many, plus the next deadline.
func (p *Pool) SweepExpired() (int, time.Time) {
	now := p.deps.Clock.Now()

	p.mu.Lock()
	var events []poolEvent
	next := p.sweepLocked(now, &events)
	p.compactOrderLocked()
	p.mu.Unlock()

	p.fire(events)
	return len(events), next
}

// PoolSnapshot is a copy-on-read view of the pool.
type PoolSnapshot struct {
	TakenAt  time.Time        `json:"taken_at"`
	Live     []Session        `json:"live"`
	Archived []Session        `json:"archived"`
	Entries  []BlacklistEntry `json:"blacklist"`
}

// Snapshot copies every record; callers cannot mutate pool state through it.
func (p *Pool) Snapshot() PoolSnapshot {
	now := p.deps.Clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	snap := PoolSnapshot{
		TakenAt:  now,
		Live:     make([]Session, 0, len(p.order)),
		Archived: make([]Session, 0, len(p.archive)),
	}
	for _, id := range p.order {
		if sess, ok := p.sessions[id]; ok {
			snap.Live = append(snap.Live, sess.Clone())
		}
	}
	for _, sess := range p.archive {
		snap.Archived = append(snap.Archived, sess.Clone())
	}
	snap.Entries = p.blacklist.Snapshot()
	return snap
}

// Session returns a copy of one record, live or archived.
func (p *Pool) Session(id string) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess := p.findLocked(id)
	if sess == nil {
		return Session{}, fmt.Errorf("session %q: %w", id, ErrSessionNotFound)
	}
	return sess.Clone(), nil
}

// LiveCount reports the number of non-retired sessions.
func (p *Pool) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
