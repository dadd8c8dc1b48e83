package rotation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EngineDeps wires the engine's collaborators. Transport, Fingerprints,
// Clock and IDs are required; the rest default to no-ops.
type EngineDeps struct {
	Credential   Credential
	Fingerprints FingerprintSource
	Transport    Transport
	Headless     Transport
	Detector     BlockDetector
	HostGate     HostGate
	Bypass       BypassPolicy
	RetryPolicy  RetryPolicy
	Pause        PauseController
	Clock        Clock
	IDs          IDGenerator
	Logger       *zap.Logger
	Observer     PoolObserver
	PreRequest   PreRequestHook
	PostResponse PostResponseHook
}

// Engine coordinates the pool, strategy, classifier and transports for the
// lifetime of one run. All state is scoped to the instance; Close stops the
// janitor and nothing survives afterwards.
type Engine struct {
	cfg        Config
	pool       *Pool
	classifier *Classifier
	deps       EngineDeps
	logger     *zap.Logger

	abortMu  sync.Mutex
	abortErr error

	janitorStop chan struct{}
	janitorDone chan struct{}
	closeOnce   sync.Once
}

// NewEngine validates the config, seeds the strategy and builds the pool.
func NewEngine(cfg Config, deps EngineDeps) (*Engine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("engine requires a transport")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("engine requires a clock")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = deps.Clock.Now().UnixNano()
	}
	strategy, err := NewStrategy(cfg.Policy, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, err
	}

	observer := PoolObserver(metricsObserver{})
	if deps.Observer != nil {
		observer = multiObserver{metricsObserver{}, deps.Observer}
	}
	pool, err := NewPool(cfg, PoolDeps{
		Credential:   deps.Credential,
		Fingerprints: deps.Fingerprints,
		Strategy:     strategy,
		Clock:        deps.Clock,
		IDs:          deps.IDs,
		Logger:       logger,
		Observer:     observer,
	})
	if err != nil {
		return nil, err
	}

	if deps.RetryPolicy == nil {
		deps.RetryPolicy = NewExponentialBackoff(cfg.MaxRetries)
	}
	if deps.Pause == nil {
		deps.Pause = TimerPause{}
	}

	e := &Engine{
		cfg:        cfg,
		pool:       pool,
		classifier: NewClassifier(cfg),
		deps:       deps,
		logger:     logger.Named("engine"),
	}
	if cfg.SweepInterval > 0 {
		e.janitorStop = make(chan struct{})
		e.janitorDone = make(chan struct{})
		go e.janitor()
	}
	return e, nil
}

// janitor sweeps expired blacklist entries so blocked acquirers wake even
// between requests.
func (e *Engine) janitor() {
	defer close(e.janitorDone)
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.janitorStop:
			return
		case <-ticker.C:
			if n, _ := e.pool.SweepExpired(); n > 0 {
				e.logger.Debug("janitor retired expired sessions", zap.Int("count", n))
			}
		}
	}
}

// Close stops the janitor. Safe to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.janitorStop != nil {
			close(e.janitorStop)
			<-e.janitorDone
		}
	})
}

// Pool exposes the session store for snapshots and the control API.
func (e *Engine) Pool() *Pool { return e.pool }

// Aborted reports whether a fatal credential failure stopped the engine.
func (e *Engine) Aborted() (bool, error) {
	e.abortMu.Lock()
	defer e.abortMu.Unlock()
	return e.abortErr != nil, e.abortErr
}

func (e *Engine) abort(err error) {
	e.abortMu.Lock()
	defer e.abortMu.Unlock()
	if e.abortErr == nil {
		e.abortErr = err
		e.logger.Error("engine aborted", zap.Error(err))
	}
}

// Do executes one request end to end: bypass check, host gating, session
// acquisition, dispatch, classification and bounded retries. The returned
// Result is terminal; Result.Err carries per-request failures while the
// second return value reports engine-level refusal only.
func (e *Engine) Do(ctx context.Context, req Request) (Result, error) {
	if aborted, err := e.Aborted(); aborted {
		return Result{}, fmt.Errorf("%w: %v", ErrEngineAborted, err)
	}
	if req.URL == "" {
		return Result{}, fmt.Errorf("request has no url")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	if e.deps.Bypass != nil && e.deps.Bypass.Bypass(req.URL) {
		return e.dispatchBypassed(ctx, req)
	}

	if e.deps.HostGate != nil {
		release, err := e.deps.HostGate.Acquire(ctx, req.URL)
		if err != nil {
			g := NewGate(req, e.cfg.MaxRetries)
			_ = g.Cancel()
			return g.Result(nil, fmt.Errorf("host gate: %w", err), false), nil
		}
		defer release()
	}

	return e.dispatchWithRetries(ctx, req)
}

// dispatchBypassed sends bookkeeping traffic directly, without a session
// and without touching pool stats.
func (e *Engine) dispatchBypassed(ctx context.Context, req Request) (Result, error) {
	gate := NewGate(req, 0)
	if err := gate.BeginAttempt(""); err != nil {
		return Result{}, err
	}
	resp, err := e.deps.Transport.Dispatch(ctx, req, Session{})
	if err != nil {
		_ = gate.Fail()
		return gate.Result(nil, fmt.Errorf("bypass dispatch: %w", err), true), nil
	}
	_ = gate.Succeed()
	res := gate.Result(&resp, nil, true)
	e.logger.Debug("bypassed request dispatched",
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode))
	return res, nil
}

func (e *Engine) dispatchWithRetries(ctx context.Context, req Request) (Result, error) {
	gate := NewGate(req, e.cfg.MaxRetries)

	var lastResp *Response
	for {
		if err := ctx.Err(); err != nil {
			_ = gate.Cancel()
			return gate.Result(lastResp, fmt.Errorf("request canceled: %w", err), false), nil
		}

		sess, err := e.pool.Acquire(ctx)
		if err != nil {
			switch {
			case errors.Is(err, ErrAcquireCanceled):
				_ = gate.Cancel()
			case errors.Is(err, ErrPoolExhausted):
				TotalPoolExhaustions.Inc()
				fallthrough
			default:
				_ = gate.Fail()
			}
			return gate.Result(lastResp, err, false), nil
		}
		TotalAcquisitions.Inc()

		if err := gate.BeginAttempt(sess.ID); err != nil {
			_ = gate.Fail()
			return gate.Result(lastResp, err, false), nil
		}

		if e.deps.PreRequest != nil {
			if err := e.deps.PreRequest(ctx, &req, sess); err != nil {
				_ = gate.Fail()
				return gate.Result(lastResp, fmt.Errorf("%w: %v", ErrRequestVetoed, err), false), nil
			}
		}

		resp, outcome := e.dispatchOnce(ctx, req, sess)
		if resp != nil {
			lastResp = resp
		}

		updated, recErr := e.pool.RecordOutcome(sess.ID, outcome)
		if recErr != nil {
			e.logger.Error("record outcome failed",
				zap.String("session_id", sess.ID), zap.Error(recErr))
			updated = sess
		}

		verdict := e.classifier.Classify(updated, outcome)
		TotalOutcomes.WithLabelValues(string(outcome.Kind)).Inc()

		if e.deps.PostResponse != nil {
			switch e.deps.PostResponse(ctx, req, resp, verdict) {
			case HookRetry:
				verdict.Rotate = true
				verdict.Fatal = false
			case HookAbort:
				_ = gate.Fail()
				return gate.Result(lastResp, fmt.Errorf("aborted by post-response hook"), false), nil
			}
		}

		if verdict.Blacklist {
			if err := e.pool.BlacklistSession(sess.ID, verdict.Reason); err != nil {
				e.logger.Error("blacklist failed",
					zap.String("session_id", sess.ID), zap.Error(err))
			}
		}

		if verdict.Fatal {
			err := fmt.Errorf("%w: status %d from %s",
				ErrCredentialRejected, outcome.StatusCode, e.deps.Credential.Host)
			e.abort(err)
			_ = gate.Fail()
			return gate.Result(lastResp, err, false), nil
		}

		if !verdict.Rotate {
			_ = gate.Succeed()
			return gate.Result(lastResp, nil, false), nil
		}

		if !gate.CanRetry() {
			_ = gate.Fail()
			err := fmt.Errorf("%w after %d attempts: %v",
				ErrRetriesExhausted, gate.Attempts(), terminalReason(outcome))
			return gate.Result(lastResp, err, false), nil
		}
		_ = gate.Retry()
		TotalRotations.Inc()
		e.logger.Info("rotating session",
			zap.String("url", req.URL),
			zap.String("session_id", sess.ID),
			zap.String("outcome", string(outcome.Kind)),
			zap.Int("attempt", gate.Attempts()))

		if err := e.deps.Pause.Pause(ctx, e.deps.RetryPolicy.Backoff(gate.Attempts())); err != nil {
			_ = gate.Cancel()
			return gate.Result(lastResp, fmt.Errorf("request canceled: %w", err), false), nil
		}
	}
}

// dispatchOnce runs a single attempt through the chosen transport and
// classifies what came back.
func (e *Engine) dispatchOnce(ctx context.Context, req Request, sess Session) (*Response, Outcome) {
	transport := e.deps.Transport
	if req.UseHeadless && e.deps.Headless != nil {
		transport = e.deps.Headless
	}

	start := e.deps.Clock.Now()
	resp, err := transport.Dispatch(ctx, req, sess)
	elapsed := e.deps.Clock.Now().Sub(start)
	if resp.Duration > 0 {
		elapsed = resp.Duration
	}
	DispatchDuration.Observe(elapsed.Seconds())

	if err != nil {
		return nil, Outcome{
			Kind:     ClassifyError(err),
			Err:      err,
			Duration: elapsed,
		}
	}

	kind := ClassifyResponse(resp.StatusCode)
	statusCode := resp.StatusCode
	if kind == OutcomeSuccess && e.deps.Detector != nil && e.deps.Detector.Blocked(resp) {
		e.logger.Info("soft block detected",
			zap.String("url", req.URL),
			zap.String("session_id", sess.ID))
		kind = OutcomeHTTPError
		statusCode = http.StatusForbidden
	}
	return &resp, Outcome{
		Kind:       kind,
		StatusCode: statusCode,
		Duration:   elapsed,
		Bytes:      len(resp.Body),
	}
}

func terminalReason(o Outcome) string {
	if o.Err != nil {
		return o.Err.Error()
	}
	return fmt.Sprintf("status %d", o.StatusCode)
}

// metricsObserver bumps the promauto counters on lifecycle events.
type metricsObserver struct{}

func (metricsObserver) SessionCreated(Session) { TotalSessionsCreated.Inc() }
func (metricsObserver) SessionBlacklisted(Session, BlacklistEntry) {
	TotalSessionsBlacklisted.Inc()
}
func (metricsObserver) SessionRetired(Session) { TotalSessionsRetired.Inc() }

// multiObserver fans lifecycle events out to several observers.
type multiObserver []PoolObserver

func (m multiObserver) SessionCreated(s Session) {
	for _, o := range m {
		o.SessionCreated(s)
	}
}

func (m multiObserver) SessionBlacklisted(s Session, e BlacklistEntry) {
	for _, o := range m {
		o.SessionBlacklisted(s, e)
	}
}

func (m multiObserver) SessionRetired(s Session) {
	for _, o := range m {
		o.SessionRetired(s)
	}
}
