package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/proxy-session-rotator/internal/config"
	"github.com/JakeFAU/proxy-session-rotator/internal/progress"
	memqueue "github.com/JakeFAU/proxy-session-rotator/internal/queue/memory"
	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
	"github.com/JakeFAU/proxy-session-rotator/internal/rotation/report"
	"github.com/JakeFAU/proxy-session-rotator/internal/store"
)

// finishTimeout bounds the post-run work: archiving sessions and uploading
// the report artifact.
const finishTimeout = 30 * time.Second

// RunBatch enqueues the named standard targets, drains the queue through the
// worker pool, then archives sessions, uploads the report artifact and prints
// the stats banner. With no names it runs every configured target.
func (a *App) RunBatch(ctx context.Context, names []string) error {
	mq, ok := a.queue.(*memqueue.Queue)
	if !ok {
		return errors.New("batch runs require the in-memory queue; unset pubsub.project_id")
	}
	targets, err := a.selectTargets(names)
	if err != nil {
		return err
	}

	start := a.clock.Now()
	a.emitRunEvent(progress.Event{Stage: progress.StageRunStart})

	// Workers drain while targets enqueue, so a target list larger than the
	// queue capacity cannot wedge the producer.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.dispatch.Run(runCtx)
	}()

	total := 0
	var enqueueErr error
	for _, tgt := range targets {
		n, eerr := a.enqueueTarget(ctx, tgt)
		total += n
		if eerr != nil {
			enqueueErr = eerr
			cancelRun()
			break
		}
		a.logger.Info("target enqueued", zap.String("target", tgt.name), zap.Int("requests", n))
	}
	mq.Close()
	<-dispatchDone

	if enqueueErr != nil {
		a.emitRunEvent(progress.Event{Stage: progress.StageRunError, Note: enqueueErr.Error()})
		return enqueueErr
	}
	a.logger.Info("dispatch complete", zap.Int("targets", len(targets)), zap.Int("requests", total))

	finishCtx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	artifact, rep, ferr := a.finishRun(finishCtx)

	dur := a.clock.Now().Sub(start)
	if aborted, aerr := a.engine.Aborted(); aborted {
		a.emitRunEvent(progress.Event{Stage: progress.StageRunError, Dur: dur, Note: aerr.Error()})
		return fmt.Errorf("run aborted: %w", aerr)
	}
	if ctx.Err() != nil {
		a.emitRunEvent(progress.Event{Stage: progress.StageRunError, Dur: dur, Note: "interrupted"})
		return ctx.Err()
	}
	if ferr != nil {
		a.emitRunEvent(progress.Event{Stage: progress.StageRunError, Dur: dur, Note: ferr.Error()})
		return ferr
	}
	a.emitRunEvent(progress.Event{Stage: progress.StageRunDone, Artifact: artifact, Dur: dur})
	fmt.Print(report.Render(rep))
	return nil
}

// RunServe starts the HTTP API and the worker pool and blocks until the
// context is cancelled or the listener fails. Shutdown drains in order:
// listener, queue, workers, then the run is finalized.
func (a *App) RunServe(ctx context.Context) error {
	start := a.clock.Now()
	a.emitRunEvent(progress.Event{Stage: progress.StageRunStart})

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-serveErr:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown failed", zap.Error(err))
	}
	a.closeQueue()
	<-dispatchDone

	artifact, rep, ferr := a.finishRun(shutdownCtx)
	dur := a.clock.Now().Sub(start)
	if aborted, aerr := a.engine.Aborted(); aborted && runErr == nil {
		runErr = fmt.Errorf("run aborted: %w", aerr)
	}
	if runErr != nil {
		a.emitRunEvent(progress.Event{Stage: progress.StageRunError, Dur: dur, Note: runErr.Error()})
		return runErr
	}
	if ferr != nil {
		a.emitRunEvent(progress.Event{Stage: progress.StageRunError, Dur: dur, Note: ferr.Error()})
		return ferr
	}
	a.emitRunEvent(progress.Event{Stage: progress.StageRunDone, Artifact: artifact, Dur: dur})
	a.logger.Info("run complete",
		zap.Int("requests", rep.TotalRequests),
		zap.Float64("success_rate", rep.SuccessRate),
		zap.String("report", artifact))
	return nil
}

type namedTarget struct {
	name   string
	target config.Target
}

// selectTargets resolves target names against the configured standard
// targets. An empty name list selects all of them in stable order.
func (a *App) selectTargets(names []string) ([]namedTarget, error) {
	if len(a.cfg.StandardTargets) == 0 {
		return nil, errors.New("no standard targets configured")
	}
	if len(names) == 0 {
		names = make([]string, 0, len(a.cfg.StandardTargets))
		for name := range a.cfg.StandardTargets {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	out := make([]namedTarget, 0, len(names))
	for _, name := range names {
		tgt, ok := a.cfg.StandardTargets[name]
		if !ok {
			return nil, fmt.Errorf("unknown target %q", name)
		}
		out = append(out, namedTarget{name: name, target: tgt})
	}
	return out, nil
}

// enqueueTarget records and enqueues one pending request per target URL,
// returning how many made it in.
func (a *App) enqueueTarget(ctx context.Context, tgt namedTarget) (int, error) {
	method := tgt.target.Method
	if method == "" {
		method = http.MethodGet
	}
	useHeadless := tgt.target.UseHeadless && a.cfg.Headless.Enabled
	for i, rawURL := range tgt.target.URLs {
		id, err := a.idGen.NewID()
		if err != nil {
			return i, fmt.Errorf("generate request id: %w", err)
		}
		rec := rotation.DispatchRecord{
			ID:         id,
			URL:        rawURL,
			Method:     method,
			State:      rotation.StatePending,
			EnqueuedAt: a.clock.Now(),
		}
		if err := a.requests.CreateRequest(ctx, rec); err != nil {
			return i, fmt.Errorf("create request record: %w", err)
		}
		req := rotation.Request{
			ID:          id,
			URL:         rawURL,
			Method:      method,
			Headers:     tgt.target.Headers,
			UseHeadless: useHeadless,
		}
		if err := a.queue.Enqueue(ctx, req); err != nil {
			return i, fmt.Errorf("enqueue %s: %w", rawURL, err)
		}
	}
	return len(tgt.target.URLs), nil
}

// finishRun snapshots the pool, archives its sessions and uploads the JSON
// report, returning the artifact URI and the built report.
func (a *App) finishRun(ctx context.Context) (string, report.Report, error) {
	snap := a.engine.Pool().Snapshot()
	rep := report.Build(snap)
	rep.RunID = a.runID.String()

	a.archiveSessions(ctx, snap)

	payload, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", rep, fmt.Errorf("encode report: %w", err)
	}
	uri, err := a.blobs.PutObject(ctx, fmt.Sprintf("reports/%s.json", a.runID), "application/json", payload)
	if err != nil {
		return "", rep, fmt.Errorf("store report: %w", err)
	}
	if a.cfg.Publisher.Topic != "" {
		if _, perr := a.publisher.Publish(ctx, a.cfg.Publisher.Topic, payload); perr != nil {
			a.logger.Warn("run summary publish failed", zap.Error(perr))
		}
	}
	return uri, rep, nil
}

// archiveSessions writes every live and archived session to the run store.
// Individual failures are logged, not fatal; the report artifact still holds
// the same numbers.
func (a *App) archiveSessions(ctx context.Context, snap rotation.PoolSnapshot) {
	archive := func(sess rotation.Session) {
		row := store.SessionArchive{
			RunID:        a.runID,
			SessionID:    sess.ID,
			Profile:      sess.Fingerprint.Name,
			Status:       string(sess.Status),
			RequestCount: int64(sess.RequestCount),
			SuccessCount: int64(sess.SuccessCount),
			FailureCount: int64(sess.FailureCount),
			CreatedAt:    sess.CreatedAt,
			RetiredAt:    sess.RetiredAt,
		}
		if sess.BlacklistReason != "" {
			reason := sess.BlacklistReason
			row.BlacklistReason = &reason
		}
		if err := a.runs.ArchiveSession(ctx, row); err != nil {
			a.logger.Warn("session archive failed",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	for _, sess := range snap.Live {
		archive(sess)
	}
	for _, sess := range snap.Archived {
		archive(sess)
	}
}

func (a *App) emitRunEvent(evt progress.Event) {
	evt.RunID = progress.UUIDToBytes(a.runID)
	evt.TS = a.clock.Now()
	a.hub.Emit(evt)
}
