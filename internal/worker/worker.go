// Package worker implements the dispatch pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/proxy-session-rotator/internal/metrics"
	"github.com/JakeFAU/proxy-session-rotator/internal/progress"
	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
)

// Config controls Worker behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
	Topic       string

	// RunID scopes progress events to the owning run.
	RunID uuid.UUID
}

// Engine executes one request through the session rotation machinery.
type Engine interface {
	Do(ctx context.Context, req rotation.Request) (rotation.Result, error)
}

// Worker consumes queued requests and drives them through the engine,
// recording lifecycle state and persisting response artifacts.
type Worker struct {
	queue     rotation.Queue
	requests  rotation.RequestStore
	engine    Engine
	blobStore rotation.BlobStore
	publisher rotation.Publisher
	hasher    rotation.Hasher
	clock     rotation.Clock
	emitter   progress.Emitter
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue rotation.Queue,
	requests rotation.RequestStore,
	engine Engine,
	blobStore rotation.BlobStore,
	publisher rotation.Publisher,
	hasher rotation.Hasher,
	clock rotation.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	return &Worker{
		queue:     queue,
		requests:  requests,
		engine:    engine,
		blobStore: blobStore,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queued requests until the context finishes or the
// queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, rotation.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued request",
			zap.String("request_id", req.ID), zap.String("url", req.URL))
		w.processRequest(ctx, req)
	}
}

func (w *Worker) processRequest(ctx context.Context, req rotation.Request) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if w.engine == nil {
		w.logger.Error("no engine configured", zap.String("request_id", req.ID))
		w.recordRefusal(ctx, req.ID, errors.New("no engine configured"))
		return
	}

	host := metrics.SanitizeSite(req.URL)
	if !w.markDispatched(ctx, req) {
		w.logger.Info("skipping cancelled request", zap.String("request_id", req.ID))
		return
	}
	w.emit(progress.Event{Stage: progress.StageDispatchStart, Host: host, URL: req.URL})

	start := w.clock.Now()
	res, err := w.engine.Do(ctx, req)
	elapsed := w.clock.Now().Sub(start)
	if err != nil {
		w.logger.Error("engine refused request",
			zap.String("request_id", req.ID), zap.Error(err))
		w.recordRefusal(ctx, req.ID, err)
		w.emit(progress.Event{
			Stage: progress.StageDispatchFailed,
			Host:  host,
			URL:   req.URL,
			Note:  err.Error(),
		})
		return
	}

	w.recordResult(ctx, req.ID, res)
	metrics.ObserveRequestState(string(res.State))

	if res.State == rotation.StateSucceeded {
		uri := w.persistBody(ctx, req, res)
		w.publishResult(ctx, req, res, uri)
		metrics.ObserveDispatch(req.URL, strconv.Itoa(res.StatusCode), bodyLen(res))
		w.emit(progress.Event{
			Stage:       progress.StageDispatchDone,
			Host:        host,
			URL:         req.URL,
			Bytes:       int64(bodyLen(res)),
			Dispatches:  1,
			StatusClass: progress.ClassifyStatus(res.StatusCode),
			Dur:         elapsed,
		})
		return
	}

	note := ""
	if res.Err != nil {
		note = res.Err.Error()
	}
	w.logger.Warn("request did not succeed",
		zap.String("request_id", req.ID),
		zap.String("state", string(res.State)),
		zap.Int("attempts", res.Attempts),
		zap.String("error", note))
	w.emit(progress.Event{
		Stage: progress.StageDispatchFailed,
		Host:  host,
		URL:   req.URL,
		Note:  note,
		Dur:   elapsed,
	})
}

// markDispatched moves the record to the dispatched state and reports
// whether processing should proceed. Records cancelled while still queued
// are dropped here. Queue messages from external producers have no record
// yet, so one is created on demand.
func (w *Worker) markDispatched(ctx context.Context, req rotation.Request) bool {
	existing, err := w.requests.GetRequest(ctx, req.ID)
	switch {
	case err == nil:
		if existing.State == rotation.StateCancelled {
			return false
		}
		state := rotation.StateDispatched
		if err := w.requests.UpdateRequest(ctx, req.ID, rotation.DispatchUpdate{State: &state}); err != nil {
			w.logger.Error("mark dispatched failed",
				zap.String("request_id", req.ID), zap.Error(err))
		}
		return true
	case errors.Is(err, rotation.ErrRequestNotFound):
		rec := rotation.DispatchRecord{
			ID:         req.ID,
			URL:        req.URL,
			Method:     req.Method,
			State:      rotation.StateDispatched,
			EnqueuedAt: w.clock.Now(),
		}
		if createErr := w.requests.CreateRequest(ctx, rec); createErr != nil {
			w.logger.Error("create dispatch record failed",
				zap.String("request_id", req.ID), zap.Error(createErr))
		}
		return true
	default:
		w.logger.Error("load dispatch record failed",
			zap.String("request_id", req.ID), zap.Error(err))
		return true
	}
}

func (w *Worker) recordResult(ctx context.Context, id string, res rotation.Result) {
	for i := range res.SessionIDs {
		update := rotation.DispatchUpdate{SessionID: &res.SessionIDs[i]}
		if err := w.requests.UpdateRequest(ctx, id, update); err != nil {
			w.logger.Error("record session failed",
				zap.String("request_id", id), zap.Error(err))
			break
		}
	}

	state := res.State
	attempts := res.Attempts
	completed := w.clock.Now()
	update := rotation.DispatchUpdate{
		State:       &state,
		Attempts:    &attempts,
		CompletedAt: &completed,
	}
	if res.StatusCode != 0 {
		code := res.StatusCode
		update.StatusCode = &code
	}
	if res.Err != nil {
		errText := res.Err.Error()
		update.ErrorText = &errText
	}
	if res.Bypassed {
		bypassed := res.Bypassed
		update.Bypassed = &bypassed
	}
	if err := w.requests.UpdateRequest(ctx, id, update); err != nil {
		w.logger.Error("record result failed",
			zap.String("request_id", id), zap.Error(err))
	}
}

func (w *Worker) recordRefusal(ctx context.Context, id string, refusal error) {
	state := rotation.StateFailed
	errText := refusal.Error()
	completed := w.clock.Now()
	if err := w.requests.UpdateRequest(ctx, id, rotation.DispatchUpdate{
		State:       &state,
		ErrorText:   &errText,
		CompletedAt: &completed,
	}); err != nil {
		w.logger.Error("record refusal failed",
			zap.String("request_id", id), zap.Error(err))
	}
	metrics.ObserveRequestState(string(rotation.StateFailed))
}

// persistBody archives the final response body and returns its URI, or ""
// when archival is disabled or failed. Archival failures do not flip the
// request state; the dispatch itself already succeeded.
func (w *Worker) persistBody(ctx context.Context, req rotation.Request, res rotation.Result) string {
	if w.blobStore == nil || w.hasher == nil || res.Response == nil || len(res.Response.Body) == 0 {
		return ""
	}
	hash, err := w.hasher.Hash(res.Response.Body)
	if err != nil {
		w.logger.Error("hash body failed",
			zap.String("request_id", req.ID), zap.Error(err))
		return ""
	}
	path := w.buildBlobPath(req.ID, hash)
	uri, err := w.blobStore.PutObject(ctx, path, w.cfg.ContentType, res.Response.Body)
	if err != nil {
		w.logger.Error("put object failed",
			zap.String("request_id", req.ID),
			zap.String("path", path),
			zap.Error(err))
		return ""
	}
	return uri
}

func (w *Worker) buildBlobPath(requestID, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", requestID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, requestID, hash)
}

func (w *Worker) publishResult(ctx context.Context, req rotation.Request, res rotation.Result, blobURI string) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	payload := map[string]any{
		"request_id": req.ID,
		"url":        req.URL,
		"state":      string(res.State),
		"status":     res.StatusCode,
		"attempts":   res.Attempts,
		"sessions":   res.SessionIDs,
		"bypassed":   res.Bypassed,
		"timestamp":  w.clock.Now().Format(time.RFC3339),
	}
	if blobURI != "" {
		payload["blob_uri"] = blobURI
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Error("publish result failed",
			zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	w.logger.Info("result published",
		zap.String("request_id", req.ID),
		zap.String("url", req.URL),
		zap.String("state", string(res.State)),
		zap.Int("attempts", res.Attempts))
}

func (w *Worker) emit(evt progress.Event) {
	if w.emitter == nil {
		return
	}
	evt.RunID = progress.UUIDToBytes(w.cfg.RunID)
	evt.TS = w.clock.Now()
	w.emitter.Emit(evt)
}

func bodyLen(res rotation.Result) int {
	if res.Response == nil {
		return 0
	}
	return len(res.Response.Body)
}
