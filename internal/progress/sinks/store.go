package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/proxy-session-rotator/internal/progress"
	"github.com/JakeFAU/proxy-session-rotator/internal/store"
)

// StoreSink projects the event stream into the run repository. Run lifecycle
// transitions apply immediately; per-host dispatch counters are summed per
// batch so a busy host costs one upsert instead of one per dispatch.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink binds the sink to a repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies one batch. The first repository error aborts the batch and
// surfaces to the hub.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}

	tally := hostTally{}
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.UpsertRunStart(ctx, evt.RunUUID(), evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageRunDone:
			if err := s.completeRun(ctx, evt, store.RunSuccess); err != nil {
				return err
			}
		case progress.StageRunError:
			if err := s.completeRun(ctx, evt, store.RunError); err != nil {
				return err
			}
		case progress.StageDispatchDone:
			tally.add(evt)
		}
	}
	return s.flushTally(ctx, tally)
}

func (s *StoreSink) completeRun(ctx context.Context, evt progress.Event, status store.RunStatus) error {
	var note, reportURI *string
	if evt.Note != "" {
		note = &evt.Note
	}
	if evt.Artifact != "" {
		reportURI = &evt.Artifact
	}
	if err := s.repo.CompleteRun(ctx, evt.RunUUID(), evt.TS, status, note, reportURI); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// flushTally writes one row per run, host and status class.
func (s *StoreSink) flushTally(ctx context.Context, tally hostTally) error {
	for key, sum := range tally {
		if sum.dispatches == 0 && sum.bytes == 0 {
			continue
		}
		err := s.repo.UpsertHostStats(ctx, key.runID, key.host, sum.dispatches, sum.bytes, key.statusClass, sum.latest)
		if err != nil {
			return fmt.Errorf("upsert host stats: %w", err)
		}
	}
	return nil
}

// Close implements progress.Sink. Every batch writes through, so there is
// nothing to flush.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type hostKey struct {
	runID       uuid.UUID
	host        string
	statusClass string
}

type hostSum struct {
	dispatches int64
	bytes      int64
	latest     time.Time
}

type hostTally map[hostKey]hostSum

func (t hostTally) add(evt progress.Event) {
	if evt.Host == "" {
		return
	}
	key := hostKey{runID: evt.RunUUID(), host: evt.Host, statusClass: string(evt.StatusClass)}
	sum := t[key]
	sum.dispatches += evt.Dispatches
	sum.bytes += evt.Bytes
	if evt.TS.After(sum.latest) {
		sum.latest = evt.TS
	}
	t[key] = sum
}
