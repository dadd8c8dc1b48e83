package app

import (
	"context"

	"github.com/JakeFAU/proxy-session-rotator/internal/metrics"
	"github.com/JakeFAU/proxy-session-rotator/internal/progress"
	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
)

// poolObserver forwards session lifecycle changes to the progress hub so the
// log, metrics and run-store sinks all see them.
type poolObserver struct {
	hub   progress.Emitter
	runID [16]byte
	clock rotation.Clock
}

func (o poolObserver) SessionCreated(sess rotation.Session) {
	o.emit(progress.Event{
		Stage:     progress.StageSessionCreate,
		SessionID: sess.ID,
	})
}

func (o poolObserver) SessionBlacklisted(sess rotation.Session, entry rotation.BlacklistEntry) {
	o.emit(progress.Event{
		Stage:     progress.StageSessionBlacklist,
		SessionID: sess.ID,
		Reason:    entry.Reason,
	})
}

func (o poolObserver) SessionRetired(sess rotation.Session) {
	o.emit(progress.Event{
		Stage:     progress.StageSessionRetire,
		SessionID: sess.ID,
	})
}

func (o poolObserver) emit(evt progress.Event) {
	evt.RunID = o.runID
	evt.TS = o.clock.Now()
	o.hub.Emit(evt)
}

// retryHook reports every rotation as a DISPATCH_RETRY event. It never
// changes the engine's verdict.
func retryHook(hub progress.Emitter, runID [16]byte, clock rotation.Clock) rotation.PostResponseHook {
	return func(_ context.Context, req rotation.Request, _ *rotation.Response, verdict rotation.Verdict) rotation.HookDecision {
		if verdict.Rotate && !verdict.Fatal {
			hub.Emit(progress.Event{
				RunID: runID,
				TS:    clock.Now(),
				Stage: progress.StageDispatchRetry,
				Host:  metrics.SanitizeSite(req.URL),
				URL:   req.URL,
				Note:  string(verdict.Outcome.Kind),
			})
		}
		return rotation.HookProceed
	}
}
