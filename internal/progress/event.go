// Package progress defines the event structures emitted by dispatch workers
// and the session pool.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage names the kind of milestone an Event records.
type Stage string

// Stages emitted over a run's lifetime.
const (
	StageRunStart Stage = "RUN_START"
	StageRunDone  Stage = "RUN_DONE"
	StageRunError Stage = "RUN_ERROR"

	StageSessionCreate    Stage = "SESSION_CREATE"
	StageSessionBlacklist Stage = "SESSION_BLACKLIST"
	StageSessionRetire    Stage = "SESSION_RETIRE"

	StageDispatchStart  Stage = "DISPATCH_START"
	StageDispatchRetry  Stage = "DISPATCH_RETRY"
	StageDispatchDone   Stage = "DISPATCH_DONE"
	StageDispatchFailed Stage = "DISPATCH_FAILED"
)

// StatusClass buckets HTTP response codes into coarse families.
type StatusClass string

// Families tracked for dispatch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone of rotation progress.
type Event struct {
	// RunID identifies the owning run in 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC time the emitter recorded the milestone.
	TS time.Time
	// Stage denotes which lifecycle or dispatch milestone occurred.
	Stage Stage
	// Host optionally scopes dispatch events to a host label.
	Host string
	// URL is the optional request URL; it should not contain credentials.
	URL string
	// SessionID scopes session lifecycle events.
	SessionID string
	// Reason carries the blacklist reason for SESSION_BLACKLIST events.
	Reason string
	// Artifact carries the report URI for RUN_DONE events.
	Artifact string
	// Bytes is the response body size for completed dispatches.
	Bytes int64
	// Dispatches increments by one for each completed dispatch.
	Dispatches int64
	// StatusClass is the coarse response family for DISPATCH_DONE.
	StatusClass StatusClass
	// Dur is how long the dispatch or run took.
	Dur time.Duration
	// Note carries short free-form context such as error text.
	Note string
}

// Validate checks that an event carries the fields its stage requires. The
// hub refuses events that fail here, so emitters see problems as debug logs
// rather than corrupt rows downstream.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("missing run id")
	}
	if e.TS.IsZero() {
		return errors.New("missing timestamp")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageSessionCreate, StageSessionRetire:
		if e.SessionID == "" {
			return fmt.Errorf("%s requires session id", e.Stage)
		}
	case StageSessionBlacklist:
		if e.SessionID == "" {
			return fmt.Errorf("%s requires session id", e.Stage)
		}
		if e.Reason == "" {
			return errors.New("session blacklist requires reason")
		}
	case StageDispatchStart, StageDispatchRetry, StageDispatchFailed:
		if e.Host == "" {
			return fmt.Errorf("%s requires host", e.Stage)
		}
	case StageDispatchDone:
		if e.Host == "" {
			return errors.New("dispatch done requires host")
		}
		if e.StatusClass == "" {
			return errors.New("dispatch done requires status class")
		}
	default:
		return fmt.Errorf("unrecognized stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("negative duration")
	}
	return nil
}

// RunUUID returns the run id as a uuid.UUID for the repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes converts an id into the fixed-size form Event carries.
func UUIDToBytes(id uuid.UUID) [16]byte {
	return [16]byte(id)
}

// ClassifyStatus maps an HTTP status code to its family. Codes outside
// 100-599 land in StatusOther, as do informational responses.
func ClassifyStatus(code int) StatusClass {
	switch code / 100 {
	case 2:
		return Status2xx
	case 3:
		return Status3xx
	case 4:
		return Status4xx
	case 5:
		return Status5xx
	default:
		return StatusOther
	}
}
