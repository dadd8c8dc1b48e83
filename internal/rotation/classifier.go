package rotation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// ClassifyError maps a transport error to an outcome kind. Connection
// refusals get their own kind because they blacklist immediately; proxy
// auth rejections are fatal; everything else lands in the transient
// timeout bucket.
func ClassifyError(err error) OutcomeKind {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, syscall.ECONNREFUSED):
		return OutcomeConnectionRefused
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	default:
	}
	// A 407 on an https CONNECT tunnel never reaches the caller as a
	// response; the transport reports it as this error text.
	if strings.Contains(err.Error(), "Proxy Authentication Required") {
		return OutcomeAuthFailure
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeTimeout
}

// ClassifyResponse maps an HTTP status to an outcome kind. 407 means the
// proxy rejected the credential. A 404 is a valid answer about the target,
// not a session problem, so it counts as success. Remaining 4xx/5xx record
// a failure; only 403, 429 and 503 also rotate.
func ClassifyResponse(statusCode int) OutcomeKind {
	switch {
	case statusCode == http.StatusProxyAuthRequired:
		return OutcomeAuthFailure
	case statusCode >= 200 && statusCode < 400, statusCode == http.StatusNotFound:
		return OutcomeSuccess
	default:
		return OutcomeHTTPError
	}
}

// Classifier turns outcomes into verdicts for the dispatch gate. Pure given
// the updated session record; the pool applies the verdict afterwards.
type Classifier struct {
	blacklistThreshold int
	blacklistDuration  time.Duration
}

// NewClassifier builds a classifier from the engine config.
func NewClassifier(cfg Config) *Classifier {
	return &Classifier{
		blacklistThreshold: cfg.BlacklistThreshold,
		blacklistDuration:  cfg.BlacklistDuration,
	}
}

// rotatableStatus reports whether the status indicates the session (not the
// page) is the problem.
func rotatableStatus(code int) bool {
	switch code {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	default:
		return false
	}
}

// Classify applies the decision table. The session must already reflect the
// outcome (counters updated) so the consecutive-failure threshold reads the
// current streak.
func (c *Classifier) Classify(sess Session, outcome Outcome) Verdict {
	v := Verdict{Outcome: outcome}

	switch outcome.Kind {
	case OutcomeSuccess:
		return v

	case OutcomeHTTPError:
		if !rotatableStatus(outcome.StatusCode) {
			return v
		}
		v.Rotate = true
		if sess.ConsecutiveFailures >= c.blacklistThreshold {
			v.Blacklist = true
			v.Reason = fmt.Sprintf("http-%d", outcome.StatusCode)
		}
		return v

	case OutcomeTimeout:
		v.Rotate = true
		return v

	case OutcomeConnectionRefused:
		v.Rotate = true
		v.Blacklist = true
		v.Reason = "unreachable"
		return v

	case OutcomeAuthFailure:
		v.Fatal = true
		return v

	default:
		v.Rotate = true
		return v
	}
}
