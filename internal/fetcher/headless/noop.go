package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
)

// Noop implements rotation.Transport but always returns an error to indicate
// that headless browsing is not available in the current build.
type Noop struct{}

// NewNoop creates a new Noop transport.
func NewNoop() *Noop {
	return &Noop{}
}

// Dispatch returns an error since this is a stub implementation.
func (Noop) Dispatch(_ context.Context, _ rotation.Request, _ rotation.Session) (rotation.Response, error) {
	return rotation.Response{}, errors.New("headless transport not configured")
}
