// Package clock abstracts time.Now so services can be tested against a
// fixed instant instead of real wall-clock time.
package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock returns the current time. Production code takes a Clock instead
// of calling time.Now directly.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// New returns the production Clock backed by time.Now.
func New() Clock {
	return realClock{}
}

// Module wires the production Clock.
var Module = fx.Module("clock",
	fx.Provide(New),
)

var _ Clock = realClock{}
