package refresh

import (
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

type options struct {
	clock     clock.Clock
	observers []Observer
	newToken  func() string
}

// Option configures a Coordinator.
type Option func(*options)

func getOpts(opts []Option) options {
	o := options{
		clock:    clock.New(),
		newToken: uuid.NewString,
	}
	for _, apply := range opts {
		apply(&o)
	}
	return o
}

// WithClock replaces the wall clock. Freshness checks, poll intervals and
// wait ceilings all run on this clock.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		if clk != nil {
			o.clock = clk
		}
	}
}

// WithObservers registers observers notified after each successful refresh.
func WithObservers(observers ...Observer) Option {
	return func(o *options) {
		for _, obs := range observers {
			if obs != nil {
				o.observers = append(o.observers, obs)
			}
		}
	}
}

// WithTokenSource sets the generator for lock owner tokens.
func WithTokenSource(newToken func() string) Option {
	return func(o *options) {
		if newToken != nil {
			o.newToken = newToken
		}
	}
}
