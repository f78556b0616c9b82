package device

import (
	"math/rand/v2"
	"time"
)

// Window is a jittered interval: each Pick returns a uniform duration in [Min, Max].
type Window struct {
	Min time.Duration
	Max time.Duration
}

// Pick returns a random duration inside the window.
func (w Window) Pick() time.Duration {
	if w.Max <= w.Min {
		return w.Min
	}
	return w.Min + rand.N(w.Max-w.Min+1)
}

// ConfirmPolicy controls how long a toggle intent waits for a confirming poll.
type ConfirmPolicy struct {
	// Timeout after which a pending intent is cleared and the confirmed state rendered.
	Timeout time.Duration
	// ExtendOnMismatch pushes the deadline forward on every successful but
	// non-matching poll, bounded by MaxWindow.
	ExtendOnMismatch bool
	MaxWindow        time.Duration
}

// Policy holds the polling cadences shared by all handlers.
type Policy struct {
	ShowDelay        Window
	Interval         Window
	PendingInterval  Window
	ErrorInterval    Window
	RetryMultiplier  float64
	MaxRetryInterval time.Duration
	RequestTimeout   time.Duration
	Confirm          ConfirmPolicy
}

// DefaultPolicy returns the stock cadences.
func DefaultPolicy() Policy {
	return Policy{
		ShowDelay:        Window{Min: 0, Max: 1500 * time.Millisecond},
		Interval:         Window{Min: 4000 * time.Millisecond, Max: 5500 * time.Millisecond},
		PendingInterval:  Window{Min: 500 * time.Millisecond, Max: 1000 * time.Millisecond},
		ErrorInterval:    Window{Min: 4000 * time.Millisecond, Max: 5500 * time.Millisecond},
		RetryMultiplier:  1.0,
		MaxRetryInterval: 30 * time.Second,
		RequestTimeout:   5 * time.Second,
		Confirm: ConfirmPolicy{
			Timeout:   5 * time.Second,
			MaxWindow: 15 * time.Second,
		},
	}
}

// errorDelay returns the retry delay after the given number of consecutive failures.
func (p Policy) errorDelay(failures int) time.Duration {
	d := p.ErrorInterval.Pick()
	if p.RetryMultiplier <= 1 || failures <= 1 {
		return d
	}
	for i := 1; i < failures; i++ {
		d = time.Duration(float64(d) * p.RetryMultiplier)
		if p.MaxRetryInterval > 0 && d >= p.MaxRetryInterval {
			return p.MaxRetryInterval
		}
	}
	return d
}

// nextDelay picks the delay before the next poll for the given condition.
func (p Policy) nextDelay(phase Phase, notFound bool, failures int) time.Duration {
	switch {
	case phase == PhaseFailed:
		return p.errorDelay(failures)
	case notFound:
		return p.ErrorInterval.Pick()
	case phase == PhaseCommandPending:
		return p.PendingInterval.Pick()
	default:
		return p.Interval.Pick()
	}
}
