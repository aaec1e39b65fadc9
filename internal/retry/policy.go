// Package retry maps failed attempts to re-visibility delays.
//
// Policies are pure: the same attempt number always yields the same delay.
// There is no jitter.
package retry

import "time"

// Policy returns the delay before attempt becomes visible again.
// attempt is the retry count after the failure has been recorded (1 for the
// first retry).
type Policy interface {
	Backoff(attempt int) time.Duration
}

// Exponential doubles Base for every attempt and never exceeds Max.
// A zero Max means no ceiling.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// Default is 1s, 2s, 4s, ... capped at ten minutes.
func Default() Exponential {
	return Exponential{Base: time.Second, Max: 10 * time.Minute}
}

func (e Exponential) Backoff(attempt int) time.Duration {
	if e.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := e.Base
	for range attempt {
		if d > maxDuration/2 {
			d = maxDuration
			break
		}
		d *= 2
		if e.Max > 0 && d >= e.Max {
			break
		}
	}
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

const maxDuration = time.Duration(1<<63 - 1)

// Constant waits the same Delay before every retry.
type Constant struct {
	Delay time.Duration
}

func (c Constant) Backoff(int) time.Duration { return c.Delay }

// Decision is the outcome of a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide applies p to a task that has failed with retryCount retries
// already spent. When Retry is true the caller increments the count and
// hides the task for Delay.
func Decide(p Policy, retryCount, maxRetries int, retryable bool) Decision {
	if !retryable || retryCount >= maxRetries {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Backoff(retryCount + 1)}
}
