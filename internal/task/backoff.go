package task

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffKind selects the shape of the retry delay curve (spec §4.2).
type BackoffKind int

const (
	BackoffFixed BackoffKind = iota
	BackoffExponential
)

func (k BackoffKind) String() string {
	if k == BackoffFixed {
		return "fixed"
	}
	return "exponential"
}

// BackoffPolicy parameterizes the retry delay computed after a failed
// attempt (spec §4.2: "fixed | exponential | custom({base, factor, cap,
// jitter})"). Custom policies are expressed by choosing Exponential with
// explicit Base/Factor/Cap/Jitter.
type BackoffPolicy struct {
	Kind   BackoffKind   `json:"kind"`
	Base   time.Duration `json:"base"`
	Factor float64       `json:"factor"`
	Cap    time.Duration `json:"cap"`
	Jitter bool          `json:"jitter"`
}

// DefaultBackoffPolicy mirrors the teacher's DefaultRetryPolicy shape,
// restated against BackoffPolicy.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Kind:   BackoffExponential,
		Base:   1 * time.Second,
		Factor: 2.0,
		Cap:    5 * time.Minute,
		Jitter: true,
	}
}

// computeBackoff returns the delay to apply before attempt (1-indexed),
// per the policy. Exponential policies take the capped curve from
// cenkalti/backoff/v4's ExponentialBackOff (with its own randomization
// off) and, when Jitter is set, apply full jitter: a uniform delay in
// [0, d].
func computeBackoff(attempt int, policy BackoffPolicy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if policy.Kind == BackoffFixed {
		d := policy.Base
		if policy.Cap > 0 && d > policy.Cap {
			d = policy.Cap
		}
		return d
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.Base
	if policy.Factor > 0 {
		eb.Multiplier = policy.Factor
	}
	if policy.Cap > 0 {
		eb.MaxInterval = policy.Cap
	}
	eb.MaxElapsedTime = 0 // never expire; the caller owns MaxAttempts
	eb.RandomizationFactor = 0
	eb.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	if policy.Cap > 0 && d > policy.Cap {
		d = policy.Cap
	}
	if policy.Jitter && d > 0 {
		d = time.Duration(rand.Int63n(int64(d) + 1))
	}
	return d
}

// NextRunAt returns the absolute time a task should next be attempted,
// given the current moment and the attempt number about to be scheduled.
func (p BackoffPolicy) NextRunAt(now time.Time, attempt int) time.Time {
	return now.Add(computeBackoff(attempt, p))
}
