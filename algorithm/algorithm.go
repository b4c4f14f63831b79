// Package algorithm implements the leaky-bucket admission rule shared by
// every rate limiter backend.
//
// Evaluate is a pure function: given the previous sample for a key, the
// current time, and a limit's parameters, it decides accept / accept-with-
// delay / reject and returns the sample that should be written on accept.
// It performs no I/O and holds no state, so the in-process backend and the
// optimistic Redis backend can call it directly, and the scripted Redis
// backend re-expresses the same arithmetic in Lua, generated from the same
// constants (see package backend/redisscript).
package algorithm

import "math"

// Sample is a bucket's fill level at a point in time.
type Sample struct {
	// Timestamp is seconds since an arbitrary but consistent epoch: the
	// local monotonic clock for the in-process backend, Redis TIME for the
	// remote backends.
	Timestamp float64
	// Value is the time-adjusted request count.
	Value float64
}

// Limit holds the admission parameters for one (zone, rate-limit) pair.
type Limit struct {
	// Rate is the drain rate in requests per second. Must be positive.
	Rate float64
	// Burst is the size of the no-delay admission band.
	Burst float64
	// Delay is the size of the delay admission band above Burst.
	Delay float64
}

// Outcome is the result of evaluating one limit against one sample.
type Outcome struct {
	// Accepted reports whether the request is admitted (immediately or
	// with a delay). When false, NewSample is the zero value and must not
	// be written.
	Accepted bool
	// Delay is the number of seconds the caller should wait before acting
	// on the request. Zero on immediate accept; meaningless on reject.
	Delay float64
	// NewSample is the state to persist for this key when Accepted is true.
	NewSample Sample
}

// Evaluate applies the leaky-bucket admission rule described by limit to the
// bucket state prev as of time now (seconds).
//
// prev may be nil, meaning no prior state exists for this key: the bucket is
// then treated as empty as of now.
func Evaluate(prev *Sample, now float64, limit Limit) Outcome {
	t0, v0 := now, 0.0
	if prev != nil {
		t0, v0 = prev.Timestamp, prev.Value
	}

	v1 := math.Max(v0-(now-t0)*limit.Rate, 0) + 1
	headroom := limit.Burst + 1 - v1

	if headroom < -limit.Delay {
		return Outcome{Accepted: false}
	}

	delay := 0.0
	if headroom < 0 {
		delay = -headroom / limit.Rate
	}

	return Outcome{
		Accepted:  true,
		Delay:     delay,
		NewSample: Sample{Timestamp: now, Value: v1},
	}
}
