// Package flexlimit implements a multi-zone leaky-bucket rate limiter.
//
// A Limiter is configured once with a set of named rate limits, each bound
// to a Zone (a drain rate and a remote-store TTL). Callers then present a
// set of named keys per request; the Limiter decides, atomically across all
// referenced limits, whether to accept, accept-with-delay, or reject.
//
// Three backends share the same outer contract (package backend/memory,
// backend/redisopt, backend/redisscript): an in-process map guarded by
// per-zone locks, a Redis backend using WATCH/MULTI/EXEC transactions, and a
// Redis backend that evaluates everything in a single server-side script.
package flexlimit

import "time"

// Zone is a namespace for rate-limiting state: a drain rate and a TTL
// applied to every key's state in a remote backend.
type Zone struct {
	// Name uniquely identifies this zone among the zones used by one
	// Limiter.
	Name string
	// Rate is the drain rate in requests per second. Must be positive.
	Rate float64
	// Expiry is the TTL applied to each key's state in the remote backend.
	// Unused by the in-process backend, which never evicts. Must be
	// positive.
	Expiry time.Duration
}

// RateLimit binds a Zone to admission parameters.
type RateLimit struct {
	Zone Zone
	// Burst is the size of the no-delay admission band. Defaults to 0.
	Burst float64
	// Delay is the size of the delay admission band above Burst. Defaults
	// to 0.
	Delay float64
}

// State is the per-(zone, key) bucket state.
type State struct {
	// Timestamp is seconds at last update: monotonic seconds since Configure
	// for the in-process backend, server clock when read from a remote
	// backend.
	Timestamp float64
	// Value is the time-adjusted request count.
	Value float64
}

// Response is the outcome of a Request call.
type Response struct {
	// Accepted reports whether the request was admitted.
	Accepted bool
	// Delay is the recommended wait before the caller acts on the request.
	// Only meaningful when Accepted; zero on immediate accept and on
	// reject.
	Delay time.Duration
}

// Warning reports that a configured zone's expiry is shorter than the
// algorithmic minimum required to hold a key's state for the full admission
// window. It is not an error: Configure still succeeds.
type Warning struct {
	LimitName   string
	Zone        string
	Expiry      time.Duration
	Recommended time.Duration
}
