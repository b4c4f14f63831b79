// Package redisopt implements flexlimit.Backend on top of Redis using
// optimistic transactions: WATCH the keys involved in a request, read their
// current state and the server clock, evaluate the leaky-bucket rule
// locally, then commit every write in a single MULTI/EXEC. Redis aborts the
// EXEC if any watched key changed since the WATCH, in which case the whole
// request is retried from scratch.
package redisopt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/flexlimit-go/flexlimit"
	"github.com/flexlimit-go/flexlimit/algorithm"
	"github.com/flexlimit-go/flexlimit/codec"
	"github.com/flexlimit-go/flexlimit/keyformat"
)

// MinVersion is the lowest Redis version this backend requires. Optimistic
// transactions via WATCH/MULTI/EXEC are available in every Redis version
// this module targets, but a floor is still enforced so VersionError has a
// concrete threshold to report against.
var MinVersion = keyformat.Version{2, 6, 0}

// DefaultMaxRetries is the number of additional attempts made after a
// TxFailedErr before giving up.
const DefaultMaxRetries = 5

// DefaultRetryBackoff is the base delay between retries, doubled each
// attempt (capped implicitly by DefaultMaxRetries).
const DefaultRetryBackoff = 2 * time.Millisecond

// Backend is a flexlimit.Backend backed by Redis optimistic transactions.
type Backend struct {
	client redis.UniversalClient
	logger zerolog.Logger
	format keyformat.Format
	codec  codec.Codec

	maxRetries   int
	retryBackoff time.Duration

	limits map[string]flexlimit.RateLimit
}

// Option configures a Backend at construction time.
type Option func(*Backend) error

// WithMaxRetries overrides how many additional attempts a Request makes
// after a watch conflict (redis.TxFailedErr) before giving up.
func WithMaxRetries(n int) Option {
	return func(b *Backend) error {
		b.maxRetries = n
		return nil
	}
}

// WithRetryBackoff overrides the base delay between watch-conflict retries.
func WithRetryBackoff(d time.Duration) Option {
	return func(b *Backend) error {
		b.retryBackoff = d
		return nil
	}
}

// WithKeyFormat overrides the default key template. format must contain
// exactly the placeholders {zone} and {key}.
func WithKeyFormat(format string) Option {
	return func(b *Backend) error {
		f, err := keyformat.Parse(format)
		if err != nil {
			return err
		}
		b.format = f
		return nil
	}
}

// WithCodec selects the state encoding by name ("struct" or "json").
func WithCodec(name string) Option {
	return func(b *Backend) error {
		c, err := codec.Get(name)
		if err != nil {
			return err
		}
		b.codec = c
		return nil
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Backend) error {
		b.logger = logger
		return nil
	}
}

// New creates an unconfigured Backend over an existing Redis client.
func New(client redis.UniversalClient, opts ...Option) (*Backend, error) {
	b := &Backend{
		client:       client,
		logger:       zerolog.Nop(),
		format:       mustParseDefault(),
		codec:        mustDefaultCodec(),
		maxRetries:   DefaultMaxRetries,
		retryBackoff: DefaultRetryBackoff,
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func mustParseDefault() keyformat.Format {
	f, err := keyformat.Parse(keyformat.Default)
	if err != nil {
		panic(err)
	}
	return f
}

func mustDefaultCodec() codec.Codec {
	c, err := codec.Get(codec.Default)
	if err != nil {
		panic(err)
	}
	return c
}

// Configure implements flexlimit.Backend. It checks the connected server's
// version against MinVersion and stores the limit table for Request.
//
// Servers that don't support INFO (such as test doubles) are accepted
// without a version check rather than failing configuration outright.
func (b *Backend) Configure(limits map[string]flexlimit.RateLimit) error {
	ctx := context.Background()
	if info, err := b.client.Info(ctx, "server").Result(); err == nil {
		if have := parseRedisVersion(info); have != "" {
			haveVersion, err := keyformat.ParseVersion(have)
			if err == nil && haveVersion.Less(MinVersion) {
				return &flexlimit.VersionError{
					Backend: "redisopt",
					Have:    have,
					Want:    MinVersion.String(),
				}
			}
		}
	} else {
		b.logger.Debug().Err(err).Msg("redisopt: server does not support INFO, skipping version check")
	}

	b.limits = limits
	return nil
}

func parseRedisVersion(info string) string {
	const marker = "redis_version:"
	idx := strings.Index(info, marker)
	if idx < 0 {
		return ""
	}
	rest := info[idx+len(marker):]
	end := strings.IndexAny(rest, "\r\n")
	if end < 0 {
		end = len(rest)
	}
	return rest[:end]
}

type boundLimit struct {
	name  string
	limit flexlimit.RateLimit
	rkey  string
}

// Request implements flexlimit.Backend using WATCH/MULTI/EXEC.
func (b *Backend) Request(ctx context.Context, keys map[string]string) (flexlimit.Response, error) {
	if len(keys) == 0 {
		return flexlimit.Response{Accepted: true}, nil
	}

	bound := make([]boundLimit, 0, len(keys))
	rkeys := make([]string, 0, len(keys))
	for name, key := range keys {
		limit := b.limits[name]
		rkey := b.format.Render(limit.Zone.Name, key)
		bound = append(bound, boundLimit{name: name, limit: limit, rkey: rkey})
		rkeys = append(rkeys, rkey)
	}

	var result flexlimit.Response
	txf := func(tx *redis.Tx) error {
		rstates, err := tx.MGet(ctx, rkeys...).Result()
		if err != nil {
			return fmt.Errorf("redisopt: mget: %w", err)
		}
		t1, err := serverTime(ctx, tx)
		if err != nil {
			return err
		}

		type write struct {
			rkey   string
			ttl    int64
			sample algorithm.Sample
		}
		writes := make([]write, 0, len(bound))

		var delay float64
		accepted := true
		for i, bl := range bound {
			var prevPtr *algorithm.Sample
			if raw, ok := rstates[i].(string); ok {
				prev, err := b.codec.Decode([]byte(raw))
				if err != nil {
					return fmt.Errorf("redisopt: decoding state for %q: %w", bl.rkey, err)
				}
				prevPtr = prev
			}
			out := algorithm.Evaluate(prevPtr, t1, algorithm.Limit{
				Rate:  bl.limit.Zone.Rate,
				Burst: bl.limit.Burst,
				Delay: bl.limit.Delay,
			})
			if !out.Accepted {
				accepted = false
				break
			}
			if out.Delay > delay {
				delay = out.Delay
			}
			seconds := int64(bl.limit.Zone.Expiry.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			writes = append(writes, write{rkey: bl.rkey, ttl: seconds, sample: out.NewSample})
		}

		if !accepted {
			result = flexlimit.Response{Accepted: false}
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, w := range writes {
				pipe.SetEx(ctx, w.rkey, b.codec.Encode(w.sample), time.Duration(w.ttl)*time.Second)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("redisopt: commit: %w", err)
		}

		result = flexlimit.Response{Accepted: true, Delay: secondsToDuration(delay)}
		return nil
	}

	if err := b.runWithRetry(ctx, txf, rkeys); err != nil {
		return flexlimit.Response{}, err
	}
	return result, nil
}

// runWithRetry drives txf to completion, retrying on redis.TxFailedErr with
// exponential backoff up to b.maxRetries additional attempts.
func (b *Backend) runWithRetry(ctx context.Context, txf func(*redis.Tx) error, rkeys []string) error {
	backoff := b.retryBackoff
	var err error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		err = b.client.Watch(ctx, txf, rkeys...)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		b.logger.Debug().Int("attempt", attempt).Strs("keys", rkeys).Msg("redisopt: watch conflict, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if err != nil {
		return fmt.Errorf("redisopt: transaction: %w", err)
	}
	return nil
}

// GetState implements flexlimit.Backend.
func (b *Backend) GetState(ctx context.Context, zone, key string) (*flexlimit.State, error) {
	rkey := b.format.Render(zone, key)
	raw, err := b.client.Get(ctx, rkey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisopt: get: %w", err)
	}
	sample, err := b.codec.Decode([]byte(raw))
	if err != nil {
		return nil, err
	}
	if sample == nil {
		return nil, nil
	}
	return &flexlimit.State{Timestamp: sample.Timestamp, Value: sample.Value}, nil
}

func serverTime(ctx context.Context, tx *redis.Tx) (float64, error) {
	t, err := tx.Time(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("redisopt: time: %w", err)
	}
	return float64(t.UnixNano()) / 1e9, nil
}

// secondsToDuration converts an algorithm-domain seconds value to a
// time.Duration.
func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
