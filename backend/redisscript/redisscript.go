// Package redisscript implements flexlimit.Backend by compiling the
// leaky-bucket admission rule into a single Lua script (MGET + TIME +
// per-limit evaluation + SETEX), evaluated server-side with one EVALSHA per
// request. Unlike backend/redisopt there is no WATCH/retry loop: Redis
// scripts are executed atomically by the server, so a single round trip
// both decides and commits.
package redisscript

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/flexlimit-go/flexlimit"
	"github.com/flexlimit-go/flexlimit/codec"
	"github.com/flexlimit-go/flexlimit/keyformat"
)

// MinVersion is the lowest Redis version this backend requires: effects
// replication for scripts (redis.replicate_commands()), added in Redis 3.2.
var MinVersion = keyformat.Version{3, 2, 0}

// Backend is a flexlimit.Backend that evaluates every request in one Lua
// script on the Redis server.
type Backend struct {
	client redis.UniversalClient
	logger zerolog.Logger
	format keyformat.Format
	codec  codec.Codec

	limits        map[string]flexlimit.RateLimit
	requestScript *redis.Script
	getScript     *redis.Script
}

// Option configures a Backend at construction time.
type Option func(*Backend) error

// WithKeyFormat overrides the default key template.
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

// WithCodec selects the state encoding by name ("struct" or "json"). The
// codec must implement codec.LuaSource, since its encode/decode logic is
// embedded directly in the generated script.
func WithCodec(name string) Option {
	return func(b *Backend) error {
		c, err := codec.Get(name)
		if err != nil {
			return err
		}
		if _, ok := c.(codec.LuaSource); !ok {
			return fmt.Errorf("redisscript: codec %q does not support Lua embedding", name)
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
		client: client,
		logger: zerolog.Nop(),
	}
	f, err := keyformat.Parse(keyformat.Default)
	if err != nil {
		panic(err)
	}
	b.format = f
	c, err := codec.Get(codec.Default)
	if err != nil {
		panic(err)
	}
	b.codec = c

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Configure implements flexlimit.Backend. It generates the request and
// get-state scripts from limits and the configured codec, and registers
// them with the server.
//
// The one-time startup work — probing the server's version and registering
// the compiled scripts — has no dependency between its two halves, so both
// run concurrently via errgroup rather than back to back.
func (b *Backend) Configure(limits map[string]flexlimit.RateLimit) error {
	lua, ok := b.codec.(codec.LuaSource)
	if !ok {
		return fmt.Errorf("redisscript: codec does not support Lua embedding")
	}

	ctx := context.Background()
	var g errgroup.Group
	g.Go(func() error {
		return b.checkVersion(ctx)
	})
	g.Go(func() error {
		b.requestScript = redis.NewScript(requestScript(limits, lua))
		b.getScript = redis.NewScript(getScript(lua))
		if err := b.requestScript.Load(ctx, b.client).Err(); err != nil {
			return fmt.Errorf("redisscript: loading request script: %w", err)
		}
		if err := b.getScript.Load(ctx, b.client).Err(); err != nil {
			return fmt.Errorf("redisscript: loading get-state script: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	b.limits = limits
	return nil
}

// checkVersion probes INFO server's redis_version and makes Configure fail
// if it is below MinVersion. Servers that don't support INFO (such as test
// doubles) are accepted without a version check.
func (b *Backend) checkVersion(ctx context.Context) error {
	info, err := b.client.Info(ctx, "server").Result()
	if err != nil {
		b.logger.Debug().Err(err).Msg("redisscript: server does not support INFO, skipping version check")
		return nil
	}
	have := parseRedisVersion(info)
	if have == "" {
		return nil
	}
	haveVersion, err := keyformat.ParseVersion(have)
	if err != nil || !haveVersion.Less(MinVersion) {
		return nil
	}
	return &flexlimit.VersionError{
		Backend: "redisscript",
		Have:    have,
		Want:    MinVersion.String(),
	}
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

// requestScript renders the atomic evaluate-and-commit script: one
// "ARGV[i] -> limit name" table lookup, MGET of every key, a single TIME
// sample, the leaky-bucket rule applied per key, and SETEX of every
// accepted key's new state. Returns false on reject; the recommended delay
// (as a string, Lua's only numeric return type that round-trips through
// go-redis) on accept.
func requestScript(limits map[string]flexlimit.RateLimit, lua codec.LuaSource) string {
	var limitEntries []string
	for name, limit := range limits {
		limitEntries = append(limitEntries, fmt.Sprintf(
			`["%s"] = {["rate"] = %s, ["burst"] = %s, ["delay"] = %s, ["expiry"] = %d}`,
			luaEscape(name),
			luaFloat(limit.Zone.Rate), luaFloat(limit.Burst), luaFloat(limit.Delay),
			expirySeconds(limit),
		))
	}
	limitsTable := "{" + strings.Join(limitEntries, ", ") + "}"

	var b strings.Builder
	b.WriteString(`assert(redis.replicate_commands(), "failed to enable effects replication")` + "\n")
	b.WriteString("local limits = " + limitsTable + "\n")
	b.WriteString("local function encode(timestamp, value)\n  " + indentedBody(lua.LuaEncode()) + "\nend\n")
	b.WriteString("local function decode(raw_state)\n  " + indentedBody(lua.LuaDecode()) + "\nend\n")
	b.WriteString(`
local rstates = redis.call("MGET", unpack(KEYS))
local rt = redis.call("TIME")
local t1 = rt[1] + rt[2] / 1000000
local delay = 0
local nstates = {}
for i, rkey in ipairs(KEYS) do
  local lname = ARGV[i]
  local limit = limits[lname]
  local t0
  local v0
  local rstate = rstates[i]
  if rstate then
    t0, v0 = decode(rstate)
  else
    t0 = t1
    v0 = 0
  end
  local v1 = math.max(v0 - (t1 - t0) * limit.rate, 0) + 1
  local headroom = limit.burst + 1 - v1
  if headroom < -limit.delay then
    return false
  end
  if headroom < 0 then
    delay = math.max(delay, -headroom / limit.rate)
  end
  nstates[i] = {t1, v1, limit.expiry}
end
for i, rkey in ipairs(KEYS) do
  local nstate = nstates[i]
  redis.call("SETEX", rkey, nstate[3], encode(nstate[1], nstate[2]))
end
return tostring(delay)
`)
	return b.String()
}

// getScript renders the debug/test read-only script used by GetState.
func getScript(lua codec.LuaSource) string {
	var b strings.Builder
	b.WriteString("local function decode(raw_state)\n  " + indentedBody(lua.LuaDecode()) + "\nend\n")
	b.WriteString(`
local rstate = redis.call("GET", KEYS[1])
if rstate then
  local timestamp, value = decode(rstate)
  return {tostring(timestamp), tostring(value)}
else
  return false
end
`)
	return b.String()
}

func indentedBody(body string) string {
	lines := strings.Split(body, "\n")
	return strings.Join(lines, "\n  ")
}

func expirySeconds(limit flexlimit.RateLimit) int64 {
	seconds := int64(limit.Zone.Expiry.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func luaFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// luaEscape escapes every byte of s that isn't a safe printable ASCII
// character, so it can be embedded inside a double-quoted Lua string
// literal regardless of what bytes a configured limit name contains.
// Mirrors the original implementation's LUA_ESCAPES table byte-for-byte.
func luaEscape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\a':
			b.WriteString(`\a`)
		case c == '\b':
			b.WriteString(`\b`)
		case c == '\f':
			b.WriteString(`\f`)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c == '\t':
			b.WriteString(`\t`)
		case c == '\v':
			b.WriteString(`\v`)
		case c == '\\':
			b.WriteString(`\\`)
		case c == '"':
			b.WriteString(`\"`)
		case c == '\'':
			b.WriteString(`\'`)
		case c == '[':
			b.WriteString(`\[`)
		case c == ']':
			b.WriteString(`\]`)
		case c >= 0x20 && c < 0x7f:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, `\%03d`, c)
		}
	}
	return b.String()
}

// Request implements flexlimit.Backend. It runs the single compiled script,
// which decides and commits in one round trip: the script itself has no
// concept of a partial result, so a reject is a plain false return and an
// accept is the recommended delay as a string.
func (b *Backend) Request(ctx context.Context, keys map[string]string) (flexlimit.Response, error) {
	if len(keys) == 0 {
		return flexlimit.Response{Accepted: true}, nil
	}

	rkeys := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys))
	for name, key := range keys {
		limit := b.limits[name]
		rkeys = append(rkeys, b.format.Render(limit.Zone.Name, key))
		args = append(args, name)
	}

	result, err := b.requestScript.Run(ctx, b.client, rkeys, args...).Result()
	if err == redis.Nil {
		// The script returned Lua false: the request was rejected and
		// nothing was written.
		return flexlimit.Response{Accepted: false}, nil
	}
	if err != nil {
		return flexlimit.Response{}, fmt.Errorf("redisscript: eval: %w", err)
	}

	switch v := result.(type) {
	case int64:
		if v == 0 {
			return flexlimit.Response{Accepted: false}, nil
		}
		return flexlimit.Response{Accepted: true}, nil
	case string:
		delay, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return flexlimit.Response{}, fmt.Errorf("redisscript: parsing delay %q: %w", v, err)
		}
		return flexlimit.Response{Accepted: true, Delay: secondsToDuration(delay)}, nil
	default:
		return flexlimit.Response{}, fmt.Errorf("redisscript: unexpected script result type %T", result)
	}
}

// GetState implements flexlimit.Backend by running the companion read-only
// script, so decoding stays consistent with whatever codec Configure wired
// in even though Go never sees the raw bytes.
func (b *Backend) GetState(ctx context.Context, zone, key string) (*flexlimit.State, error) {
	rkey := b.format.Render(zone, key)
	result, err := b.getScript.Run(ctx, b.client, []string{rkey}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisscript: eval get: %w", err)
	}
	pair, ok := result.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, nil
	}
	timestamp, err := strconv.ParseFloat(pair[0].(string), 64)
	if err != nil {
		return nil, fmt.Errorf("redisscript: parsing timestamp: %w", err)
	}
	value, err := strconv.ParseFloat(pair[1].(string), 64)
	if err != nil {
		return nil, fmt.Errorf("redisscript: parsing value: %w", err)
	}
	return &flexlimit.State{Timestamp: timestamp, Value: value}, nil
}

// secondsToDuration converts an algorithm-domain seconds value to a
// time.Duration.
func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
