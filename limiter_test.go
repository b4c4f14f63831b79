package flexlimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexlimit-go/flexlimit"
	"github.com/flexlimit-go/flexlimit/backend/memory"
)

func TestConfigure_RejectsDuplicateZoneName(t *testing.T) {
	l := flexlimit.New(memory.New())
	limits := map[string]flexlimit.RateLimit{
		"a": {Zone: flexlimit.Zone{Name: "shared", Rate: 1, Expiry: time.Minute}},
		"b": {Zone: flexlimit.Zone{Name: "shared", Rate: 2, Expiry: time.Minute}},
	}
	_, err := l.Configure(limits)
	require.Error(t, err)
	assert.ErrorIs(t, err, flexlimit.ErrInvalidConfig)
}

func TestConfigure_TwiceReturnsErrAlreadyConfigured(t *testing.T) {
	l := flexlimit.New(memory.New())
	limits := map[string]flexlimit.RateLimit{
		"a": {Zone: flexlimit.Zone{Name: "z", Rate: 1, Expiry: time.Minute}},
	}
	_, err := l.Configure(limits)
	require.NoError(t, err)

	_, err = l.Configure(limits)
	assert.ErrorIs(t, err, flexlimit.ErrAlreadyConfigured)
}

func TestConfigure_WarnsOnShortExpiry(t *testing.T) {
	l := flexlimit.New(memory.New())
	limits := map[string]flexlimit.RateLimit{
		"a": {Zone: flexlimit.Zone{Name: "z", Rate: 1, Expiry: time.Second}, Burst: 10, Delay: 10},
	}
	warnings, err := l.Configure(limits)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, "a", warnings[0].LimitName)
	assert.Greater(t, warnings[0].Recommended, warnings[0].Expiry)
}

func TestRequest_BeforeConfigureReturnsErrNotConfigured(t *testing.T) {
	l := flexlimit.New(memory.New())
	_, err := l.Request(context.Background(), map[string]string{"a": "k"})
	assert.ErrorIs(t, err, flexlimit.ErrNotConfigured)
}

func TestRequest_UnknownLimitName(t *testing.T) {
	l := flexlimit.New(memory.New())
	limits := map[string]flexlimit.RateLimit{
		"a": {Zone: flexlimit.Zone{Name: "z", Rate: 1, Expiry: time.Minute}},
	}
	_, err := l.Configure(limits)
	require.NoError(t, err)

	_, err = l.Request(context.Background(), map[string]string{"nope": "k"})
	require.Error(t, err)
	assert.ErrorIs(t, err, flexlimit.ErrUnknownLimit)
}

func TestRequest_EmptyKeySetAlwaysAccepts(t *testing.T) {
	l := flexlimit.New(memory.New())
	limits := map[string]flexlimit.RateLimit{
		"a": {Zone: flexlimit.Zone{Name: "z", Rate: 1, Expiry: time.Minute}},
	}
	_, err := l.Configure(limits)
	require.NoError(t, err)

	resp, err := l.Request(context.Background(), map[string]string{})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Zero(t, resp.Delay)
}

func TestRequest_MultiZoneAtomicity(t *testing.T) {
	l := flexlimit.New(memory.New())
	limits := map[string]flexlimit.RateLimit{
		"loose": {Zone: flexlimit.Zone{Name: "loose", Rate: 100, Expiry: time.Minute}, Burst: 100},
		"tight": {Zone: flexlimit.Zone{Name: "tight", Rate: 1, Expiry: time.Minute}},
	}
	_, err := l.Configure(limits)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l.Request(ctx, map[string]string{"tight": "k"})
	require.NoError(t, err)

	resp, err := l.Request(ctx, map[string]string{"loose": "k", "tight": "k"})
	require.NoError(t, err)
	assert.False(t, resp.Accepted, "tight should reject the combined request")

	state, err := l.GetState(ctx, "loose", "k")
	require.NoError(t, err)
	assert.Nil(t, state, "loose must not observe a write from the rejected request")
}

func TestGetState_BeforeConfigureReturnsErrNotConfigured(t *testing.T) {
	l := flexlimit.New(memory.New())
	_, err := l.GetState(context.Background(), "z", "k")
	assert.ErrorIs(t, err, flexlimit.ErrNotConfigured)
}
