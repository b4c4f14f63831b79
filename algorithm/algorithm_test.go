package algorithm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const eps = 1e-9

func TestEvaluate_BasicDrain(t *testing.T) {
	limit := Limit{Rate: 2}
	t0 := 1000.0

	out := Evaluate(nil, t0, limit)
	assert.True(t, out.Accepted)
	assert.InDelta(t, 0, out.Delay, eps)
	assert.InDelta(t, t0, out.NewSample.Timestamp, eps)
	assert.InDelta(t, 1, out.NewSample.Value, eps)

	prev := out.NewSample
	out = Evaluate(&prev, t0+0.3, limit)
	assert.False(t, out.Accepted)

	out = Evaluate(&prev, t0+0.51, limit)
	assert.True(t, out.Accepted)
	assert.InDelta(t, 0, out.Delay, eps)
	assert.InDelta(t, t0+0.51, out.NewSample.Timestamp, eps)
	assert.InDelta(t, 1, out.NewSample.Value, eps)
}

func TestEvaluate_Burst(t *testing.T) {
	limit := Limit{Rate: 2, Burst: 2}
	t0 := 1000.0

	out := Evaluate(nil, t0, limit)
	assert.True(t, out.Accepted)
	prev := out.NewSample

	out = Evaluate(&prev, t0+0.2, limit)
	assert.True(t, out.Accepted)
	assert.InDelta(t, 0, out.Delay, eps)
	prev = out.NewSample

	out = Evaluate(&prev, t0+0.2, limit)
	assert.True(t, out.Accepted)
	assert.InDelta(t, 0, out.Delay, eps)
	prev = out.NewSample

	out = Evaluate(&prev, t0+0.2, limit)
	assert.False(t, out.Accepted)

	assert.InDelta(t, t0+0.2, prev.Timestamp, eps)
	assert.InDelta(t, 2.6, prev.Value, eps)
}

func TestEvaluate_Delay(t *testing.T) {
	limit := Limit{Rate: 2, Delay: 2}
	t0 := 1000.0

	out := Evaluate(nil, t0, limit)
	assert.True(t, out.Accepted)
	prev := out.NewSample

	out = Evaluate(&prev, t0+0.2, limit)
	assert.True(t, out.Accepted)
	assert.InDelta(t, 0.3, out.Delay, eps)
	prev = out.NewSample

	out = Evaluate(&prev, t0+0.2, limit)
	assert.True(t, out.Accepted)
	assert.InDelta(t, 0.8, out.Delay, eps)
	prev = out.NewSample

	out = Evaluate(&prev, t0+0.2, limit)
	assert.False(t, out.Accepted)

	assert.InDelta(t, t0+0.2, prev.Timestamp, eps)
	assert.InDelta(t, 2.6, prev.Value, eps)
}

func TestEvaluate_BurstAndDelay(t *testing.T) {
	limit := Limit{Rate: 2, Burst: 1, Delay: 1}
	t0 := 1000.0

	out := Evaluate(nil, t0, limit)
	assert.True(t, out.Accepted)
	prev := out.NewSample

	out = Evaluate(&prev, t0+0.2, limit)
	assert.True(t, out.Accepted)
	assert.InDelta(t, 0, out.Delay, eps)
	prev = out.NewSample

	out = Evaluate(&prev, t0+0.2, limit)
	assert.True(t, out.Accepted)
	assert.InDelta(t, 0.3, out.Delay, eps)
	prev = out.NewSample

	out = Evaluate(&prev, t0+0.2, limit)
	assert.False(t, out.Accepted)
}

func TestEvaluate_RealtimeDrip(t *testing.T) {
	limit := Limit{Rate: 5}
	want := []bool{true, false, false, true, false, false, true, false, false, true, false, false}

	var prev *Sample
	for i, w := range want {
		now := 0.1 + float64(i)/12
		out := Evaluate(prev, now, limit)
		assert.Equalf(t, w, out.Accepted, "request %d at t=%.4f", i, now)
		if out.Accepted {
			s := out.NewSample
			prev = &s
		}
	}
}

func TestEvaluate_EmptyEdge(t *testing.T) {
	out := Evaluate(nil, 0, Limit{Rate: 1})
	assert.True(t, out.Accepted)
	assert.InDelta(t, 1, out.NewSample.Value, eps)
}

func TestEvaluate_ZeroBurstZeroDelay(t *testing.T) {
	limit := Limit{Rate: 2}
	t0 := 500.0
	out := Evaluate(nil, t0, limit)
	assert.True(t, out.Accepted)
	prev := out.NewSample

	// A second request before 1/rate seconds have elapsed must reject.
	out = Evaluate(&prev, t0+0.49, limit)
	assert.False(t, out.Accepted)

	// Exactly at 1/rate it is accepted again.
	out = Evaluate(&prev, t0+0.5, limit)
	assert.True(t, out.Accepted)
}
