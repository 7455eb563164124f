package estimator

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

func compareFloats(value float64, expected float64, eps float64) cmp.Comparison {
	return func() cmp.Result {
		if math.Abs(expected-value) > eps {
			return cmp.ResultFailure(fmt.Sprintf("expected %f, but got %f", expected, value))
		}

		return cmp.ResultSuccess
	}
}

type batch struct {
	time            int64
	elements        int64
	processingDelay int64
	schedulingDelay int64
}

func newTestPID(t *testing.T, options ...Option) *PIDRateEstimator {
	t.Helper()

	pid, err := NewPIDRateEstimator(time.Second, options...)
	assert.NilError(t, err)

	return pid
}

func TestNewPIDRateEstimator(t *testing.T) {
	t.Parallel()

	t.Run("non positive batch interval", func(t *testing.T) {
		for _, interval := range []time.Duration{0, -time.Second, time.Microsecond} {
			pid, err := NewPIDRateEstimator(interval)
			assert.ErrorIs(t, err, ErrInvalidBatchInterval)
			assert.Assert(t, pid == nil)
		}
	})

	t.Run("any finite gains", func(t *testing.T) {
		var tests = [][3]float64{
			{0, 0, 0},
			{-1, -0.2, 0},
			{1, 1, 1},
			{-100, 50, -3.5},
		}

		for _, gains := range tests {
			pid, err := NewPIDRateEstimator(time.Second,
				WithProportional(gains[0]),
				WithIntegral(gains[1]),
				WithDerivative(gains[2]))
			assert.NilError(t, err)
			assert.Assert(t, pid != nil)
		}
	})

	t.Run("non finite gains", func(t *testing.T) {
		for _, option := range []Option{
			WithProportional(math.NaN()),
			WithIntegral(math.Inf(1)),
			WithDerivative(math.Inf(-1)),
		} {
			_, err := NewPIDRateEstimator(time.Second, option)
			assert.ErrorIs(t, err, ErrInvalidGain)
		}
	})

	t.Run("negative min rate", func(t *testing.T) {
		_, err := NewPIDRateEstimator(time.Second, WithMinRate(-1))
		assert.ErrorIs(t, err, ErrInvalidMinRate)
	})

	t.Run("defaults", func(t *testing.T) {
		pid := newTestPID(t)
		assert.Equal(t, pid.batchIntervalMillis, int64(1000))
		assert.Equal(t, pid.proportional, DefaultProportional)
		assert.Equal(t, pid.integral, DefaultIntegral)
		assert.Equal(t, pid.derivative, DefaultDerivative)
		assert.Assert(t, pid.firstRun)
	})
}

func TestPIDScenario(t *testing.T) {
	t.Parallel()

	pid := newTestPID(t)

	_, ok := pid.Compute(1000, 1000, 1000, 0)
	assert.Assert(t, !ok, "the first update should only seed the estimate")
	rate, seeded := pid.LatestRate()
	assert.Assert(t, seeded)
	assert.Assert(t, compareFloats(rate, 1000.0, 10e-9))

	rate, ok = pid.Compute(2000, 1500, 1000, 0)
	assert.Assert(t, ok)
	assert.Assert(t, compareFloats(rate, 1500.0, 10e-9))

	rate, ok = pid.Compute(3000, 1500, 1000, 500)
	assert.Assert(t, ok)
	assert.Assert(t, compareFloats(rate, 1350.0, 10e-9))

	_, ok = pid.Compute(3000, 1500, 1000, 500)
	assert.Assert(t, !ok, "a repeated timestamp should be ignored")
	rate, _ = pid.LatestRate()
	assert.Assert(t, compareFloats(rate, 1350.0, 10e-9))
}

func TestPIDRejectedInputs(t *testing.T) {
	t.Parallel()

	var tests = []struct {
		name  string
		input batch
	}{
		{name: "stale time", input: batch{time: 500, elements: 10, processingDelay: 100}},
		{name: "same time", input: batch{time: 1000, elements: 10, processingDelay: 100}},
		{name: "zero processing delay", input: batch{time: 2000, elements: 10, processingDelay: 0}},
		{name: "negative processing delay", input: batch{time: 2000, elements: 10, processingDelay: -5}},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			pid := newTestPID(t)
			_, ok := pid.Compute(1000, 1000, 1000, 0)
			assert.Assert(t, !ok)

			before := *pid.snapshot()
			_, ok = pid.Compute(test.input.time, test.input.elements,
				test.input.processingDelay, test.input.schedulingDelay)
			assert.Assert(t, !ok)
			assert.Equal(t, *pid.snapshot(), before)
		})
	}

	t.Run("before seeding", func(t *testing.T) {
		t.Parallel()

		pid := newTestPID(t)
		_, ok := pid.Compute(1000, 1000, 0, 0)
		assert.Assert(t, !ok)
		assert.Assert(t, pid.firstRun, "an invalid first call should not seed the estimate")
		_, seeded := pid.LatestRate()
		assert.Assert(t, !seeded)
	})
}

func TestPIDNeverNegative(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		pid := newTestPID(t,
			WithProportional(rng.Float64()*20-10),
			WithIntegral(rng.Float64()*20-10),
			WithDerivative(rng.Float64()*20-10))

		now := int64(0)
		for j := 0; j < 100; j++ {
			now += 1 + rng.Int63n(2000)
			rate, ok := pid.Compute(now, rng.Int63n(100000),
				1+rng.Int63n(5000), rng.Int63n(5000))
			if ok {
				assert.Assert(t, rate >= 0, "got negative rate %f", rate)
			}
		}
	}
}

func TestPIDMinRate(t *testing.T) {
	t.Parallel()

	pid := newTestPID(t, WithMinRate(100), WithIntegral(-10))
	_, ok := pid.Compute(1000, 1000, 1000, 0)
	assert.Assert(t, !ok)

	rate, ok := pid.Compute(2000, 1000, 1000, 5000)
	assert.Assert(t, ok)
	assert.Assert(t, compareFloats(rate, 100.0, 10e-9))
}

func TestPIDDeterministic(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	batches := make([]batch, 200)
	now := int64(0)
	for i := range batches {
		now += rng.Int63n(1500) - 100
		batches[i] = batch{
			time:            now,
			elements:        rng.Int63n(10000),
			processingDelay: rng.Int63n(2000) - 10,
			schedulingDelay: rng.Int63n(1000),
		}
	}

	replay := func() []float64 {
		pid := newTestPID(t, WithDerivative(0.1))
		rates := []float64{}
		for _, b := range batches {
			if rate, ok := pid.Compute(b.time, b.elements, b.processingDelay, b.schedulingDelay); ok {
				rates = append(rates, rate)
			} else {
				rates = append(rates, -1)
			}
		}
		return rates
	}

	assert.DeepEqual(t, replay(), replay())
}

func TestPIDConcurrentCompute(t *testing.T) {
	t.Parallel()

	const timestamps = 500
	elements := func(i int64) int64 { return 500 + (i*37)%1000 }
	schedulingDelay := func(i int64) int64 { return (i * 13) % 400 }

	pid := newTestPID(t, WithDerivative(0.05))

	var wg sync.WaitGroup
	var mu sync.Mutex
	// every worker starts at the first timestamp, so it seeds the estimate
	accepted := map[int64]bool{1: true}

	for worker := int64(0); worker < 8; worker++ {
		wg.Add(1)
		go func(worker int64) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(worker))
			for i := int64(1); i <= timestamps; i++ {
				if i > 1 && rng.Intn(3) == 0 {
					continue
				}

				rate, ok := pid.Compute(i*1000, elements(i), 1000, schedulingDelay(i))
				if !ok {
					continue
				}
				assert.Check(t, rate >= 0)

				mu.Lock()
				assert.Check(t, !accepted[i], "timestamp %d accepted twice", i)
				accepted[i] = true
				mu.Unlock()
			}
		}(worker)
	}
	wg.Wait()

	order := make([]int64, 0, len(accepted))
	for i := range accepted {
		order = append(order, i)
	}
	sort.Slice(order, func(a, b int) bool { return order[a] < order[b] })

	replay := newTestPID(t, WithDerivative(0.05))
	for n, i := range order {
		_, ok := replay.Compute(i*1000, elements(i), 1000, schedulingDelay(i))
		assert.Equal(t, ok, n > 0)
	}

	assert.Equal(t, *pid.snapshot(), *replay.snapshot())
	assert.Assert(t, len(order) > 1)
}

type pidState struct {
	firstRun    bool
	latestTime  int64
	latestRate  float64
	latestError float64
}

func (p *PIDRateEstimator) snapshot() *pidState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return &pidState{
		firstRun:    p.firstRun,
		latestTime:  p.latestTime,
		latestRate:  p.latestRate,
		latestError: p.latestError,
	}
}
