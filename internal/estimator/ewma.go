package estimator

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultAlpha = 0.8

// EWMAEstimator recommends an exponentially weighted moving average of the
// rate batches are processed at.
type EWMAEstimator struct {
	alpha  float64
	logger *zap.Logger

	mu         sync.Mutex
	firstRun   bool
	latestTime int64
	estimate   float64
}

func NewEWMAEstimator(batchInterval time.Duration, options ...Option) (*EWMAEstimator, error) {
	if batchInterval.Milliseconds() <= 0 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidBatchInterval, batchInterval)
	}

	s := defaultSettings()
	for _, option := range options {
		option(s)
	}

	if !(s.alpha > 0 && s.alpha <= 1) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidAlpha, s.alpha)
	}

	return &EWMAEstimator{
		alpha:      s.alpha,
		logger:     s.logger,
		firstRun:   true,
		latestTime: -1,
	}, nil
}

func (e *EWMAEstimator) Compute(time, elements, processingDelay, _ int64) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if time <= e.latestTime || processingDelay <= 0 {
		return 0, false
	}

	processingRate := float64(elements) / float64(processingDelay) * 1000
	e.latestTime = time

	if e.firstRun {
		e.estimate = processingRate
		e.firstRun = false
		return 0, false
	}

	e.estimate = (1-e.alpha)*e.estimate + e.alpha*processingRate
	e.logger.Debug("new rate estimate", zap.Float64("rate", e.estimate))

	return e.estimate, true
}
