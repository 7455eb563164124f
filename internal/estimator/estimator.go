// Package estimator computes the ingestion rate a micro-batch stream should
// be throttled to, given measurements of the batches it has completed.
package estimator

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	ErrInvalidBatchInterval = errors.New("batch interval must be positive")
	ErrInvalidGain          = errors.New("gain must be a finite number")
	ErrInvalidMinRate       = errors.New("minimum rate must be non-negative")
	ErrInvalidAlpha         = errors.New("alpha must be in (0, 1]")
	ErrUnknownEstimator     = errors.New("unknown rate estimator")
)

const (
	PID  = "pid"
	Noop = "noop"
	EWMA = "ewma"
)

// RateEstimator turns the statistics of a completed batch into a new target
// rate in elements per second. time, processingDelay and schedulingDelay are
// milliseconds. The boolean result is false when no recommendation is made.
// Implementations must be safe for concurrent use and never fail: unusable
// inputs yield no recommendation.
type RateEstimator interface {
	Compute(time, elements, processingDelay, schedulingDelay int64) (float64, bool)
}

type settings struct {
	proportional float64
	integral     float64
	derivative   float64
	minRate      float64
	alpha        float64
	logger       *zap.Logger
}

type Option func(*settings)

func defaultSettings() *settings {
	return &settings{
		proportional: DefaultProportional,
		integral:     DefaultIntegral,
		derivative:   DefaultDerivative,
		minRate:      0,
		alpha:        DefaultAlpha,
		logger:       zap.NewNop(),
	}
}

func WithProportional(gain float64) Option {
	return func(s *settings) {
		s.proportional = gain
	}
}

func WithIntegral(gain float64) Option {
	return func(s *settings) {
		s.integral = gain
	}
}

func WithDerivative(gain float64) Option {
	return func(s *settings) {
		s.derivative = gain
	}
}

// WithMinRate sets the lowest rate the PID estimator will ever recommend.
func WithMinRate(rate float64) Option {
	return func(s *settings) {
		s.minRate = rate
	}
}

// WithAlpha sets the smoothing factor of the EWMA estimator.
func WithAlpha(alpha float64) Option {
	return func(s *settings) {
		s.alpha = alpha
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// New builds the estimator registered under name.
func New(name string, batchInterval time.Duration, options ...Option) (RateEstimator, error) {
	switch name {
	case PID:
		return NewPIDRateEstimator(batchInterval, options...)
	case EWMA:
		return NewEWMAEstimator(batchInterval, options...)
	case Noop:
		return &NoopEstimator{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEstimator, name)
	}
}
