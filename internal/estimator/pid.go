package estimator

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultProportional = -1.0
	DefaultIntegral     = -0.2
	DefaultDerivative   = 0.0
)

// PIDRateEstimator recommends rates with a proportional-integral-derivative
// controller. The error signal is the difference between the last
// recommended rate and the rate the latest batch was processed at; the
// integral term is fed by the backlog implied by the scheduling delay.
type PIDRateEstimator struct {
	batchIntervalMillis int64
	proportional        float64
	integral            float64
	derivative          float64
	minRate             float64
	logger              *zap.Logger

	mu          sync.Mutex
	firstRun    bool
	latestTime  int64
	latestRate  float64
	latestError float64
}

func NewPIDRateEstimator(batchInterval time.Duration, options ...Option) (*PIDRateEstimator, error) {
	batchIntervalMillis := batchInterval.Milliseconds()
	if batchIntervalMillis <= 0 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidBatchInterval, batchInterval)
	}

	s := defaultSettings()
	for _, option := range options {
		option(s)
	}

	for name, gain := range map[string]float64{
		"proportional": s.proportional,
		"integral":     s.integral,
		"derivative":   s.derivative,
	} {
		if math.IsNaN(gain) || math.IsInf(gain, 0) {
			return nil, fmt.Errorf("%w: %s = %v", ErrInvalidGain, name, gain)
		}
	}

	if s.minRate < 0 || math.IsNaN(s.minRate) || math.IsInf(s.minRate, 0) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidMinRate, s.minRate)
	}

	s.logger.Info("created PID rate estimator",
		zap.Int64("batchIntervalMillis", batchIntervalMillis),
		zap.Float64("proportional", s.proportional),
		zap.Float64("integral", s.integral),
		zap.Float64("derivative", s.derivative),
		zap.Float64("minRate", s.minRate))

	return &PIDRateEstimator{
		batchIntervalMillis: batchIntervalMillis,
		proportional:        s.proportional,
		integral:            s.integral,
		derivative:          s.derivative,
		minRate:             s.minRate,
		logger:              s.logger,
		firstRun:            true,
		latestTime:          -1,
		latestRate:          -1,
		latestError:         -1,
	}, nil
}

func (p *PIDRateEstimator) Compute(time, elements, processingDelay, schedulingDelay int64) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time <= p.latestTime || processingDelay <= 0 || p.batchIntervalMillis <= 0 {
		p.logger.Debug("skipping rate update",
			zap.Int64("time", time),
			zap.Int64("latestTime", p.latestTime),
			zap.Int64("processingDelay", processingDelay))
		return 0, false
	}

	// seconds, should be close to the batch interval
	delaySinceUpdate := float64(time-p.latestTime) / 1000

	// elements/second
	processingRate := float64(elements) / float64(processingDelay) * 1000

	// positive when the last target rate is higher than what was processed
	err := p.latestRate - processingRate

	// elements/second that piled up while batches waited to be scheduled
	historicalError := float64(schedulingDelay) * processingRate / float64(p.batchIntervalMillis)

	dError := (err - p.latestError) / delaySinceUpdate

	newRate := math.Max(p.latestRate+
		p.proportional*err+
		p.integral*historicalError+
		p.derivative*dError, p.minRate)

	p.latestTime = time

	if p.firstRun {
		p.latestRate = processingRate
		p.latestError = 0
		p.firstRun = false
		p.logger.Debug("seeded rate estimate", zap.Float64("rate", processingRate))
		return 0, false
	}

	p.latestRate = newRate
	p.latestError = err
	p.logger.Debug("new rate estimate",
		zap.Float64("rate", newRate),
		zap.Float64("error", err),
		zap.Float64("historicalError", historicalError),
		zap.Float64("dError", dError))

	return newRate, true
}

// LatestRate returns the current rate estimate and whether it was seeded.
func (p *PIDRateEstimator) LatestRate() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.latestRate, !p.firstRun
}
