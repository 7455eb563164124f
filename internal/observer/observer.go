package observer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pako-23/backpressure/internal/controller"
	"github.com/pako-23/backpressure/internal/estimator"
	"go.uber.org/zap"
)

const DefaultInterval = 5 * time.Second

// Observer feeds the completed batches of one stream to a rate estimator and
// hands the resulting recommendations to a controller, at most once per
// Interval. Batches of other streams are ignored.
type Observer struct {
	Interval   time.Duration
	Stream     string
	Estimator  estimator.RateEstimator
	controller controller.Controller
	clock      clock.Clock
	logger     *zap.Logger

	mu      sync.Mutex
	latest  float64
	pending bool
	valid   bool
}

type Option func(*Observer)

func NewObserver(options ...Option) *Observer {
	observer := &Observer{
		Interval:   DefaultInterval,
		Estimator:  &estimator.NoopEstimator{},
		controller: &controller.NullController{},
		clock:      clock.New(),
		logger:     zap.NewNop(),
	}

	for _, opt := range options {
		opt(observer)
	}

	return observer
}

func WithController(cont controller.Controller) Option {
	return func(observer *Observer) {
		observer.controller = cont
	}
}

func WithEstimator(est estimator.RateEstimator) Option {
	return func(observer *Observer) {
		observer.Estimator = est
	}
}

func WithInterval(interval time.Duration) Option {
	return func(observer *Observer) {
		observer.Interval = interval
	}
}

// WithStream selects the stream, by service name, the observer estimates
// rates for. The default is the unnamed stream.
func WithStream(stream string) Option {
	return func(observer *Observer) {
		observer.Stream = stream
	}
}

func WithClock(c clock.Clock) Option {
	return func(observer *Observer) {
		observer.clock = c
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(observer *Observer) {
		observer.logger = logger
	}
}

// Latest returns the most recent recommendation, published or not.
func (o *Observer) Latest() (float64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.latest, o.valid
}
