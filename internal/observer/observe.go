package observer

import (
	"context"

	"github.com/pako-23/backpressure/internal/receiver"
	"go.uber.org/zap"
)

func (o *Observer) onBatchCompleted(batch *receiver.BatchCompleted) {
	rate, ok := o.Estimator.Compute(batch.Time, batch.Elements,
		batch.ProcessingDelay, batch.SchedulingDelay)
	if !ok {
		return
	}

	o.mu.Lock()
	o.latest = rate
	o.pending = true
	o.valid = true
	o.mu.Unlock()
}

func (o *Observer) publish() {
	o.mu.Lock()
	rate, pending := o.latest, o.pending
	o.pending = false
	o.mu.Unlock()

	if !pending {
		return
	}

	if err := o.controller.Publish(rate); err != nil {
		o.logger.Error("failed to publish rate", zap.Float64("rate", rate), zap.Error(err))
	}
}

func (o *Observer) Observe(ctx context.Context, ch <-chan *receiver.BatchCompleted) {
	ticker := o.clock.Ticker(o.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.publish()

		case batch, ok := <-ch:
			if !ok {
				o.publish()
				return
			} else if batch == nil || batch.Stream != o.Stream {
				continue
			}

			o.onBatchCompleted(batch)

		case <-ctx.Done():
			return
		}
	}
}
