package controller

import "go.uber.org/multierr"

// Multi publishes every rate to all of its controllers, even when some of
// them fail.
type Multi []Controller

func (m Multi) Publish(rate float64) error {
	var err error
	for _, controller := range m {
		err = multierr.Append(err, controller.Publish(rate))
	}

	return err
}
