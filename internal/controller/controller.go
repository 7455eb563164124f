package controller

// Controller receives the rates recommended for a stream and enforces them,
// typically by throttling the receivers that ingest data.
type Controller interface {
	Publish(rate float64) error
}

type NullController struct{}

func (*NullController) Publish(float64) error {
	return nil
}
