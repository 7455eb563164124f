package estimator

// NoopEstimator never recommends a rate, which leaves ingestion unbounded.
type NoopEstimator struct{}

func (*NoopEstimator) Compute(_, _, _, _ int64) (float64, bool) {
	return 0, false
}
