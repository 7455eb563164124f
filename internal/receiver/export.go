package receiver

import (
	"context"

	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"
)

const (
	// ElementsKey is the span attribute carrying the number of elements in a batch.
	ElementsKey = "batch.elements"
	// SchedulingDelayKey is the span attribute carrying the milliseconds a
	// batch was queued before it started processing.
	SchedulingDelayKey = "batch.scheduling_delay_ms"
)

func (s *server) Export(
	ctx context.Context, in *coltracepb.ExportTraceServiceRequest,
) (*coltracepb.ExportTraceServiceResponse, error) {
	var rejected int64

	for _, resourceSpan := range in.ResourceSpans {
		stream := extractServiceName(resourceSpan)

		for _, scopeSpan := range resourceSpan.ScopeSpans {
			for _, span := range scopeSpan.Spans {
				batch, ok := toBatch(stream, span)
				if !ok {
					rejected++
					continue
				}

				select {
				case s.ch <- batch:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
	}

	if rejected > 0 {
		s.logger.Debug("rejected spans without batch statistics", zap.Int64("count", rejected))
	}

	return &coltracepb.ExportTraceServiceResponse{
		PartialSuccess: &coltracepb.ExportTracePartialSuccess{
			RejectedSpans: rejected,
		},
	}, nil
}

func toBatch(stream string, span *tracepb.Span) (*BatchCompleted, bool) {
	elements, ok := intAttribute(span.Attributes, ElementsKey)
	if !ok || elements < 0 || span.EndTimeUnixNano < span.StartTimeUnixNano {
		return nil, false
	}

	schedulingDelay, _ := intAttribute(span.Attributes, SchedulingDelayKey)

	return &BatchCompleted{
		Stream:          stream,
		Time:            int64(span.EndTimeUnixNano / 1e6),
		Elements:        elements,
		ProcessingDelay: int64((span.EndTimeUnixNano - span.StartTimeUnixNano) / 1e6),
		SchedulingDelay: schedulingDelay,
	}, true
}

func intAttribute(attributes []*commonpb.KeyValue, key string) (int64, bool) {
	for _, attribute := range attributes {
		if attribute.Key != key || attribute.Value == nil {
			continue
		}

		switch value := attribute.Value.Value.(type) {
		case *commonpb.AnyValue_IntValue:
			return value.IntValue, true
		case *commonpb.AnyValue_DoubleValue:
			return int64(value.DoubleValue), true
		}
	}

	return 0, false
}

func extractServiceName(spans *tracepb.ResourceSpans) string {
	if spans.Resource == nil || spans.Resource.Attributes == nil {
		return ""
	}

	for _, attribute := range spans.Resource.Attributes {
		if attribute.Key == string(semconv.ServiceNameKey) {
			return attribute.Value.GetStringValue()
		}
	}

	return ""
}
