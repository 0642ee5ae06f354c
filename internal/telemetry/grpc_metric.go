package internaltelemetry

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// GrpcServerMetrics holds the metric instruments for a gRPC server.
type GrpcServerMetrics struct {
	RpcsStartedCounter      metric.Int64Counter
	RpcsHandledCounter      metric.Int64Counter
	RpcLatencyHistogram     metric.Int64Histogram
	ActiveRpcsUpDownCounter metric.Int64UpDownCounter
}

// NewGrpcServerMetrics creates and registers all the metrics for a gRPC server.
func NewGrpcServerMetrics(meter metric.Meter) (*GrpcServerMetrics, error) {
	rpcsStartedCounter, err := meter.Int64Counter(
		"versiondb.grpc.server.started_total",
		metric.WithDescription("Total number of RPCs started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcsHandledCounter, err := meter.Int64Counter(
		"versiondb.grpc.server.handled_total",
		metric.WithDescription("Total number of RPCs completed, by code."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcLatencyHistogram, err := meter.Int64Histogram(
		"versiondb.grpc.server.duration",
		metric.WithDescription("The latency of RPCs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRpcsUpDownCounter, err := meter.Int64UpDownCounter(
		"versiondb.grpc.server.active_rpcs",
		metric.WithDescription("Number of active RPCs."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &GrpcServerMetrics{
		RpcsStartedCounter:      rpcsStartedCounter,
		RpcsHandledCounter:      rpcsHandledCounter,
		RpcLatencyHistogram:     rpcLatencyHistogram,
		ActiveRpcsUpDownCounter: activeRpcsUpDownCounter,
	}, nil
}

// UnaryServerInterceptor records metrics and a server span for every unary call.
func (m *GrpcServerMetrics) UnaryServerInterceptor(tracer trace.Tracer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		startTime := time.Now()
		service, method := splitFullMethod(info.FullMethod)
		callAttrs := metric.WithAttributes(
			attribute.String("grpc.service", service),
			attribute.String("grpc.method", method),
		)

		m.ActiveRpcsUpDownCounter.Add(ctx, 1, callAttrs)
		m.RpcsStartedCounter.Add(ctx, 1, callAttrs)
		ctx, span := tracer.Start(ctx, info.FullMethod,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("grpc.service", service),
				attribute.String("grpc.method", method),
			))

		resp, err := handler(ctx, req)

		code := status.Code(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, code.String())
		} else {
			span.SetStatus(otelcodes.Ok, "Success")
		}
		span.End()

		m.ActiveRpcsUpDownCounter.Add(ctx, -1, callAttrs)
		handledAttrs := metric.WithAttributeSet(attribute.NewSet(
			attribute.String("grpc.service", service),
			attribute.String("grpc.method", method),
			attribute.String("grpc.code", code.String()),
		))
		m.RpcsHandledCounter.Add(ctx, 1, handledAttrs)
		m.RpcLatencyHistogram.Record(ctx, time.Since(startTime).Milliseconds(), handledAttrs)
		return resp, err
	}
}

// splitFullMethod splits "/pkg.Service/Method" into service and method.
func splitFullMethod(fullMethod string) (string, string) {
	name := strings.TrimPrefix(fullMethod, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "unknown", name
}
