package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/mcp-router/pkg/protocol"
	"github.com/ajitpratap0/mcp-router/pkg/transport"
)

// NewTransportMiddleware records a metric sample and, when tracer is set, a
// child span for every send and connect. Either argument may be nil.
func NewTransportMiddleware(metrics *Metrics, tracer *TracingProvider) transport.Middleware {
	return transport.MiddlewareFunc(func(next transport.Connection) transport.Connection {
		return &observedConnection{
			Wrapped: transport.Wrapped{Next: next},
			metrics: metrics,
			tracer:  tracer,
		}
	})
}

type observedConnection struct {
	transport.Wrapped
	metrics *Metrics
	tracer  *TracingProvider
}

func (o *observedConnection) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if o.tracer == nil {
		return ctx, nil
	}
	return o.tracer.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrServerID.String(o.ServerID()),
			AttrTransport.String(string(o.Kind())),
		))
}

func (o *observedConnection) Connect(ctx context.Context) error {
	ctx, span := o.startSpan(ctx, "transport.connect")
	err := o.Next.Connect(ctx)
	o.metrics.RecordConnectionState(o.ServerID(), err == nil)
	if span != nil {
		EndSpan(span, err)
	}
	return err
}

func (o *observedConnection) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	ctx, span := o.startSpan(ctx, "transport.send")
	if span != nil {
		span.SetAttributes(AttrMethod.String(req.Method), AttrRequestID.String(req.ID))
	}

	start := time.Now()
	resp, err := o.Next.Send(ctx, req)
	outcome := transport.Outcome(resp, err)
	o.metrics.RecordTransportSend(o.ServerID(), string(o.Kind()), outcome, time.Since(start))

	if span != nil {
		span.SetAttributes(AttrOutcome.String(outcome))
		EndSpan(span, err)
	}
	return resp, err
}

func (o *observedConnection) Close(ctx context.Context) error {
	err := o.Next.Close(ctx)
	o.metrics.RecordConnectionState(o.ServerID(), false)
	return err
}
