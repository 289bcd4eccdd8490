package natsctx

import (
	"context"
	"errors"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrElectrify/memscan/internal/resilience"
)

const tracerName = "memscan-nats"

var propagator = propagation.TraceContext{}

// Connect dials url, retrying with backoff until attempts are exhausted or ctx ends.
// Authorization failures are not retried. The connection reconnects forever once up.
func Connect(ctx context.Context, url, name string, attempts int) (*nats.Conn, error) {
	policy := resilience.DefaultPolicy(attempts)
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, nats.ErrAuthorization) && !errors.Is(err, nats.ErrAuthExpired)
	}
	return resilience.Do(ctx, policy, "nats connect", func(context.Context) (*nats.Conn, error) {
		return nats.Connect(url,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					slog.Warn("nats disconnected", "error", err)
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("nats reconnected", "url", nc.ConnectedUrl())
			}),
		)
	})
}

// Publish publishes data on subject inside a producer span whose context travels in
// the message headers.
func Publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "nats.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(messagingAttrs(subject, len(data))...))
	defer span.End()

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	if err := nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return err
	}
	return nil
}

// Subscribe delivers each message to handler within a consumer span continuing the
// publisher's trace.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		ctx, span := otel.Tracer(tracerName).Start(ctx, "nats.consume",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(messagingAttrs(m.Subject, len(m.Data))...))
		defer span.End()
		handler(ctx, m)
	})
}

func messagingAttrs(subject string, size int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.system", "nats"),
		attribute.String("messaging.destination.name", subject),
		attribute.Int("messaging.message.body.size", size),
	}
}

// Publisher publishes on one connection and owns it.
type Publisher struct {
	nc *nats.Conn
}

func NewPublisher(nc *nats.Conn) *Publisher { return &Publisher{nc: nc} }

func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return Publish(ctx, p.nc, subject, data)
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	err := p.nc.Drain()
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}
