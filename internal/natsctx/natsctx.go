// Package natsctx propagates OpenTelemetry trace context through NATS
// message headers, so a federate-side consumer of a grant message can
// continue the span the dispatcher started. Every span and header it
// produces is labeled with the federate a message is bound for, since
// a coordinator's NATS traffic is federation-fanout: one subject per
// federate, published from the single on_net/on_ltc/PTAG-propagation
// call path, and an undifferentiated "nats.publish" span would merge
// every federate's grant history into one indistinguishable trace.
package natsctx

import (
	"context"
	"strconv"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// federateIDHeader carries the numeric federate id alongside the
// traceparent, so a consumer that only has the raw message (no
// subject, if republished onto a shared queue) can still attribute it.
const federateIDHeader = "Rti-Federate-Id"

// Publish injects the traceparent header from ctx, starts a producer
// span attributed to fedID, and publishes data to subject.
func Publish(ctx context.Context, nc *nats.Conn, subject string, fedID uint16, data []byte) error {
	tr := otel.Tracer("rti-coordinator-nats")
	ctx, span := tr.Start(ctx, "nats.publish_grant",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.Int("federate_id", int(fedID)), attribute.String("subject", subject)))
	defer span.End()

	hdr := nats.Header{}
	hdr.Set(federateIDHeader, strconv.Itoa(int(fedID)))
	carrier := propagation.HeaderCarrier(hdr)
	propagator.Inject(ctx, carrier)
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	if err := nc.PublishMsg(msg); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Subscribe wraps nc.Subscribe, extracting trace context from each
// message and starting a consumer span labeled with the federate id
// carried in federateIDHeader (falling back to -1 if the publisher
// predates that header) before invoking handler.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		fedID := -1
		if v := m.Header.Get(federateIDHeader); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				fedID = n
			}
		}
		tr := otel.Tracer("rti-coordinator-nats")
		ctx, span := tr.Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attribute.Int("federate_id", fedID)))
		defer span.End()
		handler(ctx, m)
	})
}
