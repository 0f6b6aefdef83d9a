package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
)

// Attribute keys shared by spans and metrics.
var (
	AttrOperation    = attribute.Key("hypnos.operation")
	AttrDenial       = attribute.Key("hypnos.denial")
	AttrEventKind    = attribute.Key("hypnos.event.kind")
	AttrShard        = attribute.Key("hypnos.reconciler.shard")
	AttrDropReason   = attribute.Key("hypnos.reconciler.drop_reason")
	AttrCapabilityID = attribute.Key("hypnos.capability.id")
)

// LedgerOperation creates attributes for a ledger mutation.
func LedgerOperation(op string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrOperation.String(op)}
}

// ReconcileOperation creates attributes for one applied envelope.
func ReconcileOperation(shard int, kind contracts.EventKind) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOperation.String("reconciler.apply"),
		AttrShard.Int(shard),
		AttrEventKind.String(string(kind)),
	}
}

func denialOf(err error) string {
	return contracts.DenialKind(err)
}

// RecordApplied counts an event written to the mirror. Safe on a nil provider.
func (p *Provider) RecordApplied(ctx context.Context, shard int, kind contracts.EventKind) {
	if p == nil || p.appliedCounter == nil {
		return
	}
	p.appliedCounter.Add(ctx, 1, metric.WithAttributes(AttrShard.Int(shard), AttrEventKind.String(string(kind))))
}

// RecordDropped counts an event consumed without a mirror effect.
func (p *Provider) RecordDropped(ctx context.Context, kind contracts.EventKind, reason string) {
	if p == nil || p.droppedCounter == nil {
		return
	}
	p.droppedCounter.Add(ctx, 1, metric.WithAttributes(AttrEventKind.String(string(kind)), AttrDropReason.String(reason)))
}

// RecordDeadLetter counts an event parked for operator action.
func (p *Provider) RecordDeadLetter(ctx context.Context, shard int, kind contracts.EventKind) {
	if p == nil || p.deadLetterCounter == nil {
		return
	}
	p.deadLetterCounter.Add(ctx, 1, metric.WithAttributes(AttrShard.Int(shard), AttrEventKind.String(string(kind))))
}

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
