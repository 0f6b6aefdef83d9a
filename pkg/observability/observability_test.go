package observability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/SharmARohitt/Hypnos/pkg/contracts"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "hypnos", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	ctx := context.Background()
	p.RecordRequest(ctx, attribute.String("test", "value"))
	p.RecordError(ctx, errors.New("test"), attribute.String("test", "value"))
	p.RecordDuration(ctx, 100*time.Millisecond)
	p.RecordApplied(ctx, 0, contracts.KindCapabilityGranted)

	_, finish := p.TrackOperation(ctx, "test.operation")
	finish(errors.New("boom"))
	require.NoError(t, p.Shutdown(ctx))
}

func TestNilProviderCountersAreNoops(t *testing.T) {
	var p *Provider
	ctx := context.Background()
	p.RecordApplied(ctx, 1, contracts.KindPermissionUsed)
	p.RecordDropped(ctx, contracts.KindExecutionRecorded, "orphan")
	p.RecordDeadLetter(ctx, 1, contracts.KindCapabilityGranted)
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	totals, err := CounterTotals(context.Background(), reader)
	require.NoError(t, err)
	return totals
}

func TestTrackOperationCountsDenials(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewWithReader(reader)
	require.NoError(t, err)

	ctx := context.Background()
	_, finish := p.TrackOperation(ctx, "ledger.execute_gated", LedgerOperation("ledger.execute_gated")...)
	finish(fmt.Errorf("gate: %w", contracts.ErrValueExceeded))

	_, finish = p.TrackOperation(ctx, "ledger.grant", LedgerOperation("ledger.grant")...)
	finish(nil)

	_, finish = p.TrackOperation(ctx, "ledger.grant", LedgerOperation("ledger.grant")...)
	finish(errors.New("disk full"))

	totals := collect(t, reader)
	assert.Equal(t, int64(3), totals["hypnos.operations.total"])
	assert.Equal(t, int64(2), totals["hypnos.errors.total"])
	assert.Equal(t, int64(1), totals["hypnos.ledger.denials"])
	assert.Equal(t, int64(0), totals["hypnos.operations.active"])
}

func TestReconcilerCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewWithReader(reader)
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordApplied(ctx, 0, contracts.KindCapabilityGranted)
	p.RecordApplied(ctx, 1, contracts.KindPermissionUsed)
	p.RecordDropped(ctx, contracts.KindExecutionRecorded, "orphan")
	p.RecordDeadLetter(ctx, 1, contracts.KindCapabilityRevoked)

	totals := collect(t, reader)
	assert.Equal(t, int64(2), totals["hypnos.reconciler.applied"])
	assert.Equal(t, int64(1), totals["hypnos.reconciler.dropped"])
	assert.Equal(t, int64(1), totals["hypnos.reconciler.dead_letters"])
}

func TestReconcileOperation(t *testing.T) {
	attrs := ReconcileOperation(3, contracts.KindPermissionUsed)
	require.Len(t, attrs, 3)
	require.Equal(t, "hypnos.reconciler.shard", string(attrs[1].Key))
	require.Equal(t, int64(3), attrs[1].Value.AsInt64())
	require.Equal(t, "PermissionUsed", attrs[2].Value.AsString())
}

func TestSpanHelpers(t *testing.T) {
	ctx := context.Background()
	require.NotNil(t, SpanFromContext(ctx))
	AddSpanEvent(ctx, "test.event", attribute.String("key", "value"))
}
