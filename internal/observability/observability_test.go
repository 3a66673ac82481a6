package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Misty4119/nds-api/internal/ir"
)

type codedErr struct{}

func (codedErr) Error() string      { return "gap" }
func (codedErr) Code() ir.ErrorCode { return ir.CodeSequenceGap }

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumOf(m metricdata.Metrics) int64 {
	var total int64
	if s, ok := m.Data.(metricdata.Sum[int64]); ok {
		for _, dp := range s.DataPoints {
			total += dp.Value
		}
	}
	return total
}

func TestNew_DisabledIsNoop(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	ctx, done := p.TrackOperation(context.Background(), OpCommit)
	assert.NotNil(t, ctx)
	done(errors.New("ignored"))
	p.RecordEvents(ctx, "append", 3)
	p.RecordConflict(ctx, "gold", "clock-sum")
	require.NoError(t, p.Shutdown(ctx))
}

func TestNilProviderIsNoop(t *testing.T) {
	var p *Provider
	_, done := p.TrackOperation(context.Background(), OpFold)
	done(nil)
	p.RecordEvents(context.Background(), "fold", 1)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperationRecordsRED(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewWithReader(reader)
	require.NoError(t, err)

	ctx := context.Background()
	_, done := p.TrackOperation(ctx, OpCommit, Origin("a"))
	done(nil)
	_, done = p.TrackOperation(ctx, OpCommit, Origin("a"))
	done(codedErr{})
	p.RecordEvents(ctx, "append", 5, Origin("a"))
	p.RecordConflict(ctx, "gold", "clock-sum")

	metrics := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(metrics["nds.operations.total"]))
	assert.Equal(t, int64(1), sumOf(metrics["nds.errors.total"]))
	assert.Equal(t, int64(0), sumOf(metrics["nds.operations.active"]))
	assert.Equal(t, int64(5), sumOf(metrics["nds.events.total"]))
	assert.Equal(t, int64(1), sumOf(metrics["nds.conflicts.total"]))

	errs := metrics["nds.errors.total"].Data.(metricdata.Sum[int64])
	code, ok := errs.DataPoints[0].Attributes.Value("nds.error_code")
	require.True(t, ok)
	assert.Equal(t, string(ir.CodeSequenceGap), code.AsString())

	_, ok = metrics["nds.operation.duration"]
	assert.True(t, ok)
}

func TestLedgerRecorders(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewWithReader(reader)
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordCommit(ctx, "a", "committed", 3, time.Millisecond)
	p.RecordCommit(ctx, "a", "denied", 0, time.Millisecond)
	p.RecordAppend(ctx, "b", 4, 1)
	p.RecordSyncRound(ctx, "peer-b", 4, 2*time.Millisecond, nil)
	p.RecordFold(ctx, "balances", 7, time.Millisecond)

	metrics := collect(t, reader)
	assert.Equal(t, int64(3), sumOf(metrics["nds.operations.total"]))
	assert.Equal(t, int64(1), sumOf(metrics["nds.errors.total"]))
	// 3 appended + 4 received + 1 duplicate + 4 synced + 7 folded
	assert.Equal(t, int64(19), sumOf(metrics["nds.events.total"]))
}
