package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Misty4119/nds-api/internal/ir"
)

// Operation names used for spans and the nds.operation attribute.
const (
	OpCommit    = "nds.txn.commit"
	OpAppend    = "nds.store.append"
	OpResolve   = "nds.conflict.apply"
	OpSyncRound = "nds.sync.round"
	OpServe     = "nds.sync.serve"
	OpFold      = "nds.projection.fold"
	OpRebuild   = "nds.projection.rebuild"
	OpArchive   = "nds.archive.export"
)

// Origin tags a measurement with an origin id.
func Origin(o ir.OriginID) attribute.KeyValue {
	return attribute.String("nds.origin", string(o))
}

// Peer tags a measurement with a sync peer id.
func Peer(id string) attribute.KeyValue {
	return attribute.String("nds.peer", id)
}

// Projection tags a measurement with a projection name.
func Projection(name string) attribute.KeyValue {
	return attribute.String("nds.projection", name)
}

func errorCode(err error) string {
	return string(ir.CodeOf(err))
}

// RecordCommit records a finished commit. outcome is "committed",
// "aborted" or "denied".
func (p *Provider) RecordCommit(ctx context.Context, origin ir.OriginID, outcome string, events int, d time.Duration) {
	if !p.Enabled() {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("nds.operation", OpCommit),
		Origin(origin),
		attribute.String("nds.outcome", outcome),
	}
	p.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	p.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	if outcome != "committed" {
		p.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	p.RecordEvents(ctx, "append", events, Origin(origin))
}

// RecordAppend counts events appended from a remote origin.
func (p *Provider) RecordAppend(ctx context.Context, origin ir.OriginID, appended, duplicates int) {
	p.RecordEvents(ctx, "receive", appended, Origin(origin))
	p.RecordEvents(ctx, "duplicate", duplicates, Origin(origin))
}

// RecordSyncRound records one sync round with peer.
func (p *Provider) RecordSyncRound(ctx context.Context, peer string, received int, d time.Duration, err error) {
	if !p.Enabled() {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("nds.operation", OpSyncRound), Peer(peer)}
	p.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	p.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	if err != nil {
		p.errors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("nds.error_code", errorCode(err)))...))
	}
	p.RecordEvents(ctx, "sync", received, Peer(peer))
}

// RecordFold counts events folded into a projection.
func (p *Provider) RecordFold(ctx context.Context, projection string, folded int, d time.Duration) {
	if !p.Enabled() {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("nds.operation", OpFold), Projection(projection)}
	p.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	p.RecordEvents(ctx, "fold", folded, Projection(projection))
}
