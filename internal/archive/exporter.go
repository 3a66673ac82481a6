package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/observability"
	"github.com/Misty4119/nds-api/internal/store"
)

// ErrEmptyRange is returned when a requested range holds no events.
var ErrEmptyRange = errors.New("archive: empty range")

// Source is the read side of the event store.
type Source interface {
	ReadRange(ctx context.Context, origin ir.OriginID, from, to uint64) iter.Seq2[ir.Event, error]
	LatestSeq(ctx context.Context, origin ir.OriginID) (uint64, error)
	Origins(ctx context.Context) ([]ir.OriginID, error)
}

// Appender is the write side used by Restore.
type Appender interface {
	Append(ctx context.Context, origin ir.OriginID, events []ir.Event, opts ...store.AppendOption) (store.SeqRange, error)
}

// Segment describes one archived, contiguous run of an origin's events.
// The blob at Key holds one JSON event per line; its metadata lives at
// Key + ".meta.json".
type Segment struct {
	Key         string      `json:"key"`
	Origin      ir.OriginID `json:"origin"`
	From        uint64      `json:"from"`
	To          uint64      `json:"to"`
	Count       int         `json:"count"`
	Digest      string      `json:"digest"`
	EventHashes []string    `json:"event_hashes"`
	ExportedAt  int64       `json:"exported_at"`
}

// SegmentKey is the blob key of origin's events from..to.
func SegmentKey(origin ir.OriginID, from, to uint64) string {
	return fmt.Sprintf("%s/%020d-%020d.jsonl", origin, from, to)
}

func metaKey(key string) string { return key + ".meta.json" }

// CorruptSegmentError reports a segment whose blob no longer matches its
// metadata.
type CorruptSegmentError struct {
	Key    string
	Reason string
}

func (e *CorruptSegmentError) Error() string {
	return fmt.Sprintf("segment %s corrupt: %s", e.Key, e.Reason)
}

func (e *CorruptSegmentError) Code() ir.ErrorCode { return ir.CodeReplayFailed }

// Option configures an Exporter.
type Option func(*Exporter)

// WithMetrics attaches telemetry.
func WithMetrics(p *observability.Provider) Option {
	return func(e *Exporter) { e.metrics = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) { e.logger = l }
}

// WithClock overrides the export timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

// Exporter copies committed events into a BlobStore.
type Exporter struct {
	src     Source
	blobs   BlobStore
	metrics *observability.Provider
	logger  *slog.Logger
	now     func() time.Time
}

func New(src Source, blobs BlobStore, opts ...Option) *Exporter {
	e := &Exporter{
		src:    src,
		blobs:  blobs,
		logger: slog.Default().With("component", "archive"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExportRange archives origin's events from..to. from == 0 means 1 and
// to == 0 means the latest stored seq. Exporting a range that already has
// a segment returns the existing segment without rewriting it.
func (e *Exporter) ExportRange(ctx context.Context, origin ir.OriginID, from, to uint64) (seg Segment, err error) {
	ctx, done := e.metrics.TrackOperation(ctx, observability.OpArchive, observability.Origin(origin))
	defer func() { done(err) }()

	if from == 0 {
		from = 1
	}
	latest, err := e.src.LatestSeq(ctx, origin)
	if err != nil {
		return Segment{}, err
	}
	if to == 0 {
		to = latest
	}
	if from > to || from > latest {
		return Segment{}, fmt.Errorf("export %s %d-%d: %w", origin, from, to, ErrEmptyRange)
	}
	if to > latest {
		return Segment{}, fmt.Errorf("export %s: range ends at %d beyond latest %d", origin, to, latest)
	}

	key := SegmentKey(origin, from, to)
	if existing, err := e.Open(ctx, key); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Segment{}, err
	}

	seg = Segment{Key: key, Origin: origin, From: from, To: to}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for ev, err := range e.src.ReadRange(ctx, origin, from, to) {
		if err != nil {
			return Segment{}, fmt.Errorf("export %s: %w", origin, err)
		}
		h, err := ev.Hash()
		if err != nil {
			return Segment{}, err
		}
		if err := enc.Encode(ev); err != nil {
			return Segment{}, fmt.Errorf("export %s: encode: %w", ev.ID(), err)
		}
		seg.EventHashes = append(seg.EventHashes, h)
		seg.Count++
	}
	if uint64(seg.Count) != to-from+1 {
		return Segment{}, fmt.Errorf("export %s %d-%d: read %d events", origin, from, to, seg.Count)
	}
	seg.Digest = ir.HashBytes(ir.DomainSegment, buf.Bytes())
	seg.ExportedAt = e.now().UnixMilli()

	meta, err := json.Marshal(seg)
	if err != nil {
		return Segment{}, fmt.Errorf("marshal segment: %w", err)
	}
	// The blob goes first so a visible meta always has its data.
	if err := e.blobs.Put(ctx, key, buf.Bytes()); err != nil {
		return Segment{}, err
	}
	if err := e.blobs.Put(ctx, metaKey(key), meta); err != nil {
		return Segment{}, err
	}
	e.logger.Info("segment exported", "origin", origin, "from", from, "to", to, "key", key)
	return seg, nil
}

// ExportAll archives every complete segment of size events for every
// origin. A trailing partial run is left for a later call.
func (e *Exporter) ExportAll(ctx context.Context, size uint64) ([]Segment, error) {
	if size == 0 {
		return nil, errors.New("export all: segment size must be positive")
	}
	origins, err := e.src.Origins(ctx)
	if err != nil {
		return nil, err
	}
	var out []Segment
	for _, origin := range origins {
		latest, err := e.src.LatestSeq(ctx, origin)
		if err != nil {
			return out, err
		}
		for from := uint64(1); from+size-1 <= latest; from += size {
			seg, err := e.ExportRange(ctx, origin, from, from+size-1)
			if err != nil {
				return out, err
			}
			out = append(out, seg)
		}
	}
	return out, nil
}

// Open loads a segment's metadata. A missing segment wraps
// store.ErrNotFound.
func (e *Exporter) Open(ctx context.Context, key string) (Segment, error) {
	data, err := e.blobs.Get(ctx, metaKey(key))
	if err != nil {
		return Segment{}, err
	}
	var seg Segment
	if err := json.Unmarshal(data, &seg); err != nil {
		return Segment{}, &CorruptSegmentError{Key: key, Reason: "unreadable metadata: " + err.Error()}
	}
	return seg, nil
}

// Verify re-reads seg's blob and checks it against the recorded digest
// and per-event hashes.
func (e *Exporter) Verify(ctx context.Context, seg Segment) error {
	_, err := e.load(ctx, seg)
	return err
}

// Restore verifies seg and appends its events to dst. Events dst already
// holds count as duplicates.
func (e *Exporter) Restore(ctx context.Context, seg Segment, dst Appender) (store.SeqRange, error) {
	events, err := e.load(ctx, seg)
	if err != nil {
		return store.SeqRange{}, err
	}
	return dst.Append(ctx, seg.Origin, events)
}

func (e *Exporter) load(ctx context.Context, seg Segment) ([]ir.Event, error) {
	data, err := e.blobs.Get(ctx, seg.Key)
	if err != nil {
		return nil, err
	}
	corrupt := func(format string, args ...any) error {
		return &CorruptSegmentError{Key: seg.Key, Reason: fmt.Sprintf(format, args...)}
	}
	if got := ir.HashBytes(ir.DomainSegment, data); got != seg.Digest {
		return nil, corrupt("digest %s, want %s", got, seg.Digest)
	}

	events := make([]ir.Event, 0, seg.Count)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var ev ir.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, corrupt("line %d: %v", len(events)+1, err)
		}
		i := len(events)
		if ev.Origin != seg.Origin || ev.Seq != seg.From+uint64(i) {
			return nil, corrupt("line %d holds %s", i+1, ev.ID())
		}
		if err := ev.Validate(); err != nil {
			return nil, corrupt("%s: %v", ev.ID(), err)
		}
		h, err := ev.Hash()
		if err != nil {
			return nil, err
		}
		if i >= len(seg.EventHashes) || h != seg.EventHashes[i] {
			return nil, corrupt("%s hash mismatch", ev.ID())
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read segment %s: %w", seg.Key, err)
	}
	if len(events) != seg.Count || uint64(len(events)) != seg.To-seg.From+1 {
		return nil, corrupt("holds %d events, want %d", len(events), seg.Count)
	}
	return events, nil
}
