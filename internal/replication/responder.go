package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Misty4119/nds-api/internal/identity"
	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/store"
)

// DefaultBatchLimit is the largest batch a responder sends when the
// request does not ask for fewer events.
const DefaultBatchLimit = 512

// Responder answers a requester's session from the local store.
type Responder struct {
	store    *store.Store
	node     ir.OriginID
	verifier identity.Verifier
	limit    int
	onHello  func(Hello)
	logger   *slog.Logger
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithVerifier requires every Hello to carry a token the verifier accepts
// for the claimed node.
func WithVerifier(v identity.Verifier) ResponderOption {
	return func(r *Responder) { r.verifier = v }
}

// WithResponderLimit caps events per batch.
func WithResponderLimit(n int) ResponderOption {
	return func(r *Responder) { r.limit = n }
}

// WithHelloHook is called after a peer is admitted. Nodes use it to pull
// back from a peer that announces heads they have not seen.
func WithHelloHook(fn func(Hello)) ResponderOption {
	return func(r *Responder) { r.onHello = fn }
}

// WithResponderLogger sets the logger.
func WithResponderLogger(l *slog.Logger) ResponderOption {
	return func(r *Responder) { r.logger = l }
}

// NewResponder returns a responder for node.
func NewResponder(st *store.Store, node ir.OriginID, opts ...ResponderOption) *Responder {
	r := &Responder{store: st, node: node, limit: DefaultBatchLimit, logger: slog.Default().With("component", "responder")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Serve runs one session until the requester closes it. The first message
// must be Hello.
func (r *Responder) Serve(ctx context.Context, s Session) error {
	var peer ir.OriginID
	for {
		msg, err := s.Recv(ctx)
		if errors.Is(err, ErrSessionClosed) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if peer == "" && msg.Type != TypeHello {
			perr := &ProtocolError{Peer: "unknown", Message: fmt.Sprintf("%s before hello", msg.Type)}
			_ = s.Send(ctx, errorMessage(perr))
			return perr
		}

		switch msg.Type {
		case TypeHello:
			if err := r.admit(ctx, *msg.Hello); err != nil {
				r.logger.Warn("sync peer rejected", "peer", msg.Hello.Node, "error", err)
				_ = s.Send(ctx, errorMessage(err))
				return err
			}
			peer = msg.Hello.Node
			heads, err := r.store.Heads(ctx)
			if err != nil {
				_ = s.Send(ctx, errorMessage(err))
				return err
			}
			if err := s.Send(ctx, helloMessage(Hello{Node: r.node, Heads: heads})); err != nil {
				return err
			}
			if r.onHello != nil {
				r.onHello(*msg.Hello)
			}

		case TypeRequestRange:
			batch, err := r.batch(ctx, peer, *msg.Request)
			if err != nil {
				_ = s.Send(ctx, errorMessage(err))
				return err
			}
			if err := s.Send(ctx, batchMessage(batch)); err != nil {
				return err
			}

		case TypeAck:
			if err := r.store.RecordPeerAck(ctx, string(peer), msg.Ack.Watermark.Acked); err != nil {
				return err
			}

		case TypeError:
			r.logger.Warn("sync peer reported error", "peer", peer, "code", msg.Error.Code, "message", msg.Error.Message)
			return &RemoteError{Peer: string(peer), Reported: msg.Error.Code, Message: msg.Error.Message}

		default:
			perr := &ProtocolError{Peer: string(peer), Message: fmt.Sprintf("unexpected %s", msg.Type)}
			_ = s.Send(ctx, errorMessage(perr))
			return perr
		}
	}
}

func (r *Responder) admit(ctx context.Context, h Hello) error {
	if h.Node == "" {
		return &ProtocolError{Peer: "unknown", Message: "hello without node"}
	}
	if r.verifier == nil {
		return nil
	}
	id, err := r.verifier.Verify(ctx, h.Token)
	if err != nil {
		return err
	}
	if !id.Authorizes(h.Node) {
		return &identity.PermissionDeniedError{Reason: fmt.Sprintf("%s may not sync as %s", id.Subject, h.Node)}
	}
	return nil
}

// batch reads up to the limit from the requested range and then finishes
// the last transaction, so a batch never splits one.
func (r *Responder) batch(ctx context.Context, peer ir.OriginID, req RequestRange) (EventBatch, error) {
	limit := r.limit
	if req.Limit > 0 && req.Limit < limit {
		limit = req.Limit
	}
	out := EventBatch{Events: []ir.Event{}}
	for ev, err := range r.store.ReadRange(ctx, req.Origin, req.FromSeq, 0) {
		if err != nil {
			return EventBatch{}, err
		}
		if len(out.Events) >= limit && ev.TransactionID != out.Events[len(out.Events)-1].TransactionID {
			out.More = true
			break
		}
		out.Events = append(out.Events, ev)
	}

	wm, err := r.store.LoadWatermark(ctx, string(peer))
	if err != nil {
		return EventBatch{}, err
	}
	out.WatermarkAck = wm.Acked
	return out, nil
}
