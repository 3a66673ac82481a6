// Package wsnet carries replication sessions over WebSocket connections.
// One text frame holds one JSON message.
package wsnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Misty4119/nds-api/internal/replication"
)

const (
	writeTimeout = 10 * time.Second
	pingPeriod   = 50 * time.Second
)

type session struct {
	wc   *websocket.Conn
	wmu  sync.Mutex
	done chan struct{}
	once sync.Once
}

func newSession(wc *websocket.Conn) *session {
	s := &session{wc: wc, done: make(chan struct{})}
	go s.ping()
	return s
}

func (s *session) ping() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.wc.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *session) Send(ctx context.Context, m replication.Message) error {
	data, err := replication.Encode(m)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	select {
	case <-s.done:
		return replication.ErrSessionClosed
	default:
	}
	s.wc.SetWriteDeadline(deadline)
	if err := s.wc.WriteMessage(websocket.TextMessage, data); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return closedOr(err)
	}
	return nil
}

func (s *session) Recv(ctx context.Context) (replication.Message, error) {
	// gorilla reads are not context aware; expiring the read deadline
	// unblocks ReadMessage on cancellation. A connection whose read
	// timed out is not reusable, which is fine: the round is over.
	stop := context.AfterFunc(ctx, func() { s.wc.SetReadDeadline(time.Now()) })
	defer stop()

	op, data, err := s.wc.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return replication.Message{}, ctxErr
		}
		return replication.Message{}, closedOr(err)
	}
	if op != websocket.TextMessage {
		return replication.Message{}, fmt.Errorf("wsnet: unexpected frame type %d", op)
	}
	return replication.Decode(data)
}

func (s *session) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.wc.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		err = s.wc.Close()
	})
	return err
}

// closedOr maps an orderly close to ErrSessionClosed.
func closedOr(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent) {
		return replication.ErrSessionClosed
	}
	return err
}

// Dialer opens replication sessions to peers whose Address is a ws:// or
// wss:// URL.
type Dialer struct {
	*websocket.Dialer
	// Header is sent with every handshake.
	Header http.Header
}

// NewDialer returns a dialer using websocket.DefaultDialer.
func NewDialer() *Dialer {
	return &Dialer{Dialer: websocket.DefaultDialer}
}

// Dial connects to peer. Handshake failures are PeerUnreachableError.
func (d *Dialer) Dial(ctx context.Context, peer replication.Peer) (replication.Session, error) {
	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	wc, resp, err := wd.DialContext(ctx, peer.Address, d.Header)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if resp != nil {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		return nil, &replication.PeerUnreachableError{Peer: peer.ID, Err: err}
	}
	return newSession(wc), nil
}

// Handler upgrades requests and serves each connection as one session.
type Handler struct {
	serve    replication.Handler
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler serves sessions with h.
func NewHandler(h replication.Handler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		serve:    h,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		logger:   logger.With("component", "wsnet"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wc, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s := newSession(wc)
	defer s.Close()
	if err := h.serve.Serve(r.Context(), s); err != nil {
		h.logger.Warn("sync session ended with error", "remote", r.RemoteAddr, "error", err)
	}
}
