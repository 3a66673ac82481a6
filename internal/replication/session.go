package replication

import (
	"context"
	"fmt"
	"sync"
)

// Session is one bidirectional, ordered message stream with a peer.
type Session interface {
	Send(ctx context.Context, m Message) error
	Recv(ctx context.Context) (Message, error)
	Close() error
}

// Peer is a remote node. ID must equal the peer's origin id: watermarks
// and acks are keyed by it.
type Peer struct {
	ID      string `json:"id" mapstructure:"id"`
	Address string `json:"address" mapstructure:"address"`
	// Token is presented in Hello. Empty falls back to the engine's token.
	Token string `json:"token,omitempty" mapstructure:"token"`
}

// Dialer opens sessions to peers.
type Dialer interface {
	Dial(ctx context.Context, peer Peer) (Session, error)
}

// Handler serves the responding side of a session.
type Handler interface {
	Serve(ctx context.Context, s Session) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, s Session) error

// Serve calls f.
func (f HandlerFunc) Serve(ctx context.Context, s Session) error { return f(ctx, s) }

const pipeBuffer = 16

// Pipe returns two connected in-memory sessions. Messages are encoded on
// Send and decoded on Recv, so what crosses a pipe is exactly what would
// cross a socket. Closing either end closes both; messages already sent
// are still delivered.
func Pipe() (Session, Session) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeSession{in: ba, out: ab, done: done, once: once},
		&pipeSession{in: ab, out: ba, done: done, once: once}
}

type pipeSession struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

func (p *pipeSession) Send(ctx context.Context, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrSessionClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeSession) Recv(ctx context.Context) (Message, error) {
	select {
	case data := <-p.in:
		return Decode(data)
	case <-p.done:
		select {
		case data := <-p.in:
			return Decode(data)
		default:
			return Message{}, ErrSessionClosed
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (p *pipeSession) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// MemoryNetwork connects engines in one process. Addresses map to
// handlers; an address can be taken down to simulate a partition.
type MemoryNetwork struct {
	mu       sync.Mutex
	handlers map[string]Handler
	down     map[string]bool
	wg       sync.WaitGroup
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{handlers: map[string]Handler{}, down: map[string]bool{}}
}

// Listen serves addr with h, replacing any previous handler.
func (n *MemoryNetwork) Listen(addr string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[addr] = h
}

// SetDown makes dials to addr fail with PeerUnreachableError.
func (n *MemoryNetwork) SetDown(addr string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[addr] = down
}

// Dial connects to peer.Address and starts its handler on the other end.
// The handler outlives ctx; it stops when the session closes.
func (n *MemoryNetwork) Dial(ctx context.Context, peer Peer) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	h, ok := n.handlers[peer.Address]
	down := n.down[peer.Address]
	n.mu.Unlock()
	if !ok || down {
		return nil, &PeerUnreachableError{Peer: peer.ID, Err: fmt.Errorf("no route to %s", peer.Address)}
	}

	client, server := Pipe()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer server.Close()
		_ = h.Serve(context.WithoutCancel(ctx), server)
	}()
	return client, nil
}

// Wait blocks until every handler started by Dial has returned.
func (n *MemoryNetwork) Wait() {
	n.wg.Wait()
}
