package transport

import (
	"context"
	"sync"

	"github.com/harun/sandbridge/pkg/protocol"
)

// DefaultMailboxSize is the per-direction buffer of an in-memory pipe.
const DefaultMailboxSize = 64

type pipeState struct {
	done chan struct{}
	once sync.Once
}

type pipeConn struct {
	in    <-chan protocol.Message
	out   chan<- protocol.Message
	state *pipeState
}

// Pipe returns two connected in-memory ends backed by bounded channels.
// Messages are passed by value without encoding. Closing either end closes both.
func Pipe(buffer int) (Conn, Conn) {
	if buffer <= 0 {
		buffer = DefaultMailboxSize
	}

	aToB := make(chan protocol.Message, buffer)
	bToA := make(chan protocol.Message, buffer)
	state := &pipeState{done: make(chan struct{})}

	return &pipeConn{in: bToA, out: aToB, state: state},
		&pipeConn{in: aToB, out: bToA, state: state}
}

func (p *pipeConn) Send(ctx context.Context, msg protocol.Message) error {
	if msg == nil {
		return protocol.ErrNilMessage
	}

	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}

	select {
	case p.out <- msg:
		return nil
	case <-p.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.state.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.state.once.Do(func() {
		close(p.state.done)
	})
	return nil
}
