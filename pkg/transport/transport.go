// Package transport carries protocol messages across the sandbox boundary.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/harun/sandbridge/pkg/protocol"
)

var (
	// ErrClosed is returned by operations on a closed connection
	ErrClosed = errors.New("transport closed")

	// ErrMalformed is returned by Recv for a frame that could not be decoded.
	// The connection stays usable.
	ErrMalformed = errors.New("malformed frame")

	// ErrFrameTooLarge is returned when a frame exceeds the size limit
	ErrFrameTooLarge = errors.New("frame too large")
)

// Conn is one end of the boundary channel. Send and Recv are safe to call
// from multiple goroutines.
type Conn interface {
	Send(ctx context.Context, msg protocol.Message) error
	Recv(ctx context.Context) (protocol.Message, error)
	Close() error
}

// IsClosed reports whether err means the peer went away rather than a
// transient failure.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}

type inbound struct {
	msg protocol.Message
	err error
}

// mailbox turns a blocking read function into a context-aware Recv.
type mailbox struct {
	frames    chan inbound
	done      chan struct{}
	ended     chan struct{}
	closeOnce sync.Once
	err       error
}

func newMailbox() *mailbox {
	return &mailbox{
		frames: make(chan inbound),
		done:   make(chan struct{}),
		ended:  make(chan struct{}),
	}
}

func (m *mailbox) pump(read func() (protocol.Message, error)) {
	defer close(m.ended)
	for {
		msg, err := read()
		if err != nil && !errors.Is(err, ErrMalformed) {
			m.err = err
			return
		}
		select {
		case m.frames <- inbound{msg: msg, err: err}:
		case <-m.done:
			return
		}
	}
}

func (m *mailbox) recv(ctx context.Context) (protocol.Message, error) {
	select {
	case in := <-m.frames:
		return in.msg, in.err
	case <-m.ended:
		if m.err != nil {
			return nil, m.err
		}
		return nil, ErrClosed
	case <-m.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *mailbox) close() bool {
	closed := false
	m.closeOnce.Do(func() {
		close(m.done)
		closed = true
	})
	return closed
}

func (m *mailbox) isClosed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}
