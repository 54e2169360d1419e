package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/harun/sandbridge/pkg/protocol"
)

// MaxFrameSize bounds a single length-prefixed frame.
const MaxFrameSize = 16 << 20

// Stream frames messages over a byte stream as a 4-byte big-endian length
// followed by the encoded message. It is used over the stdio of a child process.
type Stream struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer
	codec  protocol.Codec

	writeMu sync.Mutex
	box     *mailbox
}

// NewStream wraps r and w. closer, when non-nil, is closed by Close.
func NewStream(r io.Reader, w io.Writer, codec protocol.Codec, closer io.Closer) *Stream {
	if codec == nil {
		codec = protocol.JSON
	}

	s := &Stream{
		reader: bufio.NewReader(r),
		writer: w,
		closer: closer,
		codec:  codec,
		box:    newMailbox(),
	}
	go s.box.pump(s.readFrame)
	return s
}

func (s *Stream) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.box.isClosed() {
		return ErrClosed
	}

	data, err := s.codec.Encode(msg)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.writer.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (s *Stream) Recv(ctx context.Context) (protocol.Message, error) {
	return s.box.recv(ctx)
}

func (s *Stream) Close() error {
	if !s.box.close() {
		return nil
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *Stream) readFrame() (protocol.Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(s.reader, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(s.reader, data); err != nil {
		return nil, err
	}

	msg, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return msg, nil
}
