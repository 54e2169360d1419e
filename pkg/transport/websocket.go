package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/sandbridge/pkg/protocol"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// WebSocket carries one message per WebSocket frame. JSON frames are sent as
// text messages, other codecs as binary messages.
type WebSocket struct {
	conn  *websocket.Conn
	codec protocol.Codec

	writeMu sync.Mutex
	box     *mailbox
}

// NewWebSocket wraps an established connection.
func NewWebSocket(conn *websocket.Conn, codec protocol.Codec) *WebSocket {
	if codec == nil {
		codec = protocol.JSON
	}

	conn.SetReadLimit(MaxFrameSize)

	ws := &WebSocket{
		conn:  conn,
		codec: codec,
		box:   newMailbox(),
	}
	go ws.box.pump(ws.readFrame)
	return ws
}

// DialWebSocket connects to a host endpoint.
func DialWebSocket(ctx context.Context, url string, codec protocol.Codec) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewWebSocket(conn, codec), nil
}

// Upgrade accepts a sandbox connecting over HTTP.
func Upgrade(w http.ResponseWriter, r *http.Request, codec protocol.Codec) (*WebSocket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}
	return NewWebSocket(conn, codec), nil
}

func (ws *WebSocket) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ws.box.isClosed() {
		return ErrClosed
	}

	data, err := ws.codec.Encode(msg)
	if err != nil {
		return err
	}

	messageType := websocket.BinaryMessage
	if ws.codec.Name() == protocol.CodecJSON {
		messageType = websocket.TextMessage
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ws.conn.SetWriteDeadline(deadline)

	if err := ws.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (ws *WebSocket) Recv(ctx context.Context) (protocol.Message, error) {
	return ws.box.recv(ctx)
}

func (ws *WebSocket) Close() error {
	if !ws.box.close() {
		return nil
	}

	ws.writeMu.Lock()
	ws.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	ws.writeMu.Unlock()

	return ws.conn.Close()
}

func (ws *WebSocket) readFrame() (protocol.Message, error) {
	_, data, err := ws.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, ErrClosed
		}
		return nil, err
	}

	msg, err := ws.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return msg, nil
}
