// Package wasocket implements the transport half of the WhatsApp protocol
// client capability: the gateway websocket, length-prefixed framing, the
// noise channel, keep-alive, and phone-number pairing registration. The
// end-to-end message layer above it is consumed, not owned.
package wasocket

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

const (
	// DefaultGatewayURL is the multi-device gateway endpoint.
	DefaultGatewayURL = "wss://web.whatsapp.com/ws/chat"
	defaultOrigin     = "https://web.whatsapp.com"

	// maxFramePayload is the largest payload the 3-byte length prefix can
	// describe.
	maxFramePayload = 1<<24 - 1
	readLimit       = 1 << 23
)

// frameHeader is the magic the gateway expects once, prefixed to the first
// frame of a connection: "WA" plus the binary protocol version.
var frameHeader = []byte{'W', 'A', 6, 3}

// frameConn wraps a websocket connection with the gateway's framing: each
// binary message is a 3-byte big-endian length followed by that many bytes.
type frameConn struct {
	ws         *websocket.Conn
	sentHeader bool
}

// dialFrame opens a websocket to the gateway.
func dialFrame(ctx context.Context, url string) (*frameConn, error) {
	h := http.Header{}
	h.Set("Origin", defaultOrigin)
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		return nil, fmt.Errorf("wasocket: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)
	return &frameConn{ws: ws}, nil
}

// writeFrame sends one frame, prefixing the connection header on the first.
func (c *frameConn) writeFrame(ctx context.Context, payload []byte) error {
	if len(payload) > maxFramePayload {
		return fmt.Errorf("wasocket: frame too large: %d bytes", len(payload))
	}
	buf := make([]byte, 0, len(frameHeader)+3+len(payload))
	if !c.sentHeader {
		buf = append(buf, frameHeader...)
		c.sentHeader = true
	}
	buf = append(buf, byte(len(payload)>>16), byte(len(payload)>>8), byte(len(payload)))
	buf = append(buf, payload...)
	if err := c.ws.Write(ctx, websocket.MessageBinary, buf); err != nil {
		return fmt.Errorf("wasocket: write frame: %w", err)
	}
	return nil
}

// readFrame reads one frame and strips the length prefix.
func (c *frameConn) readFrame(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("wasocket: read frame: %w", err)
	}
	if len(data) < 3 {
		return nil, fmt.Errorf("wasocket: short frame: %d bytes", len(data))
	}
	n := int(data[0])<<16 | int(data[1])<<8 | int(data[2])
	if len(data)-3 < n {
		return nil, fmt.Errorf("wasocket: truncated frame: have %d bytes, header says %d", len(data)-3, n)
	}
	return data[3 : 3+n], nil
}

// close sends a normal closure frame and closes the connection.
func (c *frameConn) close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// closeNow closes the connection immediately without a close frame.
func (c *frameConn) closeNow() error {
	return c.ws.CloseNow()
}
