// Package wsbridge implements the WebSocket bridge (C7): it upgrades
// an incoming HTTP request to a WebSocket connection and either
// answers it directly (canned close/accept, echo) or shuttles frames
// bidirectionally to an upstream WebSocket for passthrough.
//
// Grounded on internal/dashboard/websocket.go's wsConn/writePump/
// readPump shape, generalized from one-directional broadcast (server
// to many dashboard clients) to full-duplex proxying between exactly
// two *websocket.Conn values.
package wsbridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

func deadline() time.Time { return time.Now().Add(writeWait) }

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade promotes w/r to a WebSocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, responseHeader)
}

// Echo answers every message received on conn with itself, until the
// peer closes. Used for canned "echo" WS rules.
func Echo(conn *websocket.Conn) error {
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return closeErrOrNil(err)
		}
		if err := conn.WriteMessage(mt, msg); err != nil {
			return err
		}
	}
}

// CloseWith sends a close frame with code/reason and returns once it
// is written; it does not wait for the peer's own close frame. Used
// for canned "close" WS rules.
func CloseWith(conn *websocket.Conn, code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	return conn.WriteControl(websocket.CloseMessage, msg, deadline())
}

// Bridge shuttles frames bidirectionally between client and upstream
// until either side closes or ctx is done, preserving each message's
// opcode and close codes. Messages are relayed whole: a fragmented
// message is forwarded as a single frame, so fragment boundaries and
// per-frame fin bits are not preserved. On half-close (one side
// sends a close frame), the close is mirrored to the other side after
// any frames already in flight drain.
func Bridge(ctx context.Context, client, upstream *websocket.Conn) error {
	errCh := make(chan error, 2)

	go func() { errCh <- pump(client, upstream) }()
	go func() { errCh <- pump(upstream, client) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// pump reads frames from src and writes them verbatim to dst,
// returning when src closes or an error occurs. A close frame read
// from src is mirrored to dst with the same code before pump returns,
// satisfying the "propagate close codes" and "mirror to the other
// side" requirements.
func pump(src, dst *websocket.Conn) error {
	for {
		mt, msg, err := src.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(ce.Code, ce.Text), deadline())
				return nil
			}
			return fmt.Errorf("ws bridge read: %w", err)
		}
		if mt == websocket.CloseMessage {
			return nil
		}
		if err := dst.WriteMessage(mt, msg); err != nil {
			return fmt.Errorf("ws bridge write: %w", err)
		}
	}
}

func closeErrOrNil(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}
