package signaling

import (
	"errors"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/keystore"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/nonce"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/relay"
)

// closeMessageTooBig is the RFC 6455 code for an oversized message.
const closeMessageTooBig = websocket.CloseMessageTooBig

// closeCodeFor maps a supervisor error to the close code and reason sent to
// the client.
func closeCodeFor(err error) (int, string) {
	var ce *protocol.CloseError
	switch {
	case errors.As(err, &ce):
		return ce.Code, ce.Reason
	case errors.Is(err, registry.ErrPathFull):
		return protocol.ClosePathFull, "path full"
	case errors.Is(err, registry.ErrInitiatorAlreadyPresent):
		return protocol.CloseProtocolError, "initiator already present"
	case errors.Is(err, keystore.ErrInvalidKey):
		return protocol.CloseInvalidKey, "invalid key"
	case errors.Is(err, relay.ErrQueueFull):
		return protocol.CloseInternalError, "send queue overflow"
	case errors.Is(err, protocol.ErrHandshakeFailed):
		return protocol.CloseProtocolError, "handshake failed"
	case errors.Is(err, protocol.ErrUnexpectedMessage),
		errors.Is(err, protocol.ErrInvalidFrame),
		errors.Is(err, nonce.ErrInvalidLength),
		errors.Is(err, nonce.ErrCookieMismatch),
		errors.Is(err, nonce.ErrAddressMismatch),
		errors.Is(err, nonce.ErrSequenceRegression),
		errors.Is(err, nonce.ErrSequenceOverflow):
		return protocol.CloseProtocolError, "protocol error"
	default:
		return protocol.CloseInternalError, "internal error"
	}
}

// writeClose sends a close frame without waiting for the reply.
func writeClose(conn *websocket.Conn, code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	return conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

// closeNow closes a connection that never reached the supervisor. It waits
// briefly for the client's close reply so the socket is not reset.
func closeNow(conn *websocket.Conn, code int, reason string) {
	if err := writeClose(conn, code, reason); err == nil {
		_ = conn.SetReadDeadline(time.Now().Add(closeGrace))
		for {
			if _, _, err := conn.NextReader(); err != nil {
				break
			}
		}
	}
	_ = conn.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// peerCloseCode returns the code of the client's close frame, or 1006 when
// the connection dropped without one.
func peerCloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
