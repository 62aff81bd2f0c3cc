package protocol

import (
	"errors"
	"fmt"
)

// WebSocket close codes used by the relay.
const (
	CloseNormal             = 1000
	CloseGoingAway          = 1001
	CloseSubprotocolError   = 1002
	ClosePolicyViolation    = 1008
	ClosePathFull           = 3000
	CloseProtocolError      = 3001
	CloseInternalError      = 3002
	CloseHandover           = 3003
	CloseDropByInitiator    = 3004
	CloseInitiatorNoDecrypt = 3005
	CloseNoSharedTasks      = 3006
	CloseInvalidKey         = 3007
)

// CloseCodeName returns a short name for code, used in logs and metrics.
func CloseCodeName(code int) string {
	switch code {
	case CloseNormal:
		return "normal"
	case CloseGoingAway:
		return "going_away"
	case CloseSubprotocolError:
		return "subprotocol_error"
	case ClosePolicyViolation:
		return "policy_violation"
	case ClosePathFull:
		return "path_full"
	case CloseProtocolError:
		return "protocol_error"
	case CloseInternalError:
		return "internal_error"
	case CloseHandover:
		return "handover"
	case CloseDropByInitiator:
		return "drop_by_initiator"
	case CloseInitiatorNoDecrypt:
		return "initiator_could_not_decrypt"
	case CloseNoSharedTasks:
		return "no_shared_tasks"
	case CloseInvalidKey:
		return "invalid_key"
	default:
		return fmt.Sprintf("code_%d", code)
	}
}

// IsDropResponderCode reports whether code may be given as the reason of a
// drop-responder message.
func IsDropResponderCode(code int) bool {
	switch code {
	case CloseProtocolError, CloseInternalError, CloseDropByInitiator, CloseInitiatorNoDecrypt:
		return true
	default:
		return false
	}
}

var (
	ErrUnexpectedMessage = errors.New("protocol: unexpected message")
	ErrHandshakeFailed   = errors.New("protocol: handshake failed")
)

// CloseError carries an explicit close code for errors whose code cannot be
// derived from a sentinel.
type CloseError struct {
	Code   int
	Reason string
	Err    error
}

func NewCloseError(code int, reason string) *CloseError {
	return &CloseError{Code: code, Reason: reason}
}

func (e *CloseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("close %d (%s): %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("close %d (%s)", e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error { return e.Err }
