package relayclient

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/chatrelay/src/types"
)

var (
	// ErrTransientDisconnect wraps failures the client recovers from by
	// reconnecting.
	ErrTransientDisconnect = errors.New("relayclient: transient disconnect")
	// ErrOutboxFull is returned by Send when the pending queue is full.
	ErrOutboxFull = errors.New("relayclient: outbox full")
	// ErrClosed is returned by Send and Connect after Close.
	ErrClosed = errors.New("relayclient: closed")
	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("relayclient: already connected")
)

// RejectedError means the relay refused the session. The client stops
// reconnecting and surfaces it to the user.
type RejectedError struct {
	StatusCode int    // HTTP status of a refused handshake, if any
	CloseCode  int    // WebSocket close code, if any
	Reason     string // error code or close reason
}

func (e *RejectedError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("relayclient: rejected with HTTP %d", e.StatusCode)
	case e.CloseCode != 0:
		return fmt.Sprintf("relayclient: rejected with close %d: %s", e.CloseCode, e.Reason)
	default:
		return fmt.Sprintf("relayclient: rejected: %s", e.Reason)
	}
}

// IsRejected reports whether err is or wraps a *RejectedError.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// classifyDial turns a dial failure into either a *RejectedError or an error
// wrapping ErrTransientDisconnect. 503 and 4xx handshakes are rejections;
// other 5xx statuses usually come from a proxy and are retried.
func classifyDial(err error, resp *http.Response) error {
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		if resp.StatusCode == http.StatusServiceUnavailable ||
			(resp.StatusCode >= 400 && resp.StatusCode < 500) {
			return &RejectedError{StatusCode: resp.StatusCode}
		}
	}
	return fmt.Errorf("%w: dial: %v", ErrTransientDisconnect, err)
}

// classifySession does the same for an established session that ended.
func classifySession(err error) error {
	if IsRejected(err) {
		return err
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseTryAgainLater, websocket.ClosePolicyViolation:
			return &RejectedError{CloseCode: closeErr.Code, Reason: closeErr.Text}
		}
	}
	return fmt.Errorf("%w: %v", ErrTransientDisconnect, err)
}

// rejectionFromFrame maps a server error frame to a rejection, or nil when
// the error is not fatal to the session.
func rejectionFromFrame(f types.Frame) error {
	if f.Data == types.CodeCapacityExceeded {
		return &RejectedError{Reason: f.Data}
	}
	return nil
}
