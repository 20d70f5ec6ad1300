package wire

import "errors"

var (
	// ErrTransportClosed is returned when the peer severs the
	// transport mid-exchange
	ErrTransportClosed = errors.New("transport closed")

	// ErrProtocol is returned for malformed frames. A protocol error
	// terminates the session but not the server.
	ErrProtocol = errors.New("protocol error")
)

// RemoteError carries the peer's error message for a failed command.
type RemoteError struct {
	Message string
}

// Error implements the error interface
func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}
