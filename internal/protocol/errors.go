// ABOUTME: Error taxonomy shared by every layer of the bridge client
// ABOUTME: Sentinel roots plus typed errors for remote status codes and handshake failures

package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportClosed means the channel carrying a request died or was closed.
	// Every request outstanding on a session fails with an error wrapping this.
	ErrTransportClosed = errors.New("transport closed")

	// ErrProtocol marks a malformed or unexpected frame.
	ErrProtocol = errors.New("protocol error")

	// ErrRemote marks a decoded response whose status code was nonzero.
	ErrRemote = errors.New("remote error")

	// ErrResourceIntegrity means an uploaded resource never passed verification.
	ErrResourceIntegrity = errors.New("resource integrity error")

	// ErrConfiguration is raised synchronously for invalid setup, such as
	// registering two handlers for the same notification kind.
	ErrConfiguration = errors.New("configuration error")
)

// Status codes returned by the bridge in the "code" field of a response.
const (
	CodeOK               = 0
	CodeWrongVerifyKey   = 1
	CodeBotNotFound      = 2
	CodeSessionInvalid   = 3
	CodeSessionUnbound   = 4
	CodeTargetNotFound   = 5
	CodeFileNotFound     = 6
	CodePermissionDenied = 10
	CodeBotMuted         = 20
	CodeMessageTooLong   = 30
	CodeBadRequest       = 400
)

// RemoteError carries a nonzero status code from a decoded response.
// It is only ever surfaced to the caller that issued the request.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote error: code %d", e.Code)
	}
	return fmt.Sprintf("remote error: code %d: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error { return ErrRemote }

// PermissionDenied reports whether the bot lacked the rights for the command.
func (e *RemoteError) PermissionDenied() bool { return e.Code == CodePermissionDenied }

// Muted reports whether the bot is muted in the target group.
func (e *RemoteError) Muted() bool { return e.Code == CodeBotMuted }

// HandshakeError is returned when the first frame on a channel is an error
// instead of a session token.
type HandshakeError struct {
	Channel string
	Code    int
	Message string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake on %s channel rejected: code %d: %s", e.Channel, e.Code, e.Message)
}

func (e *HandshakeError) Unwrap() error { return ErrProtocol }
