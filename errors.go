package splitgate

import (
	"errors"
	"fmt"

	"github.com/raskyld/splitgate/pkg/wire"
)

var (
	ErrInvalidCfg = errors.New("gateway: invalid options")
	ErrShutdown   = errors.New("gateway: shutting down")
	ErrListen     = errors.New("gateway: could not open client port")

	// ErrProtocolViolation is scoped to the connection that caused it: the
	// controller channel or the client is disposed, the gateway lives on.
	ErrProtocolViolation = wire.ErrProtocolViolation

	ErrUnexpectedCommand = errors.New("gateway: command not allowed in this state")
	ErrUnknownClient     = errors.New("gateway: unknown client id")
	ErrNoCheckPending    = errors.New("gateway: no connection check pending")
	ErrOverProcessed     = errors.New("gateway: processed more bytes than delivered")
	ErrAlreadyClosing    = errors.New("gateway: client is already disconnecting")
	ErrInvalidPort       = errors.New("gateway: invalid port")
)

// CommandError is a violation caused by one command of a control frame.
type CommandError struct {
	Op  wire.Opcode
	Err error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func violation(cause error, format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrProtocolViolation, cause, fmt.Sprintf(format, args...))
}
