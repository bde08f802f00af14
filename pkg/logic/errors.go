package logic

import (
	"errors"
	"fmt"

	"github.com/raskyld/splitgate/pkg/wire"
)

var (
	ErrInvalidCfg         = errors.New("logic: invalid options")
	ErrControlLost        = errors.New("logic: control channel lost")
	ErrActivationRejected = errors.New("logic: gateway rejected activation")
	ErrWatchdog           = errors.New("logic: gateway heartbeat missed")

	// ErrProtocolViolation is scoped to one client session.
	ErrProtocolViolation = wire.ErrProtocolViolation

	ErrSequence       = errors.New("logic: block sequence went backwards")
	ErrTruncatedBlock = errors.New("logic: client left in the middle of a block")
)

func violation(cause error, format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrProtocolViolation, cause, fmt.Sprintf(format, args...))
}
