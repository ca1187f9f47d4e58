package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to callers. The message of each kind is the name the
// UI layer shows verbatim.
var (
	ErrInvalidPrice           = errors.New("InvalidPrice")
	ErrEmptyName              = errors.New("EmptyName")
	ErrProductNotFound        = errors.New("ProductNotFound")
	ErrProductNotAvailable    = errors.New("ProductNotAvailable")
	ErrUnauthorized           = errors.New("Unauthorized")
	ErrInvalidState           = errors.New("InvalidState")
	ErrTransferFailed         = errors.New("TransferFailed")
	ErrEscrowDeploymentFailed = errors.New("EscrowDeploymentFailed")
)

// ErrTimeoutNotReached is the InvalidState variant returned when a seller
// claims a timeout before the grace period has elapsed.
var ErrTimeoutNotReached = fmt.Errorf("%w: timeout not reached", ErrInvalidState)

var kinds = []error{
	ErrInvalidPrice,
	ErrEmptyName,
	ErrProductNotFound,
	ErrProductNotAvailable,
	ErrUnauthorized,
	ErrInvalidState,
	ErrTransferFailed,
	ErrEscrowDeploymentFailed,
}

// Error annotates an error kind with the operation that produced it.
type Error struct {
	Op     string
	Kind   error
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// E builds an Error for op with the given kind and detail.
func E(op string, kind error, detail string) error {
	return &Error{Op: op, Kind: kind, Detail: detail}
}

// Wrap builds an Error for op with the given kind caused by err.
func Wrap(op string, kind error, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindName returns the verbatim kind name of err, or "Internal" when err
// carries none of the known kinds.
func KindName(err error) string {
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return "Internal"
}
