package errorsx

import (
	"errors"
	"fmt"
)

type reasonError struct {
	reason ReasonCode
	err    error
}

func (e *reasonError) Error() string {
	return fmt.Sprintf("%s: %s", e.reason, e.err)
}

func (e *reasonError) Unwrap() error {
	return e.err
}

// Wrap tags err with a reason code. The first reason on a chain wins;
// wrapping an already-tagged error keeps its original reason.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var tagged *reasonError
	if errors.As(err, &tagged) {
		return err
	}
	return &reasonError{reason: reason, err: err}
}

// Reason returns the reason code on the chain, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var tagged *reasonError
	if errors.As(err, &tagged) {
		return tagged.reason
	}
	return ReasonUnknown
}

// HasReason reports whether err carries the given reason code.
func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
