package fetch

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrConnectionClosed is reported when the server closes the control
// connection, typically because it has no free slots.
var ErrConnectionClosed = errors.New("connection closed by server")

// Error is a classified transfer failure.
type Error struct {
	Status Status
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Status, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf is a shorthand to build a classified error.
func Errorf(status Status, op string, err error) error {
	return &Error{Status: status, Op: op, Err: err}
}

// StatusOf extracts the classification of err. Unclassified errors count as
// interrupted transfers.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return TransferInterrupted
}

// Policy decides what happens to a classified error.
type Policy string

const (
	Propagate Policy = "propagate"
	Swallow   Policy = "swallow"
)

// ParsePolicy parses a config value, empty means Propagate.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", Propagate:
		return Propagate, nil
	case Swallow:
		return Swallow, nil
	}
	return "", fmt.Errorf("unknown error policy %q", s)
}

// ErrorPolicy picks a Policy per stage. Invalid requests, connection and
// authentication failures belong to the connect stage, the rest to the
// transfer stage.
type ErrorPolicy struct {
	Connect  Policy
	Transfer Policy
}

func (p ErrorPolicy) policyFor(s Status) Policy {
	switch s {
	case InvalidRequest, ConnectionFailed, AuthFailed:
		return p.Connect
	}
	return p.Transfer
}

// Finish completes res from err and applies the policy. The returned error is
// nil when err is nil or swallowed.
func Finish(res *Result, start time.Time, err error, policy ErrorPolicy) error {
	res.Elapsed = time.Since(start)
	res.Status = StatusOf(err)

	if err == nil {
		zap.L().Info("Transfer finished",
			zap.String("protocol", res.Protocol),
			zap.Int64("bytes", res.Bytes),
			zap.Duration("elapsed", res.Elapsed))
		return nil
	}

	if policy.policyFor(res.Status) == Swallow {
		zap.L().Warn("Transfer failed, error swallowed",
			zap.String("protocol", res.Protocol),
			zap.Stringer("status", res.Status),
			zap.Int64("bytes", res.Bytes),
			zap.Error(err))
		return nil
	}

	zap.L().Debug("Transfer failed",
		zap.String("protocol", res.Protocol),
		zap.Stringer("status", res.Status),
		zap.Int64("bytes", res.Bytes),
		zap.Error(err))
	return err
}
