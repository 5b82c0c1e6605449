// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for retry and reporting decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindTransientProvider
	KindPermanentProvider
	KindCredential
	KindSchedulingInconsistency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransientProvider:
		return "transient_provider"
	case KindPermanentProvider:
		return "permanent_provider"
	case KindCredential:
		return "credential"
	case KindSchedulingInconsistency:
		return "scheduling_inconsistency"
	default:
		return "unknown"
	}
}

// Error is the classified error carried through the dispatcher and scheduler.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op, msg string, err error) error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// NewValidation reports a bad recipient address or a missing required field.
func NewValidation(op, msg string) error {
	return newError(KindValidation, op, msg, nil)
}

// NewTransient reports a timeout, 5xx or throttling signal from a provider.
func NewTransient(op string, err error) error {
	return newError(KindTransientProvider, op, "", err)
}

// NewPermanent reports a policy rejection or a bounced/suppressed address.
func NewPermanent(op string, err error) error {
	return newError(KindPermanentProvider, op, "", err)
}

func NewCredential(op string, err error) error {
	return newError(KindCredential, op, "", err)
}

// NewInconsistency reports a referenced record that is missing or already terminal.
func NewInconsistency(op, msg string) error {
	return newError(KindSchedulingInconsistency, op, msg, nil)
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return KindSchedulingInconsistency
	}
	return KindUnknown
}

// IsRetryable reports whether the queue should run the job again.
// Unclassified errors are retried: they are usually infrastructure hiccups.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindValidation, KindPermanentProvider, KindSchedulingInconsistency:
		return false
	default:
		return true
	}
}

// NotFoundError is returned by repositories when a row does not exist.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %d not found", e.Entity, e.ID)
}

func NewNotFound(entity string, id int64) error {
	return &NotFoundError{Entity: entity, ID: id}
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// DeferError asks the queue to run the job again after Delay without
// consuming an attempt.
type DeferError struct {
	Delay  time.Duration
	Reason string
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred for %s: %s", e.Delay, e.Reason)
}

func NewDefer(delay time.Duration, reason string) error {
	return &DeferError{Delay: delay, Reason: reason}
}

// AsDefer extracts a DeferError from err's chain.
func AsDefer(err error) (*DeferError, bool) {
	var d *DeferError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
