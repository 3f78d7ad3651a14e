package cmn

import "github.com/pkg/errors"

// Class is the error taxonomy from the migration error-handling design:
// every error that crosses a package boundary in this subsystem carries
// one of these so callers can dispatch on it without string matching.
type Class int

const (
	// ClassTransient: retry without giving up on the current operation.
	ClassTransient Class = iota
	// ClassViewChange: cluster key moved; abort, a new rebalance will restart.
	ClassViewChange
	// ClassFatal: abort the operation and count it against the imbalance stat.
	ClassFatal
	// ClassBenign: log-and-ignore, never surfaced as a failure.
	ClassBenign
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassViewChange:
		return "view-change"
	case ClassFatal:
		return "fatal"
	case ClassBenign:
		return "benign"
	default:
		return "unknown"
	}
}

type classifiedError struct {
	class Class
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Cause() error  { return e.err }
func (e *classifiedError) Unwrap() error { return e.err }

// Wrap annotates err with class and msg via pkg/errors.WithMessage (which
// adds no stack of its own),
// unless err is already classified (classification is not overwritten).
func Wrap(class Class, err error, msg string) error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*classifiedError); ok {
		return &classifiedError{class: ce.class, err: errors.WithMessage(ce.err, msg)}
	}
	return &classifiedError{class: class, err: errors.WithMessage(err, msg)}
}

// Classify returns the error's class, defaulting to ClassFatal for
// errors that were never run through Wrap (conservative: unknown
// failures abort rather than silently retry forever).
func Classify(err error) Class {
	if ce, ok := err.(*classifiedError); ok {
		return ce.class
	}
	return ClassFatal
}

func IsViewChange(err error) bool { return Classify(err) == ClassViewChange }
func IsTransient(err error) bool  { return Classify(err) == ClassTransient }
func IsBenign(err error) bool     { return Classify(err) == ClassBenign }

// ErrClusterKeyChanged is the sole cancellation signal for a migration.
var ErrClusterKeyChanged = &classifiedError{class: ClassViewChange, err: errors.New("cluster key changed")}

// ErrNoNode mirrors a fabric NO_NODE reply.
var ErrNoNode = &classifiedError{class: ClassViewChange, err: errors.New("fabric: no such node")}

// ErrQueueFull mirrors a fabric QUEUE_FULL reply.
var ErrQueueFull = &classifiedError{class: ClassTransient, err: errors.New("fabric: queue full")}

// ErrStartFailed is a receiver-side START_ACK_FAIL: the receiver will
// never admit this migration, so it is fatal to the operation.
var ErrStartFailed = &classifiedError{class: ClassFatal, err: errors.New("receiver rejected START")}
