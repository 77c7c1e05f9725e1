package objc

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedNil is returned when a non-optional native path yields nil.
	ErrUnexpectedNil = errors.New("objc: unexpected nil handle")
	// ErrPlatformUnsupported is returned when an entry point does not exist on
	// the running platform or OS version.
	ErrPlatformUnsupported = errors.New("objc: entry point unsupported on this platform")
	// ErrThreadAffinity is returned when a thread-confined object is used from
	// another thread.
	ErrThreadAffinity = errors.New("objc: thread affinity violation")
	// ErrUseAfterRelease is returned when a View is used after its source
	// handle has been closed.
	ErrUseAfterRelease = errors.New("objc: borrowed view used after its owner was released")
	// ErrTrampolineInvalidated is returned when native code invokes a callback
	// whose trampoline has already been invalidated.
	ErrTrampolineInvalidated = errors.New("objc: callback invoked after its trampoline was invalidated")
	// ErrNoRuntime is returned when no native runtime is available.
	ErrNoRuntime = errors.New("objc: no native runtime available")
)

// NilHandleError reports which entry point unexpectedly returned nil.
type NilHandleError struct {
	Selector string
}

func (e *NilHandleError) Error() string {
	return fmt.Sprintf("objc: %s returned nil on a non-optional path", e.Selector)
}

func (e *NilHandleError) Unwrap() error { return ErrUnexpectedNil }

// UnsupportedError describes a platform or OS version gate failure.
type UnsupportedError struct {
	Selector string
	Platform Platform
	Have     string
	Need     string // empty when the entry point does not exist on Platform at all
}

func (e *UnsupportedError) Error() string {
	if e.Need == "" {
		return fmt.Sprintf("objc: %s is not available on %s", e.Selector, e.Platform)
	}
	return fmt.Sprintf("objc: %s requires %s %s, running %s", e.Selector, e.Platform, e.Need, e.Have)
}

func (e *UnsupportedError) Unwrap() error { return ErrPlatformUnsupported }

// AffinityError describes a cross-thread use of a confined object.
type AffinityError struct {
	Object string
	Owner  uint64
	Caller uint64
}

func (e *AffinityError) Error() string {
	if e.Owner == 0 {
		return fmt.Sprintf("objc: %s must be used on the main thread (called from thread %d)", e.Object, e.Caller)
	}
	return fmt.Sprintf("objc: %s is confined to thread %d, used from thread %d", e.Object, e.Owner, e.Caller)
}

func (e *AffinityError) Unwrap() error { return ErrThreadAffinity }

// NativeError carries the diagnostics the native framework reported, either
// as an NSError or as a raised NSException.
type NativeError struct {
	Selector    string
	Domain      string
	Code        int64
	Description string
	// Exception is the exception name when the failure was a raised
	// NSException rather than a returned NSError.
	Exception string
}

func (e *NativeError) Error() string {
	switch {
	case e.Exception != "":
		return fmt.Sprintf("objc: %s raised %s: %s", e.Selector, e.Exception, e.Description)
	case e.Domain != "":
		return fmt.Sprintf("objc: %s failed (%s %d): %s", e.Selector, e.Domain, e.Code, e.Description)
	default:
		return fmt.Sprintf("objc: %s failed: %s", e.Selector, e.Description)
	}
}

// NativeErrorFromNSError converts an NSError object into a *NativeError. It
// returns nil when err is Nil.
func NativeErrorFromNSError(rt Runtime, selector string, err ID) *NativeError {
	if err.IsNil() {
		return nil
	}
	ne := &NativeError{Selector: selector}
	if v, sendErr := rt.Send(err, "domain"); sendErr == nil && !v.ID.IsNil() {
		ne.Domain, _ = StringValue(rt, v.ID)
	}
	if v, sendErr := rt.Send(err, "code"); sendErr == nil {
		ne.Code = v.Int
	}
	if v, sendErr := rt.Send(err, "localizedDescription"); sendErr == nil && !v.ID.IsNil() {
		ne.Description, _ = StringValue(rt, v.ID)
	}
	return ne
}
