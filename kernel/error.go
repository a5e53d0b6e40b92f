package kernel

// Error describes a kernel error. Kernel packages define their errors as
// global variables that are pointers to the Error structure and compare
// against them directly. When an error needs to carry the failure reported
// by a collaborator (e.g. a VFS read), Wrap returns a copy with the cause
// attached; errors.Is still matches the copy against the original global.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Cause is the optional underlying error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error for the same module and message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil || e == nil {
		return false
	}
	return e.Module == t.Module && e.Message == t.Message
}

// Wrap returns a copy of e with cause attached.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Module: e.Module, Message: e.Message, Cause: cause}
}
