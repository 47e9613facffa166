package device

import "fmt"

// ProgrammerError is panicked for unrecoverable misuse: unknown op, type
// mismatch, shape mismatch, read-before-init, double-free. These are never
// recovered internally — they are expected to terminate the process.
type ProgrammerError struct {
	Op      string
	Message string
}

func (e *ProgrammerError) Error() string {
	if e.Op == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// fatalf aborts the process with a diagnostic, per spec §7 kind 1. op
// should name the operation or entry point that detected the error so the
// call site can be located (spec §7: "include enough context ... to locate
// the call site").
func fatalf(op, format string, args ...any) {
	panic(&ProgrammerError{Op: op, Message: fmt.Sprintf(format, args...)})
}

// OOMError is panicked by the allocator's callers when it returns
// alloc.ErrOutOfMemory, and caught internally by the command stream's retry path (spec §4.3 step 4,
// §7 kind 2). It is never expected to escape flushStream on a first
// failure; a second failure while no work is in flight is re-raised as a
// ProgrammerError-shaped abort since it indicates the device is
// unrecoverably out of memory.
type OOMError struct {
	Requested int
	Err       error
}

func (e *OOMError) Error() string {
	return fmt.Sprintf("out of memory: requested %d bytes: %v", e.Requested, e.Err)
}

func (e *OOMError) Unwrap() error { return e.Err }
