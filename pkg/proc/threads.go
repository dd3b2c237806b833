package proc

import (
	"errors"
	"fmt"
)

// Thread represents a thread of the target that is stopped under the
// control of a backend.
type Thread interface {
	MemoryReadWriter
	ThreadID() int
	// Registers returns a copy of the general purpose and floating point
	// registers of the thread.
	Registers() (*Registers, error)
	// SetRegisters writes regs back to the thread.
	SetRegisters(regs *Registers) error
	// ContinueToTrap resumes this thread alone and waits until it stops on
	// a breakpoint trap. It returns the program counter after the trap
	// instruction executed.
	ContinueToTrap() (uint64, error)
}

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// ErrProcessDetached is returned by operations on a process the tracer has
// already detached from.
var ErrProcessDetached = errors.New("detached from the process")

// UnexpectedStopError is returned when a thread that was expected to stop on
// a breakpoint trap stopped for another reason, typically a fault inside an
// injected call.
type UnexpectedStopError struct {
	ThreadID int
	PC       uint64
	Signal   string
}

func (e *UnexpectedStopError) Error() string {
	return fmt.Sprintf("thread %d stopped by %s at %#x", e.ThreadID, e.Signal, e.PC)
}
