//go:build !linux || !amd64

package native

import (
	"errors"

	"github.com/reborn-dev/reborn/pkg/proc"
)

var ErrNativeBackendDisabled = errors.New("native backend disabled during compilation")

// Process is a placeholder on platforms without a native backend.
type Process struct{}

// Thread is a placeholder on platforms without a native backend.
type Thread struct {
	ID int
}

// Attach returns ErrNativeBackendDisabled.
func Attach(_ int) (*Process, error) {
	return nil, ErrNativeBackendDisabled
}

func (dbp *Process) Pid() int               { return 0 }
func (dbp *Process) Threads() []*Thread     { return nil }
func (dbp *Process) Exited() bool           { return true }
func (dbp *Process) Wait() (*Thread, error) { return nil, ErrNativeBackendDisabled }
func (dbp *Process) RequestHalt() error     { return ErrNativeBackendDisabled }
func (dbp *Process) ResumeAll() error       { return ErrNativeBackendDisabled }
func (dbp *Process) Detach() error          { return ErrNativeBackendDisabled }
func (dbp *Process) AllocExec(_, _ uint64) (uint64, error) {
	return 0, ErrNativeBackendDisabled
}

func (dbp *Process) ReadMemory([]byte, uint64) (int, error) {
	return 0, ErrNativeBackendDisabled
}

func (dbp *Process) WriteMemory(uint64, []byte) (int, error) {
	return 0, ErrNativeBackendDisabled
}

func (t *Thread) ThreadID() int      { return t.ID }
func (t *Thread) Continue() error    { return ErrNativeBackendDisabled }
func (t *Thread) ForwardTrap() error { return ErrNativeBackendDisabled }
func (t *Thread) ContinueToTrap() (uint64, error) {
	return 0, ErrNativeBackendDisabled
}

func (t *Thread) ReadMemory([]byte, uint64) (int, error) {
	return 0, ErrNativeBackendDisabled
}

func (t *Thread) WriteMemory(uint64, []byte) (int, error) {
	return 0, ErrNativeBackendDisabled
}

func (t *Thread) Registers() (*proc.Registers, error) {
	return nil, ErrNativeBackendDisabled
}

func (t *Thread) SetRegisters(*proc.Registers) error {
	return ErrNativeBackendDisabled
}
