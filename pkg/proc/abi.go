package proc

import (
	"errors"
	"fmt"
)

// ABI is a native integer calling convention of amd64 code.
type ABI uint8

const (
	// Win64 is the Microsoft x64 convention: rcx, rdx, r8, r9, 32 bytes of
	// shadow space above the return address.
	Win64 ABI = iota
	// SysV is the System V AMD64 convention: rdi, rsi, rdx, rcx, r8, r9 and
	// a 128 byte red zone below the stack pointer.
	SysV
)

const stackAlign = 16

var errNegativeArgCount = errors.New("negative argument count")

// ParseABI converts a configuration string to an ABI.
func ParseABI(s string) (ABI, error) {
	switch s {
	case "win64":
		return Win64, nil
	case "sysv":
		return SysV, nil
	}
	return 0, fmt.Errorf("unknown abi %q", s)
}

func (a ABI) String() string {
	switch a {
	case Win64:
		return "win64"
	case SysV:
		return "sysv"
	}
	return fmt.Sprintf("ABI(%d)", uint8(a))
}

func (a ABI) argRegs(r *Registers) []*uint64 {
	if a == SysV {
		return []*uint64{&r.Rdi, &r.Rsi, &r.Rdx, &r.Rcx, &r.R8, &r.R9}
	}
	return []*uint64{&r.Rcx, &r.Rdx, &r.R8, &r.R9}
}

func (a ABI) shadowSpace() uint64 {
	if a == Win64 {
		return 32
	}
	return 0
}

func (a ABI) redZone() uint64 {
	if a == SysV {
		return 128
	}
	return 0
}

// Args reads the first n integer arguments of a call, given the registers
// of a thread stopped on the first instruction of the callee (the return
// address is at the top of the stack).
func (a ABI) Args(mem MemoryReader, r *Registers, n int) ([]uint64, error) {
	if n < 0 {
		return nil, errNegativeArgCount
	}
	regs := a.argRegs(r)
	args := make([]uint64, n)
	for i := range args {
		if i < len(regs) {
			args[i] = *regs[i]
			continue
		}
		off := 8 + a.shadowSpace() + 8*uint64(i-len(regs))
		v, err := ReadUint64(mem, r.Rsp+off)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// PushBytes reserves room for data below the stack pointer of r, outside
// of the red zone, writes data there and moves the stack pointer below it.
// The returned address is 16 byte aligned.
func (a ABI) PushBytes(mem MemoryReadWriter, r *Registers, data []byte) (uint64, error) {
	sp := r.Rsp - a.redZone() - uint64(len(data))
	sp &^= stackAlign - 1
	if len(data) > 0 {
		if err := WriteBytes(mem, sp, data); err != nil {
			return 0, err
		}
	}
	r.Rsp = sp
	return sp, nil
}

// SetupCall changes r and the stack below r.Rsp so that resuming the thread
// calls fn with args and returns to ret. Registers that do not carry
// arguments keep their value.
func (a ABI) SetupCall(mem MemoryReadWriter, r *Registers, fn, ret uint64, args []uint64) error {
	regs := a.argRegs(r)
	var stackArgs []uint64
	if len(args) > len(regs) {
		stackArgs = args[len(regs):]
		args = args[:len(regs)]
	}

	sp := r.Rsp - a.redZone()
	sp -= a.shadowSpace() + 8*uint64(len(stackArgs))
	sp &^= stackAlign - 1
	for i, v := range stackArgs {
		if err := WriteUint64(mem, sp+a.shadowSpace()+8*uint64(i), v); err != nil {
			return err
		}
	}
	sp -= 8
	if err := WriteUint64(mem, sp, ret); err != nil {
		return err
	}

	for i, v := range args {
		*regs[i] = v
	}
	r.Rsp = sp
	r.Rip = fn
	return nil
}

// ReturnValue returns the integer return value of a call that just
// returned.
func (a ABI) ReturnValue(r *Registers) uint64 {
	return r.Rax
}
