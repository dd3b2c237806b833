package proc

import "fmt"

// Registers is the amd64 general purpose register file of a stopped
// thread.
type Registers struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rbp, Rsp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip, Rflags        uint64

	// OrigRax is the system call number the thread was stopped in, or
	// ^uint64(0) when it was not inside a system call. Backends without
	// system call restart semantics ignore it.
	OrigRax uint64

	// Fpregs is the raw floating point state in the format of the backend
	// that produced it. Backends restore it verbatim and ignore it when nil.
	Fpregs []byte
}

// PC returns the current program counter
// i.e. the RIP CPU register.
func (r *Registers) PC() uint64 {
	return r.Rip
}

// SP returns the stack pointer location,
// i.e. the RSP register.
func (r *Registers) SP() uint64 {
	return r.Rsp
}

// Copy returns a deep copy of r.
func (r *Registers) Copy() *Registers {
	rr := *r
	if r.Fpregs != nil {
		rr.Fpregs = make([]byte, len(r.Fpregs))
		copy(rr.Fpregs, r.Fpregs)
	}
	return &rr
}

func (r *Registers) String() string {
	return fmt.Sprintf("rip=%#x rsp=%#x rax=%#x rcx=%#x rdx=%#x rsi=%#x rdi=%#x r8=%#x r9=%#x",
		r.Rip, r.Rsp, r.Rax, r.Rcx, r.Rdx, r.Rsi, r.Rdi, r.R8, r.R9)
}
