//go:build linux && amd64

package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/reborn-dev/reborn/pkg/proc"
)

// Thread represents a single thread in the traced process.
type Thread struct {
	ID  int
	dbp *Process

	running bool
	// stopPending is set when a SIGSTOP was sent to the thread and has not
	// been observed yet.
	stopPending bool
	// delayedSignal is delivered to the thread the next time all threads
	// are resumed, or on detach.
	delayedSignal int
}

// ThreadID implements proc.Thread.
func (t *Thread) ThreadID() int {
	return t.ID
}

// Continue resumes a thread returned by Wait.
func (t *Thread) Continue() error {
	return t.resume()
}

// ForwardTrap resumes a thread returned by Wait delivering the SIGTRAP it
// stopped with, for traps that the tracer did not cause.
func (t *Thread) ForwardTrap() error {
	return t.resumeWithSig(int(sys.SIGTRAP))
}

func (t *Thread) resume() error {
	return t.resumeWithSig(0)
}

func (t *Thread) resumeWithSig(sig int) (err error) {
	t.running = true
	t.dbp.execPtraceFunc(func() { err = ptraceCont(t.ID, sig) })
	if err != nil {
		t.running = false
	}
	return
}

func (t *Thread) singleStep() (err error) {
	for {
		t.dbp.execPtraceFunc(func() { err = ptraceSingleStep(t.ID, 0) })
		if err != nil {
			return err
		}
		wpid, status, err := t.dbp.waitFast(t.ID)
		if err != nil {
			return err
		}
		if status.Exited() || status.Signaled() {
			if err := t.dbp.threadExited(wpid, status); err != nil {
				return err
			}
			return fmt.Errorf("thread %d exited while single stepping", t.ID)
		}
		if status.StopSignal() == sys.SIGTRAP {
			return nil
		}
		t.noteSignal(int(status.StopSignal()))
	}
}

// noteSignal records a signal received while the thread was being driven
// by the tracer so that it is delivered once the thread is let go.
func (t *Thread) noteSignal(sig int) {
	if sig == int(sys.SIGSTOP) {
		if t.stopPending {
			t.stopPending = false
			return
		}
		if t.ID == t.dbp.pid && t.dbp.haltSent.Swap(false) {
			return
		}
	}
	t.delayedSignal = sig
}

// ContinueToTrap implements proc.Thread. Signals other than SIGTRAP that
// arrive in the meantime are delivered to the thread, the target may
// handle them itself.
func (t *Thread) ContinueToTrap() (uint64, error) {
	sig := 0
	for {
		if err := t.resumeWithSig(sig); err != nil {
			return 0, err
		}
		sig = 0
		wpid, status, err := t.dbp.waitFast(t.ID)
		if err != nil {
			return 0, err
		}
		if status.Exited() || status.Signaled() {
			if err := t.dbp.threadExited(wpid, status); err != nil {
				return 0, err
			}
			return 0, fmt.Errorf("thread %d exited", t.ID)
		}
		t.running = false
		switch s := status.StopSignal(); {
		case s == sys.SIGTRAP && status.TrapCause() == sys.PTRACE_EVENT_CLONE:
			if err := t.dbp.handleClone(t.ID); err != nil {
				return 0, err
			}
		case s == sys.SIGTRAP:
			regs, err := t.Registers()
			if err != nil {
				return 0, err
			}
			return regs.PC(), nil
		case s == sys.SIGSTOP:
			t.noteSignal(int(s))
		default:
			sig = int(s)
		}
	}
}

// ReadMemory implements proc.MemoryReader. It uses process_vm_readv and
// falls back to PTRACE_PEEKDATA where that is not permitted.
func (t *Thread) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if t.dbp.exited {
		return 0, proc.ErrProcessExited{Pid: t.dbp.pid}
	}
	if len(data) == 0 {
		return 0, nil
	}
	n, err = processVmRead(t.ID, uintptr(addr), data)
	if err == sys.ENOSYS || err == sys.EPERM {
		t.dbp.execPtraceFunc(func() { n, err = sys.PtracePeekData(t.ID, uintptr(addr), data) })
	}
	if err != nil || n < len(data) {
		return n, &proc.AccessFault{Addr: addr + uint64(n), Size: len(data) - n, Err: err}
	}
	return n, nil
}

// WriteMemory implements proc.MemoryReadWriter. Writes go through
// PTRACE_POKEDATA, which ignores page protections.
func (t *Thread) WriteMemory(addr uint64, data []byte) (written int, err error) {
	if t.dbp.exited {
		return 0, proc.ErrProcessExited{Pid: t.dbp.pid}
	}
	if len(data) == 0 {
		return 0, nil
	}
	t.dbp.execPtraceFunc(func() { written, err = sys.PtracePokeData(t.ID, uintptr(addr), data) })
	if err != nil {
		return written, &proc.AccessFault{Addr: addr + uint64(written), Size: len(data) - written, Err: err}
	}
	return written, nil
}

// Registers implements proc.Thread.
func (t *Thread) Registers() (*proc.Registers, error) {
	var (
		regs sys.PtraceRegs
		err  error
	)
	fpregs := make([]byte, fpregsSize)
	t.dbp.execPtraceFunc(func() {
		err = sys.PtraceGetRegs(t.ID, &regs)
		if err == nil {
			err = ptraceGetFpregs(t.ID, fpregs)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("could not read registers of thread %d: %v", t.ID, err)
	}
	return &proc.Registers{
		Rax: regs.Rax, Rbx: regs.Rbx, Rcx: regs.Rcx, Rdx: regs.Rdx,
		Rsi: regs.Rsi, Rdi: regs.Rdi, Rbp: regs.Rbp, Rsp: regs.Rsp,
		R8: regs.R8, R9: regs.R9, R10: regs.R10, R11: regs.R11,
		R12: regs.R12, R13: regs.R13, R14: regs.R14, R15: regs.R15,
		Rip: regs.Rip, Rflags: regs.Eflags,
		OrigRax: regs.Orig_rax,
		Fpregs:  fpregs,
	}, nil
}

// SetRegisters implements proc.Thread. Segment registers are left as they
// are.
func (t *Thread) SetRegisters(r *proc.Registers) (err error) {
	t.dbp.execPtraceFunc(func() {
		var regs sys.PtraceRegs
		if err = sys.PtraceGetRegs(t.ID, &regs); err != nil {
			return
		}
		regs.Rax, regs.Rbx, regs.Rcx, regs.Rdx = r.Rax, r.Rbx, r.Rcx, r.Rdx
		regs.Rsi, regs.Rdi, regs.Rbp, regs.Rsp = r.Rsi, r.Rdi, r.Rbp, r.Rsp
		regs.R8, regs.R9, regs.R10, regs.R11 = r.R8, r.R9, r.R10, r.R11
		regs.R12, regs.R13, regs.R14, regs.R15 = r.R12, r.R13, r.R14, r.R15
		regs.Rip, regs.Eflags = r.Rip, r.Rflags
		regs.Orig_rax = r.OrigRax
		if err = sys.PtraceSetRegs(t.ID, &regs); err != nil {
			return
		}
		if len(r.Fpregs) == fpregsSize {
			err = ptraceSetFpregs(t.ID, r.Fpregs)
		}
	})
	if err != nil {
		return fmt.Errorf("could not write registers of thread %d: %v", t.ID, err)
	}
	return nil
}
