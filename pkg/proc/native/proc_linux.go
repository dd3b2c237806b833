//go:build linux && amd64

package native

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/reborn-dev/reborn/pkg/proc"
)

const statusZombie = 'Z'

const ptraceOptions = syscall.PTRACE_O_TRACECLONE

// Attach to an existing process with the given PID. Every thread of the
// process is attached and left stopped; call ResumeAll to let the process
// run again.
func Attach(pid int) (*Process, error) {
	dbp := newProcess(pid)

	var err error
	dbp.execPtraceFunc(func() { err = ptraceAttach(dbp.pid) })
	if err != nil {
		dbp.postExit()
		return nil, fmt.Errorf("could not attach to pid %d: %v", pid, err)
	}
	dbp.initialize()
	_, _, err = dbp.wait(dbp.pid, 0)
	if err != nil {
		dbp.postExit()
		return nil, err
	}

	if err := dbp.updateThreadList(); err != nil {
		_ = dbp.Detach()
		return nil, err
	}
	dbp.log.Debugf("attached to %d threads", len(dbp.threads))
	return dbp, nil
}

func (dbp *Process) initialize() {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", dbp.pid))
	if err == nil {
		// removes newline character
		comm = bytes.TrimSuffix(comm, []byte("\n"))
	}
	dbp.comm = strings.ReplaceAll(string(comm), "%", "%%")
}

// addThread attaches to a thread and stores it in our list of known
// threads.
func (dbp *Process) addThread(tid int, attach bool) (*Thread, error) {
	if thread, ok := dbp.threads[tid]; ok {
		return thread, nil
	}

	var err error
	if attach {
		dbp.execPtraceFunc(func() { err = sys.PtraceAttach(tid) })
		if err != nil && err != sys.EPERM {
			// Do not return err if err == EPERM,
			// we may already be tracing this thread due to
			// PTRACE_O_TRACECLONE. We will surely blow up later
			// if we truly don't have permissions.
			return nil, fmt.Errorf("could not attach to new thread %d %s", tid, err)
		}
		pid, status, err := dbp.waitFast(tid)
		if err != nil {
			return nil, err
		}
		if status.Exited() {
			return nil, fmt.Errorf("thread already exited %d", pid)
		}
	}

	dbp.execPtraceFunc(func() { err = syscall.PtraceSetOptions(tid, ptraceOptions) })
	if err == syscall.ESRCH {
		if _, _, err = dbp.waitFast(tid); err != nil {
			return nil, fmt.Errorf("error while waiting after adding thread: %d %s", tid, err)
		}
		dbp.execPtraceFunc(func() { err = syscall.PtraceSetOptions(tid, ptraceOptions) })
		if err == syscall.ESRCH {
			return nil, err
		}
	}
	if err != nil {
		return nil, fmt.Errorf("could not set options for new traced thread %d %s", tid, err)
	}

	dbp.threads[tid] = &Thread{ID: tid, dbp: dbp}
	if dbp.memthread == nil || tid == dbp.pid {
		dbp.memthread = dbp.threads[tid]
	}
	return dbp.threads[tid], nil
}

// updateThreadList attaches to every thread listed in /proc/<pid>/task.
// Threads created while the list is being walked are picked up by
// repeating the walk until no new thread shows up.
func (dbp *Process) updateThreadList() error {
	for {
		added := 0
		tids, _ := filepath.Glob(fmt.Sprintf("/proc/%d/task/*", dbp.pid))
		for _, tidpath := range tids {
			tid, err := strconv.Atoi(filepath.Base(tidpath))
			if err != nil {
				return err
			}
			if _, ok := dbp.threads[tid]; ok {
				continue
			}
			if _, err := dbp.addThread(tid, tid != dbp.pid); err != nil {
				if err == syscall.ESRCH {
					continue
				}
				return err
			}
			added++
		}
		if added == 0 {
			return nil
		}
	}
}

func status(pid int, comm string) rune {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return '\000'
	}
	defer f.Close()
	rd := bufio.NewReader(f)

	var (
		p     int
		state rune
	)

	// The second field of /proc/pid/stat is the name of the task in parentheses.
	// Since both parenthesis and spaces can appear inside the name of the task and no escaping happens we need to read the name of the executable first
	_, _ = fmt.Fscanf(rd, "%d ("+comm+")  %c", &p, &state)
	return state
}

// waitFast is like wait but does not handle process-exit correctly
func (dbp *Process) waitFast(pid int) (int, *sys.WaitStatus, error) {
	var s sys.WaitStatus
	wpid, err := sys.Wait4(pid, &s, sys.WALL, nil)
	return wpid, &s, err
}

func (dbp *Process) wait(pid, options int) (int, *sys.WaitStatus, error) {
	var s sys.WaitStatus
	if pid != dbp.pid || options != 0 {
		wpid, err := sys.Wait4(pid, &s, sys.WALL|options, nil)
		return wpid, &s, err
	}
	// If we call wait4/waitpid on a thread that is the leader of its group,
	// with options == 0, while ptracing and the thread leader has exited leaving
	// zombies of its own then waitpid hangs forever.
	// Therefore we call wait4 in a loop with WNOHANG, sleeping a while between
	// calls and exiting when either wait4 succeeds or we find out that the thread
	// has become a zombie.
	for {
		wpid, err := sys.Wait4(pid, &s, sys.WNOHANG|sys.WALL|options, nil)
		if err != nil {
			return 0, nil, err
		}
		if wpid != 0 {
			return wpid, &s, err
		}
		if status(pid, dbp.comm) == statusZombie {
			return pid, nil, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// Wait blocks until a thread of the process stops on a breakpoint trap and
// returns it, stopped. Every other thread keeps running. Stops for other
// reasons are handled internally: new threads are attached and signals are
// delivered to the thread that received them.
//
// After RequestHalt, Wait stops every thread and returns ErrHalted.
func (dbp *Process) Wait() (*Thread, error) {
	if err := dbp.valid(); err != nil {
		return nil, err
	}
	for {
		if dbp.halting.Load() {
			if err := dbp.stopAll(); err != nil {
				return nil, err
			}
			return nil, ErrHalted
		}
		wpid, status, err := dbp.waitFast(-1)
		if err != nil {
			if err == sys.EINTR {
				continue
			}
			return nil, fmt.Errorf("wait err %s", err)
		}
		th := dbp.threads[wpid]
		if status.Exited() || status.Signaled() {
			if err := dbp.threadExited(wpid, status); err != nil {
				return nil, err
			}
			continue
		}
		if th == nil {
			// A new thread can report its initial stop before the clone event
			// of its parent.
			if status.StopSignal() == sys.SIGSTOP {
				th = &Thread{ID: wpid, dbp: dbp}
				dbp.threads[wpid] = th
				if !dbp.halting.Load() {
					if err := th.resume(); err != nil && err != sys.ESRCH {
						return nil, err
					}
				}
			}
			continue
		}
		th.running = false

		sig := status.StopSignal()
		switch {
		case sig == sys.SIGTRAP && status.TrapCause() == sys.PTRACE_EVENT_CLONE:
			if err := dbp.handleClone(wpid); err != nil {
				return nil, err
			}
			if err := th.resume(); err != nil && err != sys.ESRCH {
				return nil, fmt.Errorf("could not continue existing thread %d %s", wpid, err)
			}
		case sig == sys.SIGTRAP:
			return th, nil
		case sig == sys.SIGSTOP && wpid == dbp.pid && dbp.haltSent.Swap(false):
			// sent by RequestHalt, the next iteration stops everything else
		case dbp.halting.Load():
			th.delayedSignal = int(sig)
		default:
			if err := th.resumeWithSig(int(sig)); err != nil && err != sys.ESRCH {
				return nil, err
			}
		}
	}
}

// threadExited removes thread tid. If tid is the thread group leader the
// whole process is gone and ErrProcessExited is returned.
func (dbp *Process) threadExited(tid int, status *sys.WaitStatus) error {
	delete(dbp.threads, tid)
	if tid != dbp.pid {
		return nil
	}
	code := status.ExitStatus()
	if status.Signaled() {
		code = -int(status.Signal())
	}
	dbp.postExit()
	return proc.ErrProcessExited{Pid: tid, Status: code}
}

// handleClone attaches the thread created by thread wpid, which is
// stopped on a PTRACE_EVENT_CLONE. The caller resumes wpid.
func (dbp *Process) handleClone(wpid int) error {
	var (
		cloned uint
		err    error
	)
	dbp.execPtraceFunc(func() { cloned, err = sys.PtraceGetEventMsg(wpid) })
	if err != nil {
		if err == sys.ESRCH {
			// thread died while we were adding it
			return nil
		}
		return fmt.Errorf("could not get event message: %s", err)
	}
	tid := int(cloned)
	if _, known := dbp.threads[tid]; known {
		return nil
	}
	// New threads start with a SIGSTOP that has to be consumed before
	// they can be resumed.
	_, status, err := dbp.waitFast(tid)
	if err != nil || status.Exited() || status.Signaled() {
		return nil
	}
	th := &Thread{ID: tid, dbp: dbp}
	dbp.threads[tid] = th
	dbp.log.Debugf("new thread %d", tid)
	if dbp.halting.Load() {
		return nil
	}
	if err := th.resume(); err != nil && err != sys.ESRCH {
		return fmt.Errorf("could not continue new thread %d %s", tid, err)
	}
	return nil
}

// RequestHalt asks a concurrent or future call to Wait to stop every thread
// of the process and return ErrHalted. It is safe to call from any
// goroutine.
func (dbp *Process) RequestHalt() error {
	if dbp.halting.Swap(true) {
		return nil
	}
	dbp.haltSent.Store(true)
	if err := sys.Tgkill(dbp.pid, dbp.pid, sys.SIGSTOP); err != nil {
		dbp.haltSent.Store(false)
		if err == sys.ESRCH {
			return nil
		}
		return fmt.Errorf("halt err %s on thread %d", err, dbp.pid)
	}
	return nil
}

// stopAll stops every running thread.
func (dbp *Process) stopAll() error {
	if dbp.haltSent.Swap(false) {
		if leader, ok := dbp.threads[dbp.pid]; ok {
			leader.stopPending = true
		}
	}
	for _, th := range dbp.threads {
		if th.running && !th.stopPending {
			if err := sys.Tgkill(dbp.pid, th.ID, sys.SIGSTOP); err == nil {
				th.stopPending = true
			}
		}
	}
	for _, th := range dbp.Threads() {
		if !th.stopPending {
			continue
		}
		if !th.running {
			// The pending SIGSTOP is delivered as soon as it runs.
			if err := th.resume(); err != nil {
				th.stopPending = false
				continue
			}
		}
		if err := dbp.waitForStop(th); err != nil {
			return err
		}
	}
	return nil
}

func (dbp *Process) waitForStop(th *Thread) error {
	for {
		_, status, err := dbp.waitFast(th.ID)
		if err != nil {
			if err == sys.EINTR {
				continue
			}
			delete(dbp.threads, th.ID)
			return nil
		}
		if status.Exited() || status.Signaled() {
			return dbp.threadExited(th.ID, status)
		}
		th.running = false
		sig := status.StopSignal()
		switch {
		case sig == sys.SIGSTOP:
			th.stopPending = false
			return nil
		case sig == sys.SIGTRAP && status.TrapCause() == sys.PTRACE_EVENT_CLONE:
			if err := dbp.handleClone(th.ID); err != nil {
				return err
			}
		case sig == sys.SIGTRAP:
			// A trap hit while halting is not dispatched, the thread
			// continues past it.
		default:
			th.delayedSignal = int(sig)
		}
		if err := th.resume(); err != nil {
			return err
		}
	}
}

// ResumeAll resumes every stopped thread, delivering any signal that was
// held back while the process was stopped.
func (dbp *Process) ResumeAll() error {
	if err := dbp.valid(); err != nil {
		return err
	}
	dbp.halting.Store(false)
	for _, th := range dbp.threads {
		if th.running {
			continue
		}
		sig := th.delayedSignal
		th.delayedSignal = 0
		if err := th.resumeWithSig(sig); err != nil && err != sys.ESRCH {
			return err
		}
	}
	return nil
}

// Detach from the process. Every thread must be stopped, either because
// the process was just attached or because Wait returned ErrHalted.
func (dbp *Process) Detach() (err error) {
	if dbp.exited || dbp.detached {
		return nil
	}
	dbp.execPtraceFunc(func() {
		for _, th := range dbp.threads {
			if e := ptraceDetach(th.ID, th.delayedSignal); e != nil && e != sys.ESRCH && err == nil {
				err = e
			}
		}
	})
	dbp.detached = true
	dbp.postExit()
	dbp.log.Debugf("detached")
	return err
}

// AllocExec maps size bytes of readable, writable and executable memory in
// the target by making its thread group leader execute an mmap system
// call. The mapping is placed as close to near as the free address space
// allows. The leader must be stopped.
func (dbp *Process) AllocExec(size, near uint64) (uint64, error) {
	if err := dbp.valid(); err != nil {
		return 0, err
	}
	maps, err := ReadMappings(dbp.pid)
	if err != nil {
		return 0, err
	}
	gadget, err := dbp.findSyscallInsn(maps)
	if err != nil {
		return 0, err
	}

	th := dbp.memthread
	saved, err := th.Registers()
	if err != nil {
		return 0, err
	}
	regs := saved.Copy()
	regs.Rax = sys.SYS_MMAP
	regs.Rdi = freeGapNear(maps, near, size)
	regs.Rsi = size
	regs.Rdx = sys.PROT_READ | sys.PROT_WRITE | sys.PROT_EXEC
	regs.R10 = sys.MAP_PRIVATE | sys.MAP_ANONYMOUS
	regs.R8 = ^uint64(0)
	regs.R9 = 0
	regs.Rip = gadget
	regs.OrigRax = ^uint64(0)
	if err := th.SetRegisters(regs); err != nil {
		return 0, err
	}
	stepErr := th.singleStep()
	after, regsErr := th.Registers()
	if err := th.SetRegisters(saved); err != nil {
		return 0, err
	}
	if stepErr != nil {
		return 0, stepErr
	}
	if regsErr != nil {
		return 0, regsErr
	}
	if ret := int64(after.Rax); ret < 0 && ret > -4096 {
		return 0, fmt.Errorf("remote mmap failed: %v", syscall.Errno(-ret))
	}
	dbp.log.Debugf("mapped %#x bytes of executable memory at %#x (hint %#x)", size, after.Rax, regs.Rdi)
	return after.Rax, nil
}

// findSyscallInsn returns the address of a syscall instruction in one of
// the executable mappings of the target, preferring the vDSO.
func (dbp *Process) findSyscallInsn(maps []Mapping) (uint64, error) {
	const chunk = 0x10000
	insn := []byte{0x0f, 0x05}
	var cands []Mapping
	for _, m := range maps {
		if !m.Executable() {
			continue
		}
		if m.Path == "[vdso]" {
			cands = append([]Mapping{m}, cands...)
		} else {
			cands = append(cands, m)
		}
	}
	buf := make([]byte, chunk+1)
	for _, m := range cands {
		for addr := m.Start; addr < m.End; addr += chunk {
			n := uint64(len(buf))
			if addr+n > m.End {
				n = m.End - addr
			}
			read, _ := dbp.memthread.ReadMemory(buf[:n], addr)
			if i := bytes.Index(buf[:read], insn); i >= 0 {
				return addr + uint64(i), nil
			}
		}
	}
	return 0, fmt.Errorf("no syscall instruction found in process %d", dbp.pid)
}
