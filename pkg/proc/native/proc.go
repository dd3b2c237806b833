//go:build linux && amd64

package native

import (
	"runtime"
	"sort"
	"sync/atomic"

	"github.com/reborn-dev/reborn/pkg/logflags"
	"github.com/reborn-dev/reborn/pkg/proc"
)

// Process represents all of the information the tracer is holding onto
// regarding the process it is attached to.
type Process struct {
	pid  int
	comm string

	// List of threads mapped as such: pid -> *Thread
	threads   map[int]*Thread
	memthread *Thread

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	// halting is set by RequestHalt, haltSent until the SIGSTOP it sent to
	// the thread group leader has been observed.
	halting  atomic.Bool
	haltSent atomic.Bool

	exited, detached bool

	log logflags.Logger
}

// newProcess returns an initialized Process struct. Before returning,
// it will also launch a goroutine in order to handle ptrace(2)
// functions. For more information, see the documentation on
// `handlePtraceFuncs`.
func newProcess(pid int) *Process {
	dbp := &Process{
		pid:            pid,
		threads:        make(map[int]*Thread),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		log:            logflags.AttachLogger().WithField("pid", pid),
	}
	go dbp.handlePtraceFuncs()
	return dbp
}

// Pid returns the process ID.
func (dbp *Process) Pid() int {
	return dbp.pid
}

// Threads returns the threads of the process, sorted by thread ID.
func (dbp *Process) Threads() []*Thread {
	r := make([]*Thread, 0, len(dbp.threads))
	for _, th := range dbp.threads {
		r = append(r, th)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r
}

// ReadMemory implements proc.MemoryReader.
func (dbp *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	if err := dbp.valid(); err != nil {
		return 0, err
	}
	return dbp.memthread.ReadMemory(buf, addr)
}

// WriteMemory implements proc.MemoryReadWriter.
func (dbp *Process) WriteMemory(addr uint64, data []byte) (int, error) {
	if err := dbp.valid(); err != nil {
		return 0, err
	}
	return dbp.memthread.WriteMemory(addr, data)
}

func (dbp *Process) valid() error {
	if dbp.detached {
		return proc.ErrProcessDetached
	}
	if dbp.exited {
		return proc.ErrProcessExited{Pid: dbp.pid}
	}
	return nil
}

// Exited reports whether the process has exited.
func (dbp *Process) Exited() bool {
	return dbp.exited
}

func (dbp *Process) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- nil
	}
}

func (dbp *Process) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}

func (dbp *Process) postExit() {
	if dbp.exited {
		return
	}
	dbp.exited = true
	close(dbp.ptraceChan)
	close(dbp.ptraceDoneChan)
}
