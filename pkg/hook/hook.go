// Package hook intercepts native functions of the target.
//
// Installing a hook on a function copies the first instructions of the
// function into a trampoline in a code cave, followed by a jump back to the
// rest of the function. The function entry is then patched to jump to a
// stub, also in the cave, made of a breakpoint instruction followed by a
// jump to the trampoline. A thread calling the function stops on the
// breakpoint, the tracer runs the hook's handler, and once the thread is
// resumed it executes the original function through the trampoline.
package hook

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/reborn-dev/reborn/pkg/logflags"
	"github.com/reborn-dev/reborn/pkg/proc"
)

var (
	// ErrAlreadyHooked is the reason of an InstallFailure on an address
	// that already has a hook.
	ErrAlreadyHooked = errors.New("address already hooked")
	// ErrNotRelocatable is the reason of an InstallFailure on code whose
	// first instructions can not be moved to a trampoline.
	ErrNotRelocatable = errors.New("prologue can not be relocated")
	// ErrCaveExhausted is returned when the code cave has no room left.
	ErrCaveExhausted = errors.New("code cave exhausted")
	// ErrThreadInPrologue is returned by EnableAll when a stopped thread is
	// executing the instructions a patch would overwrite.
	ErrThreadInPrologue = errors.New("thread stopped inside a patched prologue")
)

// InstallFailure is returned when a hook can not be installed or enabled.
type InstallFailure struct {
	Name   string
	Addr   uint64
	Reason error
}

func (e *InstallFailure) Error() string {
	return fmt.Sprintf("could not hook %s at %#x: %v", e.Name, e.Addr, e.Reason)
}

func (e *InstallFailure) Unwrap() error {
	return e.Reason
}

// Handler runs in the tracer every time a thread calls a hooked function,
// before the original function executes.
type Handler func(*Call) error

// Hook is an installed hook.
type Hook struct {
	Name string
	// Target is the entry point of the hooked function.
	Target uint64
	// Stub is the address control is redirected to: a breakpoint followed
	// by a jump to Trampoline.
	Stub uint64
	// Trampoline executes the original function.
	Trampoline uint64
	Enabled    bool
	Handler    Handler

	stolen []byte
	patch  []byte
	hits   atomic.Uint64
}

// Hits returns the number of intercepted calls.
func (h *Hook) Hits() uint64 {
	return h.hits.Load()
}

// covers reports whether pc is inside the instructions overwritten by the
// patch, past the first one.
func (h *Hook) covers(pc uint64) bool {
	return pc > h.Target && pc < h.Target+uint64(len(h.patch))
}

func (h *Hook) String() string {
	state := "disabled"
	if h.Enabled {
		state = "enabled"
	}
	return fmt.Sprintf("%s at %#x (stub %#x, trampoline %#x, %s, %d hits)", h.Name, h.Target, h.Stub, h.Trampoline, state, h.Hits())
}

// Call is an intercepted call, passed to handlers.
type Call struct {
	Hook   *Hook
	Thread proc.Thread
	// Regs are the registers of the thread at the breakpoint, the
	// arguments of the call are where the calling convention puts them at
	// function entry.
	Regs *proc.Registers

	abi proc.ABI
}

// Args returns the first n integer arguments of the call.
func (c *Call) Args(n int) ([]uint64, error) {
	// Regs.Rip is past the breakpoint but nothing else moved since the
	// function was entered.
	return c.abi.Args(c.Thread, c.Regs, n)
}

// Arg returns integer argument i.
func (c *Call) Arg(i int) (uint64, error) {
	args, err := c.Args(i + 1)
	if err != nil {
		return 0, err
	}
	return args[i], nil
}

// Manager installs hooks and dispatches the calls they intercept.
type Manager struct {
	mem  proc.MemoryReadWriter
	cave *Cave
	abi  proc.ABI

	hooks    []*Hook
	byTarget map[uint64]*Hook
	byStub   map[uint64]*Hook

	log logflags.Logger
}

// NewManager returns a manager that places stubs and trampolines in cave.
func NewManager(mem proc.MemoryReadWriter, cave *Cave, abi proc.ABI) *Manager {
	return &Manager{
		mem:      mem,
		cave:     cave,
		abi:      abi,
		byTarget: make(map[uint64]*Hook),
		byStub:   make(map[uint64]*Hook),
		log:      logflags.HookLogger(),
	}
}

// Install prepares a hook on the function at target. The stub and the
// trampoline are written to the cave immediately, the function itself is
// only patched by EnableAll.
func (m *Manager) Install(name string, target uint64, handler Handler) (*Hook, error) {
	fail := func(reason error) (*Hook, error) {
		return nil, &InstallFailure{Name: name, Addr: target, Reason: reason}
	}
	if _, ok := m.byTarget[target]; ok {
		return fail(ErrAlreadyHooked)
	}
	for _, h := range m.hooks {
		if h.covers(target) {
			return fail(ErrAlreadyHooked)
		}
	}

	stub := m.cave.next()
	patch := jmp(target, stub)

	code, err := proc.ReadBytes(m.mem, target, maxPrologue)
	if err != nil {
		return fail(err)
	}
	n, err := stealLen(code, len(patch))
	if err != nil {
		return fail(err)
	}
	stolen := code[:n]
	for len(patch) < n {
		patch = append(patch, nop)
	}
	for _, h := range m.hooks {
		if h.Target > target && h.Target < target+uint64(n) {
			return fail(fmt.Errorf("%w: patch overwrites %s at %#x", ErrAlreadyHooked, h.Name, h.Target))
		}
	}

	mark := m.cave.used
	if _, err := m.cave.Alloc(stubSize); err != nil {
		return fail(err)
	}
	tramp, err := m.cave.Alloc(uint64(n) + absJmpLen)
	if err != nil {
		m.cave.used = mark
		return fail(err)
	}
	trampCode := append(append([]byte{}, stolen...), jmp(tramp+uint64(n), target+uint64(n))...)
	stubCode := append([]byte{int3}, jmp(stub+1, tramp)...)

	if err := proc.WriteBytes(m.mem, tramp, trampCode); err != nil {
		return fail(err)
	}
	if err := proc.WriteBytes(m.mem, stub, stubCode); err != nil {
		return fail(err)
	}

	h := &Hook{
		Name:       name,
		Target:     target,
		Stub:       stub,
		Trampoline: tramp,
		Handler:    handler,
		stolen:     stolen,
		patch:      patch,
	}
	m.hooks = append(m.hooks, h)
	m.byTarget[target] = h
	m.byStub[stub] = h
	m.log.Debugf("installed %s: target %#x stub %#x trampoline %#x (%d bytes relocated)", name, target, stub, tramp, n)
	return h, nil
}

// EnableAll patches the entry of every installed hook that is not enabled
// yet. Every thread of the target must be stopped, stopped lists them so
// that no thread is left executing an instruction that gets overwritten.
func (m *Manager) EnableAll(stopped ...proc.Thread) error {
	for _, th := range stopped {
		regs, err := th.Registers()
		if err != nil {
			return err
		}
		for _, h := range m.hooks {
			if !h.Enabled && h.covers(regs.PC()) {
				return &InstallFailure{Name: h.Name, Addr: h.Target, Reason: fmt.Errorf("%w (thread %d at %#x)", ErrThreadInPrologue, th.ThreadID(), regs.PC())}
			}
		}
	}
	for _, h := range m.hooks {
		if h.Enabled {
			continue
		}
		if err := proc.WriteBytes(m.mem, h.Target, h.patch); err != nil {
			return &InstallFailure{Name: h.Name, Addr: h.Target, Reason: err}
		}
		h.Enabled = true
		m.log.Debugf("enabled %s", h.Name)
	}
	return nil
}

// Release turns every stub into a plain jump to its trampoline, so that
// hooked functions keep working once the tracer is gone. Hooks stay
// installed but no longer stop the target.
func (m *Manager) Release() error {
	for _, h := range m.hooks {
		if err := proc.WriteBytes(m.mem, h.Stub, []byte{nop}); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the hook whose breakpoint a thread that stopped with
// program counter pc executed.
func (m *Manager) Lookup(pc uint64) (*Hook, bool) {
	h, ok := m.byStub[pc-1]
	return h, ok
}

// Dispatch runs the handler of the hook th stopped on. It returns nil if
// th did not stop on a hook breakpoint. The thread is left where it
// stopped, resuming it runs the original function.
func (m *Manager) Dispatch(th proc.Thread) (*Hook, error) {
	regs, err := th.Registers()
	if err != nil {
		return nil, err
	}
	h, ok := m.Lookup(regs.PC())
	if !ok {
		return nil, nil
	}
	h.hits.Add(1)
	if h.Handler == nil {
		return h, nil
	}
	return h, h.Handler(&Call{Hook: h, Thread: th, Regs: regs, abi: m.abi})
}

// Hooks returns the installed hooks, sorted by target address.
func (m *Manager) Hooks() []*Hook {
	r := make([]*Hook, len(m.hooks))
	copy(r, m.hooks)
	sort.Slice(r, func(i, j int) bool { return r[i].Target < r[j].Target })
	return r
}

// Hook returns the hook called name.
func (m *Manager) Hook(name string) (*Hook, bool) {
	for _, h := range m.hooks {
		if h.Name == name {
			return h, true
		}
	}
	return nil, false
}
