// Package session owns everything that lives for as long as the tracer is
// attached: the module base, the table walker, the current object catalog,
// the hooks and the invoker. A Session is the context passed to every hook
// handler and orchestrator action.
package session

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/reborn-dev/reborn/pkg/config"
	"github.com/reborn-dev/reborn/pkg/fncall"
	"github.com/reborn-dev/reborn/pkg/hook"
	"github.com/reborn-dev/reborn/pkg/logflags"
	"github.com/reborn-dev/reborn/pkg/objects"
	"github.com/reborn-dev/reborn/pkg/orchestrator"
	"github.com/reborn-dev/reborn/pkg/proc"
)

// Names of the installed hooks.
const (
	ProcessEventHook          = "ProcessEvent"
	StaticConstructObjectHook = "StaticConstructObject"
	EngineExecHook            = "EngineExec"
)

// DefaultCaveSize is the size of the executable region allocated in the
// target when no code cave is configured.
const DefaultCaveSize = 0x1000

// maxCommandLen bounds how much of an executed command is read for
// logging, in UTF-16 code units.
const maxCommandLen = 256

var errNoEngine = errors.New("no command execution seen yet, engine unknown")

// Session is the state of an attached tracer.
type Session struct {
	conf *config.Config
	mem  proc.MemoryReadWriter
	base uint64
	abi  proc.ABI

	walker  *objects.Walker
	catalog atomic.Pointer[objects.Catalog]

	hooks   *hook.Manager
	cave    *hook.Cave
	invoker *fncall.Invoker
	orch    *orchestrator.Orchestrator

	// Call context recorded by the command execution hook.
	engine       atomic.Uint64
	outputDevice atomic.Uint64
	constructed  atomic.Uint64

	log logflags.Logger
}

// New builds a session over the memory of a stopped target whose module
// is loaded at base. Hooks are installed, with stubs in cave, but not
// enabled. The catalog is built once before returning.
func New(conf *config.Config, mem proc.MemoryReadWriter, base uint64, cave *hook.Cave, extra ...orchestrator.EventRule) (*Session, error) {
	abi, err := proc.ParseABI(conf.Target.ABI)
	if err != nil {
		return nil, err
	}
	t := conf.Target
	s := &Session{
		conf: conf,
		mem:  mem,
		base: base,
		abi:  abi,
		walker: objects.NewWalker(mem,
			objects.Table{Addr: base + t.Offsets.Names, GapLimit: t.NameGapLimit},
			objects.Table{Addr: base + t.Offsets.Objects, GapLimit: t.ObjectGapLimit},
			objects.Layout(t.Layout)),
		hooks: hook.NewManager(mem, cave, abi),
		cave:  cave,
		log:   logflags.AttachLogger(),
	}

	s.orch, err = orchestrator.New(s, append(orchestrator.Rules(conf), extra...)...)
	if err != nil {
		return nil, err
	}

	retTrap, err := cave.Alloc(1)
	if err != nil {
		return nil, err
	}
	if err := proc.WriteBytes(mem, retTrap, []byte{0xcc}); err != nil {
		return nil, err
	}
	s.invoker = fncall.NewInvoker(abi, retTrap)
	s.invoker.OnTrap = s.nestedTrap

	if _, err := s.Rebuild(); err != nil {
		return nil, err
	}
	s.log.Infof("catalog: %d objects", s.Catalog().Len())

	if err := s.installHooks(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) installHooks() error {
	o := s.conf.Target.Offsets
	pe, err := s.hooks.Install(ProcessEventHook, s.base+o.ProcessEvent, s.orch.Handler())
	if err != nil {
		return err
	}
	s.invoker.DispatchAddr = pe.Trampoline

	if o.StaticConstructObject != 0 {
		if _, err := s.hooks.Install(StaticConstructObjectHook, s.base+o.StaticConstructObject, s.onConstruct); err != nil {
			return err
		}
	}
	if o.EngineExec != 0 {
		h, err := s.hooks.Install(EngineExecHook, s.base+o.EngineExec, s.onEngineExec)
		if err != nil {
			return err
		}
		s.invoker.ExecAddr = h.Trampoline
	}
	return nil
}

// onConstruct counts object constructions. The first argument is the class
// of the new object.
func (s *Session) onConstruct(c *hook.Call) error {
	s.constructed.Add(1)
	if !logflags.Hook() {
		return nil
	}
	class, err := c.Arg(0)
	if err != nil {
		return err
	}
	name, err := s.walker.FunctionName(class)
	if err != nil {
		name = fmt.Sprintf("%#x", class)
	}
	logflags.HookLogger().Debugf("thread %d constructs %s", c.Thread.ThreadID(), name)
	return nil
}

// onEngineExec records the engine object and output device of the command
// being executed, needed to execute commands of our own.
func (s *Session) onEngineExec(c *hook.Call) error {
	args, err := c.Args(3)
	if err != nil {
		return err
	}
	s.engine.Store(args[0])
	s.outputDevice.Store(args[2])
	if logflags.Hook() {
		cmd, err := proc.ReadWideString(s.mem, args[1], maxCommandLen)
		if err != nil {
			return err
		}
		logflags.HookLogger().Debugf("engine %#x executes %q", args[0], cmd)
	}
	return nil
}

// nestedTrap dispatches hooks hit by the target while it runs an injected
// call.
func (s *Session) nestedTrap(th proc.Thread, pc uint64) (bool, error) {
	if _, ok := s.hooks.Lookup(pc); !ok {
		return false, nil
	}
	_, err := s.hooks.Dispatch(th)
	return true, err
}

// Rebuild walks the object table and makes the result the current
// catalog.
func (s *Session) Rebuild() (*objects.Catalog, error) {
	cat, err := s.walker.Build()
	if err != nil {
		return nil, err
	}
	s.catalog.Store(cat)
	if s.orch != nil {
		s.orch.Purge()
	}
	return cat, nil
}

// FunctionName returns the qualified name of the object at addr.
func (s *Session) FunctionName(addr uint64) (string, error) {
	return s.walker.FunctionName(addr)
}

// Invoke dispatches function on object through the original dispatch
// function.
func (s *Session) Invoke(th proc.Thread, object, function uint64, block []byte) ([]byte, error) {
	out, _, err := s.invoker.Invoke(th, object, function, block)
	return out, err
}

// Exec executes command on the engine that last executed a command.
func (s *Session) Exec(th proc.Thread, command string) (int32, error) {
	engine := s.engine.Load()
	if engine == 0 {
		return 0, errNoEngine
	}
	return s.invoker.Exec(th, engine, command, s.outputDevice.Load())
}

// Catalog returns the current catalog. It stays valid, as a snapshot, after
// a rebuild replaces it.
func (s *Session) Catalog() *objects.Catalog {
	return s.catalog.Load()
}

// Hooks returns the installed hooks.
func (s *Session) Hooks() *hook.Manager {
	return s.hooks
}

// Status is a summary of the session for the console.
type Status struct {
	Base         uint64
	Objects      int
	Calls        uint64
	Triggers     uint64
	Rebuilds     uint64
	Constructed  uint64
	Engine       uint64
	Orchestrator orchestrator.State
	Rules        int
	CaveUsed     uint64
}

// Status returns a summary of the session.
func (s *Session) Status() Status {
	calls, triggers, rebuilds := s.orch.Stats()
	st := Status{
		Base:         s.base,
		Calls:        calls,
		Triggers:     triggers,
		Rebuilds:     rebuilds,
		Constructed:  s.constructed.Load(),
		Engine:       s.engine.Load(),
		Orchestrator: s.orch.State(),
		Rules:        len(s.orch.Rules()),
		CaveUsed:     s.cave.Used(),
	}
	if cat := s.Catalog(); cat != nil {
		st.Objects = cat.Len()
	}
	return st
}
