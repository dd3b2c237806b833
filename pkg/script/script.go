// Package script loads event rules written in starlark.
//
// A script registers rules by calling rule(trigger, fn). When the
// trigger matches fn is called with a context struct and may look objects
// up in the freshly rebuilt catalog and invoke native functions on them.
package script

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"

	startime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/reborn-dev/reborn/pkg/config"
	"github.com/reborn-dev/reborn/pkg/logflags"
	"github.com/reborn-dev/reborn/pkg/orchestrator"
)

const (
	ruleBuiltinName      = "rule"
	findBuiltinName      = "find"
	singletonBuiltinName = "singleton"
	settingBuiltinName   = "setting"
	invokeBuiltinName    = "invoke"
	blockBuiltinName     = "block"
	execBuiltinName      = "exec"

	contextLocal    = "reborn_context"
	activationLocal = "reborn_activation"
)

func init() {
	resolve.AllowNestedDef = true
	resolve.AllowLambda = true
	resolve.AllowFloat = true
	resolve.AllowSet = true
	resolve.AllowBitwise = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
}

// Env is the environment used to evaluate rule scripts.
type Env struct {
	env  starlark.StringDict
	conf *config.Config

	contextMu sync.Mutex
	thread    *starlark.Thread
	cancelfn  context.CancelFunc

	rules []orchestrator.EventRule

	out io.Writer
	log logflags.Logger
}

// New creates a new environment. Settings and singleton queries are taken
// from conf, print writes to out.
func New(conf *config.Config, out io.Writer) *Env {
	env := &Env{conf: conf, out: out, log: logflags.ScriptLogger()}

	starlark.Universe["time"] = startime.Module

	env.env = starlark.StringDict{
		ruleBuiltinName:      starlark.NewBuiltin(ruleBuiltinName, env.rule),
		findBuiltinName:      starlark.NewBuiltin(findBuiltinName, env.find),
		singletonBuiltinName: starlark.NewBuiltin(singletonBuiltinName, env.singleton),
		settingBuiltinName:   starlark.NewBuiltin(settingBuiltinName, env.setting),
		invokeBuiltinName:    starlark.NewBuiltin(invokeBuiltinName, env.invoke),
		blockBuiltinName:     starlark.NewBuiltin(blockBuiltinName, block),
		execBuiltinName:      starlark.NewBuiltin(execBuiltinName, env.exec),
	}
	for name, conv := range fieldConverters {
		env.env[name] = starlark.NewBuiltin(name, conv)
	}
	return env
}

// Load executes the script at path, or source when it is not nil, and
// returns the rules it registered.
func (env *Env) Load(path string, source interface{}) (_ []orchestrator.EventRule, _err error) {
	defer func() {
		err := recover()
		if err == nil {
			return
		}
		_err = fmt.Errorf("panic executing starlark script: %v", err)
		for i := 0; ; i++ {
			pc, file, line, ok := runtime.Caller(i)
			if !ok {
				break
			}
			fname := "<unknown>"
			fn := runtime.FuncForPC(pc)
			if fn != nil {
				fname = fn.Name()
			}
			env.log.Errorf("%s\n\tin %s:%d", fname, file, line)
		}
	}()

	env.rules = nil
	thread := env.newThread()
	if _, err := starlark.ExecFile(thread, path, source, env.env); err != nil {
		return nil, err
	}
	env.log.Debugf("%s: %d rules", path, len(env.rules))
	return env.rules, nil
}

// Cancel interrupts the rule that is currently running, if any.
func (env *Env) Cancel() {
	if env == nil {
		return
	}
	env.contextMu.Lock()
	if env.cancelfn != nil {
		env.cancelfn()
		env.cancelfn = nil
	}
	if env.thread != nil {
		env.thread.Cancel("user interrupt")
	}
	env.contextMu.Unlock()
}

func (env *Env) newThread() *starlark.Thread {
	thread := &starlark.Thread{
		Print: func(_ *starlark.Thread, msg string) { fmt.Fprintln(env.out, msg) },
	}
	env.contextMu.Lock()
	var ctx context.Context
	ctx, env.cancelfn = context.WithCancel(context.Background())
	env.thread = thread
	env.contextMu.Unlock()
	thread.SetLocal(contextLocal, ctx)
	return thread
}

func isCancelled(thread *starlark.Thread) error {
	if ctx, ok := thread.Local(contextLocal).(context.Context); ok {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func decorateError(thread *starlark.Thread, err error) error {
	if err == nil {
		return nil
	}
	pos := thread.CallFrame(1).Pos
	if pos.Col > 0 {
		return fmt.Errorf("%s:%d:%d: %w", pos.Filename(), pos.Line, pos.Col, err)
	}
	return fmt.Errorf("%s:%d: %w", pos.Filename(), pos.Line, err)
}

// action wraps fn as an orchestrator action.
func (env *Env) action(fn starlark.Callable) orchestrator.Action {
	return func(a *orchestrator.Activation) error {
		thread := env.newThread()
		thread.SetLocal(activationLocal, a)
		ctx := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"trigger":  starlark.String(a.Trigger),
			"object":   starlark.MakeUint64(a.Object),
			"function": starlark.MakeUint64(a.Function),
			"thread":   starlark.MakeInt(a.Thread.ThreadID()),
		})
		_, err := starlark.Call(thread, fn, starlark.Tuple{ctx}, nil)
		return err
	}
}

func activation(thread *starlark.Thread, fnname string) (*orchestrator.Activation, error) {
	a, ok := thread.Local(activationLocal).(*orchestrator.Activation)
	if !ok {
		return nil, fmt.Errorf("%s can only be called while a rule runs", fnname)
	}
	return a, nil
}
