package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/reborn-dev/reborn/pkg/config"
	"github.com/reborn-dev/reborn/pkg/hook"
	"github.com/reborn-dev/reborn/pkg/logflags"
	"github.com/reborn-dev/reborn/pkg/orchestrator"
	"github.com/reborn-dev/reborn/pkg/proc"
	"github.com/reborn-dev/reborn/pkg/proc/native"
)

var errNotAttached = errors.New("session is not attached to a process")

// Attached is a session on a process traced with the native backend.
type Attached struct {
	*Session
	p *native.Process
}

// Locate waits until the target executable runs and its module is mapped.
// When pid is not zero that process is used instead of searching one by
// name. Waiting only ends when ctx is cancelled.
func Locate(ctx context.Context, conf *config.Config, pid int) (int, native.Module, error) {
	log := logflags.AttachLogger()
	t := conf.Target
	if pid == 0 {
		log.Infof("waiting for %s", t.Executable)
		var err error
		pid, err = native.WaitForProcess(ctx, t.Executable, t.PollInterval)
		if err != nil {
			return 0, native.Module{}, err
		}
	}
	mod, err := native.WaitForModule(ctx, pid, t.Executable, t.PollInterval)
	if err != nil {
		return 0, native.Module{}, err
	}
	log.Infof("%s loaded at %#x in process %d", mod.Name, mod.Base, pid)
	return pid, mod, nil
}

// Attach locates the target, attaches to it, builds the catalog and
// installs and enables the hooks. Every thread of the target is left
// stopped until Run is called.
func Attach(ctx context.Context, conf *config.Config, pid int, extra ...orchestrator.EventRule) (*Attached, error) {
	pid, mod, err := Locate(ctx, conf, pid)
	if err != nil {
		return nil, err
	}
	p, err := native.Attach(pid)
	if err != nil {
		return nil, err
	}
	a, err := setup(conf, p, mod, extra)
	if err != nil {
		p.Detach()
		return nil, err
	}
	return a, nil
}

func setup(conf *config.Config, p *native.Process, mod native.Module, extra []orchestrator.EventRule) (*Attached, error) {
	var cave *hook.Cave
	o := conf.Target.Offsets
	if o.CodeCave != 0 {
		size := o.CodeCaveSize
		if size == 0 {
			size = DefaultCaveSize
		}
		cave = hook.NewCave(mod.Base+o.CodeCave, size)
	} else {
		addr, err := p.AllocExec(DefaultCaveSize, mod.Base)
		if err != nil {
			return nil, fmt.Errorf("could not allocate code cave: %w", err)
		}
		cave = hook.NewCave(addr, DefaultCaveSize)
	}
	logflags.HookLogger().Debugf("code cave at %#x (%d bytes)", cave.Addr, cave.Size)

	s, err := New(conf, p, mod.Base, cave, extra...)
	if err != nil {
		return nil, err
	}
	threads := p.Threads()
	stopped := make([]proc.Thread, len(threads))
	for i, th := range threads {
		stopped[i] = th
	}
	if err := s.hooks.EnableAll(stopped...); err != nil {
		return nil, err
	}
	return &Attached{Session: s, p: p}, nil
}

// Pid returns the process id of the target.
func (a *Attached) Pid() int {
	return a.p.Pid()
}

// Run resumes the target and dispatches the hooks it hits until ctx is
// cancelled, the target exits or a handler fails. Before returning the
// hooks are released and the tracer detaches, leaving the target running.
func (a *Attached) Run(ctx context.Context) error {
	if a == nil || a.p == nil {
		return errNotAttached
	}
	if err := a.p.ResumeAll(); err != nil {
		return err
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			if err := a.p.RequestHalt(); err != nil {
				a.log.Errorf("could not halt: %v", err)
			}
		case <-stop:
		}
	}()

	for {
		th, err := a.p.Wait()
		if err != nil {
			if errors.Is(err, native.ErrHalted) {
				a.log.Infof("detaching")
				return a.detach()
			}
			var pe proc.ErrProcessExited
			if errors.As(err, &pe) {
				return err
			}
			return a.abort(err)
		}
		h, err := a.hooks.Dispatch(th)
		if err != nil {
			if h != nil {
				err = fmt.Errorf("%s: %w", h.Name, err)
			}
			return a.abort(err)
		}
		if h == nil {
			// Not one of ours, the target gets the signal it would have
			// received without a tracer.
			err = th.ForwardTrap()
		} else {
			err = th.Continue()
		}
		if err != nil {
			return a.abort(err)
		}
	}
}

// abort stops the target, detaches and returns cause.
func (a *Attached) abort(cause error) error {
	a.log.Errorf("stopping: %v", cause)
	if a.p.Exited() {
		return cause
	}
	if err := a.p.RequestHalt(); err != nil {
		a.log.Errorf("could not halt: %v", err)
		return cause
	}
	if _, err := a.p.Wait(); !errors.Is(err, native.ErrHalted) {
		a.log.Errorf("could not stop every thread: %v", err)
		return cause
	}
	if err := a.detach(); err != nil {
		a.log.Errorf("could not detach: %v", err)
	}
	return cause
}

func (a *Attached) detach() error {
	if err := a.hooks.Release(); err != nil {
		return err
	}
	return a.p.Detach()
}
