// Package orchestrator runs actions when the target dispatches a
// function with a given qualified name.
//
// Every call intercepted on the dispatch function is identified by the
// qualified name of the function object it dispatches. When that name is
// the trigger of one or more rules the orchestrator rebuilds the object
// catalog, since whatever the trigger announces (a level change, a
// respawn) invalidates the previous snapshot, and runs the rules' actions
// in order on the intercepted thread. The original function runs once
// the handler returns.
package orchestrator

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/reborn-dev/reborn/pkg/fncall"
	"github.com/reborn-dev/reborn/pkg/hook"
	"github.com/reborn-dev/reborn/pkg/logflags"
	"github.com/reborn-dev/reborn/pkg/objects"
	"github.com/reborn-dev/reborn/pkg/proc"
)

// State is the state of the orchestrator.
type State int32

const (
	// Idle waits for a trigger.
	Idle State = iota
	// Dispatching is running the actions of a trigger. Dispatch calls
	// intercepted in this state, including the ones made by the actions
	// themselves, are not evaluated.
	Dispatching
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dispatching:
		return "dispatching"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// DefaultCacheSize is the number of function identities remembered between
// two catalog rebuilds.
const DefaultCacheSize = 4096

// Target is the attached process as the orchestrator and its actions see
// it.
type Target interface {
	// Rebuild walks the object table again and makes the result the
	// current catalog.
	Rebuild() (*objects.Catalog, error)
	// FunctionName returns the qualified name of the function object at
	// addr.
	FunctionName(addr uint64) (string, error)
	// Invoke dispatches function on object with a parameter block, on th.
	// It returns the block as the function left it.
	Invoke(th proc.Thread, object, function uint64, block []byte) ([]byte, error)
	// Exec runs a console command on th.
	Exec(th proc.Thread, command string) (int32, error)
}

// Activation is passed to the action of a rule whose trigger matched.
type Activation struct {
	Target  Target
	Thread  proc.Thread
	Catalog *objects.Catalog
	// Trigger is the qualified name that matched, Object and Function the
	// arguments of the intercepted dispatch call.
	Trigger  string
	Object   uint64
	Function uint64
}

// Invoke finds function by qualified name among objects of class
// functionClass and dispatches it on object with a block built from
// fields.
func (a *Activation) Invoke(object uint64, function, functionClass string, fields ...interface{}) ([]byte, error) {
	fn, err := a.Catalog.MustFindByName(function, functionClass)
	if err != nil {
		return nil, err
	}
	block, err := fncall.Encode(fields...)
	if err != nil {
		return nil, err
	}
	return a.Target.Invoke(a.Thread, object, fn.Addr, block)
}

// Action is run when the trigger of its rule matches. An error stops the
// session.
type Action func(a *Activation) error

// EventRule associates an action to the qualified name of a dispatched
// function.
type EventRule struct {
	Name    string
	Trigger string
	Action  Action
}

// Orchestrator evaluates rules against intercepted dispatch calls.
type Orchestrator struct {
	target Target

	mu    sync.Mutex
	rules []EventRule

	// identities caches function names by address. It is purged every time
	// the catalog is rebuilt.
	identities *lru.Cache

	state    atomic.Int32
	calls    atomic.Uint64
	matches  atomic.Uint64
	rebuilds atomic.Uint64

	log logflags.Logger
}

// New returns an orchestrator acting on target.
func New(target Target, rules ...EventRule) (*Orchestrator, error) {
	cache, err := lru.New(DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		target:     target,
		identities: cache,
		log:        logflags.OrchestratorLogger(),
	}
	for _, r := range rules {
		o.AddRule(r)
	}
	return o, nil
}

// AddRule appends r. Rules with the same trigger run in the order they
// were added.
func (o *Orchestrator) AddRule(r EventRule) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rules = append(o.rules, r)
	o.log.Debugf("rule %q on %s", r.Name, r.Trigger)
}

// Rules returns the registered rules.
func (o *Orchestrator) Rules() []EventRule {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]EventRule(nil), o.rules...)
}

func (o *Orchestrator) matching(name string) []EventRule {
	o.mu.Lock()
	defer o.mu.Unlock()
	var r []EventRule
	for _, rule := range o.rules {
		if rule.Trigger == name {
			r = append(r, rule)
		}
	}
	return r
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Stats returns the number of evaluated dispatch calls, matched triggers
// and catalog rebuilds.
func (o *Orchestrator) Stats() (calls, matches, rebuilds uint64) {
	return o.calls.Load(), o.matches.Load(), o.rebuilds.Load()
}

// Purge forgets every cached function identity. It must be called when
// the catalog is rebuilt outside of the orchestrator.
func (o *Orchestrator) Purge() {
	o.identities.Purge()
}

// identify returns the qualified name of function. Functions that can not
// be named are reported with ok false and are not cached.
func (o *Orchestrator) identify(function uint64) (name string, ok bool, err error) {
	if v, hit := o.identities.Get(function); hit {
		return v.(string), true, nil
	}
	name, err = o.target.FunctionName(function)
	if err != nil {
		if objects.IsNameResolutionFailure(err) {
			o.log.Debugf("function %#x: %v", function, err)
			return "", false, nil
		}
		return "", false, err
	}
	o.identities.Add(function, name)
	return name, true, nil
}

// OnDispatch evaluates an intercepted call of the dispatch function,
// stopped on thread th at the entry of the function.
func (o *Orchestrator) OnDispatch(th proc.Thread, object, function uint64) error {
	if o.State() != Idle {
		return nil
	}
	o.calls.Add(1)
	name, ok, err := o.identify(function)
	if err != nil || !ok {
		return err
	}
	rules := o.matching(name)
	if len(rules) == 0 {
		return nil
	}
	if !o.state.CompareAndSwap(int32(Idle), int32(Dispatching)) {
		return nil
	}
	defer o.state.Store(int32(Idle))
	o.matches.Add(1)
	o.log.Infof("trigger %s on object %#x (thread %d)", name, object, th.ThreadID())

	cat, err := o.target.Rebuild()
	o.rebuilds.Add(1)
	o.Purge()
	if err != nil {
		return fmt.Errorf("rebuilding catalog after %s: %w", name, err)
	}
	o.log.Debugf("catalog rebuilt, %d objects", cat.Len())

	a := &Activation{
		Target:   o.target,
		Thread:   th,
		Catalog:  cat,
		Trigger:  name,
		Object:   object,
		Function: function,
	}
	for _, r := range rules {
		o.log.Debugf("running %s", r.Name)
		if err := r.Action(a); err != nil {
			return fmt.Errorf("%s: %w", r.Name, err)
		}
	}
	return nil
}

// Handler returns the handler of the dispatch hook.
func (o *Orchestrator) Handler() hook.Handler {
	return func(c *hook.Call) error {
		args, err := c.Args(2)
		if err != nil {
			return err
		}
		return o.OnDispatch(c.Thread, args[0], args[1])
	}
}
