package orchestrator_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/reborn-dev/reborn/pkg/config"
	"github.com/reborn-dev/reborn/pkg/fncall"
	"github.com/reborn-dev/reborn/pkg/hook"
	"github.com/reborn-dev/reborn/pkg/objects"
	"github.com/reborn-dev/reborn/pkg/orchestrator"
	"github.com/reborn-dev/reborn/pkg/proc"
	"github.com/reborn-dev/reborn/pkg/proc/fake"
)

const (
	pcAddr     = 0x1000
	inputAddr  = 0x1100
	charAddr   = 0x1200
	selectAddr = 0x2000
	fovAddr    = 0x2100
	sensAddr   = 0x2200
	subsAddr   = 0x2300
	trigAddr   = 0x2400
	travelAddr = 0x2500
)

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %s\n", s, err)
	}
}

type invocation struct {
	object, function uint64
	block            []byte
}

type fakeTarget struct {
	cat         *objects.Catalog
	names       map[uint64]string
	lookups     int
	rebuilds    int
	invocations []invocation
	execs       []string
	onInvoke    func(th proc.Thread)
}

func (ft *fakeTarget) Rebuild() (*objects.Catalog, error) {
	ft.rebuilds++
	return ft.cat, nil
}

func (ft *fakeTarget) FunctionName(addr uint64) (string, error) {
	ft.lookups++
	name, ok := ft.names[addr]
	if !ok {
		return "", &objects.NameResolutionFailure{Addr: addr, Reason: "not an object"}
	}
	return name, nil
}

func (ft *fakeTarget) Invoke(th proc.Thread, object, function uint64, block []byte) ([]byte, error) {
	ft.invocations = append(ft.invocations, invocation{object, function, block})
	if ft.onInvoke != nil {
		ft.onInvoke(th)
	}
	return block, nil
}

func (ft *fakeTarget) Exec(th proc.Thread, command string) (int32, error) {
	ft.execs = append(ft.execs, command)
	return 1, nil
}

func testConfig() *config.Config {
	conf := config.Default()
	conf.Settings = config.Settings{
		config.SettingFOV:          "100",
		config.SettingSensitivityX: "0.5",
		config.SettingSensitivityY: "0.25",
		config.SettingSubtitles:    "true",
		config.SettingCharacter:    "rath",
	}
	conf.Characters = map[string]string{"rath": "CharacterDefinitions.Rath"}
	conf.Maps = map[string]string{"slums": "Slums_P"}
	conf.TravelTrigger = "PoplarPlayerController.PoplarGame.ReturnToMenu"
	return conf
}

func newTarget(conf *config.Config) *fakeTarget {
	fn := conf.Functions.FunctionClass
	objs := []*objects.Object{
		{Addr: pcAddr, Name: "PersistentLevel.TheWorld.Slums_P.PoplarPlayerController_0", Class: conf.Functions.PlayerController.Class},
		{Addr: inputAddr, Name: "PoplarPlayerController.PersistentLevel.TheWorld.Slums_P.PoplarPlayerInput", Class: conf.Functions.PlayerInput.Class},
		{Addr: charAddr, Name: "CharacterDefinitions.Rath", Class: "PoplarGame.PoplarCharacterDefinition"},
		{Addr: selectAddr, Name: conf.Functions.SelectCharacter, Class: fn},
		{Addr: fovAddr, Name: conf.Functions.SetFOV, Class: fn},
		{Addr: sensAddr, Name: conf.Functions.SetSensitivity, Class: fn},
		{Addr: subsAddr, Name: conf.Functions.SetShowSubtitles, Class: fn},
		{Addr: trigAddr, Name: conf.Trigger, Class: fn},
		{Addr: travelAddr, Name: conf.TravelTrigger, Class: fn},
	}
	for i, obj := range objs {
		obj.Index = i
	}
	ft := &fakeTarget{cat: objects.NewCatalog(objs), names: map[uint64]string{}}
	for _, obj := range objs {
		ft.names[obj.Addr] = obj.Name
	}
	for i := uint64(0); i < 4; i++ {
		ft.names[0x3000+i] = "Actor.Engine.Tick"
	}
	return ft
}

func mustEncode(t *testing.T, fields ...interface{}) []byte {
	b, err := fncall.Encode(fields...)
	assertNoError(err, t, "Encode")
	return b
}

func TestTriggerOnFifthCall(t *testing.T) {
	conf := testConfig()
	ft := newTarget(conf)
	o, err := orchestrator.New(ft, orchestrator.Rules(conf)...)
	assertNoError(err, t, "New")
	th := &fake.Thread{ID: 3}

	for i, fn := range []uint64{0x3000, 0x3001, 0x3002, 0x3003} {
		assertNoError(o.OnDispatch(th, 0x9000, fn), t, "OnDispatch")
		if ft.rebuilds != 0 || len(ft.invocations) != 0 {
			t.Fatalf("call %d acted: %d rebuilds, %d invocations", i, ft.rebuilds, len(ft.invocations))
		}
	}
	assertNoError(o.OnDispatch(th, 0x9000, trigAddr), t, "OnDispatch")

	if ft.rebuilds != 1 {
		t.Fatalf("%d rebuilds", ft.rebuilds)
	}
	want := []invocation{
		{pcAddr, selectAddr, mustEncode(t, uint64(charAddr), uint64(0), uint64(0))},
		{pcAddr, fovAddr, mustEncode(t, float32(100))},
		{inputAddr, sensAddr, mustEncode(t, float32(0.5), float32(0.25))},
		{pcAddr, subsAddr, []byte{1, 0, 0, 0}},
	}
	if len(ft.invocations) != len(want) {
		t.Fatalf("got %d invocations, want %d", len(ft.invocations), len(want))
	}
	for i := range want {
		got := ft.invocations[i]
		if got.object != want[i].object || got.function != want[i].function || !bytes.Equal(got.block, want[i].block) {
			t.Errorf("invocation %d: got %#x %#x % x, want %#x %#x % x", i, got.object, got.function, got.block, want[i].object, want[i].function, want[i].block)
		}
	}
	if calls, matches, rebuilds := o.Stats(); calls != 5 || matches != 1 || rebuilds != 1 {
		t.Fatalf("stats %d %d %d", calls, matches, rebuilds)
	}
	if o.State() != orchestrator.Idle {
		t.Fatalf("state %v after dispatch", o.State())
	}
}

func TestEveryTriggerRuns(t *testing.T) {
	conf := testConfig()
	ft := newTarget(conf)
	o, err := orchestrator.New(ft, orchestrator.Rules(conf)...)
	assertNoError(err, t, "New")
	th := &fake.Thread{ID: 3}
	for i := 0; i < 3; i++ {
		assertNoError(o.OnDispatch(th, 0, trigAddr), t, "OnDispatch")
	}
	if ft.rebuilds != 3 || len(ft.invocations) != 12 {
		t.Fatalf("%d rebuilds, %d invocations", ft.rebuilds, len(ft.invocations))
	}
	// Each rebuild purges the identity cache.
	if ft.lookups != 3 {
		t.Fatalf("%d function name lookups", ft.lookups)
	}
}

func TestIdentityCache(t *testing.T) {
	conf := testConfig()
	ft := newTarget(conf)
	o, err := orchestrator.New(ft)
	assertNoError(err, t, "New")
	th := &fake.Thread{ID: 3}
	for i := 0; i < 10; i++ {
		assertNoError(o.OnDispatch(th, 0, 0x3000), t, "OnDispatch")
	}
	if ft.lookups != 1 {
		t.Fatalf("%d lookups for one function", ft.lookups)
	}
	o.Purge()
	assertNoError(o.OnDispatch(th, 0, 0x3000), t, "OnDispatch")
	if ft.lookups != 2 {
		t.Fatalf("%d lookups after purge", ft.lookups)
	}

	// Unnamed functions are not cached and are not an error.
	for i := 0; i < 2; i++ {
		assertNoError(o.OnDispatch(th, 0, 0xbad), t, "OnDispatch")
	}
	if ft.lookups != 4 {
		t.Fatalf("%d lookups", ft.lookups)
	}
}

func TestNestedDispatchIgnored(t *testing.T) {
	conf := testConfig()
	ft := newTarget(conf)
	o, err := orchestrator.New(ft, orchestrator.Rules(conf)...)
	assertNoError(err, t, "New")
	ft.onInvoke = func(th proc.Thread) {
		if o.State() != orchestrator.Dispatching {
			t.Errorf("state %v during actions", o.State())
		}
		if err := o.OnDispatch(th, 0, trigAddr); err != nil {
			t.Error(err)
		}
	}
	assertNoError(o.OnDispatch(&fake.Thread{ID: 1}, 0, trigAddr), t, "OnDispatch")
	if ft.rebuilds != 1 || len(ft.invocations) != 4 {
		t.Fatalf("%d rebuilds, %d invocations", ft.rebuilds, len(ft.invocations))
	}
}

func TestParseFailureIsFatal(t *testing.T) {
	conf := testConfig()
	conf.Settings[config.SettingFOV] = "wide"
	ft := newTarget(conf)
	o, err := orchestrator.New(ft, orchestrator.Rules(conf)...)
	assertNoError(err, t, "New")

	err = o.OnDispatch(&fake.Thread{ID: 1}, 0, trigAddr)
	var pf *config.ParseFailure
	if !errors.As(err, &pf) || pf.Key != config.SettingFOV {
		t.Fatalf("expected parse failure on fov, got %v", err)
	}
	// The character was selected before the fov setting was parsed.
	if len(ft.invocations) != 1 {
		t.Fatalf("%d invocations", len(ft.invocations))
	}
	if o.State() != orchestrator.Idle {
		t.Fatalf("state %v after failure", o.State())
	}
}

func TestMissingSingleton(t *testing.T) {
	conf := testConfig()
	ft := newTarget(conf)
	conf.Functions.PlayerInput.Class = "PoplarGame.Missing"
	o, err := orchestrator.New(ft, orchestrator.Rules(conf)...)
	assertNoError(err, t, "New")
	err = o.OnDispatch(&fake.Thread{ID: 1}, 0, trigAddr)
	if !objects.IsNameResolutionFailure(err) {
		t.Fatalf("expected name resolution failure, got %v", err)
	}
	if len(ft.invocations) != 2 {
		t.Fatalf("%d invocations", len(ft.invocations))
	}
}

func TestTravel(t *testing.T) {
	conf := testConfig()
	ft := newTarget(conf)
	if rules := orchestrator.Rules(conf); len(rules) != 1 {
		t.Fatalf("travel rule armed without a map setting: %d rules", len(rules))
	}
	conf.Settings[config.SettingMap] = "slums"
	o, err := orchestrator.New(ft, orchestrator.Rules(conf)...)
	assertNoError(err, t, "New")
	assertNoError(o.OnDispatch(&fake.Thread{ID: 1}, 0, travelAddr), t, "OnDispatch")
	if len(ft.execs) != 1 || ft.execs[0] != "open Slums_P" || len(ft.invocations) != 0 {
		t.Fatalf("execs %q, %d invocations", ft.execs, len(ft.invocations))
	}
}

func TestHandler(t *testing.T) {
	conf := testConfig()
	ft := newTarget(conf)
	o, err := orchestrator.New(ft, orchestrator.Rules(conf)...)
	assertNoError(err, t, "New")

	// Dispatch through a hook the way the session wires it.
	mem := fake.NewMemory()
	copy(mem.Map(0x140000000, 0x100), []byte{0x48, 0x89, 0x5c, 0x24, 0x08, 0xc3})
	mem.Map(0x140100000, 0x100)
	m := hook.NewManager(mem, hook.NewCave(0x140100000, 0x100), proc.Win64)
	h, err := m.Install("ProcessEvent", 0x140000000, o.Handler())
	assertNoError(err, t, "Install")

	th := &fake.Thread{Memory: mem, ID: 1}
	th.Regs.Rip = h.Stub + 1
	th.Regs.Rcx, th.Regs.Rdx = pcAddr, trigAddr
	_, err = m.Dispatch(th)
	assertNoError(err, t, "Dispatch")
	if ft.rebuilds != 1 || len(ft.invocations) != 4 {
		t.Fatalf("%d rebuilds, %d invocations", ft.rebuilds, len(ft.invocations))
	}
}
