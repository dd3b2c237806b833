package script_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/reborn-dev/reborn/pkg/config"
	"github.com/reborn-dev/reborn/pkg/objects"
	"github.com/reborn-dev/reborn/pkg/orchestrator"
	"github.com/reborn-dev/reborn/pkg/proc"
	"github.com/reborn-dev/reborn/pkg/proc/fake"
	"github.com/reborn-dev/reborn/pkg/script"
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
	invocations []invocation
	execs       []string
}

func (ft *fakeTarget) Rebuild() (*objects.Catalog, error) { return ft.cat, nil }

func (ft *fakeTarget) FunctionName(addr uint64) (string, error) {
	if obj := ft.cat.FindByAddress(addr); obj != nil {
		return obj.Name, nil
	}
	return "", &objects.NameResolutionFailure{Addr: addr}
}

func (ft *fakeTarget) Invoke(th proc.Thread, object, function uint64, block []byte) ([]byte, error) {
	ft.invocations = append(ft.invocations, invocation{object, function, block})
	return block, nil
}

func (ft *fakeTarget) Exec(th proc.Thread, command string) (int32, error) {
	ft.execs = append(ft.execs, command)
	return 1, nil
}

const rules = `
def on_restart(ctx):
    pc = singleton("player-controller")
    if pc == None:
        fail("no player controller")
    invoke(pc, "PlayerController.Engine.FOV", block(f32(float(setting("fov")))))
    invoke(pc.addr, find("PlayerController.Engine.SetShowSubtitles").addr, block(ubool(True), u8(7), u64(ctx.object), ptr(pc)))
    print("restart", ctx.trigger)

def on_menu(ctx):
    exec("open " + setting("map"))

rule("PlayerController.Engine.ClientRestart", on_restart)
rule("PoplarPlayerController.PoplarGame.ReturnToMenu", on_menu, name = "menu")
`

func newEnv(t *testing.T) (*script.Env, *config.Config, *fakeTarget, *bytes.Buffer) {
	conf := config.Default()
	conf.Settings = config.Settings{config.SettingFOV: "110", config.SettingMap: "Slums_P"}
	fn := conf.Functions.FunctionClass
	objs := []*objects.Object{
		{Index: 0, Addr: 0x1000, Name: "PersistentLevel.TheWorld.PoplarPlayerController_0", Class: conf.Functions.PlayerController.Class},
		{Index: 1, Addr: 0x2000, Name: conf.Functions.SetFOV, Class: fn},
		{Index: 2, Addr: 0x2100, Name: conf.Functions.SetShowSubtitles, Class: fn},
		{Index: 3, Addr: 0x2200, Name: conf.Trigger, Class: fn},
		{Index: 4, Addr: 0x2300, Name: "PoplarPlayerController.PoplarGame.ReturnToMenu", Class: fn},
	}
	ft := &fakeTarget{cat: objects.NewCatalog(objs)}
	out := new(bytes.Buffer)
	return script.New(conf, out), conf, ft, out
}

func TestRules(t *testing.T) {
	env, _, ft, out := newEnv(t)
	rs, err := env.Load("rules.star", rules)
	assertNoError(err, t, "Load")
	if len(rs) != 2 || rs[0].Name != "on_restart" || rs[1].Name != "menu" {
		t.Fatalf("unexpected rules %v", rs)
	}

	o, err := orchestrator.New(ft, rs...)
	assertNoError(err, t, "New")
	th := &fake.Thread{ID: 1}
	assertNoError(o.OnDispatch(th, 0xabc, 0x2200), t, "OnDispatch")

	if len(ft.invocations) != 2 {
		t.Fatalf("%d invocations", len(ft.invocations))
	}
	fov := ft.invocations[0]
	if fov.object != 0x1000 || fov.function != 0x2000 || !bytes.Equal(fov.block, []byte{0, 0, 0xdc, 0x42}) {
		t.Fatalf("fov invocation %#x %#x % x", fov.object, fov.function, fov.block)
	}
	subs := ft.invocations[1]
	want := []byte{
		1, 0, 0, 0,
		7,
		0xbc, 0x0a, 0, 0, 0, 0, 0, 0,
		0x00, 0x10, 0, 0, 0, 0, 0, 0,
	}
	if subs.function != 0x2100 || !bytes.Equal(subs.block, want) {
		t.Fatalf("subtitle invocation %#x % x", subs.function, subs.block)
	}
	if !strings.Contains(out.String(), "restart "+"PlayerController.Engine.ClientRestart") {
		t.Fatalf("print output %q", out.String())
	}

	assertNoError(o.OnDispatch(th, 0, 0x2300), t, "OnDispatch")
	if len(ft.execs) != 1 || ft.execs[0] != "open Slums_P" {
		t.Fatalf("execs %q", ft.execs)
	}
}

func TestScriptErrors(t *testing.T) {
	for _, tc := range []struct {
		name, src, want string
	}{
		{"outside rule", `find("Core")`, "can only be called while a rule runs"},
		{"syntax", `rule(`, "bad.star:1"},
		{"range", `u8(256)`, "out of range"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env, _, _, _ := newEnv(t)
			_, err := env.Load("bad.star", tc.src)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestRuleErrorStopsAction(t *testing.T) {
	env, conf, ft, _ := newEnv(t)
	rs, err := env.Load("rules.star", `
def bad(ctx):
    invoke(singleton("camera"), "Nope.Nope", block())
rule("`+conf.Trigger+`", bad)
`)
	assertNoError(err, t, "Load")
	o, err := orchestrator.New(ft, rs...)
	assertNoError(err, t, "New")
	if err := o.OnDispatch(&fake.Thread{ID: 1}, 0, 0x2200); err == nil || !strings.Contains(err.Error(), "no object") {
		t.Fatalf("expected error, got %v", err)
	}
	if len(ft.invocations) != 0 {
		t.Fatalf("%d invocations", len(ft.invocations))
	}
}
