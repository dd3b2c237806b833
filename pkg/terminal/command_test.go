package terminal

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/reborn-dev/reborn/pkg/config"
	"github.com/reborn-dev/reborn/pkg/hook"
	"github.com/reborn-dev/reborn/pkg/objects"
	"github.com/reborn-dev/reborn/pkg/orchestrator"
	"github.com/reborn-dev/reborn/pkg/proc"
	"github.com/reborn-dev/reborn/pkg/proc/fake"
	"github.com/reborn-dev/reborn/pkg/session"
)

type fakeTarget struct {
	cat      *objects.Catalog
	hooks    *hook.Manager
	rebuilds int
}

func (ft *fakeTarget) Catalog() *objects.Catalog { return ft.cat }
func (ft *fakeTarget) Hooks() *hook.Manager      { return ft.hooks }

func (ft *fakeTarget) Rebuild() (*objects.Catalog, error) {
	ft.rebuilds++
	return ft.cat, nil
}

func (ft *fakeTarget) Status() session.Status {
	return session.Status{Base: 0x140000000, Objects: ft.cat.Len(), Calls: 12, Triggers: 1, Rebuilds: 1, Orchestrator: orchestrator.Idle, Rules: 1, CaveUsed: 0x20}
}

type FakeTerminal struct {
	*Term
	target *fakeTarget
	out    *bytes.Buffer
	t      testing.TB
}

func newFakeTerminal(t testing.TB) *FakeTerminal {
	conf := config.Default()
	conf.Settings = config.Settings{config.SettingFOV: "110", config.SettingCharacter: "rath"}
	fn := conf.Functions.FunctionClass
	objs := []*objects.Object{
		{Addr: 0x1000, Name: "PersistentLevel.TheWorld.PoplarPlayerController_0", Class: conf.Functions.PlayerController.Class},
		{Addr: 0x2000, Name: conf.Functions.SetFOV, Class: fn},
		{Addr: 0x2100, Name: conf.Functions.SetShowSubtitles, Class: fn},
		{Addr: 0x2200, Name: "PlayerController.Engine.SetName", Class: fn},
		{Addr: 0x3000, Name: "PlayerController", Class: "Core.Class"},
	}
	for i, obj := range objs {
		obj.Index = i
	}

	mem := fake.NewMemory()
	copy(mem.Map(0x140000000, 0x100), []byte{0x48, 0x89, 0x5c, 0x24, 0x08, 0xc3})
	mem.Map(0x140100000, 0x100)
	m := hook.NewManager(mem, hook.NewCave(0x140100000, 0x100), proc.Win64)
	if _, err := m.Install(session.ProcessEventHook, 0x140000000, nil); err != nil {
		t.Fatalf("Install: %v", err)
	}

	ft := &fakeTarget{cat: objects.NewCatalog(objs), hooks: m}
	out := new(bytes.Buffer)
	term := &Term{target: ft, conf: conf, cmds: DebugCommands(), dumb: true, stdout: out}
	return &FakeTerminal{Term: term, target: ft, out: out, t: t}
}

func (ft *FakeTerminal) Exec(cmdstr string) (string, error) {
	ft.out.Reset()
	err := ft.cmds.Call(cmdstr, ft.Term)
	return ft.out.String(), err
}

func (ft *FakeTerminal) AssertExec(cmdstr, want string) {
	ft.t.Helper()
	out, err := ft.Exec(cmdstr)
	if err != nil {
		ft.t.Fatalf("Error executing <%s>: %v", cmdstr, err)
	}
	if !strings.Contains(out, want) {
		ft.t.Fatalf("output of <%s> does not contain %q:\n%s", cmdstr, want, out)
	}
}

func (ft *FakeTerminal) AssertExecError(cmdstr, want string) {
	ft.t.Helper()
	_, err := ft.Exec(cmdstr)
	if err == nil || !strings.Contains(err.Error(), want) {
		ft.t.Fatalf("expected error containing %q from <%s>, got %v", want, cmdstr, err)
	}
}

func TestCommandDefault(t *testing.T) {
	var (
		cmds = Commands{}
		cmd  = cmds.Find("non-existant-command")
	)

	err := cmd(nil, "")
	if err == nil {
		t.Fatal("cmd() did not default")
	}

	if err.Error() != "command not available" {
		t.Fatal("wrong command output")
	}
}

func TestFind(t *testing.T) {
	term := newFakeTerminal(t)
	term.AssertExec("find PlayerController.Engine.FOV", "[2000] [Core.Function] PlayerController.Engine.FOV")
	term.AssertExec("f PlayerController Core.Class", "[3000]")
	term.AssertExec(`find "PlayerController.Engine.SetShowSubtitles"`, "2100")
	term.AssertExecError("find PlayerController Core.Function", "PlayerController")
	term.AssertExecError("find", "wrong number of arguments")
	term.AssertExecError("find `ls`", "backtick")
}

func TestPrefix(t *testing.T) {
	term := newFakeTerminal(t)
	out, err := term.Exec("prefix PlayerController.Engine.Set")
	assertNoError(err, t, "prefix")
	if strings.Count(out, "\n") != 2 || !strings.Contains(out, "SetShowSubtitles") || !strings.Contains(out, "SetName") {
		t.Fatalf("unexpected output %q", out)
	}
	term.AssertExec("prefix PlayerController 1", "...")
	term.AssertExec("p Nothing", `no object starts with "Nothing"`)
	term.AssertExecError("prefix Player x", "invalid limit")
}

func TestObjectAndSingleton(t *testing.T) {
	term := newFakeTerminal(t)
	term.AssertExec("object 0x2100", "SetShowSubtitles")
	term.AssertExecError("object 0x2101", "no object at 0x2101")
	term.AssertExecError("object nowhere", "invalid address")
	term.AssertExec("singleton player-controller", "PoplarPlayerController_0")
	term.AssertExecError("singleton camera", "PoplarCamera")
	term.AssertExecError("singleton dog", "wrong argument")
}

func TestSessionCommands(t *testing.T) {
	term := newFakeTerminal(t)
	term.AssertExec("rebuild", "5 objects")
	if term.target.rebuilds != 1 {
		t.Fatalf("%d rebuilds", term.target.rebuilds)
	}
	term.AssertExec("hooks", "ProcessEvent")
	term.AssertExec("hooks", "disabled")
	term.AssertExec("status", "0x140000000")
	term.AssertExec("st", "unknown")
	term.AssertExec("status", "cave used:    0x20")
	term.AssertExec("settings", "fov = 110")
	term.AssertExec("help", "Inspecting the object catalog")
	term.AssertExec("help prefix", "prefix <prefix> [limit]")
	term.AssertExecError("help nope", "command not available")
	if _, err := term.Exec("exit"); err != (ExitRequestError{}) {
		t.Fatalf("exit returned %v", err)
	}
}

func TestSource(t *testing.T) {
	term := newFakeTerminal(t)
	path := filepath.Join(t.TempDir(), "init")
	err := os.WriteFile(path, []byte("# comment\nfind PlayerController.Engine.FOV\nbogus\nrebuild\n"), 0600)
	assertNoError(err, t, "WriteFile")
	out, err := term.Exec("source " + path)
	assertNoError(err, t, "source")
	if !strings.Contains(out, "[2000]") || !strings.Contains(out, ":3: command not available") || term.target.rebuilds != 1 {
		t.Fatalf("unexpected output %q", out)
	}
}

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %s\n", s, err)
	}
}
