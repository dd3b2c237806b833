package cmds

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/reborn-dev/reborn/pkg/config"
	"github.com/reborn-dev/reborn/pkg/objects/objectstest"
)

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %s\n", s, err)
	}
}

func testImage() *objectstest.Image {
	img := objectstest.New(32, 32)
	img.NameGapLimit, img.ObjectGapLimit = 4, 4
	core := img.Package("Core")
	class := img.Class("Class", core, 0)
	function := img.Class("Function", core, class)
	engine := img.Package("Engine")
	pc := img.Class("PlayerController", engine, class)
	img.AddObject("FOV", pc, function)
	img.AddObject("SetShowSubtitles", pc, function)
	return img
}

func TestDump(t *testing.T) {
	img := testImage()
	w := img.Walker()

	for _, tc := range []struct {
		table, prefix string
		want          []string
	}{
		{"names", "", []string{"[0] Core", "[1] Class", "[2] Function", "[3] Engine", "[4] PlayerController", "[5] FOV", "[6] SetShowSubtitles"}},
		{"names", "Set", []string{"[6] SetShowSubtitles"}},
		{"objects", "PlayerController.Engine.", []string{"PlayerController.Engine.FOV", "PlayerController.Engine.SetShowSubtitles"}},
	} {
		t.Run(tc.table+"/"+tc.prefix, func(t *testing.T) {
			out := new(bytes.Buffer)
			assertNoError(dump(out, w, tc.table, tc.prefix), t, "dump")
			lines := strings.Split(strings.TrimSpace(out.String()), "\n")
			if len(lines) != len(tc.want) {
				t.Fatalf("got %q", lines)
			}
			for i := range lines {
				if !strings.HasSuffix(lines[i], tc.want[i]) {
					t.Fatalf("line %d is %q, want suffix %q", i, lines[i], tc.want[i])
				}
			}
		})
	}

	out := new(bytes.Buffer)
	assertNoError(dump(out, w, "objects", ""), t, "dump")
	if !strings.Contains(out.String(), "[Core.Function] PlayerController.Engine.FOV\n") {
		t.Fatalf("objects dump %q", out.String())
	}
	if err := dump(out, w, "classes", ""); err == nil {
		t.Fatal("unknown table accepted")
	}
}

func TestCommandTree(t *testing.T) {
	root := New()
	for _, name := range []string{"run", "dump", "version", "log"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("no %s command: %v", name, err)
		}
	}

	root.SetArgs([]string{"dump", "classes"})
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	if err := root.Execute(); err == nil {
		t.Fatal("invalid table accepted")
	}
}

func TestHelpHidesFlags(t *testing.T) {
	root := New()
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetArgs([]string{"help", "dump"})
	assertNoError(root.Execute(), t, "help dump")
	if !strings.Contains(out.String(), "--prefix") || strings.Contains(out.String(), "--headless") {
		t.Fatalf("unexpected help output:\n%s", out.String())
	}
}

func TestLoadRules(t *testing.T) {
	defer func(old string) { scriptPath = old }(scriptPath)
	conf := config.Default()

	scriptPath = ""
	env, rules, err := loadRules(conf, new(bytes.Buffer))
	assertNoError(err, t, "loadRules without script")
	if env != nil || rules != nil {
		t.Fatalf("rules loaded without a script: %v", rules)
	}

	dir := t.TempDir()
	fromConf := filepath.Join(dir, "conf.star")
	assertNoError(os.WriteFile(fromConf, []byte("def f(ctx):\n    pass\n\nrule(\"A.B\", f)\n"), 0600), t, "WriteFile")
	fromFlag := filepath.Join(dir, "flag.star")
	assertNoError(os.WriteFile(fromFlag, []byte("def g(ctx):\n    pass\n\nrule(\"C.D\", g)\nrule(\"E.F\", g, name = \"h\")\n"), 0600), t, "WriteFile")

	conf.Script = fromConf
	_, rules, err = loadRules(conf, new(bytes.Buffer))
	assertNoError(err, t, "loadRules from config")
	if len(rules) != 1 || rules[0].Trigger != "A.B" {
		t.Fatalf("unexpected rules %v", rules)
	}

	scriptPath = fromFlag
	_, rules, err = loadRules(conf, new(bytes.Buffer))
	assertNoError(err, t, "loadRules from flag")
	if len(rules) != 2 || rules[1].Name != "h" {
		t.Fatalf("unexpected rules %v", rules)
	}
}
