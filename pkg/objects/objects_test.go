package objects_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/reborn-dev/reborn/pkg/objects"
	"github.com/reborn-dev/reborn/pkg/objects/objectstest"
	"github.com/reborn-dev/reborn/pkg/proc"
)

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %s\n", s, err)
	}
}

func TestResolveNameEmptySlot(t *testing.T) {
	img := objectstest.New(64, 16)
	img.SetName(0, "None")
	img.SetName(2, "Core")
	w := img.Walker()

	for idx := uint32(0); idx < 64; idx++ {
		name, ok, err := w.ResolveName(idx)
		assertNoError(err, t, "ResolveName")
		switch idx {
		case 0:
			if !ok || name != "None" {
				t.Errorf("slot 0: %q %v", name, ok)
			}
		case 2:
			if !ok || name != "Core" {
				t.Errorf("slot 2: %q %v", name, ok)
			}
		default:
			if ok {
				t.Errorf("empty slot %d resolved to %q", idx, name)
			}
		}
	}
}

func TestResolveNameTruncates(t *testing.T) {
	img := objectstest.New(4, 4)
	long := strings.Repeat("x", objects.MaxNameLen+16)
	img.SetName(1, long)
	name, ok, err := img.Walker().ResolveName(1)
	assertNoError(err, t, "ResolveName")
	if !ok || name != long[:objects.MaxNameLen] {
		t.Fatalf("got %d bytes, %v", len(name), ok)
	}
}

func TestNameEnumerationGap(t *testing.T) {
	limit := objects.DefaultNameGapLimit
	img := objectstest.New(2*limit+2, 4)
	img.SetName(0, "None")
	img.SetName(uint32(limit), "AfterGap")

	names, err := img.Walker().Names()
	assertNoError(err, t, "Names")
	if len(names) != 2 || names[1].Index != limit || names[1].Value != "AfterGap" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestObjectEnumerationDoesNotStopEarly(t *testing.T) {
	limit := objects.DefaultObjectGapLimit
	img := objectstest.New(16, 2*limit+1)
	img.SkipObjects(limit - 1)
	addr := img.Package("Core")

	objs, err := img.Walker().Objects()
	assertNoError(err, t, "Objects")
	if len(objs) != 1 || objs[0].Addr != addr || objs[0].Index != limit-1 {
		t.Fatalf("entry after %d empty slots not found: %v", limit-1, objs)
	}
}

func TestObjectEnumerationTerminates(t *testing.T) {
	limit := objects.DefaultObjectGapLimit
	img := objectstest.New(16, 2*limit+1)
	img.SkipObjects(limit)
	img.Package("Core")

	c, err := img.Walker().Build()
	assertNoError(err, t, "Build")
	if c.Len() != 0 {
		t.Fatalf("expected empty catalog, got %v", c.Objects())
	}
}

func TestQualifiedName(t *testing.T) {
	img := objectstest.New(16, 16)
	baz := img.AddObject("Baz", 0, 0)
	bar := img.AddObject("Bar", baz, 0)
	foo := img.AddObject("Foo", bar, 0)

	w := img.Walker()
	obj, err := w.ResolveObject(foo, true)
	assertNoError(err, t, "ResolveObject")
	if obj.Name != "Bar.Baz.Foo" {
		t.Fatalf("qualified name %q", obj.Name)
	}
	if obj.Class != "" {
		t.Fatalf("object without class resolved class %q", obj.Class)
	}
	chain, err := w.ResolveOuterChain(bar)
	assertNoError(err, t, "ResolveOuterChain")
	if chain != "Bar.Baz" {
		t.Fatalf("outer chain %q", chain)
	}

	obj, err = w.ResolveObject(0, true)
	if obj != nil || err != nil {
		t.Fatalf("null address resolved to %v, %v", obj, err)
	}
}

func TestClassName(t *testing.T) {
	img := objectstest.New(32, 32)
	core := img.Package("Core")
	class := img.Class("Class", core, 0)
	img.SetObjectClass(class, class)
	function := img.Class("Function", core, class)
	engine := img.Package("Engine")
	pc := img.Class("PlayerController", engine, class)
	fov := img.AddObject("FOV", pc, function)

	obj, err := img.Walker().ResolveObject(fov, true)
	assertNoError(err, t, "ResolveObject")
	if obj.Name != "PlayerController.Engine.FOV" || obj.Class != "Core.Function" {
		t.Fatalf("got %v", obj)
	}

	// Self typed class records resolve without recursing.
	obj, err = img.Walker().ResolveObject(class, true)
	assertNoError(err, t, "ResolveObject")
	if obj.Class != "Core.Class" {
		t.Fatalf("got %v", obj)
	}
}

func TestOuterCycle(t *testing.T) {
	img := objectstest.New(16, 128)
	core := img.Package("Core")
	foo := img.AddObject("Foo", 0, 0)
	bar := img.AddObject("Bar", foo, 0)
	img.SetOuter(foo, bar)
	self := img.AddObject("Self", 0, 0)
	img.SetOuter(self, self)

	w := img.Walker()
	for _, addr := range []uint64{foo, bar, self} {
		_, err := w.ResolveObject(addr, true)
		if !objects.IsNameResolutionFailure(err) {
			t.Errorf("%#x: expected name resolution failure, got %v", addr, err)
		}
	}

	// Objects that can not be named are skipped like empty slots.
	c, err := w.Build()
	assertNoError(err, t, "Build")
	if c.Len() != 1 || c.Objects()[0].Addr != core {
		t.Fatalf("unexpected catalog %v", c.Objects())
	}
}

func TestUnresolvedNameIndex(t *testing.T) {
	img := objectstest.New(16, 16)
	obj := img.Package("Core")
	img.SetNameIndex(obj, 9)

	_, err := img.Walker().ResolveObject(obj, false)
	if !objects.IsNameResolutionFailure(err) {
		t.Fatalf("expected name resolution failure, got %v", err)
	}
}

func TestBuildAccessFault(t *testing.T) {
	img := objectstest.New(16, 16)
	img.Package("Core")
	img.SetObjectSlot(1, 0xdead0000)

	_, err := img.Walker().Build()
	var af *proc.AccessFault
	if !errors.As(err, &af) {
		t.Fatalf("expected access fault, got %v", err)
	}
}

func buildCatalog(t *testing.T) (*objectstest.Image, *objects.Catalog) {
	img := objectstest.New(64, 128)
	core := img.Package("Core")
	class := img.Class("Class", core, 0)
	function := img.Class("Function", core, class)
	engine := img.Package("Engine")
	game := img.Package("PoplarGame")
	pc := img.Class("PlayerController", engine, class)
	camCls := img.Class("PoplarCamera", game, class)
	img.AddObject("SetFOV", pc, function)
	img.AddObject("SetShowSubtitles", pc, function)
	// Same name as a function, different class.
	img.AddObject("SetFOV", pc, class)

	world := img.AddObject("TheWorld", 0, 0)
	level := img.AddObject("PersistentLevel", world, 0)
	img.AddObject("PoplarCamera_0", level, camCls)
	img.AddObject("PoplarCamera_1", level, camCls)

	c, err := img.Walker().Build()
	assertNoError(err, t, "Build")
	return img, c
}

func TestFindByNameClassFilter(t *testing.T) {
	_, c := buildCatalog(t)

	fn := c.FindByName("PlayerController.Engine.SetFOV", "Core.Function")
	if fn == nil || fn.Class != "Core.Function" {
		t.Fatalf("FindByName with class = %v", fn)
	}
	first := c.FindByName("PlayerController.Engine.SetFOV", "")
	if first == nil || first.Addr != fn.Addr {
		t.Fatalf("unfiltered lookup should return the first match in table order, got %v", first)
	}

	if obj := c.FindByName("PlayerController.Engine.SetShowSubtitles", "Core.Class"); obj != nil {
		t.Fatalf("class filter ignored: %v", obj)
	}
	if obj := c.FindByName("PlayerController.Engine.SetShowSubtitles", ""); obj == nil {
		t.Fatalf("unfiltered lookup failed")
	}
	if obj := c.FindByName("Core", "Core.Class"); obj != nil {
		t.Fatalf("object without class matched a class filter: %v", obj)
	}

	_, err := c.MustFindByName("Engine.Missing", "")
	if !objects.IsNameResolutionFailure(err) {
		t.Fatalf("expected name resolution failure, got %v", err)
	}
}

func TestFindByAddressAndPrefix(t *testing.T) {
	_, c := buildCatalog(t)
	for _, obj := range c.Objects() {
		if got := c.FindByAddress(obj.Addr); got != obj {
			t.Fatalf("FindByAddress(%#x) = %v", obj.Addr, got)
		}
	}
	if c.FindByAddress(0x42) != nil {
		t.Fatalf("found object at bogus address")
	}

	got := c.FindByPrefix("PlayerController.Engine.Set")
	if len(got) != 3 {
		t.Fatalf("FindByPrefix returned %v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Index >= got[i].Index {
			t.Fatalf("FindByPrefix results not in table order: %v", got)
		}
	}
}

func TestFindQuery(t *testing.T) {
	_, c := buildCatalog(t)
	q := objects.Query{Class: "PoplarGame.PoplarCamera", Contains: []string{"PersistentLevel.TheWorld."}}
	obj := c.Find(q)
	if obj == nil || obj.Name != "PersistentLevel.TheWorld.PoplarCamera_0" {
		t.Fatalf("Find = %v", obj)
	}
	if _, err := c.MustFind(objects.Query{Class: "PoplarGame.PoplarPlayerInput"}); !objects.IsNameResolutionFailure(err) {
		t.Fatalf("expected name resolution failure, got %v", err)
	}
}
