// Package objects reconstructs the object graph of the target from its
// name table and object table.
//
// Both tables are dynamic arrays: the table address points at a header
// whose first field is the address of an array of 8 byte slots. A slot is
// either zero or the address of a record. Name records hold a zero
// terminated string at a fixed offset, object records hold the index of
// their name, the address of their outer (owning) object and the address
// of their class object.
package objects

import (
	"errors"
	"fmt"
	"strings"

	"github.com/reborn-dev/reborn/pkg/logflags"
	"github.com/reborn-dev/reborn/pkg/proc"
)

const (
	// MaxNameLen is the longest name read from a name record, longer names
	// are truncated.
	MaxNameLen = 64

	slotSize = 8

	// maxOuterDepth bounds the length of an outer chain.
	maxOuterDepth = 64

	// slotChunk is the number of slots read at once during enumeration.
	slotChunk = 512
)

// Default gap limits: the number of consecutive empty slots after which a
// table is considered exhausted.
const (
	DefaultNameGapLimit   = 10000
	DefaultObjectGapLimit = 100
)

// Layout holds the offsets of the fields of name and object records.
type Layout struct {
	NameEntryString uint64
	ObjectOuter     uint64
	ObjectName      uint64
	ObjectClass     uint64
}

// DefaultLayout is the record layout of the supported target.
var DefaultLayout = Layout{
	NameEntryString: 0x18,
	ObjectOuter:     0x38,
	ObjectName:      0x40,
	ObjectClass:     0x48,
}

// Table describes one of the two tables.
type Table struct {
	// Addr is the address of the table header.
	Addr uint64
	// GapLimit is the number of consecutive empty slots that ends an
	// enumeration.
	GapLimit int
}

// NameResolutionFailure is returned when a name can not be resolved: an
// empty name slot referenced by an object, an outer chain that loops or is
// too deep, or a qualified name missing from a catalog.
type NameResolutionFailure struct {
	Name   string
	Addr   uint64
	Reason string
}

func (e *NameResolutionFailure) Error() string {
	switch {
	case e.Name != "" && e.Addr != 0:
		return fmt.Sprintf("could not resolve %s at %#x: %s", e.Name, e.Addr, e.Reason)
	case e.Name != "":
		return fmt.Sprintf("could not resolve %s: %s", e.Name, e.Reason)
	default:
		return fmt.Sprintf("could not resolve object at %#x: %s", e.Addr, e.Reason)
	}
}

// IsNameResolutionFailure reports whether err is, or wraps, a
// *NameResolutionFailure.
func IsNameResolutionFailure(err error) bool {
	var nrf *NameResolutionFailure
	return errors.As(err, &nrf)
}

// Object is a resolved object record.
type Object struct {
	// Index is the slot of the object in the object table, -1 for objects
	// resolved by address.
	Index     int
	Addr      uint64
	NameIndex uint32
	// Name is the qualified name: the names of the outer chain, nearest
	// first, followed by the object's own name, separated by dots.
	Name string
	// Class is the qualified name of the class object, empty when the
	// object has no class or the class was not resolved.
	Class string
}

func (o *Object) String() string {
	return fmt.Sprintf("[%x] [%s] %s", o.Addr, o.Class, o.Name)
}

// Walker reads records out of the target's tables.
type Walker struct {
	mem     proc.MemoryReader
	names   Table
	objects Table
	layout  Layout
	log     logflags.Logger
}

// NewWalker returns a walker over the tables of mem.
func NewWalker(mem proc.MemoryReader, names, objects Table, layout Layout) *Walker {
	if names.GapLimit <= 0 {
		names.GapLimit = DefaultNameGapLimit
	}
	if objects.GapLimit <= 0 {
		objects.GapLimit = DefaultObjectGapLimit
	}
	return &Walker{
		mem:     mem,
		names:   names,
		objects: objects,
		layout:  layout,
		log:     logflags.ReflectionLogger(),
	}
}

func (w *Walker) slots(t Table) (uint64, error) {
	return proc.ReadPointer(w.mem, t.Addr)
}

func (w *Walker) slot(t Table, idx int) (uint64, error) {
	data, err := w.slots(t)
	if err != nil {
		return 0, err
	}
	return proc.ReadPointer(w.mem, data+uint64(idx)*slotSize)
}

// ResolveName returns the name stored in slot idx of the name table. The
// second return value is false if the slot is empty.
func (w *Walker) ResolveName(idx uint32) (string, bool, error) {
	entry, err := w.slot(w.names, int(idx))
	if err != nil {
		return "", false, err
	}
	return w.readName(entry)
}

func (w *Walker) readName(entry uint64) (string, bool, error) {
	if entry == 0 {
		return "", false, nil
	}
	s, err := proc.ReadCString(w.mem, entry+w.layout.NameEntryString, MaxNameLen)
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

// ownName returns the unqualified name of the object at addr.
func (w *Walker) ownName(addr uint64) (uint32, string, error) {
	idx, err := proc.ReadUint32(w.mem, addr+w.layout.ObjectName)
	if err != nil {
		return 0, "", err
	}
	name, ok, err := w.ResolveName(idx)
	if err != nil {
		return idx, "", err
	}
	if !ok {
		return idx, "", &NameResolutionFailure{Addr: addr, Reason: fmt.Sprintf("name index %d is empty", idx)}
	}
	return idx, name, nil
}

// ResolveOuterChain returns the qualified name of the object at addr
// without its class: the object's own name followed by the names of its
// outer chain, nearest first.
func (w *Walker) ResolveOuterChain(addr uint64) (string, error) {
	var parts []string
	seen := make(map[uint64]bool)
	start := addr
	for addr != 0 {
		if seen[addr] {
			return "", &NameResolutionFailure{Addr: start, Reason: fmt.Sprintf("outer chain loops at %#x", addr)}
		}
		if len(parts) >= maxOuterDepth {
			return "", &NameResolutionFailure{Addr: start, Reason: "outer chain too deep"}
		}
		seen[addr] = true
		_, name, err := w.ownName(addr)
		if err != nil {
			return "", err
		}
		parts = append(parts, name)
		addr, err = proc.ReadPointer(w.mem, addr+w.layout.ObjectOuter)
		if err != nil {
			return "", err
		}
	}
	return strings.Join(parts, "."), nil
}

// ResolveObject resolves the object at addr. It returns nil for a null
// address. If withClass is set the class object is resolved too, without
// resolving the class of the class.
func (w *Walker) ResolveObject(addr uint64, withClass bool) (*Object, error) {
	if addr == 0 {
		return nil, nil
	}
	idx, name, err := w.ownName(addr)
	if err != nil {
		return nil, err
	}
	obj := &Object{Index: -1, Addr: addr, NameIndex: idx, Name: name}

	outer, err := proc.ReadPointer(w.mem, addr+w.layout.ObjectOuter)
	if err != nil {
		return nil, err
	}
	if outer != 0 {
		chain, err := w.ResolveOuterChain(outer)
		if err != nil {
			return nil, err
		}
		obj.Name = chain + "." + name
	}

	if withClass {
		class, err := proc.ReadPointer(w.mem, addr+w.layout.ObjectClass)
		if err != nil {
			return nil, err
		}
		cls, err := w.ResolveObject(class, false)
		switch {
		case IsNameResolutionFailure(err):
			w.log.Debugf("class of %s unresolved: %v", obj.Name, err)
		case err != nil:
			return nil, err
		case cls != nil:
			obj.Class = cls.Name
		}
	}
	return obj, nil
}

// FunctionName returns the qualified name of the object at addr, the
// identity used to recognize dispatched functions.
func (w *Walker) FunctionName(addr uint64) (string, error) {
	obj, err := w.ResolveObject(addr, false)
	if err != nil {
		return "", err
	}
	if obj == nil {
		return "", &NameResolutionFailure{Reason: "null function"}
	}
	return obj.Name, nil
}

// enumerate visits the slots of t in order until GapLimit consecutive
// slots did not hold a valid entry. visit receives the content of the slot
// and reports whether it was a valid entry.
func (w *Walker) enumerate(t Table, visit func(idx int, slot uint64) (bool, error)) error {
	data, err := w.slots(t)
	if err != nil {
		return err
	}
	var mem proc.MemoryReader
	gap := 0
	for idx := 0; ; idx++ {
		if idx%slotChunk == 0 {
			// Slots are read in chunks, only the chunk being visited is cached.
			mem = proc.CacheMemory(asReadWriter(w.mem), data+uint64(idx)*slotSize, slotChunk*slotSize)
		}
		slot, err := proc.ReadPointer(mem, data+uint64(idx)*slotSize)
		if err != nil {
			return err
		}
		ok := false
		if slot != 0 {
			ok, err = visit(idx, slot)
			if err != nil {
				return err
			}
		}
		if ok {
			gap = 0
			continue
		}
		gap++
		if gap >= t.GapLimit {
			return nil
		}
	}
}

// Name is an entry of the name table.
type Name struct {
	Index int
	Value string
}

// Names enumerates the name table.
func (w *Walker) Names() ([]Name, error) {
	var names []Name
	err := w.enumerate(w.names, func(idx int, slot uint64) (bool, error) {
		s, ok, err := w.readName(slot)
		if err != nil || !ok {
			return false, err
		}
		names = append(names, Name{Index: idx, Value: s})
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	w.log.Debugf("%d names", len(names))
	return names, nil
}

// Objects enumerates the object table, resolving every object and its
// class. Objects whose name can not be resolved count as empty slots.
func (w *Walker) Objects() ([]*Object, error) {
	var objs []*Object
	err := w.enumerate(w.objects, func(idx int, slot uint64) (bool, error) {
		obj, err := w.ResolveObject(slot, true)
		if err != nil {
			if IsNameResolutionFailure(err) {
				w.log.Debugf("object %d: %v", idx, err)
				return false, nil
			}
			return false, err
		}
		obj.Index = idx
		objs = append(objs, obj)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return objs, nil
}

// Build enumerates the object table into a new catalog.
func (w *Walker) Build() (*Catalog, error) {
	objs, err := w.Objects()
	if err != nil {
		return nil, fmt.Errorf("could not build object catalog: %w", err)
	}
	w.log.Debugf("catalog built with %d objects", len(objs))
	return NewCatalog(objs), nil
}

type readOnly struct {
	proc.MemoryReader
}

func (readOnly) WriteMemory(addr uint64, _ []byte) (int, error) {
	return 0, &proc.AccessFault{Addr: addr, Err: errors.New("read only")}
}

func asReadWriter(mem proc.MemoryReader) proc.MemoryReadWriter {
	if rw, ok := mem.(proc.MemoryReadWriter); ok {
		return rw
	}
	return readOnly{mem}
}
