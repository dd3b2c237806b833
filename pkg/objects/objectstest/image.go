// Package objectstest builds synthetic name and object tables in a fake
// address space.
package objectstest

import (
	"encoding/binary"

	"github.com/reborn-dev/reborn/pkg/objects"
	"github.com/reborn-dev/reborn/pkg/proc/fake"
)

const (
	namesHeader   = 0x10000
	objectsHeader = 0x10010
	nameSlots     = 0x100000
	objectSlots   = 0x800000
	heapStart     = 0x1000000

	objectSize = 0x60
	nameSize   = 0x18 + objects.MaxNameLen + 8
)

// Image is a synthetic target image: a name table and an object table with
// room for a fixed number of slots each.
type Image struct {
	Mem    *fake.Memory
	Layout objects.Layout

	NameGapLimit, ObjectGapLimit int

	names, objs []byte
	heap        uint64
	nextName    uint32
	nextObject  int
	interned    map[string]uint32
}

// New maps an image with nameCap name slots and objectCap object slots,
// all empty.
func New(nameCap, objectCap int) *Image {
	img := &Image{
		Mem:            fake.NewMemory(),
		Layout:         objects.DefaultLayout,
		NameGapLimit:   objects.DefaultNameGapLimit,
		ObjectGapLimit: objects.DefaultObjectGapLimit,
		heap:           heapStart,
		interned:       make(map[string]uint32),
	}
	hdr := img.Mem.Map(namesHeader, 0x20)
	binary.LittleEndian.PutUint64(hdr[0:], nameSlots)
	binary.LittleEndian.PutUint64(hdr[objectsHeader-namesHeader:], objectSlots)
	img.names = img.Mem.Map(nameSlots, nameCap*8)
	img.objs = img.Mem.Map(objectSlots, objectCap*8)
	return img
}

// Tables returns the table descriptors of the image.
func (img *Image) Tables() (names, objs objects.Table) {
	return objects.Table{Addr: namesHeader, GapLimit: img.NameGapLimit},
		objects.Table{Addr: objectsHeader, GapLimit: img.ObjectGapLimit}
}

// Walker returns a walker over the image.
func (img *Image) Walker() *objects.Walker {
	names, objs := img.Tables()
	return objects.NewWalker(img.Mem, names, objs, img.Layout)
}

func (img *Image) alloc(size int) (uint64, []byte) {
	addr := img.heap
	img.heap += uint64(size+0xf) &^ 0xf
	return addr, img.Mem.Map(addr, size)
}

// SetName stores s in name slot idx and returns the address of the name
// record.
func (img *Image) SetName(idx uint32, s string) uint64 {
	addr, buf := img.alloc(nameSize + len(s))
	copy(buf[img.Layout.NameEntryString:], s)
	binary.LittleEndian.PutUint64(img.names[idx*8:], addr)
	if idx >= img.nextName {
		img.nextName = idx + 1
	}
	return addr
}

// Intern returns the index of name s, adding it after the last used slot
// if needed.
func (img *Image) Intern(s string) uint32 {
	if idx, ok := img.interned[s]; ok {
		return idx
	}
	idx := img.nextName
	img.SetName(idx, s)
	img.interned[s] = idx
	return idx
}

// SetObject allocates an object record and stores it in object slot idx.
func (img *Image) SetObject(idx int, name string, outer, class uint64) uint64 {
	addr, buf := img.alloc(objectSize)
	binary.LittleEndian.PutUint32(buf[img.Layout.ObjectName:], img.Intern(name))
	binary.LittleEndian.PutUint64(buf[img.Layout.ObjectOuter:], outer)
	binary.LittleEndian.PutUint64(buf[img.Layout.ObjectClass:], class)
	binary.LittleEndian.PutUint64(img.objs[idx*8:], addr)
	if idx >= img.nextObject {
		img.nextObject = idx + 1
	}
	return addr
}

// AddObject is SetObject on the slot after the last used one.
func (img *Image) AddObject(name string, outer, class uint64) uint64 {
	return img.SetObject(img.nextObject, name, outer, class)
}

// SetOuter rewrites the outer field of the object at addr.
func (img *Image) SetOuter(addr, outer uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], outer)
	if _, err := img.Mem.WriteMemory(addr+img.Layout.ObjectOuter, buf[:]); err != nil {
		panic(err)
	}
}

// SetObjectClass rewrites the class field of the object at addr.
func (img *Image) SetObjectClass(addr, class uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], class)
	if _, err := img.Mem.WriteMemory(addr+img.Layout.ObjectClass, buf[:]); err != nil {
		panic(err)
	}
}

// SetObjectSlot stores addr in object slot idx as is.
func (img *Image) SetObjectSlot(idx int, addr uint64) {
	binary.LittleEndian.PutUint64(img.objs[idx*8:], addr)
	if idx >= img.nextObject {
		img.nextObject = idx + 1
	}
}

// SetNameIndex rewrites the name index of the object at addr.
func (img *Image) SetNameIndex(addr uint64, idx uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], idx)
	if _, err := img.Mem.WriteMemory(addr+img.Layout.ObjectName, buf[:]); err != nil {
		panic(err)
	}
}

// SkipObjects leaves n empty object slots before the next AddObject.
func (img *Image) SkipObjects(n int) {
	img.nextObject += n
}

// Package adds an object with no outer and no class, like the package and
// class records at the top of real object graphs.
func (img *Image) Package(name string) uint64 {
	return img.AddObject(name, 0, 0)
}

// Class adds a class object called name inside package pkg, with
// metaclass as its class.
func (img *Image) Class(name string, pkg, metaclass uint64) uint64 {
	return img.AddObject(name, pkg, metaclass)
}
