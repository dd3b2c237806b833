package proc_test

import (
	"errors"
	"testing"

	"github.com/reborn-dev/reborn/pkg/proc"
	"github.com/reborn-dev/reborn/pkg/proc/fake"
)

type countingMemory struct {
	proc.MemoryReadWriter
	reads int
}

func (c *countingMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	c.reads++
	return c.MemoryReadWriter.ReadMemory(buf, addr)
}

func TestCacheMemory(t *testing.T) {
	m := fake.NewMemory()
	m.MapBytes(0x1000, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16})
	cm := &countingMemory{MemoryReadWriter: m}

	cached := proc.CacheMemory(cm, 0x1000, 16)
	if cm.reads != 1 {
		t.Fatalf("expected one backing read, got %d", cm.reads)
	}
	v, err := proc.ReadUint32(cached, 0x1004)
	if err != nil || v != 0x08070605 {
		t.Fatalf("ReadUint32 = %#x, %v", v, err)
	}
	if _, err := proc.ReadUint64(cached, 0x1008); err != nil {
		t.Fatal(err)
	}
	if cm.reads != 1 {
		t.Fatalf("cached reads reached the backing memory (%d reads)", cm.reads)
	}
	if _, err := proc.ReadUint64(cached, 0x100c); err == nil {
		t.Fatalf("read past the mapping should fault")
	}
	if cm.reads != 2 {
		t.Fatalf("read outside the cache should go to the backing memory")
	}

	if proc.CacheMemory(cm, 0x2000, 8) != proc.MemoryReadWriter(cm) {
		t.Fatalf("unreadable range should return the backing memory")
	}
}

func TestReadCString(t *testing.T) {
	m := fake.NewMemory()
	m.MapBytes(0x1000, append([]byte("Engine"), 0, 'x', 'y'))

	long := make([]byte, 80)
	for i := range long {
		long[i] = 'a'
	}
	m.MapBytes(0x2000, long)

	s, err := proc.ReadCString(m, 0x1000, 64)
	if err != nil || s != "Engine" {
		t.Fatalf("ReadCString = %q, %v", s, err)
	}

	s, err = proc.ReadCString(m, 0x2000, 64)
	if err != nil || len(s) != 64 {
		t.Fatalf("unterminated string should truncate to 64 bytes, got %d, %v", len(s), err)
	}

	// Terminated string at the very end of a mapping.
	s, err = proc.ReadCString(m, 0x1003, 64)
	if err != nil || s != "ine" {
		t.Fatalf("ReadCString near end of mapping = %q, %v", s, err)
	}

	_, err = proc.ReadCString(m, 0x1007, 64)
	var af *proc.AccessFault
	if !errors.As(err, &af) {
		t.Fatalf("unterminated string running into unmapped memory should fault, got %v", err)
	}
}

func TestReadWideString(t *testing.T) {
	m := fake.NewMemory()
	m.MapBytes(0x1000, []byte{'o', 0, 'p', 0, 'e', 0, 'n', 0, 0, 0, 'x', 0})
	s, err := proc.ReadWideString(m, 0x1000, 16)
	if err != nil || s != "open" {
		t.Fatalf("ReadWideString = %q, %v", s, err)
	}
	if s, err := proc.ReadWideString(m, 0x1000, 2); err != nil || s != "op" {
		t.Fatalf("ReadWideString = %q, %v", s, err)
	}
	if _, err := proc.ReadWideString(m, 0x100a, 16); err == nil {
		t.Fatalf("unterminated string at the end of a mapping should fault")
	}
}
