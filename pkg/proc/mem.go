package proc

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

const cacheEnabled = true

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// MemoryReadWriter is an interface for reading or writing to
// the targets memory. This allows us to read from the actual
// target memory or possibly a cache.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// AccessFault is returned when a read or write touches memory that is not
// mapped, or not accessible, in the target.
type AccessFault struct {
	Addr uint64
	Size int
	Err  error
}

func (af *AccessFault) Error() string {
	if af.Err != nil {
		return fmt.Sprintf("access fault at %#x (%d bytes): %v", af.Addr, af.Size, af.Err)
	}
	return fmt.Sprintf("access fault at %#x (%d bytes)", af.Addr, af.Size)
}

func (af *AccessFault) Unwrap() error {
	return af.Err
}

type memCache struct {
	cacheAddr uint64
	cache     []byte
	mem       MemoryReadWriter
}

func (m *memCache) contains(addr uint64, size int) bool {
	end := addr + uint64(size)
	if end < addr {
		return false
	}
	return addr >= m.cacheAddr && end <= m.cacheAddr+uint64(len(m.cache))
}

func (m *memCache) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if m.contains(addr, len(data)) {
		copy(data, m.cache[addr-m.cacheAddr:])
		return len(data), nil
	}

	return m.mem.ReadMemory(data, addr)
}

func (m *memCache) WriteMemory(addr uint64, data []byte) (written int, err error) {
	return m.mem.WriteMemory(addr, data)
}

// CacheMemory reads size bytes at addr once and returns a MemoryReadWriter
// that serves reads inside that range from the copy. Reads outside the
// range and all writes go to mem. If the range can not be read mem is
// returned unchanged.
func CacheMemory(mem MemoryReadWriter, addr uint64, size int) MemoryReadWriter {
	if !cacheEnabled {
		return mem
	}
	if size <= 0 {
		return mem
	}
	if cacheMem, isCache := mem.(*memCache); isCache {
		if cacheMem.contains(addr, size) {
			return mem
		}
		mem = cacheMem.mem
	}
	cache := make([]byte, size)
	_, err := mem.ReadMemory(cache, addr)
	if err != nil {
		return mem
	}
	return &memCache{addr, cache, mem}
}

// ReadBytes reads exactly size bytes at addr.
func ReadBytes(mem MemoryReader, addr uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return nil, err
	}
	if n != size {
		return nil, &AccessFault{Addr: addr + uint64(n), Size: size - n}
	}
	return buf, nil
}

// ReadUint8 reads a byte at addr.
func ReadUint8(mem MemoryReader, addr uint64) (uint8, error) {
	b, err := ReadBytes(mem, addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint32 reads a little endian 32-bit value at addr.
func ReadUint32(mem MemoryReader, addr uint64) (uint32, error) {
	b, err := ReadBytes(mem, addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadUint64 reads a little endian 64-bit value at addr.
func ReadUint64(mem MemoryReader, addr uint64) (uint64, error) {
	b, err := ReadBytes(mem, addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadPointer reads a pointer sized value at addr. Only 64-bit targets are
// supported.
func ReadPointer(mem MemoryReader, addr uint64) (uint64, error) {
	return ReadUint64(mem, addr)
}

// ReadCString reads a zero terminated string of at most max bytes at addr.
// A string with no terminator within max bytes is silently truncated.
// Bytes are mapped one to one to runes.
func ReadCString(mem MemoryReader, addr uint64, max int) (string, error) {
	buf, err := ReadBytes(mem, addr, max)
	if err != nil {
		// The string may end right before an unmapped page.
		buf = buf[:0]
		for i := 0; i < max; i++ {
			b, err := ReadUint8(mem, addr+uint64(i))
			if err != nil {
				return "", err
			}
			buf = append(buf, b)
			if b == 0 {
				break
			}
		}
	}
	r := make([]rune, 0, max)
	for _, b := range buf {
		if b == 0 {
			break
		}
		r = append(r, rune(b))
	}
	return string(r), nil
}

// ReadWideString reads a zero terminated UTF-16 string of at most max code
// units at addr.
func ReadWideString(mem MemoryReader, addr uint64, max int) (string, error) {
	u := make([]uint16, 0, max)
	for i := 0; i < max; i++ {
		b, err := ReadBytes(mem, addr+2*uint64(i), 2)
		if err != nil {
			return "", err
		}
		c := binary.LittleEndian.Uint16(b)
		if c == 0 {
			break
		}
		u = append(u, c)
	}
	return string(utf16.Decode(u)), nil
}

// WriteUint64 writes a little endian 64-bit value at addr.
func WriteUint64(mem MemoryReadWriter, addr, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return WriteBytes(mem, addr, b[:])
}

// WriteBytes writes all of data at addr.
func WriteBytes(mem MemoryReadWriter, addr uint64, data []byte) error {
	n, err := mem.WriteMemory(addr, data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return &AccessFault{Addr: addr + uint64(n), Size: len(data) - n}
	}
	return nil
}
