package hook

import "fmt"

const caveAlign = 16

// Cave is a bump allocator over a region of executable memory in the
// target.
type Cave struct {
	Addr uint64
	Size uint64
	used uint64
}

// NewCave returns an allocator over [addr, addr+size).
func NewCave(addr, size uint64) *Cave {
	return &Cave{Addr: addr, Size: size}
}

// next returns the address the next allocation starts at.
func (c *Cave) next() uint64 {
	return c.Addr + c.aligned()
}

func (c *Cave) aligned() uint64 {
	return (c.used + caveAlign - 1) &^ (caveAlign - 1)
}

// Alloc reserves n bytes aligned to 16 bytes.
func (c *Cave) Alloc(n uint64) (uint64, error) {
	off := c.aligned()
	if off+n > c.Size {
		return 0, fmt.Errorf("%w: %d of %d bytes used, %d requested", ErrCaveExhausted, c.used, c.Size, n)
	}
	c.used = off + n
	return c.Addr + off, nil
}

// Used returns the number of bytes allocated so far.
func (c *Cave) Used() uint64 {
	return c.used
}
