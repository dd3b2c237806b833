// Package fake implements a synthetic backend: a sparse in-memory address
// space and scripted threads standing in for an attached process.
package fake

import (
	"errors"
	"sort"
	"sync"

	"github.com/reborn-dev/reborn/pkg/proc"
)

// Memory is a sparse address space made of independently mapped regions.
// Accesses to unmapped bytes fail with *proc.AccessFault.
type Memory struct {
	mu      sync.Mutex
	regions []*region
}

type region struct {
	addr uint64
	data []byte
}

func (r *region) end() uint64 {
	return r.addr + uint64(len(r.data))
}

// NewMemory returns an empty address space.
func NewMemory() *Memory {
	return &Memory{}
}

// Map maps size zeroed bytes at addr and returns the backing slice.
// Mapping over an existing region panics.
func (m *Memory) Map(addr uint64, size int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &region{addr: addr, data: make([]byte, size)}
	for _, o := range m.regions {
		if r.addr < o.end() && o.addr < r.end() {
			panic("fake: overlapping mapping")
		}
	}
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].addr < m.regions[j].addr })
	return r.data
}

// MapBytes maps a copy of data at addr.
func (m *Memory) MapBytes(addr uint64, data []byte) {
	copy(m.Map(addr, len(data)), data)
}

func (m *Memory) find(addr uint64) *region {
	for _, r := range m.regions {
		if addr >= r.addr && addr < r.end() {
			return r
		}
	}
	return nil
}

func (m *Memory) access(addr uint64, n int, fn func(dst []byte, done int)) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	done := 0
	for done < n {
		cur := addr + uint64(done)
		r := m.find(cur)
		if r == nil {
			return done, &proc.AccessFault{Addr: cur, Size: n - done}
		}
		chunk := r.data[cur-r.addr:]
		if len(chunk) > n-done {
			chunk = chunk[:n-done]
		}
		fn(chunk, done)
		done += len(chunk)
	}
	return done, nil
}

// ReadMemory implements proc.MemoryReader.
func (m *Memory) ReadMemory(buf []byte, addr uint64) (int, error) {
	return m.access(addr, len(buf), func(src []byte, done int) {
		copy(buf[done:], src)
	})
}

// WriteMemory implements proc.MemoryReadWriter.
func (m *Memory) WriteMemory(addr uint64, data []byte) (int, error) {
	return m.access(addr, len(data), func(dst []byte, done int) {
		copy(dst, data[done:])
	})
}

// Thread is a scripted thread over a Memory. ContinueToTrap runs OnContinue,
// which plays the part of the target code.
type Thread struct {
	*Memory
	ID   int
	Regs proc.Registers

	// OnContinue simulates the thread running from Regs until it executes a
	// trap instruction. It must leave Regs as the thread would be right
	// after the trap.
	OnContinue func(t *Thread) error

	// Continues counts the calls to ContinueToTrap.
	Continues int
}

var errNoScript = errors.New("fake: thread has no OnContinue script")

// ThreadID implements proc.Thread.
func (t *Thread) ThreadID() int {
	return t.ID
}

// Registers implements proc.Thread.
func (t *Thread) Registers() (*proc.Registers, error) {
	return t.Regs.Copy(), nil
}

// SetRegisters implements proc.Thread.
func (t *Thread) SetRegisters(regs *proc.Registers) error {
	t.Regs = *regs.Copy()
	return nil
}

// ContinueToTrap implements proc.Thread.
func (t *Thread) ContinueToTrap() (uint64, error) {
	t.Continues++
	if t.OnContinue == nil {
		return 0, errNoScript
	}
	if err := t.OnContinue(t); err != nil {
		return 0, err
	}
	return t.Regs.Rip, nil
}

// Return simulates the running function returning value to a return
// address that holds a trap instruction: the return address is popped and
// the program counter ends up one byte past it.
func (t *Thread) Return(value uint64) error {
	ret, err := proc.ReadUint64(t, t.Regs.Rsp)
	if err != nil {
		return err
	}
	t.Regs.Rsp += 8
	t.Regs.Rax = value
	t.Regs.Rip = ret + 1
	return nil
}
