package hook

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

const (
	int3 = 0xcc
	nop  = 0x90

	relJmpLen = 5
	absJmpLen = 14

	// stubSize fits a breakpoint and the longest jump.
	stubSize = 1 + absJmpLen

	// maxPrologue is the number of bytes read at a target: enough for the
	// longest patch plus one maximum length instruction.
	maxPrologue = absJmpLen + 15
)

// jmpRel encodes jmp rel32 at from. It returns false if to is out of
// range.
func jmpRel(from, to uint64) ([]byte, bool) {
	rel := int64(to) - int64(from+relJmpLen)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return nil, false
	}
	b := make([]byte, relJmpLen)
	b[0] = 0xe9
	binary.LittleEndian.PutUint32(b[1:], uint32(int32(rel)))
	return b, true
}

// jmpAbs encodes jmp qword ptr [rip+0] followed by the destination.
func jmpAbs(to uint64) []byte {
	b := make([]byte, absJmpLen)
	b[0], b[1] = 0xff, 0x25
	binary.LittleEndian.PutUint64(b[6:], to)
	return b
}

// jmp encodes the shortest jump from from to to.
func jmp(from, to uint64) []byte {
	if b, ok := jmpRel(from, to); ok {
		return b
	}
	return jmpAbs(to)
}

// stealLen returns the length of the whole instructions at the start of
// code that cover at least n bytes. Instructions that depend on their own
// address can not be moved to a trampoline and make it fail.
func stealLen(code []byte, n int) (int, error) {
	off := 0
	for off < n {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v at +%#x", ErrNotRelocatable, err, off)
		}
		if err := relocatable(inst); err != nil {
			return 0, fmt.Errorf("%w: %v at +%#x", ErrNotRelocatable, err, off)
		}
		off += inst.Len
	}
	return off, nil
}

func relocatable(inst x86asm.Inst) error {
	switch inst.Op {
	case x86asm.INT:
		return errors.New("breakpoint instruction")
	case x86asm.RET, x86asm.LRET:
		return errors.New("function shorter than the patch")
	}
	for _, arg := range inst.Args {
		switch arg := arg.(type) {
		case x86asm.Rel:
			return fmt.Errorf("relative branch %v", inst.Op)
		case x86asm.Mem:
			if arg.Base == x86asm.RIP {
				return fmt.Errorf("rip relative operand in %v", inst.Op)
			}
		}
	}
	return nil
}
