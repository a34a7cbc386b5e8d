package x86_64

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"

	"github.com/hvdump/xcrash/internal/arch"
	"github.com/hvdump/xcrash/internal/memaddr"
)

// maxInstrLen is long enough to cover any valid x86_64 instruction
// encoding (the architectural maximum is 15 bytes).
const maxInstrLen = 16

// UnwindStack implements arch.Backend.UnwindStack for x86_64: a classic
// frame-pointer walk (return address at [bp+8], saved bp at [bp]), capped
// at maxDepth frames and stopped early if bp ever fails to increase (a
// cycle or corrupted chain, per spec §4.5).
func (b *Backend) UnwindStack(mem arch.MemReader, pc, sp, bp memaddr.Address, maxDepth int, symbolise func(memaddr.Address) (string, int64, bool)) ([]arch.StackFrame, error) {
	frames := make([]arch.StackFrame, 0, maxDepth)

	curPC, curBP := pc, bp
	for depth := 0; depth < maxDepth; depth++ {
		frame := arch.StackFrame{PC: curPC}
		if name, off, ok := symbolise(curPC); ok {
			frame.Symbol, frame.Offset = name, off
		}
		frame.Annotation = disassembleAt(mem, curPC)
		frames = append(frames, frame)

		if curBP == 0 {
			break
		}

		var link [16]byte
		if err := mem.ReadPhys(curBP, link[:]); err != nil {
			frames[len(frames)-1].Truncated = true
			break
		}
		savedBP := memaddr.Address(binary.LittleEndian.Uint64(link[0:8]))
		retAddr := memaddr.Address(binary.LittleEndian.Uint64(link[8:16]))

		if retAddr == 0 {
			break
		}
		if savedBP != 0 && savedBP <= curBP {
			// The chain must move strictly toward higher addresses (the
			// stack grows down from high to low as frames are pushed, so
			// unwinding must walk back up); anything else is a cycle.
			frames[len(frames)-1].Truncated = true
			break
		}

		curPC, curBP = retAddr, savedBP
		if depth == maxDepth-1 {
			frames[len(frames)-1].Truncated = true
		}
	}

	return frames, nil
}

// disassembleAt best-effort disassembles the instruction at pc, returning
// its mnemonic text or "" if the bytes can't be read or decoded.
func disassembleAt(mem arch.MemReader, pc memaddr.Address) string {
	var buf [maxInstrLen]byte
	if err := mem.ReadPhys(pc, buf[:]); err != nil {
		return ""
	}
	inst, err := x86asm.Decode(buf[:], 64)
	if err != nil {
		return ""
	}
	return x86asm.GNUSyntax(inst, uint64(pc), nil)
}
