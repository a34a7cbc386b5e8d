package x86_64

import (
	"encoding/binary"

	"github.com/hvdump/xcrash/internal/arch"
	"github.com/hvdump/xcrash/internal/xerr"
)

// gpRegNames is the order Linux's elf_gregset_t (and this hypervisor's
// per-PCPU NT_PRSTATUS-class note, which follows the same convention so
// existing crash/gdb tooling can read it) lays out the 27 general-purpose
// slots of a saved x86_64 register file.
//
// Offsets below mirror struct elf_prstatus from sys/procfs.h: pr_pid at
// offset 32 (4 bytes), pr_reg (elf_gregset_t, 216 bytes) at offset 112.
var gpRegNames = []string{
	"r15", "r14", "r13", "r12", "rbp", "rbx", "r11", "r10",
	"r9", "r8", "rax", "rcx", "rdx", "rsi", "rdi", "orig_rax",
	"rip", "cs", "eflags", "rsp", "ss", "fs_base", "gs_base",
	"ds", "es", "fs", "gs",
}

const (
	prstatusRegOff  = 112
	prstatusRegSize = len(gpRegNames) * 8
	// extendedRegOff is where this hypervisor appends the control
	// registers and MSRs the standard elf_gregset_t has no room for, per
	// spec §4.2's "architecture-specific extensions carrying control
	// registers".
	extendedRegOff  = prstatusRegOff + prstatusRegSize
	extendedRegSize = 6 * 8 // CR0, CR2, CR3, CR4, MSR_GS_BASE, MSR_KERNEL_GS_BASE
	minPRStatusSize = extendedRegOff + extendedRegSize
)

// DecodePCPURegisters implements arch.Backend.DecodePCPURegisters for
// x86_64, per spec §4.4: general-purpose registers, RIP/RSP/RFLAGS,
// segment selectors, CR0-CR4, MSR_GS_BASE, MSR_KERNEL_GS_BASE.
func (b *Backend) DecodePCPURegisters(raw []byte) (arch.PCPURegisters, error) {
	if len(raw) < minPRStatusSize {
		return arch.PCPURegisters{}, xerr.New(xerr.StructLayoutMismatch, xerr.EntityFatal,
			"PCPU register note too short: got %d bytes, want at least %d", len(raw), minPRStatusSize)
	}

	order := binary.LittleEndian
	gp := make(map[string]uint64, len(gpRegNames))
	for i, name := range gpRegNames {
		gp[name] = order.Uint64(raw[prstatusRegOff+i*8:])
	}

	ext := raw[extendedRegOff:]
	regs := arch.PCPURegisters{
		GP:              gp,
		RFLAGS:          gp["eflags"],
		CS:              uint16(gp["cs"]),
		SS:              uint16(gp["ss"]),
		DS:              uint16(gp["ds"]),
		ES:              uint16(gp["es"]),
		FS:              uint16(gp["fs"]),
		GS:              uint16(gp["gs"]),
		CR0:             order.Uint64(ext[0:8]),
		CR2:             order.Uint64(ext[8:16]),
		CR3:             order.Uint64(ext[16:24]),
		CR4:             order.Uint64(ext[24:32]),
		MSRGSBase:       order.Uint64(ext[32:40]),
		MSRKernelGSBase: order.Uint64(ext[40:48]),
	}
	regs.RIP = addrOf(gp["rip"])
	regs.RSP = addrOf(gp["rsp"])
	return regs, nil
}
