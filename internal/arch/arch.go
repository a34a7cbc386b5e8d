// Package arch defines the architecture-dispatch seam of spec §4/§9: a
// capability set {parse_elf, decode_pcpu_registers, walk_pagetable,
// decode_vcpu_frame, stack_unwind} realised as one Go interface per
// supported ISA, selected via a small registry keyed by elfcore.ArchID
// instead of virtual dispatch.
package arch

import (
	"strconv"

	"github.com/hvdump/xcrash/internal/elfcore"
	"github.com/hvdump/xcrash/internal/memaddr"
)

// PCPURegisters is the canonical, architecture-neutral view of one
// physical CPU's register snapshot. Fields that don't apply to a given
// architecture are left zero; callers that need architecture-specific
// detail read the GP map, which holds every named register slot the
// backend decoded.
type PCPURegisters struct {
	GP       map[string]uint64 // general-purpose registers, by canonical name
	RIP      memaddr.Address
	RSP      memaddr.Address
	RFLAGS   uint64
	CS, SS, DS, ES, FS, GS uint16
	CR0, CR2, CR3, CR4     uint64
	MSRGSBase       uint64
	MSRKernelGSBase uint64
}

// GuestKind distinguishes the two vCPU register-save-area shapes spec §4.4
// requires the x86_64 backend to tell apart.
type GuestKind int

const (
	GuestUnknown GuestKind = iota
	GuestHVM
	GuestPV
)

func (k GuestKind) String() string {
	switch k {
	case GuestHVM:
		return "HVM"
	case GuestPV:
		return "PV"
	default:
		return "unknown"
	}
}

// VCPUFrame is the canonical, architecture-neutral view of one vCPU's
// saved guest register frame.
type VCPUFrame struct {
	Kind   GuestKind
	GP     map[string]uint64
	RIP    memaddr.Address
	RSP    memaddr.Address
	RFLAGS uint64
}

// StackFrame is one unwound frame: an instruction pointer plus (if
// symbolisable) the symbol name/offset it falls inside, filled in by the
// caller (which owns the relevant Symbol Table — hypervisor or
// control-domain, per spec §4.5).
type StackFrame struct {
	PC         memaddr.Address
	Symbol     string // empty if unsymbolisable
	Offset     int64
	Annotation string // e.g. the disassembled instruction mnemonic at PC, if available
	Truncated  bool   // true on the last frame if the unwind was cut short
}

// MemReader is the minimal read surface the page-table walker and the
// stack unwinder need; internal/memmap.Map satisfies it.
type MemReader interface {
	ReadPhys(phys memaddr.Address, buf []byte) error
}

// Backend is the capability set for one architecture variant.
type Backend interface {
	// ID reports which elfcore.ArchID this backend implements.
	ID() elfcore.ArchID

	// DecodePCPURegisters decodes a raw NT_PRSTATUS-class note payload
	// into the canonical register set.
	DecodePCPURegisters(raw []byte) (PCPURegisters, error)

	// WalkPageTable resolves virt to a physical address by walking the
	// captured page tables rooted at root, reading pages via mem.
	WalkPageTable(mem MemReader, root memaddr.Address, virt memaddr.Address, access memaddr.Access) (memaddr.Address, error)

	// DecodeVCPUFrame reads the vCPU structure at vcpuPhys (a physical
	// address supplied by the caller; no page-table walk is done here)
	// and decodes its guest register save area. hvVersion
	// lets the backend pick the struct layout matching the captured
	// hypervisor's version, per spec §4.4.
	DecodeVCPUFrame(mem MemReader, vcpuPhys memaddr.Address, hvVersion Version) (VCPUFrame, error)

	// UnwindStack performs a frame-pointer-based unwind starting at
	// (pc, sp, bp), symbolising each return address via symbolise. It
	// stops at maxDepth frames or when the saved frame pointer no longer
	// increases strictly (a cycle in corrupt memory).
	UnwindStack(mem MemReader, pc, sp, bp memaddr.Address, maxDepth int, symbolise func(memaddr.Address) (string, int64, bool)) ([]StackFrame, error)
}

// Version is the hypervisor version read from the anchor note, used to
// select among known struct layouts in DecodeVCPUFrame.
type Version struct {
	Major, Minor, Extra int
}

func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Extra < o.Extra
}

func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor) + "." + strconv.Itoa(v.Extra)
}

var registry = map[elfcore.ArchID]Backend{}

// Register adds a backend to the registry. Called from each backend
// package's init().
func Register(b Backend) {
	registry[b.ID()] = b
}

// Lookup returns the registered Backend for id, or ok=false if none is
// registered — the case spec §4.2 calls "unsupported architecture".
func Lookup(id elfcore.ArchID) (Backend, bool) {
	b, ok := registry[id]
	return b, ok
}
