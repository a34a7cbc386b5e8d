package x86_64

import (
	"encoding/binary"

	"github.com/hvdump/xcrash/internal/arch"
	"github.com/hvdump/xcrash/internal/memaddr"
	"github.com/hvdump/xcrash/internal/xerr"
)

// guestKindDiscriminatorOff is the offset, within the hypervisor's vCPU
// structure, of the field that tells a hardware-virtualised (HVM) guest
// from a paravirtualised (PV) one apart. 0 means PV, 1 means HVM.
const guestKindDiscriminatorOff = 0

// layout describes where, within a vCPU structure, the guest register
// save area for one guest kind begins, for one hypervisor version.
type layout struct {
	pvRegsOff  int64 // offset of the pt_regs-shaped PV save area
	hvmRegsOff int64 // offset of the VMCS-mirrored HVM save area
}

// knownLayouts is consulted newest-first; layoutFor returns the first
// entry whose MinVersion is <= the requested version, so a hypervisor
// version newer than anything known still gets the newest layout (per
// spec §4.4: "unknown versions ... decoding proceeds with the newest
// known layout").
var knownLayouts = []struct {
	MinVersion arch.Version
	layout
}{
	{arch.Version{Major: 4, Minor: 6}, layout{pvRegsOff: 0x20, hvmRegsOff: 0x120}},
	{arch.Version{Major: 4, Minor: 0}, layout{pvRegsOff: 0x18, hvmRegsOff: 0x110}},
}

func layoutFor(v arch.Version, log func(string, ...any)) layout {
	for _, l := range knownLayouts {
		if !v.Less(l.MinVersion) {
			return l.layout
		}
	}
	if log != nil {
		log("unrecognised hypervisor version %s; decoding with newest known vCPU layout", v)
	}
	return knownLayouts[0].layout
}

// hvmRegOffsets gives the byte offset of each named register within the
// VMCS-mirrored HVM save area, relative to hvmRegsOff.
var hvmRegOffsets = map[string]int64{
	"rax": 0x00, "rbx": 0x08, "rcx": 0x10, "rdx": 0x18,
	"rsi": 0x20, "rdi": 0x28, "rbp": 0x30, "rsp": 0x38,
	"r8": 0x40, "r9": 0x48, "r10": 0x50, "r11": 0x58,
	"r12": 0x60, "r13": 0x68, "r14": 0x70, "r15": 0x78,
	"rip": 0x80, "rflags": 0x88,
}

// pvRegOffsets mirrors the pt_regs ordering used by DecodePCPURegisters
// (see gpRegNames) so the same register names resolve in both PV guest
// frames and PCPU notes.
var pvRegOffsets = map[string]int64{
	"r15": 0x00, "r14": 0x08, "r13": 0x10, "r12": 0x18,
	"rbp": 0x20, "rbx": 0x28, "r11": 0x30, "r10": 0x38,
	"r9": 0x40, "r8": 0x48, "rax": 0x50, "rcx": 0x58,
	"rdx": 0x60, "rsi": 0x68, "rdi": 0x70, "orig_rax": 0x78,
	"rip": 0x80, "cs": 0x88, "rflags": 0x90, "rsp": 0x98, "ss": 0xa0,
}

const vcpuFrameReadSize = 0xa8 // enough to cover either save area's known fields

// DecodeVCPUFrame implements arch.Backend.DecodeVCPUFrame for x86_64, per
// spec §4.4: reads the discriminator at vcpuPhys to tell HVM from PV
// guests apart, then decodes the matching save area using a layout chosen
// by hvVersion.
func (b *Backend) DecodeVCPUFrame(mem arch.MemReader, vcpuPhys memaddr.Address, hvVersion arch.Version) (arch.VCPUFrame, error) {
	var discBuf [4]byte
	if err := mem.ReadPhys(vcpuPhys.Add(guestKindDiscriminatorOff), discBuf[:]); err != nil {
		return arch.VCPUFrame{}, err
	}
	disc := binary.LittleEndian.Uint32(discBuf[:])

	l := layoutFor(hvVersion, b.logf)

	var kind arch.GuestKind
	var areaOff int64
	var offsets map[string]int64
	switch disc {
	case 0:
		kind = arch.GuestPV
		areaOff = l.pvRegsOff
		offsets = pvRegOffsets
	case 1:
		kind = arch.GuestHVM
		areaOff = l.hvmRegsOff
		offsets = hvmRegOffsets
	default:
		return arch.VCPUFrame{}, xerr.New(xerr.StructLayoutMismatch, xerr.EntityFatal,
			"unrecognised vCPU guest-kind discriminator %d", disc)
	}

	buf := make([]byte, vcpuFrameReadSize)
	if err := mem.ReadPhys(vcpuPhys.Add(areaOff), buf); err != nil {
		return arch.VCPUFrame{}, err
	}

	gp := make(map[string]uint64, len(offsets))
	for name, off := range offsets {
		if int(off)+8 > len(buf) {
			continue
		}
		gp[name] = binary.LittleEndian.Uint64(buf[off:])
	}

	frame := arch.VCPUFrame{Kind: kind, GP: gp}
	frame.RIP = addrOf(gp["rip"])
	frame.RSP = addrOf(gp["rsp"])
	frame.RFLAGS = gp["rflags"]
	return frame, nil
}
