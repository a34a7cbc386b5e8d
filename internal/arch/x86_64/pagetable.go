package x86_64

import (
	"encoding/binary"

	"github.com/hvdump/xcrash/internal/arch"
	"github.com/hvdump/xcrash/internal/memaddr"
	"github.com/hvdump/xcrash/internal/xerr"
)

// Page-table-entry bit layout, following the naming convention of a
// typical amd64 paging implementation (PTE_P/PTE_W/.../PTE_ADDR).
const (
	// PTE_P marks an entry present.
	PTE_P uint64 = 1 << 0
	// PTE_W marks an entry writable.
	PTE_W uint64 = 1 << 1
	// PTE_U marks an entry user-accessible.
	PTE_U uint64 = 1 << 2
	// PTE_PS marks a large-page (1G at PDPT level, 2M at PD level) entry.
	PTE_PS uint64 = 1 << 7
	// PTE_NX marks an entry non-executable.
	PTE_NX uint64 = 1 << 63

	pteAddrMask  uint64 = 0x000f_ffff_ffff_f000
	largePDEMask uint64 = 0x000f_ffff_ffe0_0000 // 2M-aligned
	largePDPMask uint64 = 0x000f_ffff_c000_0000 // 1G-aligned

	// reservedMask covers bits 52-62: outside the 52-bit physical address
	// width this hypervisor's page tables use and not assigned to any flag
	// this walker understands (bit 63, NX, is the one high bit that is
	// legitimately set). A real CPU raises a reserved-bit #PF here; this
	// walker reports the equivalent PageFaultReserved.
	reservedMask uint64 = 0x7ff0_0000_0000_0000
	// largePDEReservedMask/largePDPReservedMask cover the low bits of a
	// large-page entry's frame field that must be zero: bits 13-20 for a
	// 2M page, bits 13-29 for a 1G page.
	largePDEReservedMask uint64 = 0x1f_e000
	largePDPReservedMask uint64 = 0x3fff_e000

	entriesPerTable = 512
	pageShift       = 12
	entryShift      = 9 // log2(512)
)

func pteAddr(pte uint64) memaddr.Address {
	return memaddr.Address(pte & pteAddrMask)
}

// index extracts the 9-bit index for paging level (0=PT, 1=PD, 2=PDPT, 3=PML4).
func index(virt memaddr.Address, level uint) uint64 {
	return (uint64(virt) >> (pageShift + entryShift*level)) & (entriesPerTable - 1)
}

// WalkPageTable implements arch.Backend.WalkPageTable for x86_64: a
// standard 4-level PML4->PDPT->PD->PT walk, with large-page short circuits
// at the PDPT (1 GiB) and PD (2 MiB) levels when the page-size bit is set,
// per spec §4.3/§4.4.
func (b *Backend) WalkPageTable(mem arch.MemReader, root memaddr.Address, virt memaddr.Address, access memaddr.Access) (memaddr.Address, error) {
	tableAddr := root.Align(1 << pageShift)

	// Levels 3 (PML4) down to 1 (PD): read one entry, check present/reserved,
	// descend unless this is a PD entry with the PS bit set.
	for level := uint(3); level >= 1; level-- {
		entry, err := readEntry(mem, tableAddr, index(virt, level))
		if err != nil {
			return 0, err
		}
		if entry&PTE_P == 0 {
			return 0, xerr.AtAddress(xerr.PageFaultNonPresent, xerr.EntityFatal, uint64(virt),
				"non-present page-table entry at level %d", level)
		}
		if entry&reservedMask != 0 {
			return 0, xerr.AtAddress(xerr.PageFaultReserved, xerr.EntityFatal, uint64(virt),
				"reserved bits set in page-table entry at level %d", level)
		}
		if err := checkAccess(entry, access, virt); err != nil {
			return 0, err
		}
		if level <= 2 && entry&PTE_PS != 0 {
			return largePagePhys(entry, virt, level)
		}
		tableAddr = pteAddr(entry)
	}

	// Level 0 (PT): the final 4K entry.
	entry, err := readEntry(mem, tableAddr, index(virt, 0))
	if err != nil {
		return 0, err
	}
	if entry&PTE_P == 0 {
		return 0, xerr.AtAddress(xerr.PageFaultNonPresent, xerr.EntityFatal, uint64(virt), "non-present page-table entry at level 0")
	}
	if entry&reservedMask != 0 {
		return 0, xerr.AtAddress(xerr.PageFaultReserved, xerr.EntityFatal, uint64(virt), "reserved bits set in page-table entry at level 0")
	}
	if err := checkAccess(entry, access, virt); err != nil {
		return 0, err
	}
	return pteAddr(entry).Add(int64(uint64(virt) & 0xfff)), nil
}

func largePagePhys(entry uint64, virt memaddr.Address, level uint) (memaddr.Address, error) {
	switch level {
	case 2: // PDPT: 1 GiB page
		if entry&largePDPReservedMask != 0 {
			return 0, xerr.AtAddress(xerr.PageFaultReserved, xerr.EntityFatal, uint64(virt),
				"reserved low bits set in 1G page-table entry")
		}
		base := entry & largePDPMask
		offset := uint64(virt) & 0x3fff_ffff
		return memaddr.Address(base | offset), nil
	case 1: // PD: 2 MiB page
		if entry&largePDEReservedMask != 0 {
			return 0, xerr.AtAddress(xerr.PageFaultReserved, xerr.EntityFatal, uint64(virt),
				"reserved low bits set in 2M page-table entry")
		}
		base := entry & largePDEMask
		offset := uint64(virt) & 0x1f_ffff
		return memaddr.Address(base | offset), nil
	default:
		return 0, xerr.New(xerr.StructLayoutMismatch, xerr.EntityFatal, "page-size bit set at unexpected paging level %d", level)
	}
}

func checkAccess(entry uint64, access memaddr.Access, virt memaddr.Address) error {
	if access == memaddr.AccessWrite && entry&PTE_W == 0 {
		return xerr.AtAddress(xerr.PageFaultNonPresent, xerr.EntityFatal, uint64(virt), "write fault on read-only page-table entry")
	}
	if access == memaddr.AccessExec && entry&PTE_NX != 0 {
		return xerr.AtAddress(xerr.PageFaultNonPresent, xerr.EntityFatal, uint64(virt), "exec fault on NX page-table entry")
	}
	return nil
}

func readEntry(mem arch.MemReader, tableAddr memaddr.Address, idx uint64) (uint64, error) {
	var buf [8]byte
	entryAddr := tableAddr.Add(int64(idx * 8))
	if err := mem.ReadPhys(entryAddr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
