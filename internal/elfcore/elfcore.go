// Package elfcore implements the ELF CORE Parser of spec §4.2: it inspects
// the ELF identification to pick an architecture variant, then parses
// PT_LOAD and PT_NOTE program headers into typed records. It never
// interprets PCPU-register or hypervisor-anchor note payloads itself —
// PCPU registers are decoded by the architecture backend (internal/arch)
// and the anchor note by internal/host — it only classifies notes by type
// and hands back their raw bytes.
package elfcore

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/hvdump/xcrash/internal/memaddr"
	"github.com/hvdump/xcrash/internal/xerr"
)

// ArchID identifies one of the architecture variants spec §4 dispatches on.
// Only X86_64 is realised; the type exists so internal/arch can register
// additional variants without elfcore knowing about them.
type ArchID string

const (
	X86_64 ArchID = "x86_64"
)

// NoteType classifies a CORE note's meaning. Unknown notes are kept (for
// advisory logging) but not interpreted further by this package.
type NoteType uint32

const (
	// NTPRStatus carries one physical CPU's general-purpose register
	// snapshot, mirroring the standard ELF NT_PRSTATUS note type.
	NTPRStatus NoteType = 1
	// NTXenCrashInfo is the hypervisor-specific anchor note: CPU count,
	// version, idle vCPU pointer, page-table root, console ring location.
	NTXenCrashInfo NoteType = 0x58454e31 // "XEN1"
	// NTUnknown is any note type this parser does not interpret. It is
	// still recorded (Note.RawType preserves the on-disk value) but never
	// matched by the host/arch decoders.
	NTUnknown NoteType = 0
)

// Note is one parsed CORE note.
type Note struct {
	Name    string
	Type    NoteType
	RawType uint32 // the on-disk type value, even if it maps to no NoteType
	Payload []byte
}

// Segment is one PT_LOAD program header, per spec §3's Load Segment.
// VirtStart is valid whenever HasVirt is true; a makedumpfile-style vmcore
// always carries both p_paddr and p_vaddr, but the field stays optional so
// a future non-kdump producer that only sets p_paddr still parses.
type Segment struct {
	PhysStart  memaddr.Address
	FileOffset int64
	Length     int64
	VirtStart  memaddr.Address
	HasVirt    bool
}

// End returns the address just past the segment.
func (s Segment) End() memaddr.Address {
	return s.PhysStart.Add(s.Length)
}

// Result is everything the ELF CORE Parser extracts from one CORE file.
type Result struct {
	Arch       ArchID
	PtrSize    int
	ByteOrder  binary.ByteOrder
	Segments   []Segment // sorted by PhysStart, non-overlapping
	Notes      []Note
	Warnings   []string
}

// Parser holds the open ELF file across the identification and parse steps.
type Parser struct {
	elf *elf.File
	arch ArchID
}

// Create opens path, inspects the ELF identification, and selects an
// architecture variant. It fails fast with UnsupportedArch for any
// identification other than 64-bit little-endian EM_X86_64, per spec §4.2.
func Create(path string) (ArchID, *Parser, error) {
	f, err := elf.Open(path)
	if err != nil {
		return "", nil, xerr.Wrap(xerr.IO, xerr.Fatal, err, "opening ELF CORE file %s", path)
	}
	if f.Type != elf.ET_CORE {
		f.Close()
		return "", nil, xerr.New(xerr.InvalidFormat, xerr.Fatal, "%s is not an ELF core file (e_type=%s)", path, f.Type)
	}
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB {
		arch := f.Class.String() + "/" + f.Data.String()
		f.Close()
		return "", nil, xerr.New(xerr.UnsupportedArch, xerr.Fatal, "unsupported architecture identification %s", arch)
	}
	if f.Machine != elf.EM_X86_64 {
		f.Close()
		return "", nil, xerr.New(xerr.UnsupportedArch, xerr.Fatal, "unsupported machine type %s", f.Machine)
	}
	return X86_64, &Parser{elf: f, arch: X86_64}, nil
}

// Close releases the underlying file.
func (p *Parser) Close() error {
	return p.elf.Close()
}

// Parse walks every program header and returns the typed Result. Truncated
// headers, negative/overflowing sizes, and overlapping PT_LOADs are fatal,
// per spec §4.2's error policy; individual unparseable notes are recorded
// as warnings rather than failing the whole parse.
func (p *Parser) Parse() (*Result, error) {
	res := &Result{
		Arch:      p.arch,
		PtrSize:   8,
		ByteOrder: p.elf.ByteOrder,
	}

	for _, prog := range p.elf.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			seg, err := segmentFromProg(prog)
			if err != nil {
				return nil, err
			}
			res.Segments = append(res.Segments, seg)
		case elf.PT_NOTE:
			notes, warnings, err := parseNotes(p.elf, prog)
			if err != nil {
				return nil, err
			}
			res.Notes = append(res.Notes, notes...)
			res.Warnings = append(res.Warnings, warnings...)
		}
	}

	if len(res.Segments) == 0 {
		return nil, xerr.New(xerr.InvalidFormat, xerr.Fatal, "CORE file has zero PT_LOAD segments")
	}

	sort.Slice(res.Segments, func(i, j int) bool {
		return res.Segments[i].PhysStart < res.Segments[j].PhysStart
	})
	for i := 1; i < len(res.Segments); i++ {
		prev, cur := res.Segments[i-1], res.Segments[i]
		if cur.PhysStart < prev.End() {
			return nil, xerr.New(xerr.InvalidFormat, xerr.Fatal,
				"overlapping PT_LOAD segments: [%s,%s) and [%s,%s)",
				prev.PhysStart, prev.End(), cur.PhysStart, cur.End())
		}
	}

	return res, nil
}

func segmentFromProg(prog *elf.Prog) (Segment, error) {
	if prog.Filesz > prog.Memsz {
		return Segment{}, xerr.New(xerr.Truncated, xerr.Fatal,
			"PT_LOAD at paddr %#x has file size %d greater than memory size %d", prog.Paddr, prog.Filesz, prog.Memsz)
	}
	length := int64(prog.Filesz)
	if length < 0 || uint64(length) != prog.Filesz {
		return Segment{}, xerr.New(xerr.Truncated, xerr.Fatal, "PT_LOAD length overflow at paddr %#x", prog.Paddr)
	}
	if length == 0 {
		// Nothing backed by the file; not a segment we can read_phys from.
		return Segment{}, xerr.New(xerr.Truncated, xerr.Fatal, "PT_LOAD at paddr %#x has zero file-backed length", prog.Paddr)
	}
	seg := Segment{
		PhysStart:  memaddr.Address(prog.Paddr),
		FileOffset: int64(prog.Off),
		Length:     length,
		VirtStart:  memaddr.Address(prog.Vaddr),
		HasVirt:    true,
	}
	return seg, nil
}

func parseNotes(f *elf.File, prog *elf.Prog) ([]Note, []string, error) {
	size := prog.Filesz
	b := make([]byte, size)
	if _, err := prog.ReadAt(b, 0); err != nil {
		return nil, nil, xerr.Wrap(xerr.Truncated, xerr.Fatal, err, "reading PT_NOTE segment")
	}

	var notes []Note
	var warnings []string
	order := f.ByteOrder
	for len(b) > 0 {
		if len(b) < 12 {
			warnings = append(warnings, "truncated note header at end of PT_NOTE segment")
			break
		}
		namesz := order.Uint32(b[0:4])
		descsz := order.Uint32(b[4:8])
		typ := order.Uint32(b[8:12])
		b = b[12:]

		nameEnd := align4(uint64(namesz))
		if uint64(len(b)) < nameEnd {
			warnings = append(warnings, fmt.Sprintf("truncated note name (namesz=%d)", namesz))
			break
		}
		var name string
		if namesz > 0 {
			name = string(b[:namesz-1]) // drop the NUL terminator
		}
		b = b[nameEnd:]

		descEnd := align4(uint64(descsz))
		if uint64(len(b)) < descEnd {
			warnings = append(warnings, fmt.Sprintf("truncated note payload for %q (descsz=%d)", name, descsz))
			break
		}
		payload := append([]byte(nil), b[:descsz]...)
		b = b[descEnd:]

		notes = append(notes, Note{
			Name:    name,
			Type:    classifyNote(typ),
			RawType: typ,
			Payload: payload,
		})
	}
	return notes, warnings, nil
}

func classifyNote(raw uint32) NoteType {
	switch NoteType(raw) {
	case NTPRStatus, NTXenCrashInfo:
		return NoteType(raw)
	default:
		return NTUnknown
	}
}

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}
