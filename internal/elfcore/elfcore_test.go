package elfcore

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildMinimalCore writes a synthetic ELF64 core file with the given
// PT_LOAD segments (paddr, vaddr, data) and PT_NOTE payload, returning the
// file path. It's a hand-rolled writer rather than a library because the
// test only needs the exact byte layout the parser under test consumes.
func buildMinimalCore(t *testing.T, loads [][]byte, loadAddrs []uint64, note []byte) string {
	t.Helper()
	const (
		ehdrSize = 64
		phdrSize = 56
	)
	phnum := len(loads) + 1 // +1 for PT_NOTE
	phoff := uint64(ehdrSize)
	dataOff := phoff + uint64(phnum)*phdrSize

	var noteOff uint64
	var loadOffs []uint64
	noteOff = dataOff
	off := noteOff + uint64(len(note))
	for _, d := range loads {
		loadOffs = append(loadOffs, off)
		off += uint64(len(d))
	}

	buf := make([]byte, off)
	// e_ident
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	le := binary.LittleEndian
	le.PutUint16(buf[16:18], 4)       // ET_CORE
	le.PutUint16(buf[18:20], 62)      // EM_X86_64
	le.PutUint32(buf[20:24], 1)       // e_version
	le.PutUint64(buf[32:40], phoff)   // e_phoff
	le.PutUint16(buf[52:54], ehdrSize)
	le.PutUint16(buf[54:56], phdrSize)
	le.PutUint16(buf[56:58], uint16(phnum))

	writePhdr := func(i int, typ uint32, flags uint32, offset, vaddr, paddr, filesz, memsz uint64) {
		p := buf[phoff+uint64(i)*phdrSize:]
		le.PutUint32(p[0:4], typ)
		le.PutUint32(p[4:8], flags)
		le.PutUint64(p[8:16], offset)
		le.PutUint64(p[16:24], vaddr)
		le.PutUint64(p[24:32], paddr)
		le.PutUint64(p[32:40], filesz)
		le.PutUint64(p[40:48], memsz)
		le.PutUint64(p[48:56], 0)
	}

	writePhdr(0, 4 /* PT_NOTE */, 4, noteOff, 0, 0, uint64(len(note)), uint64(len(note)))
	copy(buf[noteOff:], note)

	for i, d := range loads {
		writePhdr(i+1, 1 /* PT_LOAD */, 7, loadOffs[i], loadAddrs[i], loadAddrs[i], uint64(len(d)), uint64(len(d)))
		copy(buf[loadOffs[i]:], d)
	}

	path := filepath.Join(t.TempDir(), "core")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func buildNote(name string, typ uint32, payload []byte) []byte {
	le := binary.LittleEndian
	nameBytes := append([]byte(name), 0)
	pad := func(n int) int { return (n + 3) &^ 3 }
	buf := make([]byte, 0, 12+pad(len(nameBytes))+pad(len(payload)))
	hdr := make([]byte, 12)
	le.PutUint32(hdr[0:4], uint32(len(nameBytes)))
	le.PutUint32(hdr[4:8], uint32(len(payload)))
	le.PutUint32(hdr[8:12], typ)
	buf = append(buf, hdr...)
	buf = append(buf, nameBytes...)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	buf = append(buf, payload...)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

func TestCreateRejectsNonCore(t *testing.T) {
	path := buildMinimalCore(t, [][]byte{make([]byte, 0x1000)}, []uint64{0}, nil)
	// Flip the e_type field to something other than ET_CORE.
	data, _ := os.ReadFile(path)
	binary.LittleEndian.PutUint16(data[16:18], 2) // ET_EXEC
	os.WriteFile(path, data, 0o644)

	if _, _, err := Create(path); err == nil {
		t.Fatalf("expected Create to reject a non-core ELF file")
	}
}

func TestParseMinimalCore(t *testing.T) {
	note := buildNote("XEN1", uint32(NTXenCrashInfo), []byte{1, 0, 0, 0})
	path := buildMinimalCore(t, [][]byte{make([]byte, 0x1000)}, []uint64{0}, note)

	_, p, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Close()

	res, err := p.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(res.Segments))
	}
	if res.Segments[0].Length != 0x1000 {
		t.Fatalf("expected length 0x1000, got %#x", res.Segments[0].Length)
	}
	if len(res.Notes) != 1 || res.Notes[0].Type != NTXenCrashInfo {
		t.Fatalf("expected one XEN1 note, got %+v", res.Notes)
	}
}

func TestParseOverlappingLoadsFails(t *testing.T) {
	note := buildNote("XEN1", uint32(NTXenCrashInfo), []byte{1, 0, 0, 0})
	loads := [][]byte{make([]byte, 0x1000), make([]byte, 0x1000)}
	addrs := []uint64{0, 0xfff} // overlaps [0,0x1000) by one byte
	path := buildMinimalCore(t, loads, addrs, note)

	_, p, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Close()

	if _, err := p.Parse(); err == nil {
		t.Fatalf("expected Parse to fail on overlapping PT_LOAD segments")
	}
}

func TestParseZeroLoadsFails(t *testing.T) {
	path := buildMinimalCore(t, nil, nil, buildNote("XEN1", uint32(NTXenCrashInfo), []byte{1}))

	_, p, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Close()

	if _, err := p.Parse(); err == nil {
		t.Fatalf("expected Parse to fail with zero PT_LOAD segments")
	}
}
