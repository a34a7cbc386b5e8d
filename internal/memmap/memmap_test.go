package memmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hvdump/xcrash/internal/elfcore"
	"github.com/hvdump/xcrash/internal/memaddr"
	"github.com/hvdump/xcrash/internal/xerr"
)

func writeCoreFile(t *testing.T, contents []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "core")
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestReadPhysExactSegment(t *testing.T) {
	data := make([]byte, 0x1000)
	for i := range data {
		data[i] = byte(i)
	}
	path := writeCoreFile(t, data)
	parsed := &elfcore.Result{
		Segments: []elfcore.Segment{{PhysStart: 0, FileOffset: 0, Length: 0x1000}},
	}
	m, err := Setup(path, parsed, nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer m.Close()

	buf, err := m.ReadPhysBytes(0x10, 4)
	if err != nil {
		t.Fatalf("ReadPhys: %v", err)
	}
	for i, b := range buf {
		if b != byte(0x10+i) {
			t.Fatalf("byte %d = %d, want %d", i, b, 0x10+i)
		}
	}
}

func TestReadPhysOutOfMap(t *testing.T) {
	data := make([]byte, 0x1000)
	path := writeCoreFile(t, data)
	parsed := &elfcore.Result{
		Segments: []elfcore.Segment{{PhysStart: 0, FileOffset: 0, Length: 0x1000}},
	}
	m, err := Setup(path, parsed, nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer m.Close()

	err = m.ReadPhys(0x1000, make([]byte, 1))
	if err == nil {
		t.Fatalf("expected PageFault(OutOfMap) reading one byte past segment end")
	}
	if !isOutOfMap(err) {
		t.Fatalf("expected PageFaultOutOfMap, got %v", err)
	}
}

func TestReadPhysSpanningSegmentsFails(t *testing.T) {
	data := make([]byte, 0x2000)
	path := writeCoreFile(t, data)
	// Two adjacent but distinct segments: a read across the boundary must fail.
	parsed := &elfcore.Result{
		Segments: []elfcore.Segment{
			{PhysStart: 0, FileOffset: 0, Length: 0x1000},
			{PhysStart: 0x1000, FileOffset: 0x1000, Length: 0x1000},
		},
	}
	m, err := Setup(path, parsed, nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer m.Close()

	if _, err := m.ReadPhysBytes(0xffc, 8); err == nil {
		t.Fatalf("expected a spanning read to fail")
	}
}

func TestReadPhysGapBetweenSegments(t *testing.T) {
	data := make([]byte, 0x3000)
	path := writeCoreFile(t, data)
	parsed := &elfcore.Result{
		Segments: []elfcore.Segment{
			{PhysStart: 0, FileOffset: 0, Length: 0x1000},
			{PhysStart: 0x2000, FileOffset: 0x1000, Length: 0x1000},
		},
	}
	m, err := Setup(path, parsed, nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer m.Close()

	if _, err := m.ReadPhysBytes(0x1800, 1); err == nil {
		t.Fatalf("expected a read in the gap between segments to fail")
	}
}

type fakeWalker struct {
	phys memaddr.Address
	err  error
}

func (w *fakeWalker) WalkPageTable(m *Map, root, virt memaddr.Address, access memaddr.Access) (memaddr.Address, error) {
	if w.err != nil {
		return 0, w.err
	}
	return w.phys, nil
}

func TestVirtToPhysDeterministic(t *testing.T) {
	data := make([]byte, 0x1000)
	path := writeCoreFile(t, data)
	parsed := &elfcore.Result{
		Segments: []elfcore.Segment{{PhysStart: 0, FileOffset: 0, Length: 0x1000}},
	}
	w := &fakeWalker{phys: 0x100}
	m, err := Setup(path, parsed, w)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer m.Close()

	p1, err1 := m.VirtToPhys(0, 0xdead0000, memaddr.AccessRead)
	p2, err2 := m.VirtToPhys(0, 0xdead0000, memaddr.AccessRead)
	if p1 != p2 || err1 != err2 {
		t.Fatalf("VirtToPhys not deterministic across calls")
	}
}

func isOutOfMap(err error) bool {
	x, ok := err.(*xerr.Error)
	return ok && x.Kind == xerr.PageFaultOutOfMap
}
