// Package memmap implements the Memory Map component of spec §4.3: it
// indexes the CORE file's PT_LOAD segments by physical address range,
// serves read_phys, and composes a per-architecture page-table walker
// (internal/arch) to serve virt_to_phys and read_virt.
package memmap

import (
	"os"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/hvdump/xcrash/internal/arch"
	"github.com/hvdump/xcrash/internal/elfcore"
	"github.com/hvdump/xcrash/internal/memaddr"
	"github.com/hvdump/xcrash/internal/xerr"
)

// PageTableWalker resolves a virtual address to a physical one by walking
// captured paging structures rooted at root, via the Map's own read_phys.
// Implemented per-architecture (internal/arch/x86_64 is the only realised
// variant); the Map depends on this interface, not on any concrete arch
// package, keeping the dispatch seam at internal/arch per spec §9.
type PageTableWalker interface {
	WalkPageTable(m *Map, root memaddr.Address, virt memaddr.Address, access memaddr.Access) (memaddr.Address, error)
}

// Map is the Memory Map: a sorted, non-overlapping set of Load Segments
// backed by one open CORE file, plus whatever PageTableWalker the caller
// configured for virt_to_phys.
//
// Map is thread-compatible but not thread-safe, matching spec §5: callers
// must not call its methods concurrently.
type Map struct {
	core     *os.File
	segments []elfcore.Segment // sorted by PhysStart
	walker   PageTableWalker
	pageSize int64
}

// Setup opens coreFile for random reads and indexes parsed.Segments. The
// segments are assumed already validated (sorted, non-overlapping) by
// elfcore.Parse; Setup re-sorts defensively but does not re-validate
// overlap, since that invariant is elfcore's to enforce.
func Setup(coreFile string, parsed *elfcore.Result, walker PageTableWalker) (*Map, error) {
	f, err := os.Open(coreFile)
	if err != nil {
		return nil, xerr.Wrap(xerr.IO, xerr.Fatal, err, "opening CORE file %s for reading", coreFile)
	}
	segs := append([]elfcore.Segment(nil), parsed.Segments...)
	sort.Slice(segs, func(i, j int) bool { return segs[i].PhysStart < segs[j].PhysStart })

	return &Map{
		core:     f,
		segments: segs,
		walker:   walker,
		pageSize: int64(unix.Getpagesize()),
	}, nil
}

// Close releases the underlying CORE file descriptor.
func (m *Map) Close() error {
	return m.core.Close()
}

// findSegment returns the segment covering phys, or nil.
func (m *Map) findSegment(phys memaddr.Address) *elfcore.Segment {
	i := sort.Search(len(m.segments), func(i int) bool {
		return m.segments[i].End() > phys
	})
	if i == len(m.segments) {
		return nil
	}
	s := &m.segments[i]
	if phys < s.PhysStart {
		return nil
	}
	return s
}

// ReadPhys reads len(buf) bytes starting at physical address phys. The
// whole read must land in a single segment — segments are contiguous in
// physical space only by coincidence, never by guarantee, so a read that
// would span two segments is an error rather than silently stitching them
// together.
func (m *Map) ReadPhys(phys memaddr.Address, buf []byte) error {
	seg := m.findSegment(phys)
	if seg == nil {
		return xerr.AtAddress(xerr.PageFaultOutOfMap, xerr.EntityFatal, uint64(phys), "physical address not covered by any PT_LOAD segment")
	}
	end := phys.Add(int64(len(buf)))
	if end > seg.End() {
		return xerr.AtAddress(xerr.PageFaultOutOfMap, xerr.EntityFatal, uint64(phys),
			"read of %d bytes at %s would span past segment end %s", len(buf), phys, seg.End())
	}
	fileOff := seg.FileOffset + phys.Sub(seg.PhysStart)
	n, err := m.core.ReadAt(buf, fileOff)
	if err != nil {
		return xerr.Wrap(xerr.IO, xerr.EntityFatal, err, "reading %d bytes at physical address %s", len(buf), phys)
	}
	if n != len(buf) {
		return xerr.New(xerr.Truncated, xerr.EntityFatal, "short read at physical address %s: got %d of %d bytes", phys, n, len(buf))
	}
	return nil
}

// ReadPhysBytes is a convenience wrapper returning a freshly allocated
// buffer instead of writing into a caller-supplied one.
func (m *Map) ReadPhysBytes(phys memaddr.Address, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := m.ReadPhys(phys, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// VirtToPhys walks the captured page tables rooted at root to translate
// virt to a physical address, per spec §4.3. The actual per-architecture
// walk is delegated to the configured PageTableWalker.
func (m *Map) VirtToPhys(root memaddr.Address, virt memaddr.Address, access memaddr.Access) (memaddr.Address, error) {
	if m.walker == nil {
		return 0, xerr.New(xerr.UnsupportedArch, xerr.Fatal, "no page-table walker configured")
	}
	return m.walker.WalkPageTable(m, root, virt, access)
}

// ReadVirt composes VirtToPhys with ReadPhys, handling page-boundary
// splits: each iteration resolves and reads only up to the end of the
// current page. A faulting page aborts the entire read, per spec §4.3.
func (m *Map) ReadVirt(root memaddr.Address, virt memaddr.Address, buf []byte) error {
	for len(buf) > 0 {
		pageEnd := virt.Align(m.pageSize).Add(m.pageSize)
		chunk := int64(len(buf))
		if room := pageEnd.Sub(virt); room < chunk {
			chunk = room
		}
		phys, err := m.VirtToPhys(root, virt, memaddr.AccessRead)
		if err != nil {
			return err
		}
		if err := m.ReadPhys(phys, buf[:chunk]); err != nil {
			return err
		}
		buf = buf[chunk:]
		virt = virt.Add(chunk)
	}
	return nil
}

// archWalker adapts an arch.Backend's WalkPageTable (which reads via the
// narrower arch.MemReader seam) to the PageTableWalker interface this
// package's Map expects, so callers don't need their own glue.
type archWalker struct {
	backend arch.Backend
}

func (w archWalker) WalkPageTable(m *Map, root, virt memaddr.Address, access memaddr.Access) (memaddr.Address, error) {
	return w.backend.WalkPageTable(m, root, virt, access)
}

// ArchWalker wraps backend as a PageTableWalker, letting Setup's walker
// argument be any registered internal/arch.Backend directly.
func ArchWalker(backend arch.Backend) PageTableWalker {
	return archWalker{backend: backend}
}

// Segments returns the sorted, non-overlapping Load Segments backing this
// map, for callers (e.g. the host walker's overview report) that want to
// summarize total captured memory.
func (m *Map) Segments() []elfcore.Segment {
	return m.segments
}

// PageSize reports the host page size used to split ReadVirt at boundaries.
func (m *Map) PageSize() int64 {
	return m.pageSize
}
