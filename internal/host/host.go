// Package host decodes the hypervisor itself: the anchor note, the
// console ring buffer, per-PCPU state, and the domain list — spec §4.5's
// Host Walker (setup, decode_xen, print_xen, print_domains).
package host

import (
	"encoding/binary"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/hvdump/xcrash/internal/arch"
	"github.com/hvdump/xcrash/internal/domain"
	"github.com/hvdump/xcrash/internal/elfcore"
	"github.com/hvdump/xcrash/internal/memaddr"
	"github.com/hvdump/xcrash/internal/memmap"
	"github.com/hvdump/xcrash/internal/symtab"
	"github.com/hvdump/xcrash/internal/xerr"
)

// consoleRingCapacity is the maximum number of bytes Setup will
// reassemble from the console ring buffer, matching this hypervisor's
// compiled-in console buffer size.
const consoleRingCapacity = 16 << 10

// Host is the decoded state of the captured hypervisor.
type Host struct {
	Arch       elfcore.ArchID
	Version    arch.Version
	PCPUCount  int
	Console    string
	PCPUs      []PCPU
	Domains    []domain.Domain
	Warnings   []string
}

// PCPU is one decoded physical CPU: its saved register snapshot and the
// domain/vCPU it was running at capture time, if any.
type PCPU struct {
	ID          int
	Registers   arch.PCPURegisters
	StackTrace  []arch.StackFrame
	CurrentVCPU *domain.VCPU // nil if the PCPU was idle
}

// Setup decodes a host from parsed ELF CORE notes and the memory map,
// using backend for architecture-specific decoding and symtab to
// symbolise stack frames. anchor carries the fields the hypervisor's
// CORE anchor note is expected to hold: version, PCPU count, the console
// ring's head/tail/base, and the domain list head, already extracted by
// the caller from the raw note payload (spec §4.2's NT_XenCrashInfo).
func Setup(mem *memmap.Map, backend arch.Backend, symtab *symtab.Table, anchor Anchor, pcpuNotes [][]byte) (*Host, error) {
	h := &Host{Arch: backend.ID(), Version: anchor.Version, PCPUCount: len(pcpuNotes)}

	console, warn, err := decodeConsole(mem, anchor)
	if err != nil {
		return nil, err
	}
	h.Console = console
	if warn != "" {
		h.Warnings = append(h.Warnings, warn)
	}

	symbolise := func(pc memaddr.Address) (string, int64, bool) {
		if symtab == nil {
			return "", 0, false
		}
		return symtab.Symbolise(pc)
	}

	for i, raw := range pcpuNotes {
		regs, err := backend.DecodePCPURegisters(raw)
		if err != nil {
			h.Warnings = append(h.Warnings, fmt.Sprintf("PCPU %d: %v", i, err))
			continue
		}
		frames, err := backend.UnwindStack(mem, regs.RIP, regs.RSP, memaddr.Address(regs.GP["rbp"]), 64, symbolise)
		if err != nil {
			h.Warnings = append(h.Warnings, fmt.Sprintf("PCPU %d: stack unwind: %v", i, err))
		}
		h.PCPUs = append(h.PCPUs, PCPU{ID: i, Registers: regs, StackTrace: frames})
	}

	domains, domErrs := domain.DecodeList(mem, backend, anchor.DomainListHead, anchor.Version, symbolise)
	h.Domains = domains
	for _, e := range domErrs {
		h.Warnings = append(h.Warnings, e.Error())
	}

	wireCurrentVCPUs(h, anchor)

	return h, nil
}

// Anchor is the subset of the hypervisor's CORE anchor note this package
// needs, already decoded by the caller (internal/elfcore only classifies
// and returns the raw note payload; interpreting its fields is
// architecture/hypervisor-version-specific and lives here).
type Anchor struct {
	Version        arch.Version
	DomainListHead memaddr.Address
	ConsoleBase    memaddr.Address
	ConsoleHead    uint32
	ConsoleTail    uint32
	CurrentVCPUs   []memaddr.Address // per-PCPU, physical address or 0 if idle
}

// decodeConsole reassembles the console ring buffer per spec §4.5: the
// buffer is circular, so if the tail has wrapped past the head the valid
// range is [head, capacity) followed by [0, tail).
func decodeConsole(mem *memmap.Map, a Anchor) (string, string, error) {
	if a.ConsoleBase == 0 {
		return "", "", nil
	}
	buf := make([]byte, consoleRingCapacity)
	if err := mem.ReadPhys(a.ConsoleBase, buf); err != nil {
		return "", "", err
	}

	head, tail := a.ConsoleHead%consoleRingCapacity, a.ConsoleTail%consoleRingCapacity
	var out []byte
	var warn string
	switch {
	case head == tail:
		// Empty ring: nothing captured yet.
	case head < tail:
		out = buf[head:tail]
	default:
		// Wrapped: oldest bytes run from head to the end, then continue
		// from the start up to tail.
		out = append(append([]byte(nil), buf[head:]...), buf[:tail]...)
	}
	if len(out) == consoleRingCapacity {
		warn = "console ring buffer appears to have wrapped more than once; oldest output may be missing"
	}
	return string(out), warn, nil
}

// wireCurrentVCPUs annotates each PCPU with the vCPU it was running at
// capture time, matching the anchor note's per-PCPU current_vcpu_ptr
// against the physical address each domain.VCPU was decoded from.
func wireCurrentVCPUs(h *Host, a Anchor) {
	byPhys := make(map[memaddr.Address]*domain.VCPU, len(h.Domains))
	for di := range h.Domains {
		for vi := range h.Domains[di].VCPUs {
			v := &h.Domains[di].VCPUs[vi]
			byPhys[v.Phys] = v
		}
	}
	for i := range h.PCPUs {
		if i >= len(a.CurrentVCPUs) || a.CurrentVCPUs[i] == 0 {
			continue
		}
		if v, ok := byPhys[a.CurrentVCPUs[i]]; ok {
			h.PCPUs[i].CurrentVCPU = v
		}
	}
}

// anchorFixedSize is the size of the anchor note's fixed-layout prefix,
// before the per-PCPU current_vcpu_ptr array: 3 uint32 version fields,
// domain-list head, console base, console head/tail, pcpu count.
const anchorFixedSize = 4*3 + 8 + 8 + 4 + 4 + 4

// DecodeAnchor decodes this hypervisor's NT_XenCrashInfo ("XEN1") note
// payload into an Anchor, per spec §4.2's "architecture-specific
// extensions" note framing. The layout (three uint32 version components,
// then a run of little-endian fields, then one uint64 per PCPU) is fixed
// for a given hypervisor build and is not a stable cross-version ABI.
func DecodeAnchor(payload []byte) (Anchor, error) {
	if len(payload) < anchorFixedSize {
		return Anchor{}, xerr.New(xerr.StructLayoutMismatch, xerr.Fatal,
			"anchor note too short: got %d bytes, want at least %d", len(payload), anchorFixedSize)
	}
	order := binary.LittleEndian
	a := Anchor{
		Version: arch.Version{
			Major: int(order.Uint32(payload[0:4])),
			Minor: int(order.Uint32(payload[4:8])),
			Extra: int(order.Uint32(payload[8:12])),
		},
		DomainListHead: memaddr.Address(order.Uint64(payload[12:20])),
		ConsoleBase:    memaddr.Address(order.Uint64(payload[20:28])),
		ConsoleHead:    order.Uint32(payload[28:32]),
		ConsoleTail:    order.Uint32(payload[32:36]),
	}
	pcpuCount := int(order.Uint32(payload[36:40]))

	want := anchorFixedSize + pcpuCount*8
	if len(payload) < want {
		return Anchor{}, xerr.New(xerr.Truncated, xerr.Fatal,
			"anchor note declares %d PCPUs but payload is only %d bytes, want %d", pcpuCount, len(payload), want)
	}
	a.CurrentVCPUs = make([]memaddr.Address, pcpuCount)
	for i := 0; i < pcpuCount; i++ {
		off := anchorFixedSize + i*8
		a.CurrentVCPUs[i] = memaddr.Address(order.Uint64(payload[off : off+8]))
	}
	return a, nil
}

// PrintXen writes a human-readable summary of the hypervisor state to w,
// mirroring the aligned-column style of the teacher's overview/mappings
// output.
func PrintXen(w io.Writer, h *Host) {
	t := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	fmt.Fprintf(t, "architecture\t%s\n", h.Arch)
	fmt.Fprintf(t, "hypervisor version\t%s\n", h.Version)
	fmt.Fprintf(t, "pcpus\t%d\n", h.PCPUCount)
	fmt.Fprintf(t, "domains\t%d\n", len(h.Domains))
	t.Flush()

	if h.Console != "" {
		fmt.Fprintln(w, "\n--- console ring ---")
		io.WriteString(w, h.Console)
	}

	if len(h.Warnings) > 0 {
		fmt.Fprintln(w, "\n--- warnings ---")
		for _, warn := range h.Warnings {
			fmt.Fprintln(w, warn)
		}
	}
}

// PrintDomains writes one aligned summary line per domain (ID, handle,
// vCPU count) to w.
func PrintDomains(w io.Writer, h *Host) {
	t := tabwriter.NewWriter(w, 0, 0, 1, ' ', tabwriter.AlignRight)
	fmt.Fprintf(t, "domain\thandle\tvcpus\t\n")
	for _, d := range h.Domains {
		name := fmt.Sprintf("%d", d.ID)
		if d.IsControlDomain() {
			name = "0 (dom0)"
		}
		status := ""
		if d.DecodeErr != nil {
			status = " [" + xerr.SeverityOf(d.DecodeErr).String() + "]"
		}
		fmt.Fprintf(t, "%s\t%s\t%d%s\t\n", name, d.Handle, len(d.VCPUs), status)
	}
	t.Flush()
}
