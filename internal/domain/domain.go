// Package domain decodes the hypervisor's domain list and, for each
// domain, its vCPUs: spec §3's Domain/VCPU records and spec §4.5's
// domain-list traversal.
package domain

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/hvdump/xcrash/internal/arch"
	"github.com/hvdump/xcrash/internal/memaddr"
	"github.com/hvdump/xcrash/internal/xerr"
)

// maxDomains bounds domain-list traversal per spec §4.5, guarding against
// a cyclic list in corrupted memory even though cycle detection below
// would otherwise catch it first.
const maxDomains = 32768

// maxVCPUsPerDomain bounds the per-domain vCPU array walk for the same
// reason.
const maxVCPUsPerDomain = 8192

// Layout of this hypervisor's struct domain, as captured in a core dump.
// This is not a stable ABI — it is read only from the same build whose
// symbol table accompanies the dump — but the field order below is fixed
// across the versions spec §4.4's known-layout table covers.
const (
	domainIDOff            = 0x00 // uint16 domain_id
	domainHandleOff        = 0x08 // 16-byte UUID, xen_domain_handle_t
	domainNextOff          = 0x18 // struct domain *next_in_list
	domainVCPUOff          = 0x20 // struct vcpu *vcpu[MAX_VIRT_CPUS], array base pointer
	domainVCPUCountOff     = 0x28 // uint32 max_vcpus
	domainStateOff         = 0x2c // uint32, DomainState
	domainPageTableBaseOff = 0x30 // uint64, root of this domain's own page tables
	domainTotPagesOff      = 0x38 // uint64 tot_pages, allocated memory pages
)

// Layout of this hypervisor's struct vcpu.
const (
	vcpuIDOff         = 0x00 // uint32 vcpu_id
	vcpuIsRunning     = 0x04 // uint8 bool, non-zero if vCPU was scheduled at capture time
	vcpuRunstateOff   = 0x08 // uint32, runstate (mirrors Domain.State's running/blocked/... enum)
	vcpuPauseFlagsOff = 0x0c // uint32 bitset, pause_flags
	vcpuRegsOff       = 0x10 // register save area consumed by arch.Backend.DecodeVCPUFrame
)

// controlDomainID is the well-known domain ID of the control domain
// ("dom0"), per spec §5's "dom0.log" naming alias.
const controlDomainID = 0

// State is the scheduling state of a Domain or VCPU, per spec §3's
// "state: enum{running, blocked, paused, dying, shutdown}".
type State uint32

const (
	StateUnknown State = iota
	StateRunning
	StateBlocked
	StatePaused
	StateDying
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StatePaused:
		return "paused"
	case StateDying:
		return "dying"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// VCPU is one decoded virtual CPU belonging to a Domain.
type VCPU struct {
	ID         int
	Phys       memaddr.Address // physical address of the struct vcpu this was decoded from
	Frame      arch.VCPUFrame
	StackTrace []arch.StackFrame
	Running    bool

	// Runstate and PauseFlags mirror spec §3's VCPU "runstate: enum,
	// pause_flags: bitset" fields.
	Runstate   State
	PauseFlags uint32

	// DecodeErr holds the error that cut this vCPU's decode short, if any
	// (e.g. an unreadable register save area or a faulting stack read). A
	// non-nil DecodeErr means Frame/StackTrace may be partial or zero.
	DecodeErr error
}

// Domain is one decoded guest domain, including its vCPUs.
type Domain struct {
	ID     int
	Handle uuid.UUID
	VCPUs  []VCPU

	// PageTableBase is the root of this domain's own page tables, per
	// spec §3's "page_table_base: u64". A vCPU's saved RIP/RSP/RBP are
	// virtual addresses in this address space, not the hypervisor's; they
	// must be resolved via this root before being read as guest memory.
	PageTableBase memaddr.Address

	// State is this domain's scheduling state, per spec §3.
	State State

	// TotalPages is the domain's allocated memory page count, per spec
	// §4.5's "allocated memory pages" report field.
	TotalPages uint64

	// DecodeErr holds the EntityFatal-severity error that stopped this
	// domain's decode, if any, per spec §4.6 (one bad domain must not
	// abort the walk of the rest).
	DecodeErr error
}

// IsControlDomain reports whether d is the control domain (dom0).
func (d Domain) IsControlDomain() bool { return d.ID == controlDomainID }

// reader is the memory read surface domain decoding needs: physical reads
// for the hypervisor's own domain/vcpu structs, plus the virtual-address
// resolution a guest's own saved register state requires. *memmap.Map and
// the test double in domain_test.go both satisfy it.
type reader interface {
	ReadPhys(phys memaddr.Address, buf []byte) error
	ReadVirt(root, virt memaddr.Address, buf []byte) error
}

// guestMemReader adapts a domain's own page tables onto arch.MemReader's
// single ReadPhys method: reads route through the domain's page table
// root before the underlying physical read, so a vCPU's saved RIP/RSP/RBP
// — virtual addresses in the guest's own address space — land on the
// right bytes. Everything that reads the hypervisor's own structs (the
// vcpu struct itself, the domain list) keeps using the real physical
// reader directly; only the guest stack unwind goes through this.
type guestMemReader struct {
	mem  reader
	root memaddr.Address
}

func (g guestMemReader) ReadPhys(virt memaddr.Address, buf []byte) error {
	return g.mem.ReadVirt(g.root, virt, buf)
}

// DecodeList walks the hypervisor's domain list starting at
// firstDomainPhys, decoding each domain and its vCPUs via backend. A bad
// domain is recorded in its own Domain.DecodeErr and the walk continues
// (spec §4.6) as long as that domain's next_in_list pointer was read; a
// failure before that point ends the walk. A cycle or a walk exceeding
// maxDomains stops the list early and is reported as the last error in
// the returned slice.
func DecodeList(mem reader, backend arch.Backend, firstDomainPhys memaddr.Address, hvVersion arch.Version, symbolise func(memaddr.Address) (string, int64, bool)) ([]Domain, []error) {
	var domains []Domain
	var errs []error

	seen := make(map[memaddr.Address]bool)
	cur := firstDomainPhys
	cycled := false
	for i := 0; cur != 0 && i < maxDomains; i++ {
		if seen[cur] {
			errs = append(errs, xerr.AtAddress(xerr.CycleDetected, xerr.Advisory, uint64(cur),
				"domain list cycles back to an already-visited domain; stopping walk after %d domains", len(domains)))
			cycled = true
			break
		}
		seen[cur] = true

		d, next, err := decodeOneDomain(mem, backend, cur, hvVersion, symbolise)
		if err != nil {
			d.DecodeErr = err
			errs = append(errs, fmt.Errorf("domain at %s: %w", cur, err))
		}
		domains = append(domains, d)
		cur = next
	}
	if cur != 0 && !cycled {
		errs = append(errs, xerr.New(xerr.CycleDetected, xerr.Advisory,
			"domain list exceeds %d entries; stopping walk", maxDomains))
	}
	return domains, errs
}

func decodeOneDomain(mem reader, backend arch.Backend, phys memaddr.Address, hvVersion arch.Version, symbolise func(memaddr.Address) (string, int64, bool)) (Domain, memaddr.Address, error) {
	var idBuf [2]byte
	if err := mem.ReadPhys(phys.Add(domainIDOff), idBuf[:]); err != nil {
		return Domain{}, 0, err
	}
	id := int(binary.LittleEndian.Uint16(idBuf[:]))

	var handleBuf [16]byte
	if err := mem.ReadPhys(phys.Add(domainHandleOff), handleBuf[:]); err != nil {
		return Domain{ID: id}, 0, err
	}
	handle, err := uuid.FromBytes(handleBuf[:])
	if err != nil {
		handle = uuid.Nil
	}

	var nextBuf [8]byte
	if err := mem.ReadPhys(phys.Add(domainNextOff), nextBuf[:]); err != nil {
		return Domain{ID: id, Handle: handle}, 0, err
	}
	next := memaddr.Address(binary.LittleEndian.Uint64(nextBuf[:]))

	d := Domain{ID: id, Handle: handle}

	var stateBuf [4]byte
	if err := mem.ReadPhys(phys.Add(domainStateOff), stateBuf[:]); err == nil {
		d.State = State(binary.LittleEndian.Uint32(stateBuf[:]))
	}

	var ptbBuf [8]byte
	if err := mem.ReadPhys(phys.Add(domainPageTableBaseOff), ptbBuf[:]); err == nil {
		d.PageTableBase = memaddr.Address(binary.LittleEndian.Uint64(ptbBuf[:]))
	}

	var pagesBuf [8]byte
	if err := mem.ReadPhys(phys.Add(domainTotPagesOff), pagesBuf[:]); err == nil {
		d.TotalPages = binary.LittleEndian.Uint64(pagesBuf[:])
	}

	var vcpuArrayBuf [8]byte
	if err := mem.ReadPhys(phys.Add(domainVCPUOff), vcpuArrayBuf[:]); err != nil {
		return d, next, err
	}
	vcpuArray := memaddr.Address(binary.LittleEndian.Uint64(vcpuArrayBuf[:]))

	var countBuf [4]byte
	if err := mem.ReadPhys(phys.Add(domainVCPUCountOff), countBuf[:]); err != nil {
		return d, next, err
	}
	count := int(binary.LittleEndian.Uint32(countBuf[:]))
	if count > maxVCPUsPerDomain {
		count = maxVCPUsPerDomain
	}

	for i := 0; i < count; i++ {
		var ptrBuf [8]byte
		if err := mem.ReadPhys(vcpuArray.Add(int64(i*8)), ptrBuf[:]); err != nil {
			d.VCPUs = append(d.VCPUs, VCPU{ID: i, DecodeErr: err})
			continue
		}
		vcpuPhys := memaddr.Address(binary.LittleEndian.Uint64(ptrBuf[:]))
		if vcpuPhys == 0 {
			continue
		}
		d.VCPUs = append(d.VCPUs, decodeOneVCPU(mem, backend, i, vcpuPhys, d.PageTableBase, hvVersion, symbolise))
	}

	return d, next, nil
}

func decodeOneVCPU(mem reader, backend arch.Backend, id int, vcpuPhys memaddr.Address, pageTableBase memaddr.Address, hvVersion arch.Version, symbolise func(memaddr.Address) (string, int64, bool)) VCPU {
	v := VCPU{ID: id, Phys: vcpuPhys}

	var runBuf [1]byte
	if err := mem.ReadPhys(vcpuPhys.Add(vcpuIsRunning), runBuf[:]); err == nil {
		v.Running = runBuf[0] != 0
	}

	var runstateBuf [4]byte
	if err := mem.ReadPhys(vcpuPhys.Add(vcpuRunstateOff), runstateBuf[:]); err == nil {
		v.Runstate = State(binary.LittleEndian.Uint32(runstateBuf[:]))
	}

	var pauseBuf [4]byte
	if err := mem.ReadPhys(vcpuPhys.Add(vcpuPauseFlagsOff), pauseBuf[:]); err == nil {
		v.PauseFlags = binary.LittleEndian.Uint32(pauseBuf[:])
	}

	frame, err := backend.DecodeVCPUFrame(mem, vcpuPhys.Add(vcpuRegsOff), hvVersion)
	if err != nil {
		v.DecodeErr = fmt.Errorf("decoding vCPU %d register frame: %w", id, err)
		return v
	}
	v.Frame = frame

	// RIP/RSP/RBP above are virtual addresses in the guest's own address
	// space, not the hypervisor's; unwind through a reader that resolves
	// them against the domain's own page tables before each read.
	guestMem := guestMemReader{mem: mem, root: pageTableBase}
	frames, err := backend.UnwindStack(guestMem, frame.RIP, frame.RSP, memaddr.Address(frame.GP["rbp"]), 64, symbolise)
	if err != nil {
		v.DecodeErr = fmt.Errorf("unwinding vCPU %d stack: %w", id, err)
		return v
	}
	v.StackTrace = frames
	return v
}
