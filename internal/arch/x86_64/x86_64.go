// Package x86_64 implements the arch.Backend capability set for the
// x86_64 architecture: PCPU register decoding, a 4-level page-table walk,
// HVM/PV vCPU frame decoding, and frame-pointer stack unwinding.
package x86_64

import (
	"fmt"
	"log/slog"

	"github.com/hvdump/xcrash/internal/arch"
	"github.com/hvdump/xcrash/internal/elfcore"
	"github.com/hvdump/xcrash/internal/memaddr"
)

// Backend implements arch.Backend for x86_64. Log is optional; when set,
// it receives Advisory-level notices (e.g. an unrecognised hypervisor
// version) that don't warrant failing the operation that triggered them.
type Backend struct {
	Log *slog.Logger
}

func (b *Backend) ID() elfcore.ArchID { return elfcore.X86_64 }

func (b *Backend) logf(format string, args ...any) {
	if b.Log != nil {
		b.Log.Warn(fmt.Sprintf(format, args...))
	}
}

func addrOf(v uint64) memaddr.Address { return memaddr.Address(v) }

func init() {
	arch.Register(&Backend{})
}
