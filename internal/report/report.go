// Package report owns the per-run output file lifecycle: one file handle
// per report (the hypervisor's own xen.log, and one domain-<id>.log per
// decoded domain, with dom0.log aliasing the control domain), each closed
// deterministically on every exit path, per spec §5/§9's scoped-resource
// design note.
package report

import (
	"fmt"
	"os"
	"path/filepath"
)

// xenLogName names the hypervisor summary report, per spec §5.
const xenLogName = "xen.log"

// dom0LogName is the control domain's additional alias file, per spec §6's
// "domain-<id>.log — one per domain; control domain additionally aliased
// to dom0.log".
const dom0LogName = "dom0.log"

// File is one open report file. Close releases it; callers should defer
// Close immediately after a successful Create.
type File struct {
	*os.File
	path string
}

// Path is the file's resolved path, useful for log messages about where a
// report was written.
func (f *File) Path() string { return f.path }

// CreateXenLog creates (truncating if present) outDir/xen.log.
func CreateXenLog(outDir string) (*File, error) {
	return create(filepath.Join(outDir, xenLogName))
}

// CreateDomainLog creates (truncating if present) outDir/domain-<id>.log.
// Every domain, including the control domain, gets this file; the control
// domain additionally gets dom0.log via CreateDom0Alias.
func CreateDomainLog(outDir string, id int) (*File, error) {
	return create(filepath.Join(outDir, fmt.Sprintf("domain-%d.log", id)))
}

// CreateDom0Alias creates (truncating if present) outDir/dom0.log, the
// control domain's well-known alias name alongside its domain-0.log.
func CreateDom0Alias(outDir string) (*File, error) {
	return create(filepath.Join(outDir, dom0LogName))
}

func create(path string) (*File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating report file %s: %w", path, err)
	}
	return &File{File: f, path: path}, nil
}
