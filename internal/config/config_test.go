package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestResolveHappyPath(t *testing.T) {
	dir := t.TempDir()
	core := writeFile(t, dir, "core")
	xenSym := writeFile(t, dir, "xen-syms")

	out, err := Resolve(Config{
		CorePath:      core,
		XenSymtabPath: xenSym,
		OutDirPath:    filepath.Join(dir, "out"),
		Verbosity:     2,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !filepath.IsAbs(out.CorePath) || !filepath.IsAbs(out.XenSymtabPath) || !filepath.IsAbs(out.OutDirPath) {
		t.Fatalf("expected all paths to be absolute: %+v", out)
	}
	if _, err := os.Stat(out.OutDirPath); err != nil {
		t.Fatalf("expected OutDirPath to be created: %v", err)
	}
}

func TestResolveMissingCoreFails(t *testing.T) {
	dir := t.TempDir()
	_, err := Resolve(Config{CorePath: filepath.Join(dir, "missing"), OutDirPath: dir})
	if err == nil {
		t.Fatalf("expected error for missing core file")
	}
}

func TestResolveCoreIsDirectoryFails(t *testing.T) {
	dir := t.TempDir()
	_, err := Resolve(Config{CorePath: dir, OutDirPath: dir})
	if err == nil {
		t.Fatalf("expected error when core path is a directory")
	}
}

func TestResolveOptionalSymtabsCanBeEmpty(t *testing.T) {
	dir := t.TempDir()
	core := writeFile(t, dir, "core")
	out, err := Resolve(Config{CorePath: core, OutDirPath: dir})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out.XenSymtabPath != "" || out.Dom0SymtabPath != "" {
		t.Fatalf("expected empty symtab paths to stay empty: %+v", out)
	}
}

func TestResolveOutDirExistsAsFileFails(t *testing.T) {
	dir := t.TempDir()
	core := writeFile(t, dir, "core")
	notADir := writeFile(t, dir, "not-a-dir")
	_, err := Resolve(Config{CorePath: core, OutDirPath: notADir})
	if err == nil {
		t.Fatalf("expected error when OutDirPath exists as a file")
	}
}
