package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrEmpty_MissingFileReturnsEmptySlice(t *testing.T) {
	specs, err := loadOrEmpty(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("loadOrEmpty failed: %v", err)
	}
	if len(specs) != 0 {
		t.Fatalf("expected no specs for a missing file, got %d", len(specs))
	}
}

func TestLoadOrEmpty_ExistingFileIsParsed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	if err := os.WriteFile(path, []byte("name: one\ntask: t\ninterval: 1m\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	specs, err := loadOrEmpty(path)
	if err != nil {
		t.Fatalf("loadOrEmpty failed: %v", err)
	}
	if len(specs) != 1 || specs[0].Name != "one" {
		t.Fatalf("unexpected specs: %+v", specs)
	}
}
