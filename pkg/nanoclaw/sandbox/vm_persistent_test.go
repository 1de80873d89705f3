package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeBaseImage(t *testing.T, dir string) string {
	t.Helper()
	base := filepath.Join(dir, defaultVibeImage)
	if err := os.WriteFile(base, []byte("base-image-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return base
}

func TestEnsureDiskClonesLazily(t *testing.T) {
	dir := t.TempDir()
	writeBaseImage(t, dir)
	e := NewVibeEngine(dir, nil)

	disk := e.DiskPath("family")
	if err := e.ensureDisk(context.Background(), disk, ""); err != nil {
		t.Fatalf("ensureDisk: %v", err)
	}

	data, err := os.ReadFile(disk)
	if err != nil {
		t.Fatalf("clone missing: %v", err)
	}
	if string(data) != "base-image-bytes" {
		t.Error("clone content differs from base")
	}

	// Second call keeps accumulated state.
	if err := os.WriteFile(disk, []byte("mutated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := e.ensureDisk(context.Background(), disk, ""); err != nil {
		t.Fatalf("second ensureDisk: %v", err)
	}
	data, _ = os.ReadFile(disk)
	if string(data) != "mutated" {
		t.Error("ensureDisk overwrote an existing disk")
	}
}

func TestEnsureDiskMissingBase(t *testing.T) {
	e := NewVibeEngine(t.TempDir(), nil)
	err := e.ensureDisk(context.Background(), e.DiskPath("family"), "")
	if err == nil {
		t.Fatal("expected error without a base image")
	}
}

func TestResetRebuildsFromBase(t *testing.T) {
	dir := t.TempDir()
	writeBaseImage(t, dir)
	e := NewVibeEngine(dir, nil)

	disk := e.DiskPath("family")
	if err := e.ensureDisk(context.Background(), disk, ""); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(disk, []byte("accumulated state"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := e.Reset(context.Background(), "family"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	data, _ := os.ReadFile(disk)
	if string(data) != "base-image-bytes" {
		t.Error("reset did not restore base content")
	}
}

func TestStats(t *testing.T) {
	dir := t.TempDir()
	writeBaseImage(t, dir)
	e := NewVibeEngine(dir, nil)

	if err := e.ensureDisk(context.Background(), e.DiskPath("family"), ""); err != nil {
		t.Fatal(err)
	}
	if err := e.ensureDisk(context.Background(), e.DiskPath("work"), ""); err != nil {
		t.Fatal(err)
	}

	stats, err := e.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	// The base image is excluded.
	if len(stats) != 2 {
		t.Fatalf("expected 2 disks, got %d", len(stats))
	}
	for _, s := range stats {
		if s.SizeBytes <= 0 {
			t.Errorf("disk %s has no size", s.Folder)
		}
		if s.Folder != "family" && s.Folder != "work" {
			t.Errorf("unexpected folder %q", s.Folder)
		}
	}
}

func TestStatsEmptyDir(t *testing.T) {
	e := NewVibeEngine(filepath.Join(t.TempDir(), "absent"), nil)
	stats, err := e.Stats()
	if err != nil {
		t.Fatalf("Stats on missing dir: %v", err)
	}
	if len(stats) != 0 {
		t.Errorf("expected no stats, got %v", stats)
	}
}
