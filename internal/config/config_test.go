package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_MatchesSpecConstants(t *testing.T) {
	cfg := Default()
	if cfg.PageSize != 4096 {
		t.Errorf("PageSize = %d, want 4096", cfg.PageSize)
	}
	if cfg.MemoryPageLen != 20 {
		t.Errorf("MemoryPageLen = %d, want 20", cfg.MemoryPageLen)
	}
	if cfg.WALSegmentSize != 16<<20 {
		t.Errorf("WALSegmentSize = %d, want %d", cfg.WALSegmentSize, 16<<20)
	}
	if cfg.MaxNupdSize != 200 {
		t.Errorf("MaxNupdSize = %d, want 200", cfg.MaxNupdSize)
	}
	if cfg.MaxOpenFiles != 10 {
		t.Errorf("MaxOpenFiles = %d, want 10", cfg.MaxOpenFiles)
	}
	if cfg.LockHash.MinSize != 10 || cfg.LockHash.MaxSize != 2048 || cfg.LockHash.RehashingWork != 28 {
		t.Errorf("LockHash = %+v, want {10 2048 28 ...}", cfg.LockHash)
	}
	if cfg.LockHash.MinLoadFactor != 0.1 || cfg.LockHash.MaxLoadFactor != 0.8 {
		t.Errorf("LockHash load factors = %v/%v, want 0.1/0.8", cfg.LockHash.MinLoadFactor, cfg.LockHash.MaxLoadFactor)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Errorf("Load of missing file = %+v, want defaults %+v", cfg, Default())
	}
}

func TestLoad_OverridesSubsetOfFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "numstore.yaml")
	yamlDoc := "page_size: 8192\nmax_open_files: 25\ncheckpoint_schedule: \"@every 30s\"\n"
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PageSize != 8192 {
		t.Errorf("PageSize = %d, want 8192", cfg.PageSize)
	}
	if cfg.MaxOpenFiles != 25 {
		t.Errorf("MaxOpenFiles = %d, want 25", cfg.MaxOpenFiles)
	}
	if cfg.CheckpointSchedule != "@every 30s" {
		t.Errorf("CheckpointSchedule = %q, want @every 30s", cfg.CheckpointSchedule)
	}
	// Fields absent from the override file keep their defaults.
	if cfg.MemoryPageLen != 20 {
		t.Errorf("MemoryPageLen = %d, want default 20", cfg.MemoryPageLen)
	}
}

func TestLoad_InvalidYAMLErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "numstore.yaml")
	if err := os.WriteFile(path, []byte("page_size: [not, a, number]\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error for malformed YAML")
	}
}
