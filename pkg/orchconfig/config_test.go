package orchconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxAgents != 2 {
		t.Errorf("MaxAgents = %d, want 2", cfg.MaxAgents)
	}
	if cfg.StateDriver != "sqlite3" {
		t.Errorf("StateDriver = %q, want sqlite3", cfg.StateDriver)
	}
	if cfg.BaseBranch != "main" {
		t.Errorf("BaseBranch = %q, want main", cfg.BaseBranch)
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("VEORC_TEST_PORT", "9191")

	dir := t.TempDir()
	path := filepath.Join(dir, "veorc.yaml")
	contents := `
repo_root: /srv/repo
port: ${VEORC_TEST_PORT}
max_agents: 4
base_branch: develop
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RepoRoot != "/srv/repo" {
		t.Errorf("RepoRoot = %q", cfg.RepoRoot)
	}
	if cfg.MaxAgents != 4 {
		t.Errorf("MaxAgents = %d, want 4", cfg.MaxAgents)
	}
	if cfg.BaseBranch != "develop" {
		t.Errorf("BaseBranch = %q, want develop", cfg.BaseBranch)
	}
}

func TestValidateRejectsBadDriver(t *testing.T) {
	cfg := &Config{StateDriver: "mongodb"}
	cfg.SetDefaults()
	cfg.StateDriver = "mongodb"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported state_driver")
	}
}
