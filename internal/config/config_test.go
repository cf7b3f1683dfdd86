package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() failed Validate: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "emberminer.yaml")
	body := `
node:
  rpc_url: "http://10.0.0.1:9998"
stratum:
  listen_addr: ":4444"
mining:
  path: "gap"
  target_merit: 12.5
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.RPCURL != "http://10.0.0.1:9998" {
		t.Errorf("RPCURL = %q, want override", cfg.Node.RPCURL)
	}
	if cfg.Stratum.ListenAddr != ":4444" {
		t.Errorf("ListenAddr = %q, want override", cfg.Stratum.ListenAddr)
	}
	if cfg.Mining.Path != "gap" || cfg.Mining.TargetMerit != 12.5 {
		t.Errorf("Mining = %+v, want overridden path/merit", cfg.Mining)
	}
	// Untouched sections should retain their defaults.
	if cfg.Stratum.MaxClients != 1024 {
		t.Errorf("MaxClients = %d, want default 1024", cfg.Stratum.MaxClients)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsBadMiningPath(t *testing.T) {
	cfg := Default()
	cfg.Mining.Path = "quantum"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid mining.path")
	}
}

func TestValidateRejectsInvertedDifficultyBounds(t *testing.T) {
	cfg := Default()
	cfg.Stratum.MinDifficulty = 1000
	cfg.Stratum.MaxDifficulty = 100
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for min_difficulty > max_difficulty")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/emberminer.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
