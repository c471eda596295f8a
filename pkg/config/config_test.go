package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/savanna/finality/pkg/crypto/bls"
	"github.com/savanna/finality/pkg/forkdb"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "finality.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	_, pub, err := bls.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	path := writeConfig(t, `
genesis:
  generation: 1
  threshold: 5
  finalizers:
    - description: f0
      weight: 5
      public_key: "`+pub.Hex()+`"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Controller.OnDuplicate != "ignore" {
		t.Fatalf("OnDuplicate default = %q, want %q", cfg.Controller.OnDuplicate, "ignore")
	}
	if cfg.Controller.SnapshotPath == "" {
		t.Fatalf("expected a default snapshot path")
	}
	if cfg.Controller.SnapshotInterval.Duration() == 0 {
		t.Fatalf("expected a default snapshot interval")
	}

	p, err := cfg.Genesis.Policy()
	if err != nil {
		t.Fatalf("Genesis.Policy: %v", err)
	}
	if p.Threshold != 5 || len(p.Finalizers) != 1 {
		t.Fatalf("unexpected policy: %+v", p)
	}
	if !p.Finalizers[0].PublicKey.Equal(pub) {
		t.Fatalf("decoded public key does not match the one written to the config")
	}
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	_, pub, err := bls.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	t.Setenv("SAVANNA_SNAPSHOT_PATH", "/var/lib/savanna/snapshot.bin")
	path := writeConfig(t, `
genesis:
  generation: 1
  threshold: 3
  finalizers:
    - description: f0
      weight: 3
      public_key: "`+pub.Hex()+`"
controller:
  snapshot_path: ${SAVANNA_SNAPSHOT_PATH}
  on_duplicate: error
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Controller.SnapshotPath != "/var/lib/savanna/snapshot.bin" {
		t.Fatalf("SnapshotPath = %q, want the substituted env value", cfg.Controller.SnapshotPath)
	}
	if cfg.Controller.OnDuplicateMode() != forkdb.OnDuplicateError {
		t.Fatalf("expected on_duplicate=error to map to forkdb.OnDuplicateError")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestGenesisPolicyRejectsBadPublicKey(t *testing.T) {
	g := GenesisSettings{
		Generation: 1,
		Threshold:  1,
		Finalizers: []FinalizerSetting{{Description: "bad", Weight: 1, PublicKeyHex: "not hex"}},
	}
	if _, err := g.Policy(); err == nil {
		t.Fatalf("expected an error for an undecodable public key")
	}
}
