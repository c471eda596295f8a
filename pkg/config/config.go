// Package config loads the on-disk configuration a node operator supplies
// at startup: the genesis finalizer policy (threshold, weighted BLS keys)
// and the controller/fork-database tuning values (§1 Non-goals keep the
// core itself from ever reading environment variables or flags directly -
// there is no CLI surface here, just this loader for the cmd/ demo binary).
//
// Grounded on the teacher's pkg/config/anchor_config.go: YAML struct tags,
// ${VAR_NAME} environment-variable substitution before unmarshaling, a
// Duration wrapper type, and a Load(path) entry point that applies
// defaults after parsing.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/savanna/finality/pkg/crypto/bls"
	"github.com/savanna/finality/pkg/forkdb"
	"github.com/savanna/finality/pkg/policy"
)

// Config is the root of the genesis+controller configuration file.
type Config struct {
	Genesis    GenesisSettings    `yaml:"genesis"`
	Controller ControllerSettings `yaml:"controller"`
}

// GenesisSettings describes the finalizer policy effective at the fork
// database's root block (§3's Policy, before any diff has ever applied).
type GenesisSettings struct {
	Generation uint32             `yaml:"generation"`
	Threshold  uint64             `yaml:"threshold"`
	Finalizers []FinalizerSetting `yaml:"finalizers"`
}

// FinalizerSetting is one weighted finalizer authority as written in the
// config file; PublicKeyHex is the finalizer's BLS public key, hex-encoded
// little-endian (bls.PublicKey.Hex's wire form).
type FinalizerSetting struct {
	Description  string `yaml:"description"`
	Weight       uint64 `yaml:"weight"`
	PublicKeyHex string `yaml:"public_key"`
}

// ControllerSettings tunes the fork database and controller at startup.
type ControllerSettings struct {
	// SnapshotPath is where pkg/forkdb/persist.go reads/writes the §6
	// on-disk fork-database snapshot.
	SnapshotPath string `yaml:"snapshot_path"`
	// OnDuplicate selects Add's behavior on a colliding block id: "ignore"
	// (default) or "error".
	OnDuplicate string `yaml:"on_duplicate"`
	// SnapshotInterval is a snapshot interval setting (default 30s); the
	// demo binary does not read it and writes its snapshot only at shutdown.
	SnapshotInterval Duration `yaml:"snapshot_interval"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like
// "30s", matching the teacher's Duration type.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// envVarPattern matches ${VAR_NAME} or ${VAR_NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, fallback := groups[1], groups[3]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return fallback
	})
}

// Load reads and parses the configuration file at path, substituting
// ${VAR_NAME} environment variable references first, then applying
// defaults to unset tuning values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Controller.OnDuplicate == "" {
		c.Controller.OnDuplicate = "ignore"
	}
	if c.Controller.SnapshotPath == "" {
		c.Controller.SnapshotPath = "./savanna-finality.snapshot"
	}
	if c.Controller.SnapshotInterval == 0 {
		c.Controller.SnapshotInterval = Duration(30 * time.Second)
	}
}

// Policy builds the genesis *policy.Policy from GenesisSettings, decoding
// each finalizer's hex-encoded BLS public key.
func (g GenesisSettings) Policy() (*policy.Policy, error) {
	finalizers := make([]policy.Authority, 0, len(g.Finalizers))
	for i, f := range g.Finalizers {
		raw, err := hex.DecodeString(f.PublicKeyHex)
		if err != nil {
			return nil, fmt.Errorf("config: genesis finalizer %d: decode public_key: %w", i, err)
		}
		pub, err := bls.PublicKeyFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("config: genesis finalizer %d: %w", i, err)
		}
		finalizers = append(finalizers, policy.Authority{
			Description: f.Description,
			Weight:      f.Weight,
			PublicKey:   pub,
		})
	}
	return &policy.Policy{
		Generation: g.Generation,
		Threshold:  g.Threshold,
		Finalizers: finalizers,
	}, nil
}

// OnDuplicateMode maps the configured on_duplicate string to forkdb's enum,
// defaulting to OnDuplicateIgnore for an unrecognized value.
func (c ControllerSettings) OnDuplicateMode() forkdb.OnDuplicate {
	if c.OnDuplicate == "error" {
		return forkdb.OnDuplicateError
	}
	return forkdb.OnDuplicateIgnore
}
