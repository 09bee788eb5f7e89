package modelrouter

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadModelOverrides reads a YAML file extending the embedded canonical
// model list (§3 "an external override file may extend it"). A missing
// path is not an error: it simply means no overrides.
func LoadModelOverrides(path string) ([]Model, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read model overrides: %w", err)
	}
	var overrides struct {
		Models []Model `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse model overrides: %w", err)
	}
	return overrides.Models, nil
}

// LoadRoutingConfig reads a persisted routing config, falling back to the
// default policy if the file does not exist.
func LoadRoutingConfig(path string) (RoutingConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultRoutingConfig(), nil
	}
	if err != nil {
		return RoutingConfig{}, fmt.Errorf("read routing config: %w", err)
	}
	var cfg RoutingConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RoutingConfig{}, fmt.Errorf("parse routing config: %w", err)
	}
	return cfg, nil
}

// SaveRoutingConfig persists cfg atomically (temp file + rename), keeping a
// `.bak` copy of whatever was previously on disk, and skipping the write
// entirely if cfg's content hash matches what is already there (§6
// "normalized JSON ... a sibling .bak is kept ... all writes are atomic").
func SaveRoutingConfig(path string, cfg RoutingConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal routing config: %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		if contentHash(existing) == contentHash(data) {
			return nil
		}
		bakPath := path + ".bak"
		tmp := bakPath + ".tmp"
		if err := os.WriteFile(tmp, existing, 0o644); err != nil {
			return fmt.Errorf("write routing config backup: %w", err)
		}
		if err := os.Rename(tmp, bakPath); err != nil {
			return fmt.Errorf("rotate routing config backup: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create routing config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write routing config: %w", err)
	}
	return os.Rename(tmp, path)
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
