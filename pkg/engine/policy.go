package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/iot-go-sdk/otaengine/pkg/ota"
)

// loadPolicy reads the persisted policy. A missing file yields the zero
// policy.
func loadPolicy(path string) (ota.UpdatePolicy, error) {
	var p ota.UpdatePolicy
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("failed to read policy: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return ota.UpdatePolicy{}, fmt.Errorf("failed to parse policy %s: %w", path, err)
	}
	return p, nil
}

// savePolicy writes p atomically through a temp file.
func savePolicy(path string, p ota.UpdatePolicy) error {
	if path == "" {
		return nil
	}
	data, err := yaml.Marshal(&p)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create policy dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write policy: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace policy: %w", err)
	}
	log.Debugf("policy saved to %s", path)
	return nil
}

// SetUpdatePolicy replaces the update policy and persists it. The in-memory
// policy is updated even when persisting fails.
func (e *Engine) SetUpdatePolicy(p ota.UpdatePolicy) error {
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	if err := savePolicy(e.cfg.Paths.PolicyFile, p); err != nil {
		return ota.E(ota.IOError, "engine.SetUpdatePolicy", err)
	}
	return nil
}

// GetUpdatePolicy returns the current update policy.
func (e *Engine) GetUpdatePolicy() ota.UpdatePolicy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}
