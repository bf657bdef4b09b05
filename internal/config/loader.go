package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed files return an error.
func Load(globalPath, projectPath string) (*EngineConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.triage/config.yaml
// Project: .triage/config.yaml (relative to cwd)
func LoadDefault() (*EngineConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".triage", "config.yaml")
	projectPath := filepath.Join(".triage", "config.yaml")

	return Load(globalPath, projectPath)
}

// Decode parses data as JSON when path ends in .json and as YAML otherwise.
func Decode(path string, data []byte) (*EngineConfig, error) {
	var loaded EngineConfig
	if isJSON(path) {
		if err := json.Unmarshal(data, &loaded); err != nil {
			return nil, err
		}
		return &loaded, nil
	}
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, err
	}
	return &loaded, nil
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// mergeConfigFile reads a config file and merges it into the base config.
// Missing files are silently skipped.
func mergeConfigFile(base *EngineConfig, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	loaded, err := Decode(path, data)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	merge(base, loaded)
	return nil
}

// merge overlays the set fields of src onto base. Map entries merge by key.
func merge(base, src *EngineConfig) {
	s := src.Scheduler
	if s.Concurrency > 0 {
		base.Scheduler.Concurrency = s.Concurrency
	}
	if s.MaxRetries > 0 {
		base.Scheduler.MaxRetries = s.MaxRetries
	}
	if s.RetryBase > 0 {
		base.Scheduler.RetryBase = s.RetryBase
	}
	if len(s.UrgencyKeywords) > 0 {
		base.Scheduler.UrgencyKeywords = s.UrgencyKeywords
	}

	b := src.Breaker
	if b.ConsecutiveFailures > 0 {
		base.Breaker.ConsecutiveFailures = b.ConsecutiveFailures
	}
	if b.OpenTimeout > 0 {
		base.Breaker.OpenTimeout = b.OpenTimeout
	}
	if b.HalfOpenRequests > 0 {
		base.Breaker.HalfOpenRequests = b.HalfOpenRequests
	}

	if base.Agents == nil {
		base.Agents = map[string]AgentConfig{}
	}
	for key, agent := range src.Agents {
		base.Agents[key] = agent
	}

	if base.Pipelines == nil {
		base.Pipelines = map[string]PipelineConfig{}
	}
	for key, p := range src.Pipelines {
		base.Pipelines[key] = p
	}

	if base.Routes.Classes == nil {
		base.Routes.Classes = map[string]string{}
	}
	for class, id := range src.Routes.Classes {
		base.Routes.Classes[class] = id
	}
	if src.Routes.Fallback != "" {
		base.Routes.Fallback = src.Routes.Fallback
	}

	if src.ArchivePath != "" {
		base.ArchivePath = src.ArchivePath
	}
	if src.Log.Level != "" {
		base.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		base.Log.Format = src.Log.Format
	}
}
