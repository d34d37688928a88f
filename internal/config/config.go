// Package config loads and saves autosmith user configuration.
// The config lives in a project-local .autosmith directory when present,
// falling back to ~/.autosmith.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// AgentRoles maps orchestration roles to the conversation agent ids that serve them.
type AgentRoles struct {
	Architect        string `json:"architect"`
	Builder          string `json:"builder"`
	DumbBuilder      string `json:"dumb_builder"` // cheaper fallback when the builder returns garbage
	Summary          string `json:"summary"`
	CapabilityMapper string `json:"capability_mapper"`
	SemanticDiff     string `json:"semantic_diff"`
	KBSync           string `json:"kb_sync_helper"`
}

// CostConfig converts token counts into a displayed cost figure.
type CostConfig struct {
	Currency         string  `json:"currency"`          // e.g. "EUR"
	InputPerKTokens  float64 `json:"input_per_ktokens"` // price per 1000 input tokens
	OutputPerKTokens float64 `json:"output_per_ktokens"`
}

// LoggingConfig mirrors internal/logging's expectations.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories,omitempty"`
	Level      string          `json:"level,omitempty"`
	JSONFormat bool            `json:"json_format,omitempty"`
}

// Config holds user preferences and endpoint wiring.
type Config struct {
	// Automation store (the remote system holding live automations/scripts).
	StoreURL   string `json:"store_url"`
	StoreToken string `json:"store_token"`

	// Conversation agent endpoint. Empty means StoreURL's conversation API.
	AgentURL string `json:"agent_url,omitempty"`

	// Gemini API key; when set the gateway uses the Gemini client instead of
	// the conversation HTTP client.
	GeminiAPIKey string `json:"gemini_api_key,omitempty"`
	GeminiModel  string `json:"gemini_model,omitempty"`

	Roles AgentRoles `json:"roles"`
	Cost  CostConfig `json:"cost"`

	// SnapshotDB is the SQLite file holding version history and session state.
	SnapshotDB string `json:"snapshot_db,omitempty"`
	// CapabilitiesFile is the knowledge base YAML file.
	CapabilitiesFile string `json:"capabilities_file,omitempty"`

	Listen string `json:"listen,omitempty"` // serve address, default :8098

	Logging LoggingConfig `json:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Roles: AgentRoles{
			Architect:        "architect",
			Builder:          "builder",
			DumbBuilder:      "dumb-builder",
			Summary:          "summary",
			CapabilityMapper: "capability-mapper",
			SemanticDiff:     "semantic-diff",
			KBSync:           "kb-sync-helper",
		},
		Cost: CostConfig{
			Currency:         "EUR",
			InputPerKTokens:  0.003,
			OutputPerKTokens: 0.015,
		},
		Listen: ":8098",
	}
}

// ConfigDir returns the directory where config is stored
func ConfigDir() (string, error) {
	// Prefer project-local .autosmith directory if present or creatable
	if cwd, err := os.Getwd(); err == nil {
		localDir := filepath.Join(cwd, ".autosmith")
		if stat, err := os.Stat(localDir); (err == nil && stat.IsDir()) || os.IsNotExist(err) {
			return localDir, nil
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".autosmith"), nil
}

// ConfigFile returns the full path to the config file
func ConfigFile() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the configuration from disk
func Load() (Config, error) {
	path, err := ConfigFile()
	if err != nil {
		return DefaultConfig(), err
	}
	return LoadFile(path)
}

// LoadFile reads the configuration from an explicit path. A missing file
// yields the defaults without error.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return DefaultConfig(), err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), err
	}
	return cfg, nil
}

// Save writes the configuration to disk
func Save(cfg Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	path, err := ConfigFile()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// DataDir returns the directory for runtime data (snapshot DB, capabilities file),
// creating it when missing.
func DataDir() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// ResolvePaths fills SnapshotDB and CapabilitiesFile with defaults under the
// data directory when they are unset.
func (c *Config) ResolvePaths() error {
	if c.SnapshotDB != "" && c.CapabilitiesFile != "" {
		return nil
	}
	dir, err := DataDir()
	if err != nil {
		return err
	}
	if c.SnapshotDB == "" {
		c.SnapshotDB = filepath.Join(dir, "versions.db")
	}
	if c.CapabilitiesFile == "" {
		c.CapabilitiesFile = filepath.Join(dir, "capabilities.yaml")
	}
	return nil
}
