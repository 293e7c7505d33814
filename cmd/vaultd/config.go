// config.go - Configuration management for the vault daemon
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the daemon configuration
type Config struct {
	// Network
	ListenAddr string `json:"listen_addr"`
	RelayerURL string `json:"relayer_url"`
	IndexerURL string `json:"indexer_url"`
	BridgeURL  string `json:"bridge_url"`

	// File paths
	NotesPath        string `json:"notes_path"`
	VerifyingKeyPath string `json:"verifying_key_path,omitempty"`

	// Polling
	PollIntervalSeconds   int `json:"poll_interval_seconds"`
	SubmitTimeoutSeconds  int `json:"submit_timeout_seconds"`
	QueueTimeoutSeconds   int `json:"queue_timeout_seconds"`
	ProofTimeoutSeconds   int `json:"proof_timeout_seconds"`
	ConfirmTimeoutSeconds int `json:"confirm_timeout_seconds"`
	BridgePollSeconds     int `json:"bridge_poll_seconds"`

	// Logging
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`

	// Rate limiting
	RateLimitTokens  int `json:"rate_limit_tokens"`
	RateLimitRefill  int `json:"rate_limit_refill"`
	RateLimitSeconds int `json:"rate_limit_seconds"`

	// Security
	EnableAudit  bool   `json:"enable_audit"`
	AuditLogPath string `json:"audit_log_path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:            "127.0.0.1:8650",
		RelayerURL:            "http://127.0.0.1:8700",
		IndexerURL:            "http://127.0.0.1:8701",
		BridgeURL:             "http://127.0.0.1:8702",
		NotesPath:             "notes.db",
		PollIntervalSeconds:   2,
		SubmitTimeoutSeconds:  15,
		QueueTimeoutSeconds:   600,
		ProofTimeoutSeconds:   600,
		ConfirmTimeoutSeconds: 300,
		BridgePollSeconds:     5,
		LogLevel:              "info",
		LogFile:               "vault.log",
		RateLimitTokens:       30,
		RateLimitRefill:       10,
		RateLimitSeconds:      1,
		EnableAudit:           true,
		AuditLogPath:          "audit.log",
	}
}

// LoadConfig loads configuration from file or creates default
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err == nil {
		file, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		var config Config
		if err := json.NewDecoder(file).Decode(&config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		return &config, nil
	}

	// Create default config and save it
	config := DefaultConfig()
	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save default config: %w", err)
	}
	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must be set")
	}
	if c.RelayerURL == "" {
		return fmt.Errorf("relayer_url must be set")
	}
	if c.IndexerURL == "" {
		return fmt.Errorf("indexer_url must be set")
	}
	if c.NotesPath == "" {
		return fmt.Errorf("notes_path must be set")
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("poll_interval_seconds must be positive")
	}
	if c.QueueTimeoutSeconds <= 0 {
		return fmt.Errorf("queue_timeout_seconds must be positive")
	}
	if c.ProofTimeoutSeconds <= 0 {
		return fmt.Errorf("proof_timeout_seconds must be positive")
	}
	if c.ConfirmTimeoutSeconds <= 0 {
		return fmt.Errorf("confirm_timeout_seconds must be positive")
	}
	if c.RateLimitTokens <= 0 {
		return fmt.Errorf("rate_limit_tokens must be positive")
	}
	return nil
}
