// Package config provides the file and environment configuration for
// the gateway.
package config

import (
	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Store configures governance persistence.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Policy configures the evaluation engine.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Discovery configures tool discovery against downstream servers.
	Discovery DiscoveryConfig `yaml:"discovery" mapstructure:"discovery"`

	// Redaction extends the built-in argument scrubbing rules.
	Redaction RedactionConfig `yaml:"redaction" mapstructure:"redaction"`

	// Graph configures the optional governance graph for citations.
	Graph GraphConfig `yaml:"graph" mapstructure:"graph"`

	// Auth configures bearer auth for the REST surface.
	// Optional: when empty, the API is open (localhost deployments).
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// DevMode enables development conveniences (debug logging,
	// in-memory store).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
// Use a reverse proxy for TLS.
type ServerConfig struct {
	// HTTPAddr is the address to listen on.
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// StoreConfig configures governance persistence.
type StoreConfig struct {
	// Driver selects the store backend: "sqlite" (durable) or
	// "memory" (dev and tests). Defaults to "sqlite".
	Driver string `yaml:"driver" mapstructure:"driver" validate:"omitempty,oneof=sqlite memory"`

	// Path is the SQLite database file. Required for the sqlite driver.
	// Defaults to "tool-gate.db".
	Path string `yaml:"path" mapstructure:"path"`
}

// PolicyConfig configures the evaluation engine.
type PolicyConfig struct {
	// RulesFile is a YAML file of supplemental expression rules.
	// Optional: a missing file means builtin and prefix layers only.
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`

	// CacheSize bounds the evaluation result cache.
	// Defaults to 1000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`

	// SandboxRoot is the directory subtree builtin fs tools may touch.
	// Defaults to "/sandbox".
	SandboxRoot string `yaml:"sandbox_root" mapstructure:"sandbox_root"`

	// BlockedFiles replaces the secret-file name set fs.read_file may
	// never touch. Defaults to .env, .key, and .pem.
	BlockedFiles []string `yaml:"blocked_files" mapstructure:"blocked_files"`
}

// DiscoveryConfig configures tool discovery against downstream servers.
type DiscoveryConfig struct {
	// MaxPages caps tools/list pagination per discovery pass.
	// Defaults to 100.
	MaxPages int `yaml:"max_pages" mapstructure:"max_pages" validate:"omitempty,min=1"`
}

// RedactionConfig extends the built-in argument scrubbing.
type RedactionConfig struct {
	// ExtraSensitiveKeys are additional key substrings to mask, on top
	// of the built-in password/secret/token/key set.
	ExtraSensitiveKeys []string `yaml:"extra_sensitive_keys" mapstructure:"extra_sensitive_keys"`
}

// GraphConfig configures the governance graph connection.
// Citations degrade to empty when the graph is disabled or down.
type GraphConfig struct {
	// Enabled turns citation resolution on.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// URI is the bolt endpoint, e.g. "bolt://localhost:7687".
	URI string `yaml:"uri" mapstructure:"uri"`

	// Username and Password authenticate the driver.
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

// AuthConfig configures REST bearer auth.
type AuthConfig struct {
	// APIKeyHashes are stored key hashes (argon2id PHC or sha256).
	// Generate with: tool-gate hash-key
	APIKeyHashes []string `yaml:"api_key_hashes" mapstructure:"api_key_hashes" validate:"omitempty,dive,api_key_hash"`
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Bind to localhost only. Users who need network access must
	// explicitly set http_addr: "0.0.0.0:8080".
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = "tool-gate.db"
	}

	if c.Policy.CacheSize == 0 {
		c.Policy.CacheSize = 1000
	}
	if c.Policy.SandboxRoot == "" {
		c.Policy.SandboxRoot = "/sandbox"
	}

	if c.Discovery.MaxPages == 0 {
		c.Discovery.MaxPages = 100
	}

	if c.Graph.URI == "" {
		c.Graph.URI = "bolt://localhost:7687"
	}
}

// SetDevDefaults applies permissive defaults for development mode.
// Applied after SetDefaults and CLI flag overrides.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	c.Server.LogLevel = "debug"

	// Dev runs keep everything in memory unless the store was set
	// explicitly. viper.IsSet distinguishes "not set" from an explicit
	// value.
	if !viper.IsSet("store.driver") {
		c.Store.Driver = "memory"
	}
}
