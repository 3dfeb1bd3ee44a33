package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains runtime configuration for agent-core.
type Config struct {
	ServerName string `yaml:"server_name" json:"server_name"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	LogLevel   string `yaml:"log_level" json:"log_level"`
	DBPath     string `yaml:"db_path" json:"db_path"`
	SessionDir string `yaml:"session_dir" json:"session_dir"`

	Registry RegistryConfig `yaml:"registry" json:"registry"`
	Dispatch DispatchConfig `yaml:"dispatch" json:"dispatch"`
	Session  SessionConfig  `yaml:"session" json:"session"`
	Router   RouterConfig   `yaml:"router" json:"router"`
	Memory   MemoryConfig   `yaml:"memory" json:"memory"`
	LLM      LLMConfig      `yaml:"llm" json:"llm"`
	ACP      ACPConfig      `yaml:"acp" json:"acp"`
}

// RegistryConfig controls plugin liveness.
type RegistryConfig struct {
	HeartbeatTimeoutSeconds int `yaml:"heartbeat_timeout_seconds" json:"heartbeat_timeout_seconds"`
	SweepIntervalSeconds    int `yaml:"sweep_interval_seconds" json:"sweep_interval_seconds"`
}

// DispatchConfig controls tool calls to plugins.
type DispatchConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	CallPath       string `yaml:"call_path" json:"call_path"`
}

// SessionConfig controls conversation history caching.
type SessionConfig struct {
	MaxMessages           int `yaml:"max_messages" json:"max_messages"`
	CacheTTLSeconds       int `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`
	MaxCacheSize          int `yaml:"max_cache_size" json:"max_cache_size"`
	DefaultMonoTTLSeconds int `yaml:"default_mono_ttl_seconds" json:"default_mono_ttl_seconds"`
}

// RouterConfig controls push channel buffering.
type RouterConfig struct {
	Buffer int `yaml:"buffer" json:"buffer"`
}

// MemoryConfig controls the memory store and its maintenance.
type MemoryConfig struct {
	DefaultSearchLimit         int `yaml:"default_search_limit" json:"default_search_limit"`
	ArchiveAfterHours          int `yaml:"archive_after_hours" json:"archive_after_hours"`
	MaintenanceIntervalSeconds int `yaml:"maintenance_interval_seconds" json:"maintenance_interval_seconds"`
}

// LLMConfig selects and tunes the model backend.
type LLMConfig struct {
	Provider      string  `yaml:"provider" json:"provider"`
	Model         string  `yaml:"model" json:"model"`
	BaseURL       string  `yaml:"base_url" json:"base_url"`
	APIKeyEnv     string  `yaml:"api_key_env" json:"api_key_env"`
	Temperature   float64 `yaml:"temperature" json:"temperature"`
	MaxTokens     int64   `yaml:"max_tokens" json:"max_tokens"`
	MaxToolRounds int     `yaml:"max_tool_rounds" json:"max_tool_rounds"`
	HistoryWindow int     `yaml:"history_window" json:"history_window"`
	SystemPrompt  string  `yaml:"system_prompt" json:"system_prompt"`
}

// ACPConfig controls peer-agent connections.
type ACPConfig struct {
	AgentName             string `yaml:"agent_name" json:"agent_name"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds" json:"connect_timeout_seconds"`
}

// Default returns a Config populated with safe defaults.
func Default() Config {
	return Config{
		ServerName: "agent-core",
		ListenAddr: "127.0.0.1:8000",
		LogLevel:   "info",
		DBPath:     filepath.Join(userHomeDir(), ".agent-core", "memories.db"),
		SessionDir: filepath.Join(userHomeDir(), ".agent-core", "sessions"),
		Registry: RegistryConfig{
			HeartbeatTimeoutSeconds: 30,
			SweepIntervalSeconds:    5,
		},
		Dispatch: DispatchConfig{
			TimeoutSeconds: 10,
			CallPath:       "/tools/call",
		},
		Session: SessionConfig{
			MaxMessages:           40,
			CacheTTLSeconds:       3600,
			MaxCacheSize:          100,
			DefaultMonoTTLSeconds: 300,
		},
		Router: RouterConfig{Buffer: 256},
		Memory: MemoryConfig{
			DefaultSearchLimit:         10,
			ArchiveAfterHours:          24,
			MaintenanceIntervalSeconds: 600,
		},
		LLM: LLMConfig{
			Provider:      "openai",
			Model:         "gpt-4o-mini",
			APIKeyEnv:     "OPENAI_API_KEY",
			Temperature:   0.7,
			MaxTokens:     2048,
			MaxToolRounds: 5,
			HistoryWindow: 20,
		},
		ACP: ACPConfig{
			AgentName:             "agent-core",
			ConnectTimeoutSeconds: 5,
		},
	}
}

// Load loads config from disk; if path does not exist, default config is returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks configuration sanity.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return errors.New("server_name must not be empty")
	}
	if c.ListenAddr == "" {
		return errors.New("listen_addr must not be empty")
	}
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	if c.SessionDir == "" {
		return errors.New("session_dir must not be empty")
	}
	if c.Registry.HeartbeatTimeoutSeconds <= 0 {
		return errors.New("registry.heartbeat_timeout_seconds must be > 0")
	}
	if c.Registry.SweepIntervalSeconds <= 0 {
		return errors.New("registry.sweep_interval_seconds must be > 0")
	}
	if c.Dispatch.TimeoutSeconds <= 0 {
		return errors.New("dispatch.timeout_seconds must be > 0")
	}
	if !strings.HasPrefix(c.Dispatch.CallPath, "/") {
		return errors.New("dispatch.call_path must start with /")
	}
	if c.Session.MaxMessages <= 0 {
		return errors.New("session.max_messages must be > 0")
	}
	if c.Session.CacheTTLSeconds <= 0 {
		return errors.New("session.cache_ttl_seconds must be > 0")
	}
	if c.Session.MaxCacheSize <= 0 {
		return errors.New("session.max_cache_size must be > 0")
	}
	if c.Session.DefaultMonoTTLSeconds <= 0 {
		return errors.New("session.default_mono_ttl_seconds must be > 0")
	}
	if c.Router.Buffer <= 0 {
		return errors.New("router.buffer must be > 0")
	}
	if c.Memory.DefaultSearchLimit <= 0 {
		return errors.New("memory.default_search_limit must be > 0")
	}
	if c.Memory.ArchiveAfterHours <= 0 {
		return errors.New("memory.archive_after_hours must be > 0")
	}
	if c.Memory.MaintenanceIntervalSeconds <= 0 {
		return errors.New("memory.maintenance_interval_seconds must be > 0")
	}
	switch c.LLM.Provider {
	case "openai", "anthropic", "gemini", "none":
	default:
		return fmt.Errorf("llm.provider %q must be one of openai, anthropic, gemini, none", c.LLM.Provider)
	}
	if c.LLM.MaxToolRounds <= 0 {
		return errors.New("llm.max_tool_rounds must be > 0")
	}
	if c.LLM.HistoryWindow <= 0 {
		return errors.New("llm.history_window must be > 0")
	}
	if c.ACP.ConnectTimeoutSeconds <= 0 {
		return errors.New("acp.connect_timeout_seconds must be > 0")
	}
	return nil
}

// EnsurePaths expands and creates directories for config-managed paths.
func (c *Config) EnsurePaths() error {
	c.DBPath = ExpandPath(c.DBPath)
	c.SessionDir = ExpandPath(c.SessionDir)
	if parent := filepath.Dir(c.DBPath); parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("create db parent dir: %w", err)
		}
	}
	if err := os.MkdirAll(c.SessionDir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	return nil
}

// HeartbeatTimeout is the liveness window of a plugin.
func (c Config) HeartbeatTimeout() time.Duration {
	return seconds(c.Registry.HeartbeatTimeoutSeconds)
}

// SweepInterval is the heartbeat monitor period.
func (c Config) SweepInterval() time.Duration {
	return seconds(c.Registry.SweepIntervalSeconds)
}

// DispatchTimeout bounds one tool call.
func (c Config) DispatchTimeout() time.Duration {
	return seconds(c.Dispatch.TimeoutSeconds)
}

// ArchiveAfter is the age at which short-term memories are archived.
func (c Config) ArchiveAfter() time.Duration {
	return time.Duration(c.Memory.ArchiveAfterHours) * time.Hour
}

// MaintenanceInterval is the period of the archival worker.
func (c Config) MaintenanceInterval() time.Duration {
	return seconds(c.Memory.MaintenanceIntervalSeconds)
}

// ConnectTimeout bounds a peer-agent handshake.
func (c Config) ConnectTimeout() time.Duration {
	return seconds(c.ACP.ConnectTimeoutSeconds)
}

// Redacted returns a copy safe to expose over the API. The API key is only
// ever referenced by env var name; credentials embedded in the model base
// URL are stripped.
func (c Config) Redacted() Config {
	if u, err := url.Parse(c.LLM.BaseURL); err == nil && u.User != nil {
		u.User = nil
		c.LLM.BaseURL = u.String()
	}
	return c
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ExpandPath expands "~/" to the current user's home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" {
		return userHomeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(userHomeDir(), p[2:])
	}
	return p
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
