// Package config provides dynamic configuration management for Inventra.
// It uses Viper to load settings from files, environment variables, and CLI flags.
// The resulting Config is passed explicitly to the store, server and agent.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for Inventra.
type Config struct {
	// ── Server ───────────────────────────────────────────────────────────────
	ServerHost string `mapstructure:"server_host"`
	// ControlPort: dashboard + JWT-protected machine API
	ControlPort int `mapstructure:"control_port"`
	// DataPort: agent ingest + health check
	DataPort     int           `mapstructure:"data_port"`
	DBPath       string        `mapstructure:"db_path"`
	DBDriver     string        `mapstructure:"db_driver"` // only "sqlite" for now
	BusyTimeout  time.Duration `mapstructure:"db_busy_timeout"`
	ReadTimeout  time.Duration `mapstructure:"http_read_timeout"`
	WriteTimeout time.Duration `mapstructure:"http_write_timeout"`
	// HeartbeatWindow is how recent last_seen must be for a machine to count as online.
	HeartbeatWindow time.Duration `mapstructure:"heartbeat_window"`

	// ── Security ──────────────────────────────────────────────────────────────
	// JWTSecret signs dashboard tokens. Empty disables control-plane auth.
	JWTSecret string `mapstructure:"jwt_secret"`
	// AgentToken is the pre-shared key agents send as "Authorization: Bearer <token>".
	// Empty disables data-plane auth.
	AgentToken string `mapstructure:"agent_token"`
	AdminUser  string `mapstructure:"admin_user"`
	AdminPass  string `mapstructure:"admin_pass"`

	// ── Events ────────────────────────────────────────────────────────────────
	EventsDriver string `mapstructure:"events_driver"` // none | redis | nats
	RedisURL     string `mapstructure:"redis_url"`
	RedisQueue   string `mapstructure:"redis_queue"`
	NATSURL      string `mapstructure:"nats_url"`
	NATSSubject  string `mapstructure:"nats_subject"`

	// ── Agent ────────────────────────────────────────────────────────────────
	AgentServerURL     string        `mapstructure:"agent_server_url"`
	AgentIngestPath    string        `mapstructure:"agent_ingest_path"`
	AgentHealthPath    string        `mapstructure:"agent_health_path"`
	AgentTimeout       time.Duration `mapstructure:"agent_timeout"`
	AgentInterval      time.Duration `mapstructure:"agent_interval"`
	AgentRetryAttempts int           `mapstructure:"agent_retry_attempts"`
	AgentRetryStep     time.Duration `mapstructure:"agent_retry_step"`
	AgentBackupEnabled bool          `mapstructure:"agent_backup_enabled"`
	AgentBackupDir     string        `mapstructure:"agent_backup_dir"`
	// AgentOutboundToken for outbound requests (overridden by --token CLI flag)
	AgentOutboundToken string `mapstructure:"agent_outbound_token"`

	// ── Agentless (SSH) defaults ──────────────────────────────────────────────
	SSHUser    string `mapstructure:"ssh_user"`
	SSHKeyPath string `mapstructure:"ssh_key_path"`
	// SSHHostKey pins the target's key, in authorized_keys form
	// ("ssh-ed25519 AAAA..."). Empty accepts any host key.
	SSHHostKey string `mapstructure:"ssh_host_key"`
}

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("control_port", 5080) // dashboard + API
	v.SetDefault("data_port", 5000)    // agent ingest
	v.SetDefault("db_path", "inventra.db")
	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("db_busy_timeout", "5s")
	v.SetDefault("http_read_timeout", "30s")
	v.SetDefault("http_write_timeout", "30s")
	v.SetDefault("heartbeat_window", "5m")

	// Security defaults: MUST be overridden in production via config.yaml or env vars.
	v.SetDefault("jwt_secret", "iNv$7rA@pQ2!kZ9#wM4^xD1&")
	v.SetDefault("agent_token", "inventra-agent-key")
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_pass", "admin")

	v.SetDefault("events_driver", "none")
	v.SetDefault("redis_url", "redis://127.0.0.1:6379/0")
	v.SetDefault("redis_queue", "inventra_machine_events")
	v.SetDefault("nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("nats_subject", "inventra.machines")

	v.SetDefault("agent_server_url", "http://127.0.0.1:5000")
	v.SetDefault("agent_ingest_path", "/api/inventory")
	v.SetDefault("agent_health_path", "/health")
	v.SetDefault("agent_timeout", "30s")
	v.SetDefault("agent_interval", "0s") // 0 = run once (GPO / scheduled task)
	v.SetDefault("agent_retry_attempts", 3)
	v.SetDefault("agent_retry_step", "5s")
	v.SetDefault("agent_backup_enabled", true)
	v.SetDefault("agent_backup_dir", "backups")
	v.SetDefault("agent_outbound_token", "inventra-agent-key")

	v.SetDefault("ssh_user", "Administrator")
	v.SetDefault("ssh_key_path", "")
	v.SetDefault("ssh_host_key", "")
}

// Load reads config from file (./config.yaml or ~/.inventra/config.yaml)
// and falls back to defaults. Environment variables with prefix INVENTRA_
// override file values.
func Load() (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.inventra")
	if err := v.ReadInConfig(); err != nil {
		// config file is optional; ignore "not found" errors
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return decode(v)
}

// LoadFile reads config from an explicit path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("INVENTRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server or agent cannot run with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "":
	default:
		return fmt.Errorf("unsupported db_driver %q (use 'sqlite')", c.DBDriver)
	}
	switch c.EventsDriver {
	case "", "none", "redis", "nats":
	default:
		return fmt.Errorf("unsupported events_driver %q (use none, redis or nats)", c.EventsDriver)
	}
	if c.AgentRetryAttempts < 1 {
		return fmt.Errorf("agent_retry_attempts must be >= 1, got %d", c.AgentRetryAttempts)
	}
	if c.HeartbeatWindow <= 0 {
		return fmt.Errorf("heartbeat_window must be positive")
	}
	return nil
}
