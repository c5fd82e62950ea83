package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Port             string        // Socket/HTTP listen port
	DataDir          string        // Data directory root
	StacksDir        string        // One sub-directory per stack
	DBPath           string        // SQLite database path
	JWTSecret        string        // JWT signing secret (generated and persisted when empty)
	TokenTTL         time.Duration // Session token lifetime
	ComposeBin       string        // Binary providing the "compose" sub-command
	ComposeTimeout   time.Duration // Wall-clock bound for a single compose invocation
	LockTimeout      time.Duration // How long a caller waits for a busy stack
	AgentDialTimeout time.Duration // Connect + login bound for remote agents
	DockerSocket     string        // Docker engine socket
	RefreshInterval  time.Duration // Container state refresh period
	LogFormat        string        // "text" or "json"
	LogLevel         string        // debug, info, warn, error
	LoginMaxAttempts int
	LoginWindow      time.Duration
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", "5001")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("token_ttl", 7*24*time.Hour)
	v.SetDefault("compose_bin", "docker")
	v.SetDefault("compose_timeout", 10*time.Minute)
	v.SetDefault("lock_timeout", 15*time.Minute)
	v.SetDefault("agent_dial_timeout", 10*time.Second)
	v.SetDefault("docker_socket", "/var/run/docker.sock")
	v.SetDefault("refresh_interval", 10*time.Second)
	v.SetDefault("log_format", "text")
	v.SetDefault("log_level", "info")
	v.SetDefault("login_max_attempts", 5)
	v.SetDefault("login_window", 15*time.Minute)
}

// Bind wires environment variables (STACKPILOT_*) and the optional
// stackpilot.yaml config file into v.
func Bind(v *viper.Viper) {
	v.SetEnvPrefix("STACKPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("stackpilot")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir := os.Getenv("STACKPILOT_DATA_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}
}

// Load reads configuration from v and makes sure the data directories exist.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// A missing config file is fine, env vars and defaults are enough.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	dataDir := v.GetString("data_dir")
	stacksDir := v.GetString("stacks_dir")
	if stacksDir == "" {
		stacksDir = filepath.Join(dataDir, "stacks")
	}
	dbPath := v.GetString("db_path")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "stackpilot.db")
	}

	cfg := &Config{
		Port:             v.GetString("port"),
		DataDir:          dataDir,
		StacksDir:        stacksDir,
		DBPath:           dbPath,
		JWTSecret:        v.GetString("jwt_secret"),
		TokenTTL:         v.GetDuration("token_ttl"),
		ComposeBin:       v.GetString("compose_bin"),
		ComposeTimeout:   v.GetDuration("compose_timeout"),
		LockTimeout:      v.GetDuration("lock_timeout"),
		AgentDialTimeout: v.GetDuration("agent_dial_timeout"),
		DockerSocket:     v.GetString("docker_socket"),
		RefreshInterval:  v.GetDuration("refresh_interval"),
		LogFormat:        v.GetString("log_format"),
		LogLevel:         v.GetString("log_level"),
		LoginMaxAttempts: v.GetInt("login_max_attempts"),
		LoginWindow:      v.GetDuration("login_window"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure directories exist
	for _, dir := range []string{cfg.DataDir, cfg.StacksDir, filepath.Dir(cfg.DBPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return cfg, nil
}

// Validate rejects values the control plane cannot run with.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("config.port is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config.data_dir is required")
	}
	if c.ComposeBin == "" {
		return fmt.Errorf("config.compose_bin is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("config.token_ttl must be positive")
	}
	if c.ComposeTimeout <= 0 {
		return fmt.Errorf("config.compose_timeout must be positive")
	}
	if c.AgentDialTimeout <= 0 {
		return fmt.Errorf("config.agent_dial_timeout must be positive")
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("config.refresh_interval must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config.log_format must be 'text' or 'json'")
	}
	return nil
}
