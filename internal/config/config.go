package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	JournalPath string `mapstructure:"journal-path"`
	FSMDBPath   string `mapstructure:"fsm-db-path"`

	// Inventory backend: "netbox" or "s3"
	Inventory   string `mapstructure:"inventory"`
	NetBoxURL   string `mapstructure:"netbox-url"`
	NetBoxToken string `mapstructure:"netbox-token"`
	S3Bucket    string `mapstructure:"s3-bucket"`
	S3Region    string `mapstructure:"s3-region"`
	S3Prefix    string `mapstructure:"s3-prefix"`

	// Terminal server fronting the device consoles
	TerminalHost     string `mapstructure:"terminal-host"`
	TerminalPort     int    `mapstructure:"terminal-port"`
	TerminalUser     string `mapstructure:"terminal-user"`
	TerminalPassword string `mapstructure:"terminal-password"`

	// Transfer server the device pulls staged configs from
	FTPServer   string `mapstructure:"ftp-server"`
	FTPUser     string `mapstructure:"ftp-user"`
	FTPPassword string `mapstructure:"ftp-password"`
	StagingDir  string `mapstructure:"staging-dir"`

	// Device credentials
	EnablePassword string `mapstructure:"enable-password"`

	// Connection retry shaping
	ConnectAttempts int           `mapstructure:"connect-attempts"`
	ConnectDelay    time.Duration `mapstructure:"connect-delay"`
	ConnectBudget   time.Duration `mapstructure:"connect-budget"`

	// Command timing
	CommandTimeout time.Duration `mapstructure:"command-timeout"`
	CopyTimeout    time.Duration `mapstructure:"copy-timeout"`
	ApplyTimeout   time.Duration `mapstructure:"apply-timeout"`
	SettleDelay    time.Duration `mapstructure:"settle-delay"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("journal-path", ".artifacts/ztp.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("inventory", "netbox")
	viper.SetDefault("netbox-url", "http://netbox.internal")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-prefix", "devices")
	viper.SetDefault("terminal-port", 22)
	viper.SetDefault("staging-dir", "/srv/ftp")
	viper.SetDefault("connect-attempts", 3)
	viper.SetDefault("connect-delay", 5*time.Second)
	viper.SetDefault("connect-budget", 60*time.Second)
	viper.SetDefault("command-timeout", 120*time.Second)
	viper.SetDefault("copy-timeout", 300*time.Second)
	viper.SetDefault("apply-timeout", 600*time.Second)
	viper.SetDefault("settle-delay", 10*time.Second)
	viper.SetDefault("fsm-max-retries", 5)

	// Environment variables (will be ZTP_TERMINAL_HOST, etc.)
	viper.SetEnvPrefix("ZTP")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.ztpd")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.JournalPath == "" {
		return fmt.Errorf("journal-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	switch c.Inventory {
	case "netbox":
		if c.NetBoxURL == "" {
			return fmt.Errorf("netbox-url cannot be empty")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("s3-bucket cannot be empty")
		}
	default:
		return fmt.Errorf("inventory must be netbox or s3, got %q", c.Inventory)
	}
	if c.TerminalHost == "" {
		return fmt.Errorf("terminal-host cannot be empty")
	}
	if c.FTPServer == "" {
		return fmt.Errorf("ftp-server cannot be empty")
	}
	if c.StagingDir == "" {
		return fmt.Errorf("staging-dir cannot be empty")
	}
	if c.ConnectAttempts <= 0 {
		return fmt.Errorf("connect-attempts must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	return nil
}
