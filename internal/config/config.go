package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries every tunable the server reads at startup. Values come from
// defaults, then environment, then command-line flags, later sources winning.
type Config struct {
	// HTTP listener.
	Host string
	Port int

	// PIN guarding the operator session. Empty disables the gate entirely.
	PIN string

	// Remote-debugging endpoint of the desktop assistant.
	CDPURL     string
	CDPTimeout time.Duration

	// Directory for mutable state: orchestrator snapshot, user templates.
	DataDir string

	// Template directories. SystemTemplateDir ships with the binary.
	SystemTemplateDir string

	// Session token lifetime.
	TokenTTL time.Duration

	// Conversation detail cache TTL.
	CacheTTL time.Duration

	// Debug switches verbose logging and gin debug mode.
	Debug bool

	// DebugLogFile, when non-empty, mirrors log output to a file.
	DebugLogFile string
}

// Load builds a Config from environment variables via viper. Flag overrides
// are applied by the command layer after Load.
func Load() *Config {
	v := viper.New()
	v.SetEnvPrefix("COCKPIT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 3789)
	v.SetDefault("cdp_url", "http://127.0.0.1:9222")
	v.SetDefault("cdp_timeout", "15s")
	v.SetDefault("data_dir", "data")
	v.SetDefault("system_template_dir", "templates/system")
	v.SetDefault("token_ttl", "4h")
	v.SetDefault("cache_ttl", "5s")
	v.SetDefault("debug", false)
	v.SetDefault("debug_log_file", "")

	// PIN and PORT are honoured without the prefix for compatibility with the
	// launcher contract.
	_ = v.BindEnv("pin", "PIN", "COCKPIT_PIN")
	_ = v.BindEnv("port", "PORT", "COCKPIT_PORT")

	cfg := &Config{
		Host:              v.GetString("host"),
		Port:              v.GetInt("port"),
		PIN:               strings.TrimSpace(v.GetString("pin")),
		CDPURL:            v.GetString("cdp_url"),
		CDPTimeout:        v.GetDuration("cdp_timeout"),
		DataDir:           v.GetString("data_dir"),
		SystemTemplateDir: v.GetString("system_template_dir"),
		TokenTTL:          v.GetDuration("token_ttl"),
		CacheTTL:          v.GetDuration("cache_ttl"),
		Debug:             v.GetBool("debug"),
		DebugLogFile:      v.GetString("debug_log_file"),
	}
	return cfg.WithDefaults()
}

// WithDefaults normalizes zero or invalid values in place and returns the
// receiver for chaining.
func (c *Config) WithDefaults() *Config {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = 3789
	}
	if c.CDPURL == "" {
		c.CDPURL = "http://127.0.0.1:9222"
	}
	if c.CDPTimeout <= 0 {
		c.CDPTimeout = 15 * time.Second
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.SystemTemplateDir == "" {
		c.SystemTemplateDir = "templates/system"
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 4 * time.Hour
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Second
	}
	return c
}

// AuthEnabled reports whether the PIN gate is active.
func (c *Config) AuthEnabled() bool {
	return c.PIN != ""
}
