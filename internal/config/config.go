// Package config provides configuration management for tvcast using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "TVCAST"

// Default configuration values.
const (
	defaultServerPort      = 8000
	defaultConnectTimeout  = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultChunkSize       = 4 * KB
	defaultFallbackBitRate = 128000
	defaultMaxCopyBitRate  = 320000
)

// Config holds all configuration for the application.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Transcode TranscodeConfig `mapstructure:"transcode" yaml:"transcode"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Publish   PublishConfig   `mapstructure:"publish" yaml:"publish"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // trace, debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// TranscodeConfig selects the output stream and how failures are handled.
type TranscodeConfig struct {
	Container   string `mapstructure:"container" yaml:"container"`
	Codec       string `mapstructure:"codec" yaml:"codec"`
	Encoder     string `mapstructure:"encoder" yaml:"encoder"` // explicit encoder name, overrides codec lookup
	Filter      string `mapstructure:"filter" yaml:"filter"`
	ErrorPolicy string `mapstructure:"error_policy" yaml:"error_policy"` // strict, lenient
	Muxer       string `mapstructure:"muxer" yaml:"muxer"`               // libav, mediacommon

	BitRatePolicy  string `mapstructure:"bit_rate_policy" yaml:"bit_rate_policy"` // copy, fixed, default
	BitRate        int64  `mapstructure:"bit_rate" yaml:"bit_rate"`
	MaxCopyBitRate int64  `mapstructure:"max_copy_bit_rate" yaml:"max_copy_bit_rate"`
}

// ServerConfig holds the streaming server the source connects to.
type ServerConfig struct {
	Host        string `mapstructure:"host" yaml:"host"`
	Port        int    `mapstructure:"port" yaml:"port"`
	User        string `mapstructure:"user" yaml:"user"`
	Password    string `mapstructure:"password" yaml:"password" masq:"secret"`
	Mount       string `mapstructure:"mount" yaml:"mount"`
	Protocol    string `mapstructure:"protocol" yaml:"protocol"` // http, icy
	Format      string `mapstructure:"format" yaml:"format"`     // content format announced to the server
	Name        string `mapstructure:"name" yaml:"name"`
	Description string `mapstructure:"description" yaml:"description"`
	Genre       string `mapstructure:"genre" yaml:"genre"`
	URL         string `mapstructure:"url" yaml:"url"`
	Public      bool   `mapstructure:"public" yaml:"public"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// PublishConfig controls chunking and pacing of the upload.
type PublishConfig struct {
	// ChunkSize supports human-readable values like "4KB" or raw byte counts.
	ChunkSize       ByteSize `mapstructure:"chunk_size" yaml:"chunk_size"`
	Pacing          string   `mapstructure:"pacing" yaml:"pacing"` // realtime, none
	FallbackBitRate int64    `mapstructure:"fallback_bit_rate" yaml:"fallback_bit_rate"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with TVCAST_ and use underscores for nesting.
// Example: TVCAST_SERVER_PASSWORD=hackme.
func Load(configPath string) (*Config, error) {
	v, err := NewViper(configPath)
	if err != nil {
		return nil, err
	}
	return Unmarshal(v)
}

// NewViper creates a viper instance with defaults, the config file and
// environment bindings applied. Callers may bind flags before Unmarshal.
func NewViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/tvcast")
		v.AddConfigPath("/etc/tvcast")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return v, nil
}

// Unmarshal decodes and validates the configuration held by v.
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Transcode defaults
	v.SetDefault("transcode.container", "ogg")
	v.SetDefault("transcode.codec", "vorbis")
	v.SetDefault("transcode.encoder", "")
	v.SetDefault("transcode.filter", "anull")
	v.SetDefault("transcode.error_policy", "lenient")
	v.SetDefault("transcode.muxer", "libav")
	v.SetDefault("transcode.bit_rate_policy", "copy")
	v.SetDefault("transcode.bit_rate", 0)
	v.SetDefault("transcode.max_copy_bit_rate", defaultMaxCopyBitRate)

	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.user", "source")
	v.SetDefault("server.password", "")
	v.SetDefault("server.mount", "/stream.ogg")
	v.SetDefault("server.protocol", "http")
	v.SetDefault("server.format", "ogg")
	v.SetDefault("server.name", "")
	v.SetDefault("server.description", "")
	v.SetDefault("server.genre", "")
	v.SetDefault("server.url", "")
	v.SetDefault("server.public", false)
	v.SetDefault("server.connect_timeout", defaultConnectTimeout)
	v.SetDefault("server.write_timeout", defaultWriteTimeout)

	// Publish defaults
	v.SetDefault("publish.chunk_size", int64(defaultChunkSize))
	v.SetDefault("publish.pacing", "realtime")
	v.SetDefault("publish.fallback_bit_rate", defaultFallbackBitRate)
}

// Validate checks the configuration for errors. Server credentials are
// checked separately by ValidateServer, since only publishing needs them.
func (c *Config) Validate() error {
	// Logging validation
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Transcode validation
	if c.Transcode.Container == "" {
		return fmt.Errorf("transcode.container is required")
	}
	if c.Transcode.Codec == "" && c.Transcode.Encoder == "" {
		return fmt.Errorf("transcode.codec or transcode.encoder is required")
	}
	validPolicies := map[string]bool{"": true, "strict": true, "lenient": true}
	if !validPolicies[c.Transcode.ErrorPolicy] {
		return fmt.Errorf("transcode.error_policy must be one of: strict, lenient")
	}
	validBitRatePolicies := map[string]bool{"": true, "copy": true, "fixed": true, "default": true}
	if !validBitRatePolicies[c.Transcode.BitRatePolicy] {
		return fmt.Errorf("transcode.bit_rate_policy must be one of: copy, fixed, default")
	}
	if c.Transcode.BitRatePolicy == "fixed" && c.Transcode.BitRate <= 0 {
		return fmt.Errorf("transcode.bit_rate must be positive with the fixed bit rate policy")
	}
	if c.Transcode.BitRate < 0 || c.Transcode.MaxCopyBitRate < 0 {
		return fmt.Errorf("transcode bit rates must not be negative")
	}
	switch c.Transcode.Muxer {
	case "libav":
	case "mediacommon":
		if c.Transcode.Container != "mpegts" {
			return fmt.Errorf("transcode.muxer mediacommon only supports the mpegts container")
		}
	default:
		return fmt.Errorf("transcode.muxer must be one of: libav, mediacommon")
	}

	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	validProtocols := map[string]bool{"http": true, "icy": true}
	if !validProtocols[c.Server.Protocol] {
		return fmt.Errorf("server.protocol must be one of: http, icy")
	}
	if c.Server.ConnectTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server timeouts must not be negative")
	}

	// Publish validation
	if c.Publish.ChunkSize < 1 {
		return fmt.Errorf("publish.chunk_size must be at least 1 byte")
	}
	validPacing := map[string]bool{"realtime": true, "none": true}
	if !validPacing[c.Publish.Pacing] {
		return fmt.Errorf("publish.pacing must be one of: realtime, none")
	}
	if c.Publish.FallbackBitRate < 1 {
		return fmt.Errorf("publish.fallback_bit_rate must be positive")
	}

	return nil
}

// ValidateServer checks the fields required to publish.
func (c *Config) ValidateServer() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Password == "" {
		return fmt.Errorf("server.password is required (set %s_SERVER_PASSWORD)", EnvPrefix)
	}
	if c.Server.Protocol == "http" && !strings.HasPrefix(c.Server.Mount, "/") {
		return fmt.Errorf("server.mount must start with /")
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Redacted returns a copy safe to print, with the password masked.
func (c Config) Redacted() Config {
	if c.Server.Password != "" {
		c.Server.Password = "[REDACTED]"
	}
	return c
}
