package config

import (
	"fmt"
	"os"
	"time"

	"github.com/diamondburned/arikawa/v3/discord"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration read from strings like "5s" or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)

	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DiscordConfig stores Discord specific configurations.
type DiscordConfig struct {
	BotToken      string             `yaml:"bot_token"`
	ApplicationID *discord.Snowflake `yaml:"application_id"`
	GuildIDs      []string           `yaml:"guild_ids"`
}

// VoiceConfig tunes voice sessions and playback.
type VoiceConfig struct {
	HandshakeTimeout        Duration `yaml:"handshake_timeout"`
	DiscoveryTimeout        Duration `yaml:"discovery_timeout"`
	CloseTimeout            Duration `yaml:"close_timeout"`
	UnderrunBackoffFrames   int      `yaml:"underrun_backoff_frames"`
	MaxConsecutiveUnderruns int      `yaml:"max_consecutive_underruns"`
	// IdleTimeout disconnects after this long without playback. Zero disables it.
	IdleTimeout Duration `yaml:"idle_timeout"`
	Bitrate     int      `yaml:"bitrate"`
	MediaDir    string   `yaml:"media_dir"`
	FFmpegPath  string   `yaml:"ffmpeg_path"`
	SelfDeaf    bool     `yaml:"self_deaf"`
}

// DirectoryConfig sizes the lookup cache.
type DirectoryConfig struct {
	CacheSize int `yaml:"cache_size"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Config stores the application configuration.
type Config struct {
	Discord   DiscordConfig   `yaml:"discord"`
	Voice     VoiceConfig     `yaml:"voice"`
	Directory DirectoryConfig `yaml:"directory"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	LogLevel  string          `yaml:"log_level"`
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	v := &c.Voice
	if v.HandshakeTimeout <= 0 {
		v.HandshakeTimeout = Duration(10 * time.Second)
	}
	if v.DiscoveryTimeout <= 0 {
		v.DiscoveryTimeout = Duration(5 * time.Second)
	}
	if v.CloseTimeout <= 0 {
		v.CloseTimeout = Duration(5 * time.Second)
	}
	if v.UnderrunBackoffFrames <= 0 {
		v.UnderrunBackoffFrames = 10
	}
	if v.MaxConsecutiveUnderruns <= 0 {
		v.MaxConsecutiveUnderruns = 2
	}
	if v.Bitrate <= 0 {
		v.Bitrate = 64_000
	}
	if v.MediaDir == "" {
		v.MediaDir = "media"
	}
	if v.FFmpegPath == "" {
		v.FFmpegPath = "ffmpeg"
	}

	if c.Directory.CacheSize <= 0 {
		c.Directory.CacheSize = 256
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// LoadConfig loads the configuration from the given file path.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	return &cfg, nil
}
