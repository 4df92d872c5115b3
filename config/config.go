// Package config loads server configuration from defaults, an optional
// YAML file and AUDIOLAB_* environment variables, in that order of
// precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration for the audiolab server.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Recordings RecordingsConfig `mapstructure:"recordings"`
	Session    SessionConfig    `mapstructure:"session"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig covers the HTTP listener and CORS.
type ServerConfig struct {
	// ListenAddr is the address the HTTP server binds, e.g. ":8000".
	ListenAddr string `mapstructure:"listen_addr"`

	// FrontendOrigin is the single origin allowed by CORS.
	FrontendOrigin string `mapstructure:"frontend_origin"`
}

// RecordingsConfig covers recording storage.
type RecordingsConfig struct {
	// Dir is where WAV files are spooled and finalized.
	Dir string `mapstructure:"dir"`

	// DBPath is the SQLite file holding recording metadata.
	DBPath string `mapstructure:"db_path"`
}

// SessionConfig covers per-session processing defaults.
type SessionConfig struct {
	// MeterIntervalMS is the metering emission cadence in milliseconds.
	MeterIntervalMS int `mapstructure:"meter_interval_ms"`

	// SpectrumWindow is the FFT window length, must be a power of two.
	SpectrumWindow int `mapstructure:"spectrum_window"`

	// SpectrumBins is the number of display bins per meter message.
	SpectrumBins int `mapstructure:"spectrum_bins"`

	// CleanupOnDisconnect deletes a session's recordings when its
	// connection goes away.
	CleanupOnDisconnect bool `mapstructure:"cleanup_on_disconnect"`
}

// LogConfig covers logrus setup.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MeterInterval returns the metering cadence as a Duration.
func (c SessionConfig) MeterInterval() time.Duration {
	return time.Duration(c.MeterIntervalMS) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8000")
	v.SetDefault("server.frontend_origin", "http://localhost:3000")
	v.SetDefault("recordings.dir", "recordings_data")
	v.SetDefault("recordings.db_path", "recordings.db")
	v.SetDefault("session.meter_interval_ms", 50)
	v.SetDefault("session.spectrum_window", 1024)
	v.SetDefault("session.spectrum_bins", 64)
	v.SetDefault("session.cleanup_on_disconnect", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load builds the configuration. With a non-empty path the file must
// exist and parse; with an empty path an `audiolab.yaml` in the working
// directory is used when present, and silently skipped otherwise.
//
// Returns:
//   - *Config: The validated configuration
//   - error: Read, parse or validation failure
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AUDIOLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("audiolab")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Load",
		"listen_addr": cfg.Server.ListenAddr,
		"config_file": v.ConfigFileUsed(),
	}).Debug("Configuration loaded")

	return &cfg, nil
}

// Validate checks every field the server cannot sensibly default at
// runtime. Configuration problems should stop the process at boot, not
// surface mid-session.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr cannot be empty")
	}
	if c.Recordings.Dir == "" {
		return errors.New("recordings.dir cannot be empty")
	}
	if c.Recordings.DBPath == "" {
		return errors.New("recordings.db_path cannot be empty")
	}
	if c.Session.MeterIntervalMS <= 0 {
		return fmt.Errorf("session.meter_interval_ms must be positive, got %d", c.Session.MeterIntervalMS)
	}
	if c.Session.SpectrumWindow < 64 || c.Session.SpectrumWindow&(c.Session.SpectrumWindow-1) != 0 {
		return fmt.Errorf("session.spectrum_window must be a power of two >= 64, got %d", c.Session.SpectrumWindow)
	}
	if c.Session.SpectrumBins <= 0 {
		return fmt.Errorf("session.spectrum_bins must be positive, got %d", c.Session.SpectrumBins)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format)
	}
	return nil
}
