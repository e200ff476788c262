// Package config loads the daemon settings from defaults, an optional file,
// a .env file and DCS_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Settings are the tunables of the daemon.
type Settings struct {
	// MaxCodesPerInput bounds each stage queue of a channel.
	MaxCodesPerInput int `mapstructure:"max_codes_per_input"`

	// BufferedMacroCodes is the look-ahead of the macro runner.
	BufferedMacroCodes int `mapstructure:"buffered_macro_codes"`

	// BufferedPrintCodes is the size of the job runner's code pool.
	BufferedPrintCodes int `mapstructure:"buffered_print_codes"`

	// MaxBufferSpacePerChannel is the byte budget of a channel on the link.
	MaxBufferSpacePerChannel int `mapstructure:"max_buffer_space_per_channel"`

	// MaxMessageLength is the longest message fragment sent to the firmware.
	MaxMessageLength int `mapstructure:"max_message_length"`

	// CodeHeaderSize is the per-code framing overhead of the link encoding.
	CodeHeaderSize int `mapstructure:"code_header_size"`

	ProtocolVersion int           `mapstructure:"protocol_version"`
	TickInterval    time.Duration `mapstructure:"tick_interval"`

	BaseDirectory string `mapstructure:"base_directory"`
	ConfigFile    string `mapstructure:"config_file"`

	LogLevel    string `mapstructure:"log_level"`
	LogConsole  bool   `mapstructure:"log_console"`
	MonitorPort int    `mapstructure:"monitor_port"`
	TraceDB     string `mapstructure:"trace_db"`
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		MaxCodesPerInput:         32,
		BufferedMacroCodes:       16,
		BufferedPrintCodes:       32,
		MaxBufferSpacePerChannel: 1536,
		MaxMessageLength:         60,
		CodeHeaderSize:           12,
		ProtocolVersion:          2,
		TickInterval:             25 * time.Millisecond,
		BaseDirectory:            "/opt/dsf/sd",
		ConfigFile:               "config.g",
		LogLevel:                 "info",
		MonitorPort:              0,
	}
}

// Validate rejects settings the daemon cannot run with.
func (s Settings) Validate() error {
	var errs []error

	if s.MaxCodesPerInput < 1 {
		errs = append(errs, errors.New("max_codes_per_input must be at least 1"))
	}

	if s.BufferedMacroCodes < 1 {
		errs = append(errs, errors.New("buffered_macro_codes must be at least 1"))
	}

	if s.MaxBufferSpacePerChannel < 1 {
		errs = append(errs, errors.New("max_buffer_space_per_channel must be at least 1"))
	}

	if s.MaxMessageLength < 1 {
		errs = append(errs, errors.New("max_message_length must be at least 1"))
	}

	if s.TickInterval <= 0 {
		errs = append(errs, errors.New("tick_interval must be positive"))
	}

	return errors.Join(errs...)
}

// PrintCodePoolSize is the job runner pool size, never less than one.
func (s Settings) PrintCodePoolSize() int {
	return max(s.BufferedPrintCodes, 1)
}

// New creates a viper instance that knows the defaults and the environment.
func New() *viper.Viper {
	v := viper.New()

	d := Default()
	v.SetDefault("max_codes_per_input", d.MaxCodesPerInput)
	v.SetDefault("buffered_macro_codes", d.BufferedMacroCodes)
	v.SetDefault("buffered_print_codes", d.BufferedPrintCodes)
	v.SetDefault("max_buffer_space_per_channel", d.MaxBufferSpacePerChannel)
	v.SetDefault("max_message_length", d.MaxMessageLength)
	v.SetDefault("code_header_size", d.CodeHeaderSize)
	v.SetDefault("protocol_version", d.ProtocolVersion)
	v.SetDefault("tick_interval", d.TickInterval)
	v.SetDefault("base_directory", d.BaseDirectory)
	v.SetDefault("config_file", d.ConfigFile)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_console", d.LogConsole)
	v.SetDefault("monitor_port", d.MonitorPort)
	v.SetDefault("trace_db", d.TraceDB)

	v.SetEnvPrefix("DCS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v
}

// BindFlags lets command line flags override everything else. Flag names use
// dashes, e.g. --monitor-port.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error

	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if bindErr := v.BindPFlag(key, f); bindErr != nil {
			err = errors.Join(err, bindErr)
		}
	})

	return err
}

// Load reads the .env file and the optional settings file into settings.
func Load(v *viper.Viper, path string) (Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Settings{}, fmt.Errorf("loading .env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decoding settings: %w", err)
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}

	return s, nil
}
