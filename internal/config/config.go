// Package config loads fsrelay settings from a YAML file and FSRELAY_*
// environment variables. Command-line flags are applied on top by the
// binary.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"fsrelay/internal/listener"
	"fsrelay/internal/logging"
	"fsrelay/internal/metrics"

	"gopkg.in/yaml.v3"
)

const EnvPrefix = "FSRELAY_"

// Source records where a setting came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

var ErrInvalid = errors.New("config: invalid value")

type Config struct {
	Mode        string        `yaml:"mode"`
	Target      string        `yaml:"target"`
	Directories []string      `yaml:"directories"`
	Latency     time.Duration `yaml:"latency"`
	Ignore      []string      `yaml:"ignore"`
	LogLevel    string        `yaml:"log_level"`
	MetricsAddr string        `yaml:"metrics_addr"`

	Broadcaster BroadcasterConfig `yaml:"broadcaster"`
	Recipient   RecipientConfig   `yaml:"recipient"`

	Sources map[string]Source `yaml:"-"`
}

type BroadcasterConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout"`
	QueueSize    int           `yaml:"queue_size"`
}

type RecipientConfig struct {
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
	MaxAttempts      int           `yaml:"max_attempts"`
}

// Default returns the built-in settings. Zero durations and sizes select
// each component's own default.
func Default() Config {
	return Config{
		Mode:     "broadcaster",
		LogLevel: string(logging.LevelInfo),
		Sources:  map[string]Source{},
	}
}

// Load reads path over the defaults. A missing path is an error; an empty
// file leaves the defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := cfg.decode(data); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (cfg *Config) decode(data []byte) error {
	var fileValues Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&fileValues); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	var present map[string]any
	if err := yaml.Unmarshal(data, &present); err != nil {
		return err
	}
	for key := range flatten("", present) {
		cfg.mark(key, SourceFile)
	}

	if fileValues.Mode != "" {
		cfg.Mode = fileValues.Mode
	}
	if fileValues.Target != "" {
		cfg.Target = fileValues.Target
	}
	if fileValues.Directories != nil {
		cfg.Directories = fileValues.Directories
	}
	if _, ok := present["latency"]; ok {
		cfg.Latency = fileValues.Latency
	}
	if fileValues.Ignore != nil {
		cfg.Ignore = fileValues.Ignore
	}
	if fileValues.LogLevel != "" {
		cfg.LogLevel = fileValues.LogLevel
	}
	if fileValues.MetricsAddr != "" {
		cfg.MetricsAddr = fileValues.MetricsAddr
	}
	cfg.Broadcaster = fileValues.Broadcaster
	cfg.Recipient = fileValues.Recipient
	return nil
}

func flatten(prefix string, values map[string]any) map[string]any {
	flat := map[string]any{}
	for key, value := range values {
		name := key
		if prefix != "" {
			name = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			for nestedKey, nestedValue := range flatten(name, nested) {
				flat[nestedKey] = nestedValue
			}
			continue
		}
		flat[name] = value
	}
	return flat
}

func (cfg *Config) mark(key string, source Source) {
	if cfg.Sources == nil {
		cfg.Sources = map[string]Source{}
	}
	cfg.Sources[key] = source
}

// SourceOf reports where key was last set.
func (cfg Config) SourceOf(key string) Source {
	if source, ok := cfg.Sources[key]; ok {
		return source
	}
	return SourceDefault
}

// ApplyEnv overlays FSRELAY_* variables. Unparsable values are ignored and
// the previous value is kept.
func (cfg *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	value := func(name string) (string, bool) {
		raw, ok := lookup(EnvPrefix + name)
		raw = strings.TrimSpace(raw)
		return raw, ok && raw != ""
	}

	if raw, ok := value("MODE"); ok {
		cfg.Mode = raw
		cfg.mark("mode", SourceEnv)
	}
	if raw, ok := value("TARGET"); ok {
		cfg.Target = raw
		cfg.mark("target", SourceEnv)
	}
	if raw, ok := value("DIRECTORIES"); ok {
		cfg.Directories = filepath.SplitList(raw)
		cfg.mark("directories", SourceEnv)
	}
	if raw, ok := value("IGNORE"); ok {
		cfg.Ignore = splitList(raw)
		cfg.mark("ignore", SourceEnv)
	}
	if raw, ok := value("LOG_LEVEL"); ok {
		cfg.LogLevel = raw
		cfg.mark("log_level", SourceEnv)
	}
	if raw, ok := value("METRICS_ADDR"); ok {
		cfg.MetricsAddr = raw
		cfg.mark("metrics_addr", SourceEnv)
	}

	durations := []struct {
		env    string
		key    string
		target *time.Duration
	}{
		{env: "LATENCY", key: "latency", target: &cfg.Latency},
		{env: "WRITE_TIMEOUT", key: "broadcaster.write_timeout", target: &cfg.Broadcaster.WriteTimeout},
		{env: "RECONNECT_INITIAL", key: "recipient.reconnect_initial", target: &cfg.Recipient.ReconnectInitial},
		{env: "RECONNECT_MAX", key: "recipient.reconnect_max", target: &cfg.Recipient.ReconnectMax},
	}
	for _, entry := range durations {
		raw, ok := value(entry.env)
		if !ok {
			continue
		}
		if parsed, err := time.ParseDuration(raw); err == nil {
			*entry.target = parsed
			cfg.mark(entry.key, SourceEnv)
		}
	}

	integers := []struct {
		env    string
		key    string
		target *int
	}{
		{env: "QUEUE_SIZE", key: "broadcaster.queue_size", target: &cfg.Broadcaster.QueueSize},
		{env: "MAX_ATTEMPTS", key: "recipient.max_attempts", target: &cfg.Recipient.MaxAttempts},
	}
	for _, entry := range integers {
		raw, ok := value(entry.env)
		if !ok {
			continue
		}
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			*entry.target = parsed
			cfg.mark(entry.key, SourceEnv)
		}
	}
}

// SetFlag records a value supplied on the command line.
func (cfg *Config) SetFlag(key string) {
	cfg.mark(key, SourceFlag)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

// Validate checks every value that can be checked without touching the
// network or the filesystem.
func (cfg Config) Validate() error {
	var problems []error
	mode, err := listener.ParseMode(cfg.Mode)
	if err != nil {
		problems = append(problems, err)
	}
	if mode == listener.ModeRecipient && strings.TrimSpace(cfg.Target) == "" {
		problems = append(problems, fmt.Errorf("%w: recipient requires a target", ErrInvalid))
	}
	if _, ok := logging.ParseLevel(cfg.LogLevel); !ok {
		problems = append(problems, fmt.Errorf("%w: log_level %q", ErrInvalid, cfg.LogLevel))
	}
	if cfg.Broadcaster.WriteTimeout < 0 {
		problems = append(problems, fmt.Errorf("%w: broadcaster.write_timeout must not be negative", ErrInvalid))
	}
	if cfg.Broadcaster.QueueSize < 0 {
		problems = append(problems, fmt.Errorf("%w: broadcaster.queue_size must not be negative", ErrInvalid))
	}
	if cfg.Recipient.ReconnectInitial < 0 || cfg.Recipient.ReconnectMax < 0 {
		problems = append(problems, fmt.Errorf("%w: recipient reconnect intervals must not be negative", ErrInvalid))
	}
	if cfg.Recipient.ReconnectMax > 0 && cfg.Recipient.ReconnectMax < cfg.Recipient.ReconnectInitial {
		problems = append(problems, fmt.Errorf("%w: recipient.reconnect_max is below reconnect_initial", ErrInvalid))
	}
	if cfg.Recipient.MaxAttempts < 0 {
		problems = append(problems, fmt.Errorf("%w: recipient.max_attempts must not be negative", ErrInvalid))
	}
	return errors.Join(problems...)
}

// ListenerMode parses the configured mode.
func (cfg Config) ListenerMode() (listener.Mode, error) {
	return listener.ParseMode(cfg.Mode)
}

// ListenerTarget returns the target in the form listener.New accepts.
func (cfg Config) ListenerTarget() any {
	target := strings.TrimSpace(cfg.Target)
	if target == "" {
		return nil
	}
	return target
}

// ListenerOptions converts the settings to listener options.
func (cfg Config) ListenerOptions(logger *logging.Logger, registry *metrics.Registry) listener.Options {
	return listener.Options{
		Directories:          append([]string(nil), cfg.Directories...),
		Latency:              cfg.Latency,
		Ignore:               append([]string(nil), cfg.Ignore...),
		WriteTimeout:         cfg.Broadcaster.WriteTimeout,
		QueueSize:            cfg.Broadcaster.QueueSize,
		ReconnectInitial:     cfg.Recipient.ReconnectInitial,
		ReconnectMax:         cfg.Recipient.ReconnectMax,
		MaxReconnectAttempts: cfg.Recipient.MaxAttempts,
		Logger:               logger,
		Metrics:              registry,
	}
}
