package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fsrelay/internal/listener"
	"fsrelay/internal/metrics"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fsrelay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func TestLoadReadsYAML(t *testing.T) {
	path := writeConfig(t, `
mode: recipient
target: 10.0.0.2:4000
directories: [/srv/app, /srv/lib]
latency: 250ms
ignore: ["*.log", "tmp/*"]
log_level: debug
metrics_addr: 127.0.0.1:9100
broadcaster:
  write_timeout: 2s
  queue_size: 16
recipient:
  reconnect_initial: 50ms
  reconnect_max: 1s
  max_attempts: 4
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Mode != "recipient" || cfg.Target != "10.0.0.2:4000" {
		t.Fatalf("unexpected role %q %q", cfg.Mode, cfg.Target)
	}
	if len(cfg.Directories) != 2 || cfg.Directories[1] != "/srv/lib" {
		t.Fatalf("unexpected directories %v", cfg.Directories)
	}
	if cfg.Latency != 250*time.Millisecond {
		t.Fatalf("unexpected latency %s", cfg.Latency)
	}
	if cfg.Broadcaster.WriteTimeout != 2*time.Second || cfg.Broadcaster.QueueSize != 16 {
		t.Fatalf("unexpected broadcaster settings %+v", cfg.Broadcaster)
	}
	if cfg.Recipient.ReconnectInitial != 50*time.Millisecond || cfg.Recipient.ReconnectMax != time.Second || cfg.Recipient.MaxAttempts != 4 {
		t.Fatalf("unexpected recipient settings %+v", cfg.Recipient)
	}
	if cfg.SourceOf("recipient.max_attempts") != SourceFile {
		t.Fatalf("expected file source, got %s", cfg.SourceOf("recipient.max_attempts"))
	}
	if cfg.SourceOf("mode") != SourceFile || cfg.SourceOf("nonexistent") != SourceDefault {
		t.Fatal("unexpected sources")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadEmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != "broadcaster" || cfg.LogLevel != "info" {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	if _, err := Load(writeConfig(t, "mode: broadcaster\nforce_tcp: true\n")); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing file error")
	}
}

func TestApplyEnvOverridesFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, "mode: broadcaster\ntarget: \"4000\"\nlatency: 1s\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.ApplyEnv(envMap(map[string]string{
		"FSRELAY_MODE":          "recipient",
		"FSRELAY_TARGET":        "example.test:5000",
		"FSRELAY_DIRECTORIES":   "/a" + string(os.PathListSeparator) + "/b",
		"FSRELAY_IGNORE":        "*.log, ,*.bak",
		"FSRELAY_LATENCY":       "not-a-duration",
		"FSRELAY_WRITE_TIMEOUT": "3s",
		"FSRELAY_QUEUE_SIZE":    "-5",
		"FSRELAY_MAX_ATTEMPTS":  "7",
		"FSRELAY_LOG_LEVEL":     "  ",
	}))

	if cfg.Mode != "recipient" || cfg.Target != "example.test:5000" {
		t.Fatalf("unexpected role %q %q", cfg.Mode, cfg.Target)
	}
	if len(cfg.Directories) != 2 || cfg.Directories[0] != "/a" {
		t.Fatalf("unexpected directories %v", cfg.Directories)
	}
	if len(cfg.Ignore) != 2 || cfg.Ignore[1] != "*.bak" {
		t.Fatalf("unexpected ignore %v", cfg.Ignore)
	}
	if cfg.Latency != time.Second || cfg.SourceOf("latency") != SourceFile {
		t.Fatal("invalid env latency must keep the file value")
	}
	if cfg.Broadcaster.WriteTimeout != 3*time.Second || cfg.SourceOf("broadcaster.write_timeout") != SourceEnv {
		t.Fatalf("unexpected write timeout %s", cfg.Broadcaster.WriteTimeout)
	}
	if cfg.Broadcaster.QueueSize != 0 {
		t.Fatalf("negative queue size must be ignored, got %d", cfg.Broadcaster.QueueSize)
	}
	if cfg.Recipient.MaxAttempts != 7 {
		t.Fatalf("unexpected max attempts %d", cfg.Recipient.MaxAttempts)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("blank env must be ignored, got %q", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{name: "defaults", mutate: func(*Config) {}, valid: true},
		{name: "bad mode", mutate: func(cfg *Config) { cfg.Mode = "relay" }},
		{name: "recipient without target", mutate: func(cfg *Config) { cfg.Mode = "recipient" }},
		{name: "bad log level", mutate: func(cfg *Config) { cfg.LogLevel = "loud" }},
		{name: "negative write timeout", mutate: func(cfg *Config) { cfg.Broadcaster.WriteTimeout = -time.Second }},
		{name: "negative queue", mutate: func(cfg *Config) { cfg.Broadcaster.QueueSize = -1 }},
		{name: "max below initial", mutate: func(cfg *Config) {
			cfg.Recipient.ReconnectInitial = time.Second
			cfg.Recipient.ReconnectMax = time.Millisecond
		}},
		{name: "negative attempts", mutate: func(cfg *Config) { cfg.Recipient.MaxAttempts = -1 }},
	}

	for _, testCase := range cases {
		cfg := Default()
		testCase.mutate(&cfg)
		err := cfg.Validate()
		if testCase.valid && err != nil {
			t.Fatalf("%s: unexpected error %v", testCase.name, err)
		}
		if !testCase.valid && err == nil {
			t.Fatalf("%s: expected validation error", testCase.name)
		}
	}

	cfg := Default()
	cfg.Mode = "relay"
	if err := cfg.Validate(); !errors.Is(err, listener.ErrInvalidMode) {
		t.Fatalf("expected invalid mode error, got %v", err)
	}
}

func TestListenerOptions(t *testing.T) {
	cfg := Default()
	cfg.Directories = []string{"/srv"}
	cfg.Latency = 20 * time.Millisecond
	cfg.Broadcaster.QueueSize = 8
	cfg.Recipient.MaxAttempts = 2
	registry := &metrics.Registry{}

	options := cfg.ListenerOptions(nil, registry)
	if options.Directories[0] != "/srv" || options.Latency != 20*time.Millisecond {
		t.Fatalf("unexpected options %+v", options)
	}
	if options.QueueSize != 8 || options.MaxReconnectAttempts != 2 || options.Metrics != registry {
		t.Fatalf("unexpected options %+v", options)
	}
	if options.ForceTCP {
		t.Fatal("config never forces tcp; the listener decides from the mode")
	}

	cfg.Directories[0] = "/changed"
	if options.Directories[0] != "/srv" {
		t.Fatal("options must not alias config slices")
	}
	if cfg.ListenerTarget() != nil {
		t.Fatal("empty target must map to nil")
	}
	cfg.Target = " 4000 "
	if cfg.ListenerTarget() != "4000" {
		t.Fatalf("unexpected target %v", cfg.ListenerTarget())
	}

	cfg.Mode = "recipient"
	if mode, err := cfg.ListenerMode(); err != nil || mode != listener.ModeRecipient {
		t.Fatalf("expected recipient mode, got %v (%v)", mode, err)
	}
	cfg.Mode = "relay"
	if _, err := cfg.ListenerMode(); !errors.Is(err, listener.ErrInvalidMode) {
		t.Fatalf("expected invalid mode, got %v", err)
	}
}
