package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Engine.Backend != "mock" {
		t.Fatalf("expected mock engine backend, got %q", cfg.Engine.Backend)
	}
	if cfg.Engine.BlockSize != 0 {
		t.Fatalf("expected derived block size by default, got %d", cfg.Engine.BlockSize)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCBRIDGE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCBRIDGE_BUS_USERNAME", "alice")
	t.Setenv("SCBRIDGE_BUS_PASSWORD", "secret")
	t.Setenv("SCBRIDGE_BUS_TLS_INSECURE", "true")
	t.Setenv("SCBRIDGE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("SCBRIDGE_NODE_ID", "test-node")
	t.Setenv("SCBRIDGE_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("SCBRIDGE_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("SCBRIDGE_JOURNAL_PATH", "./tmp.db")
	t.Setenv("SCBRIDGE_JOURNAL_RETENTION_MODE", "persistent")
	t.Setenv("SCBRIDGE_JOURNAL_RETENTION_DAYS", "7")
	t.Setenv("SCBRIDGE_JOURNAL_MAX_RUNS", "123")
	t.Setenv("SCBRIDGE_JOURNAL_VACUUM_ON_START", "true")
	t.Setenv("SCBRIDGE_ENGINE_BACKEND", "udp")
	t.Setenv("SCBRIDGE_ENGINE_ADDRESS", "127.0.0.1:57111")
	t.Setenv("SCBRIDGE_ENGINE_COMMAND", "scsynth -u 57111")
	t.Setenv("SCBRIDGE_ENGINE_SAMPLE_RATE", "48000")
	t.Setenv("SCBRIDGE_ENGINE_HARDWARE_BUFFER_FRAMES", "256")
	t.Setenv("SCBRIDGE_ENGINE_BLOCK_SIZE", "64")
	t.Setenv("SCBRIDGE_ENGINE_PLUGIN_PATH", "/opt/sc/plugins")
	t.Setenv("SCBRIDGE_AUDIO_OUTPUT", "oto")
	t.Setenv("SCBRIDGE_OSC_PORT", "57130")
	t.Setenv("SCBRIDGE_TELEMETRY_TRACE_EXPORTER", "none")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Node.HeartbeatInterval != 1500 || cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected heartbeat overrides")
	}
	if cfg.Journal.Path != "./tmp.db" {
		t.Fatalf("expected journal path override")
	}
	if cfg.Journal.RetentionMode != "persistent" {
		t.Fatalf("expected journal retention mode override")
	}
	if cfg.Journal.RetentionDays != 7 {
		t.Fatalf("expected journal retention days override")
	}
	if cfg.Journal.MaxRuns != 123 {
		t.Fatalf("expected journal max runs override")
	}
	if !cfg.Journal.VacuumOnStart {
		t.Fatalf("expected journal vacuum flag override")
	}
	if cfg.Engine.Backend != "udp" || cfg.Engine.Address != "127.0.0.1:57111" {
		t.Fatalf("expected engine backend overrides, got %+v", cfg.Engine)
	}
	if cfg.Engine.Command != "scsynth -u 57111" {
		t.Fatalf("expected engine command override, got %q", cfg.Engine.Command)
	}
	if cfg.Engine.SampleRate != 48000 || cfg.Engine.HardwareBufferFrames != 256 || cfg.Engine.BlockSize != 64 {
		t.Fatalf("expected engine audio overrides, got %+v", cfg.Engine)
	}
	if cfg.Engine.PluginPath != "/opt/sc/plugins" {
		t.Fatalf("expected plugin path override")
	}
	if cfg.Audio.Output != "oto" {
		t.Fatalf("expected audio output override")
	}
	if cfg.OSC.Port != 57130 {
		t.Fatalf("expected osc port override, got %d", cfg.OSC.Port)
	}
	if cfg.Telemetry.TraceExporter != "none" {
		t.Fatalf("expected trace exporter override, got %q", cfg.Telemetry.TraceExporter)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scbridge.yaml")
	data := `
runtime_name: studio
engine:
  sample_rate: 48000
  output_channels: 1
  synthdef_path: /srv/synthdefs
osc:
  enabled: false
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "studio" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Engine.SampleRate != 48000 || cfg.Engine.OutputChannels != 1 {
		t.Fatalf("expected engine settings from file, got %+v", cfg.Engine)
	}
	if cfg.Engine.HardwareBufferFrames != 512 {
		t.Fatalf("expected default hardware buffer frames to survive, got %d", cfg.Engine.HardwareBufferFrames)
	}
	if cfg.Engine.SynthDefPath != "/srv/synthdefs" {
		t.Fatalf("expected synthdef path from file")
	}
	if cfg.OSC.Enabled {
		t.Fatal("expected osc server disabled")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"engine.backend":                func(c *Config) { c.Engine.Backend = "jack" },
		"engine.address":                func(c *Config) { c.Engine.Backend = "udp"; c.Engine.Address = "" },
		"engine.sample_rate":            func(c *Config) { c.Engine.SampleRate = 0 },
		"engine.output_channels":        func(c *Config) { c.Engine.OutputChannels = 0 },
		"engine.shorts_per_sample":      func(c *Config) { c.Engine.ShortsPerSample = 0 },
		"engine.block_size":             func(c *Config) { c.Engine.BlockSize = -1 },
		"engine.hardware_buffer_frames": func(c *Config) { c.Engine.HardwareBufferFrames = 1 },
		"audio.output":                  func(c *Config) { c.Audio.Output = "alsa" },
		"audio.wav_path":                func(c *Config) { c.Audio.Output = "wav"; c.Audio.WAVPath = " " },
		"journal.retention_mode":        func(c *Config) { c.Journal.RetentionMode = "forever" },
		"node.heartbeat_timeout_ms":     func(c *Config) { c.Node.HeartbeatTimeout = c.Node.HeartbeatInterval },
		"telemetry.trace_exporter":      func(c *Config) { c.Telemetry.TraceExporter = "jaeger" },
		"telemetry.otlp_endpoint":       func(c *Config) { c.Telemetry.TraceExporter = "otlp" },
	}
	for want, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		err := validate(cfg)
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("%s: expected validation error, got %v", want, err)
		}
	}
}
