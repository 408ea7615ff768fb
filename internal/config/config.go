package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	// TraceExporter is auto, otlp, stdout or none. auto picks otlp when an
	// endpoint is set and stdout otherwise.
	TraceExporter string `yaml:"trace_exporter"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	Journal     JournalConfig   `yaml:"journal"`
	Engine      EngineConfig    `yaml:"engine"`
	Audio       AudioConfig     `yaml:"audio"`
	OSC         OSCConfig       `yaml:"osc"`
	Control     ControlConfig   `yaml:"control"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type JournalConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// EngineConfig holds the engine start parameters. BlockSize 0 derives the
// block from HardwareBufferFrames / OutputChannels.
type EngineConfig struct {
	Backend              string `yaml:"backend"` // mock, udp
	Autostart            bool   `yaml:"autostart"`
	SampleRate           int    `yaml:"sample_rate"`
	HardwareBufferFrames int    `yaml:"hardware_buffer_frames"`
	OutputChannels       int    `yaml:"output_channels"`
	ShortsPerSample      int    `yaml:"shorts_per_sample"`
	BlockSize            int    `yaml:"block_size"`
	PluginPath           string `yaml:"plugin_path"`
	SynthDefPath         string `yaml:"synthdef_path"`
	Verbosity            int    `yaml:"verbosity"`
	Address              string `yaml:"address"`
	Command              string `yaml:"command"`
	BootTimeoutMS        int    `yaml:"boot_timeout_ms"`
	QuitTimeoutMS        int    `yaml:"quit_timeout_ms"`
}

type AudioConfig struct {
	Output string `yaml:"output"` // none, oto, wav
	// ChunkBuffers is the number of hardware buffers pulled per refill.
	ChunkBuffers int `yaml:"chunk_buffers"`
	// WAVPath is the file the wav output records into.
	WAVPath string `yaml:"wav_path"`
}

type OSCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type ControlConfig struct {
	Enabled bool `yaml:"enabled"`
	// PublishReplies forwards engine replies to the bus.
	PublishReplies bool `yaml:"publish_replies"`
	// ReplyStream, when set, retains published replies in a JetStream stream.
	ReplyStream string `yaml:"reply_stream"`
}

func Default() Config {
	return Config{
		RuntimeName: "scbridge",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
			TraceExporter:  "auto",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "scbridge-node-1",
			Role:              "synth",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "synth.engine", Tier: "realtime"},
			},
		},
		Journal: JournalConfig{
			Enabled:       true,
			Path:          "./data/scbridge-journal.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRuns:       1000,
		},
		Engine: EngineConfig{
			Backend:              "mock",
			Autostart:            true,
			SampleRate:           44100,
			HardwareBufferFrames: 512,
			OutputChannels:       2,
			ShortsPerSample:      1,
			Verbosity:            2,
			Address:              "127.0.0.1:57110",
			BootTimeoutMS:        5000,
			QuitTimeoutMS:        5000,
		},
		Audio: AudioConfig{
			Output:       "none",
			ChunkBuffers: 4,
			WAVPath:      "./data/scbridge.wav",
		},
		OSC: OSCConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    57120,
		},
		Control: ControlConfig{
			Enabled:        true,
			PublishReplies: true,
			ReplyStream:    "SYNTH_REPLIES",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCBRIDGE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCBRIDGE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCBRIDGE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCBRIDGE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCBRIDGE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCBRIDGE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCBRIDGE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCBRIDGE_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.TraceExporter, "SCBRIDGE_TELEMETRY_TRACE_EXPORTER")
	overrideBool(&cfg.Bus.Embedded, "SCBRIDGE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCBRIDGE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCBRIDGE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCBRIDGE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCBRIDGE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCBRIDGE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCBRIDGE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCBRIDGE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCBRIDGE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "SCBRIDGE_NODE_ID")
	overrideString(&cfg.Node.Role, "SCBRIDGE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "SCBRIDGE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "SCBRIDGE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Journal.Enabled, "SCBRIDGE_JOURNAL_ENABLED")
	overrideString(&cfg.Journal.Path, "SCBRIDGE_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "SCBRIDGE_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "SCBRIDGE_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxRuns, "SCBRIDGE_JOURNAL_MAX_RUNS")
	overrideBool(&cfg.Journal.VacuumOnStart, "SCBRIDGE_JOURNAL_VACUUM_ON_START")
	overrideString(&cfg.Engine.Backend, "SCBRIDGE_ENGINE_BACKEND")
	overrideBool(&cfg.Engine.Autostart, "SCBRIDGE_ENGINE_AUTOSTART")
	overrideInt(&cfg.Engine.SampleRate, "SCBRIDGE_ENGINE_SAMPLE_RATE")
	overrideInt(&cfg.Engine.HardwareBufferFrames, "SCBRIDGE_ENGINE_HARDWARE_BUFFER_FRAMES")
	overrideInt(&cfg.Engine.OutputChannels, "SCBRIDGE_ENGINE_OUTPUT_CHANNELS")
	overrideInt(&cfg.Engine.ShortsPerSample, "SCBRIDGE_ENGINE_SHORTS_PER_SAMPLE")
	overrideInt(&cfg.Engine.BlockSize, "SCBRIDGE_ENGINE_BLOCK_SIZE")
	overrideString(&cfg.Engine.PluginPath, "SCBRIDGE_ENGINE_PLUGIN_PATH")
	overrideString(&cfg.Engine.SynthDefPath, "SCBRIDGE_ENGINE_SYNTHDEF_PATH")
	overrideInt(&cfg.Engine.Verbosity, "SCBRIDGE_ENGINE_VERBOSITY")
	overrideString(&cfg.Engine.Address, "SCBRIDGE_ENGINE_ADDRESS")
	overrideString(&cfg.Engine.Command, "SCBRIDGE_ENGINE_COMMAND")
	overrideInt(&cfg.Engine.BootTimeoutMS, "SCBRIDGE_ENGINE_BOOT_TIMEOUT_MS")
	overrideInt(&cfg.Engine.QuitTimeoutMS, "SCBRIDGE_ENGINE_QUIT_TIMEOUT_MS")
	overrideString(&cfg.Audio.Output, "SCBRIDGE_AUDIO_OUTPUT")
	overrideInt(&cfg.Audio.ChunkBuffers, "SCBRIDGE_AUDIO_CHUNK_BUFFERS")
	overrideString(&cfg.Audio.WAVPath, "SCBRIDGE_AUDIO_WAV_PATH")
	overrideBool(&cfg.OSC.Enabled, "SCBRIDGE_OSC_ENABLED")
	overrideString(&cfg.OSC.Bind, "SCBRIDGE_OSC_BIND")
	overrideInt(&cfg.OSC.Port, "SCBRIDGE_OSC_PORT")
	overrideBool(&cfg.Control.Enabled, "SCBRIDGE_CONTROL_ENABLED")
	overrideBool(&cfg.Control.PublishReplies, "SCBRIDGE_CONTROL_PUBLISH_REPLIES")
	overrideString(&cfg.Control.ReplyStream, "SCBRIDGE_CONTROL_REPLY_STREAM")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if len(cfg.Node.Capabilities) == 0 {
		return errors.New("node.capabilities must not be empty")
	}
	if cfg.Journal.Enabled {
		if cfg.Journal.Path == "" {
			return errors.New("journal.path must not be empty")
		}
		switch cfg.Journal.RetentionMode {
		case "ephemeral", "session", "persistent":
			// ok
		default:
			return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
		}
		if cfg.Journal.RetentionDays < 0 {
			return errors.New("journal.retention_days must be >= 0")
		}
		if cfg.Journal.MaxRuns < 0 {
			return errors.New("journal.max_runs must be >= 0")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.TraceExporter {
	case "auto", "otlp", "stdout", "none":
	default:
		return errors.New("telemetry.trace_exporter must be one of auto|otlp|stdout|none")
	}
	if cfg.Telemetry.TraceExporter == "otlp" && strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
		return errors.New("telemetry.otlp_endpoint is required for the otlp trace exporter")
	}
	if err := validateEngine(cfg.Engine); err != nil {
		return err
	}
	switch cfg.Audio.Output {
	case "none", "oto":
	case "wav":
		if strings.TrimSpace(cfg.Audio.WAVPath) == "" {
			return errors.New("audio.wav_path is required for the wav output")
		}
	default:
		return errors.New("audio.output must be one of none|oto|wav")
	}
	if cfg.Audio.ChunkBuffers <= 0 {
		return errors.New("audio.chunk_buffers must be positive")
	}
	if cfg.OSC.Enabled && (cfg.OSC.Port < 0 || cfg.OSC.Port > 65535) {
		return errors.New("osc.port must be between 0 and 65535")
	}
	return nil
}

func validateEngine(e EngineConfig) error {
	switch e.Backend {
	case "mock", "udp":
	default:
		return errors.New("engine.backend must be one of mock|udp")
	}
	if e.Backend == "udp" && e.Address == "" {
		return errors.New("engine.address must be set when backend=udp")
	}
	if e.SampleRate <= 0 {
		return errors.New("engine.sample_rate must be positive")
	}
	if e.HardwareBufferFrames <= 0 {
		return errors.New("engine.hardware_buffer_frames must be positive")
	}
	if e.OutputChannels <= 0 {
		return errors.New("engine.output_channels must be positive")
	}
	if e.ShortsPerSample <= 0 {
		return errors.New("engine.shorts_per_sample must be positive")
	}
	if e.BlockSize < 0 {
		return errors.New("engine.block_size must be >= 0")
	}
	if e.BlockSize == 0 && e.HardwareBufferFrames < e.OutputChannels {
		return errors.New("engine.hardware_buffer_frames must be at least output_channels when block_size is derived")
	}
	if e.QuitTimeoutMS < 0 || e.BootTimeoutMS < 0 {
		return errors.New("engine timeouts must be >= 0")
	}
	return nil
}
