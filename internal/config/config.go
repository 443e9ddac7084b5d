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
	// TraceExporter is otlp, stdout, stderr or none. Empty picks otlp when an
	// endpoint is set and none otherwise, keeping stdout for the JSON logs.
	TraceExporter  string `yaml:"trace_exporter"`
	// PrometheusBind serves /metrics on its own listener; empty mounts it
	// on the main HTTP server.
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Backend     BackendConfig    `yaml:"backend"`
	Segmenter   SegmenterConfig  `yaml:"segmenter"`
	Audio       AudioConfig      `yaml:"audio"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Voices      VoicesConfig     `yaml:"voices"`
	Narration   NarrationConfig  `yaml:"narration"`
	Output      OutputConfig     `yaml:"output"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path           string `yaml:"path"`
	RetentionMode  string `yaml:"retention_mode"`
	RetentionDays  int    `yaml:"retention_days"`
	MaxGenerations int    `yaml:"max_generations"`
	VacuumOnStart  bool   `yaml:"vacuum_on_start"`
}

// BackendConfig points at the asynchronous synthesis endpoint.
type BackendConfig struct {
	Mode               string `yaml:"mode"` // runpod, mock
	BaseURL            string `yaml:"base_url"`
	EndpointID         string `yaml:"endpoint_id"`
	APIKey             string `yaml:"api_key"`
	SendReferenceAudio bool   `yaml:"send_reference_audio"`
	SubmitTimeoutMS    int    `yaml:"submit_timeout_ms"`
	PollTimeoutMS      int    `yaml:"poll_timeout_ms"`
	PollIntervalMS     int    `yaml:"poll_interval_ms"`
	MaxWaitMS          int    `yaml:"max_wait_ms"`
	MaxPollFailures    int    `yaml:"max_consecutive_poll_failures"`
	MockDelayMS        int    `yaml:"mock_delay_ms"`
}

type SegmenterConfig struct {
	MaxWords            int  `yaml:"max_words"`
	ExpandAbbreviations bool `yaml:"expand_abbreviations"`
}

type AudioConfig struct {
	SampleRate         int     `yaml:"sample_rate"`
	CrossfadeSeconds   float64 `yaml:"crossfade_seconds"`
	Normalize          bool    `yaml:"normalize"`
	TargetLevelDB      float64 `yaml:"target_level_db"`
	NormalizeMethod    string  `yaml:"normalize_method"` // rms, peak
	DecodeCommand      string  `yaml:"decode_command"`
	InsertPauses       bool    `yaml:"insert_pauses"`
	SentencePauseMS    int     `yaml:"sentence_pause_ms"`
	PunctuationPauseMS int     `yaml:"punctuation_pause_ms"`
	ParagraphPauseMS   int     `yaml:"paragraph_pause_ms"`
}

type PipelineConfig struct {
	Concurrency         int `yaml:"max_concurrency"`
	GenerationTimeoutMS int `yaml:"generation_timeout_ms"`
}

type VoicesConfig struct {
	LibraryPath  string               `yaml:"library_path"`
	DefaultVoice string               `yaml:"default_voice"`
	Profiles     []VoiceProfileConfig `yaml:"profiles"`
}

type VoiceProfileConfig struct {
	Name           string  `yaml:"name"`
	ReferenceAudio string  `yaml:"reference_audio"`
	Exaggeration   float64 `yaml:"exaggeration"`
	CFGWeight      float64 `yaml:"cfg_weight"`
	Temperature    float64 `yaml:"temperature"`
}

type NarrationConfig struct {
	Enabled     bool `yaml:"enabled"`
	Concurrency int  `yaml:"max_concurrency"`
}

type OutputConfig struct {
	Directory  string `yaml:"directory"`
	SaveChunks bool   `yaml:"save_chunks"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
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
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:           "./data/narrator.db",
			RetentionMode:  "session",
			RetentionDays:  30,
			MaxGenerations: 1000,
		},
		Backend: BackendConfig{
			Mode:            "mock",
			SubmitTimeoutMS: 30000,
			PollTimeoutMS:   10000,
			PollIntervalMS:  2000,
			MaxWaitMS:       300000,
			MaxPollFailures: 3,
			MockDelayMS:     50,
		},
		Segmenter: SegmenterConfig{
			MaxWords:            50,
			ExpandAbbreviations: true,
		},
		Audio: AudioConfig{
			SampleRate:         24000,
			CrossfadeSeconds:   0.1,
			Normalize:          true,
			TargetLevelDB:      -18,
			NormalizeMethod:    "rms",
			SentencePauseMS:    300,
			PunctuationPauseMS: 150,
			ParagraphPauseMS:   600,
		},
		Pipeline: PipelineConfig{
			Concurrency:         1,
			GenerationTimeoutMS: 3600000,
		},
		Voices: VoicesConfig{
			LibraryPath: "./voice_library",
		},
		Narration: NarrationConfig{
			Enabled:     true,
			Concurrency: 1,
		},
		Output: OutputConfig{
			Directory: "./output",
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
	overrideString(&cfg.RuntimeName, "NARRATOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATOR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NARRATOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATOR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATOR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.TraceExporter, "NARRATOR_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.PrometheusBind, "NARRATOR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "NARRATOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATOR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "NARRATOR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "NARRATOR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "NARRATOR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxGenerations, "NARRATOR_EVENT_STORE_MAX_GENERATIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "NARRATOR_EVENT_STORE_VACUUM_ON_START")

	// Credentials exported by RunPod tooling, overridable by the narrator keys.
	overrideString(&cfg.Backend.APIKey, "RUNPOD_API_KEY")
	overrideString(&cfg.Backend.EndpointID, "RUNPOD_ENDPOINT_ID")
	overrideString(&cfg.Backend.Mode, "NARRATOR_BACKEND_MODE")
	overrideString(&cfg.Backend.BaseURL, "NARRATOR_BACKEND_BASE_URL")
	overrideString(&cfg.Backend.EndpointID, "NARRATOR_BACKEND_ENDPOINT_ID")
	overrideString(&cfg.Backend.APIKey, "NARRATOR_BACKEND_API_KEY")
	overrideBool(&cfg.Backend.SendReferenceAudio, "NARRATOR_BACKEND_SEND_REFERENCE_AUDIO")
	overrideInt(&cfg.Backend.SubmitTimeoutMS, "NARRATOR_BACKEND_SUBMIT_TIMEOUT_MS")
	overrideInt(&cfg.Backend.PollTimeoutMS, "NARRATOR_BACKEND_POLL_TIMEOUT_MS")
	overrideInt(&cfg.Backend.PollIntervalMS, "NARRATOR_BACKEND_POLL_INTERVAL_MS")
	overrideInt(&cfg.Backend.MaxWaitMS, "NARRATOR_BACKEND_MAX_WAIT_MS")
	overrideInt(&cfg.Backend.MaxPollFailures, "NARRATOR_BACKEND_MAX_CONSECUTIVE_POLL_FAILURES")
	overrideInt(&cfg.Backend.MockDelayMS, "NARRATOR_BACKEND_MOCK_DELAY_MS")

	overrideInt(&cfg.Segmenter.MaxWords, "NARRATOR_SEGMENTER_MAX_WORDS")
	overrideBool(&cfg.Segmenter.ExpandAbbreviations, "NARRATOR_SEGMENTER_EXPAND_ABBREVIATIONS")
	overrideInt(&cfg.Audio.SampleRate, "NARRATOR_AUDIO_SAMPLE_RATE")
	overrideFloat(&cfg.Audio.CrossfadeSeconds, "NARRATOR_AUDIO_CROSSFADE_SECONDS")
	overrideBool(&cfg.Audio.Normalize, "NARRATOR_AUDIO_NORMALIZE")
	overrideFloat(&cfg.Audio.TargetLevelDB, "NARRATOR_AUDIO_TARGET_LEVEL_DB")
	overrideString(&cfg.Audio.NormalizeMethod, "NARRATOR_AUDIO_NORMALIZE_METHOD")
	overrideString(&cfg.Audio.DecodeCommand, "NARRATOR_AUDIO_DECODE_COMMAND")
	overrideBool(&cfg.Audio.InsertPauses, "NARRATOR_AUDIO_INSERT_PAUSES")
	overrideInt(&cfg.Pipeline.Concurrency, "NARRATOR_PIPELINE_MAX_CONCURRENCY")
	overrideInt(&cfg.Pipeline.GenerationTimeoutMS, "NARRATOR_PIPELINE_GENERATION_TIMEOUT_MS")
	overrideString(&cfg.Voices.LibraryPath, "NARRATOR_VOICES_LIBRARY_PATH")
	overrideString(&cfg.Voices.DefaultVoice, "NARRATOR_VOICES_DEFAULT_VOICE")
	overrideBool(&cfg.Narration.Enabled, "NARRATOR_NARRATION_ENABLED")
	overrideInt(&cfg.Narration.Concurrency, "NARRATOR_NARRATION_MAX_CONCURRENCY")
	overrideString(&cfg.Output.Directory, "NARRATOR_OUTPUT_DIRECTORY")
	overrideBool(&cfg.Output.SaveChunks, "NARRATOR_OUTPUT_SAVE_CHUNKS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
	switch cfg.Telemetry.TraceExporter {
	case "", "stdout", "stderr", "none":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of otlp|stdout|stderr|none")
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
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Backend.Mode {
	case "mock":
	case "runpod":
		if cfg.Backend.EndpointID == "" && cfg.Backend.BaseURL == "" {
			return errors.New("backend.endpoint_id (or RUNPOD_ENDPOINT_ID) must be set when mode=runpod")
		}
		if cfg.Backend.APIKey == "" {
			return errors.New("backend.api_key (or RUNPOD_API_KEY) must be set when mode=runpod")
		}
	default:
		return errors.New("backend.mode must be one of runpod|mock")
	}
	if cfg.Backend.SubmitTimeoutMS <= 0 || cfg.Backend.PollTimeoutMS <= 0 || cfg.Backend.PollIntervalMS <= 0 {
		return errors.New("backend timeouts and poll interval must be positive")
	}
	if cfg.Backend.MaxWaitMS < cfg.Backend.PollIntervalMS {
		return errors.New("backend.max_wait_ms must be at least one poll interval")
	}
	if cfg.Backend.MaxPollFailures < 0 {
		return errors.New("backend.max_consecutive_poll_failures must be >= 0")
	}
	if cfg.Segmenter.MaxWords <= 0 {
		return errors.New("segmenter.max_words must be >= 1")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.CrossfadeSeconds < 0 {
		return errors.New("audio.crossfade_seconds must be >= 0")
	}
	switch cfg.Audio.NormalizeMethod {
	case "", "rms", "peak":
	default:
		return errors.New("audio.normalize_method must be one of rms|peak")
	}
	if cfg.Pipeline.Concurrency <= 0 {
		return errors.New("pipeline.max_concurrency must be >= 1")
	}
	if cfg.Narration.Enabled && cfg.Narration.Concurrency <= 0 {
		return errors.New("narration.max_concurrency must be >= 1")
	}
	for _, p := range cfg.Voices.Profiles {
		if strings.TrimSpace(p.Name) == "" {
			return errors.New("voices.profiles entries must have a name")
		}
	}
	if cfg.Output.Directory == "" {
		return errors.New("output.directory must not be empty")
	}
	return nil
}
