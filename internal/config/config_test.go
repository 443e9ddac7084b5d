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
	if cfg.Backend.Mode != "mock" || cfg.Segmenter.MaxWords != 50 || cfg.Audio.SampleRate != 24000 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Audio.CrossfadeSeconds != 0.1 || cfg.Audio.TargetLevelDB != -18 {
		t.Fatalf("unexpected audio defaults %+v", cfg.Audio)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "narrator.yaml")
	content := `
runtime_name: studio
backend:
  mode: runpod
  endpoint_id: abc123
  api_key: file-key
  poll_interval_ms: 500
segmenter:
  max_words: 30
voices:
  default_voice: house
  profiles:
    - name: house
      reference_audio: ./voices/house.wav
      exaggeration: 0.6
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "studio" || cfg.Backend.EndpointID != "abc123" || cfg.Backend.PollIntervalMS != 500 {
		t.Fatalf("file values not applied: %+v", cfg.Backend)
	}
	if cfg.Backend.MaxWaitMS != 300000 {
		t.Fatalf("unset values should keep defaults, got %d", cfg.Backend.MaxWaitMS)
	}
	if len(cfg.Voices.Profiles) != 1 || cfg.Voices.Profiles[0].Exaggeration != 0.6 {
		t.Fatalf("unexpected voice profiles %+v", cfg.Voices.Profiles)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NARRATOR_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("NARRATOR_BUS_USERNAME", "alice")
	t.Setenv("NARRATOR_BUS_PASSWORD", "secret")
	t.Setenv("NARRATOR_BUS_TLS_INSECURE", "true")
	t.Setenv("NARRATOR_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("NARRATOR_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("NARRATOR_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("NARRATOR_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("NARRATOR_EVENT_STORE_MAX_GENERATIONS", "123")
	t.Setenv("NARRATOR_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("NARRATOR_SEGMENTER_MAX_WORDS", "40")
	t.Setenv("NARRATOR_AUDIO_CROSSFADE_SECONDS", "0.25")
	t.Setenv("NARRATOR_AUDIO_NORMALIZE_METHOD", "peak")
	t.Setenv("NARRATOR_PIPELINE_MAX_CONCURRENCY", "4")

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
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxGenerations != 123 {
		t.Fatalf("expected event store max generations override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Segmenter.MaxWords != 40 || cfg.Audio.CrossfadeSeconds != 0.25 || cfg.Audio.NormalizeMethod != "peak" {
		t.Fatalf("expected generation overrides, got %+v %+v", cfg.Segmenter, cfg.Audio)
	}
	if cfg.Pipeline.Concurrency != 4 {
		t.Fatalf("expected concurrency override")
	}
}

func TestRunPodCredentialsFromEnvironment(t *testing.T) {
	t.Setenv("NARRATOR_BACKEND_MODE", "runpod")
	t.Setenv("RUNPOD_ENDPOINT_ID", "endpoint-from-env")
	t.Setenv("RUNPOD_API_KEY", "runpod-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Backend.EndpointID != "endpoint-from-env" || cfg.Backend.APIKey != "runpod-key" {
		t.Fatalf("expected runpod credentials, got %+v", cfg.Backend)
	}

	t.Setenv("NARRATOR_BACKEND_API_KEY", "narrator-key")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Backend.APIKey != "narrator-key" {
		t.Fatalf("narrator key should win, got %q", cfg.Backend.APIKey)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"backend.mode":           func(c *Config) { c.Backend.Mode = "local" },
		"backend.endpoint_id":    func(c *Config) { c.Backend.Mode = "runpod"; c.Backend.APIKey = "k" },
		"backend.api_key":        func(c *Config) { c.Backend.Mode = "runpod"; c.Backend.EndpointID = "e" },
		"segmenter.max_words":    func(c *Config) { c.Segmenter.MaxWords = 0 },
		"audio.crossfade":        func(c *Config) { c.Audio.CrossfadeSeconds = -1 },
		"audio.normalize_method": func(c *Config) { c.Audio.NormalizeMethod = "lufs" },
		"pipeline.max":           func(c *Config) { c.Pipeline.Concurrency = 0 },
		"event_store.retention":  func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"backend.max_wait_ms":    func(c *Config) { c.Backend.MaxWaitMS = 1 },
		"telemetry.exporter":     func(c *Config) { c.Telemetry.TraceExporter = "jaeger" },
		"telemetry.otlp":         func(c *Config) { c.Telemetry.TraceExporter = "otlp" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		err := validate(cfg)
		if err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
		if !strings.Contains(err.Error(), strings.Split(name, ".")[0]) {
			t.Fatalf("%s: error does not name the section: %v", name, err)
		}
	}
}

func TestEmptyPrometheusBindIsAccepted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "narrator.yaml")
	if err := os.WriteFile(path, []byte("telemetry:\n  prometheus_bind: \"\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry.PrometheusBind != "" {
		t.Fatalf("expected empty bind, got %q", cfg.Telemetry.PrometheusBind)
	}
}
