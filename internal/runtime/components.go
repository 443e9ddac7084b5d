package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/synth"
	"github.com/loqalabs/loqa-narrator/internal/text"
	"github.com/loqalabs/loqa-narrator/internal/voice"
)

// BuildOrchestrator assembles the narration pipeline described by cfg around
// synthesizer. store may be nil, in which case nothing is recorded.
func BuildOrchestrator(cfg config.Config, synthesizer synth.Synthesizer, store *eventstore.Store, logger *slog.Logger) (*pipeline.Orchestrator, error) {
	decoder, err := BuildDecoder(cfg.Audio)
	if err != nil {
		return nil, err
	}
	opts := []pipeline.Option{pipeline.WithSampleRate(cfg.Audio.SampleRate)}
	if store != nil {
		opts = append(opts, pipeline.WithRecorder(store))
	}
	return pipeline.NewOrchestrator(synthesizer, BuildVoices(cfg.Voices), decoder, logger, opts...), nil
}

// BuildSynthesizer returns the RunPod job client or, in mock mode, a local
// tone generator. Both can clone voices.
func BuildSynthesizer(cfg config.Config, logger *slog.Logger) (synth.Backend, error) {
	switch cfg.Backend.Mode {
	case "runpod":
		client, err := synth.NewClient(synth.Config{
			BaseURL:            cfg.Backend.BaseURL,
			EndpointID:         cfg.Backend.EndpointID,
			APIKey:             cfg.Backend.APIKey,
			SendReferenceAudio: cfg.Backend.SendReferenceAudio,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("synthesis backend: %w", err)
		}
		return client, nil
	case "mock", "":
		logger.Warn("using mock synthesis backend")
		return synth.NewMockSynth(cfg.Audio.SampleRate, ms(cfg.Backend.MockDelayMS)), nil
	default:
		return nil, fmt.Errorf("unknown backend mode %q", cfg.Backend.Mode)
	}
}

// CloneLibrary is where cloned voices are kept locally, or nil when no
// library is configured.
func CloneLibrary(cfg config.VoicesConfig) *voice.Library {
	if cfg.LibraryPath == "" {
		return nil
	}
	return voice.NewLibrary(cfg.LibraryPath)
}

// BuildDecoder sniffs WAV and raw PCM payloads and hands anything else to
// the configured external command.
func BuildDecoder(cfg config.AudioConfig) (audio.Decoder, error) {
	var fallback audio.Decoder
	if cfg.DecodeCommand != "" {
		exec, err := audio.NewExecDecoder(cfg.DecodeCommand)
		if err != nil {
			return nil, fmt.Errorf("decode command: %w", err)
		}
		fallback = exec
	}
	return audio.NewAutoDecoder(cfg.SampleRate, fallback), nil
}

// BuildVoices resolves inline profiles first and then the on-disk library.
func BuildVoices(cfg config.VoicesConfig) voice.Provider {
	chain := voice.Chain{}
	if len(cfg.Profiles) > 0 {
		static := voice.Static{}
		for _, p := range cfg.Profiles {
			params := synth.DefaultParameters()
			if p.Exaggeration != 0 {
				params.Exaggeration = p.Exaggeration
			}
			if p.CFGWeight != 0 {
				params.CFGWeight = p.CFGWeight
			}
			if p.Temperature != 0 {
				params.Temperature = p.Temperature
			}
			static[p.Name] = voice.Profile{
				Name:               p.Name,
				DisplayName:        p.Name,
				ReferenceAudioPath: p.ReferenceAudio,
				Parameters:         params.Clamp(),
			}
		}
		chain = append(chain, static)
	}
	if cfg.LibraryPath != "" {
		chain = append(chain, voice.NewLibrary(cfg.LibraryPath))
	}
	return chain
}

// PipelineOptions maps the configured defaults onto pipeline options.
func PipelineOptions(cfg config.Config) pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.MaxWords = cfg.Segmenter.MaxWords
	opts.ExpandAbbreviations = cfg.Segmenter.ExpandAbbreviations
	opts.CrossfadeSeconds = cfg.Audio.CrossfadeSeconds
	opts.Normalize = cfg.Audio.Normalize
	opts.TargetDB = cfg.Audio.TargetLevelDB
	if m, err := audio.ParseMethod(cfg.Audio.NormalizeMethod); err == nil {
		opts.Method = m
	}
	opts.InsertPauses = cfg.Audio.InsertPauses
	opts.Pauses = text.Pauses{
		Sentence:    ms(cfg.Audio.SentencePauseMS),
		Punctuation: ms(cfg.Audio.PunctuationPauseMS),
		Paragraph:   ms(cfg.Audio.ParagraphPauseMS),
	}
	opts.Concurrency = cfg.Pipeline.Concurrency
	opts.Budget = Budget(cfg.Backend)
	return opts
}

// Budget converts the backend timing knobs. A configured failure tolerance
// of 0 means none, not the default.
func Budget(cfg config.BackendConfig) synth.Budget {
	tolerance := cfg.MaxPollFailures
	if tolerance == 0 {
		tolerance = -1
	}
	return synth.Budget{
		SubmitTimeout:                 ms(cfg.SubmitTimeoutMS),
		PollTimeout:                   ms(cfg.PollTimeoutMS),
		PollInterval:                  ms(cfg.PollIntervalMS),
		MaxWaitTime:                   ms(cfg.MaxWaitMS),
		MaxConsecutiveNetworkTimeouts: tolerance,
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
