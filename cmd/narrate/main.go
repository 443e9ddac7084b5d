// Command narrate renders a text file to a WAV file without the daemon, or
// with -clone registers a reference recording as a new voice.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/narration"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/runtime"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "narrate:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		inputPath  string
		project    string
		voiceName  string
		outputDir  string
		maxWords   int
		crossfade  float64
		saveChunks bool
		verbose    bool
		cloneRef   string
		display    string
		describe   string
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file (optional)")
	flag.StringVar(&inputPath, "in", "", "Text file to narrate, - for stdin")
	flag.StringVar(&project, "project", "", "Project name used for the output directory (defaults to the input file name)")
	flag.StringVar(&voiceName, "voice", "", "Voice name")
	flag.StringVar(&outputDir, "out", "", "Output directory (overrides output.directory)")
	flag.IntVar(&maxWords, "words", 0, "Maximum words per chunk")
	flag.Float64Var(&crossfade, "crossfade", -1, "Crossfade between chunks in seconds")
	flag.BoolVar(&saveChunks, "chunks", false, "Also write the individual chunk files")
	flag.BoolVar(&verbose, "v", false, "Log progress to stderr")
	flag.StringVar(&cloneRef, "clone", "", "Reference recording to clone into the voice named by -voice")
	flag.StringVar(&display, "display", "", "Display name for a cloned voice (defaults to -voice)")
	flag.StringVar(&describe, "description", "", "Description for a cloned voice")
	flag.Parse()

	if inputPath == "" && flag.NArg() > 0 {
		inputPath = flag.Arg(0)
	}
	if inputPath == "" && cloneRef == "" {
		flag.Usage()
		return errors.New("no input file")
	}
	if cloneRef != "" && voiceName == "" {
		return errors.New("-clone needs -voice")
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if outputDir != "" {
		cfg.Output.Directory = outputDir
	}
	// one-shot runs keep no ledger and need no bus
	cfg.Narration.Enabled = false

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := runtime.BuildSynthesizer(cfg, logger)
	if err != nil {
		return err
	}
	settings := narration.Settings{
		Narration:    cfg.Narration,
		Output:       cfg.Output,
		Defaults:     runtime.PipelineOptions(cfg),
		DefaultVoice: cfg.Voices.DefaultVoice,
		Timeout:      time.Duration(cfg.Pipeline.GenerationTimeoutMS) * time.Millisecond,
	}

	if cloneRef != "" {
		svc := narration.NewService(ctx, settings, nil, nil, nil, logger,
			narration.WithCloner(backend, runtime.CloneLibrary(cfg.Voices)))
		defer svc.Close()
		reply, err := svc.Clone(ctx, protocol.CloneRequest{
			VoiceName:          voiceName,
			DisplayName:        display,
			Description:        describe,
			ReferenceAudioPath: cloneRef,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s %s %s\n", reply.VoiceName, reply.Message, reply.SavedPath)
		return nil
	}

	body, err := readInput(inputPath)
	if err != nil {
		return err
	}
	if project == "" && inputPath != "-" {
		project = strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	}

	orchestrator, err := runtime.BuildOrchestrator(cfg, backend, nil, logger)
	if err != nil {
		return err
	}
	defaults := settings.Defaults
	defaults.Progress = func(p pipeline.Progress) {
		status := "ok"
		if p.Err != nil {
			status = string(p.Kind)
		}
		fmt.Fprintf(os.Stderr, "chunk %d/%d %s\n", p.Done+p.Failed, p.Total, status)
	}
	settings.Defaults = defaults
	svc := narration.NewService(ctx, settings, nil, orchestrator, nil, logger)
	defer svc.Close()

	req := protocol.NarrationRequest{
		Project:  project,
		Text:     body,
		Voice:    voiceName,
		MaxWords: maxWords,
	}
	if crossfade >= 0 {
		req.CrossfadeSeconds = &crossfade
	}
	if saveChunks {
		req.SaveChunks = &saveChunks
	}

	done, err := svc.Narrate(ctx, req)
	if err != nil {
		return err
	}
	for _, f := range done.Failures {
		fmt.Fprintf(os.Stderr, "chunk %d failed (%s): %s\n", f.Index, f.Kind, f.Message)
	}
	fmt.Printf("%s %.2fs %s (%d/%d chunks)\n", done.OutputPath, done.DurationSeconds, done.Status, done.Succeeded, done.Chunks)
	return nil
}

func readInput(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(data), nil
}

