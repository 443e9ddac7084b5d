package voice

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/synth"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLibraryResolveJSONConfig(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "deep_male", "config.json"), `{
  "voice_name": "deep_male",
  "display_name": "Deep Male",
  "description": null,
  "exaggeration": 0.7,
  "cfg_weight": 1.4,
  "temperature": 0.6
}`)
	writeFile(t, filepath.Join(root, "deep_male", "voice.mp3"), "id3")

	p, err := NewLibrary(root).Resolve("deep_male")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.DisplayName != "Deep Male" || p.Exaggeration != 0.7 || p.Temperature != 0.6 {
		t.Fatalf("unexpected profile %+v", p)
	}
	if p.CFGWeight != 1 {
		t.Fatalf("expected cfg weight clamped to 1, got %v", p.CFGWeight)
	}
	if p.ReferenceAudioPath != filepath.Join(root, "deep_male", "voice.mp3") {
		t.Fatalf("unexpected reference path %q", p.ReferenceAudioPath)
	}
}

func TestLibraryResolveDefaults(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "plain", "config.yaml"), "display_name: Plain\n")

	p, err := NewLibrary(root).Resolve("plain")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Parameters != synth.DefaultParameters() {
		t.Fatalf("expected default parameters, got %+v", p.Parameters)
	}
	if p.Name != "plain" || p.ReferenceAudioPath != "" {
		t.Fatalf("unexpected profile %+v", p)
	}
}

func TestLibraryResolveNotFound(t *testing.T) {
	lib := NewLibrary(t.TempDir())
	for _, name := range []string{"missing", "", "../etc", ".."} {
		if _, err := lib.Resolve(name); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%q: expected ErrNotFound, got %v", name, err)
		}
	}
}

func TestLibraryList(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "zed", "config.json"), `{"voice_name": "zed"}`)
	writeFile(t, filepath.Join(root, "amy", "config.json"), `{"voice_name": "amy"}`)
	writeFile(t, filepath.Join(root, "broken", "config.json"), `{"voice_name": [`)
	writeFile(t, filepath.Join(root, "notes.txt"), "ignored")

	profiles, err := NewLibrary(root).List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(profiles) != 2 || profiles[0].Name != "amy" || profiles[1].Name != "zed" {
		t.Fatalf("unexpected listing %+v", profiles)
	}

	if profiles, err := NewLibrary(filepath.Join(root, "absent")).List(); err != nil || len(profiles) != 0 {
		t.Fatalf("missing root should list nothing, got %v %v", profiles, err)
	}
}

func TestChainFallsThrough(t *testing.T) {
	static := Static{"house": {DisplayName: "House", Parameters: synth.Parameters{Exaggeration: 2}}}
	chain := Chain{NewLibrary(t.TempDir()), static}

	p, err := chain.Resolve("house")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Name != "house" || p.Exaggeration != 1 {
		t.Fatalf("unexpected profile %+v", p)
	}
	if _, err := chain.Resolve("nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"My Book: Part 1": "my_book__part_1",
		"  ":              "untitled",
		"Chapter-Two":     "chapter_two",
	}
	for in, want := range cases {
		if got := SafeName(in); got != want {
			t.Fatalf("SafeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLibrarySaveRoundTripsThroughResolve(t *testing.T) {
	root := t.TempDir()
	ref := filepath.Join(t.TempDir(), "sample.WAV")
	writeFile(t, ref, "RIFF-sample")
	// a stale json config must not shadow the saved one
	writeFile(t, filepath.Join(root, "new_voice", "config.json"), `{"voice_name": "new_voice", "temperature": 0.1}`)

	lib := NewLibrary(root)
	saved, err := lib.Save(Profile{
		Name:        "New Voice",
		DisplayName: "New Voice",
		Description: "cloned",
		Parameters:  synth.Parameters{Exaggeration: 0.9, CFGWeight: 0.4, Temperature: 0.6},
	}, ref)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.Name != "new_voice" {
		t.Fatalf("expected safe name, got %q", saved.Name)
	}

	p, err := lib.Resolve("new_voice")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.DisplayName != "New Voice" || p.Description != "cloned" || p.Temperature != 0.6 || p.CFGWeight != 0.4 {
		t.Fatalf("unexpected profile %+v", p)
	}
	if p.ReferenceAudioPath != filepath.Join(root, "new_voice", "voice.wav") {
		t.Fatalf("unexpected reference path %q", p.ReferenceAudioPath)
	}
	data, err := os.ReadFile(p.ReferenceAudioPath)
	if err != nil || string(data) != "RIFF-sample" {
		t.Fatalf("reference not copied: %q (%v)", data, err)
	}
}

func TestLibrarySaveRequiresReference(t *testing.T) {
	lib := NewLibrary(t.TempDir())
	if _, err := lib.Save(Profile{Name: "x"}, filepath.Join(t.TempDir(), "missing.wav")); err == nil {
		t.Fatalf("expected error for missing reference")
	}
	if _, err := lib.Save(Profile{Name: "  "}, "unused"); err == nil {
		t.Fatalf("expected error for empty name")
	}
}
