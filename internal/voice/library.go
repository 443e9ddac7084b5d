package voice

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-narrator/internal/synth"
)

var ErrNotFound = errors.New("voice not found")

// Profile is a resolved voice: the reference clip plus the model parameters
// to synthesize with.
type Profile struct {
	Name               string `yaml:"voice_name"`
	DisplayName        string `yaml:"display_name,omitempty"`
	Description        string `yaml:"description,omitempty"`
	AudioFile          string `yaml:"audio_file,omitempty"`
	ReferenceAudioPath string `yaml:"reference_audio,omitempty"`

	synth.Parameters `yaml:",inline"`
}

// Provider resolves a voice name.
type Provider interface {
	Resolve(name string) (Profile, error)
}

var configNames = []string{"config.json", "config.yaml", "config.yml"}

var audioNames = []string{"voice.wav", "voice.mp3", "voice.flac"}

// Library reads voices from a directory with one sub-directory per voice,
// each holding a config file and a voice.{wav,mp3,flac} reference clip.
type Library struct {
	root string
}

func NewLibrary(root string) *Library {
	return &Library{root: root}
}

func (l *Library) Root() string { return l.root }

func (l *Library) Resolve(name string) (Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return Profile{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	dir := filepath.Join(l.root, name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return Profile{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return loadProfile(dir, name)
}

// List returns every readable voice, sorted by name. Directories with a
// broken config are skipped.
func (l *Library) List() ([]Profile, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Profile
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		p, err := loadProfile(filepath.Join(l.root, entry.Name()), entry.Name())
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Save stores p under its safe name with a copy of the reference clip at
// referencePath, replacing any voice of the same name. It returns the profile
// as Resolve will see it.
func (l *Library) Save(p Profile, referencePath string) (Profile, error) {
	if strings.TrimSpace(p.Name) == "" {
		return Profile{}, errors.New("voice name required")
	}
	name := SafeName(p.Name)
	ref, err := os.ReadFile(referencePath)
	if err != nil {
		return Profile{}, fmt.Errorf("read reference audio: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(referencePath))
	switch ext {
	case ".wav", ".mp3", ".flac":
	default:
		ext = ".wav"
	}
	dir := filepath.Join(l.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Profile{}, err
	}
	audioFile := "voice" + ext
	if err := os.WriteFile(filepath.Join(dir, audioFile), ref, 0o644); err != nil {
		return Profile{}, fmt.Errorf("write reference audio: %w", err)
	}

	p.Name = name
	p.AudioFile = audioFile
	p.ReferenceAudioPath = ""
	p.Parameters = p.Parameters.Clamp()
	data, err := yaml.Marshal(p)
	if err != nil {
		return Profile{}, err
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	tmp := cfgPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Profile{}, fmt.Errorf("write voice config: %w", err)
	}
	if err := os.Rename(tmp, cfgPath); err != nil {
		return Profile{}, fmt.Errorf("write voice config: %w", err)
	}
	for _, other := range configNames {
		if other != "config.yaml" {
			_ = os.Remove(filepath.Join(dir, other))
		}
	}
	return loadProfile(dir, name)
}

func loadProfile(dir, name string) (Profile, error) {
	p := Profile{Name: name, Parameters: synth.DefaultParameters()}
	for _, cfgName := range configNames {
		data, err := os.ReadFile(filepath.Join(dir, cfgName))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return Profile{}, err
		}
		// JSON is valid YAML, so one decoder covers both formats.
		if err := yaml.Unmarshal(data, &p); err != nil {
			return Profile{}, fmt.Errorf("parse %s: %w", filepath.Join(dir, cfgName), err)
		}
		break
	}
	if p.Name == "" {
		p.Name = name
	}
	if p.DisplayName == "" {
		p.DisplayName = p.Name
	}
	p.Parameters = p.Parameters.Clamp()

	candidates := audioNames
	if p.AudioFile != "" {
		candidates = append([]string{p.AudioFile}, audioNames...)
	}
	p.ReferenceAudioPath = ""
	for _, c := range candidates {
		path := filepath.Join(dir, filepath.Base(c))
		if _, err := os.Stat(path); err == nil {
			p.ReferenceAudioPath = path
			break
		}
	}
	return p, nil
}

// Static serves voices declared inline in the runtime config.
type Static map[string]Profile

func (s Static) Resolve(name string) (Profile, error) {
	p, ok := s[strings.TrimSpace(name)]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if p.Name == "" {
		p.Name = name
	}
	p.Parameters = p.Parameters.Clamp()
	return p, nil
}

// Chain asks each provider in turn and returns the first hit.
type Chain []Provider

func (c Chain) Resolve(name string) (Profile, error) {
	for _, p := range c {
		if p == nil {
			continue
		}
		profile, err := p.Resolve(name)
		if err == nil {
			return profile, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Profile{}, err
		}
	}
	return Profile{}, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// SafeName lowercases s and replaces anything but letters and digits with
// underscores, giving a name usable as a directory.
func SafeName(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "untitled"
	}
	return b.String()
}
