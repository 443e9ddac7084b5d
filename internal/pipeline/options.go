package pipeline

import (
	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/synth"
	"github.com/loqalabs/loqa-narrator/internal/text"
)

// Options tune one generation. Start from DefaultOptions; zero MaxWords and
// Concurrency fall back to the defaults.
type Options struct {
	MaxWords            int
	ExpandAbbreviations bool

	CrossfadeSeconds float64
	Normalize        bool
	TargetDB         float64
	Method           audio.Method
	InsertPauses     bool
	Pauses           text.Pauses

	Concurrency int
	Budget      synth.Budget

	// Overrides replace individual voice parameters when non-nil.
	Exaggeration *float64
	CFGWeight    *float64
	Temperature  *float64

	// Progress is called once per chunk outcome. Calls are serialized.
	Progress func(Progress)
}

func DefaultOptions() Options {
	return Options{
		MaxWords:            text.DefaultMaxWords,
		ExpandAbbreviations: true,
		CrossfadeSeconds:    0.1,
		Normalize:           true,
		TargetDB:            -18,
		Method:              audio.MethodRMS,
		Pauses:              text.DefaultPauses(),
		Concurrency:         1,
		Budget:              synth.DefaultBudget(),
	}
}

func (o Options) withDefaults() Options {
	if o.MaxWords == 0 {
		o.MaxWords = text.DefaultMaxWords
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Method == "" {
		o.Method = audio.MethodRMS
	}
	return o
}

func (o Options) parameters(base synth.Parameters) synth.Parameters {
	if o.Exaggeration != nil {
		base.Exaggeration = *o.Exaggeration
	}
	if o.CFGWeight != nil {
		base.CFGWeight = *o.CFGWeight
	}
	if o.Temperature != nil {
		base.Temperature = *o.Temperature
	}
	return base.Clamp()
}

// Progress reports one finished chunk.
type Progress struct {
	GenerationID string
	Index        int
	Total        int
	Done         int
	Failed       int
	JobID        string
	Kind         synth.Kind
	Err          error
}
