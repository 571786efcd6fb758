package funnel

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Preset parameterizes one funnel run. The comprehensive/fast/ultrafast
// variants are configuration, not separate code paths.
type Preset struct {
	Name string `yaml:"name"`

	// Gathering
	Window      time.Duration `yaml:"window"`
	GatherLimit int           `yaml:"gather_limit"`

	// Selection
	TopK          int  `yaml:"top_k"`
	FilterEnabled bool `yaml:"filter_enabled"`

	// Coarse scoring
	CoarseConcurrency int           `yaml:"coarse_concurrency"`
	CoarseTimeout     time.Duration `yaml:"coarse_timeout"`
	CoarseMaxTokens   int           `yaml:"coarse_max_tokens"`

	// Deep enrichment
	DeepConcurrency int           `yaml:"deep_concurrency"`
	DeepTimeout     time.Duration `yaml:"deep_timeout"`
	DeepMaxTokens   int           `yaml:"deep_max_tokens"`

	// Optional chunked execution to ease backend load.
	ChunkSize  int           `yaml:"chunk_size"`
	ChunkPause time.Duration `yaml:"chunk_pause"`

	// HeuristicGate skips the inference call for items whose keyword score
	// is already far from the selection boundary.
	HeuristicGate bool `yaml:"heuristic_gate"`
}

// presetFile mirrors Preset for YAML decoding, with durations as strings
// ("72h", "30s") since the YAML decoder has no native duration support.
type presetFile struct {
	Name              *string `yaml:"name"`
	Window            *string `yaml:"window"`
	GatherLimit       *int    `yaml:"gather_limit"`
	TopK              *int    `yaml:"top_k"`
	FilterEnabled     *bool   `yaml:"filter_enabled"`
	CoarseConcurrency *int    `yaml:"coarse_concurrency"`
	CoarseTimeout     *string `yaml:"coarse_timeout"`
	CoarseMaxTokens   *int    `yaml:"coarse_max_tokens"`
	DeepConcurrency   *int    `yaml:"deep_concurrency"`
	DeepTimeout       *string `yaml:"deep_timeout"`
	DeepMaxTokens     *int    `yaml:"deep_max_tokens"`
	ChunkSize         *int    `yaml:"chunk_size"`
	ChunkPause        *string `yaml:"chunk_pause"`
	HeuristicGate     *bool   `yaml:"heuristic_gate"`
}

// UnmarshalYAML decodes a preset file, keeping existing values for any
// field the file leaves unset.
func (p *Preset) UnmarshalYAML(value *yaml.Node) error {
	var f presetFile
	if err := value.Decode(&f); err != nil {
		return err
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setDuration := func(dst *time.Duration, src *string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return eris.Wrapf(err, "funnel: parse duration %q", *src)
		}
		*dst = d
		return nil
	}

	setString(&p.Name, f.Name)
	setInt(&p.GatherLimit, f.GatherLimit)
	setInt(&p.TopK, f.TopK)
	setBool(&p.FilterEnabled, f.FilterEnabled)
	setInt(&p.CoarseConcurrency, f.CoarseConcurrency)
	setInt(&p.CoarseMaxTokens, f.CoarseMaxTokens)
	setInt(&p.DeepConcurrency, f.DeepConcurrency)
	setInt(&p.DeepMaxTokens, f.DeepMaxTokens)
	setInt(&p.ChunkSize, f.ChunkSize)
	setBool(&p.HeuristicGate, f.HeuristicGate)

	for _, d := range []struct {
		dst *time.Duration
		src *string
	}{
		{&p.Window, f.Window},
		{&p.CoarseTimeout, f.CoarseTimeout},
		{&p.DeepTimeout, f.DeepTimeout},
		{&p.ChunkPause, f.ChunkPause},
	} {
		if err := setDuration(d.dst, d.src); err != nil {
			return err
		}
	}
	return nil
}

// filterFactor over-provisions the cheap filter: it retains filterFactor*TopK
// candidates so coarse scoring still yields a meaningful top-K after failures.
const filterFactor = 3

// Comprehensive is the default preset: every item gets a full inference pass.
func Comprehensive() Preset {
	return Preset{
		Name:              "comprehensive",
		Window:            24 * time.Hour,
		GatherLimit:       200,
		TopK:              10,
		FilterEnabled:     true,
		CoarseConcurrency: 4,
		CoarseTimeout:     3 * time.Minute,
		CoarseMaxTokens:   1500,
		DeepConcurrency:   2,
		DeepTimeout:       4 * time.Minute,
		DeepMaxTokens:     2000,
	}
}

// Fast trades analysis depth for speed: tighter budgets and chunked
// execution to keep the backend responsive.
func Fast() Preset {
	return Preset{
		Name:              "fast",
		Window:            24 * time.Hour,
		GatherLimit:       200,
		TopK:              10,
		FilterEnabled:     true,
		CoarseConcurrency: 6,
		CoarseTimeout:     time.Minute,
		CoarseMaxTokens:   500,
		DeepConcurrency:   3,
		DeepTimeout:       2 * time.Minute,
		DeepMaxTokens:     1000,
		ChunkSize:         10,
		ChunkPause:        2 * time.Second,
	}
}

// Ultrafast only consults the backend for items the keyword scorer cannot
// decide on its own.
func Ultrafast() Preset {
	p := Fast()
	p.Name = "ultrafast"
	p.CoarseTimeout = 30 * time.Second
	p.CoarseMaxTokens = 200
	p.HeuristicGate = true
	return p
}

// PresetByName resolves a named preset.
func PresetByName(name string) (Preset, error) {
	switch name {
	case "", "comprehensive":
		return Comprehensive(), nil
	case "fast":
		return Fast(), nil
	case "ultrafast":
		return Ultrafast(), nil
	default:
		return Preset{}, eris.Errorf("funnel: unknown preset %q", name)
	}
}

// LoadPreset reads a preset from a YAML file, filling unset fields from
// the comprehensive defaults.
func LoadPreset(path string) (Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Preset{}, eris.Wrapf(err, "funnel: read preset %s", path)
	}

	p := Comprehensive()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Preset{}, eris.Wrapf(err, "funnel: parse preset %s", path)
	}
	if err := p.Validate(); err != nil {
		return Preset{}, err
	}
	return p, nil
}

// Validate rejects presets that would make the funnel degenerate.
func (p Preset) Validate() error {
	if p.TopK <= 0 {
		return eris.New("funnel: preset top_k must be positive")
	}
	if p.Window <= 0 {
		return eris.New("funnel: preset window must be positive")
	}
	if p.CoarseConcurrency <= 0 || p.DeepConcurrency <= 0 {
		return eris.New("funnel: preset concurrency must be positive")
	}
	return nil
}
