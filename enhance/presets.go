package enhance

import "fmt"

// Preset is a named, fixed enhancement parameter set. The set is closed:
// free-form parameter combinations are not representable.
type Preset struct {
	Name          string  `json:"name"`
	HistogramClip float64 `json:"histogram_clip"` // percent clipped off each histogram tail
	CLAHEClip     float64 `json:"clahe_clip"`     // CLAHE contrast limiting threshold
}

var (
	Gentle     = Preset{Name: "gentle", HistogramClip: 0.3, CLAHEClip: 1.0}
	Balanced   = Preset{Name: "balanced", HistogramClip: 0.5, CLAHEClip: 1.5}
	Aggressive = Preset{Name: "aggressive", HistogramClip: 0.7, CLAHEClip: 2.0}
)

// modes beyond the concrete presets
const (
	ModeAuto     = "auto"     // run all presets, keep the best-scoring result
	ModeOriginal = "original" // no enhancement, plain format conversion
)

// Presets returns the concrete presets in their declared order
func Presets() []Preset {
	return []Preset{Gentle, Balanced, Aggressive}
}

// ParsePreset resolves a concrete preset by name
func ParsePreset(name string) (Preset, error) {
	for _, p := range Presets() {
		if p.Name == name {
			return p, nil
		}
	}
	return Preset{}, fmt.Errorf("enhance: unknown preset %q", name)
}

// ValidMode reports whether mode names a preset, auto, or original
func ValidMode(mode string) bool {
	if mode == ModeAuto || mode == ModeOriginal {
		return true
	}
	_, err := ParsePreset(mode)
	return err == nil
}

// Scored pairs a preset with the quality score of its output
type Scored struct {
	Preset Preset
	Score  float64
}

// BestScored selects the highest-scoring preset. Ties keep the earlier
// preset in declared order so auto mode is deterministic.
func BestScored(scored []Scored) Scored {
	best := scored[0]
	for _, s := range scored[1:] {
		if s.Score > best.Score {
			best = s
		}
	}
	return best
}

// scoring weights: sharpness 40%, contrast 30%, dynamic range 30%
const (
	sharpnessWeight = 0.4
	contrastWeight  = 0.3
	rangeWeight     = 0.3
)

// WeighScore combines the three normalized quality components
func WeighScore(sharpness, contrast, dynamicRange float64) float64 {
	return sharpness*sharpnessWeight + contrast*contrastWeight + dynamicRange*rangeWeight
}
