package scheduler

import "time"

// Tier names a quality preset. Tiers are ordered; the quality controller
// walks them one step at a time.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
	TierUltra  Tier = "ultra"
)

// TierOrder lists the tiers from most to least degraded.
var TierOrder = []Tier{TierLow, TierMedium, TierHigh, TierUltra}

// Band maps a viewer distance range to a stride multiplier: the further the
// mesh, the fewer ticks on which non-priority channels are eligible.
type Band struct {
	MaxDistance      float64
	StrideMultiplier int
}

// Preset is a named bundle of scheduling and interpolation parameters.
// Presets are swapped wholesale when the quality controller changes tier,
// never mutated field by field, so a tick can never observe a torn preset.
type Preset struct {
	Tier               Tier
	UpdateThreshold    float64
	MaxActiveChannels  int
	UpdateStride       int
	DistanceBands      []Band
	TransitionDuration time.Duration
	FrameBudget        time.Duration
}

// StrideFor resolves the effective stride for a viewer distance: the preset
// base stride times the multiplier of the first band the distance fits in.
// Distances beyond the last band use the last band's multiplier.
func (p Preset) StrideFor(distance float64) int {
	stride := p.UpdateStride
	if stride < 1 {
		stride = 1
	}
	if len(p.DistanceBands) == 0 {
		return stride
	}
	multiplier := p.DistanceBands[len(p.DistanceBands)-1].StrideMultiplier
	for _, band := range p.DistanceBands {
		if distance <= band.MaxDistance {
			multiplier = band.StrideMultiplier
			break
		}
	}
	if multiplier < 1 {
		multiplier = 1
	}
	return stride * multiplier
}

func defaultBands() []Band {
	return []Band{
		{MaxDistance: 2, StrideMultiplier: 1},
		{MaxDistance: 6, StrideMultiplier: 2},
		{MaxDistance: 15, StrideMultiplier: 4},
	}
}

// DefaultPresets returns the built-in tier definitions. Budgets follow the
// usual interactive targets: 60 fps at Ultra down to 20 fps at Low.
func DefaultPresets() map[Tier]Preset {
	return map[Tier]Preset{
		TierUltra: {
			Tier:               TierUltra,
			UpdateThreshold:    0.002,
			MaxActiveChannels:  256,
			UpdateStride:       1,
			DistanceBands:      defaultBands(),
			TransitionDuration: 33 * time.Millisecond,
			FrameBudget:        16 * time.Millisecond,
		},
		TierHigh: {
			Tier:               TierHigh,
			UpdateThreshold:    0.005,
			MaxActiveChannels:  128,
			UpdateStride:       1,
			DistanceBands:      defaultBands(),
			TransitionDuration: 50 * time.Millisecond,
			FrameBudget:        22 * time.Millisecond,
		},
		TierMedium: {
			Tier:               TierMedium,
			UpdateThreshold:    0.01,
			MaxActiveChannels:  64,
			UpdateStride:       2,
			DistanceBands:      defaultBands(),
			TransitionDuration: 66 * time.Millisecond,
			FrameBudget:        33 * time.Millisecond,
		},
		TierLow: {
			Tier:               TierLow,
			UpdateThreshold:    0.02,
			MaxActiveChannels:  32,
			UpdateStride:       4,
			DistanceBands:      defaultBands(),
			TransitionDuration: 100 * time.Millisecond,
			FrameBudget:        50 * time.Millisecond,
		},
	}
}
