package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"facestream/server/registry"
	"facestream/server/scheduler"
)

const (
	defaultAddr             = ":8080"
	defaultTickRate         = 30
	defaultKeyframeInterval = 30
	defaultDecayTimeout     = 500 * time.Millisecond
	defaultDecayDuration    = 100 * time.Millisecond
)

const (
	envAddr             = "FACESTREAM_ADDR"
	envTickRate         = "FACESTREAM_TICK_RATE"
	envKeyframeInterval = "FACESTREAM_KEYFRAME_INTERVAL"
	envDecayTimeoutMS   = "FACESTREAM_DECAY_TIMEOUT_MS"
	envStartTier        = "FACESTREAM_START_TIER"
)

// ChannelConfig declares one morph channel of the mesh asset.
type ChannelConfig struct {
	ID       string   `yaml:"id"`
	Priority bool     `yaml:"priority"`
	Bindings []string `yaml:"bindings"`
}

// BandConfig is one LOD distance band.
type BandConfig struct {
	MaxDistance      float64 `yaml:"max_distance"`
	StrideMultiplier int     `yaml:"stride_multiplier"`
}

// TierConfig overrides selected fields of a built-in tier preset. Zero
// fields keep the default.
type TierConfig struct {
	UpdateThreshold   float64      `yaml:"update_threshold"`
	MaxActiveChannels int          `yaml:"max_active_channels"`
	UpdateStride      int          `yaml:"update_stride"`
	TransitionMS      int          `yaml:"transition_ms"`
	FrameBudgetMS     int          `yaml:"frame_budget_ms"`
	Bands             []BandConfig `yaml:"bands"`
}

// Config is the startup configuration. The core consumes the parsed
// structures; loading and validating them is the host's concern.
type Config struct {
	Addr             string                `yaml:"addr"`
	TickRate         int                   `yaml:"tick_rate"`
	KeyframeInterval int                   `yaml:"keyframe_interval"`
	DecayTimeoutMS   int                   `yaml:"decay_timeout_ms"`
	DecayDurationMS  int                   `yaml:"decay_duration_ms"`
	StartTier        string                `yaml:"start_tier"`
	LogSinks         []string              `yaml:"log_sinks"`
	LogFile          string                `yaml:"log_file"`
	Channels         []ChannelConfig       `yaml:"channels"`
	Aliases          map[string]string     `yaml:"aliases"`
	Tiers            map[string]TierConfig `yaml:"tiers"`
}

func defaultConfig() Config {
	return Config{
		Addr:             defaultAddr,
		TickRate:         defaultTickRate,
		KeyframeInterval: defaultKeyframeInterval,
		DecayTimeoutMS:   int(defaultDecayTimeout / time.Millisecond),
		DecayDurationMS:  int(defaultDecayDuration / time.Millisecond),
		StartTier:        string(scheduler.TierHigh),
		LogSinks:         []string{"console"},
		Channels:         defaultChannels(),
		Aliases:          defaultAliases(),
	}
}

// defaultChannels is the CC4-style channel set of the reference head mesh.
// Visemes and blinks are priority: their absence is immediately perceptible
// as broken lip-sync.
func defaultChannels() []ChannelConfig {
	priority := []string{
		"V_Open", "V_Explosive", "V_AA", "V_EE", "V_EH", "V_ER", "V_IH",
		"V_OH", "V_U", "V_FF", "V_DD", "V_SS", "V_CH", "V_TH", "V_KK",
		"V_NN", "V_L", "V_None",
		"Eye_Blink_L", "Eye_Blink_R",
		"Jaw_Open",
	}
	secondary := []string{
		"Jaw_Forward", "Jaw_L", "Jaw_R",
		"Mouth_Smile_L", "Mouth_Smile_R", "Mouth_Frown_L", "Mouth_Frown_R",
		"Mouth_Press_L", "Mouth_Press_R", "Mouth_Dimple_L", "Mouth_Dimple_R",
		"Mouth_Stretch_L", "Mouth_Stretch_R", "Mouth_Pucker_L", "Mouth_Pucker_R",
		"Mouth_Upper_Up_L", "Mouth_Upper_Up_R", "Mouth_Lower_Down_L", "Mouth_Lower_Down_R",
		"Brow_Raise_L", "Brow_Raise_R", "Brow_Raise_Inner", "Brow_Drop_L", "Brow_Drop_R",
		"Eye_Wide_L", "Eye_Wide_R", "Eye_Squint_L", "Eye_Squint_R",
		"Eye_Look_Up_L", "Eye_Look_Up_R", "Eye_Look_Down_L", "Eye_Look_Down_R",
		"Cheek_Puff", "Cheek_Squint_L", "Cheek_Squint_R",
		"Nose_Sneer_L", "Nose_Sneer_R",
	}
	channels := make([]ChannelConfig, 0, len(priority)+len(secondary))
	for _, id := range priority {
		channels = append(channels, ChannelConfig{ID: id, Priority: true, Bindings: []string{"head"}})
	}
	for _, id := range secondary {
		channels = append(channels, ChannelConfig{ID: id, Bindings: []string{"head"}})
	}
	return channels
}

// defaultAliases maps ARKit blendshape names to the canonical channel set so
// capture producers can speak their native naming.
func defaultAliases() map[string]string {
	return map[string]string{
		"jawOpen":           "V_Open",
		"jawForward":        "Jaw_Forward",
		"jawLeft":           "Jaw_L",
		"jawRight":          "Jaw_R",
		"mouthFunnel":       "V_OH",
		"mouthPucker":       "V_U",
		"mouthClose":        "V_None",
		"mouthSmileLeft":    "Mouth_Smile_L",
		"mouthSmileRight":   "Mouth_Smile_R",
		"mouthFrownLeft":    "Mouth_Frown_L",
		"mouthFrownRight":   "Mouth_Frown_R",
		"mouthPressLeft":    "Mouth_Press_L",
		"mouthPressRight":   "Mouth_Press_R",
		"eyeBlinkLeft":      "Eye_Blink_L",
		"eyeBlinkRight":     "Eye_Blink_R",
		"eyeWideLeft":       "Eye_Wide_L",
		"eyeWideRight":      "Eye_Wide_R",
		"eyeSquintLeft":     "Eye_Squint_L",
		"eyeSquintRight":    "Eye_Squint_R",
		"browDownLeft":      "Brow_Drop_L",
		"browDownRight":     "Brow_Drop_R",
		"browInnerUp":       "Brow_Raise_Inner",
		"browOuterUpLeft":   "Brow_Raise_L",
		"browOuterUpRight":  "Brow_Raise_R",
		"cheekPuff":         "Cheek_Puff",
		"cheekSquintLeft":   "Cheek_Squint_L",
		"cheekSquintRight":  "Cheek_Squint_R",
		"noseSneerLeft":     "Nose_Sneer_L",
		"noseSneerRight":    "Nose_Sneer_R",
		"mouthStretchLeft":  "Mouth_Stretch_L",
		"mouthStretchRight": "Mouth_Stretch_R",
	}
}

// loadConfig builds the effective configuration: defaults, then the yaml
// file when given, then environment overrides.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if raw := os.Getenv(envAddr); raw != "" {
		c.Addr = raw
	}
	if raw := os.Getenv(envTickRate); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			c.TickRate = parsed
		}
	}
	if raw := os.Getenv(envKeyframeInterval); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			c.KeyframeInterval = parsed
		}
	}
	if raw := os.Getenv(envDecayTimeoutMS); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			c.DecayTimeoutMS = parsed
		}
	}
	if raw := os.Getenv(envStartTier); raw != "" {
		c.StartTier = raw
	}
}

func (c Config) validate() error {
	if c.TickRate <= 0 {
		return fmt.Errorf("config: tick_rate must be positive")
	}
	if c.KeyframeInterval <= 0 {
		return fmt.Errorf("config: keyframe_interval must be positive")
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("config: no channels defined")
	}
	valid := false
	for _, tier := range scheduler.TierOrder {
		if string(tier) == c.StartTier {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("config: unknown start_tier %q", c.StartTier)
	}
	return nil
}

// BuildRegistry resolves the channel definitions into the immutable registry.
func (c Config) BuildRegistry() (*registry.Registry, error) {
	defs := make([]registry.Definition, 0, len(c.Channels))
	for _, ch := range c.Channels {
		defs = append(defs, registry.Definition{ID: ch.ID, Priority: ch.Priority, Bindings: ch.Bindings})
	}
	return registry.New(defs, c.Aliases)
}

// BuildPresets merges the tier overrides into the built-in presets.
func (c Config) BuildPresets() map[scheduler.Tier]scheduler.Preset {
	presets := scheduler.DefaultPresets()
	for name, override := range c.Tiers {
		tier := scheduler.Tier(name)
		preset, ok := presets[tier]
		if !ok {
			continue
		}
		if override.UpdateThreshold > 0 {
			preset.UpdateThreshold = override.UpdateThreshold
		}
		if override.MaxActiveChannels > 0 {
			preset.MaxActiveChannels = override.MaxActiveChannels
		}
		if override.UpdateStride > 0 {
			preset.UpdateStride = override.UpdateStride
		}
		if override.TransitionMS > 0 {
			preset.TransitionDuration = time.Duration(override.TransitionMS) * time.Millisecond
		}
		if override.FrameBudgetMS > 0 {
			preset.FrameBudget = time.Duration(override.FrameBudgetMS) * time.Millisecond
		}
		if len(override.Bands) > 0 {
			bands := make([]scheduler.Band, 0, len(override.Bands))
			for _, b := range override.Bands {
				bands = append(bands, scheduler.Band{MaxDistance: b.MaxDistance, StrideMultiplier: b.StrideMultiplier})
			}
			preset.DistanceBands = bands
		}
		presets[tier] = preset
	}
	return presets
}

// DecayTimeout returns the channel abandonment timeout.
func (c Config) DecayTimeout() time.Duration {
	return time.Duration(c.DecayTimeoutMS) * time.Millisecond
}

// DecayDuration returns the length of the ease-out once decay starts.
func (c Config) DecayDuration() time.Duration {
	return time.Duration(c.DecayDurationMS) * time.Millisecond
}
