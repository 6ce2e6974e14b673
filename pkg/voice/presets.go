package voice

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Preset names accepted by PresetConfig.
const (
	PresetFast      = "fast"
	PresetAdaptive  = "adaptive"
	PresetSmartTurn = "smart_turn"
	PresetScribe    = "scribe"
	PresetCaptions  = "captions"
	PresetExternal  = "external"
)

// PresetConfig returns a named preset configuration. Every preset enables
// diarization with speaker sensitivity 0.5 unless listed otherwise; beyond
// that, presets differ from DefaultConfig only in the parameters listed for
// each.
//
//	fast       lowest latency: 0.5s max delay, 0.15s trigger, fixed policy,
//	           per-word emission. Not suited to conversation.
//	adaptive   conversational: 0.9s max delay, 0.2s trigger, adaptive policy.
//	smart_turn conversational with the acoustic classifier: 1.0s max delay,
//	           0.3s trigger.
//	scribe     note taking: 1.2s max delay, 0.3s trigger, fixed policy,
//	           finalized sentences as they complete.
//	captions   subtitling: 0.7s max delay, 0.2s trigger, fixed policy, no
//	           diarization, text and timing updates.
//	external   turn boundaries are driven entirely by the caller.
func PresetConfig(name string) (Config, error) {
	cfg := DefaultConfig()
	cfg.EnableDiarization = true
	cfg.SpeakerSensitivity = 0.5

	switch name {
	case PresetFast:
		cfg.MaxDelay = 0.5
		cfg.EndOfUtteranceSilenceTrigger = 0.15
		cfg.TurnPolicy = TurnPolicyFixed
		cfg.EmitCadence = CadenceWords
	case PresetAdaptive:
		cfg.MaxDelay = 0.9
		cfg.EndOfUtteranceSilenceTrigger = 0.2
		cfg.TurnPolicy = TurnPolicyAdaptive
		cfg.EmitCadence = CadenceComplete
	case PresetSmartTurn:
		cfg.MaxDelay = 1.0
		cfg.EndOfUtteranceSilenceTrigger = 0.3
		cfg.TurnPolicy = TurnPolicySmart
		cfg.EmitCadence = CadenceComplete
	case PresetScribe:
		cfg.MaxDelay = 1.2
		cfg.EndOfUtteranceSilenceTrigger = 0.3
		cfg.TurnPolicy = TurnPolicyFixed
		cfg.EmitCadence = CadenceSentences
	case PresetCaptions:
		cfg.MaxDelay = 0.7
		cfg.EndOfUtteranceSilenceTrigger = 0.2
		cfg.TurnPolicy = TurnPolicyFixed
		cfg.EnableDiarization = false
		cfg.SpeakerSensitivity = 0
		cfg.EmitCadence = CadenceCompleteTiming
	case PresetExternal:
		cfg.MaxDelay = 0.7
		cfg.TurnPolicy = TurnPolicyExternal
		cfg.EmitCadence = CadenceComplete
	default:
		return Config{}, fmt.Errorf("voice: unknown preset %q", name)
	}
	return cfg, nil
}

// LoadConfig reads a YAML configuration file. Fields not present keep their
// DefaultConfig values; unknown fields are rejected.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("voice: open config %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadConfigFromReader(f)
	if err != nil {
		return Config{}, fmt.Errorf("voice: parse config %q: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigFromReader decodes a YAML config from r on top of the defaults
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadConfigFromReader(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("voice: decode yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
