package voice

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/auralis-ai/auralis/pkg/rt"
)

// TurnPolicy selects how end-of-turn is decided.
type TurnPolicy string

const (
	// TurnPolicyFixed closes a turn on the server's EndOfUtterance signal.
	TurnPolicyFixed TurnPolicy = "fixed"
	// TurnPolicyAdaptive opens a content-aware prediction window after each
	// EndOfUtterance and closes the turn when no word arrives inside it.
	TurnPolicyAdaptive TurnPolicy = "adaptive"
	// TurnPolicySmart consults an acoustic classifier over recent audio.
	TurnPolicySmart TurnPolicy = "smart"
	// TurnPolicyExternal ignores EndOfUtterance; only an explicit Finalize
	// closes a turn.
	TurnPolicyExternal TurnPolicy = "external"
)

// IsValid reports whether p is a recognised turn policy.
func (p TurnPolicy) IsValid() bool {
	switch p {
	case TurnPolicyFixed, TurnPolicyAdaptive, TurnPolicySmart, TurnPolicyExternal:
		return true
	}
	return false
}

// FocusMode controls how non-focused speakers are handled.
type FocusMode string

const (
	// FocusRetain emits segments for all speakers but marks only focused
	// speakers active.
	FocusRetain FocusMode = "retain"
	// FocusIgnore suppresses segments from non-focused speakers entirely.
	FocusIgnore FocusMode = "ignore"
)

// IsValid reports whether m is a recognised focus mode.
func (m FocusMode) IsValid() bool {
	return m == FocusRetain || m == FocusIgnore
}

// EmitCadence selects what counts as a change worth an AddPartialSegment.
type EmitCadence string

const (
	// CadenceWords emits whenever the word content changes, ignoring
	// punctuation-only churn. Case changes count as changes.
	CadenceWords EmitCadence = "words"
	// CadenceComplete emits whenever the full text changes.
	CadenceComplete EmitCadence = "complete"
	// CadenceCompleteTiming emits on full-text or word-timing changes.
	CadenceCompleteTiming EmitCadence = "complete+timing"
	// CadenceSentences detects changes by full text, exactly as
	// CadenceComplete does; open segments are still emitted as partials.
	CadenceSentences EmitCadence = "sentences"
)

// IsValid reports whether c is a recognised emit cadence.
func (c EmitCadence) IsValid() bool {
	switch c {
	case CadenceWords, CadenceComplete, CadenceCompleteTiming, CadenceSentences:
		return true
	}
	return false
}

// FocusConfig selects which speakers drive the session. The two sets must be
// disjoint. It can be replaced mid-session via Client.UpdateSpeakerFocus.
type FocusConfig struct {
	// FocusSpeakers are the speakers considered active. Empty means all
	// (non-ignored) speakers are active.
	FocusSpeakers []string `yaml:"focus_speakers" json:"focus_speakers"`

	// IgnoreSpeakers are dropped entirely: their words never enter the
	// pipeline in either focus mode.
	IgnoreSpeakers []string `yaml:"ignore_speakers" json:"ignore_speakers"`

	// Mode decides what happens to speakers outside FocusSpeakers.
	Mode FocusMode `yaml:"mode" json:"mode"`
}

// KnownSpeaker pre-enrolls a speaker: a user-visible label bound to opaque
// identifiers issued by the service.
type KnownSpeaker struct {
	Label       string   `yaml:"label" json:"label"`
	Identifiers []string `yaml:"identifiers" json:"identifiers"`
}

// reservedLabelPattern matches engine-assigned speaker labels (S1, S2, ...)
// which must not be used for enrolled speakers.
var reservedLabelPattern = regexp.MustCompile(`^S\d+$`)

// internalLabelPattern matches labels like __ASSISTANT__ or __assistant__
// whose words are silently dropped by the pipeline.
var internalLabelPattern = regexp.MustCompile(`^__[A-Za-z0-9_]{2,}__$`)

// Config is the single configuration object for the voice agent client.
// NewClient validates it before any connection is attempted.
type Config struct {
	// Service
	Language       string            `yaml:"language" json:"language"`
	Domain         string            `yaml:"domain,omitempty" json:"domain,omitempty"`
	OutputLocale   string            `yaml:"output_locale,omitempty" json:"output_locale,omitempty"`
	OperatingPoint rt.OperatingPoint `yaml:"operating_point" json:"operating_point"`

	// Timing
	MaxDelay                     float64 `yaml:"max_delay" json:"max_delay"`
	EndOfUtteranceSilenceTrigger float64 `yaml:"end_of_utterance_silence_trigger" json:"end_of_utterance_silence_trigger"`
	EndOfUtteranceMaxDelay       float64 `yaml:"end_of_utterance_max_delay" json:"end_of_utterance_max_delay"`

	// Turn detection
	TurnPolicy         TurnPolicy  `yaml:"turn_policy" json:"turn_policy"`
	SmartTurnThreshold float64     `yaml:"smart_turn_threshold,omitempty" json:"smart_turn_threshold,omitempty"`
	AudioBufferSeconds float64     `yaml:"audio_buffer_seconds,omitempty" json:"audio_buffer_seconds,omitempty"`
	EmitCadence        EmitCadence `yaml:"emit_cadence" json:"emit_cadence"`

	// Vocabulary and punctuation
	AdditionalVocab      []rt.VocabEntry `yaml:"additional_vocab,omitempty" json:"additional_vocab,omitempty"`
	PunctuationOverrides map[string]any  `yaml:"punctuation_overrides,omitempty" json:"punctuation_overrides,omitempty"`

	// Diarization
	EnableDiarization    bool           `yaml:"enable_diarization" json:"enable_diarization"`
	SpeakerSensitivity   float64        `yaml:"speaker_sensitivity,omitempty" json:"speaker_sensitivity,omitempty"`
	MaxSpeakers          int            `yaml:"max_speakers,omitempty" json:"max_speakers,omitempty"`
	PreferCurrentSpeaker bool           `yaml:"prefer_current_speaker,omitempty" json:"prefer_current_speaker,omitempty"`
	SpeakerFocus         FocusConfig    `yaml:"speaker_focus" json:"speaker_focus"`
	KnownSpeakers        []KnownSpeaker `yaml:"known_speakers,omitempty" json:"known_speakers,omitempty"`

	// Audio
	SampleRate    int              `yaml:"sample_rate" json:"sample_rate"`
	AudioEncoding rt.AudioEncoding `yaml:"audio_encoding" json:"audio_encoding"`

	// IncludeResults attaches per-word data to emitted segments.
	IncludeResults bool `yaml:"include_results" json:"include_results"`
}

// DefaultConfig returns the baseline configuration: English, enhanced
// operating point, 16kHz PCM16, fixed turn policy.
func DefaultConfig() Config {
	return Config{
		Language:                     "en",
		OperatingPoint:               rt.OperatingPointEnhanced,
		MaxDelay:                     0.7,
		EndOfUtteranceSilenceTrigger: 0.2,
		EndOfUtteranceMaxDelay:       10.0,
		TurnPolicy:                   TurnPolicyFixed,
		SmartTurnThreshold:           0.8,
		AudioBufferSeconds:           8.0,
		EmitCadence:                  CadenceComplete,
		SpeakerFocus:                 FocusConfig{Mode: FocusRetain},
		SampleRate:                   16000,
		AudioEncoding:                rt.EncodingPCMS16LE,
	}
}

// Validate checks the configuration for coherence. It returns a joined error
// listing every failure found.
func (c Config) Validate() error {
	var errs []error

	if c.Language == "" {
		errs = append(errs, errors.New("language must not be empty"))
	}
	if !c.TurnPolicy.IsValid() {
		errs = append(errs, fmt.Errorf("unknown turn_policy %q", c.TurnPolicy))
	}
	if !c.EmitCadence.IsValid() {
		errs = append(errs, fmt.Errorf("unknown emit_cadence %q", c.EmitCadence))
	}
	if c.MaxDelay <= 0 {
		errs = append(errs, errors.New("max_delay must be positive"))
	}
	if c.TurnPolicy != TurnPolicyExternal {
		if c.EndOfUtteranceSilenceTrigger <= 0 {
			errs = append(errs, errors.New("end_of_utterance_silence_trigger must be positive"))
		} else if c.EndOfUtteranceSilenceTrigger >= c.MaxDelay {
			errs = append(errs, fmt.Errorf("end_of_utterance_silence_trigger %.3f must be below max_delay %.3f",
				c.EndOfUtteranceSilenceTrigger, c.MaxDelay))
		}
	}
	if c.EndOfUtteranceMaxDelay <= 0 {
		errs = append(errs, errors.New("end_of_utterance_max_delay must be positive"))
	}
	if c.SpeakerSensitivity < 0 || c.SpeakerSensitivity > 1 {
		errs = append(errs, fmt.Errorf("speaker_sensitivity %.3f outside [0,1]", c.SpeakerSensitivity))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, errors.New("sample_rate must be positive"))
	}
	if !c.AudioEncoding.IsValid() {
		errs = append(errs, fmt.Errorf("unknown audio_encoding %q", c.AudioEncoding))
	}
	if c.SpeakerFocus.Mode != "" && !c.SpeakerFocus.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("unknown focus mode %q", c.SpeakerFocus.Mode))
	}

	focus := make(map[string]bool, len(c.SpeakerFocus.FocusSpeakers))
	for _, s := range c.SpeakerFocus.FocusSpeakers {
		focus[s] = true
	}
	for _, s := range c.SpeakerFocus.IgnoreSpeakers {
		if focus[s] {
			errs = append(errs, fmt.Errorf("speaker %q appears in both focus_speakers and ignore_speakers", s))
		}
	}

	for _, ks := range c.KnownSpeakers {
		if reservedLabelPattern.MatchString(ks.Label) {
			errs = append(errs, fmt.Errorf("known speaker label %q uses the reserved S<N> pattern", ks.Label))
		}
	}

	return errors.Join(errs...)
}

// transcriptionConfig maps the voice config onto the wire-level
// transcription_config record.
func (c Config) transcriptionConfig() rt.TranscriptionConfig {
	tc := rt.TranscriptionConfig{
		Language:        c.Language,
		Domain:          c.Domain,
		OutputLocale:    c.OutputLocale,
		OperatingPoint:  c.OperatingPoint,
		EnablePartials:  true,
		MaxDelay:        c.MaxDelay,
		AdditionalVocab: c.AdditionalVocab,
	}
	if c.PunctuationOverrides != nil {
		tc.PunctuationOverrides = c.PunctuationOverrides
	}
	if c.EnableDiarization {
		tc.Diarization = "speaker"
		dz := &rt.DiarizationConfig{
			SpeakerSensitivity:   c.SpeakerSensitivity,
			MaxSpeakers:          c.MaxSpeakers,
			PreferCurrentSpeaker: c.PreferCurrentSpeaker,
		}
		for _, ks := range c.KnownSpeakers {
			dz.Speakers = append(dz.Speakers, rt.SpeakerIdentifier{
				Label:       ks.Label,
				Identifiers: ks.Identifiers,
			})
		}
		tc.SpeakerDiarization = dz
	}
	// External policy ignores server endpointing, so the trigger is omitted.
	if c.TurnPolicy != TurnPolicyExternal && c.EndOfUtteranceSilenceTrigger > 0 {
		tc.Conversation = &rt.ConversationConfig{
			EndOfUtteranceSilenceTrigger: c.EndOfUtteranceSilenceTrigger,
		}
	}
	return tc
}

// audioFormat maps the voice config onto the wire-level audio_format record.
func (c Config) audioFormat() rt.AudioFormat {
	return rt.AudioFormat{
		Encoding:   c.AudioEncoding,
		SampleRate: c.SampleRate,
	}
}
