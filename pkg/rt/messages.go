// Package rt implements the real-time transcription session core: the
// structured frame codec, a typed event emitter, auth providers, and the
// full-duplex WebSocket session state machine.
//
// The package speaks the streaming STT wire protocol directly. Structured
// control frames travel as JSON text messages tagged by a "message"
// discriminator; audio travels as headerless binary frames of raw PCM.
// Higher-level behaviour (segmentation, turn detection) lives in pkg/voice
// and consumes the events emitted here.
package rt

import (
	"encoding/json"
	"fmt"
)

// ClientMessageType tags a structured frame sent from client to server.
type ClientMessageType string

const (
	ClientMessageStartRecognition     ClientMessageType = "StartRecognition"
	ClientMessageAddAudio             ClientMessageType = "AddAudio"
	ClientMessageEndOfStream          ClientMessageType = "EndOfStream"
	ClientMessageSetRecognitionConfig ClientMessageType = "SetRecognitionConfig"
	ClientMessageGetSpeakers          ClientMessageType = "GetSpeakers"
)

// ServerMessageType tags a structured frame received from the server.
type ServerMessageType string

const (
	ServerMessageRecognitionStarted   ServerMessageType = "RecognitionStarted"
	ServerMessageAudioAdded           ServerMessageType = "AudioAdded"
	ServerMessageAddPartialTranscript ServerMessageType = "AddPartialTranscript"
	ServerMessageAddTranscript        ServerMessageType = "AddTranscript"
	ServerMessageEndOfTranscript      ServerMessageType = "EndOfTranscript"
	ServerMessageEndOfUtterance       ServerMessageType = "EndOfUtterance"
	ServerMessageSpeakersResult       ServerMessageType = "SpeakersResult"
	ServerMessageInfo                 ServerMessageType = "Info"
	ServerMessageWarning              ServerMessageType = "Warning"
	ServerMessageError                ServerMessageType = "Error"
)

// knownServerMessages is consulted when demultiplexing inbound frames.
// Unknown discriminators are skipped for forward compatibility.
var knownServerMessages = map[ServerMessageType]bool{
	ServerMessageRecognitionStarted:   true,
	ServerMessageAudioAdded:           true,
	ServerMessageAddPartialTranscript: true,
	ServerMessageAddTranscript:        true,
	ServerMessageEndOfTranscript:      true,
	ServerMessageEndOfUtterance:       true,
	ServerMessageSpeakersResult:       true,
	ServerMessageInfo:                 true,
	ServerMessageWarning:              true,
	ServerMessageError:                true,
}

// AudioEncoding names a supported raw PCM encoding for binary audio frames.
type AudioEncoding string

const (
	// EncodingPCMS16LE is 16-bit signed little-endian PCM, 2 bytes per sample.
	EncodingPCMS16LE AudioEncoding = "pcm_s16le"
	// EncodingPCMF32LE is 32-bit float little-endian PCM, 4 bytes per sample.
	EncodingPCMF32LE AudioEncoding = "pcm_f32le"
	// EncodingMulaw is 8-bit mu-law, 1 byte per sample.
	EncodingMulaw AudioEncoding = "mulaw"
)

// IsValid reports whether e is a recognised audio encoding.
func (e AudioEncoding) IsValid() bool {
	switch e {
	case EncodingPCMS16LE, EncodingPCMF32LE, EncodingMulaw:
		return true
	}
	return false
}

// OperatingPoint selects the accuracy/latency trade-off of the acoustic model.
type OperatingPoint string

const (
	OperatingPointStandard OperatingPoint = "standard"
	OperatingPointEnhanced OperatingPoint = "enhanced"
)

// AudioFormat describes the binary audio frames the client will send.
// An empty Encoding marks the stream as a container file rather than raw PCM.
type AudioFormat struct {
	Encoding   AudioEncoding `json:"encoding,omitempty" yaml:"encoding,omitempty"`
	SampleRate int           `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
}

// MarshalJSON writes the wire form: {"type":"raw",...} for PCM streams and
// {"type":"file"} when no encoding is set.
func (f AudioFormat) MarshalJSON() ([]byte, error) {
	if f.Encoding == "" {
		return []byte(`{"type":"file"}`), nil
	}
	type raw struct {
		Type       string        `json:"type"`
		Encoding   AudioEncoding `json:"encoding"`
		SampleRate int           `json:"sample_rate"`
	}
	return json.Marshal(raw{Type: "raw", Encoding: f.Encoding, SampleRate: f.SampleRate})
}

// SampleWidth returns the bytes per sample for the format's encoding.
func (f AudioFormat) SampleWidth() int {
	switch f.Encoding {
	case EncodingPCMF32LE:
		return 4
	case EncodingMulaw:
		return 1
	default:
		return 2
	}
}

// VocabEntry is one additional-vocabulary item for the recognition engine.
type VocabEntry struct {
	Content    string   `json:"content" yaml:"content"`
	SoundsLike []string `json:"sounds_like,omitempty" yaml:"sounds_like,omitempty"`
}

// SpeakerIdentifier binds a user label to opaque identifiers issued by the
// service. Identifiers are account-scoped and replayed verbatim.
type SpeakerIdentifier struct {
	Label       string   `json:"label" yaml:"label"`
	Identifiers []string `json:"speaker_identifiers" yaml:"speaker_identifiers"`
}

// DiarizationConfig tunes speaker diarization inside the recognition engine.
type DiarizationConfig struct {
	SpeakerSensitivity   float64             `json:"speaker_sensitivity,omitempty" yaml:"speaker_sensitivity,omitempty"`
	MaxSpeakers          int                 `json:"max_speakers,omitempty" yaml:"max_speakers,omitempty"`
	PreferCurrentSpeaker bool                `json:"prefer_current_speaker,omitempty" yaml:"prefer_current_speaker,omitempty"`
	Speakers             []SpeakerIdentifier `json:"speakers,omitempty" yaml:"speakers,omitempty"`
}

// ConversationConfig enables server-side end-of-utterance detection.
type ConversationConfig struct {
	EndOfUtteranceSilenceTrigger float64 `json:"end_of_utterance_silence_trigger,omitempty" yaml:"end_of_utterance_silence_trigger,omitempty"`
}

// TranscriptionConfig is the transcription_config record inside
// StartRecognition and SetRecognitionConfig frames. Zero values are elided
// from the wire.
type TranscriptionConfig struct {
	Language             string              `json:"language" yaml:"language"`
	Domain               string              `json:"domain,omitempty" yaml:"domain,omitempty"`
	OutputLocale         string              `json:"output_locale,omitempty" yaml:"output_locale,omitempty"`
	OperatingPoint       OperatingPoint      `json:"operating_point,omitempty" yaml:"operating_point,omitempty"`
	Diarization          string              `json:"diarization,omitempty" yaml:"diarization,omitempty"`
	EnablePartials       bool                `json:"enable_partials,omitempty" yaml:"enable_partials,omitempty"`
	MaxDelay             float64             `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	AdditionalVocab      []VocabEntry        `json:"additional_vocab,omitempty" yaml:"additional_vocab,omitempty"`
	PunctuationOverrides map[string]any      `json:"punctuation_overrides,omitempty" yaml:"punctuation_overrides,omitempty"`
	SpeakerDiarization   *DiarizationConfig  `json:"speaker_diarization_config,omitempty" yaml:"speaker_diarization_config,omitempty"`
	Conversation         *ConversationConfig `json:"conversation_config,omitempty" yaml:"conversation_config,omitempty"`
}

// StartRecognitionMessage opens a recognition session.
type StartRecognitionMessage struct {
	Message             ClientMessageType   `json:"message"`
	AudioFormat         AudioFormat         `json:"audio_format"`
	TranscriptionConfig TranscriptionConfig `json:"transcription_config"`
}

// EndOfStreamMessage terminates the upstream audio flow. LastSeqNo must equal
// the number of binary frames sent since the session began.
type EndOfStreamMessage struct {
	Message   ClientMessageType `json:"message"`
	LastSeqNo uint64            `json:"last_seq_no"`
}

// SetRecognitionConfigMessage updates transcription settings mid-session.
type SetRecognitionConfigMessage struct {
	Message             ClientMessageType   `json:"message"`
	TranscriptionConfig TranscriptionConfig `json:"transcription_config"`
}

// GetSpeakersMessage requests the current speaker identifiers.
type GetSpeakersMessage struct {
	Message ClientMessageType `json:"message"`
}

// LanguagePackInfo describes the language pack the server selected for the
// session. The word delimiter drives transcript text assembly downstream.
type LanguagePackInfo struct {
	Adapted             bool   `json:"adapted"`
	ITN                 bool   `json:"itn"`
	LanguageDescription string `json:"language_description"`
	WordDelimiter       string `json:"word_delimiter"`
	WritingDirection    string `json:"writing_direction"`
}

// Delimiter returns the word delimiter, defaulting to a single space.
func (l LanguagePackInfo) Delimiter() string {
	if l.WordDelimiter == "" {
		return " "
	}
	return l.WordDelimiter
}

// Alternative is one hypothesis for a recognised result.
type Alternative struct {
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
	Language   string   `json:"language,omitempty"`
	Speaker    string   `json:"speaker,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// IsDisfluency reports whether the alternative carries a disfluency tag.
func (a Alternative) IsDisfluency() bool {
	for _, t := range a.Tags {
		if t == "disfluency" {
			return true
		}
	}
	return false
}

// Result is one recognised item (word or punctuation) in a transcript frame.
// Times are seconds since session start.
type Result struct {
	Type         string        `json:"type"`
	StartTime    float64       `json:"start_time"`
	EndTime      float64       `json:"end_time"`
	IsEOS        bool          `json:"is_eos,omitempty"`
	AttachesTo   string        `json:"attaches_to,omitempty"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
}

// TranscriptMetadata summarises a transcript frame.
type TranscriptMetadata struct {
	Transcript string  `json:"transcript"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
}

// SpeakerData is one entry in a SpeakersResult frame.
type SpeakerData struct {
	Label       string   `json:"label"`
	Identifiers []string `json:"speaker_identifiers"`
}

// ServerMessage is the decoded form of any inbound structured frame. Fields
// are populated depending on Type; consumers switch on Type and read only the
// fields that frame kind defines.
type ServerMessage struct {
	Type ServerMessageType `json:"message"`

	// RecognitionStarted
	ID               string           `json:"id,omitempty"`
	LanguagePackInfo LanguagePackInfo `json:"language_pack_info"`

	// AudioAdded
	SeqNo uint64 `json:"seq_no,omitempty"`

	// AddPartialTranscript / AddTranscript
	Metadata *TranscriptMetadata `json:"metadata,omitempty"`
	Results  []Result            `json:"results,omitempty"`

	// SpeakersResult
	Speakers []SpeakerData `json:"speakers,omitempty"`

	// Info / Warning / Error
	Reason string `json:"reason,omitempty"`
	Code   int    `json:"code,omitempty"`
}

// DecodeServerMessage parses one inbound text frame. Malformed JSON is a
// protocol failure. A structurally valid frame with an unknown discriminator
// is returned with known=false so the session can skip it.
func DecodeServerMessage(data []byte) (msg ServerMessage, known bool, err error) {
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, false, fmt.Errorf("rt: decode server message: %w", err)
	}
	if msg.Type == "" {
		return ServerMessage{}, false, fmt.Errorf("rt: server message without discriminator")
	}
	return msg, knownServerMessages[msg.Type], nil
}
