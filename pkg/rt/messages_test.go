package rt

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeServerMessage_Known(t *testing.T) {
	raw := `{
		"message": "AddTranscript",
		"metadata": {"transcript": "hello world.", "start_time": 0.1, "end_time": 0.9},
		"results": [
			{"type": "word", "start_time": 0.1, "end_time": 0.4,
			 "alternatives": [{"content": "hello", "confidence": 0.98, "speaker": "S1"}]},
			{"type": "word", "start_time": 0.5, "end_time": 0.9,
			 "alternatives": [{"content": "world", "confidence": 0.95, "speaker": "S1", "tags": ["disfluency"]}]},
			{"type": "punctuation", "start_time": 0.9, "end_time": 0.9, "is_eos": true, "attaches_to": "previous",
			 "alternatives": [{"content": ".", "confidence": 1}]}
		]
	}`

	msg, known, err := DecodeServerMessage([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeServerMessage: %v", err)
	}
	if !known {
		t.Fatal("AddTranscript should be a known message type")
	}
	if msg.Type != ServerMessageAddTranscript {
		t.Errorf("Type = %q, want AddTranscript", msg.Type)
	}
	if msg.Metadata == nil || msg.Metadata.Transcript != "hello world." {
		t.Errorf("Metadata = %+v, want transcript 'hello world.'", msg.Metadata)
	}
	if len(msg.Results) != 3 {
		t.Fatalf("len(Results) = %d, want 3", len(msg.Results))
	}
	if !msg.Results[1].Alternatives[0].IsDisfluency() {
		t.Error("second word should carry the disfluency tag")
	}
	if msg.Results[0].Alternatives[0].IsDisfluency() {
		t.Error("first word should not carry the disfluency tag")
	}
	if !msg.Results[2].IsEOS {
		t.Error("punctuation result should be EOS")
	}
	if msg.Results[2].AttachesTo != "previous" {
		t.Errorf("AttachesTo = %q, want previous", msg.Results[2].AttachesTo)
	}
}

func TestDecodeServerMessage_UnknownKind(t *testing.T) {
	msg, known, err := DecodeServerMessage([]byte(`{"message": "AddTranslation", "results": []}`))
	if err != nil {
		t.Fatalf("DecodeServerMessage: %v", err)
	}
	if known {
		t.Error("AddTranslation should not be a known message type")
	}
	if msg.Type != "AddTranslation" {
		t.Errorf("Type = %q, want AddTranslation preserved", msg.Type)
	}
}

func TestDecodeServerMessage_Malformed(t *testing.T) {
	if _, _, err := DecodeServerMessage([]byte(`{"message": `)); err == nil {
		t.Fatal("malformed JSON should return an error")
	}
	if _, _, err := DecodeServerMessage([]byte(`{"results": []}`)); err == nil {
		t.Fatal("missing discriminator should return an error")
	}
}

func TestAudioFormat_MarshalRaw(t *testing.T) {
	data, err := json.Marshal(AudioFormat{Encoding: EncodingPCMS16LE, SampleRate: 16000})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got := string(data)
	for _, want := range []string{`"type":"raw"`, `"encoding":"pcm_s16le"`, `"sample_rate":16000`} {
		if !strings.Contains(got, want) {
			t.Errorf("marshalled format %s missing %s", got, want)
		}
	}
}

func TestAudioFormat_MarshalFile(t *testing.T) {
	data, err := json.Marshal(AudioFormat{})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"type":"file"}` {
		t.Errorf("marshalled format = %s, want {\"type\":\"file\"}", data)
	}
}

func TestAudioFormat_SampleWidth(t *testing.T) {
	tests := []struct {
		encoding AudioEncoding
		want     int
	}{
		{EncodingPCMS16LE, 2},
		{EncodingPCMF32LE, 4},
		{EncodingMulaw, 1},
		{"", 2},
	}
	for _, tc := range tests {
		if got := (AudioFormat{Encoding: tc.encoding}).SampleWidth(); got != tc.want {
			t.Errorf("SampleWidth(%q) = %d, want %d", tc.encoding, got, tc.want)
		}
	}
}

func TestEndOfStreamMessage_Marshal(t *testing.T) {
	data, err := json.Marshal(EndOfStreamMessage{Message: ClientMessageEndOfStream, LastSeqNo: 10})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["message"] != "EndOfStream" {
		t.Errorf("message = %v, want EndOfStream", decoded["message"])
	}
	if decoded["last_seq_no"] != float64(10) {
		t.Errorf("last_seq_no = %v, want 10", decoded["last_seq_no"])
	}
}

func TestTranscriptionConfig_OmitsZeroValues(t *testing.T) {
	data, err := json.Marshal(TranscriptionConfig{Language: "en"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got := string(data)
	for _, absent := range []string{"max_delay", "diarization", "additional_vocab", "conversation_config"} {
		if strings.Contains(got, absent) {
			t.Errorf("zero-value config should omit %q, got %s", absent, got)
		}
	}
}

func TestLanguagePackInfo_Delimiter(t *testing.T) {
	if d := (LanguagePackInfo{}).Delimiter(); d != " " {
		t.Errorf("empty delimiter = %q, want single space", d)
	}
	if d := (LanguagePackInfo{WordDelimiter: ""}).Delimiter(); d != " " {
		t.Errorf("Delimiter() = %q, want fallback space", d)
	}
}
