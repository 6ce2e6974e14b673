package voice

import (
	"github.com/auralis-ai/auralis/pkg/rt"
)

// testWord is a compact word description for building transcript frames in
// tests.
type testWord struct {
	text     string
	start    float64
	end      float64
	speaker  string
	punct    bool
	eos      bool
	attaches string
	disfl    bool
}

// transcriptMsg builds an AddTranscript / AddPartialTranscript frame from
// test words.
func transcriptMsg(words ...testWord) rt.ServerMessage {
	msg := rt.ServerMessage{
		Type:     rt.ServerMessageAddTranscript,
		Metadata: &rt.TranscriptMetadata{},
	}
	for _, w := range words {
		kind := "word"
		if w.punct {
			kind = "punctuation"
		}
		var tags []string
		if w.disfl {
			tags = []string{"disfluency"}
		}
		msg.Results = append(msg.Results, rt.Result{
			Type:       kind,
			StartTime:  w.start,
			EndTime:    w.end,
			IsEOS:      w.eos,
			AttachesTo: w.attaches,
			Alternatives: []rt.Alternative{{
				Content:    w.text,
				Confidence: 1.0,
				Speaker:    w.speaker,
				Tags:       tags,
			}},
		})
		if msg.Metadata.Transcript != "" {
			msg.Metadata.Transcript += " "
		}
		msg.Metadata.Transcript += w.text
		if w.end > msg.Metadata.EndTime {
			msg.Metadata.EndTime = w.end
		}
	}
	if len(words) > 0 {
		msg.Metadata.StartTime = words[0].start
	}
	return msg
}

// segmentTexts extracts the text of each segment for compact assertions.
func segmentTexts(segments []Segment) []string {
	out := make([]string, len(segments))
	for i, seg := range segments {
		out[i] = seg.Text
	}
	return out
}

// segmentSpeakers extracts the speaker id of each segment.
func segmentSpeakers(segments []Segment) []string {
	out := make([]string, len(segments))
	for i, seg := range segments {
		out[i] = seg.SpeakerID
	}
	return out
}
