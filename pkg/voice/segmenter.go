package voice

import (
	"fmt"
	"strings"

	"github.com/auralis-ai/auralis/pkg/rt"
)

// Emission is the outcome of feeding one transcript frame through the
// segmentation engine: segments that closed (emitted as AddSegment exactly
// once) and open segments whose text changed (AddPartialSegment).
type Emission struct {
	Finals   []Segment
	Partials []Segment
	Update   WordsUpdate
}

// Segmenter groups the assembler's word buffer into per-speaker segments and
// decides what to emit on every words update.
//
// A segment closes — and is emitted as final exactly once — on a sentence
// boundary, a committed speaker change, inactivity beyond the intra-segment
// gap, or an explicit finalize. Open segments are re-emitted as partials
// whenever their text changes under the configured cadence.
//
// Not safe for concurrent use: the client serialises all access.
type Segmenter struct {
	cfg       Config
	asm       *Assembler
	focus     FocusConfig
	delimiter string

	prevComparison string
}

// NewSegmenter creates a segmentation engine for the given configuration.
func NewSegmenter(cfg Config) *Segmenter {
	return &Segmenter{
		cfg:       cfg,
		asm:       NewAssembler(cfg.Language),
		focus:     cfg.SpeakerFocus,
		delimiter: " ",
	}
}

// SetDelimiter installs the language pack word delimiter once known.
func (s *Segmenter) SetDelimiter(d string) {
	if d != "" {
		s.delimiter = d
	}
}

// SetFocus replaces the focus configuration. Effective immediately for new
// words; already-buffered words are not re-filtered.
func (s *Segmenter) SetFocus(f FocusConfig) { s.focus = f }

// Focus returns the active focus configuration.
func (s *Segmenter) Focus() FocusConfig { return s.focus }

// keep implements the ingest filter: ignored speakers never enter the
// buffer, and in ignore mode neither do unfocused ones.
func (s *Segmenter) keep(speaker string) bool {
	for _, ignored := range s.focus.IgnoreSpeakers {
		if speaker == ignored {
			return false
		}
	}
	if s.focus.Mode == FocusIgnore && len(s.focus.FocusSpeakers) > 0 {
		for _, focused := range s.focus.FocusSpeakers {
			if speaker == focused {
				return true
			}
		}
		return false
	}
	return true
}

// ProcessTranscript ingests one AddPartialTranscript or AddTranscript frame
// and returns what should be emitted.
func (s *Segmenter) ProcessTranscript(msg rt.ServerMessage, isFinal bool) Emission {
	update, any := s.asm.Add(msg, isFinal, s.keep)
	emission := Emission{Update: update}
	if !any {
		return emission
	}

	view := s.view()
	closed, open := s.splitClosed(view)

	if len(closed) > 0 {
		emission.Finals = closed
		s.asm.TrimBefore(closed[len(closed)-1].EndTime)
		// The buffer shrank; whatever stays open is new content again.
		s.prevComparison = ""
	}

	if len(open) > 0 {
		current := s.comparisonTextOf(open)
		if current != s.prevComparison {
			emission.Partials = open
			s.prevComparison = current
		}
	}

	return emission
}

// splitClosed separates the leading run of closed segments from the still
// open tail. Only a prefix may close: the trim watermark is time ordered.
func (s *Segmenter) splitClosed(view segmentView) (closed, open []Segment) {
	latest := s.asm.LatestTime()
	for i, seg := range view.segments {
		if i != len(closed) {
			break // a previous segment stayed open; stop closing
		}
		if !seg.Annotations.Has(AnnotationStartsWithFinal, AnnotationEndsWithFinal) || seg.Annotations.Has(AnnotationHasPartial) {
			break
		}
		switch {
		case seg.Annotations.Has(AnnotationEndsWithEOS):
			closed = append(closed, seg)
		case i < len(view.segments)-1:
			// A later segment with words committed the speaker change.
			closed = append(closed, seg)
		case latest-seg.EndTime > s.cfg.MaxDelay:
			closed = append(closed, seg)
		}
	}
	open = view.segments[len(closed):]
	return closed, open
}

// Finalize force-closes every buffered segment, returning them as finals.
// Idempotent: a second call with no new words returns nothing.
func (s *Segmenter) Finalize() []Segment {
	view := s.view()
	if len(view.segments) == 0 {
		return nil
	}
	s.asm.TrimBefore(view.endTime)
	s.asm.Reset()
	s.prevComparison = ""
	return view.segments
}

// LastView returns the current segment grouping without side effects.
func (s *Segmenter) LastView() []Segment {
	return s.view().segments
}

// LatestTime returns the maximum word end time observed.
func (s *Segmenter) LatestTime() float64 { return s.asm.LatestTime() }

func (s *Segmenter) view() segmentView {
	return buildView(s.asm.Fragments(), s.delimiter, s.focus, s.cfg.MaxDelay, s.cfg.IncludeResults)
}

// comparisonTextOf renders segments for change detection under the cadence.
func (s *Segmenter) comparisonTextOf(segments []Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		switch s.cfg.EmitCadence {
		case CadenceWords:
			fmt.Fprintf(&b, "|%s|%s|", seg.SpeakerID, strippedText(seg.fragments, s.delimiter))
		case CadenceCompleteTiming:
			fmt.Fprintf(&b, "|%s|%s|%.3f-%.3f|", seg.SpeakerID, seg.Text, seg.StartTime, seg.EndTime)
		default:
			fmt.Fprintf(&b, "|%s|%s|", seg.SpeakerID, seg.Text)
		}
	}
	return b.String()
}
