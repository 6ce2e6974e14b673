package voice

import (
	"strings"
)

// Annotation is one derived property of a segment's word sequence.
type Annotation string

const (
	AnnotationHasPartial          Annotation = "has_partial"
	AnnotationHasFinal            Annotation = "has_final"
	AnnotationStartsWithFinal     Annotation = "starts_with_final"
	AnnotationEndsWithFinal       Annotation = "ends_with_final"
	AnnotationEndsWithEOS         Annotation = "ends_with_eos"
	AnnotationEndsWithPunctuation Annotation = "ends_with_punctuation"
	AnnotationFastSpeaker         Annotation = "fast_speaker"
	AnnotationSlowSpeaker         Annotation = "slow_speaker"
	AnnotationVerySlowSpeaker     Annotation = "very_slow_speaker"
	AnnotationHasDisfluency       Annotation = "has_disfluency"
	AnnotationStartsDisfluency    Annotation = "starts_with_disfluency"
	AnnotationEndsDisfluency      Annotation = "ends_with_disfluency"
	AnnotationOnlyPunctuation     Annotation = "only_punctuation"
	AnnotationNoText              Annotation = "no_text"
)

// Annotations is an ordered set of segment properties.
type Annotations []Annotation

// Has reports whether all given annotations are present.
func (a Annotations) Has(flags ...Annotation) bool {
	for _, f := range flags {
		if !a.contains(f) {
			return false
		}
	}
	return true
}

// Any reports whether at least one of the given annotations is present.
func (a Annotations) Any(flags ...Annotation) bool {
	for _, f := range flags {
		if a.contains(f) {
			return true
		}
	}
	return false
}

func (a Annotations) contains(f Annotation) bool {
	for _, have := range a {
		if have == f {
			return true
		}
	}
	return false
}

func (a *Annotations) add(f Annotation) {
	if !a.contains(f) {
		*a = append(*a, f)
	}
}

// Word is the per-word payload attached to segments when the configuration
// enables include_results. Values are copies; a retained Word never
// references pipeline state.
type Word struct {
	Text          string  `json:"text"`
	StartTime     float64 `json:"start_time"`
	EndTime       float64 `json:"end_time"`
	Confidence    float64 `json:"confidence"`
	IsFinal       bool    `json:"is_final"`
	SpeakerID     string  `json:"speaker_id,omitempty"`
	IsEOS         bool    `json:"is_eos,omitempty"`
	IsPunctuation bool    `json:"is_punctuation,omitempty"`
	IsDisfluency  bool    `json:"is_disfluency,omitempty"`
	Language      string  `json:"language,omitempty"`
}

// Segment is a contiguous run of words from one speaker, bounded by speaker
// change, sentence boundary, or inactivity.
type Segment struct {
	SpeakerID   string      `json:"speaker_id"`
	IsActive    bool        `json:"is_active"`
	Language    string      `json:"language,omitempty"`
	Text        string      `json:"text"`
	StartTime   float64     `json:"start_time"`
	EndTime     float64     `json:"end_time"`
	Annotations Annotations `json:"annotations"`
	Words       []Word      `json:"words,omitempty"`

	// fragments backs annotation and text derivation. Never exposed:
	// emitted segments carry copies only.
	fragments []fragment
}

// wordRate thresholds in words per minute, measured over the trailing
// five words.
const (
	verySlowWPM = 50
	slowWPM     = 100
	fastWPM     = 350
)

// segmentView is the result of one pass over the fragment buffer: the open
// segments in emission order plus the buffer extremes.
type segmentView struct {
	segments  []Segment
	startTime float64
	endTime   float64
}

func (v segmentView) partialCount() int {
	n := 0
	for _, seg := range v.segments {
		for _, frag := range seg.fragments {
			if !frag.isFinal {
				n++
			}
		}
	}
	return n
}

func (v segmentView) finalCount() int {
	n := 0
	for _, seg := range v.segments {
		for _, frag := range seg.fragments {
			if frag.isFinal {
				n++
			}
		}
	}
	return n
}

// buildView groups the fragment buffer into per-speaker segments. Fragments
// are consumed in arrival order; a new segment opens on speaker change, on a
// sentence boundary (the previous fragment closed a sentence), or when the
// inter-word gap exceeds maxIntraGap.
func buildView(fragments []fragment, delimiter string, focus FocusConfig, maxIntraGap float64, includeWords bool) segmentView {
	var groups [][]fragment
	var current []fragment

	for _, frag := range fragments {
		if len(current) > 0 {
			prev := current[len(current)-1]
			// Punctuation attaching to the previous word stays with it even
			// when it closes the sentence or omits a speaker.
			attachedPunct := frag.isPunct && frag.attachesTo == "previous"
			speakerChanged := frag.speaker != prev.speaker && !attachedPunct
			sentenceClosed := prev.isEOS && !attachedPunct
			gapExceeded := maxIntraGap > 0 && frag.startTime-prev.endTime > maxIntraGap
			if speakerChanged || sentenceClosed || gapExceeded {
				groups = append(groups, current)
				current = nil
			}
		}
		current = append(current, frag)
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}

	view := segmentView{}
	for _, group := range groups {
		seg, ok := segmentFromFragments(group, delimiter, focus, includeWords)
		if !ok {
			continue
		}
		view.segments = append(view.segments, seg)
	}
	if len(view.segments) > 0 {
		view.startTime = view.segments[0].StartTime
		view.endTime = view.segments[len(view.segments)-1].EndTime
	}
	return view
}

// segmentFromFragments assembles one segment. Orphan punctuation at the
// edges (attached to fragments outside the group) is dropped.
func segmentFromFragments(fragments []fragment, delimiter string, focus FocusConfig, includeWords bool) (Segment, bool) {
	if len(fragments) > 0 && fragments[0].attachesTo == "previous" {
		fragments = fragments[1:]
	}
	if len(fragments) > 0 && fragments[len(fragments)-1].attachesTo == "next" {
		fragments = fragments[:len(fragments)-1]
	}
	if len(fragments) == 0 {
		return Segment{}, false
	}

	startTime := fragments[0].startTime
	endTime := fragments[0].endTime
	for _, frag := range fragments {
		if frag.startTime < startTime {
			startTime = frag.startTime
		}
		if frag.endTime > endTime {
			endTime = frag.endTime
		}
	}

	seg := Segment{
		SpeakerID: fragments[0].speaker,
		IsActive:  isActiveSpeaker(fragments[0].speaker, focus),
		Language:  fragments[0].language,
		Text:      assembleText(fragments, delimiter),
		StartTime: startTime,
		EndTime:   endTime,
		fragments: fragments,
	}
	seg.Annotations = annotate(fragments)
	if includeWords {
		seg.Words = wordsOf(fragments)
	}
	return seg, true
}

// isActiveSpeaker applies the focus predicate: with no focus set every
// (non-ignored) speaker is active; otherwise only listed speakers are.
func isActiveSpeaker(speaker string, focus FocusConfig) bool {
	if len(focus.FocusSpeakers) == 0 {
		return true
	}
	for _, s := range focus.FocusSpeakers {
		if s == speaker {
			return true
		}
	}
	return false
}

// assembleText joins fragment contents, binding attached punctuation to its
// neighbour without a delimiter.
func assembleText(fragments []fragment, delimiter string) string {
	var b strings.Builder
	for i, frag := range fragments {
		if i > 0 && frag.attachesTo != "previous" {
			b.WriteString(delimiter)
		}
		b.WriteString(frag.content)
	}
	return b.String()
}

// strippedText joins word fragments only, for cadence comparison that
// ignores punctuation churn.
func strippedText(fragments []fragment, delimiter string) string {
	var b strings.Builder
	first := true
	for _, frag := range fragments {
		if !frag.isWord() {
			continue
		}
		if !first {
			b.WriteString(delimiter)
		}
		b.WriteString(frag.content)
		first = false
	}
	return b.String()
}

func wordsOf(fragments []fragment) []Word {
	out := make([]Word, 0, len(fragments))
	for _, frag := range fragments {
		out = append(out, Word{
			Text:          frag.content,
			StartTime:     frag.startTime,
			EndTime:       frag.endTime,
			Confidence:    frag.confidence,
			IsFinal:       frag.isFinal,
			SpeakerID:     frag.speaker,
			IsEOS:         frag.isEOS,
			IsPunctuation: frag.isPunct,
			IsDisfluency:  frag.isDisfluency,
			Language:      frag.language,
		})
	}
	return out
}

// annotate derives the annotation set from a segment's fragments. The
// derivation is pure: identical fragment sequences always produce identical
// annotations.
func annotate(fragments []fragment) Annotations {
	var result Annotations

	first := fragments[0]
	last := fragments[len(fragments)-1]
	var penultimate *fragment
	if len(fragments) > 1 {
		penultimate = &fragments[len(fragments)-2]
	}

	var words []fragment
	for _, frag := range fragments {
		if frag.isWord() {
			words = append(words, frag)
		}
	}
	if len(words) == 0 {
		result.add(AnnotationNoText)
	}

	onlyPunct := true
	for _, frag := range fragments {
		if !frag.isPunct {
			onlyPunct = false
			break
		}
	}
	if onlyPunct {
		result.add(AnnotationOnlyPunctuation)
	}

	hasPartial, hasFinal := false, false
	for _, frag := range fragments {
		if frag.isFinal {
			hasFinal = true
		} else {
			hasPartial = true
		}
	}
	if hasPartial {
		result.add(AnnotationHasPartial)
	}
	if hasFinal {
		result.add(AnnotationHasFinal)
	}
	if first.isFinal {
		result.add(AnnotationStartsWithFinal)
	}
	if last.isFinal {
		result.add(AnnotationEndsWithFinal)
	}

	if last.isEOS {
		result.add(AnnotationEndsWithEOS)
	}
	if last.isPunct {
		result.add(AnnotationEndsWithPunctuation)
	}

	for _, frag := range fragments {
		if frag.isDisfluency {
			result.add(AnnotationHasDisfluency)
			break
		}
	}
	if first.isDisfluency {
		result.add(AnnotationStartsDisfluency)
	}
	if last.isDisfluency {
		result.add(AnnotationEndsDisfluency)
	}
	// A trailing "um." still counts as ending on a disfluency.
	if penultimate != nil && penultimate.isDisfluency &&
		result.Any(AnnotationEndsWithEOS, AnnotationEndsWithPunctuation) {
		result.add(AnnotationEndsDisfluency)
	}

	if len(words) > 1 {
		recent := words
		if len(recent) > 5 {
			recent = recent[len(recent)-5:]
		}
		span := recent[len(recent)-1].endTime - recent[0].startTime
		if span > 0 {
			wpm := float64(len(recent)) / (span / 60.0)
			switch {
			case wpm < verySlowWPM:
				result.add(AnnotationVerySlowSpeaker)
			case wpm < slowWPM:
				result.add(AnnotationSlowSpeaker)
			case wpm > fastWPM:
				result.add(AnnotationFastSpeaker)
			}
		}
	}

	return result
}
