package voice

import (
	"sort"

	"github.com/auralis-ai/auralis/pkg/rt"
)

// fragment is one word or punctuation mark in the working buffer. Fragments
// are the unit of reconciliation: partials are replaced wholesale by the next
// batch, finals are committed and survive.
type fragment struct {
	idx          int
	startTime    float64
	endTime      float64
	language     string
	kind         string
	isEOS        bool
	isFinal      bool
	isDisfluency bool
	isPunct      bool
	attachesTo   string
	content      string
	speaker      string
	confidence   float64
}

// isWord reports whether the fragment is a spoken word.
func (f fragment) isWord() bool { return f.kind == "word" }

// WordsUpdate summarises one assembler mutation for downstream consumers.
type WordsUpdate struct {
	// NewFinals is the number of final fragments committed by this batch.
	NewFinals int
	// RevisedPartials is the number of partial fragments now in the buffer.
	RevisedPartials int
	// LatestTime is the maximum end time seen across the whole session.
	LatestTime float64
}

// Assembler maintains the per-session word buffer, reconciling partial
// batches with finals.
//
// Every batch drops all buffered partials, whether or not they overlap the
// new words: a partial batch replaces them, and a final batch commits its
// words in their place. Finals arriving before their
// partials are written directly; repeated identical finals are idempotent
// because equal fragments collapse during dedup. Fragments before the trim
// watermark never re-enter the buffer.
//
// The assembler is not safe for concurrent use: the client serialises all
// access on its dispatch queue.
type Assembler struct {
	fragments  []fragment
	nextIdx    int
	trimBefore float64
	latestTime float64

	disfluencies map[string]bool
}

// NewAssembler creates an empty assembler for the given language. The
// language selects the built-in disfluency vocabulary used when the engine
// does not tag disfluencies itself.
func NewAssembler(language string) *Assembler {
	return &Assembler{disfluencies: disfluencySet(language)}
}

// disfluencySet returns the closed set of filler words for a language.
func disfluencySet(language string) map[string]bool {
	switch language {
	case "de":
		return map[string]bool{"äh": true, "ähm": true, "hm": true}
	case "fr":
		return map[string]bool{"euh": true, "heu": true, "hein": true}
	case "es":
		return map[string]bool{"eh": true, "este": true, "em": true}
	default:
		return map[string]bool{"um": true, "uh": true, "er": true, "erm": true, "hmm": true, "mm": true}
	}
}

// Add ingests one AddPartialTranscript or AddTranscript frame. keep decides
// per speaker whether words enter the buffer at all (focus/ignore policy);
// a nil keep admits everything. Returns the resulting update summary and
// whether the buffer holds any fragments afterwards.
func (a *Assembler) Add(msg rt.ServerMessage, isFinal bool, keep func(speaker string) bool) (WordsUpdate, bool) {
	var incoming []fragment

	for _, res := range msg.Results {
		if len(res.Alternatives) == 0 {
			continue
		}
		alt := res.Alternatives[0]
		if alt.Content == "" {
			continue
		}

		frag := fragment{
			idx:          a.nextIdx,
			startTime:    res.StartTime,
			endTime:      res.EndTime,
			language:     alt.Language,
			kind:         res.Type,
			isEOS:        res.IsEOS,
			isFinal:      isFinal,
			isDisfluency: alt.IsDisfluency() || a.disfluencies[alt.Content],
			isPunct:      res.Type == "punctuation",
			attachesTo:   res.AttachesTo,
			content:      alt.Content,
			speaker:      alt.Speaker,
			confidence:   alt.Confidence,
		}
		a.nextIdx++

		if frag.startTime < a.trimBefore {
			continue
		}
		if frag.speaker != "" {
			if internalLabelPattern.MatchString(frag.speaker) {
				continue
			}
			if keep != nil && !keep(frag.speaker) {
				continue
			}
		}

		incoming = append(incoming, frag)
		if frag.endTime > a.latestTime {
			a.latestTime = frag.endTime
		}
	}

	// Finals survive; partials are dropped and replaced by this batch.
	retained := a.fragments[:0:0]
	for _, frag := range a.fragments {
		if frag.isFinal && frag.startTime >= a.trimBefore {
			retained = append(retained, frag)
		}
	}

	if isFinal {
		// Duplicate finals (same range, speaker, content) are idempotent.
		incoming = dedupFinals(retained, incoming)
	}

	a.fragments = append(retained, incoming...)
	sort.SliceStable(a.fragments, func(i, j int) bool {
		return a.fragments[i].idx < a.fragments[j].idx
	})

	// A leading punctuation mark attached to a trimmed-away predecessor has
	// nothing to bind to.
	if len(a.fragments) > 0 && a.fragments[0].isPunct && a.fragments[0].attachesTo == "previous" {
		a.fragments = a.fragments[1:]
	}

	update := WordsUpdate{LatestTime: a.latestTime}
	if isFinal {
		update.NewFinals = len(incoming)
	}
	for _, frag := range a.fragments {
		if !frag.isFinal {
			update.RevisedPartials++
		}
	}
	return update, len(a.fragments) > 0
}

// dedupFinals drops incoming finals that already exist in the buffer.
func dedupFinals(existing, incoming []fragment) []fragment {
	if len(existing) == 0 {
		return incoming
	}
	seen := make(map[finalKey]bool, len(existing))
	for _, frag := range existing {
		if frag.isFinal {
			seen[keyOf(frag)] = true
		}
	}
	out := incoming[:0:0]
	for _, frag := range incoming {
		if seen[keyOf(frag)] {
			continue
		}
		out = append(out, frag)
	}
	return out
}

type finalKey struct {
	start, end float64
	speaker    string
	content    string
}

func keyOf(f fragment) finalKey {
	return finalKey{start: f.startTime, end: f.endTime, speaker: f.speaker, content: f.content}
}

// Fragments returns a copy of the current buffer in arrival order.
func (a *Assembler) Fragments() []fragment {
	out := make([]fragment, len(a.fragments))
	copy(out, a.fragments)
	return out
}

// TrimBefore discards fragments that start before t and prevents earlier
// arrivals from re-entering the buffer.
func (a *Assembler) TrimBefore(t float64) {
	if t <= a.trimBefore {
		return
	}
	a.trimBefore = t
	kept := a.fragments[:0:0]
	for _, frag := range a.fragments {
		if frag.startTime >= t {
			kept = append(kept, frag)
		}
	}
	a.fragments = kept
}

// LatestTime returns the maximum end time observed across the session.
func (a *Assembler) LatestTime() float64 { return a.latestTime }

// Len returns the number of fragments currently buffered.
func (a *Assembler) Len() int { return len(a.fragments) }

// Reset drops the whole buffer but keeps the trim watermark and counters.
func (a *Assembler) Reset() { a.fragments = nil }
