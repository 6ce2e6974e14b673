package voice

import (
	"fmt"
	"sync"
)

// SpeakerRegistry maps engine-assigned speaker ids (S1, S2, ...) to
// user-visible labels. Pre-enrolled speakers come from the configuration;
// SpeakersResult frames merge in identifiers discovered mid-session.
//
// Mappings are advisory: they apply to segments emitted after the mapping
// exists and never rewrite previously emitted segments.
type SpeakerRegistry struct {
	mu sync.Mutex
	// byLabel holds every known speaker keyed by label.
	byLabel map[string]KnownSpeaker
	// byEngineID maps an engine id to the label the service attributed it to.
	byEngineID map[string]string
}

// NewSpeakerRegistry creates a registry pre-populated with known speakers.
// Labels using the reserved S<N> pattern are rejected.
func NewSpeakerRegistry(known []KnownSpeaker) (*SpeakerRegistry, error) {
	r := &SpeakerRegistry{
		byLabel:    make(map[string]KnownSpeaker),
		byEngineID: make(map[string]string),
	}
	for _, ks := range known {
		if err := r.Enroll(ks); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Enroll adds or replaces a known speaker.
func (r *SpeakerRegistry) Enroll(ks KnownSpeaker) error {
	if ks.Label == "" {
		return fmt.Errorf("voice: speaker label must not be empty")
	}
	if reservedLabelPattern.MatchString(ks.Label) {
		return fmt.Errorf("voice: speaker label %q uses the reserved S<N> pattern", ks.Label)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byLabel[ks.Label] = ks
	return nil
}

// ApplyResult merges a SpeakersResult frame. Labels carried by the frame
// that match an engine id pattern are bound to enrolled labels via shared
// identifiers; fresh labels are recorded as-is.
func (r *SpeakerRegistry) ApplyResult(speakers []KnownSpeaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sp := range speakers {
		if !reservedLabelPattern.MatchString(sp.Label) {
			// The service already attributed a user label.
			r.byLabel[sp.Label] = sp
			continue
		}
		// Engine id: bind to an enrolled label sharing an identifier.
		if label, ok := r.matchIdentifiers(sp.Identifiers); ok {
			r.byEngineID[sp.Label] = label
		}
	}
}

// matchIdentifiers finds an enrolled label sharing any identifier.
// Must be called with r.mu held.
func (r *SpeakerRegistry) matchIdentifiers(identifiers []string) (string, bool) {
	for _, ks := range r.byLabel {
		for _, have := range ks.Identifiers {
			for _, want := range identifiers {
				if have == want {
					return ks.Label, true
				}
			}
		}
	}
	return "", false
}

// Resolve returns the user label for an engine speaker id, or the id itself
// when no mapping exists.
func (r *SpeakerRegistry) Resolve(speakerID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if label, ok := r.byEngineID[speakerID]; ok {
		return label
	}
	return speakerID
}

// Known returns a copy of all known speakers.
func (r *SpeakerRegistry) Known() []KnownSpeaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]KnownSpeaker, 0, len(r.byLabel))
	for _, ks := range r.byLabel {
		out = append(out, ks)
	}
	return out
}
