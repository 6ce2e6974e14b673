package voice

import (
	"context"
	"log/slog"
	"time"

	"github.com/auralis-ai/auralis/pkg/audio"
)

// minQuiescence is the word-free period required between a close decision
// and the EndOfTurn emission.
const minQuiescence = 50 * time.Millisecond

// turnPhase tracks where the current turn is in its lifecycle.
type turnPhase int

const (
	turnIdle turnPhase = iota // no open turn
	turnOpen
	turnWindow  // adaptive/smart prediction window running
	turnClosing // close decided, waiting out quiescence
)

// TurnDetector decides when the current speaker has finished a conversational
// turn and drives exactly one EndOfTurn per turn.
//
// The detector is driven from the client's dispatch goroutine: every entry
// point and every timer callback runs there (timers re-enqueue themselves via
// the exec hook), so state needs no locking. The audio ring for the smart
// policy is the only shared structure and synchronises itself.
type TurnDetector struct {
	policy     TurnPolicy
	trigger    float64
	maxDelay   float64
	ceiling    float64
	threshold  float64
	window     float64
	sampleRate int

	classifier Classifier
	ring       *audio.Ring
	logger     *slog.Logger

	// exec enqueues a callback onto the client's dispatch queue.
	exec func(func())

	// onStart fires when a turn opens. onPredict announces an adaptive
	// prediction window. onClose finalizes the turn downstream.
	onStart   func(turnID int, startTime float64)
	onPredict func(turnID int, ttl float64, reasons []string)
	onClose   func(turnID int)

	phase        turnPhase
	turnID       int
	predTimer    *time.Timer
	quiesceTimer *time.Timer
	ceilingTimer *time.Timer
}

// newTurnDetector wires a detector for the given config. The smart policy
// downgrades to adaptive with a single warning when no classifier is
// available or the classifier fails to load.
func newTurnDetector(cfg Config, classifier Classifier, logger *slog.Logger, exec func(func())) *TurnDetector {
	d := &TurnDetector{
		policy:     cfg.TurnPolicy,
		trigger:    cfg.EndOfUtteranceSilenceTrigger,
		maxDelay:   cfg.MaxDelay,
		ceiling:    cfg.EndOfUtteranceMaxDelay,
		threshold:  cfg.SmartTurnThreshold,
		window:     cfg.AudioBufferSeconds,
		sampleRate: cfg.SampleRate,
		classifier: classifier,
		logger:     logger,
		exec:       exec,
	}

	if d.policy == TurnPolicySmart {
		switch {
		case classifier == nil:
			logger.Warn("smart turn classifier unavailable, falling back to adaptive policy")
			d.policy = TurnPolicyAdaptive
			d.classifier = nil
		default:
			if err := classifier.Load(context.Background()); err != nil {
				logger.Warn("smart turn classifier failed to load, falling back to adaptive policy", "error", err)
				d.policy = TurnPolicyAdaptive
				d.classifier = nil
			} else {
				frameSize := cfg.SampleRate / 50 // 20ms frames
				d.ring = audio.NewRing(cfg.SampleRate, frameSize, cfg.audioFormat().SampleWidth(), d.window)
			}
		}
	}
	return d
}

// Policy returns the active (possibly downgraded) policy.
func (d *TurnDetector) Policy() TurnPolicy { return d.policy }

// TurnID returns the id the next EndOfTurn will carry.
func (d *TurnDetector) TurnID() int { return d.turnID }

// PushAudio appends PCM to the smart-turn ring buffer. Never blocks; a
// no-op outside the smart policy.
func (d *TurnDetector) PushAudio(payload []byte) {
	if d.ring != nil {
		d.ring.PutBytes(payload)
	}
}

// OnWords notifies the detector of word activity. New words open a turn when
// none is open, cancel an adaptive prediction window, and restart the
// quiescence countdown of a pending close.
func (d *TurnDetector) OnWords(startTime float64) {
	switch d.phase {
	case turnIdle:
		d.phase = turnOpen
		d.startCeiling()
		if d.onStart != nil {
			d.onStart(d.turnID, startTime)
		}
	case turnWindow:
		d.stopTimer(&d.predTimer)
		d.phase = turnOpen
	case turnClosing:
		// The close decision stands; the word restarts quiescence.
		d.stopTimer(&d.quiesceTimer)
		d.startQuiescence()
	}
}

// OnEndOfUtterance applies the active policy to the server's endpointing
// signal. lastSegment is the most recent active segment, or nil when the
// buffer is empty.
func (d *TurnDetector) OnEndOfUtterance(lastSegment *Segment, latestTime float64) {
	if d.phase == turnIdle || d.phase == turnClosing {
		return
	}
	switch d.policy {
	case TurnPolicyFixed:
		d.requestClose()
	case TurnPolicyAdaptive:
		d.openWindow(lastSegment)
	case TurnPolicySmart:
		d.predictSmartTurn(latestTime)
	case TurnPolicyExternal:
		// Only an explicit Finalize closes a turn.
	}
}

// ForceClose closes the current turn immediately (external policy finalize
// or session teardown). A no-op when no turn is open.
func (d *TurnDetector) ForceClose() {
	if d.phase == turnIdle {
		return
	}
	d.closeTurn()
}

// HasOpenTurn reports whether a turn is currently open.
func (d *TurnDetector) HasOpenTurn() bool { return d.phase != turnIdle }

// Stop cancels all timers. The detector must not be used afterwards.
func (d *TurnDetector) Stop() {
	d.stopTimer(&d.predTimer)
	d.stopTimer(&d.quiesceTimer)
	d.stopTimer(&d.ceilingTimer)
}

// openWindow computes the adaptive prediction window and schedules the close.
func (d *TurnDetector) openWindow(lastSegment *Segment) {
	ttl, reasons := d.finalizeDelay(lastSegment)
	if d.onPredict != nil {
		d.onPredict(d.turnID, ttl, reasons)
	}
	d.phase = turnWindow
	d.stopTimer(&d.predTimer)
	d.predTimer = time.AfterFunc(secondsToDuration(ttl), func() {
		d.exec(func() {
			if d.phase == turnWindow {
				d.requestClose()
			}
		})
	})
}

// finalizeDelay derives the prediction window length from the trailing
// segment's content. The result is always within [trigger, maxDelay].
func (d *TurnDetector) finalizeDelay(lastSegment *Segment) (float64, []string) {
	multiplier := 1.0
	var reasons []string
	apply := func(delta float64, reason string) {
		multiplier += delta
		reasons = append(reasons, reason)
	}

	if lastSegment == nil {
		apply(0, "no_segments")
	} else {
		ann := lastSegment.Annotations
		switch {
		case ann.Has(AnnotationEndsDisfluency):
			apply(2.5, "ends_with_disfluency")
		case ann.Has(AnnotationHasDisfluency):
			apply(0.25, "has_disfluency")
		}
		if ann.Has(AnnotationVerySlowSpeaker) {
			apply(3.0, "very_slow_speaker")
		} else if ann.Has(AnnotationSlowSpeaker) {
			apply(2.0, "slow_speaker")
		}
		if !ann.Has(AnnotationEndsWithPunctuation) {
			apply(1.0, "no_trailing_punctuation")
		}
		if ann.Has(AnnotationEndsWithEOS) {
			apply(-0.3, "ends_with_eos")
		}
	}

	ttl := d.trigger * multiplier
	if ttl < d.trigger {
		ttl = d.trigger
	}
	if ttl > d.maxDelay {
		ttl = d.maxDelay
	}
	return ttl, reasons
}

// requestClose starts the quiescence countdown. EndOfTurn fires only after
// minQuiescence passes without a word.
func (d *TurnDetector) requestClose() {
	if d.phase == turnIdle || d.phase == turnClosing {
		return
	}
	d.phase = turnClosing
	d.stopTimer(&d.predTimer)
	d.startQuiescence()
}

func (d *TurnDetector) startQuiescence() {
	d.quiesceTimer = time.AfterFunc(minQuiescence, func() {
		d.exec(func() {
			if d.phase == turnClosing {
				d.closeTurn()
			}
		})
	})
}

// startCeiling arms the hard per-turn ceiling: no turn stays open beyond
// EndOfUtteranceMaxDelay regardless of policy.
func (d *TurnDetector) startCeiling() {
	d.stopTimer(&d.ceilingTimer)
	id := d.turnID
	d.ceilingTimer = time.AfterFunc(secondsToDuration(d.ceiling), func() {
		d.exec(func() {
			if d.phase != turnIdle && d.turnID == id {
				d.logger.Warn("turn exceeded end_of_utterance_max_delay, force closing", "turn_id", id)
				d.closeTurn()
			}
		})
	})
}

// closeTurn emits the EndOfTurn downstream exactly once and resets for the
// next turn.
func (d *TurnDetector) closeTurn() {
	d.stopTimer(&d.predTimer)
	d.stopTimer(&d.quiesceTimer)
	d.stopTimer(&d.ceilingTimer)
	id := d.turnID
	d.turnID++
	d.phase = turnIdle
	if d.onClose != nil {
		d.onClose(id)
	}
}

// predictSmartTurn runs the classifier off the dispatch goroutine. A
// probability at or above the threshold requests the close; a lower one
// leaves the turn open. An inference error falls back to an adaptive window.
func (d *TurnDetector) predictSmartTurn(latestTime float64) {
	pcm := d.ring.Frames(latestTime-d.window, latestTime+0.1)
	go func() {
		prob, err := d.classifier.Infer(context.Background(), pcm, d.sampleRate)
		d.exec(func() {
			if d.phase != turnOpen {
				return
			}
			if err != nil {
				d.logger.Warn("smart turn inference failed", "error", err)
				d.openWindow(nil)
				return
			}
			if prob >= d.threshold {
				d.requestClose()
			}
			// Below threshold: the speaker is predicted to continue; wait
			// for the next EndOfUtterance.
		})
	}()
}

func (d *TurnDetector) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
