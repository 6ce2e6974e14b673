package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/auralis-ai/auralis/internal/observe"
	"github.com/auralis-ai/auralis/pkg/audio"
	"github.com/auralis-ai/auralis/pkg/rt"
)

// metricsInterval is the cadence of EventMetrics emissions.
const metricsInterval = 10 * time.Second

// Client is the voice agent facade: one realtime session plus the transcript
// assembler, segmentation engine, turn detector, and speaker registry,
// exposed behind a single typed event surface.
//
// Listener callbacks fire in receipt order from the socket: every inbound
// frame and timer callback is funnelled through one dispatch goroutine, so
// within a callback all pipeline state is observed atomically. A Client is
// single-use; create a new one per session.
type Client struct {
	cfg        Config
	conn       rt.ConnectionConfig
	auth       rt.Auth
	logger     *slog.Logger
	metrics    *observe.Metrics
	classifier Classifier

	session   *rt.Session
	emitter   *rt.EventEmitter[EventType, Event]
	segmenter *Segmenter
	registry  *SpeakerRegistry
	detector  *TurnDetector

	queue     chan func()
	queueDone chan struct{}
	stopOnce  sync.Once

	mu         sync.Mutex
	connected  bool
	totalBytes int64
	totalTime  float64
	lastTTFB   float64
	ttfbMark   float64

	// Dispatch-goroutine state: turn extent and speaking activity.
	turnStart      float64
	turnStartSet   bool
	lastEmittedEnd float64
	isSpeaking     bool
	currentSpeaker string
}

// Option customises a Client at construction.
type Option func(*Client)

// WithClientLogger sets the structured logger.
func WithClientLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientMetrics records pipeline counters on the given instruments.
func WithClientMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithConnection overrides the WebSocket connection settings (endpoint URL,
// timeouts, queue depth).
func WithConnection(conn rt.ConnectionConfig) Option {
	return func(c *Client) { c.conn = conn }
}

// WithClassifier installs the smart-turn classifier capability. Without one
// the smart policy downgrades to adaptive with a single warning.
func WithClassifier(classifier Classifier) Option {
	return func(c *Client) { c.classifier = classifier }
}

// NewClient validates cfg and assembles the pipeline. No connection is made
// until Connect.
func NewClient(auth rt.Auth, cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("voice: invalid config: %w", err)
	}

	c := &Client{
		cfg:       cfg,
		auth:      auth,
		logger:    slog.Default(),
		queue:     make(chan func(), 256),
		queueDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	registry, err := NewSpeakerRegistry(cfg.KnownSpeakers)
	if err != nil {
		return nil, err
	}
	c.registry = registry
	c.emitter = rt.NewEventEmitter[EventType, Event](c.logger)
	c.segmenter = NewSegmenter(cfg)
	c.detector = newTurnDetector(cfg, c.classifier, c.logger, c.enqueue)

	c.detector.onStart = func(turnID int, startTime float64) {
		c.emitter.Emit(EventStartOfTurn, Event{Type: EventStartOfTurn, TurnID: turnID, StartTime: startTime})
	}
	c.detector.onPredict = func(turnID int, ttl float64, reasons []string) {
		if c.metrics != nil {
			c.metrics.FinalizeDelay.Record(context.Background(), ttl)
		}
		c.emitter.Emit(EventEndOfTurnPrediction, Event{
			Type: EventEndOfTurnPrediction, TurnID: turnID, TTL: ttl, Reasons: reasons,
		})
	}
	c.detector.onClose = c.finalizeTurn

	return c, nil
}

// On registers a persistent listener.
func (c *Client) On(k EventType, fn rt.Handler[Event]) rt.ListenerID {
	return c.emitter.On(k, fn)
}

// Once registers a one-shot listener.
func (c *Client) Once(k EventType, fn rt.Handler[Event]) rt.ListenerID {
	return c.emitter.Once(k, fn)
}

// Off removes a listener registered with On or Once.
func (c *Client) Off(k EventType, id rt.ListenerID) {
	c.emitter.Off(k, id)
}

// Connect opens the realtime session and blocks until recognition has
// started. Listener registration should happen before Connect so no early
// events are missed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errors.New("voice: already connected")
	}
	c.connected = true
	c.mu.Unlock()

	sessionOpts := []rt.SessionOption{rt.WithLogger(c.logger)}
	if c.metrics != nil {
		sessionOpts = append(sessionOpts, rt.WithMetrics(c.metrics))
	}
	c.session = rt.NewSession(c.auth, c.conn, sessionOpts...)
	c.registerSessionHandlers()

	go c.runQueue()
	go c.runMetricsEmitter()

	if err := c.session.Connect(ctx, c.cfg.transcriptionConfig(), c.cfg.audioFormat()); err != nil {
		c.shutdown()
		return err
	}
	return nil
}

// registerSessionHandlers bridges the raw session events onto the dispatch
// queue. Handlers run on the session's read loop, so they only capture the
// frame and enqueue; ordering is preserved end to end.
func (c *Client) registerSessionHandlers() {
	c.session.Once(rt.ServerMessageRecognitionStarted, func(msg rt.ServerMessage) {
		c.enqueue(func() {
			c.segmenter.SetDelimiter(msg.LanguagePackInfo.Delimiter())
			c.emitter.Emit(EventRecognitionStarted, Event{Type: EventRecognitionStarted, Reason: msg.ID})
		})
	})
	c.session.On(rt.ServerMessageAddPartialTranscript, func(msg rt.ServerMessage) {
		c.enqueue(func() { c.handleTranscript(msg, false) })
	})
	c.session.On(rt.ServerMessageAddTranscript, func(msg rt.ServerMessage) {
		c.enqueue(func() { c.handleTranscript(msg, true) })
	})
	c.session.On(rt.ServerMessageEndOfUtterance, func(msg rt.ServerMessage) {
		c.enqueue(func() {
			c.emitter.Emit(EventEndOfUtterance, Event{Type: EventEndOfUtterance})
			c.detector.OnEndOfUtterance(c.lastActiveSegment(), c.segmenter.LatestTime())
		})
	})
	c.session.On(rt.ServerMessageSpeakersResult, func(msg rt.ServerMessage) {
		c.enqueue(func() {
			speakers := make([]KnownSpeaker, 0, len(msg.Speakers))
			for _, sp := range msg.Speakers {
				speakers = append(speakers, KnownSpeaker{Label: sp.Label, Identifiers: sp.Identifiers})
			}
			c.registry.ApplyResult(speakers)
			c.emitter.Emit(EventSpeakersResult, Event{Type: EventSpeakersResult, Speakers: speakers})
		})
	})
	c.session.On(rt.ServerMessageInfo, func(msg rt.ServerMessage) {
		c.enqueue(func() { c.emitter.Emit(EventInfo, Event{Type: EventInfo, Reason: msg.Reason}) })
	})
	c.session.On(rt.ServerMessageWarning, func(msg rt.ServerMessage) {
		c.enqueue(func() { c.emitter.Emit(EventWarning, Event{Type: EventWarning, Reason: msg.Reason}) })
	})
	c.session.On(rt.ServerMessageError, func(msg rt.ServerMessage) {
		c.enqueue(func() { c.emitter.Emit(EventError, Event{Type: EventError, Reason: msg.Reason}) })
	})
	c.session.On(rt.ServerMessageEndOfTranscript, func(msg rt.ServerMessage) {
		c.enqueue(func() { c.emitter.Emit(EventEndOfTranscript, Event{Type: EventEndOfTranscript}) })
	})
}

// SendAudio submits one PCM chunk. The chunk feeds the upstream socket, the
// smart-turn ring buffer, and the session time accounting.
func (c *Client) SendAudio(payload []byte) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return errors.New("voice: not connected")
	}
	c.mu.Unlock()

	if err := c.session.SendAudio(payload); err != nil {
		return err
	}
	c.detector.PushAudio(payload)

	c.mu.Lock()
	c.totalBytes += int64(len(payload))
	c.totalTime += audio.Duration(len(payload), c.cfg.SampleRate, c.cfg.audioFormat().SampleWidth())
	c.mu.Unlock()
	return nil
}

// SendControl enqueues a raw control frame on the session's control channel.
func (c *Client) SendControl(msg any) error {
	return c.session.SendControl(msg)
}

// RequestSpeakers asks the service for the current speaker identifiers.
// The response arrives as an EventSpeakersResult.
func (c *Client) RequestSpeakers() error {
	return c.SendControl(rt.GetSpeakersMessage{Message: rt.ClientMessageGetSpeakers})
}

// UpdateSpeakerFocus replaces the focus configuration mid-session. Already
// buffered words are not re-filtered.
func (c *Client) UpdateSpeakerFocus(focus FocusConfig) error {
	if focus.Mode != "" && !focus.Mode.IsValid() {
		return fmt.Errorf("voice: unknown focus mode %q", focus.Mode)
	}
	for _, f := range focus.FocusSpeakers {
		for _, ig := range focus.IgnoreSpeakers {
			if f == ig {
				return fmt.Errorf("voice: speaker %q in both focus and ignore sets", f)
			}
		}
	}
	c.enqueue(func() { c.segmenter.SetFocus(focus) })
	return nil
}

// Finalize flushes buffered segments. With endOfTurn set, the current turn
// is closed and EndOfTurn emitted — this is how the external policy ends
// turns.
func (c *Client) Finalize(endOfTurn bool) {
	c.enqueue(func() {
		if endOfTurn {
			c.detector.ForceClose()
			return
		}
		c.flushSegments()
	})
}

// Disconnect drains the session gracefully: the upstream is closed with an
// EndOfStream carrying the final sequence number, queued frames keep flowing
// until acknowledged, and the socket closes. Cancelling ctx promotes to a
// hard close.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.mu.Unlock()

	flushed := make(chan struct{})
	c.enqueue(func() {
		if c.detector.HasOpenTurn() {
			c.detector.ForceClose()
		} else {
			c.flushSegments()
		}
		close(flushed)
	})
	select {
	case <-flushed:
	case <-ctx.Done():
	}

	err := c.session.Finalize(ctx)
	if errors.Is(err, rt.ErrDraining) || errors.Is(err, rt.ErrClosed) {
		err = nil
	}
	c.session.Close()
	c.shutdown()
	return err
}

// Session exposes the underlying realtime session for state inspection.
func (c *Client) Session() *rt.Session { return c.session }

// Registry exposes the speaker registry.
func (c *Client) Registry() *SpeakerRegistry { return c.registry }

// TurnPolicy returns the active (possibly downgraded) turn policy.
func (c *Client) TurnPolicy() TurnPolicy { return c.detector.Policy() }

// ---- internals ----

// enqueue puts fn on the ordered dispatch queue. Dropped silently after
// shutdown.
func (c *Client) enqueue(fn func()) {
	select {
	case <-c.queueDone:
	case c.queue <- fn:
	}
}

func (c *Client) runQueue() {
	for {
		select {
		case fn := <-c.queue:
			fn()
		case <-c.queueDone:
			// Drain what is already queued, then stop.
			for {
				select {
				case fn := <-c.queue:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (c *Client) runMetricsEmitter() {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.emitter.ListenerCount(EventMetrics) == 0 {
				continue
			}
			c.mu.Lock()
			totals := SessionTotals{
				TotalTime:  c.totalTime,
				TotalBytes: c.totalBytes,
				LastTTFB:   c.lastTTFB,
			}
			c.mu.Unlock()
			c.enqueue(func() {
				c.emitter.Emit(EventMetrics, Event{Type: EventMetrics, Totals: &totals})
			})
		case <-c.queueDone:
			return
		}
	}
}

func (c *Client) shutdown() {
	c.stopOnce.Do(func() {
		close(c.queueDone)
		c.detector.Stop()
	})
}

// handleTranscript drives the assembler, segmentation, speaking-state, and
// turn-activity updates for one transcript frame.
func (c *Client) handleTranscript(msg rt.ServerMessage, isFinal bool) {
	emission := c.segmenter.ProcessTranscript(msg, isFinal)

	if !isFinal {
		c.updateTTFB(msg)
		c.updateSpeakingState(msg)
	}

	if words, start := c.acceptedWords(msg); words {
		c.detector.OnWords(start)
	}

	if len(emission.Finals) > 0 {
		c.emitSegments(EventAddSegment, emission.Finals)
	}
	if len(emission.Partials) > 0 {
		c.emitSegments(EventAddPartialSegment, emission.Partials)
	}
}

// acceptedWords reports whether the frame carried word fragments that pass
// the focus filter, and the earliest start time among them.
func (c *Client) acceptedWords(msg rt.ServerMessage) (bool, float64) {
	found := false
	start := 0.0
	for _, res := range msg.Results {
		if res.Type != "word" || len(res.Alternatives) == 0 {
			continue
		}
		alt := res.Alternatives[0]
		if alt.Content == "" {
			continue
		}
		if alt.Speaker != "" {
			if internalLabelPattern.MatchString(alt.Speaker) || !c.segmenter.keep(alt.Speaker) {
				continue
			}
		}
		if !found || res.StartTime < start {
			start = res.StartTime
		}
		found = true
	}
	return found, start
}

// updateSpeakingState derives SpeakerStarted / SpeakerEnded events from the
// partial words of active speakers.
func (c *Client) updateSpeakingState(msg rt.ServerMessage) {
	focus := c.segmenter.Focus()
	var latestSpeaker string
	var firstStart, lastEnd float64
	active := 0
	for _, res := range msg.Results {
		if res.Type != "word" || len(res.Alternatives) == 0 {
			continue
		}
		alt := res.Alternatives[0]
		if alt.Content == "" {
			continue
		}
		if alt.Speaker != "" {
			if internalLabelPattern.MatchString(alt.Speaker) || !c.segmenter.keep(alt.Speaker) {
				continue
			}
			if len(focus.FocusSpeakers) > 0 && !isActiveSpeaker(alt.Speaker, focus) {
				continue
			}
		}
		if active == 0 {
			firstStart = res.StartTime
		}
		latestSpeaker = alt.Speaker
		if res.EndTime > lastEnd {
			lastEnd = res.EndTime
		}
		active++
	}

	speaking := active > 0

	// A different speaker taking over mid-speech emits an ended/started pair.
	if speaking && c.isSpeaking && latestSpeaker != c.currentSpeaker && c.currentSpeaker != "" {
		c.emitter.Emit(EventSpeakerEnded, Event{
			Type: EventSpeakerEnded, SpeakerID: c.resolve(c.currentSpeaker), IsActive: false, Time: lastEnd,
		})
		c.emitter.Emit(EventSpeakerStarted, Event{
			Type: EventSpeakerStarted, SpeakerID: c.resolve(latestSpeaker), IsActive: true, Time: lastEnd,
		})
		c.currentSpeaker = latestSpeaker
		return
	}

	if speaking == c.isSpeaking {
		return
	}
	c.isSpeaking = speaking
	if speaking {
		c.currentSpeaker = latestSpeaker
		c.emitter.Emit(EventSpeakerStarted, Event{
			Type: EventSpeakerStarted, SpeakerID: c.resolve(latestSpeaker), IsActive: true, Time: firstStart,
		})
	} else {
		speaker := c.currentSpeaker
		c.currentSpeaker = ""
		c.emitter.Emit(EventSpeakerEnded, Event{
			Type: EventSpeakerEnded, SpeakerID: c.resolve(speaker), IsActive: false, Time: c.segmenter.LatestTime(),
		})
	}
}

// updateTTFB measures the lag between submitted audio and the transcription
// covering it.
func (c *Client) updateTTFB(msg rt.ServerMessage) {
	if msg.Metadata == nil || len(msg.Results) == 0 {
		return
	}
	end := msg.Metadata.EndTime
	c.mu.Lock()
	defer c.mu.Unlock()
	if end <= c.ttfbMark {
		return
	}
	ttfb := (c.totalTime - end) * 1000.0
	if ttfb <= 0 {
		return
	}
	c.ttfbMark = end
	c.lastTTFB = ttfb
	if c.metrics != nil {
		c.metrics.TTFB.Record(context.Background(), ttfb)
	}
}

// emitSegments publishes a segment batch, mapping engine speaker ids to
// registry labels on the way out.
func (c *Client) emitSegments(kind EventType, segments []Segment) {
	out := make([]Segment, len(segments))
	copy(out, segments)
	for i := range out {
		out[i].SpeakerID = c.resolve(out[i].SpeakerID)
		out[i].fragments = nil
	}
	evt := Event{
		Type:      kind,
		Segments:  out,
		StartTime: out[0].StartTime,
		EndTime:   out[len(out)-1].EndTime,
	}
	if kind == EventAddSegment {
		if !c.turnStartSet {
			c.turnStart = out[0].StartTime
			c.turnStartSet = true
		}
		c.lastEmittedEnd = out[len(out)-1].EndTime
		if c.metrics != nil {
			c.metrics.SegmentsEmitted.Add(context.Background(), int64(len(out)))
		}
	} else if !c.turnStartSet {
		c.turnStart = out[0].StartTime
		c.turnStartSet = true
	}
	c.emitter.Emit(kind, evt)
}

// flushSegments force-finalizes everything buffered.
func (c *Client) flushSegments() {
	finals := c.segmenter.Finalize()
	if len(finals) > 0 {
		c.emitSegments(EventAddSegment, finals)
	}
}

// finalizeTurn is the detector's close callback: flush the buffer and emit
// exactly one EndOfTurn.
func (c *Client) finalizeTurn(turnID int) {
	c.flushSegments()
	evt := Event{
		Type:      EventEndOfTurn,
		TurnID:    turnID,
		StartTime: c.turnStart,
		EndTime:   c.lastEmittedEnd,
	}
	c.turnStartSet = false
	c.turnStart = 0
	if c.metrics != nil {
		c.metrics.TurnsEmitted.Add(context.Background(), 1)
	}
	c.emitter.Emit(EventEndOfTurn, evt)
}

// lastActiveSegment returns a copy of the most recent active segment, or nil.
func (c *Client) lastActiveSegment() *Segment {
	view := c.segmenter.LastView()
	for i := len(view) - 1; i >= 0; i-- {
		if view[i].IsActive {
			seg := view[i]
			return &seg
		}
	}
	return nil
}

func (c *Client) resolve(speakerID string) string {
	if speakerID == "" {
		return speakerID
	}
	return c.registry.Resolve(speakerID)
}
