package rt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/auralis-ai/auralis/internal/observe"
)

// State is the lifecycle phase of a Session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStarted    State = "started"
	StateDraining   State = "draining"
	StateClosed     State = "closed"
)

// outFrame is one queued outbound frame. Text frames travelling through the
// audio queue (EndOfStream) preserve their position relative to audio.
type outFrame struct {
	data []byte
	text bool
}

// Session is a single full-duplex realtime transcription session.
//
// A Session exclusively owns its WebSocket connection. All outbound frames
// funnel through one writer goroutine: a control queue (prioritised) and a
// bounded audio queue share the socket without interleaving partial frames.
// Inbound frames are decoded by one reader goroutine and delivered to
// listeners in receipt order.
//
// Sessions are one-shot: once closed (gracefully or by failure) a new
// Session must be created. Multiple independent Sessions may run
// concurrently and share no state.
type Session struct {
	auth    Auth
	cfg     ConnectionConfig
	logger  *slog.Logger
	metrics *observe.Metrics
	emitter *EventEmitter[ServerMessageType, ServerMessage]

	requestID string

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	sessionID string
	langPack  LanguagePackInfo
	baseTime  time.Time
	seqSent   uint64
	seqAcked  uint64
	lastSeq   uint64
	eotSeen   bool
	termErr   error

	audioCh   chan outFrame
	controlCh chan []byte
	started   chan struct{}
	drained   chan struct{}
	done      chan struct{}
	failOnce  sync.Once
	closeOnce sync.Once
	loops     *errgroup.Group
}

// SessionOption customises a Session at construction.
type SessionOption func(*Session)

// WithLogger sets the structured logger used by the session.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records session counters on the given instruments.
func WithMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// NewSession creates an idle session. Connect must be called before any
// send operation.
func NewSession(auth Auth, cfg ConnectionConfig, opts ...SessionOption) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		auth:      auth,
		cfg:       cfg,
		logger:    slog.Default(),
		requestID: uuid.NewString(),
		state:     StateIdle,
		audioCh:   make(chan outFrame, cfg.AudioQueueDepth),
		controlCh: make(chan []byte, 16),
		started:   make(chan struct{}),
		drained:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.emitter = NewEventEmitter[ServerMessageType, ServerMessage](s.logger)
	return s
}

// On registers a persistent listener for the given server message kind.
func (s *Session) On(k ServerMessageType, fn Handler[ServerMessage]) ListenerID {
	return s.emitter.On(k, fn)
}

// Once registers a one-shot listener for the given server message kind.
func (s *Session) Once(k ServerMessageType, fn Handler[ServerMessage]) ListenerID {
	return s.emitter.Once(k, fn)
}

// Off removes a listener registered with On or Once.
func (s *Session) Off(k ServerMessageType, id ListenerID) {
	s.emitter.Off(k, id)
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the server-assigned session id, available once started.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// LanguagePack returns the language pack info from RecognitionStarted.
func (s *Session) LanguagePack() LanguagePackInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.langPack
}

// BaseTime is the wall-clock instant RecognitionStarted was received.
// Transcript times are seconds relative to it.
func (s *Session) BaseTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseTime
}

// AudioSeqSent returns the count of binary frames accepted for transmission.
func (s *Session) AudioSeqSent() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqSent
}

// AudioSeqAcked returns the highest AudioAdded sequence number observed.
func (s *Session) AudioSeqAcked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqAcked
}

// Err returns the terminal error of a failed session, or nil after a clean
// close or while the session is still live.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termErr
}

// Connect dials the endpoint, performs the upgrade with the auth credential,
// sends StartRecognition, and waits for RecognitionStarted. On return the
// session is started and accepts audio.
//
// TCP/TLS dial failures are retried with exponential backoff up to
// cfg.DialRetries times. Auth rejections are never retried.
func (s *Session) Connect(ctx context.Context, tc TranscriptionConfig, af AudioFormat) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return sessionErr(KindProtocol, "connect on non-idle session", nil)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpenTimeout)
	defer cancel()

	credential, err := s.auth.Credential(ctx)
	if err != nil {
		s.abandon()
		return sessionErr(KindAuth, "obtain credential", err)
	}

	endpoint, headers, err := s.prepareDial(credential)
	if err != nil {
		s.abandon()
		return err
	}

	conn, err := s.dialWithRetry(ctx, endpoint, headers)
	if err != nil {
		s.abandon()
		return err
	}
	// Audio frames can exceed the library default read limit on echo-style
	// test servers; transcripts are small but vocab-heavy configs are not.
	conn.SetReadLimit(1 << 22)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	start := StartRecognitionMessage{
		Message:             ClientMessageStartRecognition,
		AudioFormat:         af,
		TranscriptionConfig: tc,
	}
	payload, err := json.Marshal(start)
	if err != nil {
		s.hardClose()
		return sessionErr(KindProtocol, "encode StartRecognition", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		s.hardClose()
		return sessionErr(KindTransport, "send StartRecognition", err)
	}

	s.loops = &errgroup.Group{}
	s.loops.Go(s.readLoop)
	s.loops.Go(s.writeLoop)
	s.loops.Go(s.pingLoop)

	select {
	case <-s.started:
		return nil
	case <-s.done:
		err := s.Err()
		if err == nil {
			err = ErrClosed
		}
		return err
	case <-ctx.Done():
		s.fail(sessionErr(KindTimeout, "waiting for RecognitionStarted", ctx.Err()))
		return sessionErr(KindTimeout, "waiting for RecognitionStarted", ctx.Err())
	}
}

// prepareDial builds the endpoint URL and upgrade headers.
func (s *Session) prepareDial(credential string) (string, http.Header, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", nil, sessionErr(KindConfig, "parse endpoint URL", err)
	}
	q := u.Query()
	if s.cfg.App != "" {
		q.Set("sm-app", s.cfg.App)
	}
	headers := authHeaders(credential, s.requestID)
	if s.cfg.QueryAuth {
		q.Set("jwt", credential)
		headers.Del("Authorization")
	}
	u.RawQuery = q.Encode()
	return u.String(), headers, nil
}

// dialWithRetry attempts the WebSocket dial with exponential backoff on
// transport errors. An HTTP 401/403 during the upgrade is an auth failure
// and is returned immediately.
func (s *Session) dialWithRetry(ctx context.Context, endpoint string, headers http.Header) (*websocket.Conn, error) {
	var lastErr error
	backoff := 250 * time.Millisecond
	for attempt := 0; attempt <= s.cfg.DialRetries; attempt++ {
		if attempt > 0 {
			s.logger.Debug("retrying dial", "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, sessionErr(KindTimeout, "dial", ctx.Err())
			}
			backoff *= 2
		}

		conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: headers})
		if err == nil {
			return conn, nil
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, sessionErr(KindAuth, fmt.Sprintf("upgrade rejected with HTTP %d", resp.StatusCode), err)
		}
		if ctx.Err() != nil {
			return nil, sessionErr(KindTimeout, "dial", ctx.Err())
		}
		lastErr = err
	}
	return nil, sessionErr(KindTransport, "dial", lastErr)
}

// SendAudio queues one binary audio frame for transmission. The frame is
// counted in the audio sequence immediately; the writer transmits queued
// frames in acceptance order. Returns ErrBackpressure when the queue is
// full and ErrNotStarted outside the started state.
//
// The caller must not reuse the byte slice after SendAudio returns nil.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.state != StateStarted {
		state := s.state
		s.mu.Unlock()
		if state == StateClosed {
			return ErrClosed
		}
		return ErrNotStarted
	}

	select {
	case s.audioCh <- outFrame{data: chunk}:
		s.seqSent++
		if s.metrics != nil {
			s.metrics.AudioFramesSent.Add(context.Background(), 1)
		}
		s.mu.Unlock()
		return nil
	default:
		s.mu.Unlock()
		return ErrBackpressure
	}
}

// SendControl enqueues a structured control frame on the prioritised control
// queue. msg is marshalled to JSON. Valid in the started and draining states.
func (s *Session) SendControl(msg any) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateStarted && state != StateDraining {
		if state == StateClosed {
			return ErrClosed
		}
		return ErrNotStarted
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return sessionErr(KindProtocol, "encode control message", err)
	}
	select {
	case s.controlCh <- payload:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Finalize ends the upstream audio flow. It sends EndOfStream carrying the
// number of frames accepted so far, then drains: already-queued inbound
// frames keep flowing until the final AudioAdded ack and EndOfTranscript are
// observed, bounded by CloseTimeout. Cancelling ctx promotes to a hard close.
func (s *Session) Finalize(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateDraining:
		s.mu.Unlock()
		return ErrDraining
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case StateStarted:
	default:
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.state = StateDraining
	s.lastSeq = s.seqSent
	last := s.lastSeq
	s.mu.Unlock()

	payload, err := json.Marshal(EndOfStreamMessage{Message: ClientMessageEndOfStream, LastSeqNo: last})
	if err != nil {
		return sessionErr(KindProtocol, "encode EndOfStream", err)
	}

	// EndOfStream rides the audio queue so it cannot overtake frames that
	// were accepted before Finalize.
	select {
	case s.audioCh <- outFrame{data: payload, text: true}:
	case <-s.done:
		return ErrClosed
	}

	timer := time.NewTimer(s.cfg.CloseTimeout)
	defer timer.Stop()

	select {
	case <-s.drained:
		s.gracefulClose()
		return nil
	case <-s.done:
		return s.Err()
	case <-timer.C:
		s.fail(sessionErr(KindTimeout, "drain exceeded close timeout", nil))
		return sessionErr(KindTimeout, "drain exceeded close timeout", nil)
	case <-ctx.Done():
		s.hardClose()
		return ctx.Err()
	}
}

// Close hard-closes the session: the socket is torn down, queued frames are
// dropped, and listeners are removed. Safe to call at any time, repeatedly.
func (s *Session) Close() error {
	s.hardClose()
	return nil
}

// abandon moves a session that never got a socket straight to closed.
func (s *Session) abandon() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
		s.emitter.RemoveAll()
	})
}

// gracefulClose exchanges a close frame after a successful drain.
func (s *Session) gracefulClose() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		conn := s.conn
		s.mu.Unlock()
		close(s.done)
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "session complete")
		}
		s.reapLoops()
		s.emitter.RemoveAll()
		s.logger.Debug("session closed", "request_id", s.requestID, "session_id", s.sessionID)
	})
}

// hardClose tears the session down without draining.
func (s *Session) hardClose() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		conn := s.conn
		s.mu.Unlock()
		close(s.done)
		if conn != nil {
			_ = conn.Close(websocket.StatusGoingAway, "session closed")
		}
		s.reapLoops()
		s.emitter.RemoveAll()
	})
}

// reapLoops waits out the reader/writer/ping goroutines off to the side.
// Close paths can run on one of those goroutines, so waiting inline would
// deadlock.
func (s *Session) reapLoops() {
	loops := s.loops
	if loops == nil {
		return
	}
	go func() {
		if err := loops.Wait(); err != nil {
			s.logger.Debug("session loop error", "request_id", s.requestID, "error", err)
		}
	}()
}

// fail records the terminal error, emits a single terminal Error event, and
// closes the session. Later failures are ignored.
func (s *Session) fail(err error) {
	s.failWith(err, ServerMessage{Type: ServerMessageError, Reason: err.Error()})
}

// failWith is fail with an explicit terminal event, used when the failure
// originates from a server Error frame that should reach listeners verbatim.
func (s *Session) failWith(err error, evt ServerMessage) {
	s.failOnce.Do(func() {
		s.mu.Lock()
		s.termErr = err
		s.mu.Unlock()
		s.logger.Error("session failed", "request_id", s.requestID, "error", err)
		s.emitter.Emit(ServerMessageError, evt)
		s.hardClose()
	})
}

// writeLoop is the single socket writer. Control frames win over audio; the
// nested select gives the control queue strict priority without starving
// audio when control is quiet.
func (s *Session) writeLoop() error {
	ctx := context.Background()
	for {
		select {
		case payload := <-s.controlCh:
			if err := s.writeFrame(ctx, websocket.MessageText, payload); err != nil {
				return nil
			}
			continue
		case <-s.done:
			return nil
		default:
		}

		select {
		case payload := <-s.controlCh:
			if err := s.writeFrame(ctx, websocket.MessageText, payload); err != nil {
				return nil
			}
		case frame := <-s.audioCh:
			kind := websocket.MessageBinary
			if frame.text {
				kind = websocket.MessageText
			}
			if err := s.writeFrame(ctx, kind, frame.data); err != nil {
				return nil
			}
		case <-s.done:
			return nil
		}
	}
}

func (s *Session) writeFrame(ctx context.Context, kind websocket.MessageType, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	if err := conn.Write(ctx, kind, payload); err != nil {
		select {
		case <-s.done:
		default:
			s.fail(sessionErr(KindTransport, "write frame", err))
		}
		return err
	}
	return nil
}

// readLoop receives inbound frames, decodes them, applies state transitions,
// and emits them to listeners in receipt order.
func (s *Session) readLoop() error {
	ctx := context.Background()
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				s.mu.Lock()
				drainingDone := s.eotSeen
				s.mu.Unlock()
				if drainingDone {
					s.hardClose()
					return nil
				}
			}
			s.fail(sessionErr(KindTransport, "read frame", err))
			return nil
		}

		msg, known, err := DecodeServerMessage(data)
		if err != nil {
			s.fail(sessionErr(KindProtocol, "malformed frame", err))
			return nil
		}
		if !known {
			s.logger.Warn("skipping unknown server message", "type", msg.Type)
			continue
		}
		if !s.handleMessage(msg) {
			return nil
		}
	}
}

// handleMessage applies one inbound frame. Returns false when the read loop
// should stop.
func (s *Session) handleMessage(msg ServerMessage) bool {
	switch msg.Type {
	case ServerMessageRecognitionStarted:
		s.mu.Lock()
		if s.state == StateConnecting {
			s.state = StateStarted
			s.sessionID = msg.ID
			s.langPack = msg.LanguagePackInfo
			s.baseTime = time.Now().UTC()
			close(s.started)
		}
		s.mu.Unlock()

	case ServerMessageAudioAdded:
		s.mu.Lock()
		if msg.SeqNo > s.seqSent {
			s.mu.Unlock()
			s.fail(sessionErr(KindProtocol,
				fmt.Sprintf("AudioAdded seq_no %d ahead of %d frames sent", msg.SeqNo, s.seqSent), nil))
			return false
		}
		if msg.SeqNo > s.seqAcked {
			s.seqAcked = msg.SeqNo
		}
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.AudioFramesAcked.Add(context.Background(), 1)
		}
		s.maybeDrained()

	case ServerMessageEndOfTranscript:
		s.mu.Lock()
		s.eotSeen = true
		if s.state == StateStarted {
			s.state = StateDraining
			s.lastSeq = s.seqSent
		}
		s.mu.Unlock()
		s.maybeDrained()

	case ServerMessageError:
		s.failWith(sessionErr(KindServer, msg.Reason, nil), msg)
		return false

	case ServerMessageWarning:
		s.logger.Warn("server warning", "session_id", s.sessionID, "reason", msg.Reason)
	}

	s.emitter.Emit(msg.Type, msg)
	return true
}

// maybeDrained closes the drained channel once EndOfTranscript has been
// observed and every sent frame is acknowledged.
func (s *Session) maybeDrained() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.eotSeen || s.seqAcked < s.lastSeq {
		return
	}
	select {
	case <-s.drained:
	default:
		close(s.drained)
	}
}

// pingLoop keeps the connection alive and fails the session when a pong is
// not returned within PingTimeout.
func (s *Session) pingLoop() error {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PingTimeout)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				select {
				case <-s.done:
					return nil
				default:
				}
				s.fail(sessionErr(KindTimeout, "missed pong", err))
				return nil
			}
		case <-s.done:
			return nil
		}
	}
}
