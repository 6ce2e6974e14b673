package rt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// ── Test server ───────────────────────────────────────────────────────────────

// sttServer is a minimal in-process implementation of the transcription
// service wire protocol for session tests.
type sttServer struct {
	srv *httptest.Server

	authHeader chan string
	requestURL chan string
	startMsg   chan map[string]any
	lastSeqNo  chan uint64

	// inject runs after RecognitionStarted is sent, with the server conn.
	inject func(ctx context.Context, conn *websocket.Conn)
}

// newSTTServer starts the fake service. It acks every binary frame with
// AudioAdded and answers EndOfStream with EndOfTranscript and a clean close.
func newSTTServer(t *testing.T) *sttServer {
	t.Helper()
	s := &sttServer{
		authHeader: make(chan string, 1),
		requestURL: make(chan string, 1),
		startMsg:   make(chan map[string]any, 1),
		lastSeqNo:  make(chan uint64, 1),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.authHeader <- r.Header.Get("Authorization")
		s.requestURL <- r.URL.String()
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		s.serve(conn)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *sttServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *sttServer) serve(conn *websocket.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Expect StartRecognition first.
	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	var start map[string]any
	if err := json.Unmarshal(data, &start); err != nil {
		return
	}
	s.startMsg <- start

	writeJSON(ctx, conn, map[string]any{
		"message": "RecognitionStarted",
		"id":      "sess-123",
		"language_pack_info": map[string]any{
			"language_description": "English",
			"word_delimiter":       " ",
		},
	})

	if s.inject != nil {
		s.inject(ctx, conn)
	}

	seq := uint64(0)
	for {
		kind, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if kind == websocket.MessageBinary {
			seq++
			writeJSON(ctx, conn, map[string]any{"message": "AudioAdded", "seq_no": seq})
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg["message"] == "GetSpeakers" {
			writeJSON(ctx, conn, map[string]any{
				"message": "SpeakersResult",
				"speakers": []map[string]any{
					{"label": "S1", "speaker_identifiers": []string{"op-1"}},
				},
			})
			continue
		}
		if msg["message"] == "EndOfStream" {
			last, _ := msg["last_seq_no"].(float64)
			s.lastSeqNo <- uint64(last)
			writeJSON(ctx, conn, map[string]any{"message": "EndOfTranscript"})
			conn.Close(websocket.StatusNormalClosure, "done")
			return
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	_ = conn.Write(ctx, websocket.MessageText, data)
}

// testConn returns fast timeouts suitable for unit tests.
func testConn(url string) ConnectionConfig {
	return ConnectionConfig{
		URL:          url,
		OpenTimeout:  5 * time.Second,
		CloseTimeout: 5 * time.Second,
		DialRetries:  -1,
	}
}

func mustAuth(t *testing.T) Auth {
	t.Helper()
	a, err := NewStaticKeyAuth("test-key")
	if err != nil {
		t.Fatalf("NewStaticKeyAuth: %v", err)
	}
	return a
}

// ── Round trip (scenario: 10 frames, EndOfStream, clean close) ───────────────

func TestSession_MinimalRoundTrip(t *testing.T) {
	server := newSTTServer(t)
	sess := NewSession(mustAuth(t), testConn(server.url()))
	defer sess.Close()

	acks := make(chan uint64, 16)
	sess.On(ServerMessageAudioAdded, func(msg ServerMessage) {
		acks <- msg.SeqNo
	})
	eot := make(chan struct{}, 1)
	sess.On(ServerMessageEndOfTranscript, func(ServerMessage) {
		eot <- struct{}{}
	})

	tc := TranscriptionConfig{Language: "en"}
	af := AudioFormat{Encoding: EncodingPCMS16LE, SampleRate: 16000}
	if err := sess.Connect(context.Background(), tc, af); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := sess.State(); got != StateStarted {
		t.Fatalf("State = %v, want started", got)
	}
	if got := sess.ID(); got != "sess-123" {
		t.Errorf("ID = %q, want sess-123", got)
	}

	frame := make([]byte, 640)
	for i := 0; i < 10; i++ {
		if err := sess.SendAudio(frame); err != nil {
			t.Fatalf("SendAudio #%d: %v", i+1, err)
		}
	}
	if got := sess.AudioSeqSent(); got != 10 {
		t.Fatalf("AudioSeqSent = %d, want 10", got)
	}

	if err := sess.Finalize(context.Background()); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	select {
	case last := <-server.lastSeqNo:
		if last != 10 {
			t.Errorf("EndOfStream last_seq_no = %d, want 10", last)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw EndOfStream")
	}

	// Acks 1..10 in order.
	for want := uint64(1); want <= 10; want++ {
		select {
		case got := <-acks:
			if got != want {
				t.Fatalf("ack seq_no = %d, want %d", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("missing AudioAdded ack %d", want)
		}
	}
	select {
	case <-eot:
	case <-time.After(5 * time.Second):
		t.Fatal("missing EndOfTranscript")
	}

	if got := sess.AudioSeqAcked(); got != 10 {
		t.Errorf("AudioSeqAcked = %d, want 10", got)
	}
	if got := sess.State(); got != StateClosed {
		t.Errorf("State after Finalize = %v, want closed", got)
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err = %v, want nil after clean close", err)
	}
}

func TestSession_StartRecognitionCarriesConfig(t *testing.T) {
	server := newSTTServer(t)
	sess := NewSession(mustAuth(t), testConn(server.url()))
	defer sess.Close()

	tc := TranscriptionConfig{
		Language:       "en",
		OperatingPoint: OperatingPointEnhanced,
		MaxDelay:       0.7,
		Diarization:    "speaker",
	}
	af := AudioFormat{Encoding: EncodingPCMS16LE, SampleRate: 16000}
	if err := sess.Connect(context.Background(), tc, af); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	start := <-server.startMsg
	if start["message"] != "StartRecognition" {
		t.Fatalf("first message = %v, want StartRecognition", start["message"])
	}
	cfg, _ := start["transcription_config"].(map[string]any)
	if cfg["language"] != "en" || cfg["diarization"] != "speaker" {
		t.Errorf("transcription_config = %v, want language en + diarization speaker", cfg)
	}
	format, _ := start["audio_format"].(map[string]any)
	if format["type"] != "raw" || format["encoding"] != "pcm_s16le" {
		t.Errorf("audio_format = %v, want raw pcm_s16le", format)
	}
}

// ── Auth ─────────────────────────────────────────────────────────────────────

func TestSession_BearerHeader(t *testing.T) {
	server := newSTTServer(t)
	sess := NewSession(mustAuth(t), testConn(server.url()))
	defer sess.Close()

	if err := sess.Connect(context.Background(), TranscriptionConfig{Language: "en"}, AudioFormat{Encoding: EncodingPCMS16LE, SampleRate: 16000}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := <-server.authHeader; got != "Bearer test-key" {
		t.Errorf("Authorization = %q, want Bearer test-key", got)
	}
}

func TestSession_QueryAuthFallback(t *testing.T) {
	server := newSTTServer(t)
	cfg := testConn(server.url())
	cfg.QueryAuth = true
	sess := NewSession(mustAuth(t), cfg)
	defer sess.Close()

	if err := sess.Connect(context.Background(), TranscriptionConfig{Language: "en"}, AudioFormat{Encoding: EncodingPCMS16LE, SampleRate: 16000}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := <-server.authHeader; got != "" {
		t.Errorf("Authorization header = %q, want empty with query auth", got)
	}
	if u := <-server.requestURL; !strings.Contains(u, "jwt=test-key") {
		t.Errorf("request URL %q missing jwt query parameter", u)
	}
}

func TestSession_AuthRejectedNoRetry(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sess := NewSession(mustAuth(t), ConnectionConfig{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		OpenTimeout: 5 * time.Second,
		DialRetries: 3,
	})
	defer sess.Close()

	err := sess.Connect(context.Background(), TranscriptionConfig{Language: "en"}, AudioFormat{Encoding: EncodingPCMS16LE, SampleRate: 16000})
	if err == nil {
		t.Fatal("Connect should fail on HTTP 401")
	}
	var sessErr *SessionError
	if !errors.As(err, &sessErr) || sessErr.Kind != KindAuth {
		t.Errorf("error = %v, want SessionError kind auth", err)
	}
	if attempts != 1 {
		t.Errorf("upgrade attempted %d times, want 1 (auth failures are not retried)", attempts)
	}
}

// ── Protocol failures ────────────────────────────────────────────────────────

func TestSession_UnknownMessageSkipped(t *testing.T) {
	server := newSTTServer(t)
	server.inject = func(ctx context.Context, conn *websocket.Conn) {
		writeJSON(ctx, conn, map[string]any{"message": "SomethingNew", "payload": 42})
		writeJSON(ctx, conn, map[string]any{"message": "Info", "reason": "still here"})
	}
	sess := NewSession(mustAuth(t), testConn(server.url()))
	defer sess.Close()

	info := make(chan string, 1)
	sess.On(ServerMessageInfo, func(msg ServerMessage) { info <- msg.Reason })

	if err := sess.Connect(context.Background(), TranscriptionConfig{Language: "en"}, AudioFormat{Encoding: EncodingPCMS16LE, SampleRate: 16000}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case got := <-info:
		if got != "still here" {
			t.Errorf("Info reason = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Info after unknown message never arrived; unknown kinds must be skipped")
	}
	if sess.State() == StateClosed {
		t.Error("unknown message kind must not fail the session")
	}
}

func TestSession_MalformedJSONFatal(t *testing.T) {
	server := newSTTServer(t)
	server.inject = func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"message": `))
	}
	sess := NewSession(mustAuth(t), testConn(server.url()))
	defer sess.Close()

	errEvt := make(chan string, 4)
	sess.On(ServerMessageError, func(msg ServerMessage) { errEvt <- msg.Reason })

	if err := sess.Connect(context.Background(), TranscriptionConfig{Language: "en"}, AudioFormat{Encoding: EncodingPCMS16LE, SampleRate: 16000}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-errEvt:
	case <-time.After(5 * time.Second):
		t.Fatal("terminal error event never fired")
	}
	waitForState(t, sess, StateClosed)

	var sessErr *SessionError
	if !errors.As(sess.Err(), &sessErr) || sessErr.Kind != KindProtocol {
		t.Errorf("Err = %v, want protocol failure", sess.Err())
	}
}

func TestSession_SeqNoOverrunFatal(t *testing.T) {
	server := newSTTServer(t)
	server.inject = func(ctx context.Context, conn *websocket.Conn) {
		writeJSON(ctx, conn, map[string]any{"message": "AudioAdded", "seq_no": 5})
	}
	sess := NewSession(mustAuth(t), testConn(server.url()))
	defer sess.Close()

	if err := sess.Connect(context.Background(), TranscriptionConfig{Language: "en"}, AudioFormat{Encoding: EncodingPCMS16LE, SampleRate: 16000}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitForState(t, sess, StateClosed)
	var sessErr *SessionError
	if !errors.As(sess.Err(), &sessErr) || sessErr.Kind != KindProtocol {
		t.Errorf("Err = %v, want protocol failure for ack ahead of sent frames", sess.Err())
	}
}

func TestSession_ServerErrorFatal(t *testing.T) {
	server := newSTTServer(t)
	server.inject = func(ctx context.Context, conn *websocket.Conn) {
		writeJSON(ctx, conn, map[string]any{"message": "Error", "reason": "quota exceeded"})
	}
	sess := NewSession(mustAuth(t), testConn(server.url()))
	defer sess.Close()

	errEvt := make(chan string, 4)
	sess.On(ServerMessageError, func(msg ServerMessage) { errEvt <- msg.Reason })

	if err := sess.Connect(context.Background(), TranscriptionConfig{Language: "en"}, AudioFormat{Encoding: EncodingPCMS16LE, SampleRate: 16000}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case reason := <-errEvt:
		if reason != "quota exceeded" {
			t.Errorf("error reason = %q, want quota exceeded", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server error event never fired")
	}
	waitForState(t, sess, StateClosed)
}

// ── Send-side guards ─────────────────────────────────────────────────────────

func TestSession_SendBeforeConnect(t *testing.T) {
	sess := NewSession(mustAuth(t), ConnectionConfig{URL: "ws://127.0.0.1:1"})
	if err := sess.SendAudio([]byte{0}); err != ErrNotStarted {
		t.Errorf("SendAudio = %v, want ErrNotStarted", err)
	}
	if err := sess.SendControl(GetSpeakersMessage{Message: ClientMessageGetSpeakers}); err != ErrNotStarted {
		t.Errorf("SendControl = %v, want ErrNotStarted", err)
	}
	if err := sess.Finalize(context.Background()); err != ErrNotStarted {
		t.Errorf("Finalize = %v, want ErrNotStarted", err)
	}
}

func TestSession_Backpressure(t *testing.T) {
	// Exercise the queue guard directly: a started session with a full
	// audio queue must reject the next frame rather than block or drop.
	sess := NewSession(mustAuth(t), ConnectionConfig{URL: "ws://unused", AudioQueueDepth: 2})
	sess.mu.Lock()
	sess.state = StateStarted
	sess.mu.Unlock()

	if err := sess.SendAudio([]byte{1}); err != nil {
		t.Fatalf("SendAudio #1: %v", err)
	}
	if err := sess.SendAudio([]byte{2}); err != nil {
		t.Fatalf("SendAudio #2: %v", err)
	}
	if err := sess.SendAudio([]byte{3}); err != ErrBackpressure {
		t.Fatalf("SendAudio #3 = %v, want ErrBackpressure", err)
	}
	if got := sess.AudioSeqSent(); got != 2 {
		t.Errorf("AudioSeqSent = %d, want 2 (rejected frames are not counted)", got)
	}
}

func TestSession_ControlRoundTrip(t *testing.T) {
	server := newSTTServer(t)
	sess := NewSession(mustAuth(t), testConn(server.url()))
	defer sess.Close()

	speakers := make(chan []SpeakerData, 1)
	sess.On(ServerMessageSpeakersResult, func(msg ServerMessage) {
		speakers <- msg.Speakers
	})

	if err := sess.Connect(context.Background(), TranscriptionConfig{Language: "en"}, AudioFormat{Encoding: EncodingPCMS16LE, SampleRate: 16000}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.SendControl(GetSpeakersMessage{Message: ClientMessageGetSpeakers}); err != nil {
		t.Fatalf("SendControl: %v", err)
	}

	select {
	case got := <-speakers:
		if len(got) != 1 || got[0].Label != "S1" || got[0].Identifiers[0] != "op-1" {
			t.Errorf("SpeakersResult = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SpeakersResult never arrived")
	}
}

func TestSession_FinalizeTwice(t *testing.T) {
	server := newSTTServer(t)
	sess := NewSession(mustAuth(t), testConn(server.url()))
	defer sess.Close()

	if err := sess.Connect(context.Background(), TranscriptionConfig{Language: "en"}, AudioFormat{Encoding: EncodingPCMS16LE, SampleRate: 16000}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.Finalize(context.Background()); err != nil {
		t.Fatalf("first Finalize: %v", err)
	}
	if err := sess.Finalize(context.Background()); err != ErrClosed && err != ErrDraining {
		t.Errorf("second Finalize = %v, want ErrDraining or ErrClosed", err)
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

func waitForState(t *testing.T, sess *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session never reached state %v (now %v)", want, sess.State())
}
