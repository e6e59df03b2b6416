package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/assistkit/groundstation/pkg/bus/messages"
	"github.com/assistkit/groundstation/pkg/correlate"
	"github.com/assistkit/groundstation/pkg/speech"
)

type scriptedFrame struct {
	messageType int
	data        []byte
	err         error
}

type writtenFrame struct {
	messageType int
	data        []byte
}

type fakeConn struct {
	mu      sync.Mutex
	inbound chan scriptedFrame
	writes  []writtenFrame
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan scriptedFrame, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.inbound:
		return f.messageType, f.data, f.err
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	c.writes = append(c.writes, writtenFrame{messageType: messageType, data: append([]byte(nil), data...)})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetReadLimit(int64)                        {}
func (c *fakeConn) SetPongHandler(func(string) error)         {}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sendText(s string) {
	c.inbound <- scriptedFrame{messageType: websocket.TextMessage, data: []byte(s)}
}

func (c *fakeConn) sendBinary(data []byte) {
	c.inbound <- scriptedFrame{messageType: websocket.BinaryMessage, data: data}
}

func (c *fakeConn) snapshotWrites() []writtenFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]writtenFrame(nil), c.writes...)
}

func (c *fakeConn) waitForWrite(t *testing.T, match func(writtenFrame) bool) writtenFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, w := range c.snapshotWrites() {
			if match(w) {
				return w
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected frame never written; got %d frames", len(c.snapshotWrites()))
	return writtenFrame{}
}

type fakeTranscriber struct {
	mu    sync.Mutex
	calls [][]byte
	text  string
	err   error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, pcm []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]byte(nil), pcm...))
	return f.text, f.err
}

func (f *fakeTranscriber) set(text string, err error) {
	f.mu.Lock()
	f.text = text
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSynthesizer struct {
	mu    sync.Mutex
	audio []byte
	err   error
	texts []string
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, text string, _ int) ([]byte, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return f.audio, f.err
}

type fakePublisher struct {
	mu       sync.Mutex
	requests []messages.ClientRequest
	topics   []string
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	var req messages.ClientRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.topics = append(f.topics, topic)
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) waitForRequest(t *testing.T) messages.ClientRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.requests) > 0 {
			req := f.requests[0]
			f.mu.Unlock()
			return req
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no request published")
	return messages.ClientRequest{}
}

func (f *fakePublisher) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type testHarness struct {
	conn        *fakeConn
	transcriber *fakeTranscriber
	synthesizer *fakeSynthesizer
	publisher   *fakePublisher
	correlator  *correlate.Correlator
	sess        *Session
	done        chan error
}

func startSession(t *testing.T, mutate func(*Dependencies)) *testHarness {
	t.Helper()
	h := &testHarness{
		conn:        newFakeConn(),
		transcriber: &fakeTranscriber{text: "turn on the light"},
		synthesizer: &fakeSynthesizer{audio: make([]byte, 6000)},
		publisher:   &fakePublisher{},
		correlator:  correlate.New(),
		done:        make(chan error, 1),
	}
	deps := Dependencies{
		Conn:        h.conn,
		Logger:      zerolog.Nop(),
		SessionID:   "sat-test",
		Transcriber: h.transcriber,
		Synthesizer: h.synthesizer,
		Publisher:   h.publisher,
		Correlator:  h.correlator,
		Config: Config{
			RequestTopic:    "assistant/ground_station/all/hub-1/input",
			CommandTimeout:  time.Second,
			MaxCommandInput: time.Second,
			MaxBufferBytes:  1 << 20,
		},
	}
	if mutate != nil {
		mutate(&deps)
	}
	sess, err := New(deps)
	if err != nil {
		t.Fatal(err)
	}
	h.sess = sess
	go func() { h.done <- sess.Run(); close(h.done) }()
	t.Cleanup(func() {
		h.conn.Close()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	})
	return h
}

func (h *testHarness) configure(t *testing.T) {
	t.Helper()
	h.conn.sendText(`{"samplerate":16000,"input_channels":1,"output_channels":1,"chunk_size":1024,"room":"kitchen"}`)
	waitForSessionState(t, h.sess, StateIdle)
}

func waitForSessionState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

func TestFullCommandFlow(t *testing.T) {
	h := startSession(t, nil)
	h.configure(t)

	if h.sess.Room() != "kitchen" {
		t.Fatalf("room = %q", h.sess.Room())
	}

	h.conn.sendText("START_COMMAND")
	h.conn.sendBinary(make([]byte, 2048))
	h.conn.sendBinary(make([]byte, 2048))
	h.conn.sendText("END_COMMAND")

	req := h.publisher.waitForRequest(t)
	if req.Text != "turn on the light" {
		t.Errorf("request text = %q", req.Text)
	}
	if req.Room != "kitchen" {
		t.Errorf("request room = %q", req.Room)
	}
	if req.OutputTopic != "assistant/kitchen/output" {
		t.Errorf("output topic = %q", req.OutputTopic)
	}
	h.publisher.mu.Lock()
	topic := h.publisher.topics[0]
	h.publisher.mu.Unlock()
	// Commands go to the input topic, one level under the hub's base topic.
	if topic != "assistant/ground_station/all/hub-1/input" {
		t.Errorf("request published to %q", topic)
	}

	if ok := h.correlator.Resolve(req.ID, messages.Response{Text: "done"}); !ok {
		t.Fatal("no waiter registered for the request")
	}

	// Reply audio arrives chunked by the negotiated chunk size (1024 samples
	// = 2048 bytes), so 6000 bytes becomes 2048+2048+1904.
	h.conn.waitForWrite(t, func(w writtenFrame) bool {
		return w.messageType == websocket.BinaryMessage && len(w.data) == 1904
	})
	waitForSessionState(t, h.sess, StateIdle)

	var audioFrames int
	for _, w := range h.conn.snapshotWrites() {
		if w.messageType == websocket.BinaryMessage {
			audioFrames++
		}
	}
	if audioFrames != 3 {
		t.Errorf("audio frames = %d, want 3", audioFrames)
	}
	if got := h.transcriber.callCount(); got != 1 {
		t.Errorf("transcribe calls = %d", got)
	}
	h.transcriber.mu.Lock()
	captured := len(h.transcriber.calls[0])
	h.transcriber.mu.Unlock()
	if captured != 4096 {
		t.Errorf("captured %d bytes, want 4096", captured)
	}
}

func TestTranscriptionFailureSendsErrorBeep(t *testing.T) {
	h := startSession(t, nil)
	h.configure(t)
	h.transcriber.set("", &speech.Error{Kind: speech.KindUnreachable, Op: "transcribe", Err: errors.New("connection refused")})

	h.conn.sendText("START_COMMAND")
	h.conn.sendBinary(make([]byte, 512))
	h.conn.sendText("END_COMMAND")

	h.conn.waitForWrite(t, func(w writtenFrame) bool {
		return w.messageType == websocket.TextMessage && string(w.data) == "error_beep"
	})
	waitForSessionState(t, h.sess, StateIdle)
	if h.publisher.requestCount() != 0 {
		t.Error("failed command must not be published")
	}
}

func TestErrorToneFollowsBeepWhenEnabled(t *testing.T) {
	tone := []byte{7, 7, 7, 7}
	h := startSession(t, func(d *Dependencies) {
		d.Config.SendErrorTone = true
		d.Config.ErrorTone = tone
	})
	h.configure(t)
	h.transcriber.set("", errors.New("stt down"))

	h.conn.sendText("START_COMMAND")
	h.conn.sendBinary(make([]byte, 512))
	h.conn.sendText("END_COMMAND")

	h.conn.waitForWrite(t, func(w writtenFrame) bool {
		return w.messageType == websocket.BinaryMessage && len(w.data) == len(tone)
	})
}

func TestCancelWhileListening(t *testing.T) {
	h := startSession(t, nil)
	h.configure(t)

	h.conn.sendText("START_COMMAND")
	h.conn.sendBinary(make([]byte, 1024))
	h.conn.sendText("CANCEL_COMMAND")
	waitForSessionState(t, h.sess, StateIdle)

	// Nothing downstream may fire for a cancelled capture.
	time.Sleep(20 * time.Millisecond)
	if h.transcriber.callCount() != 0 {
		t.Error("cancelled capture was transcribed")
	}
	if h.publisher.requestCount() != 0 {
		t.Error("cancelled capture was published")
	}
}

func TestCancelDuringProcessingDiscardsResult(t *testing.T) {
	release := make(chan struct{})
	blocking := &blockingTranscriber{release: release, text: "turn off the fan"}
	h := startSession(t, func(d *Dependencies) {
		d.Transcriber = blocking
	})
	h.configure(t)

	h.conn.sendText("START_COMMAND")
	h.conn.sendBinary(make([]byte, 512))
	h.conn.sendText("END_COMMAND")
	waitForSessionState(t, h.sess, StateProcessing)

	h.conn.sendText("CANCEL_COMMAND")
	// Let the cancel land before the transcriber is released.
	time.Sleep(20 * time.Millisecond)
	close(release)
	waitForSessionState(t, h.sess, StateIdle)

	time.Sleep(20 * time.Millisecond)
	if h.publisher.requestCount() != 0 {
		t.Error("cancelled command still published")
	}
	for _, w := range h.conn.snapshotWrites() {
		if w.messageType == websocket.BinaryMessage {
			t.Fatal("cancelled command produced audio")
		}
	}
}

type blockingTranscriber struct {
	release <-chan struct{}
	text    string
}

func (b *blockingTranscriber) Transcribe(ctx context.Context, _ []byte) (string, error) {
	select {
	case <-b.release:
		return b.text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestEmptyTranscriptIsSilent(t *testing.T) {
	h := startSession(t, nil)
	h.configure(t)
	h.transcriber.set("   ", nil)

	h.conn.sendText("START_COMMAND")
	h.conn.sendBinary(make([]byte, 512))
	h.conn.sendText("END_COMMAND")
	waitForSessionState(t, h.sess, StateIdle)

	time.Sleep(20 * time.Millisecond)
	if h.publisher.requestCount() != 0 {
		t.Error("empty transcript was published")
	}
	for _, w := range h.conn.snapshotWrites() {
		if w.messageType == websocket.TextMessage {
			t.Fatalf("unexpected signal %q for empty transcript", w.data)
		}
	}
}

func TestBufferOverrunProcessesPrefix(t *testing.T) {
	h := startSession(t, func(d *Dependencies) {
		d.Config.MaxBufferBytes = 4096
	})
	h.configure(t)

	h.conn.sendText("START_COMMAND")
	// 3 frames of 2048 bytes overflow the 4096-byte cap mid-capture.
	h.conn.sendBinary(make([]byte, 2048))
	h.conn.sendBinary(make([]byte, 2048))
	h.conn.sendBinary(make([]byte, 2048))

	req := h.publisher.waitForRequest(t)
	h.transcriber.mu.Lock()
	captured := len(h.transcriber.calls[0])
	h.transcriber.mu.Unlock()
	if captured != 4096 {
		t.Errorf("captured %d bytes, want the 4096-byte prefix", captured)
	}
	if req.Text == "" {
		t.Error("overrun command was not processed")
	}
}

func TestCommandReplyTimeout(t *testing.T) {
	h := startSession(t, func(d *Dependencies) {
		d.Config.CommandTimeout = 20 * time.Millisecond
	})
	h.configure(t)

	h.conn.sendText("START_COMMAND")
	h.conn.sendBinary(make([]byte, 512))
	h.conn.sendText("END_COMMAND")

	h.publisher.waitForRequest(t)
	h.conn.waitForWrite(t, func(w writtenFrame) bool {
		return w.messageType == websocket.TextMessage && string(w.data) == "error_beep"
	})
	waitForSessionState(t, h.sess, StateIdle)
}

func TestAlertSignalPrecedesReplyAudio(t *testing.T) {
	h := startSession(t, nil)
	h.configure(t)

	h.conn.sendText("START_COMMAND")
	h.conn.sendBinary(make([]byte, 512))
	h.conn.sendText("END_COMMAND")

	req := h.publisher.waitForRequest(t)
	h.correlator.Resolve(req.ID, messages.Response{Text: "fire alarm", Alert: &messages.Alert{PlayBefore: true}})

	h.conn.waitForWrite(t, func(w writtenFrame) bool {
		return w.messageType == websocket.BinaryMessage
	})
	writes := h.conn.snapshotWrites()
	alertIdx, audioIdx := -1, -1
	for i, w := range writes {
		if w.messageType == websocket.TextMessage && string(w.data) == "alert_default" && alertIdx < 0 {
			alertIdx = i
		}
		if w.messageType == websocket.BinaryMessage && audioIdx < 0 {
			audioIdx = i
		}
	}
	if alertIdx < 0 {
		t.Fatal("alert_default was never sent")
	}
	if audioIdx >= 0 && alertIdx > audioIdx {
		t.Fatal("alert signal must precede reply audio")
	}
}

func TestDeliverAnnouncement(t *testing.T) {
	h := startSession(t, nil)
	h.configure(t)

	h.sess.Deliver(messages.Response{Text: "dinner is ready"})

	h.conn.waitForWrite(t, func(w writtenFrame) bool {
		return w.messageType == websocket.BinaryMessage
	})
	h.synthesizer.mu.Lock()
	texts := append([]string(nil), h.synthesizer.texts...)
	h.synthesizer.mu.Unlock()
	if len(texts) != 1 || texts[0] != "dinner is ready" {
		t.Fatalf("synthesized %v", texts)
	}
}

func TestHandshakeRequiresConfigFirst(t *testing.T) {
	conn := newFakeConn()
	defer conn.Close()
	sess, err := New(Dependencies{
		Conn:        conn,
		Logger:      zerolog.Nop(),
		SessionID:   "sat-bad",
		Transcriber: &fakeTranscriber{},
		Synthesizer: &fakeSynthesizer{},
		Publisher:   &fakePublisher{},
		Correlator:  correlate.New(),
		Config: Config{
			RequestTopic:     "assistant/ground_station/all/hub-1/input",
			HandshakeTimeout: 100 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run() }()
	conn.sendText("START_COMMAND")

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("signal before config must fail the session")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	conn := newFakeConn()
	defer conn.Close()
	sess, err := New(Dependencies{
		Conn:        conn,
		Logger:      zerolog.Nop(),
		SessionID:   "sat-slow",
		Transcriber: &fakeTranscriber{},
		Synthesizer: &fakeSynthesizer{},
		Publisher:   &fakePublisher{},
		Correlator:  correlate.New(),
		Config: Config{
			RequestTopic:     "assistant/ground_station/all/hub-1/input",
			HandshakeTimeout: 30 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run() }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("handshake timeout must fail the session")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit")
	}
}

func TestForcedCloseDuringProcessingSendsErrorBeep(t *testing.T) {
	h := startSession(t, nil)
	h.configure(t)

	h.conn.sendText("START_COMMAND")
	h.conn.sendBinary(make([]byte, 512))
	h.conn.sendText("END_COMMAND")
	h.publisher.waitForRequest(t)

	// Broker outage: fail the pending reply and force the session closed,
	// the way the manager does it. The satellite must still hear a beep.
	h.correlator.FailAll(correlate.ErrBusLost)
	h.sess.Close()

	h.conn.waitForWrite(t, func(w writtenFrame) bool {
		return w.messageType == websocket.TextMessage && string(w.data) == "error_beep"
	})
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit after forced close")
	}
}

func TestStartWhileListeningKeepsCapture(t *testing.T) {
	h := startSession(t, nil)
	h.configure(t)

	h.conn.sendText("START_COMMAND")
	h.conn.sendBinary(make([]byte, 2048))
	// A repeated start must not wipe the audio captured so far.
	h.conn.sendText("START_COMMAND")
	h.conn.sendBinary(make([]byte, 2048))
	h.conn.sendText("END_COMMAND")

	h.publisher.waitForRequest(t)
	h.transcriber.mu.Lock()
	captured := len(h.transcriber.calls[0])
	h.transcriber.mu.Unlock()
	if captured != 4096 {
		t.Errorf("captured %d bytes, want 4096", captured)
	}
}

func TestDisconnectFailsInFlightRequests(t *testing.T) {
	h := startSession(t, nil)
	h.configure(t)

	h.conn.sendText("START_COMMAND")
	h.conn.sendBinary(make([]byte, 512))
	h.conn.sendText("END_COMMAND")
	h.publisher.waitForRequest(t)

	if n := h.correlator.Pending(); n != 1 {
		t.Fatalf("pending = %d before disconnect", n)
	}
	h.conn.Close()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit on disconnect")
	}
	if n := h.correlator.Pending(); n != 0 {
		t.Fatalf("pending = %d after disconnect, want 0", n)
	}
}
