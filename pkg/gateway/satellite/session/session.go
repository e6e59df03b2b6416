// Package session runs the per-satellite protocol engine: the config
// handshake, the command capture state machine, and playback of replies
// and announcements.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/assistkit/groundstation/internal/log"
	"github.com/assistkit/groundstation/internal/metrics"
	"github.com/assistkit/groundstation/pkg/bus/messages"
	"github.com/assistkit/groundstation/pkg/correlate"
	"github.com/assistkit/groundstation/pkg/gateway/config"
	"github.com/assistkit/groundstation/pkg/gateway/satellite/protocol"
)

const outboundSignalQueueSize = 8

var errBackpressure = errors.New("outbound backpressure")

// State is the session lifecycle position. Transitions happen only on the
// Run goroutine.
type State int32

const (
	StateAwaitingConfig State = iota
	StateIdle
	StateListening
	StateProcessing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingConfig:
		return "awaiting_config"
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type wsConn interface {
	wsWriter
	ReadMessage() (int, []byte, error)
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string, sampleRate int) ([]byte, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type Config struct {
	MaxCommandInput   time.Duration
	MaxBufferBytes    int
	CommandTimeout    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	OutboundQueueSize int

	// RequestTopic is where transcribed commands are published.
	RequestTopic string

	// OutputTopicFor maps a room to the topic its replies should name.
	OutputTopicFor func(room string) string

	SendErrorTone bool
	ErrorTone     []byte
}

type Dependencies struct {
	Conn        wsConn
	Logger      zerolog.Logger
	SessionID   string
	Transcriber Transcriber
	Synthesizer Synthesizer
	Publisher   Publisher
	Correlator  *correlate.Correlator
	Config      Config

	// OnConfigured fires once the config handshake completes; the returned
	// func runs when the session ends. Used by the manager to index the
	// session by room.
	OnConfigured func(room string) (func(), error)
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type pipelineResult struct {
	commandID uint64
	audio     []byte
	alert     bool
	outcome   string
	err       error
}

type Session struct {
	conn        wsConn
	logger      zerolog.Logger
	id          string
	transcriber Transcriber
	synthesizer Synthesizer
	publisher   Publisher
	correlator  *correlate.Correlator
	cfg         Config

	onConfigured func(room string) (func(), error)

	ctx    context.Context
	cancel context.CancelFunc

	// The writer outlives ctx slightly so feedback queued during teardown
	// still reaches the satellite.
	writeCtx    context.Context
	writeCancel context.CancelFunc

	outboundSignals chan []byte
	outboundAudio   chan []byte

	state     atomic.Int32
	commandID atomic.Uint64

	// Set during the handshake, before the manager can route anything here.
	clientCfg protocol.ClientConfig
	room      string

	playWG sync.WaitGroup
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Transcriber == nil {
		return nil, fmt.Errorf("transcriber is required")
	}
	if deps.Synthesizer == nil {
		return nil, fmt.Errorf("synthesizer is required")
	}
	if deps.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if deps.Correlator == nil {
		return nil, fmt.Errorf("correlator is required")
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(deps.Config.RequestTopic) == "" {
		return nil, fmt.Errorf("request topic is required")
	}
	if deps.Config.MaxCommandInput <= 0 {
		deps.Config.MaxCommandInput = 30 * time.Second
	}
	if deps.Config.MaxBufferBytes <= 0 {
		deps.Config.MaxBufferBytes = 1 << 20
	}
	if deps.Config.CommandTimeout <= 0 {
		deps.Config.CommandTimeout = 30 * time.Second
	}
	if deps.Config.HandshakeTimeout <= 0 {
		deps.Config.HandshakeTimeout = 5 * time.Second
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.OutputTopicFor == nil {
		deps.Config.OutputTopicFor = config.Config{}.OutputTopicFor
	}

	ctx, cancel := context.WithCancel(context.Background())
	writeCtx, writeCancel := context.WithCancel(context.Background())
	s := &Session{
		conn:            deps.Conn,
		logger:          deps.Logger.With().Str(log.FieldSessionID, deps.SessionID).Logger(),
		id:              deps.SessionID,
		transcriber:     deps.Transcriber,
		synthesizer:     deps.Synthesizer,
		publisher:       deps.Publisher,
		correlator:      deps.Correlator,
		cfg:             deps.Config,
		onConfigured:    deps.OnConfigured,
		ctx:             ctx,
		cancel:          cancel,
		writeCtx:        writeCtx,
		writeCancel:     writeCancel,
		outboundSignals: make(chan []byte, outboundSignalQueueSize),
		outboundAudio:   make(chan []byte, deps.Config.OutboundQueueSize),
	}
	s.state.Store(int32(StateAwaitingConfig))
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Room is valid once the handshake has completed.
func (s *Session) Room() string { return s.room }

func (s *Session) State() State {
	return State(s.state.Load())
}

// Close tears the session down. Safe from any goroutine.
func (s *Session) Close() {
	s.cancel()
}

// Run drives the session to completion and returns when the satellite
// disconnects, violates the protocol, or the session is closed.
func (s *Session) Run() error {
	defer func() {
		s.setState(StateClosed)
		s.correlator.FailSession(s.id, fmt.Errorf("satellite disconnected"))
	}()
	// Execution order on exit: cancel, wait for playback goroutines, then
	// stop the writer so its shutdown flush sees everything they queued.
	defer s.writeCancel()
	defer s.playWG.Wait()
	defer s.cancel()

	// Cap reads a little above the audio buffer so an oversized single frame
	// cannot balloon memory.
	s.conn.SetReadLimit(int64(s.cfg.MaxBufferBytes) + 64*1024)
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := satelliteWriter{
			ws:           s.conn,
			ctx:          s.writeCtx,
			pingInterval: s.cfg.PingInterval,
			writeTimeout: s.cfg.WriteTimeout,
			signals:      s.outboundSignals,
			audio:        s.outboundAudio,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	unregister, err := s.handshake(readCh)
	if err != nil {
		return err
	}
	if unregister != nil {
		defer unregister()
	}

	pipelineCh := make(chan pipelineResult, 1)
	listenTimer := time.NewTimer(s.cfg.MaxCommandInput)
	if !listenTimer.Stop() {
		<-listenTimer.C
	}
	defer listenTimer.Stop()

	var buffer []byte

	startProcessing := func() {
		s.setState(StateProcessing)
		pcm := buffer
		buffer = nil
		commandID := s.commandID.Load()
		go func() {
			// One command in flight at a time and pipelineCh is buffered,
			// so the send never blocks and the result is never lost.
			pipelineCh <- s.runCommand(pcm, commandID)
		}()
	}

	stopListenTimer := func() {
		if !listenTimer.Stop() {
			select {
			case <-listenTimer.C:
			default:
			}
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			s.drainPipeline(pipelineCh)
			return nil

		case err := <-writerErrCh:
			if err != nil {
				return fmt.Errorf("outbound writer: %w", err)
			}
			return nil

		case frame, ok := <-readCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				if isExpectedClose(frame.err) {
					return nil
				}
				return frame.err
			}
			msg, err := protocol.Decode(frame.messageType, frame.data)
			if err != nil {
				s.logger.Warn().Err(err).Msg("dropping undecodable frame")
				continue
			}
			switch m := msg.(type) {
			case protocol.ClientConfig:
				s.logger.Warn().Msg("ignoring config frame after handshake")

			case protocol.Signal:
				switch m.Name {
				case protocol.SignalStartCommand:
					// A START while already capturing or processing is
					// ignored so it cannot wipe audio collected so far.
					if s.State() != StateIdle {
						s.logger.Debug().Str(log.FieldSignal, m.Name).Msg("signal ignored, session not idle")
						continue
					}
					buffer = buffer[:0]
					s.commandID.Add(1)
					stopListenTimer()
					listenTimer.Reset(s.cfg.MaxCommandInput)
					s.setState(StateListening)
				case protocol.SignalEndCommand:
					if s.State() != StateListening {
						continue
					}
					stopListenTimer()
					if len(buffer) == 0 {
						s.setState(StateIdle)
						continue
					}
					startProcessing()
				case protocol.SignalCancelCommand:
					switch s.State() {
					case StateListening:
						stopListenTimer()
						buffer = nil
						s.setState(StateIdle)
						metrics.IncCommand(metrics.OutcomeCancelled)
					case StateProcessing:
						// Invalidate the in-flight command; its result is
						// discarded on arrival.
						s.commandID.Add(1)
					}
				}

			case protocol.AudioFrame:
				if s.State() != StateListening {
					continue
				}
				buffer = append(buffer, m.Data...)
				if len(buffer) >= s.cfg.MaxBufferBytes {
					// Buffer cap reached: process what we have rather than
					// fail the command.
					buffer = buffer[:s.cfg.MaxBufferBytes]
					stopListenTimer()
					s.logger.Debug().Int("bytes", len(buffer)).Msg("buffer cap reached, processing early")
					startProcessing()
				}
			}

		case <-listenTimer.C:
			if s.State() != StateListening {
				continue
			}
			if len(buffer) == 0 {
				s.setState(StateIdle)
				continue
			}
			s.logger.Debug().Msg("max command input reached, processing early")
			startProcessing()

		case res := <-pipelineCh:
			s.finishCommand(res)
		}
	}
}

func (s *Session) handshake(readCh <-chan inboundFrame) (func(), error) {
	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("no config received within %s", s.cfg.HandshakeTimeout)
	case frame, ok := <-readCh:
		if !ok {
			return nil, fmt.Errorf("connection closed before config")
		}
		if frame.err != nil {
			return nil, frame.err
		}
		msg, err := protocol.Decode(frame.messageType, frame.data)
		if err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}
		cfg, ok := msg.(protocol.ClientConfig)
		if !ok {
			return nil, fmt.Errorf("handshake: expected config, got %T", msg)
		}
		s.clientCfg = cfg
		s.room = cfg.Room
		s.logger = s.logger.With().Str(log.FieldRoom, cfg.Room).Logger()

		var unregister func()
		if s.onConfigured != nil {
			unregister, err = s.onConfigured(cfg.Room)
			if err != nil {
				return nil, err
			}
		}
		s.setState(StateIdle)
		s.logger.Info().
			Int("samplerate", cfg.SampleRate).
			Int("chunk_size", cfg.ChunkSize).
			Msg("satellite configured")
		return unregister, nil
	}
}

// drainPipeline collects the in-flight command result after the session
// context is cancelled, so a force-closed session still reports failure
// feedback to the satellite. The pipeline stages all watch the session
// context and unblock promptly on cancel; the wait cap is a backstop.
func (s *Session) drainPipeline(pipelineCh <-chan pipelineResult) {
	if s.State() != StateProcessing {
		return
	}
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	select {
	case res := <-pipelineCh:
		s.finishCommand(res)
	case <-timer.C:
		s.logger.Warn().Msg("pipeline did not settle before close")
	}
}

func (s *Session) finishCommand(res pipelineResult) {
	defer s.setState(StateIdle)

	if res.commandID != s.commandID.Load() {
		metrics.IncCommand(metrics.OutcomeCancelled)
		s.logger.Debug().Msg("discarding result of cancelled command")
		return
	}

	if res.err != nil {
		metrics.IncCommand(res.outcome)
		s.logger.Warn().Err(res.err).Str("outcome", res.outcome).Msg("command failed")
		s.sendErrorFeedback()
		return
	}

	metrics.IncCommand(res.outcome)
	if res.outcome != metrics.OutcomeCompleted {
		return
	}
	if res.alert {
		s.sendSignal(protocol.SignalAlertDefault)
	}
	s.sendAudio(res.audio)
}

// Deliver plays an unsolicited response (room or broadcast traffic) without
// touching command state. Synthesis runs off the Run goroutine.
func (s *Session) Deliver(resp messages.Response) {
	if s.State() == StateClosed || s.State() == StateAwaitingConfig {
		return
	}
	s.playWG.Add(1)
	go func() {
		defer s.playWG.Done()
		audio, err := s.synthesizer.Synthesize(s.ctx, resp.Text, s.clientCfg.SampleRate)
		if err != nil {
			s.logger.Warn().Err(err).Msg("announcement synthesis failed")
			return
		}
		if resp.Alert != nil && resp.Alert.PlayBefore {
			s.sendSignal(protocol.SignalAlertDefault)
		}
		s.sendAudio(audio)
	}()
}

func (s *Session) sendErrorFeedback() {
	s.sendSignal(protocol.SignalErrorBeep)
	if s.cfg.SendErrorTone && len(s.cfg.ErrorTone) > 0 {
		s.sendAudio(s.cfg.ErrorTone)
	}
}

func (s *Session) sendSignal(name string) {
	if err := s.enqueueSignal([]byte(name)); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldSignal, name).Msg("dropping outbound signal")
	}
}

// sendAudio chunks pcm by the satellite's negotiated chunk size and queues
// it for playback. Blocks on ctx if the writer falls behind.
func (s *Session) sendAudio(pcm []byte) {
	chunkBytes := s.clientCfg.ChunkSize * 2 * s.clientCfg.OutputChannels
	if chunkBytes <= 0 {
		chunkBytes = 4096
	}
	for off := 0; off < len(pcm); off += chunkBytes {
		end := min(off+chunkBytes, len(pcm))
		select {
		case s.outboundAudio <- pcm[off:end]:
		case <-s.ctx.Done():
			return
		}
	}
}

// enqueueSignal queues a signal, evicting the oldest queued one when the
// channel is full. Signals are rare so eviction only happens on a stuck
// writer, where freshest-wins is the right call.
func (s *Session) enqueueSignal(payload []byte) error {
	for i := 0; i < 4; i++ {
		select {
		case s.outboundSignals <- payload:
			return nil
		default:
		}
		select {
		case <-s.outboundSignals:
		default:
		}
	}
	select {
	case s.outboundSignals <- payload:
		return nil
	default:
		return errBackpressure
	}
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) setState(next State) {
	old := State(s.state.Swap(int32(next)))
	if old == next {
		return
	}
	s.logger.Debug().
		Str(log.FieldOldState, old.String()).
		Str(log.FieldNewState, next.String()).
		Msg("session state changed")
}

func isExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
