// Package sessions tracks live satellite sessions, indexes them by room,
// and routes inbound bus traffic to the right place.
package sessions

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/assistkit/groundstation/internal/log"
	"github.com/assistkit/groundstation/internal/metrics"
	"github.com/assistkit/groundstation/pkg/bus"
	"github.com/assistkit/groundstation/pkg/bus/messages"
	"github.com/assistkit/groundstation/pkg/correlate"
	"github.com/assistkit/groundstation/pkg/gateway/config"
	"github.com/assistkit/groundstation/pkg/gateway/satellite/session"
)

// Satellite is the slice of a session the manager operates on.
type Satellite interface {
	ID() string
	Room() string
	State() session.State
	Deliver(resp messages.Response)
	Close()
}

// Bus is the broker surface the manager needs.
type Bus interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	Messages() <-chan bus.Message
	StateChanges() <-chan bus.State
}

type Config struct {
	BroadcastTopic string
	MaxConnections int

	// OutputTopicFor maps a room to the topic its replies arrive on.
	OutputTopicFor func(room string) string
}

type trackedSession struct {
	sat  Satellite
	room string
	once sync.Once
}

// Manager owns the session table. Room topics are subscribed while at least
// one session serves the room and dropped when the last one leaves.
type Manager struct {
	logger     zerolog.Logger
	bus        Bus
	correlator *correlate.Correlator
	cfg        Config

	mu          sync.Mutex
	sessions    map[string]*trackedSession
	byRoom      map[string]map[string]*trackedSession
	topicToRoom map[string]string
	wg          sync.WaitGroup

	connections atomic.Int64
	draining    atomic.Bool
	connected   atomic.Bool
}

func NewManager(b Bus, correlator *correlate.Correlator, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 50
	}
	if cfg.OutputTopicFor == nil {
		cfg.OutputTopicFor = config.Config{}.OutputTopicFor
	}
	m := &Manager{
		logger:      logger,
		bus:         b,
		correlator:  correlator,
		cfg:         cfg,
		sessions:    make(map[string]*trackedSession),
		byRoom:      make(map[string]map[string]*trackedSession),
		topicToRoom: make(map[string]string),
	}
	// Optimistic until the bus reports a state: the handshake needs no
	// broker, and commands fail fast on publish anyway.
	m.connected.Store(true)
	return m
}

// TryAcquire claims a connection slot at upgrade time, before the handshake
// has revealed the room. Returns false when the hub is full, draining, or
// cut off from the broker.
func (m *Manager) TryAcquire() bool {
	if m.draining.Load() || !m.connected.Load() {
		return false
	}
	if m.connections.Add(1) > int64(m.cfg.MaxConnections) {
		m.connections.Add(-1)
		return false
	}
	metrics.SessionsActive.Inc()
	return true
}

// Release returns a slot claimed with TryAcquire.
func (m *Manager) Release() {
	m.connections.Add(-1)
	metrics.SessionsActive.Dec()
}

func (m *Manager) ActiveConnections() int {
	return int(m.connections.Load())
}

func (m *Manager) MaxConnections() int {
	return m.cfg.MaxConnections
}

// AcceptsConnections reports whether a new satellite would be admitted.
func (m *Manager) AcceptsConnections() bool {
	return !m.draining.Load() && m.connected.Load() &&
		m.ActiveConnections() < m.cfg.MaxConnections
}

// Register indexes a configured session under its room, subscribing the
// room's output topic on first use. The returned func undoes all of it and
// is safe to call more than once.
func (m *Manager) Register(ctx context.Context, sat Satellite, room string) (func(), error) {
	if m.draining.Load() {
		return nil, fmt.Errorf("shutting down")
	}

	entry := &trackedSession{sat: sat, room: room}
	topic := m.cfg.OutputTopicFor(room)

	m.mu.Lock()
	old := m.sessions[sat.ID()]
	m.sessions[sat.ID()] = entry
	roomSet := m.byRoom[room]
	if roomSet == nil {
		roomSet = make(map[string]*trackedSession)
		m.byRoom[room] = roomSet
	}
	firstInRoom := len(roomSet) == 0
	roomSet[sat.ID()] = entry
	m.topicToRoom[topic] = room
	m.wg.Add(1)
	m.mu.Unlock()

	if old != nil {
		m.unregister(old)
	}

	if firstInRoom {
		if err := m.bus.Subscribe(ctx, topic); err != nil {
			// Tracked regardless: the bus client reissues tracked topics on
			// reconnect, so a failed subscribe heals with the connection.
			m.logger.Warn().Err(err).Str(log.FieldTopic, topic).Msg("room subscribe failed")
		}
	}

	m.logger.Info().
		Str(log.FieldSessionID, sat.ID()).
		Str(log.FieldRoom, room).
		Int("active", m.ActiveConnections()).
		Msg("satellite registered")

	return func() { m.unregister(entry) }, nil
}

func (m *Manager) unregister(entry *trackedSession) {
	entry.once.Do(func() {
		topic := m.cfg.OutputTopicFor(entry.room)

		m.mu.Lock()
		if m.sessions[entry.sat.ID()] == entry {
			delete(m.sessions, entry.sat.ID())
		}
		lastInRoom := false
		if roomSet := m.byRoom[entry.room]; roomSet != nil && roomSet[entry.sat.ID()] == entry {
			delete(roomSet, entry.sat.ID())
			if len(roomSet) == 0 {
				delete(m.byRoom, entry.room)
				delete(m.topicToRoom, topic)
				lastInRoom = true
			}
		}
		m.mu.Unlock()
		m.wg.Done()

		if lastInRoom {
			if err := m.bus.Unsubscribe(context.Background(), topic); err != nil {
				m.logger.Warn().Err(err).Str(log.FieldTopic, topic).Msg("room unsubscribe failed")
			}
		}
	})
}

// Run subscribes the broadcast topic and routes bus traffic until ctx is
// cancelled. The hub never subscribes its own request topic; replies arrive
// on room output topics or the broadcast topic and are matched by ID.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.bus.Subscribe(ctx, m.cfg.BroadcastTopic); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldTopic, m.cfg.BroadcastTopic).Msg("subscribe failed, will retry on connect")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-m.bus.Messages():
			m.dispatch(msg)
		case st := <-m.bus.StateChanges():
			m.onBusState(st)
		}
	}
}

func (m *Manager) dispatch(msg bus.Message) {
	resp, err := messages.DecodeResponse(msg.Payload)
	if err != nil {
		metrics.IncBusMessage(metrics.KindDiscarded)
		m.logger.Warn().Err(err).Str(log.FieldTopic, msg.Topic).Msg("discarding malformed bus message")
		return
	}

	if resp.ID != nil {
		if m.correlator.Resolve(*resp.ID, resp) {
			metrics.IncBusMessage(metrics.KindReply)
		} else {
			// Nobody is waiting: the command timed out, was cancelled, or the
			// satellite is gone.
			metrics.IncBusMessage(metrics.KindDiscarded)
			m.logger.Debug().Str(log.FieldRequestID, resp.ID.String()).Msg("discarding unmatched reply")
		}
		return
	}

	if msg.Topic == m.cfg.BroadcastTopic {
		metrics.IncBusMessage(metrics.KindBroadcast)
		for _, sat := range m.snapshot(func(*trackedSession) bool { return true }) {
			sat.Deliver(resp)
		}
		return
	}

	m.mu.Lock()
	room, known := m.topicToRoom[msg.Topic]
	m.mu.Unlock()
	if !known {
		metrics.IncBusMessage(metrics.KindDiscarded)
		m.logger.Debug().Str(log.FieldTopic, msg.Topic).Msg("discarding message for unknown topic")
		return
	}

	metrics.IncBusMessage(metrics.KindRoom)
	for _, sat := range m.snapshot(func(e *trackedSession) bool { return e.room == room }) {
		sat.Deliver(resp)
	}
}

func (m *Manager) onBusState(st bus.State) {
	wasConnected := m.connected.Swap(st == bus.StateConnected)
	if st == bus.StateConnected || !wasConnected {
		return
	}

	// Broker gone: every in-flight command is undeliverable. Sessions that
	// are merely idle or listening ride out the outage.
	m.logger.Warn().Str(log.FieldBusState, st.String()).Msg("bus lost, failing in-flight commands")
	m.correlator.FailAll(correlate.ErrBusLost)
	for _, sat := range m.snapshot(func(e *trackedSession) bool {
		return e.sat.State() == session.StateProcessing
	}) {
		sat.Close()
	}
}

func (m *Manager) snapshot(match func(*trackedSession) bool) []Satellite {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Satellite, 0, len(m.sessions))
	for _, entry := range m.sessions {
		if match(entry) {
			out = append(out, entry.sat)
		}
	}
	return out
}

// Drain refuses new sessions, closes the existing ones, and waits for them
// to unregister or for ctx to expire.
func (m *Manager) Drain(ctx context.Context) bool {
	m.draining.Store(true)
	for _, sat := range m.snapshot(func(*trackedSession) bool { return true }) {
		sat.Close()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
