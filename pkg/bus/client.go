// Package bus wraps the hub's single connection to the MQTT broker: publish,
// tracked subscriptions, a lazy inbound message stream, and reconnection with
// capped jittered backoff. Connection state is owned here exclusively.
package bus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/assistkit/groundstation/internal/log"
	"github.com/assistkit/groundstation/internal/metrics"
)

// ErrUnavailable is returned by Publish while the broker connection is down.
// Sessions surface it to the satellite as error feedback.
var ErrUnavailable = errors.New("bus unavailable")

// Message is one inbound (topic, payload) pair.
type Message struct {
	Topic   string
	Payload []byte
}

type Config struct {
	BrokerURL      string // e.g. tcp://localhost:1883
	ClientID       string
	QoS            byte
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ConnectTimeout time.Duration
	MessageBuffer  int
}

// conn is the slice of the paho client the wrapper drives. Tests substitute
// a fake broker connection through newConn.
type conn interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

type connFactory func(onLost func(error)) conn

// Client owns the broker connection. All publishes serialize through it; no
// session holds a private connection.
type Client struct {
	cfg     Config
	logger  zerolog.Logger
	newConn connFactory

	mu   sync.Mutex
	subs map[string]struct{}
	c    conn

	state    atomic.Int32
	stateCh  chan State
	messages chan Message
	lost     chan error
}

func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = 256
	}

	c := &Client{
		cfg:      cfg,
		logger:   logger,
		subs:     make(map[string]struct{}),
		stateCh:  make(chan State, 8),
		messages: make(chan Message, cfg.MessageBuffer),
		lost:     make(chan error, 1),
	}
	c.newConn = c.newPahoConn
	return c
}

func (c *Client) newPahoConn(onLost func(error)) conn {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			onLost(err)
		})
	return mqtt.NewClient(opts)
}

// Connect starts the manage loop. The first dial happens in the background;
// broker outages are treated as transient from the very first attempt and
// never crash the process. The loop exits when ctx is cancelled.
func (c *Client) Connect(ctx context.Context) {
	go c.run(ctx)
}

func (c *Client) run(ctx context.Context) {
	delay := c.cfg.InitialBackoff
	first := true

	for {
		if first {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}

		cn := c.newConn(c.onLost)
		if err := waitToken(ctx, cn.Connect(), c.cfg.ConnectTimeout); err != nil {
			if ctx.Err() != nil {
				c.setState(StateDisconnected)
				return
			}
			c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("broker connect failed")
			if !sleepCtx(ctx, jitter(delay)) {
				c.setState(StateDisconnected)
				return
			}
			delay = min(delay*2, c.cfg.MaxBackoff)
			continue
		}

		c.mu.Lock()
		c.c = cn
		topics := make([]string, 0, len(c.subs))
		for topic := range c.subs {
			topics = append(topics, topic)
		}
		c.mu.Unlock()

		// Broker-side session state is not trusted: reissue every tracked
		// subscription on each (re)connect.
		for _, topic := range topics {
			if err := waitToken(ctx, cn.Subscribe(topic, c.cfg.QoS, c.onMessage), c.cfg.ConnectTimeout); err != nil {
				c.logger.Error().Err(err).Str(log.FieldTopic, topic).Msg("resubscribe failed")
			}
		}

		if !first {
			metrics.BusReconnectsTotal.Inc()
		}
		c.setState(StateConnected)
		c.logger.Info().Str("broker", c.cfg.BrokerURL).Int("subscriptions", len(topics)).Msg("broker connected")
		delay = c.cfg.InitialBackoff
		first = false

		select {
		case <-ctx.Done():
			cn.Disconnect(250)
			c.clearConn(cn)
			c.setState(StateDisconnected)
			return
		case err := <-c.lost:
			c.clearConn(cn)
			c.logger.Warn().Err(err).Msg("broker connection lost")
		}
	}
}

func (c *Client) clearConn(cn conn) {
	c.mu.Lock()
	if c.c == cn {
		c.c = nil
	}
	c.mu.Unlock()
}

func (c *Client) onLost(err error) {
	select {
	case c.lost <- err:
	default:
	}
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	select {
	case c.messages <- Message{Topic: msg.Topic(), Payload: msg.Payload()}:
	default:
		c.logger.Warn().Str(log.FieldTopic, msg.Topic()).Msg("inbound bus buffer full, dropping message")
	}
}

// Publish sends payload to topic, failing fast with ErrUnavailable while the
// connection is down.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	cn := c.c
	c.mu.Unlock()
	if cn == nil || c.State() != StateConnected {
		return ErrUnavailable
	}
	if err := waitToken(ctx, cn.Publish(topic, c.cfg.QoS, false, payload), c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("%w: publish %s: %s", ErrUnavailable, topic, err)
	}
	return nil
}

// Subscribe adds topic to the tracked set and, when connected, issues the
// subscription immediately. Tracked topics survive reconnects.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	c.subs[topic] = struct{}{}
	cn := c.c
	c.mu.Unlock()

	if cn == nil {
		return nil
	}
	if err := waitToken(ctx, cn.Subscribe(topic, c.cfg.QoS, c.onMessage), c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe drops topic from the tracked set and, when connected, tells the
// broker to stop delivery.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	cn := c.c
	c.mu.Unlock()

	if cn == nil {
		return nil
	}
	if err := waitToken(ctx, cn.Unsubscribe(topic), c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Messages returns the inbound message stream. It stays valid across
// reconnects.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// StateChanges returns buffered connection state notifications.
func (c *Client) StateChanges() <-chan State {
	return c.stateCh
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	metrics.BusState.Set(float64(s))
	c.logger.Debug().
		Str(log.FieldOldState, old.String()).
		Str(log.FieldNewState, s.String()).
		Msg("bus state changed")
	select {
	case c.stateCh <- s:
	default:
	}
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func jitter(d time.Duration) time.Duration {
	// ±20% so a fleet of hubs does not reconnect in lockstep.
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
