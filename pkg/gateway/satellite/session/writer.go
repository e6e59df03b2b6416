package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// satelliteWriter owns every write to the satellite connection. Signals are
// short text frames and always jump ahead of queued audio, so an error beep
// or alert cue is never stuck behind seconds of PCM.
type satelliteWriter struct {
	ws           wsWriter
	ctx          context.Context
	pingInterval time.Duration
	writeTimeout time.Duration
	signals      <-chan []byte
	audio        <-chan []byte
}

func (w *satelliteWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.pingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	timeout := w.writeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	pings := time.NewTicker(pingInterval)
	defer pings.Stop()

	// An audio chunk dequeued but not yet written. It waits one extra round
	// so a signal arriving at the same moment still goes out first.
	var held []byte

	for {
		if w.ctx != nil {
			select {
			case <-w.ctx.Done():
				w.flushSignals(timeout)
				closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = w.ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(timeout))
				_ = w.ws.Close()
				return nil
			default:
			}
		}

		if wrote, err := w.drainOneSignal(timeout); err != nil {
			return err
		} else if wrote {
			continue
		}

		if held != nil {
			if wrote, err := w.drainOneSignal(timeout); err != nil {
				return err
			} else if wrote {
				continue
			}
			if err := w.write(websocket.BinaryMessage, held, timeout); err != nil {
				return err
			}
			held = nil
			continue
		}

		if w.signals == nil && w.audio == nil {
			return nil
		}

		select {
		case <-pings.C:
			deadline := time.Now().Add(timeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case payload, ok := <-w.signals:
			if !ok {
				w.signals = nil
				continue
			}
			if err := w.write(websocket.TextMessage, payload, timeout); err != nil {
				return err
			}
		case chunk, ok := <-w.audio:
			if !ok {
				w.audio = nil
				continue
			}
			held = chunk
		}
	}
}

// drainOneSignal writes a single queued signal if one is ready.
func (w *satelliteWriter) drainOneSignal(timeout time.Duration) (bool, error) {
	if w.signals == nil {
		return false, nil
	}
	select {
	case payload, ok := <-w.signals:
		if !ok {
			w.signals = nil
			return false, nil
		}
		return true, w.write(websocket.TextMessage, payload, timeout)
	default:
		return false, nil
	}
}

// flushSignals makes a best-effort pass over queued signals during shutdown
// so a final error beep still reaches the satellite.
func (w *satelliteWriter) flushSignals(timeout time.Duration) {
	if w.signals == nil {
		return
	}

	budget := 100 * time.Millisecond
	if timeout > 0 && timeout < budget {
		budget = timeout
	}
	deadline := time.Now().Add(budget)

	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		wrote, err := w.drainOneSignal(timeout)
		if err != nil || !wrote {
			return
		}
	}
}

func (w *satelliteWriter) write(messageType int, payload []byte, timeout time.Duration) error {
	if len(payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(messageType, payload)
}
