package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/assistkit/groundstation/internal/log"
	"github.com/assistkit/groundstation/pkg/correlate"
	"github.com/assistkit/groundstation/pkg/gateway/satellite/session"
	"github.com/assistkit/groundstation/pkg/gateway/satellite/sessions"
)

// SatelliteHandler upgrades a satellite's connection and runs its session
// until disconnect.
type SatelliteHandler struct {
	Logger        zerolog.Logger
	Manager       *sessions.Manager
	Transcriber   session.Transcriber
	Synthesizer   session.Synthesizer
	Publisher     session.Publisher
	Correlator    *correlate.Correlator
	SessionConfig session.Config

	Upgrader websocket.Upgrader
}

func (h *SatelliteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.Manager.TryAcquire() {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "connection limit reached"})
		return
	}
	defer h.Manager.Release()

	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.Logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sessionID := uuid.NewString()
	var sess *session.Session
	sess, err = session.New(session.Dependencies{
		Conn:        conn,
		Logger:      h.Logger,
		SessionID:   sessionID,
		Transcriber: h.Transcriber,
		Synthesizer: h.Synthesizer,
		Publisher:   h.Publisher,
		Correlator:  h.Correlator,
		Config:      h.SessionConfig,
		OnConfigured: func(room string) (func(), error) {
			return h.Manager.Register(context.Background(), sess, room)
		},
	})
	if err != nil {
		h.Logger.Error().Err(err).Msg("session setup failed")
		_ = conn.Close()
		return
	}

	if err := sess.Run(); err != nil {
		h.Logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("session ended with error")
	}
	_ = conn.Close()
}
