// Package server wires the HTTP routes and middleware chain.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/assistkit/groundstation/pkg/correlate"
	"github.com/assistkit/groundstation/pkg/gateway/config"
	"github.com/assistkit/groundstation/pkg/gateway/handlers"
	"github.com/assistkit/groundstation/pkg/gateway/mw"
	"github.com/assistkit/groundstation/pkg/gateway/satellite/session"
	"github.com/assistkit/groundstation/pkg/gateway/satellite/sessions"
	"github.com/assistkit/groundstation/pkg/speech"
)

type Server struct {
	cfg    config.Config
	logger zerolog.Logger
	router chi.Router
}

type Dependencies struct {
	Config      config.Config
	Logger      zerolog.Logger
	Bus         handlers.BusStatus
	Manager     *sessions.Manager
	Correlator  *correlate.Correlator
	Transcriber session.Transcriber
	Synthesizer session.Synthesizer
	Publisher   session.Publisher
}

func New(deps Dependencies) *Server {
	s := &Server{
		cfg:    deps.Config,
		logger: deps.Logger,
		router: chi.NewRouter(),
	}

	var errorTone []byte
	if deps.Config.SendErrorTone {
		errorTone = speech.ErrorTone(deps.Config.ErrorTonePath, 16000)
	}

	satellite := &handlers.SatelliteHandler{
		Logger:      deps.Logger,
		Manager:     deps.Manager,
		Transcriber: deps.Transcriber,
		Synthesizer: deps.Synthesizer,
		Publisher:   deps.Publisher,
		Correlator:  deps.Correlator,
		SessionConfig: session.Config{
			MaxCommandInput:  deps.Config.MaxCommandInput,
			MaxBufferBytes:   deps.Config.MaxBufferBytes,
			CommandTimeout:   deps.Config.CommandTimeout,
			HandshakeTimeout: deps.Config.HandshakeTimeout,
			WriteTimeout:     deps.Config.WSWriteTimeout,
			PingInterval:     deps.Config.WSPingInterval,
			RequestTopic:     deps.Config.InputTopic(),
			OutputTopicFor:   deps.Config.OutputTopicFor,
			SendErrorTone:    deps.Config.SendErrorTone,
			ErrorTone:        errorTone,
		},
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	s.router.Get("/health", handlers.HealthHandler{}.ServeHTTP)
	s.router.Get("/healthz", handlers.HealthHandler{}.ServeHTTP)
	s.router.Get("/readyz", handlers.ReadyHandler{Bus: deps.Bus, Manager: deps.Manager}.ServeHTTP)
	s.router.Get("/acceptsConnections", handlers.AcceptsConnectionsHandler{Manager: deps.Manager}.ServeHTTP)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/satellite", satellite.ServeHTTP)

	return s
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
