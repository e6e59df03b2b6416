package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/assistkit/groundstation/internal/dotenv"
	"github.com/assistkit/groundstation/internal/log"
	"github.com/assistkit/groundstation/pkg/bus"
	"github.com/assistkit/groundstation/pkg/correlate"
	"github.com/assistkit/groundstation/pkg/gateway/config"
	"github.com/assistkit/groundstation/pkg/gateway/satellite/sessions"
	gatewayserver "github.com/assistkit/groundstation/pkg/gateway/server"
	"github.com/assistkit/groundstation/pkg/speech"
)

type hubDeps struct {
	loadConfig   func(path string) (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultHubDeps() hubDeps {
	return hubDeps{
		loadConfig: config.Load,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runHub(ctx context.Context, configPath string, deps hubDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Configure(log.Config{Level: cfg.LogLevel})
	logger := log.Base()

	busClient := bus.New(bus.Config{
		BrokerURL: cfg.BrokerURL(),
		ClientID:  cfg.ClientID,
	}, log.WithComponent("bus"))

	correlator := correlate.New()

	manager := sessions.NewManager(busClient, correlator, sessions.Config{
		BroadcastTopic: cfg.BroadcastTopic,
		OutputTopicFor: cfg.OutputTopicFor,
		MaxConnections: cfg.MaxConnections,
	}, log.WithComponent("sessions"))

	bridge := speech.NewBridge(speech.Config{
		TranscriptionURL:   cfg.TranscriptionURL,
		SynthesisURL:       cfg.SynthesisURL,
		TranscriptionToken: cfg.TranscriptionToken,
		SynthesisToken:     cfg.SynthesisToken,
		CallTimeout:        cfg.SpeechCallTimeout,
	}, log.WithComponent("speech"))

	srv := gatewayserver.New(gatewayserver.Dependencies{
		Config:      cfg,
		Logger:      log.WithComponent("http"),
		Bus:         busClient,
		Manager:     manager,
		Correlator:  correlator,
		Transcriber: bridge,
		Synthesizer: bridge,
		Publisher:   busClient,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	busClient.Connect(runCtx)

	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info().
		Str("addr", cfg.Addr).
		Str("broker", cfg.BrokerURL()).
		Str("client_id", cfg.ClientID).
		Msg("starting ground station")

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := manager.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("session manager: %w", err)
		}
		return nil
	})

	listenErrCh := make(chan error, 1)
	g.Go(func() error {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return fmt.Errorf("serve: %w", err)
		}
		listenErrCh <- nil
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		cancel()
		_ = g.Wait()
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-gctx.Done():
		cancel()
		if err := g.Wait(); err != nil {
			return err
		}
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info().Str(log.FieldSignal, sig.String()).Msg("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if !manager.Drain(shutdownCtx) {
		logger.Warn().Msg("session drain incomplete, some satellites closed uncleanly")
	}

	cancel()
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info().Msg("ground station stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, args []string, deps hubDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "groundstation: %v\n", err)
		return 1
	}

	fs := flag.NewFlagSet("groundstation", flag.ContinueOnError)
	fs.SetOutput(stderr)
	defaultPath := os.Getenv("GROUNDSTATION_CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "groundstation.yaml"
	}
	configPath := fs.String("config", defaultPath, "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := runHub(ctx, *configPath, deps); err != nil {
		fmt.Fprintf(stderr, "groundstation: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, os.Args[1:], defaultHubDeps()))
}
