package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sonalabs/sona-core/internal/bus"
	"github.com/sonalabs/sona-core/internal/config"
	"github.com/sonalabs/sona-core/internal/natsserver"
	"github.com/sonalabs/sona-core/internal/speech"
	"github.com/sonalabs/sona-core/internal/store"
)

type Runtime struct {
	cfg         config.Config
	version     string
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	generationStore, err := store.Open(ctx, r.cfg.Store, store.AudioParams{
		Format:     r.cfg.Synth.Format,
		SampleRate: r.cfg.Synth.SampleRate,
		Channels:   r.cfg.Synth.Channels,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open generation store: %w", err)
	}
	defer generationStore.Close()

	synth, err := speech.NewSynthesizer(r.cfg.Synth)
	if err != nil {
		return fmt.Errorf("failed to build synthesizer: %w", err)
	}

	speechService := speech.NewService(ctx, r.cfg, busClient, generationStore, synth, r.logger)
	if err := speechService.Start(); err != nil {
		return fmt.Errorf("failed to start speech service: %w", err)
	}
	defer speechService.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady(busClient, speechService))
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("version", r.version),
		slog.String("synth_mode", r.cfg.Synth.Mode),
		slog.Bool("playback_enabled", r.cfg.Playback.Enabled))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(busClient *bus.Client, speechService *speech.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if r.ready.Load() && busClient.Healthy() && speechService.Healthy() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	}
}
