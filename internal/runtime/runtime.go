// Package runtime assembles the transcription service: telemetry, the
// shared inference worker, the optional NATS mirror, the session
// coordinator and the HTTP surface.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/gateway"
	"github.com/loqalabs/loqa-scribe/internal/inference"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the service until ctx is cancelled, then shuts the pieces
// down in reverse dependency order: stop accepting sessions, drain the
// inference worker, close the bus, flush telemetry.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	engine, err := buildEngine(r.cfg)
	if err != nil {
		return fmt.Errorf("failed to build inference engine: %w", err)
	}
	defer engine.Close()

	worker := inference.NewWorker(engine, r.cfg.Inference.QueueDepth, r.logger)
	worker.Start(ctx)

	var publish func(protocol.Transcript)
	var busClient *bus.Client
	var embedded *natsserver.EmbeddedServer
	if r.cfg.Bus.Enabled {
		embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		busCfg := r.cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		busClient, err = bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			embedded.Shutdown()
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		publish = func(tr protocol.Transcript) {
			if err := busClient.PublishTranscript(tr); err != nil {
				r.logger.Warn("transcript publish failed",
					slog.String("session_id", tr.SessionID),
					slog.String("error", err.Error()))
			}
		}
	}

	coord := pipeline.NewCoordinator(r.cfg, worker, publish, r.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/listen", gateway.New(coord, r.logger))
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
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
		slog.String("inference_mode", r.cfg.Inference.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	cancel()
	worker.Stop()

	busClient.Close()
	embedded.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildEngine picks the inference backend. Scripted is the no-model mode
// used in development and CI, exec shells out per window, whisper runs the
// model in-process.
func buildEngine(cfg config.Config) (inference.Engine, error) {
	switch cfg.Inference.Mode {
	case "scripted":
		return inference.NewScripted(nil, ""), nil
	case "exec":
		return inference.NewExecEngine(cfg.Inference.Command, cfg.Inference.Language, cfg.Audio.TargetSampleRate)
	case "whisper":
		return inference.NewWhisperEngine(cfg.Inference.ModelPath, cfg.Inference.Language, cfg.Inference.Threads)
	default:
		return nil, fmt.Errorf("unknown inference mode %q", cfg.Inference.Mode)
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
