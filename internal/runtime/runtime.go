package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/narration"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	metricsServer  *http.Server
	telemetryClose func(context.Context) error
	store          *eventstore.Store
	embedded       *natsserver.EmbeddedServer
	bus            *bus.Client
	narration      *narration.Service
	ready          atomic.Bool
	wg             sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	defer r.closeTelemetry()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store
	defer func() {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}()

	backend, err := BuildSynthesizer(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	orchestrator, err := BuildOrchestrator(r.cfg, backend, store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	if err := r.startBus(ctx); err != nil {
		return err
	}
	defer r.stopBus()

	r.narration = narration.NewService(ctx, narration.Settings{
		Narration:    r.cfg.Narration,
		Output:       r.cfg.Output,
		Defaults:     PipelineOptions(r.cfg),
		DefaultVoice: r.cfg.Voices.DefaultVoice,
		Timeout:      ms(r.cfg.Pipeline.GenerationTimeoutMS),
	}, r.bus, orchestrator, store, r.logger, narration.WithCloner(backend, CloneLibrary(r.cfg.Voices)))
	if err := r.narration.Start(); err != nil {
		return fmt.Errorf("failed to start narration service: %w", err)
	}
	defer r.narration.Close()

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		r.metricsServer = r.serve("metrics", r.cfg.Telemetry.PrometheusBind, metricsHandler)
	}
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = r.serve("http", addr, r.routes(metricsHandler))

	r.wg.Add(1)
	go r.pruneLoop(ctx)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("backend", r.cfg.Backend.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()
	return nil
}

// routes builds the main HTTP handler. /metrics is mounted here unless it
// has a listener of its own.
func (r *Runtime) routes(metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /generations", r.handleListGenerations)
	mux.HandleFunc("GET /generations/{id}", r.handleGetGeneration)
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind == "" {
		mux.Handle("/metrics", metricsHandler)
	}
	return mux
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		ns, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats-server")))
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.embedded = ns
		busCfg.Servers = []string{ns.ClientURL()}
	}
	if !r.cfg.Narration.Enabled {
		return nil
	}
	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		r.embedded.Shutdown()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client
	return nil
}

func (r *Runtime) stopBus() {
	r.bus.Close()
	r.embedded.Shutdown()
}

func (r *Runtime) serve(name, addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slogError(err))
		}
	}()
	return srv
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

func (r *Runtime) closeTelemetry() {
	if r.telemetryClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.telemetryClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slogError(err))
	}
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Narration.Enabled && !r.bus.Healthy() {
		return false
	}
	return r.narration == nil || r.narration.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleListGenerations(w http.ResponseWriter, req *http.Request) {
	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	gens, err := r.store.ListGenerations(req.Context(), limit)
	if err != nil {
		r.logger.Warn("list generations failed", slogError(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, gens)
}

type generationDetail struct {
	eventstore.Generation
	Events []eventstore.ChunkEvent `json:"events"`
}

func (r *Runtime) handleGetGeneration(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	gen, err := r.store.GetGeneration(req.Context(), id)
	if errors.Is(err, eventstore.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		r.logger.Warn("get generation failed", slogError(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	events, err := r.store.ListChunkEvents(req.Context(), id)
	if err != nil {
		r.logger.Warn("list chunk events failed", slogError(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, generationDetail{Generation: gen, Events: events})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
