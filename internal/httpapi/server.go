// Package httpapi is the admin HTTP surface: health, metrics, config
// inspection, manual triggers, the Huly webhook intake, and a server-sent
// event rebroadcast of engine activity.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/config"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/controller"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/huly"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/metrics"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/orchestrator"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/store"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/workflow"
)

// Server is the admin HTTP server.
type Server struct {
	cfg     *config.Store
	ctl     *controller.Controller
	st      *store.Store
	orch    *orchestrator.Orchestrator
	eng     *workflow.Engine
	metrics *metrics.Metrics
	events  *Broadcaster
	log     *zap.Logger

	startedAt time.Time
}

// NewServer wires the admin surface.
func NewServer(cfg *config.Store, ctl *controller.Controller, st *store.Store,
	orch *orchestrator.Orchestrator, eng *workflow.Engine, m *metrics.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		ctl:       ctl,
		st:        st,
		orch:      orch,
		eng:       eng,
		metrics:   m,
		events:    NewBroadcaster(),
		log:       log,
		startedAt: time.Now(),
	}
}

// Events returns the broadcaster so engine components can publish frames.
func (s *Server) Events() *Broadcaster { return s.events }

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", s.handleConfig)
		r.Put("/config", s.handleConfigUpdate)
		r.Post("/config/reload", s.handleReload)
		r.Post("/sync/trigger", s.handleTrigger)
		r.Post("/sync/pause", s.handlePause)
		r.Post("/sync/resume", s.handleResume)
		r.Post("/webhook/h", s.handleWebhook)
		r.Get("/events", s.handleEvents)
		r.Get("/runs", s.handleRuns)
		r.Get("/history", s.handleHistory)
	})
	return r
}

// Serve runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Get().ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("admin server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeOK := s.st.Ping(r.Context()) == nil
	status := "ok"
	code := http.StatusOK
	if !storeOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	resp := map[string]interface{}{
		"status":  status,
		"uptime":  time.Since(s.startedAt).String(),
		"store":   storeOK,
		"paused":  s.eng.Paused(),
		"dry_run": s.cfg.Get().DryRun,
	}
	if last, ok := s.orch.History().Last(); ok {
		resp["last_cycle"] = last
		if age := time.Since(last.StartedAt); age > 3*s.cfg.Get().SyncInterval {
			resp["status"] = "degraded"
			resp["stale_for"] = age.String()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

// handleConfig returns the active configuration with secrets redacted.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":               cfg.Version,
		"sync_interval":         cfg.SyncInterval.String(),
		"api_delay":             cfg.APIDelay.String(),
		"dry_run":               cfg.DryRun,
		"max_workers":           cfg.MaxWorkers,
		"batch_size":            cfg.BatchSize,
		"db_path":               cfg.DBPath,
		"huly_url":              cfg.HulyURL,
		"vibe_url":              cfg.VibeURL,
		"vibe_enabled":          cfg.VibeEnabled(),
		"task_queue":            cfg.TaskQueue,
		"debounce_window":       cfg.DebounceWindow.String(),
		"dedupe_cache_ttl":      cfg.DedupeCacheTTL.String(),
		"reconciliation_action": string(cfg.ReconciliationAction),
		"listen_addr":           cfg.ListenAddr,
		"log_level":             cfg.LogLevel,
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}
	var body struct {
		Path string `json:"path"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.ctl.Reload(body.Path); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded": true,
		"version":  s.cfg.Get().Version,
	})
}

// handleTrigger starts an immediate sync: the full orchestration, or one
// project when the body names it. A sync already covering that scope is a
// conflict, not a queue entry.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}
	var body struct {
		Project string `json:"project"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body)
	}

	if body.Project != "" {
		if s.ctl.ProjectBusy(body.Project) {
			writeError(w, http.StatusConflict, "sync already running for project "+body.Project)
			return
		}
		id := s.ctl.TriggerProjectSync(body.Project)
		s.events.Publish("sync_triggered", map[string]string{
			"correlation_id": id, "project": body.Project,
		})
		writeJSON(w, http.StatusAccepted, map[string]string{
			"correlation_id": id, "project": body.Project,
		})
		return
	}

	if s.ctl.OrchestrationActive() {
		writeError(w, http.StatusConflict, "sync already running")
		return
	}
	id := s.ctl.TriggerSync()
	s.events.Publish("sync_triggered", map[string]string{"correlation_id": id})
	writeJSON(w, http.StatusAccepted, map[string]string{"correlation_id": id})
}

// handleConfigUpdate applies a partial runtime configuration change. The
// patched Config is validated and swapped atomically; rejected patches leave
// the running configuration untouched.
func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}
	var patch struct {
		SyncIntervalMS       *int    `json:"sync_interval_ms"`
		APIDelayMS           *int    `json:"api_delay_ms"`
		DryRun               *bool   `json:"dry_run"`
		MaxWorkers           *int    `json:"max_workers"`
		BatchSize            *int    `json:"batch_size"`
		DebounceWindowMS     *int    `json:"debounce_window_ms"`
		DedupeCacheTTLMS     *int    `json:"dedupe_cache_ttl_ms"`
		ReconciliationAction *string `json:"reconciliation_action"`
		LogLevel             *string `json:"log_level"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload: "+err.Error())
		return
	}

	next := *s.cfg.Get()
	if patch.SyncIntervalMS != nil {
		next.SyncInterval = time.Duration(*patch.SyncIntervalMS) * time.Millisecond
	}
	if patch.APIDelayMS != nil {
		next.APIDelay = time.Duration(*patch.APIDelayMS) * time.Millisecond
	}
	if patch.DryRun != nil {
		next.DryRun = *patch.DryRun
	}
	if patch.MaxWorkers != nil {
		next.MaxWorkers = *patch.MaxWorkers
	}
	if patch.BatchSize != nil {
		next.BatchSize = *patch.BatchSize
	}
	if patch.DebounceWindowMS != nil {
		next.DebounceWindow = time.Duration(*patch.DebounceWindowMS) * time.Millisecond
	}
	if patch.DedupeCacheTTLMS != nil {
		next.DedupeCacheTTL = time.Duration(*patch.DedupeCacheTTLMS) * time.Millisecond
	}
	if patch.ReconciliationAction != nil {
		next.ReconciliationAction = config.ReconciliationAction(*patch.ReconciliationAction)
	}
	if patch.LogLevel != nil {
		next.LogLevel = *patch.LogLevel
	}

	if err := s.cfg.Swap(&next); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.eng.Deliver(workflow.SignalReloadConfig, "")
	s.events.Publish("config_updated", map[string]int{"version": s.cfg.Get().Version})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"updated": true,
		"version": s.cfg.Get().Version,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}
	s.eng.Deliver(workflow.SignalPause, "")
	s.events.Publish("engine_paused", nil)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}
	s.eng.Deliver(workflow.SignalResume, "")
	s.events.Publish("engine_resumed", nil)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// handleWebhook accepts Huly change notifications and fans them into the
// controller as project or issue scoped events.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}

	var payload huly.WebhookPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload: "+err.Error())
		return
	}
	if len(payload.Projects) == 0 {
		writeError(w, http.StatusBadRequest, "payload names no projects")
		return
	}

	accepted := 0
	for _, p := range payload.Projects {
		if p.Identifier == "" {
			continue
		}
		if len(p.Issues) == 0 {
			s.ctl.Submit(types.SyncEvent{
				Source: types.EventSourceWebhook, Kind: types.EventUpdate,
				ProjectID:     p.Identifier,
				CorrelationID: uuid.NewString(),
				ReceivedAt:    time.Now(),
			})
			accepted++
			continue
		}
		for _, issue := range p.Issues {
			s.ctl.Submit(types.SyncEvent{
				Source: types.EventSourceWebhook, Kind: types.EventUpdate,
				ProjectID: p.Identifier, IssueKey: issue,
				CorrelationID: uuid.NewString(),
				ReceivedAt:    time.Now(),
			})
			accepted++
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

// handleEvents is the SSE rebroadcast of engine activity.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	sub, cancel := s.events.Subscribe()
	defer cancel()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			fl.Flush()
		case data, ok := <-sub:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			fl.Flush()
		}
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.st.RecentRuns(r.Context(), 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cycles": s.orch.History().Recent(20),
	})
}

// authorized checks the webhook bearer token. An empty configured token
// leaves the mutating endpoints open, which only makes sense behind a
// trusted proxy.
func (s *Server) authorized(r *http.Request) bool {
	token := s.cfg.Get().WebhookToken
	if token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+token
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
