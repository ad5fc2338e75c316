package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"vectorflow/internal/api"
	"vectorflow/internal/config"
	"vectorflow/internal/logging"
	"vectorflow/internal/services"
)

const defaultDeadLetterLimit = 50

type apiServer struct {
	bind         string
	instanceID   string
	token        string
	origins      []string
	logger       *slog.Logger
	daemon       *Daemon
	drainTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	return &apiServer{
		bind:         strings.TrimSpace(cfg.API.Bind),
		instanceID:   cfg.API.InstanceID,
		token:        cfg.API.Token,
		origins:      cfg.API.AllowedOrigins,
		logger:       logging.NewComponentLogger(logger, "api-server"),
		daemon:       d,
		drainTimeout: 5 * time.Second,
	}
}

// routes builds the chi router. Every route except /healthz requires the
// bearer token when one is configured.
func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestContext)
	r.Use(middleware.Recoverer)
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.token))
		r.Get("/api/status", s.handleStatus)
		r.Get("/api/queue/stats", s.handleQueueStats)
		r.Get("/api/queue/deadletters", s.handleDeadLetters)
		r.Route("/instances/{instanceId}/datapipelineruns", func(r chi.Router) {
			r.Post("/", s.handleCreateRun)
			r.Post("/filter", s.handleFilterRuns)
			r.Get("/{name}", s.handleGetRun)
			r.Get("/{name}/workitems", s.handleWorkItems)
		})
	})
	return r
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "api_server_failed"),
			)
		}
	}()

	go func() {
		<-ctx.Done()
		s.stop()
	}()

	s.logger.Info("api server listening",
		logging.String("address", listener.Addr().String()),
		logging.Bool("auth_required", s.token != ""),
	)
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func (s *apiServer) addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *apiServer) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.daemon.queue.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromQueueStats(stats))
}

func (s *apiServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, r, services.Wrap(services.ErrValidation, "api", "list dead letters", "invalid limit "+raw, nil))
			return
		}
		limit = parsed
	}
	letters, err := s.daemon.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromDeadLetters(letters))
}

func (s *apiServer) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := s.instance(w, r)
	if !ok {
		return
	}
	var req api.RunCreateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.daemon.runs.Create(r.Context(), instanceID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *apiServer) handleFilterRuns(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := s.instance(w, r)
	if !ok {
		return
	}
	var filter api.RunFilter
	if err := decodeBody(w, r, &filter); err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.daemon.runs.List(r.Context(), instanceID, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *apiServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := s.instance(w, r)
	if !ok {
		return
	}
	run, err := s.daemon.runs.Get(r.Context(), instanceID, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *apiServer) handleWorkItems(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := s.instance(w, r)
	if !ok {
		return
	}
	items, err := s.daemon.runs.WorkItems(r.Context(), instanceID, chi.URLParam(r, "name"), r.URL.Query().Get("stage"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// instance resolves the {instanceId} path segment. A daemon serves exactly
// one instance; other instances are reported as not found.
func (s *apiServer) instance(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "instanceId"))
	if id == "" || (s.instanceID != "" && id != s.instanceID) {
		s.writeError(w, r, services.Wrap(services.ErrNotFound, "api", "resolve instance", "unknown instance "+id, nil))
		return "", false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return services.Wrap(services.ErrValidation, "api", "decode request", "invalid JSON body", err)
	}
	return nil
}

func (s *apiServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := api.StatusCode(err)
	logger := logging.WithContext(r.Context(), s.logger)
	if status >= http.StatusInternalServerError {
		logger.Error("api request failed",
			logging.String("path", r.URL.Path),
			logging.Int("status", status),
			logging.Error(err),
			logging.String(logging.FieldErrorKind, string(services.Kind(err))),
			logging.String(logging.FieldEventType, "api_request_failed"),
		)
	} else {
		logger.Debug("api request rejected",
			logging.String("path", r.URL.Path),
			logging.Int("status", status),
			logging.Error(err),
		)
	}
	writeJSON(w, status, api.NewErrorResponse(err))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// requestContext stamps chi's request id into the services context so log
// lines written while serving the request carry it.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = services.WithRequestID(ctx, id)
			w.Header().Set("X-Request-Id", id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
