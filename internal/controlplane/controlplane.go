// Package controlplane implements the Control Plane (C9): a
// unix-domain socket speaking the length-prefixed JSON protocol from
// internal/framing, plus an optional HTTP listener for /health,
// /ready, and /metrics (§4.9, §6).
package controlplane

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/poppobuilder/poppod/internal/apperrors"
	"github.com/poppobuilder/poppod/internal/config"
	"github.com/poppobuilder/poppod/internal/domain"
	"github.com/poppobuilder/poppod/internal/framing"
	"github.com/poppobuilder/poppod/internal/log"
	"github.com/poppobuilder/poppod/internal/metrics"
	"github.com/poppobuilder/poppod/internal/queue"
	"github.com/poppobuilder/poppod/internal/registry"
	"github.com/poppobuilder/poppod/internal/scheduler"
)

// ProjectRegistry is the slice of the Project Registry (C2) the control
// plane calls into.
type ProjectRegistry interface {
	Register(path string, opts registry.Options) (string, error)
	Unregister(id string, force bool) error
	Enable(id string) error
	Disable(id string) error
	Update(id string, patch registry.Patch) error
	Get(id string) (domain.Project, error)
	List() []domain.Project
}

// TaskQueue is the slice of the global queue (C4) the control plane
// calls into.
type TaskQueue interface {
	Enqueue(t domain.Task) (string, error)
	NextForProject(projectID string) *domain.Task
	StartTask(taskID, workerID string) error
	Complete(taskID string) error
	Fail(taskID, errMsg string, retryDelay, maxDelay time.Duration) error
	Cancel(taskID string) error
	Stats() queue.Stats
}

// WorkerManager is the slice of the Lifecycle Manager (C7) the control
// plane calls into.
type WorkerManager interface {
	Status(workerID string) (domain.Worker, error)
	List() []domain.Worker
}

// Scaler is the slice of the Auto-Scaler (C8) the control plane calls
// into.
type Scaler interface {
	ForceScale(delta int) error
	History() []domain.ScalingEvent
}

// ConfigStore is the slice of the Config Store (C1) the control plane
// calls into.
type ConfigStore interface {
	Get() *config.Document
	Update(patch map[string]any) (bool, error)
	Reload() error
}

// MetricsSource is the slice of the Metrics Collector (C3) the control
// plane calls into.
type MetricsSource interface {
	GetAggregated() metrics.Aggregated
}

// SchedulerControl is the slice of the Scheduler (C5) the control plane
// calls into.
type SchedulerControl interface {
	CurrentStrategy() scheduler.Strategy
	SetStrategy(scheduler.Strategy)
}

// ShutdownFunc begins the daemon's graceful shutdown sequence. It must
// return promptly; the actual teardown runs asynchronously.
type ShutdownFunc func()

// Dependencies wires the control plane to the rest of the daemon. Any
// field may be nil; the corresponding commands then fail with
// Internal rather than panicking.
type Dependencies struct {
	Registry  ProjectRegistry
	Queue     TaskQueue
	Workers   WorkerManager
	Scaler    Scaler
	Config    ConfigStore
	Metrics   MetricsSource
	Scheduler SchedulerControl
	Shutdown  ShutdownFunc
}

// Config controls the control plane's listeners (§4.9, §6).
type Config struct {
	SocketPath     string
	HTTPAddr       string // empty disables the HTTP listener
	CommandTimeout time.Duration
}

// DefaultConfig matches §5's default per-command deadline.
func DefaultConfig() Config {
	return Config{CommandTimeout: 30 * time.Second}
}

// request is the §6 control-socket request envelope.
type request struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// response is the §6 control-socket response envelope.
type response struct {
	ID    string         `json:"id"`
	OK    bool           `json:"ok"`
	Data  any            `json:"data,omitempty"`
	Error *apperrors.Error `json:"error,omitempty"`
}

type handlerFunc func(params json.RawMessage) (any, error)

// Server is the Control Plane (C9).
type Server struct {
	cfg  Config
	deps Dependencies
	log  zerolog.Logger

	handlers map[string]handlerFunc

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	startedAt  time.Time
	stopping   bool
}

// New constructs a Server and registers its command table.
func New(cfg Config, deps Dependencies) *Server {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log.WithComponent("controlplane"),
	}
	s.handlers = s.buildHandlers()
	return s
}

// Start opens the unix socket and, if configured, the HTTP listener.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	if s.cfg.SocketPath != "" {
		_ = os.Remove(s.cfg.SocketPath)
		ln, err := net.Listen("unix", s.cfg.SocketPath)
		if err != nil {
			return apperrors.Wrap(apperrors.IO, err, "listening on control socket")
		}
		s.listener = ln
		go s.acceptLoop()
	}

	if s.cfg.HTTPAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", s.handleHealth)
		mux.HandleFunc("/ready", s.handleReady)
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/api/config/update", s.handleHTTPConfigUpdate)
		mux.HandleFunc("/api/shutdown", s.handleHTTPShutdown)

		s.httpServer = &http.Server{
			Addr:         s.cfg.HTTPAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error().Err(err).Msg("http listener stopped")
			}
		}()
	}

	return nil
}

// Stop closes both listeners and removes the socket file.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.cfg.SocketPath != "" {
		_ = os.Remove(s.cfg.SocketPath)
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isStopping() {
				return
			}
			s.log.Error().Err(err).Msg("accept failed")
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := framing.NewReader(conn)
	for {
		var req request
		if err := reader.ReadJSON(&req); err != nil {
			return
		}
		resp := s.dispatch(req)
		if err := framing.WriteJSON(conn, resp); err != nil {
			s.log.Debug().Err(err).Msg("writing response failed")
			return
		}
	}
}

// dispatch runs the named command's handler under the configured
// per-command deadline (§5).
func (s *Server) dispatch(req request) response {
	handler, ok := s.handlers[req.Command]
	if !ok {
		return errResponse(req.ID, apperrors.Newf(apperrors.UnknownCommand, "unknown command %q", req.Command))
	}

	type result struct {
		data any
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := handler(req.Params)
		done <- result{data, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return errResponse(req.ID, r.err)
		}
		return response{ID: req.ID, OK: true, Data: r.data}
	case <-time.After(s.cfg.CommandTimeout):
		return errResponse(req.ID, apperrors.Newf(apperrors.Timeout, "command %q exceeded %s", req.Command, s.cfg.CommandTimeout))
	}
}

func errResponse(id string, err error) response {
	ae, ok := err.(*apperrors.Error)
	if !ok {
		ae = apperrors.Wrap(apperrors.Internal, err, "unhandled error")
	}
	return response{ID: id, OK: false, Error: ae}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := true
	checks := map[string]string{}
	if s.deps.Queue == nil {
		ready = false
		checks["queue"] = "not initialized"
	} else {
		checks["queue"] = "ok"
	}
	if s.deps.Registry == nil {
		ready = false
		checks["registry"] = "not initialized"
	} else {
		checks["registry"] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"ready": ready, "checks": checks})
}

func (s *Server) handleHTTPConfigUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := s.cmdConfigUpdate(mustMarshal(patch))
	writeHTTPResult(w, data, err)
}

func (s *Server) handleHTTPShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := s.cmdShutdown(nil)
	writeHTTPResult(w, data, err)
}

func writeHTTPResult(w http.ResponseWriter, data any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		ae, ok := err.(*apperrors.Error)
		if !ok {
			ae = apperrors.Wrap(apperrors.Internal, err, "unhandled error")
		}
		switch ae.Kind {
		case apperrors.NotFound:
			w.WriteHeader(http.StatusNotFound)
		case apperrors.InvalidConfig, apperrors.UnknownCommand:
			w.WriteHeader(http.StatusBadRequest)
		case apperrors.Conflict:
			w.WriteHeader(http.StatusConflict)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"error": ae})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
