package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oldeucryptoboi/karnevil9/pkg/errkit"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/mesh"
)

// ServerConfig tunes the HTTP server.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	Auth            AuthConfig    `yaml:"auth"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MetricsRegistry enables the /metrics endpoint and request metrics.
	MetricsRegistry *prometheus.Registry `yaml:"-"`
}

// Server serves the swarm wire protocol.
type Server struct {
	cfg     ServerConfig
	backend Backend
	httpSrv *http.Server

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewServer creates a server around a backend.
func NewServer(cfg ServerConfig, backend Backend) *Server {
	if cfg.Address == "" {
		cfg.Address = ":7946"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{cfg: cfg, backend: backend}
	if cfg.MetricsRegistry != nil {
		s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_http_requests_total",
			Help: "Swarm transport requests by route and status.",
		}, []string{"route", "status"})
		s.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swarm_http_request_duration_seconds",
			Help:    "Swarm transport request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"})
		cfg.MetricsRegistry.MustRegister(s.requests, s.duration)
	}
	return s
}

// Router builds the chi router with the stable route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.metricsMiddleware)

	r.Route(BasePath, func(r chi.Router) {
		r.Use(s.cfg.Auth.middleware)

		r.Get("/identity", s.handleIdentity)
		r.Get("/peers", s.handlePeers)
		r.Post("/join", s.handleJoin)
		r.Post("/leave", s.handleLeave)
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Post("/gossip", s.handleGossip)
		r.Post("/task", s.handleTask)
		r.Post("/result", s.handleResult)
		r.Get("/task/{taskID}/status", s.handleTaskStatus)
		r.Post("/task/{taskID}/cancel", s.handleTaskCancel)
		r.Get("/task/{taskID}/checkpoints", s.handleCheckpoints)
		r.Get("/events", s.handleEvents)
		r.Post("/verify/{taskID}/consensus", s.handleCreateConsensus)
		r.Post("/verify/{taskID}/vote", s.handleVote)
		r.Post("/contracts/{contractID}/renegotiate", s.handleRenegotiate)
		r.Post("/escrow/deposit", s.handleEscrowDeposit)
	})

	if s.cfg.MetricsRegistry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.MetricsRegistry, promhttp.HandlerOpts{}))
	}
	return r
}

// Start begins serving. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return errkit.Wrap(errkit.CodeIOError, "listen "+s.cfg.Address, err)
	}
	s.httpSrv = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	slog.Info("swarm transport listening", "address", listener.Addr().String())
	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	if s.requests == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.requests.WithLabelValues(route, http.StatusText(recorder.status)).Inc()
		s.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// pathParam returns a decoded URL path parameter.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Identity())
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	status := mesh.PeerStatus(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, map[string]any{"peers": s.backend.Peers(status)})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identity mesh.Identity `json:"identity"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Identity.NodeID == "" {
		writeError(w, http.StatusBadRequest, "identity.node_id is required")
		return
	}
	if err := s.backend.Join(body.Identity); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "identity": s.backend.Identity()})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NodeID string `json:"node_id"`
		Reason string `json:"reason,omitempty"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.backend.Leave(body.NodeID, body.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb HeartbeatMsg
	if !decodeBody(w, r, &hb) {
		return
	}
	if err := s.backend.Heartbeat(hb); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleGossip(w http.ResponseWriter, r *http.Request) {
	var msg GossipMsg
	if !decodeBody(w, r, &msg) {
		return
	}
	if err := s.backend.MergeGossip(msg.SenderNodeID, msg.Peers); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ack, err := s.backend.SubmitTask(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var result TaskResult
	if !decodeBody(w, r, &result) {
		return
	}
	if err := s.backend.SubmitResult(r.Context(), result); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := pathParam(r, "taskID")
	status, ok := s.backend.TaskStatus(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown task "+taskID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	taskID := pathParam(r, "taskID")
	if err := s.backend.CancelTask(taskID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	taskID := pathParam(r, "taskID")
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": s.backend.Checkpoints(taskID)})
}

func (s *Server) handleCreateConsensus(w http.ResponseWriter, r *http.Request) {
	taskID := pathParam(r, "taskID")
	var req ConsensusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	round := s.backend.CreateConsensusRound(taskID, req)
	writeJSON(w, http.StatusOK, round)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	taskID := pathParam(r, "taskID")
	var vote VoteRequest
	if !decodeBody(w, r, &vote) {
		return
	}
	round, err := s.backend.SubmitVote(taskID, vote)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (s *Server) handleRenegotiate(w http.ResponseWriter, r *http.Request) {
	contractID := pathParam(r, "contractID")
	var req RenegotiateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := s.backend.Renegotiate(contractID, req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleEscrowDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.backend.EscrowDeposit(req.NodeID, req.Amount); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// statusFor maps error codes to HTTP statuses.
func statusFor(err error) int {
	switch errkit.CodeOf(err) {
	case errkit.CodeInvalidInput:
		return http.StatusBadRequest
	case errkit.CodePermissionDenied, errkit.CodePolicyViolation:
		return http.StatusForbidden
	case errkit.CodeToolNotFound, errkit.CodeScheduleNotFound:
		return http.StatusNotFound
	case errkit.CodeTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
