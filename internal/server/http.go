package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/gorilla/websocket"

	"github.com/Jmolenaartje/Factobox/pkg/types"
)

// ============================================================================
// HTTP control surface
// ============================================================================
//
// Routes:
//   POST   /command      {"command":"START"|"STOP"}
//   POST   /start        open the run gate
//   POST   /stop         close the run gate
//   GET    /status       current snapshot
//   POST   /builds       {"resources":["Red","Green","Blue"]}
//   DELETE /builds/{id}  cancel a queued build
//   GET    /ws           observer protocol
//   GET    /metrics      Prometheus scrape (when configured)
//   GET    /healthz      liveness
//
// ============================================================================

// HTTPConfig tunes the HTTP surface.
type HTTPConfig struct {
	// Metrics is mounted on /metrics when non-nil.
	Metrics http.Handler
	// ObserverBuffer is the per-connection snapshot backlog.
	ObserverBuffer int
	// WriteTimeout bounds one WebSocket frame write.
	WriteTimeout time.Duration
	// AllowedOrigins restricts WebSocket upgrades; empty allows any origin.
	AllowedOrigins []string
}

// HTTPServer serves the control surface and the observer endpoint.
type HTTPServer struct {
	coord    Coordinator
	cfg      HTTPConfig
	upgrader websocket.Upgrader
	router   chi.Router
}

// NewHTTPServer builds the router.
func NewHTTPServer(coord Coordinator, cfg HTTPConfig) *HTTPServer {
	if cfg.ObserverBuffer <= 0 {
		cfg.ObserverBuffer = 32
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	s := &HTTPServer{coord: coord, cfg: cfg}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/command", s.handleCommand)
	r.Post("/start", s.handleStart)
	r.Post("/stop", s.handleStop)
	r.Route("/builds", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Delete("/{id}", s.handleCancel)
	})
	r.Get("/ws", s.handleWebSocket)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// ============================================================================
// Handlers
// ============================================================================

type commandRequest struct {
	Command string `json:"command"`
}

type commandResponse struct {
	Message  string         `json:"message"`
	Status   bool           `json:"status"`
	RunState types.RunState `json:"runState"`
}

type submitRequest struct {
	Resources []string `json:"resources"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *HTTPServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}

	switch strings.ToUpper(strings.TrimSpace(req.Command)) {
	case "START":
		s.runCommand(w, s.coord.StartRun, "Factory process started")
	case "STOP":
		s.runCommand(w, s.coord.StopRun, "Factory process stopped")
	default:
		log.Warn("Unknown control command", "command", req.Command)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid command"})
	}
}

func (s *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, s.coord.StartRun, "Factory process started")
}

func (s *HTTPServer) handleStop(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, s.coord.StopRun, "Factory process stopped")
}

func (s *HTTPServer) runCommand(w http.ResponseWriter, fn func() (types.RunState, error), message string) {
	state, err := fn()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{
		Message:  message,
		Status:   state == types.Running,
		RunState: state,
	})
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}

	build, err := s.coord.SubmitNames(req.Resources)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, build)
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid build id"})
		return
	}

	build, err := s.coord.Cancel(types.BuildID(id))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}

// ============================================================================
// Helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		log.Error("Request failed", "error", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}
