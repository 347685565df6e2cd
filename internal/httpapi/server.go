package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opencontextgraph/voicebridge/internal/bridge"
	"github.com/opencontextgraph/voicebridge/internal/config"
	"github.com/opencontextgraph/voicebridge/internal/observability"
	"github.com/opencontextgraph/voicebridge/internal/session"
)

// Controller starts and stops bridge sessions and relays media negotiation
// to the session's transport.
type Controller interface {
	StartSession(s *session.Session) error
	EndSession(sessionID string) error
	HandleOffer(ctx context.Context, sessionID, offerSDP string) (string, error)
	AddCandidate(sessionID, candidate, mid string, mlineIndex uint16) error
}

type Server struct {
	cfg        config.Config
	sessions   *session.Manager
	controller Controller
	metrics    *observability.Metrics
	stages     *observability.StageWindow
}

func New(cfg config.Config, sessions *session.Manager, controller Controller, metrics *observability.Metrics, stages *observability.StageWindow) *Server {
	return &Server{
		cfg:        cfg,
		sessions:   sessions,
		controller: controller,
		metrics:    metrics,
		stages:     stages,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	if s.cfg.AllowAnyOrigin {
		r.Use(corsMiddleware)
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.cfg.AuthJWTSecret, s.cfg.AuthRequired))
		r.Post("/v1/bridge/session", s.handleCreateSession)
		r.Get("/v1/bridge/session/{id}", s.handleGetSession)
		r.Post("/v1/bridge/session/{id}/end", s.handleEndSession)
		r.Post("/v1/bridge/session/{id}/offer", s.handleOffer)
		r.Post("/v1/bridge/session/{id}/candidate", s.handleCandidate)
		r.Get("/v1/bridge/status", s.handleStatus)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	// Readiness requires the external collaborators to be configured;
	// reachability is probed per session.
	missing := []string{}
	if strings.TrimSpace(s.cfg.VoiceServiceURL) == "" {
		missing = append(missing, "VOICE_SERVICE_URL")
	}
	if strings.TrimSpace(s.cfg.ToolServerURL) == "" {
		missing = append(missing, "TOOL_SERVER_URL")
	}
	if len(missing) > 0 {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "not_ready",
			"missing": missing,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type createSessionRequest struct {
	UserID  string `json:"user_id"`
	Persona string `json:"persona"`
}

type createSessionResponse struct {
	SessionID       string        `json:"session_id"`
	UserID          string        `json:"user_id"`
	State           session.State `json:"state"`
	Persona         string        `json:"persona"`
	Voice           string        `json:"voice"`
	StartedAt       time.Time     `json:"started_at"`
	InactivityTTLMS int64         `json:"inactivity_ttl_ms"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = UserID(r.Context())
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if strings.TrimSpace(req.Persona) == "" {
		req.Persona = s.cfg.DefaultPersona
	}

	persona, ok := bridge.LookupPersona(req.Persona)
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown_persona",
			"persona must be one of: "+strings.Join(bridge.PersonaNames(), ", "))
		return
	}

	sess := s.sessions.Create(req.UserID, persona.Name, persona.Voice)
	if err := s.controller.StartSession(sess); err != nil {
		_, _ = s.sessions.End(sess.ID)
		respondError(w, http.StatusBadGateway, "session_start_failed", err.Error())
		return
	}

	s.countEvent("created")
	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		State:           sess.State,
		Persona:         sess.Persona,
		Voice:           sess.Voice,
		StartedAt:       sess.StartedAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	if err := s.controller.EndSession(sess.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "session_end_failed", err.Error())
		return
	}
	s.countEvent("ended")
	ended, err := s.sessions.Get(sess.ID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ended)
}

type offerRequest struct {
	SDP string `json:"sdp"`
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	var req offerRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.SDP) == "" {
		respondError(w, http.StatusBadRequest, "invalid_offer", "sdp is required")
		return
	}

	answer, err := s.controller.HandleOffer(r.Context(), sess.ID, req.SDP)
	if err != nil {
		respondError(w, http.StatusBadGateway, "negotiation_failed", err.Error())
		return
	}
	_ = s.sessions.Touch(sess.ID)
	respondJSON(w, http.StatusOK, map[string]string{"sdp": answer})
}

type candidateRequest struct {
	Candidate  string `json:"candidate"`
	Mid        string `json:"mid"`
	MLineIndex uint16 `json:"mline_index"`
}

func (s *Server) handleCandidate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	var req candidateRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Candidate) == "" {
		respondError(w, http.StatusBadRequest, "invalid_candidate", "candidate is required")
		return
	}
	if err := s.controller.AddCandidate(sess.ID, req.Candidate, req.Mid, req.MLineIndex); err != nil {
		respondError(w, http.StatusBadGateway, "candidate_rejected", err.Error())
		return
	}
	_ = s.sessions.Touch(sess.ID)
	respondJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"active_sessions":          s.sessions.ActiveCount(),
		"voice_service_configured": strings.TrimSpace(s.cfg.VoiceServiceURL) != "",
		"tool_server_configured":   strings.TrimSpace(s.cfg.ToolServerURL) != "",
		"personas":                 bridge.PersonaNames(),
	}
	if s.stages != nil {
		status["latency"] = s.stages.Snapshot()
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return sess, true
}

func (s *Server) countEvent(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
