package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"construction-doc-analysis/internal/domain"
	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/domain/ports/usecase"
)

// StreamConfig tunes the SSE endpoint.
type StreamConfig struct {
	Heartbeat   time.Duration
	IdleTimeout time.Duration
}

type Server struct {
	runUC       usecase.RunUseCase
	hub         *Hub
	auth        *AuthManager
	operatorKey string
	stream      StreamConfig
	log         *zerolog.Logger
}

func NewServer(
	runUC usecase.RunUseCase,
	hub *Hub,
	auth *AuthManager,
	operatorKey string,
	stream StreamConfig,
	logger *zerolog.Logger,
) *Server {
	srvLog := logger.With().Str("component", "WebServer").Logger()
	return &Server{
		runUC:       runUC,
		hub:         hub,
		auth:        auth,
		operatorKey: operatorKey,
		stream:      stream,
		log:         &srvLog,
	}
}

// Router builds the HTTP surface: token exchange, the pipeline API and
// the operational endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/v1/auth/token", s.tokenHandler)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/api/v1/uploads/complete", uploadCompleteHandler(s.runUC))
		r.Get("/api/v1/runs/{id}", runGetHandler(s.runUC))
		r.Post("/api/v1/runs/{id}/cancel", runCancelHandler(s.runUC))
		r.Get("/api/v1/runs/{id}/events", s.streamHandler)
	})

	return r
}

// tokenHandler exchanges the shared operator key for a short-lived JWT.
func (s *Server) tokenHandler(w http.ResponseWriter, r *http.Request) {
	if s.operatorKey == "" {
		s.log.Error().Msg("operator key is not configured")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var req struct {
		OperatorKey string `json:"operator_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.OperatorKey != s.operatorKey {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	token, err := s.auth.Mint("operator")
	if err != nil {
		http.Error(w, "Failed to mint token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Token string `json:"token"`
	}{Token: token})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.auth.ParseFromRequest(r); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// wireMessage is the SSE payload. Internal lifecycle events collapse
// onto the client-facing type set: started, stage_progress and
// stage_complete all surface as "progress".
type wireMessage struct {
	Type         string          `json:"type"`
	WorkflowID   string          `json:"workflow_id,omitempty"`
	Sequence     int64           `json:"sequence,omitempty"`
	Status       string          `json:"status,omitempty"`
	Stage        string          `json:"stage,omitempty"`
	Message      string          `json:"message,omitempty"`
	Percent      int             `json:"percent,omitempty"`
	Tier         string          `json:"tier,omitempty"`
	BatchesDone  int             `json:"batches_done,omitempty"`
	BatchesTotal int             `json:"batches_total,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	EmittedAt    time.Time       `json:"emitted_at"`
}

func toWireMessage(ev model.ProgressEvent) wireMessage {
	msg := wireMessage{
		WorkflowID:   ev.WorkflowID,
		Sequence:     ev.Sequence,
		EmittedAt:    ev.EmittedAt,
		Stage:        ev.Payload.Stage,
		Message:      ev.Payload.Message,
		Percent:      ev.Payload.Percent,
		Tier:         ev.Payload.Tier,
		BatchesDone:  ev.Payload.BatchesDone,
		BatchesTotal: ev.Payload.BatchesTotal,
		ErrorKind:    ev.Payload.ErrorKind,
		Result:       ev.Payload.Result,
	}
	switch ev.Type {
	case model.EventCompleted:
		msg.Type = "completed"
	case model.EventFailed:
		msg.Type = "failed"
	case model.EventHeartbeat:
		msg.Type = "heartbeat"
	default:
		msg.Type = "progress"
	}
	return msg
}

// streamHandler serves the live progress stream over SSE. The feed
// replays the run's full history first, so a client attaching late
// still sees every event in order.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := chi.URLParam(r, "id")
	run, err := s.runUC.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "Failed to get run", http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, detach, err := s.hub.Attach(run.ID)
	if err != nil {
		http.Error(w, "Failed to subscribe", http.StatusInternalServerError)
		return
	}
	defer detach()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s.writeSSE(w, wireMessage{
		Type:       "connected",
		WorkflowID: run.ID,
		Status:     string(run.Status),
		EmittedAt:  time.Now(),
	})
	flusher.Flush()

	heartbeat := time.NewTicker(s.stream.Heartbeat)
	defer heartbeat.Stop()
	idle := time.NewTimer(s.stream.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, open := <-events:
			if !open {
				// terminal event delivered and grace elapsed
				return
			}
			s.writeSSE(w, toWireMessage(ev))
			flusher.Flush()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.stream.IdleTimeout)

		case <-heartbeat.C:
			s.writeSSE(w, wireMessage{Type: "heartbeat", WorkflowID: run.ID, EmittedAt: time.Now()})
			flusher.Flush()

		case <-idle.C:
			s.writeSSE(w, wireMessage{Type: "timeout", WorkflowID: run.ID, EmittedAt: time.Now()})
			flusher.Flush()
			return
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, msg wireMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("could not encode stream message")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
