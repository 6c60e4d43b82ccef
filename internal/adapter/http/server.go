package http

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fetchq/fetchq/internal/bus"
	"github.com/fetchq/fetchq/internal/domain"
)

// Server is the HTTP front-end adapter. It translates HTTP requests into
// calls on the queue manager and exposes the event bus as a server-sent
// event stream.
type Server struct {
	mgr    *domain.Manager
	events *bus.Bus
	mux    *http.ServeMux
	server *http.Server
	secret string
}

// NewServer creates a new HTTP server. With a non-empty secret,
// submissions must carry a valid X-Timestamp/X-Signature pair.
func NewServer(mgr *domain.Manager, events *bus.Bus, addr string, secret string) *Server {
	s := &Server{
		mgr:    mgr,
		events: events,
		mux:    http.NewServeMux(),
		secret: secret,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /jobs", s.handleSubmit)
	s.mux.HandleFunc("GET /jobs", s.handleList)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /jobs/{id}/cancel", s.handleControl(s.mgr.Cancel))
	s.mux.HandleFunc("POST /jobs/{id}/pause", s.handleControl(s.mgr.Pause))
	s.mux.HandleFunc("POST /jobs/{id}/resume", s.handleControl(s.mgr.Resume))
	s.mux.HandleFunc("DELETE /jobs/{id}", s.handleDelete)
	s.mux.HandleFunc("POST /jobs/purge", s.handlePurge)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// submitRequest is the request body for POST /jobs.
type submitRequest struct {
	URL         string `json:"url"`
	Options     string `json:"options,omitempty"`
	Destination string `json:"destination,omitempty"`
}

// jobResponse is the JSON representation of a job.
type jobResponse struct {
	ID          string  `json:"id"`
	URL         string  `json:"url"`
	Options     string  `json:"options,omitempty"`
	Destination string  `json:"destination"`
	Status      string  `json:"status"`
	Progress    float64 `json:"progress"`
	Retries     int     `json:"retries"`
	Error       string  `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// eventResponse is the JSON representation of a bus event.
type eventResponse struct {
	JobID    string  `json:"job_id"`
	Kind     string  `json:"kind"`
	Status   string  `json:"status,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	At       string  `json:"at"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if s.secret != "" {
		if err := s.verifySignature(r, body); err != nil {
			log.Printf("submission verification failed: %v", err)
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}

	var req submitRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	job, err := s.mgr.Submit(r.Context(), req.URL, req.Options, req.Destination)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidURL):
			s.writeError(w, http.StatusBadRequest, "invalid URL")
		case errors.Is(err, domain.ErrDestinationNotAllowed):
			s.writeError(w, http.StatusBadRequest, "destination outside allowed roots")
		default:
			log.Printf("submit error: %v", err)
			s.writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	s.writeJSON(w, http.StatusCreated, jobToResponse(job))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			statuses = append(statuses, domain.JobStatus(st))
		}
	}

	jobs, err := s.mgr.List(r.Context(), statuses...)
	if err != nil {
		log.Printf("list error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, jobToResponse(&jobs[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.mgr.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		log.Printf("get error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

// handleControl wraps cancel/pause/resume, which share the same error
// mapping.
func (s *Server) handleControl(op func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		err := op(r.Context(), id)
		switch {
		case err == nil:
			job, err := s.mgr.Get(r.Context(), id)
			if err != nil {
				s.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
				return
			}
			s.writeJSON(w, http.StatusOK, jobToResponse(job))
		case errors.Is(err, domain.ErrJobNotFound):
			s.writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, domain.ErrInvalidState):
			s.writeError(w, http.StatusConflict, "job is in an incompatible state")
		default:
			log.Printf("control error: %v", err)
			s.writeError(w, http.StatusInternalServerError, "internal error")
		}
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	err := s.mgr.Delete(r.Context(), r.PathValue("id"), force)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, domain.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, domain.ErrInvalidState):
		s.writeError(w, http.StatusConflict, "job is not terminal; use force")
	default:
		log.Printf("delete error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	purged, err := s.mgr.PurgeTerminal(r.Context())
	if err != nil {
		log.Printf("purge error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"purged": purged})
}

// handleEvents streams bus events as server-sent events, optionally
// filtered by job id and event kinds.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	filter := bus.Filter{JobID: r.URL.Query().Get("job")}
	if raw := r.URL.Query().Get("kind"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			filter.Kinds = append(filter.Kinds, domain.EventKind(k))
		}
	}

	sub := s.events.Subscribe(filter)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(eventToResponse(ev))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

const maxTimestampSkew = 5 * time.Minute

// verifySignature checks the shared-secret signature on a submission:
// X-Signature = hex(HMAC-SHA256(secret, "${timestamp}\n${body}")), with
// X-Timestamp an RFC3339 time within the allowed skew.
func (s *Server) verifySignature(r *http.Request, body []byte) error {
	timestamp := r.Header.Get("X-Timestamp")
	if timestamp == "" {
		return fmt.Errorf("missing X-Timestamp header")
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid X-Timestamp: must be ISO8601/RFC3339 format")
	}

	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return fmt.Errorf("X-Timestamp too far from current time (skew: %v, max: %v)", skew.Truncate(time.Second), maxTimestampSkew)
	}

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Signature header")
	}

	expected := Sign(s.secret, timestamp, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// Sign computes the submission signature for a timestamp and body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s\n", timestamp)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func jobToResponse(job *domain.Job) jobResponse {
	return jobResponse{
		ID:          job.ID,
		URL:         job.URL,
		Options:     job.Options,
		Destination: job.Destination,
		Status:      string(job.Status),
		Progress:    job.Progress,
		Retries:     job.Retries,
		Error:       job.LastError,
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   job.UpdatedAt.Format(time.RFC3339),
	}
}

func eventToResponse(ev domain.Event) eventResponse {
	return eventResponse{
		JobID:    ev.JobID,
		Kind:     string(ev.Kind),
		Status:   string(ev.Status),
		Progress: ev.Progress,
		Reason:   ev.Reason,
		At:       ev.At.Format(time.RFC3339Nano),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Port extracts the port from the address.
func (s *Server) Port() int {
	addr := s.server.Addr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		port, _ := strconv.Atoi(addr[idx+1:])
		return port
	}
	return 0
}
