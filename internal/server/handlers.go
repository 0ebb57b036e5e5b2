package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/backsyncd/backsync/internal/importer"
	"github.com/backsyncd/backsync/internal/jobs"
)

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/jobs/{domain}", s.handleStartJob)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("GET /api/jobs/{id}/events", s.handleJobEvents)
	mux.HandleFunc("GET /health", s.handleHealth)

	return mux
}

// handleStartJob starts an import job for a domain and returns the initial
// snapshot.
func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")

	job, err := s.executor.Start(r.Context(), domain)
	if errors.Is(err, importer.ErrUnknownDomain) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

// handleListJobs lists stored jobs, newest first. ?active=true restricts the
// list to pending and running jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		list []*jobs.Job
		err  error
	)
	if r.URL.Query().Get("active") == "true" {
		list, err = s.orchestrator.ListActive(r.Context())
	} else {
		list, err = s.orchestrator.ListRecent(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}

	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orchestrator.GetJob(r.Context(), r.PathValue("id"))
	if errors.Is(err, jobs.ErrUnknownJob) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob requests cooperative cancellation. Cancelling a finished or
// unknown job is a no-op, so the endpoint is safe to retry.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.CancelJob(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleJobEvents upgrades to WebSocket and streams job events: the current
// snapshot first, then incremental events until the job reaches a terminal
// state, after which the connection is closed normally.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	events, cancel, err := s.orchestrator.Subscribe(r.Context(), id)
	if errors.Is(err, jobs.ErrUnknownJob) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed for job %s: %v", id, err)
		return
	}
	s.trackConn(conn)
	defer s.untrackConn(conn)

	// CloseRead watches for the client going away; we never expect inbound
	// messages on this stream.
	ctx := conn.CloseRead(s.ctx)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return

		case event, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "job evicted")
				return
			}

			if err := s.writeEvent(ctx, conn, event); err != nil {
				s.logger.Printf("Failed to send event for job %s: %v", id, err)
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}

			if terminalEvent(event.Type) {
				_ = conn.Close(websocket.StatusNormalClosure, "job finished")
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, event jobs.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func terminalEvent(t jobs.EventType) bool {
	return t == jobs.EventJobCompleted || t == jobs.EventJobError || t == jobs.EventJobCancelled
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.connsMu.Lock()
	streams := len(s.conns)
	s.connsMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"streams": streams,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
