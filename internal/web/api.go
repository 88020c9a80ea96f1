package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/saleskingacademy/agentpool/internal/dispatch"
	"github.com/saleskingacademy/agentpool/internal/natsbus"
	"github.com/saleskingacademy/agentpool/internal/status"
	"github.com/saleskingacademy/agentpool/internal/store"
)

const maxBodyBytes = 64 << 10

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Tasks
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/execute", s.executeTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.cancelTask)

	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("PUT /api/agents/{id}/status", s.setAgentStatus)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

type createTaskResponse struct {
	TaskID        string           `json:"task_id"`
	AssignedAgent string           `json:"assigned_agent,omitempty"`
	Status        store.TaskStatus `json:"status"`
	Reason        string           `json:"reason,omitempty"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var sub dispatch.Submission
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&sub); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	t, err := s.dispatcher.Submit(r.Context(), sub)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Location", "/api/tasks/"+t.ID)
	jsonResponseCode(w, createTaskResponse{
		TaskID:        t.ID,
		AssignedAgent: t.AssignedAgent,
		Status:        t.Status,
		Reason:        t.Reason,
	}, http.StatusCreated)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		Status: store.TaskStatus(strings.ToUpper(q.Get("status"))),
		Agent:  q.Get("agent"),
		Limit:  100,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		jsonError(w, "unknown status: "+q.Get("status"), http.StatusBadRequest)
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		filter.Limit = min(n, 1000)
	}

	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	jsonResponse(w, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonResponse(w, t)
}

func (s *Server) executeTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.coordinator.Execute(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonResponse(w, map[string]any{"task": t, "status": t.Status})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.coordinator.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonResponse(w, t)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.registry.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]status.AgentView, 0, len(agents))
	for _, a := range agents {
		out = append(out, status.View(a))
	}
	jsonResponse(w, out)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonResponse(w, status.View(*a))
}

func (s *Server) setAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	st := store.AgentStatus(strings.ToUpper(strings.TrimSpace(body.Status)))
	if !st.Valid() {
		jsonError(w, "status must be ACTIVE or INACTIVE", http.StatusBadRequest)
		return
	}

	if err := s.registry.SetStatus(r.Context(), id, st); err != nil {
		s.writeError(w, err)
		return
	}
	slog.Info("agent status changed", "agent", id, "status", st)

	if s.nats != nil {
		natsbus.Emit(s.nats, natsbus.Event{
			Type:    natsbus.EventAgentStatus,
			AgentID: id,
			Status:  string(st),
			Credits: s.credits.Credits(),
		})
	}

	a, err := s.registry.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonResponse(w, status.View(*a))
}

type statusResponse struct {
	*status.Snapshot
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Clients int    `json:"ws_clients"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.status.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonResponse(w, statusResponse{
		Snapshot: snap,
		Version:  s.version,
		Uptime:   formatUptime(time.Since(s.startedAt)),
		Clients:  s.hub.Clients(),
	})
}

// writeError maps domain errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrValidation):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrConflict):
		jsonError(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("request failed", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	jsonResponseCode(w, data, http.StatusOK)
}

func jsonResponseCode(w http.ResponseWriter, data any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
