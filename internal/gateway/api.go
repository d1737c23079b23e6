// ABOUTME: HTTP API for launching, inspecting and cancelling tasks and deciding plans
// ABOUTME: Also mounts the WebSocket endpoint, health probes and the metrics handler

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/2389/coven-conductor/internal/auth"
	"github.com/2389/coven-conductor/internal/control"
	"github.com/2389/coven-conductor/internal/hub"
	"github.com/2389/coven-conductor/internal/plan"
	"github.com/2389/coven-conductor/internal/runloop"
	"github.com/2389/coven-conductor/internal/task"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// DecisionRequest is the JSON body for POST /api/plans/{id}/decision.
type DecisionRequest struct {
	ProjectID string `json:"projectId,omitempty"`
	Approved  bool   `json:"approved"`
}

// PlanResponse is the JSON response for GET /api/plans/{id}.
type PlanResponse struct {
	*plan.Plan
	HTML string `json:"html"`
}

// routes builds the HTTP handler. API routes go through the auth middleware;
// health probes and metrics do not.
func (g *Gateway) routes() http.Handler {
	authed := auth.HTTPMiddleware(g.verifier, g.base)
	operator := auth.RequireRole(auth.RoleOperator)

	api := http.NewServeMux()
	api.HandleFunc("POST /api/tasks", g.handleLaunch)
	api.HandleFunc("GET /api/tasks", g.handleListTasks)
	api.HandleFunc("POST /api/tasks/resume", g.handleResume)
	api.HandleFunc("GET /api/tasks/{id}", g.handleGetTask)
	api.HandleFunc("POST /api/tasks/{id}/cancel", g.handleCancel)
	api.Handle("POST /api/plans/{id}/decision", operator(http.HandlerFunc(g.handleDecision)))
	api.HandleFunc("GET /api/plans/{id}", g.handleGetPlan)
	api.HandleFunc("GET /api/admission", g.handleAdmission)
	api.Handle("GET /ws", &hub.WSHandler{Registry: g.hub})

	mux := http.NewServeMux()
	mux.Handle("/api/", authed(api))
	mux.Handle("/ws", authed(api))
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		mux.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}
	return mux
}

// handleLaunch blocks until the task is admitted.
func (g *Gateway) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req runloop.StartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := g.service.Launch(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var tasks []*task.Task
	switch {
	case q.Get("session") != "":
		t, err := g.registry.FindBySession(q.Get("session"))
		if err != nil {
			writeError(w, err)
			return
		}
		tasks = []*task.Task{t}
	case q.Get("parent") != "":
		tasks = g.registry.ListByParent(q.Get("parent"))
	case q.Get("status") == "running":
		tasks = g.registry.ListRunning()
	default:
		writeErrorMessage(w, http.StatusBadRequest, "one of session, parent or status=running is required")
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := g.service.Task(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	t, err := g.service.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (g *Gateway) handleResume(w http.ResponseWriter, r *http.Request) {
	var req task.ResumeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := g.service.Resume(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (g *Gateway) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	planID := r.PathValue("id")
	err := g.service.Decide(r.Context(), control.DecideRequest{
		ProjectID: req.ProjectID,
		PlanID:    planID,
		Approved:  req.Approved,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, control.DecideResponse{PlanID: planID, Approved: req.Approved})
}

func (g *Gateway) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := g.store.GetPlan(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	html, err := plan.RenderHTML(p.Content)
	if err != nil {
		g.logger.Warn("rendering plan html", "plan_id", p.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, PlanResponse{Plan: p, HTML: html})
}

func (g *Gateway) handleAdmission(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.admission.Stats())
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once tasks are restored and the servers are up.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d running tasks)", len(g.registry.ListRunning()))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeErrorMessage(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeErrorMessage(w, control.HTTPStatus(err), err.Error())
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
