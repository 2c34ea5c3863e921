package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/dispatch"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/job"
	"github.com/MASITH-developpement/Azalscore-sub012/internal/sched/registry"
)

// submitRequest accepts either a definition reference or an inline ad-hoc
// spec (handler set, definition_id empty).
type submitRequest struct {
	DefinitionID string         `json:"definition_id,omitempty"`
	Handler      string         `json:"handler,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	Queue        string         `json:"queue,omitempty"`
	Priority     string         `json:"priority,omitempty"`
	RunAt        *time.Time     `json:"run_at,omitempty"`
	Timeout      string         `json:"timeout,omitempty"`
}

type defineRequest struct {
	Name             string         `json:"name"`
	Trigger          string         `json:"trigger"`
	Handler          string         `json:"handler"`
	Schedule         string         `json:"schedule,omitempty"`
	RunAt            *time.Time     `json:"run_at,omitempty"`
	Delay            string         `json:"delay,omitempty"`
	Queue            string         `json:"queue,omitempty"`
	Priority         string         `json:"priority,omitempty"`
	Timeout          string         `json:"timeout,omitempty"`
	Params           map[string]any `json:"params,omitempty"`
	MaxConcurrent    int            `json:"max_concurrent,omitempty"`
	Singleton        bool           `json:"singleton,omitempty"`
	DedupKeyTemplate string         `json:"dedup_key_template,omitempty"`
	DependsOn        []string       `json:"depends_on,omitempty"`
	Window           *job.RunWindow `json:"window,omitempty"`
	Retry            *retryRequest  `json:"retry,omitempty"`
}

type retryRequest struct {
	Strategy     string  `json:"strategy,omitempty"`
	MaxAttempts  int     `json:"max_attempts,omitempty"`
	InitialDelay string  `json:"initial_delay,omitempty"`
	MaxDelay     string  `json:"max_delay,omitempty"`
	Multiplier   float64 `json:"multiplier,omitempty"`
	Jitter       bool    `json:"jitter,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid JSON body: "+err.Error())
		return
	}

	prio, err := job.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}

	var inst job.Instance
	if req.DefinitionID != "" {
		ov := &dispatch.Overrides{Queue: req.Queue, RunAt: req.RunAt}
		if req.Priority != "" {
			ov.Priority = &prio
		}
		inst, err = s.svc.SubmitJob(r.Context(), req.DefinitionID, req.Params, ov)
	} else {
		timeout, terr := parseOptionalDuration(req.Timeout)
		if terr != nil {
			writeError(w, http.StatusBadRequest, "BadRequest", terr.Error())
			return
		}
		inst, err = s.svc.SubmitAdHoc(r.Context(), dispatch.AdHocSpec{
			Handler:  req.Handler,
			Params:   req.Params,
			Queue:    req.Queue,
			Priority: prio,
			Timeout:  timeout,
		})
	}
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, inst)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.svc.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := sched.InstanceFilter{
		Status:       job.Status(q.Get("status")),
		DefinitionID: q.Get("definition"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "BadRequest", "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	list, err := s.svc.ListInstances(r.Context(), f)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": list, "count": len(list)})
}

func (s *Server) handleInstanceEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.svc.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CancelJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (s *Server) handleRequestStop(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RequestStop(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stop_requested": true})
}

func (s *Server) handleDefine(w http.ResponseWriter, r *http.Request) {
	var req defineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid JSON body: "+err.Error())
		return
	}
	spec, err := req.toSpec()
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	def, err := s.svc.DefineJob(r.Context(), spec)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (req defineRequest) toSpec() (registry.DefinitionSpec, error) {
	prio, err := job.ParsePriority(req.Priority)
	if err != nil {
		return registry.DefinitionSpec{}, err
	}
	delay, err := parseOptionalDuration(req.Delay)
	if err != nil {
		return registry.DefinitionSpec{}, err
	}
	timeout, err := parseOptionalDuration(req.Timeout)
	if err != nil {
		return registry.DefinitionSpec{}, err
	}

	spec := registry.DefinitionSpec{
		Name:             req.Name,
		Trigger:          job.TriggerKind(req.Trigger),
		Handler:          req.Handler,
		Schedule:         req.Schedule,
		Delay:            delay,
		Queue:            req.Queue,
		Priority:         prio,
		Timeout:          timeout,
		Params:           req.Params,
		MaxConcurrent:    req.MaxConcurrent,
		Singleton:        req.Singleton,
		DedupKeyTemplate: req.DedupKeyTemplate,
		DependsOn:        req.DependsOn,
		Window:           req.Window,
	}
	if req.RunAt != nil {
		spec.RunAt = *req.RunAt
	}
	if req.Retry != nil {
		initial, err := parseOptionalDuration(req.Retry.InitialDelay)
		if err != nil {
			return registry.DefinitionSpec{}, err
		}
		maxDelay, err := parseOptionalDuration(req.Retry.MaxDelay)
		if err != nil {
			return registry.DefinitionSpec{}, err
		}
		spec.Retry = job.RetryPolicy{
			Strategy:     job.RetryStrategy(req.Retry.Strategy),
			MaxAttempts:  req.Retry.MaxAttempts,
			InitialDelay: initial,
			MaxDelay:     maxDelay,
			Multiplier:   req.Retry.Multiplier,
			Jitter:       req.Retry.Jitter,
		}
	}
	return spec, nil
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.svc.ListDefinitions(r.Context())
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"definitions": defs})
}

func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.svc.GetDefinition(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handlePauseDefinition(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.PauseDefinition(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleResumeDefinition(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ResumeDefinition(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resumed": true})
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	qs, err := s.svc.ListQueues(r.Context())
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": qs})
}

func (s *Server) handlePauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.PauseQueue(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleResumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ResumeQueue(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resumed": true})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	ws, err := s.svc.ListWorkers(r.Context())
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": ws})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Snapshot(r.Context())
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func parseOptionalDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	var b errorBody
	b.Error.Code = code
	b.Error.Message = msg
	writeJSON(w, status, b)
}

// writeTaxonomyError maps scheduler sentinels onto HTTP statuses and stable
// error codes.
func writeTaxonomyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrDefinitionNotFound):
		writeError(w, http.StatusNotFound, "DefinitionNotFound", err.Error())
	case errors.Is(err, job.ErrInstanceNotFound):
		writeError(w, http.StatusNotFound, "InstanceNotFound", err.Error())
	case errors.Is(err, job.ErrQueueNotFound):
		writeError(w, http.StatusNotFound, "QueueNotFound", err.Error())
	case errors.Is(err, job.ErrDefinitionInactive):
		writeError(w, http.StatusConflict, "DefinitionInactive", err.Error())
	case errors.Is(err, job.ErrSingletonRunning):
		writeError(w, http.StatusConflict, "SingletonAlreadyRunning", err.Error())
	case errors.Is(err, job.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "InvalidTransition", err.Error())
	case errors.Is(err, job.ErrDependencyNotSatisfied):
		writeError(w, http.StatusConflict, "DependencyNotSatisfied", err.Error())
	case errors.Is(err, job.ErrHandlerNotFound):
		writeError(w, http.StatusUnprocessableEntity, "HandlerNotFound", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "Internal", err.Error())
	}
}
