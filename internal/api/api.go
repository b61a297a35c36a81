// Package api exposes the pipeline run HTTP surface: run submission,
// inspection and cancellation.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pipevane-labs/pipevane/internal/domain"
	"github.com/pipevane-labs/pipevane/internal/graph"
	"github.com/pipevane-labs/pipevane/internal/store"
)

const maxBodyBytes = 4 << 20 // 4 MiB

type API struct {
	logger *slog.Logger
	store  store.Store
	wake   func()
}

// New builds the run API. wake is invoked after any state change that
// should be picked up before the next controller tick; nil is allowed.
func New(logger *slog.Logger, st store.Store, wake func()) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{logger: logger, store: st, wake: wake}
}

func (api *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs", api.handleSubmitRun)
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /runs/{run_id}/cancel", api.handleCancelRun)
}

type submitRunRequest struct {
	Pipeline    domain.PipelineGraph `json:"pipeline" yaml:"pipeline"`
	Inputs      map[string]string    `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Annotations map[string]string    `json:"annotations,omitempty" yaml:"annotations,omitempty"`
}

type runSummary struct {
	RunID           string     `json:"run_id"`
	Pipeline        string     `json:"pipeline"`
	Status          string     `json:"status"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

type taskView struct {
	TaskID     string                        `json:"task_id"`
	Status     string                        `json:"status"`
	Attempt    int                           `json:"attempt"`
	Error      string                        `json:"error,omitempty"`
	LogURI     string                        `json:"log_uri,omitempty"`
	Outputs    map[string]domain.ArtifactRef `json:"outputs,omitempty"`
	StartedAt  *time.Time                    `json:"started_at,omitempty"`
	FinishedAt *time.Time                    `json:"finished_at,omitempty"`
}

type runDetail struct {
	runSummary
	Inputs      map[string]string `json:"inputs,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Tasks       []taskView        `json:"tasks"`
}

func (api *API) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := decodeBody(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}

	if err := graph.Validate(req.Pipeline); err != nil {
		var verr *graph.ValidationError
		if errors.As(err, &verr) {
			api.writeErrorWithDetails(w, r, http.StatusUnprocessableEntity, "invalid_pipeline", map[string]any{"issues": verr.Issues})
			return
		}
		api.writeError(w, r, http.StatusUnprocessableEntity, "invalid_pipeline")
		return
	}
	if err := validateRunInputs(req.Pipeline, req.Inputs); err != nil {
		api.writeErrorWithDetails(w, r, http.StatusUnprocessableEntity, "invalid_inputs", map[string]any{"issues": []string{err.Error()}})
		return
	}

	now := time.Now().UTC()
	run := domain.Run{
		ID:          uuid.NewString(),
		Graph:       req.Pipeline,
		Inputs:      req.Inputs,
		Status:      domain.RunPending,
		CreatedAt:   now,
		Annotations: req.Annotations,
	}
	executions := make([]domain.TaskExecution, 0, len(req.Pipeline.Tasks))
	for _, task := range req.Pipeline.Tasks {
		executions = append(executions, domain.TaskExecution{
			ID:        uuid.NewString(),
			RunID:     run.ID,
			TaskID:    task.ID,
			Attempt:   1,
			Status:    domain.TaskPending,
			CreatedAt: now,
		})
	}

	if err := api.store.CreateRun(r.Context(), run, executions); err != nil {
		api.logger.Error("create run", "pipeline", req.Pipeline.Name, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.logger.Info("run submitted", "run_id", run.ID, "pipeline", req.Pipeline.Name, "tasks", len(executions))
	if api.wake != nil {
		api.wake()
	}

	w.Header().Set("Location", "/runs/"+run.ID)
	api.writeJSON(w, http.StatusCreated, summarize(run))
}

func (api *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := api.store.ListActiveRuns(r.Context())
	if err != nil {
		api.logger.Error("list runs", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, summarize(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	run, err := api.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("get run", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	executions, err := api.store.ListExecutions(r.Context(), runID)
	if err != nil {
		api.logger.Error("list executions", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	latest := store.LatestAttempts(executions)
	tasks := make([]taskView, 0, len(run.Graph.Tasks))
	for _, task := range run.Graph.Tasks {
		view := taskView{TaskID: task.ID, Status: string(domain.TaskPending), Attempt: 1}
		if execution, ok := latest[task.ID]; ok {
			view.Status = string(execution.Status)
			view.Attempt = execution.Attempt
			view.Error = execution.ErrorMessage
			view.LogURI = execution.LogURI
			view.Outputs = execution.Outputs
			view.StartedAt = execution.StartedAt
			view.FinishedAt = execution.FinishedAt
		}
		tasks = append(tasks, view)
	}

	api.writeJSON(w, http.StatusOK, runDetail{
		runSummary:  summarize(run),
		Inputs:      run.Inputs,
		Annotations: run.Annotations,
		Tasks:       tasks,
	})
}

func (api *API) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	run, err := api.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("get run", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if run.Status.Terminal() {
		api.writeError(w, r, http.StatusConflict, "run_already_finished")
		return
	}

	if err := api.store.RequestCancel(r.Context(), runID); err != nil {
		api.logger.Error("request cancel", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.logger.Info("run cancellation requested", "run_id", runID)
	if api.wake != nil {
		api.wake()
	}

	run.CancelRequested = true
	api.writeJSON(w, http.StatusAccepted, summarize(run))
}

// validateRunInputs rejects submissions that leave a required pipeline
// input unbound or bind an input the pipeline does not declare.
func validateRunInputs(g domain.PipelineGraph, inputs map[string]string) error {
	declared := make(map[string]domain.GraphInput, len(g.Inputs))
	for _, input := range g.Inputs {
		declared[input.Name] = input
	}
	for name := range inputs {
		if _, ok := declared[name]; !ok {
			return fmt.Errorf("input %q is not declared by pipeline %q", name, g.Name)
		}
	}
	for _, input := range g.Inputs {
		if input.Optional || input.Default != nil {
			continue
		}
		if _, ok := inputs[input.Name]; !ok {
			return fmt.Errorf("required input %q is missing", input.Name)
		}
	}
	return nil
}

func summarize(run domain.Run) runSummary {
	return runSummary{
		RunID:           run.ID,
		Pipeline:        run.Graph.Name,
		Status:          string(run.Status),
		CancelRequested: run.CancelRequested,
		CreatedAt:       run.CreatedAt,
		StartedAt:       run.StartedAt,
		EndedAt:         run.EndedAt,
	}
}

// decodeBody accepts JSON by default and YAML when the Content-Type says
// so, since pipeline definitions are usually authored as YAML files.
func decodeBody(r *http.Request, dst any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	contentType := r.Header.Get("Content-Type")
	if contentType != "" {
		if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
			contentType = mediaType
		}
	}
	switch contentType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		raw, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		return yaml.Unmarshal(raw, dst)
	default:
		dec := json.NewDecoder(body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil {
			return err
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			return errors.New("multiple JSON values")
		}
		return nil
	}
}

func (api *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *API) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *API) writeErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code string, details any) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
		"details":    details,
	})
}
