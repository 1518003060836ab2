package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/pkg/schema"
)

type submitBody struct {
	engine.SubmitRequest
	ResumeFromTask json.RawMessage `json:"resume_from_task,omitempty"`
}

type acceptedResponse struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.ExecutionStatus `json:"status"`
}

// POST /executions
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read request body")
		return
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateSubmit(raw); err != nil {
			writeErr(w, err)
			return
		}
	}

	var body submitBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeErr(w, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
		return
	}
	task, err := taskRef(body.ResumeFromTask)
	if err != nil {
		writeErr(w, err)
		return
	}
	req := body.SubmitRequest
	req.ResumeFromTask = task
	if len(body.ResumeFromTask) > 0 && task == "" {
		writeErr(w, schema.NewError(schema.ErrCodeValidation, "resume_from_task must not be empty"))
		return
	}

	exec, err := s.deps.Engine.Submit(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ExecutionID: exec.ID, Status: exec.Status})
}

// GET /executions
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	search := q.Get("search")
	if search == "" {
		search = q.Get("q")
	}
	filter := store.ExecutionFilter{
		Status:     schema.ExecutionStatus(q.Get("status")),
		PipelineID: q.Get("pipeline_id"),
		Search:     search,
		Page:       queryInt(r, "page", 1),
		Limit:      queryInt(r, "limit", defaultListLimit),
	}
	page, err := s.deps.Engine.List(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GET /executions/{id}
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// POST /executions/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Engine.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

type resumeBody struct {
	ResumeFromTask json.RawMessage `json:"resume_from_task,omitempty"`
}

// POST /executions/{id}/resume
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var body resumeBody
	if !decodeOptional(w, r, &body) {
		return
	}
	task, err := taskRef(body.ResumeFromTask)
	if err != nil {
		writeErr(w, err)
		return
	}
	exec, err := s.deps.Engine.Resume(r.Context(), r.PathValue("id"), task)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ExecutionID: exec.ID, Status: exec.Status})
}

type replayBody struct {
	Input         json.RawMessage `json:"input,omitempty"`
	StartFromStep *int            `json:"start_from_step,omitempty"`
}

// POST /executions/{id}/replay
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var body replayBody
	if !decodeOptional(w, r, &body) {
		return
	}
	from := 0
	if body.StartFromStep != nil {
		from = *body.StartFromStep
	}
	exec, err := s.deps.Engine.Replay(r.Context(), engine.ReplayRequest{
		SourceExecutionID: r.PathValue("id"),
		Input:             body.Input,
		FromStep:          from,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ExecutionID: exec.ID, Status: exec.Status})
}

// GET /pipelines
func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.deps.Store.ListPipelines(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if pipelines == nil {
		pipelines = []*schema.PipelineDefinition{}
	}
	writeJSON(w, http.StatusOK, pipelines)
}

// GET /pipelines/{id}
func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Store.GetPipeline(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PUT /pipelines/{id}
func (s *Server) handlePutPipeline(w http.ResponseWriter, r *http.Request) {
	var def schema.PipelineDefinition
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		writeErr(w, schema.NewError(schema.ErrCodeValidation, "invalid pipeline definition").WithCause(err))
		return
	}
	id := r.PathValue("id")
	if def.ID == "" {
		def.ID = id
	}
	if def.ID != id {
		writeErr(w, schema.NewErrorf(schema.ErrCodeValidation, "pipeline id %q does not match path %q", def.ID, id))
		return
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateDefinition(&def); err != nil {
			writeErr(w, err)
			return
		}
	}
	if err := s.deps.Store.UpsertPipeline(r.Context(), &def); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &def)
}

// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeOptional decodes a JSON body that may be absent. It writes the error
// response and returns false on failure.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	if len(raw) == 0 {
		return true
	}
	if err := json.Unmarshal(raw, v); err != nil {
		writeErr(w, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
		return false
	}
	return true
}
