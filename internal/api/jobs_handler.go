package api

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/syncwarden/internal/api/shared"
	"github.com/phrazzld/syncwarden/internal/platform/logger"
	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/phrazzld/syncwarden/internal/queue/push"
	"github.com/phrazzld/syncwarden/internal/redact"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed envelope.schema.json
var envelopeSchema []byte

const envelopeSchemaURL = "https://syncwarden.local/schemas/job-envelope.json"

// Job callback statuses.
const (
	JobStatusCompleted = "completed"
	JobStatusDuplicate = "duplicate"
	JobStatusRejected  = "rejected"
)

// JobResponse is the body returned to the dispatcher. Any 2xx completes the
// task; rejected jobs answer 200 so they are never retried.
type JobResponse struct {
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// JobExecutor runs one job delivery. queue.Executor implements it.
type JobExecutor interface {
	Execute(ctx context.Context, job queue.Job) (queue.Outcome, error)
}

// JobsHandler receives push callbacks at POST /api/jobs/{jobName}.
type JobsHandler struct {
	executor JobExecutor
	schema   *jsonschema.Schema
}

// NewJobsHandler compiles the envelope schema and returns the handler.
func NewJobsHandler(executor JobExecutor) (*JobsHandler, error) {
	schema, err := compileEnvelopeSchema()
	if err != nil {
		return nil, err
	}
	return &JobsHandler{executor: executor, schema: schema}, nil
}

func compileEnvelopeSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("parse envelope schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(envelopeSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add envelope schema: %w", err)
	}
	schema, err := c.Compile(envelopeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return schema, nil
}

// HandleJob handles POST /api/jobs/{jobName}.
func (h *JobsHandler) HandleJob(w http.ResponseWriter, r *http.Request) {
	jobName := chi.URLParam(r, "jobName")
	q, err := queue.ParseQueueName(jobName)
	if err != nil {
		handleAPIError(w, r, err, "")
		return
	}

	env, err := h.decodeEnvelope(r)
	if err != nil {
		handleAPIError(w, r, err, "")
		return
	}
	if env.JobName != jobName {
		handleAPIError(w, r, fmt.Errorf("%w: path %q, body %q", ErrJobNameMismatch, jobName, env.JobName), "")
		return
	}

	job := queue.Job{
		ID:             r.Header.Get(push.HeaderTaskName),
		Queue:          q,
		Payload:        env.Data,
		IdempotencyKey: env.IdempotencyKey,
		Attempt:        attemptFromHeader(r),
	}
	if job.ID == "" {
		job.ID = env.IdempotencyKey
	}

	out, err := h.executor.Execute(r.Context(), job)
	switch {
	case err == nil && out.Duplicate:
		shared.RespondWithJSON(w, r, http.StatusOK, JobResponse{Status: JobStatusDuplicate, Result: out.Result})
	case err == nil:
		shared.RespondWithJSON(w, r, http.StatusOK, JobResponse{Status: JobStatusCompleted, Result: out.Result})
	case errors.Is(err, queue.ErrUnknownJob):
		handleAPIError(w, r, err, "")
	case queue.IsPermanent(err):
		logger.FromContext(r.Context()).Warn("job rejected",
			"job_name", jobName, "job_id", job.ID, "error", redact.Error(err))
		shared.RespondWithJSON(w, r, http.StatusOK, JobResponse{
			Status: JobStatusRejected,
			Error:  GetSafeErrorMessage(err),
		})
	default:
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Job failed", err)
	}
}

func (h *JobsHandler) decodeEnvelope(r *http.Request) (push.Envelope, error) {
	body, err := shared.ReadBody(r)
	if err != nil {
		return push.Envelope{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return push.Envelope{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	if err := h.schema.Validate(inst); err != nil {
		return push.Envelope{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	var env push.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return push.Envelope{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return env, nil
}

func attemptFromHeader(r *http.Request) int {
	n, err := strconv.Atoi(r.Header.Get(push.HeaderAttempt))
	if err != nil || n < 1 {
		return 1
	}
	return n
}
