package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRecordSubmitted follows a successful form submission.
	TaskRecordSubmitted = "records:submitted"
)

// RecordSubmittedPayload describes a stored record and the session it came from.
type RecordSubmittedPayload struct {
	RecordID       string          `json:"record_id"`
	Kind           string          `json:"kind"`
	SessionID      string          `json:"session_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	LineCount      int             `json:"line_count"`
	GrandTotal     decimal.Decimal `json:"grand_total"`
	SubmittedAt    time.Time       `json:"submitted_at"`
}

// NewRecordSubmittedTask constructs an Asynq task. The idempotency key doubles
// as task id so a retried submit enqueues at most once.
func NewRecordSubmittedTask(payload RecordSubmittedPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{asynq.Queue(QueueDefault), asynq.MaxRetry(5)}
	if payload.IdempotencyKey != "" {
		opts = append(opts, asynq.TaskID(TaskRecordSubmitted+":"+payload.IdempotencyKey))
	}
	return asynq.NewTask(TaskRecordSubmitted, data, opts...), nil
}

// DraftRemover deletes the autosaved draft of a session.
type DraftRemover interface {
	Delete(ctx context.Context, sessionID string) error
}

// SubmissionHandler processes TaskRecordSubmitted tasks.
type SubmissionHandler struct {
	drafts DraftRemover
	logger *slog.Logger
}

// NewSubmissionHandler constructs the handler.
func NewSubmissionHandler(drafts DraftRemover, logger *slog.Logger) *SubmissionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubmissionHandler{drafts: drafts, logger: logger}
}

// ProcessTask drops the session draft and records the submission in the log.
func (h *SubmissionHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload RecordSubmittedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", TaskRecordSubmitted, err, asynq.SkipRetry)
	}
	if payload.SessionID != "" && h.drafts != nil {
		if err := h.drafts.Delete(ctx, payload.SessionID); err != nil {
			return fmt.Errorf("drop draft %s: %w", payload.SessionID, err)
		}
	}
	h.logger.Info("record submitted",
		slog.String("record_id", payload.RecordID),
		slog.String("kind", payload.Kind),
		slog.String("session_id", payload.SessionID),
		slog.Int("lines", payload.LineCount),
		slog.String("grand_total", payload.GrandTotal.StringFixed(2)))
	return nil
}
