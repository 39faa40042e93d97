package store

import (
	"context"
	"encoding/json"
	"time"

	"qless/queue-server/internal/models"
)

type RegisterVisitInput struct {
	CID            string
	Name           string
	Age            int
	Gender         string
	ChiefComplaint string
	ChamberID      string
	Priority       string
	CreatedAt      time.Time
}

type CallNextInput struct {
	ChamberID string
	DoctorID  string
	CalledAt  time.Time
}

// CompleteVisitInput addresses the visit by token. ChamberID narrows the
// lookup when set; tokens are only unique within a chamber.
type CompleteVisitInput struct {
	TokenNumber  int
	ChamberID    string
	Prescription string
	CompletedAt  time.Time
}

type CancelVisitInput struct {
	VisitID    string
	OccurredAt time.Time
}

// QueueStats is the raw material for /api/queue/stats; position math and
// formatting live in the queue package and the handler.
type QueueStats struct {
	Waiting           int             `json:"waiting"`
	InProgress        int             `json:"in_progress"`
	CompletedToday    int             `json:"completed_today"`
	AvgWaitSeconds    float64         `json:"avg_wait_seconds"`
	PriorityBreakdown []PriorityCount `json:"priority_breakdown"`
}

type PriorityCount struct {
	Priority string `json:"priority"`
	Count    int    `json:"count"`
}

// OutboxEvent is a change event persisted in the same transaction as the
// visit mutation it describes. Clients that miss pushed events catch up by
// listing the outbox.
type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type VisitStore interface {
	RegisterVisit(ctx context.Context, input RegisterVisitInput) (models.Visit, error)
	CallNext(ctx context.Context, input CallNextInput) (models.Visit, error)
	CompleteVisit(ctx context.Context, input CompleteVisitInput) (models.Visit, error)
	CancelVisit(ctx context.Context, input CancelVisitInput) (models.Visit, error)
	GetVisit(ctx context.Context, visitID string) (models.Visit, error)
	GetActiveVisitByCID(ctx context.Context, cid string) (models.Visit, bool, error)
	ListChamberVisits(ctx context.Context, chamberID string) ([]models.Visit, error)
	SnapshotVisits(ctx context.Context) ([]models.Visit, error)
	QueueStats(ctx context.Context, dayStart time.Time) (QueueStats, error)
	GetVisitHistory(ctx context.Context, visitID string) ([]models.HistoryEntry, error)
	ListChambers(ctx context.Context) ([]models.Chamber, error)
	CreateChamber(ctx context.Context, chamberNumber int) (models.Chamber, error)
	GetStaffByCID(ctx context.Context, cid string) (models.Staff, error)
	ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]OutboxEvent, error)
	CleanupOutbox(ctx context.Context, before time.Time) error
}
