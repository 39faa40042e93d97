package models

import "time"

type Visit struct {
	VisitID        string     `json:"visit_id"`
	CID            string     `json:"cid"`
	Name           string     `json:"name"`
	Age            int        `json:"age"`
	Gender         string     `json:"gender"`
	ChiefComplaint string     `json:"chief_complaint"`
	ChamberID      string     `json:"chamber_id"`
	TokenNumber    int        `json:"token_number"`
	QueueNumber    int64      `json:"queue_number"`
	Priority       string     `json:"priority"`
	Status         string     `json:"status"`
	Prescription   string     `json:"prescription,omitempty"`
	AssignedDoctor *string    `json:"assigned_doctor,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CalledAt       *time.Time `json:"called_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

const (
	StatusWaiting    = "waiting"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

const (
	PriorityNormal    = "normal"
	PriorityUrgent    = "urgent"
	PriorityEmergency = "emergency"
)

// PriorityRank orders priorities for queue selection: emergency ahead of
// urgent ahead of normal. Unknown values sort behind everything.
func PriorityRank(priority string) int {
	switch priority {
	case PriorityEmergency:
		return 3
	case PriorityUrgent:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

func ValidPriority(priority string) bool {
	switch priority {
	case PriorityNormal, PriorityUrgent, PriorityEmergency:
		return true
	default:
		return false
	}
}

// HistoryEntry is an append-only snapshot of a visit, written exactly once
// when the visit transitions to completed.
type HistoryEntry struct {
	VisitID        string    `json:"visit_id"`
	VisitDate      time.Time `json:"visit_date"`
	Status         string    `json:"status"`
	ChiefComplaint string    `json:"chief_complaint"`
	ChamberID      string    `json:"chamber_id"`
	TokenNumber    int       `json:"token_number"`
	DoctorID       *string   `json:"doctor_id,omitempty"`
}
