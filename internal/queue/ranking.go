// Package queue holds the ordering and position math for the patient queue.
// It operates on visit rows supplied by the store so the ranking rules stay
// deterministic and testable without a database.
package queue

import (
	"sort"
	"time"

	"qless/queue-server/internal/models"
)

// Entry is a visit decorated with its place in the queue. Position and wait
// fields are omitted for visits that are not queued (completed, cancelled).
type Entry struct {
	models.Visit
	PositionInQueue      *int       `json:"position_in_queue,omitempty"`
	EstimatedWaitMinutes *int       `json:"estimated_wait_minutes,omitempty"`
	EstimatedReadyTime   *time.Time `json:"estimated_ready_time,omitempty"`
}

type Summary struct {
	TotalPatients int `json:"total_patients"`
	Waiting       int `json:"waiting"`
	InProgress    int `json:"in_progress"`
	Completed     int `json:"completed"`
	Cancelled     int `json:"cancelled"`
}

// GlobalView is the system-wide snapshot: in-progress visits first, then
// waiting visits ordered by queue number alone, then everything else.
type GlobalView struct {
	Summary  Summary `json:"summary"`
	Patients []Entry `json:"patients"`
}

// ChamberView is the per-chamber queue: the patient being (or about to be)
// served plus the waiting list in service order.
type ChamberView struct {
	ChamberID    string  `json:"chamber_id"`
	Patient      *Entry  `json:"patient"`
	Queue        []Entry `json:"queue"`
	WaitingCount int     `json:"waiting_count"`
	ExpectedTime *int    `json:"expected_time,omitempty"`
}

// SortWaiting returns the waiting visits in service order: highest priority
// rank first, earliest queue number breaking ties. The input is not modified.
func SortWaiting(visits []models.Visit) []models.Visit {
	waiting := filterStatus(visits, models.StatusWaiting)
	sort.SliceStable(waiting, func(i, j int) bool {
		ri, rj := models.PriorityRank(waiting[i].Priority), models.PriorityRank(waiting[j].Priority)
		if ri != rj {
			return ri > rj
		}
		return waiting[i].QueueNumber < waiting[j].QueueNumber
	})
	return waiting
}

// NextCandidate picks the visit a doctor should see next: the in-progress
// visit if one exists, otherwise the best waiting visit. The second return is
// false when the chamber is empty.
func NextCandidate(visits []models.Visit) (models.Visit, bool) {
	for _, v := range visits {
		if v.Status == models.StatusInProgress {
			return v, true
		}
	}
	waiting := SortWaiting(visits)
	if len(waiting) == 0 {
		return models.Visit{}, false
	}
	return waiting[0], true
}

// BuildChamberView assembles the queue for one chamber from its active
// (waiting and in-progress) visits. Positions are 1-indexed over the waiting
// list; an in-progress visit occupies position 0 ahead of it and shifts every
// waiting position down by one.
func BuildChamberView(chamberID string, visits []models.Visit, avgMinutes int, now time.Time) ChamberView {
	view := ChamberView{ChamberID: chamberID, Queue: []Entry{}}

	var current *Entry
	for _, v := range visits {
		if v.Status == models.StatusInProgress {
			entry := positioned(v, 0, 0, now)
			current = &entry
			break
		}
	}

	waiting := SortWaiting(visits)
	offset := 0
	if current != nil {
		offset = 1
	} else if len(waiting) > 0 {
		entry := plain(waiting[0])
		current = &entry
	}

	for i, v := range waiting {
		position := offset + i + 1
		view.Queue = append(view.Queue, positioned(v, position, position*avgMinutes, now))
	}

	view.Patient = current
	view.WaitingCount = len(waiting)
	if len(visits) > 0 {
		expected := len(waiting) * avgMinutes
		view.ExpectedTime = &expected
	}
	return view
}

// BuildGlobalView assembles the cross-chamber snapshot. Unlike the
// per-chamber view, the waiting section orders by queue number alone; global
// ordering deliberately ignores priority.
func BuildGlobalView(visits []models.Visit, avgMinutes int, now time.Time) GlobalView {
	view := GlobalView{Patients: []Entry{}}
	view.Summary.TotalPatients = len(visits)

	var inProgress, waiting, others []models.Visit
	for _, v := range visits {
		switch v.Status {
		case models.StatusInProgress:
			view.Summary.InProgress++
			inProgress = append(inProgress, v)
		case models.StatusWaiting:
			view.Summary.Waiting++
			waiting = append(waiting, v)
		case models.StatusCompleted:
			view.Summary.Completed++
			others = append(others, v)
		case models.StatusCancelled:
			view.Summary.Cancelled++
			others = append(others, v)
		default:
			others = append(others, v)
		}
	}

	byQueueNumber(inProgress)
	byQueueNumber(waiting)
	byQueueNumber(others)

	for _, v := range inProgress {
		view.Patients = append(view.Patients, positioned(v, 0, 0, now))
	}
	for i, v := range waiting {
		position := len(inProgress) + i + 1
		view.Patients = append(view.Patients, positioned(v, position, position*avgMinutes, now))
	}
	for _, v := range others {
		view.Patients = append(view.Patients, plain(v))
	}
	return view
}

func filterStatus(visits []models.Visit, status string) []models.Visit {
	var out []models.Visit
	for _, v := range visits {
		if v.Status == status {
			out = append(out, v)
		}
	}
	return out
}

func byQueueNumber(visits []models.Visit) {
	sort.SliceStable(visits, func(i, j int) bool {
		return visits[i].QueueNumber < visits[j].QueueNumber
	})
}

func positioned(v models.Visit, position, waitMinutes int, now time.Time) Entry {
	ready := now.Add(time.Duration(waitMinutes) * time.Minute)
	return Entry{
		Visit:                v,
		PositionInQueue:      &position,
		EstimatedWaitMinutes: &waitMinutes,
		EstimatedReadyTime:   &ready,
	}
}

func plain(v models.Visit) Entry {
	return Entry{Visit: v}
}
