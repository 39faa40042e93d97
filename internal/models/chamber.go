package models

import "time"

type Chamber struct {
	ChamberID     string    `json:"chamber_id"`
	ChamberNumber int       `json:"chamber_number"`
	CreatedAt     time.Time `json:"created_at"`
}
