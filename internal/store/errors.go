package store

import "errors"

var (
	ErrDuplicateActiveVisit = errors.New("patient already has an active visit")
	ErrEmptyQueue           = errors.New("no patients waiting")
	ErrNotInProgress        = errors.New("visit is not in progress")
	ErrInvalidState         = errors.New("invalid visit state")
	ErrVisitNotFound        = errors.New("visit not found")
	ErrChamberNotFound      = errors.New("chamber not found")
	ErrChamberBusy          = errors.New("chamber already serving a patient")
	ErrChamberExists        = errors.New("chamber number already exists")
	ErrStaffNotFound        = errors.New("staff not found")
)
