package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qless/queue-server/internal/hub"
	"qless/queue-server/internal/models"
	"qless/queue-server/internal/queue"
	"qless/queue-server/internal/store"

	"golang.org/x/crypto/bcrypt"
)

type Handler struct {
	store          store.VisitStore
	hub            *hub.Hub
	auth           *TokenIssuer
	avgMinutes     int
	requestTimeout time.Duration
	streamBuffer   int
}

type Options struct {
	AvgConsultMinutes int
	RequestTimeout    time.Duration
	StreamBuffer      int
}

func NewHandler(visitStore store.VisitStore, eventHub *hub.Hub, auth *TokenIssuer, options Options) *Handler {
	if options.AvgConsultMinutes <= 0 {
		options.AvgConsultMinutes = 10
	}
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = 5 * time.Second
	}
	if options.StreamBuffer <= 0 {
		options.StreamBuffer = 16
	}
	return &Handler{
		store:          visitStore,
		hub:            eventHub,
		auth:           auth,
		avgMinutes:     options.AvgConsultMinutes,
		requestTimeout: options.RequestTimeout,
		streamBuffer:   options.StreamBuffer,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/auth/login", h.handleLogin)
	mux.HandleFunc("/api/patients/register", h.handleRegister)
	mux.HandleFunc("/api/patients/status/", h.handlePatientStatus)
	mux.HandleFunc("/api/patients/", h.handlePatients)
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/queue/current", h.handleQueueCurrent)
	mux.HandleFunc("/api/queue/stats", h.handleQueueStats)
	mux.HandleFunc("/api/queue/call-next", h.handleCallNext)
	mux.HandleFunc("/api/queue/complete/", h.handleComplete)
	mux.HandleFunc("/api/queue/cancel/", h.handleCancel)
	mux.HandleFunc("/api/queue/stream", h.handleStream)
	mux.HandleFunc("/api/events", h.handleEvents)
	mux.HandleFunc("/api/chambers", h.handleChambers)
	return AuthMiddleware(h.auth, mux)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type loginRequest struct {
	CID      string `json:"cid"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string       `json:"token"`
	Staff models.Staff `json:"staff"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.CID = strings.TrimSpace(req.CID)
	if req.CID == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "cid and password are required")
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	staff, err := h.store.GetStaffByCID(ctx, req.CID)
	if err != nil {
		if errors.Is(err, store.ErrStaffNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}
		h.writeStoreError(w, err)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(staff.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	token, err := h.auth.Issue(staff)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, Staff: staff})
}

type registerRequest struct {
	CID            string `json:"cid"`
	Name           string `json:"name"`
	Age            int    `json:"age"`
	Gender         string `json:"gender"`
	ChiefComplaint string `json:"chief_complaint"`
	ChamberID      string `json:"chamber_id"`
	Priority       string `json:"priority"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.CID = strings.TrimSpace(req.CID)
	req.Name = strings.TrimSpace(req.Name)
	req.Gender = strings.TrimSpace(req.Gender)
	req.ChiefComplaint = strings.TrimSpace(req.ChiefComplaint)
	req.ChamberID = strings.TrimSpace(req.ChamberID)
	req.Priority = strings.TrimSpace(req.Priority)

	if req.CID == "" || req.Name == "" || req.ChiefComplaint == "" || req.ChamberID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "cid, name, chief_complaint, and chamber_id are required")
		return
	}
	if req.Age < 0 || req.Age > 150 {
		writeError(w, http.StatusBadRequest, "invalid_request", "age must be between 0 and 150")
		return
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !models.ValidPriority(req.Priority) {
		writeError(w, http.StatusBadRequest, "invalid_request", "priority must be normal, urgent, or emergency")
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	visit, err := h.store.RegisterVisit(ctx, store.RegisterVisitInput{
		CID:            req.CID,
		Name:           req.Name,
		Age:            req.Age,
		Gender:         req.Gender,
		ChiefComplaint: req.ChiefComplaint,
		ChamberID:      req.ChamberID,
		Priority:       req.Priority,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	h.hub.Publish("patient-registered", visit)
	writeJSON(w, http.StatusCreated, visit)
}

func (h *Handler) handlePatientStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	cid := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/patients/status/"), "/")
	if cid == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "cid is required")
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	visit, found, err := h.store.GetActiveVisitByCID(ctx, cid)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "visit_not_found", "no active visit for this patient")
		return
	}

	chamberVisits, err := h.store.ListChamberVisits(ctx, visit.ChamberID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	view := queue.BuildChamberView(visit.ChamberID, chamberVisits, h.avgMinutes, time.Now().UTC())
	for _, entry := range view.Queue {
		if entry.VisitID == visit.VisitID {
			writeJSON(w, http.StatusOK, entry)
			return
		}
	}
	if view.Patient != nil && view.Patient.VisitID == visit.VisitID {
		writeJSON(w, http.StatusOK, view.Patient)
		return
	}
	writeJSON(w, http.StatusOK, queue.Entry{Visit: visit})
}

func (h *Handler) handlePatients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/patients/"), "/")
	parts := strings.Split(path, "/")

	ctx, cancel := h.requestContext(r)
	defer cancel()

	switch {
	case len(parts) == 1 && parts[0] != "":
		visit, err := h.store.GetVisit(ctx, parts[0])
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, visit)
	case len(parts) == 2 && parts[1] == "history":
		if !requireStaff(w, r) {
			return
		}
		if _, err := h.store.GetVisit(ctx, parts[0]); err != nil {
			h.writeStoreError(w, err)
			return
		}
		entries, err := h.store.GetVisitHistory(ctx, parts[0])
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		if entries == nil {
			entries = []models.HistoryEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	visits, err := h.store.SnapshotVisits(ctx)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queue.BuildGlobalView(visits, h.avgMinutes, time.Now().UTC()))
}

func (h *Handler) handleQueueCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	chamberID := strings.TrimSpace(r.URL.Query().Get("chamber"))
	if chamberID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "chamber is required")
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	visits, err := h.store.ListChamberVisits(ctx, chamberID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queue.BuildChamberView(chamberID, visits, h.avgMinutes, time.Now().UTC()))
}

func (h *Handler) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requireStaff(w, r) {
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	stats, err := h.store.QueueStats(ctx, dayStart)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if stats.PriorityBreakdown == nil {
		stats.PriorityBreakdown = []store.PriorityCount{}
	}
	writeJSON(w, http.StatusOK, stats)
}

type callNextRequest struct {
	ChamberID string `json:"chamber_id"`
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	claims, ok := requireRole(w, r, models.RoleDoctor)
	if !ok {
		return
	}

	var req callNextRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.ChamberID = strings.TrimSpace(req.ChamberID)
	if req.ChamberID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "chamber_id is required")
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	visit, err := h.store.CallNext(ctx, store.CallNextInput{
		ChamberID: req.ChamberID,
		DoctorID:  claims.StaffID,
		CalledAt:  time.Now().UTC(),
	})
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	h.hub.Publish("patient-called", visit)
	writeJSON(w, http.StatusOK, visit)
}

type completeRequest struct {
	ChamberID    string `json:"chamber_id"`
	Prescription string `json:"prescription"`
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := requireRole(w, r, models.RoleDoctor); !ok {
		return
	}

	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/queue/complete/"), "/")
	token, err := strconv.Atoi(raw)
	if err != nil || token <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "token must be a positive integer")
		return
	}

	var req completeRequest
	if r.Body != nil && r.ContentLength != 0 {
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	visit, err := h.store.CompleteVisit(ctx, store.CompleteVisitInput{
		TokenNumber:  token,
		ChamberID:    strings.TrimSpace(req.ChamberID),
		Prescription: strings.TrimSpace(req.Prescription),
		CompletedAt:  time.Now().UTC(),
	})
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	h.hub.Publish("patient-completed", visit)
	writeJSON(w, http.StatusOK, visit)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requireStaff(w, r) {
		return
	}

	visitID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/queue/cancel/"), "/")
	if visitID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "visit id is required")
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	visit, err := h.store.CancelVisit(ctx, store.CancelVisitInput{
		VisitID:    visitID,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	h.hub.Publish("patient-updated", visit)
	writeJSON(w, http.StatusOK, visit)
}

const maxEventListLimit = 1000

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requireStaff(w, r) {
		return
	}

	afterRaw := strings.TrimSpace(r.URL.Query().Get("after"))
	var after time.Time
	if afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		after = parsed
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if parsed > maxEventListLimit {
			parsed = maxEventListLimit
		}
		limit = parsed
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	events, err := h.store.ListOutboxEvents(ctx, after, limit)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if events == nil {
		events = []store.OutboxEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

type createChamberRequest struct {
	ChamberNumber int `json:"chamber_number"`
}

func (h *Handler) handleChambers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		chambers, err := h.store.ListChambers(ctx)
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		if chambers == nil {
			chambers = []models.Chamber{}
		}
		writeJSON(w, http.StatusOK, chambers)
	case http.MethodPost:
		if _, ok := requireRole(w, r, models.RoleAdmin); !ok {
			return
		}
		var req createChamberRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		if req.ChamberNumber <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "chamber_number must be a positive integer")
			return
		}
		chamber, err := h.store.CreateChamber(ctx, req.ChamberNumber)
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, chamber)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.requestTimeout)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	status, code, msg := mapError(err)
	writeError(w, status, code, msg)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrDuplicateActiveVisit):
		return http.StatusConflict, "duplicate_visit", "patient already has an active visit"
	case errors.Is(err, store.ErrEmptyQueue):
		return http.StatusConflict, "queue_empty", "no patients waiting"
	case errors.Is(err, store.ErrChamberBusy):
		return http.StatusConflict, "chamber_busy", "chamber is already serving a patient"
	case errors.Is(err, store.ErrNotInProgress):
		return http.StatusConflict, "not_in_progress", "visit is not in progress"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "visit state does not allow this action"
	case errors.Is(err, store.ErrVisitNotFound):
		return http.StatusNotFound, "visit_not_found", "visit not found"
	case errors.Is(err, store.ErrChamberNotFound):
		return http.StatusNotFound, "chamber_not_found", "chamber not found"
	case errors.Is(err, store.ErrChamberExists):
		return http.StatusConflict, "chamber_exists", "chamber number already exists"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "store_unavailable", "storage did not respond in time"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: responseError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
