package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"qless/queue-server/internal/models"
	"qless/queue-server/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// priorityCase orders waiting visits for the claim query: emergency ahead of
// urgent ahead of normal, queue number breaking ties.
const priorityCase = `CASE priority WHEN 'emergency' THEN 3 WHEN 'urgent' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END`

const visitColumns = `visit_id, cid, name, age, gender, chief_complaint, chamber_id, token_number, queue_number, priority, status, prescription, assigned_doctor, created_at, called_at, completed_at`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) RegisterVisit(ctx context.Context, input store.RegisterVisitInput) (models.Visit, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Visit{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = ensureChamberExists(ctx, tx, input.ChamberID); err != nil {
		return models.Visit{}, err
	}

	var existing string
	row := tx.QueryRow(ctx, `
		SELECT visit_id
		FROM visits
		WHERE cid = $1 AND status IN ('waiting', 'in-progress')
	`, input.CID)
	if err = row.Scan(&existing); err == nil {
		err = store.ErrDuplicateActiveVisit
		return models.Visit{}, err
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return models.Visit{}, err
	}
	err = nil

	token, err := nextTokenNumber(ctx, tx, input.ChamberID)
	if err != nil {
		return models.Visit{}, err
	}
	queueNumber, err := nextQueueNumber(ctx, tx)
	if err != nil {
		return models.Visit{}, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	priority := input.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}

	visit := models.Visit{}
	row = tx.QueryRow(ctx, `
		INSERT INTO visits (
			visit_id, cid, name, age, gender, chief_complaint, chamber_id,
			token_number, queue_number, priority, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING `+visitColumns+`
	`, uuid.NewString(), input.CID, input.Name, input.Age, input.Gender, input.ChiefComplaint,
		input.ChamberID, token, queueNumber, priority, models.StatusWaiting, createdAt)
	if visit, err = scanVisit(row); err != nil {
		// A concurrent registration for the same patient loses the race on
		// the partial unique index over active visits.
		if isUniqueViolation(err, "visits_active_cid_idx") {
			err = store.ErrDuplicateActiveVisit
		}
		return models.Visit{}, err
	}

	if err = insertOutboxEvent(ctx, tx, "patient-registered", visit); err != nil {
		return models.Visit{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Visit{}, err
	}
	return visit, nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Visit, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Visit{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = ensureChamberExists(ctx, tx, input.ChamberID); err != nil {
		return models.Visit{}, err
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	visit, err := claimNextVisit(ctx, tx, input, calledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = classifyEmptyClaim(ctx, tx, input.ChamberID)
			return models.Visit{}, err
		}
		// The partial unique index on (chamber_id) WHERE status='in-progress'
		// rejects the second of two racing claims for the same chamber.
		if isUniqueViolation(err, "visits_chamber_serving_idx") {
			err = store.ErrChamberBusy
		}
		return models.Visit{}, err
	}

	if err = insertOutboxEvent(ctx, tx, "patient-called", visit); err != nil {
		return models.Visit{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Visit{}, err
	}
	return visit, nil
}

func claimNextVisit(ctx context.Context, tx pgx.Tx, input store.CallNextInput, calledAt time.Time) (models.Visit, error) {
	row := tx.QueryRow(ctx, `
		WITH next_visit AS (
			SELECT visit_id
			FROM visits
			WHERE chamber_id = $1 AND status = 'waiting'
				AND NOT EXISTS (
					SELECT 1 FROM visits busy
					WHERE busy.chamber_id = $1 AND busy.status = 'in-progress'
				)
			ORDER BY `+priorityCase+` DESC, queue_number ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE visits
		SET status = 'in-progress',
			called_at = $2,
			assigned_doctor = $3
		FROM next_visit
		WHERE visits.visit_id = next_visit.visit_id
		RETURNING `+qualifiedVisitColumns("visits"), input.ChamberID, calledAt, nullIfEmpty(input.DoctorID))
	return scanVisit(row)
}

// classifyEmptyClaim tells an empty queue apart from a chamber whose single
// serving slot is already taken.
func classifyEmptyClaim(ctx context.Context, tx pgx.Tx, chamberID string) error {
	var busy bool
	row := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM visits WHERE chamber_id = $1 AND status = 'in-progress'
		)
	`, chamberID)
	if err := row.Scan(&busy); err != nil {
		return err
	}
	if busy {
		return store.ErrChamberBusy
	}
	return store.ErrEmptyQueue
}

func (s *Store) CompleteVisit(ctx context.Context, input store.CompleteVisitInput) (models.Visit, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Visit{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	completedAt := input.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	// Tokens repeat across chambers, so the update goes through a single
	// selected visit_id; a bare token match could flip every serving chamber
	// at once.
	var visit models.Visit
	row := tx.QueryRow(ctx, `
		UPDATE visits
		SET status = 'completed',
			completed_at = $2,
			prescription = CASE WHEN $3 <> '' THEN $3 ELSE prescription END
		WHERE visit_id = (
			SELECT visit_id
			FROM visits
			WHERE token_number = $1 AND status = 'in-progress'
				AND ($4 = '' OR chamber_id = $4)
			ORDER BY called_at ASC
			LIMIT 1
			FOR UPDATE
		)
		RETURNING `+visitColumns,
		input.TokenNumber, completedAt, input.Prescription, input.ChamberID)
	if visit, err = scanVisit(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = classifyMissingToken(ctx, tx, input.TokenNumber, input.ChamberID)
			return models.Visit{}, err
		}
		return models.Visit{}, err
	}

	// The one and only history append: snapshot of the visit at its terminal
	// state. Cancellation deliberately records nothing.
	_, err = tx.Exec(ctx, `
		INSERT INTO visit_history (history_id, visit_id, visit_date, status, chief_complaint, chamber_id, token_number, doctor_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.NewString(), visit.VisitID, completedAt, visit.Status, visit.ChiefComplaint,
		visit.ChamberID, visit.TokenNumber, visit.AssignedDoctor)
	if err != nil {
		return models.Visit{}, err
	}

	if err = insertOutboxEvent(ctx, tx, "patient-completed", visit); err != nil {
		return models.Visit{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Visit{}, err
	}
	return visit, nil
}

func classifyMissingToken(ctx context.Context, tx pgx.Tx, token int, chamberID string) error {
	var exists bool
	row := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM visits
			WHERE token_number = $1 AND ($2 = '' OR chamber_id = $2)
		)
	`, token, chamberID)
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrVisitNotFound
	}
	return store.ErrNotInProgress
}

func (s *Store) CancelVisit(ctx context.Context, input store.CancelVisitInput) (models.Visit, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Visit{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var visit models.Visit
	row := tx.QueryRow(ctx, `
		UPDATE visits
		SET status = 'cancelled'
		WHERE visit_id = $1 AND status IN ('waiting', 'in-progress')
		RETURNING `+visitColumns, input.VisitID)
	if visit, err = scanVisit(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			checkRow := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM visits WHERE visit_id = $1)`, input.VisitID)
			if scanErr := checkRow.Scan(&exists); scanErr != nil {
				err = scanErr
				return models.Visit{}, err
			}
			if !exists {
				err = store.ErrVisitNotFound
			} else {
				err = store.ErrInvalidState
			}
			return models.Visit{}, err
		}
		return models.Visit{}, err
	}

	if err = insertOutboxEvent(ctx, tx, "patient-updated", visit); err != nil {
		return models.Visit{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Visit{}, err
	}
	return visit, nil
}

func (s *Store) GetVisit(ctx context.Context, visitID string) (models.Visit, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+visitColumns+`
		FROM visits
		WHERE visit_id = $1
	`, visitID)
	visit, err := scanVisit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Visit{}, store.ErrVisitNotFound
		}
		return models.Visit{}, err
	}
	return visit, nil
}

func (s *Store) GetActiveVisitByCID(ctx context.Context, cid string) (models.Visit, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+visitColumns+`
		FROM visits
		WHERE cid = $1 AND status IN ('waiting', 'in-progress')
	`, cid)
	visit, err := scanVisit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Visit{}, false, nil
		}
		return models.Visit{}, false, err
	}
	return visit, true, nil
}

func (s *Store) ListChamberVisits(ctx context.Context, chamberID string) ([]models.Visit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+visitColumns+`
		FROM visits
		WHERE chamber_id = $1 AND status IN ('waiting', 'in-progress')
		ORDER BY queue_number ASC
	`, chamberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanVisits(rows)
}

func (s *Store) SnapshotVisits(ctx context.Context) ([]models.Visit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+visitColumns+`
		FROM visits
		ORDER BY queue_number ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanVisits(rows)
}

func (s *Store) QueueStats(ctx context.Context, dayStart time.Time) (store.QueueStats, error) {
	var stats store.QueueStats
	row := s.pool.QueryRow(ctx, `
		SELECT
			SUM(CASE WHEN status = 'waiting' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'in-progress' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'completed' AND completed_at >= $1 THEN 1 ELSE 0 END),
			COALESCE(AVG(EXTRACT(EPOCH FROM (called_at - created_at))) FILTER (WHERE status = 'completed' AND completed_at >= $1), 0)
		FROM visits
	`, dayStart)
	var waiting, inProgress, completed sql.NullInt64
	if err := row.Scan(&waiting, &inProgress, &completed, &stats.AvgWaitSeconds); err != nil {
		return store.QueueStats{}, err
	}
	stats.Waiting = int(waiting.Int64)
	stats.InProgress = int(inProgress.Int64)
	stats.CompletedToday = int(completed.Int64)

	rows, err := s.pool.Query(ctx, `
		SELECT priority, COUNT(*)
		FROM visits
		WHERE status = 'waiting'
		GROUP BY priority
		ORDER BY `+priorityCase+` DESC
	`)
	if err != nil {
		return store.QueueStats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var count store.PriorityCount
		if err := rows.Scan(&count.Priority, &count.Count); err != nil {
			return store.QueueStats{}, err
		}
		stats.PriorityBreakdown = append(stats.PriorityBreakdown, count)
	}
	if err := rows.Err(); err != nil {
		return store.QueueStats{}, err
	}
	return stats, nil
}

func (s *Store) GetVisitHistory(ctx context.Context, visitID string) ([]models.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT visit_id, visit_date, status, chief_complaint, chamber_id, token_number, doctor_id
		FROM visit_history
		WHERE visit_id = $1
		ORDER BY visit_date ASC
	`, visitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var entry models.HistoryEntry
		var doctorNull sql.NullString
		if err := rows.Scan(&entry.VisitID, &entry.VisitDate, &entry.Status, &entry.ChiefComplaint, &entry.ChamberID, &entry.TokenNumber, &doctorNull); err != nil {
			return nil, err
		}
		entry.DoctorID = nullStringPtr(doctorNull)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) ListChambers(ctx context.Context) ([]models.Chamber, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chamber_id, chamber_number, created_at
		FROM chambers
		ORDER BY chamber_number ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chambers []models.Chamber
	for rows.Next() {
		var chamber models.Chamber
		if err := rows.Scan(&chamber.ChamberID, &chamber.ChamberNumber, &chamber.CreatedAt); err != nil {
			return nil, err
		}
		chambers = append(chambers, chamber)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return chambers, nil
}

func (s *Store) CreateChamber(ctx context.Context, chamberNumber int) (models.Chamber, error) {
	chamber := models.Chamber{ChamberID: uuid.NewString(), ChamberNumber: chamberNumber}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO chambers (chamber_id, chamber_number)
		VALUES ($1, $2)
		RETURNING created_at
	`, chamber.ChamberID, chamberNumber)
	if err := row.Scan(&chamber.CreatedAt); err != nil {
		if isUniqueViolation(err, "chambers_chamber_number_key") {
			return models.Chamber{}, store.ErrChamberExists
		}
		return models.Chamber{}, err
	}
	return chamber, nil
}

func (s *Store) GetStaffByCID(ctx context.Context, cid string) (models.Staff, error) {
	var staff models.Staff
	row := s.pool.QueryRow(ctx, `
		SELECT staff_id, cid, name, role, password_hash, active
		FROM staff
		WHERE cid = $1 AND active = TRUE
	`, cid)
	if err := row.Scan(&staff.StaffID, &staff.CID, &staff.Name, &staff.Role, &staff.PasswordHash, &staff.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Staff{}, store.ErrStaffNotFound
		}
		return models.Staff{}, err
	}
	return staff, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, type, payload_json, created_at
		FROM outbox_events
		WHERE created_at > $1
		ORDER BY created_at ASC
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) CleanupOutbox(ctx context.Context, before time.Time) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM outbox_events
		WHERE created_at < $1
	`, before)
	return err
}

func ensureChamberExists(ctx context.Context, tx pgx.Tx, chamberID string) error {
	var id string
	row := tx.QueryRow(ctx, `
		SELECT chamber_id FROM chambers WHERE chamber_id = $1
	`, chamberID)
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrChamberNotFound
		}
		return err
	}
	return nil
}

// nextTokenNumber hands out per-chamber tokens from a sequence row so that a
// token is never reused even after its visit completes.
func nextTokenNumber(ctx context.Context, tx pgx.Tx, chamberID string) (int, error) {
	var next int
	row := tx.QueryRow(ctx, `
		INSERT INTO token_sequences (chamber_id, next_token)
		VALUES ($1, 1)
		ON CONFLICT (chamber_id)
		DO UPDATE SET next_token = token_sequences.next_token + 1
		RETURNING next_token
	`, chamberID)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

// nextQueueNumber hands out the global arrival ordering key from a
// single-row sequence.
func nextQueueNumber(ctx context.Context, tx pgx.Tx) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO queue_sequence (id, next_number)
		VALUES (1, 1)
		ON CONFLICT (id)
		DO UPDATE SET next_number = queue_sequence.next_number + 1
		RETURNING next_number
	`)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, visit models.Visit) error {
	payloadJSON, err := json.Marshal(visit)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), eventType, payloadJSON, time.Now().UTC())
	return err
}

func scanVisit(row pgx.Row) (models.Visit, error) {
	var visit models.Visit
	var prescriptionNull sql.NullString
	var doctorNull sql.NullString
	var calledAtNull sql.NullTime
	var completedAtNull sql.NullTime
	if err := row.Scan(&visit.VisitID, &visit.CID, &visit.Name, &visit.Age, &visit.Gender,
		&visit.ChiefComplaint, &visit.ChamberID, &visit.TokenNumber, &visit.QueueNumber,
		&visit.Priority, &visit.Status, &prescriptionNull, &doctorNull,
		&visit.CreatedAt, &calledAtNull, &completedAtNull); err != nil {
		return models.Visit{}, err
	}
	if prescriptionNull.Valid {
		visit.Prescription = prescriptionNull.String
	}
	visit.AssignedDoctor = nullStringPtr(doctorNull)
	visit.CalledAt = nullTimePtr(calledAtNull)
	visit.CompletedAt = nullTimePtr(completedAtNull)
	return visit, nil
}

func scanVisits(rows pgx.Rows) ([]models.Visit, error) {
	var visits []models.Visit
	for rows.Next() {
		visit, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		visits = append(visits, visit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return visits, nil
}

func qualifiedVisitColumns(table string) string {
	return table + ".visit_id, " + table + ".cid, " + table + ".name, " + table + ".age, " +
		table + ".gender, " + table + ".chief_complaint, " + table + ".chamber_id, " +
		table + ".token_number, " + table + ".queue_number, " + table + ".priority, " +
		table + ".status, " + table + ".prescription, " + table + ".assigned_doctor, " +
		table + ".created_at, " + table + ".called_at, " + table + ".completed_at"
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}
