package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"qless/queue-server/internal/models"
	"qless/queue-server/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestRegisterVisitAssignsNumbers(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	chamberX := seedChamber(t, ctx, pool, 1)
	chamberY := seedChamber(t, ctx, pool, 2)

	a := registerVisit(t, ctx, st, "cid-a", chamberX, models.PriorityNormal)
	b := registerVisit(t, ctx, st, "cid-b", chamberX, models.PriorityNormal)
	c := registerVisit(t, ctx, st, "cid-c", chamberY, models.PriorityNormal)

	if a.TokenNumber != 1 || b.TokenNumber != 2 {
		t.Fatalf("expected per-chamber tokens 1 and 2, got %d and %d", a.TokenNumber, b.TokenNumber)
	}
	if c.TokenNumber != 1 {
		t.Fatalf("expected token 1 in second chamber, got %d", c.TokenNumber)
	}
	if a.QueueNumber != 1 || b.QueueNumber != 2 || c.QueueNumber != 3 {
		t.Fatalf("expected global queue numbers 1, 2, 3, got %d, %d, %d",
			a.QueueNumber, b.QueueNumber, c.QueueNumber)
	}
	if a.Status != models.StatusWaiting {
		t.Fatalf("expected waiting status, got %s", a.Status)
	}
}

func TestRegisterVisitDuplicateActive(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	chamber := seedChamber(t, ctx, pool, 1)
	registerVisit(t, ctx, st, "cid-a", chamber, models.PriorityNormal)

	_, err := st.RegisterVisit(ctx, store.RegisterVisitInput{
		CID:            "cid-a",
		Name:           "Patient A",
		Age:            40,
		Gender:         "male",
		ChiefComplaint: "headache",
		ChamberID:      chamber,
		Priority:       models.PriorityNormal,
	})
	if !errors.Is(err, store.ErrDuplicateActiveVisit) {
		t.Fatalf("expected ErrDuplicateActiveVisit, got %v", err)
	}
}

func TestRegisterVisitUnknownChamber(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	_, err := st.RegisterVisit(ctx, store.RegisterVisitInput{
		CID:            "cid-a",
		Name:           "Patient A",
		ChiefComplaint: "headache",
		ChamberID:      uuid.NewString(),
	})
	if !errors.Is(err, store.ErrChamberNotFound) {
		t.Fatalf("expected ErrChamberNotFound, got %v", err)
	}
}

func TestCallNextPriorityOrder(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	chamber := seedChamber(t, ctx, pool, 1)
	registerVisit(t, ctx, st, "cid-normal", chamber, models.PriorityNormal)
	urgent := registerVisit(t, ctx, st, "cid-urgent", chamber, models.PriorityUrgent)

	called, err := st.CallNext(ctx, store.CallNextInput{ChamberID: chamber, DoctorID: "doc-1"})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if called.VisitID != urgent.VisitID {
		t.Fatalf("expected urgent visit first, got %s", called.CID)
	}
	if called.Status != models.StatusInProgress {
		t.Fatalf("expected in-progress, got %s", called.Status)
	}
	if called.CalledAt == nil {
		t.Fatalf("expected called_at to be set")
	}
	if called.AssignedDoctor == nil || *called.AssignedDoctor != "doc-1" {
		t.Fatalf("expected assigned doctor doc-1")
	}
}

func TestCallNextBlockedWhileServing(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	chamber := seedChamber(t, ctx, pool, 1)
	registerVisit(t, ctx, st, "cid-a", chamber, models.PriorityNormal)
	registerVisit(t, ctx, st, "cid-b", chamber, models.PriorityNormal)

	if _, err := st.CallNext(ctx, store.CallNextInput{ChamberID: chamber}); err != nil {
		t.Fatalf("first call next: %v", err)
	}
	_, err := st.CallNext(ctx, store.CallNextInput{ChamberID: chamber})
	if !errors.Is(err, store.ErrChamberBusy) {
		t.Fatalf("expected ErrChamberBusy, got %v", err)
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	chamber := seedChamber(t, ctx, pool, 1)
	_, err := st.CallNext(ctx, store.CallNextInput{ChamberID: chamber})
	if !errors.Is(err, store.ErrEmptyQueue) {
		t.Fatalf("expected ErrEmptyQueue, got %v", err)
	}
}

func TestCallNextConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	chamber := seedChamber(t, ctx, pool, 1)
	registerVisit(t, ctx, st, "cid-a", chamber, models.PriorityNormal)
	registerVisit(t, ctx, st, "cid-b", chamber, models.PriorityNormal)

	const callers = 4
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.CallNext(ctx, store.CallNextInput{ChamberID: chamber})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, busy int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrChamberBusy):
			busy++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d (busy=%d)", wins, busy)
	}
}

func TestCompleteVisitAppendsHistoryOnce(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	chamber := seedChamber(t, ctx, pool, 1)
	registerVisit(t, ctx, st, "cid-a", chamber, models.PriorityNormal)
	registerVisit(t, ctx, st, "cid-b", chamber, models.PriorityNormal)

	called, err := st.CallNext(ctx, store.CallNextInput{ChamberID: chamber, DoctorID: "doc-1"})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}

	completed, err := st.CompleteVisit(ctx, store.CompleteVisitInput{
		TokenNumber:  called.TokenNumber,
		Prescription: "rest and fluids",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != models.StatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("expected completed visit, got %+v", completed)
	}
	if completed.Prescription != "rest and fluids" {
		t.Fatalf("expected prescription to persist")
	}

	entries, err := st.GetVisitHistory(ctx, called.VisitID)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one history entry, got %d", len(entries))
	}
	if entries[0].DoctorID == nil || *entries[0].DoctorID != "doc-1" {
		t.Fatalf("expected doctor recorded in history")
	}

	// Completing the same token again conflicts; no second append.
	_, err = st.CompleteVisit(ctx, store.CompleteVisitInput{TokenNumber: called.TokenNumber})
	if !errors.Is(err, store.ErrNotInProgress) {
		t.Fatalf("expected ErrNotInProgress, got %v", err)
	}
	entries, err = st.GetVisitHistory(ctx, called.VisitID)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("history grew on failed completion: %d entries", len(entries))
	}

	// The chamber opens up for the next patient.
	next, err := st.CallNext(ctx, store.CallNextInput{ChamberID: chamber})
	if err != nil {
		t.Fatalf("call next after complete: %v", err)
	}
	if next.CID != "cid-b" {
		t.Fatalf("expected cid-b next, got %s", next.CID)
	}
}

func TestCompleteVisitOneRowWhenTokenRepeats(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	// Both chambers hand out token 1 and both end up serving it.
	chamberA := seedChamber(t, ctx, pool, 1)
	chamberB := seedChamber(t, ctx, pool, 2)
	inA := registerVisit(t, ctx, st, "cid-a", chamberA, models.PriorityNormal)
	inB := registerVisit(t, ctx, st, "cid-b", chamberB, models.PriorityNormal)
	if inA.TokenNumber != 1 || inB.TokenNumber != 1 {
		t.Fatalf("expected both chambers at token 1, got %d and %d", inA.TokenNumber, inB.TokenNumber)
	}
	if _, err := st.CallNext(ctx, store.CallNextInput{ChamberID: chamberA}); err != nil {
		t.Fatalf("call next A: %v", err)
	}
	if _, err := st.CallNext(ctx, store.CallNextInput{ChamberID: chamberB}); err != nil {
		t.Fatalf("call next B: %v", err)
	}

	completed, err := st.CompleteVisit(ctx, store.CompleteVisitInput{TokenNumber: 1})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	other := inB
	if completed.VisitID == inB.VisitID {
		other = inA
	}
	remaining, err := st.GetVisit(ctx, other.VisitID)
	if err != nil {
		t.Fatalf("get remaining visit: %v", err)
	}
	if remaining.Status != models.StatusInProgress {
		t.Fatalf("other chamber's visit must stay in progress, got %s", remaining.Status)
	}
	entries, err := st.GetVisitHistory(ctx, completed.VisitID)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one history entry for the completed visit, got %d", len(entries))
	}
	entries, err = st.GetVisitHistory(ctx, other.VisitID)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("untouched visit must have no history, got %d entries", len(entries))
	}

	// Chamber scoping picks out the remaining visit exactly.
	scoped, err := st.CompleteVisit(ctx, store.CompleteVisitInput{TokenNumber: 1, ChamberID: remaining.ChamberID})
	if err != nil {
		t.Fatalf("scoped complete: %v", err)
	}
	if scoped.VisitID != remaining.VisitID {
		t.Fatalf("scoped completion hit the wrong visit: %s", scoped.VisitID)
	}
}

func TestCompleteVisitChamberScopeMismatch(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	chamberA := seedChamber(t, ctx, pool, 1)
	chamberB := seedChamber(t, ctx, pool, 2)
	visit := registerVisit(t, ctx, st, "cid-a", chamberA, models.PriorityNormal)
	if _, err := st.CallNext(ctx, store.CallNextInput{ChamberID: chamberA}); err != nil {
		t.Fatalf("call next: %v", err)
	}

	// Wrong chamber never reaches across to another chamber's token.
	_, err := st.CompleteVisit(ctx, store.CompleteVisitInput{TokenNumber: visit.TokenNumber, ChamberID: chamberB})
	if !errors.Is(err, store.ErrVisitNotFound) {
		t.Fatalf("expected ErrVisitNotFound for wrong chamber, got %v", err)
	}
	current, err := st.GetVisit(ctx, visit.VisitID)
	if err != nil {
		t.Fatalf("get visit: %v", err)
	}
	if current.Status != models.StatusInProgress {
		t.Fatalf("visit must be untouched, got %s", current.Status)
	}
}

func TestCompleteVisitUnknownToken(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	_, err := st.CompleteVisit(ctx, store.CompleteVisitInput{TokenNumber: 99})
	if !errors.Is(err, store.ErrVisitNotFound) {
		t.Fatalf("expected ErrVisitNotFound, got %v", err)
	}
}

func TestCancelVisit(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	chamber := seedChamber(t, ctx, pool, 1)
	visit := registerVisit(t, ctx, st, "cid-a", chamber, models.PriorityNormal)

	cancelled, err := st.CancelVisit(ctx, store.CancelVisitInput{VisitID: visit.VisitID})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	// Cancellation leaves no history and frees the patient to register again.
	entries, err := st.GetVisitHistory(ctx, visit.VisitID)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no history for cancelled visit, got %d", len(entries))
	}
	again := registerVisit(t, ctx, st, "cid-a", chamber, models.PriorityNormal)
	if again.TokenNumber != 2 {
		t.Fatalf("token numbers must not be reused, got %d", again.TokenNumber)
	}

	_, err = st.CancelVisit(ctx, store.CancelVisitInput{VisitID: visit.VisitID})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double cancel, got %v", err)
	}
	_, err = st.CancelVisit(ctx, store.CancelVisitInput{VisitID: uuid.NewString()})
	if !errors.Is(err, store.ErrVisitNotFound) {
		t.Fatalf("expected ErrVisitNotFound, got %v", err)
	}
}

func TestOutboxRecordsLifecycle(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	chamber := seedChamber(t, ctx, pool, 1)
	visit := registerVisit(t, ctx, st, "cid-a", chamber, models.PriorityNormal)
	if _, err := st.CallNext(ctx, store.CallNextInput{ChamberID: chamber}); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, err := st.CompleteVisit(ctx, store.CompleteVisitInput{TokenNumber: visit.TokenNumber}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	events, err := st.ListOutboxEvents(ctx, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	var types []string
	for _, event := range events {
		types = append(types, event.Type)
	}
	want := []string{"patient-registered", "patient-called", "patient-completed"}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, types)
		}
	}

	if err := st.CleanupOutbox(ctx, time.Now().UTC().Add(time.Minute)); err != nil {
		t.Fatalf("cleanup outbox: %v", err)
	}
	events, err = st.ListOutboxEvents(ctx, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list outbox after cleanup: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected empty outbox, got %d events", len(events))
	}
}

func TestQueueStats(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	chamber := seedChamber(t, ctx, pool, 1)
	registerVisit(t, ctx, st, "cid-a", chamber, models.PriorityNormal)
	registerVisit(t, ctx, st, "cid-b", chamber, models.PriorityUrgent)
	first := registerVisit(t, ctx, st, "cid-c", chamber, models.PriorityEmergency)
	if _, err := st.CallNext(ctx, store.CallNextInput{ChamberID: chamber}); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, err := st.CompleteVisit(ctx, store.CompleteVisitInput{TokenNumber: first.TokenNumber}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	dayStart := time.Now().UTC().Add(-time.Hour)
	stats, err := st.QueueStats(ctx, dayStart)
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	if stats.Waiting != 2 || stats.InProgress != 0 || stats.CompletedToday != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(stats.PriorityBreakdown) != 2 {
		t.Fatalf("expected 2 priority buckets, got %+v", stats.PriorityBreakdown)
	}
	if stats.PriorityBreakdown[0].Priority != models.PriorityUrgent {
		t.Fatalf("expected urgent bucket first, got %+v", stats.PriorityBreakdown)
	}
}

func TestChambers(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	created, err := st.CreateChamber(ctx, 7)
	if err != nil {
		t.Fatalf("create chamber: %v", err)
	}
	if _, err := st.CreateChamber(ctx, 7); !errors.Is(err, store.ErrChamberExists) {
		t.Fatalf("expected ErrChamberExists, got %v", err)
	}

	chambers, err := st.ListChambers(ctx)
	if err != nil {
		t.Fatalf("list chambers: %v", err)
	}
	if len(chambers) != 1 || chambers[0].ChamberID != created.ChamberID {
		t.Fatalf("unexpected chambers: %+v", chambers)
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool)
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func seedChamber(t *testing.T, ctx context.Context, pool *pgxpool.Pool, number int) string {
	t.Helper()
	chamberID := uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO chambers (chamber_id, chamber_number) VALUES ($1, $2)
	`, chamberID, number); err != nil {
		t.Fatalf("insert chamber: %v", err)
	}
	return chamberID
}

func registerVisit(t *testing.T, ctx context.Context, st *Store, cid, chamberID, priority string) models.Visit {
	t.Helper()
	visit, err := st.RegisterVisit(ctx, store.RegisterVisitInput{
		CID:            cid,
		Name:           "Patient " + cid,
		Age:            35,
		Gender:         "female",
		ChiefComplaint: "fever",
		ChamberID:      chamberID,
		Priority:       priority,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("register visit %s: %v", cid, err)
	}
	return visit
}
