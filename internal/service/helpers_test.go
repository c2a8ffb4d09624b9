package service

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"labreserve/internal/config"
	"labreserve/internal/database"
	"labreserve/internal/events"
	"labreserve/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recordedEvent struct {
	Type    string
	Payload events.ReservationEventPayload
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) handle(e *events.Event) error {
	p, err := events.DecodeReservationPayload(e)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{Type: e.Type, Payload: p})
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *eventRecorder) last() recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type recordingScheduler struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (s *recordingScheduler) Schedule(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return s.err
}

func (s *recordingScheduler) scheduled() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.ids...)
}

// testDay is the date used by the lab 3 scenarios; the clock sits the day before.
var (
	testDay = time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	testNow = time.Date(2025, 6, 9, 12, 0, 0, 0, time.UTC)
)

var (
	student = models.Identity{UserID: 42, Role: models.RoleStudent}
	other   = models.Identity{UserID: 43, Role: models.RoleProfessor}
	admin   = models.Identity{UserID: 1, Role: models.RoleAdmin}
)

type testEnv struct {
	db        *database.DB
	bus       *events.EventBus
	events    *eventRecorder
	clock     *fixedClock
	scheduler *recordingScheduler
	booking   *BookingService
	engine    *ApprovalEngine
}

func testLabs() []*models.Lab {
	return []*models.Lab{
		{ID: 1, Name: "Physics 101", Capacity: 30, Status: models.LabAvailable},
		{ID: 3, Name: "Chemistry 204", Capacity: 40, Status: models.LabAvailable},
		{ID: 5, Name: "Biology 310", Capacity: 20, Status: models.LabMaintenance},
	}
}

func newTestEnv(t *testing.T, cfg config.BookingConfig) *testEnv {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetLabs(testLabs())

	bus := events.NewEventBus()
	rec := &eventRecorder{}
	bus.Subscribe(rec.handle, events.LifecycleEvents...)

	clock := &fixedClock{now: testNow}
	scheduler := &recordingScheduler{}

	booking := NewBookingService(BookingDeps{
		Repo:      db,
		Tx:        db,
		Labs:      db,
		Events:    bus,
		Approvals: scheduler,
		Clock:     clock,
		Location:  time.UTC,
	}, cfg, &logger)
	engine := NewApprovalEngine(db, db, nil, bus, &logger)

	return &testEnv{
		db:        db,
		bus:       bus,
		events:    rec,
		clock:     clock,
		scheduler: scheduler,
		booking:   booking,
		engine:    engine,
	}
}

func request(userID, labID int64, date time.Time, start, end string, students int) SubmitRequest {
	return SubmitRequest{
		UserID:       userID,
		LabID:        labID,
		Date:         date,
		Start:        models.MustTimeOfDay(start),
		End:          models.MustTimeOfDay(end),
		Purpose:      "Lab session",
		StudentCount: students,
	}
}

func (e *testEnv) status(t *testing.T, id int64) models.Status {
	t.Helper()
	r, err := e.db.GetReservation(context.Background(), id)
	require.NoError(t, err)
	return r.Status
}
