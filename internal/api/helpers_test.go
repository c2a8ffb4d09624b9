package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"labreserve/internal/config"
	"labreserve/internal/database"
	"labreserve/internal/models"
	"labreserve/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var (
	testNow = time.Date(2025, 6, 9, 12, 0, 0, 0, time.UTC)
	testDay = "2025-06-10"
)

type fakeDeadLetters struct {
	mu       sync.Mutex
	tasks    []*models.ApprovalTask
	requeued []int64
	err      error
}

func (f *fakeDeadLetters) ListFailed(ctx context.Context, limit int) ([]*models.ApprovalTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tasks) > limit {
		return f.tasks[:limit], nil
	}
	return f.tasks, nil
}

func (f *fakeDeadLetters) Requeue(ctx context.Context, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.requeued = append(f.requeued, taskID)
	return nil
}

type testStack struct {
	db       *database.DB
	booking  *service.BookingService
	engine   *service.ApprovalEngine
	dead     *fakeDeadLetters
	services Services
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetLabs([]*models.Lab{
		{ID: 3, Name: "Chemistry 204", Capacity: 40, Status: models.LabAvailable, SortOrder: 2},
		{ID: 1, Name: "Physics 101", Capacity: 30, Status: models.LabAvailable, SortOrder: 1},
	})

	booking := service.NewBookingService(service.BookingDeps{
		Repo:     db,
		Tx:       db,
		Labs:     db,
		Clock:    fixedClock{now: testNow},
		Location: time.UTC,
	}, config.BookingConfig{}, &logger)
	engine := service.NewApprovalEngine(db, db, nil, nil, &logger)
	dead := &fakeDeadLetters{}

	return &testStack{
		db:      db,
		booking: booking,
		engine:  engine,
		dead:    dead,
		services: Services{
			Booking:   booking,
			Approvals: engine,
			Tasks:     dead,
		},
	}
}

func newTestHTTPServer(t *testing.T, cfg config.APIConfig, svc Services) *httptest.Server {
	t.Helper()
	logger := zerolog.New(io.Discard)
	srv := NewHTTPServer(cfg, svc, &logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func asUser(req *http.Request, id int64, role models.Role) *http.Request {
	req.Header.Set("X-User-ID", strconv.FormatInt(id, 10))
	req.Header.Set("X-User-Role", string(role))
	return req
}
