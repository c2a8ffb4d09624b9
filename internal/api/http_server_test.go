package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"labreserve/internal/config"
	"labreserve/internal/domain"
	"labreserve/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func doJSON(t *testing.T, method, url string, body any, id int64, role models.Role) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if id != 0 {
		asUser(req, id, role)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func submitBodyFor(lab int64, start, end string, students int) map[string]any {
	return map[string]any{
		"lab_id":        lab,
		"date":          testDay,
		"start_time":    start,
		"end_time":      end,
		"purpose":       "Titration",
		"student_count": students,
	}
}

func TestHealth(t *testing.T) {
	stack := newTestStack(t)
	ts := newTestHTTPServer(t, config.APIConfig{Auth: config.APIAuthConfig{Enabled: true}}, stack.services)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestSubmitAndConflict(t *testing.T) {
	stack := newTestStack(t)
	ts := newTestHTTPServer(t, config.APIConfig{}, stack.services)
	url := ts.URL + "/api/v1/reservations"

	resp := doJSON(t, http.MethodPost, url, submitBodyFor(3, "09:00", "10:30", 20), 42, models.RoleStudent)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[reservationResponse](t, resp)
	assert.Equal(t, int64(42), created.UserID)
	assert.Equal(t, "Chemistry 204", created.LabName)
	assert.Equal(t, testDay, created.Date)
	assert.Equal(t, "09:00", created.StartTime)
	assert.Equal(t, 90, created.DurationMinutes)
	assert.Equal(t, "pending", created.Status)

	resp = doJSON(t, http.MethodPost, url, submitBodyFor(3, "10:00", "11:00", 10), 43, models.RoleProfessor)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, url, submitBodyFor(3, "10:30", "11:30", 10), 43, models.RoleProfessor)
	assert.Equal(t, http.StatusCreated, resp.StatusCode, "adjacent slot is free")
}

func TestSubmitValidation(t *testing.T) {
	stack := newTestStack(t)
	ts := newTestHTTPServer(t, config.APIConfig{}, stack.services)
	url := ts.URL + "/api/v1/reservations"

	resp := doJSON(t, http.MethodPost, url, submitBodyFor(3, "09:00", "09:30", 10), 42, models.RoleStudent)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, domain.RuleMinDuration, body.Rule)

	resp = doJSON(t, http.MethodPost, url, submitBodyFor(3, "09:00", "10:00", 400), 42, models.RoleStudent)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, domain.RuleCapacity, decode[errorBody](t, resp).Rule)

	resp = doJSON(t, http.MethodPost, url, submitBodyFor(3, "9am", "10:00", 10), 42, models.RoleStudent)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, url, map[string]any{"lab_id": 3, "unexpected": true}, 42, models.RoleStudent)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, url, submitBodyFor(3, "09:00", "10:00", 10), 0, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestReservationLifecycleOverHTTP(t *testing.T) {
	stack := newTestStack(t)
	ts := newTestHTTPServer(t, config.APIConfig{}, stack.services)
	base := ts.URL + "/api/v1/reservations"

	resp := doJSON(t, http.MethodPost, base, submitBodyFor(3, "09:00", "10:00", 10), 42, models.RoleStudent)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decode[reservationResponse](t, resp).ID
	item := fmt.Sprintf("%s/%d", base, id)

	t.Run("OwnerCanRead", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, item, nil, 42, models.RoleStudent)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("OtherUserForbidden", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, item, nil, 43, models.RoleStudent)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		resp = doJSON(t, http.MethodPost, item+"/cancel", nil, 43, models.RoleStudent)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("NotFound", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, base+"/9999", nil, 1, models.RoleAdmin)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("EvaluateRequiresAdmin", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, item+"/evaluate", nil, 42, models.RoleStudent)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = doJSON(t, http.MethodPost, item+"/evaluate", nil, 1, models.RoleAdmin)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		outcome := decode[models.ApprovalOutcome](t, resp)
		assert.Equal(t, models.StatusApproved, outcome.Status)
		assert.True(t, outcome.Changed)
	})

	t.Run("ApprovedCannotBeRejected", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, item+"/reject", map[string]string{"reason": "late"}, 1, models.RoleAdmin)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("OwnerCancels", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, item+"/cancel", nil, 42, models.RoleStudent)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp = doJSON(t, http.MethodPost, item+"/cancel", nil, 42, models.RoleStudent)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("Mine", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, base+"/mine", nil, 42, models.RoleStudent)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[struct {
			Reservations []reservationResponse `json:"reservations"`
		}](t, resp)
		require.Len(t, body.Reservations, 1)
		assert.Equal(t, "cancelled", body.Reservations[0].Status)
	})
}

func TestAdminReject(t *testing.T) {
	stack := newTestStack(t)
	ts := newTestHTTPServer(t, config.APIConfig{}, stack.services)
	base := ts.URL + "/api/v1/reservations"

	resp := doJSON(t, http.MethodPost, base, submitBodyFor(1, "13:00", "14:00", 10), 42, models.RoleStudent)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decode[reservationResponse](t, resp).ID

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/%d/reject", base, id), map[string]string{"reason": "maintenance"}, 42, models.RoleStudent)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/%d/reject", base, id), map[string]string{"reason": "maintenance"}, 1, models.RoleAdmin)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	r, err := stack.db.GetReservation(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, r.Status)
}

func TestAdminListing(t *testing.T) {
	stack := newTestStack(t)
	ts := newTestHTTPServer(t, config.APIConfig{}, stack.services)
	base := ts.URL + "/api/v1/reservations"

	for _, slot := range [][2]string{{"08:00", "09:00"}, {"09:00", "10:00"}} {
		resp := doJSON(t, http.MethodPost, base, submitBodyFor(3, slot[0], slot[1], 5), 42, models.RoleStudent)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := doJSON(t, http.MethodGet, base, nil, 42, models.RoleStudent)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, base+"?status=pending&lab_id=3&from="+testDay+"&to="+testDay, nil, 1, models.RoleAdmin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Reservations []reservationResponse `json:"reservations"`
	}](t, resp)
	assert.Len(t, body.Reservations, 2)

	resp = doJSON(t, http.MethodGet, base+"?status=archived", nil, 1, models.RoleAdmin)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	t.Run("Stats", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/stats", nil, 42, models.RoleStudent)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/stats", nil, 1, models.RoleAdmin)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		stats := decode[models.ReservationStats](t, resp)
		assert.Equal(t, 2, stats.Total)
		assert.Equal(t, 2, stats.Pending)
		assert.Equal(t, 2, stats.Future)
	})

	t.Run("Export", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/export?from=2025-06-01&to=2025-06-30", nil, 1, models.RoleAdmin)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, xlsxContentType, resp.Header.Get("Content-Type"))
		assert.Contains(t, resp.Header.Get("Content-Disposition"), "reservations_2025-06-01_to_2025-06-30.xlsx")

		f, err := excelize.OpenReader(resp.Body)
		require.NoError(t, err)
		defer f.Close()
		rows, err := f.GetRows("Reservations")
		require.NoError(t, err)
		assert.Len(t, rows, 4)

		resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/export?from=2025-06-01&to=2025-06-30", nil, 42, models.RoleStudent)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/export?from=2025-06-30&to=2025-06-01", nil, 1, models.RoleAdmin)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/export?from=2024-01-01&to=2025-06-01", nil, 1, models.RoleAdmin)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestLabsAndSchedule(t *testing.T) {
	stack := newTestStack(t)
	ts := newTestHTTPServer(t, config.APIConfig{}, stack.services)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/labs", nil, 42, models.RoleStudent)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	labs := decode[struct {
		Labs []models.Lab `json:"labs"`
	}](t, resp)
	require.Len(t, labs.Labs, 2)
	assert.Equal(t, int64(1), labs.Labs[0].ID, "sorted by sort_order")

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/reservations", submitBodyFor(3, "14:00", "15:00", 5), 42, models.RoleStudent)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/labs/3/schedule?date="+testDay, nil, 43, models.RoleStudent)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	schedule := decode[models.DaySchedule](t, resp)
	assert.Equal(t, testDay, schedule.Date)
	require.Len(t, schedule.Entries, 1)
	assert.Equal(t, models.MustTimeOfDay("14:00"), schedule.Entries[0].Start)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/labs/3/schedule", nil, 43, models.RoleStudent)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeadLetterEndpoints(t *testing.T) {
	stack := newTestStack(t)
	msg := "database is locked"
	stack.dead.tasks = []*models.ApprovalTask{{ID: 5, ReservationID: 9, Status: models.TaskFailed, RetryCount: 5, LastError: &msg}}
	ts := newTestHTTPServer(t, config.APIConfig{}, stack.services)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/approvals/failed", nil, 42, models.RoleStudent)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/approvals/failed?limit=10", nil, 1, models.RoleAdmin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Tasks []models.ApprovalTask `json:"tasks"`
	}](t, resp)
	require.Len(t, body.Tasks, 1)
	assert.Equal(t, int64(9), body.Tasks[0].ReservationID)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/approvals/failed?limit=-1", nil, 1, models.RoleAdmin)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/approvals/5/retry", nil, 1, models.RoleAdmin)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []int64{5}, stack.dead.requeued)

	stack.dead.err = fmt.Errorf("task 6: %w", domain.ErrInvalidTransition)
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/approvals/6/retry", nil, 1, models.RoleAdmin)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHTTPAuth(t *testing.T) {
	stack := newTestStack(t)
	cfg := config.APIConfig{
		Auth: config.APIAuthConfig{
			Enabled: true,
			APIKeys: []config.APIClientKey{
				{Key: "portal", Extra: "secret", Permissions: []string{permReadLabs}},
				{Key: "admin-tool", Extra: "secret2"},
			},
		},
	}
	ts := newTestHTTPServer(t, cfg, stack.services)

	get := func(path, key, extra string) int {
		req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
		require.NoError(t, err)
		asUser(req, 1, models.RoleAdmin)
		if key != "" {
			req.Header.Set("X-API-Key", key)
			req.Header.Set("X-API-Extra", extra)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, get("/api/v1/labs", "", ""))
	assert.Equal(t, http.StatusUnauthorized, get("/api/v1/labs", "nope", "secret"))
	assert.Equal(t, http.StatusUnauthorized, get("/api/v1/labs", "portal", "wrong"))
	assert.Equal(t, http.StatusOK, get("/api/v1/labs", "portal", "secret"))
	assert.Equal(t, http.StatusForbidden, get("/api/v1/stats", "portal", "secret"))
	assert.Equal(t, http.StatusOK, get("/api/v1/stats", "admin-tool", "secret2"), "empty permission list allows all")
}

func TestRequiredPermissionHTTP(t *testing.T) {
	cases := []struct {
		method, path, want string
	}{
		{http.MethodPost, "/api/v1/reservations", permWriteReservations},
		{http.MethodGet, "/api/v1/reservations/4", permReadReservations},
		{http.MethodPost, "/api/v1/reservations/4/cancel", permWriteReservations},
		{http.MethodPost, "/api/v1/reservations/4/reject", permManageApprovals},
		{http.MethodPost, "/api/v1/reservations/4/evaluate", permManageApprovals},
		{http.MethodGet, "/api/v1/approvals/failed", permManageApprovals},
		{http.MethodGet, "/api/v1/labs/3/schedule", permReadLabs},
		{http.MethodGet, "/api/v1/export", permReadReports},
		{http.MethodGet, "/healthz", ""},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(tc.method, tc.path, nil)
		assert.Equal(t, tc.want, requiredPermissionHTTP(req), "%s %s", tc.method, tc.path)
	}
}

func TestRateLimit(t *testing.T) {
	stack := newTestStack(t)
	ts := newTestHTTPServer(t, config.APIConfig{RateLimit: config.APIRateLimitConfig{RPS: 0.001, Burst: 2}}, stack.services)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/labs", nil, 42, models.RoleStudent)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestJWTIdentity(t *testing.T) {
	stack := newTestStack(t)
	jwtCfg := config.JWTConfig{Enabled: true, Secret: "s3cret", Issuer: "labreserve"}
	ts := newTestHTTPServer(t, config.APIConfig{JWT: jwtCfg}, stack.services)

	token, err := IssueToken(jwtCfg, models.Identity{UserID: 77, Role: models.RoleProfessor}, time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/reservations",
		strings.NewReader(`{"lab_id":1,"date":"2025-06-10","start_time":"15:00","end_time":"16:00","purpose":"Optics","student_count":12}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, int64(77), decode[reservationResponse](t, resp).UserID)

	t.Run("HeadersIgnored", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/labs", nil, 1, models.RoleAdmin)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		bad, err := IssueToken(config.JWTConfig{Secret: "other", Issuer: "labreserve"}, models.Identity{UserID: 77, Role: models.RoleAdmin}, time.Hour)
		require.NoError(t, err)
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/labs", nil)
		req.Header.Set("Authorization", "Bearer "+bad)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("Expired", func(t *testing.T) {
		expired, err := IssueToken(jwtCfg, models.Identity{UserID: 77, Role: models.RoleAdmin}, -time.Minute)
		require.NoError(t, err)
		_, err = NewIdentityResolver(jwtCfg).Resolve("Bearer "+expired, func(string) string { return "" })
		assert.True(t, errors.Is(err, errUnauthenticated))
	})
}

func TestIdentityResolverHeaders(t *testing.T) {
	r := NewIdentityResolver(config.JWTConfig{})
	headers := map[string]string{}
	get := func(k string) string { return headers[k] }

	_, err := r.Resolve("", get)
	assert.ErrorIs(t, err, errUnauthenticated)

	headers[headerUserID] = "12"
	id, err := r.Resolve("", get)
	require.NoError(t, err)
	assert.Equal(t, models.Identity{UserID: 12, Role: models.RoleStudent}, id)

	headers[headerRole] = "ADMIN"
	id, err = r.Resolve("", get)
	require.NoError(t, err)
	assert.True(t, id.IsAdmin())

	headers[headerRole] = "janitor"
	_, err = r.Resolve("", get)
	assert.ErrorIs(t, err, errUnauthenticated)
}

func TestHTTPErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{domain.NewValidationError(domain.RuleLeadTime, "too soon"), http.StatusUnprocessableEntity},
		{fmt.Errorf("x: %w", domain.ErrSlotConflict), http.StatusConflict},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{fmt.Errorf("%w: lock", domain.ErrApprovalFailed), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		code, _ := httpError(tc.err)
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}
