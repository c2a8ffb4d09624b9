package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"labreserve/internal/config"
	"labreserve/internal/export"
	"labreserve/internal/metrics"
	"labreserve/internal/models"
	"labreserve/internal/service"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const (
	apiPrefix       = "/api/v1"
	healthPath      = "/healthz"
	maxExportDays   = 366
	defaultFailedLs = 100
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// HTTPServer exposes the reservation API over JSON/HTTP.
type HTTPServer struct {
	cfg      config.APIConfig
	svc      Services
	identity *IdentityResolver
	server   *http.Server
	auth     *HTTPAuth
	logger   zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, svc Services, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:      cfg,
		svc:      svc,
		identity: NewIdentityResolver(cfg.JWT),
		auth:     NewHTTPAuth(cfg),
		logger:   zerolog.Nop(),
	}
	if logger != nil {
		srv.logger = logger.With().Str("component", "http").Logger()
	}

	router := mux.NewRouter()
	router.Use(metricsMiddleware)
	router.HandleFunc(healthPath, srv.handleHealth).Methods(http.MethodGet)

	api := router.PathPrefix(apiPrefix).Subrouter()
	api.Use(srv.identityMiddleware)

	api.HandleFunc("/reservations", srv.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/reservations", srv.handleList).Methods(http.MethodGet)
	api.HandleFunc("/reservations/mine", srv.handleMine).Methods(http.MethodGet)
	api.HandleFunc("/reservations/{id:[0-9]+}", srv.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/reservations/{id:[0-9]+}/cancel", srv.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/reservations/{id:[0-9]+}/reject", srv.handleReject).Methods(http.MethodPost)
	api.HandleFunc("/reservations/{id:[0-9]+}/evaluate", srv.handleEvaluate).Methods(http.MethodPost)
	api.HandleFunc("/labs", srv.handleLabs).Methods(http.MethodGet)
	api.HandleFunc("/labs/{id:[0-9]+}/schedule", srv.handleSchedule).Methods(http.MethodGet)
	api.HandleFunc("/stats", srv.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/export", srv.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/approvals/failed", srv.handleFailedApprovals).Methods(http.MethodGet)
	api.HandleFunc("/approvals/{id:[0-9]+}/retry", srv.handleRetryApproval).Methods(http.MethodPost)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.loggingMiddleware(srv.auth.Wrap(router)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	return srv
}

// Handler returns the fully wrapped HTTP handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return errors.New("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitBody struct {
	LabID        int64            `json:"lab_id"`
	Date         string           `json:"date"`
	StartTime    models.TimeOfDay `json:"start_time"`
	EndTime      models.TimeOfDay `json:"end_time"`
	Purpose      string           `json:"purpose"`
	StudentCount int              `json:"student_count"`
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	who := mustIdentity(r)

	var body submitBody
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.LabID <= 0 {
		writeError(w, http.StatusBadRequest, "lab_id is required")
		return
	}
	date, err := models.ParseDate(body.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.svc.Booking.Submit(r.Context(), service.SubmitRequest{
		UserID:       who.UserID,
		LabID:        body.LabID,
		Date:         date,
		Start:        body.StartTime,
		End:          body.EndTime,
		Purpose:      body.Purpose,
		StudentCount: body.StudentCount,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(res, s.labNames()))
}

func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	res, err := s.svc.Booking.Get(r.Context(), id, mustIdentity(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(res, s.labNames()))
}

func (s *HTTPServer) handleMine(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Booking.ListForUser(r.Context(), mustIdentity(r).UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeReservations(w, list)
}

func (s *HTTPServer) handleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.svc.Booking.List(r.Context(), mustIdentity(r), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeReservations(w, list)
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	if err := s.svc.Booking.Cancel(r.Context(), id, mustIdentity(r)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": models.StatusCancelled})
}

func (s *HTTPServer) handleReject(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)

	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	if err := s.svc.Approvals.Reject(r.Context(), id, mustIdentity(r), strings.TrimSpace(body.Reason)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": models.StatusRejected})
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if !mustIdentity(r).IsAdmin() {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	id, _ := pathID(r)
	outcome, err := s.svc.Approvals.Evaluate(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *HTTPServer) handleLabs(w http.ResponseWriter, r *http.Request) {
	labs := append([]*models.Lab(nil), s.svc.Booking.Labs()...)
	sort.Slice(labs, func(i, j int) bool {
		if labs[i].SortOrder == labs[j].SortOrder {
			return labs[i].ID < labs[j].ID
		}
		return labs[i].SortOrder < labs[j].SortOrder
	})
	writeJSON(w, http.StatusOK, map[string]any{"labs": labs})
}

func (s *HTTPServer) handleSchedule(w http.ResponseWriter, r *http.Request) {
	labID, _ := pathID(r)
	date, err := models.ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	schedule, err := s.svc.Booking.DaySchedule(r.Context(), labID, date)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if !mustIdentity(r).IsAdmin() {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	stats, err := s.svc.Booking.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	from, err := models.ParseDate(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := models.ParseDate(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	period := export.Period{From: from, To: to}
	if err := period.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if to.Sub(from) > maxExportDays*24*time.Hour {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("export period is limited to %d days", maxExportDays))
		return
	}

	list, err := s.svc.Booking.List(r.Context(), mustIdentity(r), service.ListFilter{From: from, To: to})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteXLSX(&buf, period, s.svc.Booking.Labs(), list); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", period.FileName()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *HTTPServer) handleFailedApprovals(w http.ResponseWriter, r *http.Request) {
	if !mustIdentity(r).IsAdmin() {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	limit := defaultFailedLs
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	tasks, err := s.svc.Tasks.ListFailed(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *HTTPServer) handleRetryApproval(w http.ResponseWriter, r *http.Request) {
	if !mustIdentity(r).IsAdmin() {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	id, _ := pathID(r)
	if err := s.svc.Tasks.Requeue(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "status": models.TaskPending})
}

func (s *HTTPServer) labNames() map[int64]string {
	return labNameIndex(s.svc.Booking.Labs())
}

func (s *HTTPServer) writeReservations(w http.ResponseWriter, list []*models.Reservation) {
	names := s.labNames()
	out := make([]reservationResponse, 0, len(list))
	for _, res := range list {
		out = append(out, toResponse(res, names))
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": out})
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code, body := httpError(err)
	event := s.logger.Warn()
	if code >= http.StatusInternalServerError {
		event = s.logger.Error()
	}
	event.Err(err).Str("path", r.URL.Path).Int("status", code).Msg("request failed")
	writeJSON(w, code, body)
}

func parseListFilter(r *http.Request) (service.ListFilter, error) {
	q := r.URL.Query()
	var f service.ListFilter
	for _, raw := range splitCSV(q.Get("status")) {
		st := models.Status(strings.ToLower(raw))
		if !st.Valid() {
			return f, fmt.Errorf("unknown status %q", raw)
		}
		f.Statuses = append(f.Statuses, st)
	}
	if raw := q.Get("lab_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid lab_id %q", raw)
		}
		f.LabID = id
	}
	if raw := q.Get("from"); raw != "" {
		d, err := models.ParseDate(raw)
		if err != nil {
			return f, err
		}
		f.From = d
	}
	if raw := q.Get("to"); raw != "" {
		d, err := models.ParseDate(raw)
		if err != nil {
			return f, err
		}
		f.To = d
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", raw)
		}
		f.Limit = n
	}
	return f, nil
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func (s *HTTPServer) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.identity.Resolve(r.Header.Get("Authorization"), r.Header.Get)
		if err != nil {
			code, body := httpError(err)
			writeJSON(w, code, body)
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

// mustIdentity is only valid behind identityMiddleware.
func mustIdentity(r *http.Request) models.Identity {
	id, _ := IdentityFrom(r.Context())
	return id
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.IncHTTP(route, strconv.Itoa(recorder.status))
	})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, errorBody{Error: message})
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
