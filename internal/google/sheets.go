package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// ErrRowNotFound is returned when no sheet row carries the reservation id.
var ErrRowNotFound = errors.New("reservation row not found")

const timestampLayout = "2006-01-02 15:04:05"

// ReservationRow is one reservation as mirrored to the spreadsheet (columns A-K).
type ReservationRow struct {
	ID           int64
	UserID       int64
	LabID        int64
	LabName      string
	Date         string
	Start        string
	End          string
	Purpose      string
	StudentCount int
	Status       string
	UpdatedAt    time.Time
}

func (r ReservationRow) values() []interface{} {
	return []interface{}{
		r.ID,
		r.UserID,
		r.LabID,
		r.LabName,
		r.Date,
		r.Start,
		r.End,
		r.Purpose,
		r.StudentCount,
		r.Status,
		r.UpdatedAt.Format(timestampLayout),
	}
}

// SheetsService mirrors reservations into one sheet of a spreadsheet, keeping a
// row index cache keyed by reservation id.
type SheetsService struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	rowCache      map[int64]int
	cacheMu       sync.RWMutex
}

func NewSheetsService(ctx context.Context, credentialsFile, spreadsheetID, sheetName string) (*SheetsService, error) {
	credentialsJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	config, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}

	return newSheetsService(srv, spreadsheetID, sheetName), nil
}

func newSheetsService(srv *sheets.Service, spreadsheetID, sheetName string) *SheetsService {
	return &SheetsService{
		service:       srv,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		rowCache:      make(map[int64]int),
	}
}

func (s *SheetsService) rangeOf(a1 string) string {
	return s.sheetName + "!" + a1
}

// TestConnection reads the header cell of the sheet.
func (s *SheetsService) TestConnection(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.rangeOf("A1")).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// WarmUpCache populates the row index cache by reading the entire ID column.
func (s *SheetsService) WarmUpCache(ctx context.Context) error {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.rangeOf("A:A")).Context(ctx).Do()
	if err != nil {
		return err
	}

	cache := make(map[int64]int)
	for i, row := range resp.Values {
		if id, ok := cellID(row); ok {
			cache[id] = i + 1
		}
	}

	s.cacheMu.Lock()
	s.rowCache = cache
	s.cacheMu.Unlock()
	return nil
}

func (s *SheetsService) AppendReservation(ctx context.Context, row ReservationRow) error {
	resp, err := s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.rangeOf("A:A"), &sheets.ValueRange{
		Values: [][]interface{}{row.values()},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return err
	}

	if resp.Updates != nil {
		if idx, ok := parseRowIndex(resp.Updates.UpdatedRange); ok {
			s.setCachedRow(row.ID, idx)
		}
	}
	return nil
}

// UpsertReservation rewrites the reservation's row or appends one.
func (s *SheetsService) UpsertReservation(ctx context.Context, row ReservationRow) error {
	idx, err := s.FindReservationRow(ctx, row.ID)
	if errors.Is(err, ErrRowNotFound) {
		return s.AppendReservation(ctx, row)
	}
	if err != nil {
		return err
	}

	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, s.rangeOf(fmt.Sprintf("A%d:K%d", idx, idx)), &sheets.ValueRange{
		Values: [][]interface{}{row.values()},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

// UpdateReservationStatus rewrites the status and timestamp cells (J:K) of an existing row.
func (s *SheetsService) UpdateReservationStatus(ctx context.Context, id int64, status string, at time.Time) error {
	idx, err := s.FindReservationRow(ctx, id)
	if err != nil {
		return err
	}

	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, s.rangeOf(fmt.Sprintf("J%d:K%d", idx, idx)), &sheets.ValueRange{
		Values: [][]interface{}{{status, at.Format(timestampLayout)}},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

// FindReservationRow returns the 1-based row holding id.
func (s *SheetsService) FindReservationRow(ctx context.Context, id int64) (int, error) {
	if id == 0 {
		return 0, errors.New("reservation id is required")
	}
	if row, ok := s.getCachedRow(id); ok {
		return row, nil
	}

	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.rangeOf("A:A")).Context(ctx).Do()
	if err != nil {
		return 0, err
	}
	for i, row := range resp.Values {
		if got, ok := cellID(row); ok && got == id {
			s.setCachedRow(id, i+1)
			return i + 1, nil
		}
	}
	return 0, ErrRowNotFound
}

func cellID(row []interface{}) (int64, bool) {
	if len(row) == 0 {
		return 0, false
	}
	switch v := row[0].(type) {
	case float64:
		return int64(v), v > 0
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		return id, err == nil && id > 0
	}
	return 0, false
}

var rowIndexPattern = regexp.MustCompile(`![A-Z]+(\d+)`)

// parseRowIndex extracts the first row number from an A1 range such as "Sheet!A10:K10".
func parseRowIndex(a1 string) (int, bool) {
	m := rowIndexPattern.FindStringSubmatch(a1)
	if len(m) != 2 {
		return 0, false
	}
	idx, err := strconv.Atoi(m[1])
	return idx, err == nil
}

func (s *SheetsService) getCachedRow(id int64) (int, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	row, ok := s.rowCache[id]
	return row, ok
}

func (s *SheetsService) setCachedRow(id int64, row int) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache[id] = row
}

// ClearCache clears the row index cache.
func (s *SheetsService) ClearCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache = make(map[int64]int)
}
