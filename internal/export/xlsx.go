package export

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"labreserve/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	listSheet     = "Reservations"
	calendarSheet = "Calendar"
	periodLayout  = "02.01.2006"
)

var statusFill = map[models.Status]string{
	models.StatusPending:   "#FFEB9C",
	models.StatusApproved:  "#C6EFCE",
	models.StatusRejected:  "#FFC7CE",
	models.StatusCancelled: "#D9D9D9",
}

// Period is an inclusive range of calendar dates.
type Period struct {
	From time.Time
	To   time.Time
}

func (p Period) Validate() error {
	if p.From.IsZero() || p.To.IsZero() {
		return errors.New("export period requires both dates")
	}
	if p.To.Before(p.From) {
		return fmt.Errorf("export period ends %s before it starts %s", p.To.Format(models.DateLayout), p.From.Format(models.DateLayout))
	}
	return nil
}

// FileName is the suggested attachment name for the period.
func (p Period) FileName() string {
	return fmt.Sprintf("reservations_%s_to_%s.xlsx", p.From.Format(models.DateLayout), p.To.Format(models.DateLayout))
}

// WriteXLSX renders reservations as a workbook with a flat list sheet and a lab by date
// calendar sheet, and writes it to w.
func WriteXLSX(w io.Writer, period Period, labs []*models.Lab, reservations []*models.Reservation) error {
	if err := period.Validate(); err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(listSheet)
	if err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)

	labNames := make(map[int64]string, len(labs))
	for _, l := range labs {
		labNames[l.ID] = l.Name
	}

	sorted := append([]*models.Reservation(nil), reservations...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.LabID != b.LabID {
			return a.LabID < b.LabID
		}
		return a.StartTime < b.StartTime
	})

	if err := writeList(f, period, labNames, sorted); err != nil {
		return err
	}
	if _, err := f.NewSheet(calendarSheet); err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}
	if err := writeCalendar(f, period, labs, sorted); err != nil {
		return err
	}

	_ = f.DeleteSheet("Sheet1")

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}

func writeList(f *excelize.File, period Period, labNames map[int64]string, reservations []*models.Reservation) error {
	_ = f.SetCellValue(listSheet, "A1", fmt.Sprintf("Period: %s - %s", period.From.Format(periodLayout), period.To.Format(periodLayout)))
	_ = f.MergeCell(listSheet, "A1", "J1")
	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(listSheet, "A1", "A1", titleStyle)

	header := []interface{}{"ID", "Date", "Lab", "Start", "End", "Duration (min)", "Students", "Purpose", "User ID", "Status"}
	if err := f.SetSheetRow(listSheet, "A2", &header); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(listSheet, "A2", "J2", headerStyle)

	statusStyles := make(map[models.Status]int, len(statusFill))
	for status, color := range statusFill {
		id, err := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
		})
		if err == nil {
			statusStyles[status] = id
		}
	}

	for i, r := range reservations {
		row := i + 3
		name := labNames[r.LabID]
		if name == "" {
			name = fmt.Sprintf("Lab %d", r.LabID)
		}
		values := []interface{}{
			r.ID,
			r.Date.Format(models.DateLayout),
			name,
			r.StartTime.String(),
			r.EndTime.String(),
			r.Slot().DurationMinutes(),
			r.StudentCount,
			r.Purpose,
			r.UserID,
			string(r.Status),
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(listSheet, cell, &values); err != nil {
			return fmt.Errorf("error writing reservation %d: %w", r.ID, err)
		}
		if style, ok := statusStyles[r.Status]; ok {
			statusCell, _ := excelize.CoordinatesToCellName(10, row)
			_ = f.SetCellStyle(listSheet, statusCell, statusCell, style)
		}
	}

	_ = f.SetColWidth(listSheet, "A", "A", 8)
	_ = f.SetColWidth(listSheet, "B", "B", 12)
	_ = f.SetColWidth(listSheet, "C", "C", 25)
	_ = f.SetColWidth(listSheet, "H", "H", 40)
	return nil
}

// writeCalendar lays labs out as rows and dates as columns; each cell lists the active
// reservations of that lab on that day.
func writeCalendar(f *excelize.File, period Period, labs []*models.Lab, reservations []*models.Reservation) error {
	dateCols := make(map[string]int)
	col := 2
	for d := period.From; !d.After(period.To); d = d.AddDate(0, 0, 1) {
		cell, _ := excelize.CoordinatesToCellName(col, 1)
		_ = f.SetCellValue(calendarSheet, cell, d.Format("02.01"))
		dateCols[d.Format(models.DateLayout)] = col
		col++
	}
	lastCell, _ := excelize.CoordinatesToCellName(col-1, 1)
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(calendarSheet, "B1", lastCell, headerStyle)

	labRows := make(map[int64]int, len(labs))
	for i, l := range labs {
		row := i + 2
		cell, _ := excelize.CoordinatesToCellName(1, row)
		_ = f.SetCellValue(calendarSheet, cell, fmt.Sprintf("%s (%d)", l.Name, l.Capacity))
		labRows[l.ID] = row
	}

	type key struct {
		lab  int64
		date string
	}
	cells := make(map[key][]string)
	for _, r := range reservations {
		if !r.Status.Active() {
			continue
		}
		k := key{lab: r.LabID, date: r.Date.Format(models.DateLayout)}
		cells[k] = append(cells[k], fmt.Sprintf("%s-%s %s", r.StartTime, r.EndTime, r.Status))
	}

	wrapStyle, _ := f.NewStyle(&excelize.Style{
		Alignment: &excelize.Alignment{Horizontal: "left", Vertical: "top", WrapText: true},
	})
	for k, lines := range cells {
		row, ok := labRows[k.lab]
		if !ok {
			continue
		}
		c, ok := dateCols[k.date]
		if !ok {
			continue
		}
		cell, _ := excelize.CoordinatesToCellName(c, row)
		if err := f.SetCellValue(calendarSheet, cell, strings.Join(lines, "\n")); err != nil {
			return err
		}
		_ = f.SetCellStyle(calendarSheet, cell, cell, wrapStyle)
	}

	_ = f.SetColWidth(calendarSheet, "A", "A", 25)
	return nil
}
