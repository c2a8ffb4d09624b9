package models

import "time"

// ScheduleEntry is one occupied interval in a lab's day schedule.
type ScheduleEntry struct {
	ReservationID int64     `json:"reservation_id"`
	UserID        int64     `json:"user_id"`
	Start         TimeOfDay `json:"start_time"`
	End           TimeOfDay `json:"end_time"`
	Purpose       string    `json:"purpose"`
	Status        Status    `json:"status"`
}

// DaySchedule lists the active reservations of one lab on one date in start order.
type DaySchedule struct {
	LabID   int64           `json:"lab_id"`
	Date    string          `json:"date"`
	Entries []ScheduleEntry `json:"entries"`
}

func NewDaySchedule(labID int64, date time.Time, reservations []*Reservation) *DaySchedule {
	s := &DaySchedule{
		LabID:   labID,
		Date:    date.Format(DateLayout),
		Entries: make([]ScheduleEntry, 0, len(reservations)),
	}
	for _, r := range reservations {
		if !r.Status.Active() {
			continue
		}
		s.Entries = append(s.Entries, ScheduleEntry{
			ReservationID: r.ID,
			UserID:        r.UserID,
			Start:         r.StartTime,
			End:           r.EndTime,
			Purpose:       r.Purpose,
			Status:        r.Status,
		})
	}
	return s
}

// IsFree reports whether [start, end) does not intersect any entry.
func (s *DaySchedule) IsFree(start, end TimeOfDay) bool {
	for _, e := range s.Entries {
		if start < e.End && e.Start < end {
			return false
		}
	}
	return true
}
