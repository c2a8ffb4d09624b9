// Package conflict decides whether a candidate slot collides with reservations that still hold their slot.
package conflict

import (
	"context"
	"fmt"

	"labreserve/internal/domain"
	"labreserve/internal/models"
)

// NoExclusion disables the self-exclusion in HasConflict.
const NoExclusion int64 = 0

type Detector struct {
	finder domain.ReservationFinder
}

func NewDetector(finder domain.ReservationFinder) *Detector {
	return &Detector{finder: finder}
}

// Conflicts returns the active reservations overlapping candidate, skipping excludeID.
func (d *Detector) Conflicts(ctx context.Context, candidate models.Slot, excludeID int64) ([]*models.Reservation, error) {
	existing, err := d.finder.FindReservations(ctx, candidate.LabID, candidate.Date, models.ActiveStatuses)
	if err != nil {
		return nil, fmt.Errorf("load reservations for %s: %w", candidate, err)
	}

	var out []*models.Reservation
	for _, r := range existing {
		if excludeID != NoExclusion && r.ID == excludeID {
			continue
		}
		// The finder is trusted for lab/date but not for status filtering.
		if !r.Status.Active() {
			continue
		}
		if models.Overlaps(candidate, r.Slot()) {
			out = append(out, r)
		}
	}
	return out, nil
}

// HasConflict reports whether any active reservation other than excludeID overlaps candidate.
func (d *Detector) HasConflict(ctx context.Context, candidate models.Slot, excludeID int64) (bool, error) {
	found, err := d.Conflicts(ctx, candidate, excludeID)
	if err != nil {
		return false, err
	}
	return len(found) > 0, nil
}
