// Package lifecycle owns the reservation state machine.
package lifecycle

import (
	"fmt"

	"labreserve/internal/domain"
	"labreserve/internal/models"
)

var transitions = map[models.Status][]models.Status{
	models.StatusPending:  {models.StatusApproved, models.StatusRejected, models.StatusCancelled},
	models.StatusApproved: {models.StatusCancelled},
}

// Initial is the status every accepted reservation starts in.
const Initial = models.StatusPending

func CanTransition(from, to models.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns an error wrapping domain.ErrInvalidTransition otherwise.
func Transition(from, to models.Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	return nil
}

// IsTerminal reports whether no transition leaves the status.
func IsTerminal(s models.Status) bool {
	return len(transitions[s]) == 0
}

// Next lists the statuses reachable from s.
func Next(s models.Status) []models.Status {
	return append([]models.Status(nil), transitions[s]...)
}
