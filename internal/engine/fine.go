package engine

import (
	"math"
	"time"
)

// ComputeFine returns the overdue fee for a return. Returning on or before
// the due date costs nothing; partial days round up, so a return one hour
// late counts as one full overdue day.
func ComputeFine(dueAt, returnedAt time.Time, dailyRate float64) float64 {
	if !returnedAt.After(dueAt) {
		return 0
	}
	daysLate := math.Ceil(returnedAt.Sub(dueAt).Hours() / 24)
	return daysLate * dailyRate
}
