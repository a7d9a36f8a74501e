package tracker

import (
	"time"

	"github.com/kiranshivaraju/anglestudio/pkg/models"
)

// Estimates never reach 100 before the job settles.
const (
	maxElapsedEstimate = 90
	maxUnitEstimate    = 99
)

// estimateProgress returns a percentage for the job. Completed units drive
// the figure once any exist; before that, elapsed time against the expected
// duration does, capped well below completion.
func estimateProgress(js *jobState, now time.Time, perUnit time.Duration) int {
	if js.settled || js.closed {
		return 100
	}
	total := len(js.units)
	if total == 0 {
		return 0
	}

	var completed int
	for _, u := range js.units {
		if u.Status == models.UnitStatusCompleted {
			completed++
		}
	}
	if completed > 0 {
		return min(completed*100/total, maxUnitEstimate)
	}

	expected := perUnit * time.Duration(total)
	if expected <= 0 {
		return 0
	}
	elapsed := now.Sub(js.startedAt)
	if elapsed <= 0 {
		return 0
	}
	return min(int(elapsed*maxElapsedEstimate/expected), maxElapsedEstimate)
}
