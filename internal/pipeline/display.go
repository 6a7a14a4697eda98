package pipeline

import (
	"math"
	"time"

	"appforge/internal/models"
)

// Band is the half-open progress range [Start, End) a phase occupies.
type Band struct {
	Start int
	End   int
}

var bands = map[string]Band{
	models.PhaseInitializing: {Start: 0, End: 5},
	models.PhaseResearch:     {Start: 5, End: 30},
	models.PhaseStrategy:     {Start: 30, End: 50},
	models.PhaseCode:         {Start: 50, End: 85},
	models.PhaseTesting:      {Start: 85, End: 95},
	models.PhasePackaging:    {Start: 95, End: 100},
}

var startMessages = map[string]string{
	models.PhaseInitializing: "Initializing build",
	models.PhaseResearch:     "Researching the market",
	models.PhaseStrategy:     "Planning product strategy",
	models.PhaseCode:         "Generating code",
	models.PhaseTesting:      "Reviewing and writing tests",
	models.PhasePackaging:    "Packaging application",
}

// BandFor returns the progress band of phase.
func BandFor(phase string) (Band, bool) {
	b, ok := bands[phase]
	return b, ok
}

// displayTau controls how fast the interpolated value approaches the band end.
const displayTau = 40 * time.Second

// DisplayProgress estimates progress for a poll at now. While a phase is running it eases
// towards the end of the phase band without reaching it and never reports below the actual
// value. Finished builds report their actual progress.
func DisplayProgress(job models.BuildJob, now time.Time) int {
	if job.Status != models.StatusBuilding {
		return job.Progress
	}
	b, ok := bands[job.Phase]
	if !ok {
		return job.Progress
	}
	elapsed := now.Sub(phaseStartedAt(job))
	if elapsed <= 0 {
		return job.Progress
	}
	frac := 1 - math.Exp(-elapsed.Seconds()/displayTau.Seconds())
	est := b.Start + int(math.Floor(float64(b.End-1-b.Start)*frac))
	if est > b.End-1 {
		est = b.End - 1
	}
	return max(job.Progress, est)
}

// phaseStartedAt finds when the current phase began from the trailing log entries.
func phaseStartedAt(job models.BuildJob) time.Time {
	started := job.StartedAt
	for i := len(job.Logs) - 1; i >= 0; i-- {
		if job.Logs[i].Phase != job.Phase {
			break
		}
		started = job.Logs[i].Timestamp
	}
	return started
}
