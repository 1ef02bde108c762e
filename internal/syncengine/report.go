package syncengine

import (
	"time"

	"github.com/lychee-technology/formsync"
)

// Outcome is the result of processing one record in one pass.
type Outcome string

const (
	// OutcomeSynced means the remote chain succeeded and the local pair was deleted.
	OutcomeSynced Outcome = "synced"
	// OutcomeFailed leaves the record pending for the next pass.
	OutcomeFailed Outcome = "failed"
	// OutcomeAnomaly marks a record with exactly one server id. It is never sent.
	OutcomeAnomaly Outcome = "anomaly"
	// OutcomeSkipped marks a record that could not be transformed. It stays in place.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeInFlight marks a record another pass is already processing.
	OutcomeInFlight Outcome = "in_flight"
	// OutcomeGone marks a pending record that was synced and deleted before this pass claimed it.
	OutcomeGone Outcome = "gone"
)

// Route is the path a record takes through the remote API.
type Route string

const (
	RouteNone   Route = ""
	RouteCreate Route = "create"
	RouteUpdate Route = "update"
)

// RecordOutcome describes what happened to one record.
type RecordOutcome struct {
	RecordID string
	Type     formsync.SubmissionType
	Route    Route
	Outcome  Outcome
	Err      error
}

// PassReport collects every record outcome of one pass, in the order records were fetched.
type PassReport struct {
	Started  time.Time
	Finished time.Time
	Outcomes []RecordOutcome
}

// Count returns how many records ended with o.
func (r *PassReport) Count(o Outcome) int {
	if r == nil {
		return 0
	}
	n := 0
	for _, out := range r.Outcomes {
		if out.Outcome == o {
			n++
		}
	}
	return n
}

// Outcome looks up the outcome of one record.
func (r *PassReport) Outcome(recordID string) (RecordOutcome, bool) {
	if r == nil {
		return RecordOutcome{}, false
	}
	for _, out := range r.Outcomes {
		if out.RecordID == recordID {
			return out, true
		}
	}
	return RecordOutcome{}, false
}

// Duration is the wall time of the pass.
func (r *PassReport) Duration() time.Duration {
	if r == nil {
		return 0
	}
	return r.Finished.Sub(r.Started)
}
