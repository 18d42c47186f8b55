package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/iteam1/reviewbot/pkg/models"
)

// State is a stage of a pipeline run.
type State string

const (
	StateReceived    State = "Received"
	StateParsed      State = "Parsed"
	StateDiffFetched State = "DiffFetched"
	StateAugmented   State = "Augmented"
	StateReviewed    State = "Reviewed"
	StateFormatted   State = "Formatted"
	StatePosted      State = "Posted"
	StateIgnored     State = "Ignored"
	StateFailed      State = "Failed"
)

// ErrUnknownFindingPath is returned when an agent reports a finding for a
// file that is not part of the changeset.
var ErrUnknownFindingPath = errors.New("finding references a path outside the changeset")

// StepError records the step a run failed at and the root cause.
type StepError struct {
	Step State
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Result is the outcome of one run.
type Result struct {
	RunID string
	State State
	// FailedStep is set when State is StateFailed.
	FailedStep   State
	Err          error
	Event        *models.PullRequestEvent
	IgnoreReason string
	Comment      *models.Comment
	Ref          *models.PostedCommentRef
	Findings     int
	Duration     time.Duration
}

// Succeeded reports whether the run ended without a failure. Ignored runs
// succeed.
func (r *Result) Succeeded() bool {
	return r.State != StateFailed
}
