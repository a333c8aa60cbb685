package reconciler

import (
	"errors"
	"fmt"
	"time"
)

type Sweep string

const (
	SweepOverdue            Sweep = "overdue"
	SweepCompletedRecurring Sweep = "completed_recurring"
	SweepNearlyOverdue      Sweep = "nearly_overdue"
)

type Outcome string

const (
	Succeeded Outcome = "succeeded"
	Skipped   Outcome = "skipped"
	Failed    Outcome = "failed"
)

// Skip and failure reasons.
const (
	ReasonRecipientUnresolved = "recipient_unresolved"
	ReasonNoRecipients        = "no_recipients"
	ReasonSuccessorExists     = "successor_exists"
	ReasonPublishFailed       = "publish_failed"
	ReasonSpawnFailed         = "spawn_failed"
)

// Result is the outcome of one task in one sweep. Changed reports whether the
// task's status or flag was updated in the sweep's batch.
type Result struct {
	TaskID    int64   `json:"taskId"`
	Sweep     Sweep   `json:"sweep"`
	Outcome   Outcome `json:"outcome"`
	Reason    string  `json:"reason,omitempty"`
	Published int     `json:"published"`
	Changed   bool    `json:"changed"`
	SpawnedID int64   `json:"spawnedId,omitempty"`
	Err       error   `json:"-"`
	// SpawnErr is set when spawning a successor failed but the task was
	// otherwise handled.
	SpawnErr error `json:"-"`
}

// Report summarizes one tick.
type Report struct {
	Now         time.Time `json:"now"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	Results     []Result  `json:"results"`
	Overdue     int       `json:"overdue"`
	Spawned     int       `json:"spawned"`
	SoonOverdue int       `json:"soonOverdue"`
	Failed      int       `json:"failed"`
}

func (r *Report) add(res []Result) {
	for _, x := range res {
		r.Results = append(r.Results, x)
		if x.SpawnedID != 0 {
			r.Spawned++
		}
		if x.Outcome == Failed || x.SpawnErr != nil {
			r.Failed++
		}
		if !x.Changed {
			continue
		}
		switch x.Sweep {
		case SweepOverdue:
			r.Overdue++
		case SweepNearlyOverdue:
			r.SoonOverdue++
		}
	}
}

// ResultsFor filters the results of one sweep.
func (r Report) ResultsFor(s Sweep) []Result {
	out := make([]Result, 0)
	for _, x := range r.Results {
		if x.Sweep == s {
			out = append(out, x)
		}
	}
	return out
}

// Errors returns every per-task error, spawn failures included.
func (r Report) Errors() []error {
	var out []error
	for _, x := range r.Results {
		if x.Err != nil {
			out = append(out, x.Err)
		}
		if x.SpawnErr != nil {
			out = append(out, x.SpawnErr)
		}
	}
	return out
}

// RecipientError means the owner's contact could not be resolved. It skips
// the notification and never blocks the task's state change.
type RecipientError struct {
	TaskID  int64
	OwnerID int64
	Err     error
}

func (e *RecipientError) Error() string {
	return fmt.Sprintf("resolve recipient of task %d (owner %d): %v", e.TaskID, e.OwnerID, e.Err)
}

func (e *RecipientError) Unwrap() error { return e.Err }

// StoreError aborts the tick. Sweeps after the failing one do not run.
type StoreError struct {
	Sweep Sweep
	Op    string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s sweep: %s: %v", e.Sweep, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
