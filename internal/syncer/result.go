package syncer

import (
	"time"

	"github.com/fetchlab/tickmirror/internal/remote"
)

// RunState is the terminal state of a synchronization run.
type RunState string

const (
	// RunStateCompleted means every entity kind synced successfully.
	RunStateCompleted RunState = "completed"
	// RunStateCompletedWithErrors means at least one kind failed but the
	// run was carried to the end.
	RunStateCompletedWithErrors RunState = "completed_with_errors"
	// RunStateAborted means an unrecoverable error stopped the run before
	// all kinds were attempted.
	RunStateAborted RunState = "aborted"
)

// KindState is the outcome of one entity kind within a run.
type KindState string

const (
	// KindStateDone means the kind synced to completion.
	KindStateDone KindState = "done"
	// KindStateFailed means the kind stopped early; prior batches remain
	// persisted.
	KindStateFailed KindState = "failed"
	// KindStateSkipped means the run aborted before this kind was attempted.
	KindStateSkipped KindState = "skipped"
)

// KindResult aggregates per-kind counters. Fetched counts documents received
// from the remote service, Written counts persisted documents, Failed counts
// documents rejected by validation. A fetched document that was neither
// written nor rejected was cut off by the failure that ended the kind.
type KindResult struct {
	State   KindState
	Fetched int
	Written int
	Failed  int
	Err     error
}

// RunResult is the structured outcome of one synchronization run.
type RunResult struct {
	RunID      string
	State      RunState
	StartedAt  time.Time
	FinishedAt time.Time
	Kinds      map[remote.EntityKind]KindResult
}

func newRunResult(runID string, startedAt time.Time, kinds []remote.EntityKind) RunResult {
	results := make(map[remote.EntityKind]KindResult, len(kinds))
	for _, kind := range kinds {
		results[kind] = KindResult{State: KindStateSkipped}
	}
	return RunResult{
		RunID:     runID,
		StartedAt: startedAt,
		Kinds:     results,
	}
}

// finalize derives the terminal run state from per-kind outcomes.
func (r *RunResult) finalize(finishedAt time.Time, aborted bool) {
	r.FinishedAt = finishedAt
	if aborted {
		r.State = RunStateAborted
		return
	}
	r.State = RunStateCompleted
	for _, kindResult := range r.Kinds {
		if kindResult.State != KindStateDone {
			r.State = RunStateCompletedWithErrors
			return
		}
	}
}
