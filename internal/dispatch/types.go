// Package dispatch hands ready jobs to workers and reports their terminal
// outcomes back to the scheduler. Two implementations exist: a local pool of
// in-process workers, and a leader that forwards work to follower nodes over
// websocket conduits.
package dispatch

type ResultKind string

const (
	ResultCompleted ResultKind = "completed"
	ResultFailed    ResultKind = "failed"
	ResultCancelled ResultKind = "cancelled"

	// ResultRequeue reports that the worker holding the job was lost before
	// it produced a terminal outcome. The scheduler returns the job to the
	// ready queue.
	ResultRequeue ResultKind = "requeue"
)

// Result is a dispatcher's report for a job it was assigned. WorkerID names
// the worker that held the lease so stale reports can be discarded.
type Result struct {
	JobID        int64
	WorkerID     string
	Kind         ResultKind
	ErrorMessage *string
}
