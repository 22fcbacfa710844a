package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hbomb79/Crunch/internal/event"
	"github.com/hbomb79/Crunch/internal/executor"
	"github.com/hbomb79/Crunch/internal/ffmpeg"
	"github.com/hbomb79/Crunch/internal/job"
	"github.com/hbomb79/Crunch/pkg/logger"
	"github.com/hbomb79/Crunch/pkg/worker"
)

var localLog = logger.Get("Dispatch")

// shutdownDrainWindow is how long in-flight encoders are allowed to finish
// after shutdown begins before they are interrupted. Matches the scheduler's
// drain window, which fails any survivor once it lapses.
const shutdownDrainWindow = 30 * time.Second

type (
	// JobStore is the slice of persistence the dispatchers touch directly;
	// terminal transitions always go back through the scheduler instead.
	JobStore interface {
		MarkProcessing(id int64, workerID string) error
		UpdateProgress(id int64, progress int) error
	}

	DurationProber interface {
		Duration(ctx context.Context, path string) time.Duration
	}

	// LocalDispatcher runs transcodes on a pool of in-process workers. Each
	// worker pulls from the scheduler's ready channel and supervises one
	// encoder at a time.
	LocalDispatcher struct {
		workerCount int
		drainWindow time.Duration
		jobStore    JobStore
		eventBus    event.EventDispatcher
		executor    *executor.Executor
		prober      DurationProber

		ready   <-chan *job.Job
		results chan<- Result
		cancels <-chan int64

		runCtx context.Context

		mutex          sync.Mutex
		activeCancels  map[int64]context.CancelFunc
		pendingCancels map[int64]struct{}
	}
)

// NewLocalDispatcher constructs the standalone dispatcher. A non-positive
// drainWindow selects the 30 second default.
func NewLocalDispatcher(
	workerCount int,
	drainWindow time.Duration,
	jobStore JobStore,
	eventBus event.EventDispatcher,
	exec *executor.Executor,
	prober DurationProber,
	ready <-chan *job.Job,
	results chan<- Result,
	cancels <-chan int64,
) *LocalDispatcher {
	if workerCount < 1 {
		workerCount = 1
	}
	if drainWindow <= 0 {
		drainWindow = shutdownDrainWindow
	}

	return &LocalDispatcher{
		workerCount:    workerCount,
		drainWindow:    drainWindow,
		jobStore:       jobStore,
		eventBus:       eventBus,
		executor:       exec,
		prober:         prober,
		ready:          ready,
		results:        results,
		cancels:        cancels,
		activeCancels:  make(map[int64]context.CancelFunc),
		pendingCancels: make(map[int64]struct{}),
	}
}

// Run starts the worker pool and blocks until the context is cancelled. The
// workers themselves observe the same context, so in-flight encoders receive
// their interrupt as part of shutdown.
func (dispatcher *LocalDispatcher) Run(ctx context.Context) error {
	dispatcher.runCtx = ctx

	pool := worker.NewWorkerPool()
	for idx := 0; idx < dispatcher.workerCount; idx++ {
		label := fmt.Sprintf("transcoder-%d", idx)
		if err := pool.PushWorker(worker.NewWorker(label, &transcodeTask{dispatcher: dispatcher, workerID: label})); err != nil {
			return err
		}
	}

	if err := pool.Start(); err != nil {
		return err
	}
	defer pool.Close()

	for {
		select {
		case <-ctx.Done():
			// In-flight encoders keep running through the drain window; once
			// it lapses they are interrupted. pool.Close waits either way.
			time.AfterFunc(dispatcher.drainWindow, dispatcher.abortActiveJobs)
			return nil
		case id := <-dispatcher.cancels:
			dispatcher.cancelJob(id)
		}
	}
}

// abortActiveJobs interrupts every in-flight encoder. Invoked when the drain
// window lapses after shutdown begins.
func (dispatcher *LocalDispatcher) abortActiveJobs() {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()

	for id, cancel := range dispatcher.activeCancels {
		localLog.Emit(logger.STOP, "Drain window lapsed, interrupting job %d\n", id)
		cancel()
	}
}

// cancelJob signals the worker running the given job. A cancel that arrives
// before any worker has picked the job up is remembered and applied at
// pickup.
func (dispatcher *LocalDispatcher) cancelJob(id int64) {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()

	if cancel, ok := dispatcher.activeCancels[id]; ok {
		localLog.Emit(logger.STOP, "Cancelling in-flight job %d\n", id)
		cancel()

		return
	}

	dispatcher.pendingCancels[id] = struct{}{}
}

// registerCancel records the job's cancel func, applying any cancel request
// that raced ahead of pickup.
func (dispatcher *LocalDispatcher) registerCancel(id int64, cancel context.CancelFunc) {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()

	dispatcher.activeCancels[id] = cancel
	if _, ok := dispatcher.pendingCancels[id]; ok {
		delete(dispatcher.pendingCancels, id)
		cancel()
	}
}

func (dispatcher *LocalDispatcher) unregisterCancel(id int64) {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()
	delete(dispatcher.activeCancels, id)
}

// transcodeTask is the loop each pool worker runs: take a ready job, see the
// encoder through to a terminal state, report, repeat.
type transcodeTask struct {
	dispatcher *LocalDispatcher
	workerID   string
}

func (task *transcodeTask) Execute(w worker.Worker) error {
	dispatcher := task.dispatcher
	for {
		select {
		case <-dispatcher.runCtx.Done():
			return nil
		case leased, ok := <-dispatcher.ready:
			if !ok {
				return nil
			}

			task.runJob(leased)
		}
	}
}

func (task *transcodeTask) runJob(leased *job.Job) {
	dispatcher := task.dispatcher
	if err := dispatcher.jobStore.MarkProcessing(leased.ID, task.workerID); err != nil {
		message := fmt.Sprintf("failed to lease job: %v", err)
		localLog.Emit(logger.ERROR, "Worker %s could not lease job %d: %v\n", task.workerID, leased.ID, err)
		dispatcher.results <- Result{JobID: leased.ID, WorkerID: task.workerID, Kind: ResultFailed, ErrorMessage: &message}

		return
	}

	// The encoder context is detached from the run context so that shutdown
	// drains rather than interrupts: only an explicit cancel (user request or
	// the drain window lapsing) reaches the child process.
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(dispatcher.runCtx))
	defer cancel()
	dispatcher.registerCancel(leased.ID, cancel)
	defer dispatcher.unregisterCancel(leased.ID)

	dispatcher.publishProgress(leased.ID, 0)

	vector := &ffmpeg.ArgVector{
		Args:          leased.Args,
		DisplayString: strings.Join(leased.Args, " "),
		InputPath:     leased.InputPath,
		OutputPath:    leased.OutputPath,
	}

	duration := dispatcher.prober.Duration(jobCtx, leased.InputPath)

	lastPercent := -1
	onProgress := func(progress ffmpeg.Progress) {
		if progress.Percent == nil || *progress.Percent == lastPercent {
			return
		}

		lastPercent = *progress.Percent
		if err := dispatcher.jobStore.UpdateProgress(leased.ID, lastPercent); err != nil {
			localLog.Emit(logger.DEBUG, "Failed to persist progress for job %d: %v\n", leased.ID, err)
		}
		dispatcher.publishProgress(leased.ID, lastPercent)
	}

	localLog.Emit(logger.INFO, "Worker %s transcoding job %d (%s)\n", task.workerID, leased.ID, leased.Name)
	outcome, err := dispatcher.executor.Execute(jobCtx, vector, duration, onProgress)
	if err != nil {
		message := err.Error()
		dispatcher.results <- Result{JobID: leased.ID, WorkerID: task.workerID, Kind: ResultFailed, ErrorMessage: &message}

		return
	}

	dispatcher.results <- resultFor(leased.ID, task.workerID, outcome)
}

func (dispatcher *LocalDispatcher) publishProgress(id int64, percent int) {
	dispatcher.eventBus.Dispatch(event.JobUpdateEvent, event.JobUpdate{
		JobID:    id,
		Status:   string(job.StatusProcessing),
		Progress: &percent,
	})
}

// resultFor maps an executor outcome on to the dispatcher result taxonomy.
func resultFor(jobID int64, workerID string, outcome executor.Result) Result {
	kind, message := ClassifyOutcome(outcome)
	return Result{JobID: jobID, WorkerID: workerID, Kind: kind, ErrorMessage: message}
}

// ClassifyOutcome maps an executor result to the result kind and error
// message the scheduler records. Shared with the follower, which performs the
// same mapping before putting a result on the wire.
func ClassifyOutcome(outcome executor.Result) (ResultKind, *string) {
	if outcome.Success {
		return ResultCompleted, nil
	}

	message := fmt.Sprintf("[%s] %s", outcome.Reason, outcome.ErrorMessage)
	if outcome.Reason == executor.ReasonKilledByCancel {
		return ResultCancelled, &message
	}

	if outcome.StderrTail != "" {
		message = message + "\n" + outcome.StderrTail
	}

	return ResultFailed, &message
}
