// Package scheduler owns the job lifecycle: it stages submissions in to
// batches, feeds pending jobs to the dispatcher in creation order, applies
// terminal outcomes, and raises a notification each time the queue drains.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hbomb79/Crunch/internal/dispatch"
	"github.com/hbomb79/Crunch/internal/event"
	"github.com/hbomb79/Crunch/internal/ffmpeg"
	"github.com/hbomb79/Crunch/internal/job"
	"github.com/hbomb79/Crunch/internal/notify"
	"github.com/hbomb79/Crunch/pkg/logger"
	"github.com/oklog/ulid/v2"
)

var log = logger.Get("Scheduler")

var (
	ErrOutputCollision = errors.New("another live job is already targeting this output path")
	ErrNotRetryable    = errors.New("job is not in a retryable state")
	ErrNotCancellable  = errors.New("job has already finished")
)

type (
	// JobStore is the persistence surface the scheduler needs. Implemented by
	// job.Service in production.
	JobStore interface {
		CreateBatch(*job.Batch, []*job.Job) error
		Job(id int64) (*job.Job, error)
		ListByStatus(status job.Status) ([]*job.Job, error)
		HasOutputCollision(outputPath string) (bool, error)
		MarkTerminal(id int64, status job.Status, errorMessage *string) error
		MarkRetried(id int64) error
		RetryAllFailed() ([]int64, error)
		ClearFinished() (int64, error)
		Requeue(id int64, workerID string) (bool, error)
		FailAllProcessing(message string) ([]int64, error)
		DeleteStaleBatches(olderThanHours int) (int64, error)
	}

	Config struct {
		OutputDir        string
		CheckInterval    time.Duration
		DrainTimeout     time.Duration
		BatchMaxAgeHours int
	}

	Service struct {
		config   Config
		jobStore JobStore
		eventBus event.EventDispatcher
		sinks    []notify.Sink

		queue    *readyQueue
		readyCh  chan *job.Job
		resultCh chan dispatch.Result
		cancelCh chan int64
		wakeupCh chan struct{}

		// State below is owned exclusively by the Run goroutine.
		leased         map[int64]struct{}
		drainCompleted int
		drainFailed    int
	}
)

func New(config Config, jobStore JobStore, eventBus event.EventDispatcher, sinks []notify.Sink) *Service {
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 30 * time.Second
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = 5 * time.Second
	}
	if config.BatchMaxAgeHours <= 0 {
		config.BatchMaxAgeHours = 24
	}

	return &Service{
		config:   config,
		jobStore: jobStore,
		eventBus: eventBus,
		sinks:    sinks,
		queue:    newReadyQueue(),
		readyCh:  make(chan *job.Job),
		resultCh: make(chan dispatch.Result, 16),
		cancelCh: make(chan int64, 16),
		wakeupCh: make(chan struct{}, 1),
		leased:   make(map[int64]struct{}),
	}
}

// ReadyJobs is the channel the dispatcher receives work on. A receive is the
// lease handover: once taken, the job is the dispatcher's until it reports a
// result.
func (service *Service) ReadyJobs() <-chan *job.Job { return service.readyCh }

// Results is where the dispatcher reports terminal outcomes and requeues.
func (service *Service) Results() chan<- dispatch.Result { return service.resultCh }

// CancelRequests carries ids of processing jobs the user asked to cancel.
func (service *Service) CancelRequests() <-chan int64 { return service.cancelCh }

// Run drives the scheduling loop until the context is cancelled, then drains:
// in-flight jobs are given DrainTimeout to finish before being failed.
func (service *Service) Run(ctx context.Context) error {
	if err := service.resync(); err != nil {
		return fmt.Errorf("failed to resync job queue from store: %w", err)
	}

	ticker := time.NewTicker(service.config.CheckInterval)
	defer ticker.Stop()

	for {
		// Offer the queue head only when one exists; a nil channel blocks
		// forever, disabling that select arm.
		var offerCh chan *job.Job
		head := service.queue.Peek()
		if head != nil {
			offerCh = service.readyCh
		}

		select {
		case <-ctx.Done():
			return service.drain()
		case offerCh <- head:
			service.queue.Remove(head.ID)
			service.leased[head.ID] = struct{}{}
		case result := <-service.resultCh:
			service.handleResult(result)
		case <-service.wakeupCh:
		case <-ticker.C:
			if removed, err := service.jobStore.DeleteStaleBatches(service.config.BatchMaxAgeHours); err != nil {
				log.Emit(logger.WARNING, "Stale batch sweep failed: %v\n", err)
			} else if removed > 0 {
				log.Emit(logger.INFO, "Swept %d stale batch(es)\n", removed)
			}
		}
	}
}

// SubmitBatch stages one job per input. The whole submission is atomic: a
// single invalid input or output collision refuses the entire batch.
func (service *Service) SubmitBatch(opts *ffmpeg.ConversionOptions) (*job.Batch, error) {
	jobs := make([]*job.Job, 0, len(opts.Inputs))
	seenOutputs := make(map[string]string, len(opts.Inputs))
	for _, input := range opts.Inputs {
		vector, err := ffmpeg.Build(opts, input, service.config.OutputDir)
		if err != nil {
			return nil, fmt.Errorf("failed to build argument vector for %q: %w", input, err)
		}

		if other, ok := seenOutputs[vector.OutputPath]; ok {
			return nil, fmt.Errorf("inputs %q and %q both map to %q: %w", other, input, vector.OutputPath, ErrOutputCollision)
		}
		seenOutputs[vector.OutputPath] = input

		if colliding, err := service.jobStore.HasOutputCollision(vector.OutputPath); err != nil {
			return nil, err
		} else if colliding {
			return nil, fmt.Errorf("output %q: %w", vector.OutputPath, ErrOutputCollision)
		}

		j := &job.Job{Args: vector.Args}
		j.Name = jobName(input)
		j.InputPath = vector.InputPath
		j.OutputPath = vector.OutputPath
		j.Status = job.StatusPending
		j.Fingerprint = opts.Fingerprint(input)
		jobs = append(jobs, j)
	}

	batch := &job.Batch{
		ID:         ulid.Make().String(),
		TotalFiles: len(jobs),
		Status:     job.BatchCreating,
	}
	for _, j := range jobs {
		j.BatchID = batch.ID
	}

	if err := service.jobStore.CreateBatch(batch, jobs); err != nil {
		return nil, err
	}

	log.Emit(logger.NEW, "Batch %s staged with %d job(s)\n", batch.ID, len(jobs))
	for _, j := range jobs {
		// Insert populated the generated id and timestamps; re-read so the
		// queued copy carries them.
		stored, err := service.jobStore.Job(j.ID)
		if err != nil {
			return nil, err
		}

		service.queue.Push(stored)
		service.eventBus.Dispatch(event.JobCreatedEvent, event.JobCreated{
			JobID:   stored.ID,
			BatchID: batch.ID,
			Name:    stored.Name,
		})
	}

	service.eventBus.Dispatch(event.BatchProgressEvent, event.BatchProgress{
		BatchID:      batch.ID,
		TotalFiles:   batch.TotalFiles,
		CreatedCount: batch.CreatedCount,
		Status:       string(batch.Status),
	})

	service.wakeup()
	return batch, nil
}

// Retry resets a failed or cancelled job in place and returns it to the
// queue. The job keeps its id, argument vector and creation time.
func (service *Service) Retry(id int64) error {
	target, err := service.jobStore.Job(id)
	if err != nil {
		return err
	}
	if !target.Status.CanRetry() {
		return fmt.Errorf("job %d is %s: %w", id, target.Status, ErrNotRetryable)
	}

	if err := service.jobStore.MarkRetried(id); err != nil {
		return err
	}

	service.enqueueByID(id)
	service.publishUpdate(id, job.StatusPending, intPtr(0), nil)

	return nil
}

// RetryAllFailed resets every failed job that has not yet been retried.
func (service *Service) RetryAllFailed() (int, error) {
	ids, err := service.jobStore.RetryAllFailed()
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		service.enqueueByID(id)
		service.publishUpdate(id, job.StatusPending, intPtr(0), nil)
	}

	return len(ids), nil
}

// Cancel stops a job: a queued job is cancelled immediately, a processing job
// has its worker signalled and reaches cancelled once the encoder exits.
func (service *Service) Cancel(id int64) error {
	target, err := service.jobStore.Job(id)
	if err != nil {
		return err
	}
	if target.IsTerminal() {
		return fmt.Errorf("job %d is %s: %w", id, target.Status, ErrNotCancellable)
	}

	if service.queue.Remove(id) {
		if err := service.jobStore.MarkTerminal(id, job.StatusCancelled, nil); err != nil {
			return err
		}
		service.publishUpdate(id, job.StatusCancelled, nil, nil)

		return nil
	}

	// Not in the queue, so a worker holds it (or is about to); the terminal
	// report arrives through the result channel.
	service.cancelCh <- id
	return nil
}

// CancelAll cancels every queued job immediately and signals every worker
// holding a processing job.
func (service *Service) CancelAll() error {
	for _, queued := range service.queue.Drain() {
		if err := service.jobStore.MarkTerminal(queued.ID, job.StatusCancelled, nil); err != nil {
			log.Emit(logger.WARNING, "Failed to cancel queued job %d: %v\n", queued.ID, err)
			continue
		}
		service.publishUpdate(queued.ID, job.StatusCancelled, nil, nil)
	}

	processing, err := service.jobStore.ListByStatus(job.StatusProcessing)
	if err != nil {
		return err
	}
	for _, active := range processing {
		service.cancelCh <- active.ID
	}

	return nil
}

// ClearFinished hides all terminal jobs from default listings.
func (service *Service) ClearFinished() (int64, error) {
	return service.jobStore.ClearFinished()
}

// resync rebuilds the in-memory queue from the store at startup. Jobs left
// processing by an unclean shutdown hold no live lease and are requeued.
func (service *Service) resync() error {
	stale, err := service.jobStore.ListByStatus(job.StatusProcessing)
	if err != nil {
		return err
	}
	for _, orphan := range stale {
		workerID := ""
		if orphan.AssignedWorker != nil {
			workerID = *orphan.AssignedWorker
		}
		if _, err := service.jobStore.Requeue(orphan.ID, workerID); err != nil {
			return err
		}
		log.Emit(logger.WARNING, "Job %d was orphaned mid-transcode, requeued\n", orphan.ID)
	}

	pending, err := service.jobStore.ListByStatus(job.StatusPending)
	if err != nil {
		return err
	}
	for _, p := range pending {
		service.queue.Push(p)
	}

	if count := service.queue.Len(); count > 0 {
		log.Emit(logger.INFO, "Resynced %d pending job(s) in to the ready queue\n", count)
	}

	return nil
}

func (service *Service) handleResult(result dispatch.Result) {
	delete(service.leased, result.JobID)

	switch result.Kind {
	case dispatch.ResultRequeue:
		requeued, err := service.jobStore.Requeue(result.JobID, result.WorkerID)
		if err != nil {
			log.Emit(logger.ERROR, "Failed to requeue job %d: %v\n", result.JobID, err)
			return
		}
		if !requeued {
			// Either the lease moved on (stale report, drop it) or the
			// dispatcher handed the job back before ever leasing it, in
			// which case it is still pending and just needs re-queueing.
			stored, err := service.jobStore.Job(result.JobID)
			if err != nil || stored.Status != job.StatusPending || service.queue.Contains(result.JobID) {
				log.Emit(logger.DEBUG, "Discarding stale requeue for job %d from worker %q\n", result.JobID, result.WorkerID)
				return
			}

			service.queue.Push(stored)
			service.wakeup()
			return
		}

		service.enqueueByID(result.JobID)
		service.publishUpdate(result.JobID, job.StatusPending, intPtr(0), nil)
		return
	case dispatch.ResultCompleted:
		service.applyTerminal(result, job.StatusCompleted)
	case dispatch.ResultFailed:
		service.applyTerminal(result, job.StatusFailed)
	case dispatch.ResultCancelled:
		service.applyTerminal(result, job.StatusCancelled)
	default:
		log.Emit(logger.ERROR, "Dispatcher reported unknown result kind %q for job %d\n", result.Kind, result.JobID)
		return
	}

	service.maybeNotifyDrained()
}

func (service *Service) applyTerminal(result dispatch.Result, status job.Status) {
	if err := service.jobStore.MarkTerminal(result.JobID, status, result.ErrorMessage); err != nil {
		if errors.Is(err, job.ErrBadTransition) {
			// A stale report from a de-assigned worker; the job has moved on
			log.Emit(logger.DEBUG, "Discarding stale %s report for job %d\n", status, result.JobID)
			return
		}

		log.Emit(logger.ERROR, "Failed to record %s outcome for job %d: %v\n", status, result.JobID, err)
		return
	}

	switch status {
	case job.StatusCompleted:
		service.drainCompleted++
		service.publishUpdate(result.JobID, status, intPtr(100), nil)
	case job.StatusFailed:
		service.drainFailed++
		service.publishUpdate(result.JobID, status, nil, result.ErrorMessage)
	default:
		service.publishUpdate(result.JobID, status, nil, result.ErrorMessage)
	}
}

// maybeNotifyDrained fires the configured notification sinks exactly once per
// drain: when no work remains and at least one job finished since the last
// notification.
func (service *Service) maybeNotifyDrained() {
	if service.queue.Len() > 0 || len(service.leased) > 0 {
		return
	}
	if service.drainCompleted == 0 && service.drainFailed == 0 {
		return
	}

	summary := notify.Summary{Completed: service.drainCompleted, Failed: service.drainFailed}
	service.drainCompleted, service.drainFailed = 0, 0

	log.Emit(logger.INFO, "Queue drained (%d completed, %d failed)\n", summary.Completed, summary.Failed)
	go notify.NotifyAll(context.Background(), service.sinks, summary)
}

// drain waits for leased jobs to finish after shutdown begins. Anything still
// running once the window lapses is recorded as failed.
func (service *Service) drain() error {
	if len(service.leased) == 0 {
		return nil
	}

	log.Emit(logger.STOP, "Shutting down with %d job(s) in flight, draining for up to %s\n", len(service.leased), service.config.DrainTimeout)
	deadline := time.NewTimer(service.config.DrainTimeout)
	defer deadline.Stop()

	for len(service.leased) > 0 {
		select {
		case result := <-service.resultCh:
			service.handleResult(result)
		case <-deadline.C:
			ids, err := service.jobStore.FailAllProcessing("job interrupted by service shutdown")
			if err != nil {
				return fmt.Errorf("failed to fail in-flight jobs during shutdown: %w", err)
			}

			message := "job interrupted by service shutdown"
			for _, id := range ids {
				service.publishUpdate(id, job.StatusFailed, nil, &message)
			}
			log.Emit(logger.WARNING, "Drain window lapsed, %d job(s) marked failed\n", len(ids))

			return nil
		}
	}

	return nil
}

func (service *Service) enqueueByID(id int64) {
	stored, err := service.jobStore.Job(id)
	if err != nil {
		log.Emit(logger.ERROR, "Failed to load job %d for enqueue: %v\n", id, err)
		return
	}

	service.queue.Push(stored)
	service.wakeup()
}

func (service *Service) publishUpdate(id int64, status job.Status, progress *int, errorMessage *string) {
	service.eventBus.Dispatch(event.JobUpdateEvent, event.JobUpdate{
		JobID:        id,
		Status:       string(status),
		Progress:     progress,
		ErrorMessage: errorMessage,
	})
}

func (service *Service) wakeup() {
	select {
	case service.wakeupCh <- struct{}{}:
	default:
	}
}

func jobName(inputPath string) string {
	name := inputPath
	if idx := lastSeparator(inputPath); idx >= 0 {
		name = inputPath[idx+1:]
	}

	return name
}

func lastSeparator(path string) int {
	for idx := len(path) - 1; idx >= 0; idx-- {
		if path[idx] == '/' || path[idx] == '\\' {
			return idx
		}
	}

	return -1
}

func intPtr(v int) *int { return &v }
