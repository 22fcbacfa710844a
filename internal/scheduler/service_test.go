package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hbomb79/Crunch/internal/dispatch"
	"github.com/hbomb79/Crunch/internal/event"
	"github.com/hbomb79/Crunch/internal/ffmpeg"
	"github.com/hbomb79/Crunch/internal/job"
	"github.com/hbomb79/Crunch/internal/notify"
	"github.com/hbomb79/Crunch/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory stand-in for the Postgres job store, enforcing
// the same state-machine guards the real store applies in SQL.
type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	jobs     map[int64]*job.Job
	batches  map[string]*job.Batch
	baseTime time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     make(map[int64]*job.Job),
		batches:  make(map[string]*job.Batch),
		baseTime: time.Now(),
	}
}

func (store *fakeStore) CreateBatch(batch *job.Batch, jobs []*job.Job) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.batches[batch.ID] = batch
	for _, j := range jobs {
		store.nextID++
		j.ID = store.nextID
		j.CreatedAt = store.baseTime.Add(time.Duration(store.nextID) * time.Millisecond)
		clone := *j
		store.jobs[j.ID] = &clone
	}
	batch.CreatedCount = len(jobs)
	batch.Status = job.BatchCompleted

	return nil
}

func (store *fakeStore) seed(status job.Status, outputPath string) int64 {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.nextID++
	j := &job.Job{Args: []string{"ffmpeg", "-i", "in", outputPath}}
	j.ID = store.nextID
	j.Name = fmt.Sprintf("seed-%d", store.nextID)
	j.InputPath = "in"
	j.OutputPath = outputPath
	j.Status = status
	j.CreatedAt = store.baseTime.Add(time.Duration(store.nextID) * time.Millisecond)
	store.jobs[j.ID] = j

	return j.ID
}

func (store *fakeStore) Job(id int64) (*job.Job, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	stored, ok := store.jobs[id]
	if !ok {
		return nil, job.ErrJobNotFound
	}

	clone := *stored
	return &clone, nil
}

func (store *fakeStore) ListByStatus(status job.Status) ([]*job.Job, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var matches []*job.Job
	for _, stored := range store.jobs {
		if stored.Status == status {
			clone := *stored
			matches = append(matches, &clone)
		}
	}

	return matches, nil
}

func (store *fakeStore) HasOutputCollision(outputPath string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	for _, stored := range store.jobs {
		if stored.OutputPath == outputPath && !stored.Status.IsTerminal() {
			return true, nil
		}
	}

	return false, nil
}

// MarkProcessing is not part of the scheduler's store surface; the tests use
// it to play the dispatcher's role.
func (store *fakeStore) MarkProcessing(id int64, workerID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	stored, ok := store.jobs[id]
	if !ok || stored.Status != job.StatusPending {
		return job.ErrBadTransition
	}

	stored.Status = job.StatusProcessing
	stored.AssignedWorker = &workerID

	return nil
}

func (store *fakeStore) MarkTerminal(id int64, status job.Status, errorMessage *string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	stored, ok := store.jobs[id]
	if !ok || stored.Status.IsTerminal() {
		return job.ErrBadTransition
	}

	stored.Status = status
	stored.ErrorMessage = errorMessage
	stored.AssignedWorker = nil
	if status == job.StatusCompleted {
		stored.Progress = 100
	} else if stored.Progress > 99 {
		stored.Progress = 99
	}
	now := time.Now()
	stored.CompletedAt = &now

	return nil
}

func (store *fakeStore) MarkRetried(id int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	stored, ok := store.jobs[id]
	if !ok || !stored.Status.CanRetry() {
		return job.ErrBadTransition
	}

	stored.Status = job.StatusPending
	stored.Progress = 0
	stored.ErrorMessage = nil
	stored.Retried = true
	stored.CompletedAt = nil

	return nil
}

func (store *fakeStore) RetryAllFailed() ([]int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var ids []int64
	for _, stored := range store.jobs {
		if stored.Status == job.StatusFailed && !stored.Retried {
			stored.Status = job.StatusPending
			stored.Progress = 0
			stored.ErrorMessage = nil
			stored.Retried = true
			ids = append(ids, stored.ID)
		}
	}

	return ids, nil
}

func (store *fakeStore) ClearFinished() (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var count int64
	for _, stored := range store.jobs {
		if stored.Status.IsTerminal() && !stored.Cleared {
			stored.Cleared = true
			count++
		}
	}

	return count, nil
}

func (store *fakeStore) Requeue(id int64, workerID string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	// Mirrors the SQL guard: only the named worker's live lease matches
	stored, ok := store.jobs[id]
	if !ok || stored.Status != job.StatusProcessing {
		return false, nil
	}
	if stored.AssignedWorker == nil || *stored.AssignedWorker != workerID {
		return false, nil
	}

	stored.Status = job.StatusPending
	stored.Progress = 0
	stored.AssignedWorker = nil

	return true, nil
}

func (store *fakeStore) FailAllProcessing(message string) ([]int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var ids []int64
	for _, stored := range store.jobs {
		if stored.Status == job.StatusProcessing {
			stored.Status = job.StatusFailed
			stored.ErrorMessage = &message
			stored.AssignedWorker = nil
			if stored.Progress > 99 {
				stored.Progress = 99
			}
			ids = append(ids, stored.ID)
		}
	}

	return ids, nil
}

func (store *fakeStore) DeleteStaleBatches(int) (int64, error) { return 0, nil }

func (store *fakeStore) status(t *testing.T, id int64) job.Status {
	t.Helper()
	stored, err := store.Job(id)
	require.NoError(t, err)

	return stored.Status
}

type fakeSink struct {
	summaries chan notify.Summary
}

func (sink *fakeSink) Name() string { return "fake" }
func (sink *fakeSink) Notify(_ context.Context, summary notify.Summary) error {
	sink.summaries <- summary
	return nil
}

func startScheduler(t *testing.T, store *fakeStore, sink *fakeSink) *scheduler.Service {
	t.Helper()

	sinks := []notify.Sink{}
	if sink != nil {
		sinks = append(sinks, sink)
	}

	service := scheduler.New(
		scheduler.Config{OutputDir: t.TempDir(), CheckInterval: time.Hour, DrainTimeout: 100 * time.Millisecond},
		store,
		event.New(),
		sinks,
	)

	wg := sync.WaitGroup{}
	wg.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer wg.Done()
		assert.NoError(t, service.Run(ctx))
	}()

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	return service
}

func submission(inputs ...string) *ffmpeg.ConversionOptions {
	return &ffmpeg.ConversionOptions{
		Inputs:       inputs,
		OutputFormat: "mp4",
		Basic:        ffmpeg.BasicOptions{VideoCodec: "libx264", AudioCodec: "aac"},
	}
}

// takeJob plays the dispatcher: receive the next ready job and lease it.
func takeJob(t *testing.T, service *scheduler.Service, store *fakeStore, workerID string) *job.Job {
	t.Helper()

	select {
	case leased := <-service.ReadyJobs():
		require.NoError(t, store.MarkProcessing(leased.ID, workerID))
		return leased
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a ready job")
		return nil
	}
}

func Test_SubmitBatch_DispatchesInCreationOrder(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	service := startScheduler(t, store, nil)

	batch, err := service.SubmitBatch(submission("/uploads/a.mkv", "/uploads/b.mkv", "/uploads/c.mkv"))
	require.NoError(t, err)
	assert.Equal(t, 3, batch.TotalFiles)

	var order []string
	for idx := 0; idx < 3; idx++ {
		leased := takeJob(t, service, store, "w1")
		order = append(order, leased.InputPath)
		service.Results() <- dispatch.Result{JobID: leased.ID, WorkerID: "w1", Kind: dispatch.ResultCompleted}
	}

	assert.Equal(t, []string{"/uploads/a.mkv", "/uploads/b.mkv", "/uploads/c.mkv"}, order)
}

func Test_SubmitBatch_RefusesOutputCollision(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	service := startScheduler(t, store, nil)

	_, err := service.SubmitBatch(submission("/uploads/movie.mkv"))
	require.NoError(t, err)

	// Same input (and so the same derived output) while the first is live
	_, err = service.SubmitBatch(submission("/uploads/movie.mkv"))
	assert.ErrorIs(t, err, scheduler.ErrOutputCollision)

	// Two inputs in one batch colliding with each other
	_, err = service.SubmitBatch(submission("/uploads/other/clip.mkv", "/uploads/clip.mkv"))
	assert.ErrorIs(t, err, scheduler.ErrOutputCollision)
}

func Test_Cancel_QueuedJobIsCancelledImmediately(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	service := startScheduler(t, store, nil)

	// Two jobs; leave both queued by never receiving from ReadyJobs beyond
	// the head that is held in the offer arm.
	_, err := service.SubmitBatch(submission("/uploads/a.mkv", "/uploads/b.mkv"))
	require.NoError(t, err)

	pending, err := store.ListByStatus(job.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	// Cancel the later job, which is certainly still in the queue
	target := pending[0]
	if pending[1].CreatedAt.After(pending[0].CreatedAt) {
		target = pending[1]
	}
	require.NoError(t, service.Cancel(target.ID))
	assert.Equal(t, job.StatusCancelled, store.status(t, target.ID))
}

func Test_Cancel_ProcessingJobSignalsDispatcher(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	service := startScheduler(t, store, nil)

	_, err := service.SubmitBatch(submission("/uploads/a.mkv"))
	require.NoError(t, err)

	leased := takeJob(t, service, store, "w1")
	require.NoError(t, service.Cancel(leased.ID))

	select {
	case id := <-service.CancelRequests():
		assert.Equal(t, leased.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancel request")
	}

	// The dispatcher reports the cancellation outcome once the encoder dies
	service.Results() <- dispatch.Result{JobID: leased.ID, WorkerID: "w1", Kind: dispatch.ResultCancelled}
	assert.Eventually(t, func() bool {
		return store.status(t, leased.ID) == job.StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
}

func Test_Retry_FailedJobReturnsToQueue(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	id := store.seed(job.StatusFailed, "/outputs/old_converted.mp4")
	service := startScheduler(t, store, nil)

	require.NoError(t, service.Retry(id))

	leased := takeJob(t, service, store, "w1")
	assert.Equal(t, id, leased.ID)
	assert.True(t, leased.Retried)
}

func Test_Retry_RefusedForNonTerminalJob(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	id := store.seed(job.StatusProcessing, "/outputs/live_converted.mp4")
	worker := "w0"
	store.mu.Lock()
	store.jobs[id].AssignedWorker = &worker
	store.mu.Unlock()

	service := startScheduler(t, store, nil)

	// Resync requeued the orphaned processing job; lease it again first
	leased := takeJob(t, service, store, "w1")
	require.Equal(t, id, leased.ID)

	assert.ErrorIs(t, service.Retry(id), scheduler.ErrNotRetryable)
}

func Test_RetryAllFailed_SkipsAlreadyRetriedJobs(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	first := store.seed(job.StatusFailed, "/outputs/one_converted.mp4")
	second := store.seed(job.StatusFailed, "/outputs/two_converted.mp4")
	store.mu.Lock()
	store.jobs[second].Retried = true
	store.mu.Unlock()

	service := startScheduler(t, store, nil)

	count, err := service.RetryAllFailed()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Equal(t, job.StatusPending, store.status(t, first))
	assert.Equal(t, job.StatusFailed, store.status(t, second))
}

func Test_Requeue_ReturnsJobAfterWorkerLoss(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	service := startScheduler(t, store, nil)

	_, err := service.SubmitBatch(submission("/uploads/a.mkv"))
	require.NoError(t, err)

	leased := takeJob(t, service, store, "w1")
	service.Results() <- dispatch.Result{JobID: leased.ID, WorkerID: "w1", Kind: dispatch.ResultRequeue}

	// The same job comes back around for the next worker
	again := takeJob(t, service, store, "w2")
	assert.Equal(t, leased.ID, again.ID)

	service.Results() <- dispatch.Result{JobID: leased.ID, WorkerID: "w2", Kind: dispatch.ResultCompleted}

	assert.Eventually(t, func() bool {
		return store.status(t, leased.ID) == job.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func Test_QueueDrain_NotifiesExactlyOnceWithTallies(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	sink := &fakeSink{summaries: make(chan notify.Summary, 4)}
	service := startScheduler(t, store, sink)

	_, err := service.SubmitBatch(submission("/uploads/a.mkv", "/uploads/b.mkv"))
	require.NoError(t, err)

	first := takeJob(t, service, store, "w1")
	service.Results() <- dispatch.Result{JobID: first.ID, WorkerID: "w1", Kind: dispatch.ResultCompleted}

	second := takeJob(t, service, store, "w1")
	message := "encoder exploded"
	service.Results() <- dispatch.Result{JobID: second.ID, WorkerID: "w1", Kind: dispatch.ResultFailed, ErrorMessage: &message}

	select {
	case summary := <-sink.summaries:
		assert.Equal(t, notify.Summary{Completed: 1, Failed: 1}, summary)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drain notification")
	}

	// No further notifications until more work flows through
	select {
	case extra := <-sink.summaries:
		t.Fatalf("unexpected extra notification: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}

	// The next drain reports only the new work
	_, err = service.SubmitBatch(submission("/uploads/c.mkv"))
	require.NoError(t, err)
	third := takeJob(t, service, store, "w1")
	service.Results() <- dispatch.Result{JobID: third.ID, WorkerID: "w1", Kind: dispatch.ResultCompleted}

	select {
	case summary := <-sink.summaries:
		assert.Equal(t, notify.Summary{Completed: 1, Failed: 0}, summary)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second drain notification")
	}
}

func Test_Resync_RequeuesOrphanedProcessingJobs(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	id := store.seed(job.StatusProcessing, "/outputs/orphan_converted.mp4")
	worker := "long-gone"
	store.mu.Lock()
	store.jobs[id].AssignedWorker = &worker
	store.mu.Unlock()

	service := startScheduler(t, store, nil)

	leased := takeJob(t, service, store, "w1")
	assert.Equal(t, id, leased.ID)
}
