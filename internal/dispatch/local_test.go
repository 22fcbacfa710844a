package dispatch_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hbomb79/Crunch/internal/dispatch"
	"github.com/hbomb79/Crunch/internal/event"
	"github.com/hbomb79/Crunch/internal/executor"
	"github.com/hbomb79/Crunch/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobStore struct {
	mu        sync.Mutex
	failLease bool
	leases    map[int64]string
	progress  map[int64][]int
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		leases:   make(map[int64]string),
		progress: make(map[int64][]int),
	}
}

func (store *fakeJobStore) MarkProcessing(id int64, workerID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.failLease {
		return errors.New("lease refused")
	}
	store.leases[id] = workerID

	return nil
}

func (store *fakeJobStore) UpdateProgress(id int64, progress int) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	// Mirrors the SQL clamp: only a successful completion may rest at 100
	if progress > 99 {
		progress = 99
	}
	store.progress[id] = append(store.progress[id], progress)

	return nil
}

func (store *fakeJobStore) lease(id int64) string {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.leases[id]
}

func (store *fakeJobStore) progressFor(id int64) []int {
	store.mu.Lock()
	defer store.mu.Unlock()

	return append([]int(nil), store.progress[id]...)
}

type fixedProber struct{ duration time.Duration }

func (prober fixedProber) Duration(context.Context, string) time.Duration { return prober.duration }

type localHarness struct {
	ready   chan *job.Job
	results chan dispatch.Result
	cancels chan int64

	// shutdown cancels the dispatcher's run context, as process shutdown does
	shutdown context.CancelFunc
}

func startLocalDispatcher(t *testing.T, store *fakeJobStore, drainWindow time.Duration) localHarness {
	t.Helper()

	harness := localHarness{
		ready:   make(chan *job.Job),
		results: make(chan dispatch.Result, 8),
		cancels: make(chan int64),
	}

	dispatcher := dispatch.NewLocalDispatcher(
		1,
		drainWindow,
		store,
		event.New(),
		executor.New(executor.Config{DryRun: true}),
		fixedProber{duration: time.Minute},
		harness.ready,
		harness.results,
		harness.cancels,
	)

	wg := sync.WaitGroup{}
	wg.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	harness.shutdown = cancel
	go func() {
		defer wg.Done()
		assert.NoError(t, dispatcher.Run(ctx))
	}()

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	return harness
}

func transcodeJob(t *testing.T, id int64) *job.Job {
	t.Helper()
	outputPath := filepath.Join(t.TempDir(), "movie_converted.mp4")

	j := &job.Job{Args: []string{"ffmpeg", "-i", "movie.mkv", "-progress", "pipe:1", "-y", outputPath}}
	j.ID = id
	j.Name = "movie.mkv"
	j.InputPath = "movie.mkv"
	j.OutputPath = outputPath
	j.Status = job.StatusPending

	return j
}

func awaitResult(t *testing.T, harness localHarness) dispatch.Result {
	t.Helper()

	select {
	case result := <-harness.results:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatcher result")
		return dispatch.Result{}
	}
}

func Test_LocalDispatcher_CompletesJob(t *testing.T) {
	t.Parallel()

	store := newFakeJobStore()
	harness := startLocalDispatcher(t, store, 0)

	harness.ready <- transcodeJob(t, 1)

	result := awaitResult(t, harness)
	assert.Equal(t, int64(1), result.JobID)
	assert.Equal(t, "transcoder-0", result.WorkerID)
	assert.Equal(t, dispatch.ResultCompleted, result.Kind)
	assert.Nil(t, result.ErrorMessage)

	assert.Equal(t, "transcoder-0", store.lease(1))

	// Persisted progress is clamped below 100; only MarkTerminal records 100
	percents := store.progressFor(1)
	require.NotEmpty(t, percents)
	assert.Equal(t, 99, percents[len(percents)-1])
	assert.IsIncreasing(t, percents)
}

// Shutdown must drain rather than interrupt: a job that is mid-transcode when
// the run context is cancelled still finishes and reports completed.
func Test_LocalDispatcher_ShutdownDrainsInFlightJob(t *testing.T) {
	t.Parallel()

	store := newFakeJobStore()
	harness := startLocalDispatcher(t, store, 0)

	harness.ready <- transcodeJob(t, 11)
	require.Eventually(t, func() bool {
		return store.lease(11) != ""
	}, 2*time.Second, 5*time.Millisecond)

	harness.shutdown()

	result := awaitResult(t, harness)
	assert.Equal(t, int64(11), result.JobID)
	assert.Equal(t, dispatch.ResultCompleted, result.Kind)
}

// Once the drain window lapses, survivors are interrupted.
func Test_LocalDispatcher_DrainWindowLapseInterruptsJob(t *testing.T) {
	t.Parallel()

	store := newFakeJobStore()
	harness := startLocalDispatcher(t, store, 5*time.Millisecond)

	harness.ready <- transcodeJob(t, 12)
	require.Eventually(t, func() bool {
		return store.lease(12) != ""
	}, 2*time.Second, 5*time.Millisecond)

	harness.shutdown()

	result := awaitResult(t, harness)
	assert.Equal(t, int64(12), result.JobID)
	assert.Equal(t, dispatch.ResultCancelled, result.Kind)
}

func Test_LocalDispatcher_LeaseFailureReportsFailed(t *testing.T) {
	t.Parallel()

	store := newFakeJobStore()
	store.failLease = true
	harness := startLocalDispatcher(t, store, 0)

	harness.ready <- transcodeJob(t, 7)

	result := awaitResult(t, harness)
	assert.Equal(t, dispatch.ResultFailed, result.Kind)
	require.NotNil(t, result.ErrorMessage)
	assert.Contains(t, *result.ErrorMessage, "failed to lease job")
}

func Test_LocalDispatcher_CancelsInFlightJob(t *testing.T) {
	t.Parallel()

	store := newFakeJobStore()
	harness := startLocalDispatcher(t, store, 0)

	harness.ready <- transcodeJob(t, 3)

	// Wait for the worker to lease the job before cancelling it
	require.Eventually(t, func() bool {
		return store.lease(3) != ""
	}, 2*time.Second, 5*time.Millisecond)

	harness.cancels <- 3

	result := awaitResult(t, harness)
	assert.Equal(t, int64(3), result.JobID)
	assert.Equal(t, dispatch.ResultCancelled, result.Kind)
}

// A cancel that lands before any worker has picked the job up must still take
// effect at pickup rather than being lost.
func Test_LocalDispatcher_CancelBeforePickupIsRemembered(t *testing.T) {
	t.Parallel()

	store := newFakeJobStore()
	harness := startLocalDispatcher(t, store, 0)

	harness.cancels <- 5
	time.Sleep(20 * time.Millisecond)

	harness.ready <- transcodeJob(t, 5)

	result := awaitResult(t, harness)
	assert.Equal(t, int64(5), result.JobID)
	assert.Equal(t, dispatch.ResultCancelled, result.Kind)
}

func Test_ClassifyOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		summary     string
		outcome     executor.Result
		wantKind    dispatch.ResultKind
		wantMessage *string
	}{
		{
			summary:  "success maps to completed with no message",
			outcome:  executor.Result{Success: true, OutputPath: "/outputs/a.mp4"},
			wantKind: dispatch.ResultCompleted,
		},
		{
			summary: "cancellation maps to cancelled",
			outcome: executor.Result{
				Reason:       executor.ReasonKilledByCancel,
				ErrorMessage: "execution cancelled",
			},
			wantKind:    dispatch.ResultCancelled,
			wantMessage: strPtr("[killed_by_cancel] execution cancelled"),
		},
		{
			summary: "abnormal exit carries the stderr tail",
			outcome: executor.Result{
				Reason:       executor.ReasonNonZeroExit,
				ErrorMessage: "encoder exited abnormally: exit status 1",
				StderrTail:   "movie.mkv: No such file or directory",
			},
			wantKind:    dispatch.ResultFailed,
			wantMessage: strPtr("[non_zero_exit] encoder exited abnormally: exit status 1\nmovie.mkv: No such file or directory"),
		},
		{
			summary: "spawn failure has no tail to append",
			outcome: executor.Result{
				Reason:       executor.ReasonSpawnFailed,
				ErrorMessage: "exec: \"ffmpeg\": executable file not found in $PATH",
			},
			wantKind:    dispatch.ResultFailed,
			wantMessage: strPtr("[spawn_failed] exec: \"ffmpeg\": executable file not found in $PATH"),
		},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			t.Parallel()

			kind, message := dispatch.ClassifyOutcome(test.outcome)
			assert.Equal(t, test.wantKind, kind)
			if test.wantMessage == nil {
				assert.Nil(t, message)
			} else {
				require.NotNil(t, message)
				assert.Equal(t, *test.wantMessage, *message)
			}
		})
	}
}

func strPtr(s string) *string { return &s }
