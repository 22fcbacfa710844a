package follower

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hbomb79/Crunch/internal/dispatch"
	"github.com/hbomb79/Crunch/internal/executor"
	"github.com/stretchr/testify/assert"
)

type fixedProber struct{}

func (fixedProber) Duration(context.Context, string) time.Duration { return time.Minute }

func testService() *Service {
	return New(Config{FollowerID: "f1"}, executor.New(executor.Config{DryRun: true}), fixedProber{})
}

func testWireJob(t *testing.T, id int64) *dispatch.WireJob {
	t.Helper()
	outputPath := filepath.Join(t.TempDir(), "movie_converted.mp4")

	return &dispatch.WireJob{
		ID:         id,
		Name:       "movie.mkv",
		Args:       []string{"ffmpeg", "-i", "movie.mkv", "-progress", "pipe:1", "-y", outputPath},
		InputPath:  "movie.mkv",
		OutputPath: outputPath,
	}
}

// awaitResultFrame discards progress frames and returns the terminal report.
func awaitResultFrame(t *testing.T, session *conduit) dispatch.Frame {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case frame := <-session.sendCh:
			if frame.Kind == dispatch.FrameResult {
				return frame
			}
		case <-deadline:
			t.Fatal("timed out waiting for result frame")
			return dispatch.Frame{}
		}
	}
}

// A transcode keeps running when the service context is cancelled: shutdown
// drains in-flight work instead of interrupting it.
func Test_StartJob_SurvivesServiceShutdown(t *testing.T) {
	t.Parallel()

	service := testService()
	session := &conduit{sendCh: make(chan dispatch.Frame, 32), done: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	service.startJob(ctx, session, testWireJob(t, 4))

	// Shutdown lands mid-transcode
	cancel()

	frame := awaitResultFrame(t, session)
	assert.Equal(t, int64(4), frame.JobID)
	assert.Equal(t, dispatch.ResultCompleted, frame.Outcome)
}

// An explicit cancel from the leader still reaches the detached transcode.
func Test_CancelCurrent_InterruptsDetachedJob(t *testing.T) {
	t.Parallel()

	service := testService()
	session := &conduit{sendCh: make(chan dispatch.Frame, 32), done: make(chan struct{})}

	service.startJob(context.Background(), session, testWireJob(t, 9))
	service.cancelCurrent(9)

	frame := awaitResultFrame(t, session)
	assert.Equal(t, int64(9), frame.JobID)
	assert.Equal(t, dispatch.ResultCancelled, frame.Outcome)
}
