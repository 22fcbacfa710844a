// Package executor spawns the encoder as a child process and supervises it:
// progress is decoded off stdout, a bounded tail of stderr is retained for
// diagnostics, and cancellation/timeouts degrade from SIGINT to a hard kill
// after a grace window.
package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/hbomb79/Crunch/internal/ffmpeg"
	"github.com/hbomb79/Crunch/pkg/logger"
)

var log = logger.Get("Executor")

type FailureReason string

const (
	ReasonTimeout        FailureReason = "timeout"
	ReasonNonZeroExit    FailureReason = "non_zero_exit"
	ReasonKilledByCancel FailureReason = "killed_by_cancel"
	ReasonSpawnFailed    FailureReason = "spawn_failed"
)

// Result is the terminal report for a single encoder invocation. ExitCode is
// the child's real exit status for NonZeroExit failures, and -1 for failures
// where the executor itself terminated the child (timeout, cancel) or where
// no child was ever spawned.
type Result struct {
	Success      bool
	OutputPath   string
	ExitCode     int
	Reason       FailureReason
	ErrorMessage string
	StderrTail   string
}

type Config struct {
	// Timeout is the wall-clock limit for a single execution. Zero means
	// no limit.
	Timeout time.Duration `yaml:"timeout" env:"EXECUTOR_TIMEOUT"`
	// GracePeriod is how long a signalled child is given to exit before the
	// executor escalates to SIGKILL.
	GracePeriod time.Duration `yaml:"grace_period" env:"EXECUTOR_GRACE_PERIOD" env-default:"5s"`
	// DryRun skips the spawn entirely and synthesizes a linear progress
	// curve instead.
	DryRun bool `yaml:"dry_run" env:"EXECUTOR_DRY_RUN"`
}

type Executor struct {
	config Config
}

func New(config Config) *Executor {
	if config.GracePeriod <= 0 {
		config.GracePeriod = 5 * time.Second
	}

	return &Executor{config: config}
}

// Execute validates and runs the provided argument vector, blocking until
// the child reaches a terminal state. Cancelling the context requests
// graceful termination (SIGINT, then SIGKILL after the grace window) and
// yields a KilledByCancel result.
//
// An error is returned only for synchronous refusals (executable validation,
// output directory creation); every runtime outcome is expressed in the
// Result.
func (ex *Executor) Execute(ctx context.Context, vector *ffmpeg.ArgVector, sourceDuration time.Duration, onProgress ffmpeg.ProgressCallback) (Result, error) {
	if err := ffmpeg.ValidateArgs(vector); err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(filepath.Dir(vector.OutputPath), 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create output directory: %w", err)
	}

	if ex.config.DryRun {
		return ex.dryRun(ctx, vector, onProgress), nil
	}

	stderrTail := newTailBuffer(stderrTailLimit)
	parser := ffmpeg.NewProgressParser(sourceDuration, onProgress)

	// The argument vector is passed as an array; no shell is ever involved.
	// The binary path is resolved from the environment by exec.
	cmd := exec.Command(vector.Args[0], vector.Args[1:]...)
	cmd.Stdout = parser
	cmd.Stderr = stderrTail

	log.Emit(logger.DEBUG, "Spawning encoder: %s\n", vector.DisplayString)
	if err := cmd.Start(); err != nil {
		return Result{
			ExitCode:     -1,
			Reason:       ReasonSpawnFailed,
			ErrorMessage: err.Error(),
		}, nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if ex.config.Timeout > 0 {
		timer := time.NewTimer(ex.config.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-done:
		return ex.resultFromExit(vector, err, stderrTail), nil
	case <-timeoutCh:
		log.Emit(logger.WARNING, "Encoder exceeded wall-clock timeout (%s), terminating\n", ex.config.Timeout)
		ex.terminate(cmd, done)

		return Result{
			ExitCode:     -1,
			Reason:       ReasonTimeout,
			ErrorMessage: fmt.Sprintf("execution exceeded timeout of %s", ex.config.Timeout),
			StderrTail:   stderrTail.String(),
		}, nil
	case <-ctx.Done():
		log.Emit(logger.STOP, "Cancellation requested, interrupting encoder\n")
		ex.terminate(cmd, done)

		return Result{
			ExitCode:     -1,
			Reason:       ReasonKilledByCancel,
			ErrorMessage: "execution cancelled",
			StderrTail:   stderrTail.String(),
		}, nil
	}
}

// terminate interrupts the child and, if it has not exited within the grace
// window, kills it unconditionally.
func (ex *Executor) terminate(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		// Interrupt delivery can fail if the process already exited; fall
		// through to the grace wait either way
		log.Emit(logger.DEBUG, "Failed to deliver interrupt: %v\n", err)
	}

	select {
	case <-done:
		return
	case <-time.After(ex.config.GracePeriod):
		log.Emit(logger.WARNING, "Encoder did not exit within grace period (%s), killing\n", ex.config.GracePeriod)
		_ = cmd.Process.Kill()
		<-done
	}
}

func (ex *Executor) resultFromExit(vector *ffmpeg.ArgVector, waitErr error, stderrTail *tailBuffer) Result {
	if waitErr == nil {
		return Result{
			Success:    true,
			OutputPath: vector.OutputPath,
			StderrTail: stderrTail.String(),
		}
	}

	exitCode := -1
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}

	return Result{
		ExitCode:     exitCode,
		Reason:       ReasonNonZeroExit,
		ErrorMessage: fmt.Sprintf("encoder exited abnormally: %v", waitErr),
		StderrTail:   stderrTail.String(),
	}
}

// dryRun synthesizes a linear progress curve without ever spawning the
// encoder. Used by tests and by operators sanity-checking a configuration.
func (ex *Executor) dryRun(ctx context.Context, vector *ffmpeg.ArgVector, onProgress ffmpeg.ProgressCallback) Result {
	const steps = 10
	for step := 1; step <= steps; step++ {
		select {
		case <-ctx.Done():
			return Result{
				ExitCode:     -1,
				Reason:       ReasonKilledByCancel,
				ErrorMessage: "execution cancelled",
			}
		case <-time.After(5 * time.Millisecond):
		}

		if onProgress != nil {
			percent := step * 100 / steps
			onProgress(ffmpeg.Progress{Frame: int64(step), Speed: 1, Percent: &percent})
		}
	}

	return Result{Success: true, OutputPath: vector.OutputPath}
}
