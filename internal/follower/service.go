// Package follower is the worker-node mode of Crunch: a thin server that
// accepts a single conduit from the leader, runs the jobs it is assigned, and
// streams progress and terminal results back over the wire. Followers hold no
// database and no queue; the leader owns all state.
package follower

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hbomb79/Crunch/internal/dispatch"
	"github.com/hbomb79/Crunch/internal/executor"
	"github.com/hbomb79/Crunch/internal/ffmpeg"
	"github.com/hbomb79/Crunch/pkg/logger"
	"github.com/labstack/echo/v4"
)

var log = logger.Get("Follower")

// shutdownDrainWindow mirrors the leader side: an in-flight transcode gets
// this long to finish after shutdown begins before it is interrupted.
const shutdownDrainWindow = 30 * time.Second

type (
	Config struct {
		Host       string `yaml:"host" env:"HOST" env-default:"0.0.0.0"`
		Port       int    `yaml:"port" env:"PORT" env-default:"8081"`
		FollowerID string `yaml:"follower_id" env:"FOLLOWER_ID"`
		// LeaderURL names the leader this follower serves. When set, conduit
		// attachment is restricted to connections from that host.
		LeaderURL string `yaml:"leader_url" env:"LEADER_URL"`
	}

	Service struct {
		config   Config
		executor *executor.Executor
		prober   dispatch.DurationProber

		mutex      sync.Mutex
		conduit    *conduit
		currentJob int64
		cancelJob  context.CancelFunc
	}

	// conduit is one accepted leader connection. The send channel is drained
	// by a single writer pump, which owns every write on the socket.
	conduit struct {
		conn   *websocket.Conn
		sendCh chan dispatch.Frame
		done   chan struct{}
	}
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func New(config Config, exec *executor.Executor, prober dispatch.DurationProber) *Service {
	if config.FollowerID == "" {
		if hostname, err := os.Hostname(); err == nil && hostname != "" {
			config.FollowerID = hostname
		} else {
			config.FollowerID = "follower-" + uuid.NewString()
		}
	}

	return &Service{config: config, executor: exec, prober: prober}
}

// Run serves the follower endpoints until the context is cancelled.
func (service *Service) Run(ctx context.Context) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/healthz/", service.health)
	e.GET("/worker/ws/", func(ec echo.Context) error {
		return service.acceptConduit(ctx, ec)
	})

	go func() {
		<-ctx.Done()
		time.AfterFunc(shutdownDrainWindow, service.abortCurrentJob)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(shutdownCtx)
	}()

	address := fmt.Sprintf("%s:%d", service.config.Host, service.config.Port)
	log.Emit(logger.NEW, "Follower %s listening on %s\n", service.config.FollowerID, address)
	if err := e.Start(address); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

func (service *Service) health(ec echo.Context) error {
	service.mutex.Lock()
	defer service.mutex.Unlock()

	return ec.JSON(http.StatusOK, map[string]any{
		"status":     "ok",
		"followerId": service.config.FollowerID,
		"leaderUrl":  service.config.LeaderURL,
		"attached":   service.conduit != nil,
		"busy":       service.currentJob != 0,
	})
}

// acceptConduit upgrades the leader's connection. Only one conduit may be
// attached at a time; a second attachment is refused outright.
func (service *Service) acceptConduit(ctx context.Context, ec echo.Context) error {
	if !service.leaderAllowed(ec.RealIP()) {
		log.Emit(logger.WARNING, "Refusing conduit attachment from %s: not the configured leader\n", ec.RealIP())
		return echo.NewHTTPError(http.StatusForbidden, "connection is not from the configured leader")
	}

	service.mutex.Lock()
	if service.conduit != nil {
		service.mutex.Unlock()
		return echo.NewHTTPError(http.StatusConflict, "a leader conduit is already attached")
	}
	service.mutex.Unlock()

	conn, err := upgrader.Upgrade(ec.Response(), ec.Request(), nil)
	if err != nil {
		return err
	}

	session := &conduit{
		conn:   conn,
		sendCh: make(chan dispatch.Frame, 8),
		done:   make(chan struct{}),
	}

	service.mutex.Lock()
	service.conduit = session
	busy := service.currentJob != 0
	service.mutex.Unlock()

	log.Emit(logger.SUCCESS, "Leader conduit attached from %s\n", ec.RealIP())
	service.serveConduit(ctx, session, busy)

	return nil
}

func (service *Service) serveConduit(ctx context.Context, session *conduit, busy bool) {
	defer func() {
		service.detachConduit(session)
		session.conn.Close()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-session.done:
				return
			case frame := <-session.sendCh:
				session.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := session.conn.WriteJSON(frame); err != nil {
					return
				}
			}
		}
	}()

	session.sendCh <- dispatch.Frame{
		Kind:       dispatch.FrameHello,
		FollowerID: service.config.FollowerID,
		Busy:       busy,
	}

	for {
		var frame dispatch.Frame
		if err := session.conn.ReadJSON(&frame); err != nil {
			log.Emit(logger.STOP, "Leader conduit lost: %v\n", err)
			close(session.done)
			<-writerDone

			return
		}

		switch frame.Kind {
		case dispatch.FrameAssign:
			if frame.Job == nil {
				continue
			}
			service.startJob(ctx, session, frame.Job)
		case dispatch.FrameCancel:
			service.cancelCurrent(frame.JobID)
		default:
			log.Emit(logger.WARNING, "Unexpected %q frame from leader\n", frame.Kind)
		}
	}
}

// leaderAllowed applies the LEADER_URL allow-list. The comparison is by
// address, so the restriction only bites when the leader is configured by IP
// (or resolves to the address the conduit arrives from).
func (service *Service) leaderAllowed(remoteIP string) bool {
	if service.config.LeaderURL == "" {
		return true
	}

	parsed, err := url.Parse(service.config.LeaderURL)
	if err != nil || parsed.Hostname() == "" {
		return true
	}

	if parsed.Hostname() == remoteIP {
		return true
	}

	addrs, err := net.LookupHost(parsed.Hostname())
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if addr == remoteIP {
			return true
		}
	}

	return false
}

// detachConduit clears the attached session and aborts any in-flight job: a
// leader that lost the conduit will requeue the job, so finishing it here
// would only race the replacement run for the output file.
func (service *Service) detachConduit(session *conduit) {
	service.mutex.Lock()
	cancel := service.cancelJob
	if service.conduit == session {
		service.conduit = nil
	}
	service.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (service *Service) startJob(ctx context.Context, session *conduit, wireJob *dispatch.WireJob) {
	service.mutex.Lock()
	if service.currentJob != 0 {
		service.mutex.Unlock()
		message := fmt.Sprintf("follower is already running job %d", service.currentJob)
		log.Emit(logger.ERROR, "Refusing assignment of job %d: %s\n", wireJob.ID, message)
		session.send(dispatch.Frame{Kind: dispatch.FrameResult, JobID: wireJob.ID, Outcome: dispatch.ResultFailed, ErrorMessage: &message})

		return
	}

	// Detached from the serve context so shutdown drains the transcode
	// instead of interrupting it; cancellation is always explicit.
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	service.currentJob = wireJob.ID
	service.cancelJob = cancel
	service.mutex.Unlock()

	go service.runJob(jobCtx, session, wireJob)
}

func (service *Service) runJob(ctx context.Context, session *conduit, wireJob *dispatch.WireJob) {
	defer func() {
		service.mutex.Lock()
		service.currentJob = 0
		service.cancelJob = nil
		service.mutex.Unlock()
	}()

	vector := &ffmpeg.ArgVector{
		Args:          wireJob.Args,
		DisplayString: strings.Join(wireJob.Args, " "),
		InputPath:     wireJob.InputPath,
		OutputPath:    wireJob.OutputPath,
	}

	duration := service.prober.Duration(ctx, wireJob.InputPath)

	lastPercent := -1
	onProgress := func(progress ffmpeg.Progress) {
		if progress.Percent == nil || *progress.Percent == lastPercent {
			return
		}

		lastPercent = *progress.Percent
		percent := lastPercent
		session.send(dispatch.Frame{Kind: dispatch.FrameProgress, JobID: wireJob.ID, Progress: &percent})
	}

	log.Emit(logger.INFO, "Transcoding job %d (%s)\n", wireJob.ID, wireJob.Name)
	outcome, err := service.executor.Execute(ctx, vector, duration, onProgress)
	if err != nil {
		message := err.Error()
		session.send(dispatch.Frame{Kind: dispatch.FrameResult, JobID: wireJob.ID, Outcome: dispatch.ResultFailed, ErrorMessage: &message})

		return
	}

	kind, message := dispatch.ClassifyOutcome(outcome)
	session.send(dispatch.Frame{Kind: dispatch.FrameResult, JobID: wireJob.ID, Outcome: kind, ErrorMessage: message})
}

// abortCurrentJob interrupts whatever transcode is still running; invoked
// when the shutdown drain window lapses.
func (service *Service) abortCurrentJob() {
	service.mutex.Lock()
	cancel := service.cancelJob
	service.mutex.Unlock()

	if cancel != nil {
		log.Emit(logger.STOP, "Drain window lapsed, interrupting current job\n")
		cancel()
	}
}

func (service *Service) cancelCurrent(jobID int64) {
	service.mutex.Lock()
	cancel := service.cancelJob
	matches := service.currentJob == jobID
	service.mutex.Unlock()

	if matches && cancel != nil {
		log.Emit(logger.STOP, "Leader requested cancellation of job %d\n", jobID)
		cancel()
	}
}

// send delivers a frame to the writer pump unless the conduit has already
// been torn down.
func (session *conduit) send(frame dispatch.Frame) bool {
	select {
	case session.sendCh <- frame:
		return true
	case <-session.done:
		return false
	}
}
