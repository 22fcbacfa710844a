package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hbomb79/Crunch/internal/event"
	"github.com/hbomb79/Crunch/internal/job"
	"github.com/hbomb79/Crunch/pkg/logger"
)

var leaderLog = logger.Get("Leader")

const (
	heartbeatInterval = 10 * time.Second
	// A follower that misses three consecutive heartbeats is declared dead.
	heartbeatTimeout = 3 * heartbeatInterval

	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second

	conduitWriteTimeout = 10 * time.Second
)

type (
	// FollowerInfo is the API-facing snapshot of one follower conduit.
	// CurrentJob is nil while the follower is idle, and LastSeen is nil for a
	// follower that has never attached.
	FollowerInfo struct {
		URL        string       `json:"url"`
		FollowerID string       `json:"followerId"`
		Connected  bool         `json:"connected"`
		Busy       bool         `json:"busy"`
		LastSeen   *time.Time   `json:"lastSeen"`
		CurrentJob *FollowerJob `json:"currentJob"`
	}

	FollowerJob struct {
		ID       int64  `json:"id"`
		Name     string `json:"name"`
		Progress int    `json:"progress"`
	}

	followerState struct {
		url             string
		id              string
		connected       bool
		currentJob      int64
		currentJobName  string
		currentProgress int
		lastSeen        time.Time
		sendCh          chan Frame
		retryCh         chan struct{}
	}

	// LeaderDispatcher forwards ready jobs to follower nodes. The leader is
	// the dialling side: it maintains one websocket conduit per configured
	// follower URL, reconnecting with exponential backoff when one drops.
	LeaderDispatcher struct {
		jobStore JobStore
		eventBus event.EventDispatcher

		ready   <-chan *job.Job
		results chan<- Result
		cancels <-chan int64

		mutex        sync.Mutex
		followers    []*followerState
		lastAssigned int
		stateChanged chan struct{}

		// pendingCancels holds cancels for jobs no follower currently runs,
		// applied when the job next comes up for assignment.
		pendingCancels map[int64]struct{}
	}
)

func NewLeaderDispatcher(
	followerURLs []string,
	jobStore JobStore,
	eventBus event.EventDispatcher,
	ready <-chan *job.Job,
	results chan<- Result,
	cancels <-chan int64,
) *LeaderDispatcher {
	followers := make([]*followerState, 0, len(followerURLs))
	for _, url := range followerURLs {
		followers = append(followers, &followerState{
			url:     url,
			retryCh: make(chan struct{}, 1),
		})
	}

	return &LeaderDispatcher{
		jobStore:       jobStore,
		eventBus:       eventBus,
		ready:          ready,
		results:        results,
		cancels:        cancels,
		followers:      followers,
		stateChanged:   make(chan struct{}, 1),
		pendingCancels: make(map[int64]struct{}),
	}
}

// Run maintains the follower conduits and the assignment loop until the
// context is cancelled.
func (dispatcher *LeaderDispatcher) Run(ctx context.Context) error {
	if len(dispatcher.followers) == 0 {
		return fmt.Errorf("leader mode requires at least one follower URL")
	}

	var wg sync.WaitGroup
	for _, follower := range dispatcher.followers {
		wg.Add(1)
		go func(state *followerState) {
			defer wg.Done()
			dispatcher.manageConduit(ctx, state)
		}(follower)
	}

	for {
		// Only arm the ready receive while a follower can actually take
		// work; a nil channel disables that select arm.
		var readyArm <-chan *job.Job
		if dispatcher.hasIdleFollower() {
			readyArm = dispatcher.ready
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case leased := <-readyArm:
			dispatcher.assign(leased)
		case id := <-dispatcher.cancels:
			dispatcher.cancelJob(id)
		case <-dispatcher.stateChanged:
		}
	}
}

// Followers snapshots conduit state for the REST gateway.
func (dispatcher *LeaderDispatcher) Followers() []FollowerInfo {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()

	infos := make([]FollowerInfo, 0, len(dispatcher.followers))
	for _, state := range dispatcher.followers {
		info := FollowerInfo{
			URL:        state.url,
			FollowerID: state.id,
			Connected:  state.connected,
			Busy:       state.currentJob != 0,
		}
		if !state.lastSeen.IsZero() {
			seen := state.lastSeen
			info.LastSeen = &seen
		}
		if state.currentJob != 0 {
			info.CurrentJob = &FollowerJob{
				ID:       state.currentJob,
				Name:     state.currentJobName,
				Progress: state.currentProgress,
			}
		}

		infos = append(infos, info)
	}

	return infos
}

// RetryFollowers skips the remaining backoff on every disconnected conduit
// so they redial immediately.
func (dispatcher *LeaderDispatcher) RetryFollowers() {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()

	for _, state := range dispatcher.followers {
		if !state.connected {
			select {
			case state.retryCh <- struct{}{}:
			default:
			}
		}
	}
}

func (dispatcher *LeaderDispatcher) hasIdleFollower() bool {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()

	for _, state := range dispatcher.followers {
		if state.connected && state.currentJob == 0 {
			return true
		}
	}

	return false
}

// assign leases the job to the next idle follower, rotating from the last
// assignment so work spreads across the fleet.
func (dispatcher *LeaderDispatcher) assign(leased *job.Job) {
	dispatcher.mutex.Lock()

	// A cancel arrived while the job was queued or between assignments;
	// honour it now instead of handing the job out.
	if _, cancelled := dispatcher.pendingCancels[leased.ID]; cancelled {
		delete(dispatcher.pendingCancels, leased.ID)
		dispatcher.mutex.Unlock()

		leaderLog.Emit(logger.STOP, "Job %d was cancelled before assignment\n", leased.ID)
		dispatcher.results <- Result{JobID: leased.ID, Kind: ResultCancelled}

		return
	}

	var picked *followerState
	for offset := 1; offset <= len(dispatcher.followers); offset++ {
		candidate := dispatcher.followers[(dispatcher.lastAssigned+offset)%len(dispatcher.followers)]
		if candidate.connected && candidate.currentJob == 0 {
			picked = candidate
			dispatcher.lastAssigned = (dispatcher.lastAssigned + offset) % len(dispatcher.followers)

			break
		}
	}
	dispatcher.mutex.Unlock()

	if picked == nil {
		// Every follower dropped or went busy since the availability check;
		// hand the job straight back.
		dispatcher.results <- Result{JobID: leased.ID, Kind: ResultRequeue}
		return
	}

	if err := dispatcher.jobStore.MarkProcessing(leased.ID, picked.id); err != nil {
		message := fmt.Sprintf("failed to lease job: %v", err)
		dispatcher.results <- Result{JobID: leased.ID, WorkerID: picked.id, Kind: ResultFailed, ErrorMessage: &message}

		return
	}

	dispatcher.mutex.Lock()
	picked.currentJob = leased.ID
	picked.currentJobName = leased.Name
	picked.currentProgress = 0
	sendCh := picked.sendCh
	dispatcher.mutex.Unlock()

	if sendCh == nil {
		// Conduit tore down between the pick and the lease; hand the job back.
		// The worker guard on the requeue matches the lease we just took.
		dispatcher.mutex.Lock()
		if picked.currentJob == leased.ID {
			picked.currentJob = 0
			picked.currentJobName = ""
		}
		dispatcher.mutex.Unlock()
		dispatcher.results <- Result{JobID: leased.ID, WorkerID: picked.id, Kind: ResultRequeue}

		return
	}

	leaderLog.Emit(logger.INFO, "Assigning job %d to follower %s (%s)\n", leased.ID, picked.id, picked.url)
	sendCh <- Frame{
		Kind: FrameAssign,
		Job: &WireJob{
			ID:         leased.ID,
			Name:       leased.Name,
			Args:       leased.Args,
			InputPath:  leased.InputPath,
			OutputPath: leased.OutputPath,
		},
	}

	zero := 0
	dispatcher.eventBus.Dispatch(event.JobUpdateEvent, event.JobUpdate{
		JobID:    leased.ID,
		Status:   string(job.StatusProcessing),
		Progress: &zero,
	})
	dispatcher.publishFollowerStatus(picked)
}

func (dispatcher *LeaderDispatcher) cancelJob(id int64) {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()

	for _, state := range dispatcher.followers {
		if state.connected && state.currentJob == id {
			select {
			case state.sendCh <- Frame{Kind: FrameCancel, JobID: id}:
			default:
				leaderLog.Emit(logger.WARNING, "Conduit to %s is backed up, cancel for job %d dropped\n", state.url, id)
			}

			return
		}
	}

	// No follower holds the job right now (it may sit between a requeue and
	// its next assignment); remember the cancel and apply it at assignment.
	dispatcher.pendingCancels[id] = struct{}{}
	leaderLog.Emit(logger.INFO, "Cancel noted for job %d; no follower holds it yet\n", id)
}

// manageConduit owns one follower conduit for the life of the process: dial,
// serve the session, tear down, back off, redial.
func (dispatcher *LeaderDispatcher) manageConduit(ctx context.Context, state *followerState) {
	delay := reconnectBaseDelay
	for {
		sessionStart := time.Now()
		if err := dispatcher.runSession(ctx, state); err != nil && ctx.Err() == nil {
			leaderLog.Emit(logger.WARNING, "Conduit to %s lost: %v\n", state.url, err)
		}

		if ctx.Err() != nil {
			return
		}

		// A session that survived a while earns a fresh backoff.
		if time.Since(sessionStart) > time.Minute {
			delay = reconnectBaseDelay
		}

		select {
		case <-ctx.Done():
			return
		case <-state.retryCh:
		case <-time.After(delay):
		}

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (dispatcher *LeaderDispatcher) runSession(ctx context.Context, state *followerState) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, state.url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	// The follower introduces itself before anything else flows.
	conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("failed to read hello frame: %w", err)
	}
	if hello.Kind != FrameHello || hello.FollowerID == "" {
		return fmt.Errorf("expected hello frame, received %q", hello.Kind)
	}

	sendCh := make(chan Frame, 8)
	dispatcher.mutex.Lock()
	state.id = hello.FollowerID
	state.connected = true
	state.lastSeen = time.Now()
	state.sendCh = sendCh
	dispatcher.mutex.Unlock()

	leaderLog.Emit(logger.SUCCESS, "Conduit established with follower %s (%s)\n", hello.FollowerID, state.url)
	dispatcher.publishFollowerStatus(state)
	dispatcher.pokeStateChanged()

	defer func() {
		dispatcher.teardownSession(state)
	}()

	conn.SetPongHandler(func(string) error {
		dispatcher.touch(state)
		return conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
	})

	// Writer pump: owns every write on the conduit, including heartbeats.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
				return
			case frame := <-sendCh:
				conn.SetWriteDeadline(time.Now().Add(conduitWriteTimeout))
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(conduitWriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			conn.Close()
			<-writerDone

			return err
		}

		dispatcher.handleFrame(state, frame)
	}
}

// teardownSession marks the conduit down and requeues whatever job the
// follower was holding. The store-side worker guard makes the requeue
// idempotent against a late result from the same follower.
func (dispatcher *LeaderDispatcher) teardownSession(state *followerState) {
	dispatcher.mutex.Lock()
	wasConnected := state.connected
	orphanedJob := state.currentJob
	followerID := state.id
	state.connected = false
	state.currentJob = 0
	state.currentJobName = ""
	state.currentProgress = 0
	state.sendCh = nil
	dispatcher.mutex.Unlock()

	if !wasConnected {
		return
	}

	if orphanedJob != 0 {
		leaderLog.Emit(logger.WARNING, "Follower %s died holding job %d, requeueing\n", followerID, orphanedJob)
		dispatcher.results <- Result{JobID: orphanedJob, WorkerID: followerID, Kind: ResultRequeue}
	}

	dispatcher.eventBus.Dispatch(event.FollowerStatusEvent, event.FollowerStatus{
		FollowerID: followerID,
		Dead:       true,
	})
	dispatcher.pokeStateChanged()
}

// touch stamps the follower's liveness; every inbound frame or pong counts.
func (dispatcher *LeaderDispatcher) touch(state *followerState) {
	dispatcher.mutex.Lock()
	state.lastSeen = time.Now()
	dispatcher.mutex.Unlock()
}

func (dispatcher *LeaderDispatcher) handleFrame(state *followerState, frame Frame) {
	dispatcher.touch(state)

	switch frame.Kind {
	case FrameProgress:
		if frame.Progress == nil {
			return
		}

		dispatcher.mutex.Lock()
		if state.currentJob == frame.JobID {
			state.currentProgress = *frame.Progress
		}
		dispatcher.mutex.Unlock()

		if err := dispatcher.jobStore.UpdateProgress(frame.JobID, *frame.Progress); err != nil {
			leaderLog.Emit(logger.DEBUG, "Failed to persist progress for job %d: %v\n", frame.JobID, err)
		}
		dispatcher.eventBus.Dispatch(event.JobUpdateEvent, event.JobUpdate{
			JobID:    frame.JobID,
			Status:   string(job.StatusProcessing),
			Progress: frame.Progress,
		})
	case FrameResult:
		dispatcher.mutex.Lock()
		if state.currentJob == frame.JobID {
			state.currentJob = 0
			state.currentJobName = ""
			state.currentProgress = 0
		}
		delete(dispatcher.pendingCancels, frame.JobID)
		followerID := state.id
		dispatcher.mutex.Unlock()

		dispatcher.results <- Result{
			JobID:        frame.JobID,
			WorkerID:     followerID,
			Kind:         frame.Outcome,
			ErrorMessage: frame.ErrorMessage,
		}
		dispatcher.publishFollowerStatus(state)
		dispatcher.pokeStateChanged()
	default:
		leaderLog.Emit(logger.WARNING, "Unexpected %q frame from follower %s\n", frame.Kind, state.id)
	}
}

func (dispatcher *LeaderDispatcher) publishFollowerStatus(state *followerState) {
	dispatcher.mutex.Lock()
	status := event.FollowerStatus{
		FollowerID: state.id,
		Busy:       state.currentJob != 0,
		Dead:       !state.connected,
	}
	dispatcher.mutex.Unlock()

	dispatcher.eventBus.Dispatch(event.FollowerStatusEvent, status)
}

func (dispatcher *LeaderDispatcher) pokeStateChanged() {
	select {
	case dispatcher.stateChanged <- struct{}{}:
	default:
	}
}
