// Package internal wires the Crunch services together: store, event bus,
// scheduler, dispatcher and transport, in that order. The coordinator is the
// only place that knows which instance mode is running.
package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/hbomb79/Crunch/internal/api"
	"github.com/hbomb79/Crunch/internal/database"
	"github.com/hbomb79/Crunch/internal/dispatch"
	"github.com/hbomb79/Crunch/internal/event"
	"github.com/hbomb79/Crunch/internal/executor"
	"github.com/hbomb79/Crunch/internal/ffmpeg"
	"github.com/hbomb79/Crunch/internal/follower"
	"github.com/hbomb79/Crunch/internal/job"
	"github.com/hbomb79/Crunch/internal/notify"
	"github.com/hbomb79/Crunch/internal/picker"
	"github.com/hbomb79/Crunch/internal/scheduler"
	"github.com/hbomb79/Crunch/pkg/logger"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	// crunchImpl is the top-level object for the server: it initialises the
	// stores, services and transports for the configured instance mode and
	// supervises their goroutines.
	crunchImpl struct {
		config CrunchConfig
		mode   InstanceMode

		eventBus   event.EventCoordinator
		db         database.Manager
		jobService *job.Service

		schedulerService *scheduler.Service
		dispatcherSvc    RunnableService
		leaderDispatcher *dispatch.LeaderDispatcher
		restGateway      RunnableService
		followerService  *follower.Service
	}
)

func New(config CrunchConfig) (*crunchImpl, error) {
	mode, err := config.Mode()
	if err != nil {
		return nil, err
	}

	crunch := &crunchImpl{config: config, mode: mode}

	exec := executor.New(config.Executor)
	prober := ffmpeg.NewProber()

	if mode == ModeFollower {
		crunch.followerService = follower.New(config.Follower, exec, prober)
		return crunch, nil
	}

	crunch.eventBus = event.New()
	crunch.db = database.New()
	crunch.jobService = job.NewService(crunch.db)

	crunch.schedulerService = scheduler.New(
		scheduler.Config{
			OutputDir:     config.OutputDir,
			CheckInterval: config.CheckInterval(),
		},
		crunch.jobService,
		crunch.eventBus,
		notify.SinksFromConfig(config.Notifications),
	)

	switch mode {
	case ModeLeader:
		urls := config.FollowerURLs()
		if len(urls) == 0 {
			return nil, fmt.Errorf("leader mode requires FOLLOWERS to name at least one follower URL")
		}

		crunch.leaderDispatcher = dispatch.NewLeaderDispatcher(
			urls,
			crunch.jobService,
			crunch.eventBus,
			crunch.schedulerService.ReadyJobs(),
			crunch.schedulerService.Results(),
			crunch.schedulerService.CancelRequests(),
		)
		crunch.dispatcherSvc = crunch.leaderDispatcher
	case ModeStandalone:
		crunch.dispatcherSvc = dispatch.NewLocalDispatcher(
			config.WorkerCount,
			0,
			crunch.jobService,
			crunch.eventBus,
			exec,
			prober,
			crunch.schedulerService.ReadyJobs(),
			crunch.schedulerService.Results(),
			crunch.schedulerService.CancelRequests(),
		)
	}

	crunch.restGateway = newGateway(&config, crunch.schedulerService, crunch.jobService, picker.New(config.UploadDir), crunch.leaderDispatcher, crunch.eventBus)

	return crunch, nil
}

// newGateway exists to keep the nil-interface subtlety in one place: a nil
// *LeaderDispatcher must become a nil interface, not an interface wrapping a
// nil pointer.
func newGateway(
	config *CrunchConfig,
	schedulerService *scheduler.Service,
	jobService *job.Service,
	pickerStore *picker.Store,
	leaderDispatcher *dispatch.LeaderDispatcher,
	eventBus event.EventCoordinator,
) RunnableService {
	var followersSurface interface {
		Followers() []dispatch.FollowerInfo
		RetryFollowers()
	}
	if leaderDispatcher != nil {
		followersSurface = leaderDispatcher
	}

	return api.NewRestGateway(&config.Rest, schedulerService, jobService, pickerStore, followersSurface, eventBus)
}

// Run brings up all services for the configured mode and blocks until the
// context is cancelled or an unrecoverable service failure occurs.
func (crunch *crunchImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	wg := &sync.WaitGroup{}

	if crunch.mode == ModeFollower {
		crunch.spawnAsyncService(ctx, wg, crunch.followerService, "follower-service", crashHandler)
		log.Emit(logger.SUCCESS, "Crunch follower spawned!\n")
		wg.Wait()

		return nil
	}

	log.Emit(logger.NEW, "Connecting to database...\n")
	if err := crunch.db.Connect(crunch.config.Database); err != nil {
		return err
	}

	crunch.spawnAsyncService(ctx, wg, crunch.schedulerService, "scheduler", crashHandler)
	crunch.spawnAsyncService(ctx, wg, crunch.dispatcherSvc, "dispatcher", crashHandler)
	crunch.spawnAsyncService(ctx, wg, crunch.restGateway, "rest-gateway", crashHandler)
	log.Emit(logger.SUCCESS, "Crunch services spawned (%s mode)!\n", crunch.mode)

	wg.Wait()
	return nil
}

// spawnAsyncService runs the provided service as its own goroutine, keeping
// the service waitgroup accurate and converting panics in to a crash.
func (crunch *crunchImpl) spawnAsyncService(context context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(context); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}
