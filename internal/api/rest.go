package api

import (
	"context"
	"sync"

	"github.com/hbomb79/Crunch/internal/api/followers"
	"github.com/hbomb79/Crunch/internal/api/jobs"
	"github.com/hbomb79/Crunch/internal/api/pickers"
	"github.com/hbomb79/Crunch/internal/event"
	"github.com/hbomb79/Crunch/internal/http/websocket"
	"github.com/hbomb79/Crunch/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var log = logger.Get("API")

type (
	RestConfig struct {
		HostAddr string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	// dataStore is the union of the controllers' store requirements.
	dataStore interface {
		jobs.Store
	}

	// RestGateway is a thin wrapper around the Echo router: it creates the
	// routes Crunch exposes, manages the activity socket and feeds it from
	// the event bus.
	RestGateway struct {
		broadcaster         *broadcaster
		config              *RestConfig
		ec                  *echo.Echo
		socket              *websocket.SocketHub
		store               dataStore
		jobsController      controller
		pickersController   controller
		followersController controller
	}
)

// NewRestGateway constructs the Echo router and populates it with the
// routes defined by the controllers. The followers dispatcher is nil outside
// leader mode, in which case its routes are simply not registered.
func NewRestGateway(
	config *RestConfig,
	schedulerService jobs.Scheduler,
	store dataStore,
	pickerStore pickers.Store,
	followerDispatcher followers.Dispatcher,
	eventBus event.EventSubscriber,
) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true

	socket := websocket.New()
	gateway := &RestGateway{
		broadcaster:       newBroadcaster(socket, eventBus),
		config:            config,
		ec:                ec,
		socket:            socket,
		store:             store,
		jobsController:    jobs.New(schedulerService, store),
		pickersController: pickers.New(pickerStore),
	}

	// The welcome payload furnishes a fresh client with the current queue
	// shape so it renders immediately.
	socket.WithConnectionCallback(func() map[string]interface{} {
		counts, err := store.CountByStatus()
		if err != nil {
			log.Emit(logger.WARNING, "Failed to compose welcome payload: %v\n", err)
			return map[string]interface{}{}
		}

		return map[string]interface{}{"counts": counts}
	})

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Pre(middleware.AddTrailingSlash())

	ec.GET("/api/crunch/v1/activity/ws/", func(ec echo.Context) error {
		gateway.socket.UpgradeToSocket(ec.Response(), ec.Request())
		return nil
	})

	jobGroup := ec.Group("/api/crunch/v1/jobs")
	gateway.jobsController.SetRoutes(jobGroup)

	pickerGroup := ec.Group("/api/crunch/v1/pickers")
	gateway.pickersController.SetRoutes(pickerGroup)

	if followerDispatcher != nil {
		gateway.followersController = followers.New(followerDispatcher)
		followerGroup := ec.Group("/api/crunch/v1/settings/followers")
		gateway.followersController.SetRoutes(followerGroup)
	}

	return gateway
}

func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	// Start echo router
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil {
			ctxCancel(err)
		}
	}()

	// Start thread to listen for context cancellation
	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	// Start websocket hub and the event-bus bridge feeding it
	wg.Add(2)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		gateway.broadcaster.run(ctx)
	}()

	wg.Wait()

	// Return cancellation cause if any, otherwise nil as parent context
	// cancellation is not an error case we should report.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}
