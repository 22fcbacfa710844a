package followers

import (
	"net/http"

	"github.com/hbomb79/Crunch/internal/dispatch"
	"github.com/labstack/echo/v4"
)

type (
	// Dispatcher is the leader-mode surface these routes expose. In
	// standalone mode the routes are not registered at all.
	Dispatcher interface {
		Followers() []dispatch.FollowerInfo
		RetryFollowers()
	}

	FollowersController struct {
		dispatcher Dispatcher
	}
)

func New(dispatcher Dispatcher) *FollowersController {
	return &FollowersController{dispatcher: dispatcher}
}

func (controller *FollowersController) SetRoutes(group *echo.Group) {
	group.GET("/", controller.list)
	group.POST("/retry/", controller.retry)
}

func (controller *FollowersController) list(ec echo.Context) error {
	return ec.JSON(http.StatusOK, controller.dispatcher.Followers())
}

// retry skips the reconnect backoff on every dead conduit.
func (controller *FollowersController) retry(ec echo.Context) error {
	controller.dispatcher.RetryFollowers()
	return ec.NoContent(http.StatusAccepted)
}
