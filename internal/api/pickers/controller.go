package pickers

import (
	"net/http"

	"github.com/hbomb79/Crunch/internal/picker"
	"github.com/labstack/echo/v4"
)

type (
	Store interface {
		Scan() (*picker.Snapshot, error)
		Get(key string) *picker.Snapshot
	}

	PickersController struct {
		store Store
	}
)

func New(store Store) *PickersController {
	return &PickersController{store: store}
}

func (controller *PickersController) SetRoutes(group *echo.Group) {
	group.POST("/", controller.scan)
	group.GET("/:key/", controller.get)
}

// scan captures a fresh snapshot of the upload directory and returns it with
// its key; the client references the key for the life of its file-selection
// dialog.
func (controller *PickersController) scan(ec echo.Context) error {
	snapshot, err := controller.store.Scan()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.JSON(http.StatusCreated, snapshot)
}

func (controller *PickersController) get(ec echo.Context) error {
	snapshot := controller.store.Get(ec.Param("key"))
	if snapshot == nil {
		return echo.ErrNotFound
	}

	return ec.JSON(http.StatusOK, snapshot)
}
