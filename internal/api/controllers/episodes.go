package controllers

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/datallboy/gopod/internal/app"
	"github.com/datallboy/gopod/internal/domain"
	"github.com/datallboy/gopod/internal/engine"
	"github.com/labstack/echo/v5"
)

type EpisodesController struct {
	App     *app.Context
	Manager *engine.Manager
	Policy  domain.LinkPolicy
}

// Add queues an episode page for download
func (ctrl *EpisodesController) Add(c *echo.Context) error {
	var req AddEpisodeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	link := strings.TrimSpace(req.Link)
	ep := domain.Episode{PageLink: link, Title: strings.TrimSpace(req.Title)}
	if err := ep.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// Only episode pages of the configured web app are accepted
	if !ctrl.Policy.Allows(link) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "link is not an episode page")
	}

	dest, err := ctrl.resolveDestination(req.Destination)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	task, err := ctrl.Manager.AddEpisode(ep, dest)
	switch {
	case errors.Is(err, engine.ErrManagerClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusAccepted, newTaskResponse(task))
}

// List returns every registered task, oldest first
func (ctrl *EpisodesController) List(c *echo.Context) error {
	tasks := ctrl.Manager.List()
	res := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, newTaskResponse(t))
	}
	return c.JSON(http.StatusOK, res)
}

// Get returns a registered task, or the stored record of one that was evicted
func (ctrl *EpisodesController) Get(c *echo.Context) error {
	id := c.Param("id")
	if task, ok := ctrl.Manager.Get(id); ok {
		return c.JSON(http.StatusOK, newTaskResponse(task))
	}

	if ctrl.App.Store == nil {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}

	rec, err := ctrl.App.Store.GetTask(c.Request().Context(), id)
	if err != nil {
		ctrl.App.Logger.Error("Lookup of %s failed: %v", id, err)
		return echo.NewHTTPError(http.StatusInternalServerError, "task lookup failed")
	}
	if rec == nil {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	return c.JSON(http.StatusOK, newRecordResponse(rec))
}

// Cancel stops a running download. The task stays listed until acknowledged.
func (ctrl *EpisodesController) Cancel(c *echo.Context) error {
	id := c.Param("id")
	task, ok := ctrl.Manager.Get(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}

	if !ctrl.Manager.Cancel(id) {
		return echo.NewHTTPError(http.StatusConflict, "task already finished")
	}

	ctrl.App.Logger.Info("Cancel requested for %s", id)
	return c.JSON(http.StatusAccepted, newTaskResponse(task))
}

// Acknowledge drops a finished task from the registry
func (ctrl *EpisodesController) Acknowledge(c *echo.Context) error {
	err := ctrl.Manager.Acknowledge(c.Param("id"))
	switch {
	case errors.Is(err, engine.ErrTaskNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	case errors.Is(err, engine.ErrTaskNotFinished):
		return echo.NewHTTPError(http.StatusConflict, "task has not finished")
	case err != nil:
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

var errOutsideSaveDir = errors.New("destination must be a relative path inside the save directory")

// resolveDestination confines a requested destination to the save directory.
// An empty destination is left to the manager's default.
func (ctrl *EpisodesController) resolveDestination(dest string) (string, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return "", nil
	}
	if filepath.IsAbs(dest) || filepath.VolumeName(dest) != "" {
		return "", errOutsideSaveDir
	}

	saveDir := filepath.Clean(ctrl.App.Config.Download.SaveDir)
	full := filepath.Join(saveDir, dest)

	rel, err := filepath.Rel(saveDir, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutsideSaveDir
	}
	return full, nil
}
