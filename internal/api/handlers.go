package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/paperstream/paperstream/internal/engine"
	"github.com/paperstream/paperstream/internal/scheduler"
	"github.com/paperstream/paperstream/internal/settings"
	"github.com/paperstream/paperstream/internal/source"
)

type addTaskInput struct {
	URL string `json:"url"`
}

func (s *Server) addTask(c echo.Context) error {
	var input addTaskInput
	if err := c.Bind(&input); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	input.URL = strings.TrimSpace(input.URL)
	if input.URL == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "url is required"})
	}

	view, err := s.engine.Add(c.Request().Context(), input.URL)
	if err != nil {
		var conflict *engine.ConflictError
		switch {
		case errors.Is(err, source.ErrNoAdapter):
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "no source recognizes this URL"})
		case errors.Is(err, engine.ErrDuplicate):
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		case errors.As(err, &conflict):
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}
	return c.JSON(http.StatusCreated, view)
}

func (s *Server) listTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Queue())
}

func (s *Server) getTask(c echo.Context) error {
	view, err := s.engine.Get(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) removeTask(c echo.Context) error {
	if err := s.engine.Remove(c.Request().Context(), c.Param("id")); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) hideTask(c echo.Context) error {
	err := s.engine.HideFromQueue(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, engine.ErrTaskNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	case errors.Is(err, engine.ErrTaskActive):
		return c.JSON(http.StatusConflict, map[string]string{"error": "task is still active"})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) cancelTask(c echo.Context) error {
	err := s.engine.Cancel(c.Param("id"))
	switch {
	case errors.Is(err, engine.ErrTaskNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	case errors.Is(err, engine.ErrTaskFinished):
		return c.JSON(http.StatusConflict, map[string]string{"error": "task already finished"})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) retryTask(c echo.Context) error {
	err := s.engine.Retry(c.Param("id"))
	switch {
	case errors.Is(err, engine.ErrTaskNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	case err != nil:
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "retrying"})
}

func (s *Server) retryAll(c echo.Context) error {
	n := s.engine.RetryAll()
	return c.JSON(http.StatusOK, map[string]int{"retried": n})
}

func (s *Server) cancelAll(c echo.Context) error {
	n := s.engine.CancelAll()
	return c.JSON(http.StatusOK, map[string]int{"cancelled": n})
}

func (s *Server) taskLogs(c echo.Context) error {
	logs, err := s.engine.TaskLogs(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	}
	return c.JSON(http.StatusOK, map[string][]string{"logs": logs})
}

func (s *Server) listHistory(c echo.Context) error {
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := s.history.List(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) sourceLogin(c echo.Context) error {
	err := s.engine.OpenLogin(c.Request().Context(), c.Param("key"))
	switch {
	case errors.Is(err, source.ErrNoAdapter):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown source"})
	case errors.Is(err, engine.ErrLoginUnavailable):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "interactive login is not available"})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "logged in"})
}

func (s *Server) getSettings(c echo.Context) error {
	current, err := s.settings.Get(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, current)
}

func (s *Server) updateSettings(c echo.Context) error {
	var input settings.Settings
	if err := c.Bind(&input); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if err := s.settings.Update(c.Request().Context(), input); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	updated, err := s.settings.Get(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) recentLogs(c echo.Context) error {
	if s.logBuffer == nil {
		return c.JSON(http.StatusOK, []struct{}{})
	}
	return c.JSON(http.StatusOK, s.logBuffer.Recent())
}

func (s *Server) listJobs(c echo.Context) error {
	if s.scheduler == nil {
		return c.JSON(http.StatusOK, []scheduler.JobInfo{})
	}
	return c.JSON(http.StatusOK, s.scheduler.List())
}
