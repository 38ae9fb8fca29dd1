package web

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	courier "github.com/openhire/courier"
	"github.com/openhire/courier/internal/dao"
	"github.com/openhire/courier/internal/queue"
)

type enqueueRequest struct {
	Email         courier.Email `json:"email"`
	ApplicationID int64         `json:"application_id"`
	TemplateID    int64         `json:"template_id"`
	ScheduledAt   *time.Time    `json:"scheduled_at"`
}

func (s *Server) enqueue(c echo.Context) error {
	var req enqueueRequest
	err := c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("failed to bind body, %v", err))
	}

	payload := queue.Payload{
		Email:         req.Email,
		ApplicationID: req.ApplicationID,
		TemplateID:    req.TemplateID,
	}

	var id string
	if req.ScheduledAt != nil {
		id, err = s.queue.Schedule(payload, *req.ScheduledAt)
	} else {
		id, err = s.queue.Enqueue(payload)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, echo.Map{"id": id})
}

func (s *Server) stats(c echo.Context) error {
	stats, err := s.queue.Stats()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) scheduled(c echo.Context) error {
	var q dao.ScheduledQuery
	if v := c.QueryParam("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "from must be rfc3339")
		}
		q.From = t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "to must be rfc3339")
		}
		q.To = t
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
		q.Limit = n
	}

	entries, err := s.queue.Scheduled(q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) entry(c echo.Context) error {
	entry, err := s.queue.Entry(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, entry)
}

func (s *Server) events(c echo.Context) error {
	events, err := s.queue.Events(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) cancel(c echo.Context) error {
	ok := s.queue.Cancel(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusConflict, "entry is not pending, cannot cancel")
	}
	return c.JSON(http.StatusOK, echo.Map{"cancelled": true})
}

func (s *Server) resend(c echo.Context) error {
	id, err := s.queue.Resend(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, echo.Map{"id": id})
}

func (s *Server) getSettings(c echo.Context) error {
	return c.JSON(http.StatusOK, s.trigger.Settings())
}

func (s *Server) saveSettings(c echo.Context) error {
	var raw map[string]map[string]interface{}
	err := c.Bind(&raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("failed to bind body, %v", err))
	}
	settings, err := s.trigger.SaveSettings(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, settings)
}

type statusChangeRequest struct {
	ApplicationID int64  `json:"application_id"`
	OldStatus     string `json:"old_status"`
	NewStatus     string `json:"new_status"`
}

func (s *Server) statusChange(c echo.Context) error {
	var req statusChangeRequest
	err := c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("failed to bind body, %v", err))
	}
	if req.ApplicationID == 0 || req.NewStatus == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "application_id and new_status are required")
	}

	s.trigger.HandleStatusChange(c.Request().Context(), req.ApplicationID,
		courier.ApplicationStatus(req.OldStatus), courier.ApplicationStatus(req.NewStatus))

	return c.NoContent(http.StatusAccepted)
}
