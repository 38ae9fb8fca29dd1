// Package web exposes the delivery queue and trigger configuration over http.
// This is the operator surface, rendering any UI on top of it is someone
// else's problem.
package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/openhire/courier/internal/queue"
	"github.com/openhire/courier/internal/trigger"
	"github.com/openhire/courier/tools"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port    int
	APIKeys []string
}

type Server struct {
	cfg     Config
	log     *logrus.Logger
	e       *echo.Echo
	queue   *queue.Queue
	trigger *trigger.Engine

	ostart sync.Once
	ostop  sync.Once
}

func New(lc *tools.Logger, cfg Config, q *queue.Queue, t *trigger.Engine) *Server {
	return &Server{
		cfg:     cfg,
		log:     lc.New("web"),
		queue:   q,
		trigger: t,
	}
}

func (s *Server) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	api := e.Group("", s.keyAuth)
	api.POST("/queue", s.enqueue)
	api.GET("/queue/stats", s.stats)
	api.GET("/queue/scheduled", s.scheduled)
	api.GET("/queue/:id", s.entry)
	api.GET("/queue/:id/events", s.events)
	api.POST("/queue/:id/cancel", s.cancel)
	api.POST("/queue/:id/resend", s.resend)
	api.GET("/settings/triggers", s.getSettings)
	api.PUT("/settings/triggers", s.saveSettings)
	api.POST("/events/status-change", s.statusChange)

	return e
}

func (s *Server) Start() {
	s.ostart.Do(func() {
		e := s.router()

		prom := prometheus.NewPrometheus("courier", nil)
		prom.Use(e)

		s.e = e
		go func() {
			s.log.Infof("starting api server on :%d", s.cfg.Port)
			err := e.Start(fmt.Sprintf(":%d", s.cfg.Port))
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.WithError(err).Error("api server stopped")
			}
		}()
	})
}

func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.ostop.Do(func() {
		if s.e != nil {
			err = s.e.Shutdown(ctx)
		}
	})
	return err
}

// keyAuth accepts the key either as the 'key' query param or the X-Api-Key
// header. No configured keys means an open server, eg behind a trusted proxy.
func (s *Server) keyAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if len(s.cfg.APIKeys) == 0 {
			return next(c)
		}
		key := c.QueryParam("key")
		if key == "" {
			key = c.Request().Header.Get("X-Api-Key")
		}
		for _, candidate := range s.cfg.APIKeys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(candidate)) == 1 {
				return next(c)
			}
		}
		return echo.NewHTTPError(http.StatusUnauthorized, "a valid api key must be provided")
	}
}
