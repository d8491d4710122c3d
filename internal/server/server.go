// Package server exposes the experience log over a read-only HTTP API for
// dashboards and scrapers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/selfheal/config"
	"github.com/mohammad-safakhou/selfheal/internal/experience"
	"github.com/mohammad-safakhou/selfheal/internal/faults"
	"github.com/mohammad-safakhou/selfheal/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// ExperienceReader is the read side of the experience store.
type ExperienceReader interface {
	Stats(ctx context.Context) (experience.Stats, error)
	List(ctx context.Context) ([]experience.Experience, error)
	Retrieve(ctx context.Context, category string, topK int) (experience.RetrieveResult, error)
	Timeline(ctx context.Context) ([]experience.TimelinePoint, error)
	Search(ctx context.Context, query string, limit int) ([]experience.SearchHit, error)
}

// Server is the dashboard API.
type Server struct {
	echo    *echo.Echo
	cfg     config.ServerConfig
	logger  *zap.Logger
	handler http.Handler
}

// New builds the router. metrics may be nil, in which case /metrics is
// not mounted.
func New(cfg config.ServerConfig, store ExperienceReader, metrics *telemetry.Metrics, logger *zap.Logger) *Server {
	logger = telemetry.OrNop(logger).Named("http")
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
	}))
	e.HTTPErrorHandler = errorHandler(logger)

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}
	registerDocs(e)

	h := &ExperienceHandler{store: store}
	h.Register(e.Group("/api"))

	return &Server{
		echo:    e,
		cfg:     cfg,
		logger:  logger,
		handler: otelhttp.NewHandler(e, "selfheal.dashboard"),
	}
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then drains within the configured
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// errorHandler renders every failure as {"error": msg} and logs it.
func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		switch {
		case errors.As(err, &he):
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		case faults.IsValidation(err):
			code = http.StatusBadRequest
		}
		req := c.Request()
		fields := []zap.Field{
			zap.Int("status", code),
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.String("remote", c.RealIP()),
			zap.Error(err),
		}
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", fields...)
		} else {
			logger.Debug("request rejected", fields...)
		}
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]any{"error": msg})
		}
	}
}
