// Package http provides the HTTP server implementation for the session server.
package http

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mineclover/autobe/internal/config"
	"github.com/mineclover/autobe/internal/service"
	v1 "github.com/mineclover/autobe/internal/transport/http/v1"
)

// NewServer creates and configures the public HTTP server.
// Socket turns run under ctx.
func NewServer(ctx context.Context, svc *service.Service, cfg *config.Config, gatherer prometheus.Gatherer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(ctx, svc, cfg)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return e
}
