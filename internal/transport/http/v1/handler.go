// Package v1 provides the public HTTP handlers of the session server.
package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/mineclover/autobe/internal/config"
	"github.com/mineclover/autobe/internal/domain"
	"github.com/mineclover/autobe/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service  *service.Service
	config   *config.Config
	runCtx   context.Context
	upgrader websocket.Upgrader
}

// NewHandler creates a new handler. Turns started over sockets run under
// runCtx, so they outlive the socket that started them.
func NewHandler(runCtx context.Context, service *service.Service, cfg *config.Config) *Handler {
	return &Handler{
		service: service,
		config:  cfg,
		runCtx:  runCtx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/sessions", h.CreateSession)
	e.GET("/v1/sessions/:session_id", h.GetSession)
	e.GET("/v1/sessions/:session_id/snapshots", h.ListSnapshots)
	e.GET("/v1/sessions/:session_id/histories", h.ListHistories)
	e.GET("/v1/sessions/:session_id/socket", h.OpenSocket)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// errorJSON maps domain errors onto status codes.
func errorJSON(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
