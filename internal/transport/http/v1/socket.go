package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mineclover/autobe/internal/domain"
	"github.com/mineclover/autobe/internal/observability"
	"github.com/mineclover/autobe/internal/service"
	"github.com/mineclover/autobe/internal/transport/ws"
)

// OpenSocket upgrades to a websocket and runs the requested entry flow.
// The request stays open for the life of the socket.
// GET /v1/sessions/:session_id/socket?mode=connect|replay|simulate
func (h *Handler) OpenSocket(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID := c.Param("session_id")

	mode := domain.ConnectionMode(c.QueryParam("mode"))
	if mode == "" {
		mode = domain.ConnectionModeConnect
	}
	if !mode.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "mode must be connect, replay or simulate"})
	}
	if _, err := h.service.GetSession(ctx, sessionID); err != nil {
		return errorJSON(c, err)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("failed to upgrade websocket", "error", err)
		return nil
	}

	connectionID := service.NewConnectionID()
	acceptor := ws.New(conn, ws.Options{
		SendBuffer:  h.config.SendBuffer,
		SendTimeout: h.config.SendTimeout,
		ReadTimeout: h.config.ConnectionStaleAfter,
		RunContext:  h.runCtx,
		OnPong:      h.service.Heartbeat(ctx, connectionID),
	})

	if _, err := h.service.Open(ctx, service.OpenRequest{
		SessionID:    sessionID,
		Mode:         mode,
		ConnectionID: connectionID,
	}, acceptor); err != nil {
		observability.LoggerFromContext(ctx).Warn("connection refused",
			"session_id", sessionID,
			"connection_id", connectionID,
			"error", err)
		acceptor.CloseWithError(err)
		return nil
	}

	select {
	case <-acceptor.Join():
	case <-h.runCtx.Done():
		acceptor.Close()
	}
	return nil
}
