package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/ws"
)

// WSHandler upgrades an authenticated connection to a websocket subscribed
// to the caller's own device topic, per spec.md §4.5's liveness push.
type WSHandler struct {
	hub    *ws.Hub
	logger *zap.Logger
}

func NewWSHandler(hub *ws.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, logger: logger}
}

// Connect handles GET /ws.
func (h *WSHandler) Connect(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, apperr.ErrJWTValidation)
		return
	}

	topics := []string{ws.DeviceTopic(claims.DeviceID())}
	client, err := ws.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
