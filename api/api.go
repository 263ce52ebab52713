package api

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zlnvch/marginalia/api/rest"
	"github.com/zlnvch/marginalia/api/ws"
	"github.com/zlnvch/marginalia/dashboard"
)

type MarginaliaAPI struct {
	restHandler *rest.Handler
	wsHandler   *ws.Handler
	wsUpgrader  websocket.Upgrader
	shutdownCtx context.Context
}

// NewMarginaliaAPI serves coord over REST and mirrors its view to browsers
// through hub, which must be the view coord renders into.
func NewMarginaliaAPI(
	coord *dashboard.Coordinator,
	hub *ws.Hub,
	secret []byte,
	shutdownCtx context.Context,
	logger zerolog.Logger,
) *MarginaliaAPI {
	go hub.Run(shutdownCtx)

	return &MarginaliaAPI{
		restHandler: rest.NewHandler(coord, secret, logger),
		wsHandler:   ws.NewHandler(coord, hub, secret, logger),
		shutdownCtx: shutdownCtx,
	}
}

func (marginaliaAPI *MarginaliaAPI) RegisterRoutes(mux *http.ServeMux, requiredOrigin string) {
	// Health check endpoint (no auth required)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/annotations", marginaliaAPI.restHandler.HandleAnnotations)
	mux.HandleFunc("/annotations/replies", marginaliaAPI.restHandler.HandleReplies)
	mux.HandleFunc("/state", marginaliaAPI.restHandler.HandleState)

	marginaliaAPI.wsUpgrader = marginaliaAPI.wsHandler.NewWsUpgrader(requiredOrigin)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		marginaliaAPI.wsHandler.ServeWS(marginaliaAPI.wsUpgrader, w, r, marginaliaAPI.shutdownCtx)
	})
}
