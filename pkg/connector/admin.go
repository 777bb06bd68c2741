// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

// maxAdminBodySize is the maximum allowed request body for admin calls (1 MB).
const maxAdminBodySize = 1 << 20

// AdminAPI serves metrics, delivery chain status and portal management.
type AdminAPI struct {
	router   *Router
	portals  PortalStore
	gatherer prometheus.Gatherer
	validate *validator.Validate
	log      zerolog.Logger
}

// NewAdminAPI creates the admin API. gatherer backs /metrics.
func NewAdminAPI(router *Router, portals PortalStore, gatherer prometheus.Gatherer, log zerolog.Logger) *AdminAPI {
	return &AdminAPI{
		router:   router,
		portals:  portals,
		gatherer: gatherer,
		validate: validator.New(),
		log:      log.With().Str("component", "admin_api").Logger(),
	}
}

// Handler returns the HTTP routes of the admin API.
func (a *AdminAPI) Handler() http.Handler {
	m := mux.NewRouter()
	m.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	api := m.PathPrefix("/api").Subrouter()
	api.HandleFunc("/chains", a.HandleChains).Methods(http.MethodGet)
	api.HandleFunc("/portals", a.HandleListPortals).Methods(http.MethodGet)
	api.HandleFunc("/portals", a.HandleLinkPortal).Methods(http.MethodPost)
	api.HandleFunc("/portals/{room}/{channel}", a.HandleUnlinkPortal).Methods(http.MethodDelete)
	return m
}

// Start serves the admin API on addr until ctx is done.
func (a *AdminAPI) Start(ctx context.Context, addr string) *http.Server {
	server := &http.Server{
		Addr:         addr,
		Handler:      a.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		a.log.Info().Str("addr", addr).Msg("Starting bridge admin API")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Msg("Bridge admin API error")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	return server
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn().Err(err).Msg("Failed to write admin response")
	}
}

// HandleChains is GET /api/chains. It reports pending work per destination.
func (a *AdminAPI) HandleChains(w http.ResponseWriter, r *http.Request) {
	chains := a.router.Chains()
	a.writeJSON(w, http.StatusOK, map[string]any{
		"pending": chains.Pending(),
		"total":   chains.Total(),
	})
}

// HandleListPortals is GET /api/portals.
func (a *AdminAPI) HandleListPortals(w http.ResponseWriter, r *http.Request) {
	portals, err := a.portals.AllPortals(r.Context())
	if err != nil {
		a.log.Err(err).Msg("Failed to list portals")
		http.Error(w, "failed to list portals", http.StatusInternalServerError)
		return
	}
	if portals == nil {
		portals = []store.Portal{}
	}
	a.writeJSON(w, http.StatusOK, portals)
}

// HandleLinkPortal is POST /api/portals. It links a room to a channel and
// reopens the delivery chains of both. Encrypted rooms and channels linked to
// another room are rejected with 409.
func (a *AdminAPI) HandleLinkPortal(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	var p store.Portal
	if err := json.Unmarshal(body, &p); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := a.validate.Struct(&p); err != nil {
		http.Error(w, "invalid portal: "+err.Error(), http.StatusBadRequest)
		return
	}

	a.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("room_id", p.RoomID).
		Str("channel_id", p.ChannelID).
		Msg("Portal link requested")
	encrypted, err := roomEncrypted(r.Context(), a.router.matrix, id.RoomID(p.RoomID))
	if err != nil {
		a.log.Err(err).Msg("Failed to check room encryption")
		http.Error(w, "failed to check room encryption", http.StatusBadGateway)
		return
	} else if encrypted {
		http.Error(w, "room is encrypted", http.StatusConflict)
		return
	}
	err = a.portals.LinkPortal(r.Context(), &p)
	if errors.Is(err, store.ErrChannelLinked) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	} else if err != nil {
		a.log.Err(err).Msg("Failed to link portal")
		http.Error(w, "failed to link portal", http.StatusInternalServerError)
		return
	}
	a.router.Chains().Reopen(p.ChannelID)
	a.router.Chains().Reopen(p.RoomID)
	a.writeJSON(w, http.StatusCreated, p)
}

// HandleUnlinkPortal is DELETE /api/portals/{room}/{channel}.
func (a *AdminAPI) HandleUnlinkPortal(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := a.portals.UnlinkPortal(r.Context(), vars["room"], vars["channel"])
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "portal not found", http.StatusNotFound)
		return
	} else if err != nil {
		a.log.Err(err).Msg("Failed to unlink portal")
		http.Error(w, "failed to unlink portal", http.StatusInternalServerError)
		return
	}
	a.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("room_id", vars["room"]).
		Str("channel_id", vars["channel"]).
		Msg("Portal unlinked")
	w.WriteHeader(http.StatusNoContent)
}
