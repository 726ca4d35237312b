// Package gateway serves the HTTP/WebSocket API a front end drives the
// router through: config, per-event orderbook/route queries, order
// creation, and a live order-update stream. It never relays funds or
// places venue orders itself — every write only creates or marks an order,
// and internal/orderstate.Machine picks the work up on its own tick.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"premarket-router/internal/config"
	"premarket-router/internal/venue"
	"premarket-router/pkg/types"
)

// Server runs the HTTP/WebSocket gateway.
type Server struct {
	cfg      config.GatewayConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires routes and returns a Server ready to Start.
func NewServer(cfg config.Config, venues map[types.VenueID]venue.Adapter, events *EventRegistry, store OrderStore, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(venues, events, store, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/config", handlers.HandleConfig)
	mux.HandleFunc("/api/event-platforms", handlers.HandleEventPlatforms)
	mux.HandleFunc("/api/orderbook/all", handlers.HandleOrderBookAll)
	mux.HandleFunc("/api/route", handlers.HandleRoute)
	mux.HandleFunc("/api/positions", handlers.HandlePositions)
	mux.HandleFunc("/api/order", methodRouter(logger, map[string]http.HandlerFunc{
		http.MethodPost: handlers.HandleCreateBuyOrder,
	}))
	mux.HandleFunc("/api/sell", methodRouter(logger, map[string]http.HandlerFunc{
		http.MethodPost: handlers.HandleCreateSellOrder,
	}))
	mux.HandleFunc("/api/order/", pathParamHandler(logger, "/api/order/", handlers.HandleGetOrder))
	mux.HandleFunc("/api/kill-order/", pathParamHandler(logger, "/api/kill-order/", handlers.HandleKillOrder))
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg.Gateway,
		hub:      hub,
		handlers: handlers,
		server:   httpServer,
		logger:   logger.With("component", "gateway-server"),
	}
}

// Start runs the hub and HTTP server until Stop is called. It blocks, so
// callers run it in its own goroutine.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("gateway starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping gateway")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func methodRouter(logger *slog.Logger, byMethod map[string]http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := byMethod[r.Method]; ok {
			handler(w, r)
			return
		}
		writeError(w, logger, "method not allowed")
	}
}

// pathParamHandler extracts the path segment after prefix and hands it to
// handler as the {id} parameter.
func pathParamHandler(logger *slog.Logger, prefix string, handler func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, prefix)
		if id == "" || strings.Contains(id, "/") {
			writeError(w, logger, "not found")
			return
		}
		handler(w, r, id)
	}
}
