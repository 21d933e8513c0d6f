package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-espnode/internal/node"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Health check (no auth required)
	r.Get("/health", s.handleHealth)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket auth is the ticket query parameter: browsers cannot
		// attach an Authorization header to a WebSocket dial, so the
		// endpoint sits outside the bearer group and the handler verifies
		// the ticket itself.
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// Node endpoints
			r.Route("/nodes", func(r chi.Router) {
				r.Get("/", s.handleListNodes)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetNode)
					r.Get("/entities", s.handleNodeEntities)
					r.Get("/services", s.handleNodeServices)
					r.Post("/services/{name}", s.handleCallService)
					r.Post("/reconnect", s.handleReconnect)
					r.Post("/refresh", s.handleRefresh)
				})
			})

			// mDNS browse results
			r.Get("/discovery", s.handleDiscovery)

			// Audit trail of control actions
			r.Get("/audit", s.handleListAudit)

			// WS ticket requires authentication - the ticket carries the
			// credential name of the caller that minted it
			r.Post("/ws/ticket", s.handleWSTicket)
		})
	})

	return r
}

// handleHealth returns the server health status and a node connection
// summary.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	nodes, issues := s.bridge.NodeHealth()

	connected := 0
	for _, n := range nodes {
		if n.State == string(node.SessionConnected) {
			connected++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"nodes":     len(nodes),
		"connected": connected,
		"issues":    len(issues),
	})
}
