package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-espnode/internal/audit"
	"github.com/nerrad567/gray-logic-espnode/internal/auth"
	"github.com/nerrad567/gray-logic-espnode/internal/bridge"
	"github.com/nerrad567/gray-logic-espnode/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-espnode/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-espnode/internal/infrastructure/mqtt"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Bridge is the view of the espnode bridge the HTTP server exposes: session
// enumeration, per-node health, and current mDNS browse results. Satisfied
// by *bridge.Bridge.
type Bridge interface {
	NodeIDs() []string
	Session(nodeID string) (bridge.NodeSession, bool)
	NodeHealth() ([]bridge.NodeHealth, []bridge.HealthIssue)
	DiscoveredNodes() ([]bridge.DiscoveredNode, bool)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Bridge   Bridge
	MQTT     *mqtt.Client     // optional: enables the WebSocket relay
	Audit    audit.Repository // optional: enables the audit trail
	Version  string
}

// Server is the diagnostics and control HTTP server for the espnode bridge.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	bridge    Bridge
	mqtt      *mqtt.Client
	keychain  *auth.Keychain
	auditRepo audit.Repository
	auditCh   chan *audit.Entry
	version   string
	server    *http.Server
	hub       *Hub
	cancel    context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called. The bearer-token
// keychain is built from security.tokens; config validation guarantees at
// least one token when the API is enabled.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}
	// MQTT and Audit are optional — the WebSocket relay and audit trail are
	// disabled without them but the node endpoints still function.

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		bridge:    deps.Bridge,
		mqtt:      deps.MQTT,
		auditRepo: deps.Audit,
		keychain:  auth.NewKeychain(apiTokens(deps.Security.Tokens)),
		version:   deps.Version,
	}
	if deps.Audit != nil {
		s.auditCh = make(chan *audit.Entry, auditChanSize)
	}
	return s, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub, subscribes to the bridge
// MQTT topics for the WebSocket relay, and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)

	// Serialise audit writes through one goroutine
	if s.auditCh != nil {
		go s.drainAuditLog(srvCtx)
	}

	// Relay bridge bus traffic to WebSocket subscribers
	if err := s.subscribeBusUpdates(); err != nil {
		s.logger.Warn("failed to subscribe to bus updates for WebSocket relay", "error", err)
	}

	// Build router
	router := s.buildRouter()

	// Create HTTP server
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	// Start listening in background
	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// apiTokens converts configured bearer-token entries to keychain entries.
func apiTokens(entries []config.APITokenConfig) []auth.APIToken {
	tokens := make([]auth.APIToken, 0, len(entries))
	for _, e := range entries {
		tokens = append(tokens, auth.APIToken{Name: e.Name, Hash: e.Hash})
	}
	return tokens
}
