// Gray Logic ESPNode Bridge
//
// This is the main entry point for the espnode bridge, the Gray Logic
// service that owns persistent connections to ESPHome-compatible nodes
// and represents them on the MQTT bus. The bridge provides:
//   - Retained entity state, availability, and discovery topics per node
//   - Service call execution with acknowledgements
//   - mDNS discovery of unconfigured nodes
//   - An optional REST/WebSocket API for diagnostics and control
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/gray-logic-espnode/migrations"

	"github.com/nerrad567/gray-logic-espnode/internal/api"
	"github.com/nerrad567/gray-logic-espnode/internal/audit"
	"github.com/nerrad567/gray-logic-espnode/internal/bridge"
	"github.com/nerrad567/gray-logic-espnode/internal/discovery"
	"github.com/nerrad567/gray-logic-espnode/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-espnode/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-espnode/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-espnode/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-espnode/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-espnode/internal/node"

	// Drivers register themselves on import. The sim driver ships in-tree
	// for development and soak testing; hardware drivers are added here.
	_ "github.com/nerrad567/gray-logic-espnode/internal/node/sim"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	// This is the Go pattern for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Run the application
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting espnode bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath, "nodes", len(cfg.Nodes))

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Snapshot store: persisted identities and inventories let the bridge
	// prime retained topics before the first device connection.
	store := node.NewStore(db.DB)

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Set up MQTT logging callbacks
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		// Set up InfluxDB error callback
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Start mDNS discovery (optional). The browser doubles as the resolver
	// for sessions configured with ".local" hostnames.
	var browser *discovery.Browser
	if cfg.Discovery.Enabled {
		browser = discovery.NewBrowser(discovery.Options{
			Service:    cfg.Discovery.Service,
			Domain:     cfg.Discovery.Domain,
			Interfaces: cfg.Discovery.Interfaces,
			Logger:     log,
		})
		browser.Start()
		defer func() {
			log.Info("stopping mDNS discovery")
			browser.Stop()
		}()
		log.Info("mDNS discovery started",
			"service", cfg.Discovery.Service,
			"domain", cfg.Discovery.Domain,
		)
	} else {
		log.Info("mDNS discovery disabled")
	}

	// Assemble the bridge and its node sessions
	espBridge, err := buildBridge(cfg, mqttClient, store, influxClient, browser, log)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := addSessions(cfg, espBridge, store, browser, log); err != nil {
		return fmt.Errorf("building node sessions: %w", err)
	}

	// Start the bridge: retained topics are primed from the store, command
	// subscriptions established, and every session's retry loop launched.
	if err := espBridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		espBridge.Stop()
	}()
	log.Info("bridge started", "bridge_id", cfg.Bridge.ID, "nodes", len(cfg.Nodes))

	// Start API server (optional)
	if cfg.API.Enabled {
		apiServer, apiErr := startAPI(ctx, cfg, espBridge, mqttClient, db, log)
		if apiErr != nil {
			return fmt.Errorf("starting API server: %w", apiErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. API server (if enabled)
	// 2. Bridge (stops sessions, final availability pass)
	// 3. mDNS discovery (if enabled)
	// 4. InfluxDB (if enabled)
	// 5. MQTT
	// 6. Database

	log.Info("espnode bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses ESPNODE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("ESPNODE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	// Check database
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	// Check MQTT
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	// Check InfluxDB (if enabled)
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// Node sessions are intentionally excluded: an unreachable device is a
	// normal operating condition, reported via availability topics instead.

	return nil
}

// buildBridge assembles the bridge with its optional collaborators.
//
// Parameters:
//   - cfg: Application configuration
//   - mqttClient: Connected MQTT client
//   - store: Snapshot store for priming and pruning retained topics
//   - influxClient: Telemetry writer (nil when disabled)
//   - browser: mDNS browser (nil when disabled)
//   - log: Logger instance
//
// Returns:
//   - *bridge.Bridge: Bridge ready for AddSession/Start
//   - error: If construction fails
func buildBridge(cfg *config.Config, mqttClient *mqtt.Client, store *node.Store, influxClient *influxdb.Client, browser *discovery.Browser, log *logging.Logger) (*bridge.Bridge, error) {
	opts := bridge.BridgeOptions{
		BridgeID:       cfg.Bridge.ID,
		Version:        version,
		MQTTClient:     mqttClient,
		Store:          store,
		HealthInterval: cfg.GetHealthInterval(),
		Logger:         log,
	}

	// Optional collaborators are only assigned when present. Storing a nil
	// *influxdb.Client in the interface field would defeat the bridge's
	// nil checks.
	if influxClient != nil {
		opts.Telemetry = influxClient
	}
	if browser != nil {
		opts.Discoverer = &discovererAdapter{browser: browser}
	}

	return bridge.NewBridge(opts)
}

// addSessions creates one session per configured node and registers it with
// the bridge. Sessions are not started here; the bridge starts them so its
// event pumps are attached first.
//
// Parameters:
//   - cfg: Application configuration
//   - espBridge: Bridge to register sessions with
//   - store: Snapshot store for identity/inventory persistence
//   - browser: mDNS browser used as ".local" resolver (nil when disabled)
//   - log: Logger instance
//
// Returns:
//   - error: If any session fails to construct or register
func addSessions(cfg *config.Config, espBridge *bridge.Bridge, store *node.Store, browser *discovery.Browser, log *logging.Logger) error {
	var resolver node.HostResolver
	if browser != nil {
		resolver = browser
	}

	for _, nc := range cfg.Nodes {
		sess, err := node.NewSession(node.SessionConfig{
			NodeID:        nc.ID,
			Driver:        nc.Driver,
			Host:          nc.Host,
			Port:          nc.Port,
			Password:      nc.Password.Value(),
			EncryptionKey: nc.EncryptionKey.Value(),
		}, node.SessionDeps{
			Store:    store,
			Resolver: resolver,
			Logger:   log.With("node_id", nc.ID),
		})
		if err != nil {
			return fmt.Errorf("creating session for %q: %w", nc.ID, err)
		}

		if err := espBridge.AddSession(sess); err != nil {
			return fmt.Errorf("registering session for %q: %w", nc.ID, err)
		}

		log.Info("node session registered",
			"node_id", nc.ID,
			"driver", nc.Driver,
			"host", nc.Host,
		)
	}

	return nil
}

// startAPI initialises and starts the HTTP API server.
//
// Parameters:
//   - ctx: Context bounding the server's background goroutines
//   - cfg: Application configuration
//   - espBridge: Bridge exposing sessions and discovery to the API
//   - mqttClient: MQTT client backing the WebSocket relay
//   - db: Database backing the audit trail
//   - log: Logger instance
//
// Returns:
//   - *api.Server: Running API server
//   - error: If the server fails to construct or start
func startAPI(ctx context.Context, cfg *config.Config, espBridge *bridge.Bridge, mqttClient *mqtt.Client, db *database.DB, log *logging.Logger) (*api.Server, error) {
	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log,
		Bridge:   espBridge,
		MQTT:     mqttClient,
		Audit:    audit.NewSQLiteRepository(db.DB),
		Version:  version,
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}

	if err := server.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting API server: %w", err)
	}

	log.Info("API server started",
		"host", cfg.API.Host,
		"port", cfg.API.Port,
		"tls", cfg.API.TLS.Enabled,
	)

	return server, nil
}

// discovererAdapter adapts the mDNS browser to the bridge's Discoverer
// interface. The browser caches full instance records; the bridge only
// consumes the subset that appears in discover responses.
type discovererAdapter struct {
	browser *discovery.Browser
}

// Instances implements bridge.Discoverer.
func (a *discovererAdapter) Instances() []bridge.DiscoveredNode {
	instances := a.browser.Instances()
	nodes := make([]bridge.DiscoveredNode, 0, len(instances))
	for _, inst := range instances {
		nodes = append(nodes, bridge.DiscoveredNode{
			Name:    inst.Name,
			Host:    inst.Host,
			Addr:    inst.Addr,
			Port:    inst.Port,
			MAC:     inst.MAC,
			Version: inst.Version,
			Board:   inst.Board,
		})
	}
	return nodes
}
