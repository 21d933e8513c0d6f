package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-espnode/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-espnode/internal/node"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic
	// (prefix/type/protocol/id).
	minTopicParts = 4

	// serviceCallTimeout bounds one call_service execution.
	serviceCallTimeout = 10 * time.Second

	// refreshTimeout bounds one inventory refresh round trip.
	refreshTimeout = 30 * time.Second

	// statePumpBuffer is the dispatcher subscription depth per node. The pump
	// drains into MQTT publishes; a full buffer drops updates rather than
	// blocking the session.
	statePumpBuffer = 64
)

// Bridge binds node sessions to the Gray Logic MQTT bus.
// It handles:
//   - Publishing retained entity state, availability, and discovery snapshots
//   - Executing call_service commands from Core and acknowledging them
//   - Request/response actions and node-originated events
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	bridgeID  string
	version   string
	mqtt      MQTTClient
	store     SnapshotStore   // Optional snapshot store for startup priming and pruning
	telemetry TelemetryWriter // Optional time-series writer
	disc      Discoverer      // Optional mDNS browser

	health    *HealthReporter
	forwarder *hostForwarder

	// Managed sessions (built before Start)
	sessions   map[string]NodeSession
	sessionsMu sync.RWMutex

	// Shutdown coordination
	shuttingDown atomic.Bool
	done         chan struct{}
	wg           sync.WaitGroup
	stopOnce     sync.Once
	ctx          context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel    context.CancelFunc // Cancel function for ctx

	// Logger
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger is the logging interface used throughout the bridge.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error

	// Unsubscribe removes a subscription.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// NodeSession is one managed device connection.
// This interface is satisfied by *node.Session (tests inject fakes).
type NodeSession interface {
	NodeID() string
	Driver() string
	Address() string
	State() node.SessionState
	Info() *node.DeviceInfo
	Identity() *node.Identity
	Stats() node.SessionStats
	UsesPlaintextPassword() bool

	Events() <-chan node.Event
	Dispatcher() *node.Dispatcher
	Registrar() *node.Registrar

	Seed(ctx context.Context) error
	Start(ctx context.Context) error
	Stop()
	Reconnect()
	AddCleanup(fn func())

	ExecuteService(ctx context.Context, name string, args map[string]any) error
	SendHostState(ctx context.Context, entityID, attribute, state string) error
	Refresh(ctx context.Context) (node.EntityDiff, node.ServiceDiff, error)
}

// SnapshotStore is the subset of the snapshot repository the bridge needs:
// enumerating and deleting stored nodes so retained topics for removed nodes
// can be cleared. This interface is satisfied by *node.Store.
type SnapshotStore interface {
	// Inventory retrieves the persisted entity and service snapshot.
	Inventory(ctx context.Context, nodeID string) (*node.Inventory, error)

	// ListNodes returns the IDs of every node with a stored snapshot.
	ListNodes(ctx context.Context) ([]string, error)

	// Delete removes everything stored for a node.
	Delete(ctx context.Context, nodeID string) error
}

// TelemetryWriter records bridge activity to a time-series backend.
// This interface is satisfied by *influxdb.Client (writes are asynchronous).
// It is optional - if nil, the bridge operates without telemetry.
type TelemetryWriter interface {
	// WriteEntityState records a numeric entity state.
	WriteEntityState(nodeID, kind, objectID string, value float64)

	// WriteNodeAvailability records an availability transition.
	WriteNodeAvailability(nodeID string, online bool)

	// WriteServiceCall records a service call outcome and duration.
	WriteServiceCall(nodeID, service string, ok bool, duration time.Duration)
}

// Discoverer reports espnode devices currently visible on the local network.
// This interface is satisfied by the mDNS browser (via adapter in main.go).
// It is optional - if nil, discover requests are rejected.
type Discoverer interface {
	// Instances returns the current browse results.
	Instances() []DiscoveredNode
}

// DiscoveredNode is one mDNS browse result.
// This is a subset of the discovery package's instance fields needed for
// request responses.
type DiscoveredNode struct {
	Name       string `json:"name"`
	Host       string `json:"host,omitempty"`
	Addr       string `json:"addr,omitempty"`
	Port       int    `json:"port,omitempty"`
	MAC        string `json:"mac,omitempty"`
	Version    string `json:"version,omitempty"`
	Board      string `json:"board,omitempty"`
	Configured bool   `json:"configured"`
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// BridgeID is the identifier used in health messages. Default "espnode".
	BridgeID string

	// Version is the bridge software version reported in health messages.
	Version string

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Store is the optional snapshot store used to clear retained topics of
	// nodes removed from configuration.
	Store SnapshotStore

	// Telemetry is the optional time-series writer.
	Telemetry TelemetryWriter

	// Discoverer is the optional mDNS browser backing discover requests.
	Discoverer Discoverer

	// HealthInterval is how often health status is published.
	// Default: 30 seconds.
	HealthInterval time.Duration

	// Logger is optional structured logger.
	Logger Logger
}

// NewBridge creates a new bridge instance.
// Register sessions with AddSession, then call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}

	bridgeID := opts.BridgeID
	if bridgeID == "" {
		bridgeID = Protocol
	}

	// Create bridge-level context for command cancellation on shutdown
	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		bridgeID:  bridgeID,
		version:   opts.Version,
		mqtt:      opts.MQTTClient,
		store:     opts.Store,     // May be nil (optional)
		telemetry: opts.Telemetry, // May be nil (optional)
		disc:      opts.Discoverer,
		sessions:  make(map[string]NodeSession),
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}

	b.forwarder = newHostForwarder(ctx, opts.MQTTClient)
	if opts.Logger != nil {
		b.forwarder.setLogger(opts.Logger)
	}

	// Create health reporter; the bridge itself is the status source
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  bridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Source:    b,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// AddSession registers a node session with the bridge.
// Must be called before Start.
func (b *Bridge) AddSession(sess NodeSession) error {
	if sess == nil {
		return fmt.Errorf("session is required")
	}

	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()

	id := sess.NodeID()
	if _, exists := b.sessions[id]; exists {
		return fmt.Errorf("duplicate node id %q", id)
	}
	b.sessions[id] = sess
	return nil
}

// NodeIDs returns the managed node identifiers in stable order.
func (b *Bridge) NodeIDs() []string {
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()

	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Session returns the session managing the given node.
func (b *Bridge) Session(nodeID string) (NodeSession, bool) {
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()
	sess, ok := b.sessions[nodeID]
	return sess, ok
}

// Start begins bridge operation: retained topics are primed from the
// persisted snapshots, topics of removed nodes are cleared, MQTT
// subscriptions are established, and every session's connection loop starts.
func (b *Bridge) Start(ctx context.Context) error {
	// Seed sessions from the store and prime retained topics so consumers
	// see known entities before the first connection.
	for _, id := range b.NodeIDs() {
		sess, _ := b.Session(id)
		if err := sess.Seed(ctx); err != nil {
			// Non-fatal: the node is treated as never seen and the snapshot
			// is rebuilt on its first connection.
			b.logError("snapshot seed failed", err)
		}
		if sess.Identity() != nil {
			b.publishDiscovery(sess)
		}
		b.publishAvailability(sess, sess.Dispatcher().Available())
	}

	b.pruneRemovedNodes(ctx)

	// Publish starting status
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	// Subscribe to command topics
	commandTopic := mqtt.Topics{}.AllNodeCommands()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	// Subscribe to request topics
	requestTopic := mqtt.Topics{}.AllRequests()
	if err := b.mqtt.Subscribe(requestTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed to requests", "topic", requestTopic)

	// Start the pumps before the sessions so no event or state is missed,
	// then launch every connection loop.
	for _, id := range b.NodeIDs() {
		sess, _ := b.Session(id)
		b.wg.Add(2)
		go b.pumpEvents(sess)
		go b.pumpStates(sess)

		if err := sess.Start(b.ctx); err != nil {
			b.logError("session start failed", err)
		}
	}

	// Start health reporting
	b.health.Start(ctx)

	b.logInfo("bridge started",
		"bridge_id", b.bridgeID,
		"nodes", len(b.NodeIDs()))

	return nil
}

// Stop gracefully shuts down the bridge. Availability topics keep their last
// retained value so a bridge restart is not mistaken for every node dropping
// offline.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.shuttingDown.Store(true)
		close(b.done)

		// Cancel bridge context to abort in-flight service calls
		b.ctxCancel()

		// Stop sessions; each closes its event stream, draining the pumps
		for _, id := range b.NodeIDs() {
			sess, _ := b.Session(id)
			sess.Stop()
		}

		// Wait for pumps to finish
		b.wg.Wait()

		// Stop health reporting (publishes "stopping" status)
		b.health.Stop()

		b.logInfo("bridge stopped")
	})
}

// pruneRemovedNodes clears retained topics and stored snapshots for nodes
// that are in the store but no longer configured.
func (b *Bridge) pruneRemovedNodes(ctx context.Context) {
	if b.store == nil {
		return
	}

	stored, err := b.store.ListNodes(ctx)
	if err != nil {
		b.logError("failed to list stored nodes", err)
		return
	}

	for _, nodeID := range stored {
		if _, configured := b.Session(nodeID); configured {
			continue
		}

		// Clear per-entity state topics first; the inventory is gone once
		// the snapshot is deleted.
		if inv, err := b.store.Inventory(ctx, nodeID); err == nil {
			b.clearEntityStates(nodeID, inv.Entities)
		} else {
			b.logError("failed to load inventory for removed node", err)
		}

		b.clearRetained(mqtt.Topics{}.NodeDiscovery(nodeID))
		b.clearRetained(mqtt.Topics{}.NodeAvailability(nodeID))

		if err := b.store.Delete(ctx, nodeID); err != nil {
			b.logError("failed to delete removed node", err)
			continue
		}
		b.logInfo("pruned removed node", "node_id", nodeID)
	}
}

// pumpEvents drains one session's event stream until it closes on Stop.
func (b *Bridge) pumpEvents(sess NodeSession) {
	defer b.wg.Done()
	for ev := range sess.Events() {
		b.handleEvent(sess, ev)
	}
}

// pumpStates republishes one session's state updates as retained MQTT
// messages until the bridge stops.
func (b *Bridge) pumpStates(sess NodeSession) {
	defer b.wg.Done()

	sub := sess.Dispatcher().SubscribeAll(statePumpBuffer)
	defer sub.Cancel()

	for {
		select {
		case <-b.done:
			return
		case u, ok := <-sub.C():
			if !ok {
				return
			}
			b.publishState(sess, u)
		}
	}
}

// handleEvent reacts to one session lifecycle event.
func (b *Bridge) handleEvent(sess NodeSession, ev node.Event) {
	switch ev.Type {
	case node.EventConnected:
		b.logInfo("node connected",
			"node_id", ev.NodeID,
			"address", sess.Address())
		b.publishAvailability(sess, true)
		b.publishDiscovery(sess)
		b.clearEntityStates(ev.NodeID, ev.Entities.Removed)
		if b.telemetry != nil {
			b.telemetry.WriteNodeAvailability(ev.NodeID, true)
		}

	case node.EventDisconnected:
		if b.shuttingDown.Load() {
			return
		}
		b.logInfo("node disconnected",
			"node_id", ev.NodeID,
			"expected", ev.Expected,
			"reason", ev.Err)
		// Deep-sleep nodes stay available across their scheduled disconnects.
		if !sess.Dispatcher().Available() {
			b.publishAvailability(sess, false)
			if b.telemetry != nil {
				b.telemetry.WriteNodeAvailability(ev.NodeID, false)
			}
		}

	case node.EventConnectFailed:
		// The session retries with backoff and logs the attempt itself.

	case node.EventAuthFailed:
		b.logError("node authentication failed",
			fmt.Errorf("node %s: %w", ev.NodeID, ev.Err))
		b.publishEvent(NewEventMessage(ev.NodeID, EventTypeReauthRequired))
		if err := b.health.PublishNow(); err != nil {
			b.logError("failed to publish health", err)
		}

	case node.EventIdentityMigrated:
		b.logInfo("node identity migrated",
			"node_id", ev.NodeID,
			"old_mac", ev.OldMAC,
			"new_mac", ev.NewMAC)
		msg := NewEventMessage(ev.NodeID, EventTypeIdentityMigrated)
		msg.Data = map[string]string{"old_mac": ev.OldMAC, "new_mac": ev.NewMAC}
		b.publishEvent(msg)

	case node.EventReconciled:
		if !ev.Entities.Empty() || !ev.Services.Empty() {
			b.logInfo("node inventory reconciled",
				"node_id", ev.NodeID,
				"entities_added", len(ev.Entities.Added),
				"entities_removed", len(ev.Entities.Removed),
				"services_registered", len(ev.Services.Register),
				"services_unregistered", len(ev.Services.Unregister))
		}
		b.publishDiscovery(sess)
		b.clearEntityStates(ev.NodeID, ev.Entities.Removed)

	case node.EventRequest:
		b.handleHostRequest(sess, ev)

	default:
		b.logError("unknown session event", fmt.Errorf("type: %s", ev.Type))
	}
}

// handleHostRequest reacts to a node-originated request.
func (b *Bridge) handleHostRequest(sess NodeSession, ev node.Event) {
	req := ev.Request
	if req == nil {
		return
	}

	switch req.Kind {
	case node.RequestHostAction:
		// Forwarded verbatim; an action without a name is unroutable.
		if req.Action == "" {
			b.logError("dropping host action without a name",
				fmt.Errorf("node: %s", ev.NodeID))
			return
		}
		msg := NewEventMessage(ev.NodeID, EventTypeHostAction)
		msg.Action = req.Action
		msg.IsEvent = req.IsEvent
		msg.Data = req.Data
		b.publishEvent(msg)

	case node.RequestVoiceStart:
		b.publishEvent(NewEventMessage(ev.NodeID, EventTypeVoiceStart))

	case node.RequestVoiceEnd:
		b.publishEvent(NewEventMessage(ev.NodeID, EventTypeVoiceEnd))

	case node.RequestStateSubscribe:
		if err := b.forwarder.Add(sess, req.EntityID, req.Attribute); err != nil {
			b.logError("host state subscription failed", err)
		}

	default:
		b.logError("unknown host request", fmt.Errorf("kind: %s", req.Kind))
	}
}

// publishState publishes one entity state as a retained message and records
// numeric readings to telemetry. Unknown keys are skipped; the registrar owns
// the entity inventory and updates for unregistered entities carry no
// object_id to build a topic from.
func (b *Bridge) publishState(sess NodeSession, u node.StateUpdate) {
	info, ok := sess.Registrar().Entity(u.StateKey())
	if !ok {
		b.logDebug("state for unregistered entity",
			"node_id", sess.NodeID(),
			"key", u.StateKey().String())
		return
	}

	nodeID := sess.NodeID()
	msg := NewStateMessage(nodeID, info, u)

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal state", err)
		return
	}

	topic := mqtt.Topics{}.NodeState(nodeID, msg.Kind, msg.ObjectID)
	if err := b.mqtt.Publish(topic, payload, 1, true); err != nil {
		b.logError("failed to publish state", err)
		return
	}

	if b.telemetry != nil && !u.Missing {
		if v, ok := u.Fields["state"].(float64); ok {
			b.telemetry.WriteEntityState(nodeID, msg.Kind, msg.ObjectID, v)
		}
	}
}

// publishAvailability publishes the retained availability message for a node.
func (b *Bridge) publishAvailability(sess NodeSession, online bool) {
	nodeID := sess.NodeID()
	msg := NewAvailabilityMessage(nodeID, online, nodeDeepSleep(sess))

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal availability", err)
		return
	}

	topic := mqtt.Topics{}.NodeAvailability(nodeID)
	if err := b.mqtt.Publish(topic, payload, 1, true); err != nil {
		b.logError("failed to publish availability", err)
	}
}

// nodeDeepSleep reports whether a node declares deep sleep, preferring the
// live descriptor over the persisted identity.
func nodeDeepSleep(sess NodeSession) bool {
	if info := sess.Info(); info != nil {
		return info.HasDeepSleep
	}
	if ident := sess.Identity(); ident != nil {
		return ident.HasDeepSleep
	}
	return false
}

// publishDiscovery publishes the retained metadata snapshot for a node.
func (b *Bridge) publishDiscovery(sess NodeSession) {
	nodeID := sess.NodeID()

	msg := DiscoveryMessage{
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
		Device:    DeviceSummaryFor(sess.Info(), sess.Identity()),
		Entities:  sess.Registrar().Entities(),
		Services:  sess.Registrar().Services(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal discovery", err)
		return
	}

	topic := mqtt.Topics{}.NodeDiscovery(nodeID)
	if err := b.mqtt.Publish(topic, payload, 1, true); err != nil {
		b.logError("failed to publish discovery", err)
	}
}

// publishEvent publishes a non-retained node event.
func (b *Bridge) publishEvent(msg EventMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal event", err)
		return
	}

	topic := mqtt.Topics{}.NodeEvent(msg.NodeID)
	if err := b.mqtt.Publish(topic, payload, 1, false); err != nil {
		b.logError("failed to publish event", err)
	}
}

// clearEntityStates clears the retained state topic of each removed entity.
func (b *Bridge) clearEntityStates(nodeID string, removed []node.EntityInfo) {
	for _, e := range removed {
		b.clearRetained(mqtt.Topics{}.NodeState(nodeID, string(e.Kind), e.ObjectID))
	}
}

// clearRetained removes a retained message with an empty retained publish.
func (b *Bridge) clearRetained(topic string) {
	if err := b.mqtt.Publish(topic, nil, 1, true); err != nil {
		b.logError("failed to clear retained topic", err)
	}
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) error {
	// Parse topic to determine message type
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		return fmt.Errorf("invalid topic format: %s", topic)
	}

	messageType := parts[1] // command, request, etc.

	switch messageType {
	case "command":
		return b.handleCommand(parts[3], payload)
	case "request":
		return b.handleRequest(parts[3], payload)
	default:
		return fmt.Errorf("unknown message type: %s", messageType)
	}
}

// handleCommand processes a command message from Core. nodeID comes from the
// topic path and is authoritative.
func (b *Bridge) handleCommand(nodeID string, payload []byte) error {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("parse command: %w", err)
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"node_id", nodeID,
		"command", cmd.Command,
		"service", cmd.Service)

	sess, ok := b.Session(nodeID)
	if !ok {
		b.publishAckError(cmd, nodeID, ErrCodeNotConfigured,
			fmt.Sprintf("node %s not configured", nodeID))
		return nil
	}

	if cmd.Command != "call_service" {
		b.publishAckError(cmd, nodeID, ErrCodeInvalidCommand,
			fmt.Sprintf("unknown command: %s", cmd.Command))
		return nil
	}
	if cmd.Service == "" {
		b.publishAckError(cmd, nodeID, ErrCodeInvalidParameters,
			"missing 'service' field")
		return nil
	}

	// Derive timeout from bridge context so commands are cancelled on shutdown
	ctx, cancel := context.WithTimeout(b.ctx, serviceCallTimeout)
	defer cancel()

	start := time.Now()
	err := sess.ExecuteService(ctx, cmd.Service, cmd.Args)
	if b.telemetry != nil {
		b.telemetry.WriteServiceCall(nodeID, cmd.Service, err == nil, time.Since(start))
	}

	if err != nil {
		code, message := classifyServiceError(err)
		b.publishAckError(cmd, nodeID, code, message)
		b.logError("service call failed", err)
		return nil
	}

	b.publishAck(cmd, nodeID, AckAccepted)
	return nil
}

// classifyServiceError maps a service call failure to an ack error code.
func classifyServiceError(err error) (code, message string) {
	switch {
	case errors.Is(err, node.ErrServiceNotFound):
		return ErrCodeServiceNotFound, err.Error()
	case errors.Is(err, node.ErrNotConnected):
		return ErrCodeNotConnected, "node is not connected"
	case errors.Is(err, node.ErrInvalidServiceArgs), errors.Is(err, node.ErrUnknownArgType):
		return ErrCodeInvalidParameters, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout, "service call timed out"
	default:
		return ErrCodeBridgeError, err.Error()
	}
}

// publishAck publishes a command acknowledgment.
func (b *Bridge) publishAck(cmd CommandMessage, nodeID string, status AckStatus) {
	ack := NewAckMessage(cmd, nodeID, status)

	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}

	topic := mqtt.Topics{}.NodeAck(nodeID)
	if err := b.mqtt.Publish(topic, payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// publishAckError publishes a failed command acknowledgment.
func (b *Bridge) publishAckError(cmd CommandMessage, nodeID, code, message string) {
	ack := NewAckError(cmd, nodeID, code, message)

	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack error", err)
		return
	}

	topic := mqtt.Topics{}.NodeAck(nodeID)
	if err := b.mqtt.Publish(topic, payload, 1, false); err != nil {
		b.logError("failed to publish ack error", err)
	}
}

// handleRequest processes a request message from Core. requestID comes from
// the topic path and is authoritative for the response topic.
func (b *Bridge) handleRequest(requestID string, payload []byte) error {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.publishResponse(failureResponse(requestID, ErrCodeInvalidParameters,
			"malformed request payload"))
		return fmt.Errorf("parse request: %w", err)
	}
	req.RequestID = requestID

	b.logInfo("received request",
		"request_id", requestID,
		"action", req.Action,
		"node_id", req.NodeID)

	var resp ResponseMessage

	switch req.Action {
	case "reconnect":
		resp = b.handleReconnect(req)
	case "refresh":
		resp = b.handleRefresh(req)
	case "node_info":
		resp = b.handleNodeInfo(req)
	case "discover":
		resp = b.handleDiscover(req)
	default:
		resp = failureResponse(requestID, ErrCodeInvalidCommand,
			fmt.Sprintf("unknown action: %s", req.Action))
	}

	b.publishResponse(resp)
	return nil
}

// handleReconnect forces a node to drop its connection and dial again,
// bypassing the retry backoff. This is also how a parked reauth-required
// session is resumed after a credentials change.
func (b *Bridge) handleReconnect(req RequestMessage) ResponseMessage {
	sess, resp, ok := b.requireNode(req)
	if !ok {
		return resp
	}

	sess.Reconnect()
	return successResponse(req.RequestID, map[string]any{
		"node_id": req.NodeID,
		"message": "reconnect requested",
	})
}

// handleRefresh re-fetches a node's inventory over the live connection.
func (b *Bridge) handleRefresh(req RequestMessage) ResponseMessage {
	sess, resp, ok := b.requireNode(req)
	if !ok {
		return resp
	}

	ctx, cancel := context.WithTimeout(b.ctx, refreshTimeout)
	defer cancel()

	entities, services, err := sess.Refresh(ctx)
	if err != nil {
		if errors.Is(err, node.ErrNotConnected) {
			return failureResponse(req.RequestID, ErrCodeNotConnected,
				"node is not connected")
		}
		return failureResponse(req.RequestID, ErrCodeBridgeError, err.Error())
	}

	return successResponse(req.RequestID, map[string]any{
		"node_id":               req.NodeID,
		"entities_added":        len(entities.Added),
		"entities_removed":      len(entities.Removed),
		"entities_kept":         len(entities.Kept),
		"services_registered":   len(services.Register),
		"services_unregistered": len(services.Unregister),
	})
}

// handleNodeInfo reports one node's session state, descriptor, and counters.
func (b *Bridge) handleNodeInfo(req RequestMessage) ResponseMessage {
	sess, resp, ok := b.requireNode(req)
	if !ok {
		return resp
	}

	device := DeviceSummaryFor(sess.Info(), sess.Identity())

	data := map[string]any{
		"node_id":  sess.NodeID(),
		"driver":   sess.Driver(),
		"address":  sess.Address(),
		"state":    string(sess.State()),
		"entities": len(sess.Registrar().Entities()),
		"services": len(sess.Registrar().Services()),
		"stats":    sess.Stats(),
	}
	if device != nil {
		data["device"] = device
	}

	return successResponse(req.RequestID, data)
}

// handleDiscover reports espnode devices currently visible via mDNS.
func (b *Bridge) handleDiscover(req RequestMessage) ResponseMessage {
	instances, ok := b.DiscoveredNodes()
	if !ok {
		return failureResponse(req.RequestID, ErrCodeNotConfigured,
			"mDNS discovery is disabled")
	}

	return successResponse(req.RequestID, map[string]any{
		"nodes": instances,
	})
}

// DiscoveredNodes reports espnode devices currently visible via mDNS, with
// entries that match a managed session flagged as configured. The second
// return is false when discovery is disabled.
func (b *Bridge) DiscoveredNodes() ([]DiscoveredNode, bool) {
	if b.disc == nil {
		return nil, false
	}

	instances := b.disc.Instances()
	b.markConfigured(instances)
	return instances, true
}

// markConfigured flags browse results that correspond to a managed session,
// matching by normalised MAC first and node name second.
func (b *Bridge) markConfigured(instances []DiscoveredNode) {
	macs := make(map[string]struct{})
	names := make(map[string]struct{})
	for _, id := range b.NodeIDs() {
		sess, _ := b.Session(id)
		names[id] = struct{}{}
		if ident := sess.Identity(); ident != nil && ident.MAC != "" {
			macs[ident.MAC] = struct{}{}
		}
		if info := sess.Info(); info != nil && info.MACAddress != "" {
			macs[node.NormalizeMAC(info.MACAddress)] = struct{}{}
		}
	}

	for i := range instances {
		mac := node.NormalizeMAC(instances[i].MAC)
		if _, ok := macs[mac]; ok && mac != "" {
			instances[i].Configured = true
			continue
		}
		if _, ok := names[instances[i].Name]; ok {
			instances[i].Configured = true
		}
	}
}

// requireNode resolves the session a node-scoped request targets.
func (b *Bridge) requireNode(req RequestMessage) (NodeSession, ResponseMessage, bool) {
	if req.NodeID == "" {
		return nil, failureResponse(req.RequestID, ErrCodeInvalidParameters,
			"node_id is required"), false
	}
	sess, ok := b.Session(req.NodeID)
	if !ok {
		return nil, failureResponse(req.RequestID, ErrCodeNotConfigured,
			fmt.Sprintf("node %s not configured", req.NodeID)), false
	}
	return sess, ResponseMessage{}, true
}

// publishResponse publishes a request response.
func (b *Bridge) publishResponse(resp ResponseMessage) {
	payload, err := json.Marshal(resp)
	if err != nil {
		b.logError("failed to marshal response", err)
		return
	}

	topic := mqtt.Topics{}.Response(resp.RequestID)
	if err := b.mqtt.Publish(topic, payload, 1, false); err != nil {
		b.logError("failed to publish response", err)
	}
}

// successResponse builds a successful response message.
func successResponse(requestID string, data map[string]any) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      data,
	}
}

// failureResponse builds a failed response message.
func failureResponse(requestID, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Error: &ResponseError{
			Code:    code,
			Message: message,
		},
	}
}

// NodeHealth implements StatusSource for the health reporter: one summary
// per session in stable order, plus current operator-facing issues.
func (b *Bridge) NodeHealth() ([]NodeHealth, []HealthIssue) {
	ids := b.NodeIDs()

	nodes := make([]NodeHealth, 0, len(ids))
	var issues []HealthIssue

	for _, id := range ids {
		sess, _ := b.Session(id)
		stats := sess.Stats()

		nodes = append(nodes, NodeHealth{
			NodeID:         id,
			State:          string(stats.State),
			Address:        sess.Address(),
			ConnectedSince: stats.ConnectedSince,
			StatesReceived: stats.StatesReceived,
			Disconnects:    stats.Disconnects,
		})

		if sess.UsesPlaintextPassword() {
			issues = append(issues, HealthIssue{
				NodeID:  id,
				Code:    IssuePlaintextPassword,
				Message: fmt.Sprintf("node %s uses the legacy API password without an encryption key", id),
			})
		}
		if stats.State == node.SessionReauthRequired {
			issues = append(issues, HealthIssue{
				NodeID:  id,
				Code:    IssueReauthRequired,
				Message: fmt.Sprintf("node %s rejected the stored credentials; update them and request a reconnect", id),
			})
		}
	}

	return nodes, issues
}

// Health returns the health reporter, used by the API health endpoint.
func (b *Bridge) Health() *HealthReporter {
	return b.health
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.health != nil {
		b.health.SetLogger(logger)
	}
	if b.forwarder != nil {
		b.forwarder.setLogger(logger)
	}
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
