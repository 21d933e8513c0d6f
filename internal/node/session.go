package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Session tuning defaults. Reconnect delays follow the same backoff shape as
// the rest of the platform's protocol clients.
const (
	defaultDialTimeout    = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second

	defaultReconnectInitial = 5 * time.Second
	defaultReconnectMax     = 2 * time.Minute
	reconnectBackoffFactor  = 1.5

	defaultNodePort = 6053

	// eventBufferSize bounds the session event channel. Lifecycle events are
	// low-rate; node requests can burst, so leave headroom.
	eventBufferSize = 64

	resolveTimeout = 3 * time.Second
)

// SessionState describes where a session is in its lifecycle.
type SessionState string

const (
	// SessionDisconnected: no connection, retry loop active.
	SessionDisconnected SessionState = "disconnected"

	// SessionConnecting: a dial or handshake is in flight.
	SessionConnecting SessionState = "connecting"

	// SessionConnected: live connection with streams attached.
	SessionConnected SessionState = "connected"

	// SessionReauthRequired: the device rejected our credentials. The
	// session is parked and will not dial again until Reconnect is called
	// (typically after a config change).
	SessionReauthRequired SessionState = "reauth_required"

	// SessionStopped: Stop was called; terminal.
	SessionStopped SessionState = "stopped"
)

// EventType classifies session events.
type EventType string

const (
	// EventConnected fires after the full connect pipeline: device info,
	// identity, reconciliation, stream subscriptions, snapshot persisted.
	EventConnected EventType = "connected"

	// EventConnectFailed fires when a dial or handshake fails for a plain
	// connection reason. The retry loop continues.
	EventConnectFailed EventType = "connect_failed"

	// EventAuthFailed fires when the device rejects credentials. The
	// session parks in SessionReauthRequired.
	EventAuthFailed EventType = "auth_failed"

	// EventDisconnected fires after the disconnect pipeline has run.
	EventDisconnected EventType = "disconnected"

	// EventIdentityMigrated fires when a device-info fetch reported a
	// different hardware identifier than the persisted one.
	EventIdentityMigrated EventType = "identity_migrated"

	// EventReconciled fires after an explicit Refresh re-listed the
	// device's inventory.
	EventReconciled EventType = "reconciled"

	// EventRequest wraps a node-originated request (host action, host-state
	// subscription, voice session boundary).
	EventRequest EventType = "request"
)

// Event is one session notification. Consumers receive these from
// Session.Events; which fields are set depends on Type.
type Event struct {
	Type   EventType
	NodeID string

	// Info is the last fetched device descriptor (EventConnected,
	// EventReconciled).
	Info *DeviceInfo

	// Entities and Services carry reconciliation outcomes (EventConnected,
	// EventReconciled).
	Entities EntityDiff
	Services ServiceDiff

	// Request is set for EventRequest.
	Request *HostRequest

	// Err is the failure or disconnect reason (EventConnectFailed,
	// EventAuthFailed, EventDisconnected).
	Err error

	// Expected is true for disconnects the host initiated (stop, manual
	// reconnect). Expected disconnects are not connection failures.
	Expected bool

	// OldMAC and NewMAC are set for EventIdentityMigrated.
	OldMAC string
	NewMAC string
}

// HostResolver maps an mDNS hostname to a dialable address. Implemented by
// the discovery browser; optional.
type HostResolver interface {
	Resolve(ctx context.Context, host string) (string, error)
}

// SessionConfig is the per-node configuration a session runs with.
type SessionConfig struct {
	// NodeID is the bridge-local node identifier (topic path segment).
	NodeID string

	// Driver selects the registered protocol driver. Ignored when
	// SessionDeps.Dial is set directly.
	Driver string

	// Host and Port address the device. Hosts ending in ".local" are
	// resolved through the HostResolver when one is configured.
	Host string
	Port int

	// Password is the legacy plaintext API password.
	Password string

	// EncryptionKey is the transport pre-shared key.
	EncryptionKey string

	DialTimeout      time.Duration
	RequestTimeout   time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// SessionDeps are the injectable collaborators of a session. Everything is
// optional except that either cfg.Driver or Dial must identify a driver.
type SessionDeps struct {
	// Dial overrides driver lookup. Tests inject fakes here.
	Dial DialFunc

	// Store persists identity and inventory snapshots. Nil disables
	// persistence (and seeding).
	Store SnapshotStore

	// Resolver resolves ".local" hostnames before dialling.
	Resolver HostResolver

	Logger Logger
}

// SessionStats is a point-in-time snapshot of session counters.
type SessionStats struct {
	State            SessionState    `json:"state"`
	Connects         uint64          `json:"connects"`
	ConnectFailures  uint64          `json:"connect_failures"`
	AuthFailures     uint64          `json:"auth_failures"`
	Disconnects      uint64          `json:"disconnects"`
	StatesReceived   uint64          `json:"states_received"`
	RequestsReceived uint64          `json:"requests_received"`
	ConnectedSince   *time.Time      `json:"connected_since,omitempty"`
	Dispatcher       DispatcherStats `json:"dispatcher"`
}

// Session owns one persistent connection to a single espnode device: the
// background retry loop, the connect and disconnect pipelines, and the
// per-node registrar and dispatcher.
//
// Lifecycle: NewSession -> Seed (optional) -> Start -> Stop. Events must be
// drained by exactly one consumer from Start until the channel closes
// (during Stop).
type Session struct {
	cfg      SessionConfig
	dial     DialFunc
	store    SnapshotStore
	resolver HostResolver
	logger   Logger

	registrar  *Registrar
	dispatcher *Dispatcher

	events chan Event

	mu       sync.Mutex
	client   Client
	cleanups []func()
	identity *Identity
	info     *DeviceInfo
	state    SessionState

	connectedSince atomic.Int64 // unix nanos; 0 while disconnected

	reconnectCh chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	runWG       sync.WaitGroup
	pumpWG      sync.WaitGroup

	connects         atomic.Uint64
	connectFailures  atomic.Uint64
	authFailures     atomic.Uint64
	disconnects      atomic.Uint64
	statesReceived   atomic.Uint64
	requestsReceived atomic.Uint64
}

// NewSession creates a session for one configured node. It fails fast on a
// missing node ID or an unknown driver; it does not touch the network.
func NewSession(cfg SessionConfig, deps SessionDeps) (*Session, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node: session requires a node ID")
	}

	dial := deps.Dial
	if dial == nil {
		var err error
		dial, err = lookupDriver(cfg.Driver)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Port == 0 {
		cfg.Port = defaultNodePort
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = defaultReconnectInitial
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}

	return &Session{
		cfg:         cfg,
		dial:        dial,
		store:       deps.Store,
		resolver:    deps.Resolver,
		logger:      deps.Logger,
		registrar:   NewRegistrar(),
		dispatcher:  NewDispatcher(),
		events:      make(chan Event, eventBufferSize),
		reconnectCh: make(chan struct{}, 1),
		done:        make(chan struct{}),
		state:       SessionDisconnected,
	}, nil
}

// Seed primes the registrar and identity cache from the persisted store so
// consumers can populate before the first connection. Call before Start.
// A node that has never been stored is not an error.
func (s *Session) Seed(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	ident, err := s.store.Identity(ctx, s.cfg.NodeID)
	switch {
	case err == nil:
		s.mu.Lock()
		s.identity = ident
		s.mu.Unlock()
		s.dispatcher.SetDeepSleep(ident.HasDeepSleep)
	case errors.Is(err, ErrSnapshotNotFound):
		return nil
	default:
		return fmt.Errorf("loading identity for %s: %w", s.cfg.NodeID, err)
	}

	inv, err := s.store.Inventory(ctx, s.cfg.NodeID)
	if err != nil {
		return fmt.Errorf("loading inventory for %s: %w", s.cfg.NodeID, err)
	}
	// Snapshots written before the argument-type rules tightened may still
	// carry a service this side cannot marshal; filter on the way in so the
	// seeded listing matches what a live reconciliation would produce.
	services, skipped := SupportedServices(inv.Services)
	for _, err := range skipped {
		s.logWarn("dropping stored service with unsupported argument type",
			"node_id", s.cfg.NodeID, "error", err)
	}
	s.registrar.Seed(inv.Entities, services)

	s.logDebug("seeded from snapshot store",
		"node_id", s.cfg.NodeID,
		"entities", len(inv.Entities),
		"services", len(services),
	)
	return nil
}

// Start launches the background connection loop. The context bounds the
// whole session: cancelling it behaves like Stop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == SessionStopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	s.mu.Unlock()

	s.runWG.Add(1)
	go s.run(ctx)
	return nil
}

// Stop tears the session down: the connection is closed, the disconnect
// pipeline runs one final time, and the events channel is closed once all
// background work has drained. Safe to call multiple times.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		cli := s.client
		s.mu.Unlock()
		if cli != nil {
			_ = cli.Close()
		}

		s.runWG.Wait()
		s.setState(SessionStopped)
		close(s.events)
	})
}

// Events returns the session event stream. Closed by Stop.
func (s *Session) Events() <-chan Event { return s.events }

// Dispatcher returns the per-node state fan-out.
func (s *Session) Dispatcher() *Dispatcher { return s.dispatcher }

// Registrar returns the per-node entity/service snapshot.
func (s *Session) Registrar() *Registrar { return s.registrar }

// NodeID returns the configured node identifier.
func (s *Session) NodeID() string { return s.cfg.NodeID }

// Driver returns the configured driver name.
func (s *Session) Driver() string { return s.cfg.Driver }

// Address returns the configured "host:port" for diagnostics.
func (s *Session) Address() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// UsesPlaintextPassword reports whether this node is configured with the
// legacy password and no encryption key. Surfaced as a health issue.
func (s *Session) UsesPlaintextPassword() bool {
	return s.cfg.Password != "" && s.cfg.EncryptionKey == ""
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns the device descriptor from the most recent connection, or nil
// before the first successful handshake.
func (s *Session) Info() *DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info == nil {
		return nil
	}
	info := *s.info
	return &info
}

// Identity returns the cached persisted identity, or nil when the node has
// never been seen.
func (s *Session) Identity() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil
	}
	ident := *s.identity
	return &ident
}

// Stats returns a snapshot of session counters.
func (s *Session) Stats() SessionStats {
	stats := SessionStats{
		State:            s.State(),
		Connects:         s.connects.Load(),
		ConnectFailures:  s.connectFailures.Load(),
		AuthFailures:     s.authFailures.Load(),
		Disconnects:      s.disconnects.Load(),
		StatesReceived:   s.statesReceived.Load(),
		RequestsReceived: s.requestsReceived.Load(),
		Dispatcher:       s.dispatcher.Stats(),
	}
	if since := s.connectedSince.Load(); since != 0 {
		t := time.Unix(0, since)
		stats.ConnectedSince = &t
	}
	return stats
}

// AddCleanup registers a callback to run (once) on the next disconnect.
// Used for host-side resources tied to the connection, like host-state
// forwarding subscriptions.
func (s *Session) AddCleanup(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, fn)
}

// Reconnect drops the current connection (if any) and dials again
// immediately, skipping the backoff. It also unparks a session waiting in
// SessionReauthRequired, which is how a credentials change takes effect.
func (s *Session) Reconnect() {
	select {
	case s.reconnectCh <- struct{}{}:
	default:
	}
}

// ExecuteService invokes a device service by name with the given arguments.
func (s *Session) ExecuteService(ctx context.Context, name string, args map[string]any) error {
	svc, ok := s.registrar.ServiceByName(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrServiceNotFound, name)
	}
	if err := ValidateServiceArgs(svc); err != nil {
		return err
	}
	call, err := BuildServiceCall(svc, args)
	if err != nil {
		return err
	}

	cli := s.currentClient()
	if cli == nil {
		return ErrNotConnected
	}
	if err := cli.ExecuteService(ctx, call); err != nil {
		return fmt.Errorf("executing service %q: %w", name, err)
	}
	return nil
}

// SendHostState pushes a host entity state to the device. No-op result
// ErrNotConnected while disconnected; the device re-requests its
// subscriptions on reconnect.
func (s *Session) SendHostState(ctx context.Context, entityID, attribute, state string) error {
	cli := s.currentClient()
	if cli == nil {
		return ErrNotConnected
	}
	return cli.SendHostState(ctx, entityID, attribute, state)
}

// Refresh re-fetches the entity and service inventory over the live
// connection and reconciles it, emitting EventReconciled.
func (s *Session) Refresh(ctx context.Context) (EntityDiff, ServiceDiff, error) {
	cli := s.currentClient()
	if cli == nil {
		return EntityDiff{}, ServiceDiff{}, ErrNotConnected
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	inv, err := cli.ListEntities(reqCtx)
	if err != nil {
		return EntityDiff{}, ServiceDiff{}, fmt.Errorf("listing entities: %w", err)
	}

	diff, sdiff := s.applyInventory(ctx, inv)
	s.emit(Event{Type: EventReconciled, Info: s.Info(), Entities: diff, Services: sdiff})
	return diff, sdiff, nil
}

// run is the background connection loop: dial, pipeline, wait for the drop,
// run the disconnect pipeline, back off, repeat. Auth failures park the loop
// until Reconnect.
func (s *Session) run(ctx context.Context) {
	defer s.runWG.Done()

	delay := s.cfg.ReconnectInitial
	for {
		if s.State() == SessionReauthRequired {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.reconnectCh:
				s.logInfo("reauth: manual reconnect requested", "node_id", s.cfg.NodeID)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		s.setState(SessionConnecting)
		cli, err := s.connect(ctx)
		if err != nil {
			if IsAuthError(err) {
				s.authFailures.Add(1)
				s.setState(SessionReauthRequired)
				s.logError("authentication failed, re-authentication required",
					"node_id", s.cfg.NodeID, "error", err)
				s.emit(Event{Type: EventAuthFailed, Err: err})
				continue
			}

			s.connectFailures.Add(1)
			s.setState(SessionDisconnected)
			s.logWarn("connection attempt failed",
				"node_id", s.cfg.NodeID,
				"address", s.Address(),
				"retry_in", delay.String(),
				"error", err)
			s.emit(Event{Type: EventConnectFailed, Err: err})

			if !s.waitBackoff(ctx, delay) {
				return
			}
			delay = nextDelay(delay, s.cfg.ReconnectMax)
			continue
		}
		delay = s.cfg.ReconnectInitial

		select {
		case <-ctx.Done():
			s.disconnect(cli, nil, true)
			return
		case <-s.done:
			s.disconnect(cli, nil, true)
			return
		case <-s.reconnectCh:
			s.logInfo("manual reconnect requested", "node_id", s.cfg.NodeID)
			s.disconnect(cli, nil, true)
			continue
		case <-cli.Done():
			s.disconnect(cli, cli.Err(), false)
			continue
		}
	}
}

// waitBackoff sleeps for the retry delay. Returns false when the session is
// shutting down; a manual reconnect request cuts the wait short.
func (s *Session) waitBackoff(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	case <-s.reconnectCh:
		return true
	case <-timer.C:
		return true
	}
}

func nextDelay(current, maxDelay time.Duration) time.Duration {
	next := time.Duration(float64(current) * reconnectBackoffFactor)
	if next > maxDelay {
		next = maxDelay
	}
	return next
}

// connect dials the device and runs the connect pipeline. On any pipeline
// failure the connection is closed and the error returned; the caller
// decides between retry and reauth parking.
func (s *Session) connect(ctx context.Context) (Client, error) {
	host := s.resolveHost(ctx)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	cli, err := s.dial(dialCtx, DialConfig{
		NodeID:        s.cfg.NodeID,
		Host:          host,
		Port:          s.cfg.Port,
		Password:      s.cfg.Password,
		EncryptionKey: s.cfg.EncryptionKey,
		Timeout:       s.cfg.DialTimeout,
	})
	cancel()
	if err != nil {
		return nil, err
	}

	if err := s.handshake(ctx, cli); err != nil {
		_ = cli.Close()
		s.dispatcher.SetConnected(false)
		return nil, err
	}
	return cli, nil
}

// handshake runs the post-dial pipeline: device info, identity, listing,
// reconciliation, stream subscriptions, snapshot persistence.
func (s *Session) handshake(ctx context.Context, cli Client) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	info, err := cli.DeviceInfo(reqCtx)
	if err != nil {
		return fmt.Errorf("fetching device info: %w", err)
	}
	s.applyDeviceInfo(ctx, info)

	// The device is reachable and identified; flip availability before the
	// potentially slow inventory fetch, matching how consumers expect a
	// reconnecting node to come back.
	s.dispatcher.SetConnected(true)

	inv, err := cli.ListEntities(reqCtx)
	if err != nil {
		return fmt.Errorf("listing entities: %w", err)
	}
	diff, sdiff := s.applyInventory(ctx, inv)

	states, err := cli.SubscribeStates(reqCtx)
	if err != nil {
		return fmt.Errorf("subscribing to states: %w", err)
	}
	requests, err := cli.SubscribeRequests(reqCtx)
	if err != nil {
		return fmt.Errorf("subscribing to requests: %w", err)
	}

	s.mu.Lock()
	s.client = cli
	s.mu.Unlock()

	s.pumpWG.Add(2)
	go s.pumpStates(states)
	go s.pumpRequests(requests)

	s.connects.Add(1)
	s.connectedSince.Store(time.Now().UnixNano())
	s.setState(SessionConnected)

	s.logInfo("connected",
		"node_id", s.cfg.NodeID,
		"name", info.Name,
		"mac", NormalizeMAC(info.MACAddress),
		"entities", len(inv.Entities),
		"services", len(inv.Services),
	)
	s.emit(Event{Type: EventConnected, Info: s.Info(), Entities: diff, Services: sdiff})
	return nil
}

// resolveHost maps ".local" hostnames through the resolver when one is
// available. Resolution failure falls back to the configured host; the OS
// resolver may still handle it.
func (s *Session) resolveHost(ctx context.Context) string {
	host := s.cfg.Host
	if s.resolver == nil || !strings.HasSuffix(host, ".local") {
		return host
	}

	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	resolved, err := s.resolver.Resolve(rctx, host)
	if err != nil || resolved == "" {
		s.logDebug("mdns resolution failed, using configured host",
			"node_id", s.cfg.NodeID, "host", host, "error", err)
		return host
	}
	return resolved
}

// applyDeviceInfo caches the descriptor and keeps the persisted identity
// current. A changed hardware identifier migrates the identity record
// exactly once and emits EventIdentityMigrated; an unchanged one only
// refreshes drifting fields (name, firmware).
func (s *Session) applyDeviceInfo(ctx context.Context, info *DeviceInfo) {
	fresh := identityFromInfo(info)

	s.mu.Lock()
	prev := s.identity
	s.mu.Unlock()

	var migratedFrom string
	needsSave := false
	switch {
	case prev == nil:
		needsSave = true
	case prev.MAC != fresh.MAC:
		migratedFrom = prev.MAC
		needsSave = true
		s.logWarn("hardware identifier changed, migrating persisted identity",
			"node_id", s.cfg.NodeID, "old_mac", prev.MAC, "new_mac", fresh.MAC)
	case identityDrifted(prev, fresh):
		needsSave = true
	}

	if needsSave && s.store != nil {
		if err := s.store.SaveIdentity(ctx, s.cfg.NodeID, fresh); err != nil {
			s.logError("persisting node identity failed",
				"node_id", s.cfg.NodeID, "error", err)
		}
	}

	s.mu.Lock()
	s.identity = fresh
	s.info = info
	s.mu.Unlock()

	s.dispatcher.SetDeepSleep(info.HasDeepSleep)

	if migratedFrom != "" {
		s.emit(Event{Type: EventIdentityMigrated, OldMAC: migratedFrom, NewMAC: fresh.MAC})
	}
}

func identityDrifted(prev, fresh *Identity) bool {
	return prev.Name != fresh.Name ||
		prev.Model != fresh.Model ||
		prev.Manufacturer != fresh.Manufacturer ||
		prev.SoftwareVersion != fresh.SoftwareVersion ||
		prev.HasDeepSleep != fresh.HasDeepSleep
}

// applyInventory reconciles a fresh listing, trims removed keys from the
// dispatcher and persists the snapshot. Persistence failures are logged,
// never escalated: the live session wins over the cache.
func (s *Session) applyInventory(ctx context.Context, inv *Inventory) (EntityDiff, ServiceDiff) {
	// A service declaring an argument type this side cannot marshal is
	// withheld entirely: it never registers, persists or publishes. The
	// remaining services are unaffected.
	services, skipped := SupportedServices(inv.Services)
	for _, err := range skipped {
		s.logWarn("skipping service with unsupported argument type",
			"node_id", s.cfg.NodeID, "error", err)
	}
	inv.Services = services

	diff := s.registrar.ApplyEntities(inv.Entities)
	sdiff := s.registrar.ApplyServices(services)

	if len(diff.Removed) > 0 {
		removed := make([]StateKey, 0, len(diff.Removed))
		for _, e := range diff.Removed {
			removed = append(removed, e.StateKey())
		}
		s.dispatcher.RemoveKeys(removed)
	}

	if !diff.Empty() || !sdiff.Empty() {
		s.logInfo("inventory reconciled",
			"node_id", s.cfg.NodeID,
			"added", len(diff.Added),
			"removed", len(diff.Removed),
			"kept", len(diff.Kept),
			"services_registered", len(sdiff.Register),
			"services_unregistered", len(sdiff.Unregister),
		)
	}

	if s.store != nil {
		if err := s.store.SaveInventory(ctx, s.cfg.NodeID, inv); err != nil {
			s.logError("persisting inventory snapshot failed",
				"node_id", s.cfg.NodeID, "error", err)
		}
	}
	return diff, sdiff
}

// disconnect runs the disconnect pipeline: cleanup callbacks, availability,
// stale marking, pump drain. Runs for unexpected drops, manual reconnects
// and shutdown alike; only the emitted Expected flag differs.
func (s *Session) disconnect(cli Client, reason error, expected bool) {
	s.mu.Lock()
	cleanups := s.cleanups
	s.cleanups = nil
	s.client = nil
	s.mu.Unlock()

	for _, fn := range cleanups {
		fn()
	}

	s.dispatcher.SetConnected(false)
	s.dispatcher.MarkAllStale()

	_ = cli.Close()
	s.pumpWG.Wait()

	s.connectedSince.Store(0)
	s.disconnects.Add(1)
	s.setState(SessionDisconnected)

	if expected {
		s.logInfo("disconnected", "node_id", s.cfg.NodeID, "expected", true)
	} else {
		s.logWarn("connection lost", "node_id", s.cfg.NodeID, "error", reason)
	}
	s.emit(Event{Type: EventDisconnected, Err: reason, Expected: expected})
}

func (s *Session) pumpStates(ch <-chan StateUpdate) {
	defer s.pumpWG.Done()
	for u := range ch {
		s.statesReceived.Add(1)
		s.dispatcher.Update(u)
	}
}

func (s *Session) pumpRequests(ch <-chan HostRequest) {
	defer s.pumpWG.Done()
	for r := range ch {
		s.requestsReceived.Add(1)
		if r.Kind == RequestVoiceStart || r.Kind == RequestVoiceEnd {
			// Voice-session boundaries only flow for devices that
			// advertise a voice assistant in their device info.
			if info := s.Info(); info == nil || info.VoiceAssistantVersion == 0 {
				s.logDebug("dropping voice request from node without voice support",
					"node_id", s.cfg.NodeID, "kind", string(r.Kind))
				continue
			}
		}
		req := r
		s.emit(Event{Type: EventRequest, Request: &req})
	}
}

// emit delivers an event to the consumer, giving up when the session is
// stopping so producers never leak.
func (s *Session) emit(ev Event) {
	ev.NodeID = s.cfg.NodeID
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) currentClient() Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionStopped {
		return
	}
	s.state = state
}

func (s *Session) logDebug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *Session) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Session) logWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

func (s *Session) logError(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Error(msg, args...)
	}
}
