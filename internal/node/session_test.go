package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeClient implements Client for session tests. Tests drive it directly:
// push states/requests onto its channels, drop it like a network failure.
type fakeClient struct {
	mu        sync.Mutex
	info      DeviceInfo
	inventory Inventory
	states    chan StateUpdate
	requests  chan HostRequest
	done      chan struct{}
	err       error
	closed    bool

	executed   []ServiceCall
	hostStates map[string]string
}

func newFakeClient(info DeviceInfo, inv Inventory) *fakeClient {
	return &fakeClient{
		info:       info,
		inventory:  inv,
		states:     make(chan StateUpdate, 16),
		requests:   make(chan HostRequest, 16),
		done:       make(chan struct{}),
		hostStates: make(map[string]string),
	}
}

func (f *fakeClient) DeviceInfo(_ context.Context) (*DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := f.info
	return &info, nil
}

func (f *fakeClient) ListEntities(_ context.Context) (*Inventory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &Inventory{
		Entities: append([]EntityInfo(nil), f.inventory.Entities...),
		Services: append([]ServiceInfo(nil), f.inventory.Services...),
	}, nil
}

func (f *fakeClient) SubscribeStates(_ context.Context) (<-chan StateUpdate, error) {
	return f.states, nil
}

func (f *fakeClient) SubscribeRequests(_ context.Context) (<-chan HostRequest, error) {
	return f.requests, nil
}

func (f *fakeClient) ExecuteService(_ context.Context, call ServiceCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, call)
	return nil
}

func (f *fakeClient) SendHostState(_ context.Context, entityID, attribute, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := entityID
	if attribute != "" {
		key += "/" + attribute
	}
	f.hostStates[key] = state
	return nil
}

func (f *fakeClient) Done() <-chan struct{} { return f.done }

func (f *fakeClient) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.states)
	close(f.requests)
	close(f.done)
	return nil
}

// drop severs the connection with the given reason, like a network failure.
func (f *fakeClient) drop(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	_ = f.Close()
}

func (f *fakeClient) setInventory(inv Inventory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inventory = inv
}

func (f *fakeClient) calls() []ServiceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ServiceCall(nil), f.executed...)
}

// fakeDialer hands out queued outcomes in order. An exhausted queue behaves
// like an unreachable device.
type fakeDialer struct {
	mu       sync.Mutex
	outcomes []dialOutcome
	dials    int
	hosts    []string
}

type dialOutcome struct {
	cli *fakeClient
	err error
}

func (fd *fakeDialer) queue(cli *fakeClient) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.outcomes = append(fd.outcomes, dialOutcome{cli: cli})
}

func (fd *fakeDialer) queueErr(err error) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.outcomes = append(fd.outcomes, dialOutcome{err: err})
}

func (fd *fakeDialer) dial(_ context.Context, cfg DialConfig) (Client, error) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.dials++
	fd.hosts = append(fd.hosts, cfg.Host)
	if len(fd.outcomes) == 0 {
		return nil, fmt.Errorf("%w: dial queue exhausted", ErrConnectionFailed)
	}
	out := fd.outcomes[0]
	fd.outcomes = fd.outcomes[1:]
	if out.err != nil {
		return nil, out.err
	}
	return out.cli, nil
}

func (fd *fakeDialer) dialCount() int {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.dials
}

// fakeStore implements SnapshotStore in memory.
type fakeStore struct {
	mu             sync.Mutex
	identities     map[string]Identity
	inventories    map[string]Inventory
	identitySaves  int
	inventorySaves int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		identities:  make(map[string]Identity),
		inventories: make(map[string]Inventory),
	}
}

func (fs *fakeStore) Identity(_ context.Context, nodeID string) (*Identity, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ident, ok := fs.identities[nodeID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return &ident, nil
}

func (fs *fakeStore) SaveIdentity(_ context.Context, nodeID string, ident *Identity) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.identities[nodeID] = *ident
	fs.identitySaves++
	return nil
}

func (fs *fakeStore) Inventory(_ context.Context, nodeID string) (*Inventory, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	inv := fs.inventories[nodeID]
	return &Inventory{
		Entities: append([]EntityInfo(nil), inv.Entities...),
		Services: append([]ServiceInfo(nil), inv.Services...),
	}, nil
}

func (fs *fakeStore) SaveInventory(_ context.Context, nodeID string, inv *Inventory) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.inventories[nodeID] = Inventory{
		Entities: append([]EntityInfo(nil), inv.Entities...),
		Services: append([]ServiceInfo(nil), inv.Services...),
	}
	fs.inventorySaves++
	return nil
}

func (fs *fakeStore) ListNodes(_ context.Context) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ids := make([]string, 0, len(fs.identities))
	for id := range fs.identities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (fs *fakeStore) Delete(_ context.Context, nodeID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.identities, nodeID)
	delete(fs.inventories, nodeID)
	return nil
}

func (fs *fakeStore) identitySaveCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.identitySaves
}

func (fs *fakeStore) storedIdentity(nodeID string) (Identity, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ident, ok := fs.identities[nodeID]
	return ident, ok
}

func (fs *fakeStore) storedInventory(nodeID string) Inventory {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.inventories[nodeID]
}

func testDeviceInfo() DeviceInfo {
	return DeviceInfo{
		Name:            "greenhouse",
		MACAddress:      "AA:BB:CC:00:11:22",
		Model:           "esp32dev",
		Manufacturer:    "Espressif",
		SoftwareVersion: "2025.8.1",
	}
}

func testInventory() Inventory {
	return Inventory{
		Entities: []EntityInfo{
			{Kind: KindBinarySensor, Key: 1, ObjectID: "motion", Name: "Motion"},
			{Kind: KindSensor, Key: 2, ObjectID: "temperature", Name: "Temperature", Unit: "°C"},
		},
		Services: []ServiceInfo{
			{Key: 100, Name: "play_rtttl", Args: []ServiceArg{{Name: "song", Type: ArgString}}},
		},
	}
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		NodeID: "greenhouse",
		Host:   "greenhouse.local",
		// Keep the retry loop quiet unless a test explicitly reconnects.
		ReconnectInitial: time.Hour,
		ReconnectMax:     time.Hour,
	}
}

func newTestSession(t *testing.T, cfg SessionConfig, deps SessionDeps) *Session {
	t.Helper()
	s, err := NewSession(cfg, deps)
	if err != nil {
		t.Fatalf("NewSession() error: %v", err)
	}
	return s
}

// waitForEvent consumes the event stream until an event of the wanted type
// arrives, returning it along with everything consumed on the way.
func waitForEvent(t *testing.T, events <-chan Event, want EventType) (Event, []Event) {
	t.Helper()
	var seen []Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s (saw %d events)", want, len(seen))
			}
			seen = append(seen, ev)
			if ev.Type == want {
				return ev, seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event (saw %d events)", want, len(seen))
		}
	}
}

func countEvents(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestNewSessionValidation(t *testing.T) {
	if _, err := NewSession(SessionConfig{}, SessionDeps{Dial: (&fakeDialer{}).dial}); err == nil {
		t.Error("NewSession() expected error for missing node ID")
	}
	if _, err := NewSession(SessionConfig{NodeID: "n1", Driver: "no-such-driver"}, SessionDeps{}); !errors.Is(err, ErrUnknownDriver) {
		t.Errorf("NewSession() error = %v, want ErrUnknownDriver", err)
	}
}

func TestSessionConnectPipeline(t *testing.T) {
	cli := newFakeClient(testDeviceInfo(), testInventory())
	dialer := &fakeDialer{}
	dialer.queue(cli)
	store := newFakeStore()

	s := newTestSession(t, testSessionConfig(), SessionDeps{Dial: dialer.dial, Store: store})
	defer s.Stop()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	ev, seen := waitForEvent(t, s.Events(), EventConnected)

	if ev.Info == nil || ev.Info.Name != "greenhouse" {
		t.Errorf("connected event info = %+v, want device name greenhouse", ev.Info)
	}
	if len(ev.Entities.Added) != 2 || len(ev.Entities.Removed) != 0 {
		t.Errorf("entity diff = %d added / %d removed, want 2/0", len(ev.Entities.Added), len(ev.Entities.Removed))
	}
	if len(ev.Services.Register) != 1 {
		t.Errorf("service diff = %d registrations, want 1", len(ev.Services.Register))
	}
	if n := countEvents(seen, EventIdentityMigrated); n != 0 {
		t.Errorf("first sighting produced %d migration events, want 0", n)
	}

	if got := s.State(); got != SessionConnected {
		t.Errorf("State() = %s, want %s", got, SessionConnected)
	}
	if stats := s.Stats(); stats.Connects != 1 || stats.ConnectedSince == nil {
		t.Errorf("stats = %+v, want 1 connect with ConnectedSince set", stats)
	}

	// Identity and inventory are persisted as part of the pipeline.
	ident, ok := store.storedIdentity("greenhouse")
	if !ok {
		t.Fatal("identity not persisted on first connect")
	}
	if ident.MAC != "aa:bb:cc:00:11:22" {
		t.Errorf("persisted MAC = %q, want normalised aa:bb:cc:00:11:22", ident.MAC)
	}
	if inv := store.storedInventory("greenhouse"); len(inv.Entities) != 2 || len(inv.Services) != 1 {
		t.Errorf("persisted inventory = %d entities / %d services, want 2/1", len(inv.Entities), len(inv.Services))
	}

	// Live states flow through to dispatcher subscribers.
	key := StateKey{Kind: KindSensor, Key: 2}
	sub := s.Dispatcher().Subscribe(key, 8)
	defer sub.Cancel()

	cli.states <- StateUpdate{Kind: KindSensor, Key: 2, Fields: map[string]any{"state": 21.5}}
	select {
	case got := <-sub.C():
		if got.Fields["state"] != 21.5 {
			t.Errorf("dispatched state = %v, want 21.5", got.Fields["state"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("state update was not dispatched")
	}
}

func TestSessionConnectFailureRetries(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.queueErr(fmt.Errorf("%w: connection refused", ErrConnectionFailed))
	dialer.queueErr(fmt.Errorf("%w: connection refused", ErrConnectionFailed))
	dialer.queue(newFakeClient(testDeviceInfo(), testInventory()))

	cfg := testSessionConfig()
	cfg.ReconnectInitial = 5 * time.Millisecond
	cfg.ReconnectMax = 20 * time.Millisecond

	s := newTestSession(t, cfg, SessionDeps{Dial: dialer.dial})
	defer s.Stop()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	_, seen := waitForEvent(t, s.Events(), EventConnected)

	if n := countEvents(seen, EventConnectFailed); n != 2 {
		t.Errorf("connect_failed events = %d, want 2", n)
	}
	if stats := s.Stats(); stats.ConnectFailures != 2 || stats.Connects != 1 {
		t.Errorf("stats = %+v, want 2 failures then 1 connect", stats)
	}
}

func TestSessionAuthFailureParksUntilReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.queueErr(fmt.Errorf("%w: device rejected password", ErrInvalidAuth))
	dialer.queue(newFakeClient(testDeviceInfo(), testInventory()))

	cfg := testSessionConfig()
	cfg.ReconnectInitial = 5 * time.Millisecond

	s := newTestSession(t, cfg, SessionDeps{Dial: dialer.dial})
	defer s.Stop()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	ev, _ := waitForEvent(t, s.Events(), EventAuthFailed)
	if !errors.Is(ev.Err, ErrInvalidAuth) {
		t.Errorf("auth event error = %v, want ErrInvalidAuth", ev.Err)
	}
	if got := s.State(); got != SessionReauthRequired {
		t.Errorf("State() = %s, want %s", got, SessionReauthRequired)
	}

	// Parked: no redial on its own, however long we wait.
	time.Sleep(50 * time.Millisecond)
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("dials while parked = %d, want 1", got)
	}

	// An explicit reconnect (credentials updated) unparks the loop.
	s.Reconnect()
	waitForEvent(t, s.Events(), EventConnected)

	if stats := s.Stats(); stats.AuthFailures != 1 {
		t.Errorf("AuthFailures = %d, want 1", stats.AuthFailures)
	}
}

func TestSessionEncryptionErrorsPark(t *testing.T) {
	for _, tt := range []struct {
		name string
		err  error
	}{
		{"invalid key", ErrInvalidEncryptionKey},
		{"requires encryption", ErrRequiresEncryption},
	} {
		t.Run(tt.name, func(t *testing.T) {
			dialer := &fakeDialer{}
			dialer.queueErr(fmt.Errorf("%w: device greenhouse", tt.err))

			s := newTestSession(t, testSessionConfig(), SessionDeps{Dial: dialer.dial})
			defer s.Stop()

			if err := s.Start(context.Background()); err != nil {
				t.Fatalf("Start() error: %v", err)
			}

			waitForEvent(t, s.Events(), EventAuthFailed)
			if got := s.State(); got != SessionReauthRequired {
				t.Errorf("State() = %s, want %s", got, SessionReauthRequired)
			}
		})
	}
}

func TestSessionIdentityMigratesExactlyOnce(t *testing.T) {
	info := testDeviceInfo()
	cliA := newFakeClient(info, testInventory())
	cliB := newFakeClient(info, testInventory())
	dialer := &fakeDialer{}
	dialer.queue(cliA)
	dialer.queue(cliB)

	store := newFakeStore()
	// The node was last seen with different hardware (board swap, factory
	// reset with a new chip).
	store.identities["greenhouse"] = Identity{MAC: "aa:bb:cc:99:99:99", Name: "greenhouse"}

	s := newTestSession(t, testSessionConfig(), SessionDeps{Dial: dialer.dial, Store: store})
	defer s.Stop()

	if err := s.Seed(context.Background()); err != nil {
		t.Fatalf("Seed() error: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	_, seen := waitForEvent(t, s.Events(), EventConnected)
	if n := countEvents(seen, EventIdentityMigrated); n != 1 {
		t.Fatalf("migration events on first connect = %d, want 1", n)
	}
	for _, ev := range seen {
		if ev.Type != EventIdentityMigrated {
			continue
		}
		if ev.OldMAC != "aa:bb:cc:99:99:99" || ev.NewMAC != "aa:bb:cc:00:11:22" {
			t.Errorf("migration %s -> %s, want aa:bb:cc:99:99:99 -> aa:bb:cc:00:11:22", ev.OldMAC, ev.NewMAC)
		}
	}

	ident, _ := store.storedIdentity("greenhouse")
	if ident.MAC != "aa:bb:cc:00:11:22" {
		t.Errorf("persisted MAC = %q, want migrated value", ident.MAC)
	}
	savesAfterFirst := store.identitySaveCount()

	// Reconnecting with the same hardware must not migrate or save again.
	cliA.drop(errors.New("link flap"))
	_, seen = waitForEvent(t, s.Events(), EventConnected)

	if n := countEvents(seen, EventIdentityMigrated); n != 0 {
		t.Errorf("migration events on reconnect = %d, want 0", n)
	}
	if got := store.identitySaveCount(); got != savesAfterFirst {
		t.Errorf("identity saves after reconnect = %d, want %d", got, savesAfterFirst)
	}
}

func TestSessionDisconnectPipeline(t *testing.T) {
	cliA := newFakeClient(testDeviceInfo(), testInventory())
	cliB := newFakeClient(testDeviceInfo(), testInventory())
	dialer := &fakeDialer{}
	dialer.queue(cliA)
	dialer.queue(cliB)

	s := newTestSession(t, testSessionConfig(), SessionDeps{Dial: dialer.dial})
	defer s.Stop()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitForEvent(t, s.Events(), EventConnected)

	var cleanupMu sync.Mutex
	cleanupRuns := 0
	s.AddCleanup(func() {
		cleanupMu.Lock()
		cleanupRuns++
		cleanupMu.Unlock()
	})

	key := StateKey{Kind: KindSensor, Key: 2}
	sub := s.Dispatcher().Subscribe(key, 8)
	defer sub.Cancel()

	cli := cliA
	cli.states <- StateUpdate{Kind: KindSensor, Key: 2, Fields: map[string]any{"state": 21.5}}
	select {
	case <-sub.C():
	case <-time.After(2 * time.Second):
		t.Fatal("state update was not dispatched")
	}

	dropErr := errors.New("wifi died")
	cli.drop(dropErr)

	ev, _ := waitForEvent(t, s.Events(), EventDisconnected)
	if ev.Expected {
		t.Error("network drop reported as expected disconnect")
	}
	if !errors.Is(ev.Err, dropErr) {
		t.Errorf("disconnect reason = %v, want %v", ev.Err, dropErr)
	}

	cleanupMu.Lock()
	runs := cleanupRuns
	cleanupMu.Unlock()
	if runs != 1 {
		t.Errorf("cleanup ran %d times, want 1", runs)
	}

	// The loop redials immediately after a drop and lands on cliB.
	waitForEvent(t, s.Events(), EventConnected)

	// Cleanups are one-shot: the reconnect must not have re-run them.
	cleanupMu.Lock()
	runs = cleanupRuns
	cleanupMu.Unlock()
	if runs != 1 {
		t.Errorf("cleanup ran %d times after reconnect, want still 1", runs)
	}

	// The cached value was marked stale by the drop, so the same reading
	// dispatches again after reconnect instead of being suppressed.
	cliB.states <- StateUpdate{Kind: KindSensor, Key: 2, Fields: map[string]any{"state": 21.5}}
	select {
	case <-sub.C():
	case <-time.After(2 * time.Second):
		t.Fatal("identical post-reconnect reading was suppressed; stale marking failed")
	}
}

func TestSessionReconcileOnReconnect(t *testing.T) {
	motion := EntityInfo{Kind: KindBinarySensor, Key: 1, ObjectID: "motion", Name: "Motion"}
	temp := EntityInfo{Kind: KindSensor, Key: 2, ObjectID: "temperature", Name: "Temperature"}
	motionRenamed := EntityInfo{Kind: KindBinarySensor, Key: 1, ObjectID: "motion", Name: "Hall Motion"}
	relay := EntityInfo{Kind: KindSwitch, Key: 3, ObjectID: "relay", Name: "Relay"}

	cliA := newFakeClient(testDeviceInfo(), Inventory{Entities: []EntityInfo{motion, temp}})
	cliB := newFakeClient(testDeviceInfo(), Inventory{Entities: []EntityInfo{motionRenamed, relay}})
	dialer := &fakeDialer{}
	dialer.queue(cliA)
	dialer.queue(cliB)
	store := newFakeStore()

	s := newTestSession(t, testSessionConfig(), SessionDeps{Dial: dialer.dial, Store: store})
	defer s.Stop()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitForEvent(t, s.Events(), EventConnected)

	// Subscriber on an entity that will disappear with the new firmware.
	tempSub := s.Dispatcher().Subscribe(temp.StateKey(), 8)
	cliA.states <- StateUpdate{Kind: KindSensor, Key: 2, Fields: map[string]any{"state": 20.0}}
	select {
	case <-tempSub.C():
	case <-time.After(2 * time.Second):
		t.Fatal("state update was not dispatched")
	}

	cliA.drop(errors.New("reboot after flash"))
	ev, _ := waitForEvent(t, s.Events(), EventConnected)

	if len(ev.Entities.Added) != 1 || ev.Entities.Added[0].StateKey() != relay.StateKey() {
		t.Errorf("Added = %v, want [relay]", ev.Entities.Added)
	}
	if len(ev.Entities.Removed) != 1 || ev.Entities.Removed[0].StateKey() != temp.StateKey() {
		t.Errorf("Removed = %v, want [temperature]", ev.Entities.Removed)
	}
	if len(ev.Entities.Kept) != 1 || ev.Entities.Kept[0].Name != "Hall Motion" {
		t.Errorf("Kept = %v, want renamed motion descriptor", ev.Entities.Kept)
	}

	// The removed entity's subscription closes and its cache is gone.
	select {
	case _, ok := <-tempSub.C():
		if ok {
			t.Error("removed entity delivered another update")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("removed entity subscription was not closed")
	}
	if _, ok := s.Dispatcher().State(temp.StateKey()); ok {
		t.Error("state cache still holds removed entity")
	}

	// The persisted snapshot reflects the new listing.
	if inv := store.storedInventory("greenhouse"); len(inv.Entities) != 2 {
		t.Errorf("persisted entities = %d, want 2", len(inv.Entities))
	} else {
		names := map[string]bool{}
		for _, e := range inv.Entities {
			names[e.ObjectID] = true
		}
		if !names["motion"] || !names["relay"] {
			t.Errorf("persisted inventory = %v, want motion and relay", inv.Entities)
		}
	}
}

func TestSessionSeedPrimesRegistrar(t *testing.T) {
	store := newFakeStore()
	store.identities["greenhouse"] = Identity{
		MAC:          "aa:bb:cc:00:11:22",
		Name:         "greenhouse",
		HasDeepSleep: true,
	}
	store.inventories["greenhouse"] = Inventory{
		Entities: []EntityInfo{{Kind: KindSensor, Key: 2, ObjectID: "temperature", Name: "Temperature"}},
		Services: []ServiceInfo{{Key: 100, Name: "play_rtttl"}},
	}

	s := newTestSession(t, testSessionConfig(), SessionDeps{Dial: (&fakeDialer{}).dial, Store: store})
	defer s.Stop()

	if err := s.Seed(context.Background()); err != nil {
		t.Fatalf("Seed() error: %v", err)
	}

	if ident := s.Identity(); ident == nil || ident.MAC != "aa:bb:cc:00:11:22" {
		t.Errorf("Identity() = %+v, want seeded identity", ident)
	}
	if got := len(s.Registrar().Entities()); got != 1 {
		t.Errorf("seeded entities = %d, want 1", got)
	}
	if _, ok := s.Registrar().ServiceByName("play_rtttl"); !ok {
		t.Error("seeded service not resolvable by name")
	}

	// Deep-sleep flag comes from the seed, but with no cached state the node
	// is still unavailable until it reports in.
	if s.Dispatcher().Available() {
		t.Error("seeded node should be unavailable before any state arrives")
	}
}

func TestSessionSeedMissingNodeIsNotAnError(t *testing.T) {
	s := newTestSession(t, testSessionConfig(), SessionDeps{Dial: (&fakeDialer{}).dial, Store: newFakeStore()})
	defer s.Stop()

	if err := s.Seed(context.Background()); err != nil {
		t.Errorf("Seed() on unknown node = %v, want nil", err)
	}
	if got := len(s.Registrar().Entities()); got != 0 {
		t.Errorf("registrar has %d entities after empty seed, want 0", got)
	}
}

func TestSessionExecuteService(t *testing.T) {
	inv := testInventory()
	inv.Services = append(inv.Services, ServiceInfo{
		Key:  200,
		Name: "exotic",
		Args: []ServiceArg{{Name: "blob", Type: ServiceArgType("bytes")}},
	})
	cli := newFakeClient(testDeviceInfo(), inv)
	dialer := &fakeDialer{}
	dialer.queue(cli)

	s := newTestSession(t, testSessionConfig(), SessionDeps{Dial: dialer.dial})
	defer s.Stop()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitForEvent(t, s.Events(), EventConnected)

	ctx := context.Background()

	if err := s.ExecuteService(ctx, "play_rtttl", map[string]any{"song": "scale_up"}); err != nil {
		t.Fatalf("ExecuteService() error: %v", err)
	}
	calls := cli.calls()
	if len(calls) != 1 || calls[0].Key != 100 || calls[0].Args["song"] != "scale_up" {
		t.Errorf("executed calls = %+v, want one play_rtttl call", calls)
	}

	if err := s.ExecuteService(ctx, "no_such_service", nil); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("unknown service error = %v, want ErrServiceNotFound", err)
	}

	if err := s.ExecuteService(ctx, "play_rtttl", map[string]any{"bogus": 1}); err == nil {
		t.Error("undeclared argument accepted")
	}

	// A service declaring an argument type we cannot marshal is withheld at
	// registration, so by name it simply does not exist.
	if err := s.ExecuteService(ctx, "exotic", map[string]any{}); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("exotic service error = %v, want ErrServiceNotFound", err)
	}
}

func TestSessionExecuteServiceWhileDisconnected(t *testing.T) {
	store := newFakeStore()
	store.identities["greenhouse"] = Identity{MAC: "aa:bb:cc:00:11:22", Name: "greenhouse"}
	store.inventories["greenhouse"] = Inventory{
		Services: []ServiceInfo{{Key: 100, Name: "play_rtttl"}},
	}

	s := newTestSession(t, testSessionConfig(), SessionDeps{Dial: (&fakeDialer{}).dial, Store: store})
	defer s.Stop()

	if err := s.Seed(context.Background()); err != nil {
		t.Fatalf("Seed() error: %v", err)
	}

	// The service is known from the seed, but there is no connection.
	err := s.ExecuteService(context.Background(), "play_rtttl", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("ExecuteService() while disconnected = %v, want ErrNotConnected", err)
	}
}

func TestSessionUnknownArgTypeServiceNeverRegisters(t *testing.T) {
	inv := testInventory()
	inv.Services = append(inv.Services, ServiceInfo{
		Key:  101,
		Name: "exotic",
		Args: []ServiceArg{{Name: "y", Type: ServiceArgType("wiggle")}},
	})
	cli := newFakeClient(testDeviceInfo(), inv)
	dialer := &fakeDialer{}
	dialer.queue(cli)
	store := newFakeStore()

	s := newTestSession(t, testSessionConfig(), SessionDeps{Dial: dialer.dial, Store: store})
	defer s.Stop()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	ev, _ := waitForEvent(t, s.Events(), EventConnected)

	// The listing's other service still registers; the unknown-typed one is
	// skipped before it reaches the diff.
	if len(ev.Services.Register) != 1 || ev.Services.Register[0].Name != "play_rtttl" {
		t.Errorf("registered services = %+v, want only play_rtttl", ev.Services.Register)
	}
	if _, ok := s.Registrar().ServiceByName("exotic"); ok {
		t.Error("unknown-typed service landed in the registrar snapshot")
	}
	if _, ok := s.Registrar().ServiceByName("play_rtttl"); !ok {
		t.Error("supported service missing from the registrar snapshot")
	}

	// It is withheld from the persisted snapshot too.
	stored := store.storedInventory("greenhouse")
	if len(stored.Services) != 1 || stored.Services[0].Name != "play_rtttl" {
		t.Errorf("persisted services = %+v, want only play_rtttl", stored.Services)
	}
}

func TestSessionSeedDropsUnknownArgTypeService(t *testing.T) {
	store := newFakeStore()
	store.identities["greenhouse"] = Identity{MAC: "aa:bb:cc:00:11:22", Name: "greenhouse"}
	store.inventories["greenhouse"] = Inventory{
		Services: []ServiceInfo{
			{Key: 100, Name: "play_rtttl"},
			{Key: 101, Name: "exotic", Args: []ServiceArg{{Name: "y", Type: ServiceArgType("wiggle")}}},
		},
	}

	s := newTestSession(t, testSessionConfig(), SessionDeps{Dial: (&fakeDialer{}).dial, Store: store})
	defer s.Stop()

	if err := s.Seed(context.Background()); err != nil {
		t.Fatalf("Seed() error: %v", err)
	}

	// Snapshots written before the type rules tightened are filtered on load.
	if _, ok := s.Registrar().ServiceByName("exotic"); ok {
		t.Error("unknown-typed service seeded into the registrar")
	}
	if _, ok := s.Registrar().ServiceByName("play_rtttl"); !ok {
		t.Error("supported service lost during seeding")
	}
}

func TestSessionVoiceRequestsRequireVoiceSupport(t *testing.T) {
	// Without an advertised voice assistant, voice boundaries are dropped.
	cli := newFakeClient(testDeviceInfo(), testInventory())
	dialer := &fakeDialer{}
	dialer.queue(cli)

	s := newTestSession(t, testSessionConfig(), SessionDeps{Dial: dialer.dial})
	defer s.Stop()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitForEvent(t, s.Events(), EventConnected)

	cli.requests <- HostRequest{Kind: RequestVoiceStart}
	cli.requests <- HostRequest{
		Kind:    RequestHostAction,
		Action:  "espnode.doorbell",
		IsEvent: true,
	}

	// Requests are pumped in order, so the first request event proving the
	// host action arrived also proves the voice start was dropped.
	ev, _ := waitForEvent(t, s.Events(), EventRequest)
	if ev.Request == nil || ev.Request.Kind != RequestHostAction {
		t.Errorf("first forwarded request = %+v, want the host action", ev.Request)
	}

	// A device that advertises voice support gets its boundaries through.
	info := testDeviceInfo()
	info.VoiceAssistantVersion = 1
	voiceCli := newFakeClient(info, testInventory())
	voiceDialer := &fakeDialer{}
	voiceDialer.queue(voiceCli)

	vs := newTestSession(t, testSessionConfig(), SessionDeps{Dial: voiceDialer.dial})
	defer vs.Stop()

	if err := vs.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitForEvent(t, vs.Events(), EventConnected)

	voiceCli.requests <- HostRequest{Kind: RequestVoiceStart}
	ev, _ = waitForEvent(t, vs.Events(), EventRequest)
	if ev.Request == nil || ev.Request.Kind != RequestVoiceStart {
		t.Errorf("forwarded request = %+v, want the voice start", ev.Request)
	}
}

func TestSessionHostRequests(t *testing.T) {
	cli := newFakeClient(testDeviceInfo(), testInventory())
	dialer := &fakeDialer{}
	dialer.queue(cli)

	s := newTestSession(t, testSessionConfig(), SessionDeps{Dial: dialer.dial})
	defer s.Stop()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitForEvent(t, s.Events(), EventConnected)

	cli.requests <- HostRequest{
		Kind:    RequestHostAction,
		Action:  "espnode.button_pressed",
		IsEvent: true,
		Data:    map[string]string{"button": "front"},
	}

	ev, _ := waitForEvent(t, s.Events(), EventRequest)
	if ev.Request == nil {
		t.Fatal("request event carries no request")
	}
	if ev.Request.Kind != RequestHostAction || ev.Request.Action != "espnode.button_pressed" {
		t.Errorf("request = %+v, want espnode.button_pressed host action", ev.Request)
	}
	if stats := s.Stats(); stats.RequestsReceived != 1 {
		t.Errorf("RequestsReceived = %d, want 1", stats.RequestsReceived)
	}
}

func TestSessionSendHostState(t *testing.T) {
	cli := newFakeClient(testDeviceInfo(), testInventory())
	dialer := &fakeDialer{}
	dialer.queue(cli)

	s := newTestSession(t, testSessionConfig(), SessionDeps{Dial: dialer.dial})
	defer s.Stop()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitForEvent(t, s.Events(), EventConnected)

	if err := s.SendHostState(context.Background(), "light.hall", "", "on"); err != nil {
		t.Fatalf("SendHostState() error: %v", err)
	}

	cli.mu.Lock()
	got := cli.hostStates["light.hall"]
	cli.mu.Unlock()
	if got != "on" {
		t.Errorf("device received host state %q, want on", got)
	}
}

func TestSessionRefresh(t *testing.T) {
	cli := newFakeClient(testDeviceInfo(), testInventory())
	dialer := &fakeDialer{}
	dialer.queue(cli)

	s := newTestSession(t, testSessionConfig(), SessionDeps{Dial: dialer.dial})
	defer s.Stop()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitForEvent(t, s.Events(), EventConnected)

	// The device gained an entity without dropping the connection; an
	// explicit refresh picks it up.
	inv := testInventory()
	inv.Entities = append(inv.Entities, EntityInfo{Kind: KindSwitch, Key: 3, ObjectID: "relay", Name: "Relay"})
	cli.setInventory(inv)

	diff, _, err := s.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if len(diff.Added) != 1 || diff.Added[0].ObjectID != "relay" {
		t.Errorf("refresh diff added = %v, want [relay]", diff.Added)
	}

	ev, _ := waitForEvent(t, s.Events(), EventReconciled)
	if len(ev.Entities.Added) != 1 {
		t.Errorf("reconciled event added = %d entities, want 1", len(ev.Entities.Added))
	}
}

func TestSessionRefreshWhileDisconnected(t *testing.T) {
	s := newTestSession(t, testSessionConfig(), SessionDeps{Dial: (&fakeDialer{}).dial})
	defer s.Stop()

	if _, _, err := s.Refresh(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Refresh() while disconnected = %v, want ErrNotConnected", err)
	}
}

func TestSessionStop(t *testing.T) {
	cli := newFakeClient(testDeviceInfo(), testInventory())
	dialer := &fakeDialer{}
	dialer.queue(cli)

	s := newTestSession(t, testSessionConfig(), SessionDeps{Dial: dialer.dial})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitForEvent(t, s.Events(), EventConnected)

	s.Stop()
	s.Stop() // idempotent

	if got := s.State(); got != SessionStopped {
		t.Errorf("State() after Stop = %s, want %s", got, SessionStopped)
	}

	// The event stream closes once all background work has drained.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event stream not closed after Stop")
		}
	}
}

func TestSessionStartAfterStop(t *testing.T) {
	s := newTestSession(t, testSessionConfig(), SessionDeps{Dial: (&fakeDialer{}).dial})
	s.Stop()

	if err := s.Start(context.Background()); !errors.Is(err, ErrSessionStopped) {
		t.Errorf("Start() after Stop = %v, want ErrSessionStopped", err)
	}
}

func TestSessionContextCancelStopsLoop(t *testing.T) {
	cli := newFakeClient(testDeviceInfo(), testInventory())
	dialer := &fakeDialer{}
	dialer.queue(cli)

	s := newTestSession(t, testSessionConfig(), SessionDeps{Dial: dialer.dial})
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitForEvent(t, s.Events(), EventConnected)

	cancel()

	ev, _ := waitForEvent(t, s.Events(), EventDisconnected)
	if !ev.Expected {
		t.Error("context cancellation reported as unexpected disconnect")
	}
}

// fakeResolver implements HostResolver.
type fakeResolver struct {
	addr string
	err  error
}

func (r *fakeResolver) Resolve(_ context.Context, _ string) (string, error) {
	return r.addr, r.err
}

func TestSessionResolvesLocalHostnames(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		resolver *fakeResolver
		wantHost string
	}{
		{
			name:     "local hostname resolved",
			host:     "greenhouse.local",
			resolver: &fakeResolver{addr: "192.168.1.50"},
			wantHost: "192.168.1.50",
		},
		{
			name:     "resolution failure falls back to configured host",
			host:     "greenhouse.local",
			resolver: &fakeResolver{err: errors.New("no answer")},
			wantHost: "greenhouse.local",
		},
		{
			name:     "plain addresses bypass the resolver",
			host:     "192.168.1.60",
			resolver: &fakeResolver{addr: "10.0.0.1"},
			wantHost: "192.168.1.60",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := &fakeDialer{}
			dialer.queue(newFakeClient(testDeviceInfo(), testInventory()))

			cfg := testSessionConfig()
			cfg.Host = tt.host

			s := newTestSession(t, cfg, SessionDeps{Dial: dialer.dial, Resolver: tt.resolver})
			defer s.Stop()

			if err := s.Start(context.Background()); err != nil {
				t.Fatalf("Start() error: %v", err)
			}
			waitForEvent(t, s.Events(), EventConnected)

			dialer.mu.Lock()
			host := dialer.hosts[0]
			dialer.mu.Unlock()
			if host != tt.wantHost {
				t.Errorf("dialled host = %q, want %q", host, tt.wantHost)
			}
		})
	}
}

func TestSessionUsesPlaintextPassword(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Password = "hunter2"
	s := newTestSession(t, cfg, SessionDeps{Dial: (&fakeDialer{}).dial})
	defer s.Stop()
	if !s.UsesPlaintextPassword() {
		t.Error("password without encryption key should report plaintext auth")
	}

	cfg.EncryptionKey = "k"
	s2 := newTestSession(t, cfg, SessionDeps{Dial: (&fakeDialer{}).dial})
	defer s2.Stop()
	if s2.UsesPlaintextPassword() {
		t.Error("encryption key configured; plaintext report should be false")
	}
}

func TestNextDelay(t *testing.T) {
	tests := []struct {
		current time.Duration
		max     time.Duration
		want    time.Duration
	}{
		{5 * time.Second, 2 * time.Minute, 7500 * time.Millisecond},
		{90 * time.Second, 2 * time.Minute, 2 * time.Minute},
		{2 * time.Minute, 2 * time.Minute, 2 * time.Minute},
	}
	for _, tt := range tests {
		if got := nextDelay(tt.current, tt.max); got != tt.want {
			t.Errorf("nextDelay(%v, %v) = %v, want %v", tt.current, tt.max, got, tt.want)
		}
	}
}
