package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/gray-logic-espnode/internal/node"
)

// Config is the initial shape of a simulated device.
type Config struct {
	Info node.DeviceInfo

	// Password, when set, must match the dialler's password.
	Password string

	// EncryptionKey, when set, must match the dialler's key. Dialling
	// without one fails with node.ErrRequiresEncryption.
	EncryptionKey string

	Entities []node.EntityInfo
	Services []node.ServiceInfo
}

// Device is one simulated espnode. All methods are safe for concurrent use;
// state pushed while connections are open fans out to their streams.
type Device struct {
	mu            sync.Mutex
	info          node.DeviceInfo
	password      string
	encryptionKey string
	entities      []node.EntityInfo
	services      []node.ServiceInfo
	states        map[node.StateKey]node.StateUpdate
	conns         map[*conn]struct{}
	calls         []node.ServiceCall
	hostStates    map[string]string
}

// New builds a device from cfg. Register it with Add to make it dialable.
func New(cfg Config) *Device {
	d := &Device{
		info:          cfg.Info,
		password:      cfg.Password,
		encryptionKey: cfg.EncryptionKey,
		entities:      append([]node.EntityInfo(nil), cfg.Entities...),
		services:      append([]node.ServiceInfo(nil), cfg.Services...),
		states:        make(map[node.StateKey]node.StateUpdate),
		conns:         make(map[*conn]struct{}),
		hostStates:    make(map[string]string),
	}
	return d
}

// dial validates credentials and opens a connection.
func (d *Device) dial(ctx context.Context, cfg node.DialConfig) (node.Client, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", node.ErrConnectionFailed, ctx.Err())
	default:
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.encryptionKey != "" {
		switch cfg.EncryptionKey {
		case d.encryptionKey:
		case "":
			return nil, fmt.Errorf("%w: device %q", node.ErrRequiresEncryption, d.info.Name)
		default:
			return nil, fmt.Errorf("%w: device %q", node.ErrInvalidEncryptionKey, d.info.Name)
		}
	} else if d.password != "" && cfg.Password != d.password {
		return nil, fmt.Errorf("%w: device %q", node.ErrInvalidAuth, d.info.Name)
	}

	c := newConn(d)
	d.conns[c] = struct{}{}
	return c, nil
}

func (d *Device) removeConn(c *conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, c)
}

// PushState records a state and fans it out to open connections.
func (d *Device) PushState(u node.StateUpdate) {
	d.mu.Lock()
	d.states[u.StateKey()] = u
	conns := d.openConns()
	d.mu.Unlock()

	for _, c := range conns {
		c.pushState(u)
	}
}

// PushRequest delivers a node-originated request to every open connection.
func (d *Device) PushRequest(r node.HostRequest) {
	d.mu.Lock()
	conns := d.openConns()
	d.mu.Unlock()

	for _, c := range conns {
		c.pushRequest(r)
	}
}

// DropConnections severs every open connection as if the network failed,
// reporting err (or node.ErrConnectionFailed when nil) as the reason.
func (d *Device) DropConnections(err error) {
	if err == nil {
		err = node.ErrConnectionFailed
	}
	d.mu.Lock()
	conns := d.openConns()
	d.mu.Unlock()

	for _, c := range conns {
		c.closeWith(err)
	}
}

// SetInventory replaces the entity and service listing returned by future
// ListEntities calls. Existing streams keep running; combine with a Refresh
// or DropConnections to make a session notice.
func (d *Device) SetInventory(entities []node.EntityInfo, services []node.ServiceInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entities = append([]node.EntityInfo(nil), entities...)
	d.services = append([]node.ServiceInfo(nil), services...)
}

// SetInfo replaces the device descriptor. Changing the MAC then dropping
// connections exercises identity migration.
func (d *Device) SetInfo(info node.DeviceInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = info
}

// Info returns the current device descriptor.
func (d *Device) Info() node.DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// Calls returns every service call executed against this device, oldest
// first.
func (d *Device) Calls() []node.ServiceCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]node.ServiceCall(nil), d.calls...)
}

// HostStates returns the host entity states pushed to this device, keyed
// "entity_id" or "entity_id/attribute".
func (d *Device) HostStates() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.hostStates))
	for k, v := range d.hostStates {
		out[k] = v
	}
	return out
}

// openConns returns the live connections. Caller holds d.mu.
func (d *Device) openConns() []*conn {
	conns := make([]*conn, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	return conns
}

func (d *Device) deviceInfo() node.DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

func (d *Device) inventory() *node.Inventory {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &node.Inventory{
		Entities: append([]node.EntityInfo(nil), d.entities...),
		Services: append([]node.ServiceInfo(nil), d.services...),
	}
}

// currentStates returns the state snapshot ordered by key for deterministic
// replay on subscription.
func (d *Device) currentStates() []node.StateUpdate {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]node.StateUpdate, 0, len(d.states))
	for _, u := range d.states {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (d *Device) executeService(call node.ServiceCall) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, svc := range d.services {
		if svc.Key == call.Key {
			d.calls = append(d.calls, call)
			return nil
		}
	}
	return fmt.Errorf("sim: device %q has no service key %d", d.info.Name, call.Key)
}

func (d *Device) recordHostState(entityID, attribute, state string) {
	key := entityID
	if attribute != "" {
		key = entityID + "/" + attribute
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hostStates[key] = state
}
