package sim

import (
	"context"
	"sync"

	"github.com/nerrad567/gray-logic-espnode/internal/node"
)

// connBufferSize bounds the per-connection stream buffers. Pushes beyond a
// full buffer are dropped rather than blocking the device.
const connBufferSize = 256

// conn is one live connection to a Device. It implements node.Client.
type conn struct {
	device *Device

	mu                 sync.Mutex
	closed             bool
	err                error
	states             chan node.StateUpdate
	requests           chan node.HostRequest
	statesSubscribed   bool
	requestsSubscribed bool

	done chan struct{}
}

func newConn(d *Device) *conn {
	return &conn{
		device:   d,
		states:   make(chan node.StateUpdate, connBufferSize),
		requests: make(chan node.HostRequest, connBufferSize),
		done:     make(chan struct{}),
	}
}

// DeviceInfo returns a snapshot of the device descriptor.
func (c *conn) DeviceInfo(ctx context.Context) (*node.DeviceInfo, error) {
	if err := c.live(ctx); err != nil {
		return nil, err
	}
	info := c.device.deviceInfo()
	return &info, nil
}

// ListEntities returns the device's current inventory.
func (c *conn) ListEntities(ctx context.Context) (*node.Inventory, error) {
	if err := c.live(ctx); err != nil {
		return nil, err
	}
	return c.device.inventory(), nil
}

// SubscribeStates opens the state stream. The device's current states are
// replayed onto the channel before live pushes start, the way a real node
// answers a subscribe request.
func (c *conn) SubscribeStates(ctx context.Context) (<-chan node.StateUpdate, error) {
	if err := c.live(ctx); err != nil {
		return nil, err
	}
	replay := c.device.currentStates()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, node.ErrNotConnected
	}
	for _, u := range replay {
		select {
		case c.states <- u:
		default:
		}
	}
	c.statesSubscribed = true
	return c.states, nil
}

// SubscribeRequests opens the node-originated request stream.
func (c *conn) SubscribeRequests(ctx context.Context) (<-chan node.HostRequest, error) {
	if err := c.live(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, node.ErrNotConnected
	}
	c.requestsSubscribed = true
	return c.requests, nil
}

// ExecuteService records the call on the device.
func (c *conn) ExecuteService(ctx context.Context, call node.ServiceCall) error {
	if err := c.live(ctx); err != nil {
		return err
	}
	return c.device.executeService(call)
}

// SendHostState records a host entity state on the device.
func (c *conn) SendHostState(ctx context.Context, entityID, attribute, state string) error {
	if err := c.live(ctx); err != nil {
		return err
	}
	c.device.recordHostState(entityID, attribute, state)
	return nil
}

// Done is closed once the connection has dropped.
func (c *conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection dropped. Nil before the drop and after an
// expected Close.
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close drops the connection cleanly. Safe to call more than once.
func (c *conn) Close() error {
	c.closeWith(nil)
	return nil
}

// pushState delivers a state update to an open, subscribed stream. Unsubscribed
// connections rely on the replay at subscribe time instead.
func (c *conn) pushState(u node.StateUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.statesSubscribed {
		return
	}
	select {
	case c.states <- u:
	default:
	}
}

// pushRequest delivers a host request to an open, subscribed stream.
func (c *conn) pushRequest(r node.HostRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.requestsSubscribed {
		return
	}
	select {
	case c.requests <- r:
	default:
	}
}

// closeWith tears the connection down: the stream channels close, done closes
// and err is recorded as the reason. Later calls are no-ops.
func (c *conn) closeWith(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	close(c.states)
	close(c.requests)
	close(c.done)
	c.mu.Unlock()

	c.device.removeConn(c)
}

// live reports the context error or node.ErrNotConnected once the connection
// has dropped.
func (c *conn) live(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return node.ErrNotConnected
	default:
	}
	return nil
}

var _ node.Client = (*conn)(nil)
