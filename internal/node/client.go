package node

import (
	"context"
	"time"
)

// Logger is the minimal logging interface this package depends on.
// Satisfied by *logging.Logger; a nil logger disables logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Client is a single authenticated connection to an espnode device.
//
// Implementations are produced by drivers (see RegisterDriver). A Client is
// single-use: once Done is closed it cannot be revived, the session dials a
// fresh one.
//
// Subscription channels are closed when the connection drops, after which
// Done is closed and Err reports the reason. Close is idempotent and causes
// an expected disconnect.
type Client interface {
	// DeviceInfo returns the device descriptor. Called once per connection,
	// immediately after the handshake.
	DeviceInfo(ctx context.Context) (*DeviceInfo, error)

	// ListEntities retrieves the device's current entity and service
	// inventory.
	ListEntities(ctx context.Context) (*Inventory, error)

	// SubscribeStates asks the device to push entity state updates and
	// returns the stream. The device re-sends every current state on
	// subscription, so the caller always converges.
	SubscribeStates(ctx context.Context) (<-chan StateUpdate, error)

	// SubscribeRequests asks the device to push node-originated requests
	// (host actions, host-state subscriptions, voice session events) and
	// returns the stream.
	SubscribeRequests(ctx context.Context) (<-chan HostRequest, error)

	// ExecuteService invokes a user-defined service on the device.
	ExecuteService(ctx context.Context, call ServiceCall) error

	// SendHostState pushes a host entity's state to the device. Used to
	// answer RequestStateSubscribe requests.
	SendHostState(ctx context.Context, entityID, attribute, state string) error

	// Done is closed when the connection is lost or Close is called.
	Done() <-chan struct{}

	// Err returns the disconnect reason. Valid once Done is closed; nil for
	// a clean local Close.
	Err() error

	// Close tears the connection down. Safe to call multiple times.
	Close() error
}

// DialConfig carries the per-node settings a driver needs to establish a
// connection. Host has already been resolved by the session when the node
// was configured with an mDNS name.
type DialConfig struct {
	// NodeID is the bridge-local identifier of the node, used for logging
	// and by drivers that multiplex several simulated devices.
	NodeID string

	// Host and Port address the device.
	Host string
	Port int

	// Password is the legacy plaintext API password. Empty when the device
	// uses an encryption key.
	Password string

	// EncryptionKey is the base64 pre-shared key for transport encryption.
	EncryptionKey string

	// Timeout bounds the dial + handshake. Zero means the driver default.
	Timeout time.Duration
}

// DialFunc establishes one connection to a device. Dial errors should be
// classified: wrap ErrInvalidAuth, ErrInvalidEncryptionKey or
// ErrRequiresEncryption for credential problems so the session escalates to
// re-authentication instead of retrying.
type DialFunc func(ctx context.Context, cfg DialConfig) (Client, error)
