package node

import "errors"

// Domain errors for the node package.
var (
	// ErrNotConnected is returned when an operation requires a live
	// connection but the session is disconnected.
	ErrNotConnected = errors.New("node: not connected")

	// ErrConnectionFailed is returned when dialling a device fails for a
	// plain network reason. The session retries with backoff.
	ErrConnectionFailed = errors.New("node: connection failed")

	// ErrInvalidAuth is returned when the device rejects the configured
	// password. The session parks in reauth-required instead of retrying.
	ErrInvalidAuth = errors.New("node: invalid authentication")

	// ErrInvalidEncryptionKey is returned when the configured encryption key
	// does not match the device's. Parks the session like ErrInvalidAuth.
	ErrInvalidEncryptionKey = errors.New("node: invalid encryption key")

	// ErrRequiresEncryption is returned when the device demands an
	// encryption key but none is configured. Parks the session.
	ErrRequiresEncryption = errors.New("node: device requires an encryption key")

	// ErrUnknownDriver is returned when no driver is registered under the
	// requested name.
	ErrUnknownDriver = errors.New("node: unknown driver")

	// ErrServiceNotFound is returned when invoking a service the device has
	// not registered.
	ErrServiceNotFound = errors.New("node: service not found")

	// ErrUnknownArgType is returned when a service declares an argument type
	// this integration does not understand. That one service is skipped.
	ErrUnknownArgType = errors.New("node: unknown service argument type")

	// ErrInvalidServiceArgs is returned when a service call carries an
	// undeclared argument or a value that cannot coerce to the declared type.
	ErrInvalidServiceArgs = errors.New("node: invalid service arguments")

	// ErrSnapshotNotFound is returned by stores when a node has no persisted
	// snapshot yet.
	ErrSnapshotNotFound = errors.New("node: snapshot not found")

	// ErrSessionStopped is returned for operations on a stopped session.
	ErrSessionStopped = errors.New("node: session stopped")
)

// IsAuthError reports whether err is an authentication or encryption
// failure, which must escalate to re-authentication instead of a bare retry.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidAuth) ||
		errors.Is(err, ErrInvalidEncryptionKey) ||
		errors.Is(err, ErrRequiresEncryption)
}
