package node

import (
	"fmt"
	"strings"
	"time"
)

// EntityKind is the state-kind bucket an entity belongs to.
//
// Keys are only unique within a kind, so every lookup pairs the kind with
// the key (see StateKey).
type EntityKind string

// Entity kinds reported by espnode devices.
const (
	KindBinarySensor EntityKind = "binary_sensor"
	KindSensor       EntityKind = "sensor"
	KindTextSensor   EntityKind = "text_sensor"
	KindSwitch       EntityKind = "switch"
	KindButton       EntityKind = "button"
	KindLight        EntityKind = "light"
	KindCover        EntityKind = "cover"
	KindFan          EntityKind = "fan"
	KindClimate      EntityKind = "climate"
	KindNumber       EntityKind = "number"
	KindSelect       EntityKind = "select"
	KindLock         EntityKind = "lock"
)

// StateKey identifies one entity within a node: the kind bucket plus the
// opaque integer key the device assigns. The key is stable across listing
// refreshes and reboots; names and other descriptors are not.
type StateKey struct {
	Kind EntityKind
	Key  uint32
}

// String returns "kind/key", e.g. "sensor/42".
func (k StateKey) String() string {
	return fmt.Sprintf("%s/%d", k.Kind, k.Key)
}

// DeviceInfo is the device descriptor fetched once per connection during the
// handshake.
type DeviceInfo struct {
	// Name is the device's configured name (also its default mDNS hostname).
	Name string `json:"name"`

	// MACAddress is the hardware identifier as reported by the device.
	// Use NormalizeMAC before comparing or persisting.
	MACAddress string `json:"mac_address"`

	// Model is the board/model string (e.g. "esp32dev").
	Model string `json:"model,omitempty"`

	// Manufacturer is the chip vendor (e.g. "Espressif").
	Manufacturer string `json:"manufacturer,omitempty"`

	// SoftwareVersion is the firmware version string.
	SoftwareVersion string `json:"sw_version,omitempty"`

	// HasDeepSleep is true for devices that intentionally disconnect to
	// sleep. Their entities stay available while the connection is down.
	HasDeepSleep bool `json:"has_deep_sleep,omitempty"`

	// UsesPassword is true when the device still authenticates with the
	// legacy plaintext password instead of an encryption key.
	UsesPassword bool `json:"uses_password,omitempty"`

	// VoiceAssistantVersion is non-zero when the device supports voice
	// sessions and wants them forwarded to the host.
	VoiceAssistantVersion int `json:"voice_assistant_version,omitempty"`
}

// EntityInfo is the static descriptor of one entity: everything the device
// reports about it except its live state.
type EntityInfo struct {
	Kind EntityKind `json:"kind"`
	Key  uint32     `json:"key"`

	// ObjectID is the device-chosen identifier slug (stable, unique per
	// node). Used in topic paths.
	ObjectID string `json:"object_id"`

	// Name is the human-readable entity name. May change between listings
	// without changing identity.
	Name string `json:"name"`

	Icon              string `json:"icon,omitempty"`
	Unit              string `json:"unit,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
	EntityCategory    string `json:"entity_category,omitempty"`
	DisabledByDefault bool   `json:"disabled_by_default,omitempty"`
}

// StateKey returns the (kind, key) identity of this entity.
func (e EntityInfo) StateKey() StateKey {
	return StateKey{Kind: e.Kind, Key: e.Key}
}

// StateUpdate is one live state payload pushed by the device.
type StateUpdate struct {
	Kind EntityKind `json:"kind"`
	Key  uint32     `json:"key"`

	// Missing is true when the device has no valid reading for this entity
	// (e.g. a sensor before its first sample). Fields is empty in that case.
	Missing bool `json:"missing,omitempty"`

	// Fields holds the kind-specific state values, e.g.
	// {"state": 21.5} for a sensor or {"on": true, "brightness": 128}
	// for a light.
	Fields map[string]any `json:"fields,omitempty"`
}

// StateKey returns the (kind, key) identity this update belongs to.
func (u StateUpdate) StateKey() StateKey {
	return StateKey{Kind: u.Kind, Key: u.Key}
}

// ServiceArgType identifies the type of one user-service argument.
type ServiceArgType string

// Argument types a device service may declare. Anything else causes the
// whole service registration to be skipped.
const (
	ArgBool        ServiceArgType = "bool"
	ArgInt         ServiceArgType = "int"
	ArgFloat       ServiceArgType = "float"
	ArgString      ServiceArgType = "string"
	ArgBoolArray   ServiceArgType = "bool[]"
	ArgIntArray    ServiceArgType = "int[]"
	ArgFloatArray  ServiceArgType = "float[]"
	ArgStringArray ServiceArgType = "string[]"
)

// ServiceArg describes one argument of a device-exposed service.
type ServiceArg struct {
	Name string         `json:"name"`
	Type ServiceArgType `json:"type"`
}

// ServiceInfo describes a remote procedure the device exposes for the host
// to invoke. Identity is the integer key; a content change at the same key
// re-registers the service.
type ServiceInfo struct {
	Key  uint32       `json:"key"`
	Name string       `json:"name"`
	Args []ServiceArg `json:"args,omitempty"`
}

// ServiceCall is an invocation of a device service.
type ServiceCall struct {
	Key  uint32         `json:"key"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Inventory is the full entity + service listing fetched after a handshake.
type Inventory struct {
	Entities []EntityInfo  `json:"entities"`
	Services []ServiceInfo `json:"services"`
}

// RequestKind classifies node-originated requests delivered through
// Client.SubscribeRequests.
type RequestKind string

const (
	// RequestHostAction asks the host to fire an event or perform an action
	// on the device's behalf.
	RequestHostAction RequestKind = "host_action"

	// RequestStateSubscribe asks the host to push a host entity's state to
	// the device whenever it changes.
	RequestStateSubscribe RequestKind = "state_subscribe"

	// RequestVoiceStart and RequestVoiceEnd mark the boundaries of a voice
	// session on devices that advertise voice support.
	RequestVoiceStart RequestKind = "voice_start"
	RequestVoiceEnd   RequestKind = "voice_end"
)

// HostRequest is a request pushed by the device for the host to act on.
type HostRequest struct {
	Kind RequestKind `json:"kind"`

	// Action names the host action or event type for RequestHostAction.
	// Event actions must live in the "espnode." namespace.
	Action string `json:"action,omitempty"`

	// IsEvent is true when the action should be fired as a bus event rather
	// than forwarded as an action invocation.
	IsEvent bool `json:"is_event,omitempty"`

	// Data carries the action payload verbatim. No template rendering is
	// applied on this side.
	Data map[string]string `json:"data,omitempty"`

	// EntityID and Attribute select the host state to push for
	// RequestStateSubscribe.
	EntityID  string `json:"entity_id,omitempty"`
	Attribute string `json:"attribute,omitempty"`
}

// Identity is the persisted per-node identity record. MAC is the identity
// key; when a device-info fetch reports a different hardware identifier the
// record is migrated exactly once.
type Identity struct {
	MAC             string    `json:"mac"`
	Name            string    `json:"name"`
	Model           string    `json:"model,omitempty"`
	Manufacturer    string    `json:"manufacturer,omitempty"`
	SoftwareVersion string    `json:"sw_version,omitempty"`
	HasDeepSleep    bool      `json:"has_deep_sleep,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// identityFromInfo builds the persisted identity record for a device-info
// fetch.
func identityFromInfo(info *DeviceInfo) *Identity {
	return &Identity{
		MAC:             NormalizeMAC(info.MACAddress),
		Name:            info.Name,
		Model:           info.Model,
		Manufacturer:    info.Manufacturer,
		SoftwareVersion: info.SoftwareVersion,
		HasDeepSleep:    info.HasDeepSleep,
	}
}

// NormalizeMAC canonicalises a hardware identifier to lower-case
// colon-separated form ("aa:bb:cc:dd:ee:ff"). Inputs may use colons, dashes,
// dots or no separator at all. Strings that do not look like a 48-bit MAC
// are returned lower-cased but otherwise untouched, so unexpected formats
// still compare consistently.
func NormalizeMAC(mac string) string {
	cleaned := strings.ToLower(mac)
	cleaned = strings.NewReplacer(":", "", "-", "", ".", "").Replace(cleaned)

	const macHexLen = 12
	if len(cleaned) != macHexLen || strings.IndexFunc(cleaned, func(r rune) bool {
		return !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'))
	}) != -1 {
		return strings.ToLower(mac)
	}

	parts := make([]string, 0, macHexLen/2)
	for i := 0; i < macHexLen; i += 2 {
		parts = append(parts, cleaned[i:i+2])
	}
	return strings.Join(parts, ":")
}
