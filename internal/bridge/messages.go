package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-espnode/internal/node"
)

// MQTT message types for communication between Gray Logic Core and the
// espnode bridge. These types implement the bridge interface specification
// (docs/architecture/bridge-interface.md).

// Protocol is the protocol identifier carried in every bridge message.
const Protocol = "espnode"

// CommandMessage is sent from Core to Bridge to execute a node command.
// Topic: graylogic/command/espnode/{node}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// NodeID is the bridge-local node identifier. Informational; the topic
	// path segment is authoritative.
	NodeID string `json:"node_id,omitempty"`

	// Command is the command name. The only command espnode nodes accept is
	// "call_service"; entity-level control belongs to the device firmware.
	Command string `json:"command"`

	// Service is the registered device service to invoke.
	Service string `json:"service,omitempty"`

	// Args contains service arguments keyed by declared argument name.
	// Example: {"song": "mario", "volume": 80}
	Args map[string]any `json:"args,omitempty"`

	// Source indicates where the command originated.
	// Values: "api", "automation", "voice", "scene"
	Source string `json:"source,omitempty"`

	// UserID is the user who triggered the command (if applicable).
	UserID string `json:"user_id,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was received and sent to the node.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the node did not respond within the timeout.
	AckTimeout AckStatus = "timeout"
)

// AckMessage is sent from Bridge to Core to acknowledge a command.
// Topic: graylogic/ack/espnode/{node}
type AckMessage struct {
	// CommandID is the ID from the original command.
	CommandID string `json:"command_id"`

	// Timestamp is when the acknowledgment was sent (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// NodeID is the bridge-local node identifier.
	NodeID string `json:"node_id"`

	// Status indicates the acknowledgment status.
	Status AckStatus `json:"status"`

	// Protocol is the protocol identifier ("espnode").
	Protocol string `json:"protocol"`

	// Service is the service the command named, if any.
	Service string `json:"service,omitempty"`

	// Error contains details if status is "failed" or "timeout".
	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	// Code is the error code (e.g., "SERVICE_NOT_FOUND", "NOT_CONNECTED").
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeServiceNotFound   = "SERVICE_NOT_FOUND"
	ErrCodeNotConnected      = "NOT_CONNECTED"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage is sent from Bridge to Core when an entity state changes.
// Topic: graylogic/state/espnode/{node}/{kind}/{object_id}
// QoS: 1, Retained: Yes (cleared with an empty retained publish when the
// entity is removed from the node)
type StateMessage struct {
	// NodeID is the bridge-local node identifier.
	NodeID string `json:"node_id"`

	// Timestamp is when the state was observed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Kind is the entity kind (e.g., "sensor", "binary_sensor", "light").
	Kind string `json:"kind"`

	// ObjectID is the device-chosen entity identifier slug.
	ObjectID string `json:"object_id"`

	// Missing is true when the node has no valid reading for this entity.
	// State is empty in that case.
	Missing bool `json:"missing,omitempty"`

	// State contains the kind-specific state fields.
	// Examples:
	//   Sensor: {"state": 21.5}
	//   Light:  {"on": true, "brightness": 128}
	State map[string]any `json:"state,omitempty"`

	// Protocol is the protocol identifier ("espnode").
	Protocol string `json:"protocol"`
}

// AvailabilityStatus is the value carried by availability messages.
type AvailabilityStatus string

const (
	// AvailabilityOnline means the node's entities are usable. Deep-sleep
	// nodes stay online across their scheduled disconnects.
	AvailabilityOnline AvailabilityStatus = "online"

	// AvailabilityOffline means the node is disconnected and not sleeping.
	AvailabilityOffline AvailabilityStatus = "offline"
)

// AvailabilityMessage is sent from Bridge to Core when a node's availability
// changes.
// Topic: graylogic/availability/espnode/{node}
// QoS: 1, Retained: Yes
type AvailabilityMessage struct {
	// NodeID is the bridge-local node identifier.
	NodeID string `json:"node_id"`

	// Timestamp is when the transition was observed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Status is "online" or "offline".
	Status AvailabilityStatus `json:"status"`

	// DeepSleep is true for nodes that intentionally disconnect to sleep.
	DeepSleep bool `json:"deep_sleep,omitempty"`
}

// DeviceSummary is the device descriptor carried in discovery snapshots.
// Built from the live handshake when connected, otherwise from the persisted
// identity.
type DeviceSummary struct {
	Name            string `json:"name,omitempty"`
	MAC             string `json:"mac,omitempty"`
	Model           string `json:"model,omitempty"`
	Manufacturer    string `json:"manufacturer,omitempty"`
	SoftwareVersion string `json:"sw_version,omitempty"`
	HasDeepSleep    bool   `json:"has_deep_sleep,omitempty"`
}

// DiscoveryMessage is the retained per-node metadata snapshot: device
// descriptor plus the full entity and service inventory. Consumers use it to
// populate UIs without waiting for the node's next connection.
// Topic: graylogic/discovery/espnode/{node}
// QoS: 1, Retained: Yes (cleared on node removal)
type DiscoveryMessage struct {
	// NodeID is the bridge-local node identifier.
	NodeID string `json:"node_id"`

	// Timestamp is when the snapshot was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Device describes the hardware, when known.
	Device *DeviceSummary `json:"device,omitempty"`

	// Entities is the current entity inventory.
	Entities []node.EntityInfo `json:"entities"`

	// Services is the current registered service inventory.
	Services []node.ServiceInfo `json:"services"`
}

// EventMessage is a non-retained node event: a host action requested by the
// device, a voice session boundary, or a session condition Core should react
// to.
// Topic: graylogic/event/espnode/{node}
type EventMessage struct {
	// Type is the event type.
	// Values: "host_action", "voice_start", "voice_end", "reauth_required",
	// "identity_migrated"
	Type string `json:"type"`

	// NodeID is the bridge-local node identifier.
	NodeID string `json:"node_id"`

	// Timestamp is when the event occurred (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Action names the requested host action or event ("host_action" only).
	Action string `json:"action,omitempty"`

	// IsEvent is true when the action should be fired as a bus event rather
	// than invoked as an automation action ("host_action" only).
	IsEvent bool `json:"is_event,omitempty"`

	// Data carries the event payload verbatim.
	Data map[string]string `json:"data,omitempty"`
}

// Event types published on the node event topic.
const (
	EventTypeHostAction       = "host_action"
	EventTypeVoiceStart       = "voice_start"
	EventTypeVoiceEnd         = "voice_end"
	EventTypeReauthRequired   = "reauth_required"
	EventTypeIdentityMigrated = "identity_migrated"
)

// RequestMessage is sent from Core to Bridge for request/response operations.
// Topic: graylogic/request/espnode/{request_id}
type RequestMessage struct {
	// RequestID correlates the response. The topic path segment is
	// authoritative; this field is informational.
	RequestID string `json:"request_id,omitempty"`

	// Timestamp is when the request was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Action is the requested operation.
	// Values: "reconnect", "refresh", "node_info", "discover"
	Action string `json:"action"`

	// NodeID is the target node (required for node-specific actions).
	NodeID string `json:"node_id,omitempty"`

	// Parameters contains action-specific values.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResponseMessage is sent from Bridge to Core in response to a request.
// Topic: graylogic/response/espnode/{request_id}
type ResponseMessage struct {
	// RequestID is the ID from the original request topic.
	RequestID string `json:"request_id"`

	// Timestamp is when the response was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Success indicates whether the request succeeded.
	Success bool `json:"success"`

	// Data contains the response payload (if successful).
	Data map[string]any `json:"data,omitempty"`

	// Error contains error details (if failed).
	Error *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	// Code is the error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is operating with issues.
	HealthDegraded HealthStatus = "degraded"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is sent from Bridge to Core to report operational status.
// Topic: graylogic/health/espnode
// QoS: 1, Retained: Yes
// Interval: Every 30 seconds
type HealthMessage struct {
	// Bridge is the bridge identifier ("espnode").
	Bridge string `json:"bridge"`

	// Timestamp is when the health status was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Status indicates the current operational status.
	Status HealthStatus `json:"status"`

	// Version is the bridge software version.
	Version string `json:"version"`

	// UptimeSeconds is how long the bridge has been running.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// NodesConfigured is the number of managed node sessions.
	NodesConfigured int `json:"nodes_configured"`

	// NodesConnected is how many of them hold a live connection.
	NodesConnected int `json:"nodes_connected"`

	// Nodes summarises each session.
	Nodes []NodeHealth `json:"nodes,omitempty"`

	// Issues lists conditions an operator should look at.
	Issues []HealthIssue `json:"issues,omitempty"`

	// Reason explains the status (especially for degraded).
	Reason string `json:"reason,omitempty"`
}

// NodeHealth summarises one node session for health reports.
type NodeHealth struct {
	// NodeID is the bridge-local node identifier.
	NodeID string `json:"node_id"`

	// State is the session lifecycle state ("connected", "connecting",
	// "disconnected", "reauth_required", "stopped").
	State string `json:"state"`

	// Address is the configured "host:port".
	Address string `json:"address"`

	// ConnectedSince is when the current connection was established.
	ConnectedSince *time.Time `json:"connected_since,omitempty"`

	// StatesReceived counts state payloads received from the node.
	StatesReceived uint64 `json:"states_received"`

	// Disconnects counts connection losses since the bridge started.
	Disconnects uint64 `json:"disconnects"`
}

// Health issue codes.
const (
	// IssuePlaintextPassword flags a node still authenticating with the
	// legacy API password instead of an encryption key.
	IssuePlaintextPassword = "plaintext_password"

	// IssueReauthRequired flags a node whose stored credentials were
	// rejected; the session is parked until a reconnect is requested.
	IssueReauthRequired = "reauth_required"
)

// HealthIssue is one operator-facing condition in a health report.
type HealthIssue struct {
	// NodeID is the affected node, if the issue is node-scoped.
	NodeID string `json:"node_id,omitempty"`

	// Code is the issue code.
	Code string `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`
}

// JSON marshalling helpers

// MarshalJSON marshals a CommandMessage to JSON.
func (m *CommandMessage) MarshalJSON() ([]byte, error) {
	type Alias CommandMessage
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// UnmarshalJSON unmarshals a CommandMessage from JSON.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// NewAckMessage creates an acknowledgment message for a command.
func NewAckMessage(cmd CommandMessage, nodeID string, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		NodeID:    nodeID,
		Status:    status,
		Protocol:  Protocol,
		Service:   cmd.Service,
	}
}

// NewAckError creates an acknowledgment with error details.
func NewAckError(cmd CommandMessage, nodeID, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		NodeID:    nodeID,
		Status:    status,
		Protocol:  Protocol,
		Service:   cmd.Service,
		Error: &AckError{
			Code:    code,
			Message: message,
		},
	}
}

// NewStateMessage creates a state message for one entity update.
func NewStateMessage(nodeID string, info node.EntityInfo, u node.StateUpdate) StateMessage {
	return StateMessage{
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
		Kind:      string(info.Kind),
		ObjectID:  info.ObjectID,
		Missing:   u.Missing,
		State:     u.Fields,
		Protocol:  Protocol,
	}
}

// NewAvailabilityMessage creates an availability message for a node.
func NewAvailabilityMessage(nodeID string, online, deepSleep bool) AvailabilityMessage {
	status := AvailabilityOffline
	if online {
		status = AvailabilityOnline
	}
	return AvailabilityMessage{
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
		Status:    status,
		DeepSleep: deepSleep,
	}
}

// NewEventMessage creates a node event message.
func NewEventMessage(nodeID, eventType string) EventMessage {
	return EventMessage{
		Type:      eventType,
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
	}
}

// DeviceSummaryFor builds the device descriptor for a session, preferring
// the live handshake result over the persisted identity. Returns nil when
// the node has never completed a handshake.
func DeviceSummaryFor(info *node.DeviceInfo, ident *node.Identity) *DeviceSummary {
	if summary := summaryFromInfo(info); summary != nil {
		return summary
	}
	return summaryFromIdentity(ident)
}

// summaryFromInfo builds the discovery device descriptor from a live
// handshake result.
func summaryFromInfo(info *node.DeviceInfo) *DeviceSummary {
	if info == nil {
		return nil
	}
	return &DeviceSummary{
		Name:            info.Name,
		MAC:             node.NormalizeMAC(info.MACAddress),
		Model:           info.Model,
		Manufacturer:    info.Manufacturer,
		SoftwareVersion: info.SoftwareVersion,
		HasDeepSleep:    info.HasDeepSleep,
	}
}

// summaryFromIdentity builds the discovery device descriptor from a
// persisted identity record.
func summaryFromIdentity(ident *node.Identity) *DeviceSummary {
	if ident == nil {
		return nil
	}
	return &DeviceSummary{
		Name:            ident.Name,
		MAC:             ident.MAC,
		Model:           ident.Model,
		Manufacturer:    ident.Manufacturer,
		SoftwareVersion: ident.SoftwareVersion,
		HasDeepSleep:    ident.HasDeepSleep,
	}
}
