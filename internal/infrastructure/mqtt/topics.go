package mqtt

import "fmt"

// Topic prefixes per Gray Logic MQTT specification.
//
// All bridge topics use the flat scheme: graylogic/{category}/{protocol}/...
// This matches what Core and the other protocol bridges publish and
// subscribe, so espnode traffic slots into the existing hierarchy.
const (
	// TopicPrefixBridge is the base for all bridge topics.
	TopicPrefixBridge = "graylogic"

	// TopicPrefixCore is the base for all core topics.
	TopicPrefixCore = "graylogic/core"

	// Protocol is the protocol identifier this bridge publishes under.
	Protocol = "espnode"
)

// Topics provides builders for the bridge's MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.NodeState("greenhouse", "sensor", "temperature")
//	// Returns: "graylogic/state/espnode/greenhouse/sensor/temperature"
type Topics struct{}

// =============================================================================
// Per-entity topics
// =============================================================================

// NodeState returns the retained state topic for one entity.
//
// Example: graylogic/state/espnode/greenhouse/sensor/temperature
func (Topics) NodeState(nodeID, kind, objectID string) string {
	return fmt.Sprintf("%s/state/%s/%s/%s/%s", TopicPrefixBridge, Protocol, nodeID, kind, objectID)
}

// =============================================================================
// Per-node topics
// =============================================================================

// NodeAvailability returns the retained availability topic for a node.
//
// Example: graylogic/availability/espnode/greenhouse
func (Topics) NodeAvailability(nodeID string) string {
	return fmt.Sprintf("%s/availability/%s/%s", TopicPrefixBridge, Protocol, nodeID)
}

// NodeDiscovery returns the retained metadata snapshot topic for a node.
//
// Example: graylogic/discovery/espnode/greenhouse
func (Topics) NodeDiscovery(nodeID string) string {
	return fmt.Sprintf("%s/discovery/%s/%s", TopicPrefixBridge, Protocol, nodeID)
}

// NodeCommand returns the command topic for a node.
//
// Example: graylogic/command/espnode/greenhouse
func (Topics) NodeCommand(nodeID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefixBridge, Protocol, nodeID)
}

// NodeAck returns the command acknowledgement topic for a node.
//
// Example: graylogic/ack/espnode/greenhouse
func (Topics) NodeAck(nodeID string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefixBridge, Protocol, nodeID)
}

// NodeEvent returns the non-retained event topic for a node.
//
// Example: graylogic/event/espnode/greenhouse
func (Topics) NodeEvent(nodeID string) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicPrefixBridge, Protocol, nodeID)
}

// =============================================================================
// Bridge-wide topics
// =============================================================================

// Request returns the request topic for one correlated request.
//
// Example: graylogic/request/espnode/req-abc123
func (Topics) Request(requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefixBridge, Protocol, requestID)
}

// Response returns the response topic for one correlated request.
//
// Example: graylogic/response/espnode/req-abc123
func (Topics) Response(requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefixBridge, Protocol, requestID)
}

// Health returns the retained bridge health topic.
//
// Example: graylogic/health/espnode
func (Topics) Health() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefixBridge, Protocol)
}

// BridgeState returns the bridge lifecycle topic used for the LWT.
//
// Example: graylogic/bridge/espnode/state
func (Topics) BridgeState() string {
	return fmt.Sprintf("%s/bridge/%s/state", TopicPrefixBridge, Protocol)
}

// =============================================================================
// Core topics
// =============================================================================

// CoreDeviceState returns the canonical device state topic published by Core.
// The bridge subscribes these to forward host entity states to nodes that
// request them.
//
// Example: graylogic/core/device/light-living-main/state
func (Topics) CoreDeviceState(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/state", TopicPrefixCore, deviceID)
}

// =============================================================================
// Wildcard patterns for subscriptions
// =============================================================================

// AllNodeCommands returns a pattern matching commands for every node this
// bridge owns.
//
// Pattern: graylogic/command/espnode/+
func (Topics) AllNodeCommands() string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefixBridge, Protocol)
}

// AllRequests returns a pattern matching all requests addressed to this
// bridge.
//
// Pattern: graylogic/request/espnode/+
func (Topics) AllRequests() string {
	return fmt.Sprintf("%s/request/%s/+", TopicPrefixBridge, Protocol)
}

// AllNodeStates returns a pattern matching every entity state this bridge
// publishes. The API server relays these to websocket subscribers.
//
// Pattern: graylogic/state/espnode/#
func (Topics) AllNodeStates() string {
	return fmt.Sprintf("%s/state/%s/#", TopicPrefixBridge, Protocol)
}

// AllAvailability returns a pattern matching every node availability topic.
//
// Pattern: graylogic/availability/espnode/+
func (Topics) AllAvailability() string {
	return fmt.Sprintf("%s/availability/%s/+", TopicPrefixBridge, Protocol)
}

// AllEvents returns a pattern matching every node event topic.
//
// Pattern: graylogic/event/espnode/+
func (Topics) AllEvents() string {
	return fmt.Sprintf("%s/event/%s/+", TopicPrefixBridge, Protocol)
}
