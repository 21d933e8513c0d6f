// Package bridge binds espnode device sessions to the Gray Logic MQTT bus.
//
// It owns one node.Session per configured device and translates between the
// session's native event and state streams and the bus topic surface that
// Core and the panels consume.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐   native API
//	│   Gray Logic    │   MQTT   │ espnode Bridge  │◄────────────► ESP nodes
//	│      Core       │◄────────►│   (this pkg)    │
//	└─────────────────┘          └─────────────────┘
//
// # Key Responsibilities
//
//   - Publish retained entity state, availability, and discovery snapshots
//   - Execute call_service commands from Core and acknowledge them
//   - Answer request/response actions (reconnect, refresh, node_info, discover)
//   - Forward Core device states to nodes that subscribed to them
//   - Surface node-originated events (host actions, voice sessions)
//   - Publish periodic retained bridge health
//
// Retained topics are primed from the persisted snapshot store during Start,
// so consumers see a node's entities before its first connection of the day.
// Topics belonging to nodes that were removed from configuration are cleared
// with empty retained publishes.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package bridge
