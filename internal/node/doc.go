// Package node implements the espnode device integration layer.
//
// An espnode is an ESPHome-compatible microcontroller device that exposes
// entities (sensors, switches, lights, ...) and user-defined services over a
// native RPC protocol. This package owns everything between the raw protocol
// driver and the bridge's MQTT surface:
//
//   - Session: one persistent connection per device with reconnect handling,
//     a connect pipeline (device info, identity migration, entity/service
//     reconciliation, stream subscriptions, snapshot persistence) and a
//     disconnect pipeline (cleanup callbacks, availability, stale marking).
//   - Registrar: reconciles entity and service listings across reconnects.
//     Entity identity is the opaque integer key within its kind bucket; a
//     renamed entity keeps its identity.
//   - Dispatcher: fans incoming state updates out to subscribers by
//     (kind, key), suppressing unchanged values except after a disconnect,
//     when every known key is marked stale so the next update always fires.
//   - Store: sqlite-backed snapshot of last-known identity, entities and
//     services, loaded before the first connection so consumers can populate
//     immediately.
//
// The wire protocol itself lives outside this repository. Drivers implement
// the Client interface and register themselves by name (RegisterDriver), the
// same way database/sql drivers do. The sim subpackage ships an in-process
// driver for development and tests.
//
// # Thread Safety
//
// All exported types are safe for concurrent use unless noted otherwise.
package node
