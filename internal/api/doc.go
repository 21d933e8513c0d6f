// Package api implements the diagnostics and control HTTP server for the
// espnode bridge.
//
// This package provides:
//   - REST endpoints for node status, entity and service inventories,
//     service invocation, reconnect, and inventory refresh
//   - Current mDNS browse results for provisioning tools
//   - A WebSocket hub relaying state, availability, and event frames from
//     the MQTT bus, with per-connection channel and node filters
//   - Bearer-token authentication against argon2id hashes held in
//     configuration, plus short-lived JWT tickets for WebSocket dials
//   - An audit trail of control actions, attributed to the bearer token
//     that performed them
//   - Middleware stack (request ID, logging, recovery, CORS, body limits)
//   - TLS support for production deployments
//
// # Architecture
//
// The HTTP surface is read-mostly. Gray Logic Core remains the system of
// record and drives the bridge over MQTT; this server exists for operators
// and provisioning tools that need a direct view of session health without
// standing up a bus client. The only mutating endpoints (service call,
// reconnect, refresh) act on the live session; beyond the audit record they
// leave no state behind.
//
// # Graceful Degradation
//
// The server operates without MQTT: node endpoints keep working, only the
// WebSocket relay is disabled. It also runs with discovery disabled, in
// which case the discovery endpoint reports enabled=false, and without an
// audit repository, in which case actions simply go unrecorded.
package api
