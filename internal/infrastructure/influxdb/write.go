package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteEntityState writes a numeric entity state to InfluxDB.
//
// This is the primary method for recording node telemetry. The bridge calls
// it for every numeric state change it publishes, so sensor history ends up
// queryable without Core involvement. The write is non-blocking; data is
// batched and sent asynchronously.
//
// Parameters:
//   - nodeID: The node the entity belongs to (e.g., "greenhouse")
//   - kind: The entity kind (e.g., "sensor", "binary_sensor")
//   - objectID: The entity's object ID (e.g., "temperature")
//   - value: The numeric value to record
//
// Example:
//
//	client.WriteEntityState("greenhouse", "sensor", "temperature", 21.5)
//	client.WriteEntityState("porch", "binary_sensor", "motion", 1)
func (c *Client) WriteEntityState(nodeID, kind, objectID string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"entity_state",
		map[string]string{
			"node_id":   nodeID,
			"kind":      kind,
			"object_id": objectID,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteNodeAvailability records a node availability transition.
//
// Used for uptime tracking and flap detection across node reboots,
// deep-sleep cycles, and network drops.
//
// Parameters:
//   - nodeID: Node identifier
//   - online: Whether the node is now reachable
func (c *Client) WriteNodeAvailability(nodeID string, online bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"node_availability",
		map[string]string{
			"node_id": nodeID,
		},
		map[string]interface{}{
			"online": online,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteServiceCall records a user-defined service execution.
//
// Used for tracking command latency and failure rates per node.
//
// Parameters:
//   - nodeID: Node identifier
//   - service: The service name (e.g., "play_rtttl")
//   - ok: Whether the call was delivered to the node
//   - duration: Time from command receipt to delivery
func (c *Client) WriteServiceCall(nodeID, service string, ok bool, duration time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"service_call",
		map[string]string{
			"node_id": nodeID,
			"service": service,
		},
		map[string]interface{}{
			"ok":          ok,
			"duration_ms": float64(duration.Milliseconds()),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("bridge_stats",
//	    map[string]string{"bridge_id": "espnode-01"},
//	    map[string]interface{}{"nodes_online": 4, "nodes_total": 5})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
