package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-espnode/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-espnode/internal/node"
)

// forwardTimeout bounds one host-state push to a node.
const forwardTimeout = 5 * time.Second

// hostForwarder pushes Core device states to the nodes that asked for them.
//
// A node requests a host entity (and optionally a single attribute) through
// its session; the forwarder keeps one MQTT subscription per distinct entity
// and fans incoming payloads out to every requesting session. Forwarding is
// change-only per target, and the retained Core state delivers the initial
// value right after subscribing. Targets are removed by session cleanup
// callbacks on disconnect; the last target for an entity drops the MQTT
// subscription.
type hostForwarder struct {
	ctx  context.Context
	mqtt MQTTClient

	mu      sync.Mutex
	entries map[string]*forwardEntry // entityID -> entry

	logger   Logger
	loggerMu sync.RWMutex
}

// forwardEntry is the fan-out list for one Core entity.
type forwardEntry struct {
	entityID string
	targets  []*forwardTarget
}

// forwardTarget is one session's interest in an entity, with the last value
// pushed so unchanged states are not re-sent.
type forwardTarget struct {
	sess      NodeSession
	attribute string
	last      string
	hasLast   bool
}

func newHostForwarder(ctx context.Context, client MQTTClient) *hostForwarder {
	return &hostForwarder{
		ctx:     ctx,
		mqtt:    client,
		entries: make(map[string]*forwardEntry),
	}
}

// Add registers sess to receive updates for entityID (narrowed to attribute
// when non-empty). The first target for an entity subscribes to the Core
// state topic. A cleanup callback is registered on the session so the
// disconnect pipeline removes the target again.
func (f *hostForwarder) Add(sess NodeSession, entityID, attribute string) error {
	if entityID == "" {
		return fmt.Errorf("host state subscription without entity id")
	}

	f.mu.Lock()
	entry, ok := f.entries[entityID]
	if !ok {
		entry = &forwardEntry{entityID: entityID}
		f.entries[entityID] = entry
	}
	for _, t := range entry.targets {
		if t.sess == sess && t.attribute == attribute {
			f.mu.Unlock()
			return nil // Already registered for this connection
		}
	}
	entry.targets = append(entry.targets, &forwardTarget{sess: sess, attribute: attribute})
	f.mu.Unlock()

	// The device re-requests its subscriptions on every connect, so the
	// matching removal must run on every disconnect.
	sess.AddCleanup(func() { f.remove(sess, entityID, attribute) })

	if !ok {
		// First target: subscribe outside the lock, the retained Core state
		// is delivered to the handler immediately.
		topic := mqtt.Topics{}.CoreDeviceState(entityID)
		handler := func(_ string, payload []byte) error {
			f.dispatch(entityID, payload)
			return nil
		}
		if err := f.mqtt.Subscribe(topic, 1, handler); err != nil {
			f.mu.Lock()
			delete(f.entries, entityID)
			f.mu.Unlock()
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
	}

	f.logDebug("host state forwarding added",
		"node_id", sess.NodeID(),
		"entity_id", entityID,
		"attribute", attribute)
	return nil
}

// remove drops one target. The entity's MQTT subscription is released when
// no targets remain.
func (f *hostForwarder) remove(sess NodeSession, entityID, attribute string) {
	f.mu.Lock()
	entry, ok := f.entries[entityID]
	if !ok {
		f.mu.Unlock()
		return
	}

	kept := entry.targets[:0]
	for _, t := range entry.targets {
		if t.sess == sess && t.attribute == attribute {
			continue
		}
		kept = append(kept, t)
	}
	entry.targets = kept

	empty := len(entry.targets) == 0
	if empty {
		delete(f.entries, entityID)
	}
	f.mu.Unlock()

	if empty {
		topic := mqtt.Topics{}.CoreDeviceState(entityID)
		if err := f.mqtt.Unsubscribe(topic); err != nil {
			f.logDebug("host state unsubscribe failed", "topic", topic, "error", err)
		}
	}
}

// forwardPush is one send claimed under the lock and executed outside it.
type forwardPush struct {
	sess      NodeSession
	attribute string
	value     string
}

// dispatch fans one Core state payload out to the entity's targets.
func (f *hostForwarder) dispatch(entityID string, payload []byte) {
	state := parseCoreState(payload)

	f.mu.Lock()
	entry, ok := f.entries[entityID]
	if !ok {
		f.mu.Unlock()
		return
	}

	var pushes []forwardPush
	for _, t := range entry.targets {
		value := selectStateValue(state, payload, t.attribute)
		if t.hasLast && t.last == value {
			continue
		}
		// Claim the value now; a failed push self-corrects on the next
		// change or reconnect.
		t.last = value
		t.hasLast = true
		pushes = append(pushes, forwardPush{sess: t.sess, attribute: t.attribute, value: value})
	}
	f.mu.Unlock()

	for _, p := range pushes {
		ctx, cancel := context.WithTimeout(f.ctx, forwardTimeout)
		err := p.sess.SendHostState(ctx, entityID, p.attribute, p.value)
		cancel()

		switch {
		case err == nil:
			f.logDebug("host state forwarded",
				"node_id", p.sess.NodeID(),
				"entity_id", entityID,
				"attribute", p.attribute)
		case errors.Is(err, node.ErrNotConnected):
			// Disconnect raced the push; cleanup removes the target.
		default:
			f.logError("host state push failed", err)
		}
	}
}

// setLogger sets the logger used for forwarding diagnostics.
func (f *hostForwarder) setLogger(logger Logger) {
	f.loggerMu.Lock()
	f.logger = logger
	f.loggerMu.Unlock()
}

func (f *hostForwarder) logDebug(msg string, keysAndValues ...any) {
	f.loggerMu.RLock()
	logger := f.logger
	f.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (f *hostForwarder) logError(msg string, err error) {
	f.loggerMu.RLock()
	logger := f.logger
	f.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

// parseCoreState extracts the state object from a Core device state payload.
// Returns nil when the payload is not the expected JSON shape.
func parseCoreState(payload []byte) map[string]any {
	var msg struct {
		State map[string]any `json:"state"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil
	}
	return msg.State
}

// selectStateValue picks the string the node receives for one target.
// With an attribute the value comes from that state field; without one the
// canonical "state" field is used. Payloads that are not Core state JSON are
// forwarded verbatim.
func selectStateValue(state map[string]any, payload []byte, attribute string) string {
	if state == nil {
		return string(payload)
	}

	key := attribute
	if key == "" {
		key = "state"
	}
	value, ok := state[key]
	if !ok {
		if attribute == "" {
			// No canonical field: forward the whole state object.
			return stringifyStateValue(state)
		}
		return ""
	}
	return stringifyStateValue(value)
}

// stringifyStateValue renders a state value the way nodes expect: scalars as
// bare strings, booleans as on/off, anything structured as compact JSON.
func stringifyStateValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "on"
		}
		return "off"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
