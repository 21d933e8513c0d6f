package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/gray-logic-espnode/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-espnode/internal/node"
)

func newTestForwarder(client MQTTClient) *hostForwarder {
	return newHostForwarder(context.Background(), client)
}

func TestForwarderAddSubscribes(t *testing.T) {
	mqttClient := NewMockMQTTClient()
	f := newTestForwarder(mqttClient)
	sess := newFakeSession("porch")

	if err := f.Add(sess, "light.hallway", ""); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	subs := mqttClient.GetSubscriptions()
	if len(subs) != 1 {
		t.Fatalf("subscriptions = %d, want 1", len(subs))
	}
	wantTopic := mqtt.Topics{}.CoreDeviceState("light.hallway")
	if subs[0].Topic != wantTopic {
		t.Errorf("subscription topic = %q, want %q", subs[0].Topic, wantTopic)
	}

	// The same session re-requesting the same entity does not resubscribe
	if err := f.Add(sess, "light.hallway", ""); err != nil {
		t.Fatalf("Add() duplicate error: %v", err)
	}
	if got := len(mqttClient.GetSubscriptions()); got != 1 {
		t.Errorf("subscriptions after duplicate = %d, want 1", got)
	}

	// A second entity gets its own subscription
	if err := f.Add(sess, "climate.living", "temperature"); err != nil {
		t.Fatalf("Add() second entity error: %v", err)
	}
	if got := len(mqttClient.GetSubscriptions()); got != 2 {
		t.Errorf("subscriptions after second entity = %d, want 2", got)
	}
}

func TestForwarderAddRequiresEntity(t *testing.T) {
	f := newTestForwarder(NewMockMQTTClient())

	if err := f.Add(newFakeSession("porch"), "", ""); err == nil {
		t.Error("Add() expected error for empty entity id")
	}
}

func TestForwarderAddSubscribeError(t *testing.T) {
	mqttClient := NewMockMQTTClient()
	mqttClient.SetSubscribeError(errors.New("broker down"))
	f := newTestForwarder(mqttClient)
	sess := newFakeSession("porch")

	if err := f.Add(sess, "light.hallway", ""); err == nil {
		t.Fatal("Add() expected error when subscribe fails")
	}

	// A later attempt retries the subscription from scratch
	mqttClient.SetSubscribeError(nil)
	if err := f.Add(sess, "light.hallway", ""); err != nil {
		t.Fatalf("Add() retry error: %v", err)
	}
	if got := len(mqttClient.GetSubscriptions()); got != 1 {
		t.Errorf("subscriptions = %d, want 1", got)
	}
}

func TestForwarderDispatchPushesState(t *testing.T) {
	mqttClient := NewMockMQTTClient()
	f := newTestForwarder(mqttClient)
	sess := newFakeSession("porch")

	if err := f.Add(sess, "light.hallway", ""); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	// The subscription handler delivers Core state synchronously
	topic := mqtt.Topics{}.CoreDeviceState("light.hallway")
	payload := []byte(`{"device_id":"light.hallway","state":{"state":"on","brightness":128}}`)
	if err := mqttClient.SimulateMessage(topic, payload); err != nil {
		t.Fatalf("SimulateMessage() error: %v", err)
	}

	sent := sess.getSent()
	if len(sent) != 1 {
		t.Fatalf("SendHostState() calls = %d, want 1", len(sent))
	}
	if sent[0].EntityID != "light.hallway" {
		t.Errorf("entity = %q, want light.hallway", sent[0].EntityID)
	}
	if sent[0].Attribute != "" {
		t.Errorf("attribute = %q, want empty", sent[0].Attribute)
	}
	if sent[0].State != "on" {
		t.Errorf("state = %q, want on", sent[0].State)
	}
}

func TestForwarderChangeOnly(t *testing.T) {
	mqttClient := NewMockMQTTClient()
	f := newTestForwarder(mqttClient)
	sess := newFakeSession("porch")

	if err := f.Add(sess, "light.hallway", ""); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	on := []byte(`{"state":{"state":"on"}}`)
	off := []byte(`{"state":{"state":"off"}}`)

	f.dispatch("light.hallway", on)
	f.dispatch("light.hallway", on) // Unchanged, suppressed
	f.dispatch("light.hallway", off)

	sent := sess.getSent()
	if len(sent) != 2 {
		t.Fatalf("SendHostState() calls = %d, want 2", len(sent))
	}
	if sent[0].State != "on" || sent[1].State != "off" {
		t.Errorf("pushed states = [%s %s], want [on off]", sent[0].State, sent[1].State)
	}
}

func TestForwarderMultipleTargets(t *testing.T) {
	mqttClient := NewMockMQTTClient()
	f := newTestForwarder(mqttClient)
	porch := newFakeSession("porch")
	panel := newFakeSession("panel")

	if err := f.Add(porch, "climate.living", ""); err != nil {
		t.Fatalf("Add(porch) error: %v", err)
	}
	if err := f.Add(panel, "climate.living", "setpoint"); err != nil {
		t.Fatalf("Add(panel) error: %v", err)
	}

	// One entity, one subscription, two targets
	if got := len(mqttClient.GetSubscriptions()); got != 1 {
		t.Errorf("subscriptions = %d, want 1", got)
	}

	f.dispatch("climate.living", []byte(`{"state":{"state":"heating","setpoint":21.5}}`))

	porchSent := porch.getSent()
	if len(porchSent) != 1 || porchSent[0].State != "heating" {
		t.Errorf("porch pushes = %+v, want one 'heating'", porchSent)
	}
	panelSent := panel.getSent()
	if len(panelSent) != 1 || panelSent[0].State != "21.5" {
		t.Errorf("panel pushes = %+v, want one '21.5'", panelSent)
	}
	if panelSent[0].Attribute != "setpoint" {
		t.Errorf("panel attribute = %q, want setpoint", panelSent[0].Attribute)
	}
}

func TestForwarderCleanupUnsubscribes(t *testing.T) {
	mqttClient := NewMockMQTTClient()
	f := newTestForwarder(mqttClient)
	porch := newFakeSession("porch")
	panel := newFakeSession("panel")

	if err := f.Add(porch, "light.hallway", ""); err != nil {
		t.Fatalf("Add(porch) error: %v", err)
	}
	if err := f.Add(panel, "light.hallway", ""); err != nil {
		t.Fatalf("Add(panel) error: %v", err)
	}

	// First disconnect removes only that target; the subscription stays
	porch.Stop()
	if got := len(mqttClient.GetUnsubscribed()); got != 0 {
		t.Errorf("unsubscribes after first disconnect = %d, want 0", got)
	}

	f.dispatch("light.hallway", []byte(`{"state":{"state":"on"}}`))
	if got := porch.getSent(); len(got) != 0 {
		t.Errorf("removed target still receives pushes: %+v", got)
	}
	if got := panel.getSent(); len(got) != 1 {
		t.Errorf("remaining target pushes = %d, want 1", len(got))
	}

	// Last disconnect drops the subscription
	panel.Stop()
	unsubs := mqttClient.GetUnsubscribed()
	wantTopic := mqtt.Topics{}.CoreDeviceState("light.hallway")
	if len(unsubs) != 1 || unsubs[0] != wantTopic {
		t.Errorf("unsubscribed = %v, want [%s]", unsubs, wantTopic)
	}
}

func TestForwarderNotConnectedTolerated(t *testing.T) {
	mqttClient := NewMockMQTTClient()
	f := newTestForwarder(mqttClient)
	sess := newFakeSession("porch")
	sess.sendErr = node.ErrNotConnected

	if err := f.Add(sess, "light.hallway", ""); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	// A push racing a disconnect is dropped without retries
	f.dispatch("light.hallway", []byte(`{"state":{"state":"on"}}`))

	if got := sess.getSent(); len(got) != 0 {
		t.Errorf("pushes = %+v, want none", got)
	}
}

func TestSelectStateValue(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		attribute string
		want      string
	}{
		{
			name:    "canonical state field",
			payload: `{"state":{"state":"on","brightness":128}}`,
			want:    "on",
		},
		{
			name:      "named attribute",
			payload:   `{"state":{"state":"on","brightness":128}}`,
			attribute: "brightness",
			want:      "128",
		},
		{
			name:      "boolean attribute renders on",
			payload:   `{"state":{"occupied":true}}`,
			attribute: "occupied",
			want:      "on",
		},
		{
			name:      "boolean attribute renders off",
			payload:   `{"state":{"occupied":false}}`,
			attribute: "occupied",
			want:      "off",
		},
		{
			name:      "float without trailing zeros",
			payload:   `{"state":{"temperature":21.5}}`,
			attribute: "temperature",
			want:      "21.5",
		},
		{
			name:      "missing named attribute",
			payload:   `{"state":{"state":"on"}}`,
			attribute: "luminance",
			want:      "",
		},
		{
			name:    "no canonical field forwards whole state",
			payload: `{"state":{"brightness":128}}`,
			want:    `{"brightness":128}`,
		},
		{
			name:      "structured value as compact JSON",
			payload:   `{"state":{"color":{"r":255,"g":0,"b":0}}}`,
			attribute: "color",
			want:      `{"b":0,"g":0,"r":255}`,
		},
		{
			name:    "non-JSON payload forwarded verbatim",
			payload: `23.4`,
			want:    `23.4`,
		},
		{
			name:      "null attribute",
			payload:   `{"state":{"state":null}}`,
			attribute: "state",
			want:      "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := parseCoreState([]byte(tt.payload))
			got := selectStateValue(state, []byte(tt.payload), tt.attribute)
			if got != tt.want {
				t.Errorf("selectStateValue() = %q, want %q", got, tt.want)
			}
		})
	}
}
