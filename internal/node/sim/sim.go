package sim

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nerrad567/gray-logic-espnode/internal/node"
)

// DriverName is the name this package registers itself under.
const DriverName = "sim"

func init() {
	node.RegisterDriver(DriverName, Dial)
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*Device)
)

// Add registers a device under a host name so Dial can reach it. Replaces
// any previous device with the same host.
func Add(host string, d *Device) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[host] = d
}

// Remove unregisters a device. Open connections are not affected.
func Remove(host string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, host)
}

// Lookup returns the device registered under host, or nil.
func Lookup(host string) *Device {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[host]
}

// Dial connects to a registered simulated device. Hosts starting with
// "demo" are provisioned on first use so a configured sim node works out of
// the box; any other unknown host behaves like a refused connection.
func Dial(ctx context.Context, cfg node.DialConfig) (node.Client, error) {
	registryMu.Lock()
	d := registry[cfg.Host]
	if d == nil && strings.HasPrefix(cfg.Host, "demo") {
		d = demoDevice(cfg.Host)
		registry[cfg.Host] = d
	}
	registryMu.Unlock()

	if d == nil {
		return nil, fmt.Errorf("%w: no simulated device at %q", node.ErrConnectionFailed, cfg.Host)
	}
	return d.dial(ctx, cfg)
}

// demoDevice builds the canned device used for auto-provisioned demo hosts:
// a motion sensor, a temperature sensor, a light, a switch and one
// user-defined service.
func demoDevice(host string) *Device {
	d := New(Config{
		Info: node.DeviceInfo{
			Name:            host,
			MACAddress:      demoMAC(host),
			Model:           "esp32dev",
			Manufacturer:    "Espressif",
			SoftwareVersion: "2025.8.1",
		},
		Entities: []node.EntityInfo{
			{Kind: node.KindBinarySensor, Key: 1, ObjectID: "motion", Name: "Motion", DeviceClass: "motion"},
			{Kind: node.KindSensor, Key: 2, ObjectID: "temperature", Name: "Temperature", Unit: "°C", DeviceClass: "temperature"},
			{Kind: node.KindLight, Key: 3, ObjectID: "ceiling", Name: "Ceiling"},
			{Kind: node.KindSwitch, Key: 4, ObjectID: "relay", Name: "Relay"},
		},
		Services: []node.ServiceInfo{
			{
				Key:  100,
				Name: "play_rtttl",
				Args: []node.ServiceArg{{Name: "song", Type: node.ArgString}},
			},
		},
	})

	d.PushState(node.StateUpdate{Kind: node.KindBinarySensor, Key: 1, Fields: map[string]any{"state": false}})
	d.PushState(node.StateUpdate{Kind: node.KindSensor, Key: 2, Fields: map[string]any{"state": 21.5}})
	d.PushState(node.StateUpdate{Kind: node.KindLight, Key: 3, Fields: map[string]any{"state": false, "brightness": 0.0}})
	d.PushState(node.StateUpdate{Kind: node.KindSwitch, Key: 4, Fields: map[string]any{"state": true}})
	return d
}

// demoMAC derives a stable fake MAC from the host name so demo nodes keep
// their identity across restarts.
func demoMAC(host string) string {
	var sum uint32
	for _, r := range host {
		sum = sum*31 + uint32(r)
	}
	return fmt.Sprintf("aa:bb:cc:%02x:%02x:%02x", byte(sum>>16), byte(sum>>8), byte(sum))
}
