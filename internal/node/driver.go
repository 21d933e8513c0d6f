package node

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// driverRegistry holds the named dial functions. Drivers register themselves
// from an init function, mirroring database/sql:
//
//	import _ "github.com/nerrad567/gray-logic-espnode/internal/node/sim"
var driverRegistry = struct {
	mu sync.RWMutex
	m  map[string]DialFunc
}{m: make(map[string]DialFunc)}

// RegisterDriver makes a dial function available under the given name.
// It panics on a nil dial function or a duplicate name, both of which are
// programmer errors.
func RegisterDriver(name string, dial DialFunc) {
	driverRegistry.mu.Lock()
	defer driverRegistry.mu.Unlock()

	if dial == nil {
		panic("node: RegisterDriver with nil dial function")
	}
	if _, dup := driverRegistry.m[name]; dup {
		panic("node: RegisterDriver called twice for driver " + name)
	}
	driverRegistry.m[name] = dial
}

// Dial connects to a device using the named driver.
func Dial(ctx context.Context, driver string, cfg DialConfig) (Client, error) {
	dial, err := lookupDriver(driver)
	if err != nil {
		return nil, err
	}
	return dial(ctx, cfg)
}

// Drivers returns the sorted names of all registered drivers.
func Drivers() []string {
	driverRegistry.mu.RLock()
	defer driverRegistry.mu.RUnlock()

	names := make([]string, 0, len(driverRegistry.m))
	for name := range driverRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupDriver(name string) (DialFunc, error) {
	driverRegistry.mu.RLock()
	dial, ok := driverRegistry.m[name]
	driverRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownDriver, name, Drivers())
	}
	return dial, nil
}
