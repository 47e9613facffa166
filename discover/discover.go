// Package discover provides a minimal device registry: a stable identity
// per *device.Device so callers can name a device without holding onto a
// raw pointer across process boundaries in logs and diagnostics.
// device.CopyTensor takes *device.Device values directly and does not
// consult this registry.
package discover

import (
	"sync"

	"github.com/google/uuid"

	"github.com/vertexml/tensorcore/device"
)

// Info describes one registered device.
type Info struct {
	ID   uuid.UUID
	Name string
	Dev  *device.Device
}

type registry struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]*Info
	ordered []*Info
}

var global = &registry{byID: make(map[uuid.UUID]*Info)}

// Register adds dev to the process-wide device registry under name,
// returning its assigned identity.
func Register(name string, dev *device.Device) Info {
	info := &Info{ID: uuid.New(), Name: name, Dev: dev}
	global.mu.Lock()
	defer global.mu.Unlock()
	global.byID[info.ID] = info
	global.ordered = append(global.ordered, info)
	return *info
}

// Lookup returns the registered device for id, if any.
func Lookup(id uuid.UUID) (Info, bool) {
	global.mu.RLock()
	defer global.mu.RUnlock()
	info, ok := global.byID[id]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// All returns every registered device in registration order.
func All() []Info {
	global.mu.RLock()
	defer global.mu.RUnlock()
	out := make([]Info, len(global.ordered))
	for i, info := range global.ordered {
		out[i] = *info
	}
	return out
}
