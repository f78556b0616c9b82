package eventbus

import (
	"github.com/dokzlo13/roomd/internal/device"
)

// DeviceUpdate is the payload of EventTypeDevice.
type DeviceUpdate struct {
	Snapshot     device.Snapshot
	Presentation device.Presentation
}

// DeviceFailure is the payload of EventTypeDeviceFailure.
type DeviceFailure struct {
	Snapshot device.Snapshot
	Failure  device.Failure
}

// PresentFunc renders a snapshot. It is looked up per device because the
// variant lives in the handler.
type PresentFunc func(device.Snapshot) (device.Presentation, bool)

// DeviceObserver publishes handler updates on a bus.
type DeviceObserver struct {
	bus     *Bus
	present PresentFunc
}

// NewDeviceObserver creates an observer. present may be nil, in which case
// updates carry no presentation.
func NewDeviceObserver(bus *Bus, present PresentFunc) *DeviceObserver {
	return &DeviceObserver{bus: bus, present: present}
}

// DeviceUpdated implements device.Observer.
func (o *DeviceObserver) DeviceUpdated(s device.Snapshot) {
	update := DeviceUpdate{Snapshot: s}
	if o.present != nil {
		if p, ok := o.present(s); ok {
			update.Presentation = p
		}
	}
	o.bus.Publish(Event{Type: EventTypeDevice, Key: s.ID, Data: update})
}

// DeviceFailed implements device.Observer.
func (o *DeviceObserver) DeviceFailed(s device.Snapshot, f device.Failure) {
	o.bus.Publish(Event{Type: EventTypeDeviceFailure, Key: s.ID, Data: DeviceFailure{Snapshot: s, Failure: f}})
}
