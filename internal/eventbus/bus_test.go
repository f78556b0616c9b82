package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/roomd/internal/backend"
	"github.com/dokzlo13/roomd/internal/device"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := NewWithConfig(2, 16)

	var mu sync.Mutex
	var got []string
	var wg sync.WaitGroup
	wg.Add(3)
	b.Subscribe(EventTypeDevice, func(e Event) {
		mu.Lock()
		got = append(got, e.Key)
		mu.Unlock()
		wg.Done()
	})
	b.Subscribe(EventTypeSchema, func(Event) { t.Error("unexpected schema event") })

	for _, key := range []string{"a", "b", "c"} {
		b.Publish(Event{Type: EventTypeDevice, Key: key})
	}
	wg.Wait()
	b.Close(context.Background())

	assert.ElementsMatch(t, []string{"a", "b", "c"}, got)
}

func TestBus_RecoversFromPanics(t *testing.T) {
	b := NewWithConfig(1, 4)
	done := make(chan struct{})

	b.Subscribe(EventTypeDevice, func(e Event) {
		if e.Key == "boom" {
			panic("handler failure")
		}
		close(done)
	})

	b.Publish(Event{Type: EventTypeDevice, Key: "boom"})
	b.Publish(Event{Type: EventTypeDevice, Key: "ok"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
	b.Close(context.Background())
}

func TestBus_PublishAfterCloseIsDropped(t *testing.T) {
	b := NewWithConfig(1, 1)
	b.Subscribe(EventTypeDevice, func(Event) { t.Error("handler called after close") })
	b.Close(context.Background())
	b.Close(context.Background())

	assert.NotPanics(t, func() { b.Publish(Event{Type: EventTypeDevice, Key: "late"}) })
}

func TestDeviceObserver(t *testing.T) {
	b := NewWithConfig(1, 8)
	updates := make(chan DeviceUpdate, 1)
	failures := make(chan DeviceFailure, 1)
	b.Subscribe(EventTypeDevice, func(e Event) { updates <- e.Data.(DeviceUpdate) })
	b.Subscribe(EventTypeDeviceFailure, func(e Event) { failures <- e.Data.(DeviceFailure) })

	obs := NewDeviceObserver(b, func(s device.Snapshot) (device.Presentation, bool) {
		return device.Presentation{ID: s.ID, Status: "ON"}, true
	})

	snap := device.Snapshot{ID: "lamp", Seq: 7}
	obs.DeviceUpdated(snap)
	obs.DeviceFailed(snap, device.Failure{Kind: backend.KindConnectionRefused, Class: backend.FailureServerDown})

	u := <-updates
	assert.Equal(t, uint64(7), u.Snapshot.Seq)
	assert.Equal(t, "ON", u.Presentation.Status)

	f := <-failures
	require.Equal(t, "lamp", f.Snapshot.ID)
	assert.Equal(t, backend.FailureServerDown, f.Failure.Class)

	b.Close(context.Background())
}
