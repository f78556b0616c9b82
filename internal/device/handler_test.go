package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/roomd/internal/backend"
	"github.com/dokzlo13/roomd/internal/clock"
)

// queueSpawner collects spawned work so tests decide when requests complete.
type queueSpawner struct {
	mu    sync.Mutex
	queue []func()
}

func (s *queueSpawner) spawn(f func()) {
	s.mu.Lock()
	s.queue = append(s.queue, f)
	s.mu.Unlock()
}

func (s *queueSpawner) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *queueSpawner) runOne() bool {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return false
	}
	f := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()
	f()
	return true
}

func (s *queueSpawner) runAll() {
	for s.runOne() {
	}
}

// fakeBackend serves one device whose "on" value changes only after lag
// further polls once a command is accepted.
type fakeBackend struct {
	mu         sync.Mutex
	on         bool
	target     *bool
	lag        int
	ignoreSets bool
	err        error
	payload    *backend.DevicePayload
	gets       int
	sets       []map[string]any
	renames    []string
}

func (b *fakeBackend) Device(_ context.Context, _ string) (*backend.DevicePayload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	if b.err != nil {
		return nil, b.err
	}
	if b.payload != nil {
		return b.payload, nil
	}
	if b.target != nil {
		if b.lag <= 0 {
			b.on = *b.target
			b.target = nil
		} else {
			b.lag--
		}
	}
	return &backend.DevicePayload{
		Type:   "switch",
		State:  map[string]any{"on": b.on},
		Health: backend.Health{Online: true},
	}, nil
}

func (b *fakeBackend) SetDevice(_ context.Context, _ string, partial map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sets = append(b.sets, partial)
	if b.ignoreSets {
		return nil
	}
	if on, ok := partial["on"].(bool); ok {
		b.target = &on
	}
	return nil
}

func (b *fakeBackend) SetDeviceName(_ context.Context, _ string, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.renames = append(b.renames, name)
	return nil
}

func (b *fakeBackend) getCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gets
}

type recordingObserver struct {
	mu       sync.Mutex
	updates  []Snapshot
	failures []Failure
}

func (o *recordingObserver) DeviceUpdated(s Snapshot) {
	o.mu.Lock()
	o.updates = append(o.updates, s)
	o.mu.Unlock()
}

func (o *recordingObserver) DeviceFailed(_ Snapshot, f Failure) {
	o.mu.Lock()
	o.failures = append(o.failures, f)
	o.mu.Unlock()
}

type fakeNames struct {
	mu        sync.Mutex
	name      string
	resolves  int
	forgotten []string
}

func (n *fakeNames) Resolve(_ context.Context, _ string, visible bool) (string, time.Duration, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolves++
	if visible {
		return n.name, 5 * time.Minute, nil
	}
	return n.name, 15 * time.Minute, nil
}

func (n *fakeNames) Forget(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forgotten = append(n.forgotten, id)
}

func fixed(d time.Duration) Window { return Window{Min: d, Max: d} }

func testPolicy() Policy {
	return Policy{
		ShowDelay:        fixed(time.Second),
		Interval:         fixed(4 * time.Second),
		PendingInterval:  fixed(500 * time.Millisecond),
		ErrorInterval:    fixed(6 * time.Second),
		RetryMultiplier:  1,
		MaxRetryInterval: 30 * time.Second,
		RequestTimeout:   time.Second,
		Confirm:          ConfirmPolicy{Timeout: 5 * time.Second, MaxWindow: 15 * time.Second},
	}
}

type harness struct {
	clock   *clock.Fake
	spawner *queueSpawner
	backend *fakeBackend
	obs     *recordingObserver
	probe   bool
	handler *Handler
}

func newHarness(t *testing.T, variant Variant, policy Policy) *harness {
	t.Helper()
	h := &harness{
		clock:   clock.NewFake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)),
		spawner: &queueSpawner{},
		backend: &fakeBackend{},
		obs:     &recordingObserver{},
		probe:   true,
	}
	h.handler = NewHandler("dev1", variant.Kind(), 0, variant, Deps{
		Backend:  h.backend,
		Observer: h.obs,
		Clock:    h.clock,
		Probe:    backend.ProbeFunc(func() bool { return h.probe }),
		Policy:   policy,
		Spawn:    h.spawner.spawn,
	})
	t.Cleanup(h.handler.Destroy)
	return h
}

// showAndPoll shows the handler and completes the first scheduled poll.
func (h *harness) showAndPoll() {
	h.handler.Show()
	h.clock.Advance(time.Second)
	h.spawner.runAll()
}

func TestHandler_ShowSchedulesFirstPoll(t *testing.T) {
	h := newHarness(t, switchVariant{}, testPolicy())

	h.handler.Show()
	assert.Equal(t, 1, h.clock.Pending())
	assert.Equal(t, 0, h.backend.getCount())

	h.clock.Advance(time.Second)
	h.spawner.runAll()

	assert.Equal(t, 1, h.backend.getCount())
	snap := h.handler.Snapshot()
	assert.True(t, snap.HasState)
	assert.Equal(t, PhasePolling, snap.Phase)

	next, ok := h.clock.NextIn()
	require.True(t, ok)
	assert.Equal(t, 4*time.Second, next)
}

func TestHandler_SingleFlight(t *testing.T) {
	h := newHarness(t, switchVariant{}, testPolicy())

	h.handler.Show()
	h.clock.Advance(time.Second)
	require.Equal(t, 1, h.spawner.len())

	for range 3 {
		h.handler.Poll()
	}
	assert.Equal(t, 1, h.spawner.len(), "polls during a request must not start new requests")

	// Completion runs exactly one coalesced re-poll.
	h.spawner.runOne()
	assert.Equal(t, 1, h.backend.getCount())
	assert.Equal(t, 1, h.spawner.len())

	h.spawner.runAll()
	assert.Equal(t, 2, h.backend.getCount())
	assert.Equal(t, 0, h.spawner.len())
	assert.Equal(t, 1, h.clock.Pending())
}

func TestHandler_StaleResponseDiscarded(t *testing.T) {
	t.Run("hidden_while_in_flight", func(t *testing.T) {
		h := newHarness(t, switchVariant{}, testPolicy())
		h.handler.Show()
		h.clock.Advance(time.Second)
		h.handler.Hide()

		h.spawner.runAll()

		snap := h.handler.Snapshot()
		assert.False(t, snap.HasState)
		assert.Equal(t, PhaseHidden, snap.Phase)
		assert.Equal(t, 0, h.clock.Pending())
	})

	t.Run("reshown_while_in_flight", func(t *testing.T) {
		h := newHarness(t, switchVariant{}, testPolicy())
		h.handler.Show()
		h.clock.Advance(time.Second)
		h.handler.Hide()
		h.handler.Show()

		h.spawner.runAll()

		assert.False(t, h.handler.Snapshot().HasState)
		assert.Equal(t, 1, h.clock.Pending(), "only the new show delay timer remains")
	})

	t.Run("destroyed_while_in_flight", func(t *testing.T) {
		h := newHarness(t, switchVariant{}, testPolicy())
		h.handler.Show()
		h.clock.Advance(time.Second)
		h.handler.Destroy()

		h.spawner.runAll()

		assert.False(t, h.handler.Snapshot().HasState)
		assert.Equal(t, 0, h.clock.Pending())
		assert.ErrorIs(t, h.handler.Toggle(context.Background()), ErrHandlerClosed)
	})
}

func TestHandler_ToggleConverges(t *testing.T) {
	h := newHarness(t, switchVariant{}, testPolicy())
	h.showAndPoll()
	require.Equal(t, "OFF", h.handler.Presentation().Status)

	require.NoError(t, h.handler.Toggle(context.Background()))
	require.Len(t, h.backend.sets, 1)
	assert.Equal(t, map[string]any{"on": true}, h.backend.sets[0])

	snap := h.handler.Snapshot()
	assert.True(t, snap.Intent.Pending)
	assert.True(t, snap.Intent.Intended)
	assert.Equal(t, PhaseCommandPending, snap.Phase)
	assert.Equal(t, "TURNING ON", h.handler.Presentation().Status)

	// The command triggers an immediate out-of-band poll.
	require.Equal(t, 1, h.spawner.len())
	h.spawner.runAll()

	snap = h.handler.Snapshot()
	assert.False(t, snap.Intent.Pending)
	assert.Equal(t, PhasePolling, snap.Phase)
	assert.Equal(t, "ON", h.handler.Presentation().Status)
}

func TestHandler_ToggleConvergesAfterLag(t *testing.T) {
	h := newHarness(t, switchVariant{}, testPolicy())
	h.showAndPoll()
	h.backend.lag = 2

	require.NoError(t, h.handler.SendCommand(context.Background(), map[string]any{"on": true}))
	h.spawner.runAll()
	assert.True(t, h.handler.Snapshot().Intent.Pending)

	next, ok := h.clock.NextIn()
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, next, "pending commands poll on the fast cadence")

	for range 2 {
		h.clock.Advance(500 * time.Millisecond)
		h.spawner.runAll()
	}

	assert.False(t, h.handler.Snapshot().Intent.Pending)
	on, _ := h.handler.Snapshot().State.Bool("on")
	assert.True(t, on)
}

func TestHandler_ToggleTimesOut(t *testing.T) {
	h := newHarness(t, switchVariant{}, testPolicy())
	h.showAndPoll()
	h.backend.ignoreSets = true

	require.NoError(t, h.handler.Toggle(context.Background()))
	h.spawner.runAll()

	for range 9 {
		h.clock.Advance(500 * time.Millisecond)
		h.spawner.runAll()
	}
	require.True(t, h.handler.Snapshot().Intent.Pending, "still waiting at 4.5s")

	for range 3 {
		h.clock.Advance(500 * time.Millisecond)
		h.spawner.runAll()
	}

	snap := h.handler.Snapshot()
	assert.False(t, snap.Intent.Pending)
	assert.Equal(t, PhasePolling, snap.Phase)
	assert.Equal(t, "OFF", h.handler.Presentation().Status, "confirmed state wins after timeout")
}

func TestHandler_ToggleExtendsOnMismatch(t *testing.T) {
	policy := testPolicy()
	policy.Confirm.ExtendOnMismatch = true
	policy.Confirm.MaxWindow = 8 * time.Second

	h := newHarness(t, switchVariant{}, policy)
	h.showAndPoll()
	h.backend.ignoreSets = true

	require.NoError(t, h.handler.Toggle(context.Background()))
	h.spawner.runAll()

	for range 15 {
		h.clock.Advance(500 * time.Millisecond)
		h.spawner.runAll()
	}
	require.True(t, h.handler.Snapshot().Intent.Pending, "deadline extended past the base timeout")

	for range 2 {
		h.clock.Advance(500 * time.Millisecond)
		h.spawner.runAll()
	}
	assert.False(t, h.handler.Snapshot().Intent.Pending, "bounded by the max window")
}

func TestHandler_ExplicitOnValue(t *testing.T) {
	h := newHarness(t, switchVariant{}, testPolicy())
	h.showAndPoll()

	require.NoError(t, h.handler.SendCommand(context.Background(), map[string]any{"on": false}))
	snap := h.handler.Snapshot()
	assert.True(t, snap.Intent.Pending)
	assert.False(t, snap.Intent.Intended)

	h.spawner.runAll()
	assert.False(t, h.handler.Snapshot().Intent.Pending)
}

func TestHandler_CommandWhileHidden(t *testing.T) {
	h := newHarness(t, switchVariant{}, testPolicy())

	require.NoError(t, h.handler.SendCommand(context.Background(), map[string]any{"on": true}))
	require.Len(t, h.backend.sets, 1, "the command still reaches the backend")
	assert.False(t, h.handler.Snapshot().Intent.Pending)
	assert.NotContains(t, h.handler.Presentation().Status, "TURNING")
	assert.Zero(t, h.spawner.len())
}

func TestHandler_HideDropsPendingIntent(t *testing.T) {
	h := newHarness(t, switchVariant{}, testPolicy())
	h.showAndPoll()

	require.NoError(t, h.handler.Toggle(context.Background()))
	require.True(t, h.handler.Snapshot().Intent.Pending)

	h.handler.Hide()
	h.spawner.runAll()
	assert.False(t, h.handler.Snapshot().Intent.Pending)
	assert.NotContains(t, h.handler.Presentation().Status, "TURNING")
}

func TestHandler_CommandWithoutOnField(t *testing.T) {
	h := newHarness(t, lightVariant{}, testPolicy())
	h.showAndPoll()

	require.NoError(t, h.handler.SendCommand(context.Background(), map[string]any{"brightness": 20}))
	assert.False(t, h.handler.Snapshot().Intent.Pending)
	assert.Equal(t, 1, h.spawner.len(), "still polls right away")
}

func TestHandler_Failure(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		networkUp bool
		class     backend.FailureClass
	}{
		{
			name:      "connection_refused",
			err:       &backend.Error{Op: "GET", Path: "/get/dev1", Kind: backend.KindConnectionRefused},
			networkUp: true,
			class:     backend.FailureServerDown,
		},
		{
			name:      "timeout_without_network",
			err:       context.DeadlineExceeded,
			networkUp: false,
			class:     backend.FailureNoNetworkConnection,
		},
		{
			name:      "relay_down",
			err:       &backend.Error{Op: "GET", Path: "/get/dev1", Kind: backend.KindServiceUnavailable, Status: 503},
			networkUp: true,
			class:     backend.FailureRelayDown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, switchVariant{}, testPolicy())
			h.backend.err = tt.err
			h.probe = tt.networkUp

			h.showAndPoll()

			snap := h.handler.Snapshot()
			require.NotNil(t, snap.Failure)
			assert.Equal(t, tt.class, snap.Failure.Class)
			assert.Equal(t, PhaseFailed, snap.Phase)
			require.Len(t, h.obs.failures, 1)
			assert.Equal(t, tt.class, h.obs.failures[0].Class)

			p := h.handler.Presentation()
			assert.Equal(t, string(tt.class), p.Status)
			assert.True(t, p.Stale)

			next, ok := h.clock.NextIn()
			require.True(t, ok)
			assert.Equal(t, 6*time.Second, next)
		})
	}
}

func TestHandler_RecoversAfterFailure(t *testing.T) {
	h := newHarness(t, switchVariant{}, testPolicy())
	h.backend.err = errors.New("boom")
	h.showAndPoll()
	require.Equal(t, PhaseFailed, h.handler.Snapshot().Phase)

	h.backend.mu.Lock()
	h.backend.err = nil
	h.backend.mu.Unlock()

	h.clock.Advance(6 * time.Second)
	h.spawner.runAll()

	snap := h.handler.Snapshot()
	assert.Nil(t, snap.Failure)
	assert.Equal(t, PhasePolling, snap.Phase)
	assert.Equal(t, "OFF", h.handler.Presentation().Status)
}

func TestHandler_FailureClearsIntent(t *testing.T) {
	h := newHarness(t, switchVariant{}, testPolicy())
	h.showAndPoll()
	h.backend.ignoreSets = true

	require.NoError(t, h.handler.Toggle(context.Background()))
	h.backend.mu.Lock()
	h.backend.err = &backend.Error{Kind: backend.KindInternalServerError, Status: 500}
	h.backend.mu.Unlock()
	h.spawner.runAll()

	snap := h.handler.Snapshot()
	assert.False(t, snap.Intent.Pending)
	require.NotNil(t, snap.Failure)
	assert.Equal(t, backend.FailureServerError, snap.Failure.Class)
}

func TestHandler_NotFoundIsNotAFailure(t *testing.T) {
	h := newHarness(t, lightVariant{}, testPolicy())
	h.backend.err = backend.ErrDeviceNotFound

	h.showAndPoll()

	snap := h.handler.Snapshot()
	assert.True(t, snap.NotFound)
	assert.Nil(t, snap.Failure)
	assert.Empty(t, h.obs.failures)
	assert.Equal(t, "LIGHT NOT FOUND", h.handler.Presentation().Status)

	next, ok := h.clock.NextIn()
	require.True(t, ok)
	assert.Equal(t, 6*time.Second, next, "not-found devices poll on the error cadence")
}

func TestHandler_MalformedPayload(t *testing.T) {
	h := newHarness(t, switchVariant{}, testPolicy())
	h.backend.payload = &backend.DevicePayload{
		State:  map[string]any{"on": "yes"},
		Health: backend.Health{Online: true},
	}

	h.showAndPoll()

	snap := h.handler.Snapshot()
	require.NotNil(t, snap.Failure)
	assert.Equal(t, backend.KindMalformedResponse, snap.Failure.Kind)
	assert.Equal(t, backend.FailureUnknown, snap.Failure.Class)
}

func TestHandler_Unsupported(t *testing.T) {
	h := newHarness(t, unsupportedVariant{}, testPolicy())

	h.handler.Show()
	assert.Equal(t, 0, h.clock.Pending())
	h.handler.Poll()
	assert.Equal(t, 0, h.spawner.len())

	assert.ErrorIs(t, h.handler.Toggle(context.Background()), ErrNotCommandable)
	assert.Equal(t, "UNSUPPORTED DEVICE TYPE", h.handler.Presentation().Status)
}

func TestHandler_SeqIncreases(t *testing.T) {
	h := newHarness(t, switchVariant{}, testPolicy())
	h.showAndPoll()
	require.NoError(t, h.handler.Toggle(context.Background()))
	h.spawner.runAll()

	require.NotEmpty(t, h.obs.updates)
	for i := 1; i < len(h.obs.updates); i++ {
		assert.Greater(t, h.obs.updates[i].Seq, h.obs.updates[i-1].Seq)
	}
}

func TestHandler_Names(t *testing.T) {
	h := newHarness(t, switchVariant{}, testPolicy())
	names := &fakeNames{name: "Desk Lamp"}
	h.handler.deps.Names = names

	h.handler.Start()
	h.spawner.runAll()
	assert.Equal(t, "Desk Lamp", h.handler.Snapshot().Name)
	assert.Equal(t, 1, h.clock.Pending(), "name refresh scheduled")

	h.clock.Advance(15 * time.Minute)
	h.spawner.runAll()
	assert.Equal(t, 2, names.resolves)

	require.NoError(t, h.handler.Rename(context.Background(), "Reading Lamp"))
	assert.Equal(t, []string{"Reading Lamp"}, h.backend.renames)
	assert.Equal(t, []string{"dev1"}, names.forgotten)
	assert.Equal(t, "Reading Lamp", h.handler.Snapshot().Name)

	assert.ErrorIs(t, h.handler.Rename(context.Background(), ""), ErrEmptyName)
}

func TestHandler_NameRefreshFollowsVisibility(t *testing.T) {
	h := newHarness(t, switchVariant{}, testPolicy())
	names := &fakeNames{name: "Desk Lamp"}
	h.handler.deps.Names = names

	h.handler.Start()
	h.spawner.runAll()
	require.Equal(t, 1, names.resolves)

	// Show replaces the hidden-cadence timer with an immediate refresh.
	h.showAndPoll()
	assert.Equal(t, 2, names.resolves)

	h.clock.Advance(6*time.Minute + time.Second)
	h.spawner.runAll()
	assert.GreaterOrEqual(t, names.resolves, 3, "refreshed on the visible cadence")

	// Hide and Show again on the visible cadence does not force another lookup.
	before := names.resolves
	h.handler.Hide()
	h.showAndPoll()
	assert.Equal(t, before, names.resolves)
}
