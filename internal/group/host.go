// Package group hosts the device handlers of one dashboard group.
package group

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/roomd/internal/backend"
	"github.com/dokzlo13/roomd/internal/clock"
	"github.com/dokzlo13/roomd/internal/device"
)

// TypeSource resolves the type tag of a device.
type TypeSource interface {
	DeviceType(ctx context.Context, id string) (string, error)
}

// Member is a device assigned to a group by the schema.
type Member struct {
	ID       string
	Priority int
}

type pendingDevice struct {
	priority int
	attempts int
	timer    clock.Timer
	// token identifies the lookup chain owning this entry across a
	// remove and re-add of the same id.
	token uint64
}

// Host owns the handlers of one group. Devices whose type is not yet known
// are kept pending and their type lookup is retried on the error cadence.
type Host struct {
	name     string
	types    TypeSource
	registry *device.Registry
	deps     device.Deps

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	visible  bool
	closed   bool
	handlers map[string]*device.Handler
	pending  map[string]*pendingDevice
	tokens   uint64
}

// NewHost creates a hidden, empty host.
func NewHost(name string, types TypeSource, registry *device.Registry, deps device.Deps) *Host {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Spawn == nil {
		deps.Spawn = func(f func()) { go f() }
	}
	if deps.Policy == (device.Policy{}) {
		deps.Policy = device.DefaultPolicy()
	}
	if registry == nil {
		registry = device.DefaultRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		name:     name,
		types:    types,
		registry: registry,
		deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]*device.Handler),
		pending:  make(map[string]*pendingDevice),
	}
}

// Name returns the group name.
func (g *Host) Name() string { return g.name }

// AddDevice registers a device. The first sighting starts the type lookup;
// later calls for a known id are ignored.
func (g *Host) AddDevice(id string, priority int) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	if _, ok := g.handlers[id]; ok {
		g.mu.Unlock()
		return
	}
	if _, ok := g.pending[id]; ok {
		g.mu.Unlock()
		return
	}
	g.tokens++
	token := g.tokens
	g.pending[id] = &pendingDevice{priority: priority, token: token}
	g.mu.Unlock()

	g.deps.Spawn(func() { g.resolve(id, token) })
}

func (g *Host) resolve(id string, token uint64) {
	ctx, cancel := context.WithTimeout(g.ctx, g.deps.Policy.RequestTimeout)
	typeTag, err := g.types.DeviceType(ctx, id)
	cancel()

	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pending[id]
	if !ok || g.closed || p.token != token {
		return
	}

	// An unknown id will not appear by retrying; it renders as unsupported.
	if errors.Is(err, backend.ErrDeviceNotFound) {
		log.Info().Str("group", g.name).Str("device", id).Msg("Backend does not know device, attaching as unsupported")
		typeTag, err = "", nil
	}

	if err != nil {
		p.attempts++
		delay := g.deps.Policy.ErrorInterval.Pick()
		log.Warn().
			Err(err).
			Str("group", g.name).
			Str("device", id).
			Int("attempt", p.attempts).
			Dur("retry_in", delay).
			Msg("Failed to resolve device type")
		p.timer = g.deps.Clock.AfterFunc(delay, func() { g.deps.Spawn(func() { g.resolve(id, token) }) })
		return
	}

	delete(g.pending, id)

	variant := g.registry.ResolveOrFallback(typeTag)(id)
	h := device.NewHandler(id, typeTag, p.priority, variant, g.deps)
	g.handlers[id] = h

	// Handler locks nest inside the host lock, never the other way round.
	h.Start()
	if g.visible {
		h.Show()
	}

	log.Info().
		Str("group", g.name).
		Str("device", id).
		Str("type", typeTag).
		Str("kind", variant.Kind()).
		Msg("Device attached")
}

// RemoveDevice destroys the handler of id, or cancels its type lookup.
func (g *Host) RemoveDevice(id string) bool {
	g.mu.Lock()
	if p, ok := g.pending[id]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(g.pending, id)
		g.mu.Unlock()
		return true
	}
	h, ok := g.handlers[id]
	if ok {
		delete(g.handlers, id)
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	h.Destroy()
	log.Info().Str("group", g.name).Str("device", id).Msg("Device detached")
	return true
}

// Sync adds new members and removes devices no longer listed.
func (g *Host) Sync(members []Member) (added, removed int) {
	want := make(map[string]struct{}, len(members))
	for _, m := range members {
		want[m.ID] = struct{}{}
	}

	g.mu.Lock()
	var stale []string
	for id := range g.handlers {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	for id := range g.pending {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	known := make(map[string]struct{}, len(g.handlers)+len(g.pending))
	for id := range g.handlers {
		known[id] = struct{}{}
	}
	for id := range g.pending {
		known[id] = struct{}{}
	}
	g.mu.Unlock()

	for _, id := range stale {
		if g.RemoveDevice(id) {
			removed++
		}
	}
	for _, m := range members {
		if _, ok := known[m.ID]; ok {
			continue
		}
		g.AddDevice(m.ID, m.Priority)
		added++
	}
	return added, removed
}

// Show makes every handler visible.
func (g *Host) Show() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.visible {
		return
	}
	g.visible = true
	for _, h := range g.handlers {
		h.Show()
	}
	log.Debug().Str("group", g.name).Int("devices", len(g.handlers)).Msg("Group shown")
}

// Hide stops polling of every handler.
func (g *Host) Hide() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || !g.visible {
		return
	}
	g.visible = false
	for _, h := range g.handlers {
		h.Hide()
	}
	log.Debug().Str("group", g.name).Msg("Group hidden")
}

// Visible reports whether the group is shown.
func (g *Host) Visible() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.visible
}

// Close destroys every handler and abandons pending lookups.
func (g *Host) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.visible = false
	handlers := g.handlers
	g.handlers = make(map[string]*device.Handler)
	for _, p := range g.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	g.pending = make(map[string]*pendingDevice)
	g.mu.Unlock()

	g.cancel()
	for _, h := range handlers {
		h.Destroy()
	}
	log.Debug().Str("group", g.name).Int("devices", len(handlers)).Msg("Group closed")
}

// Handlers returns the attached handlers ordered by priority, then id.
func (g *Host) Handlers() []*device.Handler {
	g.mu.Lock()
	out := make([]*device.Handler, 0, len(g.handlers))
	for _, h := range g.handlers {
		out = append(out, h)
	}
	g.mu.Unlock()

	slices.SortFunc(out, func(a, b *device.Handler) int {
		if c := cmp.Compare(a.Priority(), b.Priority()); c != 0 {
			return c
		}
		return cmp.Compare(a.ID(), b.ID())
	})
	return out
}

// Handler returns the handler of id.
func (g *Host) Handler(id string) (*device.Handler, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.handlers[id]
	return h, ok
}

// Len returns the number of attached handlers.
func (g *Host) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.handlers)
}

// Pending returns the number of devices still waiting for their type.
func (g *Host) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Layout packs the attached handlers at the given width.
func (g *Host) Layout(width int) Layout {
	handlers := g.Handlers()
	items := make([]Item, 0, len(handlers))
	for _, h := range handlers {
		items = append(items, Item{ID: h.ID(), Type: h.Type(), Size: h.Size()})
	}
	return Pack(items, width)
}
