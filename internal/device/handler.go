// Package device implements per-device polling handlers, their type
// variants and the registry that picks a variant for a backend type tag.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/roomd/internal/backend"
	"github.com/dokzlo13/roomd/internal/clock"
)

var (
	ErrHandlerClosed  = errors.New("handler closed")
	ErrNotCommandable = errors.New("device does not accept commands")
	ErrEmptyName      = errors.New("name must not be empty")
)

// Fetcher is the part of the backend a handler talks to.
type Fetcher interface {
	Device(ctx context.Context, id string) (*backend.DevicePayload, error)
	SetDevice(ctx context.Context, id string, partial map[string]any) error
	SetDeviceName(ctx context.Context, id, name string) error
}

// NameSource resolves human device names. Resolve also returns how long
// the name stays fresh; the handler asks again after that.
type NameSource interface {
	Resolve(ctx context.Context, id string, visible bool) (string, time.Duration, error)
	Forget(id string)
}

// Deps are the collaborators shared by every handler of a group host.
type Deps struct {
	Backend  Fetcher
	Names    NameSource // optional
	Observer Observer   // optional
	Clock    clock.Clock
	Probe    backend.NetworkProbe
	Policy   Policy
	// Spawn runs request work. nil starts a goroutine per request.
	Spawn func(func())
}

// Handler polls one device, tracks its confirmed state and reconciles
// commands against later polls.
//
// At most one GET is in flight per handler; a Poll issued meanwhile is
// coalesced into a single re-poll after completion. Every request carries
// the generation it was issued under and its completion is dropped when
// the handler has been hidden, re-shown or destroyed since.
type Handler struct {
	id       string
	typeTag  string
	priority int
	instance string
	variant  Variant
	deps     Deps

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	visible    bool
	started    bool
	destroyed  bool
	generation uint64
	inFlight   bool
	repoll     bool
	pollTimer  clock.Timer
	nameTimer  clock.Timer
	// nameGen invalidates name refreshes started before the last Show.
	nameGen    uint64
	nameShown  bool
	nextPoll   time.Time
	state      State
	hasState   bool
	notFound   bool
	failure    *Failure
	failures   int
	intent     ToggleIntent
	deadline   time.Time
	name       string
	seq        uint64
	updated    time.Time
}

// NewHandler creates a hidden handler. Call Start to begin name refresh
// and Show to begin polling.
func NewHandler(id, typeTag string, priority int, variant Variant, deps Deps) *Handler {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Probe == nil {
		deps.Probe = backend.InterfaceProbe{}
	}
	if deps.Spawn == nil {
		deps.Spawn = func(f func()) { go f() }
	}
	if deps.Policy == (Policy{}) {
		deps.Policy = DefaultPolicy()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Handler{
		id:       id,
		typeTag:  typeTag,
		priority: priority,
		instance: uuid.NewString(),
		variant:  variant,
		deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ID returns the device id.
func (h *Handler) ID() string { return h.id }

// Type returns the backend type tag the handler was created for.
func (h *Handler) Type() string { return h.typeTag }

// Kind returns the variant kind.
func (h *Handler) Kind() string { return h.variant.Kind() }

// Priority returns the schema priority.
func (h *Handler) Priority() int { return h.priority }

// Size returns the layout footprint.
func (h *Handler) Size() Size { return h.variant.Size() }

// Start begins the name refresh loop.
func (h *Handler) Start() {
	h.mu.Lock()
	if h.started || h.destroyed {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	if h.deps.Names != nil {
		h.deps.Spawn(h.refreshName)
	}
}

// Show makes the handler visible and schedules the first poll after a
// random delay so that handlers shown together do not burst the backend.
func (h *Handler) Show() {
	h.mu.Lock()
	if h.destroyed || h.visible {
		h.mu.Unlock()
		return
	}
	h.visible = true
	h.generation++
	if h.variant.Polls() {
		h.scheduleLocked(h.deps.Policy.ShowDelay.Pick())
	}
	// A name last resolved while hidden is due on the hidden cadence.
	refresh := h.started && h.deps.Names != nil && !h.nameShown
	if refresh {
		h.nameGen++
		if h.nameTimer != nil {
			h.nameTimer.Stop()
			h.nameTimer = nil
		}
	}
	snap := h.bumpLocked()
	h.mu.Unlock()

	log.Debug().Str("device", h.id).Str("instance", h.instance).Msg("Device shown")
	h.notify(snap, nil)
	if refresh {
		h.deps.Spawn(h.refreshName)
	}
}

// Hide stops scheduling polls and drops a pending toggle intent. An
// in-flight request is not cancelled; its response is discarded on arrival.
func (h *Handler) Hide() {
	h.mu.Lock()
	if h.destroyed || !h.visible {
		h.mu.Unlock()
		return
	}
	h.visible = false
	h.generation++
	h.repoll = false
	h.stopPollLocked()
	// No poll can confirm a pending intent until the next Show.
	h.intent = ToggleIntent{}
	h.deadline = time.Time{}
	snap := h.bumpLocked()
	h.mu.Unlock()

	log.Debug().Str("device", h.id).Str("instance", h.instance).Msg("Device hidden")
	h.notify(snap, nil)
}

// Destroy stops all timers and aborts in-flight requests. The handler
// cannot be reused.
func (h *Handler) Destroy() {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	h.destroyed = true
	h.visible = false
	h.generation++
	h.repoll = false
	h.stopPollLocked()
	if h.nameTimer != nil {
		h.nameTimer.Stop()
		h.nameTimer = nil
	}
	h.mu.Unlock()

	h.cancel()
	log.Debug().Str("device", h.id).Str("instance", h.instance).Msg("Device handler destroyed")
}

// Poll requests the device state now, outside the regular schedule.
func (h *Handler) Poll() {
	h.poll(0, false)
}

func (h *Handler) poll(gen uint64, scheduled bool) {
	h.mu.Lock()
	if h.destroyed || !h.visible || !h.variant.Polls() {
		h.mu.Unlock()
		return
	}
	if scheduled && gen != h.generation {
		h.mu.Unlock()
		return
	}
	if h.inFlight {
		h.repoll = true
		h.mu.Unlock()
		return
	}
	h.stopPollLocked()
	h.inFlight = true
	reqGen := h.generation
	h.mu.Unlock()

	h.deps.Spawn(func() { h.fetch(reqGen) })
}

func (h *Handler) fetch(gen uint64) {
	ctx, cancel := context.WithTimeout(h.ctx, h.deps.Policy.RequestTimeout)
	payload, err := h.deps.Backend.Device(ctx, h.id)
	cancel()

	networkUp := true
	if err != nil && !errors.Is(err, backend.ErrDeviceNotFound) {
		networkUp = h.deps.Probe.Reachable()
	}
	h.complete(gen, payload, err, networkUp)
}

func (h *Handler) complete(gen uint64, payload *backend.DevicePayload, err error, networkUp bool) {
	h.mu.Lock()
	h.inFlight = false
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	if gen != h.generation || !h.visible {
		again := h.visible && h.repoll
		h.repoll = false
		h.mu.Unlock()

		log.Debug().Str("device", h.id).Msg("Discarding stale poll response")
		if again {
			h.Poll()
		}
		return
	}

	now := h.deps.Clock.Now()
	var failure *Failure
	switch {
	case errors.Is(err, backend.ErrDeviceNotFound):
		h.applyNotFoundLocked(now)
	case err != nil:
		failure = h.failLocked(err, networkUp)
	default:
		state, perr := h.variant.Parse(payload)
		if perr != nil {
			failure = h.failLocked(&backend.Error{
				Op:   "GET",
				Path: "/get/" + h.id,
				Kind: backend.KindMalformedResponse,
				Err:  perr,
			}, networkUp)
		} else {
			h.applyLocked(state, now)
		}
	}

	again := h.repoll
	h.repoll = false
	if !again {
		h.scheduleLocked(h.deps.Policy.nextDelay(h.phaseLocked(), h.notFound, h.failures))
	}
	snap := h.bumpLocked()
	h.mu.Unlock()

	h.notify(snap, failure)
	if again {
		h.Poll()
	}
}

func (h *Handler) applyLocked(state State, now time.Time) {
	h.state = state
	h.hasState = true
	h.notFound = false
	h.failure = nil
	h.failures = 0
	h.updated = now

	if !h.intent.Pending {
		return
	}

	on, ok := state.Bool("on")
	switch {
	case ok && on == h.intent.Intended:
		log.Debug().Str("device", h.id).Bool("on", on).Msg("Command confirmed")
		h.intent = ToggleIntent{}
	case now.After(h.deadline):
		// Timed out: render the last confirmed value, not the intended one.
		log.Info().
			Str("device", h.id).
			Bool("intended", h.intent.Intended).
			Dur("waited", now.Sub(h.intent.IssuedAt)).
			Msg("Command not confirmed in time, showing confirmed state")
		h.intent = ToggleIntent{}
	case h.deps.Policy.Confirm.ExtendOnMismatch:
		limit := h.intent.IssuedAt.Add(h.deps.Policy.Confirm.MaxWindow)
		next := now.Add(h.deps.Policy.Confirm.Timeout)
		if next.After(limit) {
			next = limit
		}
		h.deadline = next
	}
}

func (h *Handler) applyNotFoundLocked(now time.Time) {
	state, err := h.variant.Parse(nil)
	if err != nil {
		log.Warn().Err(err).Str("device", h.id).Msg("Failed to parse not-found state")
	}
	h.state = state
	h.hasState = true
	h.notFound = true
	h.failure = nil
	h.failures = 0
	h.intent = ToggleIntent{}
	h.updated = now

	log.Warn().Str("device", h.id).Msg("Backend reports device not found")
}

func (h *Handler) failLocked(err error, networkUp bool) *Failure {
	kind := backend.KindOf(err)
	f := &Failure{
		Kind:  kind,
		Class: backend.Classify(kind, networkUp),
		Err:   err,
	}
	h.failure = f
	h.failures++
	h.intent = ToggleIntent{}

	log.Warn().
		Err(err).
		Str("device", h.id).
		Str("kind", kind.String()).
		Str("class", string(f.Class)).
		Int("consecutive", h.failures).
		Msg("Device poll failed")

	return f
}

func (h *Handler) phaseLocked() Phase {
	switch {
	case !h.visible:
		return PhaseHidden
	case h.failure != nil:
		return PhaseFailed
	case h.intent.Pending:
		return PhaseCommandPending
	default:
		return PhasePolling
	}
}

func (h *Handler) scheduleLocked(d time.Duration) {
	h.stopPollLocked()
	if h.destroyed || !h.visible || !h.variant.Polls() {
		return
	}
	gen := h.generation
	h.nextPoll = h.deps.Clock.Now().Add(d)
	h.pollTimer = h.deps.Clock.AfterFunc(d, func() { h.poll(gen, true) })
}

func (h *Handler) stopPollLocked() {
	if h.pollTimer != nil {
		h.pollTimer.Stop()
		h.pollTimer = nil
	}
	h.nextPoll = time.Time{}
}

// SendCommand posts a partial state update. Once the backend accepts it the
// handler polls immediately; commands touching "on" additionally enter the
// command-pending phase until a poll confirms the new value or the confirm
// timeout passes. A hidden handler forwards the command without tracking it.
func (h *Handler) SendCommand(ctx context.Context, partial map[string]any) error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return ErrHandlerClosed
	}
	if !h.variant.Polls() {
		h.mu.Unlock()
		return ErrNotCommandable
	}
	currentOn, _ := h.state.Bool("on")
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.deps.Policy.RequestTimeout)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	if err := h.deps.Backend.SetDevice(ctx, h.id, partial); err != nil {
		log.Warn().Err(err).Str("device", h.id).Msg("Command rejected")
		return fmt.Errorf("command to %s failed: %w", h.id, err)
	}

	if v, ok := partial["on"]; ok {
		intended := !currentOn
		if b, isBool := v.(bool); isBool {
			intended = b
		}

		h.mu.Lock()
		if h.destroyed {
			h.mu.Unlock()
			return ErrHandlerClosed
		}
		// Nothing polls a hidden handler, so an intent could never be
		// confirmed; the next Show polls the new state instead.
		if !h.visible {
			h.mu.Unlock()
			log.Debug().Str("device", h.id).Msg("Command sent while hidden, not tracking confirmation")
			return nil
		}
		now := h.deps.Clock.Now()
		h.intent = ToggleIntent{Pending: true, Intended: intended, IssuedAt: now}
		h.deadline = now.Add(h.deps.Policy.Confirm.Timeout)
		snap := h.bumpLocked()
		h.mu.Unlock()

		log.Debug().Str("device", h.id).Bool("intended", intended).Msg("Command pending confirmation")
		h.notify(snap, nil)
	}

	h.Poll()
	return nil
}

// Toggle flips the "on" field.
func (h *Handler) Toggle(ctx context.Context) error {
	h.mu.Lock()
	on, _ := h.state.Bool("on")
	h.mu.Unlock()

	return h.SendCommand(ctx, map[string]any{"on": !on})
}

// Rename sets a new human name on the backend and refreshes the cached name.
func (h *Handler) Rename(ctx context.Context, name string) error {
	if name == "" {
		return ErrEmptyName
	}

	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return ErrHandlerClosed
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.deps.Policy.RequestTimeout)
	defer cancel()

	if err := h.deps.Backend.SetDeviceName(ctx, h.id, name); err != nil {
		return fmt.Errorf("rename of %s failed: %w", h.id, err)
	}

	h.mu.Lock()
	h.name = name
	h.nameGen++
	snap := h.bumpLocked()
	h.mu.Unlock()
	h.notify(snap, nil)

	if h.deps.Names != nil {
		h.deps.Names.Forget(h.id)
		h.deps.Spawn(h.refreshName)
	}
	return nil
}

func (h *Handler) refreshName() {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	visible := h.visible
	gen := h.nameGen
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(h.ctx, h.deps.Policy.RequestTimeout)
	name, delay, err := h.deps.Names.Resolve(ctx, h.id, visible)
	cancel()

	h.mu.Lock()
	// Destroyed, or a newer refresh owns the name and its timer.
	if h.destroyed || gen != h.nameGen {
		h.mu.Unlock()
		return
	}
	changed := false
	if err != nil || delay <= 0 {
		delay = h.deps.Policy.ErrorInterval.Pick()
		if err != nil {
			log.Debug().Err(err).Str("device", h.id).Msg("Name lookup failed")
		}
	}
	if err == nil && name != "" && name != h.name {
		h.name = name
		changed = true
	}
	if h.nameTimer != nil {
		h.nameTimer.Stop()
	}
	h.nameShown = visible
	h.nameTimer = h.deps.Clock.AfterFunc(delay, func() { h.deps.Spawn(h.refreshName) })
	var snap Snapshot
	if changed {
		snap = h.bumpLocked()
	}
	h.mu.Unlock()

	if changed {
		h.notify(snap, nil)
	}
}

func (h *Handler) bumpLocked() Snapshot {
	h.seq++
	return h.snapshotLocked()
}

func (h *Handler) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:       h.id,
		Instance: h.instance,
		Type:     h.typeTag,
		Name:     h.name,
		Priority: h.priority,
		Seq:      h.seq,
		Phase:    h.phaseLocked(),
		Visible:  h.visible,
		Polls:    h.variant.Polls(),
		NotFound: h.notFound,
		HasState: h.hasState,
		State:    h.state.clone(),
		Intent:   h.intent,
		NextPoll: h.nextPoll,
		Updated:  h.updated,
	}
	if h.failure != nil {
		f := *h.failure
		s.Failure = &f
	}
	return s
}

// Snapshot returns a consistent copy of the handler state.
func (h *Handler) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// Presentation renders the current state through the variant.
func (h *Handler) Presentation() Presentation {
	return h.variant.Present(h.Snapshot())
}

func (h *Handler) notify(s Snapshot, f *Failure) {
	obs := h.deps.Observer
	if obs == nil {
		return
	}
	if f != nil {
		obs.DeviceFailed(s, *f)
	}
	obs.DeviceUpdated(s)
}
