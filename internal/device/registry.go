package device

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Factory builds the variant for one device.
type Factory func(deviceID string) Variant

var ErrDuplicateTag = errors.New("device type tag already registered")

// Registry maps backend type tags to variant factories. Unknown tags
// resolve to the fallback factory.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	fallback  Factory
}

// NewRegistry creates an empty registry. A nil fallback uses NewUnsupported.
func NewRegistry(fallback Factory) *Registry {
	if fallback == nil {
		fallback = NewUnsupported
	}
	return &Registry{
		factories: make(map[string]Factory),
		fallback:  fallback,
	}
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// Register binds every tag to factory. Nothing is registered when any of
// the tags is empty or already taken.
func (r *Registry) Register(tags []string, factory Factory) error {
	if factory == nil {
		return errors.New("nil factory")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	normalized := make([]string, 0, len(tags))
	for _, tag := range tags {
		n := normalizeTag(tag)
		if n == "" {
			return errors.New("empty type tag")
		}
		if _, exists := r.factories[n]; exists || slices.Contains(normalized, n) {
			return fmt.Errorf("%w: %s", ErrDuplicateTag, n)
		}
		normalized = append(normalized, n)
	}
	for _, n := range normalized {
		r.factories[n] = factory
	}
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(tags []string, factory Factory) {
	if err := r.Register(tags, factory); err != nil {
		panic(err)
	}
}

// Resolve returns the factory registered for tag.
func (r *Registry) Resolve(tag string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[normalizeTag(tag)]
	return f, ok
}

// ResolveOrFallback never fails.
func (r *Registry) ResolveOrFallback(tag string) Factory {
	if f, ok := r.Resolve(tag); ok {
		return f
	}
	return r.fallback
}

// Tags lists the registered tags in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}

var builtins = []struct {
	tags    []string
	factory Factory
}{
	{tags: []string{"light", "dimmer", "color_light", "hue_light", "kasa_bulb"}, factory: newLight},
	{tags: []string{"switch", "plug", "outlet", "relay", "kasa_plug"}, factory: newSwitch},
	{tags: []string{"sensor", "temperature_sensor", "humidity_sensor", "contact_sensor", "motion_sensor"}, factory: newSensor},
	{tags: []string{"thermostat", "hvac", "heater"}, factory: newThermostat},
	{tags: []string{"ups"}, factory: newUPS},
	{tags: []string{"scene"}, factory: newScene},
}

// DefaultRegistry returns a registry with the built-in variants.
func DefaultRegistry() *Registry {
	r := NewRegistry(NewUnsupported)
	for _, b := range builtins {
		r.MustRegister(b.tags, b.factory)
	}
	return r
}
