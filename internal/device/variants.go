package device

import (
	"fmt"
	"strings"

	"github.com/dokzlo13/roomd/internal/backend"
)

// parseCommon copies the generic payload blocks. A nil payload yields an
// offline state carrying notFound as the reason.
func parseCommon(p *backend.DevicePayload, notFound string) State {
	if p == nil {
		return State{Health: Health{Reason: notFound}, Fields: map[string]any{}}
	}
	fields := p.State
	if fields == nil {
		fields = map[string]any{}
	}
	return State{
		Health:    Health(p.Health),
		Fields:    fields,
		Info:      p.Info,
		Actions:   p.Actions,
		AutoState: p.AutoState,
	}
}

func requireBool(s State, key string) error {
	if v, ok := s.Fields[key]; ok && v != nil {
		if _, isBool := v.(bool); !isBool {
			return fmt.Errorf("field %q: expected bool, got %T", key, v)
		}
	}
	return nil
}

func requireNumber(s State, key string) error {
	if v, ok := s.Fields[key]; ok && v != nil {
		if _, isNum := s.Number(key); !isNum {
			return fmt.Errorf("field %q: expected number, got %T", key, v)
		}
	}
	return nil
}

// basePresentation fills the fields every variant shares. done reports that
// the status is already decided and the variant must not override it.
func basePresentation(kind string, size Size, s Snapshot) (p Presentation, done bool) {
	p = Presentation{
		ID:       s.ID,
		Type:     s.Type,
		Kind:     kind,
		Name:     s.Name,
		Phase:    s.Phase.String(),
		InFlight: s.Intent.Pending,
		Online:   s.State.Health.Online,
		Size:     size,
		Seq:      s.Seq,
	}
	if p.Name == "" {
		p.Name = s.ID
	}

	switch {
	case s.Failure != nil:
		p.Status = string(s.Failure.Class)
		p.Stale = true
		p.Online = false
		p.InFlight = false
		return p, true
	case s.NotFound:
		p.Status = "DEVICE NOT FOUND"
		if s.State.Health.Reason != "" {
			p.Status = strings.ToUpper(s.State.Health.Reason)
		}
		return p, true
	case !s.HasState:
		p.Status = "LOADING"
		return p, true
	case s.State.Health.Fault:
		p.Status = "FAULT"
		if s.State.Health.Reason != "" {
			p.Status += ": " + strings.ToUpper(s.State.Health.Reason)
		}
		return p, true
	case !s.State.Health.Online:
		p.Status = "OFFLINE"
		return p, true
	}
	return p, false
}

func onOffStatus(s Snapshot) string {
	if s.Intent.Pending {
		if s.Intent.Intended {
			return "TURNING ON"
		}
		return "TURNING OFF"
	}
	if on, _ := s.State.Bool("on"); on {
		return "ON"
	}
	return "OFF"
}

type lightVariant struct{}

func newLight(string) Variant { return lightVariant{} }

func (lightVariant) Kind() string { return "light" }
func (lightVariant) Size() Size   { return Size{W: 2, H: 1} }
func (lightVariant) Polls() bool  { return true }

func (lightVariant) Parse(p *backend.DevicePayload) (State, error) {
	s := parseCommon(p, "light not found")
	if err := requireBool(s, "on"); err != nil {
		return State{}, err
	}
	if err := requireNumber(s, "brightness"); err != nil {
		return State{}, err
	}
	return s, nil
}

func (v lightVariant) Present(s Snapshot) Presentation {
	p, done := basePresentation(v.Kind(), v.Size(), s)
	if done {
		return p
	}
	on, _ := s.State.Bool("on")
	p.Fields = map[string]any{"on": on}
	p.Status = onOffStatus(s)

	if b, ok := s.State.Number("brightness"); ok {
		p.Fields["brightness"] = b
		if on && !s.Intent.Pending {
			p.Status = fmt.Sprintf("ON %.0f%%", b)
		}
	}
	if c, ok := s.State.Fields["color"]; ok {
		p.Fields["color"] = c
	}
	return p
}

type switchVariant struct{}

func newSwitch(string) Variant { return switchVariant{} }

func (switchVariant) Kind() string { return "switch" }
func (switchVariant) Size() Size   { return Size{W: 1, H: 1} }
func (switchVariant) Polls() bool  { return true }

func (switchVariant) Parse(p *backend.DevicePayload) (State, error) {
	s := parseCommon(p, "switch not found")
	if err := requireBool(s, "on"); err != nil {
		return State{}, err
	}
	return s, nil
}

func (v switchVariant) Present(s Snapshot) Presentation {
	p, done := basePresentation(v.Kind(), v.Size(), s)
	if done {
		return p
	}
	on, _ := s.State.Bool("on")
	p.Fields = map[string]any{"on": on}
	p.Status = onOffStatus(s)
	if w, ok := s.State.Number("power"); ok {
		p.Fields["power"] = w
	}
	return p
}

type sensorVariant struct{}

func newSensor(string) Variant { return sensorVariant{} }

func (sensorVariant) Kind() string { return "sensor" }
func (sensorVariant) Size() Size   { return Size{W: 1, H: 1} }
func (sensorVariant) Polls() bool  { return true }

func (sensorVariant) Parse(p *backend.DevicePayload) (State, error) {
	s := parseCommon(p, "sensor not found")
	if err := requireNumber(s, "value"); err != nil {
		return State{}, err
	}
	return s, nil
}

func (v sensorVariant) Present(s Snapshot) Presentation {
	p, done := basePresentation(v.Kind(), v.Size(), s)
	if done {
		return p
	}
	unit, _ := s.State.Text("unit")
	p.Fields = map[string]any{}
	if unit != "" {
		p.Fields["unit"] = unit
	}

	if val, ok := s.State.Number("value"); ok {
		p.Fields["value"] = val
		p.Status = strings.TrimSpace(fmt.Sprintf("%.1f %s", val, unit))
		return p
	}
	if open, ok := s.State.Bool("open"); ok {
		p.Fields["open"] = open
		p.Status = "CLOSED"
		if open {
			p.Status = "OPEN"
		}
		return p
	}
	if motion, ok := s.State.Bool("motion"); ok {
		p.Fields["motion"] = motion
		p.Status = "CLEAR"
		if motion {
			p.Status = "MOTION"
		}
		return p
	}
	p.Status = "NO READING"
	return p
}

type thermostatVariant struct{}

func newThermostat(string) Variant { return thermostatVariant{} }

func (thermostatVariant) Kind() string { return "thermostat" }
func (thermostatVariant) Size() Size   { return Size{W: 2, H: 2} }
func (thermostatVariant) Polls() bool  { return true }

func (thermostatVariant) Parse(p *backend.DevicePayload) (State, error) {
	s := parseCommon(p, "thermostat not found")
	for _, key := range []string{"current_value", "target_value"} {
		if err := requireNumber(s, key); err != nil {
			return State{}, err
		}
	}
	if err := requireBool(s, "on"); err != nil {
		return State{}, err
	}
	return s, nil
}

func (v thermostatVariant) Present(s Snapshot) Presentation {
	p, done := basePresentation(v.Kind(), v.Size(), s)
	if done {
		return p
	}
	p.Fields = map[string]any{}
	cur, hasCur := s.State.Number("current_value")
	target, hasTarget := s.State.Number("target_value")
	if hasCur {
		p.Fields["current_value"] = cur
	}
	if hasTarget {
		p.Fields["target_value"] = target
	}

	if on, ok := s.State.Bool("on"); ok {
		p.Fields["on"] = on
		if s.Intent.Pending || !on {
			p.Status = onOffStatus(s)
			return p
		}
	}

	switch {
	case hasCur && hasTarget:
		p.Status = fmt.Sprintf("%.1f° → %.1f°", cur, target)
	case hasCur:
		p.Status = fmt.Sprintf("%.1f°", cur)
	default:
		p.Status = "NO READING"
	}
	return p
}

type upsVariant struct{}

func newUPS(string) Variant { return upsVariant{} }

func (upsVariant) Kind() string { return "ups" }
func (upsVariant) Size() Size   { return Size{W: 2, H: 1} }
func (upsVariant) Polls() bool  { return true }

func (upsVariant) Parse(p *backend.DevicePayload) (State, error) {
	s := parseCommon(p, "ups not found")
	if err := requireNumber(s, "battery"); err != nil {
		return State{}, err
	}
	if err := requireNumber(s, "load"); err != nil {
		return State{}, err
	}
	if err := requireBool(s, "on_battery"); err != nil {
		return State{}, err
	}
	return s, nil
}

func (v upsVariant) Present(s Snapshot) Presentation {
	p, done := basePresentation(v.Kind(), v.Size(), s)
	if done {
		return p
	}
	onBattery, _ := s.State.Bool("on_battery")
	p.Fields = map[string]any{"on_battery": onBattery}

	source := "MAINS"
	if onBattery {
		source = "ON BATTERY"
	}
	p.Status = source
	if b, ok := s.State.Number("battery"); ok {
		p.Fields["battery"] = b
		p.Status = fmt.Sprintf("%s %.0f%%", source, b)
	}
	if l, ok := s.State.Number("load"); ok {
		p.Fields["load"] = l
	}
	return p
}

type sceneVariant struct{}

func newScene(string) Variant { return sceneVariant{} }

func (sceneVariant) Kind() string { return "scene" }
func (sceneVariant) Size() Size   { return Size{W: 1, H: 1} }
func (sceneVariant) Polls() bool  { return true }

func (sceneVariant) Parse(p *backend.DevicePayload) (State, error) {
	s := parseCommon(p, "scene not found")
	if err := requireBool(s, "active"); err != nil {
		return State{}, err
	}
	return s, nil
}

func (v sceneVariant) Present(s Snapshot) Presentation {
	p, done := basePresentation(v.Kind(), v.Size(), s)
	if done {
		return p
	}
	active, _ := s.State.Bool("active")
	p.Fields = map[string]any{"active": active}
	p.Status = "READY"
	if active {
		p.Status = "ACTIVE"
	}
	return p
}

// unsupportedVariant is the registry fallback. It never polls and always
// renders a fixed notice.
type unsupportedVariant struct{}

// NewUnsupported is the fallback factory for unknown type tags.
func NewUnsupported(string) Variant { return unsupportedVariant{} }

func (unsupportedVariant) Kind() string { return "unsupported" }
func (unsupportedVariant) Size() Size   { return Size{W: 1, H: 1} }
func (unsupportedVariant) Polls() bool  { return false }

func (unsupportedVariant) Parse(*backend.DevicePayload) (State, error) {
	return State{Fields: map[string]any{}}, nil
}

func (v unsupportedVariant) Present(s Snapshot) Presentation {
	name := s.Name
	if name == "" {
		name = s.ID
	}
	return Presentation{
		ID:     s.ID,
		Type:   s.Type,
		Kind:   v.Kind(),
		Name:   name,
		Status: "UNSUPPORTED DEVICE TYPE",
		Phase:  s.Phase.String(),
		Size:   v.Size(),
		Seq:    s.Seq,
	}
}
