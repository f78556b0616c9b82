package device

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/dokzlo13/roomd/internal/backend"
)

// Phase is the polling state of a handler.
type Phase int

const (
	PhaseHidden Phase = iota
	PhasePolling
	PhaseCommandPending
	PhaseFailed
)

// String returns a human-readable name for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseHidden:
		return "hidden"
	case PhasePolling:
		return "polling"
	case PhaseCommandPending:
		return "command_pending"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Health mirrors the health block reported by the backend.
type Health struct {
	Online bool   `json:"online"`
	Fault  bool   `json:"fault"`
	Reason string `json:"reason,omitempty"`
}

// State is the last confirmed device state.
type State struct {
	Health    Health          `json:"health"`
	Fields    map[string]any  `json:"state"`
	Info      map[string]any  `json:"info,omitempty"`
	Actions   json.RawMessage `json:"actions,omitempty"`
	AutoState json.RawMessage `json:"auto_state,omitempty"`
}

// Bool returns a boolean field.
func (s State) Bool(key string) (bool, bool) {
	v, ok := s.Fields[key].(bool)
	return v, ok
}

// Number returns a numeric field.
func (s State) Number(key string) (float64, bool) {
	switch v := s.Fields[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Text returns a string field.
func (s State) Text(key string) (string, bool) {
	v, ok := s.Fields[key].(string)
	return v, ok
}

func (s State) clone() State {
	out := s
	out.Fields = maps.Clone(s.Fields)
	out.Info = maps.Clone(s.Info)
	return out
}

// ToggleIntent tracks a command on the "on" field until a poll confirms it.
type ToggleIntent struct {
	Pending  bool      `json:"pending"`
	Intended bool      `json:"intended"`
	IssuedAt time.Time `json:"issued_at"`
}

// Failure is a classified poll failure.
type Failure struct {
	Kind  backend.ErrorKind
	Class backend.FailureClass
	Err   error
}

// Size is the layout footprint of a device tile in grid cells.
type Size struct {
	W int `json:"w"`
	H int `json:"h"`
}

// Area returns W*H.
func (s Size) Area() int {
	return s.W * s.H
}

// Snapshot is a consistent copy of a handler's state.
type Snapshot struct {
	ID       string
	Instance string
	Type     string
	Name     string
	Priority int
	Seq      uint64
	Phase    Phase
	Visible  bool
	Polls    bool
	NotFound bool
	HasState bool
	State    State
	Intent   ToggleIntent
	Failure  *Failure
	NextPoll time.Time
	Updated  time.Time
}

// Presentation is what a front-end renders for one device.
type Presentation struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Kind     string         `json:"kind"`
	Name     string         `json:"name"`
	Status   string         `json:"status"`
	Phase    string         `json:"phase"`
	InFlight bool           `json:"in_flight"`
	Stale    bool           `json:"stale"`
	Online   bool           `json:"online"`
	Fields   map[string]any `json:"fields,omitempty"`
	Size     Size           `json:"size"`
	Seq      uint64         `json:"seq"`
}

// Observer receives handler updates. Calls are made without handler locks held.
type Observer interface {
	DeviceUpdated(s Snapshot)
	DeviceFailed(s Snapshot, f Failure)
}

// Variant supplies the type-specific behaviour of a Handler.
type Variant interface {
	// Kind names the variant (e.g. "light").
	Kind() string
	Size() Size
	// Polls reports whether the handler should poll at all.
	Polls() bool
	// Parse converts a poll payload into State. A nil payload means the
	// backend reported the device as not found.
	Parse(p *backend.DevicePayload) (State, error)
	Present(s Snapshot) Presentation
}
