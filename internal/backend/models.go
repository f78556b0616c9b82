package backend

import "encoding/json"

// SchemaEntry is one device's attributes in the /get_schema response.
type SchemaEntry struct {
	Type     string  `json:"type,omitempty"`
	Group    *string `json:"group"`
	Starred  bool    `json:"starred"`
	Priority int     `json:"priority"`
}

// Health is the health block of a /get response.
type Health struct {
	Online bool   `json:"online"`
	Fault  bool   `json:"fault"`
	Reason string `json:"reason,omitempty"`
}

// DevicePayload is the decoded body of GET /get/{id}.
type DevicePayload struct {
	Type      string          `json:"type"`
	State     map[string]any  `json:"state"`
	Health    Health          `json:"health"`
	Info      map[string]any  `json:"info,omitempty"`
	Actions   json.RawMessage `json:"actions,omitempty"`
	AutoState json.RawMessage `json:"auto_state,omitempty"`
}
