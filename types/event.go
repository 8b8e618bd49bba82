package types

import (
	"encoding/json"
	"fmt"
)

// BuildEvent is one frame of the BinderHub build event stream.
// Fields other than the well-known ones are kept in Extra.
type BuildEvent struct {
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message,omitempty"`
	URL     string `json:"url,omitempty"`
	Token   string `json:"token,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// ParseBuildEvent decodes a JSON event payload.
func ParseBuildEvent(data []byte) (*BuildEvent, error) {
	var ev BuildEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode build event: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode build event: %w", err)
	}
	for _, k := range []string{"phase", "message", "url", "token"} {
		delete(raw, k)
	}
	if len(raw) > 0 {
		ev.Extra = raw
	}
	return &ev, nil
}

// HasMessage reports whether the frame carries a log line.
func (e *BuildEvent) HasMessage() bool {
	return e != nil && e.Message != ""
}
