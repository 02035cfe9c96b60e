package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// HTTPMethod is the verb used to fetch an ApiSource.
type HTTPMethod string

const (
	MethodGet  HTTPMethod = "GET"
	MethodPost HTTPMethod = "POST"
)

// APISource is a declared data endpoint referenced by layers through apiId.
type APISource struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	URL         string          `json:"url"`
	Method      HTTPMethod      `json:"method"`
	Interval    int             `json:"interval"` // ms
	Params      json.RawMessage `json:"params,omitempty"`
	UsePush     bool            `json:"usePush,omitempty"`
	PushService string          `json:"pushService,omitempty"` // channel name, ws:// URL or mqtt:<topic>
	Timeout     int             `json:"timeout,omitempty"`     // ms, 0 = engine default
}

// UnmarshalJSON accepts the legacy pushUrl field written by older editors.
func (a *APISource) UnmarshalJSON(data []byte) error {
	type plain APISource
	var aux struct {
		plain
		PushURL string `json:"pushUrl"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*a = APISource(aux.plain)
	if a.PushService == "" {
		a.PushService = aux.PushURL
	}
	return nil
}

// IntervalDuration returns the polling interval.
func (a APISource) IntervalDuration() time.Duration {
	return time.Duration(a.Interval) * time.Millisecond
}

// TimeoutDuration returns the per-source fetch timeout, or def when unset.
func (a APISource) TimeoutDuration(def time.Duration) time.Duration {
	if a.Timeout > 0 {
		return time.Duration(a.Timeout) * time.Millisecond
	}
	return def
}

// RequestBody returns the JSON body sent for POST sources.
// Object params are sent verbatim, a string holding JSON text is unwrapped,
// and empty params become {}.
func (a APISource) RequestBody() []byte {
	raw := bytes.TrimSpace(a.Params)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []byte("{}")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return []byte("{}")
		}
		s = string(bytes.TrimSpace([]byte(s)))
		if s == "" {
			return []byte("{}")
		}
		if json.Valid([]byte(s)) {
			return []byte(s)
		}
	}
	return raw
}
