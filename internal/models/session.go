package models

// SessionStatus represents the status of a preview session.
type SessionStatus string

const (
	SessionStatusRunning SessionStatus = "running"
	SessionStatusStopped SessionStatus = "stopped"
)

// PreviewSession is one live evaluation of a device scene: its sources are
// polled and its layers re-rendered as samples arrive.
type PreviewSession struct {
	ID         string        `json:"id"`
	DeviceID   string        `json:"deviceId"`
	Variant    Variant       `json:"variant"`
	Status     SessionStatus `json:"status"`
	LayerCount int           `json:"layerCount"`
	APICount   int           `json:"apiCount"`
	Warnings   []string      `json:"warnings,omitempty"` // dangling apiId references
	StartTime  int64         `json:"startTime"`          // Unix ms
	EndTime    int64         `json:"endTime,omitempty"`  // Unix ms
}

// NewPreviewSession creates a running PreviewSession.
func NewPreviewSession(id, deviceID string, variant Variant) *PreviewSession {
	return &PreviewSession{
		ID:       id,
		DeviceID: deviceID,
		Variant:  variant,
		Status:   SessionStatusRunning,
		Warnings: make([]string, 0),
	}
}
