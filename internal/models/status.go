package models

// StatusRender is the visual state chosen for one raw value.
type StatusRender struct {
	IconURL   string `json:"iconUrl,omitempty" yaml:"icon_url,omitempty"`
	Label     string `json:"label,omitempty" yaml:"label,omitempty"`
	ClassName string `json:"className,omitempty" yaml:"class_name,omitempty"`
}

// StatusMapping maps a stringified raw value to its visual state.
// Keys are always compared as strings: true/false become "true"/"false",
// numbers their canonical decimal form.
type StatusMapping map[string]StatusRender

// EventAction describes what a single pointer event shows or triggers.
// DataKey is a path expression evaluated against the sample of APIID;
// Text may contain {{path}} placeholders.
type EventAction struct {
	APIID   string `json:"apiId,omitempty"`
	DataKey string `json:"dataKey,omitempty"`
	Text    string `json:"text,omitempty"`
}

// EventBinding groups the pointer events a layer reacts to.
type EventBinding struct {
	Hover    *EventAction `json:"hover,omitempty"`
	Click    *EventAction `json:"click,omitempty"`
	DblClick *EventAction `json:"dblclick,omitempty"`
	Triple   *EventAction `json:"triple,omitempty"`
}

// EventNames lists the supported pointer events in a stable order.
var EventNames = []string{"hover", "click", "dblclick", "triple"}

// Actions returns the configured actions keyed by event name.
func (b *EventBinding) Actions() map[string]*EventAction {
	out := make(map[string]*EventAction, 4)
	if b == nil {
		return out
	}
	if b.Hover != nil {
		out["hover"] = b.Hover
	}
	if b.Click != nil {
		out["click"] = b.Click
	}
	if b.DblClick != nil {
		out["dblclick"] = b.DblClick
	}
	if b.Triple != nil {
		out["triple"] = b.Triple
	}
	return out
}
