package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidLayer marks a layer whose type is missing or unknown.
var ErrInvalidLayer = errors.New("invalid layer")

// LayerType selects the shape of a layer's config.
type LayerType string

const (
	LayerImage   LayerType = "image"
	LayerPort    LayerType = "port"
	LayerPortAdv LayerType = "port-adv"
	LayerTable   LayerType = "table"
	LayerCard    LayerType = "card"
	LayerCustom  LayerType = "custom"
)

// Valid reports whether t is a known layer type.
func (t LayerType) Valid() bool {
	switch t {
	case LayerImage, LayerPort, LayerPortAdv, LayerTable, LayerCard, LayerCustom:
		return true
	}
	return false
}

// Position places a layer on the canvas.
type Position struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Rotate float64 `json:"rotate"`
}

// Size is a layer's bounding box.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Binding points a layer at a value inside an ApiSource's sample.
type Binding struct {
	APIID   string
	DataKey string
}

// LayerConfig is the type-specific part of a layer.
type LayerConfig interface {
	Binding() Binding
	EventBindings() *EventBinding
}

// Layer is one positioned visual element of a device scene.
// Geometry lives inside "config" on the wire; here it is lifted into the
// shared base so every variant carries it the same way.
type Layer struct {
	ID       string
	Name     string
	Type     LayerType
	Visible  bool
	ZIndex   int
	GroupID  string
	Position Position
	Size     Size
	Config   LayerConfig
}

// APIRefs lists every ApiSource id the layer reads from, including events.
func (l Layer) APIRefs() []string {
	if l.Config == nil {
		return nil
	}
	var refs []string
	seen := make(map[string]struct{})
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		refs = append(refs, id)
	}
	add(l.Config.Binding().APIID)
	acts := l.Config.EventBindings().Actions()
	for _, name := range EventNames {
		if act, ok := acts[name]; ok {
			add(act.APIID)
		}
	}
	return refs
}

// ImageConfig shows a static picture, or a picture whose URL is read from a sample.
type ImageConfig struct {
	Src     string        `json:"src,omitempty"`
	APIID   string        `json:"apiId,omitempty"`
	DataKey string        `json:"dataKey,omitempty"`
	Events  *EventBinding `json:"events,omitempty"`
}

func (c *ImageConfig) Binding() Binding             { return Binding{APIID: c.APIID, DataKey: c.DataKey} }
func (c *ImageConfig) EventBindings() *EventBinding { return c.Events }

// PortConfig drives an icon from a polled value through a status mapping.
// Used by both "port" and "port-adv" layers.
type PortConfig struct {
	Src           string        `json:"src,omitempty"`
	APIID         string        `json:"apiId,omitempty"`
	PortDataKey   string        `json:"portDataKey,omitempty"`
	PortKey       string        `json:"portKey,omitempty"`
	StatusMapping StatusMapping `json:"statusMapping,omitempty"`
	Events        *EventBinding `json:"events,omitempty"`
	UsePush       bool          `json:"usePush,omitempty"`
	PushService   string        `json:"pushService,omitempty"`
}

func (c *PortConfig) Binding() Binding             { return Binding{APIID: c.APIID, DataKey: c.PortDataKey} }
func (c *PortConfig) EventBindings() *EventBinding { return c.Events }

// TableColumn is one displayed column of a table layer.
type TableColumn struct {
	Key   string `json:"key"`
	Title string `json:"title,omitempty"`
}

// TableConfig renders an array or key/value object from a sample as rows.
type TableConfig struct {
	APIID   string        `json:"apiId,omitempty"`
	DataKey string        `json:"dataKey,omitempty"`
	Columns []TableColumn `json:"columns,omitempty"`
	Events  *EventBinding `json:"events,omitempty"`
}

func (c *TableConfig) Binding() Binding             { return Binding{APIID: c.APIID, DataKey: c.DataKey} }
func (c *TableConfig) EventBindings() *EventBinding { return c.Events }

// CardConfig shows a titled scalar value.
type CardConfig struct {
	Title   string        `json:"title,omitempty"`
	APIID   string        `json:"apiId,omitempty"`
	DataKey string        `json:"dataKey,omitempty"`
	Unit    string        `json:"unit,omitempty"`
	Events  *EventBinding `json:"events,omitempty"`
}

func (c *CardConfig) Binding() Binding             { return Binding{APIID: c.APIID, DataKey: c.DataKey} }
func (c *CardConfig) EventBindings() *EventBinding { return c.Events }

// CustomConfig carries props for a component the host application knows about.
type CustomConfig struct {
	Component string         `json:"component,omitempty"`
	Props     map[string]any `json:"props,omitempty"`
	APIID     string         `json:"apiId,omitempty"`
	DataKey   string         `json:"dataKey,omitempty"`
	Events    *EventBinding  `json:"events,omitempty"`
}

func (c *CustomConfig) Binding() Binding             { return Binding{APIID: c.APIID, DataKey: c.DataKey} }
func (c *CustomConfig) EventBindings() *EventBinding { return c.Events }

// NewLayerConfig returns an empty config for the given layer type.
func NewLayerConfig(t LayerType) (LayerConfig, error) {
	switch t {
	case LayerImage:
		return &ImageConfig{}, nil
	case LayerPort, LayerPortAdv:
		return &PortConfig{}, nil
	case LayerTable:
		return &TableConfig{}, nil
	case LayerCard:
		return &CardConfig{}, nil
	case LayerCustom:
		return &CustomConfig{}, nil
	}
	if t == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidLayer)
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidLayer, t)
}

type layerWire struct {
	ID      string          `json:"id"`
	Name    string          `json:"name,omitempty"`
	Type    LayerType       `json:"type"`
	Visible *bool           `json:"visible,omitempty"`
	ZIndex  int             `json:"zIndex"`
	GroupID string          `json:"groupId,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

type layerGeometry struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Rotate float64 `json:"rotate"`
}

// UnmarshalJSON decodes the persisted layer format, selecting the config
// variant from the layer type.
func (l *Layer) UnmarshalJSON(data []byte) error {
	var w layerWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	cfg, err := NewLayerConfig(w.Type)
	if err != nil {
		return fmt.Errorf("layer %q: %w", w.ID, err)
	}

	var geo layerGeometry
	if len(w.Config) > 0 && string(w.Config) != "null" {
		if err := json.Unmarshal(w.Config, &geo); err != nil {
			return fmt.Errorf("layer %q: geometry: %w", w.ID, err)
		}
		if err := json.Unmarshal(w.Config, cfg); err != nil {
			return fmt.Errorf("layer %q: config: %w", w.ID, err)
		}
	}

	*l = Layer{
		ID:       w.ID,
		Name:     w.Name,
		Type:     w.Type,
		Visible:  w.Visible == nil || *w.Visible,
		ZIndex:   w.ZIndex,
		GroupID:  w.GroupID,
		Position: Position{X: geo.X, Y: geo.Y, Rotate: geo.Rotate},
		Size:     Size{Width: geo.Width, Height: geo.Height},
		Config:   cfg,
	}
	return nil
}

// MarshalJSON writes the persisted layer format with geometry folded back
// into config.
func (l Layer) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if l.Config != nil {
		raw, err := json.Marshal(l.Config)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}
	geo := map[string]float64{
		"x":      l.Position.X,
		"y":      l.Position.Y,
		"rotate": l.Position.Rotate,
		"width":  l.Size.Width,
		"height": l.Size.Height,
	}
	for k, v := range geo {
		raw, _ := json.Marshal(v)
		fields[k] = raw
	}
	cfg, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	visible := l.Visible
	return json.Marshal(layerWire{
		ID:      l.ID,
		Name:    l.Name,
		Type:    l.Type,
		Visible: &visible,
		ZIndex:  l.ZIndex,
		GroupID: l.GroupID,
		Config:  cfg,
	})
}
