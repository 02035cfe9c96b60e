package scene

import (
	"sort"

	"github.com/devscene/backend/internal/models"
	"github.com/devscene/backend/internal/status"
)

// SampleSource returns the latest decoded response body for an ApiSource.
type SampleSource interface {
	Sample(apiID string) (any, bool)
}

// SampleFunc adapts a function to SampleSource.
type SampleFunc func(apiID string) (any, bool)

func (f SampleFunc) Sample(apiID string) (any, bool) { return f(apiID) }

// Samples is a fixed set of decoded bodies keyed by api id.
type Samples map[string]any

func (m Samples) Sample(apiID string) (any, bool) {
	v, ok := m[apiID]
	return v, ok
}

// LayerRender is the evaluated state of one layer.
type LayerRender struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name,omitempty"`
	Type     models.LayerType       `json:"type"`
	Visible  bool                   `json:"visible"`
	ZIndex   int                    `json:"zIndex"`
	GroupID  string                 `json:"groupId,omitempty"`
	Position models.Position        `json:"position"`
	Size     models.Size            `json:"size"`
	Status   *status.Directive      `json:"status,omitempty"`
	Src      string                 `json:"src,omitempty"`
	Value    any                    `json:"value,omitempty"`
	HasValue bool                   `json:"hasValue"`
	Text     string                 `json:"text,omitempty"`
	Columns  []models.TableColumn   `json:"columns,omitempty"`
	Rows     []any                  `json:"rows,omitempty"`
	Props    map[string]any         `json:"props,omitempty"`
	Events   map[string]EventRender `json:"events,omitempty"`
	Warning  string                 `json:"warning,omitempty"`
}

// EventRender is the payload shown or sent for one pointer event.
type EventRender struct {
	Text     string `json:"text,omitempty"`
	Value    any    `json:"value,omitempty"`
	HasValue bool   `json:"hasValue"`
}

// Evaluate renders every layer in paint order. def is used by port layers
// whose value is missing or unmapped.
func (s *Scene) Evaluate(samples SampleSource, def status.Directive) []LayerRender {
	out := make([]LayerRender, 0, len(s.paint))
	for _, idx := range s.paint {
		out = append(out, s.evaluate(s.cfg.Layers[idx], samples, def))
	}
	return out
}

// EvaluateLayer renders a single layer.
func (s *Scene) EvaluateLayer(id string, samples SampleSource, def status.Directive) (LayerRender, bool) {
	l, ok := s.Layer(id)
	if !ok {
		return LayerRender{}, false
	}
	return s.evaluate(l, samples, def), true
}

// EvaluateFor renders only the layers that read from apiID, in paint order.
func (s *Scene) EvaluateFor(apiID string, samples SampleSource, def status.Directive) []LayerRender {
	layers := s.LayersFor(apiID)
	out := make([]LayerRender, 0, len(layers))
	for _, l := range layers {
		out = append(out, s.evaluate(l, samples, def))
	}
	return out
}

func (s *Scene) evaluate(l models.Layer, samples SampleSource, def status.Directive) LayerRender {
	r := LayerRender{
		ID:       l.ID,
		Name:     l.Name,
		Type:     l.Type,
		Visible:  l.Visible,
		ZIndex:   l.ZIndex,
		GroupID:  l.GroupID,
		Position: l.Position,
		Size:     l.Size,
	}

	b := l.Config.Binding()
	root, value, found := s.bound(b, samples, &r)

	switch cfg := l.Config.(type) {
	case *models.PortConfig:
		r.Src = cfg.Src
		if found && cfg.PortKey != "" && cfg.PortKey != "value" {
			if obj, ok := value.(map[string]any); ok {
				value, found = obj[cfg.PortKey]
			}
		}
		d := def
		if found {
			d = status.Resolve(value, cfg.StatusMapping, def)
		}
		r.Status = &d
	case *models.ImageConfig:
		r.Src = cfg.Src
		if found {
			if src, ok := value.(string); ok && src != "" {
				r.Src = src
			}
		}
	case *models.TableConfig:
		r.Columns = cfg.Columns
		if found {
			r.Rows = TableRows(value)
		}
	case *models.CardConfig:
		if found {
			r.Text = status.FormatValue(value)
			if cfg.Unit != "" && r.Text != "" {
				r.Text += " " + cfg.Unit
			}
		}
		if cfg.Title != "" {
			r.Name = cfg.Title
		}
	case *models.CustomConfig:
		r.Props = cfg.Props
	}
	if found {
		r.Value, r.HasValue = value, true
	}

	r.Events = s.evaluateEvents(l, samples, root)
	return r
}

// bound resolves the layer's own binding. It returns the sample root, the
// value at the binding's dataKey and whether that value was found.
func (s *Scene) bound(b models.Binding, samples SampleSource, r *LayerRender) (any, any, bool) {
	if b.APIID == "" {
		return nil, nil, false
	}
	if _, ok := s.apis[b.APIID]; !ok {
		r.Warning = (&ReferenceError{LayerID: r.ID, APIID: b.APIID}).Error()
		return nil, nil, false
	}
	if samples == nil {
		return nil, nil, false
	}
	root, ok := samples.Sample(b.APIID)
	if !ok {
		return nil, nil, false
	}
	if b.DataKey == "" {
		return root, root, true
	}
	p, err := s.path(b.DataKey)
	if err != nil {
		return root, nil, false
	}
	v, found := p.LookupSample(root)
	return root, v, found
}

func (s *Scene) evaluateEvents(l models.Layer, samples SampleSource, ownRoot any) map[string]EventRender {
	acts := l.Config.EventBindings().Actions()
	if len(acts) == 0 {
		return nil
	}
	out := make(map[string]EventRender, len(acts))
	for name, act := range acts {
		root := ownRoot
		if act.APIID != "" {
			root = nil
			if _, declared := s.apis[act.APIID]; declared && samples != nil {
				root, _ = samples.Sample(act.APIID)
			}
		}

		var ev EventRender
		var value any
		if act.DataKey != "" && root != nil {
			if p, err := s.path(act.DataKey); err == nil {
				value, ev.HasValue = p.LookupSample(root)
			}
		}
		if ev.HasValue {
			ev.Value = value
		}

		switch {
		case act.Text != "":
			scopes := []any{root}
			if _, isObj := value.(map[string]any); isObj {
				scopes = []any{value, root}
			}
			ev.Text = status.RenderTemplate(act.Text, value, scopes...)
		case ev.HasValue:
			ev.Text = status.FormatValue(value)
		}
		out[name] = ev
	}
	return out
}

// TableRows normalizes a bound value into table rows. A jsonKeyValue array
// or a content array is used as is; an object becomes {index, key, value}
// rows sorted by key; a bare array is returned unchanged.
func TableRows(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case map[string]any:
		if kv, ok := x["jsonKeyValue"].([]any); ok {
			return kv
		}
		content := any(x)
		if c, ok := x["content"]; ok && c != nil {
			content = c
		}
		switch c := content.(type) {
		case []any:
			return c
		case map[string]any:
			keys := make([]string, 0, len(c))
			for k := range c {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			rows := make([]any, 0, len(keys))
			for i, k := range keys {
				rows = append(rows, map[string]any{"index": i, "key": k, "value": c[k]})
			}
			return rows
		}
	}
	return nil
}
