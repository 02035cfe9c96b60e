// Package scene holds a validated device config and evaluates its layers
// against the latest polled samples.
package scene

import (
	"fmt"
	"sort"
	"strings"

	"github.com/devscene/backend/internal/models"
	"github.com/devscene/backend/internal/pathexpr"
)

// Scene is an immutable, validated view of one DeviceConfig.
type Scene struct {
	cfg    models.DeviceConfig
	layers map[string]int
	apis   map[string]int
	byAPI  map[string][]int
	paint  []int
	paths  map[string]pathexpr.Path
	refs   []Reference
}

// Reference is one apiId use by a layer, resolved or dangling.
type Reference struct {
	LayerID string
	Event   string
	APIID   string
	Source  *models.APISource
}

// Dangling reports whether the referenced ApiSource does not exist.
func (r Reference) Dangling() bool { return r.Source == nil }

// New validates cfg and builds its indexes. Duplicate or missing ids,
// unknown layer types, malformed path expressions and incomplete ApiSources
// are collected into a single *ValidationError. Dangling api references are
// not errors; see References and Warnings.
func New(cfg *models.DeviceConfig) (*Scene, error) {
	if cfg == nil {
		return nil, &ValidationError{Problems: []string{"config is nil"}}
	}
	s := &Scene{
		cfg:    *cfg,
		layers: make(map[string]int, len(cfg.Layers)),
		apis:   make(map[string]int, len(cfg.APIs)),
		byAPI:  make(map[string][]int),
		paths:  make(map[string]pathexpr.Path),
	}
	s.cfg.Layers = append([]models.Layer(nil), cfg.Layers...)
	s.cfg.APIs = append([]models.APISource(nil), cfg.APIs...)

	verr := &ValidationError{DeviceID: cfg.DeviceID}
	if strings.TrimSpace(cfg.DeviceID) == "" {
		verr.add("deviceId is required")
	}

	for i := range s.cfg.APIs {
		s.checkAPI(i, verr)
	}
	for i := range s.cfg.Layers {
		s.checkLayer(i, verr)
	}
	if len(verr.Problems) > 0 {
		return nil, verr
	}

	s.buildPaintOrder()
	s.resolveReferences()
	return s, nil
}

func (s *Scene) checkAPI(i int, verr *ValidationError) {
	api := &s.cfg.APIs[i]
	if api.ID == "" {
		verr.add("apiList[%d]: id is required", i)
		return
	}
	if prev, dup := s.apis[api.ID]; dup {
		verr.add("apiList[%d]: duplicate api id %q (first at apiList[%d])", i, api.ID, prev)
		return
	}
	s.apis[api.ID] = i

	api.Method = models.HTTPMethod(strings.ToUpper(string(api.Method)))
	if api.Method == "" {
		api.Method = models.MethodGet
	}
	if api.Method != models.MethodGet && api.Method != models.MethodPost {
		verr.add("api %q: unsupported method %q", api.ID, api.Method)
	}
	if api.UsePush {
		if api.PushService == "" {
			verr.add("api %q: push source needs pushService", api.ID)
		}
		return
	}
	if api.URL == "" {
		verr.add("api %q: url is required", api.ID)
	}
	if api.Interval <= 0 {
		verr.add("api %q: interval must be > 0, got %d", api.ID, api.Interval)
	}
}

func (s *Scene) checkLayer(i int, verr *ValidationError) {
	l := &s.cfg.Layers[i]
	if l.ID == "" {
		verr.add("layers[%d]: id is required", i)
		return
	}
	if prev, dup := s.layers[l.ID]; dup {
		verr.add("layers[%d]: duplicate layer id %q (first at layers[%d])", i, l.ID, prev)
		return
	}
	s.layers[l.ID] = i

	if !l.Type.Valid() {
		verr.add("layer %q: unknown type %q", l.ID, l.Type)
		return
	}
	if l.Config == nil {
		cfg, _ := models.NewLayerConfig(l.Type)
		l.Config = cfg
	}

	s.compilePath(l.ID, "dataKey", l.Config.Binding().DataKey, verr)
	acts := l.Config.EventBindings().Actions()
	for _, name := range models.EventNames {
		if act, ok := acts[name]; ok {
			s.compilePath(l.ID, name+".dataKey", act.DataKey, verr)
		}
	}
}

func (s *Scene) compilePath(layerID, field, expr string, verr *ValidationError) {
	if expr == "" {
		return
	}
	if _, ok := s.paths[expr]; ok {
		return
	}
	p, err := pathexpr.Parse(expr)
	if err != nil {
		verr.add("layer %q: %s: %v", layerID, field, err)
		return
	}
	s.paths[expr] = p
}

func (s *Scene) buildPaintOrder() {
	s.paint = make([]int, len(s.cfg.Layers))
	for i := range s.paint {
		s.paint[i] = i
	}
	sort.SliceStable(s.paint, func(a, b int) bool {
		return s.cfg.Layers[s.paint[a]].ZIndex < s.cfg.Layers[s.paint[b]].ZIndex
	})
}

func (s *Scene) resolveReferences() {
	for i, l := range s.cfg.Layers {
		add := func(event, apiID string) {
			ref := Reference{LayerID: l.ID, Event: event, APIID: apiID}
			if idx, ok := s.apis[apiID]; ok {
				ref.Source = &s.cfg.APIs[idx]
			}
			s.refs = append(s.refs, ref)
		}
		if id := l.Config.Binding().APIID; id != "" {
			add("", id)
		}
		acts := l.Config.EventBindings().Actions()
		for _, name := range models.EventNames {
			if act, ok := acts[name]; ok && act.APIID != "" {
				add(name, act.APIID)
			}
		}
		for _, id := range l.APIRefs() {
			s.byAPI[id] = append(s.byAPI[id], i)
		}
	}
}

// DeviceID returns the id of the device this scene describes.
func (s *Scene) DeviceID() string { return s.cfg.DeviceID }

// Config returns the normalized config the scene was built from.
func (s *Scene) Config() models.DeviceConfig { return s.cfg }

// Layer looks up a layer by id.
func (s *Scene) Layer(id string) (models.Layer, bool) {
	i, ok := s.layers[id]
	if !ok {
		return models.Layer{}, false
	}
	return s.cfg.Layers[i], true
}

// API looks up an ApiSource by id.
func (s *Scene) API(id string) (models.APISource, bool) {
	i, ok := s.apis[id]
	if !ok {
		return models.APISource{}, false
	}
	return s.cfg.APIs[i], true
}

// APIs returns the declared ApiSources in declaration order.
func (s *Scene) APIs() []models.APISource { return s.cfg.APIs }

// Layers returns the layers in paint order: ascending zIndex, ties in
// declaration order.
func (s *Scene) Layers() []models.Layer {
	out := make([]models.Layer, len(s.paint))
	for i, idx := range s.paint {
		out[i] = s.cfg.Layers[idx]
	}
	return out
}

// LayersFor returns the layers that read from apiID, via their binding or
// any event, in paint order.
func (s *Scene) LayersFor(apiID string) []models.Layer {
	idxs := s.byAPI[apiID]
	if len(idxs) == 0 {
		return nil
	}
	want := make(map[int]struct{}, len(idxs))
	for _, i := range idxs {
		want[i] = struct{}{}
	}
	var out []models.Layer
	for _, idx := range s.paint {
		if _, ok := want[idx]; ok {
			out = append(out, s.cfg.Layers[idx])
		}
	}
	return out
}

// References lists every apiId used by the scene's layers.
func (s *Scene) References() []Reference { return s.refs }

// Warnings returns a *ReferenceError for each dangling reference.
func (s *Scene) Warnings() []error {
	var out []error
	for _, r := range s.refs {
		if r.Dangling() {
			out = append(out, &ReferenceError{LayerID: r.LayerID, Event: r.Event, APIID: r.APIID})
		}
	}
	return out
}

func (s *Scene) path(expr string) (pathexpr.Path, error) {
	if p, ok := s.paths[expr]; ok {
		return p, nil
	}
	p, err := pathexpr.Parse(expr)
	if err != nil {
		return pathexpr.Path{}, fmt.Errorf("path %q: %w", expr, err)
	}
	return p, nil
}
