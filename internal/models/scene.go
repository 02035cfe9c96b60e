package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DeviceConfig is one device scene: canvas size, layers and their data sources.
type DeviceConfig struct {
	DeviceID      string          `json:"deviceId"`
	Width         float64         `json:"width"`
	Height        float64         `json:"height"`
	Layers        []Layer         `json:"layers"`
	MaterialsTree json.RawMessage `json:"materialsTree,omitempty"`
	APIs          []APISource     `json:"apiList"`
}

// UnmarshalJSON accepts numeric device ids and the "apis" alias used by
// flattened exports.
func (c *DeviceConfig) UnmarshalJSON(data []byte) error {
	type plain DeviceConfig
	var aux struct {
		plain
		DeviceID json.RawMessage `json:"deviceId"`
		Apis     []APISource     `json:"apis"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = DeviceConfig(aux.plain)

	id, err := decodeFlexibleID(aux.DeviceID)
	if err != nil {
		return fmt.Errorf("deviceId: %w", err)
	}
	c.DeviceID = id
	if len(c.APIs) == 0 && len(aux.Apis) > 0 {
		c.APIs = aux.Apis
	}
	return nil
}

func decodeFlexibleID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	return n.String(), nil
}

// Variant names one of the three scenes stored per device.
type Variant string

const (
	VariantFront  Variant = "front"
	VariantBack   Variant = "back"
	VariantDetail Variant = "detail"
)

// ParseVariant validates a variant name. Empty means front.
func ParseVariant(s string) (Variant, error) {
	switch Variant(strings.ToLower(strings.TrimSpace(s))) {
	case "", VariantFront:
		return VariantFront, nil
	case VariantBack:
		return VariantBack, nil
	case VariantDetail:
		return VariantDetail, nil
	}
	return "", fmt.Errorf("unknown scene variant %q", s)
}

// SceneDocument is the persisted layout of one device.
type SceneDocument struct {
	Front  *DeviceConfig  `json:"front,omitempty"`
	Back   *DeviceConfig  `json:"back,omitempty"`
	Detail *DeviceConfig  `json:"detail,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Variant returns the scene for v, or nil when it is absent.
func (d *SceneDocument) Variant(v Variant) *DeviceConfig {
	switch v {
	case VariantFront:
		return d.Front
	case VariantBack:
		return d.Back
	case VariantDetail:
		return d.Detail
	}
	return nil
}

// Variants returns the present scenes keyed by variant.
func (d *SceneDocument) Variants() map[Variant]*DeviceConfig {
	out := make(map[Variant]*DeviceConfig, 3)
	for _, v := range []Variant{VariantFront, VariantBack, VariantDetail} {
		if cfg := d.Variant(v); cfg != nil {
			out[v] = cfg
		}
	}
	return out
}

// DeviceID returns the first non-empty device id across the variants.
func (d *SceneDocument) DeviceID() string {
	for _, cfg := range []*DeviceConfig{d.Front, d.Back, d.Detail} {
		if cfg != nil && cfg.DeviceID != "" {
			return cfg.DeviceID
		}
	}
	return ""
}

// DecodeSceneDocument parses a persisted scene document. A flattened
// {deviceId, layers, apis} object is accepted and treated as the front scene.
func DecodeSceneDocument(data []byte) (*SceneDocument, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decoding scene document: %w", err)
	}

	_, hasFront := probe["front"]
	_, hasBack := probe["back"]
	_, hasDetail := probe["detail"]
	if hasFront || hasBack || hasDetail {
		var doc SceneDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decoding scene document: %w", err)
		}
		return &doc, nil
	}

	_, hasLayers := probe["layers"]
	_, hasDevice := probe["deviceId"]
	if !hasLayers && !hasDevice {
		return nil, fmt.Errorf("decoding scene document: no front, back, detail or layers")
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decoding scene document: %w", err)
	}
	doc := &SceneDocument{Front: &cfg}
	if raw, ok := probe["meta"]; ok {
		if err := json.Unmarshal(raw, &doc.Meta); err != nil {
			return nil, fmt.Errorf("decoding scene document meta: %w", err)
		}
	}
	return doc, nil
}

// SceneInfo is stored metadata about a scene document.
type SceneInfo struct {
	DeviceID   string    `json:"deviceId"`
	Revision   string    `json:"revision"`
	LayerCount int       `json:"layerCount"`
	APICount   int       `json:"apiCount"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// NewSceneInfo summarizes doc for listing.
func NewSceneInfo(doc *SceneDocument, revision string, at time.Time) *SceneInfo {
	info := &SceneInfo{
		DeviceID:  doc.DeviceID(),
		Revision:  revision,
		UpdatedAt: at,
	}
	for _, cfg := range doc.Variants() {
		info.LayerCount += len(cfg.Layers)
		info.APICount += len(cfg.APIs)
	}
	return info
}
