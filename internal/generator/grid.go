package generator

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/devscene/backend/internal/models"
)

// Grid geometry. Each module occupies one row band of 32px icons.
const (
	CanvasWidth  = 1920
	CanvasHeight = 1080
	cellW        = 40
	cellH        = 40
	leftPad      = 20
	topPad       = 20
	rowGap       = 8
	iconSize     = 32

	DefaultInterval = 3000 // ms
	DefaultBaseURL  = "http://192.168.0.101:8080"
)

// Options tunes BuildGrid. Zero values take the defaults.
type Options struct {
	BaseURL   string
	Interval  int
	Styles    Styles
	Heuristic FieldHeuristic
	// Source is recorded in the document meta.
	Source string
	Now    func() time.Time
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	def := DefaultStyles()
	if o.Styles.On == "" {
		o.Styles.On = def.On
	}
	if o.Styles.Transparent == "" {
		o.Styles.Transparent = def.Transparent
	}
	if o.Heuristic == nil {
		o.Heuristic = DefaultHeuristic()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// ModuleAPIID is the ApiSource id generated for a module.
func ModuleAPIID(module int) string {
	return fmt.Sprintf("api-module-%d", module)
}

// ModuleURL is the register list endpoint of one module.
func ModuleURL(base, deviceID string, module int) string {
	q := url.Values{}
	q.Set("deviceId", deviceID)
	q.Set("registerModuleIndex", fmt.Sprint(module))
	q.Set("pageSize", "0")
	return base + "/jx-device/registerTable/list?" + q.Encode()
}

// rowSample is a register as the list endpoint returns it.
func rowSample(r Register) map[string]any {
	raw, _ := json.Marshal(r)
	var row map[string]any
	_ = json.Unmarshal(raw, &row)
	return row
}

// BuildGrid lays out one row per module with one port-adv layer per
// register. The result holds a front scene only.
func BuildGrid(device Device, modules []Module, opts Options) (*models.SceneDocument, error) {
	if len(modules) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, device.ID)
	}
	opts.defaults()

	cfg := &models.DeviceConfig{
		DeviceID: device.ID,
		Width:    CanvasWidth,
		Height:   CanvasHeight,
		Layers:   make([]models.Layer, 0),
		APIs:     make([]models.APISource, 0, len(modules)),
	}

	for band, mod := range modules {
		if len(mod.Registers) == 0 {
			continue
		}
		apiID := ModuleAPIID(mod.Index)
		cfg.APIs = append(cfg.APIs, models.APISource{
			ID:       apiID,
			Name:     fmt.Sprintf("Module %d", mod.Index),
			URL:      ModuleURL(opts.BaseURL, device.ID, mod.Index),
			Method:   models.MethodGet,
			Interval: opts.Interval,
		})

		statusField, labelField := Fields(opts.Heuristic, rowSample(mod.Registers[0]))
		y := float64(topPad + band*(cellH+rowGap))
		group := fmt.Sprintf("mod-%d", mod.Index)

		if opts.Styles.Background != "" {
			cfg.Layers = append(cfg.Layers, models.Layer{
				ID:       "bg-" + group,
				Type:     models.LayerImage,
				Visible:  true,
				ZIndex:   0,
				GroupID:  group,
				Position: models.Position{X: leftPad - 4, Y: y - 4},
				Size:     models.Size{Width: float64(len(mod.Registers)*cellW + 4), Height: cellH},
				Config:   &models.ImageConfig{Src: opts.Styles.Background},
			})
		}

		for i, r := range mod.Registers {
			cfg.Layers = append(cfg.Layers, models.Layer{
				ID:       fmt.Sprintf("layer-%d-%d", mod.Index, r.ID),
				Name:     r.Label(),
				Type:     models.LayerPortAdv,
				Visible:  true,
				ZIndex:   1,
				GroupID:  group,
				Position: models.Position{X: float64(leftPad + i*cellW), Y: y},
				Size:     models.Size{Width: iconSize, Height: iconSize},
				Config: &models.PortConfig{
					Src:         opts.Styles.On,
					APIID:       apiID,
					PortDataKey: fmt.Sprintf("rows[%d].%s", i, statusField),
					PortKey:     "value",
					StatusMapping: models.StatusMapping{
						"true":  {IconURL: opts.Styles.On},
						"false": {IconURL: opts.Styles.OffIcon()},
					},
					Events: &models.EventBinding{
						Hover: &models.EventAction{
							APIID:   apiID,
							DataKey: fmt.Sprintf("rows[%d].%s", i, labelField),
						},
					},
				},
			})
		}
	}

	meta := map[string]any{
		"generatedAt": opts.Now().UTC().Format(time.RFC3339),
		"deviceName":  device.Name,
		"modules":     len(cfg.APIs),
	}
	if device.IP != "" {
		meta["deviceIp"] = device.IP
	}
	if opts.Source != "" {
		meta["source"] = opts.Source
	}
	return &models.SceneDocument{Front: cfg, Meta: meta}, nil
}

// Build extracts the registers of deviceID from a SQL dump and lays them out.
func Build(sql, deviceID string, opts Options) (*models.SceneDocument, error) {
	regs, err := ExtractRegisters(sql, deviceID)
	if err != nil {
		return nil, err
	}
	return BuildGrid(ExtractDevice(sql, deviceID), GroupByModule(regs), opts)
}
