// handlers_generate.go - Scene generation from register dumps
package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/devscene/backend/internal/generator"
	"github.com/devscene/backend/internal/storage"
)

// GenerateHandlerImpl implements the GenerateHandler interface
type GenerateHandlerImpl struct {
	store           storage.Store
	defaultInterval int
}

// NewGenerateHandler creates a new generate handler instance. Requests
// without an interval poll every defaultInterval ms; zero falls back to
// generator.DefaultInterval.
func NewGenerateHandler(store storage.Store, defaultInterval int) GenerateHandler {
	return &GenerateHandlerImpl{store: store, defaultInterval: defaultInterval}
}

type generateRequest struct {
	DeviceID string            `json:"deviceId"`
	SQL      string            `json:"sql"`
	BaseURL  string            `json:"baseUrl"`
	Interval int               `json:"interval"`
	Styles   *generator.Styles `json:"styles"`
	Save     bool              `json:"save"`
}

// HandleGenerate builds a front scene from the register inserts of a SQL
// dump. With save set the document is validated and stored as well.
func (h *GenerateHandlerImpl) HandleGenerate(c echo.Context) error {
	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.DeviceID == "" {
		return NewValidationError("deviceId")
	}
	if !storage.ValidDeviceID(req.DeviceID) {
		return NewBadRequestError("invalid device id", fmt.Errorf("%q", req.DeviceID))
	}
	if req.SQL == "" {
		return NewValidationError("sql")
	}

	opts := generator.Options{
		BaseURL:  req.BaseURL,
		Interval: req.Interval,
		Source:   "api",
	}
	if opts.Interval <= 0 {
		opts.Interval = h.defaultInterval
	}
	if req.Styles != nil {
		opts.Styles = *req.Styles
	}

	doc, err := generator.Build(req.SQL, req.DeviceID, opts)
	if err != nil {
		if apiErr := mapDomainError(err); apiErr != nil {
			return apiErr
		}
		return NewInternalError("failed to generate scene", err)
	}

	if !req.Save {
		return c.JSON(http.StatusOK, doc)
	}
	if _, err := validateDocument(doc); err != nil {
		return err
	}
	info, err := h.store.Save(doc)
	if err != nil {
		return NewInternalError("failed to save scene", err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"info":     info,
		"document": doc,
	})
}
