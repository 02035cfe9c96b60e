// handlers_devices.go - Stored scene document handlers
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/devscene/backend/internal/history"
	"github.com/devscene/backend/internal/logging"
	"github.com/devscene/backend/internal/models"
	"github.com/devscene/backend/internal/scene"
	"github.com/devscene/backend/internal/storage"
)

// DeviceHandlerImpl implements the DeviceHandler interface
type DeviceHandlerImpl struct {
	store   storage.Store
	history HistoryStore
	mirror  SampleInvalidator
	log     *zap.Logger
}

// NewDeviceHandler creates a new device handler instance. history and
// mirror may be nil.
func NewDeviceHandler(store storage.Store, history HistoryStore, mirror SampleInvalidator, logger *zap.Logger) DeviceHandler {
	return &DeviceHandlerImpl{
		store:   store,
		history: history,
		mirror:  mirror,
		log:     logging.Named(logger, "devices"),
	}
}

// variantReport is the validation outcome of one scene variant
type variantReport struct {
	Valid    bool     `json:"valid"`
	Layers   int      `json:"layers"`
	APIs     int      `json:"apis"`
	Problems []string `json:"problems,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type validationResponse struct {
	DeviceID string                            `json:"deviceId"`
	Valid    bool                              `json:"valid"`
	Variants map[models.Variant]*variantReport `json:"variants"`
}

type saveResponse struct {
	Info     *models.SceneInfo `json:"info"`
	Warnings []string          `json:"warnings"`
}

// validateDocument builds every present variant. The returned error is a
// single ValidationError naming problems of all variants.
func validateDocument(doc *models.SceneDocument) (*validationResponse, error) {
	resp := &validationResponse{
		DeviceID: doc.DeviceID(),
		Valid:    true,
		Variants: make(map[models.Variant]*variantReport),
	}
	combined := &scene.ValidationError{DeviceID: doc.DeviceID()}

	for v, cfg := range doc.Variants() {
		report := &variantReport{Valid: true, Layers: len(cfg.Layers), APIs: len(cfg.APIs)}
		resp.Variants[v] = report

		sc, err := scene.New(cfg)
		var verr *scene.ValidationError
		if errors.As(err, &verr) {
			report.Valid = false
			report.Problems = verr.Problems
			resp.Valid = false
			for _, p := range verr.Problems {
				combined.Problems = append(combined.Problems, fmt.Sprintf("%s: %s", v, p))
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, w := range sc.Warnings() {
			report.Warnings = append(report.Warnings, w.Error())
		}
	}

	if len(resp.Variants) == 0 {
		resp.Valid = false
		combined.Problems = append(combined.Problems, "document has no front, back or detail scene")
	}
	if !resp.Valid {
		return resp, combined
	}
	return resp, nil
}

func (r *validationResponse) warnings() []string {
	out := make([]string, 0)
	for _, v := range []models.Variant{models.VariantFront, models.VariantBack, models.VariantDetail} {
		if rep, ok := r.Variants[v]; ok {
			for _, w := range rep.Warnings {
				out = append(out, fmt.Sprintf("%s: %s", v, w))
			}
		}
	}
	return out
}

func readDocument(c echo.Context) (*models.SceneDocument, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, NewBadRequestError("failed to read request body", err)
	}
	if len(body) == 0 {
		return nil, NewValidationError("body")
	}
	doc, err := models.DecodeSceneDocument(body)
	if errors.Is(err, models.ErrInvalidLayer) {
		// Well-formed JSON describing a layer we cannot build
		return nil, NewConfigInvalidError(&scene.ValidationError{Problems: []string{err.Error()}})
	}
	if err != nil {
		return nil, NewBadRequestError("invalid scene document", err)
	}
	return doc, nil
}

// save validates and stores doc
func (h *DeviceHandlerImpl) save(c echo.Context, doc *models.SceneDocument, status int) error {
	report, err := validateDocument(doc)
	if err != nil {
		return err
	}
	info, err := h.store.Save(doc)
	if err != nil {
		if apiErr := mapDomainError(err); apiErr != nil {
			return apiErr
		}
		return NewInternalError("failed to save scene", err)
	}
	return c.JSON(status, saveResponse{Info: info, Warnings: report.warnings()})
}

// HandleListDevices returns stored scenes, most recently updated first
func (h *DeviceHandlerImpl) HandleListDevices(c echo.Context) error {
	limit := 0
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return NewValidationError("limit")
		}
		limit = n
	}
	infos, err := h.store.List(limit)
	if err != nil {
		return NewInternalError("failed to list scenes", err)
	}
	if infos == nil {
		infos = []*models.SceneInfo{}
	}
	return c.JSON(http.StatusOK, infos)
}

// HandleImportDevice stores a new scene document. The device id is taken
// from the document; replacing an existing device goes through PUT.
func (h *DeviceHandlerImpl) HandleImportDevice(c echo.Context) error {
	doc, err := readDocument(c)
	if err != nil {
		return err
	}
	id := doc.DeviceID()
	if id == "" {
		return NewValidationError("deviceId")
	}
	if !storage.ValidDeviceID(id) {
		return NewBadRequestError("invalid device id", fmt.Errorf("%q", id))
	}
	for v, cfg := range doc.Variants() {
		if cfg.DeviceID == "" {
			cfg.DeviceID = id
		}
		if cfg.DeviceID != id {
			return NewBadRequestError("variants name different devices",
				fmt.Errorf("%s has %q, document has %q", v, cfg.DeviceID, id))
		}
	}

	_, err = h.store.Info(id)
	switch {
	case err == nil:
		return NewConflictError(fmt.Sprintf("device %s already exists", id))
	case !errors.Is(err, storage.ErrNotFound):
		return NewInternalError("failed to look up scene", err)
	}
	return h.save(c, doc, http.StatusCreated)
}

// HandleGetDevice returns the stored scene document
func (h *DeviceHandlerImpl) HandleGetDevice(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}
	doc, err := h.store.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return NewNotFoundError("device", id)
		}
		return NewInternalError("failed to load scene", err)
	}
	return c.JSON(http.StatusOK, doc)
}

// HandlePutDevice replaces the scene of a device. Variants without a
// deviceId inherit the one from the path.
func (h *DeviceHandlerImpl) HandlePutDevice(c echo.Context) error {
	id := c.Param("id")
	if !storage.ValidDeviceID(id) {
		return NewBadRequestError("invalid device id", fmt.Errorf("%q", id))
	}
	doc, err := readDocument(c)
	if err != nil {
		return err
	}
	for _, cfg := range doc.Variants() {
		if cfg.DeviceID == "" {
			cfg.DeviceID = id
		}
		if cfg.DeviceID != id {
			return NewBadRequestError("deviceId does not match path",
				fmt.Errorf("body has %q, path has %q", cfg.DeviceID, id))
		}
	}
	return h.save(c, doc, http.StatusOK)
}

// HandleDeleteDevice removes a scene, its recorded history and its
// mirrored samples
func (h *DeviceHandlerImpl) HandleDeleteDevice(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}
	doc, err := h.store.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return NewNotFoundError("device", id)
		}
		return NewInternalError("failed to load scene", err)
	}
	if err := h.store.Delete(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return NewNotFoundError("device", id)
		}
		return NewInternalError("failed to delete scene", err)
	}

	if h.history != nil {
		if err := h.history.Purge(c.Request().Context(), id); err != nil {
			h.log.Warn("purging history failed", zap.String("device", id), zap.Error(err))
		}
	}
	if h.mirror != nil {
		if apiIDs := sourceIDs(doc); len(apiIDs) > 0 {
			if err := h.mirror.Invalidate(id, apiIDs...); err != nil {
				h.log.Warn("invalidating mirrored samples failed", zap.String("device", id), zap.Error(err))
			}
		}
	}
	return c.NoContent(http.StatusNoContent)
}

// sourceIDs lists the distinct api ids of every variant of doc
func sourceIDs(doc *models.SceneDocument) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, v := range []models.Variant{models.VariantFront, models.VariantBack, models.VariantDetail} {
		cfg := doc.Variant(v)
		if cfg == nil {
			continue
		}
		for _, src := range cfg.APIs {
			if !seen[src.ID] {
				seen[src.ID] = true
				ids = append(ids, src.ID)
			}
		}
	}
	return ids
}

// HandleValidateDevice reports problems and dangling references of every
// variant without starting anything
func (h *DeviceHandlerImpl) HandleValidateDevice(c echo.Context) error {
	id := c.Param("id")
	doc, err := h.store.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return NewNotFoundError("device", id)
		}
		return NewInternalError("failed to load scene", err)
	}
	report, err := validateDocument(doc)
	var verr *scene.ValidationError
	if err != nil && !errors.As(err, &verr) {
		return NewInternalError("failed to validate scene", err)
	}
	if report.DeviceID == "" {
		report.DeviceID = id
	}
	return c.JSON(http.StatusOK, report)
}

// HandleDeviceHistory returns the most recent samples of one source
func (h *DeviceHandlerImpl) HandleDeviceHistory(c echo.Context) error {
	if h.history == nil {
		return NewServiceUnavailableError("sample history is disabled")
	}
	id := c.Param("id")
	apiID := c.Param("apiId")
	if apiID == "" {
		return NewValidationError("apiId")
	}
	limit := 50
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return NewValidationError("limit")
		}
		limit = n
	}
	entries, err := h.history.Recent(c.Request().Context(), id, apiID, limit)
	if err != nil {
		return NewInternalError("failed to read history", err)
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"deviceId": id,
		"apiId":    apiID,
		"count":    len(entries),
		"entries":  entries,
	})
}
