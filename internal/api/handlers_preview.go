// handlers_preview.go - Live preview session handlers
package api

import (
	"bytes"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/devscene/backend/internal/models"
	"github.com/devscene/backend/internal/poller"
	"github.com/devscene/backend/internal/scene"
)

// PreviewHandlerImpl implements the PreviewHandler interface
type PreviewHandlerImpl struct {
	sessionMgr SessionManager
}

// NewPreviewHandler creates a new preview handler instance
func NewPreviewHandler(sessionMgr SessionManager) PreviewHandler {
	return &PreviewHandlerImpl{
		sessionMgr: sessionMgr,
	}
}

type startPreviewRequest struct {
	Variant string `json:"variant"`
}

type previewResponse struct {
	*models.PreviewSession
	Sources []poller.Stats `json:"sources"`
}

type renderResponse struct {
	SessionID string              `json:"sessionId"`
	Version   uint64              `json:"version"`
	Layers    []scene.LayerRender `json:"layers"`
}

// HandleStartPreview starts polling the stored scene of a device
func (h *PreviewHandlerImpl) HandleStartPreview(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	var req startPreviewRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return NewBadRequestError("invalid request body", err)
		}
	}
	if req.Variant == "" {
		req.Variant = c.QueryParam("variant")
	}
	variant, err := models.ParseVariant(req.Variant)
	if err != nil {
		return NewBadRequestError("invalid variant", err)
	}

	sess, err := h.sessionMgr.StartSession(id, variant)
	if err != nil {
		if apiErr := mapDomainError(err); apiErr != nil {
			return apiErr
		}
		return NewInternalError("failed to start preview", err)
	}
	return c.JSON(http.StatusCreated, sess)
}

// HandleListPreviews returns every running session
func (h *PreviewHandlerImpl) HandleListPreviews(c echo.Context) error {
	return c.JSON(http.StatusOK, h.sessionMgr.ListSessions())
}

// HandleGetPreview returns a session with the state of its sources
func (h *PreviewHandlerImpl) HandleGetPreview(c echo.Context) error {
	id := c.Param("sessionId")
	sess, ok := h.sessionMgr.GetSession(id)
	if !ok {
		return NewNotFoundError("session", id)
	}

	// Touch session to prevent cleanup while being viewed
	h.sessionMgr.TouchSession(id)

	sources, _ := h.sessionMgr.Sources(id)
	if sources == nil {
		sources = []poller.Stats{}
	}
	return c.JSON(http.StatusOK, previewResponse{PreviewSession: sess, Sources: sources})
}

func (h *PreviewHandlerImpl) render(c echo.Context) (*renderResponse, error) {
	id := c.Param("sessionId")
	layers, version, ok := h.sessionMgr.Render(id)
	if !ok {
		return nil, NewNotFoundError("session", id)
	}
	h.sessionMgr.TouchSession(id)
	if layers == nil {
		layers = []scene.LayerRender{}
	}
	return &renderResponse{SessionID: id, Version: version, Layers: layers}, nil
}

// HandleRender returns the latest render of every layer in paint order
func (h *PreviewHandlerImpl) HandleRender(c echo.Context) error {
	resp, err := h.render(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// HandleRenderMsgpack returns the same snapshot as HandleRender in MessagePack
func (h *PreviewHandlerImpl) HandleRenderMsgpack(c echo.Context) error {
	resp, err := h.render(c)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(resp); err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", buf.Bytes())
}

// HandleSample returns the latest raw sample of one source
func (h *PreviewHandlerImpl) HandleSample(c echo.Context) error {
	id := c.Param("sessionId")
	apiID := c.Param("apiId")
	if _, ok := h.sessionMgr.GetSession(id); !ok {
		return NewNotFoundError("session", id)
	}
	sample, ok := h.sessionMgr.Sample(id, apiID)
	if !ok {
		return NewNotFoundError("api", apiID)
	}
	if sample == nil {
		// Declared but nothing fetched yet
		return c.NoContent(http.StatusNoContent)
	}
	h.sessionMgr.TouchSession(id)
	return c.JSON(http.StatusOK, sample)
}

// HandleSessionKeepAlive extends session lifetime for active viewing
func (h *PreviewHandlerImpl) HandleSessionKeepAlive(c echo.Context) error {
	id := c.Param("sessionId")
	if id == "" {
		return NewValidationError("sessionId")
	}

	if ok := h.sessionMgr.TouchSession(id); !ok {
		return NewNotFoundError("session", id)
	}

	return c.NoContent(http.StatusNoContent)
}

// HandleStopPreview stops polling and discards the session
func (h *PreviewHandlerImpl) HandleStopPreview(c echo.Context) error {
	id := c.Param("sessionId")
	if !h.sessionMgr.StopSession(id) {
		return NewNotFoundError("session", id)
	}
	return c.NoContent(http.StatusNoContent)
}
