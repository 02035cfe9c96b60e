// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/devscene/backend/internal/history"
	"github.com/devscene/backend/internal/models"
	"github.com/devscene/backend/internal/poller"
	"github.com/devscene/backend/internal/samplecache"
	"github.com/devscene/backend/internal/scene"
	"github.com/devscene/backend/internal/session"
)

// DeviceHandler handles stored scene documents
type DeviceHandler interface {
	HandleListDevices(c echo.Context) error
	HandleImportDevice(c echo.Context) error
	HandleGetDevice(c echo.Context) error
	HandlePutDevice(c echo.Context) error
	HandleDeleteDevice(c echo.Context) error
	HandleValidateDevice(c echo.Context) error
	HandleDeviceHistory(c echo.Context) error
}

// PreviewHandler handles live preview sessions
type PreviewHandler interface {
	HandleStartPreview(c echo.Context) error
	HandleListPreviews(c echo.Context) error
	HandleGetPreview(c echo.Context) error
	HandleRender(c echo.Context) error
	HandleRenderMsgpack(c echo.Context) error
	HandleSample(c echo.Context) error
	HandleSessionKeepAlive(c echo.Context) error
	HandleStopPreview(c echo.Context) error
}

// RenderStreamHandler streams render updates over a WebSocket
type RenderStreamHandler interface {
	HandleRenderStream(c echo.Context) error
}

// GenerateHandler builds scenes from register dumps
type GenerateHandler interface {
	HandleGenerate(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// SessionManager defines the interface for session management
// This allows mocking in tests
type SessionManager interface {
	StartSession(deviceID string, variant models.Variant) (*models.PreviewSession, error)
	GetSession(id string) (*models.PreviewSession, bool)
	ListSessions() []*models.PreviewSession
	TouchSession(id string) bool
	StopSession(id string) bool
	Render(id string) ([]scene.LayerRender, uint64, bool)
	Sample(id, apiID string) (*poller.Sample, bool)
	Sources(id string) ([]poller.Stats, bool)
	Subscribe(id string) (string, <-chan session.RenderUpdate, error)
	Unsubscribe(id, subID string)
}

// HistoryStore reads and purges recorded samples
type HistoryStore interface {
	Recent(ctx context.Context, deviceID, apiID string, limit int) ([]history.Entry, error)
	Purge(ctx context.Context, deviceID string) error
}

// SampleInvalidator drops mirrored samples of a device
type SampleInvalidator interface {
	Invalidate(deviceID string, apiIDs ...string) error
}

var _ SessionManager = (*session.Manager)(nil)
var _ HistoryStore = (*history.Store)(nil)
var _ SampleInvalidator = (*samplecache.Cache)(nil)
