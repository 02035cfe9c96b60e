// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devscene/backend/internal/logging"
	"github.com/devscene/backend/internal/storage"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Store      storage.Store
	SessionMgr SessionManager
	// History is nil when sample recording is disabled.
	History HistoryStore
	// Mirror is nil when the Redis sample cache is disabled.
	Mirror  SampleInvalidator
	Version string
	// DefaultInterval is the poll interval (ms) of generated sources.
	DefaultInterval int

	AllowDeletion    bool
	EnableMetrics    bool
	Gatherer         prometheus.Gatherer
	WSMaxMessageSize int64
	Logger           *zap.Logger
}

// Handlers holds all handler instances
type Handlers struct {
	Health   HealthHandler
	Devices  DeviceHandler
	Preview  PreviewHandler
	Stream   RenderStreamHandler
	Generate GenerateHandler

	allowDeletion bool
	metrics       http.Handler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	h := &Handlers{
		Health:        NewHealthHandler(deps.Version, deps.SessionMgr),
		Devices:       NewDeviceHandler(deps.Store, deps.History, deps.Mirror, deps.Logger),
		Preview:       NewPreviewHandler(deps.SessionMgr),
		Stream:        NewWebSocketHandler(deps.SessionMgr, deps.WSMaxMessageSize, deps.Logger),
		Generate:      NewGenerateHandler(deps.Store, deps.DefaultInterval),
		allowDeletion: deps.AllowDeletion,
	}
	if deps.EnableMetrics {
		g := deps.Gatherer
		if g == nil {
			g = prometheus.DefaultGatherer
		}
		h.metrics = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return h
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	apiGroup := e.Group("/api")

	// Health check
	apiGroup.GET("/health", handlers.Health.HandleHealth)

	// Stored scenes
	devices := apiGroup.Group("/devices")
	devices.GET("", handlers.Devices.HandleListDevices)
	devices.POST("/import", handlers.Devices.HandleImportDevice)
	devices.GET("/:id", handlers.Devices.HandleGetDevice)
	devices.PUT("/:id", handlers.Devices.HandlePutDevice)
	// Conditional delete based on config
	if handlers.allowDeletion {
		devices.DELETE("/:id", handlers.Devices.HandleDeleteDevice)
	}
	devices.GET("/:id/validation", handlers.Devices.HandleValidateDevice)
	devices.GET("/:id/history/:apiId", handlers.Devices.HandleDeviceHistory)
	devices.POST("/:id/preview", handlers.Preview.HandleStartPreview)

	// Preview sessions
	preview := apiGroup.Group("/preview")
	preview.GET("", handlers.Preview.HandleListPreviews)
	preview.GET("/:sessionId", handlers.Preview.HandleGetPreview)
	preview.GET("/:sessionId/render", handlers.Preview.HandleRender)
	preview.GET("/:sessionId/render/msgpack", handlers.Preview.HandleRenderMsgpack)
	preview.GET("/:sessionId/samples/:apiId", handlers.Preview.HandleSample)
	preview.POST("/:sessionId/keepalive", handlers.Preview.HandleSessionKeepAlive)
	preview.DELETE("/:sessionId", handlers.Preview.HandleStopPreview)
	preview.GET("/:sessionId/ws", handlers.Stream.HandleRenderStream)

	// Layout generator
	apiGroup.POST("/generate", handlers.Generate.HandleGenerate)

	if handlers.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(handlers.metrics))
	}
}

// MiddlewareOptions configures SetupMiddleware
type MiddlewareOptions struct {
	RequestLogging bool
	Timeout        time.Duration
	BodyLimit      string
	EnableCORS     bool
	// AllowOrigins is a comma separated list; empty means "*".
	AllowOrigins string
	Logger       *zap.Logger
}

// streaming reports requests that hold the connection open
func streaming(c echo.Context) bool {
	return strings.HasSuffix(c.Request().URL.Path, "/ws") ||
		c.Request().Header.Get(echo.HeaderUpgrade) == "websocket"
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, opts MiddlewareOptions) {
	// Use custom error handler
	e.HTTPErrorHandler = ErrorHandler

	log := logging.Named(opts.Logger, "http")
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			if !opts.RequestLogging {
				return true
			}
			path := c.Request().URL.Path
			return strings.HasSuffix(path, "/keepalive") ||
				path == "/api/health" ||
				path == "/metrics"
		},
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				log.Warn("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			log.Info("request", fields...)
			return nil
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
	}))

	if opts.Timeout > 0 {
		e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
			Timeout:      opts.Timeout,
			Skipper:      streaming,
			ErrorMessage: "Request timeout",
		}))
	}

	// Compression middleware
	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Skipper: streaming,
	}))

	if opts.BodyLimit != "" {
		e.Use(middleware.BodyLimit(opts.BodyLimit))
	}

	// CORS configuration
	if opts.EnableCORS {
		origins := strings.Split(opts.AllowOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		if len(origins) == 0 || (len(origins) == 1 && origins[0] == "") {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}
}
