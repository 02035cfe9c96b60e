package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/devscene/backend/internal/logging"
)

// WebSocket message types for the render stream
const (
	// Client -> Server messages
	MsgTypePing = "ping"

	// Server -> Client messages
	MsgTypeConnected = "connected"
	MsgTypeRender    = "render"
	MsgTypeClosed    = "closed"
	MsgTypeError     = "error"
	MsgTypePong      = "pong"
)

const wsWriteWait = 10 * time.Second

// WebSocket message structure
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// WebSocket error response
type WSErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// WebSocketHandler streams render updates of a preview session
type WebSocketHandler struct {
	sessionMgr     SessionManager
	upgrader       websocket.Upgrader
	maxMessageSize int64
	log            *zap.Logger
}

// NewWebSocketHandler creates a new render stream handler
func NewWebSocketHandler(sessionMgr SessionManager, maxMessageSize int64, logger *zap.Logger) *WebSocketHandler {
	if maxMessageSize <= 0 {
		maxMessageSize = 64 * 1024
	}
	return &WebSocketHandler{
		sessionMgr: sessionMgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from dev server
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		maxMessageSize: maxMessageSize,
		log:            logging.Named(logger, "ws"),
	}
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) send(msg WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteJSON(msg)
}

func (c *wsConn) close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteWait))
}

// HandleRenderStream upgrades the connection and pushes a full snapshot
// followed by every render update until the session stops or the client
// goes away. Client pings keep the session alive.
func (wsh *WebSocketHandler) HandleRenderStream(c echo.Context) error {
	id := c.Param("sessionId")
	if _, ok := wsh.sessionMgr.GetSession(id); !ok {
		return NewNotFoundError("session", id)
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	ws.SetReadLimit(wsh.maxMessageSize)
	conn := &wsConn{ws: ws}
	log := wsh.log.With(zap.String("session_id", id))

	subID, updates, err := wsh.sessionMgr.Subscribe(id)
	if err != nil {
		wsh.sendError(conn, err.Error(), "SESSION_NOT_FOUND")
		return nil
	}
	defer wsh.sessionMgr.Unsubscribe(id, subID)
	log.Debug("render stream opened", zap.String("subscriber", subID))

	wsh.sendMessage(conn, WSMessage{Type: MsgTypeConnected, ID: id, Timestamp: time.Now().UnixMilli()})

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			var msg WSMessage
			if err := ws.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("render stream read failed", zap.Error(err))
				}
				return
			}
			switch msg.Type {
			case MsgTypePing:
				wsh.sessionMgr.TouchSession(id)
				wsh.sendMessage(conn, WSMessage{Type: MsgTypePong, Timestamp: time.Now().UnixMilli()})
			default:
				wsh.sendError(conn, "Unknown message type: "+msg.Type, "INVALID_TYPE")
			}
		}
	}()

	for {
		select {
		case upd, ok := <-updates:
			if !ok {
				wsh.sendMessage(conn, WSMessage{Type: MsgTypeClosed, ID: id, Timestamp: time.Now().UnixMilli()})
				conn.close(websocket.CloseNormalClosure, "session stopped")
				return nil
			}
			if err := conn.send(WSMessage{
				Type:      MsgTypeRender,
				ID:        id,
				Payload:   mustJSON(upd),
				Timestamp: time.Now().UnixMilli(),
			}); err != nil {
				log.Debug("render stream write failed", zap.Error(err))
				return nil
			}
		case <-clientGone:
			log.Debug("render stream closed by client")
			return nil
		}
	}
}

// Helper methods

func (wsh *WebSocketHandler) sendMessage(conn *wsConn, msg WSMessage) {
	if err := conn.send(msg); err != nil {
		wsh.log.Debug("failed to send message", zap.Error(err))
	}
}

func (wsh *WebSocketHandler) sendError(conn *wsConn, message, code string) {
	wsh.sendMessage(conn, WSMessage{
		Type:      MsgTypeError,
		Timestamp: time.Now().UnixMilli(),
		Payload: mustJSON(WSErrorResponse{
			Type:    MsgTypeError,
			Message: message,
			Code:    code,
		}),
	})
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
