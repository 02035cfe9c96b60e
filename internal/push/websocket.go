package push

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const heartbeatMessage = "ping"

// wsChannel keeps one WebSocket connection open, sending a heartbeat and
// reconnecting after a fixed delay whenever the connection drops.
type wsChannel struct {
	handlers
	name   string
	url    string
	cfg    Config
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	connMu sync.Mutex
	conn   *websocket.Conn
}

func newWSChannel(name, url string, cfg Config, log *zap.Logger) *wsChannel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsChannel{
		name:   name,
		url:    url,
		cfg:    cfg,
		log:    log.With(zap.String("channel", name)),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *wsChannel) run() {
	defer close(c.done)
	for {
		conn, _, err := c.cfg.Dialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn("websocket dial failed", zap.String("url", c.url), zap.Error(err))
		} else {
			c.log.Debug("websocket connected", zap.String("url", c.url))
			c.serve(conn)
			if c.ctx.Err() != nil {
				return
			}
			c.log.Info("websocket closed, reconnecting", zap.Duration("delay", c.cfg.ReconnectDelay))
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// serve reads until the connection fails or the channel is closed.
func (c *wsChannel) serve(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
	}()

	stopBeat := make(chan struct{})
	defer close(stopBeat)
	go c.heartbeat(conn, stopBeat)

	go func() {
		select {
		case <-c.ctx.Done():
			c.connMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.connMu.Unlock()
			conn.Close()
		case <-stopBeat:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		c.dispatch(c.log, msg)
	}
}

func (c *wsChannel) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(c.cfg.Heartbeat))
			err := conn.WriteMessage(websocket.TextMessage, []byte(heartbeatMessage))
			c.connMu.Unlock()
			if err != nil {
				c.log.Debug("heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *wsChannel) close() {
	c.cancel()
	<-c.done
}
