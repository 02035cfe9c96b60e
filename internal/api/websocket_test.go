package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devscene/backend/internal/session"
)

// readUntil reads messages until one of type want arrives
func readUntil(t *testing.T, conn *websocket.Conn, want string) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %q", want)
		if msg.Type == want {
			return msg
		}
	}
}

func TestRenderStream(t *testing.T) {
	s := newTestServer(t, testOptions{})
	s.store.AddScene(testScene("dev-1"))
	s.fetcher.SetBody("info", `{"model":"X200"}`)
	sess := startPreview(t, s, "dev-1")

	srv := httptest.NewServer(s.e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/preview/" + sess.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	connected := readUntil(t, conn, MsgTypeConnected)
	assert.Equal(t, sess.ID, connected.ID)

	// The first render is a full snapshot
	msg := readUntil(t, conn, MsgTypeRender)
	var upd session.RenderUpdate
	require.NoError(t, json.Unmarshal(msg.Payload, &upd))
	assert.True(t, upd.Full)
	assert.Equal(t, sess.ID, upd.SessionID)
	require.Len(t, upd.Layers, 1)
	assert.Equal(t, "title", upd.Layers[0].ID)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: MsgTypePing}))
	readUntil(t, conn, MsgTypePong)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "bogus"}))
	errMsg := readUntil(t, conn, MsgTypeError)
	assert.Contains(t, string(errMsg.Payload), "INVALID_TYPE")

	// Stopping the session ends the stream
	require.True(t, s.mgr.StopSession(sess.ID))
	readUntil(t, conn, MsgTypeClosed)
}

// unsubRecorder counts Unsubscribe calls on top of a real manager
type unsubRecorder struct {
	*session.Manager
	unsubs atomic.Int32
}

func (r *unsubRecorder) Unsubscribe(id, subID string) {
	r.unsubs.Add(1)
	r.Manager.Unsubscribe(id, subID)
}

func TestRenderStream_ClientDisconnectUnsubscribes(t *testing.T) {
	s := newTestServer(t, testOptions{})
	s.store.AddScene(testScene("dev-1"))
	s.fetcher.SetBody("info", `{"model":"X200"}`)
	sess := startPreview(t, s, "dev-1")

	mgr := &unsubRecorder{Manager: s.mgr}
	e := echo.New()
	e.GET("/ws/:sessionId", NewWebSocketHandler(mgr, 0, nil).HandleRenderStream)
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + sess.ID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	readUntil(t, conn, MsgTypeConnected)
	conn.Close()

	assert.Eventually(t, func() bool {
		return mgr.unsubs.Load() == 1
	}, 3*time.Second, 10*time.Millisecond)

	// The session itself keeps running
	_, ok := s.mgr.GetSession(sess.ID)
	assert.True(t, ok)
}
