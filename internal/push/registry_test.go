package push

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statusServer sends one status frame per connection and records pings.
// The first connection is dropped after its frame to force a reconnect.
type statusServer struct {
	upgrader websocket.Upgrader
	conns    atomic.Int64
	pings    atomic.Int64
}

func (s *statusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n := s.conns.Add(1)
	conn.WriteMessage(websocket.TextMessage, []byte(`{"rows":[{"state":true}]}`))
	if n == 1 {
		return
	}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(msg) == heartbeatMessage {
			s.pings.Add(1)
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRegistry_WebSocketChannel(t *testing.T) {
	ss := &statusServer{}
	srv := httptest.NewServer(ss)
	defer srv.Close()

	r := NewRegistry(Config{
		Channels:       map[string]string{"status": wsURL(srv)},
		Heartbeat:      20 * time.Millisecond,
		ReconnectDelay: 10 * time.Millisecond,
	})
	defer r.Close()

	var mu sync.Mutex
	var got []string
	unsub, err := r.Subscribe("status", func(msg []byte) {
		mu.Lock()
		got = append(got, string(msg))
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, 2*time.Second, 5*time.Millisecond, "a frame from the first and the reconnected socket")
	assert.GreaterOrEqual(t, ss.conns.Load(), int64(2))
	require.Eventually(t, func() bool { return ss.pings.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"status"}, r.Channels())
	unsub()
	unsub()
	assert.Empty(t, r.Channels())
}

func TestRegistry_SharesOneConnectionPerChannel(t *testing.T) {
	ss := &statusServer{}
	ss.conns.Store(1) // skip the forced drop
	srv := httptest.NewServer(ss)
	defer srv.Close()

	r := NewRegistry(Config{ReconnectDelay: 10 * time.Millisecond})
	defer r.Close()

	var a, b atomic.Int64
	url := wsURL(srv)
	unsubA, err := r.Subscribe(url, func([]byte) { a.Add(1) })
	require.NoError(t, err)
	_, err = r.Subscribe(url, func([]byte) { b.Add(1) })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return a.Load()+b.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), ss.conns.Load(), "one connection for both subscribers")

	unsubA()
	assert.Len(t, r.Channels(), 1, "channel stays open while a subscriber remains")
}

func TestRegistry_Errors(t *testing.T) {
	r := NewRegistry(Config{})

	_, err := r.Subscribe("nope", func([]byte) {})
	assert.ErrorIs(t, err, ErrUnknownChannel)

	_, err = r.Subscribe("mqtt:devices/1", func([]byte) {})
	assert.ErrorIs(t, err, ErrNoBroker)

	_, err = r.Subscribe("mqtt:", func([]byte) {})
	assert.ErrorIs(t, err, ErrUnknownChannel)

	r.Close()
	r.Close()
	_, err = r.Subscribe("ws://localhost:1/x", func([]byte) {})
	assert.ErrorIs(t, err, ErrClosed)
}

// fakeMQTT implements the subset of mqtt.Client the registry uses.
type fakeMQTT struct {
	mqtt.Client
	mu       sync.Mutex
	routes   map[string]mqtt.MessageHandler
	failSub  bool
	unsubbed []string
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

func (f *fakeMQTT) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	if f.failSub {
		return doneToken{err: errors.New("not authorized")}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.routes == nil {
		f.routes = make(map[string]mqtt.MessageHandler)
	}
	f.routes[topic] = cb
	return doneToken{}
}

func (f *fakeMQTT) Unsubscribe(topics ...string) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubbed = append(f.unsubbed, topics...)
	return doneToken{}
}

func (f *fakeMQTT) publish(topic, payload string) {
	f.mu.Lock()
	cb := f.routes[topic]
	f.mu.Unlock()
	cb(f, fakeMessage{topic: topic, payload: []byte(payload)})
}

func TestRegistry_MQTTChannel(t *testing.T) {
	client := &fakeMQTT{}
	r := NewRegistry(Config{MQTTClient: client})
	defer r.Close()

	var got atomic.Value
	unsub, err := r.Subscribe("mqtt:devices/7/status", func(msg []byte) { got.Store(string(msg)) })
	require.NoError(t, err)

	client.publish("devices/7/status", `{"state":1}`)
	assert.Equal(t, `{"state":1}`, got.Load())

	unsub()
	assert.Equal(t, []string{"devices/7/status"}, client.unsubbed)

	client.failSub = true
	_, err = r.Subscribe("mqtt:other", func([]byte) {})
	assert.ErrorContains(t, err, "not authorized")
}

func TestHandlers_RecoversPanics(t *testing.T) {
	r := NewRegistry(Config{})
	var h handlers
	var called atomic.Bool
	h.add("a", func([]byte) { panic("bad handler") })
	h.add("b", func([]byte) { called.Store(true) })
	assert.NotPanics(t, func() { h.dispatch(r.log, []byte("x")) })
	assert.True(t, called.Load())
}
