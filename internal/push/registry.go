// Package push connects push-mode ApiSources to their WebSocket or MQTT
// channels. One Registry is created at startup and shared by every
// preview session; each channel keeps a single connection no matter how
// many subscribers it has.
package push

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devscene/backend/internal/logging"
)

const mqttPrefix = "mqtt:"

var (
	ErrClosed         = errors.New("push registry closed")
	ErrUnknownChannel = errors.New("unknown push channel")
	ErrNoBroker       = errors.New("no MQTT broker configured")
)

// Handler receives one inbound message.
type Handler func([]byte)

// Config configures a Registry.
type Config struct {
	// Channels maps channel names to WebSocket URLs.
	Channels       map[string]string
	Heartbeat      time.Duration
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer

	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	// MQTTClient, when set, is used instead of dialing MQTTBroker.
	MQTTClient mqtt.Client

	Logger *zap.Logger
}

type channel interface {
	add(id string, h Handler)
	remove(id string) (empty bool)
	close()
}

// Registry owns every open push channel.
type Registry struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	channels map[string]channel
	mqtt     mqtt.Client
	closed   bool
}

// NewRegistry returns an empty registry. Connections are opened lazily on
// first subscription.
func NewRegistry(cfg Config) *Registry {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Registry{
		cfg:      cfg,
		log:      logging.Named(cfg.Logger, "push"),
		channels: make(map[string]channel),
		mqtt:     cfg.MQTTClient,
	}
}

// Subscribe attaches h to name. name is a ws:// or wss:// URL, an
// "mqtt:<topic>" reference, or the name of a configured channel.
func (r *Registry) Subscribe(name string, h func([]byte)) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	key := strings.TrimSpace(name)
	ch, ok := r.channels[key]
	if !ok {
		var err error
		ch, err = r.open(key)
		if err != nil {
			return nil, err
		}
		r.channels[key] = ch
	}

	id := uuid.NewString()
	ch.add(id, h)

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(key, id) })
	}, nil
}

// open must be called with r.mu held.
func (r *Registry) open(key string) (channel, error) {
	switch {
	case strings.HasPrefix(key, mqttPrefix):
		topic := strings.TrimPrefix(key, mqttPrefix)
		if topic == "" {
			return nil, fmt.Errorf("%w: empty MQTT topic", ErrUnknownChannel)
		}
		client, err := r.mqttClient()
		if err != nil {
			return nil, err
		}
		return newMQTTChannel(client, topic, r.log)
	case strings.HasPrefix(key, "ws://"), strings.HasPrefix(key, "wss://"):
		return newWSChannel(key, key, r.cfg, r.log), nil
	}
	url, ok := r.cfg.Channels[key]
	if !ok || url == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, key)
	}
	return newWSChannel(key, url, r.cfg, r.log), nil
}

// mqttClient must be called with r.mu held.
func (r *Registry) mqttClient() (mqtt.Client, error) {
	if r.mqtt != nil {
		return r.mqtt, nil
	}
	if r.cfg.MQTTBroker == "" {
		return nil, ErrNoBroker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(r.cfg.MQTTBroker)
	clientID := r.cfg.MQTTClientID
	if clientID == "" {
		clientID = "devscene-" + uuid.NewString()[:8]
	}
	opts.SetClientID(clientID)
	if r.cfg.MQTTUsername != "" {
		opts.SetUsername(r.cfg.MQTTUsername)
		opts.SetPassword(r.cfg.MQTTPassword)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(r.cfg.ReconnectDelay)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		r.log.Info("mqtt connected", zap.String("broker", r.cfg.MQTTBroker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		r.log.Warn("mqtt connection lost", zap.String("broker", r.cfg.MQTTBroker), zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		err := token.Error()
		if err == nil {
			err = errors.New("connect timeout")
		}
		client.Disconnect(0)
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", r.cfg.MQTTBroker, err)
	}
	r.mqtt = client
	return client, nil
}

func (r *Registry) unsubscribe(key, id string) {
	r.mu.Lock()
	ch, ok := r.channels[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	empty := ch.remove(id)
	if empty {
		delete(r.channels, key)
	}
	r.mu.Unlock()

	if empty {
		ch.close()
	}
}

// Channels returns the keys of the currently open channels.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.channels))
	for k := range r.channels {
		out = append(out, k)
	}
	return out
}

// Close shuts every channel and the MQTT connection. Subscribe fails
// afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	chans := r.channels
	r.channels = make(map[string]channel)
	client := r.mqtt
	ownClient := r.cfg.MQTTClient == nil
	r.mu.Unlock()

	for _, ch := range chans {
		ch.close()
	}
	if client != nil && ownClient {
		client.Disconnect(250)
	}
}

// handlers is a concurrency-safe subscriber set shared by channel kinds.
type handlers struct {
	mu sync.RWMutex
	m  map[string]Handler
}

func (h *handlers) add(id string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.m == nil {
		h.m = make(map[string]Handler)
	}
	h.m[id] = fn
}

func (h *handlers) remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.m, id)
	return len(h.m) == 0
}

func (h *handlers) dispatch(log *zap.Logger, msg []byte) {
	h.mu.RLock()
	fns := make([]Handler, 0, len(h.m))
	for _, fn := range h.m {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("push handler panicked", zap.Any("panic", rec))
				}
			}()
			fn(msg)
		}()
	}
}
