package push

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const mqttTimeout = 10 * time.Second

// mqttChannel is one topic subscription on the shared MQTT client.
type mqttChannel struct {
	handlers
	client mqtt.Client
	topic  string
	log    *zap.Logger
}

func newMQTTChannel(client mqtt.Client, topic string, log *zap.Logger) (*mqttChannel, error) {
	c := &mqttChannel{client: client, topic: topic, log: log.With(zap.String("topic", topic))}
	token := client.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
		c.dispatch(c.log, m.Payload())
	})
	if !token.WaitTimeout(mqttTimeout) {
		return nil, fmt.Errorf("subscribing to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return c, nil
}

func (c *mqttChannel) close() {
	token := c.client.Unsubscribe(c.topic)
	if token.WaitTimeout(mqttTimeout) && token.Error() != nil {
		c.log.Warn("mqtt unsubscribe failed", zap.Error(token.Error()))
	}
}
