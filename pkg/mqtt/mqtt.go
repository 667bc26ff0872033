package mqtt

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

type IMQTT interface {
	Publish(topic string, payload []byte) error
	IsConnected() bool
	Disconnect()
}

type client struct {
	client    pahomqtt.Client
	log       *logrus.Logger
	qos       byte
	mu        sync.RWMutex
	connected bool
}

func New(broker, clientID string, log *logrus.Logger) (IMQTT, error) {
	if broker == "" {
		return nil, errors.New("mqtt broker is empty")
	}
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	c := &client{log: log, qos: 1}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(pahomqtt.Client) {
		c.setConnected(true)
		log.WithFields(logrus.Fields{
			"broker":    broker,
			"client_id": clientID,
		}).Info("MQTT connection established")
	}
	opts.OnConnectionLost = func(_ pahomqtt.Client, err error) {
		c.setConnected(false)
		log.WithFields(logrus.Fields{
			"broker": broker,
			"error":  err.Error(),
		}).Warn("MQTT connection lost, will auto-reconnect")
	}

	c.client = pahomqtt.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	c.setConnected(true)

	return c, nil
}

func (c *client) Publish(topic string, payload []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	token := c.client.Publish(topic, c.qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *client) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	c.setConnected(false)
}

func (c *client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
