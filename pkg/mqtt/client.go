// Package mqtt wraps the paho client with device authentication, TLS from
// the engine configuration and a retrying connect.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/iot-go-sdk/otaengine/pkg/auth"
	"github.com/iot-go-sdk/otaengine/pkg/config"
	"github.com/iot-go-sdk/otaengine/pkg/tlsutil"
)

const (
	disconnectQuiesce = 250

	maxReconnectInterval = 30 * time.Second
)

// ErrNotConnected is returned by operations on a client that is offline.
var ErrNotConnected = errors.New("client is not connected")

type MessageHandler = func(topic string, payload []byte)

type Client struct {
	config     *config.Config
	mqttClient paho.Client
	connected  bool
	mutex      sync.RWMutex
	handlers   map[string]MessageHandler
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		config:   cfg,
		handlers: make(map[string]MessageHandler),
	}
}

// brokerURL returns the paho server URL for the MQTT section.
func (c *Client) brokerURL() string {
	scheme := "tcp"
	if c.config.MQTT.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.config.MQTT.Host, c.config.MQTT.Port)
}

func (c *Client) options() (*paho.ClientOptions, error) {
	device := auth.Device{
		ProductKey:   c.config.Device.ProductKey,
		DeviceName:   c.config.Device.DeviceName,
		DeviceSecret: c.config.Device.DeviceSecret,
	}
	credentials, err := device.Credentials(c.config.GetSecureMode())
	if err != nil {
		return nil, fmt.Errorf("failed to build credentials: %w", err)
	}
	log.Debugf("mqtt client id: %s", credentials.ClientID)

	opts := paho.NewClientOptions()
	if c.config.MQTT.UseTLS {
		tlsConfig, err := tlsutil.NewClientConfig(c.config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.AddBroker(c.brokerURL())
	opts.SetClientID(credentials.ClientID)
	opts.SetUsername(credentials.Username)
	opts.SetPassword(credentials.Password)
	opts.SetKeepAlive(c.config.MQTT.KeepAlive)
	opts.SetCleanSession(c.config.MQTT.CleanSession)
	opts.SetConnectTimeout(c.config.Server.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxReconnectInterval)

	opts.SetDefaultPublishHandler(c.defaultMessageHandler)
	opts.SetConnectionLostHandler(c.connectionLostHandler)
	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetReconnectingHandler(c.reconnectingHandler)
	return opts, nil
}

// connectBackoff retries the first connect until ctx is done.
func connectBackoff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         maxReconnectInterval,
		MaxElapsedTime:      5 * time.Minute,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, ctx)
}

// Connect validates the configuration and connects to the broker, retrying
// with exponential backoff until it succeeds or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.config.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	opts, err := c.options()
	if err != nil {
		return err
	}
	client := paho.NewClient(opts)

	operation := func() error {
		token := client.Connect()
		if token.Wait() && token.Error() != nil {
			return token.Error()
		}
		return nil
	}
	notify := func(err error, d time.Duration) {
		log.Warnf("failed to connect to %s, retrying in %v: %v", c.brokerURL(), d, err)
	}
	if err := backoff.RetryNotify(operation, connectBackoff(ctx), notify); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mutex.Lock()
	c.mqttClient = client
	c.connected = true
	c.mutex.Unlock()

	log.Infof("connected to MQTT broker: %s", c.brokerURL())
	return nil
}

func (c *Client) Disconnect() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.mqttClient != nil && c.connected {
		c.mqttClient.Disconnect(disconnectQuiesce)
		c.connected = false
		log.Info("disconnected from MQTT broker")
	}
}

func (c *Client) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.connected && c.mqttClient != nil && c.mqttClient.IsConnected()
}

func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.mqttClient.Publish(topic, qos, retained, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish message: %w", token.Error())
	}

	log.Debugf("published message to topic: %s", topic)
	return nil
}

func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.mutex.Lock()
	c.handlers[topic] = handler
	c.mutex.Unlock()

	token := c.mqttClient.Subscribe(topic, qos, func(client paho.Client, msg paho.Message) {
		c.mutex.RLock()
		h, exists := c.handlers[msg.Topic()]
		c.mutex.RUnlock()
		if exists {
			h(msg.Topic(), msg.Payload())
		}
	})

	if token.Wait() && token.Error() != nil {
		c.mutex.Lock()
		delete(c.handlers, topic)
		c.mutex.Unlock()
		return fmt.Errorf("failed to subscribe to topic: %w", token.Error())
	}

	log.Infof("subscribed to topic: %s", topic)
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.mqttClient.Unsubscribe(topic)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe from topic: %w", token.Error())
	}

	c.mutex.Lock()
	delete(c.handlers, topic)
	c.mutex.Unlock()

	log.Infof("unsubscribed from topic: %s", topic)
	return nil
}

func (c *Client) defaultMessageHandler(client paho.Client, msg paho.Message) {
	log.Debugf("received message on topic %s: %s", msg.Topic(), string(msg.Payload()))
}

func (c *Client) connectionLostHandler(client paho.Client, err error) {
	c.mutex.Lock()
	c.connected = false
	c.mutex.Unlock()
	log.Warnf("connection lost: %v", err)
}

func (c *Client) onConnectHandler(client paho.Client) {
	c.mutex.Lock()
	c.connected = true
	c.mutex.Unlock()
	log.Debug("connected to MQTT broker")
}

func (c *Client) reconnectingHandler(client paho.Client, opts *paho.ClientOptions) {
	log.Info("attempting to reconnect to MQTT broker")
}
