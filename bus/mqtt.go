package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned by Publish while the broker is unreachable
var ErrNotConnected = errors.New("mqtt not connected")

// MQTTSettings ...
type MQTTSettings struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	PublishTimeout time.Duration
	RetryInterval  time.Duration
}

// MQTT is a paho client that keeps its subscriptions across reconnects
type MQTT struct {
	settings MQTTSettings
	client   mqtt.Client
	log      *logrus.Entry

	mutex         sync.RWMutex
	subscriptions map[string]Handler
	connected     bool
	published     map[string]uint64
	errors        uint64
}

// MQTTStats counts what went through the client
type MQTTStats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// NewMQTT prepares a client, Connect starts it.
func NewMQTT(settings MQTTSettings, log *logrus.Logger) *MQTT {
	if settings.PublishTimeout <= 0 {
		settings.PublishTimeout = 2 * time.Second
	}
	if settings.RetryInterval <= 0 {
		settings.RetryInterval = 5 * time.Second
	}
	m := &MQTT{
		settings:      settings,
		log:           log.WithField("component", "mqtt"),
		subscriptions: make(map[string]Handler),
		published:     make(map[string]uint64),
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(settings.Broker)
	opts.SetClientID(settings.ClientID)
	if settings.Username != "" {
		opts.SetUsername(settings.Username)
		opts.SetPassword(settings.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(settings.RetryInterval)
	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(m.onConnectionLost)
	m.client = mqtt.NewClient(opts)
	return m
}

// Connect starts the client and waits for the first connection until ctx is
// done. With connect retry enabled paho keeps trying in the background, so a
// broker that is down at startup is not fatal.
func (m *MQTT) Connect(ctx context.Context) error {
	m.log.Infof("connecting to %s as %s", m.settings.Broker, m.settings.ClientID)
	token := m.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", m.settings.Broker, err)
		}
	case <-ctx.Done():
		m.log.Warn("broker not reachable yet, will keep retrying in background")
	}
	return nil
}

// Subscribe registers h for topic. The subscription is made now if connected
// and again on every reconnect.
func (m *MQTT) Subscribe(topic string, h Handler) error {
	m.mutex.Lock()
	m.subscriptions[topic] = h
	connected := m.connected
	m.mutex.Unlock()
	if !connected {
		return nil
	}
	return m.subscribe(m.client, topic, h)
}

func (m *MQTT) subscribe(c mqtt.Client, topic string, h Handler) error {
	token := c.Subscribe(topic, m.settings.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		m.log.Debugf("received %s %q", msg.Topic(), msg.Payload())
		h(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(m.settings.PublishTimeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	m.log.Infof("subscribed to %s", topic)
	return nil
}

func (m *MQTT) onConnect(c mqtt.Client) {
	m.mutex.Lock()
	m.connected = true
	subs := make(map[string]Handler, len(m.subscriptions))
	for k, v := range m.subscriptions {
		subs[k] = v
	}
	m.mutex.Unlock()
	m.log.Info("connected to broker")
	for topic, h := range subs {
		if err := m.subscribe(c, topic, h); err != nil {
			m.log.Error(err)
		}
	}
}

func (m *MQTT) onConnectionLost(_ mqtt.Client, err error) {
	m.mutex.Lock()
	m.connected = false
	m.mutex.Unlock()
	m.log.Warnf("connection lost, reconnecting: %v", err)
}

// Publish implements Publisher.
func (m *MQTT) Publish(topic string, payload string) error {
	return m.publish(topic, payload, false)
}

// PublishRetained publishes a message the broker keeps for late subscribers.
func (m *MQTT) PublishRetained(topic string, payload string) error {
	return m.publish(topic, payload, true)
}

func (m *MQTT) publish(topic string, payload string, retained bool) error {
	if !m.IsConnected() {
		m.countError()
		return ErrNotConnected
	}
	token := m.client.Publish(topic, m.settings.QoS, retained, payload)
	if !token.WaitTimeout(m.settings.PublishTimeout) {
		m.countError()
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		m.countError()
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	m.mutex.Lock()
	m.published[topic]++
	m.mutex.Unlock()
	m.log.Debugf("published %s %q", topic, payload)
	return nil
}

func (m *MQTT) countError() {
	m.mutex.Lock()
	m.errors++
	m.mutex.Unlock()
}

// IsConnected reports the last known broker connection state.
func (m *MQTT) IsConnected() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.connected
}

// Stats returns a copy of the counters.
func (m *MQTT) Stats() MQTTStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	published := make(map[string]uint64, len(m.published))
	for k, v := range m.published {
		published[k] = v
	}
	return MQTTStats{Connected: m.connected, Published: published, Errors: m.errors}
}

// Close disconnects, giving in-flight messages 250ms.
func (m *MQTT) Close() {
	if m.client.IsConnected() {
		m.client.Disconnect(250)
		m.log.Info("disconnected")
	}
	m.mutex.Lock()
	m.connected = false
	m.mutex.Unlock()
}
