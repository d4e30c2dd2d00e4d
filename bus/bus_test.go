package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type published struct {
	topic    string
	retained bool
	payload  interface{}
}

// fakeClient records calls; methods the bridge never uses stay nil
type fakeClient struct {
	mqtt.Client
	mutex      sync.Mutex
	connected  bool
	publishErr error
	published  []published
	handlers   map[string]mqtt.MessageHandler
}

func (c *fakeClient) IsConnected() bool { return c.connected }
func (c *fakeClient) Connect() mqtt.Token {
	c.connected = true
	return doneToken{}
}
func (c *fakeClient) Disconnect(uint) { c.connected = false }
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.publishErr != nil {
		return doneToken{err: c.publishErr}
	}
	c.published = append(c.published, published{topic, retained, payload})
	return doneToken{}
}
func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.handlers == nil {
		c.handlers = map[string]mqtt.MessageHandler{}
	}
	c.handlers[topic] = cb
	return doneToken{}
}

func newTestMQTT(t *testing.T) (*MQTT, *fakeClient) {
	log, _ := test.NewNullLogger()
	m := NewMQTT(MQTTSettings{Broker: "tcp://127.0.0.1:1883", ClientID: "test"}, log)
	fc := &fakeClient{}
	m.client = fc
	return m, fc
}

func TestMQTTPublishRequiresConnection(t *testing.T) {
	m, fc := newTestMQTT(t)
	err := m.Publish("workshop/door/position", "50")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, fc.published)
	assert.EqualValues(t, 1, m.Stats().Errors)
}

func TestMQTTResubscribesOnConnect(t *testing.T) {
	m, fc := newTestMQTT(t)
	var got []string
	require.NoError(t, m.Subscribe("workshop/door/command/#", func(topic string, payload []byte) {
		got = append(got, topic+"="+string(payload))
	}))
	// not connected yet, nothing reaches the broker
	assert.Empty(t, fc.handlers)

	require.NoError(t, m.Connect(context.Background()))
	m.onConnect(fc)
	require.Contains(t, fc.handlers, "workshop/door/command/#")
	fc.handlers["workshop/door/command/#"](fc, fakeMessage{"workshop/door/command/position", []byte("40")})
	assert.Equal(t, []string{"workshop/door/command/position=40"}, got)

	m.onConnectionLost(fc, errors.New("broken pipe"))
	assert.False(t, m.IsConnected())
	fc.handlers = nil
	m.onConnect(fc)
	assert.Contains(t, fc.handlers, "workshop/door/command/#")
}

func TestMQTTPublish(t *testing.T) {
	m, fc := newTestMQTT(t)
	m.onConnect(fc)
	require.NoError(t, m.Publish("workshop/door/position", "50"))
	require.NoError(t, m.PublishRetained("workshop/door/link", "connected"))
	assert.Equal(t, []published{
		{"workshop/door/position", false, "50"},
		{"workshop/door/link", true, "connected"},
	}, fc.published)
	assert.EqualValues(t, 1, m.Stats().Published["workshop/door/position"])

	fc.publishErr = errors.New("boom")
	assert.Error(t, m.Publish("workshop/door/state", "1"))
	assert.EqualValues(t, 1, m.Stats().Errors)

	m.Close()
	assert.False(t, m.IsConnected())
}

type fakeRedis struct {
	values map[string]interface{}
	err    error
}

func (r *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if r.err != nil {
		return redis.NewStatusResult("", r.err)
	}
	r.values[key] = value
	return redis.NewStatusResult("OK", nil)
}

func TestRedisMirror(t *testing.T) {
	db := &fakeRedis{values: map[string]interface{}{}}
	r := &RedisMirror{db: db, keyPrefix: "garage:", timeout: time.Second}
	require.NoError(t, r.Publish("workshop/door/humidity", "60.25"))
	assert.Equal(t, "60.25", db.values["garage:workshop/door/humidity"])

	db.err = errors.New("connection refused")
	assert.ErrorContains(t, r.Publish("workshop/door/humidity", "61"), "connection refused")
	assert.NoError(t, r.Close())
}

type recorder struct {
	got []string
	err error
}

func (r *recorder) Publish(topic string, payload string) error {
	r.got = append(r.got, topic+"="+payload)
	return r.err
}

func TestFanout(t *testing.T) {
	a, b := &recorder{}, &recorder{err: errors.New("down")}
	f := Fanout{a, b}
	err := f.Publish("t", "1")
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, []string{"t=1"}, a.got)
	assert.Equal(t, []string{"t=1"}, b.got)
	assert.NoError(t, Fanout{a}.Publish("t", "2"))
}
