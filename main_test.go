package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylehofer/garage-door/frame"
	"github.com/kylehofer/garage-door/link"
	"github.com/kylehofer/garage-door/link/linktest"
	"github.com/kylehofer/garage-door/pump"
	"github.com/kylehofer/garage-door/queue"
	"github.com/kylehofer/garage-door/telemetry"
)

type retained struct {
	topics   []string
	payloads []string
	err      error
}

func (r *retained) PublishRetained(topic string, payload string) error {
	r.topics = append(r.topics, topic)
	r.payloads = append(r.payloads, payload)
	return r.err
}

func TestStatusPublisher(t *testing.T) {
	log, hook := test.NewNullLogger()
	pub := &retained{}
	h := statusPublisher(pub, "workshop/door", log)

	h(link.Connecting)
	h(link.Connected)
	assert.Equal(t, []string{"workshop/door/link", "workshop/door/link"}, pub.topics)
	assert.Equal(t, []string{"connecting", "connected"}, pub.payloads)

	// broker down: the link keeps going
	pub.err = errors.New("mqtt not connected")
	h(link.Faulted)
	assert.Equal(t, "faulted", pub.payloads[2])
	assert.Empty(t, hook.AllEntries(), "failure logged above debug")
}

type panickingPublisher struct{}

func (panickingPublisher) Publish(topic string, payload string) error {
	panic("publish " + topic)
}

func TestServeClosesSerialAfterPanic(t *testing.T) {
	log, _ := test.NewNullLogger()
	dev := linktest.NewDevice(0)
	// the first status frame reaches the panicking publisher
	dev.Setup(func(p *linktest.Port) {
		p.Send(frame.EncodeDoorStatus(frame.DoorStatus{Position: 50, State: 1})...)
	})
	serial := link.New(dev.Open,
		link.WithBackoff(5*time.Millisecond),
		link.WithTimeout(50*time.Millisecond),
		link.WithLogger(log),
	)
	commands := queue.New()
	loop := pump.New(serial, commands, telemetry.New(panickingPublisher{}, "workshop/door", log),
		pump.WithIdle(time.Millisecond), pump.WithLogger(log))
	poller := pump.NewPoller(time.Hour, commands, serial, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := serve(ctx, serial, loop, poller, log)
	require.Error(t, err)
	assert.ErrorContains(t, err, "pump: panic: publish workshop/door/position")
	assert.NoError(t, ctx.Err(), "serve waited for the deadline")
	require.NotNil(t, dev.Last())
	assert.True(t, dev.Last().Closed(), "serial port left open")
	assert.Equal(t, link.Disconnected, serial.State())
}

func TestServeStopsWithContext(t *testing.T) {
	log, _ := test.NewNullLogger()
	dev := linktest.NewDevice(0)
	serial := link.New(dev.Open, link.WithLogger(log))
	commands := queue.New()
	loop := pump.New(serial, commands, telemetry.New(&discardPublisher{}, "workshop/door", log),
		pump.WithIdle(time.Millisecond), pump.WithLogger(log))
	poller := pump.NewPoller(time.Hour, commands, serial, log)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for dev.Last() == nil {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	assert.NoError(t, serve(ctx, serial, loop, poller, log))
	assert.True(t, dev.Last().Closed())
}

type discardPublisher struct{}

func (*discardPublisher) Publish(string, string) error { return nil }
