package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kylehofer/garage-door/bus"
	"github.com/kylehofer/garage-door/config"
	"github.com/kylehofer/garage-door/link"
	"github.com/kylehofer/garage-door/pump"
	"github.com/kylehofer/garage-door/queue"
	"github.com/kylehofer/garage-door/router"
	"github.com/kylehofer/garage-door/serialport"
	"github.com/kylehofer/garage-door/telemetry"
)

// how long to wait for the first broker connection before starting anyway
const brokerWait = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "configuration file (.json5 or .yaml)")
	logLevel := flag.String("log-level", "", "overrides log_level from the configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatal(err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	log := config.SetupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		log.Error(err)
		stop()
		os.Exit(1)
	}
}

// run wires the bridge and blocks until ctx is done. Every resource opened
// here is released before it returns, including after a panic.
func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	open, err := serialport.Opener(serialport.Config{
		Device:  cfg.Serial.Device,
		Baud:    cfg.Serial.Baud,
		Timeout: cfg.Serial.ReadTimeout(),
		Driver:  cfg.Serial.Driver,
	}, log)
	if err != nil {
		return err
	}

	mq := bus.NewMQTT(bus.MQTTSettings{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		QoS:      byte(cfg.MQTT.QoS),
	}, log)
	defer mq.Close()

	publishers := bus.Fanout{mq}
	if cfg.Redis.Address != "" {
		mirror := bus.NewRedisMirror(cfg.Redis.Address, cfg.Redis.KeyPrefix)
		defer func() {
			if err := mirror.Close(); err != nil {
				log.Warnf("closing redis: %v", err)
			}
		}()
		publishers = append(publishers, mirror)
		log.Infof("mirroring telemetry to redis at %s", cfg.Redis.Address)
	}

	linkOpts := []link.Option{
		link.WithBackoff(cfg.Bridge.Backoff()),
		link.WithTimeout(cfg.Serial.ReadTimeout()),
		link.WithLogger(log),
	}
	if cfg.Bridge.StatusTopic {
		linkOpts = append(linkOpts, link.WithStateHandler(statusPublisher(mq, cfg.MQTT.TopicPrefix, log)))
	}
	serial := link.New(open, linkOpts...)

	commands := queue.New()
	commandRouter := router.New(cfg.MQTT.TopicPrefix, commands, log)
	if err := mq.Subscribe(commandRouter.Topic(), commandRouter.Handle); err != nil {
		return err
	}
	connectCtx, connectCancel := context.WithTimeout(ctx, brokerWait)
	err = mq.Connect(connectCtx)
	connectCancel()
	if err != nil {
		return err
	}

	dispatcher := telemetry.New(publishers, cfg.MQTT.TopicPrefix, log)
	loop := pump.New(serial, commands, dispatcher,
		pump.WithIdle(cfg.Bridge.IdleSleep()),
		pump.WithLogger(log),
	)
	poller := pump.NewPoller(cfg.Bridge.PollEvery(), commands, serial, log)

	log.Infof("bridging %s and %s", cfg.Serial.Device, cfg.MQTT.Broker)
	return serve(ctx, serial, loop, poller, log)
}

// serve runs the pump and the poller until ctx is done or either of them
// stops, then closes the serial link. A panic in either goroutine is logged,
// stops the other one and is returned as an error after the link is closed.
func serve(ctx context.Context, serial *link.Manager, loop *pump.Pump, poller *pump.Poller, log *logrus.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	var (
		wg     sync.WaitGroup
		mutex  sync.Mutex
		panics []error
	)
	defer func() {
		if err := serial.Close(); err != nil {
			log.Warnf("closing serial: %v", err)
		}
	}()
	// stop the loops before the link is closed
	defer func() {
		cancel()
		wg.Wait()
	}()

	start := func(name string, f func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("%s panicked: %v", name, r)
					mutex.Lock()
					panics = append(panics, fmt.Errorf("%s: panic: %v", name, r))
					mutex.Unlock()
				}
			}()
			if err := f(ctx); err != nil {
				log.Errorf("%s stopped: %v", name, err)
			}
		}()
	}
	start("pump", loop.Run)
	start("poller", func(ctx context.Context) error {
		poller.Run(ctx)
		return nil
	})

	<-ctx.Done()
	log.Info("shutting down")
	wg.Wait()
	stats := loop.Stats()
	log.Infof("frames %d, discarded %d, commands %d, reconnects %d",
		stats.Frames, stats.Discarded, stats.Written, stats.Reconnects)
	return errors.Join(panics...)
}

// retainedPublisher is satisfied by *bus.MQTT
type retainedPublisher interface {
	PublishRetained(topic string, payload string) error
}

// statusPublisher returns a link state handler that publishes the state name,
// retained, on <prefix>/link.
func statusPublisher(pub retainedPublisher, prefix string, log *logrus.Logger) func(link.State) {
	topic := prefix + "/link"
	return func(s link.State) {
		if err := pub.PublishRetained(topic, s.String()); err != nil {
			log.WithField("component", "status").Debugf("publish %s: %v", topic, err)
		}
	}
}
