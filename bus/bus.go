// Package bus is the message bus side of the bridge: MQTT for commands and
// telemetry, and an optional Redis mirror of the latest telemetry values.
package bus

import "errors"

// Publisher sends one message to a topic
type Publisher interface {
	Publish(topic string, payload string) error
}

// Handler receives one inbound message
type Handler func(topic string, payload []byte)

// Fanout publishes every message to all of its publishers
type Fanout []Publisher

// Publish implements Publisher. Every publisher is tried; failures are joined.
func (f Fanout) Publish(topic string, payload string) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
