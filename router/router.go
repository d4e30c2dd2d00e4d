// Package router turns command messages from the bus into device commands.
// Bad input is logged and dropped; nothing is ever reported back on the bus.
package router

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/kylehofer/garage-door/frame"
)

// ErrUnknownTopic is returned for topics that carry no known command
var ErrUnknownTopic = errors.New("unknown command topic")

// ValidationError describes a rejected payload
type ValidationError struct {
	Topic   string
	Payload []byte
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %q", e.Topic, e.Reason, e.Payload)
}

// Enqueuer receives accepted commands
type Enqueuer interface {
	Enqueue(frame.Command)
}

// Router validates command messages and queues the commands they carry
type Router struct {
	namespace string
	queue     Enqueuer
	log       *logrus.Entry
}

// New returns a router for commands published under prefix + "/command/".
func New(prefix string, queue Enqueuer, log *logrus.Logger) *Router {
	return &Router{
		namespace: strings.TrimSuffix(prefix, "/") + "/command/",
		queue:     queue,
		log:       log.WithField("component", "router"),
	}
}

// Topic is the wildcard subscription covering every command topic.
func (r *Router) Topic() string {
	return r.namespace + "#"
}

// Route classifies topic by its suffix and validates payload.
func (r *Router) Route(topic string, payload []byte) (frame.Command, error) {
	suffix := strings.TrimPrefix(topic, r.namespace)
	switch {
	case strings.Contains(suffix, "position"):
		return parsePosition(topic, payload)
	case strings.Contains(suffix, "calibrate"):
		return parseCalibrate(topic, payload)
	case strings.Contains(suffix, "poll"):
		return frame.Poll{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
}

// Handle is the bus handler: route, then enqueue or drop.
func (r *Router) Handle(topic string, payload []byte) {
	cmd, err := r.Route(topic, payload)
	if err != nil {
		r.log.Warnf("dropping command: %v", err)
		return
	}
	r.log.Debugf("queueing %v: % X", cmd, frame.Encode(cmd))
	r.queue.Enqueue(cmd)
}

func parsePosition(topic string, payload []byte) (frame.Command, error) {
	if len(payload) == 0 {
		return nil, &ValidationError{Topic: topic, Payload: payload, Reason: "empty position"}
	}
	for _, b := range payload {
		if b < '0' || b > '9' {
			return nil, &ValidationError{Topic: topic, Payload: payload, Reason: "position is not a non-negative integer"}
		}
	}
	value, err := strconv.Atoi(string(payload))
	if err != nil {
		return nil, &ValidationError{Topic: topic, Payload: payload, Reason: "position is not a non-negative integer"}
	}
	cmd, err := frame.NewSetPosition(value)
	if err != nil {
		return nil, &ValidationError{Topic: topic, Payload: payload, Reason: err.Error()}
	}
	return cmd, nil
}

func parseCalibrate(topic string, payload []byte) (frame.Command, error) {
	if !utf8.Valid(payload) {
		return nil, &ValidationError{Topic: topic, Payload: payload, Reason: "calibration is not utf-8"}
	}
	switch string(payload) {
	case "open":
		return frame.Calibrate{Endpoint: frame.EndpointOpen}, nil
	case "closed":
		return frame.Calibrate{Endpoint: frame.EndpointClosed}, nil
	}
	return nil, &ValidationError{Topic: topic, Payload: payload, Reason: "calibration not recognized"}
}
