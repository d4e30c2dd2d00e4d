// Package telemetry decodes frames read from the door controller and
// publishes their values on the bus.
package telemetry

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kylehofer/garage-door/bus"
	"github.com/kylehofer/garage-door/frame"
)

// Published topic suffixes
const (
	TopicPosition    = "position"
	TopicState       = "state"
	TopicResult      = "result"
	TopicHumidity    = "humidity"
	TopicTemperature = "temperature"
)

// PayloadReader supplies exactly n payload bytes or fails
type PayloadReader interface {
	ReadExact(n int) ([]byte, error)
}

// HandlerFunc decodes one payload and publishes its values.
type HandlerFunc func(d *Dispatcher, payload []byte) error

// route couples a payload length to the handler run once it has been read
type route struct {
	length  int
	handler HandlerFunc
}

// Dispatcher maps inbound tag bytes to decode routines. Tags without a route
// are dropped by the fallback: only the tag byte is consumed.
type Dispatcher struct {
	routes    map[byte]route
	publisher bus.Publisher
	prefix    string
	log       *logrus.Entry
}

// New returns a dispatcher with the door status and environment routes.
func New(publisher bus.Publisher, prefix string, log *logrus.Logger) *Dispatcher {
	d := &Dispatcher{
		routes:    make(map[byte]route),
		publisher: publisher,
		prefix:    strings.TrimSuffix(prefix, "/") + "/",
		log:       log.WithField("component", "telemetry"),
	}
	d.Handle(frame.TagDoorStatus, frame.DoorStatusLen, doorStatus)
	d.Handle(frame.TagEnvironment, frame.EnvironmentLen, environment)
	return d
}

// Handle sets the route for tag, replacing any existing one. A nil handler
// removes the route so the tag falls back to being discarded.
func (d *Dispatcher) Handle(tag byte, length int, h HandlerFunc) {
	if h == nil {
		delete(d.routes, tag)
		return
	}
	d.routes[tag] = route{length: length, handler: h}
}

// Length returns the payload length registered for tag.
func (d *Dispatcher) Length(tag byte) (int, bool) {
	r, ok := d.routes[tag]
	return r.length, ok
}

// Dispatch reads the payload for tag from r and runs its handler. An unknown
// tag returns false and reads nothing. Errors from r are link faults and are
// returned to the caller; a partial frame is never published.
func (d *Dispatcher) Dispatch(tag byte, r PayloadReader) (bool, error) {
	rt, ok := d.routes[tag]
	if !ok {
		d.log.Debugf("discarding unknown tag 0x%02X", tag)
		return false, nil
	}
	payload, err := r.ReadExact(rt.length)
	if err != nil {
		return true, fmt.Errorf("reading payload of 0x%02X: %w", tag, err)
	}
	d.log.Debugf("frame 0x%02X: %s", tag, frame.Dump(payload))
	return true, rt.handler(d, payload)
}

// publish is best-effort: failures are logged and dropped.
func (d *Dispatcher) publish(suffix string, payload string) {
	topic := d.prefix + suffix
	if err := d.publisher.Publish(topic, payload); err != nil {
		d.log.Warnf("publish %s: %v", topic, err)
	}
}

func doorStatus(d *Dispatcher, payload []byte) error {
	status, err := frame.DecodeDoorStatus(payload)
	if err != nil {
		return err
	}
	d.log.Debugf("door position %d, state %v, result %v", status.Position, status.DoorState(), status.DoorResult())
	d.publish(TopicPosition, strconv.Itoa(int(status.Position)))
	d.publish(TopicState, strconv.Itoa(int(status.State)))
	d.publish(TopicResult, strconv.Itoa(int(status.Result)))
	return nil
}

func environment(d *Dispatcher, payload []byte) error {
	reading, err := frame.DecodeEnvironment(payload)
	if err != nil {
		return err
	}
	d.log.Debugf("temperature %v, humidity %v", reading.TemperatureC, reading.Humidity)
	d.publishReading(TopicHumidity, reading.Humidity)
	d.publishReading(TopicTemperature, reading.TemperatureC)
	return nil
}

func (d *Dispatcher) publishReading(suffix string, v float32) {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		// the sensor reports NaN when it could not be read
		d.log.Warnf("skipping %s, sensor returned %v", suffix, v)
		return
	}
	d.publish(suffix, FormatReading(v))
}

// FormatReading rounds v to 2 fractional digits and prints the shortest
// decimal form, always with a fractional part: 21.5 -> "21.5",
// 60.25 -> "60.25", 20 -> "20.0".
func FormatReading(v float32) string {
	rounded := math.Round(float64(v)*100) / 100
	if rounded == 0 {
		rounded = 0 // no "-0.0"
	}
	s := strconv.FormatFloat(rounded, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
