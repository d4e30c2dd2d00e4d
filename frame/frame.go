// Package frame translates between bridge values and the byte frames exchanged
// with the door controller firmware. A frame is one tag byte followed by a
// payload whose length is fixed by the tag.
package frame

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Outbound tags, bridge -> device
const (
	TagPoll            byte = 0x80
	TagSetPosition     byte = 0x81
	TagCalibrateOpen   byte = 0x82
	TagCalibrateClosed byte = 0x83
)

// Inbound tags, device -> bridge
const (
	TagDoorStatus  byte = 0x80
	TagEnvironment byte = 0x81
)

// Inbound payload sizes, tag excluded
const (
	DoorStatusLen  = 3
	EnvironmentLen = 8
)

// MaxPercent is the fully open door position
const MaxPercent = 100

// Command is a value sent to the device.
type Command interface {
	Tag() byte
	String() string
}

// Endpoint of the door travel used for calibration
type Endpoint byte

const (
	EndpointOpen Endpoint = iota
	EndpointClosed
)

func (e Endpoint) String() string {
	if e == EndpointOpen {
		return "open"
	}
	return "closed"
}

// Poll asks the device to report door status and environment readings
type Poll struct{}

// Tag implements Command.
func (Poll) Tag() byte { return TagPoll }

func (Poll) String() string { return "Poll" }

// SetPosition moves the door to Percent (0 closed, 100 open)
type SetPosition struct {
	Percent uint8
}

// NewSetPosition validates p against [0,100].
func NewSetPosition(p int) (SetPosition, error) {
	if p < 0 || p > MaxPercent {
		return SetPosition{}, fmt.Errorf("position %d out of range [0-%d]", p, MaxPercent)
	}
	return SetPosition{Percent: uint8(p)}, nil
}

// Tag implements Command.
func (SetPosition) Tag() byte { return TagSetPosition }

func (c SetPosition) String() string { return fmt.Sprintf("SetPosition(%d)", c.Percent) }

// Calibrate stores the current door position as one of the endpoints
type Calibrate struct {
	Endpoint Endpoint
}

// Tag implements Command.
func (c Calibrate) Tag() byte {
	if c.Endpoint == EndpointOpen {
		return TagCalibrateOpen
	}
	return TagCalibrateClosed
}

func (c Calibrate) String() string { return fmt.Sprintf("Calibrate(%s)", c.Endpoint) }

// Encode returns the wire bytes of c.
func Encode(c Command) []byte {
	switch v := c.(type) {
	case SetPosition:
		return []byte{TagSetPosition, v.Percent}
	case *SetPosition:
		return []byte{TagSetPosition, v.Percent}
	default:
		return []byte{c.Tag()}
	}
}

// DecodeCommand is the inverse of Encode. It is what the firmware does with
// the bytes, and lets the bridge be tested against a loopback device.
func DecodeCommand(b []byte) (Command, error) {
	if len(b) == 0 {
		return nil, shortRead(0, 1, 0)
	}
	switch b[0] {
	case TagPoll:
		return Poll{}, nil
	case TagSetPosition:
		if len(b) < 2 {
			return nil, shortRead(b[0], 1, len(b)-1)
		}
		return SetPosition{Percent: b[1]}, nil
	case TagCalibrateOpen:
		return Calibrate{Endpoint: EndpointOpen}, nil
	case TagCalibrateClosed:
		return Calibrate{Endpoint: EndpointClosed}, nil
	}
	return nil, &Error{Kind: EUnknownTag, Tag: b[0]}
}

// DoorState mirrors the firmware door_state enum
type DoorState uint8

const (
	DSActive DoorState = iota
	DSMonitor
	DSStart
	DSStop
	DSIdle
)

var doorStateNames = map[DoorState]string{
	DSActive:  "active",
	DSMonitor: "monitor",
	DSStart:   "start",
	DSStop:    "stop",
	DSIdle:    "idle",
}

func (s DoorState) String() string {
	if n, ok := doorStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// DoorResult mirrors the firmware door_result enum
type DoorResult uint8

const (
	DRNone DoorResult = iota
	DRSuccess
	DRFail
)

var doorResultNames = map[DoorResult]string{
	DRNone:    "none",
	DRSuccess: "success",
	DRFail:    "fail",
}

func (r DoorResult) String() string {
	if n, ok := doorResultNames[r]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(r))
}

// DoorStatus is the payload of a TagDoorStatus frame
type DoorStatus struct {
	Position uint8
	State    uint8
	Result   uint8
}

// DoorState returns the named state.
func (d DoorStatus) DoorState() DoorState { return DoorState(d.State) }

// DoorResult returns the named result of the last command.
func (d DoorStatus) DoorResult() DoorResult { return DoorResult(d.Result) }

// EnvironmentReading is the payload of a TagEnvironment frame
type EnvironmentReading struct {
	TemperatureC float32
	Humidity     float32
}

// DecodeDoorStatus decodes the 3 payload bytes following TagDoorStatus.
func DecodeDoorStatus(b []byte) (DoorStatus, error) {
	if len(b) < DoorStatusLen {
		return DoorStatus{}, shortRead(TagDoorStatus, DoorStatusLen, len(b))
	}
	return DoorStatus{Position: b[0], State: b[1], Result: b[2]}, nil
}

// DecodeEnvironment decodes the 8 payload bytes following TagEnvironment:
// temperature then humidity, float32 in the controller's little-endian order.
func DecodeEnvironment(b []byte) (EnvironmentReading, error) {
	if len(b) < EnvironmentLen {
		return EnvironmentReading{}, shortRead(TagEnvironment, EnvironmentLen, len(b))
	}
	return EnvironmentReading{
		TemperatureC: math.Float32frombits(binary.LittleEndian.Uint32(b[0:4])),
		Humidity:     math.Float32frombits(binary.LittleEndian.Uint32(b[4:8])),
	}, nil
}

// EncodeDoorStatus builds a complete inbound frame. Used to simulate the device.
func EncodeDoorStatus(d DoorStatus) []byte {
	return []byte{TagDoorStatus, d.Position, d.State, d.Result}
}

// EncodeEnvironment builds a complete inbound frame. Used to simulate the device.
func EncodeEnvironment(e EnvironmentReading) []byte {
	ret := make([]byte, 1+EnvironmentLen)
	ret[0] = TagEnvironment
	binary.LittleEndian.PutUint32(ret[1:5], math.Float32bits(e.TemperatureC))
	binary.LittleEndian.PutUint32(ret[5:9], math.Float32bits(e.Humidity))
	return ret
}
