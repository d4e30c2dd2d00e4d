package frame

import (
	"errors"
	"math"
	"reflect"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		command Command
		wantRet []byte
	}{
		{
			name:    "poll",
			command: Poll{},
			wantRet: []byte{0x80},
		},
		{
			name:    "set position",
			command: SetPosition{Percent: 42},
			wantRet: []byte{0x81, 42},
		},
		{
			name:    "set position closed",
			command: SetPosition{Percent: 0},
			wantRet: []byte{0x81, 0x00},
		},
		{
			name:    "calibrate open",
			command: Calibrate{Endpoint: EndpointOpen},
			wantRet: []byte{0x82},
		},
		{
			name:    "calibrate closed",
			command: Calibrate{Endpoint: EndpointClosed},
			wantRet: []byte{0x83},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if gotRet := Encode(tt.command); !reflect.DeepEqual(gotRet, tt.wantRet) {
				t.Errorf("Encode() = %v, want %v", gotRet, tt.wantRet)
			}
		})
	}
}

func TestSetPositionRoundTrip(t *testing.T) {
	for p := 0; p <= MaxPercent; p++ {
		c, err := NewSetPosition(p)
		if err != nil {
			t.Fatalf("NewSetPosition(%d): %v", p, err)
		}
		got, err := DecodeCommand(Encode(c))
		if err != nil {
			t.Fatalf("DecodeCommand(Encode(%v)): %v", c, err)
		}
		if got != Command(c) {
			t.Errorf("round trip of %v gave %v", c, got)
		}
	}
}

func TestNewSetPositionRange(t *testing.T) {
	for _, p := range []int{-1, 101, 255, 1000} {
		if _, err := NewSetPosition(p); err == nil {
			t.Errorf("NewSetPosition(%d) accepted an out of range value", p)
		}
	}
}

func TestDecodeCommandErrors(t *testing.T) {
	if _, err := DecodeCommand(nil); !errors.Is(err, ErrShortRead) {
		t.Errorf("empty input: got %v, want ErrShortRead", err)
	}
	if _, err := DecodeCommand([]byte{TagSetPosition}); !errors.Is(err, ErrShortRead) {
		t.Errorf("missing percent: got %v, want ErrShortRead", err)
	}
	if _, err := DecodeCommand([]byte{0x10}); !errors.Is(err, ErrUnknownTag) {
		t.Errorf("unknown tag: got %v, want ErrUnknownTag", err)
	}
}

func TestDecodeDoorStatus(t *testing.T) {
	got, err := DecodeDoorStatus([]byte{50, 1, 0})
	if err != nil {
		t.Fatal(err)
	}
	want := DoorStatus{Position: 50, State: 1, Result: 0}
	if got != want {
		t.Errorf("DecodeDoorStatus() = %+v, want %+v", got, want)
	}
	if got.DoorState() != DSMonitor || got.DoorResult() != DRNone {
		t.Errorf("named values = %v/%v", got.DoorState(), got.DoorResult())
	}
	_, err = DecodeDoorStatus([]byte{50, 1})
	var fe *Error
	if !errors.As(err, &fe) || fe.Want != 3 || fe.Got != 2 || !errors.Is(err, ErrShortRead) {
		t.Errorf("short payload error = %v", err)
	}
}

func TestDecodeEnvironment(t *testing.T) {
	raw := EncodeEnvironment(EnvironmentReading{TemperatureC: 21.5, Humidity: 60.25})
	if raw[0] != TagEnvironment || len(raw) != 1+EnvironmentLen {
		t.Fatalf("EncodeEnvironment() = %v", raw)
	}
	// 21.5 = 0x41AC0000, little-endian
	if !reflect.DeepEqual(raw[1:5], []byte{0x00, 0x00, 0xAC, 0x41}) {
		t.Errorf("temperature bytes = % X", raw[1:5])
	}
	got, err := DecodeEnvironment(raw[1:])
	if err != nil {
		t.Fatal(err)
	}
	if got.TemperatureC != 21.5 || got.Humidity != 60.25 {
		t.Errorf("DecodeEnvironment() = %+v", got)
	}
	nan := EncodeEnvironment(EnvironmentReading{TemperatureC: float32(math.NaN())})
	got, _ = DecodeEnvironment(nan[1:])
	if !math.IsNaN(float64(got.TemperatureC)) {
		t.Errorf("NaN not preserved: %v", got.TemperatureC)
	}
	if _, err := DecodeEnvironment(raw[1:7]); !errors.Is(err, ErrShortRead) {
		t.Errorf("short payload: got %v, want ErrShortRead", err)
	}
}

func TestNames(t *testing.T) {
	if DSIdle.String() != "idle" || DoorState(9).String() != "unknown(9)" {
		t.Error("door state names")
	}
	if DRFail.String() != "fail" {
		t.Error("door result names")
	}
	if Dump([]byte{0x80, 0x0A}) != "80 0A " {
		t.Errorf("Dump() = %q", Dump([]byte{0x80, 0x0A}))
	}
}
