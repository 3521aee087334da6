package frame

import (
	"fmt"
	"strings"
)

// Consistency is the wire value of a consistency level.
type Consistency uint16

// Consistency levels.
const (
	Any         Consistency = 0x00
	One         Consistency = 0x01
	Two         Consistency = 0x02
	Three       Consistency = 0x03
	Quorum      Consistency = 0x04
	All         Consistency = 0x05
	LocalQuorum Consistency = 0x06
	EachQuorum  Consistency = 0x07
	Serial      Consistency = 0x08
	LocalSerial Consistency = 0x09
	LocalOne    Consistency = 0x0A
)

var consistencyNames = map[Consistency]string{
	Any:         "ANY",
	One:         "ONE",
	Two:         "TWO",
	Three:       "THREE",
	Quorum:      "QUORUM",
	All:         "ALL",
	LocalQuorum: "LOCAL_QUORUM",
	EachQuorum:  "EACH_QUORUM",
	Serial:      "SERIAL",
	LocalSerial: "LOCAL_SERIAL",
	LocalOne:    "LOCAL_ONE",
}

func (c Consistency) String() string {
	if s, ok := consistencyNames[c]; ok {
		return s
	}
	return fmt.Sprintf("CONSISTENCY_%d", uint16(c))
}

// ParseConsistency accepts the level names case-insensitively.
func ParseConsistency(s string) (Consistency, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for c, name := range consistencyNames {
		if name == want {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown consistency %q", s)
}

// MarshalText implements encoding.TextMarshaler so configs can carry names.
func (c Consistency) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Consistency) UnmarshalText(text []byte) error {
	v, err := ParseConsistency(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
