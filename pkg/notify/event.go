package notify

import (
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/houseofcat/turbocql/pkg/tcq"
)

var json = jsoniter.ConfigFastest

// Host event kinds, also the last segment of the routing key.
const (
	KindAdded   = "added"
	KindUp      = "up"
	KindDown    = "down"
	KindRemoved = "removed"
)

// HostEvent describes one host transition.
type HostEvent struct {
	EventID     uuid.UUID `json:"EventID"`
	SessionID   uuid.UUID `json:"SessionID"`
	Kind        string    `json:"Kind"`
	Address     string    `json:"Address"`
	HostID      uuid.UUID `json:"HostID"`
	Datacenter  string    `json:"Datacenter,omitempty"`
	Rack        string    `json:"Rack,omitempty"`
	State       string    `json:"State"`
	UTCDateTime string    `json:"UTCDateTime"`
}

// Envelope is the message body on the wire. Data holds the HostEvent JSON
// after the codec ran.
type Envelope struct {
	EventID     uuid.UUID `json:"EventID"`
	Compressed  bool      `json:"Compressed"`
	CType       string    `json:"CompressionType,omitempty"`
	Encrypted   bool      `json:"Encrypted"`
	EType       string    `json:"EncryptionType,omitempty"`
	UTCDateTime string    `json:"UTCDateTime"`
	Data        []byte    `json:"Data"`
}

func newHostEvent(sessionID uuid.UUID, kind string, h *tcq.Host) *HostEvent {
	return &HostEvent{
		EventID:     uuid.New(),
		SessionID:   sessionID,
		Kind:        kind,
		Address:     h.Addr(),
		HostID:      h.HostID(),
		Datacenter:  h.Datacenter(),
		Rack:        h.Rack(),
		State:       h.State().String(),
		UTCDateTime: time.Now().UTC().Format(time.RFC3339),
	}
}

// MarshalEvent serializes ev and wraps it in an Envelope.
func MarshalEvent(ev *HostEvent, codec *Codec) ([]byte, error) {

	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	if data, err = codec.Encode(data); err != nil {
		return nil, err
	}

	env := &Envelope{
		EventID:     ev.EventID,
		Compressed:  codec.Compression != CompressionNone,
		CType:       codec.Compression,
		Encrypted:   codec.Encrypted(),
		UTCDateTime: ev.UTCDateTime,
		Data:        data,
	}
	if env.Encrypted {
		env.EType = EncryptionAESGCM
	}
	return json.Marshal(env)
}

// UnmarshalEvent reverses MarshalEvent. The codec must match the one the
// producer used.
func UnmarshalEvent(body []byte, codec *Codec) (*HostEvent, error) {

	env := &Envelope{}
	if err := json.Unmarshal(body, env); err != nil {
		return nil, err
	}

	data, err := codec.Decode(env.Data)
	if err != nil {
		return nil, err
	}

	ev := &HostEvent{}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, err
	}
	return ev, nil
}
