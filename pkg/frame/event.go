package frame

import "fmt"

// EventType names a server push event class.
type EventType string

// Event types.
const (
	EventTopologyChange EventType = "TOPOLOGY_CHANGE"
	EventStatusChange   EventType = "STATUS_CHANGE"
	EventSchemaChange   EventType = "SCHEMA_CHANGE"
)

// Event change kinds.
const (
	ChangeNewNode     = "NEW_NODE"
	ChangeRemovedNode = "REMOVED_NODE"
	ChangeMovedNode   = "MOVED_NODE"
	ChangeUp          = "UP"
	ChangeDown        = "DOWN"
)

// Event is a decoded EVENT body. Schema changes keep their tail undecoded.
type Event struct {
	Type    EventType
	Change  string
	Address string
	Raw     []byte
}

func (e *Event) String() string {
	return fmt.Sprintf("%s %s %s", e.Type, e.Change, e.Address)
}

// ParseEvent decodes an EVENT body.
func ParseEvent(body []byte) (*Event, error) {

	r := NewReader(body)
	e := &Event{
		Type:   EventType(r.ReadString()),
		Change: r.ReadString(),
	}

	switch e.Type {
	case EventTopologyChange, EventStatusChange:
		e.Address = r.ReadInet()
	case EventSchemaChange:
		e.Raw = r.Remaining()
	default:
		if r.Err() == nil {
			return nil, fmt.Errorf("%w: unknown event type %q", ErrProtocol, e.Type)
		}
	}

	if err := r.Err(); err != nil {
		return nil, err
	}
	return e, nil
}

// EventBody encodes a topology or status event. Used by fake nodes.
func EventBody(t EventType, change, addr string) ([]byte, error) {
	var w Buffer
	w.WriteString(string(t))
	w.WriteString(change)
	if err := w.WriteInet(addr); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}
