package frame

import "fmt"

// Startup option keys.
const (
	StartupCQLVersion  = "CQL_VERSION"
	StartupCompression = "COMPRESSION"
	DefaultCQLVersion  = "3.0.0"
)

// Query flags.
const (
	QueryFlagValues byte = 0x01
)

// Result kinds.
const (
	ResultVoid         int32 = 0x0001
	ResultRows         int32 = 0x0002
	ResultSetKeyspace  int32 = 0x0003
	ResultPrepared     int32 = 0x0004
	ResultSchemaChange int32 = 0x0005
)

// StartupBody encodes the STARTUP options map.
func StartupBody(options map[string]string) []byte {
	var w Buffer
	w.WriteStringMap(options)
	return w.Bytes()
}

// RegisterBody encodes the list of event types to subscribe to.
func RegisterBody(events ...EventType) []byte {
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, string(e))
	}
	var w Buffer
	w.WriteStringList(names)
	return w.Bytes()
}

// QueryBody encodes a QUERY request with positional values.
func QueryBody(query string, consistency Consistency, values [][]byte) []byte {
	var w Buffer
	w.WriteLongString(query)
	w.WriteShort(uint16(consistency))
	if len(values) == 0 {
		_ = w.WriteByte(0)
		return w.Bytes()
	}
	_ = w.WriteByte(QueryFlagValues)
	w.WriteShort(uint16(len(values)))
	for _, v := range values {
		w.WriteBytes(v)
	}
	return w.Bytes()
}

// Query is a decoded QUERY request. Only fake nodes decode these.
type Query struct {
	Statement   string
	Consistency Consistency
	Values      [][]byte
}

// ParseQuery decodes a QUERY body produced by QueryBody.
func ParseQuery(body []byte) (*Query, error) {
	r := NewReader(body)
	q := &Query{
		Statement:   r.ReadLongString(),
		Consistency: Consistency(r.ReadShort()),
	}
	if r.ReadUint8()&QueryFlagValues != 0 {
		n := int(r.ReadShort())
		for i := 0; i < n && r.Err() == nil; i++ {
			q.Values = append(q.Values, r.ReadBytes())
		}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return q, nil
}

// ParseSupported decodes a SUPPORTED body.
func ParseSupported(body []byte) (map[string][]string, error) {
	r := NewReader(body)
	m := r.ReadStringMultiMap()
	return m, r.Err()
}

// SupportedBody encodes a SUPPORTED body.
func SupportedBody(options map[string][]string) []byte {
	var w Buffer
	w.WriteStringMultiMap(options)
	return w.Bytes()
}

// ParseStartup decodes a STARTUP body.
func ParseStartup(body []byte) (map[string]string, error) {
	r := NewReader(body)
	m := r.ReadStringMap()
	return m, r.Err()
}

// ParseResultKind reads the kind prefix of a RESULT body.
func ParseResultKind(body []byte) (int32, error) {
	r := NewReader(body)
	kind := r.ReadInt()
	if err := r.Err(); err != nil {
		return 0, err
	}
	if kind < ResultVoid || kind > ResultSchemaChange {
		return kind, fmt.Errorf("%w: unknown result kind %d", ErrProtocol, kind)
	}
	return kind, nil
}

// VoidResultBody is the body of a RESULT frame of kind Void.
func VoidResultBody() []byte {
	var w Buffer
	w.WriteInt(ResultVoid)
	return w.Bytes()
}
