package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
)

var (
	// ErrProtocol is returned for malformed frames or bodies.
	// you can check for this error with errors.Is
	ErrProtocol = errors.New("protocol error")
)

// Buffer accumulates a frame body using the native protocol notation.
type Buffer struct {
	b []byte
}

// Bytes returns the encoded body.
func (w *Buffer) Bytes() []byte { return w.b }

// WriteByte appends a single byte.
func (w *Buffer) WriteByte(v byte) error {
	w.b = append(w.b, v)
	return nil
}

// WriteShort appends a [short].
func (w *Buffer) WriteShort(v uint16) {
	w.b = binary.BigEndian.AppendUint16(w.b, v)
}

// WriteInt appends an [int].
func (w *Buffer) WriteInt(v int32) {
	w.b = binary.BigEndian.AppendUint32(w.b, uint32(v))
}

// WriteString appends a [string].
func (w *Buffer) WriteString(s string) {
	w.WriteShort(uint16(len(s)))
	w.b = append(w.b, s...)
}

// WriteLongString appends a [long string].
func (w *Buffer) WriteLongString(s string) {
	w.WriteInt(int32(len(s)))
	w.b = append(w.b, s...)
}

// WriteBytes appends [bytes]; nil is encoded as a null value.
func (w *Buffer) WriteBytes(v []byte) {
	if v == nil {
		w.WriteInt(-1)
		return
	}
	w.WriteInt(int32(len(v)))
	w.b = append(w.b, v...)
}

// WriteStringList appends a [string list].
func (w *Buffer) WriteStringList(l []string) {
	w.WriteShort(uint16(len(l)))
	for _, s := range l {
		w.WriteString(s)
	}
}

// WriteStringMap appends a [string map].
func (w *Buffer) WriteStringMap(m map[string]string) {
	w.WriteShort(uint16(len(m)))
	for k, v := range m {
		w.WriteString(k)
		w.WriteString(v)
	}
}

// WriteStringMultiMap appends a [string multimap].
func (w *Buffer) WriteStringMultiMap(m map[string][]string) {
	w.WriteShort(uint16(len(m)))
	for k, v := range m {
		w.WriteString(k)
		w.WriteStringList(v)
	}
}

// WriteInet appends an [inet] from a host:port address.
func (w *Buffer) WriteInet(addr string) error {

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: invalid ip %q", ErrProtocol, host)
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	_ = w.WriteByte(byte(len(ip)))
	w.b = append(w.b, ip...)
	w.WriteInt(int32(p))
	return nil
}

// Reader consumes a frame body. The first decoding failure sticks and is
// reported by Err, so callers can decode a whole structure before checking.
type Reader struct {
	b   []byte
	err error
}

// NewReader wraps a body for decoding.
func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

// Err returns the first decoding error.
func (r *Reader) Err() error { return r.err }

// Remaining returns the undecoded tail.
func (r *Reader) Remaining() []byte { return r.b }

func (r *Reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.b) < n {
		r.err = fmt.Errorf("%w: need %d bytes, have %d", ErrProtocol, n, len(r.b))
		return false
	}
	return true
}

// ReadUint8 reads a single byte.
func (r *Reader) ReadUint8() byte {
	if !r.need(1) {
		return 0
	}
	v := r.b[0]
	r.b = r.b[1:]
	return v
}

// ReadShort reads a [short].
func (r *Reader) ReadShort() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.b)
	r.b = r.b[2:]
	return v
}

// ReadInt reads an [int].
func (r *Reader) ReadInt() int32 {
	if !r.need(4) {
		return 0
	}
	v := int32(binary.BigEndian.Uint32(r.b))
	r.b = r.b[4:]
	return v
}

// ReadString reads a [string].
func (r *Reader) ReadString() string {
	n := int(r.ReadShort())
	if !r.need(n) {
		return ""
	}
	s := string(r.b[:n])
	r.b = r.b[n:]
	return s
}

// ReadLongString reads a [long string].
func (r *Reader) ReadLongString() string {
	n := int(r.ReadInt())
	if n < 0 {
		r.err = fmt.Errorf("%w: negative long string length", ErrProtocol)
		return ""
	}
	if !r.need(n) {
		return ""
	}
	s := string(r.b[:n])
	r.b = r.b[n:]
	return s
}

// ReadBytes reads [bytes]; a negative length yields nil.
func (r *Reader) ReadBytes() []byte {
	n := int(r.ReadInt())
	if n < 0 || r.err != nil {
		return nil
	}
	if !r.need(n) {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.b[:n])
	r.b = r.b[n:]
	return v
}

// ReadStringList reads a [string list].
func (r *Reader) ReadStringList() []string {
	n := int(r.ReadShort())
	l := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		l = append(l, r.ReadString())
	}
	return l
}

// ReadStringMap reads a [string map].
func (r *Reader) ReadStringMap() map[string]string {
	n := int(r.ReadShort())
	m := make(map[string]string, n)
	for i := 0; i < n && r.err == nil; i++ {
		k := r.ReadString()
		m[k] = r.ReadString()
	}
	return m
}

// ReadStringMultiMap reads a [string multimap].
func (r *Reader) ReadStringMultiMap() map[string][]string {
	n := int(r.ReadShort())
	m := make(map[string][]string, n)
	for i := 0; i < n && r.err == nil; i++ {
		k := r.ReadString()
		m[k] = r.ReadStringList()
	}
	return m
}

// ReadInet reads an [inet] and returns it as host:port.
func (r *Reader) ReadInet() string {
	n := int(r.ReadUint8())
	if n != net.IPv4len && n != net.IPv6len && r.err == nil {
		r.err = fmt.Errorf("%w: invalid inet length %d", ErrProtocol, n)
	}
	if !r.need(n) {
		return ""
	}
	ip := net.IP(append([]byte(nil), r.b[:n]...))
	r.b = r.b[n:]
	port := r.ReadInt()
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
}
