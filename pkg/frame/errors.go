package frame

import "fmt"

// ErrorCode is the code carried by an ERROR frame.
type ErrorCode int32

// Server error codes.
const (
	ErrCodeServer          ErrorCode = 0x0000
	ErrCodeProtocol        ErrorCode = 0x000A
	ErrCodeCredentials     ErrorCode = 0x0100
	ErrCodeUnavailable     ErrorCode = 0x1000
	ErrCodeOverloaded      ErrorCode = 0x1001
	ErrCodeBootstrapping   ErrorCode = 0x1002
	ErrCodeTruncate        ErrorCode = 0x1003
	ErrCodeWriteTimeout    ErrorCode = 0x1100
	ErrCodeReadTimeout     ErrorCode = 0x1200
	ErrCodeReadFailure     ErrorCode = 0x1300
	ErrCodeFunctionFailure ErrorCode = 0x1400
	ErrCodeWriteFailure    ErrorCode = 0x1500
	ErrCodeSyntax          ErrorCode = 0x2000
	ErrCodeUnauthorized    ErrorCode = 0x2100
	ErrCodeInvalid         ErrorCode = 0x2200
	ErrCodeConfig          ErrorCode = 0x2300
	ErrCodeAlreadyExists   ErrorCode = 0x2400
	ErrCodeUnprepared      ErrorCode = 0x2500
)

// Write types reported with write timeouts and failures.
const (
	WriteTypeSimple        = "SIMPLE"
	WriteTypeBatch         = "BATCH"
	WriteTypeUnloggedBatch = "UNLOGGED_BATCH"
	WriteTypeCounter       = "COUNTER"
	WriteTypeBatchLog      = "BATCH_LOG"
	WriteTypeCAS           = "CAS"
	WriteTypeView          = "VIEW"
	WriteTypeCDC           = "CDC"
)

// ServerError is a decoded ERROR body. Fields beyond Code and Message are
// only set for the codes that carry them.
type ServerError struct {
	Code        ErrorCode
	Message     string
	Consistency Consistency
	Received    int32
	BlockFor    int32
	Alive       int32
	Required    int32
	DataPresent bool
	WriteType   string
	NumFailures int32
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error 0x%04x: %s", int32(e.Code), e.Message)
}

// ParseError decodes an ERROR body.
func ParseError(body []byte) (*ServerError, error) {

	r := NewReader(body)
	e := &ServerError{
		Code:    ErrorCode(r.ReadInt()),
		Message: r.ReadString(),
	}

	switch e.Code {
	case ErrCodeUnavailable:
		e.Consistency = Consistency(r.ReadShort())
		e.Required = r.ReadInt()
		e.Alive = r.ReadInt()
	case ErrCodeWriteTimeout:
		e.Consistency = Consistency(r.ReadShort())
		e.Received = r.ReadInt()
		e.BlockFor = r.ReadInt()
		e.WriteType = r.ReadString()
	case ErrCodeReadTimeout:
		e.Consistency = Consistency(r.ReadShort())
		e.Received = r.ReadInt()
		e.BlockFor = r.ReadInt()
		e.DataPresent = r.ReadUint8() != 0
	case ErrCodeReadFailure:
		e.Consistency = Consistency(r.ReadShort())
		e.Received = r.ReadInt()
		e.BlockFor = r.ReadInt()
		e.NumFailures = r.ReadInt()
		e.DataPresent = r.ReadUint8() != 0
	case ErrCodeWriteFailure:
		e.Consistency = Consistency(r.ReadShort())
		e.Received = r.ReadInt()
		e.BlockFor = r.ReadInt()
		e.NumFailures = r.ReadInt()
		e.WriteType = r.ReadString()
	}

	if err := r.Err(); err != nil {
		return nil, err
	}
	return e, nil
}

// ErrorBody encodes e as an ERROR body. Used by fake nodes.
func ErrorBody(e *ServerError) []byte {

	var w Buffer
	w.WriteInt(int32(e.Code))
	w.WriteString(e.Message)

	switch e.Code {
	case ErrCodeUnavailable:
		w.WriteShort(uint16(e.Consistency))
		w.WriteInt(e.Required)
		w.WriteInt(e.Alive)
	case ErrCodeWriteTimeout:
		w.WriteShort(uint16(e.Consistency))
		w.WriteInt(e.Received)
		w.WriteInt(e.BlockFor)
		w.WriteString(e.WriteType)
	case ErrCodeReadTimeout:
		w.WriteShort(uint16(e.Consistency))
		w.WriteInt(e.Received)
		w.WriteInt(e.BlockFor)
		_ = w.WriteByte(boolByte(e.DataPresent))
	case ErrCodeReadFailure:
		w.WriteShort(uint16(e.Consistency))
		w.WriteInt(e.Received)
		w.WriteInt(e.BlockFor)
		w.WriteInt(e.NumFailures)
		_ = w.WriteByte(boolByte(e.DataPresent))
	case ErrCodeWriteFailure:
		w.WriteShort(uint16(e.Consistency))
		w.WriteInt(e.Received)
		w.WriteInt(e.BlockFor)
		w.WriteInt(e.NumFailures)
		w.WriteString(e.WriteType)
	}

	return w.Bytes()
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
