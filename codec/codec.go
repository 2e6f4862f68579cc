package codec

import (
	"fmt"
	"reflect"

	"rtorrent-rpc/message"
)

type CodecType byte

const (
	CodecTypeXML  CodecType = 0
	CodecTypeJSON CodecType = 1
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeXML:
		return "xml"
	case CodecTypeJSON:
		return "json"
	}
	return fmt.Sprintf("CodecType(%d)", byte(t))
}

// ParseCodecType maps "xml" / "json" to a CodecType. An empty name means XML.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "xml", "xmlrpc":
		return CodecTypeXML, nil
	case "json", "jsonrpc":
		return CodecTypeJSON, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}

// Codec turns a method call into a request document and a response
// document back into a value.
type Codec interface {
	EncodeRequest(call *message.Call) ([]byte, error)

	// DecodeResponse returns the single result value, or an *RPCFault when the
	// daemon reported one. Decoding is all-or-nothing: on error the value is nil.
	DecodeResponse(data []byte) (any, error)

	ContentType() string // CONTENT_TYPE SCGI header, or the HTTP Content-Type
	Type() CodecType     // 0=XML, 1=JSON
}

func GetCodec(codecType CodecType, strategy StringStrategy) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &XMLCodec{Strings: strategy}
}

// DecodeError reports a response document that is not well formed.
type DecodeError struct {
	Msg string
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return "decode response: " + e.Msg + ": " + e.Err.Error()
	}
	return "decode response: " + e.Msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// RPCFault is an error reported by the daemon in place of a result.
type RPCFault struct {
	Code    int
	Message string
}

func (f *RPCFault) Error() string {
	return fmt.Sprintf("rpc fault %d: %s", f.Code, f.Message)
}

// UnsupportedTypeError is returned when an argument has no wire representation.
type UnsupportedTypeError struct {
	Type reflect.Type
}

func (e *UnsupportedTypeError) Error() string {
	if e.Type == nil {
		return "xmlrpc: unsupported value <nil type>"
	}
	return "xmlrpc: unsupported type " + e.Type.String()
}
