package codec

import (
	"bytes"
	"errors"

	"github.com/gorilla/rpc/v2/json2"

	"rtorrent-rpc/message"
)

// JSONCodec speaks JSON-RPC 2.0, which the daemon also accepts over SCGI.
// Values follow encoding/json: numbers decode as float64, structs as
// map[string]any, and invalid UTF-8 in strings becomes U+FFFD.
type JSONCodec struct{}

func (c *JSONCodec) EncodeRequest(call *message.Call) ([]byte, error) {
	params := call.Params
	if params == nil {
		// the daemon rejects a missing or null params member
		params = []any{}
	}
	return json2.EncodeClientRequest(call.Method, params)
}

func (c *JSONCodec) DecodeResponse(data []byte) (any, error) {
	var result any
	err := json2.DecodeClientResponse(bytes.NewReader(data), &result)

	var jsonErr *json2.Error
	switch {
	case err == nil:
		return result, nil
	case errors.As(err, &jsonErr):
		return nil, &RPCFault{Code: int(jsonErr.Code), Message: jsonErr.Message}
	case errors.Is(err, json2.ErrNullResult):
		return nil, nil
	}
	return nil, &DecodeError{Msg: "malformed json-rpc response", Err: err}
}

func (c *JSONCodec) ContentType() string {
	return "application/json"
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
