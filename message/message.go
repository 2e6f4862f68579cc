// Package message defines the method call exchanged with the daemon.
//
// Call is the "envelope" for every RPC. A codec serializes it into an XML-RPC
// (or JSON-RPC) document, which the protocol layer wraps in an SCGI frame.
package message

// Call carries a method name and its ordered arguments.
//
// Params hold values of the closed set the codecs understand: integers, bool,
// float64, string (raw bytes, no assumed encoding), []byte (binary), time.Time,
// slices (arrays) and map[string]T (structs). Arrays and structs may nest.
type Call struct {
	Method string // e.g. "system.listMethods", "d.multicall2"
	Params []any
}

// New builds a Call from a method name and arguments.
func New(method string, params ...any) *Call {
	return &Call{Method: method, Params: params}
}
