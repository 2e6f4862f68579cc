package codec

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"

	"rtorrent-rpc/message"
)

const xmlHeader = `<?xml version="1.0"?>` + "\n"

// XMLCodec implements the XML-RPC subset spoken by the daemon.
//
// Strings are raw byte sequences: the encoder writes them verbatim apart from
// escaping markup characters, and the decoder applies Strings to bytes that
// are not valid UTF-8 (see StringStrategy).
type XMLCodec struct {
	Strings StringStrategy
}

func (c *XMLCodec) EncodeRequest(call *message.Call) ([]byte, error) {
	if call.Method == "" {
		return nil, fmt.Errorf("xmlrpc: empty method name")
	}
	e := &xmlEncoder{}
	e.buf.WriteString(xmlHeader)
	e.buf.WriteString("<methodCall><methodName>")
	e.writeString(call.Method)
	e.buf.WriteString("</methodName><params>")
	for _, p := range call.Params {
		e.buf.WriteString("<param>")
		if err := e.writeValue(p); err != nil {
			return nil, err
		}
		e.buf.WriteString("</param>")
	}
	e.buf.WriteString("</params></methodCall>\n")
	return e.buf.Bytes(), nil
}

// DecodeResponse parses a <methodResponse>. A <fault> is returned as *RPCFault;
// an empty <params/> yields a nil result.
func (c *XMLCodec) DecodeResponse(data []byte) (any, error) {
	p, err := newXMLDecoder(data, c.Strings)
	if err != nil {
		return nil, err
	}
	if err := p.expectStart("methodResponse"); err != nil {
		return nil, err
	}

	tok, err := p.element()
	if err != nil {
		return nil, err
	}
	se, ok := tok.(xml.StartElement)
	if !ok {
		return nil, malformed("empty <methodResponse>")
	}

	var result any
	switch se.Name.Local {
	case "params":
		result, err = p.singleParam()
	case "fault":
		err = p.fault()
	default:
		err = malformed("unexpected <%s> in <methodResponse>", se.Name.Local)
	}

	var fault *RPCFault
	if err != nil && !errors.As(err, &fault) {
		return nil, err
	}
	if err := p.expectEnd("methodResponse"); err != nil {
		return nil, err
	}
	if err := p.end(); err != nil {
		return nil, err
	}
	if fault != nil {
		return nil, fault
	}
	return result, nil
}

// singleParam parses "<param><value>...</value></param></params>" or an
// empty params list.
func (p *xmlDecoder) singleParam() (any, error) {
	tok, err := p.element()
	if err != nil {
		return nil, err
	}
	if ee, ok := tok.(xml.EndElement); ok && ee.Name.Local == "params" {
		return nil, nil
	}
	se, ok := tok.(xml.StartElement)
	if !ok || se.Name.Local != "param" {
		return nil, malformed("expected <param>, got %s", describe(tok))
	}
	if err := p.expectStart("value"); err != nil {
		return nil, err
	}
	v, err := p.value()
	if err != nil {
		return nil, err
	}
	if err := p.expectEnd("param"); err != nil {
		return nil, err
	}
	if err := p.expectEnd("params"); err != nil {
		return nil, malformed("response carries more than one <param>")
	}
	return v, nil
}

// fault parses "<value><struct>...</struct></value></fault>" and returns the
// fault as an *RPCFault error.
func (p *xmlDecoder) fault() error {
	if err := p.expectStart("value"); err != nil {
		return err
	}
	v, err := p.value()
	if err != nil {
		return err
	}
	if err := p.expectEnd("fault"); err != nil {
		return err
	}

	members, ok := v.(map[string]any)
	if !ok {
		return malformed("<fault> value is not a struct")
	}
	var code int64
	switch c := members["faultCode"].(type) {
	case int64:
		code = c
	case string:
		// some proxies send the code untyped
		if code, err = strconv.ParseInt(c, 10, 64); err != nil {
			return malformed("invalid faultCode %q", c)
		}
	default:
		return malformed("<fault> without integer faultCode")
	}
	msg, ok := members["faultString"].(string)
	if !ok {
		return malformed("<fault> without faultString")
	}
	return &RPCFault{Code: int(code), Message: msg}
}

// DecodeRequest parses a <methodCall> document.
func (c *XMLCodec) DecodeRequest(data []byte) (*message.Call, error) {
	p, err := newXMLDecoder(data, c.Strings)
	if err != nil {
		return nil, err
	}
	if err := p.expectStart("methodCall"); err != nil {
		return nil, err
	}
	if err := p.expectStart("methodName"); err != nil {
		return nil, err
	}
	method, err := p.text("methodName")
	if err != nil {
		return nil, err
	}
	call := &message.Call{Method: p.str(method), Params: []any{}}

	tok, err := p.element()
	if err != nil {
		return nil, err
	}
	if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "params" {
		if call.Params, err = p.params(); err != nil {
			return nil, err
		}
		if tok, err = p.element(); err != nil {
			return nil, err
		}
	}
	if ee, ok := tok.(xml.EndElement); !ok || ee.Name.Local != "methodCall" {
		return nil, malformed("expected </methodCall>, got %s", describe(tok))
	}
	if err := p.end(); err != nil {
		return nil, err
	}
	return call, nil
}

func (p *xmlDecoder) params() ([]any, error) {
	params := []any{}
	for {
		tok, err := p.element()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "param" {
				return nil, malformed("expected <param>, got <%s>", t.Name.Local)
			}
			if err := p.expectStart("value"); err != nil {
				return nil, err
			}
			v, err := p.value()
			if err != nil {
				return nil, err
			}
			if err := p.expectEnd("param"); err != nil {
				return nil, err
			}
			params = append(params, v)
		case xml.EndElement:
			if t.Name.Local != "params" {
				return nil, malformed("expected </params>, got </%s>", t.Name.Local)
			}
			return params, nil
		}
	}
}

// EncodeResponse builds a successful <methodResponse> carrying result.
func (c *XMLCodec) EncodeResponse(result any) ([]byte, error) {
	e := &xmlEncoder{}
	e.buf.WriteString(xmlHeader)
	e.buf.WriteString("<methodResponse><params><param>")
	if err := e.writeValue(result); err != nil {
		return nil, err
	}
	e.buf.WriteString("</param></params></methodResponse>\n")
	return e.buf.Bytes(), nil
}

// EncodeFault builds a <methodResponse> carrying a fault.
func (c *XMLCodec) EncodeFault(fault *RPCFault) ([]byte, error) {
	e := &xmlEncoder{}
	e.buf.WriteString(xmlHeader)
	e.buf.WriteString("<methodResponse><fault>")
	err := e.writeValue(map[string]any{
		"faultCode":   fault.Code,
		"faultString": fault.Message,
	})
	if err != nil {
		return nil, err
	}
	e.buf.WriteString("</fault></methodResponse>\n")
	return e.buf.Bytes(), nil
}

func (c *XMLCodec) ContentType() string {
	return "text/xml"
}

func (c *XMLCodec) Type() CodecType {
	return CodecTypeXML
}
