package codec

import (
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// xmlDecoder is a recursive descent parser over the encoding/xml token
// stream. It is deliberately loose about what the daemon may emit: element
// prefixes are ignored (ex:i8, ex:nil), a value without a type element is a
// string, and <member> may list <value> before <name>.
type xmlDecoder struct {
	d        *xml.Decoder
	strategy StringStrategy
}

func newXMLDecoder(data []byte, strategy StringStrategy) (*xmlDecoder, error) {
	r, err := documentReader(data, strategy)
	if err != nil {
		return nil, err
	}
	d := xml.NewDecoder(r)
	// documentReader already produced UTF-8
	d.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	return &xmlDecoder{d: d, strategy: strategy}, nil
}

func malformed(format string, args ...any) error {
	return &DecodeError{Msg: fmt.Sprintf(format, args...)}
}

// token returns the next start element, end element or character data,
// skipping comments, processing instructions and directives.
func (p *xmlDecoder) token() (xml.Token, error) {
	for {
		tok, err := p.d.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, malformed("unexpected end of document")
			}
			return nil, &DecodeError{Msg: "malformed xml", Err: err}
		}
		switch t := tok.(type) {
		case xml.StartElement, xml.EndElement:
			return t, nil
		case xml.CharData:
			return t.Copy(), nil
		}
	}
}

// element returns the next start or end element, ignoring character data.
func (p *xmlDecoder) element() (xml.Token, error) {
	for {
		tok, err := p.token()
		if err != nil {
			return nil, err
		}
		if _, ok := tok.(xml.CharData); !ok {
			return tok, nil
		}
	}
}

func (p *xmlDecoder) expectStart(name string) error {
	tok, err := p.element()
	if err != nil {
		return err
	}
	se, ok := tok.(xml.StartElement)
	if !ok || se.Name.Local != name {
		return malformed("expected <%s>, got %s", name, describe(tok))
	}
	return nil
}

func (p *xmlDecoder) expectEnd(name string) error {
	tok, err := p.element()
	if err != nil {
		return err
	}
	ee, ok := tok.(xml.EndElement)
	if !ok || ee.Name.Local != name {
		return malformed("expected </%s>, got %s", name, describe(tok))
	}
	return nil
}

func describe(tok xml.Token) string {
	switch t := tok.(type) {
	case xml.StartElement:
		return "<" + t.Name.Local + ">"
	case xml.EndElement:
		return "</" + t.Name.Local + ">"
	}
	return fmt.Sprintf("%T", tok)
}

// text collects character data up to the end of the current element.
func (p *xmlDecoder) text(name string) (string, error) {
	var sb strings.Builder
	for {
		tok, err := p.token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			if t.Name.Local != name {
				return "", malformed("expected </%s>, got </%s>", name, t.Name.Local)
			}
			return sb.String(), nil
		case xml.StartElement:
			return "", malformed("unexpected <%s> inside <%s>", t.Name.Local, name)
		}
	}
}

func (p *xmlDecoder) str(s string) string {
	if p.strategy == StringsPreserve {
		return restoreBytes(s)
	}
	return s
}

// value parses the content of a <value> element whose start tag has been
// consumed, including its end tag.
func (p *xmlDecoder) value() (any, error) {
	var untyped strings.Builder
	for {
		tok, err := p.token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.CharData:
			untyped.Write(t)
		case xml.EndElement:
			if t.Name.Local != "value" {
				return nil, malformed("expected </value>, got </%s>", t.Name.Local)
			}
			return p.str(untyped.String()), nil
		case xml.StartElement:
			v, err := p.typed(t)
			if err != nil {
				return nil, err
			}
			if err := p.expectEnd("value"); err != nil {
				return nil, err
			}
			return v, nil
		}
	}
}

func (p *xmlDecoder) typed(se xml.StartElement) (any, error) {
	name := se.Name.Local
	switch name {
	case "i1", "i2", "i4", "i8", "int":
		s, err := p.text(name)
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, &DecodeError{Msg: "invalid <" + name + ">", Err: err}
		}
		return n, nil
	case "boolean":
		s, err := p.text(name)
		if err != nil {
			return nil, err
		}
		switch strings.TrimSpace(s) {
		case "1", "true":
			return true, nil
		case "0", "false":
			return false, nil
		}
		return nil, malformed("invalid <boolean> %q", s)
	case "double":
		s, err := p.text(name)
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, &DecodeError{Msg: "invalid <double>", Err: err}
		}
		return f, nil
	case "string":
		s, err := p.text(name)
		if err != nil {
			return nil, err
		}
		return p.str(s), nil
	case "base64":
		s, err := p.text(name)
		if err != nil {
			return nil, err
		}
		return decodeBase64(s)
	case "dateTime.iso8601":
		s, err := p.text(name)
		if err != nil {
			return nil, err
		}
		return parseDateTime(s)
	case "nil":
		if err := p.expectEnd(name); err != nil {
			return nil, err
		}
		return nil, nil
	case "array":
		return p.array()
	case "struct":
		return p.structure()
	}
	return nil, malformed("unknown value type <%s>", name)
}

func (p *xmlDecoder) array() ([]any, error) {
	if err := p.expectStart("data"); err != nil {
		return nil, err
	}
	values := []any{}
	for {
		tok, err := p.element()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "value" {
				return nil, malformed("expected <value> in <data>, got <%s>", t.Name.Local)
			}
			v, err := p.value()
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		case xml.EndElement:
			if t.Name.Local != "data" {
				return nil, malformed("expected </data>, got </%s>", t.Name.Local)
			}
			if err := p.expectEnd("array"); err != nil {
				return nil, err
			}
			return values, nil
		}
	}
}

func (p *xmlDecoder) structure() (map[string]any, error) {
	members := map[string]any{}
	for {
		tok, err := p.element()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "member" {
				return nil, malformed("expected <member> in <struct>, got <%s>", t.Name.Local)
			}
			name, v, err := p.member()
			if err != nil {
				return nil, err
			}
			members[name] = v
		case xml.EndElement:
			if t.Name.Local != "struct" {
				return nil, malformed("expected </struct>, got </%s>", t.Name.Local)
			}
			return members, nil
		}
	}
}

func (p *xmlDecoder) member() (string, any, error) {
	var name string
	var value any
	var gotName, gotVal bool
	for {
		tok, err := p.element()
		if err != nil {
			return "", nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "name" && !gotName:
				s, err := p.text("name")
				if err != nil {
					return "", nil, err
				}
				name, gotName = p.str(s), true
			case t.Name.Local == "value" && !gotVal:
				v, err := p.value()
				if err != nil {
					return "", nil, err
				}
				value, gotVal = v, true
			default:
				return "", nil, malformed("unexpected <%s> in <member>", t.Name.Local)
			}
		case xml.EndElement:
			if t.Name.Local != "member" {
				return "", nil, malformed("expected </member>, got </%s>", t.Name.Local)
			}
			if !gotName || !gotVal {
				return "", nil, malformed("<member> needs both <name> and <value>")
			}
			return name, value, nil
		}
	}
}

// end checks that only whitespace, comments or processing instructions follow
// the root element.
func (p *xmlDecoder) end() error {
	for {
		tok, err := p.d.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &DecodeError{Msg: "malformed xml", Err: err}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return malformed("unexpected <%s> after root element", t.Name.Local)
		case xml.CharData:
			if len(strings.TrimSpace(string(t))) > 0 {
				return malformed("unexpected text after root element")
			}
		}
	}
}

func decodeBase64(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(clean); err == nil {
			return b, nil
		}
	}
	return nil, malformed("invalid <base64> payload")
}

// parseDateTime accepts the layouts in dateTimeLayouts. Values without a zone
// are taken as UTC.
func parseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, malformed("invalid <dateTime.iso8601> %q", s)
}
