package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Layouts used for <dateTime.iso8601>. The first one is written; all of
// them are accepted, since daemons and proxies disagree on the format.
var dateTimeLayouts = []string{
	"20060102T15:04:05",
	"20060102T15:04:05Z07:00",
	"20060102T15:04:05.999999999",
	"20060102T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.999999999Z07:00",
	"20060102T150405",
	"20060102T150405Z07:00",
}

var timeType = reflect.TypeOf(time.Time{})

// xmlEscaper escapes the characters that would change the document
// structure. \r is written as a character reference so the parser does not
// normalize it to \n. All other bytes are written verbatim.
var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"\r", "&#13;",
)

type xmlEncoder struct {
	buf bytes.Buffer
}

func (e *xmlEncoder) writeString(s string) {
	xmlEscaper.WriteString(&e.buf, s)
}

func (e *xmlEncoder) writeValue(v any) error {
	e.buf.WriteString("<value>")
	if err := e.writeInner(v); err != nil {
		return err
	}
	e.buf.WriteString("</value>")
	return nil
}

func (e *xmlEncoder) writeInner(v any) error {
	switch x := v.(type) {
	case nil:
		e.buf.WriteString("<nil/>")
	case bool:
		if x {
			e.buf.WriteString("<boolean>1</boolean>")
		} else {
			e.buf.WriteString("<boolean>0</boolean>")
		}
	case string:
		e.buf.WriteString("<string>")
		e.writeString(x)
		e.buf.WriteString("</string>")
	case []byte:
		e.buf.WriteString("<base64>")
		e.buf.WriteString(base64.StdEncoding.EncodeToString(x))
		e.buf.WriteString("</base64>")
	case time.Time:
		e.writeTime(x)
	case int:
		e.writeInt(int64(x))
	case int8:
		e.writeInt(int64(x))
	case int16:
		e.writeInt(int64(x))
	case int32:
		e.writeInt(int64(x))
	case int64:
		e.writeInt(x)
	case uint8:
		e.writeInt(int64(x))
	case uint16:
		e.writeInt(int64(x))
	case uint32:
		e.writeInt(int64(x))
	case uint:
		return e.writeUint(uint64(x))
	case uint64:
		return e.writeUint(x)
	case float32:
		return e.writeDouble(float64(x))
	case float64:
		return e.writeDouble(x)
	case []any:
		return e.writeArray(reflect.ValueOf(x))
	case map[string]any:
		return e.writeMap(reflect.ValueOf(x))
	default:
		return e.writeReflect(reflect.ValueOf(v))
	}
	return nil
}

func (e *xmlEncoder) writeInt(n int64) {
	if n >= math.MinInt32 && n <= math.MaxInt32 {
		e.buf.WriteString("<i4>")
		e.buf.WriteString(strconv.FormatInt(n, 10))
		e.buf.WriteString("</i4>")
		return
	}
	e.buf.WriteString("<i8>")
	e.buf.WriteString(strconv.FormatInt(n, 10))
	e.buf.WriteString("</i8>")
}

func (e *xmlEncoder) writeUint(n uint64) error {
	if n > math.MaxInt64 {
		return fmt.Errorf("xmlrpc: integer %d overflows i8", n)
	}
	e.writeInt(int64(n))
	return nil
}

func (e *xmlEncoder) writeDouble(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("xmlrpc: cannot encode double %v", f)
	}
	// XML-RPC doubles have no exponent; 'f' with -1 precision still round-trips
	e.buf.WriteString("<double>")
	e.buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
	e.buf.WriteString("</double>")
	return nil
}

func (e *xmlEncoder) writeTime(t time.Time) {
	e.buf.WriteString("<dateTime.iso8601>")
	if t.Location() == time.UTC {
		e.buf.WriteString(t.Format(dateTimeLayouts[0]))
	} else {
		e.buf.WriteString(t.Format(dateTimeLayouts[1]))
	}
	e.buf.WriteString("</dateTime.iso8601>")
}

func (e *xmlEncoder) writeArray(rv reflect.Value) error {
	e.buf.WriteString("<array><data>")
	for i := 0; i < rv.Len(); i++ {
		if err := e.writeValue(rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	e.buf.WriteString("</data></array>")
	return nil
}

// writeMap writes a struct with members sorted by name.
func (e *xmlEncoder) writeMap(rv reflect.Value) error {
	keys := make([]string, 0, rv.Len())
	for _, k := range rv.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)

	e.buf.WriteString("<struct>")
	for _, k := range keys {
		v := rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key()))
		if err := e.writeMember(k, v.Interface()); err != nil {
			return err
		}
	}
	e.buf.WriteString("</struct>")
	return nil
}

func (e *xmlEncoder) writeMember(name string, v any) error {
	e.buf.WriteString("<member><name>")
	e.writeString(name)
	e.buf.WriteString("</name>")
	if err := e.writeValue(v); err != nil {
		return err
	}
	e.buf.WriteString("</member>")
	return nil
}

// writeStruct writes exported fields of a Go struct. The `xmlrpc` tag renames
// a member; "-" skips the field and ",omitempty" skips zero values.
func (e *xmlEncoder) writeStruct(rv reflect.Value) error {
	e.buf.WriteString("<struct>")
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(f.Tag.Get("xmlrpc"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		fv := rv.Field(i)
		if opts == "omitempty" && fv.IsZero() {
			continue
		}
		if err := e.writeMember(name, fv.Interface()); err != nil {
			return err
		}
	}
	e.buf.WriteString("</struct>")
	return nil
}

// writeReflect handles named and composite types not matched by writeInner.
func (e *xmlEncoder) writeReflect(rv reflect.Value) error {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			e.buf.WriteString("<nil/>")
			return nil
		}
		return e.writeInner(rv.Elem().Interface())
	case reflect.Bool:
		return e.writeInner(rv.Bool())
	case reflect.String:
		return e.writeInner(rv.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.writeInt(rv.Int())
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return e.writeUint(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return e.writeDouble(rv.Float())
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return e.writeInner(rv.Bytes())
		}
		if rv.IsNil() {
			e.buf.WriteString("<array><data></data></array>")
			return nil
		}
		return e.writeArray(rv)
	case reflect.Array:
		return e.writeArray(rv)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return &UnsupportedTypeError{Type: rv.Type()}
		}
		return e.writeMap(rv)
	case reflect.Struct:
		if rv.Type().ConvertibleTo(timeType) {
			return e.writeInner(rv.Convert(timeType).Interface())
		}
		return e.writeStruct(rv)
	}
	if !rv.IsValid() {
		return &UnsupportedTypeError{}
	}
	return &UnsupportedTypeError{Type: rv.Type()}
}
