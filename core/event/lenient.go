package event

import (
	"bytes"
	"encoding"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var unmarshalerType = reflect.TypeOf((*interface{ UnmarshalJSON([]byte) error })(nil)).Elem()

// FieldError reports one field that could not be decoded. The field keeps its
// zero value; the rest of the object is decoded normally.
type FieldError struct {
	Path string
	Err  error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s: %v", e.Path, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// decodeLenient decodes the JSON object raw into the struct pointed to by v
// one field at a time, descending into nested structs and slices of structs.
// Scalars of the wrong JSON type are coerced where the meaning is obvious
// (numbers and booleans into strings, quoted numbers into ints).
func decodeLenient(raw []byte, v any) []error {
	return decodeValue("", raw, reflect.ValueOf(v).Elem())
}

func decodeValue(path string, raw []byte, rv reflect.Value) []error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	if rv.CanAddr() && rv.Addr().Type().Implements(unmarshalerType) {
		if err := json.Unmarshal(raw, rv.Addr().Interface()); err != nil {
			return []error{&FieldError{Path: path, Err: err}}
		}
		return nil
	}

	switch rv.Kind() {
	case reflect.Ptr:
		target := reflect.New(rv.Type().Elem())
		errs := decodeValue(path, raw, target.Elem())
		if len(errs) == 0 || target.Elem().Kind() == reflect.Struct {
			rv.Set(target)
		}
		return errs

	case reflect.Struct:
		var fields map[string]jsoniter.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return []error{&FieldError{Path: path, Err: err}}
		}
		var errs []error
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			name := jsonName(t.Field(i))
			if name == "" {
				continue
			}
			data, ok := fields[name]
			if !ok {
				continue
			}
			errs = append(errs, decodeValue(joinPath(path, name), data, rv.Field(i))...)
		}
		return errs

	case reflect.Slice:
		if rv.Type().Elem().Kind() != reflect.Struct {
			break
		}
		var elems []jsoniter.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return []error{&FieldError{Path: path, Err: err}}
		}
		var errs []error
		out := reflect.MakeSlice(rv.Type(), 0, len(elems))
		for i, data := range elems {
			elem := reflect.New(rv.Type().Elem()).Elem()
			errs = append(errs, decodeValue(fmt.Sprintf("%s[%d]", path, i), data, elem)...)
			out = reflect.Append(out, elem)
		}
		rv.Set(out)
		return errs

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String || rv.Type().Elem().Kind() != reflect.String {
			break
		}
		var values map[string]any
		if err := json.Unmarshal(raw, &values); err != nil {
			return []error{&FieldError{Path: path, Err: err}}
		}
		out := reflect.MakeMapWithSize(rv.Type(), len(values))
		for k, v := range values {
			out.SetMapIndex(reflect.ValueOf(k).Convert(rv.Type().Key()),
				reflect.ValueOf(stringify(v)).Convert(rv.Type().Elem()))
		}
		rv.Set(out)
		return nil
	}

	if err := json.Unmarshal(raw, rv.Addr().Interface()); err != nil {
		if coerce(raw, rv) {
			return nil
		}
		rv.Set(reflect.Zero(rv.Type()))
		return []error{&FieldError{Path: path, Err: err}}
	}
	return nil
}

// coerce handles the scalar mismatches SDKs commonly produce.
func coerce(raw []byte, rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.String:
		var v any
		if json.Unmarshal(raw, &v) != nil {
			return false
		}
		switch v.(type) {
		case float64, bool:
			rv.SetString(stringify(v))
			return true
		}
	case reflect.Int, reflect.Int32, reflect.Int64:
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return false
		}
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return false
		}
		rv.SetInt(n)
		return true
	case reflect.Bool:
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return false
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return false
		}
		rv.SetBool(b)
		return true
	}
	return false
}

// stringify renders a decoded JSON scalar the way it appeared on the wire.
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case encoding.TextMarshaler:
		b, _ := x.MarshalText()
		return string(b)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func jsonName(f reflect.StructField) string {
	if !f.IsExported() {
		return ""
	}
	tag := f.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return f.Name
	}
	return name
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}
