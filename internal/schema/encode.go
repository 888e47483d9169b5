package schema

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	apperrors "github.com/shhac/scout/internal/errors"
)

// maxNesting bounds message nesting in both directions of the codec.
const maxNesting = 100

// EncodeJSON parses a JSON object and encodes it as the wire form of typeName.
// Empty input and a JSON null encode as an empty message.
func EncodeJSON(set *Set, typeName string, data []byte) ([]byte, error) {
	t, ok := set.Lookup(typeName)
	if !ok {
		return nil, &apperrors.TypeResolutionError{Kind: apperrors.MissingType, Symbol: typeName}
	}

	obj, err := parseObject(data)
	if err != nil {
		return nil, err
	}
	return Encode(set, t, obj)
}

func parseObject(data []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &apperrors.EncodingError{Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &apperrors.EncodingError{Message: "invalid JSON: trailing data after object"}
	}

	switch obj := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return obj, nil
	default:
		return nil, &apperrors.EncodingError{Message: fmt.Sprintf("expected a JSON object, got %s", jsonType(v))}
	}
}

// Encode writes obj in the wire form of t. Values may come from a
// json.Decoder with UseNumber or be plain Go numbers.
func Encode(set *Set, t *TypeSchema, obj map[string]any) ([]byte, error) {
	e := &encoder{set: set}
	return e.message(nil, t, obj, "")
}

type encoder struct {
	set   *Set
	depth int
}

func (e *encoder) message(b []byte, t *TypeSchema, obj map[string]any, path string) ([]byte, error) {
	e.depth++
	defer func() { e.depth-- }()
	if e.depth > maxNesting {
		return nil, &apperrors.EncodingError{Field: path, Message: "message nesting too deep"}
	}

	values, err := e.collect(t, obj, path)
	if err != nil {
		return nil, err
	}

	for i := range t.Fields {
		f := &t.Fields[i]
		v, ok := values[f.Number]
		if !ok {
			continue
		}
		b, err = e.field(b, f, v, apperrors.JoinPath(path, f.JSONName))
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

// collect matches JSON keys to fields. Unknown keys, the same field under
// both spellings and several members of one oneof are rejected.
func (e *encoder) collect(t *TypeSchema, obj map[string]any, path string) (map[protowire.Number]any, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make(map[protowire.Number]any, len(obj))
	oneofs := make(map[string]string)
	for _, k := range keys {
		f, ok := t.FieldByName(k)
		if !ok {
			return nil, &apperrors.EncodingError{
				Field:   apperrors.JoinPath(path, k),
				Message: fmt.Sprintf("unknown field for %s", t.FullName),
			}
		}
		v := obj[k]
		if v == nil {
			continue
		}
		if _, dup := values[f.Number]; dup {
			return nil, &apperrors.EncodingError{Field: apperrors.JoinPath(path, k), Message: "field set more than once"}
		}
		if f.Oneof != "" {
			if other, taken := oneofs[f.Oneof]; taken {
				return nil, &apperrors.EncodingError{
					Field:   apperrors.JoinPath(path, k),
					Message: fmt.Sprintf("oneof %s already set by %s", f.Oneof, other),
				}
			}
			oneofs[f.Oneof] = k
		}
		values[f.Number] = v
	}
	return values, nil
}

func (e *encoder) field(b []byte, f *Field, v any, path string) ([]byte, error) {
	switch k := f.Kind.(type) {
	case Repeated:
		return e.repeated(b, f, k, v, path)
	case Map:
		return e.mapField(b, f, k, v, path)
	default:
		return e.singular(b, f.Number, k, v, !f.HasPresence, path)
	}
}

// singular appends one tagged value. With skipZero set, zero scalars and enums
// are omitted as for implicit-presence fields.
func (e *encoder) singular(b []byte, num protowire.Number, kind FieldKind, v any, skipZero bool, path string) ([]byte, error) {
	switch k := kind.(type) {
	case Scalar:
		sv, err := parseScalar(k.Kind, v)
		if err != nil {
			return nil, &apperrors.EncodingError{Field: path, Message: err.Error()}
		}
		if skipZero && isZeroScalar(sv) {
			return b, nil
		}
		b = protowire.AppendTag(b, num, k.Kind.WireType())
		return appendScalar(b, k.Kind, sv), nil

	case *Enum:
		n, err := parseEnum(k, v)
		if err != nil {
			return nil, &apperrors.EncodingError{Field: path, Message: err.Error()}
		}
		if skipZero && n == 0 {
			return b, nil
		}
		b = protowire.AppendTag(b, num, protowire.VarintType)
		return protowire.AppendVarint(b, uint64(int64(n))), nil

	case Message:
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, &apperrors.EncodingError{Field: path, Message: fmt.Sprintf("expected object, got %s", jsonType(v))}
		}
		t, ok := e.set.Lookup(k.TypeName)
		if !ok {
			return nil, &apperrors.TypeResolutionError{Kind: apperrors.MissingType, Symbol: k.TypeName}
		}
		if k.Group {
			b = protowire.AppendTag(b, num, protowire.StartGroupType)
			b, err := e.message(b, t, obj, path)
			if err != nil {
				return nil, err
			}
			return protowire.AppendTag(b, num, protowire.EndGroupType), nil
		}
		inner, err := e.message(nil, t, obj, path)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		return protowire.AppendBytes(b, inner), nil
	}
	return nil, &apperrors.EncodingError{Field: path, Message: fmt.Sprintf("unsupported field kind %T", kind)}
}

func (e *encoder) repeated(b []byte, f *Field, k Repeated, v any, path string) ([]byte, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, &apperrors.EncodingError{Field: path, Message: fmt.Sprintf("expected array, got %s", jsonType(v))}
	}
	if len(list) == 0 {
		return b, nil
	}

	if f.Packed && packable(k.Elem) {
		var packed []byte
		for i, item := range list {
			itemPath := path + "[" + strconv.Itoa(i) + "]"
			switch elem := k.Elem.(type) {
			case Scalar:
				sv, err := parseScalar(elem.Kind, item)
				if err != nil {
					return nil, &apperrors.EncodingError{Field: itemPath, Message: err.Error()}
				}
				packed = appendScalar(packed, elem.Kind, sv)
			case *Enum:
				n, err := parseEnum(elem, item)
				if err != nil {
					return nil, &apperrors.EncodingError{Field: itemPath, Message: err.Error()}
				}
				packed = protowire.AppendVarint(packed, uint64(int64(n)))
			}
		}
		b = protowire.AppendTag(b, f.Number, protowire.BytesType)
		return protowire.AppendBytes(b, packed), nil
	}

	for i, item := range list {
		itemPath := path + "[" + strconv.Itoa(i) + "]"
		if item == nil {
			return nil, &apperrors.EncodingError{Field: itemPath, Message: "null is not allowed in a list"}
		}
		var err error
		b, err = e.singular(b, f.Number, k.Elem, item, false, itemPath)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (e *encoder) mapField(b []byte, f *Field, k Map, v any, path string) ([]byte, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &apperrors.EncodingError{Field: path, Message: fmt.Sprintf("expected object, got %s", jsonType(v))}
	}

	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		entryPath := path + "[" + strconv.Quote(key) + "]"
		kv, err := parseMapKey(k.Key, key)
		if err != nil {
			return nil, &apperrors.EncodingError{Field: entryPath, Message: err.Error()}
		}
		val := obj[key]
		if val == nil {
			return nil, &apperrors.EncodingError{Field: entryPath, Message: "null is not allowed as a map value"}
		}

		entry := protowire.AppendTag(nil, 1, k.Key.WireType())
		entry = appendScalar(entry, k.Key, kv)
		entry, err = e.singular(entry, 2, k.Value, val, false, entryPath)
		if err != nil {
			return nil, err
		}

		b = protowire.AppendTag(b, f.Number, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b, nil
}

func packable(k FieldKind) bool {
	switch elem := k.(type) {
	case Scalar:
		return elem.Kind.Packable()
	case *Enum:
		return true
	}
	return false
}

func appendScalar(b []byte, kind ScalarKind, v any) []byte {
	switch kind {
	case Int32:
		return protowire.AppendVarint(b, uint64(int64(v.(int32))))
	case Int64:
		return protowire.AppendVarint(b, uint64(v.(int64)))
	case Uint32:
		return protowire.AppendVarint(b, uint64(v.(uint32)))
	case Uint64:
		return protowire.AppendVarint(b, v.(uint64))
	case Sint32:
		return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v.(int32))))
	case Sint64:
		return protowire.AppendVarint(b, protowire.EncodeZigZag(v.(int64)))
	case Fixed32:
		return protowire.AppendFixed32(b, v.(uint32))
	case Fixed64:
		return protowire.AppendFixed64(b, v.(uint64))
	case Sfixed32:
		return protowire.AppendFixed32(b, uint32(v.(int32)))
	case Sfixed64:
		return protowire.AppendFixed64(b, uint64(v.(int64)))
	case Bool:
		return protowire.AppendVarint(b, protowire.EncodeBool(v.(bool)))
	case Float:
		return protowire.AppendFixed32(b, math.Float32bits(v.(float32)))
	case Double:
		return protowire.AppendFixed64(b, math.Float64bits(v.(float64)))
	case String:
		return protowire.AppendString(b, v.(string))
	case Bytes:
		return protowire.AppendBytes(b, v.([]byte))
	}
	return b
}

func isZeroScalar(v any) bool {
	switch x := v.(type) {
	case int32:
		return x == 0
	case int64:
		return x == 0
	case uint32:
		return x == 0
	case uint64:
		return x == 0
	case bool:
		return !x
	case float32:
		return x == 0 && !math.Signbit(float64(x))
	case float64:
		return x == 0 && !math.Signbit(x)
	case string:
		return x == ""
	case []byte:
		return len(x) == 0
	}
	return false
}

// parseScalar converts a JSON value into the Go type appendScalar expects for kind.
func parseScalar(kind ScalarKind, v any) (any, error) {
	switch kind {
	case Int32, Sint32, Sfixed32:
		n, err := parseInt(v, 32)
		return int32(n), err
	case Int64, Sint64, Sfixed64:
		return parseInt(v, 64)
	case Uint32, Fixed32:
		n, err := parseUint(v, 32)
		return uint32(n), err
	case Uint64, Fixed64:
		return parseUint(v, 64)
	case Float:
		f, err := parseFloat(v, 32)
		return float32(f), err
	case Double:
		return parseFloat(v, 64)
	case Bool:
		bv, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %s", jsonType(v))
		}
		return bv, nil
	case String:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %s", jsonType(v))
		}
		return s, nil
	case Bytes:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected base64 string, got %s", jsonType(v))
		}
		return decodeBase64(s)
	}
	return nil, fmt.Errorf("unsupported scalar kind %s", kind)
}

// numberText extracts the textual form of a JSON number or numeric string.
func numberText(v any) (string, bool) {
	switch x := v.(type) {
	case json.Number:
		return x.String(), true
	case string:
		return strings.TrimSpace(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case int:
		return strconv.FormatInt(int64(x), 10), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint:
		return strconv.FormatUint(uint64(x), 10), true
	case uint32:
		return strconv.FormatUint(uint64(x), 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	}
	return "", false
}

func parseInt(v any, bits int) (int64, error) {
	s, ok := numberText(v)
	if !ok {
		return 0, fmt.Errorf("expected integer, got %s", jsonType(v))
	}
	n, err := strconv.ParseInt(s, 10, bits)
	if err == nil {
		return n, nil
	}
	// exponent or fractional notation with an integral value, e.g. 1e3 or 5.0
	f, ferr := strconv.ParseFloat(s, 64)
	if ferr != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("invalid %d-bit integer %q", bits, s)
	}
	limit := math.Ldexp(1, bits-1)
	if f < -limit || f >= limit {
		return 0, fmt.Errorf("integer %q out of range for %d bits", s, bits)
	}
	return int64(f), nil
}

func parseUint(v any, bits int) (uint64, error) {
	s, ok := numberText(v)
	if !ok {
		return 0, fmt.Errorf("expected integer, got %s", jsonType(v))
	}
	n, err := strconv.ParseUint(s, 10, bits)
	if err == nil {
		return n, nil
	}
	f, ferr := strconv.ParseFloat(s, 64)
	if ferr != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("invalid unsigned %d-bit integer %q", bits, s)
	}
	if f < 0 || f >= math.Ldexp(1, bits) {
		return 0, fmt.Errorf("integer %q out of range for unsigned %d bits", s, bits)
	}
	return uint64(f), nil
}

func parseFloat(v any, bits int) (float64, error) {
	if s, ok := v.(string); ok {
		switch s {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
	}
	s, ok := numberText(v)
	if !ok {
		return 0, fmt.Errorf("expected number, got %s", jsonType(v))
	}
	f, err := strconv.ParseFloat(s, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid %d-bit float %q", bits, s)
	}
	return f, nil
}

func parseEnum(e *Enum, v any) (int32, error) {
	if s, ok := v.(string); ok {
		if n, ok := e.Number(s); ok {
			return n, nil
		}
		// numeric strings are accepted like numbers
		if n, err := strconv.ParseInt(s, 10, 32); err == nil {
			return int32(n), nil
		}
		return 0, fmt.Errorf("unknown value %q for enum %s", s, e.FullName)
	}
	n, err := parseInt(v, 32)
	if err != nil {
		return 0, fmt.Errorf("enum %s: %w", e.FullName, err)
	}
	return int32(n), nil
}

func parseMapKey(kind ScalarKind, key string) (any, error) {
	switch kind {
	case Bool:
		switch key {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("invalid boolean map key %q", key)
	case String:
		return key, nil
	}
	return parseScalar(kind, key)
}

func decodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("invalid base64 string")
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case json.Number, float64, float32, int, int32, int64, uint, uint32, uint64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
