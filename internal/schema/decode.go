package schema

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"

	apperrors "github.com/shhac/scout/internal/errors"
)

// DecodeType decodes wire bytes of typeName into a JSON-ready map.
func DecodeType(set *Set, typeName string, data []byte) (map[string]any, error) {
	t, ok := set.Lookup(typeName)
	if !ok {
		return nil, &apperrors.TypeResolutionError{Kind: apperrors.MissingType, Symbol: typeName}
	}
	return Decode(set, t, data)
}

// Decode converts wire bytes into a map keyed by JSON field names. Every field
// of t appears in the result: absent scalars carry their default, absent
// lists and maps are empty and absent messages are nil. Unset oneof members
// are omitted. 64-bit integers are rendered as decimal strings, bytes as
// standard base64 and enums by name.
func Decode(set *Set, t *TypeSchema, data []byte) (map[string]any, error) {
	d := &decoder{set: set}
	out, err := d.message(t, data)
	if err != nil {
		var de *apperrors.DecodingError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, &apperrors.DecodingError{TypeName: t.FullName, Err: err}
	}
	return out, nil
}

type decoder struct {
	set   *Set
	depth int
}

// fieldState accumulates wire values for one field before output.
type fieldState struct {
	value   any
	set     bool
	msg     []byte // concatenated occurrences of a singular message
	list    []any
	entries map[string]any
}

func (d *decoder) message(t *TypeSchema, b []byte) (map[string]any, error) {
	d.depth++
	defer func() { d.depth-- }()
	if d.depth > maxNesting {
		return nil, fmt.Errorf("message nesting too deep")
	}

	states := make(map[protowire.Number]*fieldState)
	lastOneof := make(map[string]protowire.Number)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		f, ok := t.FieldByNumber(num)
		if !ok || !wireTypeFits(f.Kind, typ) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		st := states[num]
		if st == nil {
			st = &fieldState{}
			states[num] = st
		}
		n, err := d.consume(st, f, num, typ, b)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		b = b[n:]
		if f.Oneof != "" {
			lastOneof[f.Oneof] = num
		}
	}

	out := make(map[string]any, len(t.Fields))
	for i := range t.Fields {
		f := &t.Fields[i]
		key := f.JSONName
		if key == "" {
			key = f.Name
		}
		st := states[f.Number]

		if f.Oneof != "" {
			if lastOneof[f.Oneof] != f.Number || st == nil {
				continue
			}
		}

		v, err := d.output(f, st)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		out[key] = v
	}
	return out, nil
}

// consume reads one occurrence of f and returns the bytes used.
func (d *decoder) consume(st *fieldState, f *Field, num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch k := f.Kind.(type) {
	case Repeated:
		if typ == protowire.BytesType && packable(k.Elem) {
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				v, m, err := d.element(k.Elem, num, elemWireType(k.Elem), packed)
				if err != nil {
					return 0, err
				}
				st.list = append(st.list, v)
				packed = packed[m:]
			}
			return n, nil
		}
		v, n, err := d.element(k.Elem, num, typ, b)
		if err != nil {
			return 0, err
		}
		st.list = append(st.list, v)
		return n, nil

	case Map:
		entry, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		key, val, err := d.mapEntry(k, entry)
		if err != nil {
			return 0, err
		}
		if st.entries == nil {
			st.entries = make(map[string]any)
		}
		st.entries[key] = val
		return n, nil

	case Message:
		var (
			v []byte
			n int
		)
		if k.Group {
			v, n = protowire.ConsumeGroup(num, b)
		} else {
			v, n = protowire.ConsumeBytes(b)
		}
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		// repeated occurrences of a singular message merge
		st.msg = append(st.msg, v...)
		st.set = true
		return n, nil

	default:
		v, n, err := d.element(f.Kind, num, typ, b)
		if err != nil {
			return 0, err
		}
		st.value = v
		st.set = true
		return n, nil
	}
}

// element decodes a single scalar, enum or message value.
func (d *decoder) element(kind FieldKind, num protowire.Number, typ protowire.Type, b []byte) (any, int, error) {
	switch k := kind.(type) {
	case Scalar:
		return consumeScalar(k.Kind, b)
	case *Enum:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		return enumJSON(k, int32(v)), n, nil
	case Message:
		var (
			v []byte
			n int
		)
		if typ == protowire.StartGroupType {
			v, n = protowire.ConsumeGroup(num, b)
		} else {
			v, n = protowire.ConsumeBytes(b)
		}
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		obj, err := d.nested(k.TypeName, v)
		if err != nil {
			return nil, 0, err
		}
		return obj, n, nil
	}
	return nil, 0, fmt.Errorf("unsupported field kind %T", kind)
}

func (d *decoder) nested(typeName string, b []byte) (map[string]any, error) {
	t, ok := d.set.Lookup(typeName)
	if !ok {
		return nil, &apperrors.TypeResolutionError{Kind: apperrors.MissingType, Symbol: typeName}
	}
	return d.message(t, b)
}

func (d *decoder) mapEntry(k Map, b []byte) (string, any, error) {
	var (
		key    any
		val    any
		hasVal bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == k.Key.WireType():
			v, m, err := consumeScalar(k.Key, b)
			if err != nil {
				return "", nil, err
			}
			key = v
			n = m
		case num == 2 && wireTypeFits(k.Value, typ):
			v, m, err := d.element(k.Value, num, typ, b)
			if err != nil {
				return "", nil, err
			}
			val = v
			hasVal = true
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
		}
		b = b[n:]
	}

	if key == nil {
		key = zeroScalar(k.Key)
	}
	if !hasVal {
		var err error
		if val, err = d.zeroValue(k.Value); err != nil {
			return "", nil, err
		}
	}
	return fmt.Sprint(key), val, nil
}

// zeroValue is the value of an absent map entry value.
func (d *decoder) zeroValue(kind FieldKind) (any, error) {
	switch k := kind.(type) {
	case Scalar:
		return zeroScalar(k.Kind), nil
	case *Enum:
		return enumJSON(k, 0), nil
	case Message:
		return d.nested(k.TypeName, nil)
	}
	return nil, nil
}

func (d *decoder) output(f *Field, st *fieldState) (any, error) {
	switch k := f.Kind.(type) {
	case Repeated:
		if st == nil || st.list == nil {
			return []any{}, nil
		}
		return st.list, nil
	case Map:
		if st == nil || st.entries == nil {
			return map[string]any{}, nil
		}
		return st.entries, nil
	case Message:
		if st == nil || !st.set {
			return nil, nil
		}
		return d.nested(k.TypeName, st.msg)
	}

	if st != nil && st.set {
		return st.value, nil
	}
	if f.Default != nil {
		return f.Default, nil
	}
	switch k := f.Kind.(type) {
	case Scalar:
		return zeroScalar(k.Kind), nil
	case *Enum:
		if len(k.Values) > 0 {
			// proto2 enums default to their first declared value
			return k.Values[0].Name, nil
		}
		return enumJSON(k, 0), nil
	}
	return nil, nil
}

func consumeScalar(kind ScalarKind, b []byte) (any, int, error) {
	switch kind.WireType() {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		return varintJSON(kind, v), n, nil
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		switch kind {
		case Sfixed32:
			return int32(v), n, nil
		case Float:
			return floatJSON(float64(math.Float32frombits(v)), 32), n, nil
		}
		return v, n, nil
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		switch kind {
		case Sfixed64:
			return strconv.FormatInt(int64(v), 10), n, nil
		case Double:
			return floatJSON(math.Float64frombits(v), 64), n, nil
		}
		return strconv.FormatUint(v, 10), n, nil
	default:
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		if kind == Bytes {
			return base64.StdEncoding.EncodeToString(v), n, nil
		}
		return string(v), n, nil
	}
}

func varintJSON(kind ScalarKind, v uint64) any {
	switch kind {
	case Int32:
		return int32(v)
	case Int64:
		return strconv.FormatInt(int64(v), 10)
	case Uint32:
		return uint32(v)
	case Uint64:
		return strconv.FormatUint(v, 10)
	case Sint32:
		return int32(protowire.DecodeZigZag(v & math.MaxUint32))
	case Sint64:
		return strconv.FormatInt(protowire.DecodeZigZag(v), 10)
	case Bool:
		return protowire.DecodeBool(v)
	}
	return v
}

func zeroScalar(kind ScalarKind) any {
	switch kind {
	case Int32, Sint32, Sfixed32:
		return int32(0)
	case Uint32, Fixed32:
		return uint32(0)
	case Int64, Uint64, Sint64, Fixed64, Sfixed64:
		return "0"
	case Float, Double:
		return float64(0)
	case Bool:
		return false
	}
	return ""
}

func enumJSON(e *Enum, n int32) any {
	if name, ok := e.Name(n); ok {
		return name
	}
	return n
}

func elemWireType(k FieldKind) protowire.Type {
	if s, ok := k.(Scalar); ok {
		return s.Kind.WireType()
	}
	return protowire.VarintType
}

// wireTypeFits reports whether typ is a valid encoding for a field of kind.
// Mismatched occurrences are skipped like unknown fields.
func wireTypeFits(kind FieldKind, typ protowire.Type) bool {
	switch k := kind.(type) {
	case Scalar:
		return typ == k.Kind.WireType()
	case *Enum:
		return typ == protowire.VarintType
	case Message:
		if k.Group {
			return typ == protowire.StartGroupType
		}
		return typ == protowire.BytesType
	case Repeated:
		if typ == protowire.BytesType && packable(k.Elem) {
			return true
		}
		return wireTypeFits(k.Elem, typ)
	case Map:
		return typ == protowire.BytesType
	}
	return false
}
