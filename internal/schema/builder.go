package schema

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/reflect/protoreflect"

	apperrors "github.com/shhac/scout/internal/errors"
)

// MaxDepth bounds how deeply nested message types may reference each other
// before a build is abandoned.
const MaxDepth = 64

// Builder converts reflected message descriptors into TypeSchemas. A Builder
// is not safe for concurrent use; the Set it commits into is.
type Builder struct {
	set     *Set
	pending map[string]*TypeSchema
	enums   map[string]*Enum
}

// NewBuilder returns a Builder committing into set.
func NewBuilder(set *Set) *Builder {
	return &Builder{set: set}
}

// Build materializes md and every message type reachable from it. Nothing is
// added to the Set unless the whole graph resolves.
func (b *Builder) Build(md protoreflect.MessageDescriptor) (*TypeSchema, error) {
	name := string(md.FullName())
	if t, ok := b.set.Lookup(name); ok {
		return t, nil
	}

	b.pending = make(map[string]*TypeSchema)
	b.enums = make(map[string]*Enum)
	defer func() {
		b.pending = nil
		b.enums = nil
	}()

	if err := b.message(md, 0); err != nil {
		return nil, err
	}
	b.set.commit(b.pending)

	t, _ := b.set.Lookup(name)
	return t, nil
}

func (b *Builder) message(md protoreflect.MessageDescriptor, depth int) error {
	name := string(md.FullName())
	if md.IsPlaceholder() {
		return &apperrors.TypeResolutionError{Kind: apperrors.MissingType, Symbol: name}
	}
	if depth > MaxDepth {
		return &apperrors.TypeResolutionError{Kind: apperrors.DepthExceeded, Symbol: name}
	}
	if _, ok := b.set.Lookup(name); ok {
		return nil
	}
	if _, ok := b.pending[name]; ok {
		// already built or in progress further up the stack (recursive type)
		return nil
	}
	b.pending[name] = nil

	fds := md.Fields()
	fields := make([]Field, 0, fds.Len())
	for i := 0; i < fds.Len(); i++ {
		fd := fds.Get(i)
		f, err := b.field(fd, depth)
		if err != nil {
			return err
		}
		fields = append(fields, f)
	}

	b.pending[name] = NewTypeSchema(name, fields)
	return nil
}

func (b *Builder) field(fd protoreflect.FieldDescriptor, depth int) (Field, error) {
	f := Field{
		Name:        string(fd.Name()),
		JSONName:    fd.JSONName(),
		Number:      protowire.Number(fd.Number()),
		HasPresence: fd.HasPresence(),
	}
	if od := fd.ContainingOneof(); od != nil && !od.IsSynthetic() {
		f.Oneof = string(od.Name())
	}

	switch {
	case fd.IsMap():
		key, ok := scalarKind(fd.MapKey().Kind())
		if !ok {
			return Field{}, fmt.Errorf("field %s: invalid map key kind %s", fd.FullName(), fd.MapKey().Kind())
		}
		value, err := b.kind(fd.MapValue(), depth)
		if err != nil {
			return Field{}, err
		}
		f.Kind = Map{Key: key, Value: value}
		f.HasPresence = false
	case fd.IsList():
		elem, err := b.kind(fd, depth)
		if err != nil {
			return Field{}, err
		}
		f.Kind = Repeated{Elem: elem}
		f.Packed = fd.IsPacked()
		f.HasPresence = false
	default:
		k, err := b.kind(fd, depth)
		if err != nil {
			return Field{}, err
		}
		f.Kind = k
		if fd.HasDefault() {
			f.Default = defaultValue(fd)
		}
	}
	return f, nil
}

// kind maps the element type of fd, ignoring its cardinality.
func (b *Builder) kind(fd protoreflect.FieldDescriptor, depth int) (FieldKind, error) {
	switch fd.Kind() {
	case protoreflect.MessageKind, protoreflect.GroupKind:
		md := fd.Message()
		if err := b.message(md, depth+1); err != nil {
			return nil, err
		}
		return Message{TypeName: string(md.FullName()), Group: fd.Kind() == protoreflect.GroupKind}, nil
	case protoreflect.EnumKind:
		return b.enum(fd.Enum())
	}
	k, ok := scalarKind(fd.Kind())
	if !ok {
		return nil, fmt.Errorf("field %s: unsupported kind %s", fd.FullName(), fd.Kind())
	}
	return Scalar{Kind: k}, nil
}

func (b *Builder) enum(ed protoreflect.EnumDescriptor) (*Enum, error) {
	name := string(ed.FullName())
	if ed.IsPlaceholder() {
		return nil, &apperrors.TypeResolutionError{Kind: apperrors.MissingType, Symbol: name}
	}
	if e, ok := b.enums[name]; ok {
		return e, nil
	}
	vds := ed.Values()
	values := make([]EnumValue, vds.Len())
	for i := range values {
		vd := vds.Get(i)
		values[i] = EnumValue{Name: string(vd.Name()), Number: int32(vd.Number())}
	}
	e := NewEnum(name, values)
	b.enums[name] = e
	return e, nil
}

func scalarKind(k protoreflect.Kind) (ScalarKind, bool) {
	switch k {
	case protoreflect.Int32Kind:
		return Int32, true
	case protoreflect.Int64Kind:
		return Int64, true
	case protoreflect.Uint32Kind:
		return Uint32, true
	case protoreflect.Uint64Kind:
		return Uint64, true
	case protoreflect.Sint32Kind:
		return Sint32, true
	case protoreflect.Sint64Kind:
		return Sint64, true
	case protoreflect.Fixed32Kind:
		return Fixed32, true
	case protoreflect.Fixed64Kind:
		return Fixed64, true
	case protoreflect.Sfixed32Kind:
		return Sfixed32, true
	case protoreflect.Sfixed64Kind:
		return Sfixed64, true
	case protoreflect.BoolKind:
		return Bool, true
	case protoreflect.FloatKind:
		return Float, true
	case protoreflect.DoubleKind:
		return Double, true
	case protoreflect.StringKind:
		return String, true
	case protoreflect.BytesKind:
		return Bytes, true
	}
	return 0, false
}

// defaultValue renders a declared proto2 default in the same JSON form the
// decoder produces.
func defaultValue(fd protoreflect.FieldDescriptor) any {
	v := fd.Default()
	switch fd.Kind() {
	case protoreflect.EnumKind:
		if evd := fd.DefaultEnumValue(); evd != nil {
			return string(evd.Name())
		}
		return int32(v.Enum())
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		return int32(v.Int())
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		return strconv.FormatInt(v.Int(), 10)
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		return uint32(v.Uint())
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		return strconv.FormatUint(v.Uint(), 10)
	case protoreflect.BoolKind:
		return v.Bool()
	case protoreflect.FloatKind:
		return floatJSON(v.Float(), 32)
	case protoreflect.DoubleKind:
		return floatJSON(v.Float(), 64)
	case protoreflect.StringKind:
		return v.String()
	case protoreflect.BytesKind:
		return base64.StdEncoding.EncodeToString(v.Bytes())
	}
	return nil
}

// floatJSON renders a float for JSON output. Non-finite values become the
// strings "NaN", "Infinity" and "-Infinity"; float32 values are rounded to
// their shortest decimal form.
func floatJSON(f float64, bits int) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	if bits == 32 {
		s := strconv.FormatFloat(f, 'g', -1, 32)
		out, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return out
		}
	}
	return f
}
