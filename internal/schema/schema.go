// Package schema holds runtime message layouts and the JSON <-> protobuf wire
// codec built on them. Layouts are derived from reflected descriptors once and
// then used without any reflective message access.
package schema

import (
	"sort"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"
)

// ScalarKind is a protobuf scalar type.
type ScalarKind int

const (
	Int32 ScalarKind = iota + 1
	Int64
	Uint32
	Uint64
	Sint32
	Sint64
	Fixed32
	Fixed64
	Sfixed32
	Sfixed64
	Bool
	Float
	Double
	String
	Bytes
)

var scalarNames = map[ScalarKind]string{
	Int32: "int32", Int64: "int64", Uint32: "uint32", Uint64: "uint64",
	Sint32: "sint32", Sint64: "sint64", Fixed32: "fixed32", Fixed64: "fixed64",
	Sfixed32: "sfixed32", Sfixed64: "sfixed64", Bool: "bool", Float: "float",
	Double: "double", String: "string", Bytes: "bytes",
}

func (k ScalarKind) String() string {
	if name, ok := scalarNames[k]; ok {
		return name
	}
	return "invalid"
}

// WireType is the wire type used for a single value of this kind.
func (k ScalarKind) WireType() protowire.Type {
	switch k {
	case Fixed32, Sfixed32, Float:
		return protowire.Fixed32Type
	case Fixed64, Sfixed64, Double:
		return protowire.Fixed64Type
	case String, Bytes:
		return protowire.BytesType
	default:
		return protowire.VarintType
	}
}

// Packable reports whether repeated values of this kind may use packed encoding.
func (k ScalarKind) Packable() bool {
	return k != String && k != Bytes
}

// Is64Bit reports whether the kind is a 64-bit integer, which JSON carries as a string.
func (k ScalarKind) Is64Bit() bool {
	switch k {
	case Int64, Uint64, Sint64, Fixed64, Sfixed64:
		return true
	}
	return false
}

// FieldKind is one of Scalar, Enum, Message, Repeated or Map.
type FieldKind interface {
	fieldKind()
}

// Scalar is a field holding a single scalar value.
type Scalar struct {
	Kind ScalarKind
}

// Enum is a field holding an enum value, carried in JSON by name.
type Enum struct {
	FullName string
	Values   []EnumValue

	byName   map[string]int32
	byNumber map[int32]string
}

// EnumValue is one named enum constant.
type EnumValue struct {
	Name   string
	Number int32
}

// Message is a nested message field. TypeName refers into the owning Set.
type Message struct {
	TypeName string
	Group    bool // proto2 group encoding
}

// Repeated is a list of Elem, which is never itself Repeated or Map.
type Repeated struct {
	Elem FieldKind
}

// Map is a map field; keys are carried as JSON object keys.
type Map struct {
	Key   ScalarKind
	Value FieldKind
}

func (Scalar) fieldKind()   {}
func (*Enum) fieldKind()    {}
func (Message) fieldKind()  {}
func (Repeated) fieldKind() {}
func (Map) fieldKind()      {}

// NewEnum builds an Enum with lookup tables.
func NewEnum(fullName string, values []EnumValue) *Enum {
	e := &Enum{
		FullName: fullName,
		Values:   values,
		byName:   make(map[string]int32, len(values)),
		byNumber: make(map[int32]string, len(values)),
	}
	for _, v := range values {
		e.byName[v.Name] = v.Number
		// aliases: first name wins for output
		if _, ok := e.byNumber[v.Number]; !ok {
			e.byNumber[v.Number] = v.Name
		}
	}
	return e
}

// Number returns the number of a named value.
func (e *Enum) Number(name string) (int32, bool) {
	n, ok := e.byName[name]
	return n, ok
}

// Name returns the name of a numbered value.
func (e *Enum) Name(number int32) (string, bool) {
	n, ok := e.byNumber[number]
	return n, ok
}

// Field describes one message field.
type Field struct {
	Name        string
	JSONName    string
	Number      protowire.Number
	Kind        FieldKind
	HasPresence bool   // explicit presence: zero values are still written
	Packed      bool   // repeated scalars/enums use packed encoding
	Oneof       string // containing oneof, if any
	Default     any    // declared default in JSON form, nil if none
}

// TypeSchema is the field layout of one message type.
// It is immutable once added to a Set.
type TypeSchema struct {
	FullName string
	Fields   []Field

	byNumber map[protowire.Number]int
	byName   map[string]int
}

// NewTypeSchema indexes fields by number, proto name and JSON name.
func NewTypeSchema(fullName string, fields []Field) *TypeSchema {
	t := &TypeSchema{
		FullName: fullName,
		Fields:   fields,
		byNumber: make(map[protowire.Number]int, len(fields)),
		byName:   make(map[string]int, 2*len(fields)),
	}
	for i, f := range fields {
		t.byNumber[f.Number] = i
		t.byName[f.Name] = i
		if f.JSONName != "" {
			t.byName[f.JSONName] = i
		}
	}
	return t
}

// FieldByNumber looks a field up by wire number.
func (t *TypeSchema) FieldByNumber(n protowire.Number) (*Field, bool) {
	i, ok := t.byNumber[n]
	if !ok {
		return nil, false
	}
	return &t.Fields[i], true
}

// FieldByName looks a field up by proto name or JSON name.
func (t *TypeSchema) FieldByName(name string) (*Field, bool) {
	i, ok := t.byName[name]
	if !ok {
		return nil, false
	}
	return &t.Fields[i], true
}

// Set caches TypeSchemas by fully-qualified name.
type Set struct {
	mu    sync.RWMutex
	types map[string]*TypeSchema
}

// NewSet creates an empty schema set.
func NewSet() *Set {
	return &Set{types: make(map[string]*TypeSchema)}
}

// Lookup returns the schema for a fully-qualified type name.
func (s *Set) Lookup(name string) (*TypeSchema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.types[name]
	return t, ok
}

// Len returns the number of cached schemas.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.types)
}

// Names returns the cached type names in sorted order.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.types))
	for name := range s.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset drops every cached schema.
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = make(map[string]*TypeSchema)
}

// commit adds schemas that are not already present. Existing entries are
// never replaced.
func (s *Set) commit(pending map[string]*TypeSchema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range pending {
		if _, ok := s.types[name]; !ok {
			s.types[name] = t
		}
	}
}
