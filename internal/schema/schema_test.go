package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"

	apperrors "github.com/shhac/scout/internal/errors"
)

type fieldType = descriptorpb.FieldDescriptorProto_Type

const (
	optional = descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	repeated = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
)

func fieldProto(name string, num int32, typ fieldType, label descriptorpb.FieldDescriptorProto_Label, typeName string) *descriptorpb.FieldDescriptorProto {
	f := &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(num),
		Type:   typ.Enum(),
		Label:  label.Enum(),
	}
	if typeName != "" {
		f.TypeName = proto.String(typeName)
	}
	return f
}

func oneofField(name string, num int32, typ fieldType) *descriptorpb.FieldDescriptorProto {
	f := fieldProto(name, num, typ, optional, "")
	f.OneofIndex = proto.Int32(0)
	return f
}

// testFileProto describes scout.test with every scalar kind, an enum, nested
// and repeated messages, a map, a oneof and a self-referencing type.
func testFileProto() *descriptorpb.FileDescriptorProto {
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("scout/test/everything.proto"),
		Package: proto.String("scout.test"),
		Syntax:  proto.String("proto3"),
		EnumType: []*descriptorpb.EnumDescriptorProto{{
			Name: proto.String("Color"),
			Value: []*descriptorpb.EnumValueDescriptorProto{
				{Name: proto.String("COLOR_UNSPECIFIED"), Number: proto.Int32(0)},
				{Name: proto.String("RED"), Number: proto.Int32(1)},
				{Name: proto.String("BLUE"), Number: proto.Int32(2)},
			},
		}},
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("Inner"),
				Field: []*descriptorpb.FieldDescriptorProto{
					fieldProto("label", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING, optional, ""),
					fieldProto("id", 2, descriptorpb.FieldDescriptorProto_TYPE_INT64, optional, ""),
				},
			},
			{
				Name: proto.String("Node"),
				Field: []*descriptorpb.FieldDescriptorProto{
					fieldProto("name", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING, optional, ""),
					fieldProto("children", 2, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, repeated, ".scout.test.Node"),
				},
			},
			{
				Name: proto.String("Everything"),
				Field: []*descriptorpb.FieldDescriptorProto{
					fieldProto("i32", 1, descriptorpb.FieldDescriptorProto_TYPE_INT32, optional, ""),
					fieldProto("i64", 2, descriptorpb.FieldDescriptorProto_TYPE_INT64, optional, ""),
					fieldProto("u32", 3, descriptorpb.FieldDescriptorProto_TYPE_UINT32, optional, ""),
					fieldProto("u64", 4, descriptorpb.FieldDescriptorProto_TYPE_UINT64, optional, ""),
					fieldProto("s32", 5, descriptorpb.FieldDescriptorProto_TYPE_SINT32, optional, ""),
					fieldProto("s64", 6, descriptorpb.FieldDescriptorProto_TYPE_SINT64, optional, ""),
					fieldProto("f32", 7, descriptorpb.FieldDescriptorProto_TYPE_FIXED32, optional, ""),
					fieldProto("f64", 8, descriptorpb.FieldDescriptorProto_TYPE_FIXED64, optional, ""),
					fieldProto("sf32", 9, descriptorpb.FieldDescriptorProto_TYPE_SFIXED32, optional, ""),
					fieldProto("sf64", 10, descriptorpb.FieldDescriptorProto_TYPE_SFIXED64, optional, ""),
					fieldProto("flag", 11, descriptorpb.FieldDescriptorProto_TYPE_BOOL, optional, ""),
					fieldProto("ratio", 12, descriptorpb.FieldDescriptorProto_TYPE_FLOAT, optional, ""),
					fieldProto("score", 13, descriptorpb.FieldDescriptorProto_TYPE_DOUBLE, optional, ""),
					fieldProto("text", 14, descriptorpb.FieldDescriptorProto_TYPE_STRING, optional, ""),
					fieldProto("blob", 15, descriptorpb.FieldDescriptorProto_TYPE_BYTES, optional, ""),
					fieldProto("color", 16, descriptorpb.FieldDescriptorProto_TYPE_ENUM, optional, ".scout.test.Color"),
					fieldProto("inner", 17, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, optional, ".scout.test.Inner"),
					fieldProto("numbers", 18, descriptorpb.FieldDescriptorProto_TYPE_INT32, repeated, ""),
					fieldProto("items", 19, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, repeated, ".scout.test.Inner"),
					fieldProto("counts", 20, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, repeated, ".scout.test.Everything.CountsEntry"),
					fieldProto("tree", 21, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, optional, ".scout.test.Node"),
					oneofField("alpha", 22, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					oneofField("beta", 23, descriptorpb.FieldDescriptorProto_TYPE_INT32),
					fieldProto("display_name", 24, descriptorpb.FieldDescriptorProto_TYPE_STRING, optional, ""),
					fieldProto("colors", 25, descriptorpb.FieldDescriptorProto_TYPE_ENUM, repeated, ".scout.test.Color"),
				},
				NestedType: []*descriptorpb.DescriptorProto{{
					Name: proto.String("CountsEntry"),
					Field: []*descriptorpb.FieldDescriptorProto{
						fieldProto("key", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING, optional, ""),
						fieldProto("value", 2, descriptorpb.FieldDescriptorProto_TYPE_INT64, optional, ""),
					},
					Options: &descriptorpb.MessageOptions{MapEntry: proto.Bool(true)},
				}},
				OneofDecl: []*descriptorpb.OneofDescriptorProto{{Name: proto.String("choice")}},
			},
		},
	}
}

// legacyFileProto is a proto2 file with explicit presence and declared defaults.
func legacyFileProto() *descriptorpb.FileDescriptorProto {
	retries := fieldProto("retries", 1, descriptorpb.FieldDescriptorProto_TYPE_INT32, optional, "")
	retries.DefaultValue = proto.String("3")
	mode := fieldProto("mode", 2, descriptorpb.FieldDescriptorProto_TYPE_STRING, optional, "")
	mode.DefaultValue = proto.String("fast")
	level := fieldProto("level", 3, descriptorpb.FieldDescriptorProto_TYPE_ENUM, optional, ".scout.legacy.Level")
	level.DefaultValue = proto.String("HIGH")
	plain := fieldProto("plain", 4, descriptorpb.FieldDescriptorProto_TYPE_ENUM, optional, ".scout.legacy.Level")

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("scout/legacy/legacy.proto"),
		Package: proto.String("scout.legacy"),
		Syntax:  proto.String("proto2"),
		EnumType: []*descriptorpb.EnumDescriptorProto{{
			Name: proto.String("Level"),
			Value: []*descriptorpb.EnumValueDescriptorProto{
				{Name: proto.String("LOW"), Number: proto.Int32(1)},
				{Name: proto.String("HIGH"), Number: proto.Int32(2)},
			},
		}},
		MessageType: []*descriptorpb.DescriptorProto{{
			Name:  proto.String("Legacy"),
			Field: []*descriptorpb.FieldDescriptorProto{retries, mode, level, plain},
		}},
	}
}

func newFile(t *testing.T, fdp *descriptorpb.FileDescriptorProto) protoreflect.FileDescriptor {
	t.Helper()
	fd, err := protodesc.NewFile(fdp, nil)
	require.NoError(t, err)
	return fd
}

func message(t *testing.T, fd protoreflect.FileDescriptor, name string) protoreflect.MessageDescriptor {
	t.Helper()
	md := fd.Messages().ByName(protoreflect.Name(name))
	require.NotNil(t, md, "message %s not found", name)
	return md
}

// buildEverything returns a populated Set and the Everything schema.
func buildEverything(t *testing.T) (*Set, *TypeSchema, protoreflect.MessageDescriptor) {
	t.Helper()
	md := message(t, newFile(t, testFileProto()), "Everything")
	set := NewSet()
	ts, err := NewBuilder(set).Build(md)
	require.NoError(t, err)
	return set, ts, md
}

func TestBuild_Everything(t *testing.T) {
	set, ts, _ := buildEverything(t)

	assert.Equal(t, "scout.test.Everything", ts.FullName)
	assert.Equal(t, []string{"scout.test.Everything", "scout.test.Inner", "scout.test.Node"}, set.Names())

	f, ok := ts.FieldByName("i64")
	require.True(t, ok)
	assert.Equal(t, Scalar{Kind: Int64}, f.Kind)

	f, ok = ts.FieldByName("counts")
	require.True(t, ok)
	assert.Equal(t, Map{Key: String, Value: Scalar{Kind: Int64}}, f.Kind)

	f, ok = ts.FieldByName("numbers")
	require.True(t, ok)
	assert.Equal(t, Repeated{Elem: Scalar{Kind: Int32}}, f.Kind)
	assert.True(t, f.Packed, "proto3 repeated scalars pack by default")

	f, ok = ts.FieldByName("color")
	require.True(t, ok)
	enum, ok := f.Kind.(*Enum)
	require.True(t, ok)
	assert.Equal(t, "scout.test.Color", enum.FullName)
	n, ok := enum.Number("BLUE")
	assert.True(t, ok)
	assert.Equal(t, int32(2), n)

	f, ok = ts.FieldByName("alpha")
	require.True(t, ok)
	assert.Equal(t, "choice", f.Oneof)

	// proto and JSON spellings resolve to the same field
	byProto, ok := ts.FieldByName("display_name")
	require.True(t, ok)
	byJSON, ok := ts.FieldByName("displayName")
	require.True(t, ok)
	assert.Equal(t, byProto, byJSON)

	f, ok = ts.FieldByNumber(17)
	require.True(t, ok)
	assert.Equal(t, Message{TypeName: "scout.test.Inner"}, f.Kind)
}

func TestBuild_RecursiveType(t *testing.T) {
	md := message(t, newFile(t, testFileProto()), "Node")
	set := NewSet()

	ts, err := NewBuilder(set).Build(md)
	require.NoError(t, err)

	f, ok := ts.FieldByName("children")
	require.True(t, ok)
	assert.Equal(t, Repeated{Elem: Message{TypeName: "scout.test.Node"}}, f.Kind)
	assert.Equal(t, 1, set.Len())
}

func TestBuild_ReusesCachedSchema(t *testing.T) {
	set, ts, md := buildEverything(t)

	again, err := NewBuilder(set).Build(md)
	require.NoError(t, err)
	assert.Same(t, ts, again)
}

func TestBuild_MissingType(t *testing.T) {
	fdp := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("scout/broken.proto"),
		Package: proto.String("scout.broken"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{{
			Name: proto.String("Request"),
			Field: []*descriptorpb.FieldDescriptorProto{
				fieldProto("ok", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING, optional, ""),
				fieldProto("ghost", 2, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, optional, ".scout.elsewhere.Ghost"),
			},
		}},
	}
	fd, err := protodesc.FileOptions{AllowUnresolvable: true}.New(fdp, nil)
	require.NoError(t, err)

	set := NewSet()
	_, err = NewBuilder(set).Build(message(t, fd, "Request"))
	require.Error(t, err)

	var tre *apperrors.TypeResolutionError
	require.True(t, errors.As(err, &tre))
	assert.Equal(t, apperrors.MissingType, tre.Kind)
	assert.Equal(t, "scout.elsewhere.Ghost", tre.Symbol)
	assert.Equal(t, 0, set.Len(), "a failed build must not commit partial schemas")
}

func TestBuild_Proto2Defaults(t *testing.T) {
	md := message(t, newFile(t, legacyFileProto()), "Legacy")
	ts, err := NewBuilder(NewSet()).Build(md)
	require.NoError(t, err)

	f, _ := ts.FieldByName("retries")
	assert.Equal(t, int32(3), f.Default)
	assert.True(t, f.HasPresence)

	f, _ = ts.FieldByName("mode")
	assert.Equal(t, "fast", f.Default)

	f, _ = ts.FieldByName("level")
	assert.Equal(t, "HIGH", f.Default)
}

func TestSet_Reset(t *testing.T) {
	set, _, _ := buildEverything(t)
	require.Equal(t, 3, set.Len())

	set.Reset()
	assert.Equal(t, 0, set.Len())
	_, ok := set.Lookup("scout.test.Everything")
	assert.False(t, ok)
}

func TestScalarKind_WireType(t *testing.T) {
	tests := []struct {
		kind ScalarKind
		want string
	}{
		{Int32, "varint"},
		{Sint64, "varint"},
		{Bool, "varint"},
		{Fixed32, "fixed32"},
		{Float, "fixed32"},
		{Sfixed64, "fixed64"},
		{Double, "fixed64"},
		{String, "bytes"},
		{Bytes, "bytes"},
	}
	names := map[string]int{"varint": 0, "fixed64": 1, "bytes": 2, "fixed32": 5}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.EqualValues(t, names[tt.want], tt.kind.WireType())
		})
	}
}
