package schema

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	apperrors "github.com/shhac/scout/internal/errors"
)

const everythingJSON = `{
	"i32": -42,
	"i64": "-9007199254740993",
	"u32": 4000000000,
	"u64": "18446744073709551615",
	"s32": -7,
	"s64": "-123456789012",
	"f32": 7,
	"f64": "8",
	"sf32": -9,
	"sf64": "-10",
	"flag": true,
	"ratio": 0.1,
	"score": 2.5,
	"text": "héllo",
	"blob": "AQID",
	"color": "BLUE",
	"inner": {"label": "x", "id": "5"},
	"numbers": [1, 2, 3],
	"items": [{"label": "a"}, {"label": "b", "id": "2"}],
	"counts": {"a": "1", "b": "2"},
	"alpha": "first",
	"displayName": "Scout",
	"colors": ["RED", "BLUE"]
}`

func TestRoundTrip_AllKinds(t *testing.T) {
	set, _, _ := buildEverything(t)

	wire, err := EncodeJSON(set, "scout.test.Everything", []byte(everythingJSON))
	require.NoError(t, err)

	out, err := DecodeType(set, "scout.test.Everything", wire)
	require.NoError(t, err)

	assert.Equal(t, int32(-42), out["i32"])
	assert.Equal(t, "-9007199254740993", out["i64"], "64-bit values survive beyond float64 precision")
	assert.Equal(t, uint32(4000000000), out["u32"])
	assert.Equal(t, "18446744073709551615", out["u64"])
	assert.Equal(t, int32(-7), out["s32"])
	assert.Equal(t, "-123456789012", out["s64"])
	assert.Equal(t, uint32(7), out["f32"])
	assert.Equal(t, "8", out["f64"])
	assert.Equal(t, int32(-9), out["sf32"])
	assert.Equal(t, "-10", out["sf64"])
	assert.Equal(t, true, out["flag"])
	assert.Equal(t, 0.1, out["ratio"], "float32 renders at its shortest decimal form")
	assert.Equal(t, 2.5, out["score"])
	assert.Equal(t, "héllo", out["text"])
	assert.Equal(t, "AQID", out["blob"])
	assert.Equal(t, "BLUE", out["color"])
	assert.Equal(t, map[string]any{"label": "x", "id": "5"}, out["inner"])
	assert.Equal(t, []any{int32(1), int32(2), int32(3)}, out["numbers"])
	assert.Equal(t, []any{
		map[string]any{"label": "a", "id": "0"},
		map[string]any{"label": "b", "id": "2"},
	}, out["items"])
	assert.Equal(t, map[string]any{"a": "1", "b": "2"}, out["counts"])
	assert.Equal(t, "first", out["alpha"])
	assert.NotContains(t, out, "beta", "unset oneof members are omitted")
	assert.Nil(t, out["tree"])
	assert.Equal(t, "Scout", out["displayName"])
	assert.Equal(t, []any{"RED", "BLUE"}, out["colors"])
}

func TestEncode_MatchesProtobufRuntime(t *testing.T) {
	set, _, md := buildEverything(t)

	wire, err := EncodeJSON(set, "scout.test.Everything", []byte(everythingJSON))
	require.NoError(t, err)

	msg := dynamicpb.NewMessage(md)
	require.NoError(t, proto.Unmarshal(wire, msg))

	get := func(name string) protoreflect.Value {
		return msg.Get(md.Fields().ByName(protoreflect.Name(name)))
	}
	assert.Equal(t, int64(-42), get("i32").Int())
	assert.Equal(t, int64(-9007199254740993), get("i64").Int())
	assert.Equal(t, uint64(18446744073709551615), get("u64").Uint())
	assert.Equal(t, int64(-7), get("s32").Int())
	assert.Equal(t, int64(-123456789012), get("s64").Int())
	assert.Equal(t, int64(-10), get("sf64").Int())
	assert.InDelta(t, 0.1, get("ratio").Float(), 1e-7)
	assert.Equal(t, []byte{1, 2, 3}, get("blob").Bytes())
	assert.Equal(t, protoreflect.EnumNumber(2), get("color").Enum())
	assert.Equal(t, 3, get("numbers").List().Len())
	assert.Equal(t, 2, get("counts").Map().Len())
	assert.Equal(t, "Scout", get("display_name").String())

	inner := get("inner").Message()
	assert.Equal(t, int64(5), inner.Get(inner.Descriptor().Fields().ByName("id")).Int())
}

func TestDecode_MatchesProtobufRuntime(t *testing.T) {
	set, ts, md := buildEverything(t)

	msg := dynamicpb.NewMessage(md)
	require.NoError(t, protojson.Unmarshal([]byte(`{
		"i64": "123",
		"s32": -3,
		"sf32": -1,
		"score": -0.5,
		"color": "RED",
		"tree": {"name": "root", "children": [{"name": "leaf"}]},
		"beta": 9,
		"counts": {"z": "26"}
	}`), msg))
	wire, err := proto.Marshal(msg)
	require.NoError(t, err)

	out, err := Decode(set, ts, wire)
	require.NoError(t, err)

	assert.Equal(t, "123", out["i64"])
	assert.Equal(t, int32(-3), out["s32"])
	assert.Equal(t, int32(-1), out["sf32"])
	assert.Equal(t, -0.5, out["score"])
	assert.Equal(t, "RED", out["color"])
	assert.Equal(t, int32(9), out["beta"])
	assert.NotContains(t, out, "alpha")
	assert.Equal(t, map[string]any{"z": "26"}, out["counts"])

	tree, ok := out["tree"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "root", tree["name"])
	children, ok := tree["children"].([]any)
	require.True(t, ok)
	require.Len(t, children, 1)
	assert.Equal(t, map[string]any{"name": "leaf", "children": []any{}}, children[0])
}

func TestDecode_DefaultsIncluded(t *testing.T) {
	set, ts, _ := buildEverything(t)

	out, err := Decode(set, ts, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(0), out["i32"])
	assert.Equal(t, "0", out["i64"])
	assert.Equal(t, uint32(0), out["u32"])
	assert.Equal(t, false, out["flag"])
	assert.Equal(t, float64(0), out["score"])
	assert.Equal(t, "", out["text"])
	assert.Equal(t, "", out["blob"])
	assert.Equal(t, "COLOR_UNSPECIFIED", out["color"])
	assert.Contains(t, out, "inner")
	assert.Nil(t, out["inner"])
	assert.Equal(t, []any{}, out["numbers"])
	assert.Equal(t, map[string]any{}, out["counts"])
	assert.NotContains(t, out, "alpha")
	assert.NotContains(t, out, "beta")
}

func TestDecode_Proto2Defaults(t *testing.T) {
	md := message(t, newFile(t, legacyFileProto()), "Legacy")
	set := NewSet()
	ts, err := NewBuilder(set).Build(md)
	require.NoError(t, err)

	out, err := Decode(set, ts, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), out["retries"])
	assert.Equal(t, "fast", out["mode"])
	assert.Equal(t, "HIGH", out["level"])
	assert.Equal(t, "LOW", out["plain"], "closed enums default to the first declared value")

	// explicit presence writes zero values
	wire, err := Encode(set, ts, map[string]any{"retries": 0})
	require.NoError(t, err)
	assert.NotEmpty(t, wire)

	out, err = Decode(set, ts, wire)
	require.NoError(t, err)
	assert.Equal(t, int32(0), out["retries"])
}

func TestEncode_ImplicitZeroValuesOmitted(t *testing.T) {
	set, ts, _ := buildEverything(t)

	wire, err := Encode(set, ts, map[string]any{
		"i32":   0,
		"text":  "",
		"flag":  false,
		"color": "COLOR_UNSPECIFIED",
		"tree":  nil,
	})
	require.NoError(t, err)
	assert.Empty(t, wire)
}

func TestEncode_EmptyMessagePresent(t *testing.T) {
	set, ts, _ := buildEverything(t)

	wire, err := Encode(set, ts, map[string]any{"inner": map[string]any{}})
	require.NoError(t, err)

	out, err := Decode(set, ts, wire)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"label": "", "id": "0"}, out["inner"])
}

func TestEncode_ProtoAndJSONNamesAgree(t *testing.T) {
	set, ts, _ := buildEverything(t)

	a, err := Encode(set, ts, map[string]any{"display_name": "n"})
	require.NoError(t, err)
	b, err := Encode(set, ts, map[string]any{"displayName": "n"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncode_GoNumbers(t *testing.T) {
	set, ts, _ := buildEverything(t)

	wire, err := Encode(set, ts, map[string]any{
		"i32":   int(12),
		"i64":   int64(1) << 60,
		"u32":   uint32(5),
		"score": float64(1.25),
	})
	require.NoError(t, err)

	out, err := Decode(set, ts, wire)
	require.NoError(t, err)
	assert.Equal(t, int32(12), out["i32"])
	assert.Equal(t, "1152921504606846976", out["i64"])
	assert.Equal(t, uint32(5), out["u32"])
	assert.Equal(t, 1.25, out["score"])
}

func TestEncode_NonFiniteFloats(t *testing.T) {
	set, ts, _ := buildEverything(t)

	wire, err := EncodeJSON(set, ts.FullName, []byte(`{"score":"NaN","ratio":"-Infinity"}`))
	require.NoError(t, err)

	out, err := Decode(set, ts, wire)
	require.NoError(t, err)
	assert.Equal(t, "NaN", out["score"])
	assert.Equal(t, "-Infinity", out["ratio"])
}

func TestEncode_IntegralExponent(t *testing.T) {
	set, ts, _ := buildEverything(t)

	wire, err := EncodeJSON(set, ts.FullName, []byte(`{"i32": 1e3, "u64": 5.0}`))
	require.NoError(t, err)

	out, err := Decode(set, ts, wire)
	require.NoError(t, err)
	assert.Equal(t, int32(1000), out["i32"])
	assert.Equal(t, "5", out["u64"])
}

func TestEncodeJSON_EmptyAndNull(t *testing.T) {
	set, _, _ := buildEverything(t)

	for _, input := range []string{"", "  ", "null", "{}"} {
		wire, err := EncodeJSON(set, "scout.test.Everything", []byte(input))
		require.NoError(t, err, "input %q", input)
		assert.Empty(t, wire, "input %q", input)
	}
}

func TestEncode_Errors(t *testing.T) {
	set, _, _ := buildEverything(t)

	tests := []struct {
		name      string
		input     string
		wantField string
	}{
		{"unknown field", `{"bogus": 1}`, "bogus"},
		{"unknown nested field", `{"inner": {"nope": true}}`, "inner.nope"},
		{"string for int32", `{"i32": "abc"}`, "i32"},
		{"int32 overflow", `{"i32": 3000000000}`, "i32"},
		{"negative uint", `{"u32": -1}`, "u32"},
		{"fractional int", `{"i64": "1.5"}`, "i64"},
		{"unknown enum name", `{"color": "GREEN"}`, "color"},
		{"bad base64", `{"blob": "!!not base64!!"}`, "blob"},
		{"number for string", `{"text": 5}`, "text"},
		{"string for bool", `{"flag": "yes"}`, "flag"},
		{"scalar for message", `{"inner": 5}`, "inner"},
		{"object for list", `{"numbers": {}}`, "numbers"},
		{"bad list element", `{"numbers": [1, "x"]}`, "numbers[1]"},
		{"null list element", `{"items": [null]}`, "items[0]"},
		{"bad map value", `{"counts": {"a": "x"}}`, `counts["a"]`},
		{"two oneof members", `{"alpha": "a", "beta": 1}`, "beta"},
		{"both spellings", `{"display_name": "a", "displayName": "b"}`, "display_name"},
		{"top-level array", `[1, 2]`, ""},
		{"invalid JSON", `{"i32": `, ""},
		{"trailing data", `{} {}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeJSON(set, "scout.test.Everything", []byte(tt.input))
			require.Error(t, err)

			var ee *apperrors.EncodingError
			require.True(t, errors.As(err, &ee), "got %T: %v", err, err)
			assert.Equal(t, tt.wantField, ee.Field)
			assert.True(t, apperrors.IsPermanent(err))
		})
	}
}

func TestEncodeJSON_UnknownType(t *testing.T) {
	_, err := EncodeJSON(NewSet(), "scout.test.Missing", []byte(`{}`))

	var tre *apperrors.TypeResolutionError
	require.True(t, errors.As(err, &tre))
	assert.Equal(t, apperrors.MissingType, tre.Kind)
}

func TestDecode_SkipsUnknownFields(t *testing.T) {
	set, ts, _ := buildEverything(t)

	wire := protowire.AppendTag(nil, 99, protowire.VarintType)
	wire = protowire.AppendVarint(wire, 7)
	wire = protowire.AppendTag(wire, 14, protowire.BytesType)
	wire = protowire.AppendString(wire, "kept")
	wire = protowire.AppendTag(wire, 98, protowire.BytesType)
	wire = protowire.AppendString(wire, "ignored")

	out, err := Decode(set, ts, wire)
	require.NoError(t, err)
	assert.Equal(t, "kept", out["text"])
}

func TestDecode_UnpackedRepeated(t *testing.T) {
	set, ts, _ := buildEverything(t)

	var wire []byte
	for _, v := range []uint64{4, 5} {
		wire = protowire.AppendTag(wire, 18, protowire.VarintType)
		wire = protowire.AppendVarint(wire, v)
	}

	out, err := Decode(set, ts, wire)
	require.NoError(t, err)
	assert.Equal(t, []any{int32(4), int32(5)}, out["numbers"])
}

func TestDecode_OneofLastWins(t *testing.T) {
	set, ts, _ := buildEverything(t)

	wire := protowire.AppendTag(nil, 22, protowire.BytesType)
	wire = protowire.AppendString(wire, "first")
	wire = protowire.AppendTag(wire, 23, protowire.VarintType)
	wire = protowire.AppendVarint(wire, 3)

	out, err := Decode(set, ts, wire)
	require.NoError(t, err)
	assert.Equal(t, int32(3), out["beta"])
	assert.NotContains(t, out, "alpha")
}

func TestDecode_MergesRepeatedSingularMessage(t *testing.T) {
	set, ts, _ := buildEverything(t)

	first := protowire.AppendTag(nil, 1, protowire.BytesType)
	first = protowire.AppendString(first, "x")
	second := protowire.AppendTag(nil, 2, protowire.VarintType)
	second = protowire.AppendVarint(second, 11)

	wire := protowire.AppendTag(nil, 17, protowire.BytesType)
	wire = protowire.AppendBytes(wire, first)
	wire = protowire.AppendTag(wire, 17, protowire.BytesType)
	wire = protowire.AppendBytes(wire, second)

	out, err := Decode(set, ts, wire)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"label": "x", "id": "11"}, out["inner"])
}

func TestDecode_UnknownEnumNumber(t *testing.T) {
	set, ts, _ := buildEverything(t)

	wire := protowire.AppendTag(nil, 16, protowire.VarintType)
	wire = protowire.AppendVarint(wire, 42)

	out, err := Decode(set, ts, wire)
	require.NoError(t, err)
	assert.Equal(t, int32(42), out["color"])
}

func TestDecode_Truncated(t *testing.T) {
	set, ts, _ := buildEverything(t)

	wire, err := EncodeJSON(set, ts.FullName, []byte(`{"text": "a fairly long string value"}`))
	require.NoError(t, err)

	_, err = Decode(set, ts, wire[:len(wire)-4])
	require.Error(t, err)

	var de *apperrors.DecodingError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "scout.test.Everything", de.TypeName)
}

func TestFloatJSON(t *testing.T) {
	assert.Equal(t, "NaN", floatJSON(math.NaN(), 64))
	assert.Equal(t, "Infinity", floatJSON(math.Inf(1), 32))
	assert.Equal(t, 0.3, floatJSON(float64(float32(0.3)), 32))
	assert.Equal(t, 0.3, floatJSON(0.3, 64))
}
