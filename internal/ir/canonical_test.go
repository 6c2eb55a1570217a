package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalScalars(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"empty string", String(""), `""`},
		{"int", Int(42), "42"},
		{"negative int", Int(-7), "-7"},
		{"max int64", Int(9223372036854775807), "9223372036854775807"},
		{"bool", Bool(true), "true"},
		{"empty list", List{}, "[]"},
		{"empty record", Record{}, "{}"},
		{"go string slice", []string{"b", "a"}, `["b","a"]`},
		{"go int64", int64(5), "5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestMarshalCanonicalSortsNestedKeys(t *testing.T) {
	rec := Record{
		"z": Record{"b": Int(1), "a": Int(2)},
		"a": List{String("x"), Record{"d": Bool(false), "c": Bool(true)}},
	}

	out, err := MarshalCanonical(rec)
	require.NoError(t, err)
	assert.Equal(t, `{"a":["x",{"c":true,"d":false}],"z":{"a":2,"b":1}}`, string(out))
}

func TestMarshalCanonicalUTF16KeyOrder(t *testing.T) {
	// U+E000 sorts after U+1F600 in UTF-8 but before it in UTF-16.
	rec := Record{"\U0001F600": Int(1), "\uE000": Int(2)}

	out, err := MarshalCanonical(rec)
	require.NoError(t, err)
	assert.Equal(t, "{\"\uE000\":2,\"\U0001F600\":1}", string(out))
}

func TestMarshalCanonicalNoHTMLEscaping(t *testing.T) {
	out, err := MarshalCanonical(String("<a href='x'>&</a>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a href='x'>&</a>"`, string(out))
}

func TestMarshalCanonicalLineSeparators(t *testing.T) {
	out, err := MarshalCanonical(String("a\u2028b\u2029c"))
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(out))
	assert.NotContains(t, string(out), `\u2028`)

	// A literal backslash followed by u2028 text stays escaped.
	out, err = MarshalCanonical(String(`\u2028`))
	require.NoError(t, err)
	assert.Equal(t, `"\\u2028"`, string(out))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	composed, err := MarshalCanonical(String("caf\u00e9"))
	require.NoError(t, err)
	decomposed, err := MarshalCanonical(String("cafe\u0301"))
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestMarshalCanonicalRejects(t *testing.T) {
	for name, input := range map[string]any{
		"nil":          nil,
		"null":         Null{},
		"float":        1.5,
		"nested float": map[string]any{"x": []any{2.5}},
		"null in list": List{Null{}},
		"struct":       struct{}{},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := MarshalCanonical(input)
			assert.Error(t, err)
		})
	}
}

func TestMarshalCanonicalGoMaps(t *testing.T) {
	out, err := MarshalCanonical(map[string]any{
		"tags": []string{"x"},
		"n":    int64(3),
		"ok":   true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"n":3,"ok":true,"tags":["x"]}`, string(out))
}
