package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = String("s")
	var _ Value = Int(1)
	var _ Value = Bool(true)
	var _ Value = List{Int(1)}
	var _ Value = Record{"k": String("v")}
}

func TestRecordSortedKeys(t *testing.T) {
	rec := Record{"b": Int(1), "A": Int(2), "a": Int(3), "aa": Int(4)}
	assert.Equal(t, []string{"A", "a", "aa", "b"}, rec.SortedKeys())
	assert.Empty(t, Record{}.SortedKeys())
}

func TestNewRecord(t *testing.T) {
	rec := NewRecord(F("name", String("ada")), F("age", Int(36)))
	assert.Equal(t, Record{"name": String("ada"), "age": Int(36)}, rec)

	clone := rec.Clone()
	clone["age"] = Int(37)
	assert.Equal(t, Int(36), rec["age"])
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"same string", String("a"), String("a"), true},
		{"different kind", String("1"), Int(1), false},
		{"lists", List{Int(1), Bool(true)}, List{Int(1), Bool(true)}, true},
		{"list length", List{Int(1)}, List{Int(1), Int(2)}, false},
		{"records", Record{"a": List{}}, Record{"a": List{}}, true},
		{"record missing key", Record{"a": Int(1)}, Record{"b": Int(1)}, false},
		{"null", Null{}, Null{}, true},
		{"nil", nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

func TestRecordJSONRoundTrip(t *testing.T) {
	rec := Record{
		"name": String("ada"),
		"tags": List{String("x"), Int(2)},
		"meta": Record{"ok": Bool(true)},
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Equal(t, `{"meta":{"ok":true},"name":"ada","tags":["x",2]}`, string(data))

	var back Record
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, Equal(rec, back))
}

func TestRecordUnmarshalRejectsFloat(t *testing.T) {
	var rec Record
	err := json.Unmarshal([]byte(`{"x":1.5}`), &rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are not allowed")
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue([]byte(`{"n": 9007199254740993, "l": [true, "s"]}`))
	require.NoError(t, err)
	assert.Equal(t, Record{"n": Int(9007199254740993), "l": List{Bool(true), String("s")}}, v)

	_, err = ParseValue([]byte(`1e3`))
	assert.Error(t, err)

	_, err = ParseValue([]byte(`null`))
	assert.Error(t, err)
}

func TestFromGo(t *testing.T) {
	v, err := FromGo(map[string]any{"a": 1, "b": []any{"x", false}})
	require.NoError(t, err)
	assert.Equal(t, Record{"a": Int(1), "b": List{String("x"), Bool(false)}}, v)

	_, err = FromGo(2.0)
	assert.Error(t, err)

	rec, err := RecordFromGo(map[string]any{"title": "t"})
	require.NoError(t, err)
	assert.Equal(t, String("t"), rec["title"])
}
