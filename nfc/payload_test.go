package nfc

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePayload(t *testing.T) {
	in := map[string]any{
		"name":    "Drill",
		"count":   3,
		"weight":  1.5,
		"big":     int64(9007199254740993),
		"active":  true,
		"missing": nil,
		"specs":   map[string]any{"volts": 18},
		"tags":    []string{"a", "b"},
		"raw":     `{volts: 18}`,
	}

	out, err := NormalizePayload(in)
	require.NoError(t, err)

	assert.Equal(t, TagPayload{
		"name":   "Drill",
		"count":  json.Number("3"),
		"weight": json.Number("1.5"),
		"big":    json.Number("9007199254740993"),
		"active": true,
		"specs":  `{"volts":18}`,
		"tags":   `["a","b"]`,
		"raw":    `{"volts":18}`,
	}, out)
}

func TestNormalizePayload_RejectsNaN(t *testing.T) {
	_, err := NormalizePayload(map[string]any{"x": math.NaN()})
	assert.Error(t, err)
	_, err = NormalizePayload(map[string]any{"x": math.Inf(1)})
	assert.Error(t, err)
}

func TestParsePayload(t *testing.T) {
	p, err := ParsePayload(`{"id":12345678901234567890,"name":"Drill","tools":["a","b"],"locked":true}`)
	require.NoError(t, err)

	assert.Equal(t, json.Number("12345678901234567890"), p[KeyID])
	assert.Equal(t, `["a","b"]`, p["tools"])
	assert.True(t, p.IsLocked())
	assert.Equal(t, map[string]any{"name": "Drill", "tools": `["a","b"]`}, p.Fields())
}

func TestParsePayload_NotAnObject(t *testing.T) {
	for _, in := range []string{`[1,2]`, `"text"`, `null`, `{"a":1} trailing`, `{`} {
		t.Run(in, func(t *testing.T) {
			_, err := ParsePayload(in)
			assert.Error(t, err)
		})
	}
}

func TestMarshalPayload_IDVerbatim(t *testing.T) {
	_, err := ParsePayload(`{"name":"Drill","id":00123}`)
	require.Error(t, err, "leading zero literal is not JSON")

	p, err := ParsePayload(`{"name":"Drill","id":12345678901234567890}`)
	require.NoError(t, err)
	b, err := MarshalPayload(p)
	require.NoError(t, err)
	assert.Equal(t, `{"id":12345678901234567890,"name":"Drill"}`, string(b))
}

func TestTagPayload_Keys(t *testing.T) {
	p := TagPayload{"b": 1, "a": 2, KeyPassword: "x"}
	assert.Equal(t, []string{"a", "b", "password"}, p.Keys())
	assert.True(t, IsReservedKey(KeySealed))
	assert.True(t, IsReservedKey(KeyTextLock))
	assert.False(t, IsReservedKey("name"))

	c := p.Clone()
	c["a"] = 3
	assert.Equal(t, 2, p["a"])
}
