package jsonstream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = ` [
  {"id": "d1", "patch": [{"op": "replace", "path": "/nodes/0/content", "value": "a ] b } \" ["}]},
  {"id": "d2", "nested": {"deep": [1, 2, {"x": "\\"}]}},
  "plain string",
  42,
  -3.5e2 ,
  true,
  null,
  []
]`

func elements(t *testing.T) []string {
	t.Helper()
	var all []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(sample), &all))
	out := make([]string, len(all))
	for i, raw := range all {
		out[i] = string(raw)
	}
	return out
}

func collect(t *testing.T, chunks ...[]byte) ([]string, *Parser) {
	t.Helper()
	p := &Parser{}
	var out []string
	for _, c := range chunks {
		got, err := p.Feed(c)
		require.NoError(t, err)
		for _, raw := range got {
			out = append(out, string(raw))
		}
	}
	return out, p
}

func TestFeedWhole(t *testing.T) {
	got, p := collect(t, []byte(sample))
	assert.Equal(t, elements(t), got)
	assert.True(t, p.Done())
	assert.NoError(t, p.Close())
}

func TestFeedSplitAtEveryByte(t *testing.T) {
	want := elements(t)
	data := []byte(sample)
	for i := 0; i <= len(data); i++ {
		got, p := collect(t, data[:i], data[i:])
		require.Equal(t, want, got, "split at %d", i)
		require.True(t, p.Done())
	}
}

func TestFeedByteByByte(t *testing.T) {
	data := []byte(sample)
	chunks := make([][]byte, len(data))
	for i := range data {
		chunks[i] = data[i : i+1]
	}
	got, _ := collect(t, chunks...)
	assert.Equal(t, elements(t), got)
}

func TestElementsArriveEarly(t *testing.T) {
	p := &Parser{}
	got, err := p.Feed([]byte(`[{"a":1},{"b":`))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"a":1}`, string(got[0]))
	assert.False(t, p.Done())
	assert.Error(t, p.Close())

	got, err = p.Feed([]byte(`2}]`))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"b":2}`, string(got[0]))
	assert.True(t, p.Done())
}

func TestEmptyArray(t *testing.T) {
	got, p := collect(t, []byte("[ ]"))
	assert.Empty(t, got)
	assert.True(t, p.Done())
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		is    error
	}{
		{"object", `{"a":1}`, ErrNotArray},
		{"trailing", `[1] x`, ErrTrailing},
		{"leading comma", `[,1]`, nil},
		{"missing comma", `[{"a":1} {"b":2}]`, nil},
		{"bad scalar", `[tru]`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Parser{}
			_, err := p.Feed([]byte(tt.input))
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}
