package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarshal_Deterministic(t *testing.T) {
	a := map[string]any{"foo": 1234, "bar": "stringval", "baz": []any{1, "x"}}
	b := map[string]any{"baz": []any{1, "x"}, "bar": "stringval", "foo": 1234}
	for i := 0; i < 10; i++ {
		ea, err := Marshal(a)
		assert.NoError(t, err)
		eb, err := Marshal(b)
		assert.NoError(t, err)
		assert.Equal(t, ea, eb)
	}
}

func TestUnmarshal_Loose(t *testing.T) {
	data, err := Marshal(map[string]any{"foo": 7, "neg": -3, "f": 1.5, "s": "x"})
	assert.NoError(t, err)
	v, err := Unmarshal(data)
	assert.NoError(t, err)
	m, ok := v.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, int64(7), m["foo"])
	assert.Equal(t, int64(-3), m["neg"])
	assert.Equal(t, 1.5, m["f"])
	assert.Equal(t, "x", m["s"])
}
