package applog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLog(t *testing.T, dir string) *Log {
	l, err := Open(dir, Options{})
	require.NoError(t, err)
	return l
}

func TestLog_PutLastSlice(t *testing.T) {
	l := openLog(t, filepath.Join(t.TempDir(), "log"))
	defer l.Close()

	_, ok, err := l.Last()
	assert.NoError(t, err)
	assert.False(t, ok)

	off, err := l.Put([]any{
		map[string]any{"foo": 1234, "bar": "stringval"},
		map[string]any{"foo": 2345},
	})
	assert.NoError(t, err)
	assert.Equal(t, uint64(0), off)

	off, err = l.Put([]any{"third"})
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), off)

	last, ok, err := l.Last()
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), last.Offset)
	assert.Equal(t, "third", last.Item)

	entries, err := l.Slice(1, 10)
	assert.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Offset)
	assert.Equal(t, map[string]any{"foo": int64(2345)}, entries[0].Item)

	info := l.Info()
	assert.Equal(t, uint64(3), info.RecordCount)
	assert.Equal(t, uint64(2), info.MetricsCount)
}

func TestLog_RowsOffsetCeiling(t *testing.T) {
	l := openLog(t, filepath.Join(t.TempDir(), "log"))
	defer l.Close()

	items := make([]any, 10)
	for i := range items {
		items[i] = i
	}
	_, err := l.Put(items)
	require.NoError(t, err)

	rows, err := l.Rows(8, 5)
	assert.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, uint64(8), rows[0].Offset)

	rows, err = l.Rows(2, 3)
	assert.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.Equal(t, uint64(4), rows[2].Offset)

	raw, err := l.Row(4)
	assert.NoError(t, err)
	assert.Equal(t, rows[2].Value, raw)

	raw, err = l.Row(100)
	assert.NoError(t, err)
	assert.Nil(t, raw)
}

func TestLog_MetricsAndEmptyPut(t *testing.T) {
	l := openLog(t, filepath.Join(t.TempDir(), "log"))
	defer l.Close()

	off, err := l.Put(nil)
	assert.NoError(t, err)
	assert.Equal(t, uint64(0), off)
	assert.Equal(t, uint64(0), l.Info().MetricsCount)

	_, err = l.Put([]any{"a", "b", "c"})
	assert.NoError(t, err)
	_, err = l.Put([]any{"d"})
	assert.NoError(t, err)

	ms, err := l.Metrics(0, 0)
	assert.NoError(t, err)
	assert.Len(t, ms, 2)
	assert.Equal(t, 3, ms[0].Count)
	assert.Equal(t, 1, ms[1].Count)
	assert.Equal(t, uint64(1), ms[1].Offset)
	assert.Greater(t, ms[0].Size, 0)

	ms, err = l.Metrics(1, 5)
	assert.NoError(t, err)
	assert.Len(t, ms, 1)
}

func TestLog_Reopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	l := openLog(t, dir)
	_, err := l.Put([]any{"a", "b"})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l = openLog(t, dir)
	defer l.Close()
	assert.Equal(t, uint64(2), l.Len())
	assert.Equal(t, uint64(1), l.Info().MetricsCount)
	off, err := l.Put([]any{"c"})
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), off)
}

func TestLog_Wake(t *testing.T) {
	l := openLog(t, filepath.Join(t.TempDir(), "log"))
	defer l.Close()

	select {
	case <-l.Wake():
		t.Fatal("no put yet")
	default:
	}
	_, err := l.Put([]any{1})
	require.NoError(t, err)
	_, err = l.Put([]any{2})
	require.NoError(t, err)
	select {
	case <-l.Wake():
	default:
		t.Fatal("put must wake the consumer")
	}
	// notifications coalesce
	select {
	case <-l.Wake():
		t.Fatal("expected a single pending wake")
	default:
	}
}
