package tank

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/tank/applog"
	"github.com/drpcorg/tank/indexes"
	"github.com/drpcorg/tank/tank_errors"
	"github.com/drpcorg/tank/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func openTank(t *testing.T, dir string) *Tank {
	tk, err := Open(dir, Options{CacheSize: 1 << 20})
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return tk
}

func waitIndexed(t *testing.T, tk *Tank) {
	assert.Eventually(t, func() bool {
		infos, err := tk.GetIndices(context.Background())
		if err != nil {
			return false
		}
		for _, info := range infos {
			if info.Lag > 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
}

func TestTank_PutQueryReopen(t *testing.T) {
	dir := t.TempDir()
	tk := openTank(t, dir)
	ctx := context.Background()

	first, err := tk.Put(
		map[string]any{"user": "ann", "age": 31},
		map[string]any{"user": "bob", "age": "42"},
	)
	assert.NoError(t, err)
	assert.Equal(t, uint64(0), first)

	_, err = tk.AddIndex(ctx, "age", "int", "age")
	assert.NoError(t, err)
	_, err = tk.AddIndex(ctx, "user", "str", "user", "name")
	assert.NoError(t, err)
	_, err = tk.AddIndex(ctx, "age", "int", "years")
	assert.ErrorIs(t, err, tank_errors.ErrDuplicateIndex)
	waitIndexed(t, tk)

	c, err := tk.QueryNormRecords("age", 42, true)
	assert.NoError(t, err)
	recs, err := c.Collect()
	assert.NoError(t, err)
	assert.Equal(t, []indexes.Item[map[string]any]{
		{Offset: 1, Value: map[string]any{"age": int64(42), "user": "bob"}},
	}, recs)

	last, ok, err := tk.Last()
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), last.Offset)

	info, err := tk.Info()
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), info.RecordCount)
	assert.Equal(t, uint64(1), info.MetricsCount)
	assert.NoError(t, info.WorkerErr)
	assert.NoError(t, tk.Close())

	tk = openTank(t, dir)
	defer tk.Close()
	next, err := tk.Put(map[string]any{"name": "cy", "age": 7})
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), next)
	waitIndexed(t, tk)

	c2, err := tk.QueryNormValues("user", nil, true)
	assert.NoError(t, err)
	var users []string
	for _, v := range c2.All() {
		users = append(users, v.(string))
	}
	assert.NoError(t, c2.Err())
	assert.Equal(t, []string{"ann", "bob", "cy"}, users)

	rows, err := tk.Rows(0, 10)
	assert.NoError(t, err)
	assert.Equal(t, 3, len(rows))
	metrics, err := tk.Metrics(0, 0)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(metrics))
	entries, err := tk.Slice(1, 1)
	assert.NoError(t, err)
	assert.Equal(t, []applog.Entry{{Offset: 1, Item: map[string]any{"user": "bob", "age": "42"}}}, entries)
}

func TestTank_Closed(t *testing.T) {
	tk := openTank(t, t.TempDir())
	assert.NoError(t, tk.Close())
	assert.ErrorIs(t, tk.Close(), tank_errors.ErrClosed)

	_, err := tk.Put(1)
	assert.ErrorIs(t, err, tank_errors.ErrClosed)
	_, err = tk.GetIndices(context.Background())
	assert.ErrorIs(t, err, tank_errors.ErrClosed)
	_, err = tk.QueryRows("x", nil, true)
	assert.ErrorIs(t, err, tank_errors.ErrClosed)
}

func TestTank_Collectors(t *testing.T) {
	tk := openTank(t, t.TempDir())
	defer tk.Close()
	_, err := tk.Put("x")
	assert.NoError(t, err)

	reg := prometheus.NewRegistry()
	for _, c := range tk.Collectors() {
		assert.NoError(t, reg.Register(c))
	}
	families, err := reg.Gather()
	assert.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "tank_pebble_disk_usage_bytes" {
			found = true
			assert.Equal(t, 2, len(f.GetMetric()))
		}
	}
	assert.True(t, found)
}

func TestTank_CollectorsOfTwoTanks(t *testing.T) {
	a := openTank(t, t.TempDir())
	defer a.Close()
	b := openTank(t, t.TempDir())
	defer b.Close()
	_, err := a.Put("x")
	assert.NoError(t, err)

	reg := prometheus.NewRegistry()
	for _, c := range append(a.Collectors(), b.Collectors()...) {
		assert.NoError(t, reg.Register(c))
	}
	families, err := reg.Gather()
	assert.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "tank_applog_put_batches" {
			assert.Equal(t, 2, len(f.GetMetric()))
		}
		if f.GetName() == "tank_pebble_disk_usage_bytes" {
			assert.Equal(t, 4, len(f.GetMetric()))
		}
	}
}

type slowTypes struct {
	types.Service
	delay time.Duration
}

func (s slowTypes) Normalize(syntype string, raw any) (any, error) {
	time.Sleep(s.delay)
	return s.Service.Normalize(syntype, raw)
}

func TestTank_CloseWhileIndexing(t *testing.T) {
	tk, err := Open(t.TempDir(), Options{
		CacheSize:    1 << 20,
		Types:        slowTypes{Service: types.NewRegistry(), delay: 20 * time.Millisecond},
		CloseTimeout: 50 * time.Millisecond,
	})
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	items := make([]any, 50)
	for i := range items {
		items[i] = map[string]any{"n": i}
	}
	_, err = tk.Put(items...)
	assert.NoError(t, err)
	_, err = tk.AddIndex(context.Background(), "n", "int", "n")
	assert.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	if err := tk.Close(); err != nil {
		assert.ErrorIs(t, err, tank_errors.ErrTimedOut)
	}
	select {
	case <-tk.StoresClosed():
	case <-time.After(5 * time.Second):
		t.Fatal("stores not closed")
	}
	_, err = tk.Put(1)
	assert.ErrorIs(t, err, tank_errors.ErrClosed)
}

func TestTank_WorkerErr(t *testing.T) {
	tk := openTank(t, t.TempDir())
	defer tk.Close()
	ctx := context.Background()
	def, err := tk.AddIndex(ctx, "n", "int", "n")
	assert.NoError(t, err)
	waitIndexed(t, tk)

	// progress record of the index
	key := append([]byte{'M', 'P'}, def.Iid[:]...)
	assert.NoError(t, tk.index.Delete(key, pebble.Sync))
	_, err = tk.Put(map[string]any{"n": 1})
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		info, err := tk.Info()
		return err == nil && info.WorkerErr != nil
	}, 5*time.Second, 5*time.Millisecond)
	info, err := tk.Info()
	assert.NoError(t, err)
	assert.ErrorIs(t, info.WorkerErr, tank_errors.ErrCorruptStorage)
	_, err = tk.GetIndices(ctx)
	assert.ErrorIs(t, err, tank_errors.ErrWorkerStopped)

	// the log stays writable
	_, err = tk.Put(map[string]any{"n": 2})
	assert.NoError(t, err)
}
