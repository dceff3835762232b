// Package tank is an embedded append-only record store with lazily
// maintained secondary indices.
//
// A Tank keeps two pebble stores under its directory: the append log in
// <dir>/log and the index store in <dir>/index. Writers append records with
// Put and return as soon as the batch is durable; a background worker
// indexes them afterwards. Queries read committed index state through
// snapshots and never wait for the worker.
package tank

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/tank/applog"
	"github.com/drpcorg/tank/datapath"
	"github.com/drpcorg/tank/indexes"
	"github.com/drpcorg/tank/tank_errors"
	"github.com/drpcorg/tank/types"
	"github.com/drpcorg/tank/utils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type Options struct {
	Logger utils.Logger
	// Value of the "tank" label on every metric; the directory by default.
	Name string
	// Normalizes extracted fields; types.NewRegistry() by default.
	Types types.Service
	// Extracts fields from records; datapath.JSONPath by default.
	Paths datapath.Extractor

	// Block cache shared by both stores, in bytes.
	CacheSize int64

	ChunkSize       int
	RemoveChunkSize int
	CommandTimeout  time.Duration
	CloseTimeout    time.Duration
	MailboxSize     int
	RetryInterval   time.Duration
}

func (o *Options) SetDefaults(dir string) {
	if o.Name == "" {
		o.Name = dir
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 64 << 20
	}
	o.Logger = utils.OrDefault(o.Logger)
	if o.Types == nil {
		o.Types = types.NewRegistry()
	}
	if o.Paths == nil {
		o.Paths = datapath.NewJSONPath(0)
	}
}

func (o *Options) labels() prometheus.Labels {
	return prometheus.Labels{"tank": o.Name}
}

func (o *Options) indexer(metrics *indexes.Metrics) indexes.Options {
	opts := indexes.Options{
		ChunkSize:       o.ChunkSize,
		RemoveChunkSize: o.RemoveChunkSize,
		CommandTimeout:  o.CommandTimeout,
		CloseTimeout:    o.CloseTimeout,
		MailboxSize:     o.MailboxSize,
		RetryInterval:   o.RetryInterval,
		Logger:          o.Logger,
		Types:           o.Types,
		Paths:           o.Paths,
		Metrics:         metrics,
	}
	opts.SetDefaults()
	return opts
}

type Tank struct {
	dir  string
	opts Options

	cache  *pebble.Cache
	log    *applog.Log
	index  *pebble.DB
	worker *indexes.Worker
	query  *indexes.Query

	logMetrics   *applog.Metrics
	indexMetrics *indexes.Metrics
	storesClosed chan struct{}

	// held for reading by every operation, for writing by Close
	lock   sync.RWMutex
	closed atomic.Bool
}

type Info struct {
	applog.Info
	IndexStorage applog.StorageStats
	// nil while the index worker runs
	WorkerErr error
}

func Open(dir string, opts Options) (*Tank, error) {
	opts.SetDefaults(dir)
	t := &Tank{
		dir:          dir,
		opts:         opts,
		cache:        pebble.NewCache(opts.CacheSize),
		logMetrics:   applog.NewMetrics(opts.labels()),
		indexMetrics: indexes.NewMetrics(opts.labels()),
		storesClosed: make(chan struct{}),
	}
	// each store holds its own reference
	defer t.cache.Unref()

	var err error
	t.log, err = applog.Open(filepath.Join(dir, "log"), applog.Options{
		Logger:  opts.Logger,
		Cache:   t.cache,
		Metrics: t.logMetrics,
	})
	if err != nil {
		return nil, err
	}
	t.index, err = pebble.Open(filepath.Join(dir, "index"), &pebble.Options{Cache: t.cache})
	if err != nil {
		_ = t.log.Close()
		return nil, errors.Wrapf(err, "open index store %s", dir)
	}
	t.worker, err = indexes.NewWorker(t.log, t.index, opts.indexer(t.indexMetrics))
	if err != nil {
		_ = t.index.Close()
		_ = t.log.Close()
		return nil, err
	}
	t.query = indexes.NewQuery(t.index, t.log, opts.Types)
	t.worker.Start()
	opts.Logger.Info("tank open", "dir", dir, "records", t.log.Len())
	return t, nil
}

// Close stops the index worker and closes both stores. Cursors must be
// closed before. If the worker does not stop within CloseTimeout, Close
// returns ErrTimedOut and the stores are closed once the worker exits.
func (t *Tank) Close() error {
	if t.closed.Swap(true) {
		return tank_errors.ErrClosed
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.worker.Close(); err != nil {
		t.opts.Logger.Error("index worker close", "dir", t.dir, "err", err)
		go func() {
			<-t.worker.Stopped()
			if err := t.closeStores(); err != nil {
				t.opts.Logger.Error("tank close", "dir", t.dir, "err", err)
			}
		}()
		return err
	}
	return t.closeStores()
}

// closeStores must only run after the worker goroutine has exited.
func (t *Tank) closeStores() error {
	defer close(t.storesClosed)
	ierr := t.index.Close()
	lerr := t.log.Close()
	t.opts.Logger.Info("tank closed", "dir", t.dir)
	if ierr != nil {
		return errors.Wrap(ierr, "close index store")
	}
	return lerr
}

// StoresClosed is closed once Close has released both stores.
func (t *Tank) StoresClosed() <-chan struct{} {
	return t.storesClosed
}

func (t *Tank) Directory() string {
	return t.dir
}

// use runs fn unless the tank is closed.
func (t *Tank) use(fn func() error) error {
	t.lock.RLock()
	defer t.lock.RUnlock()
	if t.closed.Load() {
		return tank_errors.ErrClosed
	}
	return fn()
}

// Put appends items as one batch and returns the offset of the first one.
func (t *Tank) Put(items ...any) (first uint64, err error) {
	err = t.use(func() error {
		first, err = t.log.Put(items)
		return err
	})
	return
}

func (t *Tank) Last() (entry applog.Entry, ok bool, err error) {
	err = t.use(func() error {
		entry, ok, err = t.log.Last()
		return err
	})
	return
}

func (t *Tank) Slice(off uint64, size int) (entries []applog.Entry, err error) {
	err = t.use(func() error {
		entries, err = t.log.Slice(off, size)
		return err
	})
	return
}

func (t *Tank) Rows(off uint64, size int) (rows []applog.Row, err error) {
	err = t.use(func() error {
		rows, err = t.log.Rows(off, size)
		return err
	})
	return
}

func (t *Tank) Metrics(off uint64, size int) (rows []applog.MetricsRow, err error) {
	err = t.use(func() error {
		rows, err = t.log.Metrics(off, size)
		return err
	})
	return
}

func (t *Tank) Info() (info Info, err error) {
	err = t.use(func() error {
		info.Info = t.log.Info()
		m := t.index.Metrics()
		info.IndexStorage = applog.StorageStats{
			DiskUsage:    m.DiskSpaceUsage(),
			MemTableSize: m.MemTable.Size,
		}
		info.WorkerErr = t.worker.Err()
		return nil
	})
	return
}

func (t *Tank) AddIndex(ctx context.Context, propname, syntype string, datapaths ...string) (def indexes.IndexDef, err error) {
	err = t.use(func() error {
		def, err = t.worker.AddIndex(ctx, propname, syntype, datapaths)
		return err
	})
	return
}

func (t *Tank) DelIndex(ctx context.Context, propname string) error {
	return t.use(func() error {
		return t.worker.DelIndex(ctx, propname)
	})
}

// PauseIndex freezes one index, or every index if propname is empty.
// Pauses do not survive reopening the tank.
func (t *Tank) PauseIndex(ctx context.Context, propname string) error {
	return t.use(func() error {
		return t.worker.PauseIndex(ctx, propname)
	})
}

func (t *Tank) ResumeIndex(ctx context.Context, propname string) error {
	return t.use(func() error {
		return t.worker.ResumeIndex(ctx, propname)
	})
}

func (t *Tank) GetIndices(ctx context.Context) (infos []indexes.IndexInfo, err error) {
	err = t.use(func() error {
		infos, err = t.worker.GetIndices(ctx)
		return err
	})
	return
}

// QueryNormValues yields (offset, normalized value) pairs of an index in
// value order. A nil value selects the whole index.
func (t *Tank) QueryNormValues(propname string, value any, exact bool) (c *indexes.Cursor[any], err error) {
	err = t.use(func() error {
		c, err = t.query.QueryNormValues(propname, value, exact)
		return err
	})
	return
}

func (t *Tank) QueryNormRecords(propname string, value any, exact bool) (c *indexes.Cursor[map[string]any], err error) {
	err = t.use(func() error {
		c, err = t.query.QueryNormRecords(propname, value, exact)
		return err
	})
	return
}

func (t *Tank) QueryRows(propname string, value any, exact bool) (c *indexes.Cursor[[]byte], err error) {
	err = t.use(func() error {
		c, err = t.query.QueryRows(propname, value, exact)
		return err
	})
	return
}

// Collectors returns the metrics of this tank for registration. Tanks
// with distinct names can share a registry.
func (t *Tank) Collectors() []prometheus.Collector {
	collectors := append(t.logMetrics.Collectors(), t.indexMetrics.Collectors()...)
	storeLabels := func(store string) prometheus.Labels {
		labels := t.opts.labels()
		labels["store"] = store
		return labels
	}
	return append(collectors,
		NewPebbleCollector(t.log.Database(), storeLabels("log")),
		NewPebbleCollector(t.index, storeLabels("index")),
	)
}
