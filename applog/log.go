// Package applog is the durable append log of a tank: an offset-addressed
// sequence of msgpack records plus one metrics entry per put batch, both
// kept in a single Pebble store.
//
// Key layout:
//
//	'R' + u64be(offset)        -> record
//	'T' + u64be(metricsOffset) -> MetricsEntry
package applog

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/tank/codec"
	"github.com/drpcorg/tank/keys"
	"github.com/drpcorg/tank/utils"
	"github.com/pkg/errors"
)

const (
	recordPrefix  = 'R'
	metricsPrefix = 'T'
)

type Options struct {
	Logger utils.Logger
	// Cache is shared with the index store when set.
	Cache *pebble.Cache
	// NewMetrics(nil) when unset.
	Metrics *Metrics
}

// MetricsEntry describes one put batch.
type MetricsEntry struct {
	Time  int64   `msgpack:"time"` // unix millis at commit
	Count int     `msgpack:"count"`
	Size  int     `msgpack:"size"`
	Took  float64 `msgpack:"took"` // seconds
}

type Row struct {
	Offset uint64
	Value  []byte
}

type Entry struct {
	Offset uint64
	Item   any
}

type MetricsRow struct {
	Offset uint64
	MetricsEntry
}

type StorageStats struct {
	DiskUsage    uint64
	MemTableSize uint64
	AvgPutTook   float64
}

type Info struct {
	RecordCount  uint64
	MetricsCount uint64
	Storage      StorageStats
}

type Log struct {
	db     *pebble.DB
	logger utils.Logger

	metrics *Metrics

	wlock       sync.Mutex
	next        atomic.Uint64
	nextMetrics atomic.Uint64
	took        utils.AvgVal

	// single consumer: the index worker
	wake chan struct{}
}

var WriteOptions = pebble.Sync

func recordKey(off uint64) []byte {
	return keys.AppendOffset([]byte{recordPrefix}, off)
}

func metricsKey(off uint64) []byte {
	return keys.AppendOffset([]byte{metricsPrefix}, off)
}

func Open(dir string, opts Options) (*Log, error) {
	popts := &pebble.Options{Cache: opts.Cache}
	db, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, errors.Wrapf(err, "open append log %s", dir)
	}
	l := &Log{
		db:      db,
		logger:  utils.OrDefault(opts.Logger),
		metrics: opts.Metrics,
		wake:    make(chan struct{}, 1),
	}
	if l.metrics == nil {
		l.metrics = NewMetrics(nil)
	}
	next, err := l.scanNext(recordPrefix)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	l.next.Store(next)
	nextMetrics, err := l.scanNext(metricsPrefix)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	l.nextMetrics.Store(nextMetrics)
	l.logger.Debug("append log open", "dir", dir, "records", next, "metrics", nextMetrics)
	return l, nil
}

// scanNext finds the offset following the last key under prefix.
func (l *Log) scanNext(prefix byte) (uint64, error) {
	it, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefix},
		UpperBound: []byte{prefix + 1},
	})
	if err != nil {
		return 0, errors.Wrap(err, "append log iterator")
	}
	defer it.Close()
	if !it.Last() {
		return 0, it.Error()
	}
	return keys.Offset(it.Key()[1:]) + 1, nil
}

func (l *Log) Database() *pebble.DB {
	return l.db
}

// Wake fires after every committed put. Only one consumer may read it.
func (l *Log) Wake() <-chan struct{} {
	return l.wake
}

// Len is the number of records ever put, i.e. the next offset.
func (l *Log) Len() uint64 {
	return l.next.Load()
}

// Put appends items as one batch and returns the offset of the first one.
// An empty put writes nothing and returns the current length.
func (l *Log) Put(items []any) (uint64, error) {
	start := time.Now()
	encoded := make([][]byte, len(items))
	size := 0
	for i, item := range items {
		data, err := codec.Marshal(item)
		if err != nil {
			return 0, errors.Wrapf(err, "encode item %d", i)
		}
		encoded[i] = data
		size += len(data)
	}

	l.wlock.Lock()
	defer l.wlock.Unlock()
	first := l.next.Load()
	if len(items) == 0 {
		return first, nil
	}

	batch := l.db.NewBatch()
	defer batch.Close()
	for i, data := range encoded {
		if err := batch.Set(recordKey(first+uint64(i)), data, nil); err != nil {
			return 0, errors.Wrap(err, "append record")
		}
	}
	took := time.Since(start)
	entry := MetricsEntry{
		Time:  time.Now().UnixMilli(),
		Count: len(items),
		Size:  size,
		Took:  took.Seconds(),
	}
	mdata, err := codec.Marshal(&entry)
	if err != nil {
		return 0, errors.Wrap(err, "encode metrics entry")
	}
	moff := l.nextMetrics.Load()
	if err := batch.Set(metricsKey(moff), mdata, nil); err != nil {
		return 0, errors.Wrap(err, "append metrics entry")
	}
	if err := batch.Commit(WriteOptions); err != nil {
		return 0, errors.Wrap(err, "commit put batch")
	}
	l.next.Store(first + uint64(len(items)))
	l.nextMetrics.Store(moff + 1)

	l.took.AddDuration(time.Since(start))
	l.metrics.PutBatches.Inc()
	l.metrics.PutItems.Add(float64(len(items)))
	l.metrics.PutBytes.Add(float64(size))
	l.metrics.PutDuration.Observe(time.Since(start).Seconds())

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return first, nil
}

// Last returns the highest-offset record; ok is false on an empty log.
func (l *Log) Last() (entry Entry, ok bool, err error) {
	n := l.Len()
	if n == 0 {
		return Entry{}, false, nil
	}
	entries, err := l.Slice(n-1, 1)
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	return entries[0], true, nil
}

// Row returns the raw bytes of one record, nil if there is none.
func (l *Log) Row(off uint64) ([]byte, error) {
	val, closer, err := l.db.Get(recordKey(off))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get record %d", off)
	}
	defer closer.Close()
	return append([]byte{}, val...), nil
}

func (l *Log) scan(prefix byte, off uint64, upper []byte, size int, each func(off uint64, val []byte) error) error {
	it, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: keys.AppendOffset([]byte{prefix}, off),
		UpperBound: upper,
	})
	if err != nil {
		return errors.Wrap(err, "append log iterator")
	}
	defer it.Close()
	n := 0
	for valid := it.First(); valid && (size <= 0 || n < size); valid = it.Next() {
		if err := each(keys.Offset(it.Key()[1:]), it.Value()); err != nil {
			return err
		}
		n++
	}
	return it.Error()
}

// Rows returns undecoded records with offsets in [off, off+size).
func (l *Log) Rows(off uint64, size int) ([]Row, error) {
	if size <= 0 {
		return nil, nil
	}
	var upper []byte
	if ceil := off + uint64(size); ceil > off {
		upper = recordKey(ceil)
	} else {
		upper = []byte{recordPrefix + 1}
	}
	rows := make([]Row, 0, min(size, 1024))
	err := l.scan(recordPrefix, off, upper, size, func(o uint64, val []byte) error {
		rows = append(rows, Row{Offset: o, Value: append([]byte{}, val...)})
		return nil
	})
	return rows, err
}

// Slice returns up to size decoded records starting at the first stored
// offset >= off.
func (l *Log) Slice(off uint64, size int) ([]Entry, error) {
	if size <= 0 {
		return nil, nil
	}
	entries := make([]Entry, 0, min(size, 1024))
	err := l.scan(recordPrefix, off, []byte{recordPrefix + 1}, size, func(o uint64, val []byte) error {
		item, err := codec.Unmarshal(val)
		if err != nil {
			return errors.Wrapf(err, "decode record %d", o)
		}
		entries = append(entries, Entry{Offset: o, Item: item})
		return nil
	})
	return entries, err
}

// Metrics returns put-batch metrics from a metrics offset; size <= 0 means
// all of them.
func (l *Log) Metrics(off uint64, size int) ([]MetricsRow, error) {
	var rows []MetricsRow
	err := l.scan(metricsPrefix, off, []byte{metricsPrefix + 1}, size, func(o uint64, val []byte) error {
		row := MetricsRow{Offset: o}
		if err := codec.UnmarshalInto(val, &row.MetricsEntry); err != nil {
			return errors.Wrapf(err, "decode metrics %d", o)
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

func (l *Log) Info() Info {
	m := l.db.Metrics()
	return Info{
		RecordCount:  l.Len(),
		MetricsCount: l.nextMetrics.Load(),
		Storage: StorageStats{
			DiskUsage:    m.DiskSpaceUsage(),
			MemTableSize: m.MemTable.Size,
			AvgPutTook:   l.took.Val(),
		},
	}
}

func (l *Log) Close() error {
	l.wlock.Lock()
	defer l.wlock.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}
