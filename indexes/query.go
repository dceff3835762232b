package indexes

import (
	"bytes"
	"fmt"
	"iter"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/tank/applog"
	"github.com/drpcorg/tank/codec"
	"github.com/drpcorg/tank/keys"
	"github.com/drpcorg/tank/tank_errors"
	"github.com/drpcorg/tank/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Query answers index lookups from snapshots of the index store. It is safe
// for concurrent use and never waits for the worker.
type Query struct {
	db    *pebble.DB
	log   *applog.Log
	types types.Service
}

func NewQuery(db *pebble.DB, log *applog.Log, svc types.Service) *Query {
	if svc == nil {
		svc = types.NewRegistry()
	}
	return &Query{db: db, log: log, types: svc}
}

type Item[T any] struct {
	Offset uint64
	Value  T
}

// Cursor walks query results in index order: by value, then by offset.
// It owns a snapshot until it is exhausted or closed.
type Cursor[T any] struct {
	snap    *pebble.Snapshot
	it      *pebble.Iterator
	prefix  []byte
	decode  func(key, val []byte) (T, bool, error)
	item    Item[T]
	err     error
	started bool
	done    bool
}

func (c *Cursor[T]) Next() bool {
	if c.done {
		return false
	}
	for {
		var valid bool
		if !c.started {
			c.started = true
			valid = c.it.SeekGE(c.prefix)
		} else {
			valid = c.it.Next()
		}
		if !valid || !bytes.HasPrefix(c.it.Key(), c.prefix) {
			c.err = c.it.Error()
			c.Close()
			return false
		}
		key := c.it.Key()
		val, ok, err := c.decode(key, c.it.Value())
		if err != nil {
			c.err = err
			c.Close()
			return false
		}
		if ok {
			c.item = Item[T]{Offset: entryKeyOffset(key), Value: val}
			return true
		}
	}
}

func (c *Cursor[T]) Item() Item[T] {
	return c.item
}

func (c *Cursor[T]) Err() error {
	return c.err
}

// Close releases the snapshot. It is safe to call more than once.
func (c *Cursor[T]) Close() error {
	if c.done {
		return nil
	}
	c.done = true
	err := c.it.Close()
	if serr := c.snap.Close(); err == nil {
		err = serr
	}
	return err
}

// All iterates the remaining results as (offset, value) pairs and closes
// the cursor. Check Err afterwards.
func (c *Cursor[T]) All() iter.Seq2[uint64, T] {
	return func(yield func(uint64, T) bool) {
		defer c.Close()
		for c.Next() {
			if !yield(c.item.Offset, c.item.Value) {
				return
			}
		}
	}
}

func (c *Cursor[T]) Collect() ([]Item[T], error) {
	defer c.Close()
	var items []Item[T]
	for c.Next() {
		items = append(items, c.item)
	}
	return items, c.err
}

type plan struct {
	snap   *pebble.Snapshot
	defs   map[uuid.UUID]IndexDef
	def    IndexDef
	prefix []byte
	// set for exact lookups of hashed long strings
	long *string
}

func (q *Query) plan(propname string, value any, exact bool) (*plan, error) {
	snap := q.db.NewSnapshot()
	p, err := q.planOn(snap, propname, value, exact)
	if err != nil {
		_ = snap.Close()
		return nil, err
	}
	return p, nil
}

func (q *Query) planOn(snap *pebble.Snapshot, propname string, value any, exact bool) (*plan, error) {
	defs, err := loadDefs(snap)
	if err != nil {
		return nil, err
	}
	p := &plan{snap: snap, defs: defs}
	found := false
	for _, def := range defs {
		if def.Propname == propname {
			p.def, found = def, true
			break
		}
	}
	if !found {
		return nil, errors.Wrapf(tank_errors.ErrNoSuchIndex, "index %q", propname)
	}
	p.prefix = entryPrefix(p.def.Iid)
	if value == nil {
		return p, nil
	}
	norm, err := q.types.Normalize(p.def.Syntype, value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tank_errors.ErrInvalidArgument, err)
	}
	p.prefix, err = keys.Append(p.prefix, norm, !exact)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tank_errors.ErrInvalidArgument, err)
	}
	if s, ok := norm.(string); ok && exact && keys.IsLong(s) {
		p.long = &s
	}
	return p, nil
}

func openCursor[T any](p *plan, decode func(key, val []byte) (T, bool, error)) (*Cursor[T], error) {
	it, err := p.snap.NewIter(&pebble.IterOptions{
		LowerBound: p.prefix,
		UpperBound: keys.PrefixEnd(p.prefix),
	})
	if err != nil {
		_ = p.snap.Close()
		return nil, errors.Wrap(err, "index iterator")
	}
	if p.long != nil {
		inner, want := decode, *p.long
		decode = func(key, val []byte) (T, bool, error) {
			var zero T
			norm, err := codec.Unmarshal(val)
			if err != nil {
				return zero, false, errors.Wrapf(err, "decode entry at %d", entryKeyOffset(key))
			}
			if norm != want {
				return zero, false, nil
			}
			return inner(key, val)
		}
	}
	return &Cursor[T]{snap: p.snap, it: it, prefix: p.prefix, decode: decode}, nil
}

// QueryNormValues yields (offset, normalized value) for index propname.
// A nil value walks the whole index; otherwise value is normalized with the
// index type and matched exactly or as a prefix.
func (q *Query) QueryNormValues(propname string, value any, exact bool) (*Cursor[any], error) {
	p, err := q.plan(propname, value, exact)
	if err != nil {
		return nil, err
	}
	return openCursor(p, func(key, val []byte) (any, bool, error) {
		norm, err := codec.Unmarshal(val)
		if err != nil {
			return nil, false, errors.Wrapf(err, "decode entry at %d", entryKeyOffset(key))
		}
		return norm, true, nil
	})
}

// QueryNormRecords yields, per matching record, the normalized values of
// every active index that has an entry for it.
func (q *Query) QueryNormRecords(propname string, value any, exact bool) (*Cursor[map[string]any], error) {
	p, err := q.plan(propname, value, exact)
	if err != nil {
		return nil, err
	}
	return openCursor(p, func(key, _ []byte) (map[string]any, bool, error) {
		rec, err := p.record(entryKeyOffset(key))
		return rec, err == nil, err
	})
}

// QueryRows yields the raw msgpack bytes of matching records.
func (q *Query) QueryRows(propname string, value any, exact bool) (*Cursor[[]byte], error) {
	p, err := q.plan(propname, value, exact)
	if err != nil {
		return nil, err
	}
	return openCursor(p, func(key, _ []byte) ([]byte, bool, error) {
		row, err := q.log.Row(entryKeyOffset(key))
		if err != nil {
			return nil, false, err
		}
		return row, row != nil, nil
	})
}

// record gathers the normalized values stored for off by active indices.
func (p *plan) record(off uint64) (map[string]any, error) {
	prefix := reversePrefix(off)
	it, err := p.snap.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keys.PrefixEnd(prefix),
	})
	if err != nil {
		return nil, errors.Wrap(err, "reverse index iterator")
	}
	defer it.Close()
	rec := make(map[string]any)
	for valid := it.First(); valid; valid = it.Next() {
		key := it.Key()
		if len(key) != len(prefix)+IidLen {
			return nil, errors.Wrapf(tank_errors.ErrCorruptStorage, "reverse key %x", key)
		}
		iid := reverseKeyIid(key)
		def, ok := p.defs[iid]
		if !ok {
			continue
		}
		val, closer, err := p.snap.Get(entryKey(iid, it.Value(), off))
		if err == pebble.ErrNotFound {
			return nil, errors.Wrapf(tank_errors.ErrCorruptStorage, "index %q lost entry for %d", def.Propname, off)
		}
		if err != nil {
			return nil, err
		}
		norm, err := codec.Unmarshal(val)
		_ = closer.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "decode entry at %d", off)
		}
		rec[def.Propname] = norm
	}
	return rec, it.Error()
}
