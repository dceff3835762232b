package indexes

import (
	"bytes"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/tank/datapath"
	"github.com/drpcorg/tank/keys"
	"github.com/drpcorg/tank/tank_errors"
	"github.com/drpcorg/tank/toytlv"
	"github.com/drpcorg/tank/types"
	"github.com/drpcorg/tank/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// IndexDef is the persistent definition of one index.
type IndexDef struct {
	Iid       uuid.UUID
	Propname  string
	Syntype   string
	Datapaths []string
}

func (d IndexDef) Encode() []byte {
	parts := [][]byte{
		toytlv.Record('I', d.Iid[:]),
		toytlv.Record('N', []byte(d.Propname)),
		toytlv.Record('S', []byte(d.Syntype)),
	}
	for _, path := range d.Datapaths {
		parts = append(parts, toytlv.Record('P', []byte(path)))
	}
	return toytlv.Concat(parts...)
}

func DecodeIndexDef(data []byte) (def IndexDef, err error) {
	lits, bodies, err := toytlv.Fields(data)
	if err != nil {
		return def, errors.Wrap(tank_errors.ErrCorruptStorage, err.Error())
	}
	var hasIid, hasName, hasType bool
	for i, lit := range lits {
		body := bodies[i]
		switch lit {
		case 'I':
			if len(body) != IidLen {
				return def, errors.Wrapf(tank_errors.ErrCorruptStorage, "iid of %d bytes", len(body))
			}
			copy(def.Iid[:], body)
			hasIid = true
		case 'N':
			def.Propname = string(body)
			hasName = true
		case 'S':
			def.Syntype = string(body)
			hasType = true
		case 'P':
			def.Datapaths = append(def.Datapaths, string(body))
		}
	}
	if !hasIid || !hasName || !hasType || len(def.Datapaths) == 0 {
		return def, errors.Wrap(tank_errors.ErrCorruptStorage, "incomplete index definition")
	}
	return def, nil
}

// Progress is how far an index has scanned the log. NextOffset counts
// every record looked at; NGood and NNormFail count the ones that produced
// an entry or failed normalization.
type Progress struct {
	NextOffset uint64
	NGood      uint64
	NNormFail  uint64
}

const progressLen = 24

func (p Progress) Encode() []byte {
	buf := make([]byte, 0, progressLen)
	buf = keys.AppendUint(buf, p.NextOffset)
	buf = keys.AppendUint(buf, p.NGood)
	return keys.AppendUint(buf, p.NNormFail)
}

func DecodeProgress(data []byte) (Progress, error) {
	if len(data) != progressLen {
		return Progress{}, errors.Wrapf(tank_errors.ErrCorruptStorage, "progress of %d bytes", len(data))
	}
	return Progress{
		NextOffset: keys.Uint[uint64](data[0:8]),
		NGood:      keys.Uint[uint64](data[8:16]),
		NNormFail:  keys.Uint[uint64](data[16:24]),
	}, nil
}

type IndexInfo struct {
	IndexDef
	Progress
	Paused bool
	// records not scanned yet
	Lag uint64
}

// Metadata holds the index definitions, their progress and the deleting
// set. It writes through to the index store; everything but the paused set
// must be used from one goroutine.
type Metadata struct {
	db     *pebble.DB
	types  types.Service
	paths  datapath.Extractor
	logger utils.Logger

	defs     map[uuid.UUID]IndexDef
	names    map[string]uuid.UUID
	progress map[uuid.UUID]Progress
	deleting map[uuid.UUID]struct{}
	paused   *xsync.MapOf[uuid.UUID, struct{}]

	newIid func() (uuid.UUID, error)
}

// NewIid returns a random 16-byte index id.
func NewIid() (uuid.UUID, error) {
	return uuid.NewRandom()
}

func scanMeta(r pebble.Reader, prefix []byte, each func(iid uuid.UUID, val []byte) error) error {
	it, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keys.PrefixEnd(prefix),
	})
	if err != nil {
		return errors.Wrap(err, "index metadata iterator")
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		key := it.Key()
		if len(key) != len(prefix)+IidLen {
			return errors.Wrapf(tank_errors.ErrCorruptStorage, "metadata key %x", key)
		}
		if err := each(metaKeyIid(key), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

// loadDefs reads all active definitions visible to r.
func loadDefs(r pebble.Reader) (map[uuid.UUID]IndexDef, error) {
	defs := make(map[uuid.UUID]IndexDef)
	err := scanMeta(r, defPrefix, func(iid uuid.UUID, val []byte) error {
		def, err := DecodeIndexDef(val)
		if err != nil {
			return err
		}
		if def.Iid != iid {
			return errors.Wrapf(tank_errors.ErrCorruptStorage, "index %s stored under %s", def.Iid, iid)
		}
		defs[iid] = def
		return nil
	})
	return defs, err
}

func LoadMetadata(db *pebble.DB, svc types.Service, paths datapath.Extractor, logger utils.Logger) (*Metadata, error) {
	m := &Metadata{
		db:       db,
		types:    svc,
		paths:    paths,
		logger:   utils.OrDefault(logger),
		names:    make(map[string]uuid.UUID),
		progress: make(map[uuid.UUID]Progress),
		deleting: make(map[uuid.UUID]struct{}),
		paused:   xsync.NewMapOf[uuid.UUID, struct{}](),
		newIid:   NewIid,
	}
	var err error
	if m.defs, err = loadDefs(db); err != nil {
		return nil, err
	}
	for iid, def := range m.defs {
		if other, ok := m.names[def.Propname]; ok {
			return nil, errors.Wrapf(tank_errors.ErrCorruptStorage, "indices %s and %s share name %q", iid, other, def.Propname)
		}
		m.names[def.Propname] = iid
	}
	err = scanMeta(db, progressPrefix, func(iid uuid.UUID, val []byte) error {
		if _, ok := m.defs[iid]; !ok {
			return errors.Wrapf(tank_errors.ErrCorruptStorage, "progress without index %s", iid)
		}
		p, err := DecodeProgress(val)
		m.progress[iid] = p
		return err
	})
	if err != nil {
		return nil, err
	}
	for iid := range m.defs {
		if _, ok := m.progress[iid]; !ok {
			return nil, errors.Wrapf(tank_errors.ErrCorruptStorage, "index %s has no progress", iid)
		}
	}
	err = scanMeta(db, deletingPrefix, func(iid uuid.UUID, _ []byte) error {
		if _, ok := m.defs[iid]; ok {
			return errors.Wrapf(tank_errors.ErrCorruptStorage, "index %s is active and deleting", iid)
		}
		m.deleting[iid] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that no index claims records the log does not have.
func (m *Metadata) Validate(logLen uint64) error {
	for iid, p := range m.progress {
		if p.NextOffset > logLen {
			return errors.Wrapf(tank_errors.ErrCorruptStorage,
				"index %q scanned to %d, log has %d records", m.defs[iid].Propname, p.NextOffset, logLen)
		}
	}
	return nil
}

func (m *Metadata) commit(batch *pebble.Batch) error {
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "commit index metadata")
	}
	return nil
}

func (m *Metadata) AddIndex(propname, syntype string, datapaths []string) (IndexDef, error) {
	if propname == "" {
		return IndexDef{}, errors.Wrap(tank_errors.ErrInvalidArgument, "empty index name")
	}
	if _, ok := m.names[propname]; ok {
		return IndexDef{}, errors.Wrapf(tank_errors.ErrDuplicateIndex, "index %q", propname)
	}
	if !m.types.Has(syntype) {
		return IndexDef{}, fmt.Errorf("%w: %w %q", tank_errors.ErrInvalidArgument, tank_errors.ErrUnknownType, syntype)
	}
	if len(datapaths) == 0 {
		return IndexDef{}, errors.Wrap(tank_errors.ErrInvalidArgument, "index needs a datapath")
	}
	for _, path := range datapaths {
		if err := m.paths.Compile(path); err != nil {
			return IndexDef{}, err
		}
	}
	iid, err := m.freshIid()
	if err != nil {
		return IndexDef{}, err
	}
	def := IndexDef{
		Iid:       iid,
		Propname:  propname,
		Syntype:   syntype,
		Datapaths: slices.Clone(datapaths),
	}
	batch := m.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(defKey(iid), def.Encode(), nil); err != nil {
		return IndexDef{}, err
	}
	if err := batch.Set(progressKey(iid), Progress{}.Encode(), nil); err != nil {
		return IndexDef{}, err
	}
	if err := m.commit(batch); err != nil {
		return IndexDef{}, err
	}
	m.defs[iid] = def
	m.names[propname] = iid
	m.progress[iid] = Progress{}
	return def, nil
}

// freshIid picks an iid unused by both active and deleting indices.
func (m *Metadata) freshIid() (uuid.UUID, error) {
	for {
		iid, err := m.newIid()
		if err != nil {
			return uuid.Nil, errors.Wrap(err, "generate index id")
		}
		_, active := m.defs[iid]
		_, deleting := m.deleting[iid]
		if !active && !deleting && iid != uuid.Nil {
			return iid, nil
		}
	}
}

// DelIndex drops the definition and progress and moves the iid to the
// deleting set; its entries are purged later.
func (m *Metadata) DelIndex(propname string) error {
	iid, ok := m.names[propname]
	if !ok {
		return errors.Wrapf(tank_errors.ErrNoSuchIndex, "index %q", propname)
	}
	batch := m.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(defKey(iid), nil); err != nil {
		return err
	}
	if err := batch.Delete(progressKey(iid), nil); err != nil {
		return err
	}
	if err := batch.Set(deletingKey(iid), nil, nil); err != nil {
		return err
	}
	if err := m.commit(batch); err != nil {
		return err
	}
	delete(m.defs, iid)
	delete(m.names, propname)
	delete(m.progress, iid)
	m.paused.Delete(iid)
	m.deleting[iid] = struct{}{}
	return nil
}

// selected resolves propname, or every active index when it is empty.
func (m *Metadata) selected(propname string) ([]uuid.UUID, error) {
	if propname == "" {
		iids := make([]uuid.UUID, 0, len(m.defs))
		for iid := range m.defs {
			iids = append(iids, iid)
		}
		return iids, nil
	}
	iid, ok := m.names[propname]
	if !ok {
		return nil, errors.Wrapf(tank_errors.ErrNoSuchIndex, "index %q", propname)
	}
	return []uuid.UUID{iid}, nil
}

func (m *Metadata) PauseIndex(propname string) error {
	iids, err := m.selected(propname)
	for _, iid := range iids {
		m.paused.Store(iid, struct{}{})
	}
	return err
}

func (m *Metadata) ResumeIndex(propname string) error {
	iids, err := m.selected(propname)
	for _, iid := range iids {
		m.paused.Delete(iid)
	}
	return err
}

func (m *Metadata) IsPaused(iid uuid.UUID) bool {
	_, ok := m.paused.Load(iid)
	return ok
}

// LowestProgress is the smallest nextoffset among active, non-paused
// indices, math.MaxUint64 if there are none.
func (m *Metadata) LowestProgress() uint64 {
	lowest := uint64(math.MaxUint64)
	for iid, p := range m.progress {
		if !m.IsPaused(iid) && p.NextOffset < lowest {
			lowest = p.NextOffset
		}
	}
	return lowest
}

// MarkDeleteComplete removes iid from the deleting set once its entries
// are gone.
func (m *Metadata) MarkDeleteComplete(iid uuid.UUID) error {
	if _, ok := m.deleting[iid]; !ok {
		return nil
	}
	if err := m.db.Delete(deletingKey(iid), pebble.Sync); err != nil {
		return errors.Wrapf(err, "clear deleting index %s", iid)
	}
	delete(m.deleting, iid)
	return nil
}

func (m *Metadata) Lookup(propname string) (IndexDef, bool) {
	iid, ok := m.names[propname]
	if !ok {
		return IndexDef{}, false
	}
	return m.defs[iid], true
}

func (m *Metadata) Progress(iid uuid.UUID) (Progress, bool) {
	p, ok := m.progress[iid]
	return p, ok
}

// checkProgress compares the stored progress of iid with the one in memory.
// Anything but an exact match means the store changed under the worker.
func (m *Metadata) checkProgress(iid uuid.UUID) error {
	val, closer, err := m.db.Get(progressKey(iid))
	if errors.Is(err, pebble.ErrNotFound) {
		return errors.Wrapf(tank_errors.ErrCorruptStorage, "index %s lost its progress", iid)
	}
	if err != nil {
		return errors.Wrapf(err, "read progress of %s", iid)
	}
	stored, err := DecodeProgress(val)
	_ = closer.Close()
	if err != nil {
		return errors.Wrapf(err, "index %s", iid)
	}
	if stored != m.progress[iid] {
		return errors.Wrapf(tank_errors.ErrCorruptStorage,
			"index %s progress is %d in store, %d in memory", iid, stored.NextOffset, m.progress[iid].NextOffset)
	}
	return nil
}

// setProgress updates memory only; the caller has committed p already.
func (m *Metadata) setProgress(iid uuid.UUID, p Progress) {
	if _, ok := m.defs[iid]; ok {
		m.progress[iid] = p
	}
}

// Scannable lists active, non-paused indices ordered by name.
func (m *Metadata) Scannable() []IndexDef {
	defs := make([]IndexDef, 0, len(m.defs))
	for iid, def := range m.defs {
		if !m.IsPaused(iid) {
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Propname < defs[j].Propname
	})
	return defs
}

func (m *Metadata) Deleting() []uuid.UUID {
	iids := make([]uuid.UUID, 0, len(m.deleting))
	for iid := range m.deleting {
		iids = append(iids, iid)
	}
	sort.Slice(iids, func(i, j int) bool {
		return bytes.Compare(iids[i][:], iids[j][:]) < 0
	})
	return iids
}

// Indices describes every active index, ordered by name.
func (m *Metadata) Indices(logLen uint64) []IndexInfo {
	infos := make([]IndexInfo, 0, len(m.defs))
	for iid, def := range m.defs {
		p := m.progress[iid]
		info := IndexInfo{
			IndexDef: def,
			Progress: p,
			Paused:   m.IsPaused(iid),
		}
		if logLen > p.NextOffset {
			info.Lag = logLen - p.NextOffset
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Propname < infos[j].Propname
	})
	return infos
}
