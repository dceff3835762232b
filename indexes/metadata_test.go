package indexes

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/tank/datapath"
	"github.com/drpcorg/tank/tank_errors"
	"github.com/drpcorg/tank/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func openIndexDB(t *testing.T, dir string) *pebble.DB {
	db, err := pebble.Open(filepath.Join(dir, "index"), &pebble.Options{})
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return db
}

func loadMeta(t *testing.T, db *pebble.DB) *Metadata {
	m, err := LoadMetadata(db, types.NewRegistry(), datapath.NewJSONPath(0), nil)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return m
}

func TestIndexDef_EncodeDecode(t *testing.T) {
	def := IndexDef{
		Iid:       uuid.New(),
		Propname:  "first",
		Syntype:   "int",
		Datapaths: []string{"foo", "$.bar[0]"},
	}
	def2, err := DecodeIndexDef(def.Encode())
	assert.NoError(t, err)
	assert.Equal(t, def, def2)

	_, err = DecodeIndexDef(IndexDef{Iid: def.Iid, Propname: "x", Syntype: "int"}.Encode())
	assert.ErrorIs(t, err, tank_errors.ErrCorruptStorage)
	_, err = DecodeIndexDef([]byte{'I', 0xff})
	assert.ErrorIs(t, err, tank_errors.ErrCorruptStorage)
}

func TestProgress_EncodeDecode(t *testing.T) {
	p := Progress{NextOffset: 10, NGood: 7, NNormFail: 2}
	p2, err := DecodeProgress(p.Encode())
	assert.NoError(t, err)
	assert.Equal(t, p, p2)

	_, err = DecodeProgress([]byte{1, 2, 3})
	assert.ErrorIs(t, err, tank_errors.ErrCorruptStorage)
}

func TestMetadata_AddDelReload(t *testing.T) {
	dir := t.TempDir()
	db := openIndexDB(t, dir)
	m := loadMeta(t, db)

	first, err := m.AddIndex("first", "int", []string{"foo"})
	assert.NoError(t, err)
	_, err = m.AddIndex("second", "str", []string{"bar", "baz"})
	assert.NoError(t, err)

	_, err = m.AddIndex("first", "str", []string{"bar"})
	assert.ErrorIs(t, err, tank_errors.ErrDuplicateIndex)
	_, err = m.AddIndex("third", "nope", []string{"bar"})
	assert.ErrorIs(t, err, tank_errors.ErrInvalidArgument)
	assert.ErrorIs(t, err, tank_errors.ErrUnknownType)
	_, err = m.AddIndex("third", "int", nil)
	assert.ErrorIs(t, err, tank_errors.ErrInvalidArgument)
	_, err = m.AddIndex("", "int", []string{"foo"})
	assert.ErrorIs(t, err, tank_errors.ErrInvalidArgument)

	assert.ErrorIs(t, m.DelIndex("nope"), tank_errors.ErrNoSuchIndex)
	assert.NoError(t, m.DelIndex("first"))
	assert.Equal(t, []uuid.UUID{first.Iid}, m.Deleting())

	again, err := m.AddIndex("first", "int", []string{"foo"})
	assert.NoError(t, err)
	assert.NotEqual(t, first.Iid, again.Iid)
	assert.NoError(t, db.Close())

	db = openIndexDB(t, dir)
	defer db.Close()
	m = loadMeta(t, db)
	infos := m.Indices(0)
	assert.Equal(t, 2, len(infos))
	assert.Equal(t, "first", infos[0].Propname)
	assert.Equal(t, again.Iid, infos[0].Iid)
	assert.Equal(t, []string{"bar", "baz"}, infos[1].Datapaths)
	assert.Equal(t, []uuid.UUID{first.Iid}, m.Deleting())

	assert.NoError(t, m.MarkDeleteComplete(first.Iid))
	assert.Empty(t, m.Deleting())
	_, closer, err := db.Get(deletingKey(first.Iid))
	assert.ErrorIs(t, err, pebble.ErrNotFound)
	if closer != nil {
		closer.Close()
	}
}

func TestMetadata_FreshIidSkipsTaken(t *testing.T) {
	db := openIndexDB(t, t.TempDir())
	defer db.Close()
	m := loadMeta(t, db)

	taken := uuid.New()
	fresh := uuid.New()
	seq := []uuid.UUID{taken, taken, uuid.Nil, fresh}
	m.newIid = func() (uuid.UUID, error) {
		id := seq[0]
		seq = seq[1:]
		return id, nil
	}
	def, err := m.AddIndex("a", "int", []string{"a"})
	assert.NoError(t, err)
	assert.Equal(t, taken, def.Iid)
	assert.NoError(t, m.DelIndex("a"))

	def, err = m.AddIndex("b", "int", []string{"b"})
	assert.NoError(t, err)
	assert.Equal(t, fresh, def.Iid)
}

func TestMetadata_PauseAndLowestProgress(t *testing.T) {
	db := openIndexDB(t, t.TempDir())
	defer db.Close()
	m := loadMeta(t, db)

	assert.Equal(t, uint64(math.MaxUint64), m.LowestProgress())
	a, _ := m.AddIndex("a", "int", []string{"a"})
	b, _ := m.AddIndex("b", "int", []string{"b"})
	m.setProgress(a.Iid, Progress{NextOffset: 5})
	m.setProgress(b.Iid, Progress{NextOffset: 9})
	assert.Equal(t, uint64(5), m.LowestProgress())

	assert.NoError(t, m.PauseIndex("a"))
	assert.Equal(t, uint64(9), m.LowestProgress())
	assert.Equal(t, 1, len(m.Scannable()))

	assert.NoError(t, m.PauseIndex(""))
	assert.Equal(t, uint64(math.MaxUint64), m.LowestProgress())
	assert.Empty(t, m.Scannable())
	assert.ErrorIs(t, m.PauseIndex("c"), tank_errors.ErrNoSuchIndex)

	assert.NoError(t, m.ResumeIndex("b"))
	assert.Equal(t, uint64(9), m.LowestProgress())
	assert.NoError(t, m.ResumeIndex(""))
	assert.Equal(t, uint64(5), m.LowestProgress())

	infos := m.Indices(12)
	assert.Equal(t, uint64(7), infos[0].Lag)
	assert.Equal(t, uint64(3), infos[1].Lag)
	assert.False(t, infos[0].Paused)
}

func TestMetadata_Corrupt(t *testing.T) {
	dir := t.TempDir()
	db := openIndexDB(t, dir)
	m := loadMeta(t, db)
	def, err := m.AddIndex("a", "int", []string{"a"})
	assert.NoError(t, err)

	assert.NoError(t, m.Validate(0))
	m.setProgress(def.Iid, Progress{NextOffset: 3})
	assert.ErrorIs(t, m.Validate(2), tank_errors.ErrCorruptStorage)

	assert.NoError(t, db.Delete(progressKey(def.Iid), pebble.Sync))
	_, err = LoadMetadata(db, types.NewRegistry(), datapath.NewJSONPath(0), nil)
	assert.ErrorIs(t, err, tank_errors.ErrCorruptStorage)

	assert.NoError(t, db.Set(progressKey(def.Iid), Progress{}.Encode(), pebble.Sync))
	assert.NoError(t, db.Set(deletingKey(def.Iid), nil, pebble.Sync))
	_, err = LoadMetadata(db, types.NewRegistry(), datapath.NewJSONPath(0), nil)
	assert.ErrorIs(t, err, tank_errors.ErrCorruptStorage)

	assert.NoError(t, db.Delete(deletingKey(def.Iid), pebble.Sync))
	assert.NoError(t, db.Set(defKey(def.Iid), []byte("garbage"), pebble.Sync))
	_, err = LoadMetadata(db, types.NewRegistry(), datapath.NewJSONPath(0), nil)
	assert.ErrorIs(t, err, tank_errors.ErrCorruptStorage)
	assert.NoError(t, db.Close())
}
