package bolt

import (
	"encoding/binary"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/rr-blacklist/internal/engine/domain"
	"github.com/haukened/rr-blacklist/internal/engine/gateways/wire"
	"github.com/haukened/rr-blacklist/internal/engine/repos/blacklist"
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketMeta      = []byte("meta")
)

// record is the persisted form of one blacklist.
type record struct {
	Name              string       `cbor:"name"`
	ModificationCount uint64       `cbor:"modification_count"`
	Entries           []wire.Entry `cbor:"entries"`
}

// boltStore implements blacklist.Store using bbolt. Each blacklist is one
// CBOR record in the snapshots bucket; the meta bucket holds its count and
// last update time so a stale write can be detected without decoding.
type boltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// New opens (or creates) a Bolt database at path and ensures buckets exist.
func New(path string) (blacklist.Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSnapshots); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStore{db: db, now: time.Now}, nil
}

func (s *boltStore) Close() error { return s.db.Close() }

func (s *boltStore) Load(name string) (domain.Snapshot, bool, error) {
	var rec record
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(name))
		if v == nil {
			return nil
		}
		found = true
		return wire.Unmarshal(v, &rec)
	})
	if err != nil || !found {
		return domain.Snapshot{}, false, err
	}
	entries, err := wire.ToEntries(rec.Entries)
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("decoding %s: %w", name, err)
	}
	return domain.Snapshot{Name: name, ModificationCount: rec.ModificationCount, Entries: entries}, true, nil
}

// Save writes snap unless the stored record has a higher count.
func (s *boltStore) Save(snap domain.Snapshot) error {
	data, err := wire.Marshal(record{
		Name:              snap.Name,
		ModificationCount: snap.ModificationCount,
		Entries:           wire.FromEntries(snap.Entries),
	})
	if err != nil {
		return err
	}
	key := []byte(snap.Name)
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(key); len(v) == 16 && binary.BigEndian.Uint64(v[:8]) > snap.ModificationCount {
			return nil
		}
		if err := tx.Bucket(bucketSnapshots).Put(key, data); err != nil {
			return err
		}
		buf := make([]byte, 16)
		binary.BigEndian.PutUint64(buf[:8], snap.ModificationCount)
		binary.BigEndian.PutUint64(buf[8:], uint64(s.now().Unix()))
		return meta.Put(key, buf)
	})
}

func (s *boltStore) Names() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

var _ blacklist.Store = (*boltStore)(nil)
