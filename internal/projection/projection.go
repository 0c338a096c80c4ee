// Package projection implements §4.C: an ordered key->value store with
// MVCC time-travel reads, backed by bbolt and fronted by a small read
// cache. Observable semantics do not depend on the cache being present.
package projection

import (
	"bytes"
	"encoding/binary"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	kvBucket   = []byte("kv")
	metaBucket = []byte("meta")
	appliedKey = []byte("applied_position")
)

// Mutation is one write within a WriteBatch: either a Put or a
// tombstone Delete.
type Mutation struct {
	Key      []byte
	Value    []byte
	IsDelete bool
}

// WriteBatch is a set of key mutations carrying the log offset they
// represent (§4.C). After Apply, AppliedPosition advances to Position.
type WriteBatch struct {
	Position  uint64
	Mutations []Mutation
}

// KV is one row returned from a range scan.
type KV struct {
	Key   []byte
	Value []byte
}

// Store is the projection store handle.
type Store struct {
	db    *bolt.DB
	cache *lru.Cache[string, []byte]
}

// Open opens (creating if necessary) the projection database at path,
// with a read cache of cacheSize entries (0 disables caching).
func Open(path string, cacheSize int) (*Store, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, errors.Wrap(err, "projection: open bbolt db")
	}
	// Durability is governed by explicit Sync calls at checkpoint and
	// rotation boundaries (§4.C sync()), not every transaction commit.
	db.NoSync = true

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(kvBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "projection: init buckets")
	}

	var cache *lru.Cache[string, []byte]
	if cacheSize > 0 {
		cache, err = lru.New[string, []byte](cacheSize)
		if err != nil {
			return nil, err
		}
	}

	return &Store{db: db, cache: cache}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Sync flushes all dirty pages to disk. The page cache is a
// correctness-preserving optimization; calling Sync never changes what
// a subsequent read observes (§4.C).
func (s *Store) Sync() error {
	return s.db.Sync()
}

// AppliedPosition returns the log position through which the store has
// applied writes.
func (s *Store) AppliedPosition() (uint64, error) {
	var pos uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(appliedKey)
		if v != nil {
			pos = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return pos, err
}

// versionedKey builds the composite bbolt key userKey||position. Every
// userKey handed to the store must be prefix-free with respect to every
// other live userKey (guaranteed upstream by the primary-key/index
// encoding's zero-terminator escaping, §6.3) so that no composite key
// of one userKey can collide with another's.
func versionedKey(userKey []byte, position uint64) []byte {
	buf := make([]byte, len(userKey)+8)
	copy(buf, userKey)
	binary.BigEndian.PutUint64(buf[len(userKey):], position)
	return buf
}

// Apply commits a WriteBatch and advances AppliedPosition to
// batch.Position (§4.C).
func (s *Store) Apply(batch WriteBatch) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(kvBucket)
		for _, m := range batch.Mutations {
			vk := versionedKey(m.Key, batch.Position)
			if m.IsDelete {
				if err := b.Put(vk, tombstone); err != nil {
					return err
				}
			} else {
				if err := b.Put(vk, m.Value); err != nil {
					return err
				}
			}
		}
		posBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(posBuf, batch.Position)
		return tx.Bucket(metaBucket).Put(appliedKey, posBuf)
	})
	if err != nil {
		return errors.Wrap(err, "projection: apply write batch")
	}
	if s.cache != nil {
		for _, m := range batch.Mutations {
			s.cache.Remove(string(m.Key))
		}
	}
	return nil
}

// tombstone is a value that can never collide with a real payload
// because real payloads are always produced by the query engine's
// value encoder, which never emits a zero-length slice for a live row.
var tombstone = []byte{}

// Get returns the value visible to a reader at snapshot position
// atPosition, or ok=false if the key has no value at or before that
// position (never written, or deleted).
func (s *Store) Get(key []byte, atPosition uint64) ([]byte, bool, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(string(key)); ok {
			applied, err := s.AppliedPosition()
			if err == nil && atPosition >= applied {
				if v == nil {
					return nil, false, nil
				}
				return v, true, nil
			}
		}
	}

	var result []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(kvBucket).Cursor()
		target := versionedKey(key, atPosition)
		k, v := c.Seek(target)
		if k != nil && bytes.Equal(k, target) {
			result, found = cloneIfLive(v)
			return nil
		}
		k, v = c.Prev()
		if k != nil && len(k) == len(key)+8 && bytes.HasPrefix(k, key) {
			result, found = cloneIfLive(v)
		}
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "projection: get")
	}

	if s.cache != nil {
		applied, aerr := s.AppliedPosition()
		if aerr == nil && atPosition >= applied {
			if found {
				s.cache.Add(string(key), result)
			} else {
				s.cache.Add(string(key), nil)
			}
		}
	}
	return result, found, nil
}

func cloneIfLive(v []byte) ([]byte, bool) {
	if len(v) == 0 {
		return nil, false // tombstone
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// RangeScan returns, for every distinct key in [startKey, endKeyExclusive)
// byte-lexicographic order, its value as of atPosition (skipping keys
// with no live value at that position). Callers convert inclusive upper
// bounds to exclusive via successor() before calling (§6.3).
func (s *Store) RangeScan(startKey, endKeyExclusive []byte, atPosition uint64) ([]KV, error) {
	var out []KV
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(kvBucket).Cursor()

		var groupKey []byte
		var best []byte
		var bestFound bool

		flush := func() {
			if groupKey != nil && bestFound {
				live, ok := cloneIfLive(best)
				if ok {
					out = append(out, KV{Key: append([]byte(nil), groupKey...), Value: live})
				}
			}
		}

		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k, endKeyExclusive) < 0; k, v = c.Next() {
			if len(k) < 8 {
				continue
			}
			uk := k[:len(k)-8]
			pos := binary.BigEndian.Uint64(k[len(k)-8:])

			if groupKey == nil || !bytes.Equal(uk, groupKey) {
				flush()
				groupKey = append([]byte(nil), uk...)
				best = nil
				bestFound = false
			}
			if pos <= atPosition {
				best = v
				bestFound = true
			}
		}
		flush()
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "projection: range scan")
	}
	return out, nil
}
