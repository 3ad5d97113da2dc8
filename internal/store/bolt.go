package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTransitions = []byte("transitions")
	bucketSettings    = []byte("settings")
	keySettings       = []byte("engine")
)

// DefaultMaxTransitions caps the history; older entries are pruned on insert.
const DefaultMaxTransitions = 10000

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db             *bolt.DB
	maxTransitions uint64
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTransitions, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, maxTransitions: DefaultMaxTransitions}, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// SaveTransition appends tr to the history, assigning an ID and RecordedAt
// when they are unset.
func (s *BoltStore) SaveTransition(tr *Transition) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.RecordedAt.IsZero() {
		tr.RecordedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransitions)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketTransitions)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(tr)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}
		if seq <= s.maxTransitions {
			return nil
		}

		// Keys are append-only, so everything at or below the cutoff is stale.
		cutoff := seq - s.maxTransitions
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= cutoff; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListTransitions(limit int) ([]*Transition, error) {
	var out []*Transition
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransitions)
		if b == nil {
			return nil // no bucket = no history
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var tr Transition
			if err := json.Unmarshal(v, &tr); err != nil {
				return fmt.Errorf("decode transition %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, &tr)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) SaveSettings(st *Settings) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSettings)
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put(keySettings, data)
	})
}

func (s *BoltStore) GetSettings() (*Settings, error) {
	var st Settings
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSettings)
		}
		data := b.Get(keySettings)
		if data == nil {
			return fmt.Errorf("settings: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
