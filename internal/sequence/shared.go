package sequence

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Shared is a cross-process sequence allocator backed by a single bbolt
// counter document. bbolt serializes all writer transactions, so the
// read-increment-write done inside NextIDs is atomic without any
// additional locking — this satisfies the "single-document CAS" contract
// for shared-sequence mode without inventing a distributed counter.
type Shared struct {
	db     *bolt.DB
	bucket []byte
	key    []byte
}

// NewShared opens (creating if absent) a counter document identified by
// bucket/key inside db. The document starts at 0 if it does not exist.
func NewShared(db *bolt.DB, bucket, key []byte) (*Shared, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		if b.Get(key) == nil {
			return b.Put(key, encodeCounter(0))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sequence: open shared counter: %w", err)
	}
	return &Shared{db: db, bucket: bucket, key: key}, nil
}

// NextIDs performs an upsert-and-increment of the counter document inside
// one bbolt write transaction and returns the new value (the largest id
// in the reserved range).
func (s *Shared) NextIDs(count int) (int64, error) {
	var last int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return fmt.Errorf("sequence: bucket %q missing", s.bucket)
		}
		cur := decodeCounter(b.Get(s.key))
		last = cur + int64(count)
		return b.Put(s.key, encodeCounter(last))
	})
	if err != nil {
		return 0, fmt.Errorf("sequence: next ids: %w", err)
	}
	return last, nil
}

// Current reads the counter's present value without advancing it.
func (s *Shared) Current() (int64, error) {
	var cur int64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return fmt.Errorf("sequence: bucket %q missing", s.bucket)
		}
		cur = decodeCounter(b.Get(s.key))
		return nil
	})
	return cur, err
}

func encodeCounter(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodeCounter(buf []byte) int64 {
	if len(buf) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(buf))
}
