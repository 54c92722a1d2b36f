// Package boltstore is a durable, single-node Persistence backend built
// on go.etcd.io/bbolt. Three buckets hold the record layout: positions
// (Position -> encoded Chunk), by_index (partition+index -> Position),
// by_op (partition+operationId -> Position).
package boltstore

import (
	"fmt"
	"log/slog"
	"sync"

	bolt "go.etcd.io/bbolt"

	"nstore/internal/chunk"
	"nstore/internal/codec"
	"nstore/internal/logging"
	"nstore/internal/sequence"
)

var (
	bucketPositions = []byte("positions")
	bucketByIndex   = []byte("by_index")
	bucketByOp      = []byte("by_op")
	bucketSeq       = []byte("seq")
	keySeqGlobal    = []byte("global")
)

// Config configures a Store.
type Config struct {
	// Codec serializes payloads before storage. Defaults to codec.Identity.
	Codec codec.Codec

	// Allocator hands out Positions. Defaults to a sequence.Shared counter
	// kept in this same bbolt file, which is the natural choice for a
	// durable backend that may be reopened across process restarts.
	Allocator chunk.Allocator

	// RetryPolicy bounds the position-collision retry loop in Append.
	// Defaults to chunk.DefaultRetryPolicy().
	RetryPolicy chunk.RetryPolicy

	// SerializerInfo optionally tags every record with the name of the
	// codec that produced its wire bytes, so a reopened store can tell
	// which codec to pair with the file.
	SerializerInfo string

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Store is a durable bbolt-backed Persistence backend.
type Store struct {
	db     *bolt.DB
	cfg    Config
	codec  codec.Codec
	alloc  chunk.Allocator
	retry  chunk.RetryPolicy
	logger *slog.Logger

	// writeMu serializes Append/AppendBatch so allocator round-trips,
	// which must run outside the insert transaction, stay in lockstep
	// with insert order. See Append.
	writeMu sync.Mutex
}

// Open opens (creating if absent) a bbolt-backed store at path and
// prepares its buckets. The caller owns db lifecycle via Store.Close.
func Open(path string, cfg Config) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	s, err := New(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already-opened bbolt database as a Store.
func New(db *bolt.DB, cfg Config) (*Store, error) {
	if cfg.Codec == nil {
		cfg.Codec = codec.Identity{}
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = chunk.DefaultRetryPolicy()
	}

	err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPositions, bucketByIndex, bucketByOp, bucketSeq} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: create buckets: %w", err)
	}

	if cfg.Allocator == nil {
		alloc, err := sequence.NewShared(db, bucketSeq, keySeqGlobal)
		if err != nil {
			return nil, fmt.Errorf("boltstore: default allocator: %w", err)
		}
		cfg.Allocator = alloc
	}

	logger := logging.Default(cfg.Logger).With("component", "chunk-manager", "type", "boltstore")

	return &Store{
		db:     db,
		cfg:    cfg,
		codec:  cfg.Codec,
		alloc:  cfg.Allocator,
		retry:  cfg.RetryPolicy,
		logger: logger,
	}, nil
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SupportsFillers() bool { return true }

var _ chunk.Persistence = (*Store)(nil)
