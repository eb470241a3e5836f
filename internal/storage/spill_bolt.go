package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"agentfs/internal/common"
)

var blocksBucket = []byte("blocks")

// boltSpill stores block payloads in a bbolt file.
type boltSpill struct {
	db *bolt.DB
}

func openBoltSpill(path string) (*boltSpill, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: time.Second,
		NoSync:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open spill file: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blocksBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &boltSpill{db: db}, nil
}

func blockKey(id BlockID) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

func (s *boltSpill) put(ctx context.Context, id BlockID, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blocksBucket).Put(blockKey(id), payload)
	})
}

func (s *boltSpill) get(ctx context.Context, id BlockID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blocksBucket).Get(blockKey(id))
		if v == nil {
			return common.Invariant("spilled block %d missing from spill file", id)
		}
		// bolt values are only valid inside the transaction
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *boltSpill) del(ctx context.Context, id BlockID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blocksBucket).Delete(blockKey(id))
	})
}

func (s *boltSpill) close() error {
	return s.db.Close()
}
