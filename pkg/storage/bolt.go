package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ngoyal88/recordreplay/pkg/record"
)

var recordsBucket = []byte("records")

// BoltStore persists records in a single bolt file. Keys are big-endian
// ids so cursor order is id order; values are the record JSON.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path. timeout bounds the
// wait for the file lock held by another process.
func NewBoltStore(path string, timeout time.Duration) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("bolt: create dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt: init bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func idKey(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func putRecord(b *bolt.Bucket, rec *record.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %d: %w", rec.ID, err)
	}
	return b.Put(idKey(rec.ID), data)
}

func insertTx(b *bolt.Bucket, rec *record.Record) (int64, error) {
	seq, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	id := int64(seq)
	return id, putRecord(b, withID(rec, id))
}

func (s *BoltStore) Insert(ctx context.Context, rec *record.Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = insertTx(tx.Bucket(recordsBucket), rec)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("bolt: insert: %w", err)
	}
	return id, nil
}

// InsertBatch writes every record in one transaction.
func (s *BoltStore) InsertBatch(ctx context.Context, recs []*record.Record) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(recs))
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		for _, rec := range recs {
			id, err := insertTx(b, rec)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: insert batch: %w", err)
	}
	return ids, nil
}

func (s *BoltStore) Update(ctx context.Context, id int64, rec *record.Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var affected int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		if b.Get(idKey(id)) == nil {
			return nil
		}
		affected = 1
		return putRecord(b, withID(rec, id))
	})
	if err != nil {
		return 0, fmt.Errorf("bolt: update %d: %w", id, err)
	}
	return affected, nil
}

func (s *BoltStore) NewestPerPath(ctx context.Context) ([]*record.Record, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	return NewestPerPath(all), nil
}

func (s *BoltStore) GetByID(ctx context.Context, id int64) (*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec := record.New()
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(recordsBucket).Get(idKey(id))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: get %d: %w", id, err)
	}
	return rec, nil
}

func (s *BoltStore) GetAll(ctx context.Context) ([]*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*record.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			rec := record.New()
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("decode record %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: scan: %w", err)
	}
	return out, nil
}

func (s *BoltStore) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete(idKey(id))
	})
	if err != nil {
		return fmt.Errorf("bolt: delete %d: %w", id, err)
	}
	return nil
}

func (s *BoltStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(recordsBucket) == nil {
			return fmt.Errorf("bolt: bucket %s missing", recordsBucket)
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
