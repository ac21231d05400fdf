package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/ngoyal88/recordreplay/pkg/cache"
	"github.com/ngoyal88/recordreplay/pkg/config"
	"github.com/ngoyal88/recordreplay/pkg/record"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("storage: unknown backend")

// Store defines durable CRUD over records. Ids are assigned by the store
// on insert and are never reused.
type Store interface {
	// Insert persists rec and returns its new id. rec is not modified.
	Insert(ctx context.Context, rec *record.Record) (int64, error)
	// InsertBatch persists recs in order and returns their ids.
	InsertBatch(ctx context.Context, recs []*record.Record) ([]int64, error)
	// Update replaces the record stored under id and returns the number
	// of records affected (0 or 1).
	Update(ctx context.Context, id int64, rec *record.Record) (int64, error)
	// NewestPerPath returns, for every path, the record with the greatest
	// timestamp. Ties go to the highest id.
	NewestPerPath(ctx context.Context) ([]*record.Record, error)
	// GetByID returns an empty record when id is unknown.
	GetByID(ctx context.Context, id int64) (*record.Record, error)
	// GetAll returns every record in ascending id order.
	GetAll(ctx context.Context) ([]*record.Record, error)
	Delete(ctx context.Context, id int64) error

	Ping(ctx context.Context) error
	Close() error
}

// Open builds the store selected by cfg.Backend. rdb is required for the
// redis backend and ignored otherwise.
func Open(cfg config.StorageConfig, rdb *cache.Client, log *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case config.BackendBolt:
		s, err := NewBoltStore(cfg.Bolt.Path, cfg.Bolt.Timeout)
		if err != nil {
			return nil, err
		}
		log.Info("using bolt record store", zap.String("path", cfg.Bolt.Path))
		return s, nil
	case config.BackendRedis:
		if rdb == nil {
			return nil, errors.New("storage: redis backend needs a redis connection")
		}
		log.Info("using redis record store", zap.String("prefix", cfg.Redis.Prefix))
		return NewRedisStore(rdb, cfg.Redis.Prefix), nil
	case config.BackendMemory:
		log.Warn("using in-memory record store; records are lost on exit")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// NewestPerPath reduces recs to the newest record for each path.
// The result is ordered by id.
func NewestPerPath(recs []*record.Record) []*record.Record {
	newest := make(map[string]*record.Record)
	for _, r := range recs {
		cur, ok := newest[r.Path]
		if !ok || r.Timestamp > cur.Timestamp || (r.Timestamp == cur.Timestamp && r.ID > cur.ID) {
			newest[r.Path] = r
		}
	}

	out := make([]*record.Record, 0, len(newest))
	for _, r := range recs {
		if newest[r.Path] == r {
			out = append(out, r)
		}
	}
	sortByID(out)
	return out
}

func sortByID(recs []*record.Record) {
	slices.SortFunc(recs, func(a, b *record.Record) int { return cmp.Compare(a.ID, b.ID) })
}

func withID(rec *record.Record, id int64) *record.Record {
	out := rec.Clone()
	out.ID = id
	return out
}
