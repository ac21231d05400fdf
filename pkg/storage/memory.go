package storage

import (
	"context"
	"sync"

	"github.com/ngoyal88/recordreplay/pkg/record"
)

// MemoryStore keeps records in process memory. Useful for tests and
// throwaway sessions.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	records map[int64]*record.Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]*record.Record)}
}

func (s *MemoryStore) Insert(ctx context.Context, rec *record.Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(rec), nil
}

func (s *MemoryStore) insertLocked(rec *record.Record) int64 {
	s.nextID++
	s.records[s.nextID] = withID(rec, s.nextID)
	return s.nextID
}

func (s *MemoryStore) InsertBatch(ctx context.Context, recs []*record.Record) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, s.insertLocked(rec))
	}
	return ids, nil
}

func (s *MemoryStore) Update(ctx context.Context, id int64, rec *record.Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return 0, nil
	}
	s.records[id] = withID(rec, id)
	return 1, nil
}

func (s *MemoryStore) NewestPerPath(ctx context.Context) ([]*record.Record, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	return NewestPerPath(all), nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id int64) (*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return record.New(), nil
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) GetAll(ctx context.Context) ([]*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*record.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	sortByID(out)
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() error { return nil }
