// Package recorder owns the recording mode and the newest-record-per-path
// cache that replay is served from.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ngoyal88/recordreplay/pkg/record"
	"github.com/ngoyal88/recordreplay/pkg/storage"
)

// ErrRecordNotFound matches every *NotFoundError.
var ErrRecordNotFound = errors.New("record not found")

// NotFoundError is returned by GetRecordByPath on a cache miss.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return "Record was not found for path: " + e.Path
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrRecordNotFound
}

const defaultRefreshTimeout = 30 * time.Second

// Service switches between recording and replaying and keeps the replay
// cache in step with the store.
type Service struct {
	store          storage.Store
	log            *zap.Logger
	refreshTimeout time.Duration

	recording atomic.Bool

	mu    sync.RWMutex
	cache map[string]*record.Record

	refreshes sync.WaitGroup
	notify    chan error
}

type Option func(*Service)

// WithRefreshTimeout bounds the store query run by a refresh.
func WithRefreshTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.refreshTimeout = d
		}
	}
}

// WithRefreshNotify makes every completed refresh send its result on ch.
// Sends never block; a full channel drops the notification.
func WithRefreshNotify(ch chan error) Option {
	return func(s *Service) { s.notify = ch }
}

// New returns a service in recording mode with an empty cache.
func New(store storage.Store, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:          store,
		log:            log,
		refreshTimeout: defaultRefreshTimeout,
		cache:          make(map[string]*record.Record),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.recording.Store(true)
	modeGauge.Set(1)
	return s
}

func (s *Service) IsRecording() bool {
	return s.recording.Load()
}

// Start switches to recording. Calling it while recording is a no-op.
func (s *Service) Start() {
	if s.recording.CompareAndSwap(false, true) {
		s.log.Info("recording started")
		modeGauge.Set(1)
	}
}

// Stop switches to replaying and reloads the cache from the store in the
// background. Every call triggers a refresh; use Wait to block on it.
func (s *Service) Stop() {
	if s.recording.CompareAndSwap(true, false) {
		s.log.Info("recording stopped")
		modeGauge.Set(0)
	}

	s.refreshes.Add(1)
	go func() {
		defer s.refreshes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.refreshTimeout)
		defer cancel()

		err := s.Refresh(ctx)
		if err != nil {
			s.log.Error("cache refresh failed", zap.Error(err))
		}
		if s.notify != nil {
			select {
			case s.notify <- err:
			default:
			}
		}
	}()
}

// Wait blocks until every refresh started by Stop has finished. It must
// not run concurrently with Stop; call it once the server stops serving.
func (s *Service) Wait() {
	s.refreshes.Wait()
}

// Refresh replaces the cache with the newest record per path from the
// store. Readers see either the old or the new cache, never a mix.
func (s *Service) Refresh(ctx context.Context) error {
	start := time.Now()
	newest, err := s.store.NewestPerPath(ctx)
	if err != nil {
		return fmt.Errorf("load newest records: %w", err)
	}

	next := make(map[string]*record.Record, len(newest))
	for _, rec := range newest {
		next[rec.Path] = rec
	}

	n := len(next)
	s.mu.Lock()
	s.cache = next
	s.mu.Unlock()

	cacheSize.Set(float64(n))
	s.log.Debug("cache refreshed", zap.Int("paths", n), zap.Duration("took", time.Since(start)))
	return nil
}

func (s *Service) put(rec *record.Record) {
	s.mu.Lock()
	s.cache[rec.Path] = rec
	n := len(s.cache)
	s.mu.Unlock()
	cacheSize.Set(float64(n))
}

// replace caches rec and evicts the entry under any other path that still
// holds the same id, as left behind when an update moves a record.
func (s *Service) replace(rec *record.Record) {
	s.mu.Lock()
	for path, cur := range s.cache {
		if cur.ID == rec.ID && path != rec.Path {
			delete(s.cache, path)
		}
	}
	s.cache[rec.Path] = rec
	n := len(s.cache)
	s.mu.Unlock()
	cacheSize.Set(float64(n))
}

// CreateRecord persists rec and makes it the cached record for its path.
// The cache is left untouched when the insert fails.
func (s *Service) CreateRecord(ctx context.Context, rec *record.Record) (int64, error) {
	id, err := s.store.Insert(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("insert record for %s: %w", rec.Path, err)
	}
	cached := rec.Clone()
	cached.ID = id
	s.put(cached)
	return id, nil
}

// ImportRecords persists recs in one batch and caches each of them in order.
func (s *Service) ImportRecords(ctx context.Context, recs []*record.Record) ([]int64, error) {
	ids, err := s.store.InsertBatch(ctx, recs)
	if err != nil {
		return nil, fmt.Errorf("insert %d records: %w", len(recs), err)
	}
	for i, rec := range recs {
		cached := rec.Clone()
		cached.ID = ids[i]
		s.put(cached)
	}
	return ids, nil
}

// UpdateRecord replaces the stored record id. The cache entry for the
// record's path is replaced only if the store reported a change. A record
// moved to a new path leaves no entry under its old one.
func (s *Service) UpdateRecord(ctx context.Context, id int64, rec *record.Record) (int64, error) {
	n, err := s.store.Update(ctx, id, rec)
	if err != nil {
		return 0, fmt.Errorf("update record %d: %w", id, err)
	}
	if n > 0 {
		cached := rec.Clone()
		cached.ID = id
		s.replace(cached)
	}
	return n, nil
}

// DeleteRecord removes id from the store. If the cache currently serves
// that record for its path the entry is dropped too.
func (s *Service) DeleteRecord(ctx context.Context, id int64) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete record %d: %w", id, err)
	}

	s.mu.Lock()
	for path, rec := range s.cache {
		if rec.ID == id {
			delete(s.cache, path)
		}
	}
	n := len(s.cache)
	s.mu.Unlock()
	cacheSize.Set(float64(n))
	return nil
}

// GetRecordByPath returns a copy of the cached record for path.
func (s *Service) GetRecordByPath(path string) (*record.Record, error) {
	s.mu.RLock()
	rec, ok := s.cache[path]
	s.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Path: path}
	}
	return rec.Clone(), nil
}

// GetRecordByID reads through to the store. A miss yields an empty record.
func (s *Service) GetRecordByID(ctx context.Context, id int64) (*record.Record, error) {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get record %d: %w", id, err)
	}
	return rec, nil
}

func (s *Service) GetAllRecords(ctx context.Context) ([]*record.Record, error) {
	recs, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	if recs == nil {
		recs = []*record.Record{}
	}
	return recs, nil
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
