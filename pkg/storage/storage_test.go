package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ngoyal88/recordreplay/pkg/cache"
	"github.com/ngoyal88/recordreplay/pkg/config"
	"github.com/ngoyal88/recordreplay/pkg/record"
)

func newRecord(path string, ts int64, body string) *record.Record {
	r := record.New()
	r.StatusCode = 200
	r.Path = path
	r.Timestamp = ts
	r.Header.Set("Content-Type", "text/plain")
	r.Append([]byte(body))
	return r
}

func newRedisClient(t *testing.T) *cache.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := cache.NewRedis(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"bolt": func(t *testing.T) Store {
			s, err := NewBoltStore(filepath.Join(t.TempDir(), "records.db"), time.Second)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"redis": func(t *testing.T) Store {
			return NewRedisStore(newRedisClient(t), "test:")
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require, assert := require.New(t), assert.New(t)
			ctx := context.Background()
			s := open(t)

			require.NoError(s.Ping(ctx))

			in := newRecord("/foo", 10, "one")
			id1, err := s.Insert(ctx, in)
			require.NoError(err)
			assert.Equal(record.EmptyID, in.ID, "insert must not modify its argument")

			id2, err := s.Insert(ctx, newRecord("/bar", 11, "two"))
			require.NoError(err)
			assert.Greater(id2, id1)

			got, err := s.GetByID(ctx, id1)
			require.NoError(err)
			assert.Equal(id1, got.ID)
			assert.Equal("/foo", got.Path)
			assert.Equal("one", string(got.Body))
			assert.Equal("text/plain", got.Header.Get("content-type"))

			missing, err := s.GetByID(ctx, 9999)
			require.NoError(err)
			assert.True(missing.IsEmpty())

			n, err := s.Update(ctx, id1, newRecord("/foo", 12, "uno"))
			require.NoError(err)
			assert.EqualValues(1, n)
			got, err = s.GetByID(ctx, id1)
			require.NoError(err)
			assert.Equal("uno", string(got.Body))
			assert.Equal(id1, got.ID)

			n, err = s.Update(ctx, 9999, newRecord("/x", 1, ""))
			require.NoError(err)
			assert.EqualValues(0, n)

			all, err := s.GetAll(ctx)
			require.NoError(err)
			require.Len(all, 2)
			assert.Equal(id1, all[0].ID)
			assert.Equal(id2, all[1].ID)

			require.NoError(s.Delete(ctx, id1))
			got, err = s.GetByID(ctx, id1)
			require.NoError(err)
			assert.True(got.IsEmpty())

			all, err = s.GetAll(ctx)
			require.NoError(err)
			assert.Len(all, 1)
		})
	}
}

func TestStoreInsertBatch(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			ids, err := s.InsertBatch(ctx, []*record.Record{
				newRecord("/a", 1, "a"),
				newRecord("/b", 2, "b"),
				newRecord("/c", 3, "c"),
			})
			require.NoError(t, err)
			require.Len(t, ids, 3)
			assert.Less(t, ids[0], ids[1])
			assert.Less(t, ids[1], ids[2])

			got, err := s.GetByID(ctx, ids[2])
			require.NoError(t, err)
			assert.Equal(t, "/c", got.Path)
		})
	}
}

func TestStoreConcurrentInserts(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			var wg sync.WaitGroup
			ids := make([]int64, 16)
			for i := range ids {
				wg.Add(1)
				go func() {
					defer wg.Done()
					id, err := s.Insert(ctx, newRecord(fmt.Sprintf("/p%d", i), int64(i), "x"))
					assert.NoError(t, err)
					ids[i] = id
				}()
			}
			wg.Wait()

			all, err := s.GetAll(ctx)
			require.NoError(t, err)
			assert.Len(t, all, len(ids))
			assert.ElementsMatch(t, ids, idsOf(all))
		})
	}
}

func idsOf(recs []*record.Record) []int64 {
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestStoreNewestPerPath(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			_, err := s.InsertBatch(ctx, []*record.Record{
				newRecord("/foo", 5, "old"),
				newRecord("/foo", 9, "new"),
				newRecord("/bar", 7, "only"),
				newRecord("/foo", 3, "older"),
			})
			require.NoError(t, err)

			newest, err := s.NewestPerPath(ctx)
			require.NoError(t, err)
			require.Len(t, newest, 2)

			byPath := map[string]string{}
			for _, r := range newest {
				byPath[r.Path] = string(r.Body)
			}
			assert.Equal(t, map[string]string{"/foo": "new", "/bar": "only"}, byPath)
		})
	}
}

func TestNewestPerPathTieGoesToHighestID(t *testing.T) {
	a := newRecord("/p", 5, "a")
	a.ID = 1
	b := newRecord("/p", 5, "b")
	b.ID = 2
	c := newRecord("/q", 1, "c")
	c.ID = 3

	out := NewestPerPath([]*record.Record{b, c, a})
	require.Len(t, out, 2)
	assert.Equal(t, int64(2), out[0].ID)
	assert.Equal(t, int64(3), out[1].ID)
	assert.Empty(t, NewestPerPath(nil))
}

func TestBoltReopenKeepsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "records.db")

	s, err := NewBoltStore(path, time.Second)
	require.NoError(t, err)
	id, err := s.Insert(ctx, newRecord("/keep", 1, "x"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewBoltStore(path, time.Second)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/keep", got.Path)

	next, err := s.Insert(ctx, newRecord("/next", 2, "y"))
	require.NoError(t, err)
	assert.Greater(t, next, id)
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewMemoryStore()
	_, err := s.Insert(ctx, newRecord("/x", 1, ""))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen(t *testing.T) {
	log := zap.NewNop()

	s, err := Open(config.StorageConfig{Backend: config.BackendMemory}, nil, log)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(config.StorageConfig{
		Backend: config.BackendBolt,
		Bolt:    config.BoltConfig{Path: filepath.Join(t.TempDir(), "r.db"), Timeout: time.Second},
	}, nil, log)
	require.NoError(t, err)
	assert.IsType(t, &BoltStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(config.StorageConfig{Backend: config.BackendRedis}, nil, log)
	assert.Error(t, err)

	s, err = Open(config.StorageConfig{Backend: config.BackendRedis}, newRedisClient(t), log)
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)

	_, err = Open(config.StorageConfig{Backend: "sqlite"}, nil, log)
	assert.True(t, errors.Is(err, ErrUnknownBackend))
}
