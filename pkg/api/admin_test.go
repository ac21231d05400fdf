package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ngoyal88/recordreplay/pkg/config"
	"github.com/ngoyal88/recordreplay/pkg/record"
	"github.com/ngoyal88/recordreplay/pkg/recorder"
	"github.com/ngoyal88/recordreplay/pkg/storage"
)

var recorderCfg = config.RecorderConfig{
	RootPath:    "/recorder",
	StartPath:   "/start",
	StopPath:    "/stop",
	RecordsPath: "/records",
}

type brokenStore struct{ *storage.MemoryStore }

func (brokenStore) GetAll(context.Context) ([]*record.Record, error) {
	return nil, errors.New("disk on fire")
}

func newServer(t *testing.T, store storage.Store) (*httptest.Server, *recorder.Service) {
	t.Helper()
	svc := recorder.New(store, zap.NewNop())
	mux := http.NewServeMux()
	NewAdminAPI(svc, recorderCfg, zap.NewNop()).RegisterRoutes(mux)
	mux.HandleFunc("/health", HealthHandler(svc))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, svc
}

func call(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, string(b)
}

func TestStartStop(t *testing.T) {
	srv, svc := newServer(t, storage.NewMemoryStore())

	code, body := call(t, http.MethodPost, srv.URL+"/recorder/stop", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"message":"Recording Stopped"}`, body)
	svc.Wait()
	assert.False(t, svc.IsRecording())

	code, body = call(t, http.MethodGet, srv.URL+"/recorder/start", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"message":"Recording Started"}`, body)
	assert.True(t, svc.IsRecording())
}

func TestRecordsCRUD(t *testing.T) {
	require, assert := require.New(t), assert.New(t)
	srv, svc := newServer(t, storage.NewMemoryStore())
	base := srv.URL + "/recorder/records"

	code, body := call(t, http.MethodGet, base, "")
	require.Equal(http.StatusOK, code)
	assert.JSONEq(`[]`, body)

	code, body = call(t, http.MethodPost, base,
		`{"statusCode":200,"path":"/api/foo","headers":{"Content-Type":"text/plain"},"data":{"base64":"aGVsbG8="}}`)
	require.Equal(http.StatusOK, code, body)
	var created struct{ ID int64 }
	require.NoError(json.Unmarshal([]byte(body), &created))
	assert.Positive(created.ID)

	cached, err := svc.GetRecordByPath("/api/foo")
	require.NoError(err, "created records are served from the cache")
	assert.Equal("hello", string(cached.Body))

	code, body = call(t, http.MethodGet, base+"/1", "")
	require.Equal(http.StatusOK, code)
	var got record.Record
	require.NoError(json.Unmarshal([]byte(body), &got))
	assert.Equal("/api/foo", got.Path)
	assert.Equal("hello", string(got.Body))
	assert.NotZero(got.Timestamp)

	code, body = call(t, http.MethodPut, base+"/1",
		`{"statusCode":201,"path":"/api/foo","data":{"base64":"Ynll"}}`)
	require.Equal(http.StatusOK, code)
	assert.JSONEq(`{"updated":1}`, body)

	code, body = call(t, http.MethodPut, base+"/99", `{"statusCode":201,"path":"/api/zzz"}`)
	require.Equal(http.StatusOK, code)
	assert.JSONEq(`{"updated":0}`, body)

	code, body = call(t, http.MethodGet, base, "")
	require.Equal(http.StatusOK, code)
	var all []record.Record
	require.NoError(json.Unmarshal([]byte(body), &all))
	require.Len(all, 1)
	assert.Equal(201, all[0].StatusCode)
	assert.Equal("bye", string(all[0].Body))

	code, _ = call(t, http.MethodDelete, base+"/1", "")
	assert.Equal(http.StatusOK, code)

	code, _ = call(t, http.MethodGet, base+"/1", "")
	assert.Equal(http.StatusNotFound, code)
	_, err = svc.GetRecordByPath("/api/foo")
	assert.ErrorIs(err, recorder.ErrRecordNotFound)
}

func TestBadRequests(t *testing.T) {
	srv, _ := newServer(t, storage.NewMemoryStore())
	base := srv.URL + "/recorder/records"

	code, body := call(t, http.MethodPost, base, `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body, "message")

	code, _ = call(t, http.MethodGet, base+"/abc", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, http.MethodPatch, base+"/1", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = call(t, http.MethodGet, srv.URL+"/recorder/unknown", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Empty(t, body)
}

func TestStoreFailure(t *testing.T) {
	srv, _ := newServer(t, brokenStore{storage.NewMemoryStore()})

	code, body := call(t, http.MethodGet, srv.URL+"/recorder/records", "")
	assert.Equal(t, http.StatusInternalServerError, code)

	var msg map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &msg))
	assert.Contains(t, msg["message"], "disk on fire")
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("unreachable") }

func TestHealth(t *testing.T) {
	srv, _ := newServer(t, storage.NewMemoryStore())
	code, body := call(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	w := httptest.NewRecorder()
	HealthHandler(downPinger{})(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDefaultTimeout(t *testing.T) {
	a := NewAdminAPI(nil, config.RecorderConfig{}, zap.NewNop())
	assert.Equal(t, 5*time.Second, a.timeout)
}

func TestRegisterRoutesAtSlashRoot(t *testing.T) {
	cfg := recorderCfg
	cfg.RootPath = "/"
	svc := recorder.New(storage.NewMemoryStore(), zap.NewNop())
	mux := http.NewServeMux()
	require.NotPanics(t, func() { NewAdminAPI(svc, cfg, zap.NewNop()).RegisterRoutes(mux) })

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/start", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
