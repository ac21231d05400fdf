package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ngoyal88/recordreplay/pkg/config"
	"github.com/ngoyal88/recordreplay/pkg/record"
)

// Recorder is the recording service surface the management API drives.
type Recorder interface {
	Start()
	Stop()
	CreateRecord(ctx context.Context, rec *record.Record) (int64, error)
	UpdateRecord(ctx context.Context, id int64, rec *record.Record) (int64, error)
	DeleteRecord(ctx context.Context, id int64) error
	GetRecordByID(ctx context.Context, id int64) (*record.Record, error)
	GetAllRecords(ctx context.Context) ([]*record.Record, error)
}

// AdminAPI serves recording control and record CRUD under the recorder
// root path.
type AdminAPI struct {
	recorder Recorder
	cfg      config.RecorderConfig
	timeout  time.Duration
	log      *zap.Logger
}

// NewAdminAPI creates a new management handler
func NewAdminAPI(rec Recorder, cfg config.RecorderConfig, log *zap.Logger) *AdminAPI {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AdminAPI{recorder: rec, cfg: cfg, timeout: timeout, log: log}
}

// RegisterRoutes mounts the handler at the configured root path.
func (api *AdminAPI) RegisterRoutes(mux *http.ServeMux) {
	root := strings.TrimSuffix(api.cfg.RootPath, "/")
	mux.Handle(root+"/", api)
	if root != "" {
		mux.Handle(root, api)
	}
}

// ServeHTTP dispatches on the request path:
//
//	.../start                  any method   start recording
//	.../stop                   any method   stop recording
//	.../records                GET          list records
//	.../records                POST         create record
//	.../records/{id}           GET/PUT/DELETE
func (api *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case strings.HasSuffix(path, api.cfg.StartPath):
		api.recorder.Start()
		respondJSON(w, http.StatusOK, map[string]string{"message": "Recording Started"})
	case strings.HasSuffix(path, api.cfg.StopPath):
		api.recorder.Stop()
		respondJSON(w, http.StatusOK, map[string]string{"message": "Recording Stopped"})
	case strings.Contains(path, api.cfg.RecordsPath):
		api.handleRecords(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (api *AdminAPI) handleRecords(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), api.timeout)
	defer cancel()

	collection := strings.HasSuffix(strings.TrimSuffix(r.URL.Path, "/"), api.cfg.RecordsPath)

	switch r.Method {
	case http.MethodGet:
		if collection {
			api.handleList(ctx, w)
			return
		}
		api.withID(w, r, func(id int64) { api.handleGet(ctx, w, id) })
	case http.MethodPost:
		api.handleCreate(ctx, w, r)
	case http.MethodPut:
		api.withID(w, r, func(id int64) { api.handleUpdate(ctx, w, r, id) })
	case http.MethodDelete:
		api.withID(w, r, func(id int64) { api.handleDelete(ctx, w, id) })
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// withID parses the last path segment as a record id.
func (api *AdminAPI) withID(w http.ResponseWriter, r *http.Request, fn func(id int64)) {
	p := r.URL.Path
	raw := p[strings.LastIndex(p, "/")+1:]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid record id %q", raw))
		return
	}
	fn(id)
}

func (api *AdminAPI) handleList(ctx context.Context, w http.ResponseWriter) {
	recs, err := api.recorder.GetAllRecords(ctx)
	if err != nil {
		api.storeFailed(w, "list records", err)
		return
	}
	respondJSON(w, http.StatusOK, recs)
}

func (api *AdminAPI) handleGet(ctx context.Context, w http.ResponseWriter, id int64) {
	rec, err := api.recorder.GetRecordByID(ctx, id)
	if err != nil {
		api.storeFailed(w, "get record", err)
		return
	}
	if rec.IsEmpty() {
		respondError(w, http.StatusNotFound, fmt.Sprintf("Record was not found for id: %d", id))
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (api *AdminAPI) handleCreate(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	rec, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = record.Now()
	}
	id, err := api.recorder.CreateRecord(ctx, rec)
	if err != nil {
		api.storeFailed(w, "create record", err)
		return
	}
	api.log.Info("record created", zap.Int64("id", id), zap.String("path", rec.Path))
	respondJSON(w, http.StatusOK, map[string]int64{"id": id})
}

func (api *AdminAPI) handleUpdate(ctx context.Context, w http.ResponseWriter, r *http.Request, id int64) {
	rec, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = record.Now()
	}
	n, err := api.recorder.UpdateRecord(ctx, id, rec)
	if err != nil {
		api.storeFailed(w, "update record", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (api *AdminAPI) handleDelete(ctx context.Context, w http.ResponseWriter, id int64) {
	if err := api.recorder.DeleteRecord(ctx, id); err != nil {
		api.storeFailed(w, "delete record", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func decodeRecord(w http.ResponseWriter, r *http.Request) (*record.Record, bool) {
	rec := record.New()
	if err := json.NewDecoder(r.Body).Decode(rec); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid record body: %v", err))
		return nil, false
	}
	return rec, true
}

func (api *AdminAPI) storeFailed(w http.ResponseWriter, op string, err error) {
	api.log.Error(op+" failed", zap.Error(err))
	respondError(w, http.StatusInternalServerError, err.Error())
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"message": msg})
}

// respondJSON is a helper to send JSON responses
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
