package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngoyal88/recordreplay/pkg/config"
	"github.com/ngoyal88/recordreplay/pkg/record"
)

func TestExportImportRoundTrip(t *testing.T) {
	rec := record.New()
	rec.ID = 12
	rec.StatusCode = 200
	rec.Path = "/api/foo"
	rec.Timestamp = 99
	rec.Header.Set("Content-Type", "text/plain")
	rec.Append([]byte("body"))

	var buf bytes.Buffer
	require.NoError(t, writeRecords(&buf, []*record.Record{rec}))

	got, err := readRecords(&buf)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, record.EmptyID, got[0].ID, "imported records get fresh ids")
	assert.Equal(t, "/api/foo", got[0].Path)
	assert.Equal(t, int64(99), got[0].Timestamp)
	assert.Equal(t, "body", string(got[0].Body))
}

func TestReadRecordsSkipsNullAndStamps(t *testing.T) {
	got, err := readRecords(strings.NewReader(`[null, {"path":"/x","statusCode":204}]`))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotZero(t, got[0].Timestamp)

	_, err = readRecords(strings.NewReader(`{"not":"an array"}`))
	assert.Error(t, err)
}

func TestWriteRecordsEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeRecords(&buf, nil))
	assert.JSONEq(t, `[]`, buf.String())
}

func TestSwitchMode(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "/halt") {
			w.Write([]byte(`{"message":"Recording Stopped"}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message":"nope"}`))
	}))
	defer srv.Close()

	rc := config.RecorderConfig{RootPath: "/rec/", StartPath: "/go", StopPath: "/halt"}

	msg, err := switchMode(srv.URL+"/", rc, false)
	require.NoError(t, err)
	assert.Equal(t, "Recording Stopped", msg)

	_, err = switchMode(srv.URL, rc, true)
	assert.ErrorContains(t, err, "nope")

	assert.Equal(t, []string{"/rec/halt", "/rec/go"}, paths)
}
