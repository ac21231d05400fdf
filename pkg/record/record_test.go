package record

import (
	"encoding/json"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *Record {
	r := New()
	r.ID = 7
	r.StatusCode = http.StatusOK
	r.Path = "/foo?x=1"
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-Trace", "abc")
	r.Append([]byte(`{"a":`))
	r.Append(nil)
	r.Append([]byte(`1}`))
	r.Timestamp = 1234
	return r
}

func TestRecordJSONRoundTrip(t *testing.T) {
	populated := sample()
	populated.Body = []byte{0, 255, 10}

	tests := map[string]*Record{
		"empty":     New(),
		"populated": populated,
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			b, err := json.Marshal(in)
			require.NoError(t, err)

			var out Record
			require.NoError(t, json.Unmarshal(b, &out))
			assert.Equal(t, *in, out)
			assert.Equal(t, in.Header.Keys(), out.Header.Keys())
		})
	}
}

func TestRecordJSONWireShape(t *testing.T) {
	b, err := json.Marshal(sample())
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &raw))
	for _, k := range []string{"id", "statusCode", "path", "headers", "data", "timestamp"} {
		assert.Contains(t, raw, k)
	}
	assert.JSONEq(t, `{"base64":"eyJhIjoxfQ=="}`, string(raw["data"]))
	assert.Equal(t, `{"Content-Type":"application/json","X-Trace":"abc"}`, string(raw["headers"]))
}

func TestRecordJSONDefaults(t *testing.T) {
	var r Record
	require.NoError(t, json.Unmarshal([]byte(`{"path":"/bar"}`), &r))

	assert.Equal(t, EmptyID, r.ID)
	assert.Equal(t, -1, r.StatusCode)
	assert.True(t, r.IsEmpty())
	assert.Equal(t, 0, r.Header.Len())
	assert.Empty(t, r.Body)
}

func TestRecordJSONStringData(t *testing.T) {
	var r Record
	require.NoError(t, json.Unmarshal([]byte(`{"id":3,"statusCode":201,"path":"/p","data":"aGk="}`), &r))
	assert.Equal(t, "hi", string(r.Body))
	assert.False(t, r.IsEmpty())
}

func TestRecordJSONBadData(t *testing.T) {
	var r Record
	assert.Error(t, json.Unmarshal([]byte(`{"data":{"base64":"%%%"}}`), &r))
	assert.Error(t, json.Unmarshal([]byte(`{"headers":[1,2]}`), &r))
}

func TestHeaderCaseInsensitiveLastWins(t *testing.T) {
	var h Header
	h.Set("x-one", "1")
	h.Set("X-Two", "2")
	h.Set("X-ONE", "3")

	assert.Equal(t, []string{"X-One", "X-Two"}, h.Keys())
	assert.Equal(t, "3", h.Get("x-one"))

	h.Del("x-one")
	assert.False(t, h.Has("X-One"))
	assert.Equal(t, 1, h.Len())
}

func TestHeaderDelOnCopyLeavesOriginal(t *testing.T) {
	var h Header
	h.Set("A", "1")
	h.Set("B", "2")
	h.Set("C", "3")

	cp := h
	cp.Del("a")
	assert.Equal(t, []string{"B", "C"}, cp.Keys())

	assert.Equal(t, []string{"A", "B", "C"}, h.Keys())
	assert.Equal(t, "1", h.Get("A"))
	b, err := json.Marshal(h)
	require.NoError(t, err)
	assert.Equal(t, `{"A":"1","B":"2","C":"3"}`, string(b))
}

func TestHeaderFromHTTP(t *testing.T) {
	src := http.Header{}
	src.Add("Set-Cookie", "a=1")
	src.Add("Set-Cookie", "b=2")
	src.Set("Content-Type", "text/plain")

	h := FromHTTP(src)
	assert.Equal(t, "b=2", h.Get("set-cookie"))

	dst := http.Header{}
	h.ToHTTP(dst)
	assert.Equal(t, "text/plain", dst.Get("Content-Type"))
}

func TestCloneIsIndependent(t *testing.T) {
	r := sample()
	c := r.Clone()
	c.Append([]byte("more"))
	c.Header.Set("X-Trace", "changed")

	assert.Equal(t, `{"a":1}`, string(r.Body))
	assert.Equal(t, "abc", r.Header.Get("X-Trace"))
}

func TestNowStrictlyIncreasing(t *testing.T) {
	const n = 1000
	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{}, n*4)
		wg   sync.WaitGroup
	)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := int64(0)
			for i := 0; i < n; i++ {
				ts := Now()
				assert.Greater(t, ts, prev)
				prev = ts
				mu.Lock()
				seen[ts] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n*4)
}
