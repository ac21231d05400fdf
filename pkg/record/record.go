package record

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// EmptyID marks a record that has not been persisted.
// Stores also return a record with this id when a lookup misses.
const EmptyID int64 = -1

// Record is one captured upstream response.
type Record struct {
	ID         int64
	StatusCode int
	Path       string
	Header     Header
	Body       []byte
	Timestamp  int64
}

// New returns an empty record ready to accumulate a response.
func New() *Record {
	return &Record{ID: EmptyID, StatusCode: -1}
}

func (r *Record) IsEmpty() bool {
	return r == nil || r.ID == EmptyID
}

// Append adds a body chunk. Empty chunks are ignored.
func (r *Record) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	r.Body = append(r.Body, chunk...)
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = r.Header.Clone()
	if r.Body != nil {
		out.Body = bytes.Clone(r.Body)
	}
	return &out
}

func (r *Record) String() string {
	return fmt.Sprintf("Record{id=%d status=%d path=%q headers=%d body=%dB ts=%d}",
		r.ID, r.StatusCode, r.Path, r.Header.Len(), len(r.Body), r.Timestamp)
}

type bodyJSON struct {
	Base64 string `json:"base64"`
}

type recordJSON struct {
	ID         *int64          `json:"id,omitempty"`
	StatusCode *int            `json:"statusCode,omitempty"`
	Path       string          `json:"path"`
	Headers    Header          `json:"headers"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// MarshalJSON writes the wire form:
//
//	{"id":1,"statusCode":200,"path":"/foo","headers":{...},"data":{"base64":"..."},"timestamp":123}
func (r Record) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(bodyJSON{Base64: base64.StdEncoding.EncodeToString(r.Body)})
	if err != nil {
		return nil, err
	}
	id, status := r.ID, r.StatusCode
	return json.Marshal(recordJSON{
		ID:         &id,
		StatusCode: &status,
		Path:       r.Path,
		Headers:    r.Header,
		Data:       data,
		Timestamp:  r.Timestamp,
	})
}

// UnmarshalJSON accepts the wire form. A missing id or statusCode decodes
// as -1; "data" may be the {"base64": ...} object or a bare base64 string.
func (r *Record) UnmarshalJSON(b []byte) error {
	var in recordJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}

	out := Record{ID: EmptyID, StatusCode: -1, Path: in.Path, Header: in.Headers, Timestamp: in.Timestamp}
	if in.ID != nil {
		out.ID = *in.ID
	}
	if in.StatusCode != nil {
		out.StatusCode = *in.StatusCode
	}

	body, err := decodeData(in.Data)
	if err != nil {
		return fmt.Errorf("record data: %w", err)
	}
	out.Body = body

	*r = out
	return nil
}

func decodeData(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var encoded string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, err
		}
	} else {
		var obj bodyJSON
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		encoded = obj.Base64
	}
	if encoded == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(encoded)
}

var lastStamp atomic.Int64

// Now returns a nanosecond timestamp that strictly increases across calls
// within this process, even when the wall clock does not advance.
func Now() int64 {
	for {
		now := time.Now().UnixNano()
		prev := lastStamp.Load()
		if now <= prev {
			now = prev + 1
		}
		if lastStamp.CompareAndSwap(prev, now) {
			return now
		}
	}
}
