package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
)

// Header is an ordered, case-insensitive set of single-valued headers.
// Names are stored in canonical MIME form; setting an existing name keeps
// its original position and replaces the value. Like http.Header, copies
// share storage for Set; use Clone before setting on a copy.
type Header struct {
	keys   []string
	values map[string]string
}

// Set stores value under name, replacing any previous value.
func (h *Header) Set(name, value string) {
	key := http.CanonicalHeaderKey(name)
	if h.values == nil {
		h.values = make(map[string]string)
	}
	if _, ok := h.values[key]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[key] = value
}

func (h Header) Get(name string) string {
	return h.values[http.CanonicalHeaderKey(name)]
}

func (h Header) Has(name string) bool {
	_, ok := h.values[http.CanonicalHeaderKey(name)]
	return ok
}

func (h *Header) Del(name string) {
	key := http.CanonicalHeaderKey(name)
	if _, ok := h.values[key]; !ok {
		return
	}
	// Fresh storage so a Header copied by value keeps its own entries.
	values := maps.Clone(h.values)
	delete(values, key)
	keys := make([]string, 0, len(h.keys)-1)
	for _, k := range h.keys {
		if k != key {
			keys = append(keys, k)
		}
	}
	h.keys, h.values = keys, values
}

func (h Header) Len() int { return len(h.keys) }

// Keys returns the header names in insertion order.
func (h Header) Keys() []string {
	out := make([]string, len(h.keys))
	copy(out, h.keys)
	return out
}

// Each calls fn for every header in insertion order.
func (h Header) Each(fn func(name, value string)) {
	for _, k := range h.keys {
		fn(k, h.values[k])
	}
}

func (h Header) Clone() Header {
	var out Header
	h.Each(out.Set)
	return out
}

// FromHTTP converts an http.Header. Multi-valued headers collapse to their
// last value. http.Header has no ordering so names are added sorted.
func FromHTTP(src http.Header) Header {
	var out Header
	for _, k := range slices.Sorted(maps.Keys(src)) {
		vs := src[k]
		if len(vs) == 0 {
			continue
		}
		out.Set(k, vs[len(vs)-1])
	}
	return out
}

// ToHTTP writes every header into dst, replacing existing values.
func (h Header) ToHTTP(dst http.Header) {
	h.Each(dst.Set)
}

// MarshalJSON encodes the headers as a JSON object in insertion order.
func (h Header) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range h.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(h.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping the key order of the input.
func (h *Header) UnmarshalJSON(data []byte) error {
	*h = Header{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("headers: expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("headers: unexpected key %v", tok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("headers: value for %q: %w", name, err)
		}
		h.Set(name, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}
