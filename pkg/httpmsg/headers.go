package httpmsg

import (
	"bytes"
	"strings"
)

// Header is a single (name, value) pair as it appeared on the wire. Name
// casing is preserved; lookups are case-insensitive via Headers' index.
type Header struct {
	Name  []byte
	Value []byte
}

// Headers is an ordered sequence of header fields plus a case-insensitive
// index from lowercased name to the list of positions carrying that name,
// so duplicate headers are preserved rather than collapsed (spec.md §3/§8).
type Headers struct {
	list  []Header
	index map[string][]int
}

// NewHeaders returns an empty header store.
func NewHeaders() *Headers {
	return &Headers{index: make(map[string][]int)}
}

// Add appends a header, preserving any existing header of the same name.
func (h *Headers) Add(name, value []byte) {
	if h.index == nil {
		h.index = make(map[string][]int)
	}
	key := strings.ToLower(string(name))
	h.index[key] = append(h.index[key], len(h.list))
	h.list = append(h.list, Header{Name: name, Value: value})
}

// Set replaces all existing values for name with a single value.
func (h *Headers) Set(name, value []byte) {
	h.Remove(string(name))
	h.Add(name, value)
}

// Remove drops every header matching name (case-insensitively).
func (h *Headers) Remove(name string) {
	key := strings.ToLower(name)
	positions, ok := h.index[key]
	if !ok {
		return
	}
	remove := make(map[int]bool, len(positions))
	for _, p := range positions {
		remove[p] = true
	}
	newList := h.list[:0:0]
	for i, hdr := range h.list {
		if !remove[i] {
			newList = append(newList, hdr)
		}
	}
	h.list = newList
	delete(h.index, key)
	h.reindex()
}

func (h *Headers) reindex() {
	h.index = make(map[string][]int, len(h.list))
	for i, hdr := range h.list {
		key := strings.ToLower(string(hdr.Name))
		h.index[key] = append(h.index[key], i)
	}
}

// Get returns the first value for name, and whether it was present.
func (h *Headers) Get(name string) ([]byte, bool) {
	positions, ok := h.index[strings.ToLower(name)]
	if !ok || len(positions) == 0 {
		return nil, false
	}
	return h.list[positions[0]].Value, true
}

// GetString is a convenience wrapper around Get returning a string.
func (h *Headers) GetString(name string) string {
	v, ok := h.Get(name)
	if !ok {
		return ""
	}
	return string(v)
}

// Values returns every value stored for name, in order.
func (h *Headers) Values(name string) [][]byte {
	positions, ok := h.index[strings.ToLower(name)]
	if !ok {
		return nil
	}
	out := make([][]byte, len(positions))
	for i, p := range positions {
		out[i] = h.list[p].Value
	}
	return out
}

// Has reports whether a header with the given name is present.
func (h *Headers) Has(name string) bool {
	_, ok := h.index[strings.ToLower(name)]
	return ok
}

// HasToken reports whether the comma-separated value of name contains
// token, case-insensitively (used for Transfer-Encoding/Connection checks).
func (h *Headers) HasToken(name, token string) bool {
	v, ok := h.Get(name)
	if !ok {
		return false
	}
	token = strings.ToLower(token)
	for _, part := range strings.Split(string(v), ",") {
		if strings.ToLower(strings.TrimSpace(part)) == token {
			return true
		}
	}
	return false
}

// List returns the ordered header list. Callers must not mutate it in
// place without calling MarkDirty on the owning Message.
func (h *Headers) List() []Header {
	return h.list
}

// Len reports the number of stored header fields (counting duplicates).
func (h *Headers) Len() int {
	return len(h.list)
}

// Clone returns a deep copy of the header store.
func (h *Headers) Clone() *Headers {
	c := NewHeaders()
	for _, hdr := range h.list {
		name := append([]byte(nil), hdr.Name...)
		value := append([]byte(nil), hdr.Value...)
		c.Add(name, value)
	}
	return c
}

// writeTo serialises headers in insertion order as "Name: Value\r\n" lines.
func (h *Headers) writeTo(buf *bytes.Buffer) {
	for _, hdr := range h.list {
		buf.Write(hdr.Name)
		buf.WriteString(": ")
		buf.Write(hdr.Value)
		buf.WriteString("\r\n")
	}
}
