package patch

import "fmt"

// Headers is an ordered header collection. Insertion order is preserved;
// setting an existing name overwrites its value in place.
type Headers struct {
	names  []string
	values map[string]string
}

// Set writes a header, keeping the position of an existing name.
func (h *Headers) Set(name, value string) {
	if h.values == nil {
		h.values = make(map[string]string)
	}
	if _, exists := h.values[name]; !exists {
		h.names = append(h.names, name)
	}
	h.values[name] = value
}

// Get returns the value for a header name.
func (h *Headers) Get(name string) (string, bool) {
	v, ok := h.values[name]
	return v, ok
}

// Del removes a header if present.
func (h *Headers) Del(name string) {
	if _, exists := h.values[name]; !exists {
		return
	}
	delete(h.values, name)
	for i, n := range h.names {
		if n == name {
			h.names = append(h.names[:i], h.names[i+1:]...)
			break
		}
	}
}

// Names returns header names in insertion order.
func (h *Headers) Names() []string { return h.names }

// Len returns the number of headers.
func (h *Headers) Len() int { return len(h.names) }

// RequestSkeleton is the provider-neutral representation of one outbound
// call. It is built fresh per request by an adapter, mutated in place by
// the patch engine, and handed to the transport for dispatch.
type RequestSkeleton struct {
	URL     string
	Headers Headers
	Body    *Value
}

// NewSkeleton returns a skeleton targeting the given URL with an empty
// mapping body.
func NewSkeleton(url string) *RequestSkeleton {
	return &RequestSkeleton{URL: url, Body: Mapping()}
}

// EncodeBody serializes the body tree to JSON.
func (s *RequestSkeleton) EncodeBody() ([]byte, error) {
	if s.Body == nil {
		return []byte("{}"), nil
	}
	data, err := s.Body.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return data, nil
}
