package autocart

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Snapshot is a stored response. It is immutable once written to a generation.
type Snapshot struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// RequestKey identifies a cache entry: method plus absolute URL.
type RequestKey string

func keyFor(r *http.Request) RequestKey {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	u := *r.URL
	u.Fragment = ""
	return RequestKey(method + " " + u.String())
}

// Response materializes the snapshot as a fresh response for req.
// Each call returns its own body reader.
func (s Snapshot) Response(req *http.Request) *http.Response {
	h := cloneHeader(s.Header)
	h.Set("Content-Length", strconv.Itoa(len(s.Body)))
	return &http.Response{
		Status:        strconv.Itoa(s.Status) + " " + http.StatusText(s.Status),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// ResponseType mirrors the fetch response classification. Only basic
// responses (same-origin, not opaque) are ever cached.
type ResponseType string

const (
	ResponseBasic  ResponseType = "basic"
	ResponseCORS   ResponseType = "cors"
	ResponseOpaque ResponseType = "opaque"
)

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
