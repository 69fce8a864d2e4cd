package offline

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Response is a fully buffered HTTP response as held in a cache generation.
type Response struct {
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	URL        string      `json:"url,omitempty"`
	StoredAt   time.Time   `json:"storedAt,omitempty"`
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode <= 299
}

// Storable reports whether the response may enter a cache generation.
func (r *Response) Storable() bool {
	if !r.OK() {
		return false
	}
	return !ParseCacheControl(r.Header.Get("Cache-Control")).NoStore
}

// Clone returns a deep copy. Stored and served responses never share
// header maps or body slices.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		URL:        r.URL,
		StoredAt:   r.StoredAt,
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// Write sends the response to w, adding extra headers first.
func (r *Response) Write(w http.ResponseWriter, extra http.Header) {
	dst := w.Header()
	for key, values := range r.Header {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
	for key, values := range extra {
		dst.Del(key)
		for _, value := range values {
			dst.Add(key, value)
		}
	}
	dst.Set("Content-Length", strconv.Itoa(len(r.Body)))
	w.WriteHeader(r.StatusCode)
	if len(r.Body) > 0 {
		_, _ = w.Write(r.Body)
	}
}

// ReadResponse buffers resp and closes its body.
func ReadResponse(resp *http.Response, url string) (*Response, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("offline: read body: %w", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     stripHopByHop(resp.Header),
		Body:       body,
		URL:        url,
	}, nil
}

func offlineResponse(body []byte) *Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Cache-Control", "no-store")
	return &Response{
		StatusCode: http.StatusServiceUnavailable,
		Header:     header,
		Body:       body,
	}
}

func stripHopByHop(header http.Header) http.Header {
	clone := header.Clone()
	if clone == nil {
		return make(http.Header)
	}
	for _, k := range []string{
		"Connection", "Proxy-Connection", "Keep-Alive",
		"Proxy-Authenticate", "Proxy-Authorization", "TE",
		"Trailer", "Transfer-Encoding", "Upgrade",
	} {
		clone.Del(k)
	}
	if conn := header.Get("Connection"); conn != "" {
		for _, token := range strings.Split(conn, ",") {
			if token = strings.TrimSpace(token); token != "" {
				clone.Del(token)
			}
		}
	}
	return clone
}
