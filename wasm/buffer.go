package wasm

import (
	"bytes"
	"net/http"
	"strings"
)

// responseBuffer interposes the downstream response so the guest can observe
// a fully-materialized response and rewrite it before release. While
// attached, no bytes, trailers, or termination reach the wire.
type responseBuffer struct {
	w http.ResponseWriter

	header      http.Header
	body        bytes.Buffer
	code        int
	wroteHeader bool

	// trailers is populated by splitTrailers after the downstream handler
	// returns, and may be rewritten by the guest afterwards.
	trailers http.Header

	released bool
}

var _ http.ResponseWriter = (*responseBuffer)(nil)
var _ http.Flusher = (*responseBuffer)(nil)

func newResponseBuffer(w http.ResponseWriter) *responseBuffer {
	return &responseBuffer{
		w:        w,
		header:   make(http.Header),
		code:     http.StatusOK,
		trailers: make(http.Header),
	}
}

func (b *responseBuffer) Header() http.Header {
	return b.header
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	b.wroteHeader = true
	return b.body.Write(p)
}

func (b *responseBuffer) WriteHeader(code int) {
	if b.wroteHeader {
		return
	}
	b.wroteHeader = true
	b.code = code
}

// Flush is absorbed: termination is deferred until release.
func (b *responseBuffer) Flush() {}

// splitTrailers moves trailer entries out of the captured header map: keys
// carrying http.TrailerPrefix, and keys announced in the Trailer header. Runs
// once, after the downstream handler returns.
func (b *responseBuffer) splitTrailers() {
	for _, name := range b.header.Values("Trailer") {
		for _, n := range strings.Split(name, ",") {
			n = strings.TrimSpace(n)
			if n == "" {
				continue
			}
			if vals := b.header.Values(n); len(vals) > 0 {
				b.trailers[http.CanonicalHeaderKey(n)] = vals
				b.header.Del(n)
			}
		}
	}
	b.header.Del("Trailer")
	for k, vals := range b.header {
		if strings.HasPrefix(k, http.TrailerPrefix) {
			b.trailers[strings.TrimPrefix(k, http.TrailerPrefix)] = vals
			delete(b.header, k)
		}
	}
}

// release flushes the captured response in order: headers and status, body
// bytes, then trailers. Releasing again, or after discard, is a no-op.
func (b *responseBuffer) release() error {
	if b.released {
		return nil
	}
	b.released = true

	dst := b.w.Header()
	for k, vals := range b.header {
		dst[k] = vals
	}
	b.w.WriteHeader(b.code)
	if b.body.Len() > 0 {
		if _, err := b.w.Write(b.body.Bytes()); err != nil {
			return err
		}
	}
	for k, vals := range b.trailers {
		for _, v := range vals {
			dst.Add(http.TrailerPrefix+k, v)
		}
	}
	return nil
}

// discard drops the captured response without touching the wire.
func (b *responseBuffer) discard() {
	b.released = true
}
