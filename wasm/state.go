package wasm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

type requestStateKey struct{}

// requestState is the per-request state reachable from every host function.
// The ABI carries no request handle, so the state rides on the context of the
// current guest invocation. One guest instance serves one request at a time,
// which keeps the binding unambiguous.
type requestState struct {
	r *http.Request
	w http.ResponseWriter

	// buffer interposes the response once FeatureBufferResponse is on. While
	// attached, nothing reaches the wire until release.
	buffer *responseBuffer

	// features starts as the middleware mask and may be raised by the guest
	// during handle_request. It never leaks into another request.
	features Features

	nextCalled bool

	// Direct-response bookkeeping, used when no buffer is attached.
	statusCode     int
	headersFlushed bool

	requestBody          []byte
	requestBodyRead      bool
	requestBodyCursor    uint32
	responseBodyCursor   uint32
	requestBodyReplaced  bool
	responseBodyReplaced bool
}

func newRequestState(w http.ResponseWriter, r *http.Request, features Features) *requestState {
	return &requestState{r: r, w: w, features: features, statusCode: http.StatusOK}
}

func contextWithRequestState(ctx context.Context, s *requestState) context.Context {
	return context.WithValue(ctx, requestStateKey{}, s)
}

// requestStateFromContext resolves the in-flight request. Calling an ABI
// function outside a request scope (other than enable_features, get_config,
// log and log_enabled, which do not need one) traps the guest.
func requestStateFromContext(ctx context.Context) *requestState {
	s, ok := ctx.Value(requestStateKey{}).(*requestState)
	if !ok {
		panic(fmt.Errorf("no request in scope"))
	}
	return s
}

// installBuffer attaches the response buffer. Idempotent so a guest raising
// FeatureBufferResponse mid-request composes with a middleware-level mask.
func (s *requestState) installBuffer() {
	if s.buffer == nil {
		s.buffer = newResponseBuffer(s.w)
	}
}

// responseWriter is where downstream output and direct guest writes go.
func (s *requestState) responseWriter() http.ResponseWriter {
	if s.buffer != nil {
		return s.buffer
	}
	return s.w
}

func (s *requestState) responseHeader() http.Header {
	return s.responseWriter().Header()
}

// materializeRequestBody drains the request body into memory so read_body can
// stream it by cursor and the downstream handler can re-read it.
func (s *requestState) materializeRequestBody() error {
	if s.requestBodyRead {
		return nil
	}
	s.requestBodyRead = true
	if s.r.Body == nil {
		return nil
	}
	b, err := io.ReadAll(s.r.Body)
	if err != nil {
		return fmt.Errorf("wasm: error reading request body: %w", err)
	}
	s.r.Body.Close()
	s.requestBody = b
	return nil
}

// replaceRequestBody implements the sticky replace-then-append rule of
// write_body for the request kind.
func (s *requestState) replaceRequestBody(b []byte) {
	if s.requestBodyReplaced {
		s.requestBody = append(s.requestBody, b...)
		return
	}
	// Discard the original stream: the guest chose a new body.
	if !s.requestBodyRead && s.r.Body != nil {
		io.Copy(io.Discard, s.r.Body)
		s.r.Body.Close()
	}
	s.requestBodyRead = true
	s.requestBody = append([]byte(nil), b...)
	s.requestBodyReplaced = true
}

// enterResponsePhase applies pending request mutations and resets the sticky
// body flags. The flags reset at phase boundaries, not request boundaries.
func (s *requestState) enterResponsePhase() {
	if s.requestBodyRead {
		s.r.Body = io.NopCloser(bytes.NewReader(s.requestBody))
		s.r.ContentLength = int64(len(s.requestBody))
	}
	s.requestBodyReplaced = false
	s.responseBodyReplaced = false
}

// flushDirectHeaders commits the status line on the unbuffered path. Response
// headers become immutable afterwards.
func (s *requestState) flushDirectHeaders() {
	if s.buffer != nil || s.headersFlushed {
		return
	}
	s.headersFlushed = true
	s.w.WriteHeader(s.statusCode)
}
