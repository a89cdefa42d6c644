package wasm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	wazeroapi "github.com/tetratelabs/wazero/api"
	"go.uber.org/zap/zapcore"
)

// instantiateHost registers the http_handler module. All functions resolve
// the in-flight request from the invocation context; guest-supplied offsets
// and lengths are untrusted and trap the guest when out of range.
func (m *Middleware) instantiateHost(ctx context.Context) error {
	_, err := m.runtime.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().WithFunc(m.enableFeatures).
		WithParameterNames("features").Export(FuncEnableFeatures).
		NewFunctionBuilder().WithFunc(m.getConfig).
		WithParameterNames("buf", "buf_limit").Export(FuncGetConfig).
		NewFunctionBuilder().WithFunc(m.log).
		WithParameterNames("level", "buf", "buf_len").Export(FuncLog).
		NewFunctionBuilder().WithFunc(m.logEnabled).
		WithParameterNames("level").Export(FuncLogEnabled).
		NewFunctionBuilder().WithFunc(m.getMethod).
		WithParameterNames("buf", "buf_limit").Export(FuncGetMethod).
		NewFunctionBuilder().WithFunc(m.getURI).
		WithParameterNames("buf", "buf_limit").Export(FuncGetURI).
		NewFunctionBuilder().WithFunc(m.setURI).
		WithParameterNames("uri", "uri_len").Export(FuncSetURI).
		NewFunctionBuilder().WithFunc(m.getProtocolVersion).
		WithParameterNames("buf", "buf_limit").Export(FuncGetProtocolVersion).
		NewFunctionBuilder().WithFunc(m.getHeaderNames).
		WithParameterNames("kind", "buf", "buf_limit").Export(FuncGetHeaderNames).
		NewFunctionBuilder().WithFunc(m.getHeaderValues).
		WithParameterNames("kind", "name", "name_len", "buf", "buf_limit").Export(FuncGetHeaderValues).
		NewFunctionBuilder().WithFunc(m.setHeaderValue).
		WithParameterNames("kind", "name", "name_len", "value", "value_len").Export(FuncSetHeaderValue).
		NewFunctionBuilder().WithFunc(m.readBody).
		WithParameterNames("kind", "buf", "buf_len").Export(FuncReadBody).
		NewFunctionBuilder().WithFunc(m.writeBody).
		WithParameterNames("kind", "buf", "buf_len").Export(FuncWriteBody).
		NewFunctionBuilder().WithFunc(m.getStatusCode).Export(FuncGetStatusCode).
		NewFunctionBuilder().WithFunc(m.setStatusCode).
		WithParameterNames("status_code").Export(FuncSetStatusCode).
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("wasm: error instantiating host module: %w", err)
	}
	return nil
}

// enableFeatures unions the requested bits into the current mask: the
// request-scoped mask during a request, the middleware mask during init.
// Raising buffering mid-request takes effect before the next handler runs.
func (m *Middleware) enableFeatures(ctx context.Context, features uint32) uint32 {
	s, ok := ctx.Value(requestStateKey{}).(*requestState)
	if !ok {
		for {
			old := m.featureMask.Load()
			if m.featureMask.CompareAndSwap(old, old|features) {
				return old | features
			}
		}
	}
	s.features = s.features.WithEnabled(Features(features))
	if !s.nextCalled {
		if s.features.IsEnabled(FeatureBufferRequest) {
			if err := s.materializeRequestBody(); err != nil {
				panic(err)
			}
		}
		if s.features.IsEnabled(FeatureBufferResponse) {
			s.installBuffer()
		}
	}
	return uint32(s.features)
}

func (m *Middleware) getConfig(ctx context.Context, mod wazeroapi.Module, buf, bufLimit uint32) uint32 {
	return writeIfUnderLimit(mod.Memory(), buf, bufLimit, m.guestConfig)
}

func (m *Middleware) log(ctx context.Context, mod wazeroapi.Module, level int32, buf, bufLen uint32) {
	msg := mustReadString(mod.Memory(), "message", buf, bufLen)
	switch level {
	case LogLevelDebug:
		m.logger.Debug(msg)
	case LogLevelInfo:
		m.logger.Info(msg)
	case LogLevelWarn:
		m.logger.Warn(msg)
	case LogLevelError:
		m.logger.Error(msg)
	}
}

func (m *Middleware) logEnabled(ctx context.Context, level int32) uint32 {
	var lvl zapcore.Level
	switch level {
	case LogLevelDebug:
		lvl = zapcore.DebugLevel
	case LogLevelInfo:
		lvl = zapcore.InfoLevel
	case LogLevelWarn:
		lvl = zapcore.WarnLevel
	case LogLevelError:
		lvl = zapcore.ErrorLevel
	default:
		return 0
	}
	if m.logger.Core().Enabled(lvl) {
		return 1
	}
	return 0
}

func (m *Middleware) getMethod(ctx context.Context, mod wazeroapi.Module, buf, bufLimit uint32) uint32 {
	s := requestStateFromContext(ctx)
	return writeStringIfUnderLimit(mod.Memory(), buf, bufLimit, s.r.Method)
}

func (m *Middleware) getURI(ctx context.Context, mod wazeroapi.Module, buf, bufLimit uint32) uint32 {
	s := requestStateFromContext(ctx)
	return writeStringIfUnderLimit(mod.Memory(), buf, bufLimit, s.r.URL.RequestURI())
}

func (m *Middleware) setURI(ctx context.Context, mod wazeroapi.Module, uri, uriLen uint32) {
	s := requestStateFromContext(ctx)
	if s.nextCalled {
		panic(fmt.Errorf("can't set uri after next handler"))
	}
	if uriLen == 0 { // overwrite with empty is supported
		s.r.URL.Path = ""
		s.r.URL.RawPath = ""
		s.r.URL.RawQuery = ""
		return
	}
	raw := mustReadString(mod.Memory(), "uri", uri, uriLen)
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		panic(fmt.Errorf("invalid uri %q: %w", raw, err))
	}
	s.r.URL.Path = u.Path
	s.r.URL.RawPath = u.RawPath
	s.r.URL.RawQuery = u.RawQuery
}

func (m *Middleware) getProtocolVersion(ctx context.Context, mod wazeroapi.Module, buf, bufLimit uint32) uint32 {
	s := requestStateFromContext(ctx)
	version := fmt.Sprintf("HTTP/%d.%d", s.r.ProtoMajor, s.r.ProtoMinor)
	return writeStringIfUnderLimit(mod.Memory(), buf, bufLimit, version)
}

func (m *Middleware) getHeaderNames(ctx context.Context, mod wazeroapi.Module, kind, buf, bufLimit uint32) uint64 {
	s := requestStateFromContext(ctx)
	h := s.headersFor(HeaderKind(kind), false)
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, strings.ToLower(k))
	}
	sort.Strings(names)
	return writeNULTerminated(mod.Memory(), buf, bufLimit, names)
}

func (m *Middleware) getHeaderValues(ctx context.Context, mod wazeroapi.Module, kind, name, nameLen, buf, bufLimit uint32) uint64 {
	if nameLen == 0 {
		panic(fmt.Errorf("HTTP header name cannot be empty"))
	}
	s := requestStateFromContext(ctx)
	h := s.headersFor(HeaderKind(kind), false)
	n := mustReadString(mod.Memory(), "name", name, nameLen)
	return writeNULTerminated(mod.Memory(), buf, bufLimit, headerValues(h, n))
}

func (m *Middleware) setHeaderValue(ctx context.Context, mod wazeroapi.Module, kind, name, nameLen, value, valueLen uint32) {
	if nameLen == 0 {
		panic(fmt.Errorf("HTTP header name cannot be empty"))
	}
	s := requestStateFromContext(ctx)
	h := s.headersFor(HeaderKind(kind), true)
	n := mustReadString(mod.Memory(), "name", name, nameLen)
	v := mustReadString(mod.Memory(), "value", value, valueLen)
	h.Set(n, v)
}

func (m *Middleware) readBody(ctx context.Context, mod wazeroapi.Module, kind, buf, bufLen uint32) uint64 {
	s := requestStateFromContext(ctx)
	switch BodyKind(kind) {
	case BodyKindRequest:
		if s.nextCalled {
			panic(fmt.Errorf("can't read request body after next handler"))
		}
		if err := s.materializeRequestBody(); err != nil {
			panic(err)
		}
		return readCursor(mod.Memory(), buf, bufLen, s.requestBody, &s.requestBodyCursor)
	case BodyKindResponse:
		if s.buffer == nil {
			panic(fmt.Errorf("can't read response body without %s", FeatureBufferResponse))
		}
		return readCursor(mod.Memory(), buf, bufLen, s.buffer.body.Bytes(), &s.responseBodyCursor)
	}
	panic(fmt.Errorf("unknown body kind %d", kind))
}

// writeBody applies the sticky replace-then-append rule within a phase: the
// first write of a phase replaces the whole body, later writes append. On
// the unbuffered direct path bytes go straight to the wire.
func (m *Middleware) writeBody(ctx context.Context, mod wazeroapi.Module, kind, buf, bufLen uint32) {
	s := requestStateFromContext(ctx)
	b := mustRead(mod.Memory(), "body", buf, bufLen)
	switch BodyKind(kind) {
	case BodyKindRequest:
		if s.nextCalled {
			panic(fmt.Errorf("can't write request body after next handler"))
		}
		s.replaceRequestBody(b)
	case BodyKindResponse:
		if !s.nextCalled {
			if s.buffer != nil {
				s.buffer.body.Write(b)
				return
			}
			s.flushDirectHeaders()
			if _, err := s.w.Write(b); err != nil {
				panic(fmt.Errorf("error writing body: %w", err))
			}
			return
		}
		if s.buffer == nil {
			panic(fmt.Errorf("can't write response body after next handler without %s", FeatureBufferResponse))
		}
		if !s.responseBodyReplaced {
			s.buffer.body.Reset()
			s.responseBodyReplaced = true
		}
		s.buffer.body.Write(b)
	default:
		panic(fmt.Errorf("unknown body kind %d", kind))
	}
}

func (m *Middleware) getStatusCode(ctx context.Context) uint32 {
	s := requestStateFromContext(ctx)
	if s.buffer != nil {
		return uint32(s.buffer.code)
	}
	if s.nextCalled {
		panic(fmt.Errorf("can't get status code after next handler without %s", FeatureBufferResponse))
	}
	return uint32(s.statusCode)
}

func (m *Middleware) setStatusCode(ctx context.Context, statusCode uint32) {
	s := requestStateFromContext(ctx)
	if s.buffer != nil {
		if s.buffer.released {
			panic(fmt.Errorf("can't set status code after response flushed"))
		}
		s.buffer.code = int(statusCode)
		return
	}
	if s.nextCalled || s.headersFlushed {
		panic(fmt.Errorf("can't set status code after response flushed"))
	}
	s.statusCode = int(statusCode)
}

// headersFor maps a kind to its backing header collection, enforcing the
// phase rules: request state is writable only before the next handler,
// response state after next requires buffering, trailers require the
// trailers feature.
func (s *requestState) headersFor(kind HeaderKind, write bool) http.Header {
	switch kind {
	case HeaderKindRequest:
		if write && s.nextCalled {
			panic(fmt.Errorf("can't set request header after next handler"))
		}
		return s.r.Header
	case HeaderKindResponse:
		if s.nextCalled && s.buffer == nil {
			panic(fmt.Errorf("can't access response headers after next handler without %s", FeatureBufferResponse))
		}
		if write && s.headersFlushed {
			panic(fmt.Errorf("can't set response header after response flushed"))
		}
		return s.responseHeader()
	case HeaderKindRequestTrailers:
		if !s.features.IsEnabled(FeatureTrailers) {
			panic(fmt.Errorf("can't access request trailers without %s", FeatureTrailers))
		}
		if write && s.nextCalled {
			panic(fmt.Errorf("can't set request trailer after next handler"))
		}
		if s.r.Trailer == nil {
			s.r.Trailer = make(http.Header)
		}
		return s.r.Trailer
	case HeaderKindResponseTrailers:
		if !s.features.IsEnabled(FeatureTrailers) {
			panic(fmt.Errorf("can't access response trailers without %s", FeatureTrailers))
		}
		if s.buffer == nil {
			panic(fmt.Errorf("can't access response trailers without %s", FeatureBufferResponse))
		}
		return s.buffer.trailers
	}
	panic(fmt.Errorf("unknown header kind %d", kind))
}

// headerValues returns the value list for one name. Set-Cookie keeps its
// list-of-values shape; any other multi-valued header collapses to a single
// comma-joined value.
func headerValues(h http.Header, name string) []string {
	vals := h.Values(name)
	if len(vals) <= 1 || strings.EqualFold(name, "Set-Cookie") {
		return vals
	}
	return []string{strings.Join(vals, ", ")}
}

// readCursor streams body bytes forward from the per-request cursor. Bit 32
// of the result signals end-of-stream; the low 32 bits carry the byte count
// written this call.
func readCursor(mem guestMemory, buf, bufLen uint32, body []byte, cursor *uint32) uint64 {
	length := uint32(len(body))
	if *cursor > length {
		*cursor = length
	}
	n := length - *cursor
	if n > bufLen {
		n = bufLen
	}
	if n > 0 {
		if !mem.Write(buf, body[*cursor:*cursor+n]) {
			panic(fmt.Errorf("out of memory writing body"))
		}
		*cursor += n
	}
	var eof uint64
	if *cursor == length {
		eof = 1 << 32
	}
	return eof | uint64(n)
}

// --- memory marshaling helpers ---

// guestMemory is the part of wazero's api.Memory the marshaling helpers use.
type guestMemory interface {
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
	WriteString(offset uint32, v string) bool
	WriteByte(offset uint32, v byte) bool
}

var emptyBody = make([]byte, 0)

// mustRead panics when the guest-supplied range falls outside linear memory;
// wazero surfaces the panic as a guest trap.
func mustRead(mem guestMemory, fieldName string, offset, byteCount uint32) []byte {
	if byteCount == 0 {
		return emptyBody
	}
	buf, ok := mem.Read(offset, byteCount)
	if !ok {
		panic(fmt.Errorf("out of memory reading %s", fieldName))
	}
	return buf
}

func mustReadString(mem guestMemory, fieldName string, offset, byteCount uint32) string {
	if byteCount == 0 {
		return ""
	}
	return string(mustRead(mem, fieldName, offset, byteCount))
}

// writeIfUnderLimit implements the write-if-fits protocol: the result is the
// required byte count whether or not anything was written, so the guest can
// grow its buffer and retry. buf_limit zero acts as a size query.
func writeIfUnderLimit(mem guestMemory, offset, limit uint32, v []byte) uint32 {
	vLen := uint32(len(v))
	if vLen > limit || vLen == 0 {
		return vLen
	}
	if !mem.Write(offset, v) {
		panic(fmt.Errorf("out of memory writing at %d", offset))
	}
	return vLen
}

func writeStringIfUnderLimit(mem guestMemory, offset, limit uint32, v string) uint32 {
	vLen := uint32(len(v))
	if vLen > limit || vLen == 0 {
		return vLen
	}
	if !mem.WriteString(offset, v) {
		panic(fmt.Errorf("out of memory writing at %d", offset))
	}
	return vLen
}

// writeNULTerminated encodes a list result: count in the high 32 bits, total
// byte count (each item plus one NUL) in the low 32. When the buffer is too
// small nothing is written and the counts alone come back.
func writeNULTerminated(mem guestMemory, buf, bufLimit uint32, items []string) uint64 {
	count := uint32(len(items))
	if count == 0 {
		return 0
	}
	var byteCount uint32
	for _, item := range items {
		byteCount += uint32(len(item)) + 1
	}
	result := uint64(count)<<32 | uint64(byteCount)
	if byteCount > bufLimit {
		return result
	}
	offset := buf
	for _, item := range items {
		if len(item) > 0 {
			if !mem.WriteString(offset, item) {
				panic(fmt.Errorf("out of memory writing at %d", offset))
			}
			offset += uint32(len(item))
		}
		if !mem.WriteByte(offset, 0) {
			panic(fmt.Errorf("out of memory writing at %d", offset))
		}
		offset++
	}
	return result
}
