package wasm

import "strings"

// HostModule is the import module name under which the host exposes its
// functions to the guest.
const HostModule = "http_handler"

// Guest exports the host resolves at instantiation time.
const (
	// FuncHandleRequest is invoked once per request. The i64 result packs an
	// opaque context value in the high 32 bits and the proceed flag in bit 0:
	// 1 means dispatch the next handler, 0 means the guest already produced
	// the response.
	FuncHandleRequest = "handle_request"

	// FuncHandleResponse is invoked after the next handler completes, with
	// the context value returned by handle_request and an is_error flag.
	// It is not invoked when handle_request cleared the proceed bit.
	FuncHandleResponse = "handle_response"

	// FuncStart and FuncInitialize are optional one-shot init entry points.
	// _start wins when both are exported.
	FuncStart      = "_start"
	FuncInitialize = "_initialize"

	// MemoryExport is the required linear memory export.
	MemoryExport = "memory"
)

// Host function names in the http_handler module.
const (
	FuncEnableFeatures     = "enable_features"
	FuncGetConfig          = "get_config"
	FuncLog                = "log"
	FuncLogEnabled         = "log_enabled"
	FuncGetMethod          = "get_method"
	FuncGetURI             = "get_uri"
	FuncSetURI             = "set_uri"
	FuncGetProtocolVersion = "get_protocol_version"
	FuncGetHeaderNames     = "get_header_names"
	FuncGetHeaderValues    = "get_header_values"
	FuncSetHeaderValue     = "set_header_value"
	FuncReadBody           = "read_body"
	FuncWriteBody          = "write_body"
	FuncGetStatusCode      = "get_status_code"
	FuncSetStatusCode      = "set_status_code"
)

// Features is the bitmask negotiated via enable_features. A guest raises
// features during init (middleware-scoped) or during handle_request
// (request-scoped); they are never lowered.
type Features uint32

const (
	// FeatureBufferRequest pre-reads the request body so the guest can
	// inspect and rewrite it before the next handler runs.
	FeatureBufferRequest Features = 1 << iota

	// FeatureBufferResponse interposes the downstream response so the guest
	// can read and rewrite it in handle_response.
	FeatureBufferResponse

	// FeatureTrailers exposes HTTP trailers to the guest.
	FeatureTrailers
)

// WithEnabled returns the union of f and other.
func (f Features) WithEnabled(other Features) Features { return f | other }

// IsEnabled reports whether every bit of other is set in f.
func (f Features) IsEnabled(other Features) bool { return f&other == other }

func (f Features) String() string {
	var names []string
	if f.IsEnabled(FeatureBufferRequest) {
		names = append(names, "buffer-request")
	}
	if f.IsEnabled(FeatureBufferResponse) {
		names = append(names, "buffer-response")
	}
	if f.IsEnabled(FeatureTrailers) {
		names = append(names, "trailers")
	}
	return strings.Join(names, "|")
}

// HeaderKind selects which header collection an ABI call targets.
type HeaderKind uint32

const (
	HeaderKindRequest HeaderKind = iota
	HeaderKindResponse
	HeaderKindRequestTrailers
	HeaderKindResponseTrailers
)

func (k HeaderKind) String() string {
	switch k {
	case HeaderKindRequest:
		return "request"
	case HeaderKindResponse:
		return "response"
	case HeaderKindRequestTrailers:
		return "request trailers"
	case HeaderKindResponseTrailers:
		return "response trailers"
	}
	return "unknown"
}

// BodyKind selects which body an ABI call targets.
type BodyKind uint32

const (
	BodyKindRequest BodyKind = iota
	BodyKindResponse
)

func (k BodyKind) String() string {
	if k == BodyKindRequest {
		return "request"
	}
	return "response"
}

// Log levels passed to the log and log_enabled host functions.
const (
	LogLevelDebug int32 = -1
	LogLevelInfo  int32 = 0
	LogLevelWarn  int32 = 1
	LogLevelError int32 = 2
	LogLevelNone  int32 = 3
)
