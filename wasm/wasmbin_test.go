package wasm

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// --- Minimal guest builders ---
// These build valid guest modules in wasm binary format directly. Wazero has
// no WAT parser, so the sections are encoded by hand. Every guest imports the
// full http_handler module in a fixed order so call indices stay stable.

// Host function indices in import order.
const (
	fnEnableFeatures = iota
	fnGetConfig
	fnLog
	fnLogEnabled
	fnGetMethod
	fnGetURI
	fnSetURI
	fnGetProtocolVersion
	fnGetHeaderNames
	fnGetHeaderValues
	fnSetHeaderValue
	fnReadBody
	fnWriteBody
	fnGetStatusCode
	fnSetStatusCode
	numHostImports
)

// Local function indices follow the imports.
const (
	fnHandleRequest = numHostImports + iota
	fnHandleResponse
	fnInit
)

type dataSegment struct {
	offset uint32
	data   []byte
}

// guestBuilder assembles a guest module. Instruction slices omit the trailing
// `end`; handle_request must leave one i64 on the stack.
type guestBuilder struct {
	initBody      []byte
	requestBody   []byte
	responseBody  []byte
	requestLocals int // extra i32 locals for handle_request
	data          []dataSegment
	nextData      uint32

	// Export omissions, for exercising setup validation.
	omitRequestExport  bool
	omitResponseExport bool
	omitMemoryExport   bool
}

func newGuest() *guestBuilder {
	return &guestBuilder{nextData: 2048}
}

// str stages a string in the data section and returns its offset and length.
func (g *guestBuilder) str(s string) (off, length uint32) {
	off = g.nextData
	g.data = append(g.data, dataSegment{offset: off, data: []byte(s)})
	g.nextData += uint32(len(s)) + 8
	return off, uint32(len(s))
}

func (g *guestBuilder) build() []byte {
	var b bytes.Buffer

	b.Write([]byte{0x00, 0x61, 0x73, 0x6d}) // magic
	b.Write([]byte{0x01, 0x00, 0x00, 0x00}) // version 1

	// --- Type Section (section 1) ---
	// type 0: (i32) -> (i32)              enable_features, log_enabled
	// type 1: (i32, i32) -> (i32)         get_config, get_method, get_uri, get_protocol_version
	// type 2: (i32, i32, i32) -> ()       log, write_body
	// type 3: (i32, i32) -> ()            set_uri, handle_response
	// type 4: (i32, i32, i32) -> (i64)    get_header_names, read_body
	// type 5: (i32 x5) -> (i64)           get_header_values
	// type 6: (i32 x5) -> ()              set_header_value
	// type 7: () -> (i32)                 get_status_code
	// type 8: (i32) -> ()                 set_status_code
	// type 9: () -> (i64)                 handle_request
	// type 10: () -> ()                   _initialize
	b.Write(encodeSection(1, encodeVector([][]byte{
		{0x60, 1, 0x7f, 1, 0x7f},
		{0x60, 2, 0x7f, 0x7f, 1, 0x7f},
		{0x60, 3, 0x7f, 0x7f, 0x7f, 0},
		{0x60, 2, 0x7f, 0x7f, 0},
		{0x60, 3, 0x7f, 0x7f, 0x7f, 1, 0x7e},
		{0x60, 5, 0x7f, 0x7f, 0x7f, 0x7f, 0x7f, 1, 0x7e},
		{0x60, 5, 0x7f, 0x7f, 0x7f, 0x7f, 0x7f, 0},
		{0x60, 0, 1, 0x7f},
		{0x60, 1, 0x7f, 0},
		{0x60, 0, 1, 0x7e},
		{0x60, 0, 0},
	})))

	// --- Import Section (section 2) ---
	importTypes := []byte{0, 1, 2, 0, 1, 1, 3, 1, 4, 5, 6, 4, 2, 7, 8}
	importNames := []string{
		FuncEnableFeatures, FuncGetConfig, FuncLog, FuncLogEnabled,
		FuncGetMethod, FuncGetURI, FuncSetURI, FuncGetProtocolVersion,
		FuncGetHeaderNames, FuncGetHeaderValues, FuncSetHeaderValue,
		FuncReadBody, FuncWriteBody, FuncGetStatusCode, FuncSetStatusCode,
	}
	imports := make([][]byte, len(importNames))
	for i, name := range importNames {
		imports[i] = encodeImport(HostModule, name, 0x00, importTypes[i])
	}
	b.Write(encodeSection(2, encodeVector(imports)))

	// --- Function Section (section 3) ---
	funcTypes := []byte{9, 3} // handle_request, handle_response
	if g.initBody != nil {
		funcTypes = append(funcTypes, 10)
	}
	funcSec := append([]byte{byte(len(funcTypes))}, funcTypes...)
	b.Write(encodeSection(3, funcSec))

	// --- Memory Section (section 5): 1 memory, min 2 pages ---
	b.Write(encodeSection(5, []byte{1, 0x00, 2}))

	// --- Export Section (section 7) ---
	var exports [][]byte
	if !g.omitMemoryExport {
		exports = append(exports, encodeExport(MemoryExport, 0x02, 0))
	}
	if !g.omitRequestExport {
		exports = append(exports, encodeExport(FuncHandleRequest, 0x00, byte(fnHandleRequest)))
	}
	if !g.omitResponseExport {
		exports = append(exports, encodeExport(FuncHandleResponse, 0x00, byte(fnHandleResponse)))
	}
	if g.initBody != nil {
		exports = append(exports, encodeExport(FuncInitialize, 0x00, byte(fnInit)))
	}
	b.Write(encodeSection(7, encodeVector(exports)))

	// --- Code Section (section 10) ---
	requestBody := g.requestBody
	if requestBody == nil {
		requestBody = i64Const(0)
	}
	codeBodies := [][]byte{
		encodeCode(g.requestLocals, append(append([]byte{}, requestBody...), 0x0b)),
		encodeCode(0, append(append([]byte{}, g.responseBody...), 0x0b)),
	}
	if g.initBody != nil {
		codeBodies = append(codeBodies, encodeCode(0, append(append([]byte{}, g.initBody...), 0x0b)))
	}
	b.Write(encodeSection(10, encodeVector(codeBodies)))

	// --- Data Section (section 11) ---
	if len(g.data) > 0 {
		segments := make([][]byte, len(g.data))
		for i, seg := range g.data {
			segments[i] = encodeDataSegment(seg.offset, seg.data)
		}
		b.Write(encodeSection(11, encodeVector(segments)))
	}

	return b.Bytes()
}

// --- wasm binary encoding helpers ---

func encodeSection(id byte, content []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(id)
	buf.Write(encodeLEB128(uint32(len(content))))
	buf.Write(content)
	return buf.Bytes()
}

func encodeVector(items [][]byte) []byte {
	var buf bytes.Buffer
	buf.Write(encodeLEB128(uint32(len(items))))
	for _, item := range items {
		buf.Write(item)
	}
	return buf.Bytes()
}

func encodeImport(module, name string, kind, typeIdx byte) []byte {
	var buf bytes.Buffer
	buf.Write(encodeLEB128(uint32(len(module))))
	buf.WriteString(module)
	buf.Write(encodeLEB128(uint32(len(name))))
	buf.WriteString(name)
	buf.WriteByte(kind)
	buf.WriteByte(typeIdx)
	return buf.Bytes()
}

func encodeExport(name string, kind, idx byte) []byte {
	var buf bytes.Buffer
	buf.Write(encodeLEB128(uint32(len(name))))
	buf.WriteString(name)
	buf.WriteByte(kind)
	buf.WriteByte(idx)
	return buf.Bytes()
}

func encodeCode(extraI32Locals int, body []byte) []byte {
	var locals []byte
	if extraI32Locals > 0 {
		locals = []byte{1, byte(extraI32Locals), 0x7f}
	} else {
		locals = []byte{0}
	}
	full := append(locals, body...)
	var buf bytes.Buffer
	buf.Write(encodeLEB128(uint32(len(full))))
	buf.Write(full)
	return buf.Bytes()
}

func encodeDataSegment(offset uint32, data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0x00) // active, memory 0
	buf.WriteByte(0x41) // i32.const
	buf.Write(encodeSignedLEB128(int64(offset)))
	buf.WriteByte(0x0b) // end
	buf.Write(encodeLEB128(uint32(len(data))))
	buf.Write(data)
	return buf.Bytes()
}

func encodeLEB128(value uint32) []byte {
	var buf []byte
	for {
		b := byte(value & 0x7f)
		value >>= 7
		if value != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if value == 0 {
			break
		}
	}
	return buf
}

func encodeSignedLEB128(value int64) []byte {
	var buf []byte
	for {
		b := byte(value & 0x7f)
		value >>= 7
		if (value == 0 && b&0x40 == 0) || (value == -1 && b&0x40 != 0) {
			buf = append(buf, b)
			break
		}
		b |= 0x80
		buf = append(buf, b)
	}
	return buf
}

// --- instruction helpers ---

func ins(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func i32Const(v int64) []byte {
	return append([]byte{0x41}, encodeSignedLEB128(v)...)
}

func i64Const(v int64) []byte {
	return append([]byte{0x42}, encodeSignedLEB128(v)...)
}

func callFn(idx int) []byte {
	return append([]byte{0x10}, encodeLEB128(uint32(idx))...)
}

func localGet(idx int) []byte {
	return append([]byte{0x20}, encodeLEB128(uint32(idx))...)
}

func localSet(idx int) []byte {
	return append([]byte{0x21}, encodeLEB128(uint32(idx))...)
}

var (
	opDrop        = []byte{0x1a}
	opI32Add      = []byte{0x6a}
	opUnreachable = []byte{0x00}
)

// writeWasmFile writes a built guest to a temp file and returns the path.
func writeWasmFile(t *testing.T, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "guest.wasm")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
