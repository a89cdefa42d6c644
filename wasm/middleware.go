package wasm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	wazeroapi "github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wudi/wasmbridge/internal/logging"
)

// Middleware embeds a WebAssembly guest as an HTTP middleware. One Middleware
// owns one compiled guest and a pool of instances; it is safe for concurrent
// use, while each instance serves one request at a time.
type Middleware struct {
	runtime      wazero.Runtime
	guestModule  wazero.CompiledModule
	moduleConfig wazero.ModuleConfig
	guestConfig  []byte
	logger       *zap.Logger
	timeout      time.Duration
	pool         *instancePool

	// featureMask is the middleware-scoped feature bitmask, raised by the
	// guest during init and fixed thereafter. Per-request raises live on
	// requestState and never land here.
	featureMask atomic.Uint32

	requestInvocations  atomic.Int64
	responseInvocations atomic.Int64
	traps               atomic.Int64
	timeouts            atomic.Int64
	totalLatencyNs      atomic.Int64
}

// NewMiddleware reads and compiles the guest, registers the http_handler and
// WASI host modules, and pre-instantiates the pool. Guest init (_start or
// _initialize) runs once per instance; feature negotiation during init is
// recorded on the middleware. Any failure here is fatal: no middleware is
// returned.
func NewMiddleware(ctx context.Context, opts ...Option) (*Middleware, error) {
	o := &options{poolSize: 4}
	for _, opt := range opts {
		opt(o)
	}

	guest := o.guest
	if guest == nil {
		if o.guestPath == "" {
			return nil, fmt.Errorf("wasm: no guest module provided")
		}
		b, err := os.ReadFile(o.guestPath)
		if err != nil {
			return nil, fmt.Errorf("wasm: error reading guest: %w", err)
		}
		guest = b
	}

	logger := o.logger
	if logger == nil {
		logger = logging.Global()
	}

	var rtCfg wazero.RuntimeConfig
	if o.interpreter {
		rtCfg = wazero.NewRuntimeConfigInterpreter()
	} else {
		rtCfg = wazero.NewRuntimeConfigCompiler()
	}
	maxPages := o.maxMemoryPages
	if maxPages == 0 {
		maxPages = 256 // 16MB
	}
	// CloseOnContextDone lets a deadline or cancellation interrupt a guest
	// mid-invocation; the interrupted instance counts as trapped.
	rtCfg = rtCfg.WithMemoryLimitPages(maxPages).WithCloseOnContextDone(true)

	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)

	m := &Middleware{
		runtime:     rt,
		guestConfig: o.guestConfig,
		logger:      logger,
		timeout:     o.timeout,
	}

	if err := m.instantiateHost(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("wasm: error instantiating wasi: %w", err)
	}

	compiled, err := m.compileGuest(ctx, guest)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	m.guestModule = compiled

	// Init runs manually after instantiation so _initialize-style reactors
	// work the same as _start-style commands.
	cfg := wazero.NewModuleConfig().WithName("").WithStartFunctions()
	if o.stdout != nil {
		cfg = cfg.WithStdout(o.stdout)
	}
	if o.stderr != nil {
		cfg = cfg.WithStderr(o.stderr)
	}
	if len(o.args) > 0 {
		cfg = cfg.WithArgs(o.args...)
	}
	for k, v := range o.env {
		cfg = cfg.WithEnv(k, v)
	}
	m.moduleConfig = cfg

	pool, err := newInstancePool(ctx, o.poolSize, m.newInstance)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	m.pool = pool

	return m, nil
}

func (m *Middleware) compileGuest(ctx context.Context, guest []byte) (wazero.CompiledModule, error) {
	compiled, err := m.runtime.CompileModule(ctx, guest)
	if err != nil {
		return nil, fmt.Errorf("wasm: error compiling guest: %w", err)
	}
	exports := compiled.ExportedFunctions()
	if fn, ok := exports[FuncHandleRequest]; !ok {
		return nil, fmt.Errorf("wasm: guest doesn't export func[%s]", FuncHandleRequest)
	} else if len(fn.ParamTypes()) != 0 || len(fn.ResultTypes()) != 1 || fn.ResultTypes()[0] != wazeroapi.ValueTypeI64 {
		return nil, fmt.Errorf("wasm: guest exports the wrong signature for func[%s]: want () -> i64", FuncHandleRequest)
	}
	if fn, ok := exports[FuncHandleResponse]; !ok {
		return nil, fmt.Errorf("wasm: guest doesn't export func[%s]", FuncHandleResponse)
	} else if len(fn.ParamTypes()) != 2 || len(fn.ResultTypes()) != 0 {
		return nil, fmt.Errorf("wasm: guest exports the wrong signature for func[%s]: want (i32, i32)", FuncHandleResponse)
	}
	if _, ok := compiled.ExportedMemories()[MemoryExport]; !ok {
		return nil, fmt.Errorf("wasm: guest doesn't export memory[%s]", MemoryExport)
	}
	return compiled, nil
}

// newInstance instantiates the guest and runs its init entry point. The
// instantiation context carries no requestState, so enable_features during
// init lands on the middleware mask.
func (m *Middleware) newInstance(ctx context.Context) (*guestInstance, error) {
	mod, err := m.runtime.InstantiateModule(ctx, m.guestModule, m.moduleConfig)
	if err != nil {
		return nil, fmt.Errorf("wasm: error instantiating guest: %w", err)
	}

	initFn := mod.ExportedFunction(FuncStart)
	if initFn == nil {
		initFn = mod.ExportedFunction(FuncInitialize)
	}
	if initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			var exitErr *sys.ExitError
			if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
				_ = mod.Close(ctx)
				return nil, fmt.Errorf("wasm: error initializing guest: %w", err)
			}
		}
	}

	g := &guestInstance{
		mod:            mod,
		handleRequest:  mod.ExportedFunction(FuncHandleRequest),
		handleResponse: mod.ExportedFunction(FuncHandleResponse),
	}
	if g.handleRequest == nil || g.handleResponse == nil {
		_ = mod.Close(ctx)
		return nil, fmt.Errorf("wasm: guest instance lost handler exports")
	}
	return g, nil
}

// Features returns the middleware-scoped feature mask negotiated during guest
// init. Monotonic: bits are only ever added.
func (m *Middleware) Features() Features {
	return Features(m.featureMask.Load())
}

// Wrap composes the middleware around the next handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.serve(w, r, next)
	})
}

// serve drives one request through the guest lifecycle:
// pre-read -> handle_request -> next -> handle_response -> release.
func (m *Middleware) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	start := time.Now()
	defer func() {
		m.totalLatencyNs.Add(time.Since(start).Nanoseconds())
	}()

	ctx := r.Context()
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	g, err := m.pool.borrow(ctx)
	if err != nil {
		m.logger.Error("wasm guest instantiation failed", zap.Error(err))
		http.Error(w, "wasm middleware error", http.StatusInternalServerError)
		return
	}

	s := newRequestState(w, r, m.Features())
	if s.features.IsEnabled(FeatureBufferRequest) {
		if err := s.materializeRequestBody(); err != nil {
			m.pool.giveBack(r.Context(), g)
			m.logger.Error("request body pre-read failed", zap.Error(err))
			http.Error(w, "wasm middleware error", http.StatusInternalServerError)
			return
		}
	}
	if s.features.IsEnabled(FeatureBufferResponse) {
		s.installBuffer()
	}
	ctx = contextWithRequestState(ctx, s)

	m.requestInvocations.Add(1)
	results, err := g.handleRequest.Call(ctx)
	if err != nil {
		m.trap(ctx, s, g, FuncHandleRequest, err)
		return
	}
	ctxNext := results[0]
	proceed := ctxNext&1 == 1
	reqCtx := uint32(ctxNext >> 32)

	if !proceed {
		// The guest populated the response; the chain terminates here.
		if s.buffer != nil {
			if err := s.buffer.release(); err != nil {
				m.logger.Error("response buffer release failed", zap.Error(err))
			}
		} else {
			s.flushDirectHeaders()
		}
		m.pool.giveBack(r.Context(), g)
		return
	}

	s.enterResponsePhase()
	var downstreamErr any
	func() {
		defer func() { downstreamErr = recover() }()
		next.ServeHTTP(s.responseWriter(), r)
	}()
	s.nextCalled = true
	if s.buffer != nil {
		s.buffer.splitTrailers()
	}

	isError := uint64(0)
	if downstreamErr != nil {
		isError = 1
	}
	m.responseInvocations.Add(1)
	if _, err := g.handleResponse.Call(ctx, uint64(reqCtx), isError); err != nil {
		m.trap(ctx, s, g, FuncHandleResponse, err)
		if downstreamErr != nil {
			m.logger.Error("downstream handler panicked", zap.Any("panic", downstreamErr))
		}
		return
	}

	if s.buffer != nil {
		if err := s.buffer.release(); err != nil {
			m.logger.Error("response buffer release failed", zap.Error(err))
		}
	}
	m.pool.giveBack(r.Context(), g)

	if downstreamErr != nil {
		// The guest saw is_error=1 and its output was delivered; re-raise so
		// the outer recovery middleware can account for the failure.
		panic(downstreamErr)
	}
}

// trap handles a guest failure: the instance is discarded, never reused, and
// the request fails with a 500 unless the response already hit the wire.
func (m *Middleware) trap(ctx context.Context, s *requestState, g *guestInstance, fn string, err error) {
	if ctx.Err() != nil {
		m.timeouts.Add(1)
		m.logger.Error("wasm guest interrupted", zap.String("func", fn), zap.Error(ctx.Err()))
	} else {
		m.traps.Add(1)
		m.logger.Error("wasm guest trapped", zap.String("func", fn), zap.Error(err))
	}
	m.pool.discard(context.WithoutCancel(ctx), g)

	if s.buffer != nil {
		s.buffer.discard()
		http.Error(s.w, "wasm middleware error", http.StatusInternalServerError)
		return
	}
	// Without a buffer, anything the downstream handler streamed is already
	// on the wire, as are direct guest writes.
	if !s.nextCalled && !s.headersFlushed {
		http.Error(s.w, "wasm middleware error", http.StatusInternalServerError)
	}
}

// Close releases the pool, compiled modules, and the runtime.
func (m *Middleware) Close(ctx context.Context) error {
	if m.pool != nil {
		m.pool.close(ctx)
	}
	return m.runtime.Close(ctx)
}

// Stats is a point-in-time view of middleware activity.
type Stats struct {
	RequestInvocations  int64     `json:"request_invocations"`
	ResponseInvocations int64     `json:"response_invocations"`
	Traps               int64     `json:"traps"`
	Timeouts            int64     `json:"timeouts"`
	TotalLatencyNs      int64     `json:"total_latency_ns"`
	Features            string    `json:"features"`
	Pool                PoolStats `json:"pool"`
}

func (m *Middleware) Stats() Stats {
	return Stats{
		RequestInvocations:  m.requestInvocations.Load(),
		ResponseInvocations: m.responseInvocations.Load(),
		Traps:               m.traps.Load(),
		Timeouts:            m.timeouts.Load(),
		TotalLatencyNs:      m.totalLatencyNs.Load(),
		Features:            m.Features().String(),
		Pool:                m.pool.stats(),
	}
}
