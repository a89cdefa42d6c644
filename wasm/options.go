package wasm

import (
	"io"
	"time"

	"go.uber.org/zap"
)

// Option configures a Middleware at construction time.
type Option func(*options)

type options struct {
	guest          []byte
	guestPath      string
	guestConfig    []byte
	logger         *zap.Logger
	poolSize       int
	maxMemoryPages uint32
	interpreter    bool
	timeout        time.Duration
	stdout, stderr io.Writer
	args           []string
	env            map[string]string
}

// WithGuest supplies the compiled guest module as raw bytes. Takes precedence
// over WithGuestPath.
func WithGuest(wasm []byte) Option {
	return func(o *options) { o.guest = wasm }
}

// WithGuestPath supplies the path of the compiled guest module.
func WithGuestPath(path string) Option {
	return func(o *options) { o.guestPath = path }
}

// WithGuestConfig supplies the opaque config blob surfaced verbatim to the
// guest via get_config.
func WithGuestConfig(config []byte) Option {
	return func(o *options) { o.guestConfig = config }
}

// WithLogger routes guest log calls and bridge diagnostics to the given
// logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPoolSize sets how many guest instances are pre-instantiated. Each
// instance serves one request at a time; extra concurrent requests
// instantiate on the fly.
func WithPoolSize(n int) Option {
	return func(o *options) { o.poolSize = n }
}

// WithMaxMemoryPages caps the guest linear memory in 64KiB pages.
func WithMaxMemoryPages(pages uint32) Option {
	return func(o *options) { o.maxMemoryPages = pages }
}

// WithInterpreter forces the interpreter engine instead of the compiler.
// Useful on platforms without compiler support.
func WithInterpreter() Option {
	return func(o *options) { o.interpreter = true }
}

// WithInvocationTimeout bounds each guest invocation. A guest that exceeds it
// is trapped and its instance discarded.
func WithInvocationTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithStdout wires the guest's WASI stdout.
func WithStdout(w io.Writer) Option {
	return func(o *options) { o.stdout = w }
}

// WithStderr wires the guest's WASI stderr.
func WithStderr(w io.Writer) Option {
	return func(o *options) { o.stderr = w }
}

// WithArgs sets the guest's WASI argv.
func WithArgs(args ...string) Option {
	return func(o *options) { o.args = args }
}

// WithEnv sets a WASI environment variable for the guest.
func WithEnv(key, value string) Option {
	return func(o *options) {
		if o.env == nil {
			o.env = make(map[string]string)
		}
		o.env[key] = value
	}
}
