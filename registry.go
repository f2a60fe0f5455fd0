package czmil

import (
	"log/slog"
	"sync"
	"time"
)

// MaxFiles bounds the number of simultaneously open descriptors per
// process, mirroring the legacy C library's fixed-size handle table.
const MaxFiles = 32

// Registry is the explicit context object the Open Question in
// SPEC_FULL.md §9 resolves the legacy process-global descriptor table
// and one-shot UTC latch into. A package-level DefaultRegistry exposes
// the same flat call style the original API shape implies
// (Create/Open/Close as free functions), while still letting a caller
// that wants isolation build its own Registry.
type Registry struct {
	mu   sync.Mutex
	slot [MaxFiles]*fileHandle

	tzOnce    sync.Once
	progress  ProgressFunc
	lastErrMu sync.Mutex
	lastErr   error

	Logger *slog.Logger
}

// ProgressFunc is the optional process-wide progress-reporter callback
// spec.md §5 describes, invoked during long-running rebuilds such as
// CIF regeneration. done/total are record counts, not bytes.
type ProgressFunc func(done, total int64)

// NewRegistry constructs a Registry with a default slog.Logger writing
// to the process's default handler.
func NewRegistry() *Registry {
	return &Registry{Logger: slog.Default()}
}

// DefaultRegistry is the process-wide registry the package-level
// Create*/Open*/Close* convenience functions delegate to.
var DefaultRegistry = NewRegistry()

// initUTC forces the process TZ to UTC exactly once, so that the
// Unix-epoch microsecond <-> Y/D/H/M/S conversions used by the header
// codec (and meeus-based calendar helpers) are deterministic
// regardless of the host's local timezone. Idempotent and safe to
// call from every Open.
func (r *Registry) initUTC() {
	r.tzOnce.Do(func() {
		time.Local = time.UTC
	})
}

// SetProgress installs the progress-reporter callback used by
// long-running rebuilds (CIF regeneration). Pass nil to clear it.
func (r *Registry) SetProgress(fn ProgressFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = fn
}

func (r *Registry) reportProgress(done, total int64) {
	r.mu.Lock()
	fn := r.progress
	r.mu.Unlock()
	if fn != nil {
		fn(done, total)
	}
}

// setLastError records err as the most recent failure observed by
// this registry, mirroring the legacy get_errno/strerror slot. It
// also returns err unchanged so call sites can
// `return r.setLastError(err)`.
func (r *Registry) setLastError(err error) error {
	r.lastErrMu.Lock()
	r.lastErr = err
	r.lastErrMu.Unlock()
	return err
}

// LastError returns the most recent error recorded against this
// registry, or nil if none has occurred yet.
func (r *Registry) LastError() error {
	r.lastErrMu.Lock()
	defer r.lastErrMu.Unlock()
	return r.lastErr
}

// GetErrno returns the ErrorKind of the most recent failure, the
// legacy get_errno() query.
func (r *Registry) GetErrno() ErrorKind {
	return KindOf(r.LastError())
}

// Strerror returns the human-readable message of the most recent
// failure, the legacy strerror()/perror() counterpart.
func (r *Registry) Strerror() string {
	if err := r.LastError(); err != nil {
		return err.Error()
	}
	return ""
}

// acquire finds the first vacant slot in the descriptor table and
// installs h there, returning the handle index (>= 0) or a
// *CzmilError with ErrProtocol if the table is full.
func (r *Registry) acquire(h *fileHandle) (int, error) {
	r.initUTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.slot {
		if s == nil {
			r.slot[i] = h
			return i, nil
		}
	}
	return -1, r.setLastError(protocolErr("", "too many open files (MAX_FILES exceeded)"))
}

// release vacates the descriptor table slot for handle index i.
func (r *Registry) release(i int) {
	if i < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < len(r.slot) {
		r.slot[i] = nil
	}
}
