// Package ffi is the user facing side of cffi. A Session holds the C
// declarations made with Cdef, turns the resulting types into backend
// handles, and uses them to call native functions, read and write native
// variables and memory, and expose Go functions to native code as
// callbacks.
package ffi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ollama/cffi/backend"
	"github.com/ollama/cffi/cdecl"
	"github.com/ollama/cffi/ctypes"
	"github.com/ollama/cffi/envconfig"
	"github.com/ollama/cffi/logutil"
)

type options struct {
	backend     string
	libraryPath []string
	cacheSize   int
	logger      *slog.Logger
}

type Option func(*options)

// WithBackend selects a registered backend by name instead of CFFI_BACKEND.
func WithBackend(name string) Option {
	return func(o *options) { o.backend = name }
}

// WithLibraryPath sets the directories searched for libraries loaded by
// bare name.
func WithLibraryPath(paths ...string) Option {
	return func(o *options) { o.libraryPath = paths }
}

// WithTypeCacheSize sets how many parsed type strings are remembered.
func WithTypeCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

type typeKey struct {
	text         string
	forcePointer bool
}

// Session is one FFI context: declarations, realized handles, libraries and
// callbacks. Its methods are safe for concurrent use.
type Session struct {
	id      string
	log     *slog.Logger
	backend backend.Backend
	target  *ctypes.Target
	parsed  *lru.Cache[typeKey, ctypes.Type]

	mu        sync.Mutex
	resolver  *cdecl.Resolver
	handles   map[ctypes.Type]backend.Type
	pending   map[*ctypes.Struct]backend.Type
	libraries []*Library
	callbacks map[*Callback]struct{}
	closed    bool
}

func defaults() options {
	return options{
		backend:     envconfig.Backend,
		libraryPath: envconfig.LibraryPath,
		cacheSize:   envconfig.TypeCacheSize,
	}
}

// New starts a session on the configured backend.
func New(opts ...Option) (*Session, error) {
	o := defaults()
	for _, opt := range opts {
		opt(&o)
	}

	b, err := backend.New(o.backend, backend.Options{LibraryPath: o.libraryPath})
	if err != nil {
		return nil, err
	}

	s, err := newSession(b, o)
	if err != nil {
		return nil, errors.Join(err, b.Close())
	}
	return s, nil
}

// NewWithBackend starts a session on b. The session owns b and closes it.
func NewWithBackend(b backend.Backend, opts ...Option) (*Session, error) {
	o := defaults()
	for _, opt := range opts {
		opt(&o)
	}
	return newSession(b, o)
}

func newSession(b backend.Backend, o options) (*Session, error) {
	cache, err := lru.New[typeKey, ctypes.Type](o.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("type cache: %w", err)
	}

	target := ctypes.HostTarget()
	if t, ok := b.(backend.Targeted); ok {
		target = t.Target()
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	s := &Session{
		id:        id,
		log:       logger.With("session", id),
		backend:   b,
		target:    target,
		parsed:    cache,
		resolver:  cdecl.NewResolver(target),
		handles:   make(map[ctypes.Type]backend.Type),
		pending:   make(map[*ctypes.Struct]backend.Type),
		callbacks: make(map[*Callback]struct{}),
	}

	s.log.Debug("session started", "backend", fmt.Sprintf("%T", b), "arch", target.GOARCH)
	return s, nil
}

func (s *Session) trace(msg string, args ...any) {
	s.log.Log(context.Background(), logutil.LevelTrace, msg, args...)
}

func (s *Session) ID() string { return s.id }

func (s *Session) Target() *ctypes.Target { return s.target }

func (s *Session) Backend() backend.Backend { return s.backend }

// Close frees outstanding callbacks, closes the loaded libraries and then
// the backend. Memory from New is released with the backend.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	callbacks := s.callbacks
	libraries := s.libraries
	s.callbacks = make(map[*Callback]struct{})
	s.libraries = nil
	s.mu.Unlock()

	var errs []error
	for cb := range callbacks {
		errs = append(errs, cb.free())
	}
	for _, lib := range libraries {
		errs = append(errs, lib.lib.Close())
	}
	errs = append(errs, s.backend.Close())

	s.log.Debug("session closed", "callbacks", len(callbacks), "libraries", len(libraries))
	return errors.Join(errs...)
}
