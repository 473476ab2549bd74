// Package breaker implements a per-dependency circuit breaker.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/NgigiN/stablelink/internal/apperr"
)

type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// Snapshot is the persisted state of one breaker.
type Snapshot struct {
	State        State
	FailureCount int
	LastFailure  time.Time
}

// Store persists breaker snapshots by dependency name.
type Store interface {
	Load(name string) (Snapshot, bool)
	Save(name string, s Snapshot)
}

type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Snapshot)}
}

func (m *MemoryStore) Load(name string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[name]
	return s, ok
}

func (m *MemoryStore) Save(name string, s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[name] = s
}

type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		RecoveryTimeout:  DefaultRecoveryTimeout,
	}
}

// Breaker fails fast once its dependency has failed FailureThreshold times in
// a row, and lets a single trial call through after RecoveryTimeout.
type Breaker struct {
	name   string
	cfg    Config
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	trialing bool
}

func New(name string, cfg Config, store Store, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

func (b *Breaker) Name() string {
	return b.name
}

// Snapshot returns the current state without side effects.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load()
}

// Execute runs op unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := op(ctx)
	b.record(err)
	return err
}

// Call is Execute for operations that return a value.
func Call[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = op(ctx)
		return err
	})
	return result, err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.load()
	switch s.State {
	case Open:
		if b.now().Sub(s.LastFailure) < b.cfg.RecoveryTimeout {
			return apperr.Newf(apperr.KindCircuitOpen, "%s is unavailable", b.name)
		}
		s.State = HalfOpen
		b.store.Save(b.name, s)
		b.trialing = true
		b.logger.Info("circuit half-open, allowing trial call", "dependency", b.name)
	case HalfOpen:
		if b.trialing {
			return apperr.Newf(apperr.KindCircuitOpen, "%s trial call in progress", b.name)
		}
		b.trialing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.load()
	wasTrial := s.State == HalfOpen
	b.trialing = false

	if err == nil {
		if s.State != Closed || s.FailureCount != 0 {
			if s.State != Closed {
				b.logger.Info("circuit closed", "dependency", b.name)
			}
			b.store.Save(b.name, Snapshot{State: Closed})
		}
		return
	}

	s.FailureCount++
	s.LastFailure = b.now()
	if wasTrial || s.FailureCount >= b.cfg.FailureThreshold {
		if s.State != Open {
			b.logger.Warn("circuit opened", "dependency", b.name, "failures", s.FailureCount, "error", err)
		}
		s.State = Open
	}
	b.store.Save(b.name, s)
}

func (b *Breaker) load() Snapshot {
	s, ok := b.store.Load(b.name)
	if !ok {
		return Snapshot{State: Closed}
	}
	return s
}

// Registry hands out one breaker per dependency name, all sharing a store.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	store    Store
	logger   *slog.Logger
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config, store Store, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.cfg, r.store, r.logger)
	r.breakers[name] = b
	return b
}

// Snapshots reports every breaker created so far.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}
