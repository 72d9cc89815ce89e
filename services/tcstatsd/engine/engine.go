// Package engine computes team competition stats: it turns provider totals
// into per-period records, tracks retired contributions, ranks leaderboards
// and rolls periods over.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"tcstats/services/tcstatsd/models"
	"tcstats/services/tcstatsd/provider"
	"tcstats/services/tcstatsd/storage"
)

var (
	// ErrCycleInProgress is returned when an update cycle is triggered while
	// another one is still running.
	ErrCycleInProgress = errors.New("engine: update cycle already in progress")
	// ErrInvalidArgument marks caller input that can never succeed.
	ErrInvalidArgument = errors.New("engine: invalid argument")
)

const (
	defaultWorkers     = 4
	defaultUserTimeout = 30 * time.Second
)

// Engine is safe for concurrent use.
type Engine struct {
	store       *storage.Store
	provider    provider.Provider
	logger      *slog.Logger
	clock       func() time.Time
	workers     int
	userTimeout time.Duration
	tracer      trace.Tracer

	// cycleMu makes update cycles single-flight; ResetPeriod waits on it.
	cycleMu sync.Mutex
	// gate is held shared by per-user mutations and exclusively by
	// ResetPeriod.
	gate sync.RWMutex

	locksMu   sync.Mutex
	userLocks map[uint]*sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger installs a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithWorkers bounds how many users a cycle processes at once.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithUserTimeout bounds a single provider lookup.
func WithUserTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.userTimeout = d
		}
	}
}

// New constructs an engine over the given store and stats provider.
func New(store *storage.Store, stats provider.Provider, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if stats == nil {
		return nil, fmt.Errorf("stats provider required")
	}
	e := &Engine{
		store:       store,
		provider:    stats,
		logger:      slog.Default(),
		clock:       time.Now,
		workers:     defaultWorkers,
		userTimeout: defaultUserTimeout,
		tracer:      otel.Tracer("tcstats/engine"),
		userLocks:   make(map[uint]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// lockUsers acquires the per-user locks in ascending id order and returns
// the matching unlock.
func (e *Engine) lockUsers(ids ...uint) func() {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	e.locksMu.Lock()
	locks := make([]*sync.Mutex, 0, len(sorted))
	for _, id := range sorted {
		mu, ok := e.userLocks[id]
		if !ok {
			mu = &sync.Mutex{}
			e.userLocks[id] = mu
		}
		locks = append(locks, mu)
	}
	e.locksMu.Unlock()

	for _, mu := range locks {
		mu.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func identity(user models.User) provider.Identity {
	return provider.Identity{FoldingUserName: user.FoldingUserName, Passkey: user.Passkey}
}

// multiply applies a hardware multiplier, rounding half away from zero.
func multiply(points int64, multiplier decimal.Decimal) int64 {
	return decimal.NewFromInt(points).Mul(multiplier).Round(0).IntPart()
}

func clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
