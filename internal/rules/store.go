package rules

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jglowsoap/jimini/internal/config"
	"github.com/jglowsoap/jimini/internal/expr"
)

// Store publishes rule snapshots through an atomic pointer so evaluations
// never block on, or tear across, a reload. A failed load keeps the prior
// snapshot in service and records the failure for /health.
type Store struct {
	logger *slog.Logger
	env    *expr.Environment
	source string

	snap atomic.Pointer[Snapshot]

	mu      sync.Mutex
	lastErr error
}

// NewStore starts with an empty snapshot so Current is always usable, even
// before the first load.
func NewStore(logger *slog.Logger, env *expr.Environment, source string) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		logger: logger.With(slog.String("subsystem", "rules")),
		env:    env,
		source: source,
	}
	s.snap.Store(emptySnapshot(source))
	return s
}

// Current returns the snapshot readers should use for one whole evaluation.
func (s *Store) Current() *Snapshot {
	return s.snap.Load()
}

// Load reads the configured rule document and publishes a fresh snapshot.
func (s *Store) Load() error {
	if s.source == "" {
		return fmt.Errorf("rules: no rules file configured")
	}
	cfgs, err := config.LoadRules(s.source)
	if err != nil {
		s.recordFailure(err)
		return err
	}
	return s.Apply(cfgs)
}

// Apply compiles a rule document and, when valid, swaps it in atomically.
// Invalid documents leave the served snapshot untouched.
func (s *Store) Apply(cfgs []config.RuleConfig) error {
	snap, err := Compile(cfgs, s.env)
	if err != nil {
		s.recordFailure(err)
		return err
	}
	snap.Source = s.source
	s.snap.Store(snap)

	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()

	s.logger.Info("rule snapshot published", slog.Int("rules", snap.Len()), slog.String("source", s.source))
	return nil
}

// LastError reports the most recent load failure, or nil after a clean load.
func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Store) recordFailure(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.logger.Error("rule snapshot rejected, keeping prior", slog.Any("error", err))
}
