package tolerance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

// Repository persists tolerance versions. Versions are append-only; only the
// status and publication stamp of a version ever change.
type Repository interface {
	Active(ctx context.Context) (Config, error)
	Get(ctx context.Context, version int64) (Config, error)
	List(ctx context.Context) ([]Config, error)
	CreateDraft(ctx context.Context, cfg Config) (Config, error)
	Publish(ctx context.Context, version int64, actorID uuid.UUID, at time.Time) (Config, error)
}

type snapshot struct {
	cfg   Config
	clock int64
}

// Store serves the published tolerance policy from an immutable in-process
// snapshot. Readers never observe a partially updated policy.
type Store struct {
	repo   Repository
	clock  *VersionClock
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	current atomic.Pointer[snapshot]

	// unbumped is set when a publication committed but the counter did not move.
	unbumped atomic.Bool
}

// NewStore builds the store. clock may be nil for single-process deployments.
func NewStore(repo Repository, clock *VersionClock, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{repo: repo, clock: clock, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Current returns the published policy. The snapshot is reloaded whenever the
// shared version counter moved since it was taken. While the counter is
// unreachable every call reads the published row directly.
func (s *Store) Current(ctx context.Context) (Config, error) {
	if s.unbumped.Load() {
		s.retryBump(ctx)
	}
	snap := s.current.Load()
	ver, err := s.clock.Version(ctx)
	if err != nil {
		s.logger.Warn("tolerance version check failed, reading published version", slog.Any("error", err))
		s.current.Store(nil)
		return s.repo.Active(ctx)
	}
	if snap != nil && snap.clock == ver {
		return snap.cfg, nil
	}
	return s.reload(ctx, ver)
}

func (s *Store) retryBump(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unbumped.Load() {
		return
	}
	if _, err := s.clock.Bump(ctx); err != nil {
		s.logger.Warn("tolerance version bump retry failed", slog.Any("error", err))
		return
	}
	s.unbumped.Store(false)
	s.current.Store(nil)
}

func (s *Store) reload(ctx context.Context, ver int64) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap := s.current.Load(); snap != nil && snap.clock == ver {
		return snap.cfg, nil
	}
	cfg, err := s.repo.Active(ctx)
	if err != nil {
		return Config{}, err
	}
	s.current.Store(&snapshot{cfg: cfg, clock: ver})
	s.logger.Debug("tolerance snapshot loaded", slog.Int64("version", cfg.Version), slog.Int64("clock", ver))
	return cfg, nil
}

// Invalidate drops the local snapshot so the next Current reloads.
func (s *Store) Invalidate() {
	s.current.Store(nil)
}

// Watch invalidates the snapshot on every bump published by another process.
func (s *Store) Watch(ctx context.Context) error {
	return s.clock.Listen(ctx, func(int64) { s.Invalidate() })
}

// CreateDraft appends a new draft version.
func (s *Store) CreateDraft(ctx context.Context, input DraftInput, actorID uuid.UUID) (Config, error) {
	if err := shared.ValidateStruct("tolerance.CreateDraft", input); err != nil {
		return Config{}, err
	}
	cfg := Config{
		AmountPct:          input.AmountPct,
		AmountAbs:          input.AmountAbs,
		QtyAbs:             input.QtyAbs,
		QtyPct:             input.QtyPct,
		AutoApproveCeiling: input.AutoApproveCeiling,
		Status:             StatusDraft,
		Note:               input.Note,
		CreatedBy:          actorID,
		CreatedAt:          s.now(),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return s.repo.CreateDraft(ctx, cfg)
}

// Publish makes a draft the single published version, retiring the previous
// one. The local snapshot is swapped before returning so the next match in
// this process uses it, and the shared counter is bumped for other processes.
// A failed bump is reported as an error even though the version is committed;
// processes that cannot reach the counter read the published row directly,
// and this process keeps retrying the bump on every Current.
func (s *Store) Publish(ctx context.Context, version int64, actorID uuid.UUID) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.repo.Publish(ctx, version, actorID, s.now())
	if err != nil {
		return Config{}, err
	}
	s.current.Store(nil)
	ver, err := s.clock.Bump(ctx)
	if ver == 0 && err != nil {
		s.unbumped.Store(true)
		s.logger.Error("tolerance version bump failed", slog.Int64("version", cfg.Version), slog.Any("error", err))
		return Config{}, fmt.Errorf("tolerance version %d published but not propagated: %w", cfg.Version, err)
	}
	if err != nil {
		// The counter moved; only the push notification was lost.
		s.logger.Warn("tolerance bump notification failed", slog.Int64("version", cfg.Version), slog.Any("error", err))
	}
	s.unbumped.Store(false)
	s.current.Store(&snapshot{cfg: cfg, clock: ver})
	s.logger.Info("tolerance published", slog.Int64("version", cfg.Version), slog.String("actor_id", actorID.String()))
	return cfg, nil
}

// Get returns one version.
func (s *Store) Get(ctx context.Context, version int64) (Config, error) {
	return s.repo.Get(ctx, version)
}

// List returns every version, newest first.
func (s *Store) List(ctx context.Context) ([]Config, error) {
	return s.repo.List(ctx)
}
