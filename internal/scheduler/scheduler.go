// Package scheduler runs periodic maintenance: sweeping expired defenders and
// rebuilding the leaderboard cache. Neither job is needed for correctness.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ctfgame/api/internal/store"
	"github.com/go-co-op/gocron/v2"
)

// Config holds job intervals. A zero interval disables the job.
type Config struct {
	DefenderSweepInterval      time.Duration `env:"DEFENDER_SWEEP_INTERVAL" envDefault:"1m"`
	LeaderboardRefreshInterval time.Duration `env:"LEADERBOARD_REFRESH_INTERVAL" envDefault:"10m"`
	JobTimeout                 time.Duration `env:"SCHEDULER_JOB_TIMEOUT" envDefault:"30s"`
}

// LoadConfigFromEnv loads scheduler configuration from environment variables
func LoadConfigFromEnv() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse scheduler config: %w", err)
	}
	return &cfg, nil
}

// Warmer rebuilds a derived cache
type Warmer interface {
	Warm(ctx context.Context) error
}

// Scheduler owns the background jobs
type Scheduler struct {
	sched gocron.Scheduler
}

// New registers the configured jobs. warmer may be nil.
func New(cfg *Config, s store.Store, warmer Warmer) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	sc := &Scheduler{sched: sched}

	if cfg.DefenderSweepInterval > 0 {
		_, err := sched.NewJob(
			gocron.DurationJob(cfg.DefenderSweepInterval),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.JobTimeout)
				defer cancel()
				SweepDefenders(ctx, s, time.Now())
			}),
			gocron.WithName("defender-sweep"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to schedule defender sweep: %w", err)
		}
	}

	if warmer != nil && cfg.LeaderboardRefreshInterval > 0 {
		_, err := sched.NewJob(
			gocron.DurationJob(cfg.LeaderboardRefreshInterval),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.JobTimeout)
				defer cancel()
				if err := warmer.Warm(ctx); err != nil {
					log.Printf("[Scheduler] Leaderboard refresh failed: %v", err)
				}
			}),
			gocron.WithName("leaderboard-refresh"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to schedule leaderboard refresh: %w", err)
		}
	}

	return sc, nil
}

// Start begins running jobs
func (s *Scheduler) Start() {
	s.sched.Start()
	log.Printf("[Scheduler] Started %d job(s)", len(s.sched.Jobs()))
}

// Shutdown stops the scheduler and waits for running jobs
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}

// SweepDefenders deletes every defender expired at now
func SweepDefenders(ctx context.Context, s store.Store, now time.Time) int64 {
	removed, err := s.DeleteExpiredDefenders(ctx, now)
	if err != nil {
		log.Printf("[Scheduler] Defender sweep failed: %v", err)
		return removed
	}
	if removed > 0 {
		log.Printf("[Scheduler] Swept %d expired defender(s)", removed)
	}
	return removed
}
