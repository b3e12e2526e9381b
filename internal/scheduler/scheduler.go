// Package scheduler periodically drives the dunning scan.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/clubworks/memberd/internal/audit/domain"
	"github.com/clubworks/memberd/internal/auditcontext"
	"github.com/clubworks/memberd/internal/clock"
	dunningdomain "github.com/clubworks/memberd/internal/dunning/domain"
	"github.com/clubworks/memberd/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Config struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Hour
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	return c
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	GenID      *snowflake.Node
	DunningSvc dunningdomain.Service
	AuditSvc   auditdomain.Service
	Limiter    *ratelimit.WebhookLimiter `optional:"true"`
	Config     Config                    `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	genID      *snowflake.Node
	dunningSvc dunningdomain.Service
	auditSvc   auditdomain.Service
	limiter    *ratelimit.WebhookLimiter
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.GenID == nil || p.DunningSvc == nil || p.AuditSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		genID:      p.GenID,
		dunningSvc: p.DunningSvc,
		auditSvc:   p.AuditSvc,
		limiter:    p.Limiter,
	}, nil
}

// RunScan performs one dunning scan under the scheduler's timeout.
// An already running scan is logged and swallowed; the next tick retries.
func (s *Scheduler) RunScan(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.Timeout)
	defer cancel()

	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "scheduler")
	runID := s.genID.Generate().String()
	now := s.clock.Now()

	log := s.log.With(
		zap.String("job", "dunning_scan"),
		zap.String("run_id", runID),
	)
	log.Info("job started", zap.Time("as_of", now))

	// Only one replica scans at a time. The lock TTL bounds a crashed holder.
	lockToken, acquired, err := s.limiter.TryScanLock(ctx)
	if err != nil {
		log.Warn("scan lock unavailable, proceeding locally", zap.Error(err))
	} else if !acquired {
		log.Info("job skipped: another replica holds the scan lock")
		return nil
	} else {
		defer func() {
			if releaseErr := s.limiter.ReleaseScanLock(context.WithoutCancel(ctx), lockToken); releaseErr != nil {
				log.Warn("failed to release scan lock", zap.Error(releaseErr))
			}
		}()
	}

	summary, err := s.dunningSvc.ScanDue(ctx, now)
	if err != nil {
		if errors.Is(err, dunningdomain.ErrScanInProgress) {
			log.Warn("job skipped: scan already in progress")
			return nil
		}
		log.Error("job failed", zap.Error(err))
		return err
	}

	log.Info("job finished",
		zap.Int("total", summary.Total),
		zap.Int("advanced", summary.Advanced),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", summary.Errors),
	)
	return nil
}

// RunForever ticks until ctx is canceled. One scan runs immediately on start.
func (s *Scheduler) RunForever(ctx context.Context) {
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}

	_ = s.RunScan(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return
		case <-ticker.C:
			_ = s.RunScan(ctx)
		}
	}
}
