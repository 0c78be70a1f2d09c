// Package quota resets identity send counters on a cron schedule.
package quota

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/unclebandit/mailfleet-backend/internal/config"
)

// CounterStore zeroes identity send counters.
type CounterStore interface {
	ResetHourlyCounts(ctx context.Context) (int64, error)
	ResetDailyCounts(ctx context.Context) (int64, error)
}

// Resetter runs the hourly and daily counter resets.
type Resetter struct {
	store   CounterStore
	cfg     config.QuotaConfig
	log     zerolog.Logger
	timeout time.Duration

	mu sync.Mutex
	c  *cron.Cron
}

func NewResetter(store CounterStore, cfg config.QuotaConfig, log zerolog.Logger) *Resetter {
	return &Resetter{
		store:   store,
		cfg:     cfg,
		log:     log.With().Str("component", "quota_resetter").Logger(),
		timeout: time.Minute,
	}
}

// Start schedules both jobs. Calling Start twice is a no-op.
func (r *Resetter) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return nil
	}

	loc := time.UTC
	if tz := strings.TrimSpace(r.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("invalid quota timezone %q: %w", tz, err)
		}
		loc = l
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(r.cfg.HourlySpec, func() { r.run("hourly", r.store.ResetHourlyCounts) }); err != nil {
		return fmt.Errorf("invalid hourly reset spec %q: %w", r.cfg.HourlySpec, err)
	}
	if _, err := c.AddFunc(r.cfg.DailySpec, func() { r.run("daily", r.store.ResetDailyCounts) }); err != nil {
		return fmt.Errorf("invalid daily reset spec %q: %w", r.cfg.DailySpec, err)
	}
	c.Start()
	r.c = c
	r.log.Info().
		Str("hourly", r.cfg.HourlySpec).
		Str("daily", r.cfg.DailySpec).
		Str("tz", loc.String()).
		Msg("quota resetter started")
	return nil
}

// Stop waits for a running reset to finish or ctx to expire.
func (r *Resetter) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	r.log.Info().Msg("quota resetter stopped")
}

// ResetHourly runs the hourly reset immediately.
func (r *Resetter) ResetHourly() { r.run("hourly", r.store.ResetHourlyCounts) }

// ResetDaily runs the daily reset immediately.
func (r *Resetter) ResetDaily() { r.run("daily", r.store.ResetDailyCounts) }

func (r *Resetter) run(window string, reset func(context.Context) (int64, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	n, err := reset(ctx)
	if err != nil {
		r.log.Error().Err(err).Str("window", window).Msg("quota reset failed")
		return
	}
	r.log.Info().Str("window", window).Int64("identities", n).Msg("quota counters reset")
}
