package scheduler

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/paperstream/paperstream/internal/fetch"
	"github.com/paperstream/paperstream/internal/history"
)

// RegisterHistoryCleanup prunes finished task records beyond the retention cap
// once a day.
func (s *Scheduler) RegisterHistoryCleanup(hist *history.Service, maxItems int, logger zerolog.Logger) error {
	return s.Register(JobConfig{
		ID:          "history-cleanup",
		Name:        "History Cleanup",
		Description: "Removes finished task records beyond the retention cap",
		Cron:        "0 4 * * *",
		RunOnStart:  true,
		Func: func(ctx context.Context) error {
			removed, err := hist.CleanupOld(ctx, maxItems)
			if err != nil {
				return err
			}
			if removed > 0 {
				logger.Info().Int("removed", removed).Msg("Pruned old history records")
			}
			return nil
		},
	})
}

// RegisterCookieSweep drops expired entries from the shared cookie cache so
// stale clearance tokens never outlive their challenge window.
func (s *Scheduler) RegisterCookieSweep(cookies *fetch.CookieCache, logger zerolog.Logger) error {
	return s.Register(JobConfig{
		ID:          "cookie-sweep",
		Name:        "Cookie Sweep",
		Description: "Evicts expired session cookies from the cache",
		Cron:        "*/10 * * * *",
		Func: func(ctx context.Context) error {
			if swept := cookies.Sweep(); swept > 0 {
				logger.Debug().Int("swept", swept).Msg("Swept expired cookies")
			}
			return nil
		},
	})
}
