package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/Shelf/internal/config"
)

// NewTimer returns a gocron scheduler calling refresh periodically, by the
// cron expression or the interval of cfg. Pass it to WithTimer.
func NewTimer(ctx context.Context, cfg config.Refresh, refresh func()) (gocron.Scheduler, error) {
	var def gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		if err := config.ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing refresh.cron: %w", err)
		}
		def = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "refresh timer", "cron", cfg.Cron)
	case cfg.Every != "":
		d, err := config.ParseCueDuration(cfg.Every)
		if err != nil {
			return nil, fmt.Errorf("parsing refresh.every: %w", err)
		}
		def = gocron.DurationJob(d)
		slog.DebugContext(ctx, "refresh timer", "every", d.String())
	default:
		return nil, errors.New("both refresh.cron and refresh.every are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	if _, err := s.NewJob(def, gocron.NewTask(refresh)); err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
