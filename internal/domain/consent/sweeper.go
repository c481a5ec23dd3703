package consent

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/crossfacility/internal/platform/alerting"
)

// Sweeper runs ExpireSweep on a fixed interval until its context ends.
type Sweeper struct {
	svc      *Service
	alerts   alerting.Publisher
	interval time.Duration
	logger   zerolog.Logger
}

func NewSweeper(svc *Service, alerts alerting.Publisher, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{svc: svc, alerts: alerts, interval: interval, logger: logger}
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	start := time.Now()
	n, err := s.svc.ExpireSweep(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error().Err(err).Int("expired", n).Msg("consent expiry sweep failed")
		if s.alerts != nil {
			_ = s.alerts.Publish(ctx, alerting.Alert{
				Kind:     alerting.KindConsentSweepFailure,
				Severity: alerting.SeverityWarning,
				Message:  "consent expiry sweep failed: " + err.Error(),
				Detail:   map[string]interface{}{"expired_before_failure": n},
				At:       time.Now().UTC(),
			})
		}
		return
	}
	if n > 0 {
		s.logger.Info().Int("expired", n).Dur("took", time.Since(start)).Msg("consent expiry sweep")
	}
}
