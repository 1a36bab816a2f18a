package worker

import (
	"context"
	"time"

	"cleandispatch/internal/logging"

	"github.com/rs/zerolog"
)

// Expirer cancels pending proposals older than a ttl.
type Expirer interface {
	ExpirePending(ctx context.Context, ttl time.Duration) (int, error)
}

// ProposalSweeper periodically expires proposals nobody answered.
type ProposalSweeper struct {
	mailbox  Expirer
	ttl      time.Duration
	interval time.Duration
	logger   *zerolog.Logger
}

func NewProposalSweeper(mailbox Expirer, ttl, interval time.Duration, logger *zerolog.Logger) *ProposalSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ProposalSweeper{
		mailbox:  mailbox,
		ttl:      ttl,
		interval: interval,
		logger:   logging.Component(logger, "sweeper"),
	}
}

// Start sweeps on every tick until ctx is done. A zero ttl disables it.
func (s *ProposalSweeper) Start(ctx context.Context) {
	if s.ttl <= 0 {
		s.logger.Info().Msg("Proposal expiry disabled")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass.
func (s *ProposalSweeper) Sweep(ctx context.Context) int {
	n, err := s.mailbox.ExpirePending(ctx, s.ttl)
	if err != nil {
		s.logger.Error().Err(err).Msg("Proposal sweep failed")
		return 0
	}
	if n > 0 {
		s.logger.Info().Int("expired", n).Dur("ttl", s.ttl).Msg("Expired stale proposals")
	}
	return n
}
