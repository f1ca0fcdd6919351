// Package retention runs the periodic sweep: tombstoned broadcasts past
// their age limit are purged and the inbound log is trimmed per channel.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"channelbot/internal/logx"
	"channelbot/internal/model"
)

// Store is the slice of the persistence contract the sweeper needs.
type Store interface {
	Channels(ctx context.Context) ([]model.Channel, error)
	PurgeTombstones(ctx context.Context, olderThan time.Time) (int64, error)
	TrimInbound(ctx context.Context, channel string, keep int) (int64, error)
}

type Config struct {
	Schedule        string // cron spec, default "@hourly"
	TombstoneMaxAge time.Duration
	InboundKeep     int
}

type Sweeper struct {
	cfg   Config
	store Store
	log   logx.Logger
	c     *cron.Cron
}

func NewSweeper(cfg Config, st Store, log logx.Logger) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{cfg: cfg, store: st, log: log}
}

// Start registers the sweep and starts the scheduler. The returned error is
// nil unless the cron spec does not parse.
func (s *Sweeper) Start(ctx context.Context) error {
	s.c = cron.New()
	if _, err := s.c.AddFunc(s.cfg.Schedule, func() { s.Sweep(ctx) }); err != nil {
		return err
	}
	s.c.Start()
	s.log.Info("retention sweep scheduled", logx.String("schedule", s.cfg.Schedule))
	return nil
}

func (s *Sweeper) Stop() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
}

// Sweep runs one pass. It is also called directly by tests and on demand.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.cfg.TombstoneMaxAge > 0 {
		cutoff := time.Now().Add(-s.cfg.TombstoneMaxAge)
		n, err := s.store.PurgeTombstones(ctx, cutoff)
		if err != nil {
			s.log.Warn("tombstone purge failed", logx.Err(err))
		} else if n > 0 {
			s.log.Info("tombstones purged", logx.Int64("rows", n))
		}
	}
	if s.cfg.InboundKeep <= 0 {
		return
	}
	channels, err := s.store.Channels(ctx)
	if err != nil {
		s.log.Warn("channel list failed", logx.Err(err))
		return
	}
	for _, ch := range channels {
		n, err := s.store.TrimInbound(ctx, ch.Name, s.cfg.InboundKeep)
		if err != nil {
			s.log.Warn("inbound trim failed", logx.String("channel", ch.Name), logx.Err(err))
			continue
		}
		if n > 0 {
			s.log.Info("inbound trimmed", logx.String("channel", ch.Name), logx.Int64("rows", n))
		}
	}
}
