package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs the store's expiry sweep on a fixed schedule for the lifetime
// of the process.
type Sweeper struct {
	cron *cron.Cron
}

// NewSweeper schedules Sweep every interval. Call Start to begin and Stop on
// shutdown.
func NewSweeper(store *Store, interval time.Duration, logger *slog.Logger) (*Sweeper, error) {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		store.Sweep(time.Now())
	})
	if err != nil {
		return nil, fmt.Errorf("schedule session sweep: %w", err)
	}
	logger.Info("session sweeper scheduled", slog.Duration("interval", interval))
	return &Sweeper{cron: c}, nil
}

// Start begins the sweep schedule in its own goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
