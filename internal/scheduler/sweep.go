// Package scheduler promotes scheduled messages once they fall due.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"lexbridge/internal/db"
	"lexbridge/internal/metrics"
)

const sendConcurrency = 4

// Store lists scheduled messages whose time has come.
type Store interface {
	ListDueScheduled(ctx context.Context, now time.Time) ([]db.DueMessage, error)
}

// Sender delivers one stored message.
type Sender interface {
	Send(ctx context.Context, connectionID, messageID string) error
}

// Sweep periodically hands due messages to the sender.
type Sweep struct {
	store    Store
	sender   Sender
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	running  bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewSweep creates a sweep that ticks every interval.
func NewSweep(store Store, sender Sender, interval time.Duration) *Sweep {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweep{store: store, sender: sender, interval: interval, now: time.Now}
}

// Start launches the ticker loop.
func (s *Sweep) Start() {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop()
	log.Info().Dur("interval", s.interval).Msg("Scheduler sweep started")
}

// Stop ends the loop and waits for an in-progress tick.
func (s *Sweep) Stop() {
	if s.stop == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
}

func (s *Sweep) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick sends every message due now and returns how many were sent. A tick
// that finds another still running does nothing.
func (s *Sweep) Tick(ctx context.Context) int {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Debug().Msg("Previous sweep still running, skipping tick")
		return 0
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	due, err := s.store.ListDueScheduled(ctx, s.now())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list scheduled messages")
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	var (
		mu   sync.Mutex
		sent int
		g    errgroup.Group
	)
	g.SetLimit(sendConcurrency)
	for _, m := range due {
		m := m
		g.Go(func() error {
			if err := s.sender.Send(ctx, m.ConnectionID, m.ID); err != nil {
				log.Warn().Err(err).Str("messageID", m.ID).Str("connectionID", m.ConnectionID).Msg("Scheduled message not sent")
				return nil
			}
			metrics.ScheduledPromoted.Inc()
			mu.Lock()
			sent++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	log.Info().Int("due", len(due)).Int("sent", sent).Msg("Scheduler sweep finished")
	return sent
}
