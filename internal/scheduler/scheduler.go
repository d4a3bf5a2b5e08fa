// Package scheduler arms one timer per disappearing message. A timer fires
// TTL after the message was read; timers are rebuilt from the store on
// startup so a restart never loses an expiry.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tsubame/internal/metrics"
	"tsubame/internal/model"
)

const (
	DefaultTTL   = 5 * time.Minute
	DefaultRetry = 30 * time.Second

	fireTimeout = 10 * time.Second
)

// Source lists read disappearing messages that have not expired yet
type Source interface {
	ReadDisappearing(ctx context.Context) ([]model.ExpiryCandidate, error)
}

// FireFunc expires one message. A returned error re-arms the timer.
type FireFunc func(ctx context.Context, messageID int64) error

type job struct {
	timer *time.Timer
	seq   uint64
}

type Scheduler struct {
	src     Source
	fire    FireFunc
	ttl     time.Duration
	retry   time.Duration
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	jobs    map[int64]*job
	seq     uint64
	stopped bool
}

// New creates a scheduler. Non-positive durations fall back to the defaults.
func New(src Source, fire FireFunc, ttl, retry time.Duration, m *metrics.Metrics) *Scheduler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if retry <= 0 {
		retry = DefaultRetry
	}
	return &Scheduler{
		src:     src,
		fire:    fire,
		ttl:     ttl,
		retry:   retry,
		metrics: m,
		now:     time.Now,
		jobs:    make(map[int64]*job),
	}
}

// TTL returns the delay between read and expiry
func (s *Scheduler) TTL() time.Duration { return s.ttl }

// Schedule arms the expiry of a message read at readAt. Scheduling the
// same message again replaces its timer. An expiry already due fires
// before Schedule returns.
func (s *Scheduler) Schedule(messageID int64, readAt time.Time) {
	s.arm(messageID, readAt.Add(s.ttl))
}

func (s *Scheduler) arm(messageID int64, fireAt time.Time) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if j, ok := s.jobs[messageID]; ok {
		j.timer.Stop()
		delete(s.jobs, messageID)
	}

	delay := fireAt.Sub(s.now())
	if delay <= 0 {
		s.metrics.SetTimers(len(s.jobs))
		s.mu.Unlock()
		s.run(messageID)
		return
	}

	s.seq++
	seq := s.seq
	j := &job{seq: seq}
	// コールバックはロック取得まで待つので timer 代入前に走っても安全
	j.timer = time.AfterFunc(delay, func() { s.expire(messageID, seq) })
	s.jobs[messageID] = j
	s.metrics.SetTimers(len(s.jobs))
	s.mu.Unlock()
}

func (s *Scheduler) expire(messageID int64, seq uint64) {
	s.mu.Lock()
	j, ok := s.jobs[messageID]
	if !ok || j.seq != seq || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, messageID)
	s.metrics.SetTimers(len(s.jobs))
	s.mu.Unlock()

	s.run(messageID)
}

func (s *Scheduler) run(messageID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	if err := s.fire(ctx, messageID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Scheduler.run",
			"message_id": messageID,
			"retry_in":   s.retry.String(),
			"error":      err,
		}).Warn("Expiry failed, retrying")
		s.arm(messageID, s.now().Add(s.retry))
	}
}

// Cancel disarms the timer of a message and reports whether one was armed
func (s *Scheduler) Cancel(messageID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[messageID]
	if !ok {
		return false
	}
	j.timer.Stop()
	delete(s.jobs, messageID)
	s.metrics.SetTimers(len(s.jobs))
	return true
}

// Pending returns the number of armed timers
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Recover re-arms every read disappearing message found in the store.
// Messages whose TTL elapsed while the server was down expire immediately.
func (s *Scheduler) Recover(ctx context.Context) (expired, scheduled int, err error) {
	candidates, err := s.src.ReadDisappearing(ctx)
	if err != nil {
		return 0, 0, err
	}

	now := s.now()
	for _, c := range candidates {
		if !c.ReadAt.Add(s.ttl).After(now) {
			expired++
		} else {
			scheduled++
		}
		s.Schedule(c.MessageID, c.ReadAt)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Scheduler.Recover",
		"expired":   expired,
		"scheduled": scheduled,
	}).Info("Expiry timers recovered")
	return expired, scheduled, nil
}

// Stop disarms every timer. Schedule is a no-op afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for id, j := range s.jobs {
		j.timer.Stop()
		delete(s.jobs, id)
	}
	s.metrics.SetTimers(0)
}
