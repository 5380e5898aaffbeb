package autosave

import (
	"context"
	"log"
	"sync"
	"time"

	"hiraflow/internal/domain"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultMaxAttempts = 3
)

// Key identifies one editor's working copy of an assessment worksheet.
type Key struct {
	CompanyID    string
	AssessmentID string
	Actor        domain.Actor
}

// SaveFunc persists a worksheet snapshot.
type SaveFunc func(ctx context.Context, key Key, rows []domain.WorksheetRow) error

type entry struct {
	rows     []domain.WorksheetRow
	seq      uint64
	attempts int
}

// Saver keeps the latest unsaved worksheet per key and flushes it on a
// timer. Failed saves are retried on later flushes and dropped after
// MaxAttempts. Callers never see a save error.
type Saver struct {
	Save        SaveFunc
	Interval    time.Duration
	MaxAttempts int
	Log         *log.Logger

	mu      sync.Mutex
	pending map[Key]*entry
	seq     uint64
}

func New(save SaveFunc, interval time.Duration, maxAttempts int, logger *log.Logger) *Saver {
	return &Saver{Save: save, Interval: interval, MaxAttempts: maxAttempts, Log: logger}
}

func (s *Saver) logger() *log.Logger {
	if s.Log != nil {
		return s.Log
	}
	return log.Default()
}

func (s *Saver) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Queue records rows as the newest snapshot for key. It replaces any older
// snapshot and resets its attempt count.
func (s *Saver) Queue(key Key, rows []domain.WorksheetRow) {
	snapshot := make([]domain.WorksheetRow, len(rows))
	copy(snapshot, rows)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = map[Key]*entry{}
	}
	s.seq++
	s.pending[key] = &entry{rows: snapshot, seq: s.seq}
}

// Pending reports whether key has a snapshot waiting to be saved.
func (s *Saver) Pending(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// FlushAll tries to save every pending snapshot once.
func (s *Saver) FlushAll(ctx context.Context) {
	type job struct {
		key  Key
		rows []domain.WorksheetRow
		seq  uint64
	}
	s.mu.Lock()
	jobs := make([]job, 0, len(s.pending))
	for k, e := range s.pending {
		jobs = append(jobs, job{key: k, rows: e.rows, seq: e.seq})
	}
	s.mu.Unlock()

	for _, j := range jobs {
		err := s.Save(ctx, j.key, j.rows)
		s.mu.Lock()
		cur, ok := s.pending[j.key]
		if !ok || cur.seq != j.seq {
			// A newer snapshot arrived while saving; it gets its own attempts.
			s.mu.Unlock()
			continue
		}
		if err == nil {
			delete(s.pending, j.key)
			s.mu.Unlock()
			continue
		}
		cur.attempts++
		if cur.attempts >= s.maxAttempts() {
			delete(s.pending, j.key)
			s.logger().Printf("autosave: dropping worksheet for %s/%s by %s after %d attempts: %v",
				j.key.CompanyID, j.key.AssessmentID, j.key.Actor.ID, cur.attempts, err)
		} else {
			s.logger().Printf("autosave: save for %s/%s by %s failed (attempt %d/%d): %v",
				j.key.CompanyID, j.key.AssessmentID, j.key.Actor.ID, cur.attempts, s.maxAttempts(), err)
		}
		s.mu.Unlock()
	}
}

// Run flushes on every tick until ctx is done, then flushes once more.
func (s *Saver) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.FlushAll(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			s.FlushAll(ctx)
		}
	}
}
