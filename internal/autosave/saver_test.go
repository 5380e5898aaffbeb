package autosave

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hiraflow/internal/domain"
)

type recorder struct {
	mu    sync.Mutex
	fail  int
	calls int
	saved map[Key][]domain.WorksheetRow
}

func (r *recorder) save(_ context.Context, key Key, rows []domain.WorksheetRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail > 0 {
		r.fail--
		return errors.New("database is locked")
	}
	if r.saved == nil {
		r.saved = map[Key][]domain.WorksheetRow{}
	}
	r.saved[key] = rows
	return nil
}

var key = Key{CompanyID: "acme", AssessmentID: "a1", Actor: domain.Actor{ID: "tia", Role: "member"}}

func rows(task string) []domain.WorksheetRow {
	return []domain.WorksheetRow{{TaskName: task, Likelihood: 2, Consequence: 2}}
}

func TestQueueKeepsLatestSnapshot(t *testing.T) {
	rec := &recorder{}
	s := New(rec.save, time.Hour, 3, log.New(&bytes.Buffer{}, "", 0))

	s.Queue(key, rows("first"))
	s.Queue(key, rows("second"))
	assert.True(t, s.Pending(key))
	s.FlushAll(context.Background())

	assert.False(t, s.Pending(key))
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, "second", rec.saved[key][0].TaskName)
}

func TestQueueCopiesRows(t *testing.T) {
	rec := &recorder{}
	s := New(rec.save, time.Hour, 3, nil)
	in := rows("original")
	s.Queue(key, in)
	in[0].TaskName = "mutated"
	s.FlushAll(context.Background())
	assert.Equal(t, "original", rec.saved[key][0].TaskName)
}

func TestFailedSaveRetriesThenDrops(t *testing.T) {
	var buf bytes.Buffer
	rec := &recorder{fail: 10}
	s := New(rec.save, time.Hour, 3, log.New(&buf, "", 0))

	s.Queue(key, rows("draft"))
	s.FlushAll(context.Background())
	s.FlushAll(context.Background())
	assert.True(t, s.Pending(key))
	s.FlushAll(context.Background())

	assert.False(t, s.Pending(key))
	assert.Equal(t, 3, rec.calls)
	assert.Contains(t, buf.String(), "attempt 1/3")
	assert.Contains(t, buf.String(), "dropping worksheet for acme/a1 by tia after 3 attempts")
}

func TestRetrySucceeds(t *testing.T) {
	rec := &recorder{fail: 1}
	s := New(rec.save, time.Hour, 3, log.New(&bytes.Buffer{}, "", 0))
	s.Queue(key, rows("draft"))
	s.FlushAll(context.Background())
	require.True(t, s.Pending(key))
	s.FlushAll(context.Background())
	assert.False(t, s.Pending(key))
	assert.Equal(t, "draft", rec.saved[key][0].TaskName)
}

func TestNewerSnapshotDuringSaveSurvives(t *testing.T) {
	var s *Saver
	calls := 0
	save := func(_ context.Context, k Key, r []domain.WorksheetRow) error {
		calls++
		if calls == 1 {
			s.Queue(k, rows("newer"))
		}
		return nil
	}
	s = New(save, time.Hour, 3, nil)
	s.Queue(key, rows("older"))
	s.FlushAll(context.Background())
	assert.True(t, s.Pending(key))
	s.FlushAll(context.Background())
	assert.False(t, s.Pending(key))
	assert.Equal(t, 2, calls)
}

func TestRunFlushesOnShutdown(t *testing.T) {
	rec := &recorder{}
	s := New(rec.save, time.Hour, 3, nil)
	s.Queue(key, rows("pending"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "pending", rec.saved[key][0].TaskName)
}
