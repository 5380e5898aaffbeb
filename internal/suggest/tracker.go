package suggest

import (
	"context"
	"log"
	"sync"
	"time"

	"hiraflow/internal/domain"
)

const DefaultTimeout = 20 * time.Second

// Key identifies the row a suggestion belongs to.
type Key struct {
	CompanyID    string
	AssessmentID string
	Row          int
}

type State string

const (
	StateIdle    State = "idle"
	StatePending State = "pending"
	StateReady   State = "ready"
	StateFailed  State = "failed"
)

// Result is the latest known outcome for a row.
type Result struct {
	State       State                 `json:"state" enum:"idle,pending,ready,failed"`
	Generation  uint64                `json:"generation"`
	Suggestions *domain.SuggestionSet `json:"suggestions,omitempty"`
	Error       string                `json:"error,omitempty"`
	RequestedAt string                `json:"requested_at,omitempty"`
}

// Tracker runs suggestion requests in the background, one in flight per row.
// Every request and every invalidation bumps the row generation; a response
// that arrives for an older generation is dropped.
type Tracker struct {
	Log *log.Logger
	Now func() time.Time

	mu      sync.Mutex
	gen     map[Key]uint64
	cancel  map[Key]context.CancelFunc
	results map[Key]Result
	wg      sync.WaitGroup
}

func NewTracker(logger *log.Logger) *Tracker {
	return &Tracker{Log: logger}
}

func (t *Tracker) logger() *log.Logger {
	if t.Log != nil {
		return t.Log
	}
	return log.Default()
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tracker) init() {
	if t.gen == nil {
		t.gen = map[Key]uint64{}
		t.cancel = map[Key]context.CancelFunc{}
		t.results = map[Key]Result{}
	}
}

// Request starts a suggestion call for key and returns its generation
// without waiting. A call already in flight for the same row is canceled.
func (t *Tracker) Request(key Key, p Provider, req Request, timeout time.Duration) uint64 {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t.mu.Lock()
	t.init()
	if cancel, ok := t.cancel[key]; ok {
		cancel()
	}
	t.gen[key]++
	gen := t.gen[key]
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.cancel[key] = cancel
	t.results[key] = Result{State: StatePending, Generation: gen, RequestedAt: t.now().UTC().Format(time.RFC3339)}
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()
		set, err := p.Suggest(ctx, req)
		t.finish(key, gen, set, err)
	}()
	return gen
}

func (t *Tracker) finish(key Key, gen uint64, set domain.SuggestionSet, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen[key] != gen {
		t.logger().Printf("suggest: discarding stale response for %s/%s row %d (generation %d, current %d)",
			key.CompanyID, key.AssessmentID, key.Row, gen, t.gen[key])
		return
	}
	delete(t.cancel, key)
	res := t.results[key]
	if err != nil {
		t.logger().Printf("suggest: request for %s/%s row %d failed: %v", key.CompanyID, key.AssessmentID, key.Row, err)
		res.State = StateFailed
		res.Error = err.Error()
	} else {
		res.State = StateReady
		res.Suggestions = &set
	}
	t.results[key] = res
}

// Result returns the latest outcome for key. Rows never requested, or
// invalidated since, report StateIdle.
func (t *Tracker) Result(key Key) Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.init()
	res, ok := t.results[key]
	if !ok {
		return Result{State: StateIdle, Generation: t.gen[key]}
	}
	return res
}

func (t *Tracker) invalidate(key Key) {
	if cancel, ok := t.cancel[key]; ok {
		cancel()
		delete(t.cancel, key)
	}
	if _, ok := t.results[key]; ok || t.gen[key] > 0 {
		t.gen[key]++
	}
	delete(t.results, key)
}

// InvalidateRow forgets the suggestion for one row after it was edited.
func (t *Tracker) InvalidateRow(companyID, assessmentID string, row int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.init()
	t.invalidate(Key{CompanyID: companyID, AssessmentID: assessmentID, Row: row})
}

// InvalidateFrom forgets suggestions for row and every row after it, as
// inserting or removing a row shifts their positions.
func (t *Tracker) InvalidateFrom(companyID, assessmentID string, row int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.init()
	for key := range t.gen {
		if key.CompanyID == companyID && key.AssessmentID == assessmentID && key.Row >= row {
			t.invalidate(key)
		}
	}
}

// Wait blocks until every started request has returned.
func (t *Tracker) Wait() {
	t.wg.Wait()
}
