package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hiraflow/internal/domain"
)

func fixed(hazard string) Provider {
	return ProviderFunc(func(ctx context.Context, req Request) (domain.SuggestionSet, error) {
		return domain.SuggestionSet{Hazards: []domain.SuggestedHazard{{HazardConcern: hazard}}, Source: req.TaskName}, nil
	})
}

func blocking(release <-chan struct{}) Provider {
	return ProviderFunc(func(ctx context.Context, req Request) (domain.SuggestionSet, error) {
		select {
		case <-release:
			return domain.SuggestionSet{Hazards: []domain.SuggestedHazard{{HazardConcern: "late"}}}, nil
		case <-ctx.Done():
			return domain.SuggestionSet{}, ctx.Err()
		}
	})
}

func newTracker(buf *bytes.Buffer) *Tracker {
	return NewTracker(log.New(buf, "", 0))
}

func TestRequestStoresResult(t *testing.T) {
	var buf bytes.Buffer
	tr := newTracker(&buf)
	key := Key{CompanyID: "acme", AssessmentID: "a1", Row: 0}

	assert.Equal(t, StateIdle, tr.Result(key).State)
	gen := tr.Request(key, fixed("Noise"), Request{TaskName: "Grinding"}, time.Second)
	tr.Wait()

	res := tr.Result(key)
	assert.Equal(t, StateReady, res.State)
	assert.Equal(t, gen, res.Generation)
	require.NotNil(t, res.Suggestions)
	assert.Equal(t, "Noise", res.Suggestions.Hazards[0].HazardConcern)
	assert.Equal(t, "Grinding", res.Suggestions.Source)
}

func TestInvalidatedRowDropsLateResponse(t *testing.T) {
	var buf bytes.Buffer
	tr := newTracker(&buf)
	key := Key{CompanyID: "acme", AssessmentID: "a1", Row: 2}
	release := make(chan struct{})

	tr.Request(key, blocking(release), Request{}, time.Minute)
	assert.Equal(t, StatePending, tr.Result(key).State)
	tr.InvalidateRow("acme", "a1", 2)
	close(release)
	tr.Wait()

	assert.Equal(t, StateIdle, tr.Result(key).State)
	assert.Contains(t, buf.String(), "discarding stale response")
}

func TestNewRequestSupersedesInFlight(t *testing.T) {
	var buf bytes.Buffer
	tr := newTracker(&buf)
	key := Key{CompanyID: "acme", AssessmentID: "a1", Row: 0}

	tr.Request(key, blocking(make(chan struct{})), Request{}, time.Minute)
	second := tr.Request(key, fixed("Dust"), Request{}, time.Minute)
	tr.Wait()

	res := tr.Result(key)
	assert.Equal(t, StateReady, res.State)
	assert.Equal(t, second, res.Generation)
	assert.Equal(t, "Dust", res.Suggestions.Hazards[0].HazardConcern)
}

func TestInvalidateFromShiftsLaterRows(t *testing.T) {
	var buf bytes.Buffer
	tr := newTracker(&buf)
	for row := 0; row < 3; row++ {
		tr.Request(Key{CompanyID: "acme", AssessmentID: "a1", Row: row}, fixed("Heat"), Request{}, time.Second)
	}
	other := Key{CompanyID: "acme", AssessmentID: "a2", Row: 1}
	tr.Request(other, fixed("Heat"), Request{}, time.Second)
	tr.Wait()

	tr.InvalidateFrom("acme", "a1", 1)
	assert.Equal(t, StateReady, tr.Result(Key{CompanyID: "acme", AssessmentID: "a1", Row: 0}).State)
	assert.Equal(t, StateIdle, tr.Result(Key{CompanyID: "acme", AssessmentID: "a1", Row: 1}).State)
	assert.Equal(t, StateIdle, tr.Result(Key{CompanyID: "acme", AssessmentID: "a1", Row: 2}).State)
	assert.Equal(t, StateReady, tr.Result(other).State)
}

func TestTimeoutMarksFailed(t *testing.T) {
	var buf bytes.Buffer
	tr := newTracker(&buf)
	key := Key{CompanyID: "acme", AssessmentID: "a1", Row: 0}

	tr.Request(key, blocking(make(chan struct{})), Request{}, 10*time.Millisecond)
	tr.Wait()

	res := tr.Result(key)
	assert.Equal(t, StateFailed, res.State)
	assert.Contains(t, res.Error, "deadline exceeded")
	assert.Contains(t, buf.String(), "failed")
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(domain.SuggestionSet{
			Hazards: []domain.SuggestedHazard{{HazardConcern: "Fall from height", Likelihood: 3, Consequence: 5}},
			Source:  req.TaskName,
		})
	}))
	defer srv.Close()

	set, err := HTTPProvider{URL: srv.URL, Token: "s3cret"}.Suggest(context.Background(), Request{TaskName: "Roof work", ExistingHazards: []string{"Sun"}})
	require.NoError(t, err)
	require.Len(t, set.Hazards, 1)
	assert.Equal(t, "Fall from height", set.Hazards[0].HazardConcern)
	assert.Equal(t, "Roof work", set.Source)

	_, err = HTTPProvider{URL: srv.URL}.Suggest(context.Background(), Request{})
	assert.ErrorContains(t, err, "status 401")

	_, err = HTTPProvider{}.Suggest(context.Background(), Request{})
	assert.Error(t, err)
}
