package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"hiraflow/internal/domain"
)

// Request is what a provider needs to propose hazards for one row.
type Request struct {
	CompanyID       string   `json:"company_id"`
	AssessmentID    string   `json:"assessment_id"`
	TaskName        string   `json:"task_name"`
	ActivityService string   `json:"activity_service"`
	ExistingHazards []string `json:"existing_hazards"`
}

// Provider proposes hazards for a task. Results are advisory.
type Provider interface {
	Suggest(ctx context.Context, req Request) (domain.SuggestionSet, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) (domain.SuggestionSet, error)

func (f ProviderFunc) Suggest(ctx context.Context, req Request) (domain.SuggestionSet, error) {
	return f(ctx, req)
}

// HTTPProvider posts the request as JSON to URL and expects a SuggestionSet
// back.
type HTTPProvider struct {
	URL    string
	Token  string
	Client *http.Client
}

func (p HTTPProvider) Suggest(ctx context.Context, req Request) (domain.SuggestionSet, error) {
	if strings.TrimSpace(p.URL) == "" {
		return domain.SuggestionSet{}, fmt.Errorf("suggestions url not configured")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return domain.SuggestionSet{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(payload))
	if err != nil {
		return domain.SuggestionSet{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.Token)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return domain.SuggestionSet{}, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.SuggestionSet{}, fmt.Errorf("suggestions provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var set domain.SuggestionSet
	if err := json.Unmarshal(body, &set); err != nil {
		return domain.SuggestionSet{}, fmt.Errorf("decode suggestions: %w", err)
	}
	if set.Hazards == nil {
		set.Hazards = []domain.SuggestedHazard{}
	}
	return set, nil
}
