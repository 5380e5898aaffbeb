package hira

import (
	"math"
	"time"

	"hiraflow/internal/domain"
)

// Summarize aggregates the assessment from scratch. Nothing is cached.
func Summarize(a domain.Assessment, now time.Time) domain.Summary {
	s := domain.Summary{
		TotalTasks:         len(a.Rows),
		RiskCategoryCounts: make(map[domain.Category]int, len(domain.Categories)),
	}
	for _, c := range domain.Categories {
		s.RiskCategoryCounts[c] = 0
	}
	for _, r := range a.Rows {
		if r.Significance == domain.Significant {
			s.SignificantRisks++
		}
		risk, err := Score(r.Likelihood, r.Consequence)
		if err != nil {
			continue
		}
		s.RiskCategoryCounts[risk.Category]++
		if risk.Category == domain.CategoryHigh || risk.Category == domain.CategoryVeryHigh {
			s.HighRisks++
		}
	}
	for _, item := range DeriveActions(a.Rows, now) {
		s.TotalActions++
		switch item.Status {
		case domain.ActionCompleted:
			s.CompletedActions++
		case domain.ActionInProgress:
			s.InProgressActions++
		default:
			s.OpenActions++
		}
		if item.IsOverdue {
			s.OverdueActions++
		}
	}
	s.CompletionRate = 100
	if s.TotalActions > 0 {
		s.CompletionRate = int(math.Round(float64(s.CompletedActions) / float64(s.TotalActions) * 100))
	}
	return s
}
