package hira

import (
	"fmt"

	"hiraflow/internal/domain"
)

// SignificanceThreshold is the score above which a row is auto-significant.
const SignificanceThreshold = 12

type Risk struct {
	Score           int             `json:"risk_score"`
	Category        domain.Category `json:"risk_category"`
	AutoSignificant bool            `json:"auto_significant"`
}

// Score rates a likelihood/consequence pair. Both factors must be in 1..5.
func Score(likelihood, consequence int) (Risk, error) {
	if !validFactor(likelihood) {
		return Risk{}, invalidInput("score", "likelihood", fmt.Sprintf("must be between 1 and 5, got %d", likelihood))
	}
	if !validFactor(consequence) {
		return Risk{}, invalidInput("score", "consequence", fmt.Sprintf("must be between 1 and 5, got %d", consequence))
	}
	s := likelihood * consequence
	return Risk{Score: s, Category: Categorize(s), AutoSignificant: s > SignificanceThreshold}, nil
}

// Categorize maps a score to its band. Upper bounds are inclusive.
func Categorize(score int) domain.Category {
	switch {
	case score <= 4:
		return domain.CategoryVeryLow
	case score <= 8:
		return domain.CategoryLow
	case score <= 12:
		return domain.CategoryModerate
	case score <= 20:
		return domain.CategoryHigh
	default:
		return domain.CategoryVeryHigh
	}
}

func validFactor(v int) bool { return v >= 1 && v <= 5 }

// ScoredRow is a worksheet row with its derived risk attached.
type ScoredRow struct {
	Index int `json:"index"`
	domain.WorksheetRow
	Risk
}

// ScoreRows attaches derived risk to every row. Rows with out-of-range
// factors keep a zero Risk.
func ScoreRows(rows []domain.WorksheetRow) []ScoredRow {
	out := make([]ScoredRow, 0, len(rows))
	for i, r := range rows {
		risk, _ := Score(r.Likelihood, r.Consequence)
		out = append(out, ScoredRow{Index: i, WorksheetRow: r, Risk: risk})
	}
	return out
}

func autoSignificant(r domain.WorksheetRow) bool {
	risk, err := Score(r.Likelihood, r.Consequence)
	return err == nil && risk.AutoSignificant
}

// reconcileSignificance applies the one-way upgrade: a row becomes significant
// only when its auto flag turns on. prev is nil for a new row.
func reconcileSignificance(prev *domain.WorksheetRow, next domain.WorksheetRow) domain.WorksheetRow {
	auto := autoSignificant(next)
	if next.Significance == "" {
		if auto {
			next.Significance = domain.Significant
		} else {
			next.Significance = domain.NotSignificant
		}
		return next
	}
	if !auto {
		return next
	}
	if prev == nil || !autoSignificant(*prev) {
		next.Significance = domain.Significant
	}
	return next
}
