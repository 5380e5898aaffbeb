package hira

import (
	"strings"
	"time"
	"unicode/utf8"

	"hiraflow/internal/domain"
)

const dateLayout = "2006-01-02"

// HasAction reports whether a row carries a recommendation and is therefore
// an action item.
func HasAction(r domain.WorksheetRow) bool {
	return strings.TrimSpace(r.Recommendation) != ""
}

// PriorityFor maps a risk to an action priority.
func PriorityFor(r Risk) domain.Priority {
	switch {
	case r.Category == domain.CategoryVeryHigh || r.Score >= 20:
		return domain.PriorityCritical
	case r.Category == domain.CategoryHigh || r.Score >= 15:
		return domain.PriorityHigh
	case r.Category == domain.CategoryModerate || r.Score >= 9:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

// EffortDays estimates effort from the recommendation length in characters.
func EffortDays(recommendation string) int {
	n := utf8.RuneCountInString(recommendation)
	complexity := 1
	switch {
	case n > 200:
		complexity = 3
	case n > 100:
		complexity = 2
	}
	return complexity * 2
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(dateLayout, strings.TrimSpace(s), time.UTC)
}

// today is the UTC calendar day of now.
func today(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DeriveActions builds the action list from rows that carry a recommendation.
// Index is the position of the originating row.
func DeriveActions(rows []domain.WorksheetRow, now time.Time) []domain.ActionItem {
	day := today(now)
	items := []domain.ActionItem{}
	for i, r := range rows {
		if !HasAction(r) {
			continue
		}
		risk, _ := Score(r.Likelihood, r.Consequence)
		status := r.ActionStatus
		if status == "" {
			status = domain.ActionOpen
		}
		item := domain.ActionItem{
			Index:                i,
			TaskName:             r.TaskName,
			HazardConcern:        r.HazardConcern,
			Recommendation:       r.Recommendation,
			RiskScore:            risk.Score,
			RiskCategory:         risk.Category,
			Priority:             PriorityFor(risk),
			EstimatedEffortDays:  EffortDays(r.Recommendation),
			Owner:                r.ActionOwner,
			TargetDate:           r.TargetDate,
			Status:               status,
			Remarks:              r.Remarks,
			CompletionEvidence:   r.CompletionEvidence,
			ActualCompletionDate: r.ActualCompletionDate,
		}
		if r.TargetDate != nil && status != domain.ActionCompleted {
			if target, err := ParseDate(*r.TargetDate); err == nil {
				days := int(target.Sub(day).Hours() / 24)
				item.DaysRemaining = &days
				item.IsOverdue = target.Before(day)
			}
		}
		items = append(items, item)
	}
	return items
}

// ActionsDone reports whether every action row is completed. A worksheet
// without actions counts as done.
func ActionsDone(rows []domain.WorksheetRow) bool {
	for _, r := range rows {
		if HasAction(r) && r.ActionStatus != domain.ActionCompleted {
			return false
		}
	}
	return true
}

func pendingActions(rows []domain.WorksheetRow) int {
	n := 0
	for _, r := range rows {
		if HasAction(r) && r.ActionStatus != domain.ActionCompleted {
			n++
		}
	}
	return n
}
