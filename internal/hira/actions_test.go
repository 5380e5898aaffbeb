package hira

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hiraflow/internal/domain"
)

func TestPriorityFor(t *testing.T) {
	cases := []struct {
		l, c int
		want domain.Priority
	}{
		{5, 5, domain.PriorityCritical},
		{4, 5, domain.PriorityCritical},
		{3, 5, domain.PriorityHigh},
		{3, 3, domain.PriorityMedium},
		{3, 4, domain.PriorityMedium},
		{2, 4, domain.PriorityLow},
		{1, 1, domain.PriorityLow},
	}
	for _, tc := range cases {
		r, err := Score(tc.l, tc.c)
		require.NoError(t, err)
		assert.Equal(t, tc.want, PriorityFor(r), "%dx%d", tc.l, tc.c)
	}
}

func TestEffortDays(t *testing.T) {
	assert.Equal(t, 2, EffortDays("Install guard rails"))
	assert.Equal(t, 4, EffortDays(strings.Repeat("x", 150)))
	assert.Equal(t, 6, EffortDays(strings.Repeat("x", 250)))
	assert.Equal(t, 2, EffortDays(strings.Repeat("é", 100)), "length counts characters, not bytes")
}

func TestDeriveActionsOverdue(t *testing.T) {
	f := newFixture(t)
	rows := []domain.WorksheetRow{
		completeRow("yesterday", 3, 3),
		completeRow("no recommendation", 3, 3),
		completeRow("future", 2, 2),
		completeRow("done", 5, 5),
	}
	rows[0].TargetDate = strPtr("2025-03-09")
	rows[1].Recommendation = "  "
	rows[2].TargetDate = strPtr("2025-03-17")
	rows[3].TargetDate = strPtr("2025-01-01")
	rows[3].ActionStatus = domain.ActionCompleted

	items := DeriveActions(rows, f.now)
	require.Len(t, items, 3)

	assert.Equal(t, 0, items[0].Index)
	assert.True(t, items[0].IsOverdue)
	require.NotNil(t, items[0].DaysRemaining)
	assert.Equal(t, -1, *items[0].DaysRemaining)

	assert.Equal(t, 2, items[1].Index)
	assert.False(t, items[1].IsOverdue)
	require.NotNil(t, items[1].DaysRemaining)
	assert.Equal(t, 7, *items[1].DaysRemaining)

	assert.Equal(t, 3, items[2].Index)
	assert.False(t, items[2].IsOverdue)
	assert.Nil(t, items[2].DaysRemaining)
	assert.Equal(t, domain.PriorityCritical, items[2].Priority)
}

func TestDeriveActionsDueTodayIsNotOverdue(t *testing.T) {
	f := newFixture(t)
	row := completeRow("today", 1, 1)
	row.TargetDate = strPtr("2025-03-10")
	items := DeriveActions([]domain.WorksheetRow{row}, f.now)
	require.Len(t, items, 1)
	assert.False(t, items[0].IsOverdue)
	assert.Equal(t, 0, *items[0].DaysRemaining)
}

func TestDeriveActionsUsesUTCDay(t *testing.T) {
	row := completeRow("late", 1, 1)
	row.TargetDate = strPtr("2025-03-10")
	// 23:30 on the 9th in UTC-5 is already the 10th in UTC.
	local := time.Date(2025, 3, 9, 23, 30, 0, 0, time.FixedZone("EST", -5*60*60))
	items := DeriveActions([]domain.WorksheetRow{row}, local)
	require.Len(t, items, 1)
	assert.False(t, items[0].IsOverdue)
	require.NotNil(t, items[0].DaysRemaining)
	assert.Equal(t, 0, *items[0].DaysRemaining)

	// 01:00 on the 11th in UTC+3 is still the 10th in UTC.
	ahead := time.Date(2025, 3, 11, 1, 0, 0, 0, time.FixedZone("MSK", 3*60*60))
	items = DeriveActions([]domain.WorksheetRow{row}, ahead)
	require.Len(t, items, 1)
	assert.False(t, items[0].IsOverdue)
	require.NotNil(t, items[0].DaysRemaining)
	assert.Equal(t, 0, *items[0].DaysRemaining)
}

func TestBulkAssign(t *testing.T) {
	f := newFixture(t)
	a := f.withStatus(domain.StatusActionsAssigned)
	a.Rows = []domain.WorksheetRow{completeRow("a", 2, 2), completeRow("b", 3, 3), completeRow("c", 4, 4)}
	a.Rows[1].Recommendation = ""

	_, err := f.m.BulkAssign(a, f.lead, nil, "olu", nil)
	assert.True(t, IsKind(err, KindEmptySelection))

	_, err = f.m.BulkAssign(a, f.lead, []int{0, 1}, "olu", nil)
	assert.True(t, IsKind(err, KindInvalidInput), "row without recommendation")

	_, err = f.m.BulkAssign(a, f.lead, []int{0, 7}, "olu", nil)
	assert.True(t, IsKind(err, KindInvalidInput), "out of range")

	_, err = f.m.BulkAssign(a, f.outside, []int{0}, "olu", nil)
	assert.True(t, IsKind(err, KindForbidden))

	res, err := f.m.BulkAssign(a, f.lead, []int{0, 2}, "olu", strPtr("2025-04-01"))
	require.NoError(t, err)
	assert.False(t, res.Moved())
	for _, i := range []int{0, 2} {
		require.NotNil(t, res.Assessment.Rows[i].ActionOwner)
		assert.Equal(t, "olu", *res.Assessment.Rows[i].ActionOwner)
		assert.Equal(t, "2025-04-01", *res.Assessment.Rows[i].TargetDate)
	}
	assert.Nil(t, a.Rows[0].ActionOwner, "input must not be modified")
}

func TestSummaryCounts(t *testing.T) {
	f := newFixture(t)
	a := f.withStatus(domain.StatusActionsAssigned)
	// Scores 6, 15 and 25.
	a.Rows = []domain.WorksheetRow{completeRow("a", 2, 3), completeRow("b", 3, 5), completeRow("c", 5, 5)}
	a.Rows[1].Significance = domain.Significant

	s := Summarize(a, f.now)
	assert.Equal(t, 3, s.TotalTasks)
	assert.Equal(t, 1, s.RiskCategoryCounts[domain.CategoryLow])
	assert.Equal(t, 1, s.RiskCategoryCounts[domain.CategoryHigh])
	assert.Equal(t, 1, s.RiskCategoryCounts[domain.CategoryVeryHigh])
	assert.Equal(t, 0, s.RiskCategoryCounts[domain.CategoryModerate])
	assert.Equal(t, 2, s.HighRisks)
	assert.Equal(t, 3, s.TotalActions)
	assert.Equal(t, 3, s.OpenActions)
	assert.Equal(t, 1, s.SignificantRisks)
}

func TestSummaryCompletionRate(t *testing.T) {
	f := newFixture(t)
	a := f.withStatus(domain.StatusApproved)
	a.Rows = []domain.WorksheetRow{completeRow("a", 1, 1)}
	a.Rows[0].Recommendation = ""
	assert.Equal(t, 100, Summarize(a, f.now).CompletionRate, "no actions")

	a.Rows = []domain.WorksheetRow{completeRow("a", 1, 1), completeRow("b", 1, 1), completeRow("c", 1, 1)}
	a.Rows[0].ActionStatus = domain.ActionCompleted
	a.Rows[1].ActionStatus = domain.ActionCompleted
	a.Rows[2].ActionStatus = domain.ActionInProgress
	a.Rows[2].TargetDate = strPtr("2025-03-01")
	s := Summarize(a, f.now)
	assert.Equal(t, 67, s.CompletionRate)
	assert.Equal(t, 2, s.CompletedActions)
	assert.Equal(t, 1, s.InProgressActions)
	assert.Equal(t, 1, s.OverdueActions)
}
