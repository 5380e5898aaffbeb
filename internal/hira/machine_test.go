package hira

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hiraflow/internal/domain"
)

func TestCreate(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Create(f.outside, NewAssessment{Title: "x", AssessorID: f.lead.ID})
	assert.True(t, IsKind(err, KindForbidden))

	a, err := f.m.Create(f.lead, NewAssessment{Title: "Boiler", AssessorID: f.lead.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, a.Status)
	assert.Equal(t, "2025-03-10", a.AssessmentDate)
	assert.Equal(t, domain.PriorityMedium, a.Priority)
	assert.Equal(t, f.lead.ID, a.CreatedBy)

	_, err = f.m.Create(f.admin, NewAssessment{Title: " ", AssessorID: f.lead.ID})
	assert.True(t, IsKind(err, KindInvalidInput))
}

func TestAssignValidation(t *testing.T) {
	f := newFixture(t)
	a := f.draft()

	_, err := f.m.Assign(a, f.admin, AssignInput{Team: nil, DueDate: "2025-04-01"})
	assert.True(t, IsKind(err, KindInvalidInput), "empty team")

	_, err = f.m.Assign(a, f.admin, AssignInput{Team: []string{"tia"}})
	assert.True(t, IsKind(err, KindInvalidInput), "missing due date")

	_, err = f.m.Assign(a, f.admin, AssignInput{Team: []string{"tia"}, DueDate: "04/01/2025"})
	assert.True(t, IsKind(err, KindInvalidInput), "bad due date")

	_, err = f.m.Assign(a, f.lead, AssignInput{Team: []string{"tia"}, DueDate: "2025-04-01"})
	assert.True(t, IsKind(err, KindForbidden), "lead is not admin")

	res, err := f.m.Assign(a, f.super, AssignInput{Team: []string{"tia", "tia", " "}, DueDate: "2025-04-01", Priority: domain.PriorityHigh})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAssigned, res.Assessment.Status)
	assert.Equal(t, []string{"tia"}, res.Assessment.Team)
	assert.Equal(t, []Transition{TransitionAssign}, res.Applied)
	require.NotNil(t, res.Assessment.AssignedAt)
	assert.Equal(t, "2025-03-10T09:30:00Z", *res.Assessment.AssignedAt)
	assert.Equal(t, domain.StatusDraft, a.Status)
}

func TestStateCheckedBeforeActorBeforeInput(t *testing.T) {
	f := newFixture(t)
	a := f.withStatus(domain.StatusClosed)
	_, err := f.m.Assign(a, f.outside, AssignInput{})
	var he *Error
	require.ErrorAs(t, err, &he)
	assert.Equal(t, KindInvalidTransition, he.Kind)
	assert.Equal(t, domain.StatusClosed, he.Status)
	assert.Equal(t, "assign", he.Op)

	_, err = f.m.Assign(f.draft(), f.outside, AssignInput{})
	assert.True(t, IsKind(err, KindForbidden))
}

func TestWorksheetEditStartsAssessment(t *testing.T) {
	f := newFixture(t)
	a := f.withStatus(domain.StatusAssigned)

	_, err := f.m.SaveWorksheet(a, f.outside, []domain.WorksheetRow{completeRow("a", 1, 1)})
	assert.True(t, IsKind(err, KindForbidden))

	res, err := f.m.SaveWorksheet(a, f.member, []domain.WorksheetRow{completeRow("a", 1, 1)})
	require.NoError(t, err)
	assert.Equal(t, []Transition{TransitionStart}, res.Applied)
	assert.Equal(t, domain.StatusInProgress, res.Assessment.Status)
	require.NotNil(t, res.Assessment.StartedAt)

	again, err := f.m.AddRows(res.Assessment, f.lead, 0, []domain.WorksheetRow{completeRow("b", 2, 2)})
	require.NoError(t, err)
	assert.False(t, again.Moved())
	assert.Equal(t, "b", again.Assessment.Rows[0].TaskName)

	removed, err := f.m.RemoveRow(again.Assessment, f.lead, 0)
	require.NoError(t, err)
	require.Len(t, removed.Assessment.Rows, 1)
	assert.Equal(t, "a", removed.Assessment.Rows[0].TaskName)
	assert.Len(t, again.Assessment.Rows, 2)

	_, err = f.m.SaveWorksheet(f.withStatus(domain.StatusCompleted), f.lead, nil)
	assert.True(t, IsKind(err, KindInvalidTransition))
}

func TestSaveAfterDeleteKeepsDowngrade(t *testing.T) {
	for _, tc := range []struct {
		name    string
		withIDs bool
	}{
		{"paired by id", true},
		{"paired by task and hazard", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			a := f.inProgress()
			a.Rows = []domain.WorksheetRow{completeRow("Lift", 2, 3), completeRow("Weld", 3, 5)}
			a.Rows[1].Significance = domain.NotSignificant
			if tc.withIDs {
				a.Rows[0].ID = "row-lift"
				a.Rows[1].ID = "row-weld"
			}

			// The client deleted the first row; the second now sits at index 0.
			kept := a.Rows[1]
			if !tc.withIDs {
				kept.ID = ""
			}
			res, err := f.m.SaveWorksheet(a, f.member, []domain.WorksheetRow{kept})
			require.NoError(t, err)
			require.Len(t, res.Assessment.Rows, 1)
			assert.Equal(t, domain.NotSignificant, res.Assessment.Rows[0].Significance)
			assert.Equal(t, a.Rows[1].ID, res.Assessment.Rows[0].ID)
		})
	}
}

func TestSaveTreatsUnmatchedRowAsNew(t *testing.T) {
	f := newFixture(t)
	a := f.inProgress()
	a.Rows = []domain.WorksheetRow{completeRow("Lift", 2, 3)}
	a.Rows[0].ID = "row-lift"

	fresh := completeRow("Grind", 4, 4)
	fresh.ID = "row-forged"
	fresh.Significance = domain.NotSignificant
	res, err := f.m.SaveWorksheet(a, f.member, []domain.WorksheetRow{a.Rows[0], fresh})
	require.NoError(t, err)
	require.Len(t, res.Assessment.Rows, 2)
	assert.Equal(t, "row-lift", res.Assessment.Rows[0].ID)
	assert.Empty(t, res.Assessment.Rows[1].ID, "stores assign ids to new rows")
	assert.Equal(t, domain.Significant, res.Assessment.Rows[1].Significance)
}

func TestContentSaveIgnoresActionFields(t *testing.T) {
	f := newFixture(t)
	a := f.inProgress()

	forged := completeRow("Lift", 3, 3)
	forged.ActionStatus = domain.ActionCompleted
	forged.ActionOwner = strPtr(f.member.ID)
	forged.TargetDate = strPtr("2025-03-01")
	forged.CompletionEvidence = "trust me"
	forged.ActualCompletionDate = strPtr("2025-03-02")
	res, err := f.m.SaveWorksheet(a, f.member, []domain.WorksheetRow{forged})
	require.NoError(t, err)
	got := res.Assessment.Rows[0]
	assert.Equal(t, domain.ActionOpen, got.ActionStatus)
	assert.Nil(t, got.ActionOwner)
	assert.Nil(t, got.TargetDate)
	assert.Empty(t, got.CompletionEvidence)
	assert.Nil(t, got.ActualCompletionDate)

	done, err := f.m.Complete(res.Assessment, f.lead, nil)
	require.NoError(t, err)
	approved, err := f.m.Review(done.Assessment, f.admin, ReviewInput{Decision: DecisionApprove, Comments: "ok", Rating: 4})
	require.NoError(t, err)
	assigned, err := f.m.AssignActions(approved.Assessment, f.lead, nil)
	require.NoError(t, err)
	assert.Equal(t, []Transition{TransitionAssignActions}, assigned.Applied)
	assert.Equal(t, domain.StatusActionsAssigned, assigned.Assessment.Status)

	// Stored rows keep their action state whatever the save carries.
	b := f.withStatus(domain.StatusRejected)
	b.Rows = []domain.WorksheetRow{completeRow("Lift", 3, 3)}
	b.Rows[0].ID = "row-lift"
	b.Rows[0].ActionOwner = strPtr(f.owner.ID)
	resave := b.Rows[0]
	resave.ActionOwner = nil
	resave.ActionStatus = domain.ActionCompleted
	res, err = f.m.SaveWorksheet(b, f.member, []domain.WorksheetRow{resave})
	require.NoError(t, err)
	require.NotNil(t, res.Assessment.Rows[0].ActionOwner)
	assert.Equal(t, f.owner.ID, *res.Assessment.Rows[0].ActionOwner)
	assert.Equal(t, domain.ActionOpen, res.Assessment.Rows[0].ActionStatus)
}

func TestCompleteRequiresFields(t *testing.T) {
	f := newFixture(t)
	a := f.inProgress()

	_, err := f.m.Complete(a, f.lead, nil)
	assert.True(t, IsKind(err, KindIncompleteData), "empty worksheet")

	bad := completeRow("a", 2, 2)
	bad.HazardDescription = ""
	bad.Recommendation = " "
	_, err = f.m.Complete(a, f.lead, []domain.WorksheetRow{completeRow("ok", 1, 1), bad})
	var he *Error
	require.ErrorAs(t, err, &he)
	assert.Equal(t, KindIncompleteData, he.Kind)
	require.Len(t, he.Rows, 1)
	assert.Equal(t, 1, he.Rows[0].Index)
	assert.Equal(t, []string{"hazard_description", "recommendation"}, he.Rows[0].Missing)

	res, err := f.m.Complete(a, f.member, []domain.WorksheetRow{completeRow("ok", 1, 1)})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Assessment.Status)
	require.NotNil(t, res.Assessment.CompletedAt)
	assert.Len(t, res.Assessment.Rows, 1)
}

func TestReview(t *testing.T) {
	f := newFixture(t)
	a := f.withStatus(domain.StatusCompleted)
	a.Rows = []domain.WorksheetRow{completeRow("a", 1, 1)}

	_, err := f.m.Review(a, f.lead, ReviewInput{Decision: DecisionApprove, Comments: "fine", Rating: 0})
	assert.True(t, IsKind(err, KindInvalidInput), "rating 0")

	_, err = f.m.Review(a, f.lead, ReviewInput{Decision: DecisionApprove, Rating: 4})
	assert.True(t, IsKind(err, KindInvalidInput), "comments required")

	_, err = f.m.Review(a, f.member, ReviewInput{Decision: DecisionApprove, Comments: "ok", Rating: 4})
	assert.True(t, IsKind(err, KindForbidden), "team member cannot review")

	res, err := f.m.Review(a, f.lead, ReviewInput{Decision: DecisionApprove, Comments: "fine", Rating: 4})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, res.Assessment.Status)
	require.NotNil(t, res.Assessment.ApprovedAt)
	assert.Equal(t, f.lead.ID, res.Assessment.ApprovedBy)
	assert.Equal(t, 4, res.Assessment.ApprovalRating)
	require.Len(t, res.Assessment.Reviews, 1)
}

func TestRejectCycleKeepsFirstTimestamps(t *testing.T) {
	f := newFixture(t)
	a := f.withStatus(domain.StatusCompleted)
	a.Rows = []domain.WorksheetRow{completeRow("a", 1, 1)}
	first := "2025-01-01T00:00:00Z"
	a.StartedAt = &first
	a.CompletedAt = &first

	rej, err := f.m.Review(a, f.admin, ReviewInput{Decision: DecisionReject, Comments: "redo"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rej.Assessment.Status)
	assert.Empty(t, rej.Assessment.ApprovedBy)

	edited, err := f.m.ApplyRowEdit(rej.Assessment, f.member, 0, FieldTaskName, "a2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, edited.Assessment.Status)
	assert.Equal(t, first, *edited.Assessment.StartedAt)

	done, err := f.m.Complete(edited.Assessment, f.lead, nil)
	require.NoError(t, err)
	assert.Equal(t, first, *done.Assessment.CompletedAt)

	ok, err := f.m.Review(done.Assessment, f.admin, ReviewInput{Decision: DecisionApprove, Comments: "good", Rating: 5})
	require.NoError(t, err)
	assert.Len(t, ok.Assessment.Reviews, 2)
}

func TestAssignActionsAndCompletion(t *testing.T) {
	f := newFixture(t)
	a := f.withStatus(domain.StatusApproved)
	a.Rows = []domain.WorksheetRow{completeRow("a", 3, 3), completeRow("b", 2, 2)}
	a.Rows[1].Recommendation = ""

	_, err := f.m.AssignActions(a, f.lead, []ActionAssignment{{Index: 1, Owner: strPtr("olu")}})
	assert.True(t, IsKind(err, KindInvalidInput))

	res, err := f.m.AssignActions(a, f.creator, []ActionAssignment{{Index: 0, Owner: strPtr("olu"), TargetDate: strPtr("2025-03-20"), Remarks: strPtr("asap")}})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActionsAssigned, res.Assessment.Status)
	assert.Equal(t, []Transition{TransitionAssignActions}, res.Applied)
	assigned := res.Assessment

	// Only the owner may progress the action, whatever other roles say.
	_, err = f.m.ProgressAction(assigned, f.lead, 0, ActionProgress{Status: domain.ActionCompleted})
	assert.True(t, IsKind(err, KindForbidden))
	_, err = f.m.ProgressAction(assigned, f.super, 0, ActionProgress{Status: domain.ActionCompleted})
	assert.True(t, IsKind(err, KindForbidden))
	assert.False(t, f.m.Gate.CanCompleteAction(assigned, f.lead, 0))

	res, err = f.m.ProgressAction(assigned, f.owner, 0, ActionProgress{Status: domain.ActionCompleted, Evidence: strPtr("photo.jpg")})
	require.NoError(t, err)
	assert.Equal(t, []Transition{TransitionCompleteActions}, res.Applied)
	assert.Equal(t, domain.StatusActionsCompleted, res.Assessment.Status)
	require.NotNil(t, res.Assessment.Rows[0].ActualCompletionDate)
	assert.Equal(t, "2025-03-10", *res.Assessment.Rows[0].ActualCompletionDate)
	require.NotNil(t, res.Assessment.ActionsCompletedAt)

	_, err = f.m.ProgressAction(res.Assessment, f.owner, 0, ActionProgress{Status: domain.ActionOpen})
	assert.True(t, IsKind(err, KindInvalidTransition))
}

func TestAssignActionsWithEverythingDone(t *testing.T) {
	f := newFixture(t)
	a := f.withStatus(domain.StatusApproved)
	a.Rows = []domain.WorksheetRow{completeRow("a", 3, 3)}
	a.Rows[0].ActionStatus = domain.ActionCompleted
	res, err := f.m.AssignActions(a, f.lead, nil)
	require.NoError(t, err)
	assert.Equal(t, []Transition{TransitionAssignActions, TransitionCompleteActions}, res.Applied)
	assert.Equal(t, domain.StatusActionsCompleted, res.Assessment.Status)
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	a := f.withStatus(domain.StatusActionsCompleted)
	a.Rows = []domain.WorksheetRow{completeRow("a", 3, 3)}
	a.Rows[0].ActionStatus = domain.ActionCompleted

	_, err := f.m.Close(a, f.member, CloseInput{Comments: "done"})
	assert.True(t, IsKind(err, KindForbidden))

	_, err = f.m.Close(a, f.admin, CloseInput{})
	assert.True(t, IsKind(err, KindInvalidInput))

	bad := 7
	_, err = f.m.Close(a, f.admin, CloseInput{Comments: "done", PerformanceRating: &bad})
	assert.True(t, IsKind(err, KindInvalidInput))

	rating := 5
	res, err := f.m.Close(a, f.lead, CloseInput{Comments: "done", PerformanceRating: &rating, LessonsLearned: "guard early"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, res.Assessment.Status)
	require.NotNil(t, res.Assessment.Closure)
	assert.Equal(t, 0, res.Assessment.Closure.PendingActions)
	assert.True(t, IsTerminal(res.Assessment.Status))
	assert.Empty(t, f.m.Gate.AllowedTransitions(res.Assessment, f.admin))
}

func TestCloseWithPendingActionsIsConfigurable(t *testing.T) {
	f := newFixture(t)
	a := f.withStatus(domain.StatusActionsAssigned)
	a.Rows = []domain.WorksheetRow{completeRow("a", 3, 3)}

	_, err := f.m.Close(a, f.admin, CloseInput{Comments: "stop"})
	assert.True(t, IsKind(err, KindInvalidTransition))

	f.m.Gate.Policy.AllowCloseWithPendingActions = true
	res, err := f.m.Close(a, f.admin, CloseInput{Comments: "stop"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Assessment.Closure.PendingActions)
}

func TestAllowedTransitions(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []Transition{TransitionAssign}, f.m.Gate.AllowedTransitions(f.draft(), f.admin))
	assert.Empty(t, f.m.Gate.AllowedTransitions(f.draft(), f.lead))

	completed := f.withStatus(domain.StatusCompleted)
	assert.Equal(t, []Transition{TransitionApprove, TransitionReject}, f.m.Gate.AllowedTransitions(completed, f.lead))
	assert.Empty(t, f.m.Gate.AllowedTransitions(completed, f.member))

	approved := f.withStatus(domain.StatusApproved)
	assert.Equal(t, []Transition{TransitionAssignActions}, f.m.Gate.AllowedTransitions(approved, f.super))
	assert.Empty(t, f.m.Gate.AllowedTransitions(approved, f.admin))
	assert.True(t, f.m.Gate.CanManageActions(approved, f.creator))
	assert.False(t, f.m.Gate.CanManageActions(approved, f.outside))
	assert.True(t, f.m.Gate.CanEditRow(f.withStatus(domain.StatusRejected), f.member))
	assert.False(t, f.m.Gate.CanEditRow(approved, f.member))
}
