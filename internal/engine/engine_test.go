package engine_test

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hiraflow/internal/config"
	"hiraflow/internal/db"
	"hiraflow/internal/domain"
	"hiraflow/internal/engine"
	"hiraflow/internal/engine/auth"
	"hiraflow/internal/hira"
	"hiraflow/internal/migrate"
	"hiraflow/internal/repo"
	"hiraflow/internal/suggest"
)

const company = "acme"

var (
	ann = domain.Actor{ID: "ann"} // owner
	sam = domain.Actor{ID: "sam"} // superadmin
	lee = domain.Actor{ID: "lee"} // lead assessor
	tia = domain.Actor{ID: "tia"} // team member
	olu = domain.Actor{ID: "olu"} // action owner
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Log    *bytes.Buffer
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	var buf bytes.Buffer
	eng := engine.New(conn, log.New(&buf, "", 0)).WithClock(func() time.Time {
		return time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
	})
	ctx := context.Background()
	if _, err := eng.InitCompany(ctx, company, "Acme Plant", ann.ID); err != nil {
		t.Fatalf("init company: %v", err)
	}
	for id, role := range map[string]string{"sam": "superadmin", "lee": "member", "tia": "member", "olu": "member"} {
		if _, err := eng.GrantMember(ctx, company, ann, id, role); err != nil {
			t.Fatalf("grant %s: %v", id, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx, Log: &buf}
}

func row(task string, l, c int) domain.WorksheetRow {
	return domain.WorksheetRow{
		TaskName:          task,
		ActivityService:   "maintenance",
		HazardConcern:     "burns",
		HazardDescription: "contact with hot surfaces",
		Likelihood:        l,
		Consequence:       c,
		Recommendation:    "fit insulation jackets",
	}
}

func strPtr(s string) *string { return &s }

// inProgress creates an assessment led by lee with tia on the team and two
// saved rows.
func (env testEnv) inProgress(t *testing.T) domain.Assessment {
	t.Helper()
	e := env.Engine
	a, err := e.CreateAssessment(env.Ctx, company, ann, hira.NewAssessment{Title: "Boiler maintenance", AssessorID: lee.ID})
	require.NoError(t, err)
	a, err = e.Assign(env.Ctx, company, a.ID, ann, hira.AssignInput{Team: []string{tia.ID}, DueDate: "2025-04-01"})
	require.NoError(t, err)
	a, err = e.SaveWorksheet(env.Ctx, company, a.ID, tia, []domain.WorksheetRow{row("Descale boiler", 4, 4), row("Replace gasket", 2, 3)})
	require.NoError(t, err)
	return a
}

func eventTypes(t *testing.T, env testEnv, entityID string) []string {
	t.Helper()
	evts, err := env.Engine.Events(env.Ctx, repo.EventFilters{CompanyID: company, EntityID: entityID, Limit: 100})
	require.NoError(t, err)
	types := make([]string, 0, len(evts))
	for i := len(evts) - 1; i >= 0; i-- {
		types = append(types, evts[i].Type)
	}
	return types
}

func TestFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	ctx := env.Ctx

	a, err := e.CreateAssessment(ctx, company, ann, hira.NewAssessment{Title: "Boiler maintenance", AssessorID: lee.ID})
	require.NoError(t, err)
	assert.Equal(t, "HIRA-2025-0001", a.AssessmentNumber)
	assert.Equal(t, domain.StatusDraft, a.Status)

	a, err = e.Assign(ctx, company, a.ID, ann, hira.AssignInput{Team: []string{tia.ID}, DueDate: "2025-04-01"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAssigned, a.Status)

	a, err = e.SaveWorksheet(ctx, company, a.ID, tia, []domain.WorksheetRow{row("Descale boiler", 4, 4), row("Replace gasket", 2, 3)})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, a.Status)
	require.NotNil(t, a.StartedAt)
	require.Len(t, a.Rows, 2)
	assert.Equal(t, domain.Significant, a.Rows[0].Significance)
	assert.Equal(t, domain.NotSignificant, a.Rows[1].Significance)

	a, err = e.Complete(ctx, company, a.ID, lee, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, a.Status)

	a, err = e.Review(ctx, company, a.ID, ann, hira.ReviewInput{Decision: "approve", Comments: "good", Rating: 4})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, a.Status)
	assert.Equal(t, ann.ID, a.ApprovedBy)
	assert.Equal(t, 4, a.ApprovalRating)
	require.Len(t, a.Reviews, 1)

	a, err = e.AssignActions(ctx, company, a.ID, lee, []hira.ActionAssignment{
		{Index: 0, Owner: strPtr(olu.ID), TargetDate: strPtr("2025-03-20")},
		{Index: 1, Owner: strPtr(olu.ID)},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActionsAssigned, a.Status)
	assert.Equal(t, "2025-03-20", *a.Rows[0].TargetDate)

	_, err = e.ProgressAction(ctx, company, a.ID, lee, 0, hira.ActionProgress{Status: domain.ActionCompleted})
	assert.True(t, hira.IsKind(err, hira.KindForbidden), "lead is not the owner")

	a, err = e.ProgressAction(ctx, company, a.ID, olu, 0, hira.ActionProgress{Status: domain.ActionCompleted, Evidence: strPtr("photo.jpg")})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActionsAssigned, a.Status)
	assert.Equal(t, "2025-03-10", *a.Rows[0].ActualCompletionDate)
	assert.Equal(t, "photo.jpg", a.Rows[0].CompletionEvidence)

	a, err = e.ProgressAction(ctx, company, a.ID, olu, 1, hira.ActionProgress{Status: domain.ActionCompleted})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActionsCompleted, a.Status)
	require.NotNil(t, a.ActionsCompletedAt)

	a, err = e.Close(ctx, company, a.ID, ann, hira.CloseInput{Comments: "all controls in place"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, a.Status)
	require.NotNil(t, a.Closure)
	assert.Equal(t, 0, a.Closure.PendingActions)

	assert.Equal(t, []string{
		"assessment.created",
		"assessment.assign",
		"assessment.start",
		"assessment.complete",
		"assessment.approve",
		"assessment.assign_actions",
		"action.progressed",
		"action.progressed",
		"assessment.complete_actions",
		"assessment.close",
	}, eventTypes(t, env, a.ID))

	next, err := e.CreateAssessment(ctx, company, lee, hira.NewAssessment{Title: "Crane lift", AssessorID: lee.ID})
	require.NoError(t, err)
	assert.Equal(t, "HIRA-2025-0002", next.AssessmentNumber)

	byNumber, err := e.Fetch(ctx, company, "HIRA-2025-0001")
	require.NoError(t, err)
	assert.Equal(t, a.ID, byNumber.ID)
}

func TestMembershipRoleOverridesClaim(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.CreateAssessment(env.Ctx, company, ann, hira.NewAssessment{Title: "Boiler", AssessorID: lee.ID})
	require.NoError(t, err)

	claimed := domain.Actor{ID: tia.ID, Role: "admin"}
	_, err = env.Engine.Assign(env.Ctx, company, a.ID, claimed, hira.AssignInput{Team: []string{tia.ID}, DueDate: "2025-04-01"})
	assert.True(t, hira.IsKind(err, hira.KindForbidden))

	a, err = env.Engine.Assign(env.Ctx, company, a.ID, sam, hira.AssignInput{Team: []string{tia.ID}, DueDate: "2025-04-01"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAssigned, a.Status)
}

func TestViewDerivesEverything(t *testing.T) {
	env := newTestEnv(t)
	a := env.inProgress(t)

	v, err := env.Engine.View(env.Ctx, company, a.ID, lee)
	require.NoError(t, err)
	require.Len(t, v.Rows, 2)
	assert.Equal(t, 16, v.Rows[0].Score)
	assert.Equal(t, domain.CategoryHigh, v.Rows[0].Category)
	assert.Equal(t, 2, v.Summary.TotalTasks)
	assert.Equal(t, 1, v.Summary.HighRisks)
	assert.Len(t, v.Actions, 2)
	assert.Equal(t, []hira.Transition{hira.TransitionComplete}, v.AllowedTransitions)
	assert.True(t, v.CanEditRows)

	outsider, err := env.Engine.View(env.Ctx, company, a.ID, domain.Actor{ID: "zed"})
	require.NoError(t, err)
	assert.Empty(t, outsider.AllowedTransitions)
	assert.False(t, outsider.CanEditRows)

	_, err = env.Engine.View(env.Ctx, company, "missing", lee)
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestRowEditsPersist(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	a := env.inProgress(t)

	a, err := e.EditRow(env.Ctx, company, a.ID, tia, 1, hira.FieldLikelihood, "5")
	require.NoError(t, err)
	assert.Equal(t, 5, a.Rows[1].Likelihood)
	assert.Equal(t, domain.Significant, a.Rows[1].Significance, "15 crosses the threshold")

	a, err = e.AddRows(env.Ctx, company, a.ID, lee, 0, []domain.WorksheetRow{row("Isolate supply", 1, 1)})
	require.NoError(t, err)
	require.Len(t, a.Rows, 3)
	assert.Equal(t, "Isolate supply", a.Rows[0].TaskName)
	assert.Equal(t, domain.RoutineRoutine, a.Rows[0].Routine)

	a, err = e.RemoveRow(env.Ctx, company, a.ID, lee, 1)
	require.NoError(t, err)
	require.Len(t, a.Rows, 2)
	assert.Equal(t, "Replace gasket", a.Rows[1].TaskName)

	_, err = e.EditRow(env.Ctx, company, a.ID, domain.Actor{ID: "zed"}, 0, hira.FieldTaskName, "x")
	assert.True(t, hira.IsKind(err, hira.KindForbidden))

	types := eventTypes(t, env, a.ID)
	assert.Contains(t, types, "worksheet.row_edited")
	assert.Contains(t, types, "worksheet.rows_added")
	assert.Contains(t, types, "worksheet.row_removed")
}

func TestCompleteReportsIncompleteRows(t *testing.T) {
	env := newTestEnv(t)
	a := env.inProgress(t)

	bad := row("Descale boiler", 2, 2)
	bad.Recommendation = ""
	_, err := env.Engine.Complete(env.Ctx, company, a.ID, lee, []domain.WorksheetRow{row("ok", 1, 1), bad})
	var he *hira.Error
	require.ErrorAs(t, err, &he)
	assert.Equal(t, hira.KindIncompleteData, he.Kind)
	require.Len(t, he.Rows, 1)
	assert.Equal(t, 1, he.Rows[0].Index)
	assert.Equal(t, []string{"recommendation"}, he.Rows[0].Missing)

	stored, err := env.Engine.Fetch(env.Ctx, company, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, stored.Status)
	assert.Equal(t, "Descale boiler", stored.Rows[0].TaskName)
}

type failingStore struct {
	engine.Store
}

func (failingStore) PersistTransition(context.Context, string, string, domain.TransitionRecord, map[string]any) (domain.Assessment, error) {
	return domain.Assessment{}, errors.New("disk full")
}

func TestFailedPersistLeavesAssessmentUntouched(t *testing.T) {
	env := newTestEnv(t)
	a := env.inProgress(t)

	broken := env.Engine
	broken.Store = failingStore{Store: env.Engine.Store}
	_, err := broken.Complete(env.Ctx, company, a.ID, lee, nil)
	require.EqualError(t, err, "disk full")

	stored, err := env.Engine.Fetch(env.Ctx, company, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, stored.Status)
	assert.Nil(t, stored.CompletedAt)
}

func TestStaleTransitionConflicts(t *testing.T) {
	env := newTestEnv(t)
	a := env.inProgress(t)

	done, err := env.Engine.Complete(env.Ctx, company, a.ID, lee, nil)
	require.NoError(t, err)

	rec := domain.TransitionRecord{Names: []string{"complete"}, ActorID: lee.ID, From: domain.StatusInProgress, Next: done}
	_, err = env.Engine.Repo.PersistTransition(env.Ctx, company, a.ID, rec, nil)
	assert.True(t, errors.Is(err, repo.ErrConflict))
}

func TestRejectThenRework(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	a := env.inProgress(t)
	a, err := e.Complete(env.Ctx, company, a.ID, tia, nil)
	require.NoError(t, err)
	firstCompleted := *a.CompletedAt

	_, err = e.Review(env.Ctx, company, a.ID, ann, hira.ReviewInput{Decision: "approve", Comments: "ok"})
	assert.True(t, hira.IsKind(err, hira.KindInvalidInput), "approve needs a rating")

	a, err = e.Review(env.Ctx, company, a.ID, ann, hira.ReviewInput{Decision: "reject", Comments: "missing PPE"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, a.Status)

	a, err = e.EditRow(env.Ctx, company, a.ID, tia, 0, hira.FieldExistingRiskControl, "gloves")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, a.Status)

	a, err = e.Complete(env.Ctx, company, a.ID, tia, nil)
	require.NoError(t, err)
	assert.Equal(t, firstCompleted, *a.CompletedAt)
	require.Len(t, a.Reviews, 1)
	assert.Equal(t, "reject", a.Reviews[0].Decision)
}

func approved(t *testing.T, env testEnv) domain.Assessment {
	t.Helper()
	a := env.inProgress(t)
	a, err := env.Engine.Complete(env.Ctx, company, a.ID, lee, nil)
	require.NoError(t, err)
	a, err = env.Engine.Review(env.Ctx, company, a.ID, ann, hira.ReviewInput{Decision: "approve", Comments: "ok", Rating: 5})
	require.NoError(t, err)
	return a
}

func TestBulkAssignAndUpdateAction(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	a := approved(t, env)

	_, err := e.BulkAssign(env.Ctx, company, a.ID, lee, nil, olu.ID, nil)
	assert.True(t, hira.IsKind(err, hira.KindEmptySelection))

	_, err = e.BulkAssign(env.Ctx, company, a.ID, lee, []int{0, 7}, olu.ID, nil)
	assert.True(t, hira.IsKind(err, hira.KindInvalidInput))

	a, err = e.BulkAssign(env.Ctx, company, a.ID, lee, []int{0, 1}, olu.ID, strPtr("2025-03-09"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, a.Status)
	for _, r := range a.Rows {
		assert.Equal(t, olu.ID, *r.ActionOwner)
	}

	actions, err := e.Actions(env.Ctx, company, a.ID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.True(t, actions[0].IsOverdue)
	assert.Equal(t, -1, *actions[0].DaysRemaining)
	assert.Equal(t, domain.PriorityHigh, actions[0].Priority)

	a, err = e.UpdateAction(env.Ctx, company, a.ID, lee, 1, hira.ActionUpdate{Owner: strPtr(tia.ID), Remarks: strPtr("tia has the tools")})
	require.NoError(t, err)
	assert.Equal(t, tia.ID, *a.Rows[1].ActionOwner)
	assert.Equal(t, "tia has the tools", a.Rows[1].Remarks)

	sum, err := e.Summary(env.Ctx, company, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TotalActions)
	assert.Equal(t, 2, sum.OverdueActions)
	assert.Equal(t, 0, sum.CompletionRate)

	types := eventTypes(t, env, a.ID)
	assert.Contains(t, types, "action.bulk_assigned")
	assert.Contains(t, types, "action.updated")
}

func TestCloseWithPendingActionsNeedsConfig(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	a := approved(t, env)
	a, err := e.AssignActions(env.Ctx, company, a.ID, lee, []hira.ActionAssignment{{Index: 0, Owner: strPtr(olu.ID)}})
	require.NoError(t, err)

	_, err = e.Close(env.Ctx, company, a.ID, ann, hira.CloseInput{Comments: "enough"})
	assert.True(t, hira.IsKind(err, hira.KindInvalidTransition))

	cfg, err := config.Default(company)
	require.NoError(t, err)
	cfg.Workflow.AllowCloseWithPendingActions = true
	var fe auth.ForbiddenError
	require.ErrorAs(t, e.ImportConfig(env.Ctx, company, tia, cfg), &fe)
	require.NoError(t, e.ImportConfig(env.Ctx, company, ann, cfg))

	a, err = e.Close(env.Ctx, company, a.ID, ann, hira.CloseInput{Comments: "enough"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, a.Status)
	assert.Equal(t, 2, a.Closure.PendingActions)
	assert.Contains(t, env.Log.String(), "2 pending action(s)")
}

func TestSuggestionsAreInvalidatedByEdits(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	var seen suggest.Request
	e.Suggester = suggest.ProviderFunc(func(_ context.Context, req suggest.Request) (domain.SuggestionSet, error) {
		seen = req
		return domain.SuggestionSet{Hazards: []domain.SuggestedHazard{{HazardConcern: "scalding"}}}, nil
	})
	a := env.inProgress(t)

	_, err := e.RequestSuggestions(env.Ctx, company, a.ID, tia, 0)
	require.NoError(t, err)
	e.Suggestions.Wait()
	res, err := e.SuggestionResult(env.Ctx, company, a.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, suggest.StateReady, res.State)
	assert.Equal(t, "Descale boiler", seen.TaskName)
	assert.Equal(t, []string{"burns"}, seen.ExistingHazards)

	_, err = e.EditRow(env.Ctx, company, a.ID, tia, 0, hira.FieldHazardConcern, "steam")
	require.NoError(t, err)
	res, err = e.SuggestionResult(env.Ctx, company, a.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, suggest.StateIdle, res.State)

	_, err = e.RequestSuggestions(env.Ctx, company, a.ID, domain.Actor{ID: "zed"}, 0)
	assert.True(t, hira.IsKind(err, hira.KindForbidden))

	plain := env.Engine
	plain.Suggester = nil
	_, err = plain.RequestSuggestions(env.Ctx, company, a.ID, tia, 0)
	assert.True(t, hira.IsKind(err, hira.KindInvalidInput), "no provider configured")
}

func TestWorksheetSaveKeepsSuggestionsForUnchangedRows(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	release := make(chan struct{})
	e.Suggester = suggest.ProviderFunc(func(_ context.Context, req suggest.Request) (domain.SuggestionSet, error) {
		<-release
		return domain.SuggestionSet{Hazards: []domain.SuggestedHazard{{HazardConcern: "pinch points"}}}, nil
	})
	a := env.inProgress(t)

	res, err := e.RequestSuggestions(env.Ctx, company, a.ID, tia, 1)
	require.NoError(t, err)
	assert.Equal(t, suggest.StatePending, res.State)

	// Autosave while the request is in flight: an identical save, then one
	// that only touches row 0.
	_, err = e.SaveWorksheet(env.Ctx, company, a.ID, tia, a.Rows)
	require.NoError(t, err)
	edited := append([]domain.WorksheetRow(nil), a.Rows...)
	edited[0].TaskName = "Descale boiler tubes"
	a, err = e.SaveWorksheet(env.Ctx, company, a.ID, tia, edited)
	require.NoError(t, err)

	close(release)
	e.Suggestions.Wait()
	res, err = e.SuggestionResult(env.Ctx, company, a.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, suggest.StateReady, res.State)
	assert.NotContains(t, env.Log.String(), "discarding stale response")

	// Appending leaves earlier rows alone.
	grown := append(append([]domain.WorksheetRow(nil), a.Rows...), row("Drain tank", 1, 2))
	a, err = e.SaveWorksheet(env.Ctx, company, a.ID, tia, grown)
	require.NoError(t, err)
	res, err = e.SuggestionResult(env.Ctx, company, a.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, suggest.StateReady, res.State)

	// Dropping row 0 shifts row 1 into its place.
	_, err = e.SaveWorksheet(env.Ctx, company, a.ID, tia, a.Rows[1:])
	require.NoError(t, err)
	res, err = e.SuggestionResult(env.Ctx, company, a.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, suggest.StateIdle, res.State)
}

func TestAPIKeysAndMembers(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine

	raw, key, err := e.CreateAPIKey(env.Ctx, company, tia, "", "laptop")
	require.NoError(t, err)
	assert.Equal(t, tia.ID, key.ActorID)
	stored, err := e.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(raw))
	require.NoError(t, err)
	assert.Equal(t, key.ID, stored.ID)

	_, _, err = e.CreateAPIKey(env.Ctx, company, tia, lee.ID, "")
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)

	_, _, err = e.CreateAPIKey(env.Ctx, company, ann, lee.ID, "ci")
	require.NoError(t, err)

	require.NoError(t, e.RevokeMember(env.Ctx, company, ann, olu.ID))
	assert.True(t, errors.Is(e.RevokeMember(env.Ctx, company, ann, olu.ID), repo.ErrNotFound))
	members, err := e.Members(env.Ctx, company)
	require.NoError(t, err)
	assert.Len(t, members, 4)

	_, err = e.InitCompany(env.Ctx, company, "again", ann.ID)
	assert.True(t, errors.Is(err, repo.ErrConflict))
}
