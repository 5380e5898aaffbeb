package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"hiraflow/internal/domain"
	"hiraflow/internal/events"
	"hiraflow/internal/hira"
)

const assessmentColumns = `id,company_id,assessment_number,title,COALESCE(process,''),COALESCE(plant_id,''),
assessment_date,COALESCE(description,''),assessor_id,team_json,created_by,status,due_date,COALESCE(priority,''),
COALESCE(assignment_comments,''),created_at,assigned_at,started_at,completed_at,approved_at,actions_assigned_at,
actions_completed_at,closed_at,updated_at,COALESCE(approved_by,''),COALESCE(approval_comments,''),
COALESCE(approval_rating,0),reviews_json,closure_json`

const rowColumns = `task_name,activity_service,routine,hazard_concern,hazard_description,likelihood,consequence,
significance,COALESCE(existing_risk_control,''),COALESCE(recommendation,''),action_owner,target_date,action_status,
COALESCE(remarks,''),COALESCE(completion_evidence,''),actual_completion_date,row_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanAssessment(s scanner) (domain.Assessment, error) {
	var (
		a                                       domain.Assessment
		status, priority, teamJSON, reviewsJSON string
		due, assigned, started, completed       sql.NullString
		approved, actAssigned, actCompleted     sql.NullString
		closed, closureJSON                     sql.NullString
	)
	err := s.Scan(&a.ID, &a.CompanyID, &a.AssessmentNumber, &a.Title, &a.Process, &a.PlantID,
		&a.AssessmentDate, &a.Description, &a.AssessorID, &teamJSON, &a.CreatedBy, &status, &due, &priority,
		&a.AssignmentComments, &a.CreatedAt, &assigned, &started, &completed, &approved, &actAssigned,
		&actCompleted, &closed, &a.UpdatedAt, &a.ApprovedBy, &a.ApprovalComments,
		&a.ApprovalRating, &reviewsJSON, &closureJSON)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Status = domain.Status(status)
	a.Priority = domain.Priority(priority)
	a.DueDate = stringPtr(due)
	a.AssignedAt = stringPtr(assigned)
	a.StartedAt = stringPtr(started)
	a.CompletedAt = stringPtr(completed)
	a.ApprovedAt = stringPtr(approved)
	a.ActionsAssignedAt = stringPtr(actAssigned)
	a.ActionsCompletedAt = stringPtr(actCompleted)
	a.ClosedAt = stringPtr(closed)
	a.Team = []string{}
	if err := json.Unmarshal([]byte(teamJSON), &a.Team); err != nil {
		return a, fmt.Errorf("decode team: %w", err)
	}
	if reviewsJSON != "" && reviewsJSON != "[]" {
		if err := json.Unmarshal([]byte(reviewsJSON), &a.Reviews); err != nil {
			return a, fmt.Errorf("decode reviews: %w", err)
		}
	}
	if closureJSON.Valid && closureJSON.String != "" {
		var c domain.Closure
		if err := json.Unmarshal([]byte(closureJSON.String), &c); err != nil {
			return a, fmt.Errorf("decode closure: %w", err)
		}
		a.Closure = &c
	}
	return a, nil
}

func scanRow(s scanner) (domain.WorksheetRow, error) {
	var (
		r                               domain.WorksheetRow
		routine, significance, status   string
		owner, target, actualCompletion sql.NullString
	)
	err := s.Scan(&r.TaskName, &r.ActivityService, &routine, &r.HazardConcern, &r.HazardDescription,
		&r.Likelihood, &r.Consequence, &significance, &r.ExistingRiskControl, &r.Recommendation,
		&owner, &target, &status, &r.Remarks, &r.CompletionEvidence, &actualCompletion, &r.ID)
	if err != nil {
		return r, err
	}
	r.Routine = domain.Routine(routine)
	r.Significance = domain.Significance(significance)
	r.ActionStatus = domain.ActionStatus(status)
	r.ActionOwner = stringPtr(owner)
	r.TargetDate = stringPtr(target)
	r.ActualCompletionDate = stringPtr(actualCompletion)
	return r, nil
}

func loadRows(ctx context.Context, q querier, assessmentID string) ([]domain.WorksheetRow, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+rowColumns+` FROM worksheet_rows WHERE assessment_id=? ORDER BY position`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.WorksheetRow{}
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func getAssessment(ctx context.Context, q querier, companyID, id string) (domain.Assessment, error) {
	a, err := scanAssessment(q.QueryRowContext(ctx, `SELECT `+assessmentColumns+` FROM assessments WHERE company_id=? AND id=?`, companyID, id))
	if err != nil {
		return a, err
	}
	if a.Rows, err = loadRows(ctx, q, a.ID); err != nil {
		return a, err
	}
	return a, nil
}

// FetchAssessment loads an assessment with its rows in order.
func (r Repo) FetchAssessment(ctx context.Context, companyID, id string) (domain.Assessment, error) {
	return getAssessment(ctx, r.DB, companyID, id)
}

// FetchByNumber resolves an assessment by its HIRA-YYYY-NNNN number.
func (r Repo) FetchByNumber(ctx context.Context, companyID, number string) (domain.Assessment, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM assessments WHERE company_id=? AND assessment_number=?`, companyID, number).Scan(&id)
	if err == sql.ErrNoRows {
		return domain.Assessment{}, ErrNotFound
	}
	if err != nil {
		return domain.Assessment{}, err
	}
	return r.FetchAssessment(ctx, companyID, id)
}

// nextAssessmentNumber returns the next HIRA-YYYY-NNNN for the company.
func nextAssessmentNumber(ctx context.Context, tx *sql.Tx, companyID, year string) (string, error) {
	prefix := "HIRA-" + year + "-"
	var max int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(CAST(substr(assessment_number, ?) AS INTEGER)),0)
FROM assessments WHERE company_id=? AND assessment_number LIKE ?`, len(prefix)+1, companyID, prefix+"%").Scan(&max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%04d", prefix, max+1), nil
}

// CreateAssessment assigns id and number and stores a new assessment.
func (r Repo) CreateAssessment(ctx context.Context, a domain.Assessment) (domain.Assessment, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if len(a.CreatedAt) < 4 {
		return domain.Assessment{}, fmt.Errorf("created_at required")
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assessment{}, err
	}
	defer tx.Rollback()
	number, err := nextAssessmentNumber(ctx, tx, a.CompanyID, a.CreatedAt[:4])
	if err != nil {
		return domain.Assessment{}, err
	}
	a.AssessmentNumber = number
	team, err := json.Marshal(nonNil(a.Team))
	if err != nil {
		return domain.Assessment{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO assessments(id,company_id,assessment_number,title,process,plant_id,
assessment_date,description,assessor_id,team_json,created_by,status,due_date,priority,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.CompanyID, a.AssessmentNumber, a.Title, nullable(a.Process), nullable(a.PlantID),
		a.AssessmentDate, nullable(a.Description), a.AssessorID, string(team), a.CreatedBy, string(a.Status),
		nullableStringPtr(a.DueDate), nullable(string(a.Priority)), a.CreatedAt, a.UpdatedAt); err != nil {
		return domain.Assessment{}, fmt.Errorf("insert assessment: %w", err)
	}
	if err := replaceRows(ctx, tx, a.ID, a.Rows); err != nil {
		return domain.Assessment{}, err
	}
	if err := r.Events.Append(ctx, tx, "assessment.created", a.CompanyID, "assessment", a.ID, a.CreatedBy, events.EventPayload{
		"assessment_number": a.AssessmentNumber,
		"title":             a.Title,
		"assessor_id":       a.AssessorID,
	}); err != nil {
		return domain.Assessment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assessment{}, err
	}
	return r.FetchAssessment(ctx, a.CompanyID, a.ID)
}

type AssessmentFilters struct {
	CompanyID       string
	Status          string
	AssessorID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListAssessments returns assessments newest first without their rows.
func (r Repo) ListAssessments(ctx context.Context, f AssessmentFilters) ([]domain.Assessment, error) {
	clauses := []string{"company_id=?"}
	args := []any{f.CompanyID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssessorID != "" {
		clauses = append(clauses, "assessor_id=?")
		args = append(args, f.AssessorID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + assessmentColumns + ` FROM assessments WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		a.Rows = []domain.WorksheetRow{}
		res = append(res, a)
	}
	return res, rows.Err()
}

func replaceRows(ctx context.Context, tx *sql.Tx, assessmentID string, rows []domain.WorksheetRow) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM worksheet_rows WHERE assessment_id=?`, assessmentID); err != nil {
		return fmt.Errorf("clear rows: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO worksheet_rows(assessment_id,position,task_name,activity_service,routine,
hazard_concern,hazard_description,likelihood,consequence,significance,existing_risk_control,recommendation,action_owner,
target_date,action_status,remarks,completion_evidence,actual_completion_date,row_id) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, row := range rows {
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		if _, err := stmt.ExecContext(ctx, assessmentID, i, row.TaskName, row.ActivityService, string(row.Routine),
			row.HazardConcern, row.HazardDescription, row.Likelihood, row.Consequence, string(row.Significance),
			nullable(row.ExistingRiskControl), nullable(row.Recommendation), nullableStringPtr(row.ActionOwner),
			nullableStringPtr(row.TargetDate), string(row.ActionStatus), nullable(row.Remarks),
			nullable(row.CompletionEvidence), nullableStringPtr(row.ActualCompletionDate), row.ID); err != nil {
			return fmt.Errorf("insert row %d: %w", i, err)
		}
	}
	return nil
}

func updateAssessment(ctx context.Context, tx *sql.Tx, a domain.Assessment) error {
	team, err := json.Marshal(nonNil(a.Team))
	if err != nil {
		return err
	}
	reviews, err := json.Marshal(nonNil(a.Reviews))
	if err != nil {
		return err
	}
	var closure any
	if a.Closure != nil {
		b, err := json.Marshal(a.Closure)
		if err != nil {
			return err
		}
		closure = string(b)
	}
	var rating any
	if a.ApprovalRating != 0 {
		rating = a.ApprovalRating
	}
	res, err := tx.ExecContext(ctx, `UPDATE assessments SET assessor_id=?,team_json=?,status=?,due_date=?,priority=?,
assignment_comments=?,assigned_at=?,started_at=?,completed_at=?,approved_at=?,actions_assigned_at=?,actions_completed_at=?,
closed_at=?,updated_at=?,approved_by=?,approval_comments=?,approval_rating=?,reviews_json=?,closure_json=?
WHERE company_id=? AND id=?`,
		a.AssessorID, string(team), string(a.Status), nullableStringPtr(a.DueDate), nullable(string(a.Priority)),
		nullable(a.AssignmentComments), nullableStringPtr(a.AssignedAt), nullableStringPtr(a.StartedAt),
		nullableStringPtr(a.CompletedAt), nullableStringPtr(a.ApprovedAt), nullableStringPtr(a.ActionsAssignedAt),
		nullableStringPtr(a.ActionsCompletedAt), nullableStringPtr(a.ClosedAt), a.UpdatedAt, nullable(a.ApprovedBy),
		nullable(a.ApprovalComments), rating, string(reviews), closure, a.CompanyID, a.ID)
	if err != nil {
		return fmt.Errorf("update assessment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func touch(ctx context.Context, tx *sql.Tx, companyID, id, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE assessments SET updated_at=? WHERE company_id=? AND id=?`, now, companyID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// expectStatus fails with ErrConflict unless the stored status is expect.
func expectStatus(ctx context.Context, tx *sql.Tx, companyID, id string, expect domain.Status) error {
	var current string
	err := tx.QueryRowContext(ctx, `SELECT status FROM assessments WHERE company_id=? AND id=?`, companyID, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if domain.Status(current) != expect {
		return fmt.Errorf("%w: assessment is %s, expected %s", ErrConflict, current, expect)
	}
	return nil
}

// PersistWorksheet replaces the rows of an assessment without touching its
// lifecycle fields. The stored status must still be expect.
func (r Repo) PersistWorksheet(ctx context.Context, companyID, id string, expect domain.Status, rows []domain.WorksheetRow, ch domain.Change) (domain.Assessment, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assessment{}, err
	}
	defer tx.Rollback()
	if err := touch(ctx, tx, companyID, id, r.now()); err != nil {
		return domain.Assessment{}, err
	}
	if err := expectStatus(ctx, tx, companyID, id, expect); err != nil {
		return domain.Assessment{}, err
	}
	if err := replaceRows(ctx, tx, id, rows); err != nil {
		return domain.Assessment{}, err
	}
	payload := events.EventPayload{"rows": len(rows)}
	for k, v := range ch.Payload {
		payload[k] = v
	}
	evt := ch.Event
	if evt == "" {
		evt = "worksheet.saved"
	}
	if err := r.Events.Append(ctx, tx, evt, companyID, "assessment", id, ch.ActorID, payload); err != nil {
		return domain.Assessment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assessment{}, err
	}
	return r.FetchAssessment(ctx, companyID, id)
}

// PersistTransition writes the complete next assessment and one event per
// applied transition in a single transaction. The stored status must still
// be rec.From.
func (r Repo) PersistTransition(ctx context.Context, companyID, id string, rec domain.TransitionRecord, payload map[string]any) (domain.Assessment, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assessment{}, err
	}
	defer tx.Rollback()
	if err := expectStatus(ctx, tx, companyID, id, rec.From); err != nil {
		return domain.Assessment{}, err
	}
	next := rec.Next
	next.CompanyID = companyID
	next.ID = id
	if err := updateAssessment(ctx, tx, next); err != nil {
		return domain.Assessment{}, err
	}
	if err := replaceRows(ctx, tx, id, next.Rows); err != nil {
		return domain.Assessment{}, err
	}
	for _, name := range rec.Names {
		p := events.EventPayload{"from": string(rec.From), "to": string(next.Status)}
		for k, v := range payload {
			p[k] = v
		}
		if err := r.Events.Append(ctx, tx, "assessment."+name, companyID, "assessment", id, rec.ActorID, p); err != nil {
			return domain.Assessment{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Assessment{}, err
	}
	return r.FetchAssessment(ctx, companyID, id)
}

// PersistActionUpdate rewrites the action fields of one row. The stored
// status must still be expect. When the write completes the last open action
// of an actions_assigned assessment, the actions phase completes in the same
// transaction.
func (r Repo) PersistActionUpdate(ctx context.Context, companyID, id string, expect domain.Status, index int, row domain.WorksheetRow, ch domain.Change) (domain.Assessment, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assessment{}, err
	}
	defer tx.Rollback()
	now := r.now()
	if err := touch(ctx, tx, companyID, id, now); err != nil {
		return domain.Assessment{}, err
	}
	if err := expectStatus(ctx, tx, companyID, id, expect); err != nil {
		return domain.Assessment{}, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE worksheet_rows SET action_owner=?,target_date=?,action_status=?,remarks=?,
completion_evidence=?,actual_completion_date=? WHERE assessment_id=? AND position=?`,
		nullableStringPtr(row.ActionOwner), nullableStringPtr(row.TargetDate), string(row.ActionStatus),
		nullable(row.Remarks), nullable(row.CompletionEvidence), nullableStringPtr(row.ActualCompletionDate), id, index)
	if err != nil {
		return domain.Assessment{}, fmt.Errorf("update action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Assessment{}, ErrNotFound
	}
	payload := events.EventPayload{"index": index, "status": string(row.ActionStatus)}
	for k, v := range ch.Payload {
		payload[k] = v
	}
	evt := ch.Event
	if evt == "" {
		evt = "action.updated"
	}
	if err := r.Events.Append(ctx, tx, evt, companyID, "assessment", id, ch.ActorID, payload); err != nil {
		return domain.Assessment{}, err
	}
	if expect == domain.StatusActionsAssigned && row.ActionStatus == domain.ActionCompleted {
		if err := completeActionsIfDone(ctx, tx, r, companyID, id, now, ch.ActorID, index); err != nil {
			return domain.Assessment{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Assessment{}, err
	}
	return r.FetchAssessment(ctx, companyID, id)
}

// completeActionsIfDone moves the assessment to actions_completed when every
// stored action row is completed.
func completeActionsIfDone(ctx context.Context, tx *sql.Tx, r Repo, companyID, id, now, actorID string, index int) error {
	rows, err := loadRows(ctx, tx, id)
	if err != nil {
		return err
	}
	if !hira.ActionsDone(rows) {
		return nil
	}
	_, err = tx.ExecContext(ctx, `UPDATE assessments SET status=?,actions_completed_at=COALESCE(actions_completed_at,?),updated_at=?
WHERE company_id=? AND id=?`, string(domain.StatusActionsCompleted), now, now, companyID, id)
	if err != nil {
		return fmt.Errorf("complete actions: %w", err)
	}
	payload := events.EventPayload{
		"from":  string(domain.StatusActionsAssigned),
		"to":    string(domain.StatusActionsCompleted),
		"index": index,
	}
	return r.Events.Append(ctx, tx, "assessment."+string(hira.TransitionCompleteActions), companyID, "assessment", id, actorID, payload)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
