package server

import (
	"encoding/json"

	"hiraflow/internal/domain"
	"hiraflow/internal/hira"
)

// Request payloads. Fields are optional at the schema level so the core
// reports missing or invalid values with its own error kinds.

type CreateCompanyRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type CreateAssessmentRequest struct {
	Title          string   `json:"title,omitempty"`
	Process        string   `json:"process,omitempty"`
	PlantID        string   `json:"plant_id,omitempty"`
	AssessmentDate string   `json:"assessment_date,omitempty" doc:"YYYY-MM-DD, defaults to today"`
	Description    string   `json:"description,omitempty"`
	AssessorID     string   `json:"assessor_id,omitempty"`
	Team           []string `json:"team,omitempty"`
	DueDate        *string  `json:"due_date,omitempty"`
	Priority       string   `json:"priority,omitempty"`
}

func (r CreateAssessmentRequest) toInput() hira.NewAssessment {
	return hira.NewAssessment{
		Title:          r.Title,
		Process:        r.Process,
		PlantID:        r.PlantID,
		AssessmentDate: r.AssessmentDate,
		Description:    r.Description,
		AssessorID:     r.AssessorID,
		Team:           r.Team,
		DueDate:        r.DueDate,
		Priority:       domain.Priority(r.Priority),
	}
}

type RowInput struct {
	ID                   string  `json:"id,omitempty" doc:"id of the stored row this replaces; omit for new rows"`
	TaskName             string  `json:"task_name,omitempty"`
	ActivityService      string  `json:"activity_service,omitempty"`
	Routine              string  `json:"routine,omitempty" doc:"routine or non_routine"`
	HazardConcern        string  `json:"hazard_concern,omitempty"`
	HazardDescription    string  `json:"hazard_description,omitempty"`
	Likelihood           int     `json:"likelihood,omitempty" doc:"1-5"`
	Consequence          int     `json:"consequence,omitempty" doc:"1-5"`
	Significance         string  `json:"significance,omitempty" doc:"significant or not_significant; derived when empty"`
	ExistingRiskControl  string  `json:"existing_risk_control,omitempty"`
	Recommendation       string  `json:"recommendation,omitempty"`
	ActionOwner          *string `json:"action_owner,omitempty"`
	TargetDate           *string `json:"target_date,omitempty"`
	ActionStatus         string  `json:"action_status,omitempty" doc:"ignored on worksheet saves; use the action endpoints"`
	Remarks              string  `json:"remarks,omitempty"`
	CompletionEvidence   string  `json:"completion_evidence,omitempty"`
	ActualCompletionDate *string `json:"actual_completion_date,omitempty"`
}

func (r RowInput) toRow() domain.WorksheetRow {
	return domain.WorksheetRow{
		ID:                   r.ID,
		TaskName:             r.TaskName,
		ActivityService:      r.ActivityService,
		Routine:              domain.Routine(r.Routine),
		HazardConcern:        r.HazardConcern,
		HazardDescription:    r.HazardDescription,
		Likelihood:           r.Likelihood,
		Consequence:          r.Consequence,
		Significance:         domain.Significance(r.Significance),
		ExistingRiskControl:  r.ExistingRiskControl,
		Recommendation:       r.Recommendation,
		ActionOwner:          r.ActionOwner,
		TargetDate:           r.TargetDate,
		ActionStatus:         domain.ActionStatus(r.ActionStatus),
		Remarks:              r.Remarks,
		CompletionEvidence:   r.CompletionEvidence,
		ActualCompletionDate: r.ActualCompletionDate,
	}
}

func toRows(in []RowInput) []domain.WorksheetRow {
	if in == nil {
		return nil
	}
	out := make([]domain.WorksheetRow, 0, len(in))
	for _, r := range in {
		out = append(out, r.toRow())
	}
	return out
}

type WorksheetRequest struct {
	Rows []RowInput `json:"rows"`
}

type AddRowsRequest struct {
	Position *int       `json:"position,omitempty" doc:"insert before this row; appends when omitted"`
	Rows     []RowInput `json:"rows"`
}

type RowEditRequest struct {
	Field string `json:"field" enum:"task_name,activity_service,routine,hazard_concern,hazard_description,likelihood,consequence,significance,existing_risk_control,recommendation"`
	Value string `json:"value"`
}

type AssignRequest struct {
	Team       []string `json:"team,omitempty"`
	DueDate    string   `json:"due_date,omitempty"`
	Priority   string   `json:"priority,omitempty"`
	Comments   string   `json:"comments,omitempty"`
	AssessorID string   `json:"assessor_id,omitempty"`
}

type CompleteRequest struct {
	Rows []RowInput `json:"rows,omitempty" doc:"replaces the worksheet in the same step when present"`
}

type ReviewRequest struct {
	Decision string `json:"decision,omitempty" doc:"approve or reject"`
	Comments string `json:"comments,omitempty"`
	Rating   int    `json:"rating,omitempty" doc:"1-5, required to approve"`
}

type AssignActionsRequest struct {
	Assignments []hira.ActionAssignment `json:"assignments"`
}

type BulkAssignRequest struct {
	Indices     []int   `json:"indices,omitempty"`
	ActionOwner string  `json:"action_owner,omitempty"`
	TargetDate  *string `json:"target_date,omitempty"`
}

type CloseRequest struct {
	Comments          string `json:"comments,omitempty"`
	PerformanceRating *int   `json:"performance_rating,omitempty"`
	LessonsLearned    string `json:"lessons_learned,omitempty"`
}

type GrantMemberRequest struct {
	Role string `json:"role"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty" doc:"defaults to the caller"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type MeResponse struct {
	ActorID   string `json:"actor_id"`
	CompanyID string `json:"company_id"`
	Role      string `json:"role,omitempty"`
	Source    string `json:"source"`
}

type CreateAPIKeyResponse struct {
	Key    string `json:"key" doc:"shown once"`
	ID     string `json:"id"`
	Actor  string `json:"actor_id"`
	Name   string `json:"name,omitempty"`
	Create string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	CompanyID  string         `json:"company_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedAssessments struct {
	Items      []domain.Assessment `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		CompanyID:  e.CompanyID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
