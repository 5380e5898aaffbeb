package domain

// Status is the lifecycle state of an assessment.
type Status string

const (
	StatusDraft            Status = "draft"
	StatusAssigned         Status = "assigned"
	StatusInProgress       Status = "in_progress"
	StatusCompleted        Status = "completed"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusActionsAssigned  Status = "actions_assigned"
	StatusActionsCompleted Status = "actions_completed"
	StatusClosed           Status = "closed"
)

// Category bands a risk score.
type Category string

const (
	CategoryVeryLow  Category = "very_low"
	CategoryLow      Category = "low"
	CategoryModerate Category = "moderate"
	CategoryHigh     Category = "high"
	CategoryVeryHigh Category = "very_high"
)

// Categories lists every band from lowest to highest.
var Categories = []Category{CategoryVeryLow, CategoryLow, CategoryModerate, CategoryHigh, CategoryVeryHigh}

type Significance string

const (
	Significant    Significance = "significant"
	NotSignificant Significance = "not_significant"
)

type Routine string

const (
	RoutineRoutine    Routine = "routine"
	RoutineNonRoutine Routine = "non_routine"
)

type ActionStatus string

const (
	ActionOpen       ActionStatus = "open"
	ActionInProgress ActionStatus = "in_progress"
	ActionCompleted  ActionStatus = "completed"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

type Company struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Actor is the caller of an operation. Role is a plain role name.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

type Member struct {
	CompanyID string `json:"company_id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// WorksheetRow is one task/hazard pairing. Risk score and category are not
// stored; they are derived from Likelihood and Consequence on read. ID is
// assigned on first save and survives reordering; the action fields are only
// written by action operations.
type WorksheetRow struct {
	ID                   string       `json:"id,omitempty"`
	TaskName             string       `json:"task_name"`
	ActivityService      string       `json:"activity_service"`
	Routine              Routine      `json:"routine" enum:"routine,non_routine"`
	HazardConcern        string       `json:"hazard_concern"`
	HazardDescription    string       `json:"hazard_description"`
	Likelihood           int          `json:"likelihood" minimum:"1" maximum:"5"`
	Consequence          int          `json:"consequence" minimum:"1" maximum:"5"`
	Significance         Significance `json:"significance" enum:"significant,not_significant"`
	ExistingRiskControl  string       `json:"existing_risk_control,omitempty"`
	Recommendation       string       `json:"recommendation,omitempty"`
	ActionOwner          *string      `json:"action_owner,omitempty"`
	TargetDate           *string      `json:"target_date,omitempty" format:"date"`
	ActionStatus         ActionStatus `json:"action_status" enum:"open,in_progress,completed"`
	Remarks              string       `json:"remarks,omitempty"`
	CompletionEvidence   string       `json:"completion_evidence,omitempty"`
	ActualCompletionDate *string      `json:"actual_completion_date,omitempty" format:"date"`
}

// Review is one approve/reject decision.
type Review struct {
	Decision  string `json:"decision" enum:"approve,reject"`
	ActorID   string `json:"actor_id"`
	Comments  string `json:"comments"`
	Rating    int    `json:"rating,omitempty"`
	DecidedAt string `json:"decided_at" format:"date-time"`
}

type Closure struct {
	ClosedBy          string `json:"closed_by"`
	Comments          string `json:"comments"`
	LessonsLearned    string `json:"lessons_learned,omitempty"`
	PerformanceRating *int   `json:"performance_rating,omitempty"`
	PendingActions    int    `json:"pending_actions"`
}

type Assessment struct {
	ID                 string         `json:"id"`
	CompanyID          string         `json:"company_id"`
	AssessmentNumber   string         `json:"assessment_number"`
	Title              string         `json:"title"`
	Process            string         `json:"process,omitempty"`
	PlantID            string         `json:"plant_id,omitempty"`
	AssessmentDate     string         `json:"assessment_date" format:"date"`
	Description        string         `json:"description,omitempty"`
	AssessorID         string         `json:"assessor_id"`
	Team               []string       `json:"team"`
	CreatedBy          string         `json:"created_by"`
	Status             Status         `json:"status"`
	DueDate            *string        `json:"due_date,omitempty" format:"date"`
	Priority           Priority       `json:"priority,omitempty"`
	AssignmentComments string         `json:"assignment_comments,omitempty"`
	Rows               []WorksheetRow `json:"rows"`

	CreatedAt          string  `json:"created_at" format:"date-time"`
	AssignedAt         *string `json:"assigned_at,omitempty" format:"date-time"`
	StartedAt          *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt        *string `json:"completed_at,omitempty" format:"date-time"`
	ApprovedAt         *string `json:"approved_at,omitempty" format:"date-time"`
	ActionsAssignedAt  *string `json:"actions_assigned_at,omitempty" format:"date-time"`
	ActionsCompletedAt *string `json:"actions_completed_at,omitempty" format:"date-time"`
	ClosedAt           *string `json:"closed_at,omitempty" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`

	ApprovedBy       string   `json:"approved_by,omitempty"`
	ApprovalComments string   `json:"approval_comments,omitempty"`
	ApprovalRating   int      `json:"approval_rating,omitempty"`
	Reviews          []Review `json:"reviews,omitempty"`
	Closure          *Closure `json:"closure,omitempty"`
}

// ActionItem is a view over a worksheet row that carries a recommendation.
// It is recomputed on every read and never stored.
type ActionItem struct {
	Index                int          `json:"index"`
	TaskName             string       `json:"task_name"`
	HazardConcern        string       `json:"hazard_concern"`
	Recommendation       string       `json:"recommendation"`
	RiskScore            int          `json:"risk_score"`
	RiskCategory         Category     `json:"risk_category"`
	Priority             Priority     `json:"priority"`
	EstimatedEffortDays  int          `json:"estimated_effort_days"`
	Owner                *string      `json:"owner,omitempty"`
	TargetDate           *string      `json:"target_date,omitempty" format:"date"`
	Status               ActionStatus `json:"status"`
	Remarks              string       `json:"remarks,omitempty"`
	CompletionEvidence   string       `json:"completion_evidence,omitempty"`
	ActualCompletionDate *string      `json:"actual_completion_date,omitempty" format:"date"`
	IsOverdue            bool         `json:"is_overdue"`
	DaysRemaining        *int         `json:"days_remaining,omitempty"`
}

type Summary struct {
	TotalTasks         int              `json:"total_tasks"`
	RiskCategoryCounts map[Category]int `json:"risk_category_counts"`
	SignificantRisks   int              `json:"significant_risks"`
	HighRisks          int              `json:"high_risks"`
	TotalActions       int              `json:"total_actions"`
	OpenActions        int              `json:"open_actions"`
	InProgressActions  int              `json:"in_progress_actions"`
	CompletedActions   int              `json:"completed_actions"`
	OverdueActions     int              `json:"overdue_actions"`
	CompletionRate     int              `json:"completion_rate"`
}

// TransitionRecord is what a store receives when an operation moved the
// assessment through one or more lifecycle transitions.
type TransitionRecord struct {
	Names   []string   `json:"names"`
	ActorID string     `json:"actor_id"`
	From    Status     `json:"from"`
	Next    Assessment `json:"next"`
}

// Change describes a mutation that did not move the lifecycle, for the event
// log.
type Change struct {
	Event   string         `json:"event"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload,omitempty"`
}

type SuggestedHazard struct {
	HazardConcern       string `json:"hazard_concern"`
	HazardDescription   string `json:"hazard_description,omitempty"`
	Likelihood          int    `json:"likelihood,omitempty"`
	Consequence         int    `json:"consequence,omitempty"`
	ExistingRiskControl string `json:"existing_risk_control,omitempty"`
	Recommendation      string `json:"recommendation,omitempty"`
}

type SuggestionSet struct {
	Hazards []SuggestedHazard `json:"hazards"`
	Source  string            `json:"source,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CompanyID  string `json:"company_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
