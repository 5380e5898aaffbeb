package hira

import (
	"fmt"
	"strings"
	"time"

	"hiraflow/internal/domain"
)

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Machine applies lifecycle operations to an assessment value. It never
// mutates its input and never touches storage: callers persist the returned
// assessment.
type Machine struct {
	Gate Gate
	Now  func() time.Time
}

// Result is the next assessment plus the transitions that produced it, in
// the order they were applied.
type Result struct {
	Assessment domain.Assessment
	Applied    []Transition
}

// Moved reports whether the operation changed the lifecycle status.
func (r Result) Moved() bool { return len(r.Applied) > 0 }

// Record packages the result for a transition-aware store.
func (r Result) Record(actorID string, from domain.Status) domain.TransitionRecord {
	names := make([]string, 0, len(r.Applied))
	for _, t := range r.Applied {
		names = append(names, string(t))
	}
	return domain.TransitionRecord{Names: names, ActorID: actorID, From: from, Next: r.Assessment}
}

func (m Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func timestamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// stampOnce sets a lifecycle timestamp unless an earlier transition set it.
func stampOnce(field **string, ts string) {
	if *field != nil {
		return
	}
	v := ts
	*field = &v
}

func cloneSlice[T any](s []T) []T {
	out := make([]T, len(s))
	copy(out, s)
	return out
}

func clone(a domain.Assessment) domain.Assessment {
	out := a
	out.Team = cloneSlice(a.Team)
	out.Rows = cloneSlice(a.Rows)
	if a.Reviews != nil {
		out.Reviews = cloneSlice(a.Reviews)
	}
	if a.Closure != nil {
		c := *a.Closure
		out.Closure = &c
	}
	return out
}

func (m Machine) move(next *domain.Assessment, t Transition, ts string, res *Result) {
	r, _ := ruleFor(t)
	next.Status = r.to
	switch r.to {
	case domain.StatusAssigned:
		stampOnce(&next.AssignedAt, ts)
	case domain.StatusInProgress:
		stampOnce(&next.StartedAt, ts)
	case domain.StatusCompleted:
		stampOnce(&next.CompletedAt, ts)
	case domain.StatusApproved:
		stampOnce(&next.ApprovedAt, ts)
	case domain.StatusActionsAssigned:
		stampOnce(&next.ActionsAssignedAt, ts)
	case domain.StatusActionsCompleted:
		stampOnce(&next.ActionsCompletedAt, ts)
	case domain.StatusClosed:
		stampOnce(&next.ClosedAt, ts)
	}
	next.UpdatedAt = ts
	res.Applied = append(res.Applied, t)
}

func normalizeTeam(ids []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func validPriority(p domain.Priority) bool {
	switch p {
	case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityCritical:
		return true
	}
	return false
}

type NewAssessment struct {
	Title          string          `json:"title"`
	Process        string          `json:"process,omitempty"`
	PlantID        string          `json:"plant_id,omitempty"`
	AssessmentDate string          `json:"assessment_date,omitempty"`
	Description    string          `json:"description,omitempty"`
	AssessorID     string          `json:"assessor_id"`
	Team           []string        `json:"team,omitempty"`
	DueDate        *string         `json:"due_date,omitempty"`
	Priority       domain.Priority `json:"priority,omitempty"`
}

// Create opens a draft assessment. Id and number are left for the store.
func (m Machine) Create(actor domain.Actor, in NewAssessment) (domain.Assessment, error) {
	const op = "create"
	assessor := strings.TrimSpace(in.AssessorID)
	if !m.Gate.CanCreate(actor, assessor) {
		return domain.Assessment{}, forbidden(op, actor)
	}
	if strings.TrimSpace(in.Title) == "" {
		return domain.Assessment{}, invalidInput(op, "title", "required")
	}
	if assessor == "" {
		return domain.Assessment{}, invalidInput(op, "assessor_id", "required")
	}
	now := m.now()
	date := strings.TrimSpace(in.AssessmentDate)
	if date == "" {
		date = now.UTC().Format(dateLayout)
	} else if _, err := ParseDate(date); err != nil {
		return domain.Assessment{}, invalidInput(op, "assessment_date", fmt.Sprintf("invalid date %q", date))
	}
	due, err := optionalDate(op, "due_date", in.DueDate)
	if err != nil {
		return domain.Assessment{}, err
	}
	priority := in.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	} else if !validPriority(priority) {
		return domain.Assessment{}, invalidInput(op, "priority", fmt.Sprintf("unknown value %q", priority))
	}
	ts := timestamp(now)
	return domain.Assessment{
		Title:          strings.TrimSpace(in.Title),
		Process:        in.Process,
		PlantID:        in.PlantID,
		AssessmentDate: date,
		Description:    in.Description,
		AssessorID:     assessor,
		Team:           normalizeTeam(in.Team),
		CreatedBy:      actor.ID,
		Status:         domain.StatusDraft,
		DueDate:        due,
		Priority:       priority,
		Rows:           []domain.WorksheetRow{},
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}, nil
}

type AssignInput struct {
	Team       []string        `json:"team"`
	DueDate    string          `json:"due_date"`
	Priority   domain.Priority `json:"priority,omitempty"`
	Comments   string          `json:"comments,omitempty"`
	AssessorID string          `json:"assessor_id,omitempty"`
}

// Assign hands a draft to its team.
func (m Machine) Assign(a domain.Assessment, actor domain.Actor, in AssignInput) (Result, error) {
	const op = string(TransitionAssign)
	if err := m.Gate.check(a, actor, TransitionAssign); err != nil {
		return Result{}, err
	}
	team := normalizeTeam(in.Team)
	if len(team) == 0 {
		return Result{}, invalidInput(op, "team", "at least one member required")
	}
	due := strings.TrimSpace(in.DueDate)
	if due == "" {
		return Result{}, invalidInput(op, "due_date", "required")
	}
	if _, err := ParseDate(due); err != nil {
		return Result{}, invalidInput(op, "due_date", fmt.Sprintf("invalid date %q", due))
	}
	if in.Priority != "" && !validPriority(in.Priority) {
		return Result{}, invalidInput(op, "priority", fmt.Sprintf("unknown value %q", in.Priority))
	}
	next := clone(a)
	next.Team = team
	next.DueDate = &due
	if in.Priority != "" {
		next.Priority = in.Priority
	}
	next.AssignmentComments = in.Comments
	if lead := strings.TrimSpace(in.AssessorID); lead != "" {
		next.AssessorID = lead
	}
	var res Result
	m.move(&next, TransitionAssign, timestamp(m.now()), &res)
	res.Assessment = next
	return res, nil
}

// editRows runs a worksheet content change and applies the implicit start
// when the assessment is not yet in progress.
func (m Machine) editRows(op string, a domain.Assessment, actor domain.Actor, mutate func([]domain.WorksheetRow) ([]domain.WorksheetRow, error)) (Result, error) {
	if err := m.Gate.checkEdit(op, a, actor); err != nil {
		return Result{}, err
	}
	next := clone(a)
	rows, err := mutate(next.Rows)
	if err != nil {
		return Result{}, err
	}
	next.Rows = rows
	ts := timestamp(m.now())
	next.UpdatedAt = ts
	var res Result
	if next.Status == domain.StatusAssigned || next.Status == domain.StatusRejected {
		m.move(&next, TransitionStart, ts, &res)
	}
	res.Assessment = next
	return res, nil
}

// ApplyRowEdit changes one field of one row.
func (m Machine) ApplyRowEdit(a domain.Assessment, actor domain.Actor, index int, field RowField, value string) (Result, error) {
	const op = "edit_row"
	return m.editRows(op, a, actor, func(rows []domain.WorksheetRow) ([]domain.WorksheetRow, error) {
		if index < 0 || index >= len(rows) {
			return nil, invalidInput(op, "index", fmt.Sprintf("row %d out of range", index))
		}
		prev := rows[index]
		edited := prev
		if err := setField(op, &edited, field, value); err != nil {
			return nil, err
		}
		n, err := normalizeRow(op, index, &prev, edited)
		if err != nil {
			return nil, err
		}
		rows[index] = n
		return rows, nil
	})
}

// SaveWorksheet replaces every row.
func (m Machine) SaveWorksheet(a domain.Assessment, actor domain.Actor, rows []domain.WorksheetRow) (Result, error) {
	const op = "save_worksheet"
	return m.editRows(op, a, actor, func(prev []domain.WorksheetRow) ([]domain.WorksheetRow, error) {
		return normalizeRows(op, prev, rows)
	})
}

// AddRows inserts rows before position at. A negative at appends.
func (m Machine) AddRows(a domain.Assessment, actor domain.Actor, at int, rows []domain.WorksheetRow) (Result, error) {
	const op = "add_rows"
	return m.editRows(op, a, actor, func(prev []domain.WorksheetRow) ([]domain.WorksheetRow, error) {
		if len(rows) == 0 {
			return nil, invalidInput(op, "rows", "at least one row required")
		}
		if at < 0 {
			at = len(prev)
		}
		if at > len(prev) {
			return nil, invalidInput(op, "position", fmt.Sprintf("position %d out of range", at))
		}
		added := make([]domain.WorksheetRow, 0, len(rows))
		for i, r := range rows {
			n, err := normalizeRow(op, at+i, nil, r)
			if err != nil {
				return nil, err
			}
			added = append(added, n)
		}
		out := make([]domain.WorksheetRow, 0, len(prev)+len(added))
		out = append(out, prev[:at]...)
		out = append(out, added...)
		out = append(out, prev[at:]...)
		return out, nil
	})
}

// RemoveRow deletes one row. Later rows shift down by one.
func (m Machine) RemoveRow(a domain.Assessment, actor domain.Actor, index int) (Result, error) {
	const op = "remove_row"
	return m.editRows(op, a, actor, func(rows []domain.WorksheetRow) ([]domain.WorksheetRow, error) {
		if index < 0 || index >= len(rows) {
			return nil, invalidInput(op, "index", fmt.Sprintf("row %d out of range", index))
		}
		return append(rows[:index], rows[index+1:]...), nil
	})
}

// Complete submits the worksheet for review. When rows is non-nil it
// replaces the worksheet in the same step.
func (m Machine) Complete(a domain.Assessment, actor domain.Actor, rows []domain.WorksheetRow) (Result, error) {
	const op = string(TransitionComplete)
	if err := m.Gate.check(a, actor, TransitionComplete); err != nil {
		return Result{}, err
	}
	next := clone(a)
	if rows != nil {
		normalized, err := normalizeRows(op, a.Rows, rows)
		if err != nil {
			return Result{}, err
		}
		next.Rows = normalized
	}
	if len(next.Rows) == 0 {
		return Result{}, &Error{Kind: KindIncompleteData, Op: op, Message: "worksheet has no rows"}
	}
	if problems := incompleteRows(next.Rows); len(problems) > 0 {
		return Result{}, &Error{Kind: KindIncompleteData, Op: op, Message: "required fields missing", Rows: problems}
	}
	var res Result
	m.move(&next, TransitionComplete, timestamp(m.now()), &res)
	res.Assessment = next
	return res, nil
}

type ReviewInput struct {
	Decision string `json:"decision"`
	Comments string `json:"comments"`
	Rating   int    `json:"rating,omitempty"`
}

// Review approves or rejects a completed assessment and appends the decision
// to the review history.
func (m Machine) Review(a domain.Assessment, actor domain.Actor, in ReviewInput) (Result, error) {
	const op = "review"
	if err := m.Gate.check(a, actor, TransitionApprove); err != nil {
		return Result{}, err
	}
	var t Transition
	switch strings.TrimSpace(in.Decision) {
	case DecisionApprove:
		t = TransitionApprove
	case DecisionReject:
		t = TransitionReject
	default:
		return Result{}, invalidInput(op, "decision", fmt.Sprintf("must be approve or reject, got %q", in.Decision))
	}
	comments := strings.TrimSpace(in.Comments)
	if comments == "" {
		return Result{}, invalidInput(op, "comments", "required")
	}
	if t == TransitionApprove && !validFactor(in.Rating) {
		return Result{}, invalidInput(op, "rating", fmt.Sprintf("must be between 1 and 5, got %d", in.Rating))
	}
	if t == TransitionReject && in.Rating != 0 && !validFactor(in.Rating) {
		return Result{}, invalidInput(op, "rating", fmt.Sprintf("must be between 1 and 5, got %d", in.Rating))
	}
	ts := timestamp(m.now())
	next := clone(a)
	next.Reviews = append(next.Reviews, domain.Review{
		Decision:  string(t),
		ActorID:   actor.ID,
		Comments:  comments,
		Rating:    in.Rating,
		DecidedAt: ts,
	})
	if t == TransitionApprove {
		next.ApprovedBy = actor.ID
		next.ApprovalComments = comments
		next.ApprovalRating = in.Rating
	}
	var res Result
	m.move(&next, t, ts, &res)
	res.Assessment = next
	return res, nil
}

// ActionAssignment copies owner, target date and remarks onto the row at
// Index. Nil fields are left unchanged.
type ActionAssignment struct {
	Index      int     `json:"index"`
	Owner      *string `json:"action_owner,omitempty"`
	TargetDate *string `json:"target_date,omitempty"`
	Remarks    *string `json:"remarks,omitempty"`
}

func actionRow(op string, a domain.Assessment, index int) error {
	if index < 0 || index >= len(a.Rows) {
		return invalidInput(op, "index", fmt.Sprintf("row %d out of range", index))
	}
	if !HasAction(a.Rows[index]) {
		return invalidInput(op, "index", fmt.Sprintf("row %d has no recommendation", index))
	}
	return nil
}

// AssignActions hands out the action items. When every action is already
// completed the assessment moves straight on to actions_completed.
func (m Machine) AssignActions(a domain.Assessment, actor domain.Actor, assignments []ActionAssignment) (Result, error) {
	const op = string(TransitionAssignActions)
	if err := m.Gate.check(a, actor, TransitionAssignActions); err != nil {
		return Result{}, err
	}
	next := clone(a)
	for _, as := range assignments {
		if err := actionRow(op, a, as.Index); err != nil {
			return Result{}, err
		}
		target, err := optionalDate(op, "target_date", as.TargetDate)
		if err != nil {
			return Result{}, err
		}
		row := &next.Rows[as.Index]
		if as.Owner != nil {
			row.ActionOwner = optionalString(as.Owner)
		}
		if as.TargetDate != nil {
			row.TargetDate = target
		}
		if as.Remarks != nil {
			row.Remarks = *as.Remarks
		}
	}
	ts := timestamp(m.now())
	var res Result
	m.move(&next, TransitionAssignActions, ts, &res)
	if ActionsDone(next.Rows) {
		m.move(&next, TransitionCompleteActions, ts, &res)
	}
	res.Assessment = next
	return res, nil
}

// BulkAssign gives every selected action the same owner and target date as a
// single replacement.
func (m Machine) BulkAssign(a domain.Assessment, actor domain.Actor, indices []int, owner string, targetDate *string) (Result, error) {
	const op = "bulk_assign"
	if len(indices) == 0 {
		return Result{}, &Error{Kind: KindEmptySelection, Op: op, Message: "no actions selected"}
	}
	if err := m.Gate.checkManage(op, a, actor); err != nil {
		return Result{}, err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return Result{}, invalidInput(op, "action_owner", "required")
	}
	target, err := optionalDate(op, "target_date", targetDate)
	if err != nil {
		return Result{}, err
	}
	for _, idx := range indices {
		if err := actionRow(op, a, idx); err != nil {
			return Result{}, err
		}
	}
	next := clone(a)
	for _, idx := range indices {
		o := owner
		next.Rows[idx].ActionOwner = &o
		if target != nil {
			t := *target
			next.Rows[idx].TargetDate = &t
		}
	}
	next.UpdatedAt = timestamp(m.now())
	return Result{Assessment: next}, nil
}

type ActionUpdate struct {
	Owner      *string `json:"action_owner,omitempty"`
	TargetDate *string `json:"target_date,omitempty"`
	Remarks    *string `json:"remarks,omitempty"`
}

// UpdateAction is a manager's change to one action. An empty owner or date
// clears it.
func (m Machine) UpdateAction(a domain.Assessment, actor domain.Actor, index int, in ActionUpdate) (Result, error) {
	const op = "update_action"
	if err := m.Gate.checkManage(op, a, actor); err != nil {
		return Result{}, err
	}
	if err := actionRow(op, a, index); err != nil {
		return Result{}, err
	}
	target, err := optionalDate(op, "target_date", in.TargetDate)
	if err != nil {
		return Result{}, err
	}
	next := clone(a)
	row := &next.Rows[index]
	if in.Owner != nil {
		row.ActionOwner = optionalString(in.Owner)
	}
	if in.TargetDate != nil {
		row.TargetDate = target
	}
	if in.Remarks != nil {
		row.Remarks = *in.Remarks
	}
	next.UpdatedAt = timestamp(m.now())
	return Result{Assessment: next}, nil
}

type ActionProgress struct {
	Status         domain.ActionStatus `json:"status,omitempty"`
	Remarks        *string             `json:"remarks,omitempty"`
	Evidence       *string             `json:"completion_evidence,omitempty"`
	CompletionDate *string             `json:"actual_completion_date,omitempty"`
}

// ProgressAction is the owner's update to an action. Completing the last
// open action of an assessment in actions_assigned completes the actions
// phase.
func (m Machine) ProgressAction(a domain.Assessment, actor domain.Actor, index int, in ActionProgress) (Result, error) {
	const op = "progress_action"
	if !containsStatus(actionStatuses, a.Status) {
		return Result{}, invalidTransition(op, a.Status)
	}
	if err := actionRow(op, a, index); err != nil {
		return Result{}, err
	}
	if !m.Gate.CanCompleteAction(a, actor, index) {
		return Result{}, forbidden(op, actor)
	}
	status := in.Status
	switch status {
	case "":
		status = a.Rows[index].ActionStatus
	case domain.ActionOpen, domain.ActionInProgress, domain.ActionCompleted:
	default:
		return Result{}, invalidInput(op, "status", fmt.Sprintf("unknown value %q", in.Status))
	}
	done, err := optionalDate(op, "actual_completion_date", in.CompletionDate)
	if err != nil {
		return Result{}, err
	}
	now := m.now()
	next := clone(a)
	row := &next.Rows[index]
	row.ActionStatus = status
	if in.Remarks != nil {
		row.Remarks = *in.Remarks
	}
	if in.Evidence != nil {
		row.CompletionEvidence = *in.Evidence
	}
	if status == domain.ActionCompleted {
		if done == nil {
			d := today(now).Format(dateLayout)
			done = &d
		}
		row.ActualCompletionDate = done
	}
	ts := timestamp(now)
	next.UpdatedAt = ts
	var res Result
	if next.Status == domain.StatusActionsAssigned && ActionsDone(next.Rows) {
		m.move(&next, TransitionCompleteActions, ts, &res)
	}
	res.Assessment = next
	return res, nil
}

type CloseInput struct {
	Comments          string `json:"comments"`
	PerformanceRating *int   `json:"performance_rating,omitempty"`
	LessonsLearned    string `json:"lessons_learned,omitempty"`
}

// Close ends the lifecycle. Pending actions are counted into the closure
// record.
func (m Machine) Close(a domain.Assessment, actor domain.Actor, in CloseInput) (Result, error) {
	const op = string(TransitionClose)
	if err := m.Gate.check(a, actor, TransitionClose); err != nil {
		return Result{}, err
	}
	comments := strings.TrimSpace(in.Comments)
	if comments == "" {
		return Result{}, invalidInput(op, "comments", "required")
	}
	if in.PerformanceRating != nil && !validFactor(*in.PerformanceRating) {
		return Result{}, invalidInput(op, "performance_rating", fmt.Sprintf("must be between 1 and 5, got %d", *in.PerformanceRating))
	}
	next := clone(a)
	var rating *int
	if in.PerformanceRating != nil {
		v := *in.PerformanceRating
		rating = &v
	}
	next.Closure = &domain.Closure{
		ClosedBy:          actor.ID,
		Comments:          comments,
		LessonsLearned:    strings.TrimSpace(in.LessonsLearned),
		PerformanceRating: rating,
		PendingActions:    pendingActions(a.Rows),
	}
	var res Result
	m.move(&next, TransitionClose, timestamp(m.now()), &res)
	res.Assessment = next
	return res, nil
}
