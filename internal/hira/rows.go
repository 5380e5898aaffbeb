package hira

import (
	"fmt"
	"strconv"
	"strings"

	"hiraflow/internal/domain"
)

// RowField names an editable worksheet column.
type RowField string

const (
	FieldTaskName            RowField = "task_name"
	FieldActivityService     RowField = "activity_service"
	FieldRoutine             RowField = "routine"
	FieldHazardConcern       RowField = "hazard_concern"
	FieldHazardDescription   RowField = "hazard_description"
	FieldLikelihood          RowField = "likelihood"
	FieldConsequence         RowField = "consequence"
	FieldSignificance        RowField = "significance"
	FieldExistingRiskControl RowField = "existing_risk_control"
	FieldRecommendation      RowField = "recommendation"
)

// EditableFields lists the columns ApplyRowEdit accepts.
var EditableFields = []RowField{
	FieldTaskName, FieldActivityService, FieldRoutine, FieldHazardConcern, FieldHazardDescription,
	FieldLikelihood, FieldConsequence, FieldSignificance, FieldExistingRiskControl, FieldRecommendation,
}

var requiredFields = []struct {
	name string
	get  func(domain.WorksheetRow) string
}{
	{"task_name", func(r domain.WorksheetRow) string { return r.TaskName }},
	{"activity_service", func(r domain.WorksheetRow) string { return r.ActivityService }},
	{"hazard_concern", func(r domain.WorksheetRow) string { return r.HazardConcern }},
	{"hazard_description", func(r domain.WorksheetRow) string { return r.HazardDescription }},
	{"recommendation", func(r domain.WorksheetRow) string { return r.Recommendation }},
}

func incompleteRows(rows []domain.WorksheetRow) []RowProblem {
	var problems []RowProblem
	for i, r := range rows {
		var missing []string
		for _, f := range requiredFields {
			if strings.TrimSpace(f.get(r)) == "" {
				missing = append(missing, f.name)
			}
		}
		if len(missing) > 0 {
			problems = append(problems, RowProblem{Index: i, Missing: missing})
		}
	}
	return problems
}

func setField(op string, r *domain.WorksheetRow, field RowField, value string) error {
	switch field {
	case FieldTaskName:
		r.TaskName = value
	case FieldActivityService:
		r.ActivityService = value
	case FieldRoutine:
		r.Routine = domain.Routine(strings.TrimSpace(value))
	case FieldHazardConcern:
		r.HazardConcern = value
	case FieldHazardDescription:
		r.HazardDescription = value
	case FieldLikelihood, FieldConsequence:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return invalidInput(op, string(field), fmt.Sprintf("not a number: %q", value))
		}
		if field == FieldLikelihood {
			r.Likelihood = n
		} else {
			r.Consequence = n
		}
	case FieldSignificance:
		r.Significance = domain.Significance(strings.TrimSpace(value))
	case FieldExistingRiskControl:
		r.ExistingRiskControl = value
	case FieldRecommendation:
		r.Recommendation = value
	case "action_owner", "target_date", "action_status", "remarks", "completion_evidence", "actual_completion_date":
		return invalidInput(op, string(field), "managed through action updates")
	default:
		return invalidInput(op, "field", fmt.Sprintf("unknown field %q", field))
	}
	return nil
}

func optionalDate(op, field string, v *string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil, nil
	}
	if _, err := ParseDate(s); err != nil {
		return nil, invalidInput(op, field, fmt.Sprintf("invalid date %q, want YYYY-MM-DD", s))
	}
	return &s, nil
}

func optionalString(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}

// normalizeRow validates a row saved through a worksheet edit, fills defaults
// and applies the significance upgrade. prev is the stored row it replaces,
// or nil for a new row. Identity and action fields are taken from prev, never
// from r.
func normalizeRow(op string, i int, prev *domain.WorksheetRow, r domain.WorksheetRow) (domain.WorksheetRow, error) {
	field := func(name string) string { return fmt.Sprintf("rows[%d].%s", i, name) }
	if !validFactor(r.Likelihood) {
		return r, invalidInput(op, field("likelihood"), fmt.Sprintf("must be between 1 and 5, got %d", r.Likelihood))
	}
	if !validFactor(r.Consequence) {
		return r, invalidInput(op, field("consequence"), fmt.Sprintf("must be between 1 and 5, got %d", r.Consequence))
	}
	switch r.Routine {
	case "":
		r.Routine = domain.RoutineRoutine
	case domain.RoutineRoutine, domain.RoutineNonRoutine:
	default:
		return r, invalidInput(op, field("routine"), fmt.Sprintf("unknown value %q", r.Routine))
	}
	switch r.Significance {
	case "", domain.Significant, domain.NotSignificant:
	default:
		return r, invalidInput(op, field("significance"), fmt.Sprintf("unknown value %q", r.Significance))
	}
	return reconcileSignificance(prev, storedActionFields(prev, r)), nil
}

// storedActionFields copies identity and action state from the stored row.
// A new row starts with an open, unowned action.
func storedActionFields(prev *domain.WorksheetRow, r domain.WorksheetRow) domain.WorksheetRow {
	if prev == nil {
		r.ID = ""
		r.ActionOwner = nil
		r.TargetDate = nil
		r.ActionStatus = domain.ActionOpen
		r.Remarks = ""
		r.CompletionEvidence = ""
		r.ActualCompletionDate = nil
		return r
	}
	r.ID = prev.ID
	r.ActionOwner = prev.ActionOwner
	r.TargetDate = prev.TargetDate
	r.ActionStatus = prev.ActionStatus
	r.Remarks = prev.Remarks
	r.CompletionEvidence = prev.CompletionEvidence
	r.ActualCompletionDate = prev.ActualCompletionDate
	if r.ActionStatus == "" {
		r.ActionStatus = domain.ActionOpen
	}
	return r
}

func rowKey(r domain.WorksheetRow) string {
	return strings.ToLower(strings.TrimSpace(r.TaskName)) + "\x00" + strings.ToLower(strings.TrimSpace(r.HazardConcern))
}

// pairRows matches every incoming row with the stored row it replaces: by id
// first, then by task name and hazard concern among the stored rows still
// unmatched. Position plays no part. Unmatched rows are new.
func pairRows(prev, rows []domain.WorksheetRow) []*domain.WorksheetRow {
	pairs := make([]*domain.WorksheetRow, len(rows))
	used := make([]bool, len(prev))
	byID := make(map[string]int, len(prev))
	for j, p := range prev {
		if p.ID != "" {
			byID[p.ID] = j
		}
	}
	for i, r := range rows {
		if r.ID == "" {
			continue
		}
		if j, ok := byID[r.ID]; ok && !used[j] {
			used[j] = true
			pairs[i] = &prev[j]
		}
	}
	for i, r := range rows {
		if pairs[i] != nil {
			continue
		}
		key := rowKey(r)
		for j := range prev {
			if !used[j] && rowKey(prev[j]) == key {
				used[j] = true
				pairs[i] = &prev[j]
				break
			}
		}
	}
	return pairs
}

// normalizeRows validates a full replacement of the worksheet.
func normalizeRows(op string, prev, rows []domain.WorksheetRow) ([]domain.WorksheetRow, error) {
	pairs := pairRows(prev, rows)
	out := make([]domain.WorksheetRow, 0, len(rows))
	for i, r := range rows {
		n, err := normalizeRow(op, i, pairs[i], r)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
