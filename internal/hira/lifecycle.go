package hira

import "hiraflow/internal/domain"

// Transition names a lifecycle move.
type Transition string

const (
	TransitionAssign          Transition = "assign"
	TransitionStart           Transition = "start"
	TransitionComplete        Transition = "complete"
	TransitionApprove         Transition = "approve"
	TransitionReject          Transition = "reject"
	TransitionAssignActions   Transition = "assign_actions"
	TransitionCompleteActions Transition = "complete_actions"
	TransitionClose           Transition = "close"
)

// relation is how an actor relates to an assessment.
type relation uint8

const (
	relAdmin relation = 1 << iota
	relSuperadmin
	relLead
	relTeam
	relCreator
	relAny
)

type transitionRule struct {
	name     Transition
	from     []domain.Status
	to       domain.Status
	actors   relation
	implicit bool
}

// lifecycle is the whole state machine. Anything not listed is refused.
var lifecycle = []transitionRule{
	{
		name:   TransitionAssign,
		from:   []domain.Status{domain.StatusDraft},
		to:     domain.StatusAssigned,
		actors: relAdmin,
	},
	{
		name:     TransitionStart,
		from:     []domain.Status{domain.StatusAssigned, domain.StatusRejected},
		to:       domain.StatusInProgress,
		actors:   relLead | relTeam,
		implicit: true,
	},
	{
		name:   TransitionComplete,
		from:   []domain.Status{domain.StatusInProgress},
		to:     domain.StatusCompleted,
		actors: relLead | relTeam,
	},
	{
		name:   TransitionApprove,
		from:   []domain.Status{domain.StatusCompleted},
		to:     domain.StatusApproved,
		actors: relLead | relAdmin,
	},
	{
		name:   TransitionReject,
		from:   []domain.Status{domain.StatusCompleted},
		to:     domain.StatusRejected,
		actors: relLead | relAdmin,
	},
	{
		name:   TransitionAssignActions,
		from:   []domain.Status{domain.StatusApproved, domain.StatusActionsAssigned},
		to:     domain.StatusActionsAssigned,
		actors: relLead | relTeam | relCreator | relSuperadmin,
	},
	{
		name:     TransitionCompleteActions,
		from:     []domain.Status{domain.StatusActionsAssigned},
		to:       domain.StatusActionsCompleted,
		actors:   relAny,
		implicit: true,
	},
	{
		name:   TransitionClose,
		from:   []domain.Status{domain.StatusActionsCompleted},
		to:     domain.StatusClosed,
		actors: relAdmin | relLead,
	},
}

var (
	editableStatuses = []domain.Status{domain.StatusAssigned, domain.StatusInProgress, domain.StatusRejected}
	actionStatuses   = []domain.Status{domain.StatusApproved, domain.StatusActionsAssigned, domain.StatusClosed}
)

func ruleFor(t Transition) (transitionRule, bool) {
	for _, r := range lifecycle {
		if r.name == t {
			return r, true
		}
	}
	return transitionRule{}, false
}

// Transitions lists every transition name in table order.
func Transitions() []Transition {
	out := make([]Transition, 0, len(lifecycle))
	for _, r := range lifecycle {
		out = append(out, r.name)
	}
	return out
}

// IsTerminal reports whether no transition leaves status.
func IsTerminal(status domain.Status) bool {
	for _, r := range lifecycle {
		if containsStatus(r.from, status) {
			return false
		}
	}
	return true
}

func containsStatus(list []domain.Status, s domain.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
