package hira

import (
	"strings"

	"hiraflow/internal/domain"
)

// Policy carries the configurable parts of the permission rules.
type Policy struct {
	AdminRoles                   []string
	SuperadminRoles              []string
	AllowCloseWithPendingActions bool
}

// DefaultPolicy treats admin and owner as admins and superadmin as superadmin.
func DefaultPolicy() Policy {
	return Policy{
		AdminRoles:      []string{"admin", "owner"},
		SuperadminRoles: []string{"superadmin"},
	}
}

// Gate answers permission questions. Every call re-evaluates from the
// assessment and actor it is given.
type Gate struct {
	Policy Policy
}

func hasRole(roles []string, role string) bool {
	role = strings.TrimSpace(role)
	if role == "" {
		return false
	}
	for _, r := range roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// IsSuperadmin reports whether the actor's role is a superadmin role.
func (g Gate) IsSuperadmin(actor domain.Actor) bool {
	return hasRole(g.Policy.SuperadminRoles, actor.Role)
}

// IsAdmin reports whether the actor's role is an admin role. Superadmins are
// admins.
func (g Gate) IsAdmin(actor domain.Actor) bool {
	return hasRole(g.Policy.AdminRoles, actor.Role) || g.IsSuperadmin(actor)
}

func isTeamMember(a domain.Assessment, actorID string) bool {
	for _, id := range a.Team {
		if id == actorID {
			return true
		}
	}
	return false
}

func (g Gate) relations(a domain.Assessment, actor domain.Actor) relation {
	rel := relAny
	if actor.ID == "" {
		return rel
	}
	if g.IsAdmin(actor) {
		rel |= relAdmin
	}
	if g.IsSuperadmin(actor) {
		rel |= relSuperadmin
	}
	if a.AssessorID == actor.ID {
		rel |= relLead
	}
	if isTeamMember(a, actor.ID) {
		rel |= relTeam
	}
	if a.CreatedBy == actor.ID {
		rel |= relCreator
	}
	return rel
}

func (g Gate) fromStates(r transitionRule) []domain.Status {
	if r.name == TransitionClose && g.Policy.AllowCloseWithPendingActions {
		return append([]domain.Status{domain.StatusActionsAssigned}, r.from...)
	}
	return r.from
}

// check enforces state first, then actor.
func (g Gate) check(a domain.Assessment, actor domain.Actor, t Transition) error {
	r, ok := ruleFor(t)
	if !ok || !containsStatus(g.fromStates(r), a.Status) {
		return invalidTransition(string(t), a.Status)
	}
	if g.relations(a, actor)&r.actors == 0 {
		return forbidden(string(t), actor)
	}
	return nil
}

// CanTransition reports whether t may be applied now by actor.
func (g Gate) CanTransition(a domain.Assessment, actor domain.Actor, t Transition) bool {
	return g.check(a, actor, t) == nil
}

// AllowedTransitions lists the explicit transitions the actor may trigger.
func (g Gate) AllowedTransitions(a domain.Assessment, actor domain.Actor) []Transition {
	out := []Transition{}
	for _, r := range lifecycle {
		if r.implicit {
			continue
		}
		if g.CanTransition(a, actor, r.name) {
			out = append(out, r.name)
		}
	}
	return out
}

// CanCreate reports whether the actor may open a new assessment led by
// assessorID.
func (g Gate) CanCreate(actor domain.Actor, assessorID string) bool {
	if actor.ID == "" {
		return false
	}
	return g.IsAdmin(actor) || actor.ID == assessorID
}

func (g Gate) checkEdit(op string, a domain.Assessment, actor domain.Actor) error {
	if !containsStatus(editableStatuses, a.Status) {
		return invalidTransition(op, a.Status)
	}
	if g.relations(a, actor)&(relLead|relTeam) == 0 {
		return forbidden(op, actor)
	}
	return nil
}

// CanEditRow reports whether the actor may change worksheet content.
func (g Gate) CanEditRow(a domain.Assessment, actor domain.Actor) bool {
	return g.checkEdit("edit_row", a, actor) == nil
}

func (g Gate) checkManage(op string, a domain.Assessment, actor domain.Actor) error {
	if !containsStatus(actionStatuses, a.Status) {
		return invalidTransition(op, a.Status)
	}
	if g.relations(a, actor)&(relCreator|relLead|relTeam|relSuperadmin) == 0 {
		return forbidden(op, actor)
	}
	return nil
}

// CanManageActions reports whether the actor may assign owners and dates.
func (g Gate) CanManageActions(a domain.Assessment, actor domain.Actor) bool {
	return g.checkManage("manage_actions", a, actor) == nil
}

// CanCompleteAction is true only for the owner of an action that is not yet
// completed. Other roles do not matter.
func (g Gate) CanCompleteAction(a domain.Assessment, actor domain.Actor, index int) bool {
	if index < 0 || index >= len(a.Rows) || actor.ID == "" {
		return false
	}
	r := a.Rows[index]
	if !HasAction(r) || r.ActionOwner == nil || *r.ActionOwner != actor.ID {
		return false
	}
	return r.ActionStatus != domain.ActionCompleted
}
