package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"hiraflow/internal/domain"
	"hiraflow/internal/hira"
	"hiraflow/internal/repo"
)

// ForbiddenError indicates a company administration call by a non-admin.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("admin role required to %s", e.Action)
}

// Service resolves actors against company membership.
type Service struct {
	Repo repo.Repo
}

// ResolveActor returns the actor with the role it holds in the company. A
// recorded membership overrides the claimed role; without one the claimed
// role is kept.
func (s Service) ResolveActor(ctx context.Context, companyID string, actor domain.Actor) (domain.Actor, error) {
	actor.ID = strings.TrimSpace(actor.ID)
	if actor.ID == "" {
		return domain.Actor{}, errors.New("actor_id required")
	}
	role, err := s.Repo.MemberRole(ctx, companyID, actor.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return actor, nil
		}
		return domain.Actor{}, err
	}
	actor.Role = role
	return actor, nil
}

// RequireAdmin fails with ForbiddenError unless the actor holds an admin
// role under policy.
func (s Service) RequireAdmin(ctx context.Context, companyID string, actor domain.Actor, policy hira.Policy, action string) (domain.Actor, error) {
	resolved, err := s.ResolveActor(ctx, companyID, actor)
	if err != nil {
		return domain.Actor{}, err
	}
	if !(hira.Gate{Policy: policy}).IsAdmin(resolved) {
		return domain.Actor{}, ForbiddenError{Action: action}
	}
	return resolved, nil
}
