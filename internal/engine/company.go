package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"hiraflow/internal/config"
	"hiraflow/internal/domain"
	"hiraflow/internal/events"
	"hiraflow/internal/repo"
)

// OwnerRole is granted to the actor that creates a company.
const OwnerRole = "owner"

// InitCompany creates a company with the default config and makes actorID
// its owner.
func (e Engine) InitCompany(ctx context.Context, companyID, name, actorID string) (domain.Company, error) {
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return domain.Company{}, errors.New("company id required")
	}
	if strings.TrimSpace(actorID) == "" {
		return domain.Company{}, errors.New("actor_id required")
	}
	if _, err := e.Repo.GetCompany(ctx, companyID); err == nil {
		return domain.Company{}, fmt.Errorf("company %s: %w", companyID, repo.ErrConflict)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Company{}, err
	}
	if name == "" {
		name = companyID
	}
	now := e.now().UTC().Format(time.RFC3339)
	c := domain.Company{ID: companyID, Name: name, CreatedAt: now}
	cfg, err := config.Default(companyID)
	if err != nil {
		return domain.Company{}, err
	}
	cfg.Company.Name = name

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Company{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCompany(ctx, tx, c); err != nil {
		return domain.Company{}, fmt.Errorf("insert company: %w", err)
	}
	if err := e.Repo.UpsertCompanyConfigTx(ctx, tx, companyID, cfg); err != nil {
		return domain.Company{}, fmt.Errorf("insert company config: %w", err)
	}
	if err := e.Repo.UpsertMember(ctx, tx, companyID, actorID, OwnerRole, now); err != nil {
		return domain.Company{}, fmt.Errorf("grant owner: %w", err)
	}
	if err := e.Repo.Events.Append(ctx, tx, "company.init", companyID, "company", companyID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Company{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Company{}, err
	}
	return c, nil
}

func (e Engine) requireAdmin(ctx context.Context, companyID string, actor domain.Actor, action string) (domain.Actor, error) {
	if _, err := e.Repo.GetCompany(ctx, companyID); err != nil {
		return domain.Actor{}, err
	}
	cfg, err := e.CompanyConfig(ctx, companyID)
	if err != nil {
		return domain.Actor{}, err
	}
	return e.Auth.RequireAdmin(ctx, companyID, actor, cfg.Policy(), action)
}

// ImportConfig replaces the company config. Only admins may do this.
func (e Engine) ImportConfig(ctx context.Context, companyID string, actor domain.Actor, cfg *config.Config) error {
	admin, err := e.requireAdmin(ctx, companyID, actor, "import config")
	if err != nil {
		return err
	}
	if cfg == nil {
		return errors.New("config required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertCompanyConfigTx(ctx, tx, companyID, cfg); err != nil {
		return err
	}
	if err := e.Repo.Events.Append(ctx, tx, "config.updated", companyID, "company", companyID, admin.ID, events.EventPayload{
		"admin_roles":                      cfg.RBAC.AdminRoles,
		"allow_close_with_pending_actions": cfg.Workflow.AllowCloseWithPendingActions,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GrantMember(ctx context.Context, companyID string, actor domain.Actor, memberID, role string) (domain.Member, error) {
	admin, err := e.requireAdmin(ctx, companyID, actor, "grant roles")
	if err != nil {
		return domain.Member{}, err
	}
	memberID = strings.TrimSpace(memberID)
	role = strings.TrimSpace(role)
	if memberID == "" || role == "" {
		return domain.Member{}, errors.New("actor_id and role required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertMember(ctx, tx, companyID, memberID, role, now); err != nil {
		return domain.Member{}, err
	}
	if err := e.Repo.Events.Append(ctx, tx, "member.granted", companyID, "member", memberID, admin.ID, events.EventPayload{"role": role}); err != nil {
		return domain.Member{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Member{}, err
	}
	return domain.Member{CompanyID: companyID, ActorID: memberID, Role: role, CreatedAt: now}, nil
}

func (e Engine) RevokeMember(ctx context.Context, companyID string, actor domain.Actor, memberID string) error {
	admin, err := e.requireAdmin(ctx, companyID, actor, "revoke roles")
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteMember(ctx, tx, companyID, memberID); err != nil {
		return err
	}
	if err := e.Repo.Events.Append(ctx, tx, "member.revoked", companyID, "member", memberID, admin.ID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) Members(ctx context.Context, companyID string) ([]domain.Member, error) {
	return e.Repo.ListMembers(ctx, companyID)
}

func newAPIKeySecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "hira_" + hex.EncodeToString(buf), nil
}

// CreateAPIKey issues a key for ownerID. Actors may create keys for
// themselves; admins may create keys for anyone. The raw key is returned once
// and only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, companyID string, actor domain.Actor, ownerID, name string) (string, domain.APIKey, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		ownerID = actor.ID
	}
	if ownerID != actor.ID {
		if _, err := e.requireAdmin(ctx, companyID, actor, "create keys for other actors"); err != nil {
			return "", domain.APIKey{}, err
		}
	} else if _, err := e.Repo.GetCompany(ctx, companyID); err != nil {
		return "", domain.APIKey{}, err
	}
	secret, err := newAPIKeySecret()
	if err != nil {
		return "", domain.APIKey{}, err
	}
	key := domain.APIKey{
		ID:        uuid.NewString(),
		CompanyID: companyID,
		ActorID:   ownerID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.Repo.Events.Append(ctx, tx, "apikey.created", companyID, "api_key", key.ID, actor.ID, events.EventPayload{"actor_id": ownerID, "name": name}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return secret, key, nil
}

func (e Engine) Events(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
