package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"hiraflow/internal/config"
	"hiraflow/internal/domain"
	"hiraflow/internal/engine"
	"hiraflow/internal/repo"
)

// ResolveCompanyAndConfig picks the active company and its config. It prefers
// the override, then the only company in the database. A company named by
// the override that does not exist yet is created with actorID as owner,
// seeded from the workspace hira.yml when one is present.
func ResolveCompanyAndConfig(ctx context.Context, workspace, companyOverride, actorID string, e engine.Engine) (string, *config.Config, error) {
	companyID := companyOverride
	if companyID == "" {
		c, err := e.Repo.SingleCompany(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, fmt.Errorf("no company yet; create one with hira company create --company <id>")
			}
			return "", nil, err
		}
		companyID = c.ID
	}
	if _, err := e.Repo.GetCompany(ctx, companyID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if _, err := CreateCompany(ctx, workspace, companyID, "", actorID, e); err != nil {
			return "", nil, err
		}
	}
	cfg, err := e.CompanyConfig(ctx, companyID)
	if err != nil {
		return "", nil, err
	}
	cfg.Company.ID = companyID
	return companyID, cfg, nil
}

// CreateCompany creates a company owned by actorID and seeds its config from
// the workspace hira.yml when one is present.
func CreateCompany(ctx context.Context, workspace, companyID, name, actorID string, e engine.Engine) (domain.Company, error) {
	if actorID == "" {
		actorID = "local-user"
	}
	c, err := e.InitCompany(ctx, companyID, name, actorID)
	if err != nil {
		return domain.Company{}, fmt.Errorf("create company: %w", err)
	}
	if _, err := os.Stat(config.Path(workspace)); err != nil {
		return c, nil
	}
	seed, err := config.Load(workspace)
	if err != nil {
		return c, fmt.Errorf("workspace config: %w", err)
	}
	seed.Company.ID = companyID
	if err := e.Repo.UpsertCompanyConfig(ctx, companyID, seed); err != nil {
		return c, fmt.Errorf("seed company config: %w", err)
	}
	return c, nil
}
