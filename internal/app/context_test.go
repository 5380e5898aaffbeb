package app

import (
	"context"
	"io"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hiraflow/internal/config"
	"hiraflow/internal/db"
	"hiraflow/internal/engine"
	"hiraflow/internal/migrate"
)

func newEngine(t *testing.T, workspace string) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return engine.New(conn, log.New(io.Discard, "", 0))
}

func TestResolveCompanyRequiresOne(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t, dir)
	_, _, err := ResolveCompanyAndConfig(context.Background(), dir, "", "ann", e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no company yet")
}

func TestResolveCompanySeedsFromWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	seed := `company:
  id: placeholder
  name: Acme Plant
rbac:
  admin_roles: [admin, owner, hse_manager]
  superadmin_roles: [superadmin]
workflow:
  allow_close_with_pending_actions: true
`
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(seed), 0o644))
	e := newEngine(t, dir)
	ctx := context.Background()

	companyID, cfg, err := ResolveCompanyAndConfig(ctx, dir, "acme", "ann", e)
	require.NoError(t, err)
	assert.Equal(t, "acme", companyID)
	assert.Equal(t, "acme", cfg.Company.ID)
	assert.True(t, cfg.Workflow.AllowCloseWithPendingActions)
	assert.Contains(t, cfg.RBAC.AdminRoles, "hse_manager")

	role, err := e.Repo.MemberRole(ctx, "acme", "ann")
	require.NoError(t, err)
	assert.Equal(t, engine.OwnerRole, role)

	// With a single company no override is needed.
	companyID, _, err = ResolveCompanyAndConfig(ctx, dir, "", "someone-else", e)
	require.NoError(t, err)
	assert.Equal(t, "acme", companyID)
}

func TestCreateCompanyWithoutWorkspaceConfigUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t, dir)
	ctx := context.Background()

	c, err := CreateCompany(ctx, dir, "globex", "Globex", "", e)
	require.NoError(t, err)
	assert.Equal(t, "Globex", c.Name)

	role, err := e.Repo.MemberRole(ctx, "globex", "local-user")
	require.NoError(t, err)
	assert.Equal(t, engine.OwnerRole, role)

	cfg, err := e.CompanyConfig(ctx, "globex")
	require.NoError(t, err)
	assert.False(t, cfg.Workflow.AllowCloseWithPendingActions)
	assert.Equal(t, []string{"admin", "owner"}, cfg.RBAC.AdminRoles)

	_, err = CreateCompany(ctx, dir, "globex", "Again", "ann", e)
	require.Error(t, err)
}
