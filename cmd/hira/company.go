package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hiraflow/internal/app"
	"hiraflow/internal/config"
	"hiraflow/internal/engine"
)

func companyCmd() *cobra.Command {
	c := &cobra.Command{Use: "company", Short: "Manage companies"}
	c.AddCommand(companyCreateCmd())
	c.AddCommand(companyListCmd())
	c.AddCommand(companyShowCmd())
	c.AddCommand(companyUseCmd())
	return c
}

func companyCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a company owned by the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = viper.GetString("company")
			}
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := app.CreateCompany(ctx, viper.GetString("workspace"), id, name, viper.GetString("actor-id"), e)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "company id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func companyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List companies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCompanies(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func companyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active company",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
				c, err := s.Engine.Repo.GetCompany(ctx, s.CompanyID)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func companyUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set the default company for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			companyID := strings.TrimSpace(args[0])
			if companyID == "" {
				return fmt.Errorf("company id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "HIRA_COMPANY", companyID); err != nil {
				return err
			}
			fmt.Printf("Set HIRA_COMPANY=%s in %s/.env\n", companyID, workspace)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Company config"}
	c.AddCommand(configShowCmd())
	c.AddCommand(configImportCmd())
	c.AddCommand(configValidateCmd())
	c.AddCommand(configInitCmd())
	return c
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the company config stored in the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
				if viper.GetBool("json") {
					return printJSON(s.Config)
				}
				out, err := s.Config.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import company config from YAML into the DB (admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
				cfg.Company.ID = s.CompanyID
				if err := s.Engine.ImportConfig(ctx, s.CompanyID, s.Actor, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a YAML config without importing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
			}
			if _, err := config.FromFile(filePath); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", filePath)
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (defaults to the workspace hira.yml)")
	return cmd
}

func configInitCmd() *cobra.Command {
	var companyID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default hira.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if companyID == "" {
				companyID = viper.GetString("company")
			}
			if companyID == "" {
				return fmt.Errorf("--company required")
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(companyID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&companyID, "id", "", "company id written into the file")
	return cmd
}

func memberCmd() *cobra.Command {
	c := &cobra.Command{Use: "member", Short: "Company membership and roles"}
	c.AddCommand(memberListCmd())
	c.AddCommand(memberGrantCmd())
	c.AddCommand(memberRevokeCmd())
	return c
}

func memberListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
				members, err := s.Engine.Members(ctx, s.CompanyID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Actor", "Role", "Since"})
				for _, m := range members {
					tw.AppendRow(table.Row{m.ActorID, m.Role, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func memberGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor (admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --member-role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
				m, err := s.Engine.GrantMember(ctx, s.CompanyID, s.Actor, target, role)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "member-role", "", "role name")
	return cmd
}

func memberRevokeCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Remove an actor from the company (admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--actor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
				return s.Engine.RevokeMember(ctx, s.CompanyID, s.Actor, target)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "apikey", Short: "API keys"}
	c.AddCommand(apikeyCreateCmd())
	c.AddCommand(apikeyListCmd())
	return c
}

func apikeyCreateCmd() *cobra.Command {
	var owner, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
				raw, key, err := s.Engine.CreateAPIKey(ctx, s.CompanyID, s.Actor, owner, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "actor the key acts as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the current actor's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
				keys, err := s.Engine.Repo.ListAPIKeys(ctx, s.CompanyID, s.Actor.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
}
