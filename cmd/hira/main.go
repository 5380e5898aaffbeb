package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"hiraflow/internal/app"
	"hiraflow/internal/autosave"
	"hiraflow/internal/config"
	"hiraflow/internal/db"
	"hiraflow/internal/domain"
	"hiraflow/internal/engine"
	"hiraflow/internal/migrate"
	"hiraflow/internal/repo"
	"hiraflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "hira",
	Short: "HIRA assessment CLI",
	Long: `hira runs Hazard Identification and Risk Assessments through their lifecycle.
- Company: the tenant that owns assessments, members and config.
- Assessment: a worksheet of task/hazard rows moving draft -> assigned -> in_progress -> completed -> approved -> actions_assigned -> actions_completed -> closed (rejected sends it back for rework).
- Worksheet rows: likelihood x consequence gives the risk score and band; high bands are significant automatically.
- Actions: significant rows with a recommendation become corrective actions with owners and target dates.
- Event log: every change is recorded, view with 'hira log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	// The workspace .env seeds HIRA_* variables; real environment wins.
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
	viper.SetEnvPrefix("HIRA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "", "claimed role; company membership takes precedence")
	rootCmd.PersistentFlags().String("company", "", "company id (overrides HIRA_COMPANY)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("company", rootCmd.PersistentFlags().Lookup("company"))
}

func registerCommands() {
	rootCmd.AddCommand(companyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(assessmentCmd())
	rootCmd.AddCommand(worksheetCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(closeCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(suggestCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened to assessments, members and config, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
				events, err := s.Engine.Events(ctx, repo.EventFilters{CompanyID: s.CompanyID, Type: evtType, EntityID: entityID, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			logger := log.New(os.Stderr, "", log.LstdFlags)
			e := engine.New(conn, logger)
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyHeader,
				AllowDevLogin:          devLogin,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("HIRA_JWT_SECRET is required for bearer auth")
			}

			// Autosave timing comes from the default company when there is one.
			interval, attempts := autosave.DefaultInterval, autosave.DefaultMaxAttempts
			if _, cfg, err := app.ResolveCompanyAndConfig(cmd.Context(), workspace, viper.GetString("company"), viper.GetString("actor-id"), e); err == nil {
				interval, attempts = cfg.AutosaveInterval(), cfg.AutosaveMaxAttempts()
			}
			saver := autosave.New(func(ctx context.Context, key autosave.Key, rows []domain.WorksheetRow) error {
				_, err := e.SaveWorksheet(ctx, key.CompanyID, key.AssessmentID, key.Actor, rows)
				return err
			}, interval, attempts, logger)

			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Autosave: saver})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			saverDone := make(chan struct{})
			go func() {
				saver.Run(cmd.Context())
				close(saverDone)
			}()
			go func() {
				<-cmd.Context().Done()
				stopServer(srv, 5*time.Second, logger)
			}()
			fmt.Printf("Serving HIRA API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			<-saverDone
			if e.Suggestions != nil {
				e.Suggestions.Wait()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&legacyHeader, "allow-legacy-actor-header", false, "accept X-Actor-Id without credentials (local use)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (local use)")
	_ = viper.BindEnv("jwt-secret", "HIRA_JWT_SECRET")
	return cmd
}

func tokenCmd() *cobra.Command {
	var actorID, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with HIRA_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			token, err := server.SignToken(viper.GetString("jwt-secret"), actorID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "subject (defaults to --actor-id)")
	cmd.Flags().StringVar(&role, "claim-role", "", "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime, 0 for none")
	_ = viper.BindEnv("jwt-secret", "HIRA_JWT_SECRET")
	return cmd
}

// --- helpers ---

// session is what a command needs to act on the active company.
type session struct {
	Engine    engine.Engine
	CompanyID string
	Config    *config.Config
	Actor     domain.Actor
}

func currentActor() domain.Actor {
	return domain.Actor{ID: viper.GetString("actor-id"), Role: viper.GetString("role")}
}

func withEngine(ctx context.Context, fn func(context.Context, session) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, log.New(os.Stderr, "", log.LstdFlags))
	companyID, cfg, err := app.ResolveCompanyAndConfig(ctx, workspace, viper.GetString("company"), viper.GetString("actor-id"), e)
	if err != nil {
		return err
	}
	return fn(ctx, session{Engine: e, CompanyID: companyID, Config: cfg, Actor: currentActor()})
}

func withRepo(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, log.New(os.Stderr, "", log.LstdFlags)))
}

// resolveID accepts an assessment id or an HIRA-YYYY-NNNN number.
func (s session) resolveID(ctx context.Context, ref string) (string, error) {
	a, err := s.Engine.Fetch(ctx, s.CompanyID, ref)
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readRows loads worksheet rows from a YAML or JSON file holding either a
// list of rows or an object with a rows key.
func readRows(path string) ([]domain.WorksheetRow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if m, ok := doc.(map[string]any); ok {
		doc = m["rows"]
	}
	// Round-trip through JSON so the row's json tags apply.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var rows []domain.WorksheetRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return rows, nil
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// stopServer drains in-flight requests for at most timeout.
func stopServer(srv *http.Server, timeout time.Duration, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}
