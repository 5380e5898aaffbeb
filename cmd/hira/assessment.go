package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hiraflow/internal/domain"
	"hiraflow/internal/hira"
	"hiraflow/internal/repo"
)

func assessmentCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "assessment",
		Short: "Create and inspect assessments",
		Long:  "Assessments are addressed by id or by number (HIRA-YYYY-NNNN).",
	}
	c.AddCommand(assessmentCreateCmd())
	c.AddCommand(assessmentListCmd())
	c.AddCommand(assessmentShowCmd())
	c.AddCommand(assessmentSummaryCmd())
	c.AddCommand(assessmentTransitionsCmd())
	return c
}

func assessmentCreateCmd() *cobra.Command {
	var in hira.NewAssessment
	var team, due, priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft assessment",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Team = splitList(team)
			in.DueDate = optionalString(due)
			in.Priority = domain.Priority(priority)
			return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
				a, err := s.Engine.CreateAssessment(ctx, s.CompanyID, s.Actor, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.AssessorID, "assessor", "", "lead assessor actor id")
	cmd.Flags().StringVar(&in.Process, "process", "", "process")
	cmd.Flags().StringVar(&in.PlantID, "plant", "", "plant id")
	cmd.Flags().StringVar(&in.AssessmentDate, "date", "", "assessment date (YYYY-MM-DD, defaults to today)")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&team, "team", "", "comma-separated team members")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or critical")
	return cmd
}

func assessmentListCmd() *cobra.Command {
	var f repo.AssessmentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assessments, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
				f.CompanyID = s.CompanyID
				items, err := s.Engine.ListAssessments(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Number", "Title", "Status", "Assessor", "Due", "ID"})
				for _, a := range items {
					due := ""
					if a.DueDate != nil {
						due = *a.DueDate
					}
					tw.AppendRow(table.Row{a.AssessmentNumber, a.Title, a.Status, a.AssessorID, due, a.ID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssessorID, "assessor", "", "lead assessor filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func assessmentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ref>",
		Short: "Show an assessment with scored rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
				id, err := s.resolveID(ctx, args[0])
				if err != nil {
					return err
				}
				v, err := s.Engine.View(ctx, s.CompanyID, id, s.Actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				a := v.Assessment
				fmt.Printf("%s  %s  [%s]\n", a.AssessmentNumber, a.Title, a.Status)
				fmt.Printf("Assessor: %s  Team: %v  Priority: %s\n", a.AssessorID, a.Team, a.Priority)
				fmt.Printf("Allowed: %v\n", v.AllowedTransitions)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Task", "Hazard", "L", "C", "Score", "Category", "Significance", "Action"})
				for _, r := range v.Rows {
					tw.AppendRow(table.Row{r.Index, r.TaskName, r.HazardConcern, r.Likelihood, r.Consequence, r.Score, r.Category, r.Significance, r.ActionStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func assessmentSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <ref>",
		Short: "Risk and action counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
				id, err := s.resolveID(ctx, args[0])
				if err != nil {
					return err
				}
				sum, err := s.Engine.Summary(ctx, s.CompanyID, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(sum)
			})
		},
	}
}

func assessmentTransitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transitions <ref>",
		Short: "Transitions the current actor may perform",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
				id, err := s.resolveID(ctx, args[0])
				if err != nil {
					return err
				}
				ts, err := s.Engine.AllowedTransitions(ctx, s.CompanyID, id, s.Actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(ts)
			})
		},
	}
}

func worksheetCmd() *cobra.Command {
	c := &cobra.Command{Use: "worksheet", Short: "Edit worksheet rows"}
	c.AddCommand(worksheetImportCmd())
	c.AddCommand(worksheetAddRowsCmd())
	c.AddCommand(worksheetEditCmd())
	c.AddCommand(worksheetRemoveCmd())
	return c
}

func worksheetImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import <ref>",
		Short: "Replace the worksheet with rows from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := readRows(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
				id, err := s.resolveID(ctx, args[0])
				if err != nil {
					return err
				}
				a, err := s.Engine.SaveWorksheet(ctx, s.CompanyID, id, s.Actor, rows)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "rows file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func worksheetAddRowsCmd() *cobra.Command {
	var filePath string
	var position int
	cmd := &cobra.Command{
		Use:   "add-rows <ref>",
		Short: "Insert rows from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := readRows(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
				id, err := s.resolveID(ctx, args[0])
				if err != nil {
					return err
				}
				a, err := s.Engine.AddRows(ctx, s.CompanyID, id, s.Actor, position, rows)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "rows file")
	cmd.Flags().IntVar(&position, "position", -1, "insert before this row; appends when negative")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func worksheetEditCmd() *cobra.Command {
	var index int
	var field, value string
	cmd := &cobra.Command{
		Use:   "edit <ref>",
		Short: "Set one field of one row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
				id, err := s.resolveID(ctx, args[0])
				if err != nil {
					return err
				}
				a, err := s.Engine.EditRow(ctx, s.CompanyID, id, s.Actor, index, hira.RowField(field), value)
				if err != nil {
					return err
				}
				return printJSONOrTable(a.Rows[index])
			})
		},
	}
	cmd.Flags().IntVar(&index, "row", 0, "row index")
	cmd.Flags().StringVar(&field, "field", "", "field name, e.g. likelihood")
	cmd.Flags().StringVar(&value, "value", "", "new value")
	_ = cmd.MarkFlagRequired("field")
	return cmd
}

func worksheetRemoveCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "remove <ref>",
		Short: "Remove one row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
				id, err := s.resolveID(ctx, args[0])
				if err != nil {
					return err
				}
				a, err := s.Engine.RemoveRow(ctx, s.CompanyID, id, s.Actor, index)
				if err != nil {
					return err
				}
				fmt.Printf("%s now has %d row(s)\n", a.AssessmentNumber, len(a.Rows))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&index, "row", 0, "row index")
	return cmd
}

func assignCmd() *cobra.Command {
	var in hira.AssignInput
	var team, priority string
	cmd := &cobra.Command{
		Use:   "assign <ref>",
		Short: "Assign a draft to its team (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Team = splitList(team)
			in.Priority = domain.Priority(priority)
			return runTransition(cmd, args[0], func(ctx context.Context, s session, id string) (domain.Assessment, error) {
				return s.Engine.Assign(ctx, s.CompanyID, id, s.Actor, in)
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "comma-separated team members")
	cmd.Flags().StringVar(&in.DueDate, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or critical")
	cmd.Flags().StringVar(&in.Comments, "comments", "", "assignment comments")
	cmd.Flags().StringVar(&in.AssessorID, "assessor", "", "replace the lead assessor")
	return cmd
}

func completeCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "complete <ref>",
		Short: "Submit the worksheet for review (lead assessor)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows []domain.WorksheetRow
			if filePath != "" {
				var err error
				if rows, err = readRows(filePath); err != nil {
					return err
				}
			}
			return runTransition(cmd, args[0], func(ctx context.Context, s session, id string) (domain.Assessment, error) {
				return s.Engine.Complete(ctx, s.CompanyID, id, s.Actor, rows)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "rows to save in the same step")
	return cmd
}

func approveCmd() *cobra.Command {
	var comments string
	var rating int
	cmd := &cobra.Command{
		Use:   "approve <ref>",
		Short: "Approve a completed assessment (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, args[0], func(ctx context.Context, s session, id string) (domain.Assessment, error) {
				return s.Engine.Review(ctx, s.CompanyID, id, s.Actor, hira.ReviewInput{Decision: "approve", Comments: comments, Rating: rating})
			})
		},
	}
	cmd.Flags().StringVar(&comments, "comments", "", "review comments")
	cmd.Flags().IntVar(&rating, "rating", 0, "rating 1-5")
	return cmd
}

func rejectCmd() *cobra.Command {
	var comments string
	cmd := &cobra.Command{
		Use:   "reject <ref>",
		Short: "Send a completed assessment back for rework (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, args[0], func(ctx context.Context, s session, id string) (domain.Assessment, error) {
				return s.Engine.Review(ctx, s.CompanyID, id, s.Actor, hira.ReviewInput{Decision: "reject", Comments: comments})
			})
		},
	}
	cmd.Flags().StringVar(&comments, "comments", "", "reason")
	_ = cmd.MarkFlagRequired("comments")
	return cmd
}

func closeCmd() *cobra.Command {
	var in hira.CloseInput
	var rating int
	cmd := &cobra.Command{
		Use:   "close <ref>",
		Short: "Close an assessment (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("rating") {
				in.PerformanceRating = &rating
			}
			return runTransition(cmd, args[0], func(ctx context.Context, s session, id string) (domain.Assessment, error) {
				return s.Engine.Close(ctx, s.CompanyID, id, s.Actor, in)
			})
		},
	}
	cmd.Flags().StringVar(&in.Comments, "comments", "", "closure comments")
	cmd.Flags().IntVar(&rating, "rating", 0, "performance rating 1-5")
	cmd.Flags().StringVar(&in.LessonsLearned, "lessons", "", "lessons learned")
	return cmd
}

func runTransition(cmd *cobra.Command, ref string, fn func(context.Context, session, string) (domain.Assessment, error)) error {
	return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
		id, err := s.resolveID(ctx, ref)
		if err != nil {
			return err
		}
		a, err := fn(ctx, s, id)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(a)
		}
		fmt.Printf("%s is now %s\n", a.AssessmentNumber, a.Status)
		return nil
	})
}

func actionCmd() *cobra.Command {
	c := &cobra.Command{Use: "action", Short: "Corrective actions"}
	c.AddCommand(actionListCmd())
	c.AddCommand(actionAssignCmd())
	c.AddCommand(actionBulkAssignCmd())
	c.AddCommand(actionUpdateCmd())
	c.AddCommand(actionProgressCmd())
	return c
}

func actionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <ref>",
		Short: "List actions derived from the worksheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
				id, err := s.resolveID(ctx, args[0])
				if err != nil {
					return err
				}
				items, err := s.Engine.Actions(ctx, s.CompanyID, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Task", "Priority", "Owner", "Target", "Status", "Overdue"})
				for _, it := range items {
					owner, target := "", ""
					if it.Owner != nil {
						owner = *it.Owner
					}
					if it.TargetDate != nil {
						target = *it.TargetDate
					}
					tw.AppendRow(table.Row{it.Index, it.TaskName, it.Priority, owner, target, it.Status, it.IsOverdue})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func actionAssignCmd() *cobra.Command {
	var index int
	var owner, target, remarks string
	cmd := &cobra.Command{
		Use:   "assign <ref>",
		Short: "Assign an action on an approved assessment (lead or admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asg := hira.ActionAssignment{Index: index, Owner: optionalString(owner), TargetDate: optionalString(target)}
			if cmd.Flags().Changed("remarks") {
				asg.Remarks = &remarks
			}
			return runTransition(cmd, args[0], func(ctx context.Context, s session, id string) (domain.Assessment, error) {
				return s.Engine.AssignActions(ctx, s.CompanyID, id, s.Actor, []hira.ActionAssignment{asg})
			})
		},
	}
	cmd.Flags().IntVar(&index, "row", 0, "row index")
	cmd.Flags().StringVar(&owner, "owner", "", "action owner")
	cmd.Flags().StringVar(&target, "target", "", "target date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&remarks, "remarks", "", "remarks")
	return cmd
}

func actionBulkAssignCmd() *cobra.Command {
	var rows, owner, target string
	cmd := &cobra.Command{
		Use:   "bulk-assign <ref>",
		Short: "Give several actions the same owner and target date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var indices []int
			for _, part := range splitList(rows) {
				i, err := strconv.Atoi(part)
				if err != nil {
					return fmt.Errorf("invalid row %q", part)
				}
				indices = append(indices, i)
			}
			return runTransition(cmd, args[0], func(ctx context.Context, s session, id string) (domain.Assessment, error) {
				return s.Engine.BulkAssign(ctx, s.CompanyID, id, s.Actor, indices, owner, optionalString(target))
			})
		},
	}
	cmd.Flags().StringVar(&rows, "rows", "", "comma-separated row indices")
	cmd.Flags().StringVar(&owner, "owner", "", "action owner")
	cmd.Flags().StringVar(&target, "target", "", "target date (YYYY-MM-DD)")
	return cmd
}

func actionUpdateCmd() *cobra.Command {
	var index int
	var owner, target, remarks string
	cmd := &cobra.Command{
		Use:   "update <ref>",
		Short: "Change an action's owner, target date or remarks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in hira.ActionUpdate
			if cmd.Flags().Changed("owner") {
				in.Owner = &owner
			}
			if cmd.Flags().Changed("target") {
				in.TargetDate = &target
			}
			if cmd.Flags().Changed("remarks") {
				in.Remarks = &remarks
			}
			return runTransition(cmd, args[0], func(ctx context.Context, s session, id string) (domain.Assessment, error) {
				return s.Engine.UpdateAction(ctx, s.CompanyID, id, s.Actor, index, in)
			})
		},
	}
	cmd.Flags().IntVar(&index, "row", 0, "row index")
	cmd.Flags().StringVar(&owner, "owner", "", "action owner; empty clears")
	cmd.Flags().StringVar(&target, "target", "", "target date; empty clears")
	cmd.Flags().StringVar(&remarks, "remarks", "", "remarks")
	return cmd
}

func actionProgressCmd() *cobra.Command {
	var index int
	var status, remarks, evidence, date string
	cmd := &cobra.Command{
		Use:   "progress <ref>",
		Short: "Report progress on an action you own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := hira.ActionProgress{Status: domain.ActionStatus(status), CompletionDate: optionalString(date)}
			if cmd.Flags().Changed("remarks") {
				in.Remarks = &remarks
			}
			if cmd.Flags().Changed("evidence") {
				in.Evidence = &evidence
			}
			return runTransition(cmd, args[0], func(ctx context.Context, s session, id string) (domain.Assessment, error) {
				return s.Engine.ProgressAction(ctx, s.CompanyID, id, s.Actor, index, in)
			})
		},
	}
	cmd.Flags().IntVar(&index, "row", 0, "row index")
	cmd.Flags().StringVar(&status, "status", "", "open, in_progress or completed")
	cmd.Flags().StringVar(&remarks, "remarks", "", "remarks")
	cmd.Flags().StringVar(&evidence, "evidence", "", "completion evidence")
	cmd.Flags().StringVar(&date, "date", "", "actual completion date (defaults to today when completed)")
	return cmd
}

func suggestCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "suggest <ref>",
		Short: "Ask the configured provider for hazard suggestions on a row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, s session) error {
				id, err := s.resolveID(ctx, args[0])
				if err != nil {
					return err
				}
				if _, err := s.Engine.RequestSuggestions(ctx, s.CompanyID, id, s.Actor, index); err != nil {
					return err
				}
				s.Engine.Suggestions.Wait()
				res, err := s.Engine.SuggestionResult(ctx, s.CompanyID, id, index)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&index, "row", 0, "row index")
	return cmd
}
