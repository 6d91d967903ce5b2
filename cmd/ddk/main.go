package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dealdesk/internal/app"
	"dealdesk/internal/config"
	"dealdesk/internal/db"
	"dealdesk/internal/domain"
	"dealdesk/internal/engine"
	"dealdesk/internal/escrow"
	"dealdesk/internal/migrate"
	"dealdesk/internal/notify"
	"dealdesk/internal/repo"
	"dealdesk/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ddk",
	Short: "DealDesk CLI",
	Long: `DealDesk runs the lifecycle of marketplace projects between a client and a talent.
Core concepts:
- Workspace: the .dealdesk directory holding the database; dealdesk.yml carries project defaults, auth and webhook targets.
- Project: one engagement between a client and a talent; its phase (live -> picked_up -> ... -> complete) is derived from raw state on every read, never stored.
- Deliverables: the work items; statuses go recommended -> scoped -> in_progress -> approved (client sign-off), optionally performance_tracking.
- Review: explicit submit / revisions / final-payment events that deliverable statuses alone cannot express.
- Escrow: the two-party payment hold; talent requests release, client approves or rejects, admins override or flag.
- Activity log: append-only diary of every mutation, view with 'ddk log tail'.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DEALDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "admin", "actor role (client, talent, admin)")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the single project in the workspace)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(deliverableCmd())
	rootCmd.AddCommand(trackCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(escrowCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func actor() (domain.Actor, error) {
	role := domain.Role(viper.GetString("role"))
	switch role {
	case domain.RoleClient, domain.RoleTalent, domain.RoleAdmin:
	default:
		return domain.Actor{}, fmt.Errorf("--role must be client, talent or admin")
	}
	return domain.Actor{ID: viper.GetString("actor-id"), Role: role}, nil
}

func workspaceCmd() *cobra.Command {
	ws := &cobra.Command{Use: "workspace", Short: "Manage the workspace"}
	var id string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace config and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Initialized workspace %s (%s)\n", id, path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&id, "id", "local", "workspace identifier")
	ws.AddCommand(initCmd)
	return ws
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectAssignCmd())
	prj.AddCommand(projectArchiveCmd())
	prj.AddCommand(projectTrackingInfoCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, clientID, title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			if clientID == "" && a.Role == domain.RoleClient {
				clientID = a.ID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
					ID:       id,
					ClientID: clientID,
					Title:    title,
					Actor:    a,
				})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&clientID, "client", "", "client id (defaults to --actor-id for client role)")
	cmd.Flags().StringVar(&title, "title", "", "project title")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Client", "Talent", "Phase", "Archived"})
				for _, p := range items {
					talent := ""
					if p.TalentID != nil {
						talent = *p.TalentID
					}
					snap, err := e.Snapshot(ctx, p.ID)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{p.ID, p.Title, p.ClientID, talent, snap.Phase, p.Archived})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the full project snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				snap, err := e.Snapshot(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("Project: %s - %s\n", snap.Project.ID, snap.Project.Title)
				fmt.Printf("Phase: %s  Escrow: %s  Progress: %d/%d (%d%%)  Workspace open: %v\n",
					snap.Phase, snap.EscrowStatus, snap.Progress.Approved, snap.Progress.Total, snap.Progress.Percentage, snap.CanAccess)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Est h", "Actual h", "Files"})
				for _, d := range snap.Deliverables {
					tw.AppendRow(table.Row{d.ID, d.Title, d.Status, d.EstimatedHours, d.ActualHours, len(d.Files)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectAssignCmd() *cobra.Command {
	var talentID string
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a talent to the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				updated, err := e.AssignTalent(ctx, p.ID, talentID, a)
				if err != nil {
					return err
				}
				return printJSON(updated)
			})
		},
	}
	cmd.Flags().StringVar(&talentID, "talent", "", "talent id")
	return cmd
}

func projectArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Archive the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				updated, err := e.ArchiveProject(ctx, p.ID, a)
				if err != nil {
					return err
				}
				return printJSON(updated)
			})
		},
	}
}

func projectTrackingInfoCmd() *cobra.Command {
	var info string
	cmd := &cobra.Command{
		Use:   "tracking-info",
		Short: "Add performance tracking info (moves an approved project to complete)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				updated, err := e.AddTrackingInfo(ctx, p.ID, info, a)
				if err != nil {
					return err
				}
				return printJSON(updated)
			})
		},
	}
	cmd.Flags().StringVar(&info, "info", "", "tracking details")
	return cmd
}

func deliverableCmd() *cobra.Command {
	del := &cobra.Command{
		Use:   "deliverable",
		Short: "Manage deliverables",
		Long:  "Deliverables are the agreed work items. The talent moves them through scoped and in_progress; approved and performance_tracking are the client's sign-off.",
	}
	del.AddCommand(deliverableAddCmd())
	del.AddCommand(deliverableListCmd())
	del.AddCommand(deliverableStatusCmd())
	del.AddCommand(deliverableUpdateCmd())
	del.AddCommand(deliverableFileCmd())
	return del
}

func deliverableAddCmd() *cobra.Command {
	var title, description, problem string
	var kpis []string
	var estimated float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a deliverable",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				d, err := e.AddDeliverable(ctx, engine.DeliverableCreateOptions{
					ProjectID:      p.ID,
					Title:          title,
					Description:    description,
					Problem:        problem,
					KPIs:           kpis,
					EstimatedHours: estimated,
					Actor:          a,
				})
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "deliverable title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&problem, "problem", "", "problem statement")
	cmd.Flags().StringSliceVar(&kpis, "kpi", nil, "KPI (repeatable)")
	cmd.Flags().Float64Var(&estimated, "estimated-hours", 0, "estimated hours (config default when 0)")
	return cmd
}

func deliverableListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List deliverables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				items, err := e.Repo.ListDeliverables(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Est h", "Actual h"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Title, d.Status, d.EstimatedHours, d.ActualHours})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func deliverableStatusCmd() *cobra.Command {
	var id, status string
	cmd := &cobra.Command{
		Use:   "set-status",
		Short: "Update a deliverable's workflow status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.UpdateDeliverableStatus(ctx, id, domain.DeliverableStatus(status), a)
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "deliverable id")
	cmd.Flags().StringVar(&status, "status", "", "recommended, scoped, in_progress, approved or performance_tracking")
	return cmd
}

func deliverableUpdateCmd() *cobra.Command {
	var id string
	var title, description, problem string
	var kpis []string
	var estimated float64
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Edit a deliverable",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			opts := engine.DeliverableUpdateOptions{ID: id, Actor: a}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("problem") {
				opts.Problem = &problem
			}
			if cmd.Flags().Changed("kpi") {
				opts.KPIs = kpis
			}
			if cmd.Flags().Changed("estimated-hours") {
				opts.EstimatedHours = &estimated
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.UpdateDeliverable(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "deliverable id")
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&problem, "problem", "", "new problem statement")
	cmd.Flags().StringSliceVar(&kpis, "kpi", nil, "replacement KPI list")
	cmd.Flags().Float64Var(&estimated, "estimated-hours", 0, "new estimate")
	return cmd
}

func deliverableFileCmd() *cobra.Command {
	var id, name, url string
	cmd := &cobra.Command{
		Use:   "file",
		Short: "Attach a file to a deliverable",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.AddFile(ctx, id, name, url, a)
				if err != nil {
					return err
				}
				return printJSON(f)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "deliverable id")
	cmd.Flags().StringVar(&name, "name", "", "file name")
	cmd.Flags().StringVar(&url, "url", "", "file URL")
	return cmd
}

func trackCmd() *cobra.Command {
	track := &cobra.Command{
		Use:   "track",
		Short: "Time tracking",
		Long:  "A deliverable has at most one open session; stop folds the elapsed hours into its actual hours.",
	}
	var id string
	start := &cobra.Command{
		Use:   "start",
		Short: "Start a time session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.StartTracking(ctx, id, a)
				if err != nil {
					return err
				}
				return printJSON(entry)
			})
		},
	}
	start.Flags().StringVar(&id, "id", "", "deliverable id")
	var stopID string
	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the open session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.StopTracking(ctx, stopID, a)
				if err != nil {
					return err
				}
				return printJSON(entry)
			})
		},
	}
	stop.Flags().StringVar(&stopID, "id", "", "deliverable id")
	track.AddCommand(start)
	track.AddCommand(stop)
	return track
}

func reviewCmd() *cobra.Command {
	review := &cobra.Command{
		Use:   "review",
		Short: "Review handoffs",
		Long:  "Submit hands work to the client; revisions sends it back; final-payment accepts it and starts the payment step.",
	}
	type stageOp struct {
		use, short string
		call       func(engine.Engine, context.Context, string, domain.Actor) (domain.Project, error)
	}
	for _, op := range []stageOp{
		{"submit", "Submit work for client review", func(e engine.Engine, ctx context.Context, id string, a domain.Actor) (domain.Project, error) {
			return e.SubmitForReview(ctx, id, a)
		}},
		{"revisions", "Request revisions", func(e engine.Engine, ctx context.Context, id string, a domain.Actor) (domain.Project, error) {
			return e.RequestRevisions(ctx, id, a)
		}},
		{"final-payment", "Move to final payment", func(e engine.Engine, ctx context.Context, id string, a domain.Actor) (domain.Project, error) {
			return e.MoveToFinalPayment(ctx, id, a)
		}},
	} {
		call := op.call
		review.AddCommand(&cobra.Command{
			Use:   op.use,
			Short: op.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := actor()
				if err != nil {
					return err
				}
				return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
					updated, err := call(e, ctx, p.ID, a)
					if err != nil {
						return err
					}
					return printJSON(updated)
				})
			},
		})
	}
	return review
}

func escrowCmd() *cobra.Command {
	esc := &cobra.Command{
		Use:   "escrow",
		Short: "Escrow release protocol",
		Long:  "The payment hold between the parties. Talent requests release; the client approves or rejects (with a reason); admins override (release or cancel) or flag the escrow for review, which freezes party actions.",
	}
	esc.AddCommand(escrowShowCmd())

	var requestID string
	request := &cobra.Command{
		Use:   "request",
		Short: "Request release (talent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return escrowAction(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, a domain.Actor) (domain.EscrowState, error) {
				return e.RequestEscrowRelease(ctx, p.ID, a, requestID)
			})
		},
	}
	request.Flags().StringVar(&requestID, "request-id", "", "idempotency key for safe retries")

	var approveID string
	approve := &cobra.Command{
		Use:   "approve",
		Short: "Approve release (client)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return escrowAction(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, a domain.Actor) (domain.EscrowState, error) {
				return e.ApproveEscrowRelease(ctx, p.ID, a, approveID)
			})
		},
	}
	approve.Flags().StringVar(&approveID, "request-id", "", "idempotency key for safe retries")

	var rejectReason, rejectID string
	reject := &cobra.Command{
		Use:   "reject",
		Short: "Reject release with a reason (client)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return escrowAction(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, a domain.Actor) (domain.EscrowState, error) {
				return e.RejectEscrowRelease(ctx, p.ID, a, rejectReason, rejectID)
			})
		},
	}
	reject.Flags().StringVar(&rejectReason, "reason", "", "rejection reason")
	reject.Flags().StringVar(&rejectID, "request-id", "", "idempotency key for safe retries")

	var overrideAction, overrideReason, overrideID string
	override := &cobra.Command{
		Use:   "override",
		Short: "Force release or cancel (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return escrowAction(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, a domain.Actor) (domain.EscrowState, error) {
				return e.OverrideEscrow(ctx, p.ID, a, escrow.OverrideKind(overrideAction), overrideReason, overrideID)
			})
		},
	}
	override.Flags().StringVar(&overrideAction, "action", "", "release or cancel")
	override.Flags().StringVar(&overrideReason, "reason", "", "override reason")
	override.Flags().StringVar(&overrideID, "request-id", "", "idempotency key for safe retries")

	var flagReason, flagID string
	flag := &cobra.Command{
		Use:   "flag",
		Short: "Flag for review with a reason (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return escrowAction(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, a domain.Actor) (domain.EscrowState, error) {
				return e.FlagEscrow(ctx, p.ID, a, flagReason, flagID)
			})
		},
	}
	flag.Flags().StringVar(&flagReason, "reason", "", "flag reason")
	flag.Flags().StringVar(&flagID, "request-id", "", "idempotency key for safe retries")

	esc.AddCommand(request, approve, reject, override, flag)
	return esc
}

func escrowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show escrow status and history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				state, err := e.EscrowHistory(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(state)
				}
				fmt.Printf("Escrow: %s\n", state.Status)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Action", "Actor", "Role", "Reason"})
				for _, entry := range state.History {
					action := string(entry.Action)
					if entry.OverrideAction != "" {
						action = action + " (" + entry.OverrideAction + ")"
					}
					tw.AppendRow(table.Row{entry.TS, action, entry.ActorID, entry.ActorRole, entry.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func escrowAction(ctx context.Context, fn func(context.Context, engine.Engine, domain.Project, domain.Actor) (domain.EscrowState, error)) error {
	a, err := actor()
	if err != nil {
		return err
	}
	return withProject(ctx, func(ctx context.Context, e engine.Engine, p domain.Project) error {
		state, err := fn(ctx, e, p, a)
		if err != nil {
			return err
		}
		return printJSON(state)
	})
}

func progressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress",
		Short: "Show approval progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				progress, err := e.ApprovalProgress(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(progress)
				}
				fmt.Printf("Approved %d of %d (%d%%)\n", progress.Approved, progress.Total, progress.Percentage)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Activity log",
		Long:  "The diary of everything that happened on the project.",
	}
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show activity entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project) error {
				entries, err := e.ActivityLog(ctx, p.ID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Actor", "Message"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.TS, entry.ActorID, entry.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 0, "max entries (0 = all)")
	log.AddCommand(tail)
	return log
}

func serveCmd() *cobra.Command {
	var addr, basePath string
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
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default("local")
			}
			e := engine.New(conn, cfg)
			e.Notifier = notify.NewWebhook(cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("DEALDESK_JWT_SECRET"),
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = cfg.Auth.JWTSecret
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("DEALDESK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving DealDesk API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default("local")
	}
	e := engine.New(conn, cfg)
	e.Notifier = notify.NewWebhook(cfg)
	return fn(ctx, e)
}

func withProject(ctx context.Context, fn func(context.Context, engine.Engine, domain.Project) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		p, err := app.ResolveProject(ctx, viper.GetString("project"), repo.Repo{DB: e.DB})
		if err != nil {
			return err
		}
		return fn(ctx, e, p)
	})
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
