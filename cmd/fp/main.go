package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldproof/internal/app"
	"fieldproof/internal/config"
	"fieldproof/internal/db"
	"fieldproof/internal/domain"
	"fieldproof/internal/engine"
	"fieldproof/internal/migrate"
	"fieldproof/internal/notify"
	"fieldproof/internal/repo"
	"fieldproof/internal/server"
	"fieldproof/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "fp",
	Short: "Fieldproof CLI",
	Long: `Fieldproof tracks field-service work orders and the photographic evidence
that closes them out.
How the pieces fit:
- Workspace: a directory holding the SQLite database, the evidence blobs, and
  an optional fieldproof.yml; configs are mirrored into the DB on load.
- Work order: one job at one site. It moves quoted -> approved_pending ->
  assigned -> in_progress -> under_review -> approved (or rejected, which a
  technician can pick back up).
- Roster: the technicians assigned to an order. Each gets their own checklist
  of photo requirements, seeded from config.
- Checklist: titled photo requirements; titles are compared accent- and
  case-insensitively so "Panel Electrico" and "panel eléctrico" are one item.
- Evidence: uploaded photos. Unlabeled ones are reconciled against open
  checklist items by caption, note, or filename; leftovers stay orphans.
- Gate: an order can only be finalized for review when every technician has
  accepted and every mandatory requirement has at least one photo somewhere
  on the order.
- Event log: diary of everything that happened, view with 'fp log tail'.`,
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
	viper.SetEnvPrefix("FIELDPROOF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(checklistCmd())
	rootCmd.AddCommand(evidenceCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func orderCmd() *cobra.Command {
	ord := &cobra.Command{
		Use:   "order",
		Short: "Manage work orders",
		Long:  "Work orders move quoted -> approved_pending -> assigned -> in_progress -> under_review -> approved/rejected. Assign a roster, let technicians accept and upload, then finalize and approve.",
	}
	ord.AddCommand(orderCreateCmd())
	ord.AddCommand(orderListCmd())
	ord.AddCommand(orderShowCmd())
	ord.AddCommand(orderAssignCmd())
	ord.AddCommand(orderAcceptCmd())
	ord.AddCommand(orderFinalizeCmd())
	ord.AddCommand(orderApproveCmd())
	ord.AddCommand(orderRejectCmd())
	ord.AddCommand(orderReopenCmd())
	ord.AddCommand(orderGateCmd())
	ord.AddCommand(orderSessionCmd())
	return ord
}

func orderCreateCmd() *cobra.Command {
	var opts engine.OrderCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work order",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CreateOrder(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "order id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.Site, "site", "", "site identifier")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.State, "state", "", "initial state (quoted or approved_pending)")
	return cmd
}

func orderListCmd() *cobra.Command {
	var f repo.OrderFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				orders, err := r.ListOrders(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(orders)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Site", "State", "Roster", "Updated"})
				for _, o := range orders {
					tw.AppendRow(table.Row{o.ID, o.Site, o.State, strings.Join(o.Roster, ","), o.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.TechnicianID, "technician-id", "", "technician filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func orderShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				o, err := r.GetOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func orderAssignCmd() *cobra.Command {
	var roster []string
	var reset bool
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Set the technician roster",
		Long:  "Synchronizes assignments to the given roster: new technicians get a seeded checklist, removed technicians lose theirs. Use --reset to return surviving technicians to the assigned state.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SyncAssignments(ctx, engine.SyncOptions{
					OrderID:       args[0],
					Roster:        roster,
					ResetExisting: reset,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringArrayVar(&roster, "technician", []string{}, "technician id (repeatable)")
	cmd.Flags().BoolVar(&reset, "reset", false, "reset surviving technicians to assigned")
	_ = cmd.MarkFlagRequired("technician")
	return cmd
}

func orderAcceptCmd() *cobra.Command {
	var technician string
	cmd := &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept an assignment as a technician",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if technician == "" {
				technician = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Accept(ctx, args[0], technician)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&technician, "technician", "", "technician id (defaults to actor-id)")
	return cmd
}

func orderFinalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finalize <id>",
		Short: "Submit an order for review",
		Long:  "Closes the evidence session when every technician has accepted and every mandatory requirement has at least one photo. Fails otherwise, listing what is missing.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Finalize(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func orderApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a reviewed order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Approve(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func orderRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a reviewed order back to the field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Reject(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func orderReopenCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reopen <id>",
		Short: "Reopen an approved order",
		Long:  "Returns an approved order to assigned. Assignments reset to unaccepted; checklists and evidence are preserved.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Reopen(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reopen reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func orderGateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate <id>",
		Short: "Show what still blocks finalization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				gate, err := e.CheckGate(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(gate)
				}
				if gate.Open() {
					fmt.Println("gate open: order can be finalized")
					return nil
				}
				if len(gate.MissingAcceptances) > 0 {
					fmt.Println("waiting on acceptance from:")
					for _, t := range gate.MissingAcceptances {
						fmt.Printf("  %s\n", t)
					}
				}
				if len(gate.MissingRequirements) > 0 {
					fmt.Println("mandatory requirements without evidence:")
					for _, title := range gate.MissingRequirements {
						fmt.Printf("  %s\n", title)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func orderSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session <id>",
		Short: "Show the evidence session and its assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetSessionByOrder(ctx, args[0])
				if err != nil {
					return err
				}
				assignments, err := r.ListAssignments(ctx, s.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"session": s, "assignments": assignments})
				}
				fmt.Printf("Session %s (%s)\n", s.ID, s.State)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Assignment", "Technician", "State", "Retry"})
				for _, a := range assignments {
					tw.AppendRow(table.Row{a.ID, a.TechnicianID, a.State, a.RetryEnabled})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func checklistCmd() *cobra.Command {
	chk := &cobra.Command{
		Use:   "checklist",
		Short: "Manage per-assignment photo checklists",
		Long:  "Checklist items are titled photo requirements. Titles are matched accent- and case-insensitively, so adding a near-duplicate merges instead of forking.",
	}
	chk.AddCommand(checklistAddCmd())
	chk.AddCommand(checklistListCmd())
	chk.AddCommand(checklistRenameCmd())
	chk.AddCommand(checklistRetireCmd())
	chk.AddCommand(checklistDedupCmd())
	return chk
}

func checklistAddCmd() *cobra.Command {
	var opts engine.ItemCreateOptions
	cmd := &cobra.Command{
		Use:   "add <assignment-id>",
		Short: "Add a photo requirement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.AssignmentID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.AddChecklistItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "requirement title")
	cmd.Flags().BoolVar(&opts.Mandatory, "mandatory", false, "block finalization until photographed")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func checklistListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list <assignment-id>",
		Short: "List checklist items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListItems(ctx, args[0], !all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Mandatory", "Order", "Active"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Title, it.Mandatory, it.DisplayOrder, it.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include retired items")
	return cmd
}

func checklistRenameCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "rename <item-id>",
		Short: "Rename a checklist item",
		Long:  "Renaming onto an existing title merges the two items; evidence follows the survivor.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.RenameChecklistItem(ctx, args[0], title, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func checklistRetireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retire <item-id>",
		Short: "Retire a checklist item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RetireChecklistItem(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func checklistDedupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dedup <assignment-id>",
		Short: "Merge duplicate checklist items",
		Long:  "Recomputes normalized titles and merges items that collapse to the same key, repointing evidence to the survivor. Running it twice changes nothing.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				groups, err := e.DedupChecklist(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(groups)
				}
				if len(groups) == 0 {
					fmt.Println("no duplicates found")
					return nil
				}
				for _, g := range groups {
					fmt.Printf("%s <- %s (%s)\n", g.CanonicalID, strings.Join(g.MergedIDs, ", "), g.Title)
				}
				return nil
			})
		},
	}
	return cmd
}

func evidenceCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "evidence",
		Short: "Upload and reconcile photo evidence",
		Long:  "Photos upload against an assignment. Unlabeled photos are matched to open checklist items by caption, note, or filename; 'evidence reconcile' retries the leftovers.",
	}
	ev.AddCommand(evidenceUploadCmd())
	ev.AddCommand(evidenceListCmd())
	ev.AddCommand(evidenceReconcileCmd())
	return ev
}

func evidenceUploadCmd() *cobra.Command {
	var opts engine.UploadOptions
	var file string
	cmd := &cobra.Command{
		Use:   "upload <assignment-id>",
		Short: "Upload a photo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.AssignmentID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			if opts.Filename == "" {
				opts.Filename = filepath.Base(file)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				store, err := openStore()
				if err != nil {
					return err
				}
				rec, err := e.UploadEvidence(ctx, store, f, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to photo")
	cmd.Flags().StringVar(&opts.Filename, "filename", "", "stored filename (defaults to file's basename)")
	cmd.Flags().StringVar(&opts.Caption, "caption", "", "caption")
	cmd.Flags().StringVar(&opts.Note, "note", "", "note")
	cmd.Flags().StringVar(&opts.CapturedAt, "captured-at", "", "capture timestamp (RFC3339)")
	cmd.Flags().StringVar(&opts.ItemID, "item-id", "", "link to a checklist item directly")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func evidenceListCmd() *cobra.Command {
	var orphans bool
	cmd := &cobra.Command{
		Use:   "list <assignment-id>",
		Short: "List evidence records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var records []domain.EvidenceRecord
				var err error
				if orphans {
					records, err = r.ListOrphans(ctx, r.DB, args[0])
				} else {
					records, err = r.ListEvidence(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Filename", "Caption", "Item", "Captured"})
				for _, rec := range records {
					item := ""
					if rec.ItemID != nil {
						item = *rec.ItemID
					}
					tw.AppendRow(table.Row{rec.ID, rec.Filename, rec.Caption, item, rec.CapturedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&orphans, "orphans", false, "only unlinked records")
	return cmd
}

func evidenceReconcileCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "reconcile <assignment-id>",
		Short: "Match orphaned photos to open checklist items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Reconcile(ctx, args[0], viper.GetString("actor-id"), dryRun)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				for _, m := range report.Matches {
					fmt.Printf("%s -> %s (%s", m.Filename, m.ItemTitle, m.Tier)
					if m.Tier == engine.TierFuzzy {
						fmt.Printf(" %.2f", m.Score)
					}
					fmt.Println(")")
				}
				for _, u := range report.Unresolved {
					fmt.Printf("%s unresolved (%s)", u.Filename, u.Reason)
					if len(u.Candidates) > 0 {
						fmt.Printf(": %s", strings.Join(u.Candidates, ", "))
					}
					fmt.Println()
				}
				if report.DryRun {
					fmt.Println("dry run: nothing linked")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without linking")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		Long:  "Order counts by state for the workspace at a glance.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountOrdersByState(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"workspace":    e.Config.Workspace.Name,
					"order_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Workspace: %s\n", e.Config.Workspace.Name)
				fmt.Println("Orders:")
				for state, c := range counts {
					fmt.Printf("  %s: %d\n", state, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook: the default checklist templates, the fuzzy-match cutoff, RBAC roles, and notification endpoints. Loaded from fieldproof.yml when present, otherwise from the DB.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configGenerateCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configGenerateCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a default fieldproof.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			content := config.GenerateDefault(app.WorkspaceName(workspace))
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing file")
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			workspace := viper.GetString("workspace")
			if cfg.Workspace.Name == "" {
				cfg.Workspace.Name = app.WorkspaceName(workspace)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertWorkspaceConfig(ctx, cfg.Workspace.Name, cfg); err != nil {
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

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: transitions, roster changes, uploads, merges.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var orderID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, 0, orderID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&orderID, "order", "", "order id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
		Long:  "API keys authenticate automation against the HTTP API. The secret is printed once at creation; only its hash is stored.",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := "fpk_" + uuid.NewString()
				now := time.Now().UTC().Format(time.RFC3339)
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureActor(ctx, tx, actor, now); err != nil {
					return err
				}
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: now,
				}
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": actor, "name": name, "key": secret})
				}
				fmt.Printf("Created key %s for %s\n", key.ID, actor)
				fmt.Printf("Secret (shown once): %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (defaults to actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
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
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if cfg.Notifications.URL != "" {
				timeout := time.Duration(cfg.Notifications.TimeoutSeconds) * time.Second
				e.Notify = notify.Webhook{URL: cfg.Notifications.URL, Timeout: timeout}
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("FIELDPROOF_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" && !allowLegacyHeader {
				return fmt.Errorf("FIELDPROOF_JWT_SECRET is required for bearer auth (or pass --allow-legacy-header)")
			}
			handler, err := server.New(server.Config{Engine: e, Store: store, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			notify.Start(r, cfg.Subscribers)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Fieldproof API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-header", false, "accept X-Actor-Id without a token (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		workspace := viper.GetString("workspace")
		cfg, err := app.ResolveConfig(ctx, workspace, r)
		if err != nil {
			return err
		}
		e := engine.New(r.DB, cfg)
		e.Notify = notify.Logger{}
		return fn(ctx, e)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func openStore() (storage.Store, error) {
	workspace := viper.GetString("workspace")
	return storage.NewFS(filepath.Join(workspace, "evidence"))
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
