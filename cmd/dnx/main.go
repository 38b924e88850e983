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

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dealnexus/internal/config"
	"dealnexus/internal/db"
	"dealnexus/internal/domain"
	"dealnexus/internal/engine"
	"dealnexus/internal/escalate"
	"dealnexus/internal/knowledge"
	"dealnexus/internal/migrate"
	"dealnexus/internal/pipeline"
	"dealnexus/internal/repo"
	"dealnexus/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dnx",
	Short: "DealNexus CLI",
	Long: `DealNexus runs multi-role deal assessments over an append-only event log.
A pipeline run walks four steps: targeting first, then feasibility and
compliance in parallel, then the financial margin gate, then synthesis.
Blocking compliance risks are negotiated in at most three turns; anything
unresolved pins the case until a human records a resolution.`,
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
	viper.SetEnvPrefix("DEALNEXUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(negotiationCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Manage assessment cases"}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	return c
}

func caseCreateCmd() *cobra.Command {
	var id, client string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.CreateCase(ctx, id, client)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "case id (default: generated)")
	cmd.Flags().StringVar(&client, "client", "", "client name")
	return cmd
}

func caseListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cases, err := r.ListCases(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Client", "Status", "Created"})
				for _, c := range cases {
					tw.AppendRow(table.Row{c.ID, c.Client, c.Status, c.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show the full replayed case state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				view, err := e.View(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	return cmd
}

func pipelineCmd() *cobra.Command {
	p := &cobra.Command{Use: "pipeline", Short: "Run assessments"}
	p.AddCommand(pipelineRunCmd())
	return p
}

func pipelineRunCmd() *cobra.Command {
	var caseID, transcript, transcriptFile, clientContext, knowledgePath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline for a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			if caseID == "" {
				return fmt.Errorf("--case required")
			}
			if transcriptFile != "" {
				data, err := os.ReadFile(transcriptFile)
				if err != nil {
					return err
				}
				transcript = string(data)
			}
			if transcript == "" {
				return fmt.Errorf("--transcript or --transcript-file required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				kb, err := knowledge.Load(knowledgePath)
				if err != nil {
					return err
				}
				o := pipeline.New(e, kb)
				o.Notifier = escalate.File{Workspace: viper.GetString("workspace")}
				res, err := o.Run(ctx, caseID, transcript, clientContext)
				if err != nil && !errors.Is(err, domain.ErrGateBlocked) {
					return err
				}
				if printErr := printJSONOrTable(res); printErr != nil {
					return printErr
				}
				if res.Halted {
					color.Yellow("pipeline halted: %s", res.HaltReason)
					color.Yellow("see %s in the workspace for pending negotiations", escalate.FileName)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id")
	cmd.Flags().StringVar(&transcript, "transcript", "", "discovery transcript text")
	cmd.Flags().StringVar(&transcriptFile, "transcript-file", "", "path to transcript file")
	cmd.Flags().StringVar(&clientContext, "context", "", "extra client context")
	cmd.Flags().StringVar(&knowledgePath, "knowledge", "", "knowledge base YAML override")
	return cmd
}

func negotiationCmd() *cobra.Command {
	n := &cobra.Command{Use: "negotiation", Short: "Inspect and settle negotiations"}
	n.AddCommand(negotiationListCmd())
	n.AddCommand(negotiationResolveCmd())
	return n
}

func negotiationListCmd() *cobra.Command {
	var caseID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a case's negotiations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if caseID == "" {
				return fmt.Errorf("--case required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				view, err := e.View(ctx, caseID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view.State.Negotiations)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Risk", "Turn", "Status", "Reason", "Mitigation"})
				for _, n := range view.State.Negotiations {
					tw.AppendRow(table.Row{n.NegotiationID, n.RiskID, n.Turn, n.Status, n.Reason, n.Mitigation})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id")
	return cmd
}

func negotiationResolveCmd() *cobra.Command {
	var caseID, negotiationID, status, by, note string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Record a human disposition of a deadlocked negotiation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if caseID == "" || negotiationID == "" {
				return fmt.Errorf("--case and --id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				err := e.ResolveHuman(ctx, caseID, domain.HumanResolutionPayload{
					NegotiationID: negotiationID,
					Status:        status,
					ResolvedBy:    by,
					Note:          note,
				})
				if err != nil {
					return err
				}
				color.Green("negotiation %s marked %s by %s", negotiationID, status, by)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id")
	cmd.Flags().StringVar(&negotiationID, "id", "", "negotiation id")
	cmd.Flags().StringVar(&status, "status", domain.ResolutionResolved, "RESOLVED or DISMISSED")
	cmd.Flags().StringVar(&by, "by", "operator", "who resolved it")
	cmd.Flags().StringVar(&note, "note", "", "resolution note")
	return cmd
}

func reportCmd() *cobra.Command {
	r := &cobra.Command{Use: "report", Short: "Report readiness"}
	r.AddCommand(reportStatusCmd())
	return r
}

func reportStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <case-id>",
		Short: "Derive the report status from the event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				status, err := e.ReportStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"case_id": args[0], "status": status})
				}
				switch status {
				case domain.StatusApproved:
					color.Green("%s: %s", args[0], status)
				case domain.StatusPendingIntervention:
					color.Red("%s: %s", args[0], status)
				default:
					color.Yellow("%s: %s", args[0], status)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The append-only diary of a case: stage artifacts, negotiation turns, financial decisions, human resolutions.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var caseID, kind, role string
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail a case's events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if caseID == "" {
				return fmt.Errorf("--case required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, caseID, repo.EventFilter{Kind: kind, SourceRole: role, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "TS", "Role", "Kind"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.Seq, e.TS, e.SourceRole, e.Kind})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id")
	cmd.Flags().StringVar(&kind, "kind", "", "event kind filter")
	cmd.Flags().StringVar(&role, "role", "", "source role filter")
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var assessmentID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default dealnexus.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if assessmentID == "" {
				return fmt.Errorf("--id required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			return os.WriteFile(path, []byte(config.GenerateDefault(assessmentID)), 0o644)
		},
	}
	cmd.Flags().StringVar(&assessmentID, "id", "", "assessment id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
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
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			kb, err := knowledge.Default()
			if err != nil {
				return err
			}
			o := pipeline.New(e, kb)
			o.Notifier = escalate.File{Workspace: workspace}
			handler, err := server.New(server.Config{
				Engine:       e,
				Orchestrator: o,
				BasePath:     basePath,
				Auth:         server.AuthConfig{JWTSecret: os.Getenv("DEALNEXUS_JWT_SECRET")},
			})
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
			fmt.Printf("Serving DealNexus API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
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

// --- helpers ---

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("default")
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
