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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/htung0403/crm-web-sub002/internal/app"
	"github.com/htung0403/crm-web-sub002/internal/config"
	"github.com/htung0403/crm-web-sub002/internal/db"
	"github.com/htung0403/crm-web-sub002/internal/domain"
	"github.com/htung0403/crm-web-sub002/internal/engine"
	"github.com/htung0403/crm-web-sub002/internal/migrate"
	"github.com/htung0403/crm-web-sub002/internal/pipeline"
	"github.com/htung0403/crm-web-sub002/internal/repo"
	"github.com/htung0403/crm-web-sub002/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "opsboard",
	Short: "Opsboard CLI",
	Long: `Opsboard tracks service-shop work through named pipeline stages.
Concepts:
- Workspace: your .opsboard directory holding the database; shop config is stored in the DB.
- Work item: a lead, order, order line-item or extension request moving across a board.
- Pipelines: sales -> technical -> after-sale chain automatically; warranty, care,
  accessory, partner and extension boards run on their own.
- Backward moves need a reason; the reason lands in the item's history as an alert.
- History: every accepted move appends one immutable entry, newest first.`,
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
	viper.SetEnvPrefix("OPSBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("shop", "", "shop id (overrides single-shop default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("shop", rootCmd.PersistentFlags().Lookup("shop"))
}

func registerCommands() {
	rootCmd.AddCommand(shopCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(stagesCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(extensionCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func shopCmd() *cobra.Command {
	shop := &cobra.Command{Use: "shop", Short: "Manage the shop"}
	shop.AddCommand(shopInitCmd())
	shop.AddCommand(shopShowCmd())
	shop.AddCommand(shopConfigCmd())
	return shop
}

func shopInitCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the shop",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, config.Default(id))
			s, err := e.InitShop(cmd.Context(), id, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSON(s)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "shop id")
	cmd.Flags().StringVar(&desc, "description", "", "shop description")
	return cmd
}

func shopShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the shop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetShop(ctx, e.Config.Shop.ID)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
}

func shopConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Shop configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stored, err := e.Repo.GetShopConfig(ctx, e.Config.Shop.ID)
				if err != nil {
					return err
				}
				return printJSON(stored)
			})
		},
	})
	return cfg
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage work items"}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemGetCmd())
	item.AddCommand(itemMoveCmd())
	item.AddCommand(itemHistoryCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var kind, title, pipelineName string
	var attrs []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item at its pipeline's entry stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			if pipelineName == "" {
				return fmt.Errorf("--pipeline required")
			}
			attributes, err := parseAttrs(attrs)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.CreateWorkItem(ctx, engine.CreateWorkItemOptions{
					Kind:       kind,
					Title:      title,
					Pipeline:   domain.PipelineKind(pipelineName),
					Attributes: attributes,
					Actor:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(it)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "order_item", "item kind (lead|order|order_item|extension)")
	cmd.Flags().StringVar(&title, "title", "", "item title")
	cmd.Flags().StringVar(&pipelineName, "pipeline", "", "pipeline")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "attribute key=value (repeatable)")
	return cmd
}

func itemListCmd() *cobra.Command {
	var pipelineName, stage, kind string
	var archived, pending bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{
					ShopID:          e.Config.Shop.ID,
					Pipeline:        pipelineName,
					StageID:         stage,
					Kind:            kind,
					Pending:         pending,
					IncludeArchived: archived,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "KIND", "TITLE", "PIPELINE", "STAGE", "ARCHIVED"})
				for _, it := range items {
					t.AppendRow(table.Row{short(it.ID), it.Kind, it.Title, it.Pipeline, it.StageID, it.Archived})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pipelineName, "pipeline", "", "filter by pipeline")
	cmd.Flags().StringVar(&stage, "stage", "", "filter by stage id")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by item kind")
	cmd.Flags().BoolVar(&archived, "archived", false, "include archived items")
	cmd.Flags().BoolVar(&pending, "pending", false, "only items awaiting operator action")
	return cmd
}

func itemGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <item-id>",
		Short: "Get a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.Repo.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(it)
			})
		},
	}
}

func itemMoveCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "move <item-id> <target-stage>",
		Short: "Attempt a stage transition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.AttemptTransition(ctx, args[0], args[1], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				if out.Pending != nil {
					fmt.Printf("backward move to %s needs a reason; rerun with --reason\n", out.Pending.TargetStageID)
					return nil
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "justification for a backward move")
	return cmd
}

func itemHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <item-id>",
		Short: "Show item history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.HistoryFor(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"TS", "ACTOR", "CATEGORY", "ACTION"})
				for _, e := range entries {
					t.AppendRow(table.Row{e.TS, e.Actor, e.Category, e.Action})
				}
				t.Render()
				return nil
			})
		},
	}
}

func boardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board <pipeline>",
		Short: "Render the board for one pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				kind := domain.PipelineKind(args[0])
				stages, err := pipeline.Stages(kind)
				if err != nil {
					return err
				}
				items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{
					ShopID:   e.Config.Shop.ID,
					Pipeline: args[0],
				})
				if err != nil {
					return err
				}
				board, err := pipeline.ProjectBoard(items, kind)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(board)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				header := table.Row{}
				depth := 0
				for _, s := range stages {
					header = append(header, fmt.Sprintf("%s (%d)", s.Label, len(board[s.ID])))
					if len(board[s.ID]) > depth {
						depth = len(board[s.ID])
					}
				}
				t.AppendHeader(header)
				for i := 0; i < depth; i++ {
					row := table.Row{}
					for _, s := range stages {
						cell := ""
						if i < len(board[s.ID]) {
							cell = board[s.ID][i].Title
						}
						row = append(row, cell)
					}
					t.AppendRow(row)
				}
				t.Render()
				return nil
			})
		},
	}
}

func stagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stages <pipeline>",
		Short: "List the stages of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stages, err := pipeline.Stages(domain.PipelineKind(args[0]))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(stages)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"RANK", "ID", "LABEL", "TERMINAL"})
			for _, s := range stages {
				t.AppendRow(table.Row{s.Rank, s.ID, s.Label, s.Terminal})
			}
			t.Render()
			return nil
		},
	}
}

func feedbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feedback <item-id> <positive|negative>",
		Short: "Resolve customer feedback at the after-sale branch point",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.ResolveFeedback(ctx, args[0], engine.FeedbackOutcome(args[1]), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(it)
			})
		},
	}
}

func extensionCmd() *cobra.Command {
	ext := &cobra.Command{Use: "extension", Short: "Service-extension approvals"}
	ext.AddCommand(extensionApproveCmd())
	ext.AddCommand(extensionRejectCmd())
	return ext
}

func extensionApproveCmd() *cobra.Command {
	var newDueAt, validReason, contactResult string
	cmd := &cobra.Command{
		Use:   "approve <item-id>",
		Short: "Approve an extension request, advancing it one stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.ResolveExtensionApproval(ctx, args[0], engine.ExtensionApproved, engine.ExtensionDecisionOptions{
					NewDueAt:              newDueAt,
					ValidReason:           validReason,
					CustomerContactResult: contactResult,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(it)
			})
		},
	}
	cmd.Flags().StringVar(&newDueAt, "new-due-at", "", "new due date (RFC3339), must be after the original")
	cmd.Flags().StringVar(&validReason, "valid-reason", "", "reason the extension is valid")
	cmd.Flags().StringVar(&contactResult, "contact-result", "", "customer contact result")
	return cmd
}

func extensionRejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <item-id>",
		Short: "Reject an extension request (terminal dead-end)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.ResolveExtensionApproval(ctx, args[0], engine.ExtensionRejected, engine.ExtensionDecisionOptions{}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(it)
			})
		},
	}
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Accessory and partner request actions"}
	var stage, notes, reason string
	approve := &cobra.Command{
		Use:   "approve <item-id>",
		Short: "Approve a request, moving it forward",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if stage == "" {
				return fmt.Errorf("--stage required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.ResolveRequestApproval(ctx, args[0], stage, notes, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if out.Pending != nil {
					fmt.Printf("backward move to %s needs a reason; rerun with --reason\n", out.Pending.TargetStageID)
					return nil
				}
				return printJSON(out)
			})
		},
	}
	approve.Flags().StringVar(&stage, "stage", "", "target stage id")
	approve.Flags().StringVar(&notes, "notes", "", "operator notes")
	approve.Flags().StringVar(&reason, "reason", "", "justification for a backward move")
	req.AddCommand(approve)
	return req
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{Use: "log", Short: "History ledger"}
	var n int
	var category, itemID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.LatestEntries(ctx, n, category, itemID)
				if err != nil {
					return err
				}
				return printJSON(entries)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of entries")
	tail.Flags().StringVar(&category, "category", "", "category filter")
	tail.Flags().StringVar(&itemID, "item", "", "work item id")
	logRoot.AddCommand(tail)
	return logRoot
}

func apikeyCmd() *cobra.Command {
	root := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; prints the secret once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("api key created for %s: %s\n", actor, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor id")
	create.Flags().StringVar(&name, "name", "", "key name")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printJSON(keys)
			})
		},
	}
	root.AddCommand(create)
	root.AddCommand(list)
	return root
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
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
			_, cfg, err := app.ResolveShopAndConfig(cmd.Context(), viper.GetString("shop"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("OPSBOARD_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" && !allowLegacyActor {
				return fmt.Errorf("OPSBOARD_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor for dev)")
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
			fmt.Printf("Serving Opsboard API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor", false, "accept X-Actor-Id without auth (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withEngineForShop(ctx, viper.GetString("shop"), fn)
}

func withEngineForShop(ctx context.Context, shopOverride string, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveShopAndConfig(ctx, shopOverride, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseAttrs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attrs := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid attribute %q, want key=value", p)
		}
		attrs[k] = v
	}
	return attrs, nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
