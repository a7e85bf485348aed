package main

import (
	"context"
	"encoding/base64"
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

	"caterline/internal/app"
	"caterline/internal/config"
	"caterline/internal/db"
	"caterline/internal/domain"
	"caterline/internal/engine"
	"caterline/internal/migrate"
	"caterline/internal/platform"
	"caterline/internal/repo"
	"caterline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Caterline CLI",
	Long: `Caterline keeps catering orders and their delivery lifecycle in sync with the
delivery platform.

- Workspace: a .caterline directory holding the sqlite database; the active
  config lives in the DB and is imported from caterline.yml.
- Orders: catering orders flow pending -> assigned -> picked_up -> in_transit
  -> delivered, advanced automatically from the time remaining until delivery.
- Tracking runs: 'cl track run' evaluates every eligible order once; point a
  cron or the HTTP trigger at it for continuous tracking.
- Courier operations: assign/unassign couriers and emit courier events; each
  one is pushed upstream and recorded in the local tracking log.
- Tracking log: append-only per-order event history, view with 'cl log tail'.`,
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
	viper.SetEnvPrefix("CATERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("restaurant", "My Restaurant", "restaurant name for a fresh workspace")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("restaurant", rootCmd.PersistentFlags().Lookup("restaurant"))
}

func registerCommands() {
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(trackCmd())
	rootCmd.AddCommand(courierCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func orderCmd() *cobra.Command {
	order := &cobra.Command{
		Use:   "order",
		Short: "Manage catering orders",
	}
	order.AddCommand(orderCreateCmd())
	order.AddCommand(orderListCmd())
	order.AddCommand(orderGetCmd())
	order.AddCommand(orderEventsCmd())
	return order
}

func orderCreateCmd() *cobra.Command {
	var number, deliveryID, source, customer, address, deliveryTime string
	var autoTrack bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Ingest a catering order",
		RunE: func(cmd *cobra.Command, args []string) error {
			normalized, err := domain.NormalizeTime(deliveryTime)
			if err != nil {
				return fmt.Errorf("--delivery-time must be RFC3339: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := e.Now().UTC().Format(time.RFC3339)
				o := domain.Order{
					ID:                  uuid.New().String(),
					OrderNumber:         number,
					ExternalDeliveryID:  optionalString(deliveryID),
					SourceSystem:        source,
					CustomerName:        customer,
					DeliveryAddress:     address,
					DeliveryTime:        normalized,
					DeliveryStatus:      domain.StatusPending,
					AutoTrackingEnabled: autoTrack,
					CreatedAt:           now,
					UpdatedAt:           now,
				}
				if o.SourceSystem == "" {
					o.SourceSystem = e.Config.Platform.Source
				}
				if err := e.Repo.InsertOrder(ctx, o); err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&number, "number", "", "order number")
	cmd.Flags().StringVar(&deliveryID, "delivery-id", "", "external delivery id on the platform")
	cmd.Flags().StringVar(&source, "source", "", "source system (defaults to platform source)")
	cmd.Flags().StringVar(&customer, "customer", "", "customer name")
	cmd.Flags().StringVar(&address, "address", "", "delivery address")
	cmd.Flags().StringVar(&deliveryTime, "delivery-time", "", "scheduled delivery time (RFC3339)")
	cmd.Flags().BoolVar(&autoTrack, "auto-track", true, "enable automated tracking")
	_ = cmd.MarkFlagRequired("number")
	_ = cmd.MarkFlagRequired("delivery-time")
	return cmd
}

func orderListCmd() *cobra.Command {
	var f repo.OrderFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
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
				tw.AppendHeader(table.Row{"Number", "Status", "Delivery", "Courier", "Customer"})
				for _, o := range orders {
					courier := ""
					if o.CourierName != nil {
						courier = *o.CourierName
					}
					tw.AppendRow(table.Row{o.OrderNumber, o.DeliveryStatus, o.DeliveryTime, courier, o.CustomerName})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Source, "source", "", "source system filter")
	return cmd
}

func orderGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <order-number>",
		Short: "Show one order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				o, err := r.GetOrderByNumber(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func orderEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <order-number>",
		Short: "Show an order's tracking log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				o, err := r.GetOrderByNumber(ctx, args[0])
				if err != nil {
					return err
				}
				events, err := r.ListTrackingEvents(ctx, o.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Kind", "Auto", "Note"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.TS, evt.Kind(), evt.Auto, evt.Note})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func trackCmd() *cobra.Command {
	track := &cobra.Command{
		Use:   "track",
		Short: "Automated delivery tracking",
	}
	track.AddCommand(trackRunCmd())
	track.AddCommand(trackStatusCmd())
	return track
}

func trackRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one tracking pass over eligible orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sum, err := e.RunAutoTracking(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("Updated %d order(s)\n", sum.Updated)
				for _, u := range sum.Updates {
					fmt.Printf("  %s: %s -> %s (%d min until delivery)\n",
						u.OrderNumber, u.OldStatus, u.NewStatus, u.MinutesUntilDelivery)
				}
				for _, oe := range sum.Errors {
					fmt.Printf("  error %s: %s\n", oe.OrderID, oe.Error)
				}
				return nil
			})
		},
	}
	return cmd
}

func trackStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Order counts by delivery status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountOrdersByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				fmt.Printf("Restaurant: %s\n", e.Config.Restaurant.Name)
				fmt.Println("Orders:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func courierCmd() *cobra.Command {
	courier := &cobra.Command{
		Use:   "courier",
		Short: "Courier assignment",
	}
	courier.AddCommand(courierAssignCmd())
	courier.AddCommand(courierUnassignCmd())
	return courier
}

func courierAssignCmd() *cobra.Command {
	var deliveryID, name, phone string
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a courier to a delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyOperation(cmd.Context(), engine.OperationOptions{
				Operation:  engine.OpAssignCourier,
				DeliveryID: deliveryID,
				Data:       engine.OperationData{Name: name, Phone: phone},
			})
		},
	}
	cmd.Flags().StringVar(&deliveryID, "delivery-id", "", "external delivery id")
	cmd.Flags().StringVar(&name, "name", "", "courier name")
	cmd.Flags().StringVar(&phone, "phone", "", "courier phone")
	_ = cmd.MarkFlagRequired("delivery-id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func courierUnassignCmd() *cobra.Command {
	var deliveryID string
	cmd := &cobra.Command{
		Use:   "unassign",
		Short: "Remove the courier from a delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyOperation(cmd.Context(), engine.OperationOptions{
				Operation:  engine.OpUnassignCourier,
				DeliveryID: deliveryID,
			})
		},
	}
	cmd.Flags().StringVar(&deliveryID, "delivery-id", "", "external delivery id")
	_ = cmd.MarkFlagRequired("delivery-id")
	return cmd
}

func eventCmd() *cobra.Command {
	event := &cobra.Command{
		Use:   "event",
		Short: "Courier and tracking events",
	}
	event.AddCommand(eventEmitCmd())
	event.AddCommand(eventGeoCmd())
	event.AddCommand(eventImageCmd())
	return event
}

func eventEmitCmd() *cobra.Command {
	var deliveryID, eventType, note string
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Emit a courier event (picked_up, in_transit, delivered)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyOperation(cmd.Context(), engine.OperationOptions{
				Operation:  engine.OpCourierEvent,
				DeliveryID: deliveryID,
				Data:       engine.OperationData{EventType: eventType, Note: note},
			})
		},
	}
	cmd.Flags().StringVar(&deliveryID, "delivery-id", "", "external delivery id")
	cmd.Flags().StringVar(&eventType, "type", "", "event type (picked_up, in_transit, delivered)")
	cmd.Flags().StringVar(&note, "note", "", "free-form note")
	_ = cmd.MarkFlagRequired("delivery-id")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func eventGeoCmd() *cobra.Command {
	var deliveryID string
	var lat, lon float64
	cmd := &cobra.Command{
		Use:   "geo",
		Short: "Report a courier location",
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyOperation(cmd.Context(), engine.OperationOptions{
				Operation:  engine.OpTrackingEvent,
				DeliveryID: deliveryID,
				Data:       engine.OperationData{Latitude: lat, Longitude: lon},
			})
		},
	}
	cmd.Flags().StringVar(&deliveryID, "delivery-id", "", "external delivery id")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude")
	_ = cmd.MarkFlagRequired("delivery-id")
	return cmd
}

func eventImageCmd() *cobra.Command {
	var deliveryID, file string
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Upload a proof-of-delivery image",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return applyOperation(cmd.Context(), engine.OperationOptions{
				Operation:  engine.OpUploadImage,
				DeliveryID: deliveryID,
				Data:       engine.OperationData{ImageBase64: encodeBase64(data)},
			})
		},
	}
	cmd.Flags().StringVar(&deliveryID, "delivery-id", "", "external delivery id")
	cmd.Flags().StringVar(&file, "file", "", "image file path")
	_ = cmd.MarkFlagRequired("delivery-id")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{
		Use:   "log",
		Short: "Tracking log",
	}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail the tracking log across all orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default caterline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "My Restaurant", "restaurant name")
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a config file into the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertSettings(ctx, cfg); err != nil {
					return err
				}
				fmt.Println("config imported")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", config.Path("."), "config file path")
	return cmd
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"valid": true, "config": cfg})
			}
			fmt.Println("config is valid")
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", config.Path("."), "config file path")
	return cmd
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	keys.AddCommand(apikeyCreateCmd())
	keys.AddCommand(apikeyListCmd())
	keys.AddCommand(apikeyDeleteCmd())
	return keys
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (secret printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
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
	var allowActorHeader bool
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
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, viper.GetString("restaurant"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, platformClient(cfg))
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("CATERLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("CATERLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			defer handler.Close()
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Caterline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id without a token (dev only)")
	return cmd
}

// --- helpers ---

func applyOperation(ctx context.Context, opts engine.OperationOptions) error {
	opts.ActorID = viper.GetString("actor-id")
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		out, err := e.ApplyOperation(ctx, opts)
		if err != nil {
			return err
		}
		return printJSONOrTable(out)
	})
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
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, viper.GetString("restaurant"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, platformClient(cfg))
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

func platformClient(cfg *config.Config) *platform.Client {
	return platform.New(cfg.Platform.Endpoint, cfg.Platform.Token, cfg.PlatformTimeout())
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

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
