package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"fleetwatch/internal/anomaly"
	"fleetwatch/internal/config"
	"fleetwatch/internal/db"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/hub"
	"fleetwatch/internal/ingest"
	"fleetwatch/internal/migrate"
	"fleetwatch/internal/repo"
	"fleetwatch/internal/rollup"
	"fleetwatch/internal/server"
	"fleetwatch/internal/store"
	fleetwatchsdk "fleetwatch/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "fw",
	Short: "Fleetwatch CLI",
	Long: `Fleetwatch aggregates health, job, and error telemetry from a robot
fleet, scores each robot, detects anomalies (offline, error bursts,
version lag), and rolls the history up into daily per-robot reports.

Run 'fw serve' on the aggregation host; point robot agents at its
/api/ingest endpoints. The other commands are thin API clients.`,
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
	viper.SetEnvPrefix("FLEETWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "fleetwatch server base URL")
	rootCmd.PersistentFlags().String("api-key", "", "API key for client commands")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(robotsCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(anomaliesCmd())
	rootCmd.AddCommand(overviewCmd())
	rootCmd.AddCommand(rollupCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the aggregation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
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

			st := store.New(r)
			jobLoader := func(ctx context.Context, robotID string) ([]domain.JobRecord, error) {
				return r.ListJobs(ctx, repo.JobFilters{RobotID: robotID})
			}
			if err := st.Load(cmd.Context(), r, jobLoader); err != nil {
				return err
			}

			broadcast := hub.New()
			detector := anomaly.NewDetector(cfg, st, r, broadcast)
			if open, err := r.ListOpenAlerts(cmd.Context()); err == nil {
				detector.Restore(open)
			} else {
				log.Printf("serve: restore alerts: %v", err)
			}
			gateway := ingest.New(cfg, st, detector, broadcast)
			roller := rollup.New(cfg, r)

			handler, err := server.New(server.Deps{
				Cfg:      cfg,
				Store:    st,
				Gateway:  gateway,
				Detector: detector,
				Roller:   roller,
				Repo:     r,
				Hub:      broadcast,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				broadcast.Run(ctx.Done())
				return nil
			})
			g.Go(func() error {
				ticker := time.NewTicker(cfg.SweepInterval())
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-ticker.C:
						if err := detector.Sweep(ctx); err != nil && ctx.Err() == nil {
							log.Printf("serve: sweep: %v", err)
						}
					}
				}
			})
			g.Go(func() error {
				return roller.RunScheduler(ctx)
			})

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				fmt.Printf("Serving Fleetwatch API on http://%s%s (websocket stream at /ws)\n", cfg.Server.Addr, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func robotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "robots",
		Short: "List fleet robots",
		RunE: func(cmd *cobra.Command, args []string) error {
			robots, err := client().Robots(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(robots)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Robot", "Host", "Version", "OK", "Online", "Score", "Last Seen"})
			for _, r := range robots {
				tw.AppendRow(table.Row{r.RobotID, r.Hostname, r.Version, r.OK, r.Online, r.HealthScore, r.LastSeenAt})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func jobsCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs across the fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := client().Jobs(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(jobs)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Job", "Robot", "Status", "Progress", "Units", "Updated"})
			for _, j := range jobs {
				units := fmt.Sprintf("%d/%d", j.WorkUnitsDone, j.WorkUnitsTotal)
				tw.AppendRow(table.Row{j.JobID, j.RobotID, j.Status, fmt.Sprintf("%.0f%%", j.Progress*100), units, j.UpdatedAt})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (BACKLOG, ASSIGNED, RUNNING, BLOCKED, DONE, FAILED, CANCELLED)")
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum rows")
	return cmd
}

func anomaliesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anomalies",
		Short: "List open alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			alerts, err := client().Anomalies(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(alerts)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Alert", "Robot", "Severity", "Type", "Fired", "Ack", "Message"})
			for _, a := range alerts {
				tw.AppendRow(table.Row{a.AlertID, a.RobotID, a.Severity, a.Type, a.FiredAt, a.AckStatus, a.Message})
			}
			tw.Render()
			return nil
		},
	}
	cmd.AddCommand(ackCmd(), resolveCmd())
	return cmd
}

func ackCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alert, err := client().AckAlert(cmd.Context(), args[0], by)
			if err != nil {
				return err
			}
			return printJSON(alert)
		},
	}
	cmd.Flags().StringVar(&by, "by", "operator", "who acknowledges")
	return cmd
}

func resolveCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "resolve <alert-id>",
		Short: "Resolve an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alert, err := client().ResolveAlert(cmd.Context(), args[0], by)
			if err != nil {
				return err
			}
			return printJSON(alert)
		},
	}
	cmd.Flags().StringVar(&by, "by", "operator", "who resolves")
	return cmd
}

func overviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overview",
		Short: "Show fleet counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ov, err := client().Overview(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(ov)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Total", "Online", "Error", "Running", "Idle", "Jobs Today", "Units Today", "Stuck"})
			tw.AppendRow(table.Row{ov.TotalCount, ov.OnlineCount, ov.ErrorCount, ov.RunningCount, ov.IdleCount, ov.TodayJobsDone, ov.TodayWorkUnitsTotal, ov.StuckJobsCount})
			tw.Render()
			return nil
		},
	}
	return cmd
}

func rollupCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Run the daily rollup on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			summaries, err := client().RunRollup(cmd.Context(), date)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(summaries)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Date", "Robot", "Jobs Done", "Units", "Uptime Min", "Errors"})
			for _, s := range summaries {
				tw.AppendRow(table.Row{s.Date, s.RobotID, s.JobsDone, s.WorkUnitsTotal, s.UptimeMinutes, s.ErrorCount})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "date YYYY-MM-DD (defaults to yesterday UTC)")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage fleetwatch.yml"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(config.Path(viper.GetString("workspace")))
			if err != nil {
				return err
			}
			fmt.Printf("config ok: addr=%s base_path=%s\n", cfg.Server.Addr, cfg.Server.BasePath)
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.DefaultTemplate()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	return cfgCmd
}

func client() *fleetwatchsdk.Client {
	c := fleetwatchsdk.New(viper.GetString("server"))
	c.APIKey = viper.GetString("api-key")
	return c
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
