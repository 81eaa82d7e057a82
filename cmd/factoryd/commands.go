package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-factory/internal/autofix"
	"github.com/hochfrequenz/agent-factory/internal/config"
	"github.com/hochfrequenz/agent-factory/internal/domain"
	"github.com/hochfrequenz/agent-factory/internal/events"
	"github.com/hochfrequenz/agent-factory/internal/factory"
	"github.com/hochfrequenz/agent-factory/internal/notify"
	"github.com/hochfrequenz/agent-factory/internal/profiles"
	"github.com/hochfrequenz/agent-factory/internal/runner"
	"github.com/hochfrequenz/agent-factory/internal/store"
	"github.com/hochfrequenz/agent-factory/internal/workspace"
	"github.com/hochfrequenz/agent-factory/web/api"
)

var (
	servePort  int
	gcMinAge   int
	gcLimit    int
	listStatus string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the factory daemon",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)

	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Reclaim leftover attempt workspaces",
		RunE:  runGC,
	}
	gcCmd.Flags().IntVar(&gcMinAge, "min-age", 0, "minimum age in minutes (overrides config)")
	gcCmd.Flags().IntVar(&gcLimit, "limit", 0, "max workspaces per pass (overrides config)")
	rootCmd.AddCommand(gcCmd)

	addCmd := &cobra.Command{
		Use:   "add TITLE [DESCRIPTION]",
		Short: "Add a task to the backlog",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runAdd,
	}
	rootCmd.AddCommand(addCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	rootCmd.AddCommand(listCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.General.WorkspaceDir, 0755); err != nil {
		return fmt.Errorf("creating workspace dir: %w", err)
	}

	st, err := store.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	projectID := cfg.General.ProjectID
	hub := events.NewHub()
	ws := workspace.NewManager(cfg.General.ProjectRoot, cfg.General.WorkspaceDir,
		cfg.General.BaseBranch, cfg.General.BranchPrefix)

	catalog := profiles.NewCatalog(cfg.General.ProfilesPath, profiles.Profile{
		ID:      "default",
		Command: cfg.Agent.Command,
		Args:    cfg.Agent.Args,
	})
	if err := catalog.Load(); err != nil {
		return fmt.Errorf("loading agent profiles: %w", err)
	}
	if err := catalog.Watch(ctx); err != nil {
		log.Printf("[serve] profile watcher unavailable: %v", err)
	}

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.Notifications.SlackWebhook != "" {
		notifier = notify.NewMultiNotifier(notify.LogNotifier{},
			notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}

	run := runner.New(st, ws, hub, catalog, cfg.Agent.GracePeriod())
	registry := factory.NewRegistry()
	scheduler := factory.NewScheduler(st, run, hub, ws, registry, factory.AllowAll(), notifier)

	// Rebuild from persisted state: orphaned attempts are reconciled and an
	// interrupted run resumes from its queued attempts before new work starts
	if err := scheduler.RecoverPending(ctx, projectID); err != nil {
		return fmt.Errorf("recovering pending attempts: %w", err)
	}

	autopilot := factory.NewAutopilot(st, scheduler, cfg.Autopilot.BatchSize)
	if err := autopilot.Restore(projectID); err != nil {
		return fmt.Errorf("restoring autopilot session: %w", err)
	}

	collector := factory.NewCollector(st, ws)
	cronRunner := cron.New()
	_, err = cronRunner.AddFunc(cfg.GC.Cron, func() {
		if _, err := collector.Sweep(factory.SweepOptions{
			MinAge: time.Duration(cfg.GC.MinAgeMinutes) * time.Minute,
			Limit:  cfg.GC.Limit,
		}); err != nil {
			log.Printf("[serve] gc sweep: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling gc (%q): %w", cfg.GC.Cron, err)
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	summarizer := events.NewSummarizer(hub, summarySnapshot(st, projectID), 5*time.Second)
	go summarizer.Run(ctx)

	fixer := autofix.NewFixer(st, scheduler, cfg.General.ProjectRoot)

	port := servePort
	if port == 0 {
		port = cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)
	server := api.NewServer(st, scheduler, autopilot, fixer, hub, projectID, addr)

	log.Printf("[serve] factory listening on http://%s (project %s)", addr, projectID)
	return server.Start()
}

// summarySnapshot builds the SummaryFunc the summarizer polls
func summarySnapshot(st *store.Store, projectID string) events.SummaryFunc {
	return func() events.Summary {
		summary := events.Summary{ProjectID: projectID}

		counts, err := st.AttemptStatusCounts(projectID)
		if err != nil {
			log.Printf("[serve] summary snapshot: %v", err)
			return summary
		}
		summary.Queued = counts[domain.AttemptQueued] + counts[domain.AttemptPending]
		summary.Running = counts[domain.AttemptRunning]
		summary.Completed = counts[domain.AttemptCompleted]
		summary.Failed = counts[domain.AttemptFailed]
		summary.Stopped = counts[domain.AttemptStopped]

		if run, err := st.ActiveRun(projectID); err == nil && run != nil {
			summary.RunID = run.ID
		}
		return summary
	}
}

func runGC(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	minAge := cfg.GC.MinAgeMinutes
	if gcMinAge > 0 {
		minAge = gcMinAge
	}
	limit := cfg.GC.Limit
	if gcLimit > 0 {
		limit = gcLimit
	}

	ws := workspace.NewManager(cfg.General.ProjectRoot, cfg.General.WorkspaceDir,
		cfg.General.BaseBranch, cfg.General.BranchPrefix)
	report, err := factory.NewCollector(st, ws).Sweep(factory.SweepOptions{
		MinAge: time.Duration(minAge) * time.Minute,
		Limit:  limit,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Checked %d, cleaned %d, failed %d\n", report.Checked, report.Cleaned, report.Failed)
	for id, reason := range report.Reasons {
		fmt.Printf("  %s: %s\n", id, reason)
	}
	return nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	description := ""
	if len(args) > 1 {
		description = args[1]
	}

	now := time.Now()
	task := &domain.Task{
		ID:          uuid.NewString(),
		ProjectID:   cfg.General.ProjectID,
		Title:       args[0],
		Description: description,
		Status:      domain.TaskTodo,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := st.UpsertTask(task); err != nil {
		return err
	}

	fmt.Printf("Added task %s: %s\n", task.ID, task.Title)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	tasks, err := st.ListTasks(cfg.General.ProjectID, domain.TaskStatus(listStatus))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Title, t.Status)
	}
	return w.Flush()
}
