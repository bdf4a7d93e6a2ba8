package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cognitionflow/orchestrator/internal/cleanup"
	"github.com/cognitionflow/orchestrator/internal/config"
	"github.com/cognitionflow/orchestrator/internal/domain"
	"github.com/cognitionflow/orchestrator/internal/history"
	"github.com/cognitionflow/orchestrator/internal/llm"
	"github.com/cognitionflow/orchestrator/internal/notify"
	"github.com/cognitionflow/orchestrator/internal/observer"
	"github.com/cognitionflow/orchestrator/internal/orchestrator"
	"github.com/cognitionflow/orchestrator/internal/stream"
	"github.com/cognitionflow/orchestrator/internal/templates"
	"github.com/cognitionflow/orchestrator/web/api"
)

var (
	servePort    int
	runTemplate  string
	runModel     string
	runMode      string
	runFormat    string
	runMaxIter   int
	runTemp      float32
	historyLimit int
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)

	runCmd := &cobra.Command{
		Use:   "run [TASK PROMPT]",
		Short: "Execute one run and stream its progress",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runOnce,
	}
	runCmd.Flags().StringVar(&runTemplate, "template", "", "task template id")
	runCmd.Flags().StringVar(&runModel, "model", "", "model id (defaults to config)")
	runCmd.Flags().StringVar(&runMode, "mode", "", "agent mode: standard, detailed, concise")
	runCmd.Flags().StringVar(&runFormat, "format", "", "output format hint")
	runCmd.Flags().IntVar(&runMaxIter, "max-iterations", 0, "review loop ceiling (defaults to config)")
	runCmd.Flags().Float32Var(&runTemp, "temperature", -1, "sampling temperature")
	rootCmd.AddCommand(runCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs",
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum records to show")
	rootCmd.AddCommand(historyCmd)

	metricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show aggregate run metrics",
		RunE:  runMetrics,
	}
	rootCmd.AddCommand(metricsCmd)

	optionsCmd := &cobra.Command{
		Use:   "options",
		Short: "List templates, models, modes and formats",
		RunE:  runOptions,
	}
	rootCmd.AddCommand(optionsCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// assemble builds the orchestrator and its collaborators from config.
func assemble(cfg *config.Config, withWatcher bool) (*orchestrator.Orchestrator, *templates.Catalog, func(), error) {
	catalog, err := templates.Default()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading catalog: %w", err)
	}

	apiKey := cfg.APIKey()
	if apiKey == "" {
		return nil, nil, nil, fmt.Errorf("no API key: set %s", cfg.LLM.APIKeyEnv)
	}
	client, err := llm.NewFromConfig(apiKey, cfg.LLM.BaseURL,
		time.Duration(cfg.LLM.RequestTimeoutSec)*time.Second, cfg.LLM.MaxRetries)
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := history.New(cfg.Runs.DatabasePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening history database: %w", err)
	}

	var watcher *observer.WorkspaceWatcher
	if withWatcher {
		watcher, err = observer.NewWorkspaceWatcher()
		if err != nil {
			log.Printf("[main] artifact preview unavailable: %v", err)
		} else {
			watcher.Start(context.Background())
		}
	}

	orch := orchestrator.New(orchestrator.Options{
		Config:   cfg,
		Catalog:  catalog,
		LLM:      client,
		Broker:   stream.NewBroker(cfg.Runs.StreamBufferSize, cfg.Runs.SubscriberQueue),
		Store:    store,
		Watcher:  watcher,
		Notifier: notify.FromConfig(cfg.Notifications.Desktop, cfg.Notifications.SlackWebhook),
	})

	teardown := func() {
		if watcher != nil {
			watcher.Stop()
		}
		store.Close()
	}
	return orch, catalog, teardown, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	orch, catalog, teardown, err := assemble(cfg, true)
	if err != nil {
		return err
	}
	defer teardown()

	janitor := cleanup.New(cfg.Runs.WorkspaceDir,
		time.Duration(cfg.Cleanup.RetentionHrs)*time.Hour, orch.IsActive, orch.EvictRun)
	if err := janitor.Start(cfg.Cleanup.Cron); err != nil {
		return fmt.Errorf("starting workspace janitor: %w", err)
	}
	defer janitor.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := api.NewServer(orch, catalog, addr)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	fmt.Printf("CognitionFlow API listening on http://%s\n", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
	}

	fmt.Println("\nShutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := orch.Shutdown(ctx); err != nil {
		log.Printf("[main] draining runs: %v", err)
	}
	return server.Shutdown(ctx)
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	orch, _, teardown, err := assemble(cfg, false)
	if err != nil {
		return err
	}
	defer teardown()

	req := orchestrator.CreateRequest{
		TemplateID:    runTemplate,
		Model:         runModel,
		AgentMode:     domain.AgentMode(runMode),
		OutputFormat:  domain.OutputFormat(runFormat),
		MaxIterations: runMaxIter,
	}
	if len(args) > 0 {
		req.TaskPrompt = args[0]
	}
	if runTemp >= 0 {
		req.Temperature = &runTemp
	}

	view, err := orch.CreateRun(req)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s started (workspace: %s)\n\n", view.ID, view.Workspace)

	feed, cancelFeed, err := orch.Subscribe(view.ID)
	if err != nil {
		return err
	}
	defer cancelFeed()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nCancelling run...")
		orch.CancelRun(view.ID)
	}()

	for msg := range feed {
		switch msg.Type {
		case domain.MessagePhaseChange:
			fmt.Printf("--- %s ---\n", msg.Content)
		case domain.MessageDone:
			fmt.Printf("\n=== %s ===\n", msg.Content)
		default:
			fmt.Printf("[%s] %s\n", msg.Role, msg.Content)
		}
	}

	final, err := orch.GetRun(view.ID)
	if err != nil {
		return err
	}
	if len(final.Artifacts) > 0 {
		fmt.Println("\nArtifacts:")
		for _, a := range final.Artifacts {
			fmt.Printf("  %s (%s, %s)\n", a.Filename, a.Kind, humanize.Bytes(uint64(a.Size)))
		}
	}
	if final.Status != domain.RunCompleted {
		return fmt.Errorf("run %s: %s", final.Status, final.Reason)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := history.New(cfg.Runs.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(historyLimit, 0)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No runs recorded yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTASK\tMODEL\tSTATUS\tITER\tARTIFACTS\tDURATION\tWHEN")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID[:8], r.Task, r.Model, r.Status, r.Iterations, r.ArtifactCount,
			(time.Duration(r.DurationMS) * time.Millisecond).Round(time.Second),
			humanize.Time(r.CreatedAt))
	}
	return w.Flush()
}

func runMetrics(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := history.New(cfg.Runs.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	m, err := store.Aggregate()
	if err != nil {
		return err
	}

	fmt.Printf("Total runs:    %d\n", m.TotalRuns)
	fmt.Printf("Completed:     %d\n", m.Completed)
	fmt.Printf("Failed:        %d\n", m.Failed)
	fmt.Printf("Cancelled:     %d\n", m.Cancelled)
	fmt.Printf("Success rate:  %.1f%%\n", m.SuccessRate)
	fmt.Printf("Avg duration:  %s\n", (time.Duration(m.AvgDurationMS) * time.Millisecond).Round(time.Second))
	return nil
}

func runOptions(cmd *cobra.Command, args []string) error {
	catalog, err := templates.Default()
	if err != nil {
		return err
	}

	fmt.Println("Templates:")
	for _, t := range catalog.Templates() {
		fmt.Printf("  %-16s %s\n", t.ID, t.Description)
	}
	fmt.Println("\nModels:")
	for _, m := range catalog.Models() {
		fmt.Printf("  %-28s %s\n", m.ID, m.Name)
	}
	fmt.Println("\nAgent modes:")
	for _, m := range catalog.Modes() {
		fmt.Printf("  %-16s %s\n", m.ID, m.Description)
	}
	fmt.Println("\nOutput formats:")
	for _, f := range catalog.Formats() {
		fmt.Printf("  %-16s %s\n", f.ID, f.Description)
	}
	return nil
}
