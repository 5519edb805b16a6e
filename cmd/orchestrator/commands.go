package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/config"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/controller"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/domain"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/notify"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/reconciler"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/registry"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/runnerpool"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/scheduler"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/watchdog"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/workspace"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/web/api"
)

var (
	runInstances  int
	abortReason   string
	signalRun     string
	signalInst    int
	signalStage   string
	signalToken   string
	signalBranch  string
	signalWS      string
	signalFailed  bool
	signalReason  string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator server",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	runCmd := &cobra.Command{
		Use:   "run TASK",
		Short: "Submit a task as a new run",
		Args:  cobra.ExactArgs(1),
		RunE:  runCreate,
	}
	runCmd.Flags().IntVar(&runInstances, "instances", 3, "number of parallel instances")
	rootCmd.AddCommand(runCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "List runs",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	showCmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run and its instances",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	rootCmd.AddCommand(showCmd)

	abortCmd := &cobra.Command{
		Use:   "abort RUN_ID",
		Short: "Abort a run, cancelling its jobs and failing open instances",
		Args:  cobra.ExactArgs(1),
		RunE:  runAbort,
	}
	abortCmd.Flags().StringVar(&abortReason, "reason", "", "abort reason")
	rootCmd.AddCommand(abortCmd)

	archiveCmd := &cobra.Command{
		Use:   "archive RUN_ID",
		Short: "Archive a finished run and reclaim its workspaces",
		Args:  cobra.ExactArgs(1),
		RunE:  runArchive,
	}
	rootCmd.AddCommand(archiveCmd)

	signalCmd := &cobra.Command{
		Use:   "signal",
		Short: "Send a stage completion signal",
		Long: `Sends a stage signal to the orchestrator. Stage scripts call this
with the values exported in their environment (RUN_ID, INSTANCE_ID,
STAGE, BRANCH, WORKSPACE_PATH, SIGNAL_TOKEN).`,
		RunE: runSignal,
	}
	signalCmd.Flags().StringVar(&signalRun, "run", os.Getenv("RUN_ID"), "run ID")
	signalCmd.Flags().IntVar(&signalInst, "instance", envInt("INSTANCE_ID"), "instance ID")
	signalCmd.Flags().StringVar(&signalStage, "stage", os.Getenv("STAGE"), "stage name")
	signalCmd.Flags().StringVar(&signalToken, "token", os.Getenv("SIGNAL_TOKEN"), "single-use signal token")
	signalCmd.Flags().StringVar(&signalBranch, "branch", os.Getenv("BRANCH"), "instance branch")
	signalCmd.Flags().StringVar(&signalWS, "workspace", os.Getenv("WORKSPACE_PATH"), "workspace path")
	signalCmd.Flags().BoolVar(&signalFailed, "failed", false, "report stage failure instead of completion")
	signalCmd.Flags().StringVar(&signalReason, "reason", "", "failure reason")
	rootCmd.AddCommand(signalCmd)

	poolCmd := &cobra.Command{
		Use:   "pool",
		Short: "Show connected runners and the job queue",
		RunE:  runPool,
	}
	rootCmd.AddCommand(poolCmd)
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

	for _, dir := range []string{cfg.General.DataDir, filepath.Dir(cfg.General.DatabasePath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	store, err := registry.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer store.Close()

	workspaces := workspace.NewManager(cfg.General.DataDir)

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	orchestratorURL := "http://" + addr

	poolRegistry := runnerpool.NewRegistry()
	embedded := runnerpool.NewEmbeddedRunner(runnerpool.EmbeddedConfig{
		StageCommand:    cfg.Pipeline.StageCommand,
		OrchestratorURL: orchestratorURL,
		MaxJobs:         cfg.Pool.EmbeddedMaxJobs,
	})
	dispatcher := runnerpool.NewDispatcher(poolRegistry, embedded.Run)
	coordinator := runnerpool.NewCoordinator(runnerpool.CoordinatorConfig{
		HeartbeatInterval: time.Duration(cfg.Pool.HeartbeatIntervalSeconds) * time.Second,
		HeartbeatTimeout:  time.Duration(cfg.Pool.HeartbeatTimeoutSeconds) * time.Second,
	}, poolRegistry, dispatcher)

	sched := scheduler.New(store, coordinator, scheduler.Config{
		JobTTLSeconds:       cfg.Pipeline.JobTTLSeconds,
		StageTimeoutSeconds: cfg.Pipeline.StageTimeoutSeconds,
	})

	notifiers := []notify.Notifier{notify.NewDesktopNotifier(cfg.Notifications.Desktop)}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}

	ctrl := controller.New(store, workspaces, sched, reconciler.New(workspaces), notify.NewMultiNotifier(notifiers...), nil)
	dispatcher.SetResultFunc(ctrl.HandleJobResult)

	server := api.NewServer(ctrl, coordinator, addr)
	ctrl.SetEventSink(server)

	dog := watchdog.New(store, coordinator, ctrl, watchdog.Config{
		Schedule:      cfg.Watchdog.Schedule,
		StageDeadline: time.Duration(cfg.Watchdog.StageDeadlineSeconds) * time.Second,
	})
	if err := dog.Start(); err != nil {
		return err
	}
	defer dog.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coordinator.RunHeartbeats(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down")
		dog.Stop()
		cancel()
		os.Exit(0)
	}()

	log.Printf("orchestrator listening on http://%s", addr)
	return server.Start()
}

// apiBase resolves the API base URL from the --server flag or config
func apiBase() (string, error) {
	if serverAddr != "" {
		return serverAddr, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%d", cfg.Web.Host, cfg.Web.Port), nil
}

func apiCall(method, path string, body, out interface{}) error {
	base, err := apiBase()
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, base+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling orchestrator at %s: %w", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s (%s)", apiErr.Message, apiErr.Error)
		}
		return fmt.Errorf("orchestrator returned %s", resp.Status)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	var resp api.RunDetailResponse
	err := apiCall("POST", "/api/runs", api.CreateRunRequest{
		Task:          args[0],
		InstanceCount: runInstances,
	}, &resp)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s started with %d instances\n", resp.ID, resp.InstanceCount)
	for _, inst := range resp.Instances {
		fmt.Printf("  instance %d on branch %s\n", inst.InstanceID, inst.Branch)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	var runs []api.RunResponse
	if err := apiCall("GET", "/api/runs", nil, &runs); err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tINSTANCES\tAGE\tTASK")
	for _, run := range runs {
		created, _ := time.Parse(time.RFC3339, run.CreatedAt)
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			run.ID, run.Status, run.InstanceCount, humanize.Time(created), truncate(run.Task, 60))
	}
	w.Flush()
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	var resp api.RunDetailResponse
	if err := apiCall("GET", "/api/runs/"+args[0], nil, &resp); err != nil {
		return err
	}

	fmt.Printf("Run %s (%s)\n", resp.ID, resp.Status)
	fmt.Printf("Task: %s\n\n", resp.Task)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tBRANCH\tSTATE\tRESULT\tDETAIL")
	for _, inst := range resp.Instances {
		detail := inst.FailureReason
		if len(inst.ConflictPaths) > 0 {
			detail = fmt.Sprintf("conflicts: %v", inst.ConflictPaths)
		}
		result := inst.Result
		if result == "" {
			result = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			inst.InstanceID, inst.Branch, inst.State, result, truncate(detail, 60))
	}
	w.Flush()
	return nil
}

func runAbort(cmd *cobra.Command, args []string) error {
	err := apiCall("POST", "/api/runs/"+args[0]+"/abort", api.AbortRunRequest{Reason: abortReason}, nil)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s aborted\n", args[0])
	return nil
}

func runArchive(cmd *cobra.Command, args []string) error {
	if err := apiCall("POST", "/api/runs/"+args[0]+"/archive", nil, nil); err != nil {
		return err
	}
	fmt.Printf("Run %s archived\n", args[0])
	return nil
}

func runSignal(cmd *cobra.Command, args []string) error {
	if signalRun == "" || signalToken == "" {
		return fmt.Errorf("--run and --token are required (or RUN_ID and SIGNAL_TOKEN in the environment)")
	}

	var outcome domain.SignalOutcome
	err := apiCall("POST", "/api/signal", &domain.StageSignal{
		RunID:         signalRun,
		InstanceID:    signalInst,
		Stage:         domain.Stage(signalStage),
		Token:         signalToken,
		Branch:        signalBranch,
		WorkspacePath: signalWS,
		Failed:        signalFailed,
		Reason:        signalReason,
	}, &outcome)
	if err != nil {
		return err
	}

	fmt.Printf("Signal accepted: instance now %s\n", outcome.NewState)
	return nil
}

func runPool(cmd *cobra.Command, args []string) error {
	var status runnerpool.PoolStatus
	if err := apiCall("GET", "/api/pool", nil, &status); err != nil {
		return err
	}

	fmt.Printf("Queued jobs: %d\n", status.QueuedJobs)
	if len(status.Runners) == 0 {
		fmt.Println("No runners connected (jobs run on the embedded runner)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUNNER\tACTIVE\tMAX\tCONNECTED")
	for _, r := range status.Runners {
		connected, _ := time.Parse(time.RFC3339, r.ConnectedSince)
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", r.ID, r.ActiveJobs, r.MaxJobs, humanize.Time(connected))
	}
	w.Flush()
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func envInt(key string) int {
	var n int
	fmt.Sscanf(os.Getenv(key), "%d", &n)
	return n
}
