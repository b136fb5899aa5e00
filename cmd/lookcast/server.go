package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/lookcast/internal/api"
	"github.com/kalambet/lookcast/internal/catalog"
	"github.com/kalambet/lookcast/internal/config"
	"github.com/kalambet/lookcast/internal/matching"
	"github.com/kalambet/lookcast/internal/metrics"
	"github.com/kalambet/lookcast/internal/pipeline"
	"github.com/kalambet/lookcast/internal/render"
	"github.com/kalambet/lookcast/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the lookcast server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running lookcast server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lookcast system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "lookcast.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(cfg config.LogConfig) {
	level := slog.LevelInfo
	if strings.EqualFold(cfg.Level, "debug") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "lookcast version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	setupLogging(cfg.Log)

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("lookcast is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("lookcast is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	fetchTimeout, err := time.ParseDuration(cfg.Catalog.FetchTimeout)
	if err != nil {
		slog.Warn("invalid fetch timeout, using default 10s", "value", cfg.Catalog.FetchTimeout, "error", err)
		fetchTimeout = 10 * time.Second
	}
	renderTimeout, err := time.ParseDuration(cfg.Pipeline.RenderTimeout)
	if err != nil {
		slog.Warn("invalid render timeout, using default 30s", "value", cfg.Pipeline.RenderTimeout, "error", err)
		renderTimeout = 30 * time.Second
	}

	// Build catalog service and load the matching index from the
	// persisted catalog.
	crawler := catalog.NewCrawler(&http.Client{Timeout: fetchTimeout}, catalog.DefaultSources())
	catalogSvc := catalog.NewService(store, crawler, fetchTimeout)
	total, indexed, err := catalogSvc.RebuildIndex()
	if err != nil {
		return fmt.Errorf("building catalog index: %w", err)
	}
	slog.Info("catalog index loaded", "total", total, "indexed", indexed)

	// Rebuild lifetime metrics from the jobs table.
	ledger := metrics.NewLedger()
	totals, err := store.JobTotals()
	if err != nil {
		return fmt.Errorf("reading job totals: %w", err)
	}
	ledger.Restore(totals)

	// Build the job pipeline.
	engine := matching.NewEngine(catalogSvc, cfg.Matching.MinSimilarity)
	renderer := &render.LocalRenderer{
		AssetDir: cfg.Storage.AssetDir,
		BaseURL:  cfg.Server.PublicBaseURL,
	}
	jobs := pipeline.NewService(store, engine, renderer, nil, ledger, pipeline.Options{
		MaxAttempts:     cfg.Pipeline.MaxAttempts,
		RenderTimeout:   renderTimeout,
		PublishRequired: cfg.Pipeline.PublishRequired,
		BaseURL:         cfg.Server.PublicBaseURL,
		AssetDir:        cfg.Storage.AssetDir,
	})

	deps := api.AppDeps{
		Jobs:    jobs,
		Catalog: catalogSvc,
		Store:   store,
		Ledger:  ledger,
		Token:   cfg.Server.APIToken,
		BootAt:  time.Now().UTC(),

		CrawlLimit: cfg.Catalog.LimitPerCategory,
	}

	// Compose top-level router: API routes + rendered asset files.
	topRouter := chi.NewRouter()
	topRouter.Mount("/", api.NewAppHandler(deps))
	topRouter.Handle("/assets/*", http.StripPrefix("/assets/", http.FileServer(http.Dir(cfg.Storage.AssetDir))))

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: topRouter,
	}

	// Build and start MCP server (streamable HTTP transport).
	mcpSrv := api.NewMCPServer(deps)
	httpMCP := server.NewStreamableHTTPServer(mcpSrv)
	mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
	go func() {
		if err := httpMCP.Start(mcpAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("MCP server error", "error", err)
		}
	}()
	slog.Info("MCP server started", "addr", mcpAddr)

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "lookcast listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpMCP.Shutdown(shutdownCtx); err != nil {
		slog.Warn("MCP server shutdown", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("lookcast is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop lookcast (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to lookcast (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/healthz")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Show catalog and metrics if server is running.
	if resp != nil && resp.StatusCode == 200 {
		c, err := newAPIClient()
		if err == nil {
			statsResp, err := c.get(context.Background(), "/v1/catalog/stats")
			if err == nil {
				var stats struct {
					TotalProducts int   `json:"total_products"`
					IndexVersion  int64 `json:"index_version"`
				}
				if decodeJSON(statsResp, &stats) == nil {
					printStatus("Catalog", "%d products (index v%d)", stats.TotalProducts, stats.IndexVersion)
				}
			}
			metricsResp, err := c.get(context.Background(), "/v1/metrics")
			if err == nil {
				var snap struct {
					TotalJobsCreated   int64 `json:"total_jobs_created"`
					TotalJobsCompleted int64 `json:"total_jobs_completed"`
				}
				if decodeJSON(metricsResp, &snap) == nil {
					printStatus("Jobs", "%d created, %d completed", snap.TotalJobsCreated, snap.TotalJobsCompleted)
				}
			}
		}
	}

	printStatus("MCP port", "%d", cfg.Server.MCPPort)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Asset dir", "%s", cfg.Storage.AssetDir)
	return nil
}
