package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/lookcast/internal/config"
)

// --- crawl ---

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Manage catalog crawl jobs",
}

var crawlStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a catalog crawl",
	Long: `Start a catalog crawl.

Examples:
  lookcast crawl start
  lookcast crawl start --mode full --limit 200`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{"mode": mode}
		if limit > 0 {
			body["limit_per_category"] = limit
		}
		resp, err := client.post(cmd.Context(), "/v1/catalog/crawl", body)
		if err != nil {
			return err
		}

		var result struct {
			CrawlJobID string `json:"crawl_job_id"`
			Status     string `json:"status"`
			Mode       string `json:"mode"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Started %s crawl %s", result.Mode, result.CrawlJobID)
		return nil
	},
}

var crawlStatusCmd = &cobra.Command{
	Use:   "status <crawl-job-id>",
	Short: "Show crawl job status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/catalog/crawl/"+args[0])
		if err != nil {
			return err
		}

		var job any
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

func init() {
	crawlStartCmd.Flags().String("mode", "incremental", "crawl mode: full or incremental")
	crawlStartCmd.Flags().Int("limit", 0, "max products per category (0 = server default)")
	crawlCmd.AddCommand(crawlStartCmd)
	crawlCmd.AddCommand(crawlStatusCmd)
}

// --- catalog ---

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect and rebuild the product catalog",
}

var catalogStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show catalog and index statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/catalog/stats")
		if err != nil {
			return err
		}

		var stats struct {
			TotalProducts        int            `json:"total_products"`
			TotalIndexedProducts int            `json:"total_indexed_products"`
			Categories           map[string]int `json:"categories"`
			IndexVersion         int64          `json:"index_version"`
			LastCrawlCompletedAt string         `json:"last_crawl_completed_at"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printStatus("Products", "%d (%d indexed)", stats.TotalProducts, stats.TotalIndexedProducts)
		printStatus("Index version", "v%d", stats.IndexVersion)
		for category, count := range stats.Categories {
			printStatus(category, "%d", count)
		}
		if stats.LastCrawlCompletedAt != "" {
			printStatus("Last crawl", "%s", stats.LastCrawlCompletedAt)
		}
		return nil
	},
}

var catalogReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the matching index from the persisted catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/catalog/reindex", nil)
		if err != nil {
			return err
		}

		var result struct {
			TotalProducts        int `json:"total_products"`
			TotalIndexedProducts int `json:"total_indexed_products"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Rebuilt index: %d of %d products indexed", result.TotalIndexedProducts, result.TotalProducts)
		return nil
	},
}

func init() {
	catalogCmd.AddCommand(catalogStatsCmd)
	catalogCmd.AddCommand(catalogReindexCmd)
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect styling jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent styling jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/v1/history?limit=%d", limit))
		if err != nil {
			return err
		}

		var history struct {
			Jobs []struct {
				JobID     string `json:"job_id"`
				Status    string `json:"status"`
				CreatedAt string `json:"created_at"`
			} `json:"jobs"`
		}
		if err := decodeJSON(resp, &history); err != nil {
			return err
		}

		if len(history.Jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}

		for _, job := range history.Jobs {
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, job.JobID[:8]),
				job.CreatedAt,
				job.Status,
			)
		}
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a single styling job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/jobs/"+args[0])
		if err != nil {
			return err
		}

		var job any
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Retry a failed styling job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/jobs/"+args[0]+"/retry", nil)
		if err != nil {
			return err
		}

		var result struct {
			JobID    string `json:"job_id"`
			Attempts int    `json:"attempts"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Started retry %s (attempt %d)", result.JobID, result.Attempts)
		return nil
	},
}

func init() {
	jobsListCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
}

// --- metrics ---

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show lifetime job metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/metrics")
		if err != nil {
			return err
		}

		var snap struct {
			TotalJobsCreated     int     `json:"total_jobs_created"`
			TotalJobsCompleted   int     `json:"total_jobs_completed"`
			TotalJobsFailed      int     `json:"total_jobs_failed"`
			TotalJobsRetried     int     `json:"total_jobs_retried"`
			TotalPublished       int     `json:"total_published"`
			AvgProcessingSeconds float64 `json:"avg_processing_seconds"`
		}
		if err := decodeJSON(resp, &snap); err != nil {
			return err
		}

		printStatus("Created", "%d", snap.TotalJobsCreated)
		printStatus("Completed", "%d", snap.TotalJobsCompleted)
		printStatus("Failed", "%d", snap.TotalJobsFailed)
		printStatus("Retried", "%d", snap.TotalJobsRetried)
		printStatus("Published", "%d", snap.TotalPublished)
		printStatus("Avg seconds", "%.2f", snap.AvgProcessingSeconds)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
