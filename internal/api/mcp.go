package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/lookcast/internal/metrics"
	"github.com/kalambet/lookcast/internal/storage"
)

// NewMCPServer creates an MCP server exposing the operator tools.
func NewMCPServer(deps AppDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"lookcast",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("lookcast: photo styling job pipeline with a crawled product catalog."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("start_crawl",
			mcp.WithDescription("Start a catalog crawl job in full or incremental mode."),
			mcp.WithString("mode", mcp.Description("Crawl mode: full or incremental (default incremental)")),
			mcp.WithNumber("limit_per_category", mcp.Description("Max products to keep per category (default from config)")),
		),
		mcpStartCrawl(deps),
	)

	s.AddTool(
		mcp.NewTool("get_crawl_job",
			mcp.WithDescription("Fetch the status and counters of a crawl job."),
			mcp.WithString("crawl_job_id", mcp.Description("Crawl job identifier"), mcp.Required()),
		),
		mcpGetCrawlJob(deps),
	)

	s.AddTool(
		mcp.NewTool("rebuild_index",
			mcp.WithDescription("Rebuild the in-memory matching index from the persisted catalog."),
		),
		mcpRebuildIndex(deps),
	)

	s.AddTool(
		mcp.NewTool("catalog_stats",
			mcp.WithDescription("Report catalog size, per-category counts, index version, and last crawl time."),
		),
		mcpCatalogStats(deps),
	)

	s.AddTool(
		mcp.NewTool("get_job",
			mcp.WithDescription("Fetch the full state of a styling job, including selected items."),
			mcp.WithString("job_id", mcp.Description("Styling job identifier"), mcp.Required()),
		),
		mcpGetJob(deps),
	)

	s.AddTool(
		mcp.NewTool("get_metrics",
			mcp.WithDescription("Report lifetime job counters and average processing time."),
		),
		mcpGetMetrics(deps),
	)

	s.AddTool(
		mcp.NewTool("list_history",
			mcp.WithDescription("List the most recent styling jobs, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of jobs (default 20)")),
		),
		mcpListHistory(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"catalog://stats",
			"Catalog Stats",
			mcp.WithResourceDescription("Current catalog and index statistics as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCatalogStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"jobs://recent",
			"Recent Jobs",
			mcp.WithResourceDescription("Last 10 styling jobs, newest first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentJobs(deps),
	)

	return s
}

func mcpResourceCatalogStats(deps AppDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := deps.Catalog.Stats()
		if err != nil {
			return nil, fmt.Errorf("failed to read stats: %w", err)
		}

		b, err := json.Marshal(stats)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceRecentJobs(deps AppDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jobs, err := deps.Store.ListRecentJobs(10)
		if err != nil {
			return nil, fmt.Errorf("failed to list recent jobs: %w", err)
		}

		b, err := json.Marshal(metrics.HistoryFromJobs(jobs))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal jobs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpStartCrawl(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		mode := req.GetString("mode", storage.CrawlModeIncremental)
		limit := req.GetInt("limit_per_category", deps.CrawlLimit)

		job, err := deps.Catalog.StartCrawl(limit, mode)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to start crawl: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Started %s crawl %s", job.Mode, job.ID)), nil
	}
}

func mcpGetCrawlJob(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("crawl_job_id")
		if err != nil {
			return mcpError("crawl_job_id is required"), nil
		}

		job, err := deps.Catalog.GetCrawlJob(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get crawl job: %v", err)), nil
		}

		b, err := json.Marshal(crawlJobProjection(job))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal crawl job: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpRebuildIndex(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		total, indexed, err := deps.Catalog.RebuildIndex()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to rebuild index: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Rebuilt index: %d of %d products indexed", indexed, total)), nil
	}
}

func mcpCatalogStats(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Catalog.Stats()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read stats: %v", err)), nil
		}

		b, err := json.Marshal(stats)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpGetJob(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}

		job, err := deps.Jobs.Get(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get job: %v", err)), nil
		}

		view, err := jobProjection(job)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to project job: %v", err)), nil
		}

		b, err := json.Marshal(view)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpGetMetrics(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.Ledger.Snapshot())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal metrics: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpListHistory(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", defaultHistoryLimit)
		if limit <= 0 {
			limit = defaultHistoryLimit
		}
		if limit > 100 {
			limit = 100
		}

		jobs, err := deps.Store.ListRecentJobs(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list history: %v", err)), nil
		}

		b, err := json.Marshal(metrics.HistoryFromJobs(jobs))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal history: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
