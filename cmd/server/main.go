// Package main runs the Kiro Claude proxy: an Anthropic-compatible API
// served from a pool of rotating Kiro credentials.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kirocommunity/kiro-claude-proxy/internal/admin"
	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/kiro"
	"github.com/kirocommunity/kiro-claude-proxy/internal/pool"
	"github.com/kirocommunity/kiro-claude-proxy/internal/server"
	"github.com/kirocommunity/kiro-claude-proxy/internal/stats"
	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
)

func main() {
	var (
		port       int
		host       string
		debug      bool
		configPath string
	)
	flag.IntVar(&port, "port", 0, "Server port (default: 8990)")
	flag.StringVar(&host, "host", "", "Bind address (default: 0.0.0.0)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.StringVar(&configPath, "config", "", "Config file path (default: <app dir>/config.json)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		utils.Error("[Startup] %v", err)
		os.Exit(1)
	}

	// Flags override both the file and the environment.
	if port != 0 {
		cfg.Port = port
	}
	if host != "" {
		cfg.Host = host
	}
	if debug {
		cfg.Debug = true
		cfg.LogLevel = "debug"
	}
	utils.SetLevel(cfg.LogLevel)

	// No client timeout: streaming responses stay open for as long as the
	// model keeps talking. Per-request deadlines come from the caller.
	client, err := utils.NewHTTPClient(cfg.ProxyURL, 0, false)
	if err != nil {
		utils.Error("[Startup] %v", err)
		os.Exit(1)
	}

	clock := clockwork.NewRealClock()
	credStore := pool.NewStore(config.CredentialsPath())
	p, err := pool.NewManager(cfg, credStore, client, clock)
	if err != nil {
		utils.Error("[Startup] %v", err)
		os.Exit(1)
	}

	engine := kiro.NewEngine(p, client, cfg)
	st := stats.Open(cfg, clock)
	adminSvc := admin.NewService(cfg, p, engine, st)
	srv := server.New(cfg, p, engine, st, adminSvc)

	// Background loops share one context cancelled at shutdown.
	bg, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	go func() {
		if err := config.Watch(bg, cfg); err != nil {
			utils.Warn("[Startup] config watcher unavailable: %v", err)
		}
	}()

	refresher, err := pool.NewRefresher(p, pool.DefaultRefreshConfig())
	if err != nil {
		utils.Error("[Startup] %v", err)
		os.Exit(1)
	}
	go refresher.Run(bg)

	go p.InitializeBalances(bg, func(ctx context.Context, cc *pool.CallContext) (float64, error) {
		limits, err := kiro.GetUsageLimits(ctx, client, cfg, cc)
		if err != nil {
			return 0, err
		}
		return limits.Remaining(), nil
	})

	go cleanupLoop(bg, p, clock)

	printBanner(cfg, p)

	go func() {
		utils.Info("[Server] listening on %s:%d", cfg.Host, cfg.Port)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			utils.Error("[Server] failed to start: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	utils.Info("[Server] received %s, shutting down", sig)

	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		utils.Error("[Server] forced shutdown: %v", err)
	}
	if err := st.Close(); err != nil {
		utils.Warn("[Server] closing stats store: %v", err)
	}
	utils.Success("Server stopped")
}

// cleanupLoop drops expired cooldowns and affinity bindings once a minute
// so idle pools do not accumulate stale runtime state.
func cleanupLoop(ctx context.Context, p *pool.Manager, clock clockwork.Clock) {
	ticker := clock.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.CleanupExpired()
		}
	}
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config, p *pool.Manager) {
	// Clear console
	fmt.Print("\033[H\033[2J")

	enabled, total := p.Counts()

	displayHost := cfg.Host
	if displayHost == "0.0.0.0" {
		displayHost = "localhost"
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "(none, auth disabled)"
	}

	statusLines := []string{
		fmt.Sprintf("    ✓ Credentials: %d enabled / %d total", enabled, total),
		fmt.Sprintf("    ✓ Load balancing: %s", p.Mode()),
		fmt.Sprintf("    ✓ Region: %s", cfg.Region),
	}
	if cfg.Debug {
		statusLines = append(statusLines, "    ✓ Debug logging enabled")
	}

	fmt.Println(`
╔══════════════════════════════════════════════════════════════╗
║                Kiro Claude Proxy Server v` + config.Version + `                ║
╠══════════════════════════════════════════════════════════════╣
║                                                              ║`)
	fmt.Printf("║  Anthropic API at: http://%s:%-27d ║\n", displayHost, cfg.Port)
	fmt.Printf("║  Bound to: %s:%-42d ║\n", cfg.Host, cfg.Port)
	fmt.Println("║                                                              ║")
	fmt.Println("║  Status:                                                     ║")
	for _, line := range statusLines {
		fmt.Printf("║  %-60s ║\n", line)
	}
	fmt.Println("║                                                              ║")
	fmt.Println("║  Endpoints:                                                  ║")
	fmt.Println("║    POST /v1/messages              - Anthropic Messages API   ║")
	fmt.Println("║    POST /v1/messages/count_tokens - Local token estimate     ║")
	fmt.Println("║    GET  /v1/models                - List available models    ║")
	fmt.Println("║    POST /mcp                      - MCP passthrough          ║")
	fmt.Println("║    GET  /health                   - Health check             ║")
	fmt.Println("║    /api/admin/*                   - Credential management    ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Configuration:                                              ║")
	fmt.Printf("║    Storage: %-50s ║\n", config.AppDir())
	fmt.Println("║                                                              ║")
	fmt.Println("║  Usage with Claude Code:                                     ║")
	fmt.Printf("║    export ANTHROPIC_BASE_URL=http://localhost:%-15d ║\n", cfg.Port)
	fmt.Printf("║    export ANTHROPIC_API_KEY=%-33s ║\n", apiKey)
	fmt.Println("║    claude                                                    ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Manage credentials:                                         ║")
	fmt.Println("║    kiro-accounts list                                        ║")
	fmt.Println("║    kiro-accounts import <token.json> --apply                 ║")
	fmt.Println("║                                                              ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
}
