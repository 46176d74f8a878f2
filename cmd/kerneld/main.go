// Command kerneld runs a tool execution kernel as a standalone MCP
// server.
//
// It communicates over stdio or HTTP (selected by transport.mode in
// config) using JSON-RPC 2.0 per the Model Context Protocol, and
// registers the illustrative demo tool set (internal/demo) alongside
// whatever cache-control policies the config file declares.
//
// Optional environment variables:
//
//	TOOLKERNEL_CONFIG          - path to a toolkernel.toml config file
//	TOOLKERNEL_LOG_LEVEL       - debug, info, warn, error (default: info)
//	TOOLKERNEL_AUTH_HMAC_SECRET - HS256 secret, required if auth.enabled
//	ANTHROPIC_API_KEY          - enables model calls in the demo "assistant" tool
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/kernelmcp/toolkernel/internal/config"
	"github.com/kernelmcp/toolkernel/internal/demo"
	"github.com/kernelmcp/toolkernel/internal/kernel"
	"github.com/kernelmcp/toolkernel/internal/middleware"
	"github.com/kernelmcp/toolkernel/internal/observability"
	"github.com/kernelmcp/toolkernel/internal/scheduler"
	"github.com/kernelmcp/toolkernel/internal/transport"
)

// Version is set via ldflags at build time.
var Version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "kerneld",
		Short:         "Tool execution kernel — exposes registered tools over MCP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ./toolkernel.toml)")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))

	version := cfg.Server.Version
	if Version != "dev" {
		version = Version
	}
	logger.Info("starting kerneld", "version", version, "transport", cfg.Transport.Mode)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	table, policyEngine, prompts, err := buildKernelInputs(cfg, logger)
	if err != nil {
		return err
	}

	stateSync := kernel.NewStateSync(policyEngine)
	observer := observability.Multi{
		observability.NewDebugObserver(logger),
		observability.NewPromObserver(prometheus.DefaultRegisterer),
	}
	tracer := observability.NewOtelTracer("kerneld")

	k := kernel.New(table,
		kernel.WithStateSync(stateSync),
		kernel.WithObserver(observer),
		kernel.WithTracer(tracer),
	)

	sched := scheduler.NewScheduler(logger)
	if cfg.Housekeeping.Enabled {
		job := kernel.NewHousekeepingJob(table, policyEngine, logger)
		interval := time.Duration(cfg.Housekeeping.IntervalMinutes) * time.Minute
		sched.AddJob(job, interval)
	}
	sched.Start(ctx)
	defer sched.Stop()

	resources := transport.NewResourceRegistry()
	server := transport.NewServer(k, prompts, resources, transport.ServerInfo{
		Name:    cfg.Server.Name,
		Version: version,
	}, logger)

	if cfg.Transport.Mode == "http" {
		return runHTTP(ctx, cfg, server, logger)
	}

	return server.Run(ctx)
}

// runHTTP serves the MCP HTTP transport until ctx is cancelled, then
// shuts down gracefully.
func runHTTP(ctx context.Context, cfg *config.Config, server *transport.Server, logger *slog.Logger) error {
	httpServer := transport.NewHTTPServer(server, cfg.Transport.CORSOrigins, cfg.Auth.Enabled, logger)
	addr := cfg.Transport.Host + ":" + cfg.Transport.Port

	srv := &http.Server{
		Addr:    addr,
		Handler: httpServer.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// buildKernelInputs assembles the routing table, policy engine, and
// prompt registry shared by every transport: demo tools plus whatever
// global middleware the config turns on, merged with config-declared
// state-sync policies.
func buildKernelInputs(cfg *config.Config, logger *slog.Logger) (*kernel.RoutingTable, *kernel.PolicyEngine, *kernel.PromptRegistry, error) {
	var authMW, rateLimitMW kernel.Middleware
	if cfg.Auth.Enabled {
		secret := []byte(cfg.Auth.HMACSecret)
		keyFunc := func(t *jwt.Token) (any, error) { return secret, nil }
		authMW = middleware.RequireAuth(keyFunc, extractBearer)
	}
	if cfg.RateLimit.Enabled {
		rateLimitMW = middleware.RateLimit(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst, middleware.SubjectKey)
	}

	bundle := demo.Build(authMW, rateLimitMW)

	registry := kernel.NewRegistry()
	for _, t := range bundle.Tools {
		if err := registry.Register(t); err != nil {
			return nil, nil, nil, fmt.Errorf("registering tool: %w", err)
		}
	}

	expositionCfg := kernel.Config{
		ToolExposition:    kernel.Exposition(cfg.Exposition.Mode),
		ActionSeparator:   cfg.Exposition.ActionSeparator,
		DiscriminatorName: cfg.Exposition.DiscriminatorName,
	}
	table, err := registry.Finalize(expositionCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("finalizing registry: %w", err)
	}

	policyEngine, err := kernel.NewPolicyEngine(buildPolicyConfig(cfg, bundle.Policies))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building policy engine: %w", err)
	}

	prompts := kernel.NewPromptRegistry()
	for _, p := range bundle.Prompts {
		if err := prompts.Register(p); err != nil {
			return nil, nil, nil, fmt.Errorf("registering prompt: %w", err)
		}
	}

	logger.Info("kernel ready", "routes", len(table.RouteOrder), "tools", len(table.Descriptors))
	return table, policyEngine, prompts, nil
}

// buildPolicyConfig merges the config file's declared policies ahead of
// the demo bundle's own — an operator's toml overrides take priority
// since PolicyEngine.Resolve stops at the first match.
func buildPolicyConfig(cfg *config.Config, demoPolicies []kernel.Policy) kernel.PolicyConfig {
	out := kernel.PolicyConfig{}
	if cfg.StateSync.DefaultCacheControl != "" {
		out.Default = &kernel.Policy{CacheControl: kernel.CacheControl(cfg.StateSync.DefaultCacheControl)}
	}
	for _, p := range cfg.StateSync.Policies {
		out.Policies = append(out.Policies, kernel.Policy{
			Match:        p.Match,
			CacheControl: kernel.CacheControl(p.CacheControl),
			Invalidates:  p.Invalidates,
		})
	}
	out.Policies = append(out.Policies, demoPolicies...)
	return out
}

// extractBearer reads the raw credential the transport layer attached
// to the dispatch context (see transport.WithPrincipal); the kernel
// never interprets it itself.
func extractBearer(base any) (string, bool) {
	s, ok := base.(string)
	return s, ok && s != ""
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
