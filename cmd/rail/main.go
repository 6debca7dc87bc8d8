package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/physicsrail/pkg/api"
	"github.com/Mindburn-Labs/physicsrail/pkg/client"
	"github.com/Mindburn-Labs/physicsrail/pkg/config"
	"github.com/Mindburn-Labs/physicsrail/pkg/observability"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "sweep":
		return runSweepCmd(stdout, stderr)
	case "evaluate":
		return runEvaluateCmd(args[2:], os.Stdin, stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorRed   = "\033[31m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sPhysics Rail%s\n", ColorBold+ColorBlue, ColorReset)
	fmt.Fprintf(w, "%sAgents propose. The rail decides.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  rail <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SERVER")
	printCommand(w, "serve", "Run the governance server (default)")
	printCommand(w, "health", "Check server health (HTTP)")
	printCommand(w, "sweep", "Expire overdue approval requests once and exit")

	printSection(w, "UTILITIES")
	printCommand(w, "evaluate", "Dry-run a proposal against a policy file (--policy, --proposal)")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

func setupLogger(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func runServer(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	setupLogger(cfg.LogLevel)
	logger := slog.Default().With("component", "rail")
	fmt.Fprintf(stdout, "%sPhysics Rail starting...%s\n", ColorBold+ColorBlue, ColorReset)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.LiteMode() {
		fmt.Fprintf(stdout, "DATABASE_URL not set. Falling back to %sLite Mode%s (SQLite).\n", ColorBold+ColorCyan, ColorReset)
	}

	telemetry, err := observability.New(ctx, observability.DefaultConfig(cfg.OTLPEndpoint))
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(sctx)
	}()

	app, err := buildRail(ctx, cfg, telemetry)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer app.Close()

	limiter := api.NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer limiter.Stop()
	opts := []api.ServerOption{
		api.WithAuth(api.NewJWTValidator(cfg.JWTSecret)),
		api.WithRateLimiter(limiter),
	}
	if cfg.JWTSecret == "" {
		if cfg.InsecureApprovals {
			opts = append(opts, api.WithInsecureApprovals())
			logger.Warn("RAIL_JWT_SECRET not set and RAIL_INSECURE_APPROVALS on; approver_id is taken on trust")
		} else {
			logger.Warn("RAIL_JWT_SECRET not set; API is unauthenticated and approvals cannot be resolved")
		}
	}
	srv, err := api.NewServer(app.engine, app.approvals, opts...)
	if err != nil {
		logger.Error("api init failed", "error", err)
		return 1
	}

	go app.approvals.Run(ctx, cfg.SweepInterval)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		logger.Error("shutdown failed", "error", err)
		return 1
	}
	return 0
}

func runHealthCmd(out, errOut io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	c := client.New("http://localhost:"+port, client.WithTimeout(5*time.Second))
	if _, err := c.Health(context.Background()); err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}

func runSweepCmd(out, errOut io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(errOut, "config: %v\n", err)
		return 2
	}
	setupLogger(cfg.LogLevel)
	ctx := context.Background()

	app, err := buildRail(ctx, cfg, nil)
	if err != nil {
		fmt.Fprintf(errOut, "%sstartup failed:%s %v\n", ColorRed, ColorReset, err)
		return 1
	}
	defer app.Close()

	n, err := app.approvals.SweepExpired(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "%ssweep failed:%s %v\n", ColorRed, ColorReset, err)
		return 1
	}
	fmt.Fprintf(out, "expired %d approval request(s)\n", n)
	return 0
}

func runEvaluateCmd(args []string, stdin io.Reader, out, errOut io.Writer) int {
	cmd := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	cmd.SetOutput(errOut)

	var (
		policyPath   string
		proposalPath string
	)
	cmd.StringVar(&policyPath, "policy", os.Getenv("RAIL_POLICY_FILE"), "Policy file (YAML)")
	cmd.StringVar(&proposalPath, "proposal", "-", "Proposal JSON file, or - for stdin")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	policy := config.DefaultPolicy()
	if policyPath != "" {
		var err error
		if policy, err = config.LoadPolicy(policyPath); err != nil {
			fmt.Fprintf(errOut, "Error: %v\n", err)
			return 2
		}
	}

	var (
		body []byte
		err  error
	)
	if proposalPath == "-" {
		body, err = io.ReadAll(stdin)
	} else {
		body, err = os.ReadFile(proposalPath)
	}
	if err != nil {
		fmt.Fprintf(errOut, "Error reading proposal: %v\n", err)
		return 2
	}

	decoder, err := api.NewProposalDecoder()
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	p, err := decoder.Decode(body)
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	app, err := buildDryRun(ctx, policy)
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	verdict, err := app.engine.Evaluate(ctx, p)
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 2
	}

	data, _ := json.MarshalIndent(verdict, "", "  ")
	fmt.Fprintln(out, string(data))
	return 0
}
