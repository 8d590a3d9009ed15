// Command warden runs a workflow definition from a TOML file against the
// built-in example tools.
//
// Usage:
//
//	warden [-config warden.toml] workflow.toml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	warden "github.com/opencellcw/warden"
	"github.com/opencellcw/warden/internal/config"
	"github.com/opencellcw/warden/observer"
	"github.com/opencellcw/warden/store/postgres"
	"github.com/opencellcw/warden/store/sqlite"
	"github.com/opencellcw/warden/tools/httpfetch"
	"github.com/opencellcw/warden/tools/shellexec"
)

func main() {
	configPath := flag.String("config", "warden.toml", "engine configuration file")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: warden [-config warden.toml] workflow.toml")
		os.Exit(2)
	}

	if err := run(*configPath, flag.Arg(0)); err != nil {
		fmt.Fprintln(os.Stderr, "warden:", err)
		os.Exit(1)
	}
}

func run(configPath, workflowPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	opts := []warden.ManagerOption{
		warden.ManagerLogger(logger),
		warden.ManagerPool(warden.PoolConfig{
			MaxConcurrent:  cfg.Pool.MaxConcurrent,
			DefaultTimeout: cfg.PoolTimeout(),
		}),
	}

	// The configured retry defaults become the engine's fallback policy
	// for steps that ask for retry without a per-tool table entry.
	retryOpts := []warden.RetryOption{
		warden.RetryLogger(logger),
		warden.RetryDefaultPolicy(warden.RetryPolicy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.RetryInitialDelay(),
			Multiplier:   cfg.Retry.Multiplier,
			MaxDelay:     cfg.RetryMaxDelay(),
			JitterBound:  cfg.RetryJitterBound(),
			Idempotent:   true,
		}),
	}

	registry := warden.NewRegistry(warden.RegistryLogger(logger))

	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
		sink := observer.NewSink(inst)
		retryOpts = append(retryOpts, warden.RetryEvents(sink))
		opts = append(opts,
			warden.ManagerTracer(observer.NewTracer()),
			warden.ManagerEvents(sink),
			warden.ManagerExecutor(observer.WrapRegistry(registry, inst)))
	}

	opts = append(opts, warden.ManagerRetry(warden.NewRetryEngine(retryOpts...)))

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		opts = append(opts, warden.ManagerStore(store))
	}

	mgr := warden.NewManager(registry, opts...)

	for _, handler := range []warden.ToolHandler{httpfetch.New(), shellexec.New()} {
		res := registry.Register(handler)
		if !res.OK {
			return fmt.Errorf("register %s: %v", handler.Metadata().Name, res.Errors)
		}
		mgr.Retry().SetPolicyFromMetadata(handler.Metadata())
	}

	def, err := loadDefinition(workflowPath)
	if err != nil {
		return err
	}

	res, runErr := mgr.Execute(ctx, def, warden.RunInput{})
	printResult(res)
	return runErr
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (warden.RunStore, error) {
	switch cfg.Database.Driver {
	case "", "none":
		return nil, nil
	case "sqlite":
		s := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.Database.URL, postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func loadDefinition(path string) (*warden.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	var spec warden.DefinitionSpec
	if err := toml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	return warden.FromSpec(spec)
}

func printResult(res *warden.RunResult) {
	if res == nil {
		return
	}
	fmt.Printf("run %s (%s) finished in %s\n", res.RunID, res.Workflow, res.Duration)
	for id, v := range res.Results {
		fmt.Printf("  ok   %-20s %v\n", id, v)
	}
	for id, err := range res.Errors {
		fmt.Printf("  err  %-20s %v\n", id, err)
	}
	for _, id := range res.Skipped {
		fmt.Printf("  skip %s\n", id)
	}
}
