package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/web-casa/mcstack/internal/audit"
	"github.com/web-casa/mcstack/internal/config"
	"github.com/web-casa/mcstack/internal/database"
	"github.com/web-casa/mcstack/internal/docker"
	"github.com/web-casa/mcstack/internal/event"
	"github.com/web-casa/mcstack/internal/handler"
	"github.com/web-casa/mcstack/internal/hooks"
	"github.com/web-casa/mcstack/internal/publicip"
	"github.com/web-casa/mcstack/internal/service"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// flags override selected environment settings
type flags struct {
	port      string
	stacksDir string
	maxStacks int
}

func newRootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:           "mcstack",
		Short:         "Manage Minecraft + SFTP container stacks on this host",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), f)
		},
	}
	root.PersistentFlags().StringVar(&f.stacksDir, "stacks-dir", "", "stacks root directory (MCSTACK_STACKS_DIR)")
	root.PersistentFlags().IntVar(&f.maxStacks, "max-stacks", 0, "maximum number of stacks (MCSTACK_MAX_STACKS)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), f)
		},
	}
	serve.Flags().StringVar(&f.port, "port", "", "HTTP port (MCSTACK_PORT)")
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(serve, newListCmd(&f), newCreateCmd(&f), newStartCmd(&f), newStopCmd(&f), newDeleteCmd(&f))
	return root
}

// app holds the wired core shared by the server and the operator commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *event.Bus
	stacks *service.StackService
	status *service.StatusService

	address *publicip.Resolver
	audit   *audit.Recorder
	hooks   *hooks.Runner
	closers []func() error
}

func loadConfig(f flags) *config.Config {
	// A .env next to the binary is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "err", err)
	}
	cfg := config.Load()
	if f.port != "" {
		cfg.Port = f.port
	}
	if f.stacksDir != "" {
		cfg.StacksDir = f.stacksDir
	}
	if f.maxStacks > 0 {
		cfg.MaxStacks = f.maxStacks
	}
	return cfg
}

// statusConcurrency bounds concurrent `docker ps` snapshots.
const statusConcurrency = 2

func newApp(cfg *config.Config, withAudit bool) (*app, error) {
	logger := cfg.Logger()
	slog.SetDefault(logger)

	tpl, err := service.LoadTemplate(cfg.TemplateDir)
	if err != nil {
		return nil, fmt.Errorf("load stack template: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, bus: event.NewBus(logger)}
	// Lifecycle commands, the status query and hook scripts each get their own
	// slots so a backlog in one never blocks the others.
	cli := docker.NewCLI(docker.NewExecRunner(cfg.RuntimeConcurrency), cfg.DockerBin, cfg.RuntimeTimeout, cfg.StatusTimeout).
		WithStatusRunner(docker.NewExecRunner(statusConcurrency))
	registry := service.NewRegistry(cfg.StacksDir)

	var lister service.ContainerLister = cli
	if cfg.StatusSource == config.StatusSourceAPI {
		client, err := docker.NewClient(cfg.DockerSocket, cfg.StatusTimeout)
		if err != nil {
			return nil, fmt.Errorf("connect to docker engine: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.StatusTimeout)
		if err := client.Ping(pingCtx); err != nil {
			logger.Warn("docker engine not reachable, status queries will fail until it is", "socket", cfg.DockerSocket, "err", err)
		}
		cancel()
		lister = client
	}

	a.address = publicip.New(publicip.Options{
		Static:  cfg.PublicAddress,
		URL:     cfg.PublicAddressURL,
		TTL:     cfg.PublicAddressTTL,
		Timeout: cfg.PublicAddressTimeout,
		Logger:  logger,
	})

	a.stacks = service.NewStackService(registry, tpl, cli, service.StackOptions{
		MaxStacks: cfg.MaxStacks,
		Bus:       a.bus,
		Logger:    logger,
	})
	a.status = service.NewStatusService(registry, tpl, lister, a.address, logger)

	if withAudit && cfg.AuditEnabled() {
		db, err := database.Init(cfg.AuditDB)
		if err != nil {
			logger.Warn("audit trail disabled", "err", err)
		} else {
			a.audit = audit.NewRecorder(db, logger)
			a.audit.Attach(a.bus)
			a.closers = append(a.closers, func() error { return database.Close(db) })
		}
	}
	if cfg.HooksDir != "" {
		a.hooks = hooks.New(cfg.HooksDir, docker.NewExecRunner(cfg.RuntimeConcurrency), cfg.RuntimeTimeout, logger)
		a.hooks.Attach(a.bus)
	}
	return a, nil
}

func (a *app) Close() {
	if a.hooks != nil {
		a.hooks.Wait()
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("shutdown", "err", err)
		}
	}
}

func runServe(ctx context.Context, f flags) error {
	cfg := loadConfig(f)
	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go a.address.Warm(ctx)

	gin.SetMode(gin.ReleaseMode)
	r := handler.NewRouter(handler.Deps{
		Stacks:        a.stacks,
		Status:        a.status,
		Audit:         a.audit,
		Bus:           a.bus,
		Logger:        a.logger,
		WebDir:        cfg.WebDir,
		ExposeStderr:  cfg.ExposeStderr,
		MutationRate:  cfg.MutationRate,
		MutationBurst: cfg.MutationBurst,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("mcstack starting",
			"addr", srv.Addr,
			"stacks_dir", cfg.StacksDir,
			"max_stacks", a.stacks.MaxStacks(),
			"status_source", cfg.StatusSource,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	// Runtime calls can take minutes; give in-flight requests the runtime bound.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.RuntimeTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
