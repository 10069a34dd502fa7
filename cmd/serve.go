package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/simlink/internal/bootstrap"
	"github.com/xiaot623/simlink/internal/channel"
	"github.com/xiaot623/simlink/internal/config"
	"github.com/xiaot623/simlink/internal/engine"
	"github.com/xiaot623/simlink/internal/metrics"
	"github.com/xiaot623/simlink/internal/policy"
	store "github.com/xiaot623/simlink/internal/repository"
	"github.com/xiaot623/simlink/internal/service"
	"github.com/xiaot623/simlink/internal/syncagent"
	"github.com/xiaot623/simlink/internal/transport/control"
	adminhttp "github.com/xiaot623/simlink/internal/transport/http"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load a simulation and serve the control protocol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			cfg, err := config.Load(v, file)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("control", "", "outer control endpoint (tcp://host:port or ws://host:port/path)")
	flags.String("mode", "", "control mode: persistent or stateless")
	flags.String("setup", "", "bootstrap endpoint; empty skips topology setup")
	flags.String("template", "", "template zone cloned by bootstrap")
	flags.String("sync", "", "per-day synchronization endpoint; empty disables it")
	flags.Bool("stepping", false, "pause at the end of every day until RUN")
	flags.String("sim", "", "simulation definition file (TOML)")
	flags.String("db", "", "SQLite DSN for results and the run log")
	flags.String("policy", "", "rego policy file for mutations")
	flags.String("admin", "", "admin HTTP address; empty disables it")
	flags.String("log-level", "", "log level")

	bindings := map[string]string{
		config.KeyControlEndpoint: "control",
		config.KeyControlMode:     "mode",
		config.KeySetupEndpoint:   "setup",
		config.KeySetupTemplate:   "template",
		config.KeySyncEndpoint:    "sync",
		config.KeyStepping:        "stepping",
		config.KeySimulationFile:  "sim",
		config.KeyDatabaseURL:     "db",
		config.KeyPolicyFile:      "policy",
		config.KeyAdminAddr:       "admin",
		config.KeyLogLevel:        "log-level",
	}
	for key, name := range bindings {
		// Binding only fails for an unknown flag.
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(level)
	log.WithFields(log.Fields{"control": cfg.ControlEndpoint, "mode": cfg.ControlMode, "sync": cfg.SyncEndpoint}).Info("starting simlink")

	sim, err := loadSimulation(cfg.SimulationFile)
	if err != nil {
		return err
	}

	results, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer results.Close()
	sim.SetResults(results)

	guard, err := policy.LoadEngine(ctx, cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	m := metrics.New()
	coord := service.NewCoordinator(service.Options{
		RunLog:   results,
		Metrics:  m,
		Override: control.Overrides(sim, guard),
	})
	agent := syncagent.New(sim, sim, syncagent.Options{
		Endpoint: cfg.SyncEndpoint,
		Policy:   guard,
		Listener: coord,
		Metrics:  m,
	})
	agent.Attach(sim)
	if cfg.Stepping {
		sim.On(engine.EndOfDay, coord.Gate())
	}

	if cfg.SetupEndpoint != "" {
		if err := runSetup(ctx, cfg, sim, agent, m); err != nil {
			return err
		}
	}
	m.SetFields(len(agent.Fields()))

	if err := coord.Register(ctx, sim); err != nil {
		return err
	}

	mode, err := control.ParseMode(cfg.ControlMode)
	if err != nil {
		return err
	}
	ln, err := channel.Listen(cfg.ControlEndpoint)
	if err != nil {
		return fmt.Errorf("listen on control endpoint: %w", err)
	}
	server := control.NewServer(ln, control.NewHandler(coord, sim, results, guard, m), mode, m)
	admin := adminhttp.NewServer(coord, agent, results, m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx)
	})
	if cfg.AdminAddr != "" {
		g.Go(func() error {
			log.WithField("addr", cfg.AdminAddr).Info("admin server listening")
			if err := admin.Start(cfg.AdminAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down simlink")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		errs := []error{coord.Shutdown(shutdownCtx), server.Shutdown(shutdownCtx)}
		if cfg.AdminAddr != "" {
			errs = append(errs, admin.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	log.Info("simlink stopped")
	return err
}

func loadSimulation(file string) (*engine.Simulation, error) {
	if file == "" {
		log.Info("using the built-in simulation")
		return engine.Default(), nil
	}
	sim, err := engine.LoadFile(file)
	if err != nil {
		return nil, fmt.Errorf("load simulation %s: %w", file, err)
	}
	return sim, nil
}

func runSetup(ctx context.Context, cfg *config.Config, sim *engine.Simulation, agent *syncagent.Agent, m *metrics.Metrics) error {
	ln, err := channel.Listen(cfg.SetupEndpoint)
	if err != nil {
		return fmt.Errorf("listen on setup endpoint: %w", err)
	}
	defer ln.Close()

	builder := bootstrap.NewBuilder(sim, agent, cfg.SetupTemplate, m)
	if err := builder.Serve(ctx, ln); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	log.WithField("fields", len(agent.Fields())).Info("topology ready")
	return nil
}
