package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/oklog/run"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/parallax-dev/parallax/internal/config"
	"github.com/parallax-dev/parallax/internal/executor"
	"github.com/parallax-dev/parallax/internal/orchestrator"
	"github.com/parallax-dev/parallax/internal/server"
	"github.com/parallax-dev/parallax/pkg/eventbus"
	ghimpl "github.com/parallax-dev/parallax/pkg/gitprovider/github"
	"github.com/parallax-dev/parallax/pkg/provider"
	"github.com/parallax-dev/parallax/pkg/provider/cloudvm"
	"github.com/parallax-dev/parallax/pkg/provider/docker"
	"github.com/parallax-dev/parallax/pkg/provider/fastbox"
	"github.com/parallax-dev/parallax/pkg/provider/interpreter"
	"github.com/parallax-dev/parallax/pkg/tasklog"
	"github.com/parallax-dev/parallax/store/sqlite"
)

var debug bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Parallax API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}
	defer st.Close()

	registerProviders(cfg)

	bus := eventbus.NewInMemoryBus()
	taskLog := tasklog.New(st, bus, logger)
	exec := executor.New(st, taskLog)
	git := ghimpl.New(cfg.GitHubToken)

	orch := orchestrator.New(orchestrator.Config{
		PollInterval:      cfg.PollInterval,
		InactivityTimeout: cfg.InactivityTimeout,
		MaxTaskDuration:   cfg.MaxTaskDuration,
		DefaultAgent:      cfg.DefaultAgent,
		DefaultProvider:   cfg.DefaultProvider,
		GitToken:          cfg.GitHubToken,
		SandboxEnv:        cfg.SandboxEnv(),
	}, st, taskLog, exec, git, logger)

	srv := server.New(cfg, st, bus, orch, logger)

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		g.Add(
			func() error {
				<-signalCtx.Done()
				logger.Info("termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Orchestrator background work.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(
			func() error {
				orch.Start(ctx)
				<-ctx.Done()
				orch.Stop()
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// HTTP server.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(
			func() error {
				return srv.Start(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

// registerProviders wires every configured sandbox backend into the
// provider registry. Docker is always available; the HTTP-backed providers
// register only when their credentials are present.
func registerProviders(cfg *config.Config) {
	provider.Register(docker.New(docker.Config{
		Image:    cfg.DockerImage,
		Network:  cfg.DockerNetwork,
		GitToken: cfg.GitHubToken,
	}))

	if cfg.CloudVMBaseURL != "" && cfg.CloudVMToken != "" {
		provider.Register(cloudvm.New(cloudvm.Config{
			BaseURL:   cfg.CloudVMBaseURL,
			TeamID:    cfg.CloudVMTeamID,
			ProjectID: cfg.CloudVMProjectID,
			Token:     cfg.CloudVMToken,
			GitToken:  cfg.GitHubToken,
		}))
	}
	if cfg.InterpreterBaseURL != "" && cfg.InterpreterAPIKey != "" {
		provider.Register(interpreter.New(interpreter.Config{
			BaseURL:  cfg.InterpreterBaseURL,
			APIKey:   cfg.InterpreterAPIKey,
			Template: cfg.InterpreterTemplate,
			GitToken: cfg.GitHubToken,
		}))
	}
	if cfg.FastboxBaseURL != "" && cfg.FastboxAPIKey != "" {
		provider.Register(fastbox.New(fastbox.Config{
			BaseURL:  cfg.FastboxBaseURL,
			APIKey:   cfg.FastboxAPIKey,
			Image:    cfg.FastboxImage,
			GitToken: cfg.GitHubToken,
		}))
	}
}
