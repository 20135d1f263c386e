package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/foremanhq/foreman/internal/bridge"
	"github.com/foremanhq/foreman/internal/config"
	ghclient "github.com/foremanhq/foreman/internal/github"
	"github.com/foremanhq/foreman/internal/logrelay"
	"github.com/foremanhq/foreman/internal/metrics"
	"github.com/foremanhq/foreman/internal/mgmt"
	"github.com/foremanhq/foreman/internal/scheduler"
	"github.com/foremanhq/foreman/internal/session"
	slackpkg "github.com/foremanhq/foreman/internal/slack"
	"github.com/foremanhq/foreman/pkg/tokenstore"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.Environment == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = logger

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	projects, err := config.LoadProjects(cfg.ProjectFile)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ProjectFile).Msg("failed to load project file")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Int("projects", len(projects.Projects)).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting foreman")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	collector := metrics.New()

	var backlog *ghclient.Client
	switch {
	case cfg.GitHubAppEnabled():
		backlog, err = ghclient.NewAppClient(
			cfg.GitHubAppID,
			cfg.GitHubInstallationID,
			cfg.GitHubPrivateKeyPath,
			tokenstore.NewMemoryStore(),
			logger,
		)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init GitHub App client")
		}
		logger.Info().Msg("GitHub App client initialized")
	case cfg.GitHubToken != "":
		backlog = ghclient.NewTokenClient(cfg.GitHubToken, logger)
		logger.Info().Msg("GitHub token client initialized")
	default:
		logger.Fatal().Msg("no GitHub credentials configured")
	}

	relay := logrelay.New(logger)
	procBridge := bridge.New(logger)
	procBridge.SetDropHook(collector.RecordDrop)

	commands := make(map[session.Skill]session.Command, len(projects.Skills))
	for name, sc := range projects.Skills {
		skill, err := session.ParseSkill(name)
		if err != nil {
			logger.Fatal().Err(err).Str("skill", name).Msg("invalid skill in project file")
		}
		commands[skill] = session.Command{Bin: sc.Bin, Args: sc.Args}
	}
	if _, ok := commands[session.SkillImplement]; !ok {
		commands[session.SkillImplement] = session.Command{Bin: cfg.AgentBin}
	}

	registry := session.NewRegistry(session.Config{
		Commands:    commands,
		GracePeriod: cfg.GracePeriod,
	}, procBridge, relay, session.NopNotifier{}, logger)
	registry.SetMetrics(collector)

	var schedNotifier scheduler.Notifier = scheduler.NopNotifier{}
	var slackApp *slackpkg.App

	if cfg.SlackEnabled() {
		handler := slackpkg.NewHandler(nil, registry, nil, logger)
		slackApp, err = slackpkg.NewApp(cfg.SlackBotToken, cfg.SlackAppToken, handler, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init Slack app")
		}

		slackNotifier := slackpkg.NewNotifier(slackApp.API(), cfg.OperatorChannel, logger)
		slackNotifier.SetMetrics(collector)
		handler.SetThreadIndex(slackNotifier)

		registry.SetNotifier(slackNotifier)
		schedNotifier = slackNotifier
		logger.Info().Str("channel", cfg.OperatorChannel).Msg("Slack notifier initialized")
	} else {
		logger.Info().Msg("Slack not configured, running in API-only mode")
	}

	sched := scheduler.New(scheduler.Options{
		PollInterval: cfg.PollInterval,
		MaxAuto:      cfg.MaxAutoSessions,
		Lookback:     cfg.Lookback,
	}, backlog, registry, schedNotifier, logger)
	sched.SetMetrics(collector)
	for _, p := range projects.Projects {
		if p.Workdir == "" {
			p.Workdir = filepath.Join(cfg.WorkspaceRoot, p.Repo())
		}
		sched.Track(p)
	}

	handlers := mgmt.NewHandlers(registry, relay, sched, logger)
	mgmtServer := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:   cfg.MgmtAuthMode,
			APIKey: cfg.MgmtAPIKey,
		},
		CORSOrigins: cfg.MgmtCORSOrigins,
	}, handlers, collector.Handler(), logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgmtServer.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	if slackApp != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := slackApp.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("Slack Socket Mode error")
			}
		}()
	}

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	cancel()

	if err := mgmtServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}
	procBridge.TerminateAll(cfg.GracePeriod)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("foreman stopped")
}
