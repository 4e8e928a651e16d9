package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"calplan/internal/calsync"
	"calplan/internal/config"
	"calplan/internal/ics"
	appLog "calplan/internal/log"
	"calplan/internal/model"
	"calplan/internal/oauth"
	"calplan/internal/provider"
	"calplan/internal/provider/google"
	"calplan/internal/provider/graph"
	"calplan/internal/scheduler"
	"calplan/internal/store"
	"calplan/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values before the config file is loaded.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	logLevel   string
}

func main() {
	flags := parseFlags()
	if flags.logLevel != "" {
		appLog.SetLevel(appLog.Level(flags.logLevel))
	}
	appLog.Info("calplan starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI flags override the config file.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel == "" {
		appLog.SetLevel(appLog.Level(conf.LogLevel))
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"database", conf.Database,
		"log_level", conf.LogLevel,
		"calendar_sync", conf.Jobs.CalendarSync,
		"defer_overdue", conf.Jobs.DeferOverdue,
		"auto_schedule", conf.Jobs.AutoSchedule,
		"past_days", conf.Sync.PastDays,
		"future_days", conf.Sync.FutureDays,
		"buffer_minutes", conf.Scheduler.BufferMinutes,
		"lookahead_days", conf.Scheduler.LookaheadDays,
		"google_oauth", conf.Google.ClientID != "",
		"microsoft_oauth", conf.Microsoft.ClientID != "",
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, conf, flags.once); err != nil {
		appLog.Error("calplan failed", err)
		os.Exit(1)
	}
	appLog.Info("calplan exiting")
}

func run(ctx context.Context, conf *config.Config, once bool) error {
	st, err := store.Open(ctx, conf.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	orch, sched := build(conf, st)

	if once {
		runOnce(ctx, orch, sched)
		return nil
	}

	srv := web.NewServer(conf, orch, sched, st)

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
	)
	jobs := []struct {
		name string
		spec string
		fn   func(context.Context) (int, error)
	}{
		{web.JobCalendarSync, conf.Jobs.CalendarSync, orch.SyncAllCalendars},
		{web.JobDeferOverdue, conf.Jobs.DeferOverdue, sched.DeferOverdueTasks},
		{web.JobAutoSchedule, conf.Jobs.AutoSchedule, sched.AutoScheduleAllUsers},
	}
	for _, j := range jobs {
		if j.spec == config.JobDisabled {
			appLog.Info("job disabled", "job", j.name)
			continue
		}
		if _, err := c.AddFunc(j.spec, func() {
			started := time.Now()
			n, err := j.fn(ctx)
			srv.Record(j.name, started, n, err)
			if err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error("job failed", err, "job", j.name)
				return
			}
			appLog.Info("job finished", "job", j.name, "count", n, "took_ms", time.Since(started).Milliseconds())
		}); err != nil {
			return err
		}
		appLog.Info("job scheduled", "job", j.name, "spec", j.spec)
	}
	c.Start()
	defer func() {
		// Wait for running jobs before the store closes.
		<-c.Stop().Done()
	}()

	return srv.ListenAndServe(ctx)
}

// build wires the provider adapters, the sync orchestrator and the scheduler.
func build(conf *config.Config, st *store.Store) (*calsync.Orchestrator, *scheduler.Scheduler) {
	httpClient := provider.NewHTTPClient(conf.Sync.HTTPTimeout(), conf.Sync.RequestsPerSecond)
	window := provider.Window{PastDays: conf.Sync.PastDays, FutureDays: conf.Sync.FutureDays}

	tokens := oauth.New(oauth.Options{
		Google:     oauthClient(conf.Google),
		Microsoft:  oauthClient(conf.Microsoft),
		HTTPClient: &http.Client{Timeout: conf.Sync.HTTPTimeout()},
	})

	graphAdapter := graph.New(httpClient, tokens, graph.Options{BaseURL: conf.Microsoft.APIBase, Window: window})
	adapters := map[model.Provider]provider.Adapter{
		model.ProviderGoogle:    google.New(httpClient, tokens, google.Options{BaseURL: conf.Google.APIBase, Window: window}),
		model.ProviderMicrosoft: graphAdapter,
		model.ProviderExchange:  graphAdapter,
		model.ProviderProtonICS: ics.New(httpClient, ics.Options{
			CacheDir:       conf.Sync.ICSCacheDir,
			Window:         window,
			MaxOccurrences: conf.Sync.MaxOccurrences,
		}),
	}

	orch := calsync.New(st, adapters)
	sched := scheduler.New(st, scheduler.Config{
		Buffer:          conf.Scheduler.Buffer(),
		LookaheadDays:   conf.Scheduler.LookaheadDays,
		DefaultTimezone: conf.DefaultTimezone,
	})
	return orch, sched
}

func oauthClient(c config.OAuthClient) oauth.Client {
	return oauth.Client{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
		Tenant:       c.Tenant,
		Scopes:       c.Scopes,
	}
}

// runOnce runs one sync, defer and auto-schedule pass in that order.
func runOnce(ctx context.Context, orch *calsync.Orchestrator, sched *scheduler.Scheduler) {
	steps := []struct {
		name string
		fn   func(context.Context) (int, error)
	}{
		{web.JobCalendarSync, orch.SyncAllCalendars},
		{web.JobDeferOverdue, sched.DeferOverdueTasks},
		{web.JobAutoSchedule, sched.AutoScheduleAllUsers},
	}
	for _, s := range steps {
		started := time.Now()
		n, err := s.fn(ctx)
		if err != nil {
			appLog.Error("job failed", err, "job", s.name)
			continue
		}
		appLog.Info("job finished", "job", s.name, "count", n, "took_ms", time.Since(started).Milliseconds())
	}
}

// cronLogger routes robfig/cron's logging into the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/calplan/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run sync, defer and auto-schedule once and exit")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config if set)")

	flag.Parse()

	return cfg
}
