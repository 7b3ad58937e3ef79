// Command goclawd is the always-on daemon: it starts the inbound HTTP
// gateway, the envelope consumer, the per-employee task scheduler, and
// every channel's background listener/poller, then blocks until signaled
// to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	googleoauth2 "golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/basket/workcell/internal/channel"
	"github.com/basket/workcell/internal/channels"
	"github.com/basket/workcell/internal/config"
	"github.com/basket/workcell/internal/consumer"
	"github.com/basket/workcell/internal/executor"
	"github.com/basket/workcell/internal/failurenotify"
	"github.com/basket/workcell/internal/gateway"
	"github.com/basket/workcell/internal/ingestion"
	"github.com/basket/workcell/internal/memorydiff"
	"github.com/basket/workcell/internal/otel"
	"github.com/basket/workcell/internal/persistence"
	"github.com/basket/workcell/internal/quickresponse"
	"github.com/basket/workcell/internal/rawstore"
	"github.com/basket/workcell/internal/runner"
	"github.com/basket/workcell/internal/scheduler"
	"github.com/basket/workcell/internal/snapshot"
	"github.com/basket/workcell/internal/telemetry"
	"github.com/basket/workcell/internal/userstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "goclawd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logFile, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logFile.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otel.Init(ctx, otel.Config{Enabled: false})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())

	if cfg.NeedsGenesis {
		logger.Warn("no config.yaml found, starting with an empty routing table", "home_dir", cfg.HomeDir)
	}

	raw, err := newRawStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("init raw payload store: %w", err)
	}

	queuePath := filepath.Join(cfg.HomeDir, "queue.db")
	queue, err := persistence.OpenQueueStore(queuePath)
	if err != nil {
		return fmt.Errorf("open ingestion queue: %w", err)
	}
	defer queue.Close()

	router := userstore.NewRouter(cfg.Routes)

	stores := newEmployeeStores(cfg.HomeDir, cfg.Routes, cfg.GoogleDocsEmployeeID)
	defer stores.closeAll()

	registry, driveSvc, err := buildChannelRegistry(cfg)
	if err != nil {
		return fmt.Errorf("build channel registry: %w", err)
	}

	ingestionGW := &ingestion.Gateway{Queue: queue, Raw: raw, Router: router, Logger: logger}

	var docsPoller *channels.GoogleDocsPoller
	if driveSvc != nil {
		seenStore, err := stores.taskStore(cfg.GoogleDocsEmployeeID)
		if err != nil {
			return fmt.Errorf("open google docs seen-store: %w", err)
		}
		docsPoller = channels.NewGoogleDocsPoller(driveSvc, cfg.GoogleDocIDs, cfg.GoogleDocsEmployeeID, cfg.GoogleDocsEmployeeAddress, cfg.GoogleDocsMentionToken, seenStore)
	}

	var discordListener *channels.DiscordListener
	if cfg.Credentials.DiscordBotToken != "" {
		discordListener, err = newDiscordListener(cfg.Credentials.DiscordBotToken, ingestionGW, logger)
		if err != nil {
			return fmt.Errorf("discord listener: %w", err)
		}
	}

	memQ := memorydiff.NewWriteQueue()

	agentRunner := runner.Runner(runner.ProcessRunner{})

	exec := &executor.Executor{
		Runner:   agentRunner,
		MemoryQ:  memQ,
		Outbound: registry.Outbound,
		Logger:   logger,
	}

	sink := &actionSink{ingestion: ingestionGW, stores: stores}

	sched := scheduler.New(stores, exec, sink, logger, "goclawd", scheduler.Config{
		Interval:            2 * time.Second,
		LeaseDuration:       cfg.Tuning.RunTaskTimeout(),
		GlobalConcurrency:   cfg.Tuning.SchedulerMaxConcurrency,
		PerUserConcurrency:  cfg.Tuning.SchedulerUserMaxConcurrency,
	}).WithFailureNotifier(&failurenotify.Notifier{ReportsRoot: cfg.HomeDir})

	if err := sched.Recover(ctx); err != nil {
		return fmt.Errorf("recover scheduler leases: %w", err)
	}

	classifier := quickresponse.NewChain(quickresponse.HeuristicClassifier{})

	cons := &consumer.Consumer{
		Queue:         queue,
		Stores:        stores,
		Classifier:    classifier,
		Outbound:      registry.Outbound,
		MemoryQ:       memQ,
		Owner:         "goclawd",
		LeaseDuration: cfg.Tuning.RunTaskTimeout(),
		PollInterval:  cfg.Tuning.IngestionPollInterval(),
		Logger:        logger,
	}

	sweeper := &ingestion.Sweeper{Queue: queue, Interval: 30 * time.Second, Logger: logger}

	gw := gateway.New(gateway.Config{
		Ingestion: ingestionGW,
		Adapters:  registry,
		Verify:    verifyConfigFrom(cfg.Credentials),
		Logger:    logger,
	})

	configWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := configWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	}
	go watchRoutingTable(ctx, configWatcher, router, logger)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); sched.Start(ctx) }()
	go func() { defer wg.Done(); cons.Start(ctx) }()
	go func() { defer wg.Done(); sweeper.Run(ctx) }()

	if discordListener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := discordListener.Start(ctx); err != nil {
				logger.Error("discord listener stopped", "error", err)
			}
		}()
	}

	if docsPoller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pollGoogleDocs(ctx, docsPoller, ingestionGW, cfg.GoogleDocsEmployeeID, logger)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runSnapshotLoop(ctx, stores, logger)
	}()

	srv := &http.Server{Addr: cfg.BindAddr, Handler: gw.Mux()}
	serveErrs := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErrs:
		logger.Error("gateway server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	stop()
	wg.Wait()
	return nil
}

func newRawStore(st config.Storage) (rawstore.Store, error) {
	if st.SupabaseProjectURL != "" && st.SupabaseSecretKey != "" {
		return rawstore.NewSupabaseStore(st.SupabaseProjectURL, st.SupabaseStorageBucket, st.SupabaseSecretKey), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return rawstore.NewFileStore(filepath.Join(home, ".goclaw", "raw")), nil
}

func verifyConfigFrom(c config.ChannelCredentials) gateway.VerifyConfig {
	return gateway.VerifyConfig{
		SlackSigningSecret:  c.SlackSigningSecret,
		PostmarkToken:       c.PostmarkInboundToken,
		BlueBubblesPassword: c.BlueBubblesPassword,
		TwilioAuthToken:     c.TwilioAuthToken,
		WhatsAppVerifyToken: c.WhatsAppVerifyToken,
	}
}

// buildChannelRegistry registers an inbound/outbound adapter pair for every
// channel whose credentials are configured. Discord and Google Docs are
// push/pull transports rather than webhook routes, so their adapters come
// back alongside a listener/poller the caller starts separately.
func buildChannelRegistry(cfg config.Config) (*channels.Registry, *drive.Service, error) {
	reg := channels.NewRegistry()
	creds := cfg.Credentials

	if creds.SlackBotToken != "" {
		reg.RegisterInbound(channel.Slack, channels.SlackInbound{})
		reg.RegisterOutbound(channel.Slack, channels.NewSlackOutbound(creds.SlackBotToken))
	}
	if creds.PostmarkServerToken != "" {
		reg.RegisterInbound(channel.Email, channels.PostmarkInbound{})
		reg.RegisterOutbound(channel.Email, channels.NewPostmarkOutbound(creds.PostmarkServerToken))
	}
	if creds.TwilioAccountSID != "" && creds.TwilioAuthToken != "" {
		reg.RegisterInbound(channel.SMS, channels.SMSInbound{})
		reg.RegisterOutbound(channel.SMS, channels.NewSMSOutbound(creds.TwilioAccountSID, creds.TwilioAuthToken, creds.TwilioFromNumber))
	}
	if creds.BlueBubblesServerURL != "" {
		reg.RegisterInbound(channel.IMessage, channels.IMessageInbound{})
		reg.RegisterOutbound(channel.IMessage, channels.NewIMessageOutbound(creds.BlueBubblesServerURL, creds.BlueBubblesPassword))
	}
	if creds.WhatsAppPhoneNumberID != "" && creds.WhatsAppAccessToken != "" {
		reg.RegisterInbound(channel.WhatsApp, channels.WhatsAppInbound{})
		reg.RegisterOutbound(channel.WhatsApp, channels.NewWhatsAppOutbound(creds.WhatsAppPhoneNumberID, creds.WhatsAppAccessToken))
	}
	if creds.TelegramBotToken != "" {
		reg.RegisterInbound(channel.Telegram, channels.TelegramInbound{})
		out, err := channels.NewTelegramOutbound(creds.TelegramBotToken)
		if err != nil {
			return nil, nil, fmt.Errorf("telegram outbound: %w", err)
		}
		reg.RegisterOutbound(channel.Telegram, out)
	}

	if creds.DiscordBotToken != "" {
		reg.RegisterInbound(channel.Discord, channels.DiscordInbound{})
		out, err := channels.NewDiscordOutbound(creds.DiscordBotToken)
		if err != nil {
			return nil, nil, fmt.Errorf("discord outbound: %w", err)
		}
		reg.RegisterOutbound(channel.Discord, out)
	}

	var driveSvc *drive.Service
	if creds.GoogleClientID != "" && creds.GoogleRefreshToken != "" && len(cfg.GoogleDocIDs) > 0 {
		var err error
		driveSvc, err = newDriveService(context.Background(), creds)
		if err != nil {
			return nil, nil, fmt.Errorf("google drive client: %w", err)
		}
		reg.RegisterOutbound(channel.GoogleDocs, channels.NewGoogleDocsOutbound(driveSvc))
	}

	return reg, driveSvc, nil
}

func newDriveService(ctx context.Context, creds config.ChannelCredentials) (*drive.Service, error) {
	oauthCfg := &oauth2.Config{
		ClientID:     creds.GoogleClientID,
		ClientSecret: creds.GoogleClientSecret,
		Endpoint:     googleoauth2.Endpoint,
	}
	token := &oauth2.Token{
		RefreshToken: creds.GoogleRefreshToken,
		AccessToken:  creds.GoogleAccessToken,
	}
	ts := oauthCfg.TokenSource(ctx, token)
	return drive.NewService(ctx, option.WithTokenSource(ts))
}

// newDiscordListener wires the registry's Discord inbound adapter to the
// gateway websocket session and the ingestion gateway, kept separate from
// buildChannelRegistry because it needs ingestionGW which isn't built yet
// at that point.
func newDiscordListener(botToken string, ingestionGW *ingestion.Gateway, logger *slog.Logger) (*channels.DiscordListener, error) {
	inbound := channels.DiscordInbound{}
	admit := func(ctx context.Context, payload []byte) error {
		messages, err := inbound.Parse(payload, nil)
		if err == channels.ErrIgnored {
			return nil
		}
		if err != nil {
			return err
		}
		for _, msg := range messages {
			external := msg.Metadata.Get("guild")
			if _, err := ingestionGW.Admit(ctx, channel.Discord, external, msg, payload); err != nil {
				return err
			}
		}
		return nil
	}
	return channels.NewDiscordListener(botToken, admit, logger)
}

func pollGoogleDocs(ctx context.Context, poller *channels.GoogleDocsPoller, ingestionGW *ingestion.Gateway, employeeID string, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			messages, err := poller.Poll(ctx)
			if err != nil {
				logger.Error("google docs poll failed", "error", err)
				continue
			}
			for _, msg := range messages {
				if _, err := ingestionGW.Admit(ctx, channel.GoogleDocs, employeeID, msg, nil); err != nil {
					logger.Error("admit google docs comment failed", "error", err)
				}
			}
		}
	}
}

func watchRoutingTable(ctx context.Context, w *config.Watcher, router *userstore.Router, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			cfg, err := config.Load()
			if err != nil {
				logger.Error("reload config after routing-table change failed", "path", ev.Path, "error", err)
				continue
			}
			router.Reload(cfg.Routes)
			logger.Info("routing table reloaded", "routes", len(cfg.Routes))
		}
	}
}

func runSnapshotLoop(ctx context.Context, stores *employeeStores, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, employeeID := range stores.EmployeeIDs() {
				store, err := stores.For(employeeID)
				if err != nil {
					continue
				}
				tasks, err := store.ListTasks(ctx)
				if err != nil {
					logger.Error("list tasks for snapshot failed", "employee_id", employeeID, "error", err)
					continue
				}
				paths := stores.Paths(employeeID)
				if err := snapshot.Write(paths.Root, tasks, time.Now()); err != nil {
					logger.Error("write snapshot failed", "employee_id", employeeID, "error", err)
				}
			}
		}
	}
}

// employeeStores lazily opens and caches each employee's TaskStore,
// implementing both scheduler.UserStores and consumer.Stores over the same
// underlying cache so the scheduler and consumer never open two handles to
// the same SQLite file.
type employeeStores struct {
	homeDir     string
	mu          sync.Mutex
	employeeIDs []string
	open        map[string]*persistence.TaskStore
}

func newEmployeeStores(homeDir string, routes []userstore.Route, extra ...string) *employeeStores {
	seen := map[string]bool{}
	var ids []string
	for _, r := range routes {
		if r.EmployeeID != "" && !seen[r.EmployeeID] {
			seen[r.EmployeeID] = true
			ids = append(ids, r.EmployeeID)
		}
	}
	for _, id := range extra {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return &employeeStores{
		homeDir:     homeDir,
		employeeIDs: ids,
		open:        make(map[string]*persistence.TaskStore),
	}
}

func (s *employeeStores) EmployeeIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.employeeIDs))
	copy(out, s.employeeIDs)
	return out
}

func (s *employeeStores) Paths(employeeID string) userstore.Paths {
	return userstore.NewPaths(s.homeDir, employeeID)
}

func (s *employeeStores) For(employeeID string) (*persistence.TaskStore, error) {
	return s.taskStore(employeeID)
}

func (s *employeeStores) TaskStore(employeeID string) (*persistence.TaskStore, error) {
	return s.taskStore(employeeID)
}

func (s *employeeStores) taskStore(employeeID string) (*persistence.TaskStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.open[employeeID]; ok {
		return ts, nil
	}
	paths := userstore.NewPaths(s.homeDir, employeeID)
	if err := paths.Ensure(); err != nil {
		return nil, err
	}
	ts, err := persistence.OpenTaskStore(paths.TasksDBPath())
	if err != nil {
		return nil, err
	}
	s.open[employeeID] = ts
	found := false
	for _, id := range s.employeeIDs {
		if id == employeeID {
			found = true
			break
		}
	}
	if !found {
		s.employeeIDs = append(s.employeeIDs, employeeID)
	}
	return ts, nil
}

func (s *employeeStores) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ts := range s.open {
		_ = ts.Close()
	}
}

// actionSink applies a TaskExecution's follow-up effects: a generated
// inbound message re-enters through the same ingestion gateway every
// channel adapter uses, and a newly requested scheduled task is created
// directly against its owning employee's store.
type actionSink struct {
	ingestion *ingestion.Gateway
	stores    *employeeStores
}

func (a *actionSink) IngestFollowUpMessage(ctx context.Context, msg channel.InboundMessage) error {
	_, err := a.ingestion.Admit(ctx, msg.Channel, "", msg, nil)
	return err
}

func (a *actionSink) CreateScheduledTask(ctx context.Context, req persistence.ScheduledTaskRequest) error {
	store, err := a.stores.taskStore(req.EmployeeID)
	if err != nil {
		return err
	}
	_, err = store.CreateTask(ctx, req)
	return err
}
