package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/slack-go/slack"

	"packbot/internal/admin"
	"packbot/internal/cache"
	"packbot/internal/classify"
	"packbot/internal/config"
	"packbot/internal/control"
	"packbot/internal/fetch"
	"packbot/internal/httpx"
	"packbot/internal/imagex"
	slackbot "packbot/internal/integrations/slack"
	"packbot/internal/maintenance"
	"packbot/internal/pipeline"
	"packbot/internal/retry"
	"packbot/internal/session"
	badgerstore "packbot/internal/storage/badger"
	"packbot/internal/storage/sqlite"
)

func Main() {
	cfg := config.LoadConfig()
	configureLogging(cfg.LogLevel)
	appliedHTTPTimeout := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSeconds)
	log.Printf(
		"Config loaded. CacheBackend=%s HistoryPageSize=%d ClassifyConcurrency=%d Retry=%s..%s x%g (%d attempts) ExitPolicy=%s AdminAddr=%s ExternalHTTPTimeout=%s",
		cfg.CacheBackend,
		cfg.HistoryPageSize,
		cfg.ClassifyWorkers,
		cfg.RetryBaseDelay(),
		cfg.RetryMaxDelay(),
		cfg.RetryMultiplier,
		cfg.RetryMaxAttempts,
		cfg.ExitPolicy,
		cfg.AdminListenAddr,
		appliedHTTPTimeout,
	)

	classifications := cache.New(openCacheBackend(cfg))
	defer classifications.Close()

	state := control.New(control.Options{
		ProcessingEnabled: *cfg.ProcessingEnabled,
		CachingEnabled:    *cfg.CachingEnabled,
		ReportingEnabled:  *cfg.ReportingEnabled,
	})

	api := slack.New(
		cfg.SlackBotToken,
		slack.OptionAppLevelToken(cfg.SlackAppToken),
	)

	sessions := session.NewManager(slackbot.NewIndicator(api), cfg.IndicatorIntervalDuration())
	fetcher := fetch.New(slackbot.NewHistorySource(api), cfg.HistoryPageSize, retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay(),
		Multiplier:  cfg.RetryMultiplier,
		MaxDelay:    cfg.RetryMaxDelay(),
	})
	pipe := pipeline.New(pipeline.Config{
		Cache:       classifications,
		Classifier:  classify.New(cfg.Ranges),
		Downloader:  slackbot.NewFileDownloader(api, httpx.NewDownloader()),
		Decoder:     pipeline.DecoderFunc(imagex.Decode),
		Toggles:     state,
		Concurrency: cfg.ClassifyWorkers,
	})

	var presence admin.PresenceSetter
	if p := slackbot.NewPresence(cfg.SlackUserToken); p != nil {
		presence = p
	} else {
		log.Printf("slack_user_token not set, bot status updates disabled")
	}
	handlers := admin.NewHandlers(state, sessions, classifications, presence, cfg.ExitPolicy)

	// workCtx parents sessions; botCtx parents the socket mode loop.
	workCtx, abandon := context.WithCancel(context.Background())
	defer abandon()
	botCtx, stopBot := context.WithCancel(context.Background())
	defer stopBot()

	bot := slackbot.New(workCtx, slackbot.Deps{
		API:      api,
		State:    state,
		Sessions: sessions,
		Fetcher:  fetcher,
		Pipeline: pipe,
		Status:   handlers.Status,
	})
	if err := bot.Identify(botCtx); err != nil {
		log.Fatalf("Slack auth error: %v", err)
	}

	maintenance.Start(workCtx, cfg.CacheMaintenanceSchedule, classifications)

	gin.SetMode(gin.ReleaseMode)
	srv := admin.NewServer(cfg.AdminListenAddr, handlers, cfg.AdminToken)
	go func() {
		log.Printf("Admin control plane listening on %s", cfg.AdminListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Admin server error: %v", err)
		}
	}()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	go func() {
		select {
		case <-sigCtx.Done():
			log.Printf("Signal received, requesting exit")
			state.RequestExit()
		case <-state.Exiting():
		}
	}()

	botErr := make(chan error, 1)
	go func() {
		log.Print("Starting Packbot...")
		botErr <- bot.StartSlackBot(botCtx)
	}()

	select {
	case <-state.Exiting():
	case err := <-botErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("Slack bot error: %v", err)
		}
	}

	Shutdown(sessions, cfg.ExitPolicy, cfg.ExitDrainTimeout(), abandon)
	stopBot()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Admin server shutdown error: %v", err)
	}
	log.Printf("Packbot stopped")
}

// Drainer is the session manager surface used during shutdown.
type Drainer interface {
	InFlight() int64
	Wait(ctx context.Context) error
}

// Shutdown applies the exit policy: under "drain" it waits up to timeout for
// in-flight sessions, then calls abandon to cancel whatever is left. It
// reports whether every session finished on its own.
func Shutdown(sessions Drainer, policy string, timeout time.Duration, abandon context.CancelFunc) bool {
	defer abandon()

	inFlight := sessions.InFlight()
	if policy != config.ExitPolicyDrain || inFlight == 0 {
		if inFlight > 0 {
			log.Printf("Exit: abandoning %d in-flight sessions", inFlight)
		}
		return inFlight == 0
	}

	log.Printf("Exit: draining %d in-flight sessions (up to %s)", inFlight, timeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := sessions.Wait(ctx); err != nil {
		log.Printf("Exit: drain timed out, abandoning %d sessions", sessions.InFlight())
		return false
	}
	log.Printf("Exit: all sessions finished")
	return true
}

func openCacheBackend(cfg config.Config) cache.Backend {
	switch cfg.CacheBackend {
	case config.CacheBackendBadger:
		b, err := badgerstore.Open(badgerstore.DefaultConfig(cfg.BadgerPath))
		if err != nil {
			log.Error("Failed to open badger cache, continuing without cache", "path", cfg.BadgerPath, "err", err)
			return nil
		}
		log.Printf("Badger cache opened at %s", cfg.BadgerPath)
		return b
	default:
		b, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			log.Error("Failed to init database, continuing without cache", "path", cfg.DBPath, "err", err)
			return nil
		}
		log.Printf("Database initialized at %s", cfg.DBPath)
		return b
	}
}

func configureLogging(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetReportTimestamp(true)
}
