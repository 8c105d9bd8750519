package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/lockwarden/internal/account"
	"github.com/agentworkforce/lockwarden/internal/controlplane"
	"github.com/agentworkforce/lockwarden/internal/httpapi"
	"github.com/agentworkforce/lockwarden/internal/lockwarden"
	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
)

const (
	exitRuntime = 1
	exitConfig  = 2
)

type config struct {
	ownerID      string
	root         string
	port         string
	gatewayURL   string
	stateDSN     string
	statusToken  string
	boss         string
	logLevel     string
	saveInterval time.Duration
	selfListen   bool

	statusRateLimit  int
	statusRateWindow time.Duration

	// Zero means "not set here", so the tuning file or defaults apply.
	nicknamePacing    time.Duration
	retryBase         time.Duration
	retryStep         time.Duration
	callTimeout       time.Duration
	nicknameRetries   int
	maxInFlightEvents int
}

type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func main() {
	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitConfig)
	}
	logger := newLogger(os.Stderr, cfg.logLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("lockwarden stopped", "err", err)
		if errors.Is(err, account.ErrConfig) {
			os.Exit(exitConfig)
		}
		os.Exit(exitRuntime)
	}
}

func parseFlags(args []string, stderr io.Writer) (config, error) {
	var cfg config
	flagSet := pflag.NewFlagSet("lockwarden", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&cfg.root, "root", envOrDefault("LOCKWARDEN_ROOT", "."), "data root containing users/<owner>/")
	flagSet.StringVar(&cfg.port, "port", envOrDefault("PORT", "3000"), "keepalive HTTP port")
	flagSet.StringVar(&cfg.gatewayURL, "gateway-url", envOrDefault("LOCKWARDEN_GATEWAY_URL", ""), "messaging gateway websocket URL")
	flagSet.StringVar(&cfg.stateDSN, "state-dsn", envOrDefault("LOCKWARDEN_STATE_DSN", ""), "lock state backend DSN (default file://<owner dir>/locks.json)")
	flagSet.StringVar(&cfg.statusToken, "status-token", envOrDefault("LOCKWARDEN_STATUS_TOKEN", ""), "bearer token for GET /v1/locks (empty disables the route)")
	flagSet.IntVar(&cfg.statusRateLimit, "status-rate-limit", intEnv("LOCKWARDEN_STATUS_RATE_LIMIT", 60), "GET /v1/locks requests allowed per client per window (0 disables limiting)")
	flagSet.DurationVar(&cfg.statusRateWindow, "status-rate-window", durationEnv("LOCKWARDEN_STATUS_RATE_WINDOW", time.Minute), "window for --status-rate-limit")
	flagSet.StringVar(&cfg.boss, "boss", envOrDefault("LOCKWARDEN_BOSS", ""), "boss identity used when admin.txt is absent (default: the owner id)")
	flagSet.StringVar(&cfg.logLevel, "log-level", envOrDefault("LOCKWARDEN_LOG_LEVEL", "info"), "debug, info, warn or error")
	flagSet.DurationVar(&cfg.saveInterval, "save-interval", durationEnv("LOCKWARDEN_SAVE_INTERVAL", time.Minute), "periodic lock state save interval")
	flagSet.BoolVar(&cfg.selfListen, "self-listen", boolEnv("LOCKWARDEN_SELF_LISTEN", true), "also receive messages sent by the logged-in account")
	flagSet.DurationVar(&cfg.nicknamePacing, "nickname-pacing", durationEnv("LOCKWARDEN_NICKNAME_PACING", 0), "pause between queued nickname changes")
	flagSet.DurationVar(&cfg.retryBase, "retry-base", durationEnv("LOCKWARDEN_RETRY_BASE", 0), "first nickname retry delay")
	flagSet.DurationVar(&cfg.retryStep, "retry-step", durationEnv("LOCKWARDEN_RETRY_STEP", 0), "added delay per further nickname retry")
	flagSet.DurationVar(&cfg.callTimeout, "call-timeout", durationEnv("LOCKWARDEN_CALL_TIMEOUT", 0), "timeout for each gateway call")
	flagSet.IntVar(&cfg.nicknameRetries, "nickname-retries", intEnv("LOCKWARDEN_NICKNAME_RETRIES", 0), "attempts per nickname change")
	flagSet.IntVar(&cfg.maxInFlightEvents, "max-in-flight", intEnv("LOCKWARDEN_MAX_IN_FLIGHT", 0), "concurrent event handlers")
	flagSet.Usage = func() {
		fmt.Fprintf(stderr, "Usage:\n  lockwarden [flags] <ownerID>\n\nFlags:\n%s", flagSet.FlagUsages())
	}

	if err := flagSet.Parse(args); err != nil {
		return config{}, err
	}
	rest := flagSet.Args()
	if len(rest) == 0 || strings.TrimSpace(rest[0]) == "" {
		flagSet.Usage()
		return config{}, &usageError{msg: "owner id argument is required"}
	}
	if len(rest) > 1 {
		return config{}, &usageError{msg: "unexpected argument: " + rest[1]}
	}
	cfg.ownerID = strings.TrimSpace(rest[0])
	if strings.TrimSpace(cfg.gatewayURL) == "" {
		return config{}, &usageError{msg: "gateway url is required (--gateway-url or LOCKWARDEN_GATEWAY_URL)"}
	}
	return cfg, nil
}

func newLogger(w io.Writer, level string) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          "lockwarden",
	})
	parsed, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		logger.Warn("unknown log level, using info", "level", level)
		parsed = log.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

// applyOverrides layers flag and env values over the tuning file.
func applyOverrides(tuning account.Tuning, cfg config) account.Tuning {
	if cfg.nicknamePacing > 0 {
		tuning.NicknamePacing.Duration = cfg.nicknamePacing
	}
	if cfg.retryBase > 0 {
		tuning.RetryBase.Duration = cfg.retryBase
	}
	if cfg.retryStep > 0 {
		tuning.RetryStep.Duration = cfg.retryStep
	}
	if cfg.callTimeout > 0 {
		tuning.CallTimeout.Duration = cfg.callTimeout
	}
	if cfg.nicknameRetries > 0 {
		tuning.NicknameRetries = cfg.nicknameRetries
	}
	if cfg.maxInFlightEvents > 0 {
		tuning.MaxInFlightEvents = cfg.maxInFlightEvents
	}
	return tuning
}

// stateDSNFor picks the lock state DSN and scopes postgres rows to the owner.
func stateDSNFor(configured string, layout *account.Layout) (string, error) {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		return "file://" + layout.LocksPath(), nil
	}
	parsed, err := url.Parse(configured)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		query := parsed.Query()
		if strings.TrimSpace(query.Get("owner")) == "" {
			query.Set("owner", layout.OwnerID)
			parsed.RawQuery = query.Encode()
		}
		return parsed.String(), nil
	default:
		return configured, nil
	}
}

func newHTTPHandler(cfg config, status httpapi.StatusSource, logger *log.Logger) http.Handler {
	return httpapi.NewServer(httpapi.ServerConfig{
		Status:          status,
		Token:           cfg.statusToken,
		RateLimitMax:    cfg.statusRateLimit,
		RateLimitWindow: cfg.statusRateWindow,
		Logger:          logger,
	})
}

func run(cfg config, logger *log.Logger) error {
	layout, err := account.Open(cfg.root, cfg.ownerID)
	if err != nil {
		return err
	}
	tuning, err := layout.Tuning()
	if err != nil {
		return err
	}
	tuning = applyOverrides(tuning, cfg)
	appState, err := layout.AppState()
	if err != nil {
		return err
	}

	dsn, err := stateDSNFor(cfg.stateDSN, layout)
	if err != nil {
		return &account.ConfigError{Op: "parse state dsn", Err: err}
	}
	backend, err := lockwarden.BuildStateBackendFromDSN(dsn)
	if err != nil {
		return &account.ConfigError{Op: "build state backend", Err: err}
	}
	store := lockwarden.NewStore(lockwarden.StoreOptions{Backend: backend, Logger: logger.WithPrefix("store")})
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing state backend failed", "err", err)
		}
	}()
	// A *PersistenceWarning is already logged and the store runs on defaults.
	_ = store.Load()

	authorizer := lockwarden.NewStaticAuthorizer(layout.BossID(cfg.boss))
	if !cfg.selfListen && authorizer.Boss() == layout.OwnerID {
		logger.Warn("self-listen is off and the boss is the owner account, so its commands will not arrive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := controlplane.Dial(ctx, controlplane.Options{
		URL:          cfg.gatewayURL,
		AppState:     appState,
		ListenEvents: true,
		SelfListen:   cfg.selfListen,
		Logger:       logger.WithPrefix("gateway"),
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer client.Close()

	agent := lockwarden.NewAgent(lockwarden.AgentOptions{
		Plane:             client,
		Store:             store,
		Authorizer:        authorizer,
		PhotosDir:         layout.PhotosDir(),
		NicknamePacing:    tuning.NicknamePacing.Duration,
		RetryBase:         tuning.RetryBase.Duration,
		RetryStep:         tuning.RetryStep.Duration,
		NicknameRetries:   tuning.NicknameRetries,
		MaxInFlightEvents: tuning.MaxInFlightEvents,
		CallTimeout:       tuning.CallTimeout.Duration,
		SelfID:            client.UserID,
		Logger:            logger.WithPrefix("agent"),
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-client.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	watcher, err := lockwarden.NewAdminWatcher(lockwarden.AdminWatcherOptions{
		Dir:        layout.Dir,
		PhotosDir:  layout.PhotosDir(),
		Resolve:    func() string { return layout.BossID(cfg.boss) },
		Authorizer: authorizer,
		Logger:     logger.WithPrefix("admin"),
	})
	if err != nil {
		return err
	}
	go func() {
		if err := watcher.Run(runCtx); err != nil {
			logger.Warn("admin watcher stopped", "err", err)
		}
	}()

	saveDone := make(chan struct{})
	go func() {
		defer close(saveDone)
		store.RunPeriodicSave(runCtx, cfg.saveInterval)
	}()

	server := &http.Server{
		Addr:              net.JoinHostPort("", cfg.port),
		Handler:           newHTTPHandler(cfg, agent, logger.WithPrefix("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("keepalive listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("keepalive server failed", "err", err)
		}
	}()

	logger.Info("lockwarden running", "owner", layout.OwnerID, "user", client.UserID(), "state", dsn)
	runErr := agent.Run(runCtx, client.Events())

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = server.Shutdown(shutdownCtx)
	cancel()
	<-saveDone

	if err := client.Err(); err != nil {
		return err
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info("lockwarden stopped")
	return nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn("invalid duration env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn("invalid integer env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warn("invalid boolean env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}
