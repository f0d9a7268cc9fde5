package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/MailPipe/internal/api"
	"github.com/BTreeMap/MailPipe/internal/dispatch"
	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/retention"
	"github.com/BTreeMap/MailPipe/internal/store"
	"github.com/BTreeMap/MailPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for MailPipe state data
	DefaultStateDir = "/var/lib/mailpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "mailpipe.db"
	// DefaultRateLimitPerSecond is the default mail API allowance
	DefaultRateLimitPerSecond = 14
	// DefaultWorkers is the default size of the dispatch and callback pools
	DefaultWorkers = 4
	// DefaultRetentionCron starts both retention sweeps once a day
	DefaultRetentionCron = "0 3 * * *"
	// DefaultSMTPPort is the submission port used when SMTP_PORT is unset
	DefaultSMTPPort = 587
)

func main() {
	initializeLogger(os.Getenv("MAILPIPE_LOG_LEVEL"))

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)
	// .env and -log-level may change the level.
	initializeLogger(*flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping MailPipe")
	slog.Debug("Final configuration",
		"stateDir", *flags.stateDir,
		"dsnType", store.DetectDSNType(*flags.dbDSN),
		"apiAddr", *flags.apiAddr,
		"mailAPI", config.MailAPIURL != "",
		"smtp", config.SMTPHost != "",
		"redis", config.RedisURL != "")

	if err := run(ctx, config, flags); err != nil {
		slog.Error("MailPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("MailPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir    string
	DatabaseURL string
	APIAddr     string
	LogLevel    string

	MailAPIURL   string
	MailAPIKey   string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string

	RedisURL           string
	RateLimitPerSecond int
	RetryAttempts      int
	InitialBackoffMs   int64
	EventCallbackURL   string
	WebhookToken       string

	DispatchWorkers int
	CallbackWorkers int

	RetentionFinalizedAge time.Duration
	RetentionAbandonedAge time.Duration
	RetentionCron         string
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	apiAddr       *string
	logLevel      *string
	rateLimit     *int
	retentionCron *string
}

// initializeLogger sets up structured logging at the given level, defaulting to info.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:     os.Getenv("MAILPIPE_STATE_DIR"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		APIAddr:      os.Getenv("API_ADDR"),
		LogLevel:     os.Getenv("MAILPIPE_LOG_LEVEL"),
		MailAPIURL:   os.Getenv("MAIL_API_URL"),
		MailAPIKey:   os.Getenv("MAIL_API_KEY"),
		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     util.ParseIntEnv("SMTP_PORT", DefaultSMTPPort),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),

		RedisURL:           os.Getenv("REDIS_URL"),
		RateLimitPerSecond: util.ParseIntEnv("RATE_LIMIT_PER_SECOND", DefaultRateLimitPerSecond),
		RetryAttempts:      util.ParseIntEnv("RETRY_ATTEMPTS", dispatch.DefaultRetryAttempts),
		InitialBackoffMs:   util.ParseMillisEnv("INITIAL_BACKOFF_MS", dispatch.DefaultInitialBackoff).Milliseconds(),
		EventCallbackURL:   os.Getenv("EVENT_CALLBACK_URL"),
		WebhookToken:       os.Getenv("WEBHOOK_TOKEN"),

		DispatchWorkers: util.ParseIntEnv("DISPATCH_WORKERS", DefaultWorkers),
		CallbackWorkers: util.ParseIntEnv("CALLBACK_WORKERS", DefaultWorkers),

		RetentionFinalizedAge: util.ParseDaysEnv("RETENTION_FINALIZED_DAYS", retention.DefaultFinalizedAge),
		RetentionAbandonedAge: util.ParseDaysEnv("RETENTION_ABANDONED_DAYS", retention.DefaultAbandonedAge),
		RetentionCron:         os.Getenv("RETENTION_CRON"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
	}
	if config.RetentionCron == "" {
		config.RetentionCron = DefaultRetentionCron
	}

	slog.Debug("environment variables loaded",
		"MAILPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"API_ADDR", config.APIAddr,
		"MAIL_API_URL_SET", config.MailAPIURL != "",
		"MAIL_API_KEY_SET", config.MailAPIKey != "",
		"SMTP_HOST", config.SMTPHost,
		"REDIS_URL_SET", config.RedisURL != "",
		"RATE_LIMIT_PER_SECOND", config.RateLimitPerSecond,
		"EVENT_CALLBACK_URL_SET", config.EventCallbackURL != "",
		"WEBHOOK_TOKEN_SET", config.WebhookToken != "",
		"RETENTION_CRON", config.RetentionCron)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	return parseFlags(flag.CommandLine, os.Args[1:], config)
}

func parseFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for MailPipe data (overrides $MAILPIPE_STATE_DIR)"),
		dbDSN:         fs.String("db-dsn", config.DatabaseURL, "PostgreSQL DSN or SQLite path (overrides $DATABASE_URL)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		logLevel:      fs.String("log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $MAILPIPE_LOG_LEVEL)"),
		rateLimit:     fs.Int("rate-limit", config.RateLimitPerSecond, "mail API messages per second (overrides $RATE_LIMIT_PER_SECOND)"),
		retentionCron: fs.String("retention-cron", config.RetentionCron, "cron expression for retention sweeps (overrides $RETENTION_CRON)"),
	}
	if err := fs.Parse(args); err != nil {
		slog.Warn("failed to parse flags", "error", err)
	}

	// Follow a changed state directory when the DSN is still the default SQLite path.
	defaultDSN := filepath.Join(config.StateDir, DefaultDBFileName)
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == defaultDSN && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}
	return flags
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return []store.Option{store.WithPostgresDSN(*flags.dbDSN)}
	}
	return []store.Option{store.WithSQLiteDSN(*flags.dbDSN)}
}

// buildSendConfig assembles the send configuration cached for background jobs.
func buildSendConfig(config Config, flags Flags) models.SendConfig {
	return models.SendConfig{
		APIKey:             config.MailAPIKey,
		RateLimitPerSecond: *flags.rateLimit,
		RetryAttempts:      config.RetryAttempts,
		InitialBackoffMs:   config.InitialBackoffMs,
		EventCallback:      config.EventCallbackURL,
	}
}

// buildRetentionOptions constructs retention sweeper options
func buildRetentionOptions(config Config) []retention.Option {
	return []retention.Option{
		retention.WithFinalizedAge(config.RetentionFinalizedAge),
		retention.WithAbandonedAge(config.RetentionAbandonedAge),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if config.WebhookToken != "" {
		apiOpts = append(apiOpts, api.WithWebhookToken(config.WebhookToken))
	}
	return apiOpts
}
