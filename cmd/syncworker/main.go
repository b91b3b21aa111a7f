// Package main implements the syncworker binary which periodically pulls
// source-control and issue-tracker activity into PostgreSQL, one instance at
// a time under a distributed lock.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/syncworker/internal/db"
	"github.com/cybertec-postgresql/syncworker/internal/etcd"
	"github.com/cybertec-postgresql/syncworker/internal/github"
	"github.com/cybertec-postgresql/syncworker/internal/jira"
	"github.com/cybertec-postgresql/syncworker/internal/lock"
	"github.com/cybertec-postgresql/syncworker/internal/log"
	"github.com/cybertec-postgresql/syncworker/internal/metrics"
	"github.com/cybertec-postgresql/syncworker/internal/sync"
)

// Config holds the application configuration
type Config struct {
	PostgresDSN   string        `short:"p" env:"SYNCWORKER_POSTGRES_DSN" long:"postgres-dsn" description:"PostgreSQL connection string"`
	LockBackend   string        `env:"SYNCWORKER_LOCK_BACKEND" long:"lock-backend" description:"Distributed lock store" choice:"etcd" choice:"redis" choice:"postgres" choice:"memory" default:"etcd"`
	EtcdDSN       string        `short:"e" env:"SYNCWORKER_ETCD_DSN" long:"etcd-dsn" description:"etcd connection string"`
	RedisURL      string        `short:"r" env:"SYNCWORKER_REDIS_URL" long:"redis-url" description:"Redis connection URL"`
	LockKey       string        `env:"SYNCWORKER_LOCK_KEY" long:"lock-key" description:"Key of the distributed lock" default:"syncworker:lock"`
	LockTTL       time.Duration `env:"SYNCWORKER_LOCK_TTL" long:"lock-ttl" description:"Lock expiry, must be shorter than the sync interval" default:"20m"`
	NoLockRenew   bool          `env:"SYNCWORKER_NO_LOCK_RENEW" long:"no-lock-renew" description:"Do not extend the lock while a cycle runs"`
	SyncInterval  time.Duration `env:"SYNCWORKER_SYNC_INTERVAL" long:"sync-interval" description:"Time between sync cycles" default:"30m"`
	SyncWorkers   int           `env:"SYNCWORKER_SYNC_WORKERS" long:"sync-workers" description:"Integrations synchronized concurrently" default:"1"`
	GitHubToken   string        `env:"SYNCWORKER_GITHUB_TOKEN" long:"github-token" description:"GitHub access token"`
	GitHubURL     string        `env:"SYNCWORKER_GITHUB_URL" long:"github-url" description:"GitHub Enterprise base URL, empty for github.com"`
	JiraSite      string        `env:"SYNCWORKER_JIRA_SITE" long:"jira-site" description:"Jira site used for tracker projects without one"`
	JiraUser      string        `env:"SYNCWORKER_JIRA_USER" long:"jira-user" description:"Jira user name"`
	JiraToken     string        `env:"SYNCWORKER_JIRA_TOKEN" long:"jira-token" description:"Jira API token"`
	MetricsListen string        `env:"SYNCWORKER_METRICS_LISTEN" long:"metrics-listen" description:"Address to serve Prometheus metrics on, empty disables"`
	UpgradeSchema bool          `env:"SYNCWORKER_UPGRADE_SCHEMA" long:"upgrade-schema" description:"Apply pending schema migrations on startup"`
	LogLevel      string        `short:"l" env:"SYNCWORKER_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	LogFormat     string        `env:"SYNCWORKER_LOG_FORMAT" long:"log-format" description:"Log output format" choice:"text" choice:"json" default:"text"`
	Version       bool          `short:"v" long:"version" description:"Show version information"`
	Help          bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	return
}

// Validate checks option combinations go-flags cannot express
func (c *Config) Validate() error {
	if c.PostgresDSN == "" {
		return errors.New("PostgreSQL connection string is required")
	}
	switch c.LockBackend {
	case lock.BackendEtcd:
		if c.EtcdDSN == "" {
			return errors.New("etcd lock backend requires --etcd-dsn")
		}
	case lock.BackendRedis:
		if c.RedisURL == "" {
			return errors.New("redis lock backend requires --redis-url")
		}
	}
	return c.SyncConfig().Validate()
}

// SyncConfig converts the command line into the scheduler configuration
func (c *Config) SyncConfig() sync.Config {
	cfg := sync.DefaultConfig()
	cfg.Interval = c.SyncInterval
	cfg.LockKey = c.LockKey
	cfg.LockTTL = c.LockTTL
	cfg.RenewLock = !c.NoLockRenew
	cfg.Workers = c.SyncWorkers
	cfg.DefaultSiteURL = c.JiraSite
	return cfg
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("syncworker version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(logLevel, logFormat string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(log.NewFormatter(logFormat == "json"))
	logrus.SetReportCaller(false)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("syncworker logging initialized")

	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

// NewLocker connects to the configured lock store. The returned func closes
// whatever connection the backend opened.
func NewLocker(ctx context.Context, config *Config, pool db.PgxIface) (lock.Locker, func(), error) {
	switch config.LockBackend {
	case lock.BackendEtcd:
		client, err := etcd.NewEtcdClientWithRetry(ctx, config.EtcdDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		return lock.NewEtcd(client.Client(), client.Key), func() { _ = client.Close() }, nil
	case lock.BackendRedis:
		client, err := lock.NewRedisClientWithRetry(ctx, config.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return lock.NewRedis(client), func() { _ = client.Close() }, nil
	case lock.BackendPostgres:
		return lock.NewPostgres(pool), func() {}, nil
	case lock.BackendMemory:
		logrus.Warn("In-memory lock does not coordinate between instances")
		return lock.NewInMemory(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown lock backend %q", config.LockBackend)
}

func run(ctx context.Context, config *Config) error {
	pgPool, err := db.NewWithRetry(ctx, config.PostgresDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL after retries: %w", err)
	}
	defer pgPool.Close()

	if config.UpgradeSchema {
		if err := db.ApplyMigrations(ctx, pgPool); err != nil {
			return err
		}
	} else if needed, err := db.NeedsMigration(ctx, pgPool); err != nil {
		return err
	} else if needed {
		return errors.New("database schema is outdated, restart with --upgrade-schema")
	}

	locker, closeLocker, err := NewLocker(ctx, config, pgPool)
	if err != nil {
		return err
	}
	defer closeLocker()

	store := db.NewActivityStore(pgPool)
	gh, err := github.NewClient(ctx, github.Config{Token: config.GitHubToken, BaseURL: config.GitHubURL}, store)
	if err != nil {
		return err
	}
	issues := jira.NewClient(jira.Config{
		User:        config.JiraUser,
		Token:       config.JiraToken,
		DefaultSite: config.JiraSite,
	}, store)

	if config.MetricsListen != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterSyncMetrics(reg)
		go func() {
			if err := metrics.Serve(ctx, config.MetricsListen, reg); err != nil {
				logrus.WithError(err).Error("Metrics endpoint failed")
			}
		}()
	}

	syncConfig := config.SyncConfig()
	service := sync.NewService(
		syncConfig,
		lock.NewManager(locker, config.LockBackend),
		db.NewGateway(pgPool),
		sync.NewOrchestrator(gh, issues, syncConfig),
	)
	return service.Start(ctx)
}

func main() {
	// Quick check for version flags before full parsing
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	config, err := ParseCLI(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := SetupLogging(config.LogLevel, config.LogFormat); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	if err := config.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	if err := run(ctx, config); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("Sync worker failed")
	}

	logrus.Info("Graceful shutdown completed")
}
