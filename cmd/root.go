package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	coreconfig "github.com/AzielCF/az-filter/core/config"
	coreDB "github.com/AzielCF/az-filter/core/database"
	domainFilter "github.com/AzielCF/az-filter/domains/filter"
	domainHealth "github.com/AzielCF/az-filter/domains/health"
	"github.com/AzielCF/az-filter/filter/domain/event"
	filterRepository "github.com/AzielCF/az-filter/filter/repository"
	filterUsecaseLayer "github.com/AzielCF/az-filter/filter/usecase"
	"github.com/AzielCF/az-filter/infrastructure/valkey"
	"github.com/AzielCF/az-filter/infrastructure/webhook"
	"github.com/AzielCF/az-filter/pkg/evworker"
	"github.com/AzielCF/az-filter/pkg/utils"
	"github.com/AzielCF/az-filter/ui/websocket"
	"github.com/AzielCF/az-filter/usecase"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	filterDB  *sql.DB
	vkClient  *valkey.Client
	forwarder *webhook.Forwarder

	filterRepo    filterRepository.IFilterRepository
	ruleCache     filterRepository.IRuleSetCache
	filterUsecase domainFilter.IFilterUsecase
	healthUsecase domainHealth.IHealthUsecase

	janitorCancel context.CancelFunc
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "az-filter",
	Short: "Per-account contact permission engine",
	Long: `az-filter stores each account's contact rules (default policy plus
per-sender whitelist entries) and answers whether a sender may reach an
owner, over an HTTP API consulted by the messaging gateway.`,
}

func init() {
	// Load environment variables first
	utils.LoadConfig(".")

	time.Local = time.UTC

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	initFlags()

	cobra.OnInitialize(initEnvConfig, initApp)
}

// initEnvConfig applies viper-visible environment overrides on top of the
// structured config.
func initEnvConfig() {
	if _, err := coreconfig.LoadConfig(); err != nil {
		logrus.Fatalf("failed to load configuration: %v", err)
	}

	viper.AutomaticEnv()

	if envPort := viper.GetString("app_port"); envPort != "" {
		coreconfig.Global.App.Port = envPort
	}
	if viper.GetBool("app_debug") {
		coreconfig.Global.App.Debug = true
	}
	if envBasicAuth := viper.GetString("app_basic_auth"); envBasicAuth != "" {
		coreconfig.Global.App.BasicAuth = strings.Split(envBasicAuth, ",")
	}
	if envWebhook := viper.GetString("webhook_urls"); envWebhook != "" {
		coreconfig.Global.Webhook.URLs = strings.Split(envWebhook, ",")
	}
	if envSecret := viper.GetString("webhook_secret"); envSecret != "" {
		coreconfig.Global.Webhook.Secret = envSecret
	}

	applyFlagOverrides()
}

var (
	flagPort          string
	flagDebug         bool
	flagBasicAuth     []string
	flagDBDriver      string
	flagWebhook       []string
	flagWebhookSecret string
	flagEventWorkers  int
	flagEventQueue    int
)

func initFlags() {
	rootCmd.PersistentFlags().StringVarP(
		&flagPort,
		"port", "p",
		"",
		"change port number with --port <number> | example: --port=8080",
	)
	rootCmd.PersistentFlags().BoolVarP(
		&flagDebug,
		"debug", "d",
		false,
		"hide or displaying log with --debug <true/false> | example: --debug=true",
	)
	rootCmd.PersistentFlags().StringSliceVarP(
		&flagBasicAuth,
		"basic-auth", "b",
		nil,
		"basic auth credential | -b=yourUsername:yourPassword",
	)
	rootCmd.PersistentFlags().StringVarP(
		&flagDBDriver,
		"db-driver", "",
		"",
		`database driver --db-driver <string> | example: --db-driver="postgres" (default: sqlite)`,
	)
	rootCmd.PersistentFlags().StringSliceVarP(
		&flagWebhook,
		"webhook", "w",
		nil,
		`forward filter events to webhook --webhook <string> | example: --webhook="https://yourcallback.com/callback"`,
	)
	rootCmd.PersistentFlags().StringVarP(
		&flagWebhookSecret,
		"webhook-secret", "",
		"",
		`secure webhook request --webhook-secret <string> | example: --webhook-secret="super-secret-key"`,
	)
	rootCmd.PersistentFlags().IntVarP(
		&flagEventWorkers,
		"event-workers", "",
		0,
		`number of concurrent event workers --event-workers <number> | example: --event-workers=16 (default: 8)`,
	)
	rootCmd.PersistentFlags().IntVarP(
		&flagEventQueue,
		"event-queue-size", "",
		0,
		`queue size per event worker --event-queue-size <number> | example: --event-queue-size=512 (default: 256)`,
	)
}

func applyFlagOverrides() {
	cfg := coreconfig.Global
	if flagPort != "" {
		cfg.App.Port = flagPort
	}
	if flagDebug {
		cfg.App.Debug = true
	}
	if len(flagBasicAuth) > 0 {
		cfg.App.BasicAuth = flagBasicAuth
	}
	if flagDBDriver != "" {
		cfg.Database.Driver = flagDBDriver
	}
	if len(flagWebhook) > 0 {
		cfg.Webhook.URLs = flagWebhook
	}
	if flagWebhookSecret != "" {
		cfg.Webhook.Secret = flagWebhookSecret
	}
	if flagEventWorkers > 0 {
		cfg.WorkerPool.Size = flagEventWorkers
	}
	if flagEventQueue > 0 {
		cfg.WorkerPool.QueueSize = flagEventQueue
	}
}

// filterEventSink fans persisted events out through the sharded worker pool:
// websocket broadcast first, then webhook delivery. Publish never blocks the
// mutation path.
type filterEventSink struct {
	pool      *evworker.EventWorkerPool
	forwarder *webhook.Forwarder
}

func (s *filterEventSink) Publish(ev event.FilterEvent) {
	s.pool.Dispatch(evworker.EventJob{
		Owner: ev.Owner,
		Handler: func(ctx context.Context) error {
			websocket.BroadcastEvent(ev)
			if s.forwarder != nil && s.forwarder.HasTargets() {
				return s.forwarder.ForwardEvent(ctx, ev)
			}
			return nil
		},
	})
}

func initApp() {
	cfg := coreconfig.Global

	if cfg.App.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := utils.CreateFolder(cfg.Paths.Storages); err != nil {
		logrus.Errorln(err)
	}

	ctx := context.Background()

	// Rule store: raw sqlite by default, gorm for postgres deployments.
	switch cfg.Database.Driver {
	case "postgres":
		gormDB, err := coreDB.NewDatabase(cfg)
		if err != nil {
			logrus.Fatalf("failed to open database: %v", err)
		}
		filterRepo = filterRepository.NewFilterGormRepository(gormDB)
	default:
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", cfg.Database.Name))
		if err != nil {
			logrus.Fatalf("failed to open sqlite database: %v", err)
		}
		filterDB = db
		filterRepo = filterRepository.NewSQLiteRepository(db)
	}
	if err := filterRepo.Init(ctx); err != nil {
		logrus.Fatalf("failed to init rule store: %v", err)
	}

	// Rule cache: Valkey when enabled, in-process fallback.
	if cfg.Database.ValkeyEnabled {
		client, err := valkey.NewClient(valkey.Config{
			Address:   cfg.Database.ValkeyAddress,
			Password:  cfg.Database.ValkeyPassword,
			DB:        cfg.Database.ValkeyDB,
			KeyPrefix: cfg.Database.ValkeyKeyPrefix,
		})
		if err != nil {
			logrus.Fatalf("failed to connect to valkey: %v", err)
		}
		vkClient = client
		ruleCache = filterRepository.NewValkeyRuleCache(client)

		serverID := utils.GetPersistentServerID(cfg.App.ServerID, cfg.Paths.Storages)
		websocket.SetValkeyClient(client, serverID)
		logrus.Infof("[APP] Valkey cache enabled (server %s)", serverID)
	} else {
		ruleCache = filterRepository.NewMemoryRuleCache()
	}

	forwarder = webhook.NewForwarder(cfg.Webhook)

	sink := &filterEventSink{
		pool:      evworker.GetGlobalPool(),
		forwarder: forwarder,
	}

	filterUsecase = filterUsecaseLayer.NewFilterUsecase(filterRepo, filterUsecaseLayer.Config{
		Cache:              ruleCache,
		Events:             sink,
		CacheTTL:           time.Duration(cfg.Filter.CacheTTLSeconds) * time.Second,
		MaxEntriesPerOwner: cfg.Filter.MaxEntriesPerOwner,
	})

	healthUsecase = usecase.NewHealthService(filterRepo, ruleCache)
	forwarder.SetHealthUsecase(healthUsecase)
	healthUsecase.StartPeriodicChecks(ctx)

	startEventJanitor(cfg.Filter.EventRetentionDays)
}

// startEventJanitor prunes audit events older than the retention window once
// per hour.
func startEventJanitor(retentionDays int) {
	if retentionDays <= 0 {
		return
	}

	var ctx context.Context
	ctx, janitorCancel = context.WithCancel(context.Background())

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
				pruned, err := filterRepo.PruneEvents(ctx, cutoff)
				if err != nil {
					logrus.WithError(err).Warn("[JANITOR] Failed to prune events")
					continue
				}
				if pruned > 0 {
					logrus.Infof("[JANITOR] Pruned %d events older than %s", pruned, cutoff.Format(time.RFC3339))
				}
			}
		}
	}()
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// StopApp performs a clean shutdown of all connections and services.
func StopApp() {
	logrus.Info("[APP] Stopping application...")

	if janitorCancel != nil {
		janitorCancel()
	}

	evworker.StopGlobalPool()

	if filterDB != nil {
		if err := filterDB.Close(); err != nil {
			logrus.WithError(err).Warn("[APP] Failed to close rule store")
		}
	}
	if vkClient != nil {
		vkClient.Close()
	}

	logrus.Info("[APP] Application stopped cleanly.")
}
