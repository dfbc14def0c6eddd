package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"bybit-trading-bot/config"
	"bybit-trading-bot/internal/bybit"
	"bybit-trading-bot/internal/database"
	"bybit-trading-bot/internal/logging"
	"bybit-trading-bot/internal/monitor"
	"bybit-trading-bot/internal/notification"
	"bybit-trading-bot/internal/persist"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg.LoggingConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	logger.Info().
		Bool("testnet", cfg.BybitConfig.TestNet).
		Bool("mirror", cfg.BybitConfig.MirrorEnabled()).
		Msg("Starting TP/SL position monitor")

	// Monitor state is restored before anything touches the exchange. A
	// corrupted snapshot is fatal: running blind against live positions is
	// worse than refusing to start.
	snapshots := persist.NewSnapshotStore(cfg.MonitorConfig.SnapshotPath, logger)
	monitors, err := snapshots.Load()
	if err != nil {
		if errors.Is(err, persist.ErrCorrupted) {
			logger.Fatal().Err(err).Str("path", cfg.MonitorConfig.SnapshotPath).
				Msg("Monitor snapshot is corrupted, refusing to start")
		}
		logger.Fatal().Err(err).Msg("Failed to load monitor snapshot")
	}

	store := monitor.NewStore(snapshots, logger)
	if err := store.Load(monitors); err != nil {
		logger.Fatal().Err(err).Msg("Failed to restore monitors")
	}
	logger.Info().Int("monitors", store.Count()).Msg("Monitor state restored")

	clients := buildClients(cfg, logger)

	// Alert port. Mirror monitors carry no chat id and stay silent
	// regardless of what channels are enabled here.
	alerts := notification.NewManager(logger)
	if cfg.NotificationConfig.Enabled {
		alerts.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
			BotToken: cfg.NotificationConfig.Telegram.BotToken,
			Enabled:  cfg.NotificationConfig.Telegram.Enabled,
		}))
		alerts.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
			WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
			Enabled:    cfg.NotificationConfig.Discord.Enabled,
		}))
	}

	var archiver monitor.Archiver
	var db *database.DB
	if cfg.DatabaseConfig.Enabled {
		db, err = database.NewDB(database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := db.RunMigrations(migrateCtx); err != nil {
			cancel()
			logger.Fatal().Err(err).Msg("Database migrations failed")
		}
		cancel()
		archiver = database.NewArchiveRepository(db, logger)
	}

	var mirror monitor.StateMirror
	if cfg.RedisConfig.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		mirror = database.NewRedisStateMirror(redisClient, logger)
	}

	engineCfg := monitor.EngineConfig{
		Interval:           cfg.MonitorConfig.Interval(),
		Workers:            cfg.MonitorConfig.Workers,
		FillMatchTolerance: decimal.NewFromFloat(cfg.MonitorConfig.FillMatchTolerance),
		QuantityEpsilon:    decimal.NewFromFloat(cfg.MonitorConfig.QuantityEpsilon),
	}
	engine := monitor.NewEngine(engineCfg, store, clients, alerts, archiver, mirror, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adoptOrphans(ctx, cfg, engine, logger)

	// Private order streams wake the relevant monitor ahead of the next
	// scheduled cycle. Reconciliation stays correct without them; they only
	// shrink reaction time.
	var streams []*bybit.OrderStream
	if cfg.MonitorConfig.StreamEnabled && !cfg.BybitConfig.MockMode {
		streams = startOrderStreams(cfg, engine, logger)
	}
	defer func() {
		for _, s := range streams {
			s.Stop()
		}
	}()

	logger.Info().
		Dur("interval", engineCfg.Interval).
		Int("workers", engineCfg.Workers).
		Msg("Reconciliation engine starting")

	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Reconciliation engine stopped with error")
	}

	logger.Info().Msg("Shutdown complete")
}

// buildClients assembles the per-account gateway set. Each account gets its
// own credentialed client; there is no cross-account fallback.
func buildClients(cfg *config.Config, logger zerolog.Logger) *bybit.ClientSet {
	if cfg.BybitConfig.MockMode {
		logger.Warn().Msg("Mock mode enabled, no orders will reach the exchange")
		mocks := []bybit.Client{bybit.NewMockClient(bybit.AccountMain)}
		if cfg.BybitConfig.MirrorEnabled() {
			mocks = append(mocks, bybit.NewMockClient(bybit.AccountMirror))
		}
		return bybit.NewClientSet(mocks...)
	}

	clients := []bybit.Client{
		bybit.NewRestClient(bybit.AccountMain,
			cfg.BybitConfig.MainAPIKey, cfg.BybitConfig.MainSecretKey,
			cfg.BybitConfig.TestNet, logger),
	}
	if cfg.BybitConfig.MirrorEnabled() {
		clients = append(clients,
			bybit.NewRestClient(bybit.AccountMirror,
				cfg.BybitConfig.MirrorAPIKey, cfg.BybitConfig.MirrorSecretKey,
				cfg.BybitConfig.TestNet, logger))
	}
	return bybit.NewClientSet(clients...)
}

// adoptOrphans scans the configured symbols for live positions that have no
// monitor and adopts them. Main-account adoptions alert to the operator
// chat; mirror adoptions get no chat id and stay silent.
func adoptOrphans(ctx context.Context, cfg *config.Config, engine *monitor.Engine, logger zerolog.Logger) {
	if len(cfg.MonitorConfig.AdoptSymbols) == 0 {
		return
	}

	var chatID *int64
	if cfg.NotificationConfig.Telegram.ChatID != 0 {
		id := cfg.NotificationConfig.Telegram.ChatID
		chatID = &id
	}

	accounts := []bybit.Account{bybit.AccountMain}
	if cfg.BybitConfig.MirrorEnabled() {
		accounts = append(accounts, bybit.AccountMirror)
	}

	for _, account := range accounts {
		routedChat := chatID
		if account == bybit.AccountMirror {
			routedChat = nil
		}
		for _, symbol := range cfg.MonitorConfig.AdoptSymbols {
			m, err := engine.Adopt(ctx, account, symbol, routedChat)
			if err != nil {
				if errors.Is(err, monitor.ErrMonitorNotFound) || errors.Is(err, monitor.ErrMonitorExists) {
					continue // nothing to adopt on this symbol
				}
				logger.Warn().Err(err).
					Str("account", string(account)).
					Str("symbol", symbol).
					Msg("Orphan adoption failed")
				continue
			}
			if m != nil {
				logger.Info().
					Str("monitor_key", m.Key().String()).
					Str("remaining", m.RemainingSize.String()).
					Msg("Adopted orphan position")
			}
		}
	}
}

// startOrderStreams connects the private order stream for each configured
// account and routes fill hints into the engine.
func startOrderStreams(cfg *config.Config, engine *monitor.Engine, logger zerolog.Logger) []*bybit.OrderStream {
	type creds struct {
		account bybit.Account
		key     string
		secret  string
	}
	all := []creds{{bybit.AccountMain, cfg.BybitConfig.MainAPIKey, cfg.BybitConfig.MainSecretKey}}
	if cfg.BybitConfig.MirrorEnabled() {
		all = append(all, creds{bybit.AccountMirror, cfg.BybitConfig.MirrorAPIKey, cfg.BybitConfig.MirrorSecretKey})
	}

	var streams []*bybit.OrderStream
	for _, c := range all {
		stream := bybit.NewOrderStream(c.account, c.key, c.secret, cfg.BybitConfig.TestNet, logger)
		stream.OnOrderUpdate(engine.OnOrderUpdate)
		if err := stream.Start(); err != nil {
			logger.Warn().Err(err).
				Str("account", string(c.account)).
				Msg("Order stream failed to start, relying on periodic reconciliation")
			continue
		}
		streams = append(streams, stream)
	}
	return streams
}
