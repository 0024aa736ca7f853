package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os/signal"
	"syscall"

	rgs "github.com/maniabrasil/raspadinha-rgs"
	"github.com/maniabrasil/raspadinha-rgs/cashback"
	"github.com/maniabrasil/raspadinha-rgs/config"
	"github.com/maniabrasil/raspadinha-rgs/events"
	"github.com/maniabrasil/raspadinha-rgs/games"
	"github.com/maniabrasil/raspadinha-rgs/jobs"
	"github.com/maniabrasil/raspadinha-rgs/operator"
	"github.com/maniabrasil/raspadinha-rgs/probability"
	"github.com/maniabrasil/raspadinha-rgs/round"
	"github.com/maniabrasil/raspadinha-rgs/server"
	"github.com/maniabrasil/raspadinha-rgs/store/filestore"
	"github.com/maniabrasil/raspadinha-rgs/store/pgstore"
	"github.com/maniabrasil/raspadinha-rgs/wallet"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load .env: rgs/.env, cwd .env, or project root .env/.env.local
	_ = godotenv.Load(".env")
	_ = godotenv.Load("rgs/.env")
	_ = godotenv.Load("../.env")
	_ = godotenv.Load("../.env.local")
	cfg := config.Load()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("RGS stopped", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

type stores struct {
	rounds   round.Store
	wallets  wallet.Store
	cashback cashback.Store
	tables   probability.Repository
}

func openStores(ctx context.Context, cfg *config.Config, db *sql.DB, catalog *games.Registry) (*stores, error) {
	if db == nil {
		fs, err := filestore.Open(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		repo, err := probability.NewFileRepository(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return &stores{rounds: fs.Rounds(), wallets: fs.Wallets(), cashback: fs.Cashback(), tables: repo}, nil
	}
	if err := rgs.Migrate(ctx, db); err != nil {
		return nil, err
	}
	if err := games.Sync(ctx, db, catalog); err != nil {
		return nil, err
	}
	if err := games.LoadFromDB(ctx, db, catalog); err != nil {
		return nil, err
	}
	pg := pgstore.New(db)
	return &stores{rounds: pg.Rounds(), wallets: pg.Wallets(), cashback: pg.Cashback(), tables: probability.NewPGRepository(db)}, nil
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := rgs.OpenDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		logger.Info("using Postgres storage")
	} else {
		logger.Info("using file storage", zap.String("dir", cfg.DataDir))
	}

	catalog := games.Defaults()
	st, err := openStores(ctx, cfg, db, catalog)
	if err != nil {
		return err
	}

	op := operator.NewClient(cfg.OperatorEndpoint, cfg.OperatorSecret)

	tableOpts := []probability.Option{
		probability.WithLogger(logger),
		probability.WithAlerter(op),
		probability.WithRevalidateEvery(cfg.TableRevalidate),
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
		defer rdb.Close()
		tableOpts = append(tableOpts, probability.WithNotifier(probability.NewRedisNotifier(rdb, cfg.RedisChannel, logger)))
	}
	tables := probability.NewStore(st.tables, catalog, tableOpts...)
	if cfg.SeedDefaultTables {
		if err := tables.Seed(ctx, "system"); err != nil {
			return err
		}
	}
	go func() {
		if err := tables.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("probability change watch stopped", zap.Error(err))
		}
	}()

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return err
		}
		publisher = p
	}
	defer publisher.Close()

	roundOpts := []round.Option{
		round.WithPublisher(publisher),
		round.WithNotifier(op),
		round.WithLogger(logger),
	}
	if db != nil {
		roundOpts = append(roundOpts, round.WithGameStatus(games.NewDBStatus(db)))
	}
	rounds := round.NewService(st.rounds, tables, catalog, round.Config{
		IdleTimeout:     cfg.RoundIdleTimeout,
		RefundExpired:   cfg.ExpiredRoundRefund,
		BigWinThreshold: cfg.BigWinThreshold,
	}, roundOpts...)
	agg := cashback.NewAggregator(st.cashback,
		cashback.WithLocation(cfg.CashbackLocation()),
		cashback.WithNotifier(op),
		cashback.WithLogger(logger))

	jobs.StartSweeper(ctx, rounds, cfg.SweepInterval, logger)
	if cfg.CashbackEnabled {
		hour, minute, _ := config.ParseClock(cfg.CashbackAt)
		jobs.StartCashbackScheduler(ctx, agg, jobs.CashbackSchedule{
			Hour:        hour,
			Minute:      minute,
			Location:    cfg.CashbackLocation(),
			AutoProcess: cfg.CashbackAutoProcess,
		}, logger)
	}

	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN is not set, admin routes are disabled")
	}
	gin.SetMode(gin.ReleaseMode)
	srv := server.New(server.Deps{
		Config:   cfg,
		Catalog:  catalog,
		Tables:   tables,
		Rounds:   rounds,
		Wallet:   wallet.NewService(st.wallets, logger),
		Cashback: agg,
		DB:       db,
		Log:      logger,
	})
	return srv.Run(ctx)
}
