package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/olyamironova/spot-exchange/internal/adapter/cache"
	"github.com/olyamironova/spot-exchange/internal/adapter/natsbus"
	"github.com/olyamironova/spot-exchange/internal/adapter/pg"
	"github.com/olyamironova/spot-exchange/internal/adapter/redisstore"
	grpcapi "github.com/olyamironova/spot-exchange/internal/api/grpc"
	"github.com/olyamironova/spot-exchange/internal/config"
	"github.com/olyamironova/spot-exchange/internal/core"
	"github.com/olyamironova/spot-exchange/internal/logger"
	"github.com/olyamironova/spot-exchange/internal/metrics"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	envPath := flag.String("env", "", "path to a .env file")
	once := flag.Bool("once", false, "drain the intake queue and exit")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl, *once); err != nil && !errors.Is(err, context.Canceled) {
		zl.Error("engine_exited", zap.Error(err))
		_ = zl.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, zl *zap.Logger, once bool) error {
	markets, err := cfg.Markets()
	if err != nil {
		return err
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	pool, err := pg.NewPool(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer pool.Close()
	ledger := pg.NewLedger(pool)
	if cfg.Postgres.Migrate {
		if err := ledger.Migrate(ctx); err != nil {
			return err
		}
	}

	var publisher port.TradePublisher
	if cfg.NATSURL != "" {
		nc, err := natsbus.Connect(cfg.NATSURL, zl)
		if err != nil {
			return err
		}
		defer nc.Drain()
		publisher = natsbus.NewPublisher(nc)
	}

	engine := core.NewEngine(core.Deps{
		Book:      redisstore.NewBook(rdb),
		Queue:     redisstore.NewQueue(rdb),
		Ledger:    ledger,
		Trades:    redisstore.NewTradeLog(rdb),
		Markets:   markets,
		Cache:     cache.NewRedisCache(rdb, cfg.Redis.CacheTTL),
		Publisher: publisher,
		Metrics:   metrics.New("exchange", prometheus.DefaultRegisterer),
		Logger:    zl,
	}, core.WithPollTimeout(cfg.Engine.PollTimeout), core.WithRetryInterval(cfg.Engine.RetryInterval))

	if once {
		for {
			ok, err := engine.ProcessOnce(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
	}

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}
	health := grpcapi.NewHealthServer(zl)
	go func() {
		if err := health.Serve(ctx, lis); err != nil {
			zl.Error("grpc_serve_failed", zap.Error(err))
		}
	}()

	return health.Track(ctx, engine.Run)
}
