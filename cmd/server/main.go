package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/olyamironova/spot-exchange/internal/adapter/cache"
	"github.com/olyamironova/spot-exchange/internal/adapter/pg"
	"github.com/olyamironova/spot-exchange/internal/adapter/redisstore"
	httpapi "github.com/olyamironova/spot-exchange/internal/api/http"
	"github.com/olyamironova/spot-exchange/internal/config"
	"github.com/olyamironova/spot-exchange/internal/core"
	"github.com/olyamironova/spot-exchange/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	envPath := flag.String("env", "", "path to a .env file")
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

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zl.Error("server_exited", zap.Error(err))
		_ = zl.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, zl *zap.Logger) error {
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

	book := redisstore.NewBook(rdb)
	exchange := core.NewExchange(book, redisstore.NewQueue(rdb), ledger, markets, zl)
	market := core.NewMarketData(book, redisstore.NewTradeLog(rdb), cache.NewRedisCache(rdb, cfg.Redis.CacheTTL), zl)

	srv := httpapi.NewHTTPServer(exchange, market, cfg.Server.RateLimit, prometheus.DefaultGatherer, zl)
	return srv.Run(ctx, cfg.Server.HTTPAddr)
}
