// Command veilchatd runs the chat core: HTTP/SSE API, WebSocket fan-out,
// and the payment webhook, against Redis-backed reservations and rate
// limits.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/veilchat/veilchat/internal/server"
	"github.com/veilchat/veilchat/pkg/billing"
	"github.com/veilchat/veilchat/pkg/broadcast"
	"github.com/veilchat/veilchat/pkg/config"
	"github.com/veilchat/veilchat/pkg/epoch"
	"github.com/veilchat/veilchat/pkg/llm"
	"github.com/veilchat/veilchat/pkg/llm/llmtest"
	"github.com/veilchat/veilchat/pkg/membership"
	"github.com/veilchat/veilchat/pkg/ratelimit"
	"github.com/veilchat/veilchat/pkg/store"
	"github.com/veilchat/veilchat/pkg/store/memstore"
	"github.com/veilchat/veilchat/pkg/stream"
	"github.com/veilchat/veilchat/pkg/wallet"
)

func init() {
	c := zap.Config{
		Level:            zap.NewAtomicLevelAt(zap.InfoLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := c.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}

func main() {
	if err := run(); err != nil {
		zap.L().Fatal("veilchatd exited", zap.Error(err))
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Timeouts = cfg.Timeouts.WithDefaults()

	clock := store.SystemClock{}
	st := memstore.New()
	hubs := broadcast.NewRegistry()

	var (
		reservations billing.ReservationStore
		guestLimit   ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DialTimeout:  cfg.Timeouts.Redis,
			ReadTimeout:  cfg.Timeouts.Redis,
			WriteTimeout: cfg.Timeouts.Redis,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Redis)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return err
		}
		reservations = billing.NewRedisReservations(rdb)
		guestLimit = ratelimit.NewRedisLimiter(rdb, cfg.GuestRateLimit, cfg.GuestRateWindow, "ratelimit:guest")
	} else {
		// Dev mode runs without Redis; Validate has already rejected this
		// combination in production.
		reservations = billing.NewMemoryReservations()
		guestLimit = ratelimit.NewMemoryLimiter(cfg.GuestRateLimit, cfg.GuestRateWindow)
	}

	var pricing *billing.Pricing
	if cfg.PricingPath != "" {
		p, err := billing.LoadPricing(cfg.PricingPath, cfg.ProviderFeePct, cfg.DevMode)
		if err != nil {
			return err
		}
		pricing = p
	} else {
		pricing = billing.NewPricing(nil, cfg.ProviderFeePct, cfg.DevMode)
	}

	var streamer llm.Streamer
	if cfg.LLMBaseURL != "" {
		streamer = llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.Timeouts.LLMStream, cfg.Timeouts.LLMFirstToken)
	} else {
		streamer = &llmtest.Echo{}
	}

	wallets := wallet.NewService(st, clock, cfg.FreeAllowance, cfg.MaxNegativeBalance)
	epochs := epoch.NewManager(st, clock, hubs)
	members := membership.NewService(st, clock, epochs, hubs, hubs)
	engine := billing.NewEngine(st, wallets, pricing, reservations, cfg.MaxNegativeBalance, cfg.Timeouts.ReservationTTL)
	streams := stream.NewService(st, clock, engine, epochs, streamer, hubs,
		cfg.Timeouts.LLMStream, cfg.Timeouts.Commit, cfg.Timeouts.StreamBatch)
	shares := stream.NewShares(st, clock)

	srv := server.New(cfg, st, members, epochs, wallets, streams, shares, hubs, guestLimit, server.TokenAuthenticator{})

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("listening", zap.String("addr", cfg.ListenAddr), zap.Bool("dev", cfg.DevMode))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		zap.L().Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
