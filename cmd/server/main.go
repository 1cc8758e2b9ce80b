// Command server runs the exchange HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/meridianx/exchange/internal/api"
	"github.com/meridianx/exchange/internal/auth"
	"github.com/meridianx/exchange/internal/config"
	"github.com/meridianx/exchange/internal/exchange"
	"github.com/meridianx/exchange/internal/logging"
	"github.com/meridianx/exchange/internal/metrics"
	"github.com/meridianx/exchange/internal/rate"
	"github.com/meridianx/exchange/internal/store"
	"github.com/meridianx/exchange/internal/transaction"
	"github.com/meridianx/exchange/internal/wallet"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logging.NewLogger(cfg.LogLevel, "exchange", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("connect database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	wallets := wallet.NewService(st)
	transactions := transaction.NewProcessor(st)
	engine := exchange.NewEngine(st, log)
	authSvc := auth.NewService(st, cfg.JWTSecret, cfg.JWTTTL)
	handler := api.NewHandler(wallets, transactions, engine, authSvc, log)

	var limiter rate.Limiter
	if cfg.RedisAddr != "" {
		limiter = rate.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.RateLimit, cfg.RateLimitWindow)
		log.Info("using redis rate limiter", "addr", cfg.RedisAddr)
	} else {
		limiter = rate.NewMemory(cfg.RateLimit, cfg.RateLimitWindow)
	}

	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", handler.Healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(api.RateLimit(limiter))
		r.Post("/auth/register", handler.Register)
		r.Post("/auth/login", handler.Login)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(handler.Authenticate)
		r.Post("/wallet/deposit", handler.Deposit)
		r.Post("/wallet/withdrawal", handler.Withdrawal)
		r.Get("/wallet", handler.Balances)
		r.Get("/wallet/history", handler.History)
		r.Post("/exchange/order", handler.OpenOrder)
		r.Get("/exchange/order", handler.OpenOrders)
		r.Delete("/exchange/order/{orderID}", handler.CancelOrder)
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "error", err)
	}
}
