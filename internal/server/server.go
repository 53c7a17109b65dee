package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/stepwise/config"
	"github.com/mohammad-safakhou/stepwise/internal/dispatch"
	"github.com/mohammad-safakhou/stepwise/internal/memory"
	"github.com/mohammad-safakhou/stepwise/internal/runner"
	"github.com/mohammad-safakhou/stepwise/internal/store"
	"github.com/mohammad-safakhou/stepwise/internal/telemetry"
	"github.com/mohammad-safakhou/stepwise/provider"
	"github.com/mohammad-safakhou/stepwise/tools/corpus"
	"github.com/mohammad-safakhou/stepwise/tools/webfetch"
	"github.com/mohammad-safakhou/stepwise/tools/websearch"
)

// Run wires the full service and serves the API.
func Run(cfgPath, addr string) error {
	cfg := config.LoadConfig(cfgPath)
	ctx := context.Background()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	// Step-record store: in-process by default, redis when replicated.
	var mem memory.Store
	var rdb *redis.Client
	memCfg := cfg.Storage.Memory.Normalize()
	switch memCfg.Backend {
	case "redis":
		rdb, err = memory.Connect(ctx, cfg.Storage.Redis.Addr(), cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, cfg.Storage.Redis.Timeout)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		mem = memory.NewRedisStore(rdb, memCfg.TTL)
	default:
		mem = memory.NewInMemoryStore()
	}

	backends := []dispatch.Backend{
		websearch.New(cfg.Tools.WebSearch),
		webfetch.New(cfg.Tools.WebFetch),
		corpus.New(cfg.Tools.Corpus),
	}
	dispatcher := dispatch.NewDispatcher(ctx, backends, nil)

	tel := telemetry.NewTelemetry(cfg.Telemetry)
	defer tel.Shutdown()

	oracle, err := provider.NewOracle(cfg.LLM, tel)
	if err != nil {
		return fmt.Errorf("oracle: %w", err)
	}

	run := runner.New(cfg, oracle, dispatcher, mem, tel, nil)
	run.SetPersister(st)

	secret := cfg.Server.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}
	auth := &AuthHandler{Store: st, Secret: []byte(secret)}

	api := e.Group("/api")
	auth.Register(api.Group("/auth"))
	NewRunsHandler(run, mem, st).Register(api.Group("/runs"), auth.Secret)
	api.GET("/telemetry", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"metrics": tel.GetMetrics(),
			"costs":   tel.GetCostSummary(),
		})
	}, AuthMiddleware(auth.Secret))

	if cfg.Retention.Enabled {
		if rdb == nil && cfg.Storage.Redis.Validate() == nil {
			rdb, _ = memory.Connect(ctx, cfg.Storage.Redis.Addr(), cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, cfg.Storage.Redis.Timeout)
		}
		NewCleaner(cfg.Retention, st, rdb).Start()
	}

	if addr == "" {
		addr = cfg.Server.Address
		if addr == "" {
			addr = ":10001"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
