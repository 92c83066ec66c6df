package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"github.com/llamatrack/llamatrack/internal/config"
	"github.com/llamatrack/llamatrack/internal/dedup"
	"github.com/llamatrack/llamatrack/internal/handler"
	"github.com/llamatrack/llamatrack/internal/middleware"
	"github.com/llamatrack/llamatrack/internal/normalize"
	"github.com/llamatrack/llamatrack/internal/pipeline"
	"github.com/llamatrack/llamatrack/internal/source"
	"github.com/llamatrack/llamatrack/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	app := &cli.App{
		Name:  "llamatrack",
		Usage: "scrape DeFi Llama protocol metrics into Postgres",
		Commands: []*cli.Command{
			serveCommand(logger),
			scrapeCommand(logger),
			backfillCommand(logger),
			queryCommand(logger),
			migrateCommand(logger),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

var (
	protocolFlag = &cli.StringSliceFlag{
		Name:    "protocol",
		Aliases: []string{"p"},
		Usage:   "restrict to one protocol (repeatable)",
	}
	fromFlag = &cli.StringFlag{
		Name:  "from",
		Usage: "start of the time range (RFC 3339, YYYY-MM-DD, or unix seconds)",
	}
	toFlag = &cli.StringFlag{
		Name:  "to",
		Usage: "end of the time range (RFC 3339, YYYY-MM-DD, or unix seconds)",
	}
)

func serveCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the query API and the scheduled scraper",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "cron",
				Usage:   "schedule for background scrape runs",
				EnvVars: []string{"CRON_SPEC"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg := config.Load()
			if c.String("cron") != "" {
				cfg.CronSpec = c.String("cron")
			}

			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()

			db, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			engine, closeGuard, err := buildEngine(cfg, db, logger, false)
			if err != nil {
				return err
			}
			defer closeGuard()

			// Scheduled scrapes; a panic in one run must not take the
			// process down.
			sched := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
			if _, err := sched.AddFunc(cfg.CronSpec, func() {
				if _, err := engine.Scrape(ctx, nil); err != nil {
					logger.Error("scheduled scrape failed", "error", err)
				}
			}); err != nil {
				return fmt.Errorf("invalid cron spec %q: %w", cfg.CronSpec, err)
			}
			sched.Start()
			defer sched.Stop()
			logger.Info("scheduled scraper started", "spec", cfg.CronSpec)

			r := chi.NewRouter()
			r.Use(middleware.Recover(logger))
			r.Use(middleware.Logger(logger))
			r.Use(middleware.Metrics())
			r.Use(middleware.CORS(cfg.FrontendOrigin))

			r.Handle("/metrics", promhttp.Handler())
			r.Get("/healthz", handler.Health())
			r.Get("/readyz", handler.Ready(db))

			r.Route("/api", func(r chi.Router) {
				r.Get("/protocols", handler.ListProtocols(db))
				r.Get("/protocols/{name}", handler.GetProtocol(db))
				r.Get("/protocols/{name}/history", handler.History(db))
				r.Get("/summary", handler.Summary(db))
			})

			srv := &http.Server{
				Addr:         ":" + cfg.Port,
				Handler:      r,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server starting", "port", cfg.Port)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			case <-quit:
			}

			logger.Info("shutting down gracefully")
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func scrapeCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "scrape",
		Usage: "run one scrape pass and exit",
		Flags: []cli.Flag{protocolFlag},
		Action: func(c *cli.Context) error {
			cfg := config.Load()
			only := c.StringSlice("protocol")

			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			db, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			// Valuation pages are only worth rendering for a targeted run.
			engine, closeGuard, err := buildEngine(cfg, db, logger, len(only) > 0)
			if err != nil {
				return err
			}
			defer closeGuard()

			sum, err := engine.Scrape(ctx, only)
			if err != nil {
				return err
			}
			fmt.Println(sum.String())
			if sum.Applied() == 0 && sum.Failed > 0 {
				return errors.New("every record failed to apply")
			}
			return nil
		},
	}
}

func backfillCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "backfill",
		Usage: "load the historical TVL series for one protocol",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "protocol", Aliases: []string{"p"}, Usage: "protocol to backfill", Required: true},
			fromFlag,
			toFlag,
		},
		Action: func(c *cli.Context) error {
			cfg := config.Load()
			from, to, err := timeRange(c)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			db, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			engine, closeGuard, err := buildEngine(cfg, db, logger, false)
			if err != nil {
				return err
			}
			defer closeGuard()

			sum, err := engine.Backfill(ctx, c.String("protocol"), from, to)
			if err != nil {
				return err
			}
			fmt.Println(sum.String())
			if sum.Applied() == 0 && sum.Failed > 0 {
				return errors.New("every history point failed to apply")
			}
			return nil
		},
	}
}

func queryCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "query",
		Usage: "report stored protocol data",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "protocol", Aliases: []string{"p"}, Usage: "filter by protocol name"},
			&cli.StringFlag{Name: "chain", Usage: "filter by chain"},
			&cli.StringFlag{Name: "category", Usage: "filter by category"},
			fromFlag,
			toFlag,
			&cli.StringFlag{Name: "format", Value: "table", Usage: "output format: table, json, or csv"},
			&cli.BoolFlag{Name: "summary", Usage: "print dataset summary instead of rows"},
		},
		Action: func(c *cli.Context) error {
			cfg := config.Load()
			from, to, err := timeRange(c)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			db, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if c.Bool("summary") {
				sum, err := db.Summarize(ctx)
				if err != nil {
					return err
				}
				return writeSummary(os.Stdout, c.String("format"), sum)
			}

			rows, err := db.Query(ctx, store.QueryFilter{
				Protocol: c.String("protocol"),
				Chain:    c.String("chain"),
				Category: c.String("category"),
				From:     from,
				To:       to,
			})
			if err != nil {
				return err
			}
			return writeRows(os.Stdout, c.String("format"), rows)
		},
	}
}

func migrateCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "create or update the database schema",
		Action: func(c *cli.Context) error {
			cfg := config.Load()
			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			db, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			logger.Info("migrations applied")
			return nil
		},
	}
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*store.Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database connected and migrated")
	return db, nil
}

// buildEngine assembles the pipeline around the store. The redis guard is
// optional: without REDIS_URL the store's own upsert decision is the only
// duplicate filter, which is correct, just not short-circuited.
func buildEngine(cfg config.Config, db *store.Store, logger *slog.Logger, withPages bool) (*pipeline.Engine, func(), error) {
	mapping, err := normalize.Default().MergeJSON(cfg.FieldMapping)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid FIELD_MAPPING: %w", err)
	}

	ecfg := pipeline.Config{
		Store:      db,
		Client:     source.NewClient(cfg.LlamaAPIURL, cfg.UserAgent, cfg.RequestDelay),
		Normalizer: normalize.New(mapping),
		Logger:     logger,
		Workers:    cfg.Workers,
	}

	closeGuard := func() {}
	if cfg.RedisURL != "" {
		guard, err := dedup.New(cfg.RedisURL, cfg.RedisPassword)
		if err != nil {
			logger.Warn("redis unavailable, running without the dedup guard", "error", err)
		} else {
			ecfg.Guard = guard
			closeGuard = func() { _ = guard.Close() }
			logger.Info("redis connected for scrape dedup")
		}
	}
	if withPages {
		ecfg.Pages = source.NewPageScraper(logger)
	}

	return pipeline.New(ecfg), closeGuard, nil
}

func timeRange(c *cli.Context) (time.Time, time.Time, error) {
	var from, to time.Time
	if raw := c.String("from"); raw != "" {
		t, err := handler.ParseTime(raw)
		if err != nil {
			return from, to, fmt.Errorf("--from: %w", err)
		}
		from = t
	}
	if raw := c.String("to"); raw != "" {
		t, err := handler.ParseTime(raw)
		if err != nil {
			return from, to, fmt.Errorf("--to: %w", err)
		}
		to = t
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return from, to, errors.New("--to is before --from")
	}
	return from, to, nil
}
