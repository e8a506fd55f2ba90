package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"calmirror/internal/caldav"
	"calmirror/internal/config"
	"calmirror/internal/ics"
	"calmirror/internal/recurrence"
	"calmirror/internal/service"
	"calmirror/internal/store"
	"calmirror/internal/syncer"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "calmirror",
		Usage: "Mirror CalDAV calendars into a local cache and edit them through it.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: config.DefaultPath, Usage: "Path to the YAML config file."},
		},
		Commands: []*cli.Command{
			serveCommand(),
			syncCommand(),
			calendarsCommand(),
			discoverCommand(),
			eventsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

// app holds the wired components for one command invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	syncer  *syncer.Syncer
	service *service.Service
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close event store", "error", err)
		}
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// newSession builds the authenticated CalDAV session without touching the
// calendar registry or the cache.
func newSession(cfg *config.Config, logger *slog.Logger) (*caldav.Session, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	codec := ics.NewCodec(loc, logger)
	httpClient := caldav.NewHTTPClient(cfg.CalDAV.Username, cfg.CalDAV.Password, cfg.CalDAV.Timeout, nil, logger)
	return caldav.NewSession(cfg.CalDAV.URL, httpClient, codec, logger)
}

func newApp(c *cli.Context) (*app, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	session, err := newSession(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav session: %w", err)
	}
	registry, err := caldav.NewRegistry(cfg.Descriptors(), cfg.Calendars.Default)
	if err != nil {
		return nil, fmt.Errorf("invalid calendar registry: %w", err)
	}
	remote := caldav.NewMultiClient(registry, caldav.SessionOpener(session), cfg.Sync.FetchConcurrency, logger)

	st, err := store.Open(c.Context, logger, cfg.Database.Driver, cfg.Database.DSN, loc)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}

	sy, err := syncer.NewSyncer(logger, remote, st, syncer.Options{
		Schedule:               cfg.Sync.Schedule,
		RetentionMonths:        cfg.Sync.RetentionMonths,
		DeletionRetention:      time.Duration(cfg.Sync.DeletionRetentionDays) * 24 * time.Hour,
		MaxPropagationAttempts: cfg.Sync.MaxPropagationAttempts,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create syncer: %w", err)
	}

	svc := service.New(logger, remote, st, sy, recurrence.NewExpander(loc, logger), loc)
	logger.Debug("Initialized application.", "calendars", len(registry.Calendars()), "driver", cfg.Database.Driver)

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		syncer:  sy,
		service: svc,
	}, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the sync scheduler until interrupted.",
		Action: func(c *cli.Context) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.syncer.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			a.logger.Info("Shutting down.")

			select {
			case <-a.syncer.Stop().Done():
			case <-time.After(30 * time.Second):
				a.logger.Warn("Timed out waiting for the running sync cycle.")
			}
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run a single sync cycle and print its summary.",
		Action: withApp(func(ctx context.Context, c *cli.Context, a *app) error {
			a.logger.Info("Running a single sync cycle.")
			res, err := a.service.ForceSync(ctx)
			if err != nil {
				return fmt.Errorf("single sync cycle failed: %w", err)
			}
			return printJSON(res)
		}),
	}
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "List the configured calendars with their remote object counts.",
		Action: withApp(func(ctx context.Context, c *cli.Context, a *app) error {
			return printJSON(a.service.GetCalendars(ctx))
		}),
	}
}

func discoverCommand() *cli.Command {
	return &cli.Command{
		Name:  "discover",
		Usage: "List the calendars the server offers, for filling in calendars.entries.",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)
			session, err := newSession(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create caldav session: %w", err)
			}
			found, err := session.Discover(c.Context)
			if err != nil {
				return fmt.Errorf("calendar discovery failed: %w", err)
			}
			return printJSON(found)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp adapts an action that needs the wired application.
func withApp(fn func(ctx context.Context, c *cli.Context, a *app) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		a, err := newApp(c)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(c.Context, c, a)
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
