// Command rolebridge keeps Discord guild roles consistent with Twitch channel
// membership for linked accounts. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Initializes the Twitch token lifecycle manager and its background
//     refresher; a missing credential leaves the service running degraded
//     until the OAuth flow completes.
//   - Starts the periodic reconciliation scheduler.
//   - Exposes an HTTP server with the OAuth flow, link management, /healthz,
//     /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/subvertigo/rolebridge/auth"
	"github.com/subvertigo/rolebridge/config"
	"github.com/subvertigo/rolebridge/db"
	"github.com/subvertigo/rolebridge/discord"
	"github.com/subvertigo/rolebridge/identity"
	"github.com/subvertigo/rolebridge/server"
	"github.com/subvertigo/rolebridge/syncer"
	"github.com/subvertigo/rolebridge/telemetry"
	"github.com/subvertigo/rolebridge/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateTwitchReady(); err != nil {
		slog.Error("twitch configuration incomplete", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateDiscordReady(); err != nil {
		slog.Error("discord configuration incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("rolebridge", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Discord client + optional operator notification channel
	discordClient := &discord.Client{BotToken: cfg.DiscordBotToken}
	var notifier auth.Notifier
	if cfg.DiscordNotifyChannelID != "" {
		notifier = &discord.ChannelNotifier{Client: discordClient, ChannelID: cfg.DiscordNotifyChannelID}
	}

	// Twitch token lifecycle manager. A missing or revoked credential is not
	// fatal: the service runs degraded until /auth/twitch/start completes.
	mgr := &auth.Manager{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURI:  cfg.TwitchRedirectURI,
		Scopes:       cfg.TwitchScopes,
		Margin:       cfg.TokenRefreshMargin,
		Store:        &auth.DBStore{DB: database},
		Notifier:     notifier,
	}
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := mgr.Initialize(initCtx); err != nil {
		if errors.Is(err, auth.ErrReauthorizationRequired) {
			slog.Warn("no usable twitch credential; sync paused until authorization completes", slog.String("component", "auth"))
			if notifier != nil {
				notifier.Notify(initCtx, "Role sync needs authorization: visit /auth/twitch/start to link the Twitch account.")
			}
		} else {
			slog.Error("token manager initialization failed", slog.Any("err", err))
			cancel()
			os.Exit(1)
		}
	}
	cancel()
	auth.StartRefresher(ctx, mgr, 15*time.Minute)

	// Reconciliation engine + scheduler
	links := &identity.Store{DB: database}
	engine := &syncer.Engine{
		Session:   mgr,
		Truth:     &twitchapi.HelixClient{Tokens: mgr, ClientID: cfg.TwitchClientID},
		Guild:     discordClient,
		Links:     links,
		Channel:   cfg.TwitchChannel,
		GuildID:   cfg.DiscordGuildID,
		VIPRoleID: cfg.DiscordVIPRoleID,
		SubRoleID: cfg.DiscordSubRoleID,
	}
	sched := &syncer.Scheduler{Engine: engine, Interval: cfg.SyncInterval, DB: database}
	go sched.Start(ctx)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (oauth flow, links, health/status/metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	handlers := server.NewHandlers(ctx, database, cfg, mgr, links, sched)
	go func() {
		if err := server.Start(ctx, handlers, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
