// Package main is the entry point for the Stellar MPD server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/edumarques81/stellar-mpd/internal/config"
	"github.com/edumarques81/stellar-mpd/internal/domain/library"
	"github.com/edumarques81/stellar-mpd/internal/domain/player"
	"github.com/edumarques81/stellar-mpd/internal/infra/store"
	"github.com/edumarques81/stellar-mpd/internal/mpdserver"
	"github.com/edumarques81/stellar-mpd/internal/transport/httpapi"
	"github.com/edumarques81/stellar-mpd/internal/transport/socketio"
	"github.com/edumarques81/stellar-mpd/internal/version"
)

func main() {
	var (
		configPath  = flag.StringP("config", "c", "", "path to YAML config file")
		debug       = flag.Bool("debug", false, "enable debug logging")
		showVersion = flag.Bool("version", false, "print version and exit")
		mpdHost     = flag.String("mpd-host", "", "MPD listen host")
		mpdPort     = flag.Int("mpd-port", 0, "MPD listen port")
		maxExternal = flag.Int("max-external", 0, "max concurrent non-loopback MPD clients (0 = unlimited)")
		ackErrors   = flag.Bool("ack-errors", false, "answer failed commands with ACK instead of OK")
		httpAddr    = flag.String("http-addr", "", "HTTP listen address (empty string disables)")
		dbPath      = flag.String("db", "", "library database path")
		manifest    = flag.String("manifest", "", "library manifest to import at startup and on update")
	)
	flag.Parse()

	if *showVersion {
		os.Stdout.WriteString(version.GetInfo().String() + "\n")
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// CLI > file > default
	set := flag.CommandLine.Changed
	if set("mpd-host") {
		cfg.MPD.Host = *mpdHost
	}
	if set("mpd-port") {
		cfg.MPD.Port = *mpdPort
	}
	if set("max-external") {
		cfg.MPD.MaxExternalConnections = *maxExternal
	}
	if set("ack-errors") {
		cfg.MPD.AckErrors = *ackErrors
	}
	if set("http-addr") {
		cfg.HTTP.Addr = *httpAddr
	}
	if set("db") {
		cfg.Library.DBPath = *dbPath
	}
	if set("manifest") {
		cfg.Library.Manifest = *manifest
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	setupLogging(cfg.Log.Level)

	versionInfo := version.GetInfo()
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info().Msgf("  %s", versionInfo.String())
	log.Info().Msg("  MPD Protocol Remote-Control Server")
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info().
		Str("mpd_addr", cfg.ListenAddr()).
		Str("http_addr", cfg.HTTP.Addr).
		Str("db", cfg.Library.DBPath).
		Str("manifest", cfg.Library.Manifest).
		Int("max_external", cfg.MPD.MaxExternalConnections).
		Bool("ack_errors", cfg.MPD.AckErrors).
		Msg("Configuration")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Server stopped")
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if dir := filepath.Dir(cfg.Library.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	db := store.NewDB(cfg.Library.DBPath)
	if err := db.Open(); err != nil {
		return err
	}
	defer db.Close()

	lib, err := library.NewService(ctx, db)
	if err != nil {
		return err
	}

	var updater mpdserver.Updater
	if cfg.Library.Manifest != "" {
		if _, err := lib.ImportFile(ctx, cfg.Library.Manifest); err != nil {
			return err
		}
		updater = mpdserver.UpdaterFunc(func(ctx context.Context) error {
			_, err := lib.ImportFile(ctx, cfg.Library.Manifest)
			return err
		})
	}

	engine := player.NewEngine(lib, player.Options{InitialVolume: cfg.Player.InitialVolume})
	engineDone := make(chan struct{})
	engineCtx, stopEngine := context.WithCancel(context.Background())
	go func() {
		defer close(engineDone)
		engine.Run(engineCtx)
	}()
	defer func() {
		stopEngine()
		<-engineDone
	}()

	mpd := mpdserver.NewServer(mpdserver.Options{
		Addr:                   cfg.ListenAddr(),
		MaxExternalConnections: cfg.MPD.MaxExternalConnections,
		WriteTimeout:           cfg.MPD.WriteTimeout,
		IdleDebounce:           cfg.MPD.IdleDebounce,
		AckErrors:              cfg.MPD.AckErrors,
		Updater:                updater,
	}, engine, lib)
	if err := mpd.Start(ctx); err != nil {
		return err
	}

	var httpServer *http.Server
	httpErr := make(chan error, 1)
	if cfg.HTTP.Addr != "" {
		socketServer := socketio.NewServer(engine, lib, cfg.HTTP.BroadcastWindow)
		socketServer.Attach(mpd.Bus())
		defer socketServer.Close()

		httpServer = &http.Server{
			Addr: cfg.HTTP.Addr,
			Handler: httpapi.NewHandler(httpapi.Deps{
				Player:   engine,
				MPD:      mpd,
				SocketIO: socketServer,
			}),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server listening")
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down...")
	case err = <-httpErr:
		log.Error().Err(err).Msg("HTTP server error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP shutdown error")
		}
	}
	if err := mpd.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("MPD server shutdown error")
	}
	return err
}
