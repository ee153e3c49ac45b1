package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/paperstream/paperstream/internal/api"
	"github.com/paperstream/paperstream/internal/config"
	"github.com/paperstream/paperstream/internal/crypto"
	"github.com/paperstream/paperstream/internal/database"
	"github.com/paperstream/paperstream/internal/engine"
	"github.com/paperstream/paperstream/internal/fetch"
	"github.com/paperstream/paperstream/internal/history"
	"github.com/paperstream/paperstream/internal/logger"
	"github.com/paperstream/paperstream/internal/progress"
	"github.com/paperstream/paperstream/internal/scheduler"
	"github.com/paperstream/paperstream/internal/settings"
	"github.com/paperstream/paperstream/internal/solver"
	"github.com/paperstream/paperstream/internal/source"
	"github.com/paperstream/paperstream/internal/source/hibi"
	"github.com/paperstream/paperstream/internal/source/kumo"
	"github.com/paperstream/paperstream/internal/websocket"
)

func main() {
	// Optional .env for local development, ignored when absent.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logBuffer := logger.NewLogBroadcaster(nil, 1000)
	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Path:   cfg.Logging.Path,
		Extra:  logBuffer,
	})
	defer log.Close()

	log.Info().Str("address", cfg.Server.Address()).Msg("Starting paperstream")

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	secrets, err := crypto.NewSecretStore(dataDir(cfg.Database.Path))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize secret store")
	}

	hub := websocket.NewHub()
	go hub.Run()
	logBuffer.SetHub(hub)

	hist := history.NewService(db.Conn(), secrets, log.Logger)
	settingsSvc := settings.NewService(db.Conn(), cfg.Download, log.Logger)

	cookies := fetch.NewCookieCache(0)
	restoreSessions(hist, cookies, log)

	var resolver *fetch.Resolver
	if cfg.Network.DNSBypass {
		resolver = fetch.NewResolver(map[string][]string{
			"kumo.to":    {"104.21.33.7", "172.67.142.9"},
			"i.kumo.to":  {"104.21.33.8"},
			"i2.kumo.to": {"104.21.33.9"},
		}, log.Logger)
	}

	challengeSolver := solver.New(solver.Config{
		PartitionRoot: cfg.Solver.PartitionRoot,
		HardTimeout:   cfg.Solver.HardTimeout,
		VisibleAfter:  cfg.Solver.VisibleAfter,
	}, []solver.Family{
		{
			Key:            "kumo",
			ProofCookie:    "kumo_clearance",
			CookieDomain:   "kumo.to",
			ManualFallback: true,
			LoginURL:       "https://kumo.to/login/",
		},
		{
			Key:          "hibi",
			ProofCookie:  "hibi_session",
			CookieDomain: "hibi.pics",
		},
	}, cookies, log.Logger)

	fetcher := fetch.New([]fetch.HostProfile{
		{
			Group:        "kumo",
			Hosts:        []string{"kumo.to"},
			DNSBypass:    cfg.Network.DNSBypass,
			SolverFamily: "kumo",
			ProofCookie:  "kumo_clearance",
		},
		{
			Group:        "hibi",
			Hosts:        []string{"hibi.pics"},
			SolverFamily: "hibi",
		},
	}, cookies, resolver, challengeSolver, log.Logger)

	hibiAdapter := hibi.New(fetcher, log.Logger)
	kumoAdapter := kumo.New(fetcher, hibiAdapter, log.Logger)
	registry := source.NewRegistry(kumoAdapter, hibiAdapter)

	emitter := progress.NewEmitter(hub, log.Logger)

	downloadCfg, err := settingsSvc.Download(context.Background())
	if err != nil {
		log.Warn().Err(err).Msg("Falling back to static download config")
		downloadCfg = cfg.Download
	}
	eng := engine.NewService(downloadCfg, registry, fetcher, challengeSolver, cookies, hist, emitter, log.Logger)

	if _, err := eng.RestoreInterrupted(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to restore interrupted tasks")
	}

	sched, err := scheduler.New(log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create scheduler")
	}
	if err := sched.RegisterHistoryCleanup(hist, downloadCfg.MaxHistoryItems, log.Logger); err != nil {
		log.Error().Err(err).Msg("Failed to register history cleanup job")
	}
	if err := sched.RegisterCookieSweep(cookies, log.Logger); err != nil {
		log.Error().Err(err).Msg("Failed to register cookie sweep job")
	}
	if err := sched.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start scheduler")
	}

	server := api.NewServer(eng, hist, settingsSvc, sched, logBuffer, hub, log.Logger)
	go func() {
		if err := server.Start(cfg.Server.Address()); err != nil {
			log.Info().Err(err).Msg("HTTP server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Engine shutdown incomplete, state persisted where possible")
	}
	if err := sched.Stop(); err != nil {
		log.Error().Err(err).Msg("Scheduler shutdown failed")
	}
}

// restoreSessions seeds the cookie cache with persisted login sessions so a
// restart does not force users back through source logins.
func restoreSessions(hist *history.Service, cookies *fetch.CookieCache, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessions, err := hist.Sessions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load persisted sessions")
		return
	}
	for _, sess := range sessions {
		cookies.SetWithTTL(sess.Source, sess.CookieHeader, 30*24*time.Hour)
		log.Info().Str("source", sess.Source).Msg("Restored login session")
	}
}

// dataDir is the directory holding the database, used as the anchor for the
// machine-local secret key file.
func dataDir(dbPath string) string {
	return filepath.Dir(dbPath)
}
