// Package main provides the server entry point.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	apiconnect "github.com/osa030/djbox/internal/api/connect"
	"github.com/osa030/djbox/internal/app/autoplay"
	"github.com/osa030/djbox/internal/app/cache"
	"github.com/osa030/djbox/internal/app/filter"
	"github.com/osa030/djbox/internal/app/notification"
	"github.com/osa030/djbox/internal/app/playback"
	"github.com/osa030/djbox/internal/app/resolver"
	"github.com/osa030/djbox/internal/app/session"
	"github.com/osa030/djbox/internal/infra/config"
	"github.com/osa030/djbox/internal/infra/fetchgate"
	"github.com/osa030/djbox/internal/infra/logger"
	settingsstore "github.com/osa030/djbox/internal/infra/settings"
	"github.com/osa030/djbox/internal/infra/spotify"
	"github.com/osa030/djbox/internal/infra/youtube"
)

var (
	app        = kingpin.New("djbox-server", "djbox audio queue server")
	configPath = app.Flag("config", "Path to config file").Default("config/server.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: from config)").String()

	// list-filters command
	listFiltersCmd = app.Command("list-filters", "List available filters and exit")

	// check-config command
	checkConfigCmd = app.Command("check-config", "Validate the config file and exit")
)

func init() {
	// start command (default) - no need to store the command
	app.Command("start", "Start the server (default)").Default()
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == listFiltersCmd.FullCommand() {
		printFilters()
		return
	}

	// Console logging until the config says otherwise
	if _, err := logger.Init(loggerConfig(nil)); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	if command == checkConfigCmd.FullCommand() {
		printConfigSummary(cfg)
		return
	}

	closer, err := logger.Init(loggerConfig(cfg))
	if err != nil {
		zlog.Fatal().Msgf("Failed to initialize logger: %v", err)
	}
	defer closer.Close()

	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Server error: %v", err)
		closer.Close()
		os.Exit(1)
	}
}

// loggerConfig merges the config file's logging section with the flags.
func loggerConfig(cfg *config.Config) logger.Config {
	lc := logger.Config{Output: "stdout", Level: "info", Format: "auto"}
	if cfg != nil {
		lc.Output = cfg.Logging.Output
		lc.Level = cfg.Logging.Level
		lc.Format = cfg.Logging.Format
	}
	if *verbose {
		lc.Level = "debug"
	}
	if *logfile != "" {
		lc.Output = *logfile
	}
	return lc
}

// components holds everything run wires together.
type components struct {
	gate     *fetchgate.Gate
	cache    *cache.Cache
	store    *settingsstore.Store
	notify   *notification.Manager
	sessions *session.Manager
	admin    *apiconnect.AdminService
}

func (c *components) close() {
	if c.notify != nil {
		c.notify.Close()
	}
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			zlog.Error().Msgf("Failed to close cache: %v", err)
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			zlog.Error().Msgf("Failed to close settings store: %v", err)
		}
	}
}

// build creates the shared components from cfg.
func build(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{}
	c.gate = fetchgate.New(gateConfig(cfg.Gate))

	yt, err := youtube.New(ctx, youtube.Config{
		Proxy:       cfg.Resolver.Proxy,
		Bitrate:     cfg.Cache.Bitrate,
		Loudnorm:    cfg.Cache.LoudnessNormalize,
		AutoInstall: cfg.Resolver.AutoInstall,
	})
	if err != nil {
		return c, errors.Wrap(err, "failed to create YouTube client")
	}

	var meta resolver.MetadataProvider
	if cfg.Spotify.Enabled() {
		sp, err := spotify.New(ctx, spotify.Config{
			ClientID:     cfg.Spotify.ClientID,
			ClientSecret: cfg.Spotify.ClientSecret,
			Market:       cfg.Spotify.Market,
		})
		if err != nil {
			return c, errors.Wrap(err, "failed to create Spotify client")
		}
		meta = sp
	} else {
		zlog.Info().Msg("Spotify credentials not configured, Spotify links are disabled")
	}

	res := resolver.New(resolver.Config{
		MaxDuration:   cfg.Resolver.MaxDuration,
		MaxTracks:     cfg.Resolver.MaxTracks,
		SearchResults: cfg.Resolver.SearchResults,
		Attempts:      cfg.Resolver.Attempts,
	}, c.gate, yt, meta)

	filters, err := filter.Build(cfg.Filters)
	if err != nil {
		return c, errors.Wrap(err, "invalid filter config")
	}

	chain, err := autoplay.NewProviderChainFromConfig(cfg.Autoplay, res, c.gate)
	if err != nil {
		return c, errors.Wrap(err, "failed to create autoplay providers")
	}

	c.cache, err = cache.New(cache.Config{
		Dir:               cfg.Cache.Dir,
		MaxBytes:          cfg.Cache.MaxBytes,
		ConcurrentFetches: cfg.Cache.ConcurrentFetches,
	}, c.gate, yt)
	if err != nil {
		return c, errors.Wrap(err, "failed to open cache")
	}

	c.store, err = settingsstore.Open(cfg.Settings.Path)
	if err != nil {
		return c, errors.Wrap(err, "failed to open settings store")
	}

	c.notify = notification.NewManager()

	pcfg := playback.FromConfig(cfg.Playback)
	pcfg.Queue.HistorySize = cfg.Queue.HistorySize
	pcfg.Queue.RecentSize = cfg.Queue.RecentSize
	pcfg.Queue.MaxEnqueue = cfg.Resolver.MaxTracks

	c.sessions = session.NewManager(pcfg, session.Deps{
		Resolver:     res,
		Filters:      filters,
		Store:        c.store,
		Notification: c.notify,
		Playback: playback.Deps{
			Fetcher:   c.cache,
			Gate:      c.gate,
			Transport: playback.NewNopTransport(),
			Autoplay:  autoplay.NewService(cfg.Autoplay, chain, filters),
		},
	})
	// The headless transport is always connected.
	c.gate.MarkGatewayConnected()

	c.admin = apiconnect.NewAdminService(c.sessions, c.gate, c.notify, apiconnect.WithCacheStats(c.cache.Stats))
	return c, nil
}

func gateConfig(g config.GateConfig) fetchgate.Config {
	cfg := fetchgate.Config{
		BackoffBase:   g.BackoffBase,
		BackoffMax:    g.BackoffMax,
		FailWindow:    g.FailWindow,
		FailThreshold: g.FailThreshold,
		Cooldown:      g.Cooldown,
		HistorySize:   g.HistorySize,
		Limits:        make(map[string]fetchgate.Limit, len(g.RateLimits)),
	}
	for name, l := range g.RateLimits {
		cfg.Limits[name] = fetchgate.Limit{PerSecond: l.PerSecond, Burst: l.Burst}
	}
	return cfg
}

// run executes the main server logic. Using a separate function ensures
// defer statements are executed even when returning with an error.
func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := build(ctx, cfg)
	defer c.close()
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	adminPath, adminHandler := apiconnect.NewAdminServiceHandler(
		c.admin,
		connect.WithInterceptors(apiconnect.NewAdminAuthInterceptor(cfg.Admin.Token)),
	)
	mux.Handle(adminPath, adminHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, string(c.gate.Health()))
	})

	// Create server with h2c (HTTP/2 cleartext) support
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", cfg.Server.Addr)
	}
	zlog.Info().Msgf("Starting server: addr=%s", ln.Addr())

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server error")
		}
		return nil
	})
	eg.Go(func() error {
		c.gate.WatchLag(egCtx, time.Second, cfg.Gate.LagThreshold)
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		zlog.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Close sessions first so watchers see the teardown events
		if err := c.sessions.Close(shutdownCtx); err != nil {
			zlog.Error().Msgf("Failed to close sessions: %v", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			zlog.Error().Msgf("Failed to shutdown server: %v", err)
		}
		return nil
	})

	// Execute startup hook if configured (after server is listening)
	executeHooks(cfg.Server.Hooks.OnStarted, "on_started")

	err = eg.Wait()
	zlog.Info().Msg("Server stopped")

	// Execute shutdown hook if configured
	executeHooks(cfg.Server.Hooks.OnStopped, "on_stopped")
	return err
}

// printFilters prints available filters.
func printFilters() {
	fmt.Println("Available Filters:")
	registered := filter.GetRegistered()
	for _, name := range filter.Names() {
		f := registered[name]()
		codes := strings.Join(f.ReturnCodes(), ", ")
		fmt.Printf("  %-30s - %s [codes: %s]\n", f.Name(), f.Description(), codes)
	}
}

// printConfigSummary prints what a valid config enables.
func printConfigSummary(cfg *config.Config) {
	fmt.Printf("Config OK: %s\n", *configPath)
	fmt.Printf("  Listen address:  %s\n", cfg.Server.Addr)
	fmt.Printf("  Cache:           %s (max %d bytes, %d concurrent fetches)\n",
		cfg.Cache.Dir, cfg.Cache.MaxBytes, cfg.Cache.ConcurrentFetches)
	fmt.Printf("  Settings store:  %s\n", cfg.Settings.Path)
	fmt.Printf("  Spotify links:   %v\n", cfg.Spotify.Enabled())

	var enabled []string
	for _, name := range filter.Names() {
		if cfg.IsFilterEnabled(name) {
			enabled = append(enabled, name)
		}
	}
	fmt.Printf("  Filters:         %s\n", strings.Join(enabled, ", "))

	providers := make([]string, 0, len(cfg.Autoplay.Providers))
	for _, p := range cfg.Autoplay.Providers {
		providers = append(providers, p.Type)
	}
	if len(providers) == 0 {
		providers = append(providers, autoplay.TypeYouTubeMix, autoplay.TypeYouTubeSearch)
	}
	fmt.Printf("  Autoplay chain:  %s\n", strings.Join(providers, " -> "))
}

// executeHooks runs a list of shell commands.
func executeHooks(hooks []string, stage string) {
	if len(hooks) == 0 {
		return
	}

	zlog.Info().Msgf("Executing %s hooks (%d commands)", stage, len(hooks))

	for _, hook := range hooks {
		zlog.Info().Msgf("Executing hook: %s", hook)
		// Use sh -c to allow shell features like redirection or pipes
		cmd := exec.Command("sh", "-c", hook)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			zlog.Error().Err(err).Msgf("Failed to execute hook: %s", hook)
		}
	}
}
