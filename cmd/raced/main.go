// raced is the slipstream dedicated race server.
//
// It hosts one or more race rooms on a single UDP socket (or through a
// relay when relay_address is configured), runs the simulation loops,
// exposes a REST API with a live spectator feed, records results to
// SQLite, and publishes fleet telemetry via MQTT.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/slipstream-racing/slipstream/internal/api"
	"github.com/slipstream-racing/slipstream/internal/cli"
	"github.com/slipstream-racing/slipstream/internal/config"
	"github.com/slipstream-racing/slipstream/internal/db"
	"github.com/slipstream-racing/slipstream/internal/events"
	"github.com/slipstream-racing/slipstream/internal/health"
	"github.com/slipstream-racing/slipstream/internal/network"
	"github.com/slipstream-racing/slipstream/internal/room"
	"github.com/slipstream-racing/slipstream/internal/scheduler"
	"github.com/slipstream-racing/slipstream/internal/server"
	"github.com/slipstream-racing/slipstream/internal/telemetry"
	"github.com/slipstream-racing/slipstream/internal/util"
)

const (
	AppName    = "slipstream"
	AppVersion = "1.0.0"
	Banner     = `
      _ _           _
  ___| (_)_ __  ___| |_ _ __ ___  __ _ _ __ ___
 / __| | | '_ \/ __| __| '__/ _ \/ _' | '_ ' _ \
 \__ \ | | |_) \__ \ |_| | |  __/ (_| | | | | | |
 |___/_|_| .__/|___/\__|_|  \___|\__,_|_| |_| |_|
         |_|                    raced v%s
`
)

func main() {
	var (
		configDir  = flag.String("config-dir", config.DefaultConfigDir, "directory holding config.json")
		port       = flag.Int("port", 0, "UDP game port (overrides config)")
		trackName  = flag.String("track", "", "default track name (overrides config)")
		maxPlayers = flag.Int("max-players", 0, "room player cap (overrides config)")
		botCount   = flag.Int("bots", -1, "bot count per room (overrides config)")
		relayAddr  = flag.String("relay", "", "relay server address, host:port (overrides config)")
		noCLI      = flag.Bool("no-cli", false, "disable the interactive console")
	)
	flag.Parse()

	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Logger with defaults first; reconfigured once the config is loaded.
	if err := util.InitLogger("raced", util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting raced")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	app := cfg.GetApplicationData()
	logCfg := util.LogConfig{
		Level:      app.Logging.Level,
		Directory:  app.Logging.Directory,
		MaxBackups: app.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger("raced", logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	applyFlagOverrides(cfg, *port, *trackName, *maxPlayers, *botCount, *relayAddr)

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	game := cfg.GetGame()
	logReachability(game)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	conn, roomCode, err := openTransport(ctx, game)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open game transport")
	}

	opts := server.DefaultOptions()
	// Player ids are single bytes with 0xFF reserved, so the session caps
	// below the full byte range no matter how many rooms are configured.
	opts.MaxPlayers = game.MaxPlayers * maxInt(game.MaxRooms, 1)
	if opts.MaxPlayers > 254 {
		opts.MaxPlayers = 254
	}
	opts.ClientTimeout = secondsOrDefault(game.ClientTimeoutSec, opts.ClientTimeout)
	opts.TrackDir = game.TrackDir
	opts.MultiRoom = game.MaxRooms > 1
	gs := server.NewGameServer(conn, opts, eventBus)
	gs.Start(ctx)
	log.Info().Str("addr", gs.Addr().String()).Msg("game session listening")

	mgr := room.NewManager(gs, eventBus, room.ManagerConfig{
		MaxRooms:  game.MaxRooms,
		MultiRoom: game.MaxRooms > 1,
		Template:  roomTemplate(game),
	})
	if err := mgr.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start room manager")
	}
	if roomCode != "" {
		log.Info().Str("code", roomCode).Msg("hosting through relay, share this room code")
	}

	var store *db.ResultsStore
	if app.Database.Enabled {
		store, err = db.NewResultsStore(app.Database.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open results database, results disabled")
		} else {
			store.Subscribe(eventBus)
		}
	}

	monitor := health.NewMonitor(eventBus)

	var apiServer *api.Server
	if app.API.Enabled {
		apiServer = api.NewServer(cfg, eventBus, gs, mgr)
		apiServer.SetDependencies(store, monitor)
	}

	var mqttHandler *telemetry.MQTTHandler
	if app.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus, gs, mgr)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	sched := scheduler.NewScheduler(cfg, store)

	var console *cli.CLI
	if !*noCLI {
		console = cli.NewCLI(cfg, eventBus, gs, mgr)
		console.SetDependencies(store, monitor)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", app.API.Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.Start(ctx)
		monitor.Wait()
	}()

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting task scheduler")
		sched.Start(ctx)
	}()

	if console != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			console.Start(ctx)
		}()
	}

	// Quitting the console or a fatal component error both land here,
	// alongside the usual signals.
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(ctx context.Context, ev events.Event) error {
		select {
		case errCh <- nil:
		default:
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("critical error, initiating shutdown")
		}
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	mgr.Stop()
	gs.Stop()
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			log.Warn().Err(err).Msg("API server shutdown error")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	if store != nil {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close results database")
		}
	}

	eventBus.Stop()

	log.Info().Msg("raced stopped")
}

// applyFlagOverrides folds command line flags into the loaded config. Flags
// win over config.json but are never written back to it.
func applyFlagOverrides(cfg *config.Config, port int, track string, maxPlayers, bots int, relay string) {
	game := cfg.GetGame()
	if port > 0 {
		game.Port = port
	}
	if track != "" {
		game.TrackName = track
	}
	if maxPlayers > 0 {
		game.MaxPlayers = maxPlayers
	}
	if bots >= 0 {
		game.BotCount = bots
	}
	if relay != "" {
		game.RelayAddress = relay
	}
	cfg.SetGame(game)
}

// openTransport binds the game socket. With a relay address configured the
// server dials the relay and opens a room there instead of listening
// directly; the returned code is what joining players enter.
func openTransport(ctx context.Context, game config.GameData) (network.PacketConn, string, error) {
	if game.RelayAddress != "" {
		rc, err := network.DialRelay(game.RelayAddress)
		if err != nil {
			return nil, "", fmt.Errorf("dial relay %s: %w", game.RelayAddress, err)
		}
		code, err := rc.CreateRoom()
		if err != nil {
			rc.Close()
			return nil, "", fmt.Errorf("create relay room: %w", err)
		}
		return rc, code, nil
	}
	conn, err := network.ListenUDP(ctx, game.Port)
	if err != nil {
		return nil, "", fmt.Errorf("bind udp port %d: %w", game.Port, err)
	}
	return conn, "", nil
}

// roomTemplate maps the game config onto the per-room template the manager
// stamps new rooms from.
func roomTemplate(game config.GameData) room.Config {
	return room.Config{
		Name:            game.ServerName,
		TrackName:       game.TrackName,
		TrackDir:        game.TrackDir,
		Laps:            game.Laps,
		BotCount:        game.BotCount,
		MinPlayers:      game.MinPlayers,
		MaxPlayers:      game.MaxPlayers,
		TickRate:        game.TickRate,
		SnapshotDivisor: game.SnapshotDivisor,
		CountdownSec:    game.CountdownSec,
		AutoStartDelay:  time.Duration(game.AutoStartDelaySec * float64(time.Second)),
		DoneResetDelay:  time.Duration(game.DoneResetDelaySec * float64(time.Second)),
	}
}

// logReachability reports the addresses players can reach this server on.
// Direct UDP hosting behind NAT needs either the port forwarded or a relay.
func logReachability(game config.GameData) {
	if game.RelayAddress != "" {
		log.Info().Str("relay", game.RelayAddress).Msg("relay hosting enabled, no port forwarding needed")
		return
	}
	if localIP, err := util.GetLocalIP(); err == nil {
		log.Info().Str("addr", fmt.Sprintf("%s:%d", localIP, game.Port)).Msg("LAN players connect here")
		if publicIP, err := util.GetPublicIP(); err == nil && publicIP != localIP {
			log.Info().
				Str("addr", fmt.Sprintf("%s:%d", publicIP, game.Port)).
				Msg("internet players connect here if the port is forwarded")
		}
	}
}

// startWithRetry retries port-binding components. Ports linger in TIME_WAIT
// after an unclean restart, so a few attempts with backoff usually succeed.
func startWithRetry(ctx context.Context, name string, start func(context.Context) error, attempts int) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = start(ctx)
		if lastErr == nil {
			return nil
		}
		if !strings.Contains(lastErr.Error(), "address already in use") {
			return lastErr
		}
		log.Warn().
			Err(lastErr).
			Str("component", name).
			Int("attempt", i+1).
			Msg("port busy, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return lastErr
}

func secondsOrDefault(sec float64, def time.Duration) time.Duration {
	if sec <= 0 {
		return def
	}
	return time.Duration(sec * float64(time.Second))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
