// relayd is the slipstream relay server. It forwards game traffic between
// peers that cannot reach each other directly, grouped by short room codes.
// It holds no game state and understands only the relay envelope.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/slipstream-racing/slipstream/internal/relay"
	"github.com/slipstream-racing/slipstream/internal/util"
)

const AppVersion = "1.0.0"

func main() {
	cfg := relay.DefaultConfig()
	var (
		port        = flag.Int("port", cfg.Port, "UDP port to listen on")
		maxRooms    = flag.Int("max-rooms", cfg.MaxRooms, "maximum concurrent rooms")
		peerTimeout = flag.Duration("peer-timeout", cfg.PeerTimeout, "drop peers silent for this long")
		logLevel    = flag.String("log-level", "info", "log level (trace, debug, info, warn, error)")
		statsEvery  = flag.Duration("stats-interval", time.Minute, "how often to log room and peer counts, 0 disables")
	)
	flag.Parse()

	logCfg := util.DefaultLogConfig()
	logCfg.Level = *logLevel
	if err := util.InitLogger("relayd", logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfg.Port = *port
	cfg.MaxRooms = *maxRooms
	cfg.PeerTimeout = *peerTimeout

	log.Info().
		Str("version", AppVersion).
		Int("port", cfg.Port).
		Int("max_rooms", cfg.MaxRooms).
		Dur("peer_timeout", cfg.PeerTimeout).
		Msg("starting relayd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := relay.NewServer(cfg)
	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start relay")
	}

	var statsTick <-chan time.Time
	if *statsEvery > 0 {
		t := time.NewTicker(*statsEvery)
		defer t.Stop()
		statsTick = t.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			cancel()
			srv.Stop()
			log.Info().Msg("relayd stopped")
			return
		case <-statsTick:
			stats := srv.Stats()
			log.Info().Int("rooms", stats.Rooms).Int("peers", stats.Peers).Msg("relay stats")
		}
	}
}
