// Package cli implements the interactive operator console for the race
// server: live room and player tables, kicks, forced starts, and stored
// results browsing.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/slipstream-racing/slipstream/internal/config"
	"github.com/slipstream-racing/slipstream/internal/db"
	"github.com/slipstream-racing/slipstream/internal/events"
	"github.com/slipstream-racing/slipstream/internal/health"
	"github.com/slipstream-racing/slipstream/internal/room"
	"github.com/slipstream-racing/slipstream/internal/server"
)

// CLI provides the interactive operator console.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	game     *server.GameServer
	rooms    *room.Manager

	// Optional, nil when disabled.
	store   *db.ResultsStore
	monitor *health.Monitor
}

// NewCLI creates a new console handler.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, game *server.GameServer, rooms *room.Manager) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		game:     game,
		rooms:    rooms,
	}
}

// SetDependencies injects the optional backends.
func (c *CLI) SetDependencies(store *db.ResultsStore, monitor *health.Monitor) {
	c.store = store
	c.monitor = monitor
}

// Start runs the interactive loop until stdin closes or ctx is cancelled.
func (c *CLI) Start(ctx context.Context) {
	fmt.Println("\nslipstream console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Print("slipstream> ")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				log.Debug().Msg("console input closed")
				return
			}
			line = strings.TrimSpace(line)
			if line != "" {
				parts := strings.Fields(line)
				if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
					fmt.Printf("Error: %v\n", err)
				}
			}
			fmt.Print("slipstream> ")
		}
	}
}

// execute processes a single console command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "rooms", "r":
		c.printRooms()
	case "players", "p":
		c.printPlayers(args)
	case "kick":
		return c.cmdKick(args)
	case "start":
		return c.cmdStart(args)
	case "create":
		return c.cmdCreate(args)
	case "races":
		return c.cmdRaces(args)
	case "leaderboard", "lb":
		return c.cmdLeaderboard()
	case "setconfig":
		return c.cmdSetConfig(args)
	case "quit", "exit", "q":
		fmt.Println("Shutting down...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Println(`
Commands:
  status               Host status summary
  rooms                List all rooms
  players [code]       List connected players, optionally one room's
  kick <player-id>     Remove a player from the server
  start <code>         Force-start the race in a room
  create <name> [max]  Create a room
  races [n]            Show recent stored races
  leaderboard          Show the all-time leaderboard
  setconfig <k> <v>    Update a game configuration value
  quit                 Shut the server down
  help                 Show this message`)
	fmt.Println()
}

func (c *CLI) printStatus() {
	fmt.Printf("\n  Uptime:   %s\n", c.game.Uptime().Round(time.Second))
	fmt.Printf("  Players:  %d / %d\n", c.game.PlayerCount(), c.cfg.GetGame().MaxPlayers)
	fmt.Printf("  Rooms:    %d\n", len(c.rooms.Rooms()))
	if c.monitor != nil {
		stats := c.monitor.Stats()
		fmt.Printf("  CPU:      %.1f%%\n", stats.CPUPercent)
		fmt.Printf("  Memory:   %d MB (%.1f%%)\n", stats.MemUsedMB, stats.MemPercent)
	}
	fmt.Println()
}

func (c *CLI) printRooms() {
	infos := c.rooms.Rooms()
	if len(infos) == 0 {
		fmt.Println("No rooms.")
		return
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Code", "Name", "Track", "State", "Players", "Private"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	for _, info := range infos {
		tw.Append([]string{
			info.Code,
			info.Name,
			info.TrackName,
			info.State.String(),
			fmt.Sprintf("%d/%d", info.Players, info.MaxPlayers),
			fmt.Sprintf("%v", info.Private),
		})
	}
	tw.Render()
	fmt.Println()
}

func (c *CLI) printPlayers(args []string) {
	players := c.game.Players()
	var filter string
	if len(args) > 0 {
		filter = strings.ToUpper(args[0])
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"ID", "Name", "Room", "Address", "Connected"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	shown := 0
	for _, p := range players {
		if filter != "" && p.RoomCode != filter {
			continue
		}
		tw.Append([]string{
			fmt.Sprintf("%d", p.PlayerID),
			p.Name,
			p.RoomCode,
			p.Addr,
			time.Since(p.JoinedAt).Round(time.Second).String(),
		})
		shown++
	}
	if shown == 0 {
		fmt.Println("No players.")
		return
	}
	tw.Render()
	fmt.Println()
}

func (c *CLI) cmdKick(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <player-id>")
	}
	id, err := strconv.ParseUint(args[0], 10, 8)
	if err != nil {
		return fmt.Errorf("invalid player id: %s", args[0])
	}
	if !c.game.Kick(byte(id), events.LeaveKicked) {
		return fmt.Errorf("player %d not connected", id)
	}
	fmt.Printf("Kicked player %d\n", id)
	return nil
}

func (c *CLI) cmdStart(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: start <room-code>")
	}
	r := c.rooms.Room(strings.ToUpper(args[0]))
	if r == nil {
		return fmt.Errorf("room %s not found", args[0])
	}
	r.ForceStart()
	fmt.Printf("Race starting in %s\n", r.Code())
	return nil
}

func (c *CLI) cmdCreate(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: create <name> [max-players]")
	}
	var maxPlayers byte
	if len(args) > 1 {
		n, err := strconv.ParseUint(args[1], 10, 8)
		if err != nil {
			return fmt.Errorf("invalid max players: %s", args[1])
		}
		maxPlayers = byte(n)
	}
	r, err := c.rooms.CreateRoom(args[0], false, maxPlayers)
	if err != nil {
		return err
	}
	fmt.Printf("Room created: %s\n", r.Code())
	return nil
}

func (c *CLI) cmdRaces(args []string) error {
	if c.store == nil {
		return fmt.Errorf("results store disabled")
	}
	limit := 10
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
			limit = n
		}
	}
	races, err := c.store.RecentRaces(limit)
	if err != nil {
		return err
	}
	if len(races) == 0 {
		fmt.Println("No stored races.")
		return nil
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"ID", "Room", "Track", "Players", "Finished"})
	tw.SetBorder(true)
	for _, r := range races {
		tw.Append([]string{
			fmt.Sprintf("%d", r.ID),
			r.RoomCode,
			r.TrackName,
			fmt.Sprintf("%d", r.Players),
			r.FinishedAt.Format(time.RFC3339),
		})
	}
	tw.Render()
	fmt.Println()
	return nil
}

func (c *CLI) cmdLeaderboard() error {
	if c.store == nil {
		return fmt.Errorf("results store disabled")
	}
	board, err := c.store.Leaderboard(20)
	if err != nil {
		return err
	}
	if len(board) == 0 {
		fmt.Println("No results yet.")
		return nil
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Player", "Races", "Wins", "Best Time"})
	tw.SetBorder(true)
	for _, e := range board {
		best := "-"
		if e.BestTime > 0 {
			best = fmt.Sprintf("%.2fs", e.BestTime)
		}
		tw.Append([]string{
			e.PlayerName,
			fmt.Sprintf("%d", e.Races),
			fmt.Sprintf("%d", e.Wins),
			best,
		})
	}
	tw.Render()
	fmt.Println()
	return nil
}

func (c *CLI) cmdSetConfig(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}

	key := args[0]
	value := strings.Join(args[1:], " ")
	if err := c.cfg.UpdateGameField(key, value); err != nil {
		return err
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	fmt.Printf("Config updated: %s = %s\n", key, value)
	return nil
}
