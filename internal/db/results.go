package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream-racing/slipstream/internal/events"
	"github.com/slipstream-racing/slipstream/internal/util"
)

// ResultsStore records finished races and answers the standings queries.
type ResultsStore struct {
	db  *Database
	log zerolog.Logger
}

// RaceRecord is one stored race.
type RaceRecord struct {
	ID         int64     `json:"id"`
	RoomCode   string    `json:"room_code"`
	TrackName  string    `json:"track"`
	FinishedAt time.Time `json:"finished_at"`
	Players    int       `json:"players"`
}

// ResultRow is one player's outcome within a race.
type ResultRow struct {
	RaceID     int64   `json:"race_id"`
	Position   int     `json:"position"`
	PlayerName string  `json:"player"`
	FinishTime float64 `json:"finish_time"`
	Laps       int     `json:"laps"`
	Finished   bool    `json:"finished"`
}

// LeaderboardEntry aggregates a player's history across stored races.
type LeaderboardEntry struct {
	PlayerName string  `json:"player"`
	Races      int     `json:"races"`
	Wins       int     `json:"wins"`
	BestTime   float64 `json:"best_time"`
}

// NewResultsStore opens the store and runs migrations.
func NewResultsStore(dbPath string) (*ResultsStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	s := &ResultsStore{db: database, log: util.ComponentLogger("results")}
	if err := s.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate results database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *ResultsStore) Close() error {
	return s.db.Close()
}

func (s *ResultsStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS races (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room_code TEXT NOT NULL,
			track TEXT NOT NULL,
			finished_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			players INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS results (
			race_id INTEGER NOT NULL,
			position INTEGER NOT NULL,
			player TEXT NOT NULL,
			finish_time REAL NOT NULL,
			laps INTEGER NOT NULL,
			finished INTEGER NOT NULL,
			PRIMARY KEY (race_id, position),
			FOREIGN KEY (race_id) REFERENCES races(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_results_player ON results(player);
		CREATE INDEX IF NOT EXISTS idx_races_room ON races(room_code);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

// Subscribe wires the store to race-finished events so completed races are
// recorded without the room code knowing persistence exists.
func (s *ResultsStore) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventRaceFinished, "results.record", func(ctx context.Context, ev events.Event) error {
		payload, ok := ev.Payload.(events.RaceFinishedPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T for race finished", ev.Payload)
		}
		id, err := s.SaveRace(payload)
		if err != nil {
			return err
		}
		s.log.Info().Int64("race", id).Str("room", payload.RoomCode).
			Int("players", len(payload.Results)).Msg("race recorded")
		return nil
	})
}

// SaveRace stores a race and its standings in one transaction. The results
// slice is assumed already ordered by finishing position.
func (s *ResultsStore) SaveRace(payload events.RaceFinishedPayload) (int64, error) {
	var raceID int64
	err := s.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"INSERT INTO races (room_code, track, players) VALUES (?, ?, ?)",
			payload.RoomCode, payload.TrackName, len(payload.Results))
		if err != nil {
			return err
		}
		raceID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		for i, r := range payload.Results {
			_, err := tx.Exec(
				"INSERT INTO results (race_id, position, player, finish_time, laps, finished) VALUES (?, ?, ?, ?, ?, ?)",
				raceID, i+1, r.Name, r.FinishTime, r.Laps, r.Finished)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to save race: %w", err)
	}
	return raceID, nil
}

// PruneOlderThan deletes races finished before the cutoff. Result rows go
// with them through the cascade.
func (s *ResultsStore) PruneOlderThan(age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	res, err := s.db.Exec("DELETE FROM races WHERE finished_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune races: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RaceCount returns the number of stored races.
func (s *ResultsStore) RaceCount() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM races").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count races: %w", err)
	}
	return n, nil
}

// RecentRaces returns the newest races, most recent first.
func (s *ResultsStore) RecentRaces(limit int) ([]RaceRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		"SELECT id, room_code, track, finished_at, players FROM races ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query races: %w", err)
	}
	defer rows.Close()

	var out []RaceRecord
	for rows.Next() {
		var r RaceRecord
		if err := rows.Scan(&r.ID, &r.RoomCode, &r.TrackName, &r.FinishedAt, &r.Players); err != nil {
			return nil, fmt.Errorf("failed to scan race: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RaceResults returns the standings of one race in finishing order.
func (s *ResultsStore) RaceResults(raceID int64) ([]ResultRow, error) {
	rows, err := s.db.Query(
		"SELECT race_id, position, player, finish_time, laps, finished FROM results WHERE race_id = ? ORDER BY position", raceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var out []ResultRow
	for rows.Next() {
		var r ResultRow
		if err := rows.Scan(&r.RaceID, &r.Position, &r.PlayerName, &r.FinishTime, &r.Laps, &r.Finished); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Leaderboard aggregates per-player wins, race counts, and best finish
// time across all stored races. Players who never finished rank last.
func (s *ResultsStore) Leaderboard(limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT player,
			COUNT(*) AS races,
			SUM(CASE WHEN position = 1 AND finished = 1 THEN 1 ELSE 0 END) AS wins,
			COALESCE(MIN(CASE WHEN finished = 1 THEN finish_time END), 0) AS best_time
		FROM results
		GROUP BY player
		ORDER BY wins DESC, best_time ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	var out []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.PlayerName, &e.Races, &e.Wins, &e.BestTime); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
