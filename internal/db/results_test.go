package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/slipstream-racing/slipstream/internal/events"
)

func openStore(t *testing.T) *ResultsStore {
	t.Helper()
	s, err := NewResultsStore(filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRace(room string, results ...events.RaceResult) events.RaceFinishedPayload {
	return events.RaceFinishedPayload{
		RoomCode:  room,
		TrackName: "oval",
		Results:   results,
	}
}

func TestSaveAndReadBackRace(t *testing.T) {
	s := openStore(t)

	id, err := s.SaveRace(sampleRace("AB12",
		events.RaceResult{PlayerID: 0, Name: "alice", FinishTime: 61.2, Laps: 3, Finished: true},
		events.RaceResult{PlayerID: 1, Name: "bob", FinishTime: 64.8, Laps: 3, Finished: true},
		events.RaceResult{PlayerID: 2, Name: "carol", FinishTime: 0, Laps: 1, Finished: false},
	))
	if err != nil {
		t.Fatalf("save race: %v", err)
	}

	races, err := s.RecentRaces(10)
	if err != nil {
		t.Fatalf("recent races: %v", err)
	}
	if len(races) != 1 || races[0].ID != id {
		t.Fatalf("recent races %+v, want one race with id %d", races, id)
	}
	if races[0].Players != 3 || races[0].TrackName != "oval" {
		t.Fatalf("race record %+v, want 3 players on oval", races[0])
	}

	rows, err := s.RaceResults(id)
	if err != nil {
		t.Fatalf("race results: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("stored %d result rows, want 3", len(rows))
	}
	if rows[0].Position != 1 || rows[0].PlayerName != "alice" {
		t.Fatalf("first position %+v, want alice", rows[0])
	}
	if rows[2].Finished {
		t.Fatal("DNF row stored as finished")
	}
}

func TestRecentRacesNewestFirst(t *testing.T) {
	s := openStore(t)

	for _, room := range []string{"AAAA", "BBBB", "CCCC"} {
		if _, err := s.SaveRace(sampleRace(room,
			events.RaceResult{Name: "p", FinishTime: 60, Laps: 3, Finished: true})); err != nil {
			t.Fatalf("save race %s: %v", room, err)
		}
	}

	races, err := s.RecentRaces(2)
	if err != nil {
		t.Fatalf("recent races: %v", err)
	}
	if len(races) != 2 {
		t.Fatalf("limit ignored, got %d races", len(races))
	}
	if races[0].RoomCode != "CCCC" || races[1].RoomCode != "BBBB" {
		t.Fatalf("order %s,%s, want CCCC,BBBB", races[0].RoomCode, races[1].RoomCode)
	}
}

func TestLeaderboardAggregatesWins(t *testing.T) {
	s := openStore(t)

	// alice wins twice, bob wins once with the fastest single time.
	saves := []events.RaceFinishedPayload{
		sampleRace("R1",
			events.RaceResult{Name: "alice", FinishTime: 62, Laps: 3, Finished: true},
			events.RaceResult{Name: "bob", FinishTime: 65, Laps: 3, Finished: true}),
		sampleRace("R2",
			events.RaceResult{Name: "alice", FinishTime: 61, Laps: 3, Finished: true},
			events.RaceResult{Name: "bob", FinishTime: 63, Laps: 3, Finished: true}),
		sampleRace("R3",
			events.RaceResult{Name: "bob", FinishTime: 58, Laps: 3, Finished: true},
			events.RaceResult{Name: "alice", FinishTime: 59, Laps: 3, Finished: true}),
	}
	for _, p := range saves {
		if _, err := s.SaveRace(p); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	board, err := s.Leaderboard(10)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(board) != 2 {
		t.Fatalf("leaderboard has %d entries, want 2", len(board))
	}
	if board[0].PlayerName != "alice" || board[0].Wins != 2 || board[0].Races != 3 {
		t.Fatalf("top entry %+v, want alice with 2 wins over 3 races", board[0])
	}
	if board[1].PlayerName != "bob" || board[1].BestTime != 58 {
		t.Fatalf("second entry %+v, want bob with best time 58", board[1])
	}
}

func TestSubscribeRecordsFinishedRaces(t *testing.T) {
	s := openStore(t)
	bus := events.NewEventBus()
	defer bus.Stop()
	s.Subscribe(bus)

	payload := sampleRace("AB12",
		events.RaceResult{Name: "alice", FinishTime: 70, Laps: 3, Finished: true})
	if err := bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventRaceFinished,
		Source:  "test",
		Payload: payload,
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	races, err := s.RecentRaces(1)
	if err != nil {
		t.Fatalf("recent races: %v", err)
	}
	if len(races) != 1 || races[0].RoomCode != "AB12" {
		t.Fatalf("event did not record the race: %+v", races)
	}
}
