package sim

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Vec2 is a 2D point in track units.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Track is the shared course definition. The same JSON bytes that produce a
// Track on the server are transferred verbatim to clients, so every field
// must round-trip through encoding/json.
type Track struct {
	Name        string  `json:"name"`
	Width       float64 `json:"width"`
	SpawnAngle  float64 `json:"spawn_angle"`
	Spawns      []Vec2  `json:"spawns"`
	Checkpoints []Vec2  `json:"checkpoints"`
}

// CheckpointRadius is how close a car must pass a checkpoint to clear it.
const CheckpointRadius = 120.0

func (t *Track) validate() error {
	if t.Name == "" {
		return fmt.Errorf("track has no name")
	}
	if len(t.Checkpoints) < 2 {
		return fmt.Errorf("track %q has %d checkpoints, need at least 2", t.Name, len(t.Checkpoints))
	}
	if len(t.Spawns) == 0 {
		return fmt.Errorf("track %q has no spawn points", t.Name)
	}
	return nil
}

// Spawn returns the spawn position for a grid slot, reusing positions with a
// small stagger when the roster is larger than the spawn list.
func (t *Track) Spawn(slot int) Vec2 {
	p := t.Spawns[slot%len(t.Spawns)]
	row := float64(slot / len(t.Spawns))
	p.X -= math.Sin(t.SpawnAngle) * row * 60
	p.Y -= math.Cos(t.SpawnAngle) * row * 60
	return p
}

// LoadTrack reads and validates a track file, returning both the parsed
// track and the raw bytes for transfer to clients.
func LoadTrack(path string) (*Track, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read track file: %w", err)
	}
	t, err := ParseTrack(raw)
	if err != nil {
		return nil, nil, err
	}
	return t, raw, nil
}

// ParseTrack decodes track JSON, as received over a track transfer.
func ParseTrack(raw []byte) (*Track, error) {
	var t Track
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("failed to parse track: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// FindTrack resolves a track name against a directory of .json track files.
func FindTrack(dir, name string) (*Track, []byte, error) {
	return LoadTrack(filepath.Join(dir, name+".json"))
}

// ListTracks returns the sorted names of all track files in a directory.
func ListTracks(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read track dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// DefaultTrack is a rectangular circuit used when no track file is
// configured, and by tests.
func DefaultTrack() *Track {
	return &Track{
		Name:       "oval",
		Width:      300,
		SpawnAngle: math.Pi / 2,
		Spawns: []Vec2{
			{X: 200, Y: 500}, {X: 260, Y: 500},
			{X: 200, Y: 560}, {X: 260, Y: 560},
		},
		Checkpoints: []Vec2{
			{X: 200, Y: 200},
			{X: 1000, Y: 200},
			{X: 1000, Y: 800},
			{X: 200, Y: 800},
		},
	}
}

// Raw returns the track re-encoded as transfer bytes. Used for the default
// track, which has no backing file.
func (t *Track) Raw() ([]byte, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode track: %w", err)
	}
	return raw, nil
}
