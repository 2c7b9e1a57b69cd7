package server

import (
	"sync"

	"github.com/google/uuid"

	"github.com/yarg-net/backplane/internal/protocol"
)

// ScoreCollector accumulates per-player results during a song and produces
// the band summary at song end. Snapshots are relayed, never validated.
type ScoreCollector struct {
	mu      sync.Mutex
	songID  string
	results map[uuid.UUID]protocol.ScoreResults
}

func NewScoreCollector() *ScoreCollector {
	return &ScoreCollector{results: make(map[uuid.UUID]protocol.ScoreResults)}
}

// Begin starts collection for a song, discarding the previous song's results.
func (c *ScoreCollector) Begin(songID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.songID = songID
	c.results = make(map[uuid.UUID]protocol.ScoreResults)
}

// Record keeps the latest result per player.
func (c *ScoreCollector) Record(result protocol.ScoreResults) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[result.PlayerID] = result
}

func (c *ScoreCollector) RemovePlayer(playerID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.results, playerID)
}

// Summary totals the recorded scores. Stars are the floor of the per-player
// average.
func (c *ScoreCollector) Summary() protocol.ScoreSummaryPayload {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total uint32
	var stars int
	for _, r := range c.results {
		total += r.Score
		stars += int(r.Stars)
	}
	avg := uint8(0)
	if len(c.results) > 0 {
		avg = uint8(stars / len(c.results))
	}
	return protocol.ScoreSummaryPayload{
		SongID:    c.songID,
		BandScore: total,
		Stars:     avg,
	}
}

func (c *ScoreCollector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}
