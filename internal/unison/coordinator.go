// Package unison accounts per-band unison-phrase completion and awards the
// group bonus exactly once per phrase.
package unison

import (
	"math"
	"sync"

	"github.com/google/uuid"
)

// phraseBucket is a phrase time normalized to 0.1 s resolution, so the same
// phrase reported with slight clock skew still lands on one key.
type phraseBucket int64

func bucketFor(phraseTime float64) phraseBucket {
	return phraseBucket(math.Round(phraseTime / 0.1))
}

type phraseKey struct {
	band   uint8
	bucket phraseBucket
}

// Coordinator tracks which players completed each phrase. When a phrase's
// completion set reaches the band's expected player count the phrase is
// awarded; further hits on it report false.
type Coordinator struct {
	mu sync.Mutex

	expected    map[uint8]int
	defaultSize int
	completions map[phraseKey]map[uuid.UUID]struct{}
	awarded     map[phraseKey]struct{}
}

func NewCoordinator(defaultBandSize int) *Coordinator {
	if defaultBandSize < 1 {
		defaultBandSize = 1
	}
	return &Coordinator{
		expected:    make(map[uint8]int),
		defaultSize: defaultBandSize,
		completions: make(map[phraseKey]map[uuid.UUID]struct{}),
		awarded:     make(map[phraseKey]struct{}),
	}
}

// SetBandSize fixes a band's expected player count, normally at gameplay
// start.
func (c *Coordinator) SetBandSize(band uint8, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if size < 1 {
		delete(c.expected, band)
		return
	}
	c.expected[band] = size
}

// SetDefaultBandSize updates the fallback used for bands without an explicit
// size. Band 0 uses this default.
func (c *Coordinator) SetDefaultBandSize(size int) {
	if size < 1 {
		size = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultSize = size
}

func (c *Coordinator) bandSizeLocked(band uint8) int {
	if size, ok := c.expected[band]; ok {
		return size
	}
	return c.defaultSize
}

// RecordPhraseHit registers one player's completion of a phrase. It returns
// true exactly when this hit completes the band and awards the bonus.
func (c *Coordinator) RecordPhraseHit(player uuid.UUID, band uint8, phraseTime, phraseEndTime float64) bool {
	key := phraseKey{band: band, bucket: bucketFor(phraseTime)}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, done := c.awarded[key]; done {
		return false
	}

	set := c.completions[key]
	if set == nil {
		set = make(map[uuid.UUID]struct{})
		c.completions[key] = set
	}
	set[player] = struct{}{}

	if len(set) < c.bandSizeLocked(band) {
		return false
	}

	c.awarded[key] = struct{}{}
	delete(c.completions, key)
	return true
}

// Awarded reports whether a phrase's bonus has been granted.
func (c *Coordinator) Awarded(band uint8, phraseTime float64) bool {
	key := phraseKey{band: band, bucket: bucketFor(phraseTime)}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.awarded[key]
	return ok
}

// Reset clears phrase accounting for the next song, keeping band sizes.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completions = make(map[phraseKey]map[uuid.UUID]struct{})
	c.awarded = make(map[phraseKey]struct{})
}

// FullReset also drops the per-band expected counts, for lobby teardown.
func (c *Coordinator) FullReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completions = make(map[phraseKey]map[uuid.UUID]struct{})
	c.awarded = make(map[phraseKey]struct{})
	c.expected = make(map[uint8]int)
}
