// Package replacer implements the LRU-K victim-selection policy. Shaped
// after the reference pack's plain-LRU replacer (one mutex, a side map for
// O(1) frame lookup) generalized to track a bounded history of the last K
// accesses per frame instead of a single most-recent timestamp.
package replacer

import (
	"errors"
	"sync"

	"github.com/eduquery/dbcore/assert"
)

// ErrNoVictimAvailable is returned by Evict when no frame is evictable.
var ErrNoVictimAvailable = errors.New("replacer: no evictable frame available")

// FrameID indexes a buffer pool frame.
type FrameID uint64

type node struct {
	// history is a bounded FIFO of the last K access timestamps, oldest
	// first.
	history   []uint64
	evictable bool
}

// LRUK tracks up to N frames and evicts the evictable frame with the
// greatest backward k-distance, breaking ties among infinite-distance
// frames by earliest recorded access (classical LRU fallback).
type LRUK struct {
	mu sync.Mutex

	k             int
	maxFrames     uint64
	currentTime   uint64
	nodes         map[FrameID]*node
	evictableSize int
}

// New constructs a replacer bounded to maxFrames frames tracking the last k
// accesses per frame.
func New(maxFrames uint64, k int) *LRUK {
	assert.Assert(maxFrames > 0, "replacer: maxFrames must be > 0")
	assert.Assert(k > 0, "replacer: k must be > 0")

	return &LRUK{
		k:         k,
		maxFrames: maxFrames,
		nodes:     make(map[FrameID]*node),
	}
}

// RecordAccess pushes the current timestamp onto frame's history, creating
// the node on first access, and advances the global clock: the timestamp
// counter increments on every recorded access across all frames, not just
// this one.
func (r *LRUK) RecordAccess(frame FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.currentTime++

	n, ok := r.nodes[frame]
	if !ok {
		n = &node{}
		r.nodes[frame] = n
	}

	n.history = append(n.history, r.currentTime)
	if len(n.history) > r.k {
		n.history = n.history[1:]
	}
}

// SetEvictable toggles a frame's evictability, adjusting the evictable
// count by exactly ±1 only when the flag actually changes.
func (r *LRUK) SetEvictable(frame FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[frame]
	assert.Assert(ok, "replacer: SetEvictable on unknown frame %d", frame)

	if n.evictable == evictable {
		return
	}
	n.evictable = evictable
	if evictable {
		r.evictableSize++
	} else {
		r.evictableSize--
	}
}

// Evict chooses the evictable frame with the greatest backward k-distance.
// A frame with fewer than K recorded accesses has infinite k-distance;
// ties among infinite-distance frames go to the smallest earliest
// timestamp. The winner's node is removed and the evictable count drops by
// one.
func (r *LRUK) Evict() (FrameID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		victim       FrameID
		found        bool
		bestIsInf    bool
		bestDistance uint64
		bestEarliest uint64
	)

	for frame, n := range r.nodes {
		if !n.evictable {
			continue
		}

		isInf := len(n.history) < r.k
		earliest := n.history[0]

		var distance uint64
		if !isInf {
			distance = r.currentTime - n.history[0]
		}

		better := false
		switch {
		case !found:
			better = true
		case isInf && !bestIsInf:
			better = true
		case isInf == bestIsInf && isInf:
			// both infinite: earliest timestamp wins (classical LRU)
			better = earliest < bestEarliest
		case isInf == bestIsInf && !isInf:
			better = distance > bestDistance
		case !isInf && bestIsInf:
			better = false
		}

		if better {
			victim = frame
			found = true
			bestIsInf = isInf
			bestDistance = distance
			bestEarliest = earliest
		}
	}

	if !found {
		return 0, ErrNoVictimAvailable
	}

	delete(r.nodes, victim)
	r.evictableSize--
	return victim, nil
}

// Remove drops frame's node outright. Fails loudly if the frame is
// currently non-evictable.
func (r *LRUK) Remove(frame FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[frame]
	if !ok {
		return
	}
	assert.Assert(n.evictable, "replacer: Remove called on non-evictable frame %d", frame)

	delete(r.nodes, frame)
	r.evictableSize--
}

// Size returns the current count of evictable frames.
func (r *LRUK) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.evictableSize
}
