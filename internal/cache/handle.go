package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/swarmshard/blockserver/internal/metrics"
)

// Handle owns the cache regions issued to one session across every block it
// touches. All regions are reserved together and returned together; Release
// is idempotent. The allocator hands out handles, sessions hold them.
type Handle struct {
	ID string

	alloc *Allocator

	mu       sync.Mutex
	regions  map[int][]*region // block id -> key/value regions in request order
	lengths  map[int]int       // block id -> current valid length
	reserved map[Tier]int64
	released bool
}

// Regions returns how many regions the handle holds for a block.
func (h *Handle) Regions(blockID int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.regions[blockID])
}

// Tiers reports the tier each of a block's regions was placed in.
func (h *Handle) Tiers(blockID int) []Tier {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Tier, 0, len(h.regions[blockID]))
	for _, r := range h.regions[blockID] {
		out = append(out, r.tier)
	}
	return out
}

// Length returns the count of positions currently valid for a block.
func (h *Handle) Length(blockID int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lengths[blockID]
}

func (h *Handle) region(blockID, idx int) (*region, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, ErrHandleReleased
	}
	rs, ok := h.regions[blockID]
	if !ok {
		return nil, fmt.Errorf("no cache regions for block %d", blockID)
	}
	if idx < 0 || idx >= len(rs) {
		return nil, fmt.Errorf("region index %d out of range for block %d", idx, blockID)
	}
	return rs[idx], nil
}

// Write stores data at positions [start, end) of one region of a block.
// Writes past the descriptor's max length fail with ErrOutOfRange. The valid
// length advances to end when the write extends it.
func (h *Handle) Write(blockID, regionIdx, start, end int, data []float32) error {
	r, err := h.region(blockID, regionIdx)
	if err != nil {
		return err
	}
	if err := r.write(start, end, data); err != nil {
		if errors.Is(err, ErrOutOfRange) {
			metrics.CacheOutOfBounds.Inc()
		}
		return err
	}
	h.mu.Lock()
	if end > h.lengths[blockID] {
		h.lengths[blockID] = end
	}
	h.mu.Unlock()
	return nil
}

// Read returns a copy of positions [start, end) of one region of a block.
func (h *Handle) Read(blockID, regionIdx, start, end int) ([]float32, error) {
	r, err := h.region(blockID, regionIdx)
	if err != nil {
		return nil, err
	}
	out, err := r.read(start, end)
	if errors.Is(err, ErrOutOfRange) {
		metrics.CacheOutOfBounds.Inc()
	}
	return out, err
}

// Reorder permutes the batch rows of every region of a block, over the
// block's currently valid positions.
func (h *Handle) Reorder(blockID int, hypoIDs []int) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return ErrHandleReleased
	}
	rs := h.regions[blockID]
	length := h.lengths[blockID]
	h.mu.Unlock()
	for _, r := range rs {
		if err := r.reorder(hypoIDs, length); err != nil {
			return err
		}
	}
	return nil
}

// Release returns every region to the allocator's free pool. Safe to call
// more than once.
func (h *Handle) Release() {
	h.alloc.release(h)
}
