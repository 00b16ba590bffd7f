package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmshard/blockserver/internal/logger"
	"github.com/swarmshard/blockserver/internal/metrics"
	"github.com/swarmshard/blockserver/internal/policy"
	"github.com/swarmshard/blockserver/internal/tensor"
)

// Allocator manages a fixed arena of attention cache memory split across
// tiers by the placement policy. It admits new handles only when all their
// regions fit; it never evicts a live handle, so a blocked Allocate is
// unblocked only by a Release or its own timeout.
type Allocator struct {
	pol      policy.Policy
	spillDir string

	mu        sync.Mutex
	capacity  map[Tier]int64
	used      map[Tier]int64
	handles   int
	releaseCh chan struct{}

	log *logger.Logger
}

// NewAllocator builds an allocator over totalBytes of cache arena, divided
// between tiers by the policy's cache percentages. spillDir holds disk-tier
// regions; empty means the OS temp dir.
func NewAllocator(totalBytes int64, pol policy.Policy, spillDir string) *Allocator {
	gpu, cpu, disk := pol.SplitCache(totalBytes)
	a := &Allocator{
		pol:       pol,
		spillDir:  spillDir,
		capacity:  map[Tier]int64{TierGPU: gpu, TierCPU: cpu, TierDisk: disk},
		used:      map[Tier]int64{},
		releaseCh: make(chan struct{}),
		log:       logger.Log.Named("cache"),
	}
	for tier, c := range a.capacity {
		metrics.CacheCapacityBytes.WithLabelValues(tier.String()).Set(float64(c))
		metrics.CacheUsedBytes.WithLabelValues(tier.String()).Set(0)
	}
	a.log.Info("cache arena initialized", "gpu_bytes", gpu, "cpu_bytes", cpu, "disk_bytes", disk)
	return a
}

// Capacity returns the configured capacity of one tier.
func (a *Allocator) Capacity(tier Tier) int64 {
	return a.capacity[tier]
}

// Used returns the bytes currently reserved in one tier.
func (a *Allocator) Used(tier Tier) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used[tier]
}

// Usage snapshots capacity and reservation per tier for telemetry polling.
func (a *Allocator) Usage() map[string][2]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string][2]int64, len(a.capacity))
	for tier, c := range a.capacity {
		out[tier.String()] = [2]int64{c, a.used[tier]}
	}
	return out
}

// placement records the deterministic tier assignment for one request.
type placement struct {
	blockID int
	desc    Descriptor
	tier    Tier
}

// plan assigns each descriptor a tier: walking descriptors in block order,
// the first cache_gpu_percent of the requested bytes land on the
// accelerator, the next cache_cpu_percent on the host, the rest on disk.
// A descriptor that would straddle a quota boundary moves whole to the next
// tier.
func (a *Allocator) plan(blocks map[int][]Descriptor) ([]placement, map[Tier]int64) {
	ids := make([]int, 0, len(blocks))
	for id := range blocks {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var total int64
	for _, id := range ids {
		for _, d := range blocks[id] {
			total += d.SizeBytes()
		}
	}
	gpuQuota, cpuQuota, _ := a.pol.SplitCache(total)

	var cum int64
	demand := map[Tier]int64{}
	var out []placement
	for _, id := range ids {
		for _, d := range blocks[id] {
			cum += d.SizeBytes()
			tier := TierDisk
			switch {
			case cum <= gpuQuota:
				tier = TierGPU
			case cum <= gpuQuota+cpuQuota:
				tier = TierCPU
			}
			demand[tier] += d.SizeBytes()
			out = append(out, placement{blockID: id, desc: d, tier: tier})
		}
	}
	return out, demand
}

// Allocate reserves descriptor-shaped regions for every block, all or
// nothing. It fails with ErrCapacityExceeded when the shapes cannot fit a
// fully free arena, and with ErrAllocationTimeout when space does not free
// up within the timeout. A zero timeout fails immediately unless space is
// already available.
func (a *Allocator) Allocate(ctx context.Context, blocks map[int][]Descriptor, timeout time.Duration) (*Handle, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("allocate: no descriptors")
	}
	plc, demand := a.plan(blocks)
	for tier, need := range demand {
		if need > a.capacity[tier] {
			metrics.CacheAllocationRejects.Inc()
			return nil, fmt.Errorf("%w: tier %s needs %d bytes, capacity %d", ErrCapacityExceeded, tier, need, a.capacity[tier])
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		a.mu.Lock()
		if a.fitsLocked(demand) {
			h, err := a.reserveLocked(plc, demand)
			a.mu.Unlock()
			return h, err
		}
		ch := a.releaseCh
		a.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			metrics.CacheAllocationTimeouts.Inc()
			return nil, fmt.Errorf("%w after %s", ErrAllocationTimeout, timeout)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			metrics.CacheAllocationTimeouts.Inc()
			return nil, fmt.Errorf("%w after %s", ErrAllocationTimeout, timeout)
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (a *Allocator) fitsLocked(demand map[Tier]int64) bool {
	for tier, need := range demand {
		if a.used[tier]+need > a.capacity[tier] {
			return false
		}
	}
	return true
}

func (a *Allocator) reserveLocked(plc []placement, demand map[Tier]int64) (*Handle, error) {
	h := &Handle{
		ID:       uuid.NewString(),
		alloc:    a,
		regions:  make(map[int][]*region),
		lengths:  make(map[int]int),
		reserved: demand,
	}
	var created []*region
	for _, p := range plc {
		r, err := newRegion(p.desc, p.tier, a.spillDir)
		if err != nil {
			for _, c := range created {
				c.free()
			}
			return nil, err
		}
		created = append(created, r)
		h.regions[p.blockID] = append(h.regions[p.blockID], r)
	}
	for tier, need := range demand {
		a.used[tier] += need
		metrics.CacheUsedBytes.WithLabelValues(tier.String()).Set(float64(a.used[tier]))
	}
	a.handles++
	metrics.CacheHandlesActive.Set(float64(a.handles))
	a.log.Debug("cache handle allocated", "handle", h.ID, "blocks", len(h.regions))
	return h, nil
}

func (a *Allocator) release(h *Handle) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	var regions []*region
	for _, rs := range h.regions {
		regions = append(regions, rs...)
	}
	h.regions = nil
	reserved := h.reserved
	h.mu.Unlock()

	for _, r := range regions {
		r.free()
	}

	a.mu.Lock()
	for tier, n := range reserved {
		a.used[tier] -= n
		metrics.CacheUsedBytes.WithLabelValues(tier.String()).Set(float64(a.used[tier]))
	}
	a.handles--
	metrics.CacheHandlesActive.Set(float64(a.handles))
	close(a.releaseCh)
	a.releaseCh = make(chan struct{})
	a.mu.Unlock()
	a.log.Debug("cache handle released", "handle", h.ID)
}

// KVDescriptors builds the co-allocated key/value descriptor pair for one
// block's attention cache. Keys use [batch, kv_heads, head_dim, max_length],
// values the transposed layout.
func KVDescriptors(batch, kvHeads, headDim, maxLength int, dtype tensor.DType) []Descriptor {
	key := Descriptor{Batch: batch, Heads: kvHeads, HeadDim: headDim, MaxLength: maxLength, DType: dtype}
	value := key
	value.Transposed = true
	return []Descriptor{key, value}
}
