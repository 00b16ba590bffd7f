package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/swarmshard/blockserver/internal/policy"
	"github.com/swarmshard/blockserver/internal/tensor"
)

func cpuPolicy() policy.Policy {
	p := policy.Default()
	p.CacheGPUPercent, p.CacheCPUPercent = 0, 100
	return p
}

func oneDesc(maxLength int) map[int][]Descriptor {
	return map[int][]Descriptor{
		0: KVDescriptors(1, 2, 4, maxLength, tensor.F32),
	}
}

func TestAllocateReleaseAccounting(t *testing.T) {
	a := NewAllocator(1<<20, cpuPolicy(), t.TempDir())
	if a.Used(TierCPU) != 0 {
		t.Fatalf("fresh arena has %d used bytes", a.Used(TierCPU))
	}

	h1, err := a.Allocate(context.Background(), oneDesc(64), time.Second)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	h2, err := a.Allocate(context.Background(), oneDesc(32), time.Second)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if a.Used(TierCPU) == 0 {
		t.Error("expected non-zero reservation after allocation")
	}
	if a.Used(TierCPU) > a.Capacity(TierCPU) {
		t.Errorf("reserved %d exceeds capacity %d", a.Used(TierCPU), a.Capacity(TierCPU))
	}

	h1.Release()
	h2.Release()
	if a.Used(TierCPU) != 0 {
		t.Errorf("leak: %d bytes still reserved after releasing all handles", a.Used(TierCPU))
	}
}

func TestReleaseIdempotent(t *testing.T) {
	a := NewAllocator(1<<20, cpuPolicy(), t.TempDir())
	h, err := a.Allocate(context.Background(), oneDesc(16), time.Second)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	h.Release()
	used := a.Used(TierCPU)
	h.Release()
	if a.Used(TierCPU) != used {
		t.Error("double release changed arena accounting")
	}
}

func TestCapacityExceededIsPermanent(t *testing.T) {
	a := NewAllocator(1024, cpuPolicy(), t.TempDir())
	_, err := a.Allocate(context.Background(), oneDesc(1<<20), time.Second)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("got %v, want ErrCapacityExceeded", err)
	}
	if a.Used(TierCPU) != 0 {
		t.Error("failed allocation left a partial reservation")
	}
}

func TestZeroTimeoutOnFullArena(t *testing.T) {
	descs := oneDesc(64)
	var total int64
	for _, ds := range descs[0] {
		total += ds.SizeBytes()
	}
	a := NewAllocator(total, cpuPolicy(), t.TempDir())

	h, err := a.Allocate(context.Background(), descs, time.Second)
	if err != nil {
		t.Fatalf("first Allocate failed: %v", err)
	}
	defer h.Release()

	before := a.Used(TierCPU)
	_, err = a.Allocate(context.Background(), descs, 0)
	if !errors.Is(err, ErrAllocationTimeout) {
		t.Fatalf("got %v, want ErrAllocationTimeout", err)
	}
	if a.Used(TierCPU) != before {
		t.Error("timed-out allocation changed arena state")
	}
}

func TestAllocateUnblocksOnRelease(t *testing.T) {
	descs := oneDesc(64)
	var total int64
	for _, ds := range descs[0] {
		total += ds.SizeBytes()
	}
	a := NewAllocator(total, cpuPolicy(), t.TempDir())

	h, err := a.Allocate(context.Background(), descs, time.Second)
	if err != nil {
		t.Fatalf("first Allocate failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		h2, err := a.Allocate(context.Background(), descs, 5*time.Second)
		if h2 != nil {
			h2.Release()
		}
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	h.Release()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter failed after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not unblock after release")
	}
}

func TestTierPlacementFollowsPolicy(t *testing.T) {
	// 50/50 split over ten equal-size descriptors: first five land on the
	// accelerator tier, the next five on the host tier, none on disk.
	p := policy.Default()
	p.CacheGPUPercent, p.CacheCPUPercent = 50, 50
	a := NewAllocator(1<<20, p, t.TempDir())

	descs := make([]Descriptor, 10)
	for i := range descs {
		descs[i] = Descriptor{Batch: 1, Heads: 1, HeadDim: 8, MaxLength: 4, DType: tensor.F32}
	}
	h, err := a.Allocate(context.Background(), map[int][]Descriptor{0: descs}, time.Second)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	defer h.Release()

	tiers := h.Tiers(0)
	if len(tiers) != 10 {
		t.Fatalf("got %d regions, want 10", len(tiers))
	}
	for i, tier := range tiers {
		want := TierGPU
		if i >= 5 {
			want = TierCPU
		}
		if tier != want {
			t.Errorf("region %d placed on %s, want %s", i, tier, want)
		}
	}
	if a.Used(TierDisk) != 0 {
		t.Errorf("disk tier reserved %d bytes, want 0", a.Used(TierDisk))
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	a := NewAllocator(1<<20, cpuPolicy(), t.TempDir())
	h, err := a.Allocate(context.Background(), oneDesc(16), time.Second)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	defer h.Release()

	ept := KVDescriptors(1, 2, 4, 16, tensor.F32)[0].ElementsPerToken()
	prefix := make([]float32, 3*ept)
	for i := range prefix {
		prefix[i] = float32(i)
	}
	if err := h.Write(0, 0, 0, 3, prefix); err != nil {
		t.Fatalf("prefix write failed: %v", err)
	}

	step := make([]float32, 2*ept)
	for i := range step {
		step[i] = float32(100 + i)
	}
	if err := h.Write(0, 0, 3, 5, step); err != nil {
		t.Fatalf("step write failed: %v", err)
	}

	got, err := h.Read(0, 0, 3, 5)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	for i := range step {
		if got[i] != step[i] {
			t.Fatalf("round trip mismatch at %d: got %f, want %f", i, got[i], step[i])
		}
	}

	// The prefix must be untouched by the later write.
	before, err := h.Read(0, 0, 0, 3)
	if err != nil {
		t.Fatalf("prefix read failed: %v", err)
	}
	for i := range prefix {
		if before[i] != prefix[i] {
			t.Fatalf("prefix corrupted at %d: got %f, want %f", i, before[i], prefix[i])
		}
	}
	if h.Length(0) != 5 {
		t.Errorf("valid length: got %d, want 5", h.Length(0))
	}
}

func TestWriteOutOfRange(t *testing.T) {
	a := NewAllocator(1<<20, cpuPolicy(), t.TempDir())
	h, err := a.Allocate(context.Background(), oneDesc(8), time.Second)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	defer h.Release()

	ept := KVDescriptors(1, 2, 4, 8, tensor.F32)[0].ElementsPerToken()
	err = h.Write(0, 0, 7, 9, make([]float32, 2*ept))
	if !errors.Is(err, ErrOutOfRange) {
		t.Errorf("got %v, want ErrOutOfRange", err)
	}
	if _, err := h.Read(0, 0, 0, 9); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("read past max_length: got %v, want ErrOutOfRange", err)
	}
}

func TestDiskTierSpillRoundTrip(t *testing.T) {
	p := policy.Default()
	p.CacheGPUPercent, p.CacheCPUPercent = 0, 0 // everything on disk
	a := NewAllocator(1<<20, p, t.TempDir())

	descs := map[int][]Descriptor{
		0: {{Batch: 1, Heads: 1, HeadDim: 4, MaxLength: 8, DType: tensor.F16}},
	}
	h, err := a.Allocate(context.Background(), descs, time.Second)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	defer h.Release()

	if tiers := h.Tiers(0); tiers[0] != TierDisk {
		t.Fatalf("region placed on %s, want disk", tiers[0])
	}

	// Half-precision representable values survive the spill encode.
	data := []float32{0.5, 1, -2, 4, 8, 16, 32, 64}
	if err := h.Write(0, 0, 2, 4, data); err != nil {
		t.Fatalf("spill write failed: %v", err)
	}
	got, err := h.Read(0, 0, 2, 4)
	if err != nil {
		t.Fatalf("spill read failed: %v", err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Errorf("spill round trip at %d: got %g, want %g", i, got[i], data[i])
		}
	}
}

func TestReorderPermutesBatchRows(t *testing.T) {
	a := NewAllocator(1<<20, cpuPolicy(), t.TempDir())
	descs := map[int][]Descriptor{
		0: {{Batch: 2, Heads: 1, HeadDim: 2, MaxLength: 4, DType: tensor.F32}},
	}
	h, err := a.Allocate(context.Background(), descs, time.Second)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	defer h.Release()

	// Position 0: lane 0 = {1, 2}, lane 1 = {3, 4}.
	if err := h.Write(0, 0, 0, 1, []float32{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := h.Reorder(0, []int{1, 0}); err != nil {
		t.Fatalf("Reorder failed: %v", err)
	}
	got, err := h.Read(0, 0, 0, 1)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	want := []float32{3, 4, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("after reorder: got %v, want %v", got, want)
		}
	}
}

func TestHandleReleasedAccessFails(t *testing.T) {
	a := NewAllocator(1<<20, cpuPolicy(), t.TempDir())
	h, err := a.Allocate(context.Background(), oneDesc(8), time.Second)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	h.Release()
	if _, err := h.Read(0, 0, 0, 1); !errors.Is(err, ErrHandleReleased) {
		t.Errorf("got %v, want ErrHandleReleased", err)
	}
}
