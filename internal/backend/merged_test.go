package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/swarmshard/blockserver/internal/cache"
	"github.com/swarmshard/blockserver/internal/policy"
	"github.com/swarmshard/blockserver/internal/pool"
	"github.com/swarmshard/blockserver/internal/tensor"
)

func mergedFixture(t *testing.T) (map[string]*Backend, *pool.Pool) {
	t.Helper()
	model := testModel()
	backends := map[string]*Backend{
		"block0": New("block0", 0, model, NewLinearStrategy(model, 0), tensor.F32, 1<<30, pool.Config{MaxBatchSize: 4}),
		"block1": New("block1", 1, model, NewLinearStrategy(model, 1), tensor.F32, 1<<30, pool.Config{MaxBatchSize: 4}),
	}
	merged, err := MergeInferencePools(backends, pool.Config{MaxBatchSize: 4})
	if err != nil {
		t.Fatalf("MergeInferencePools failed: %v", err)
	}
	if err := merged.Start(); err != nil {
		t.Fatalf("starting merged pool failed: %v", err)
	}
	t.Cleanup(func() {
		merged.Shutdown()
		for _, b := range backends {
			b.Shutdown()
		}
	})
	return backends, merged
}

func twoBlockHandle(t *testing.T, b0, b1 *Backend, batch int) *cache.Handle {
	t.Helper()
	model := testModel()
	p := policy.Default()
	p.CacheGPUPercent, p.CacheCPUPercent = 0, 100
	a := cache.NewAllocator(1<<24, p, t.TempDir())
	h, err := a.Allocate(context.Background(), map[int][]cache.Descriptor{
		0: b0.CacheDescriptors(batch, model.MaxLength),
		1: b1.CacheDescriptors(batch, model.MaxLength),
	}, time.Second)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	t.Cleanup(h.Release)
	return h
}

func TestMergeRejectsStartedInferencePool(t *testing.T) {
	model := testModel()
	b := New("started", 0, model, NewLinearStrategy(model, 0), tensor.F32, 1<<30, pool.Config{MaxBatchSize: 1})
	defer b.Shutdown()
	if err := b.StartPools(); err != nil {
		t.Fatalf("StartPools failed: %v", err)
	}
	if _, err := MergeInferencePools(map[string]*Backend{"started": b}, pool.Config{MaxBatchSize: 1}); err == nil {
		t.Error("expected error merging an already-started inference pool")
	}
}

func TestMergedMatchesSequentialSteps(t *testing.T) {
	backends, merged := mergedFixture(t)
	b0, b1 := backends["block0"], backends["block1"]
	model := testModel()
	batch, seq := 1, 3

	hMerged := twoBlockHandle(t, b0, b1, batch)
	hManual := twoBlockHandle(t, b0, b1, batch)

	in := stepInput(batch, seq, model.HiddenSize)
	req := &MergedRequest{
		Metas: []*InferenceMetadata{
			{UID: "block0", BlockID: 0, Handle: hMerged},
			{UID: "block1", BlockID: 1, Handle: hMerged},
		},
		Prompts: []*tensor.Tensor{nil, nil},
	}
	fut, err := merged.Submit([]*tensor.Tensor{in.Clone()}, req, 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	got, err := fut.Await(context.Background())
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}

	mid, err := b0.InferenceStep(in.Clone(), nil, &InferenceMetadata{UID: "block0", BlockID: 0, Handle: hManual})
	if err != nil {
		t.Fatalf("manual step 0 failed: %v", err)
	}
	want, err := b1.InferenceStep(mid, nil, &InferenceMetadata{UID: "block1", BlockID: 1, Handle: hManual})
	if err != nil {
		t.Fatalf("manual step 1 failed: %v", err)
	}

	for i := range want.Data {
		if got[0].Data[i] != want.Data[i] {
			t.Fatalf("merged output diverges from sequential steps at %d", i)
		}
	}
	for block := 0; block < 2; block++ {
		if hMerged.Length(block) != seq || hManual.Length(block) != seq {
			t.Errorf("block %d cache lengths %d and %d, want %d",
				block, hMerged.Length(block), hManual.Length(block), seq)
		}
	}
}

func TestMergedArityMismatch(t *testing.T) {
	backends, merged := mergedFixture(t)
	b0, b1 := backends["block0"], backends["block1"]
	model := testModel()

	h := twoBlockHandle(t, b0, b1, 1)
	req := &MergedRequest{
		Metas: []*InferenceMetadata{
			{UID: "block0", BlockID: 0, Handle: h},
			{UID: "block1", BlockID: 1, Handle: h},
		},
		Prompts: []*tensor.Tensor{nil}, // one short
	}
	fut, err := merged.Submit([]*tensor.Tensor{stepInput(1, 1, model.HiddenSize)}, req, 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := fut.Await(context.Background()); !errors.Is(err, ErrArityMismatch) {
		t.Errorf("got %v, want ErrArityMismatch", err)
	}
}

func TestMergedPromptInjection(t *testing.T) {
	backends, merged := mergedFixture(t)
	b0, b1 := backends["block0"], backends["block1"]
	model := testModel()
	batch, seq, promptLen := 1, 3, 2

	prompt := tensor.New(tensor.F32, batch, promptLen, model.HiddenSize)
	for i := range prompt.Data {
		prompt.Data[i] = 0.5
	}

	hMerged := twoBlockHandle(t, b0, b1, batch)
	hManual := twoBlockHandle(t, b0, b1, batch)

	in := stepInput(batch, seq, model.HiddenSize)
	req := &MergedRequest{
		Metas: []*InferenceMetadata{
			{UID: "block0", BlockID: 0, Handle: hMerged},
			{UID: "block1", BlockID: 1, Handle: hMerged},
		},
		Prompts: []*tensor.Tensor{prompt, nil},
	}
	fut, err := merged.Submit([]*tensor.Tensor{in.Clone()}, req, 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	got, err := fut.Await(context.Background())
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}

	// Hand-inject the prompt into the leading positions and run the chain.
	injected := in.Clone()
	for b := 0; b < batch; b++ {
		for p := 0; p < promptLen; p++ {
			base := (b*seq + p) * model.HiddenSize
			pbase := (b*promptLen + p) * model.HiddenSize
			for j := 0; j < model.HiddenSize; j++ {
				injected.Data[base+j] += prompt.Data[pbase+j]
			}
		}
	}
	mid, err := b0.InferenceStep(injected, nil, &InferenceMetadata{UID: "block0", BlockID: 0, Handle: hManual})
	if err != nil {
		t.Fatalf("manual step 0 failed: %v", err)
	}
	want, err := b1.InferenceStep(mid, nil, &InferenceMetadata{UID: "block1", BlockID: 1, Handle: hManual})
	if err != nil {
		t.Fatalf("manual step 1 failed: %v", err)
	}

	for i := range want.Data {
		if got[0].Data[i] != want.Data[i] {
			t.Fatalf("prompt-injected output diverges at %d", i)
		}
	}
}

func TestMergedLeavesInputUntouched(t *testing.T) {
	backends, merged := mergedFixture(t)
	b0, b1 := backends["block0"], backends["block1"]
	model := testModel()

	h := twoBlockHandle(t, b0, b1, 1)
	in := stepInput(1, 2, model.HiddenSize)
	snapshot := append([]float32(nil), in.Data...)

	req := &MergedRequest{
		Metas: []*InferenceMetadata{
			{UID: "block0", BlockID: 0, Handle: h},
			{UID: "block1", BlockID: 1, Handle: h},
		},
		Prompts: []*tensor.Tensor{nil, nil},
	}
	fut, err := merged.Submit([]*tensor.Tensor{in}, req, 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := fut.Await(context.Background()); err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	for i := range snapshot {
		if in.Data[i] != snapshot[i] {
			t.Fatalf("merged step mutated its input at %d", i)
		}
	}
}

func TestBadPromptShapeFailsStep(t *testing.T) {
	backends, merged := mergedFixture(t)
	b0, b1 := backends["block0"], backends["block1"]
	model := testModel()

	h := twoBlockHandle(t, b0, b1, 1)
	// Prompt longer than the step's sequence cannot be injected.
	prompt := tensor.New(tensor.F32, 1, 5, model.HiddenSize)
	req := &MergedRequest{
		Metas: []*InferenceMetadata{
			{UID: "block0", BlockID: 0, Handle: h},
			{UID: "block1", BlockID: 1, Handle: h},
		},
		Prompts: []*tensor.Tensor{prompt, nil},
	}
	fut, err := merged.Submit([]*tensor.Tensor{stepInput(1, 2, model.HiddenSize)}, req, 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := fut.Await(context.Background()); err == nil {
		t.Error("expected error for oversized prompt")
	}
}
