package backend

import (
	"fmt"
	"sync"
	"time"

	"github.com/swarmshard/blockserver/internal/cache"
	"github.com/swarmshard/blockserver/internal/config"
	"github.com/swarmshard/blockserver/internal/logger"
	"github.com/swarmshard/blockserver/internal/metrics"
	"github.com/swarmshard/blockserver/internal/pool"
	"github.com/swarmshard/blockserver/internal/tensor"
)

// InferenceMetadata tells one inference step where it belongs: the block, the
// session's cache handle, and how many positions of that block's cache are
// already valid.
type InferenceMetadata struct {
	// UID identifies the target block; the merged executor dispatches
	// sub-steps by it.
	UID          string
	BlockID      int
	PrefixLength int
	Handle       *cache.Handle
}

// InferenceRequest is the task payload carried through an inference pool.
// A nil HypoIDs is the identity marker: no cache reorder happens.
type InferenceRequest struct {
	Meta    *InferenceMetadata
	HypoIDs []int
}

// Backend wraps one transformer block: forward and backward run stateless
// through the compute strategy, inference steps mutate the session's cache.
// The backend owns its three task pools; the pools borrow the backend.
type Backend struct {
	Name    string
	BlockID int

	model         config.Model
	dtype         tensor.DType
	strategy      ComputeStrategy
	maxChunkBytes int64
	log           *logger.Logger

	mu            sync.Mutex
	forwardPool   *pool.Pool
	backwardPool  *pool.Pool
	inferencePool *pool.Pool
	stopped       bool

	// Simulated device residency of the block weights; Shutdown moves them
	// back to host memory.
	weightsOnDevice bool
}

// New builds a backend for one block. Pools are created but not started so
// inference pools can still be merged.
func New(name string, blockID int, model config.Model, strategy ComputeStrategy, dtype tensor.DType, maxChunkBytes int64, poolCfg pool.Config) *Backend {
	b := &Backend{
		Name:            name,
		BlockID:         blockID,
		model:           model,
		dtype:           dtype,
		strategy:        strategy,
		maxChunkBytes:   maxChunkBytes,
		log:             logger.Log.Named("backend").Named(name),
		weightsOnDevice: true,
	}
	b.forwardPool = pool.New(name+"_forward", b.executeForward, poolCfg)
	b.backwardPool = pool.New(name+"_backward", b.executeBackward, poolCfg)
	b.inferencePool = pool.New(name+"_inference", b.executeInference, poolCfg)
	return b
}

// Pools returns the forward, backward and inference pools for external
// orchestration.
func (b *Backend) Pools() (forward, backward, inference *pool.Pool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.forwardPool, b.backwardPool, b.inferencePool
}

// StartPools launches every pool loop that is not already running. The
// merged inference pool is shared between backends, so it may already be
// alive here.
func (b *Backend) StartPools() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return fmt.Errorf("backend %s already shut down", b.Name)
	}
	for _, p := range []*pool.Pool{b.forwardPool, b.backwardPool, b.inferencePool} {
		if p.IsAlive() {
			continue
		}
		if err := p.Start(); err != nil {
			return err
		}
	}
	return nil
}

// CacheDescriptors builds the key/value cache descriptors one session needs
// for this block.
func (b *Backend) CacheDescriptors(batchSize, maxLength int) []cache.Descriptor {
	return cache.KVDescriptors(batchSize, b.model.NumKVHeads, b.model.HeadDim, maxLength, b.dtype)
}

// Forward runs the stateless forward computation.
func (b *Backend) Forward(hidden *tensor.Tensor) (*tensor.Tensor, error) {
	return b.strategy.Forward(hidden)
}

// Backward runs the stateless gradient computation.
func (b *Backend) Backward(hidden, grad *tensor.Tensor) (*tensor.Tensor, error) {
	return b.strategy.Backward(hidden, grad)
}

// estimateChunkLength bounds one chunk so the attention working set stays
// under the per-step byte ceiling. Attention logits dominate, so the
// estimate is heads * batch * dtype_bytes per token of worst-case context.
// Always at least 1 so progress is guaranteed.
func (b *Backend) estimateChunkLength(hidden *tensor.Tensor, prefixLength int) int {
	batch, seq := hidden.Shape[0], hidden.Shape[1]
	worstCaseLength := prefixLength + seq
	attnBytesPerToken := int64(b.model.NumHeads) * int64(batch) * int64(b.dtype.Size()) * int64(worstCaseLength)
	if attnBytesPerToken <= 0 {
		return seq
	}
	chunk := int(b.maxChunkBytes / attnBytesPerToken)
	if chunk < 1 {
		return 1
	}
	return chunk
}

// InferenceStep runs one incremental decoding step for this block: an
// optional cache reorder by surviving hypotheses, then chunked execution
// appending new key/value rows at [prefix, new_length) while positions
// [0, prefix) stay untouched.
func (b *Backend) InferenceStep(hidden *tensor.Tensor, hypoIDs []int, meta *InferenceMetadata) (*tensor.Tensor, error) {
	if meta == nil || meta.Handle == nil {
		return nil, fmt.Errorf("inference step for block %d without cache handle", b.BlockID)
	}
	if len(hidden.Shape) != 3 {
		return nil, fmt.Errorf("inference step expects [batch, seq, hidden], got shape %v", hidden.Shape)
	}
	start := time.Now()
	batch, seq := hidden.Shape[0], hidden.Shape[1]

	if hypoIDs != nil {
		if err := meta.Handle.Reorder(meta.BlockID, hypoIDs); err != nil {
			return nil, fmt.Errorf("reordering cache for block %d: %w", meta.BlockID, err)
		}
		metrics.CacheReorders.Inc()
	}

	chunkLength := b.estimateChunkLength(hidden, meta.PrefixLength)
	var outputs []*tensor.Tensor
	chunks := 0
	pos := meta.PrefixLength
	for off := 0; off < seq; off += chunkLength {
		end := off + chunkLength
		if end > seq {
			end = seq
		}
		chunk, err := hidden.SliceSeq(off, end)
		if err != nil {
			return nil, err
		}

		pastK, err := meta.Handle.Read(meta.BlockID, 0, 0, pos)
		if err != nil {
			return nil, fmt.Errorf("reading key cache for block %d: %w", meta.BlockID, err)
		}
		pastV, err := meta.Handle.Read(meta.BlockID, 1, 0, pos)
		if err != nil {
			return nil, fmt.Errorf("reading value cache for block %d: %w", meta.BlockID, err)
		}

		out, newK, newV, err := b.strategy.Decode(chunk, pastK, pastV, pos)
		if err != nil {
			return nil, err
		}
		if err := meta.Handle.Write(meta.BlockID, 0, pos, pos+(end-off), newK); err != nil {
			return nil, fmt.Errorf("appending key cache for block %d: %w", meta.BlockID, err)
		}
		if err := meta.Handle.Write(meta.BlockID, 1, pos, pos+(end-off), newV); err != nil {
			return nil, fmt.Errorf("appending value cache for block %d: %w", meta.BlockID, err)
		}
		pos += end - off
		outputs = append(outputs, out)
		chunks++
	}

	result, err := tensor.ConcatSeq(outputs...)
	if err != nil {
		return nil, err
	}
	metrics.InferenceChunks.Observe(float64(chunks))
	metrics.InferenceTokensTotal.Add(float64(batch * seq))
	metrics.InferenceStepDuration.WithLabelValues(b.Name).Observe(time.Since(start).Seconds())
	return result, nil
}

// Shutdown stops the pools first, then severs the backend's references to
// them and moves the weights off the device. Deterministic teardown order
// replaces the garbage collector breaking backend/pool cycles. Safe to call
// repeatedly.
func (b *Backend) Shutdown() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	pools := []*pool.Pool{b.forwardPool, b.backwardPool, b.inferencePool}
	b.forwardPool, b.backwardPool, b.inferencePool = nil, nil, nil
	b.mu.Unlock()

	for _, p := range pools {
		if p != nil {
			p.Shutdown()
		}
	}
	b.mu.Lock()
	b.weightsOnDevice = false
	b.mu.Unlock()
	b.log.Info("backend shut down", "block", b.BlockID)
}

// WeightsOnDevice reports whether the block weights are device-resident.
func (b *Backend) WeightsOnDevice() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.weightsOnDevice
}

func (b *Backend) executeForward(tasks []*pool.Task) ([][]*tensor.Tensor, error) {
	out := make([][]*tensor.Tensor, len(tasks))
	for i, t := range tasks {
		if len(t.Tensors) < 1 {
			return nil, fmt.Errorf("forward task without hidden states")
		}
		res, err := b.strategy.Forward(t.Tensors[0])
		if err != nil {
			return nil, err
		}
		out[i] = []*tensor.Tensor{res}
	}
	return out, nil
}

func (b *Backend) executeBackward(tasks []*pool.Task) ([][]*tensor.Tensor, error) {
	out := make([][]*tensor.Tensor, len(tasks))
	for i, t := range tasks {
		if len(t.Tensors) < 2 {
			return nil, fmt.Errorf("backward task needs hidden states and gradients")
		}
		res, err := b.strategy.Backward(t.Tensors[0], t.Tensors[1])
		if err != nil {
			return nil, err
		}
		out[i] = []*tensor.Tensor{res}
	}
	return out, nil
}

func (b *Backend) executeInference(tasks []*pool.Task) ([][]*tensor.Tensor, error) {
	out := make([][]*tensor.Tensor, len(tasks))
	for i, t := range tasks {
		req, ok := t.Metadata.(*InferenceRequest)
		if !ok {
			return nil, fmt.Errorf("inference task carries %T, want *InferenceRequest", t.Metadata)
		}
		if len(t.Tensors) < 1 {
			return nil, fmt.Errorf("inference task without hidden states")
		}
		res, err := b.InferenceStep(t.Tensors[0], req.HypoIDs, req.Meta)
		if err != nil {
			return nil, err
		}
		out[i] = []*tensor.Tensor{res}
	}
	return out, nil
}
