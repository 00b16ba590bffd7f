package backend

import (
	"errors"
	"fmt"

	"github.com/swarmshard/blockserver/internal/pool"
	"github.com/swarmshard/blockserver/internal/tensor"
)

// ErrArityMismatch means a merged step was handed a different number of
// prompts than inference metadata entries. The whole batch fails with it.
var ErrArityMismatch = errors.New("backend: inference metadata and prompt counts differ")

// MergedRequest is the task payload for the merged inference pool: one step
// spanning every block named in Metas, in order. Prompts must have one entry
// per block; nil entries mean no prompt for that block.
type MergedRequest struct {
	Metas   []*InferenceMetadata
	Prompts []*tensor.Tensor
	HypoIDs []int
}

// MergeInferencePools replaces each backend's inference pool with one shared
// pool bound to a merged step, so a pipeline of adjacent blocks costs one
// batching round instead of one per block. Every inference pool must still
// be unstarted.
func MergeInferencePools(backends map[string]*Backend, cfg pool.Config) (*pool.Pool, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("merge: no backends")
	}
	for uid, b := range backends {
		b.mu.Lock()
		alive := b.inferencePool != nil && b.inferencePool.IsAlive()
		b.mu.Unlock()
		if alive {
			return nil, fmt.Errorf("merge: inference pool of %s already started", uid)
		}
	}
	step := &mergedStep{backends: backends}
	merged := pool.New("merged_inference", step.execute, cfg)
	for _, b := range backends {
		b.mu.Lock()
		b.inferencePool = merged
		b.mu.Unlock()
	}
	return merged, nil
}

type mergedStep struct {
	backends map[string]*Backend
}

// execute runs each task's blocks strictly in order: a block's output is the
// next block's input, with optional prompts injected additively into the
// leading positions first. Nothing runs concurrently within one step.
func (m *mergedStep) execute(tasks []*pool.Task) ([][]*tensor.Tensor, error) {
	out := make([][]*tensor.Tensor, len(tasks))
	for i, t := range tasks {
		req, ok := t.Metadata.(*MergedRequest)
		if !ok {
			return nil, fmt.Errorf("merged task carries %T, want *MergedRequest", t.Metadata)
		}
		if len(t.Tensors) < 1 {
			return nil, fmt.Errorf("merged task without hidden states")
		}
		if len(req.Metas) != len(req.Prompts) {
			return nil, fmt.Errorf("%w: %d blocks but %d prompts", ErrArityMismatch, len(req.Metas), len(req.Prompts))
		}

		hidden := t.Tensors[0].Clone()
		for j, meta := range req.Metas {
			if prompt := req.Prompts[j]; prompt != nil {
				if err := injectPrompt(hidden, prompt); err != nil {
					return nil, err
				}
			}
			b, ok := m.backends[meta.UID]
			if !ok {
				return nil, fmt.Errorf("merged step references unknown block %q", meta.UID)
			}
			next, err := b.InferenceStep(hidden, req.HypoIDs, meta)
			if err != nil {
				return nil, err
			}
			hidden = next
		}
		out[i] = []*tensor.Tensor{hidden}
	}
	return out, nil
}

// injectPrompt adds the prompt into the leading sequence positions of hidden.
func injectPrompt(hidden, prompt *tensor.Tensor) error {
	if len(prompt.Shape) != 3 || len(hidden.Shape) != 3 {
		return fmt.Errorf("prompt injection expects [batch, seq, hidden] tensors")
	}
	batch, seq, hsize := hidden.Shape[0], hidden.Shape[1], hidden.Shape[2]
	pb, ps, ph := prompt.Shape[0], prompt.Shape[1], prompt.Shape[2]
	if pb != batch || ph != hsize || ps > seq {
		return fmt.Errorf("prompt shape %v incompatible with hidden shape %v", prompt.Shape, hidden.Shape)
	}
	for b := 0; b < batch; b++ {
		for t := 0; t < ps; t++ {
			base := (b*seq + t) * hsize
			pbase := (b*ps + t) * hsize
			for j := 0; j < hsize; j++ {
				hidden.Data[base+j] += prompt.Data[pbase+j]
			}
		}
	}
	return nil
}
