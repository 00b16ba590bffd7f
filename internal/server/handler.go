package server

import (
	"context"
	"fmt"
	"sort"

	"github.com/swarmshard/blockserver/internal/backend"
	"github.com/swarmshard/blockserver/internal/cache"
	"github.com/swarmshard/blockserver/internal/config"
	"github.com/swarmshard/blockserver/internal/logger"
	"github.com/swarmshard/blockserver/internal/pool"
	"github.com/swarmshard/blockserver/internal/tensor"
)

// Operation selects which task pool a request lands in.
type Operation string

const (
	OpForward   Operation = "forward"
	OpBackward  Operation = "backward"
	OpInference Operation = "inference"
)

// Request is the framed inbound unit from the RPC layer.
type Request struct {
	Operation  Operation
	Tensors    []*tensor.Tensor
	Priority   float64
	SessionID  string
	BlockStart int
	BlockEnd   int

	// Inference only.
	PrefixLength int
	HypoIDs      []int
	Prompts      []*tensor.Tensor
}

// Handler routes requests for a contiguous range of hosted blocks into the
// right task pools. Callers must not issue overlapping inference requests
// against one session; ordering within a session follows pool dispatch
// order.
type Handler struct {
	cfg      config.Config
	backends map[int]*backend.Backend
	merged   *pool.Pool
	sessions *SessionManager
	log      *logger.Logger
}

func NewHandler(cfg config.Config, backends map[int]*backend.Backend, merged *pool.Pool, sessions *SessionManager) *Handler {
	return &Handler{
		cfg:      cfg,
		backends: backends,
		merged:   merged,
		sessions: sessions,
		log:      logger.Log.Named("handler"),
	}
}

// Sessions exposes the session manager for the connection layer.
func (h *Handler) Sessions() *SessionManager { return h.sessions }

// Descriptors builds the per-block cache descriptors one session needs,
// covering every hosted block.
func Descriptors(backends map[int]*backend.Backend) func(batchSize, maxLength int) map[int][]cache.Descriptor {
	return func(batchSize, maxLength int) map[int][]cache.Descriptor {
		out := make(map[int][]cache.Descriptor, len(backends))
		for id, b := range backends {
			out[id] = b.CacheDescriptors(batchSize, maxLength)
		}
		return out
	}
}

func (h *Handler) blockRange(req *Request) ([]int, error) {
	if req.BlockEnd <= req.BlockStart {
		return nil, fmt.Errorf("empty block range [%d, %d)", req.BlockStart, req.BlockEnd)
	}
	ids := make([]int, 0, req.BlockEnd-req.BlockStart)
	for id := req.BlockStart; id < req.BlockEnd; id++ {
		if _, ok := h.backends[id]; !ok {
			return nil, fmt.Errorf("block %d not hosted here (serving [%d, %d))", id, h.cfg.BlockStart, h.cfg.BlockEnd)
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// Dispatch schedules one request and waits for its result. The wait honors
// ctx: expiry before dispatch cancels the task, after dispatch the batch
// still runs to completion.
func (h *Handler) Dispatch(ctx context.Context, req *Request) ([]*tensor.Tensor, error) {
	ids, err := h.blockRange(req)
	if err != nil {
		return nil, err
	}
	switch req.Operation {
	case OpForward:
		return h.runForward(ctx, req, ids)
	case OpBackward:
		return h.runBackward(ctx, req, ids)
	case OpInference:
		return h.runInference(ctx, req, ids)
	default:
		return nil, fmt.Errorf("unknown operation %q", req.Operation)
	}
}

// runForward chains the hidden states through each block's forward pool in
// ascending block order.
func (h *Handler) runForward(ctx context.Context, req *Request, ids []int) ([]*tensor.Tensor, error) {
	if len(req.Tensors) < 1 {
		return nil, fmt.Errorf("forward request without tensors")
	}
	hidden := req.Tensors[0]
	for _, id := range ids {
		fwd, _, _ := h.backends[id].Pools()
		fut, err := fwd.Submit([]*tensor.Tensor{hidden}, nil, req.Priority)
		if err != nil {
			return nil, err
		}
		out, err := fut.Await(ctx)
		if err != nil {
			return nil, err
		}
		hidden = out[0]
	}
	return []*tensor.Tensor{hidden}, nil
}

// runBackward chains gradients through the blocks in reverse order.
func (h *Handler) runBackward(ctx context.Context, req *Request, ids []int) ([]*tensor.Tensor, error) {
	if len(req.Tensors) < 2 {
		return nil, fmt.Errorf("backward request needs hidden states and gradients")
	}
	hidden, grad := req.Tensors[0], req.Tensors[1]
	for i := len(ids) - 1; i >= 0; i-- {
		_, bwd, _ := h.backends[ids[i]].Pools()
		fut, err := bwd.Submit([]*tensor.Tensor{hidden, grad}, nil, req.Priority)
		if err != nil {
			return nil, err
		}
		out, err := fut.Await(ctx)
		if err != nil {
			return nil, err
		}
		grad = out[0]
	}
	return []*tensor.Tensor{grad}, nil
}

func (h *Handler) runInference(ctx context.Context, req *Request, ids []int) ([]*tensor.Tensor, error) {
	if len(req.Tensors) < 1 {
		return nil, fmt.Errorf("inference request without tensors")
	}
	handle, err := h.sessions.Handle(req.SessionID)
	if err != nil {
		return nil, err
	}

	metas := make([]*backend.InferenceMetadata, len(ids))
	for i, id := range ids {
		metas[i] = &backend.InferenceMetadata{
			UID:          h.backends[id].Name,
			BlockID:      id,
			PrefixLength: req.PrefixLength,
			Handle:       handle,
		}
	}
	prompts := req.Prompts
	if prompts == nil {
		prompts = make([]*tensor.Tensor, len(ids))
	}

	if h.merged != nil {
		fut, err := h.merged.Submit(req.Tensors[:1], &backend.MergedRequest{
			Metas:   metas,
			Prompts: prompts,
			HypoIDs: req.HypoIDs,
		}, req.Priority)
		if err != nil {
			return nil, err
		}
		return fut.Await(ctx)
	}

	// No merged pool: run each block's own inference pool in order.
	if len(prompts) != len(ids) {
		return nil, fmt.Errorf("%w: %d blocks but %d prompts", backend.ErrArityMismatch, len(ids), len(prompts))
	}
	hidden := req.Tensors[0]
	for i, id := range ids {
		if prompts[i] != nil {
			return nil, fmt.Errorf("prompts require the merged inference pool")
		}
		_, _, inf := h.backends[id].Pools()
		fut, err := inf.Submit([]*tensor.Tensor{hidden}, &backend.InferenceRequest{
			Meta:    metas[i],
			HypoIDs: req.HypoIDs,
		}, req.Priority)
		if err != nil {
			return nil, err
		}
		out, err := fut.Await(ctx)
		if err != nil {
			return nil, err
		}
		hidden = out[0]
	}
	return []*tensor.Tensor{hidden}, nil
}

// QueueDepths reports pending task counts per pool for telemetry polling.
func (h *Handler) QueueDepths() map[string]int {
	out := make(map[string]int)
	for _, b := range h.backends {
		fwd, bwd, inf := b.Pools()
		for _, p := range []*pool.Pool{fwd, bwd, inf} {
			if p != nil {
				out[p.Name()] = p.QueueDepth()
			}
		}
	}
	return out
}

// Shutdown stops the merged pool and every backend. Pools stop before
// backend state is released.
func (h *Handler) Shutdown() {
	if h.merged != nil {
		h.merged.Shutdown()
	}
	for _, b := range h.backends {
		b.Shutdown()
	}
	h.sessions.CloseAll()
	h.log.Info("handler shut down")
}
