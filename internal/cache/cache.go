package cache

import (
	"errors"

	"github.com/swarmshard/blockserver/internal/tensor"
)

// Tier is one of the memory tiers a cache region can be placed in.
type Tier int

const (
	TierGPU Tier = iota
	TierCPU
	TierDisk
)

func (t Tier) String() string {
	switch t {
	case TierGPU:
		return "gpu"
	case TierCPU:
		return "cpu"
	default:
		return "disk"
	}
}

var (
	// ErrAllocationTimeout means free space could not be reserved in time.
	// Transient: the caller may retry with backoff.
	ErrAllocationTimeout = errors.New("cache: allocation timed out waiting for free space")

	// ErrCapacityExceeded means the requested shapes can never fit, even
	// with the arena fully free. Permanent for the given shapes.
	ErrCapacityExceeded = errors.New("cache: requested shapes exceed arena capacity")

	// ErrOutOfRange means a read or write crossed a region's bounds.
	ErrOutOfRange = errors.New("cache: access out of region bounds")

	// ErrHandleReleased means the handle's regions were already returned
	// to the free pool.
	ErrHandleReleased = errors.New("cache: handle already released")
)

// Descriptor gives the shape of one attention cache region. Key tensors use
// [batch, heads, head_dim, max_length]; value tensors set Transposed and use
// [batch, heads, max_length, head_dim]. Regions are stored token-major so a
// decoding step appends one contiguous row per token.
type Descriptor struct {
	Batch      int
	Heads      int
	HeadDim    int
	MaxLength  int
	DType      tensor.DType
	Transposed bool
}

// ElementsPerToken is the number of elements one sequence position occupies.
func (d Descriptor) ElementsPerToken() int {
	return d.Batch * d.Heads * d.HeadDim
}

func (d Descriptor) NumElements() int {
	return d.ElementsPerToken() * d.MaxLength
}

func (d Descriptor) SizeBytes() int64 {
	return int64(d.NumElements()) * int64(d.DType.Size())
}
