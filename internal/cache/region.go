package cache

import (
	"fmt"
	"os"
	"sync"

	"github.com/swarmshard/blockserver/internal/tensor"
)

// region is one descriptor-shaped reservation. GPU and CPU tiers are backed
// by host buffers standing in for device memory; the disk tier is backed by a
// spill file holding dtype-encoded elements. Layout is token-major:
// position p occupies elements [p*eltsPerToken, (p+1)*eltsPerToken).
type region struct {
	desc Descriptor
	tier Tier

	mu   sync.Mutex
	data []float32
	file *os.File
}

func newRegion(desc Descriptor, tier Tier, spillDir string) (*region, error) {
	r := &region{desc: desc, tier: tier}
	if tier == TierDisk {
		f, err := os.CreateTemp(spillDir, "cache-spill-*.bin")
		if err != nil {
			return nil, fmt.Errorf("creating spill file: %w", err)
		}
		if err := f.Truncate(desc.SizeBytes()); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, fmt.Errorf("sizing spill file: %w", err)
		}
		r.file = f
		return r, nil
	}
	r.data = make([]float32, desc.NumElements())
	return r, nil
}

func (r *region) free() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = nil
	if r.file != nil {
		name := r.file.Name()
		r.file.Close()
		os.Remove(name)
		r.file = nil
	}
}

// write stores data for positions [start, end). len(data) must equal
// (end-start)*ElementsPerToken.
func (r *region) write(start, end int, data []float32) error {
	if start < 0 || end > r.desc.MaxLength || start >= end {
		return fmt.Errorf("%w: write [%d, %d) with max_length %d", ErrOutOfRange, start, end, r.desc.MaxLength)
	}
	ept := r.desc.ElementsPerToken()
	if len(data) != (end-start)*ept {
		return fmt.Errorf("%w: write [%d, %d) expects %d elements, got %d", ErrOutOfRange, start, end, (end-start)*ept, len(data))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tier == TierDisk {
		raw := tensor.EncodeElements(r.desc.DType, data)
		if _, err := r.file.WriteAt(raw, int64(start*ept*r.desc.DType.Size())); err != nil {
			return fmt.Errorf("writing spill file: %w", err)
		}
		return nil
	}
	copy(r.data[start*ept:end*ept], data)
	return nil
}

// read returns a copy of the data for positions [start, end).
func (r *region) read(start, end int) ([]float32, error) {
	if start < 0 || end > r.desc.MaxLength || start > end {
		return nil, fmt.Errorf("%w: read [%d, %d) with max_length %d", ErrOutOfRange, start, end, r.desc.MaxLength)
	}
	ept := r.desc.ElementsPerToken()
	if start == end {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tier == TierDisk {
		raw := make([]byte, (end-start)*ept*r.desc.DType.Size())
		if _, err := r.file.ReadAt(raw, int64(start*ept*r.desc.DType.Size())); err != nil {
			return nil, fmt.Errorf("reading spill file: %w", err)
		}
		return tensor.DecodeElements(r.desc.DType, raw)
	}
	out := make([]float32, (end-start)*ept)
	copy(out, r.data[start*ept:end*ept])
	return out, nil
}

// reorder permutes the batch rows of every position in [0, length) so row b
// takes its contents from row hypoIDs[b]. Used for beam-search hypothesis
// pruning.
func (r *region) reorder(hypoIDs []int, length int) error {
	if len(hypoIDs) != r.desc.Batch {
		return fmt.Errorf("hypothesis ids length %d does not match batch %d", len(hypoIDs), r.desc.Batch)
	}
	for _, h := range hypoIDs {
		if h < 0 || h >= r.desc.Batch {
			return fmt.Errorf("hypothesis id %d out of batch range %d", h, r.desc.Batch)
		}
	}
	if length <= 0 {
		return nil
	}
	if length > r.desc.MaxLength {
		return fmt.Errorf("%w: reorder length %d with max_length %d", ErrOutOfRange, length, r.desc.MaxLength)
	}
	old, err := r.read(0, length)
	if err != nil {
		return err
	}
	rowLen := r.desc.Heads * r.desc.HeadDim
	ept := r.desc.ElementsPerToken()
	permuted := make([]float32, len(old))
	for p := 0; p < length; p++ {
		for b, h := range hypoIDs {
			src := old[p*ept+h*rowLen : p*ept+(h+1)*rowLen]
			copy(permuted[p*ept+b*rowLen:], src)
		}
	}
	return r.write(0, length, permuted)
}
