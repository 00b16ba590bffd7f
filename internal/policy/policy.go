package policy

import "fmt"

// Policy describes how weights, attention cache and activations are split
// across accelerator memory, host memory and secondary storage. It is built
// once at server startup and read-only afterwards; consumers query it to pick
// a tier, the policy itself never allocates anything.
type Policy struct {
	GPUBatchSize  int
	NumGPUBatches int

	// Percentage splits. The disk share of each triple is derived as
	// 100 - gpu - cpu.
	WeightGPUPercent     float64
	WeightCPUPercent     float64
	CacheGPUPercent      float64
	CacheCPUPercent      float64
	ActivationGPUPercent float64
	ActivationCPUPercent float64

	// Whether to overlap I/O with compute.
	OverlapIOCompute bool

	// Whether to schedule attention and MLP as separate layers.
	SplitAttentionMLP bool

	// Whether host-resident weights use pinned memory.
	PinHostWeights bool

	// Whether cache reads/writes for attention run on the host.
	ComputeCacheOnCPU bool

	AttentionSparsity float64

	CompressWeights bool
	CompressCache   bool
}

// Default keeps everything on the accelerator.
func Default() Policy {
	return Policy{
		GPUBatchSize:         1,
		NumGPUBatches:        1,
		WeightGPUPercent:     100,
		CacheGPUPercent:      100,
		ActivationGPUPercent: 100,
		AttentionSparsity:    1.0,
	}
}

func (p *Policy) Validate() error {
	if p.GPUBatchSize <= 0 {
		return fmt.Errorf("invalid gpu_batch_size: %d (must be positive)", p.GPUBatchSize)
	}
	if p.NumGPUBatches <= 0 {
		return fmt.Errorf("invalid num_gpu_batches: %d (must be positive)", p.NumGPUBatches)
	}
	triples := []struct {
		name     string
		gpu, cpu float64
	}{
		{"weight", p.WeightGPUPercent, p.WeightCPUPercent},
		{"cache", p.CacheGPUPercent, p.CacheCPUPercent},
		{"activation", p.ActivationGPUPercent, p.ActivationCPUPercent},
	}
	for _, t := range triples {
		if t.gpu < 0 || t.gpu > 100 {
			return fmt.Errorf("invalid %s_gpu_percent: %g (must be in [0, 100])", t.name, t.gpu)
		}
		if t.cpu < 0 || t.cpu > 100 {
			return fmt.Errorf("invalid %s_cpu_percent: %g (must be in [0, 100])", t.name, t.cpu)
		}
		if t.gpu+t.cpu > 100 {
			return fmt.Errorf("%s percents exceed 100: gpu %g + cpu %g", t.name, t.gpu, t.cpu)
		}
	}
	if p.AttentionSparsity < 0 || p.AttentionSparsity > 1 {
		return fmt.Errorf("invalid attention_sparsity: %g (must be in [0, 1])", p.AttentionSparsity)
	}
	return nil
}

func (p *Policy) WeightDiskPercent() float64 {
	return 100 - p.WeightGPUPercent - p.WeightCPUPercent
}

func (p *Policy) CacheDiskPercent() float64 {
	return 100 - p.CacheGPUPercent - p.CacheCPUPercent
}

func (p *Policy) ActivationDiskPercent() float64 {
	return 100 - p.ActivationGPUPercent - p.ActivationCPUPercent
}

// SplitCache divides a capacity between tiers per the cache percentages:
// the first cache_gpu_percent of it goes to the accelerator, the next
// cache_cpu_percent to the host, the remainder to disk. The split is
// deterministic; rounding slack lands in the disk share.
func (p *Policy) SplitCache(total int64) (gpu, cpu, disk int64) {
	return splitByPercent(total, p.CacheGPUPercent, p.CacheCPUPercent)
}

// SplitWeights divides a weight byte count the same way using the weight
// percentages.
func (p *Policy) SplitWeights(total int64) (gpu, cpu, disk int64) {
	return splitByPercent(total, p.WeightGPUPercent, p.WeightCPUPercent)
}

// SplitActivations divides an activation byte count using the activation
// percentages.
func (p *Policy) SplitActivations(total int64) (gpu, cpu, disk int64) {
	return splitByPercent(total, p.ActivationGPUPercent, p.ActivationCPUPercent)
}

func splitByPercent(total int64, gpuPct, cpuPct float64) (gpu, cpu, disk int64) {
	gpu = int64(float64(total) * gpuPct / 100)
	cpu = int64(float64(total)*(gpuPct+cpuPct)/100) - gpu
	disk = total - gpu - cpu
	return gpu, cpu, disk
}
