package policy

import "testing"

func TestDerivedDiskPercents(t *testing.T) {
	cases := []struct {
		gpu, cpu, disk float64
	}{
		{100, 0, 0},
		{0, 100, 0},
		{50, 50, 0},
		{30, 20, 50},
		{0, 0, 100},
	}
	for _, tc := range cases {
		p := Default()
		p.WeightGPUPercent, p.WeightCPUPercent = tc.gpu, tc.cpu
		p.CacheGPUPercent, p.CacheCPUPercent = tc.gpu, tc.cpu
		p.ActivationGPUPercent, p.ActivationCPUPercent = tc.gpu, tc.cpu
		if err := p.Validate(); err != nil {
			t.Fatalf("Validate(%g, %g) failed: %v", tc.gpu, tc.cpu, err)
		}
		for name, got := range map[string]float64{
			"weight":     p.WeightDiskPercent(),
			"cache":      p.CacheDiskPercent(),
			"activation": p.ActivationDiskPercent(),
		} {
			if got != tc.disk {
				t.Errorf("%s disk percent: got %g, want %g", name, got, tc.disk)
			}
			if tc.gpu+tc.cpu+got != 100 {
				t.Errorf("%s percents do not sum to 100", name)
			}
		}
	}
}

func TestValidateRejectsBadPercents(t *testing.T) {
	p := Default()
	p.CacheGPUPercent, p.CacheCPUPercent = 60, 60
	if err := p.Validate(); err == nil {
		t.Error("expected error for gpu+cpu > 100")
	}

	p = Default()
	p.WeightGPUPercent = -5
	if err := p.Validate(); err == nil {
		t.Error("expected error for negative percent")
	}

	p = Default()
	p.ActivationCPUPercent = 120
	if err := p.Validate(); err == nil {
		t.Error("expected error for percent above 100")
	}

	p = Default()
	p.GPUBatchSize = 0
	if err := p.Validate(); err == nil {
		t.Error("expected error for zero gpu_batch_size")
	}

	p = Default()
	p.AttentionSparsity = 1.5
	if err := p.Validate(); err == nil {
		t.Error("expected error for sparsity above 1")
	}
}

func TestSplitCacheEvenSplit(t *testing.T) {
	p := Default()
	p.CacheGPUPercent, p.CacheCPUPercent = 50, 50
	gpu, cpu, disk := p.SplitCache(10)
	if gpu != 5 || cpu != 5 || disk != 0 {
		t.Errorf("split(10) = (%d, %d, %d), want (5, 5, 0)", gpu, cpu, disk)
	}
}

func TestSplitCacheConservesTotal(t *testing.T) {
	cases := []struct {
		gpu, cpu float64
		total    int64
	}{
		{100, 0, 1024},
		{0, 0, 1 << 30},
		{33, 33, 1000},
		{25, 50, 7},
		{10, 15, 1},
	}
	for _, tc := range cases {
		p := Default()
		p.CacheGPUPercent, p.CacheCPUPercent = tc.gpu, tc.cpu
		gpu, cpu, disk := p.SplitCache(tc.total)
		if gpu+cpu+disk != tc.total {
			t.Errorf("split(%d) with %g/%g loses bytes: %d + %d + %d",
				tc.total, tc.gpu, tc.cpu, gpu, cpu, disk)
		}
		if gpu < 0 || cpu < 0 || disk < 0 {
			t.Errorf("split(%d) produced a negative share", tc.total)
		}
	}
}
