package config

import (
	"fmt"
	"time"
)

// Model is the shape descriptor for the hosted blocks, supplied by the
// weight loader alongside the per-block tensors.
type Model struct {
	HiddenSize int
	NumHeads   int
	NumKVHeads int
	HeadDim    int
	MaxLength  int
}

func (m *Model) Validate() error {
	if m.HiddenSize <= 0 {
		return fmt.Errorf("invalid hidden_size: %d (must be positive)", m.HiddenSize)
	}
	if m.NumHeads <= 0 {
		return fmt.Errorf("invalid num_heads: %d (must be positive)", m.NumHeads)
	}
	if m.NumKVHeads <= 0 {
		return fmt.Errorf("invalid num_kv_heads: %d (must be positive)", m.NumKVHeads)
	}
	if m.NumKVHeads > m.NumHeads {
		return fmt.Errorf("invalid num_kv_heads: %d (must be <= num_heads: %d)", m.NumKVHeads, m.NumHeads)
	}
	if m.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", m.HeadDim)
	}
	if m.HiddenSize != m.NumHeads*m.HeadDim {
		return fmt.Errorf("hidden_size mismatch: %d != num_heads(%d) * head_dim(%d)", m.HiddenSize, m.NumHeads, m.HeadDim)
	}
	if m.MaxLength <= 0 {
		return fmt.Errorf("invalid max_length: %d (must be positive)", m.MaxLength)
	}
	return nil
}

// Config holds the server-level settings for one block server.
type Config struct {
	// Hosted contiguous block range [BlockStart, BlockEnd).
	BlockStart int
	BlockEnd   int

	MaxBatchSize  int
	MaxBatchBytes int64

	// Per-step memory ceiling driving sequence chunking.
	MaxChunkBytes int64

	// Total attention cache arena, split across tiers by the policy.
	CacheBytes int64
	SpillDir   string

	AllocTimeout       time.Duration
	SessionIdleTimeout time.Duration
	StarvationHorizon  time.Duration

	ListenAddr  string
	MetricsAddr string

	LogLevel  string
	LogFormat string
}

func Default() Config {
	return Config{
		MaxBatchSize:       8,
		MaxChunkBytes:      256 << 20,
		CacheBytes:         1 << 30,
		AllocTimeout:       30 * time.Second,
		SessionIdleTimeout: 5 * time.Minute,
		StarvationHorizon:  10 * time.Second,
		ListenAddr:         "0.0.0.0:3000",
		MetricsAddr:        "0.0.0.0:9090",
		LogLevel:           "INFO",
		LogFormat:          "console",
	}
}

func (c *Config) Validate() error {
	if c.BlockStart < 0 {
		return fmt.Errorf("invalid block_start: %d (must be non-negative)", c.BlockStart)
	}
	if c.BlockEnd <= c.BlockStart {
		return fmt.Errorf("invalid block range: [%d, %d) is empty", c.BlockStart, c.BlockEnd)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("invalid max_batch_size: %d (must be positive)", c.MaxBatchSize)
	}
	if c.MaxBatchBytes < 0 {
		return fmt.Errorf("invalid max_batch_bytes: %d (must be non-negative)", c.MaxBatchBytes)
	}
	if c.MaxChunkBytes <= 0 {
		return fmt.Errorf("invalid max_chunk_bytes: %d (must be positive)", c.MaxChunkBytes)
	}
	if c.CacheBytes <= 0 {
		return fmt.Errorf("invalid cache_bytes: %d (must be positive)", c.CacheBytes)
	}
	if c.AllocTimeout < 0 {
		return fmt.Errorf("invalid alloc_timeout: %s (must be non-negative)", c.AllocTimeout)
	}
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("invalid session_idle_timeout: %s (must be positive)", c.SessionIdleTimeout)
	}
	return nil
}

// NumBlocks is the count of locally hosted blocks.
func (c *Config) NumBlocks() int {
	return c.BlockEnd - c.BlockStart
}
