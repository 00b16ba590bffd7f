package config

import "testing"

func validModel() Model {
	return Model{
		HiddenSize: 4096,
		NumHeads:   32,
		NumKVHeads: 8,
		HeadDim:    128,
		MaxLength:  2048,
	}
}

func TestModelValidate(t *testing.T) {
	m := validModel()
	if err := m.Validate(); err != nil {
		t.Fatalf("valid model rejected: %v", err)
	}

	m = validModel()
	m.HiddenSize = 4000 // not heads * head_dim
	if err := m.Validate(); err == nil {
		t.Error("expected error for hidden_size mismatch")
	}

	m = validModel()
	m.NumKVHeads = 64
	if err := m.Validate(); err == nil {
		t.Error("expected error for num_kv_heads > num_heads")
	}

	m = validModel()
	m.MaxLength = 0
	if err := m.Validate(); err == nil {
		t.Error("expected error for zero max_length")
	}
}

func TestConfigValidate(t *testing.T) {
	c := Default()
	c.BlockStart, c.BlockEnd = 4, 8
	if err := c.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if c.NumBlocks() != 4 {
		t.Errorf("NumBlocks = %d, want 4", c.NumBlocks())
	}

	c = Default()
	c.BlockStart, c.BlockEnd = 3, 3
	if err := c.Validate(); err == nil {
		t.Error("expected error for empty block range")
	}

	c = Default()
	c.BlockStart, c.BlockEnd = 0, 1
	c.MaxChunkBytes = 0
	if err := c.Validate(); err == nil {
		t.Error("expected error for zero max_chunk_bytes")
	}

	c = Default()
	c.BlockStart, c.BlockEnd = 0, 1
	c.CacheBytes = -1
	if err := c.Validate(); err == nil {
		t.Error("expected error for negative cache_bytes")
	}
}
