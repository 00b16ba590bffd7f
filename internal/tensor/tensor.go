package tensor

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType identifies the element type a tensor is stored (and shipped) as.
// Data is held as float32 on the host either way; the dtype determines the
// encoded size on the wire and in spilled cache regions.
type DType int

const (
	F32 DType = iota
	F16
)

func (d DType) Size() int {
	if d == F16 {
		return 2
	}
	return 4
}

func (d DType) String() string {
	if d == F16 {
		return "f16"
	}
	return "f32"
}

// Tensor is a dense row-major host tensor. Hidden states are laid out as
// [batch, seq, hidden]; cache tensors follow their Descriptor shape.
type Tensor struct {
	DType DType
	Shape []int
	Data  []float32
}

func New(dtype DType, shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return &Tensor{DType: dtype, Shape: append([]int(nil), shape...), Data: make([]float32, n)}
}

func FromData(dtype DType, data []float32, shape ...int) (*Tensor, error) {
	n := 1
	for _, s := range shape {
		n *= s
	}
	if n != len(data) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{DType: dtype, Shape: append([]int(nil), shape...), Data: data}, nil
}

func (t *Tensor) NumElements() int {
	n := 1
	for _, s := range t.Shape {
		n *= s
	}
	return n
}

// SizeBytes is the encoded size of the tensor at its dtype.
func (t *Tensor) SizeBytes() int64 {
	return int64(t.NumElements()) * int64(t.DType.Size())
}

func (t *Tensor) Clone() *Tensor {
	out := New(t.DType, t.Shape...)
	copy(out.Data, t.Data)
	return out
}

// Dim returns the size of axis i, or 1 if the tensor has fewer axes.
func (t *Tensor) Dim(i int) int {
	if i >= len(t.Shape) {
		return 1
	}
	return t.Shape[i]
}

// SliceSeq copies rows [start, end) of the sequence axis of a
// [batch, seq, hidden] tensor into a new tensor.
func (t *Tensor) SliceSeq(start, end int) (*Tensor, error) {
	if len(t.Shape) != 3 {
		return nil, fmt.Errorf("slice requires a [batch, seq, hidden] tensor, got shape %v", t.Shape)
	}
	batch, seq, hidden := t.Shape[0], t.Shape[1], t.Shape[2]
	if start < 0 || end > seq || start > end {
		return nil, fmt.Errorf("slice [%d, %d) out of sequence bounds %d", start, end, seq)
	}
	out := New(t.DType, batch, end-start, hidden)
	for b := 0; b < batch; b++ {
		src := t.Data[(b*seq+start)*hidden : (b*seq+end)*hidden]
		copy(out.Data[b*(end-start)*hidden:], src)
	}
	return out, nil
}

// ConcatSeq concatenates tensors along the sequence axis. All inputs must
// share batch size, hidden size and dtype.
func ConcatSeq(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("nothing to concatenate")
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	batch, hidden := parts[0].Shape[0], parts[0].Shape[2]
	total := 0
	for _, p := range parts {
		if len(p.Shape) != 3 || p.Shape[0] != batch || p.Shape[2] != hidden || p.DType != parts[0].DType {
			return nil, fmt.Errorf("concat shape mismatch: %v vs %v", parts[0].Shape, p.Shape)
		}
		total += p.Shape[1]
	}
	out := New(parts[0].DType, batch, total, hidden)
	for b := 0; b < batch; b++ {
		off := b * total * hidden
		for _, p := range parts {
			seq := p.Shape[1]
			copy(out.Data[off:], p.Data[b*seq*hidden:(b+1)*seq*hidden])
			off += seq * hidden
		}
	}
	return out, nil
}

// Encode serializes the tensor's elements at its dtype, little-endian.
func (t *Tensor) Encode() []byte {
	return EncodeElements(t.DType, t.Data)
}

// EncodeElements converts float32 values to their dtype byte representation.
func EncodeElements(dtype DType, data []float32) []byte {
	if dtype == F16 {
		out := make([]byte, 2*len(data))
		for i, v := range data {
			bits := float16.Fromfloat32(v).Bits()
			out[2*i] = byte(bits)
			out[2*i+1] = byte(bits >> 8)
		}
		return out
	}
	out := make([]byte, 4*len(data))
	for i, v := range data {
		bits := math.Float32bits(v)
		out[4*i] = byte(bits)
		out[4*i+1] = byte(bits >> 8)
		out[4*i+2] = byte(bits >> 16)
		out[4*i+3] = byte(bits >> 24)
	}
	return out
}

// DecodeElements is the inverse of EncodeElements.
func DecodeElements(dtype DType, raw []byte) ([]float32, error) {
	size := dtype.Size()
	if len(raw)%size != 0 {
		return nil, fmt.Errorf("raw length %d not a multiple of element size %d", len(raw), size)
	}
	n := len(raw) / size
	out := make([]float32, n)
	if dtype == F16 {
		for i := 0; i < n; i++ {
			bits := uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
			out[i] = float16.Frombits(bits).Float32()
		}
		return out, nil
	}
	for i := 0; i < n; i++ {
		bits := uint32(raw[4*i]) | uint32(raw[4*i+1])<<8 | uint32(raw[4*i+2])<<16 | uint32(raw[4*i+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}
