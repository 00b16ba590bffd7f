package backend

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/swarmshard/blockserver/internal/config"
	"github.com/swarmshard/blockserver/internal/tensor"
)

// ComputeStrategy is the block computation capability, fixed at backend
// construction. Forward and Backward are stateless; Decode consumes the
// session's cached key/value rows for the positions before the chunk and
// returns the rows the chunk appends.
//
// Cached rows are token-major: position p of a region holds
// batch * kv_heads * head_dim contiguous elements.
type ComputeStrategy interface {
	Forward(hidden *tensor.Tensor) (*tensor.Tensor, error)
	Backward(hidden, grad *tensor.Tensor) (*tensor.Tensor, error)
	Decode(hidden *tensor.Tensor, pastK, pastV []float32, prefixLength int) (out *tensor.Tensor, newK, newV []float32, err error)
}

// LinearStrategy is the reference ComputeStrategy: deterministic projection
// weights plus a causal mix of cached value rows. It stands in for the real
// block kernels, which live behind the same interface.
type LinearStrategy struct {
	model config.Model
	kvDim int

	wOut *mat.Dense // hidden x hidden
	wK   *mat.Dense // hidden x kv_dim
	wV   *mat.Dense // hidden x kv_dim

	// Weight of the cached key/value contribution to each output row, and
	// the relative weight of keys within it.
	mixScale float64
	keyScale float64
}

func NewLinearStrategy(model config.Model, seed int64) *LinearStrategy {
	rng := rand.New(rand.NewSource(seed))
	kvDim := model.NumKVHeads * model.HeadDim
	fill := func(rows, cols int) *mat.Dense {
		data := make([]float64, rows*cols)
		for i := range data {
			data[i] = rng.NormFloat64() / float64(cols)
		}
		return mat.NewDense(rows, cols, data)
	}
	return &LinearStrategy{
		model:    model,
		kvDim:    kvDim,
		wOut:     fill(model.HiddenSize, model.HiddenSize),
		wK:       fill(model.HiddenSize, kvDim),
		wV:       fill(model.HiddenSize, kvDim),
		mixScale: 0.1,
		keyScale: 0.5,
	}
}

func (s *LinearStrategy) asMatrix(t *tensor.Tensor) (*mat.Dense, int, error) {
	if t.Dim(len(t.Shape)-1) != s.model.HiddenSize {
		return nil, 0, fmt.Errorf("hidden size mismatch: got %d, want %d", t.Dim(len(t.Shape)-1), s.model.HiddenSize)
	}
	rows := t.NumElements() / s.model.HiddenSize
	data := make([]float64, t.NumElements())
	for i, v := range t.Data {
		data[i] = float64(v)
	}
	return mat.NewDense(rows, s.model.HiddenSize, data), rows, nil
}

func fromMatrix(m *mat.Dense, dtype tensor.DType, shape ...int) *tensor.Tensor {
	out := tensor.New(dtype, shape...)
	raw := m.RawMatrix().Data
	for i := range out.Data {
		out.Data[i] = float32(raw[i])
	}
	return out
}

func (s *LinearStrategy) Forward(hidden *tensor.Tensor) (*tensor.Tensor, error) {
	x, _, err := s.asMatrix(hidden)
	if err != nil {
		return nil, err
	}
	var res mat.Dense
	res.Mul(x, s.wOut)
	return fromMatrix(&res, hidden.DType, hidden.Shape...), nil
}

func (s *LinearStrategy) Backward(hidden, grad *tensor.Tensor) (*tensor.Tensor, error) {
	g, _, err := s.asMatrix(grad)
	if err != nil {
		return nil, err
	}
	var res mat.Dense
	res.Mul(g, s.wOut.T())
	return fromMatrix(&res, grad.DType, grad.Shape...), nil
}

// Decode processes one chunk position by position. Each token contributes
// key/value rows projected from its hidden state; each output row mixes the
// projected hidden state with the running means of every key and value row
// cached before that token, so results do not depend on where chunk
// boundaries fall.
func (s *LinearStrategy) Decode(hidden *tensor.Tensor, pastK, pastV []float32, prefixLength int) (*tensor.Tensor, []float32, []float32, error) {
	if len(hidden.Shape) != 3 {
		return nil, nil, nil, fmt.Errorf("decode expects [batch, seq, hidden], got shape %v", hidden.Shape)
	}
	batch, seq := hidden.Shape[0], hidden.Shape[1]
	if len(pastK) != prefixLength*batch*s.kvDim {
		return nil, nil, nil, fmt.Errorf("past key rows: got %d elements, want %d", len(pastK), prefixLength*batch*s.kvDim)
	}
	if len(pastV) != prefixLength*batch*s.kvDim {
		return nil, nil, nil, fmt.Errorf("past value rows: got %d elements, want %d", len(pastV), prefixLength*batch*s.kvDim)
	}

	x, _, err := s.asMatrix(hidden)
	if err != nil {
		return nil, nil, nil, err
	}
	var proj, kProj, vProj mat.Dense
	proj.Mul(x, s.wOut)
	kProj.Mul(x, s.wK)
	vProj.Mul(x, s.wV)

	// Running per-lane sums over cached key and value rows.
	kSums := make([]float64, batch*s.kvDim)
	vSums := make([]float64, batch*s.kvDim)
	for p := 0; p < prefixLength; p++ {
		for i := 0; i < batch*s.kvDim; i++ {
			kSums[i] += float64(pastK[p*batch*s.kvDim+i])
			vSums[i] += float64(pastV[p*batch*s.kvDim+i])
		}
	}

	out := tensor.New(hidden.DType, hidden.Shape...)
	newK := make([]float32, seq*batch*s.kvDim)
	newV := make([]float32, seq*batch*s.kvDim)
	groups := s.model.NumHeads / s.model.NumKVHeads

	for t := 0; t < seq; t++ {
		for b := 0; b < batch; b++ {
			row := b*seq + t // row index in [batch*seq, hidden] matrices

			denom := float64(prefixLength + t)
			for j := 0; j < s.model.HiddenSize; j++ {
				mixed := proj.At(row, j)
				if denom > 0 {
					// GQA-style repeat: hidden dim j maps to kv dim
					// (j / (groups*head_dim))*head_dim + j%head_dim.
					head := j / s.model.HeadDim
					kvIdx := (head/groups)*s.model.HeadDim + j%s.model.HeadDim
					mixed += s.mixScale * (vSums[b*s.kvDim+kvIdx] + s.keyScale*kSums[b*s.kvDim+kvIdx]) / denom
				}
				out.Data[(b*seq+t)*s.model.HiddenSize+j] = float32(mixed)
			}

			for j := 0; j < s.kvDim; j++ {
				newK[(t*batch+b)*s.kvDim+j] = float32(kProj.At(row, j))
				newV[(t*batch+b)*s.kvDim+j] = float32(vProj.At(row, j))
			}
		}
		// This token's key/value rows join the causal context of the next one.
		for b := 0; b < batch; b++ {
			for j := 0; j < s.kvDim; j++ {
				kSums[b*s.kvDim+j] += float64(newK[(t*batch+b)*s.kvDim+j])
				vSums[b*s.kvDim+j] += float64(newV[(t*batch+b)*s.kvDim+j])
			}
		}
	}
	return out, newK, newV, nil
}
