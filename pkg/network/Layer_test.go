package network

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randomMatrix(rng *rand.Rand, rows, cols int) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	m.Apply(func(_, _ int, _ float64) float64 { return rng.Float64()*2 - 1 }, m)
	return m
}

// 单层恒等激活网络的输出应等于 x·W + b
func TestIdentityLayerForward(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	shapes := []struct{ batch, in, out int }{
		{1, 1, 1}, {3, 2, 5}, {8, 7, 3}, {16, 1, 9},
	}
	for _, s := range shapes {
		nn, err := NewBuilder(s.in).Layer(s.out, Identity).Seed(5).Build()
		require.NoError(t, err)
		for j := 0; j < s.out; j++ {
			require.NoError(t, nn.SetBias(0, j, rng.Float64()))
		}
		x := randomMatrix(rng, s.batch, s.in)

		got, err := nn.NewInvoker(s.batch).Invoke(x)
		require.NoError(t, err)

		w := nn.Weights(0)
		b := nn.Biases(0)
		for r := 0; r < s.batch; r++ {
			for c := 0; c < s.out; c++ {
				want := b.AtVec(c)
				for k := 0; k < s.in; k++ {
					want += x.At(r, k) * w.At(k, c)
				}
				assert.InDelta(t, want, got.At(r, c), 1e-12)
			}
		}
	}
}

func TestLayerForwardDimensionMismatch(t *testing.T) {
	layer := NewLayer(3, 2, Sigmoid, nil)
	err := layer.Forward(mat.NewDense(4, 2, nil), mat.NewDense(4, 2, nil), 1, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = layer.Forward(mat.NewDense(4, 3, nil), mat.NewDense(3, 2, nil), 1, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = layer.Forward(mat.NewDense(4, 3, nil), mat.NewDense(4, 2, nil), 0, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestLayerRejectsUnknownActivation(t *testing.T) {
	layer := NewLayer(2, 2, ActivationFunction(7), nil)
	err := layer.Forward(mat.NewDense(1, 2, nil), mat.NewDense(1, 2, nil), 1, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = layer.Adjust(mat.NewDense(1, 2, nil), mat.NewDense(1, 2, nil), nil, mat.NewDense(2, 1, nil), nil, -0.1, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAdjustUsesWeightsBeforeUpdate(t *testing.T) {
	layer := NewLayer(2, 2, Identity, nil)
	layer.Weights = mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	input := mat.NewDense(1, 2, []float64{1, 1})
	output := mat.NewDense(1, 2, nil)
	require.NoError(t, layer.Forward(input, output, 1, nil, nil))

	downstream := mat.NewDense(2, 1, []float64{0.5, -1})
	upstream := mat.NewDense(2, 1, nil)
	require.NoError(t, layer.Adjust(input, output, upstream, downstream, nil, -0.1, 1, nil))

	// upstream = W·delta，W为更新前的权重
	assert.InDelta(t, 1*0.5+2*-1.0, upstream.At(0, 0), 1e-12)
	assert.InDelta(t, 3*0.5+4*-1.0, upstream.At(1, 0), 1e-12)
	// W += -0.1 * input^T·delta^T
	assert.InDelta(t, 1-0.05, layer.Weights.At(0, 0), 1e-12)
	assert.InDelta(t, 2+0.1, layer.Weights.At(0, 1), 1e-12)
	assert.InDelta(t, -0.05, layer.Biases.AtVec(0), 1e-12)
	assert.InDelta(t, 0.1, layer.Biases.AtVec(1), 1e-12)
}

func TestAdjustDropoutScalingOfUpstream(t *testing.T) {
	newLayer := func() *Layer {
		layer := NewLayer(2, 1, Identity, nil)
		layer.Weights = mat.NewDense(2, 1, []float64{2, 4})
		return layer
	}
	input := mat.NewDense(1, 2, []float64{1, 0})
	output := mat.NewDense(1, 1, nil)

	// 没有掩码时按保留概率缩放
	upstream := mat.NewDense(2, 1, nil)
	require.NoError(t, newLayer().Adjust(input, output, upstream, mat.NewDense(1, 1, []float64{1}), nil, -1, 0.5, nil))
	assert.Equal(t, []float64{1, 2}, upstream.RawMatrix().Data)

	// 有掩码时被丢弃的输入不再传播梯度
	mask := mat.NewDense(1, 2, []float64{1, 0})
	require.NoError(t, newLayer().Adjust(input, output, upstream, mat.NewDense(1, 1, []float64{1}), mask, -1, 0.5, nil))
	assert.Equal(t, []float64{2, 0}, upstream.RawMatrix().Data)
}

func TestAdjustRegularization(t *testing.T) {
	tests := []struct {
		name string
		reg  Regularization
		want []float64
	}{
		{"lasso", Lasso(0.1), []float64{0.5 - 0.1, -0.5 + 0.1}},
		{"ridge", Ridge(0.1), []float64{0.5 - 0.05, -0.5 + 0.05}},
		{"both", func(w float64) float64 { return Lasso(0.1)(w) + Ridge(0.1)(w) }, []float64{0.5 - 0.15, -0.5 + 0.15}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layer := NewLayer(2, 1, Identity, nil)
			layer.Weights = mat.NewDense(2, 1, []float64{0.5, -0.5})
			input := mat.NewDense(1, 2, []float64{1, 1})
			output := mat.NewDense(1, 1, nil)
			// 零梯度时只剩正则化项
			downstream := mat.NewDense(1, 1, nil)
			require.NoError(t, layer.Adjust(input, output, nil, downstream, nil, -1, 1, tt.reg))
			assert.InDeltaSlice(t, tt.want, layer.Weights.RawMatrix().Data, 1e-12)
		})
	}
}

func TestAdjustDimensionMismatch(t *testing.T) {
	layer := NewLayer(2, 3, Sigmoid, nil)
	input := mat.NewDense(4, 2, nil)
	output := mat.NewDense(4, 3, nil)
	err := layer.Adjust(input, output, nil, mat.NewDense(4, 3, nil), nil, -1, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = layer.Adjust(input, output, mat.NewDense(4, 2, nil), mat.NewDense(3, 4, nil), nil, -1, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
