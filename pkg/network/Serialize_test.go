package network

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func sampleNetwork(t *testing.T) *NeuronNetwork {
	t.Helper()
	nn, err := NewBuilder(5).Layer(7, ReLU).Layer(4, Tanh).Layer(3, Softmax).Seed(2024).Build()
	require.NoError(t, err)
	// 让偏置非零，便于检查往返结果
	for i := 0; i < nn.Depth(); i++ {
		for j := 0; j < nn.Layer(i).OutputSize; j++ {
			require.NoError(t, nn.SetBias(i, j, 0.01*float64(i+j)-0.02))
		}
	}
	return nn
}

func TestSerializeRoundTrip64(t *testing.T) {
	nn := sampleNetwork(t)
	var buf bytes.Buffer
	n, err := nn.WriteTo(&buf)
	require.NoError(t, err)
	// 版本号 + 每层12字节头部 + 元素
	assert.Equal(t, int64(1+3*12+8*(5*7+7+7*4+4+4*3+3)), n)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Equal(t, Version64, buf.Bytes()[0])

	restored, err := From(&buf)
	require.NoError(t, err)
	assert.Equal(t, nn.Structure(), restored.Structure())
	assert.Equal(t, 5, restored.InputSize())
	for i := 0; i < nn.Depth(); i++ {
		assert.Equal(t, nn.Layer(i).Activation, restored.Layer(i).Activation)
		assert.True(t, mat.Equal(nn.Weights(i), restored.Weights(i)))
		assert.True(t, mat.Equal(nn.Biases(i), restored.Biases(i)))
	}
	assert.Nil(t, restored.Configuration())
}

func TestSerializeRoundTrip32(t *testing.T) {
	nn := sampleNetwork(t)
	var buf bytes.Buffer
	n, err := nn.WriteVersion(&buf, Version32)
	require.NoError(t, err)
	assert.Equal(t, int64(1+3*12+4*(5*7+7+7*4+4+4*3+3)), n)

	restored, err := From(&buf)
	require.NoError(t, err)
	for i := 0; i < nn.Depth(); i++ {
		assert.True(t, mat.EqualApprox(nn.Weights(i), restored.Weights(i), 1e-6))
		assert.True(t, mat.EqualApprox(nn.Biases(i), restored.Biases(i), 1e-6))
	}
}

func TestSerializeLayout(t *testing.T) {
	nn, err := NewBuilder(2).Layer(1, Identity).Build()
	require.NoError(t, err)
	require.NoError(t, nn.SetWeight(0, 0, 0, 1.5))
	require.NoError(t, nn.SetWeight(0, 1, 0, -2))
	require.NoError(t, nn.SetBias(0, 0, 0.25))

	var buf bytes.Buffer
	_, err = nn.WriteVersion(&buf, Version32)
	require.NoError(t, err)

	want := []byte{2, 0, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 1}
	want = binary.BigEndian.AppendUint32(want, math.Float32bits(1.5))
	want = binary.BigEndian.AppendUint32(want, math.Float32bits(-2))
	want = binary.BigEndian.AppendUint32(want, math.Float32bits(0.25))
	assert.Equal(t, want, buf.Bytes())
}

func TestSerializeUnsupportedVersion(t *testing.T) {
	nn := sampleNetwork(t)
	_, err := nn.WriteVersion(&bytes.Buffer{}, 3)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = From(bytes.NewReader([]byte{9, 0, 0}))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestFromCorruptData(t *testing.T) {
	nn := sampleNetwork(t)
	var buf bytes.Buffer
	_, err := nn.WriteTo(&buf)
	require.NoError(t, err)
	data := buf.Bytes()

	tests := []struct {
		name string
		data []byte
	}{
		{"空输入", nil},
		{"只有版本号", data[:1]},
		{"头部截断", data[:7]},
		{"权重截断", data[:1+12+8*10]},
		{"偏置截断", data[:len(data)-3]},
		{"激活函数编号未知", append([]byte{1}, 0, 0, 0, 42, 0, 0, 0, 1, 0, 0, 0, 1)},
		{"维度为零", []byte{1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := From(bytes.NewReader(tt.data))
			assert.ErrorIs(t, err, ErrCorruptData)
		})
	}
}

// 头部声明的超大维度不能在读到数据之前就分配内存
func TestFromHeaderOnlyDoesNotAllocateDeclaredSize(t *testing.T) {
	header := append([]byte{Version64}, layerBytes(Sigmoid, 0, 0)...)
	binary.BigEndian.PutUint32(header[5:9], 16384)
	binary.BigEndian.PutUint32(header[9:13], 16384)
	withSome := append(append([]byte{}, header...), make([]byte, 8*100)...)

	for _, data := range [][]byte{header, withSome} {
		var before, after runtime.MemStats
		runtime.GC()
		runtime.ReadMemStats(&before)
		_, err := From(bytes.NewReader(data))
		runtime.ReadMemStats(&after)

		assert.ErrorIs(t, err, ErrCorruptData)
		assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20))
	}
}

func layerBytes(act ActivationFunction, in, out int) []byte {
	b := binary.BigEndian.AppendUint32(nil, uint32(act))
	b = binary.BigEndian.AppendUint32(b, uint32(in))
	b = binary.BigEndian.AppendUint32(b, uint32(out))
	for i := 0; i < in*out+out; i++ {
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(0.5))
	}
	return b
}

func TestFromRejectsInvalidTopology(t *testing.T) {
	mismatch := append([]byte{Version64}, layerBytes(Sigmoid, 2, 3)...)
	mismatch = append(mismatch, layerBytes(Sigmoid, 4, 1)...)
	_, err := From(bytes.NewReader(mismatch))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	hiddenSoftmax := append([]byte{Version64}, layerBytes(Softmax, 2, 3)...)
	hiddenSoftmax = append(hiddenSoftmax, layerBytes(Sigmoid, 3, 1)...)
	_, err = From(bytes.NewReader(hiddenSoftmax))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	valid := append([]byte{Version64}, layerBytes(ReLU, 2, 3)...)
	valid = append(valid, layerBytes(Softmax, 3, 2)...)
	nn, err := From(bytes.NewReader(valid))
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{2, 3}, {3, 2}}, nn.Structure())
	assert.Equal(t, 0.5, nn.Weights(1).At(2, 1))
}

type failingWriter struct{ after int }

var errDiskFull = errors.New("disk full")

func (w *failingWriter) Write(p []byte) (int, error) {
	if len(p) > w.after {
		n := w.after
		w.after = 0
		return n, errDiskFull
	}
	w.after -= len(p)
	return len(p), nil
}

func TestWriteToPropagatesWriterError(t *testing.T) {
	nn, err := NewBuilder(64).Layer(64).Build()
	require.NoError(t, err)
	n, err := nn.WriteTo(&failingWriter{after: 100})
	assert.ErrorIs(t, err, errDiskFull)
	// 只统计底层writer真正接收的字节
	assert.Equal(t, int64(100), n)
}

func TestSaveAndLoadFile(t *testing.T) {
	nn := sampleNetwork(t)
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, nn.SaveFile(path, Version64))

	restored, err := LoadFile(path)
	require.NoError(t, err)
	for i := 0; i < nn.Depth(); i++ {
		assert.True(t, mat.Equal(nn.Weights(i), restored.Weights(i)))
	}

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.bin"))
	assert.Error(t, err)
}
