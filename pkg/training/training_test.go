package training

import (
	"NNEngine/pkg/dataProcess"
	"NNEngine/pkg/network"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// twoClusters 生成两个分得很开的4像素类别：0类亮在前半部分，1类亮在后半部分
func twoClusters(rng *rand.Rand, n int) *dataProcess.Dataset {
	d := &dataProcess.Dataset{}
	for i := 0; i < n; i++ {
		label := byte(i % 2)
		img := make([]byte, 4)
		for p := range img {
			bright := (p < 2) == (label == 0)
			base := 20
			if bright {
				base = 200
			}
			img[p] = byte(base + rng.IntN(30))
		}
		d.Images = append(d.Images, img)
		d.Labels = append(d.Labels, label)
	}
	return d
}

func TestOneHotEncode(t *testing.T) {
	v := OneHotEncode(3, 5)
	assert.Equal(t, []float64{0, 0, 0, 1, 0}, v.RawVector().Data)
}

func TestPrepareData(t *testing.T) {
	d := &dataProcess.Dataset{
		Images: [][]byte{{0, 255}, {51, 102}},
		Labels: []byte{2, 0},
	}
	inputs, targets, err := PrepareData(d, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 0.2, 0.4}, inputs.RawMatrix().Data)
	assert.Equal(t, []float64{0, 0, 1, 1, 0, 0}, targets.RawMatrix().Data)

	_, _, err = PrepareData(d, 2)
	assert.Error(t, err)
	_, _, err = PrepareData(&dataProcess.Dataset{}, 2)
	assert.Error(t, err)
}

func TestShuffleIndicesIsPermutation(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	indices := shuffleIndices(rng, 50)
	seen := make(map[int]bool)
	for _, idx := range indices {
		seen[idx] = true
	}
	assert.Len(t, seen, 50)
	assert.NotEqual(t, shuffleIndices(rng, 50), indices)
}

func TestFitReducesLoss(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	inputs, targets, err := PrepareData(twoClusters(rng, 60), 2)
	require.NoError(t, err)

	nn, err := network.NewBuilder(4).Layer(6, network.Tanh).Layer(2, network.Softmax).Seed(5).Build()
	require.NoError(t, err)

	cfg := NewTrainConfig()
	cfg.BatchSize = 8
	cfg.LearningRate = 0.05
	cfg.Epochs = 40
	cfg.Verbose = false
	steps := 0
	cfg.OnStep = func(step int, loss float64) {
		steps++
		assert.Equal(t, steps, step)
	}

	trainer, err := NewTrainer(nn, cfg)
	require.NoError(t, err)
	history, err := Fit(trainer, inputs, targets, cfg)
	require.NoError(t, err)
	require.NoError(t, trainer.Close())

	require.Len(t, history, 40)
	// 60个样本每批8个，每轮8个批次
	assert.Equal(t, 40*8, steps)
	assert.Less(t, history[39], history[0])

	accuracy, err := Evaluate(nn, inputs, targets)
	require.NoError(t, err)
	assert.Greater(t, accuracy, 0.95)
}

func TestFitRejectsMismatchedRows(t *testing.T) {
	nn, err := network.NewBuilder(2).Layer(2, network.Softmax).Build()
	require.NoError(t, err)
	cfg := NewTrainConfig()
	trainer, err := NewTrainer(nn, cfg)
	require.NoError(t, err)
	_, err = Fit(trainer, mat.NewDense(3, 2, nil), mat.NewDense(2, 2, nil), cfg)
	assert.ErrorIs(t, err, network.ErrInvalidArgument)
}

func TestNewTrainerRejectsBadConfig(t *testing.T) {
	nn, err := network.NewBuilder(2).Layer(2).Build()
	require.NoError(t, err)

	cfg := NewTrainConfig()
	cfg.DropoutKeep = 2
	_, err = NewTrainer(nn, cfg)
	assert.ErrorIs(t, err, network.ErrInvalidArgument)
	assert.Nil(t, nn.Configuration())

	cfg = NewTrainConfig()
	cfg.BatchSize = 0
	_, err = NewTrainer(nn, cfg)
	assert.ErrorIs(t, err, network.ErrInvalidArgument)
}

func TestTrainModelSavesCheckpoint(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	train, test := twoClusters(rng, 80), twoClusters(rng, 20)

	nn, err := network.NewBuilder(4).Layer(8, network.ReLU).Layer(2, network.Softmax).Seed(6).Build()
	require.NoError(t, err)

	cfg := NewTrainConfig()
	cfg.NumClasses = 2
	cfg.BatchSize = 10
	cfg.LearningRate = 0.02
	cfg.Epochs = 30
	cfg.Verbose = false
	cfg.CheckpointPath = filepath.Join(t.TempDir(), "model.bin")

	result, err := TrainModel(nn, train, test, cfg)
	require.NoError(t, err)
	assert.Len(t, result.LossHistory, 30)
	assert.Greater(t, result.FinalAccuracy, 0.9)
	assert.Nil(t, nn.Configuration())

	restored, err := network.LoadFile(cfg.CheckpointPath)
	require.NoError(t, err)
	for i := 0; i < nn.Depth(); i++ {
		assert.True(t, mat.Equal(nn.Weights(i), restored.Weights(i)))
	}
}
