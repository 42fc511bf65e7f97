package training

import (
	"NNEngine/pkg/dataProcess"
	"NNEngine/pkg/network"
	"fmt"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// TrainConfig 小批量训练的参数
type TrainConfig struct {
	// 批次大小
	BatchSize int
	// 学习率，梯度按批次求和，不做平均
	LearningRate float64
	// 训练轮数
	Epochs int
	// 类别数
	NumClasses int
	// dropout
	Dropout     bool
	DropoutKeep float64
	// L1/L2正则化系数，0表示关闭
	L1 float64
	L2 float64
	// 打乱样本顺序的随机数种子
	Seed uint64
	// 训练结束后保存权重的路径，为空时不保存
	CheckpointPath    string
	CheckpointVersion byte
	// 是否打印每轮训练的进度
	Verbose bool
	// 每个批次训练后的回调，loss为该批次的平均损失
	OnStep func(step int, loss float64)
}

// NewTrainConfig 创建一个默认的训练配置
func NewTrainConfig() *TrainConfig {
	return &TrainConfig{
		BatchSize:         64,
		LearningRate:      0.001,
		Epochs:            10,
		NumClasses:        10,
		DropoutKeep:       network.DefaultDropoutKeep,
		Seed:              42,
		CheckpointVersion: network.Version64,
		Verbose:           true,
	}
}

// Result 一次完整训练的结果
type Result struct {
	LossHistory     []float64
	InitialAccuracy float64
	FinalAccuracy   float64
	TrainTime       time.Duration
}

// OneHotEncode 将标签转换为one-hot编码
func OneHotEncode(label int, numClasses int) *mat.VecDense {
	oneHot := mat.NewVecDense(numClasses, nil)
	oneHot.SetVec(label, 1.0)
	return oneHot
}

// PrepareData 把数据集转换为输入矩阵（像素归一化到0-1）和one-hot目标矩阵，每行一个样本
func PrepareData(dataset *dataProcess.Dataset, numClasses int) (*mat.Dense, *mat.Dense, error) {
	if dataset.Len() == 0 {
		return nil, nil, fmt.Errorf("数据集为空")
	}
	if len(dataset.Labels) != dataset.Len() {
		return nil, nil, fmt.Errorf("图像数量 %d 与标签数量 %d 不一致", dataset.Len(), len(dataset.Labels))
	}
	inputSize := dataset.InputSize()
	inputs := mat.NewDense(dataset.Len(), inputSize, nil)
	targets := mat.NewDense(dataset.Len(), numClasses, nil)

	for i, img := range dataset.Images {
		if len(img) != inputSize {
			return nil, nil, fmt.Errorf("第 %d 个样本像素数 %d 与 %d 不一致", i, len(img), inputSize)
		}
		row := inputs.RawRowView(i)
		for j, pixel := range img {
			row[j] = float64(pixel) / 255.0
		}

		label := int(dataset.Labels[i])
		if label >= numClasses {
			return nil, nil, fmt.Errorf("第 %d 个样本标签 %d 超出类别数 %d", i, label, numClasses)
		}
		targets.SetRow(i, OneHotEncode(label, numClasses).RawVector().Data)
	}

	return inputs, targets, nil
}

// Validate 检查训练参数，dropout保留概率和学习率按网络训练配置的规则检查
func (c *TrainConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: 批次大小 %d 必须为正", network.ErrInvalidArgument, c.BatchSize)
	}
	if c.Epochs < 0 {
		return fmt.Errorf("%w: 训练轮数 %d 不能为负", network.ErrInvalidArgument, c.Epochs)
	}
	tc := network.NewTrainingConfiguration()
	tc.LearningRate = c.LearningRate
	tc.DropoutKeep = c.DropoutKeep
	return tc.Validate()
}

// Configure 把训练参数应用到已有的训练器上
func Configure(trainer *network.Trainer, cfg *TrainConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	trainer.Rate(cfg.LearningRate).
		Dropouts(cfg.Dropout).
		DropoutKeep(cfg.DropoutKeep).
		Lasso(cfg.L1).
		Ridge(cfg.L2)
	return trainer.Err()
}

// NewTrainer 按配置创建训练器并挂载到网络上
func NewTrainer(nn *network.NeuronNetwork, cfg *TrainConfig) (*network.Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	trainer := nn.NewTrainer(cfg.BatchSize)
	if err := Configure(trainer, cfg); err != nil {
		trainer.Close()
		return nil, err
	}
	return trainer, nil
}

// Fit 使用 Mini-batch SGD 训练，返回每一轮的平均损失
// 训练器在返回后仍挂载在网络上，由调用方决定何时关闭
func Fit(trainer *network.Trainer, inputs, targets mat.Matrix, cfg *TrainConfig) ([]float64, error) {
	numSamples, inputSize := inputs.Dims()
	targetRows, outputSize := targets.Dims()
	if numSamples == 0 || targetRows != numSamples {
		return nil, fmt.Errorf("%w: 输入 %d 行与目标 %d 行不一致", network.ErrInvalidArgument, numSamples, targetRows)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))
	lossHistory := make([]float64, 0, cfg.Epochs)
	var batchInputs, batchTargets *mat.Dense
	step := 0

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		totalLoss := 0.0
		// 随机打乱数据
		shuffledIndices := shuffleIndices(rng, numSamples)

		for i := 0; i < numSamples; i += cfg.BatchSize {
			end := min(i+cfg.BatchSize, numSamples)
			batchIndices := shuffledIndices[i:end]
			if batchInputs == nil || batchInputs.RawMatrix().Rows != len(batchIndices) {
				batchInputs = mat.NewDense(len(batchIndices), inputSize, nil)
				batchTargets = mat.NewDense(len(batchIndices), outputSize, nil)
			}
			for j, idx := range batchIndices {
				mat.Row(batchInputs.RawRowView(j), idx, inputs)
				mat.Row(batchTargets.RawRowView(j), idx, targets)
			}

			batchLoss, err := trainer.Train(batchInputs, batchTargets)
			if err != nil {
				return lossHistory, fmt.Errorf("第 %d 轮第 %d 个批次训练失败: %w", epoch+1, i/cfg.BatchSize+1, err)
			}
			totalLoss += batchLoss
			step++
			if cfg.OnStep != nil {
				cfg.OnStep(step, batchLoss/float64(len(batchIndices)))
			}
		}

		avgLoss := totalLoss / float64(numSamples)
		lossHistory = append(lossHistory, avgLoss)
		if cfg.Verbose {
			fmt.Printf("第 %d 轮训练 - 平均损失: %.4f\n", epoch+1, avgLoss)
		}
	}
	return lossHistory, nil
}

// Predict 返回每个样本概率最大的类别
func Predict(nn *network.NeuronNetwork, inputs mat.Matrix) ([]int, error) {
	out, err := nn.NewInvoker(1).Invoke(inputs)
	if err != nil {
		return nil, err
	}
	rows, _ := out.Dims()
	predictions := make([]int, rows)
	for i := range predictions {
		predictions[i] = floats.MaxIdx(out.RawRowView(i))
	}
	return predictions, nil
}

// Evaluate 评估模型在数据集上的准确率，targets为one-hot矩阵
func Evaluate(nn *network.NeuronNetwork, inputs, targets mat.Matrix) (float64, error) {
	rows, cols := targets.Dims()
	if cols != nn.OutputSize() {
		return 0, fmt.Errorf("%w: 目标列数 %d 与网络输出节点数 %d 不一致", network.ErrInvalidArgument, cols, nn.OutputSize())
	}
	predictions, err := Predict(nn, inputs)
	if err != nil {
		return 0, err
	}
	if len(predictions) != rows {
		return 0, fmt.Errorf("%w: 输入 %d 行与目标 %d 行不一致", network.ErrInvalidArgument, len(predictions), rows)
	}
	correct := 0
	row := make([]float64, nn.OutputSize())
	for i, pred := range predictions {
		if pred == floats.MaxIdx(mat.Row(row, i, targets)) {
			correct++
		}
	}
	return float64(correct) / float64(len(predictions)), nil
}

// CalculateLoss 整个数据集上的平均损失
func CalculateLoss(nn *network.NeuronNetwork, inputs, targets mat.Matrix, loss network.LossFunction) (float64, error) {
	out, err := nn.NewInvoker(1).Invoke(inputs)
	if err != nil {
		return 0, err
	}
	rows, cols := out.Dims()
	if tr, tc := targets.Dims(); tr != rows || tc != cols {
		return 0, fmt.Errorf("%w: 目标维度 %dx%d 与输出维度 %dx%d 不一致", network.ErrInvalidArgument, tr, tc, rows, cols)
	}
	return loss.Total(targets, out) / float64(rows), nil
}

// TrainModel 训练模型，训练前后在测试集上评估，训练结束后卸下配置并按需保存权重
func TrainModel(nn *network.NeuronNetwork, trainDataset *dataProcess.Dataset, testDataset *dataProcess.Dataset, cfg *TrainConfig) (*Result, error) {
	// 准备训练数据
	trainInputs, trainTargets, err := PrepareData(trainDataset, cfg.NumClasses)
	if err != nil {
		return nil, fmt.Errorf("准备训练数据失败: %w", err)
	}
	// 准备测试数据
	testInputs, testTargets, err := PrepareData(testDataset, cfg.NumClasses)
	if err != nil {
		return nil, fmt.Errorf("准备测试数据失败: %w", err)
	}

	lossFn := network.DefaultLoss(nn.Layer(nn.Depth() - 1).Activation)
	result := &Result{}
	if result.InitialAccuracy, err = Evaluate(nn, testInputs, testTargets); err != nil {
		return nil, err
	}
	initialLoss, err := CalculateLoss(nn, trainInputs, trainTargets, lossFn)
	if err != nil {
		return nil, err
	}
	if cfg.Verbose {
		fmt.Printf("训练前 - 损失: %.4f, 准确率: %.2f%%\n", initialLoss, result.InitialAccuracy*100)
	}

	trainer, err := NewTrainer(nn, cfg)
	if err != nil {
		return nil, err
	}
	startTrain := time.Now()
	result.LossHistory, err = Fit(trainer, trainInputs, trainTargets, cfg)
	result.TrainTime = time.Since(startTrain)
	// 卸下配置，用过dropout时权重在这里缩放
	if cerr := trainer.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return result, err
	}

	startInference := time.Now()
	if result.FinalAccuracy, err = Evaluate(nn, testInputs, testTargets); err != nil {
		return result, err
	}
	finalLoss, err := CalculateLoss(nn, trainInputs, trainTargets, lossFn)
	if err != nil {
		return result, err
	}
	if cfg.Verbose {
		fmt.Printf("训练耗时: %v\n", result.TrainTime)
		fmt.Printf("推理耗时: %v\n", time.Since(startInference))
		fmt.Printf("训练后 - 损失: %.4f, 准确率: %.2f%%\n", finalLoss, result.FinalAccuracy*100)
	}

	if cfg.CheckpointPath != "" {
		if err := nn.SaveFile(cfg.CheckpointPath, cfg.CheckpointVersion); err != nil {
			return result, fmt.Errorf("保存权重失败: %w", err)
		}
		if cfg.Verbose {
			fmt.Printf("权重已保存到 %s\n", cfg.CheckpointPath)
		}
	}
	return result, nil
}

// 辅助函数：打乱索引顺序
func shuffleIndices(rng *rand.Rand, length int) []int {
	indices := make([]int, length)
	for i := 0; i < length; i++ {
		indices[i] = i
	}

	// Fisher-Yates 洗牌算法
	for i := length - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		indices[i], indices[j] = indices[j], indices[i]
	}

	return indices
}
