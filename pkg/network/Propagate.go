package network

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

/*
该文件包含了网络的批量前向传播（推理器）和批量反向传播（训练器）
推理器和训练器都按批次大小持有可复用的缓冲区，只有批次大小变化时才重新分配
*/

// ErrTrainerClosed 训练器已经卸下了训练配置
var ErrTrainerClosed = errors.New("训练器已关闭")

// Invoker 批量推理器
// Invoke返回的是内部缓冲区，下一次调用会覆盖它，需要保留结果时用InvokeCopy
type Invoker struct {
	network   *NeuronNetwork
	batchSize int
	// 共享的输入缓冲区 batch*inputs
	input *mat.Dense
	// 每一层的输出缓冲区 batch*outputs
	outputs []*mat.Dense
}

// NewInvoker 创建批次大小为batchSize的推理器，batchSize<=0时取1
func (nn *NeuronNetwork) NewInvoker(batchSize int) *Invoker {
	iv := &Invoker{network: nn}
	iv.resize(max(batchSize, 1))
	return iv
}

// BatchSize 当前缓冲区对应的批次大小
func (iv *Invoker) BatchSize() int {
	return iv.batchSize
}

func (iv *Invoker) resize(batchSize int) {
	factory := iv.network.factory
	iv.input = factory.NewMatrix(batchSize, iv.network.inputs)
	iv.outputs = make([]*mat.Dense, len(iv.network.layers))
	for i, layer := range iv.network.layers {
		iv.outputs[i] = factory.NewMatrix(batchSize, layer.OutputSize)
	}
	iv.batchSize = batchSize
}

// load 检查输入维度并拷贝到内部缓冲区，输入行数即批次大小
func (iv *Invoker) load(input mat.Matrix) error {
	rows, cols := input.Dims()
	if rows <= 0 {
		return fmt.Errorf("%w: 输入批次为空", ErrInvalidArgument)
	}
	if cols != iv.network.inputs {
		return fmt.Errorf("%w: 输入列数 %d 与网络输入节点数 %d 不一致", ErrInvalidArgument, cols, iv.network.inputs)
	}
	if rows != iv.batchSize {
		iv.resize(rows)
	}
	iv.input.Copy(input)
	return nil
}

// layerInput 第i层的输入，即前一层的输出
func (iv *Invoker) layerInput(i int) *mat.Dense {
	if i == 0 {
		return iv.input
	}
	return iv.outputs[i-1]
}

// Invoke 对一个批次做不带dropout的前向传播，返回借用的输出缓冲区
func (iv *Invoker) Invoke(input mat.Matrix) (*mat.Dense, error) {
	if err := iv.load(input); err != nil {
		return nil, err
	}
	for i := range iv.network.layers {
		if err := iv.network.infer(i, iv.layerInput(i), iv.outputs[i]); err != nil {
			return nil, err
		}
	}
	return iv.outputs[len(iv.outputs)-1], nil
}

// InvokeCopy 与Invoke相同，但返回调用方可以保留的拷贝
func (iv *Invoker) InvokeCopy(input mat.Matrix) (*mat.Dense, error) {
	out, err := iv.Invoke(input)
	if err != nil {
		return nil, err
	}
	return mat.DenseCopyOf(out), nil
}

// Trainer 批量训练器
// 在推理器的基础上为每一层持有梯度缓冲区（outputs*batch）和dropout掩码，
// 同一时间一个网络只应有一个训练器在修改权重
type Trainer struct {
	Invoker
	config *TrainingConfiguration
	// 每一层的梯度缓冲区 outputs*batch，与前向缓冲区互为转置
	gradients []*mat.Dense
	// 每一层输出的dropout掩码 batch*outputs
	masks     []*mat.Dense
	gradBatch int
	closed    bool
	// 链式setter中出现的第一个错误
	err error
}

// NewTrainer 创建训练器并把一份默认训练配置挂载到网络上
// 损失函数按输出层的激活函数选择
func (nn *NeuronNetwork) NewTrainer(batchSize int) *Trainer {
	cfg := NewTrainingConfiguration()
	cfg.Loss = DefaultLoss(nn.layers[len(nn.layers)-1].Activation)
	t := &Trainer{
		Invoker: Invoker{network: nn},
		config:  cfg,
	}
	t.record(nn.SetConfiguration(cfg))
	t.resize(max(batchSize, 1))
	t.allocGradients()
	return t
}

func (t *Trainer) allocGradients() {
	factory := t.network.factory
	t.gradients = make([]*mat.Dense, len(t.network.layers))
	t.masks = make([]*mat.Dense, len(t.network.layers))
	for i, layer := range t.network.layers {
		t.gradients[i] = factory.NewMatrix(layer.OutputSize, t.batchSize)
		t.masks[i] = factory.NewMatrix(t.batchSize, layer.OutputSize)
	}
	t.gradBatch = t.batchSize
}

// Configuration 训练器挂载的训练配置
func (t *Trainer) Configuration() *TrainingConfiguration {
	return t.config
}

// Err 返回链式setter中记录的第一个错误
func (t *Trainer) Err() error {
	return t.err
}

func (t *Trainer) record(err error) {
	if err != nil && t.err == nil {
		t.err = err
	}
}

// Train 对一个批次做前向传播、计算损失并逐层反向传播更新参数
// 返回本批次前向传播时的总损失
func (t *Trainer) Train(input, target mat.Matrix) (float64, error) {
	if t.err != nil {
		return 0, t.err
	}
	if t.closed {
		return 0, ErrTrainerClosed
	}
	nn := t.network
	if nn.config != t.config {
		return 0, fmt.Errorf("%w: 网络挂载的训练配置已被替换", ErrInvalidArgument)
	}
	rows, _ := input.Dims()
	if err := checkDims("目标", target, rows, nn.OutputSize()); err != nil {
		return 0, err
	}
	if err := t.load(input); err != nil {
		return 0, err
	}
	if t.gradBatch != t.batchSize {
		t.allocGradients()
	}

	// 前向传播，dropout由挂载的配置决定
	for i := range nn.layers {
		var mask *mat.Dense
		if nn.layerKeep(i) < 1 {
			mask = t.masks[i]
		}
		if err := nn.Invoke(i, t.layerInput(i), t.outputs[i], mask); err != nil {
			return 0, err
		}
	}

	// 输出层梯度，转置写入最后一个梯度缓冲区
	last := len(nn.layers) - 1
	output := t.outputs[last]
	loss := t.config.Loss
	total := loss.Total(target, output)
	t.gradients[last].Apply(func(i, j int, _ float64) float64 {
		return loss.Derivative(target.At(j, i), output.At(j, i))
	}, t.gradients[last])

	// 从后向前逐层调整
	for i := last; i >= 0; i-- {
		var upstream, inputMask *mat.Dense
		if i > 0 {
			upstream = t.gradients[i-1]
			if nn.layerKeep(i-1) < 1 {
				inputMask = t.masks[i-1]
			}
		}
		if err := nn.Adjust(i, t.layerInput(i), t.outputs[i], upstream, t.gradients[i], inputMask); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// Rate 设置学习率，NaN和无穷大会被记录为错误
func (t *Trainer) Rate(learningRate float64) *Trainer {
	if err := checkLearningRate(learningRate); err != nil {
		t.record(err)
		return t
	}
	t.config.LearningRate = learningRate
	return t
}

// Dropouts 开启或关闭隐藏层dropout
func (t *Trainer) Dropouts(enabled bool) *Trainer {
	t.config.Dropout = enabled
	return t
}

// DropoutKeep 设置dropout保留概率，必须在(0,1]之间
func (t *Trainer) DropoutKeep(keep float64) *Trainer {
	if err := checkKeepProbability(keep); err != nil {
		t.record(err)
		return t
	}
	t.config.DropoutKeep = keep
	return t
}

// Lasso 设置L1正则化系数，0表示关闭
func (t *Trainer) Lasso(factor float64) *Trainer {
	t.config.L1 = factor != 0
	t.config.L1Factor = factor
	return t
}

// Ridge 设置L2正则化系数，0表示关闭
func (t *Trainer) Ridge(factor float64) *Trainer {
	t.config.L2 = factor != 0
	t.config.L2Factor = factor
	return t
}

// Weight 直接设置网络中的一个权重
func (t *Trainer) Weight(layer, in, out int, value float64) *Trainer {
	t.record(t.network.SetWeight(layer, in, out, value))
	return t
}

// Bias 直接设置网络中的一个偏置
func (t *Trainer) Bias(layer, out int, value float64) *Trainer {
	t.record(t.network.SetBias(layer, out, value))
	return t
}

// Error 设置损失函数，与输出层激活函数不匹配时立即失败
func (t *Trainer) Error(loss LossFunction) (*Trainer, error) {
	if err := CheckPairing(t.network.layers[len(t.network.layers)-1].Activation, loss); err != nil {
		return t, err
	}
	t.config.Loss = loss
	return t, nil
}

// Close 从网络上卸下训练配置，用过dropout时会触发权重缩放
func (t *Trainer) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if t.network.config != t.config {
		return nil
	}
	return t.network.SetConfiguration(nil)
}
