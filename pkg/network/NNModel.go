package network

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

/*
该文件包含整个神经网络的构建方法
网络拓扑在构建后固定，权重数值可以被训练器或显式的setter修改
*/

// NeuronNetwork 由若干全连接层按顺序组成的前馈网络
type NeuronNetwork struct {
	layers  []*Layer
	inputs  int
	factory MatrixFactory
	src     rand.Source

	// 训练配置，nil表示未配置状态
	config *TrainingConfiguration
	// 训练时隐藏层输出实际使用过的保留概率，卸下配置时据此缩放权重
	historicalKeep float64
}

type layerSpec struct {
	outputs    int
	activation ActivationFunction
}

// Builder 网络构建器
type Builder struct {
	inputs  int
	specs   []layerSpec
	seed    uint64
	seeded  bool
	factory MatrixFactory
}

// NewBuilder 创建构建器，inputNodeCount为输入层节点数
func NewBuilder(inputNodeCount int) *Builder {
	return &Builder{inputs: inputNodeCount}
}

// Layer 追加一层，激活函数缺省为Sigmoid
func (b *Builder) Layer(outputCount int, activation ...ActivationFunction) *Builder {
	act := Sigmoid
	if len(activation) > 0 {
		act = activation[0]
	}
	b.specs = append(b.specs, layerSpec{outputs: outputCount, activation: act})
	return b
}

// Seed 固定随机种子，用于权重初始化和dropout抽样
func (b *Builder) Seed(seed uint64) *Builder {
	b.seed = seed
	b.seeded = true
	return b
}

// Factory 指定数值存储工厂
func (b *Builder) Factory(factory MatrixFactory) *Builder {
	b.factory = factory
	return b
}

// Build 检查拓扑并生成随机初始化的网络
func (b *Builder) Build() (*NeuronNetwork, error) {
	if b.inputs <= 0 {
		return nil, fmt.Errorf("%w: 输入节点数 %d 必须为正", ErrInvalidArgument, b.inputs)
	}
	if len(b.specs) == 0 {
		return nil, fmt.Errorf("%w: 网络至少需要一层", ErrInvalidArgument)
	}
	for i, spec := range b.specs {
		if spec.outputs <= 0 {
			return nil, fmt.Errorf("%w: 第 %d 层输出节点数 %d 必须为正", ErrInvalidArgument, i, spec.outputs)
		}
		if !spec.activation.Valid() {
			return nil, fmt.Errorf("%w: 第 %d 层激活函数 %v 未知", ErrInvalidArgument, i, spec.activation)
		}
		// softmax不能单独折叠导数，只能放在输出层
		if spec.activation == Softmax && i != len(b.specs)-1 {
			return nil, fmt.Errorf("%w: softmax只能用于输出层，第 %d 层不是输出层", ErrInvalidArgument, i)
		}
	}

	seed := b.seed
	if !b.seeded {
		seed = rand.Uint64()
	}
	nn := newNetwork(b.inputs, b.factory, rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	in := b.inputs
	for _, spec := range b.specs {
		nn.layers = append(nn.layers, NewLayer(in, spec.outputs, spec.activation, nn.factory))
		in = spec.outputs
	}
	nn.Randomise()
	return nn, nil
}

func newNetwork(inputs int, factory MatrixFactory, src rand.Source) *NeuronNetwork {
	if factory == nil {
		factory = DenseFactory{}
	}
	return &NeuronNetwork{
		inputs:         inputs,
		factory:        factory,
		src:            src,
		historicalKeep: 1,
	}
}

// Depth 网络层数
func (nn *NeuronNetwork) Depth() int {
	return len(nn.layers)
}

// InputSize 输入层节点数
func (nn *NeuronNetwork) InputSize() int {
	return nn.inputs
}

// OutputSize 输出层节点数
func (nn *NeuronNetwork) OutputSize() int {
	return nn.layers[len(nn.layers)-1].OutputSize
}

// Layer 返回第i层
func (nn *NeuronNetwork) Layer(i int) *Layer {
	return nn.layers[i]
}

// Structure 返回每一层的(输入, 输出)维度
func (nn *NeuronNetwork) Structure() [][2]int {
	shape := make([][2]int, len(nn.layers))
	for i, layer := range nn.layers {
		shape[i] = [2]int{layer.InputSize, layer.OutputSize}
	}
	return shape
}

// Factory 返回网络的数值存储工厂
func (nn *NeuronNetwork) Factory() MatrixFactory {
	return nn.factory
}

// layerKeep 第i层输出的dropout保留概率，输出层从不dropout
func (nn *NeuronNetwork) layerKeep(i int) float64 {
	if i >= len(nn.layers)-1 {
		return 1
	}
	return nn.config.keep()
}

// Invoke 第i层的前向传播，dropout由挂载的训练配置决定
func (nn *NeuronNetwork) Invoke(i int, input, output, mask *mat.Dense) error {
	if err := nn.checkIndex(i); err != nil {
		return err
	}
	return nn.layers[i].Forward(input, output, nn.layerKeep(i), nn.src, mask)
}

// infer 不带dropout的前向传播，推理器使用
func (nn *NeuronNetwork) infer(i int, input, output *mat.Dense) error {
	return nn.layers[i].Forward(input, output, 1, nil, nil)
}

// Adjust 第i层的反向传播和参数更新，使用挂载配置中的学习率和正则化
func (nn *NeuronNetwork) Adjust(i int, input, output, upstream, downstream, inputMask *mat.Dense) error {
	if err := nn.checkIndex(i); err != nil {
		return err
	}
	if nn.config == nil {
		return fmt.Errorf("%w: 网络未挂载训练配置", ErrInvalidArgument)
	}
	keepInput := 1.0
	if i > 0 {
		keepInput = nn.layerKeep(i - 1)
	}
	if err := nn.layers[i].Adjust(input, output, upstream, downstream, inputMask,
		-nn.config.LearningRate, keepInput, nn.config.Regularization()); err != nil {
		return err
	}
	if keepInput < 1 {
		nn.historicalKeep = keepInput
	}
	return nil
}

// Configuration 返回当前挂载的训练配置，未配置时为nil
func (nn *NeuronNetwork) Configuration() *TrainingConfiguration {
	return nn.config
}

// SetConfiguration 挂载或卸下训练配置
//
// 网络只有两个状态：未配置和已配置。从已配置切换到未配置（cfg为nil）时，
// 如果训练中使用过dropout，第1..depth-1层的权重按历史保留概率缩放，
// 使不带dropout的推理与训练时的期望激活值一致。
func (nn *NeuronNetwork) SetConfiguration(cfg *TrainingConfiguration) error {
	if cfg == nil {
		if nn.config != nil && nn.historicalKeep < 1 {
			for _, layer := range nn.layers[1:] {
				layer.Weights.Scale(nn.historicalKeep, layer.Weights)
			}
			nn.historicalKeep = 1
		}
		nn.config = nil
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := CheckPairing(nn.layers[len(nn.layers)-1].Activation, cfg.Loss); err != nil {
		return err
	}
	nn.config = cfg
	return nil
}

// Randomise 重新随机初始化所有权重以打破对称性，偏置置零
// ReLU层使用He初始化，其余使用Xavier初始化，均为零均值正态分布
func (nn *NeuronNetwork) Randomise() {
	for _, layer := range nn.layers {
		scale := math.Sqrt(2.0 / float64(layer.InputSize+layer.OutputSize))
		if layer.Activation == ReLU {
			scale = math.Sqrt(2.0 / float64(layer.InputSize))
		}
		normal := distuv.Normal{Mu: 0, Sigma: scale, Src: nn.src}
		layer.Weights.Apply(func(_, _ int, _ float64) float64 {
			return normal.Rand()
		}, layer.Weights)
		layer.Biases.Zero()
	}
}

// Weights 第i层权重矩阵
func (nn *NeuronNetwork) Weights(i int) mat.Matrix {
	return nn.layers[i].Weights
}

// Biases 第i层偏置向量
func (nn *NeuronNetwork) Biases(i int) mat.Vector {
	return nn.layers[i].Biases
}

// SetWeight 设置第layer层从输入节点in到输出节点out的权重
func (nn *NeuronNetwork) SetWeight(layer, in, out int, value float64) error {
	if err := nn.checkIndex(layer); err != nil {
		return err
	}
	l := nn.layers[layer]
	if in < 0 || in >= l.InputSize || out < 0 || out >= l.OutputSize {
		return fmt.Errorf("%w: 第 %d 层权重下标 (%d,%d) 越界", ErrInvalidArgument, layer, in, out)
	}
	l.Weights.Set(in, out, value)
	return nil
}

// SetBias 设置第layer层输出节点out的偏置
func (nn *NeuronNetwork) SetBias(layer, out int, value float64) error {
	if err := nn.checkIndex(layer); err != nil {
		return err
	}
	l := nn.layers[layer]
	if out < 0 || out >= l.OutputSize {
		return fmt.Errorf("%w: 第 %d 层偏置下标 %d 越界", ErrInvalidArgument, layer, out)
	}
	l.Biases.SetVec(out, value)
	return nil
}

func (nn *NeuronNetwork) checkIndex(i int) error {
	if i < 0 || i >= len(nn.layers) {
		return fmt.Errorf("%w: 层下标 %d 越界，网络共 %d 层", ErrInvalidArgument, i, len(nn.layers))
	}
	return nil
}

func (nn *NeuronNetwork) String() string {
	var s strings.Builder
	fmt.Fprintf(&s, "输入层: %d\n", nn.inputs)
	for i, layer := range nn.layers {
		fmt.Fprintf(&s, "第 %d 层: %dx%d, 激活函数: %v\n", i, layer.InputSize, layer.OutputSize, layer.Activation)
	}
	return s.String()
}
