package network

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

/*
该文件包含神经网络层的封装、该层的前向传播和参数调整
*/

// Layer 全连接层，输入层不单独封装，数据直接输入到第一个隐藏层
type Layer struct {
	InputSize  int
	OutputSize int
	Weights    *mat.Dense    // 该层的权重矩阵大小为 InputSize*OutputSize
	Biases     *mat.VecDense // 偏置向量，长度为 OutputSize
	Activation ActivationFunction

	factory    MatrixFactory
	weightGrad *mat.Dense // 权重梯度的工作区，按需分配
}

// NewLayer 创建权重与偏置都为零的层，初始化由 NeuronNetwork.Randomise 负责
func NewLayer(inputSize int, outputSize int, activation ActivationFunction, factory MatrixFactory) *Layer {
	if factory == nil {
		factory = DenseFactory{}
	}
	return &Layer{
		InputSize:  inputSize,
		OutputSize: outputSize,
		Weights:    factory.NewMatrix(inputSize, outputSize),
		Biases:     factory.NewVector(outputSize),
		Activation: activation,
		factory:    factory,
	}
}

// Forward 计算 output = activation(input·W + b)
// keep<1 时对输出做dropout，mask不为nil时记录抽样结果
func (l *Layer) Forward(input, output *mat.Dense, keep float64, src rand.Source, mask *mat.Dense) error {
	if err := l.checkActivation(); err != nil {
		return err
	}
	batch, _ := input.Dims()
	if err := checkDims("层输入", input, batch, l.InputSize); err != nil {
		return err
	}
	if err := checkDims("层输出", output, batch, l.OutputSize); err != nil {
		return err
	}

	output.Mul(input, l.Weights)
	bias := l.Biases.RawVector().Data
	for i := 0; i < batch; i++ {
		floats.Add(output.RawRowView(i), bias)
	}

	if keep < 1 || mask != nil {
		return l.Activation.ActivateDropout(output, keep, src, mask)
	}
	if err := checkKeepProbability(keep); err != nil {
		return err
	}
	l.Activation.Activate(output)
	return nil
}

// Adjust 反向传播一层并原地更新权重与偏置
//
//	input       本层输入 batch*InputSize
//	output      本层输出 batch*OutputSize
//	upstream    传给前一层的梯度 InputSize*batch，第一层为nil
//	downstream  从后一层流入的梯度 OutputSize*batch，会被原地改写
//	inputMask   本层输入的dropout掩码 batch*InputSize，可为nil
//	scaledRate  缩放后的学习率，调用方传入负的学习率
//	keepInput   本层输入的dropout保留概率
//	reg         正则化项，可为nil
func (l *Layer) Adjust(input, output, upstream, downstream, inputMask *mat.Dense, scaledRate, keepInput float64, reg Regularization) error {
	if err := l.checkActivation(); err != nil {
		return err
	}
	batch, _ := input.Dims()
	if err := checkDims("层输入", input, batch, l.InputSize); err != nil {
		return err
	}
	if err := checkDims("层输出", output, batch, l.OutputSize); err != nil {
		return err
	}
	if err := checkDims("下游梯度", downstream, l.OutputSize, batch); err != nil {
		return err
	}
	if upstream != nil {
		if err := checkDims("上游梯度", upstream, l.InputSize, batch); err != nil {
			return err
		}
	}
	if inputMask != nil {
		if err := checkDims("输入掩码", inputMask, batch, l.InputSize); err != nil {
			return err
		}
	}
	if err := checkKeepProbability(keepInput); err != nil {
		return err
	}

	// 合并激活函数导数，softmax的导数已经折叠在损失里
	if l.Activation.SingleFolded() {
		act := l.Activation
		downstream.Apply(func(i, j int, v float64) float64 {
			return v * act.Derivative(output.At(j, i))
		}, downstream)
	}

	// 必须用更新前的权重计算传给前一层的梯度
	if upstream != nil {
		upstream.Mul(l.Weights, downstream)
		if keepInput < 1 {
			if inputMask != nil {
				upstream.Apply(func(i, j int, v float64) float64 {
					return v * inputMask.At(j, i)
				}, upstream)
			} else {
				upstream.Scale(keepInput, upstream)
			}
		}
	}

	// 权重梯度 dW = input^T * delta^T，再加上正则化项
	grad := l.gradientBuffer()
	grad.Mul(input.T(), downstream.T())
	if reg != nil {
		grad.Apply(func(i, j int, v float64) float64 {
			return v + reg(l.Weights.At(i, j))
		}, grad)
	}
	grad.Scale(scaledRate, grad)
	l.Weights.Add(l.Weights, grad)

	// 偏置梯度为delta按批次求和
	bias := l.Biases.RawVector().Data
	for j := 0; j < l.OutputSize; j++ {
		bias[j] += scaledRate * floats.Sum(downstream.RawRowView(j))
	}
	return nil
}

func (l *Layer) gradientBuffer() *mat.Dense {
	if l.weightGrad == nil {
		factory := l.factory
		if factory == nil {
			factory = DenseFactory{}
		}
		l.weightGrad = factory.NewMatrix(l.InputSize, l.OutputSize)
	}
	return l.weightGrad
}

func (l *Layer) checkActivation() error {
	if !l.Activation.Valid() {
		return fmt.Errorf("%w: 层的激活函数 %v 未知", ErrInvalidArgument, l.Activation)
	}
	return nil
}

// checkDims 维度检查，不做任何截断或填充
func checkDims(name string, m mat.Matrix, rows, cols int) error {
	r, c := m.Dims()
	if r != rows || c != cols {
		return fmt.Errorf("%w: %s维度应为 %dx%d，实际为 %dx%d", ErrInvalidArgument, name, rows, cols, r, c)
	}
	return nil
}
