package network

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

/*
该文件包含激活函数的定义
每个激活函数是一张分派表中的一项：前向变换、以输出表示的导数以及是否可单独折叠
*/

// ActivationFunction 激活函数类型，取值同时也是序列化时的激活函数编号
type ActivationFunction int

const (
	Identity ActivationFunction = iota // 恒等函数
	ReLU                               // ReLU激活函数
	Sigmoid                            // Sigmoid激活函数
	Softmax                            // Softmax激活函数（按行归一化）
	Tanh                               // 双曲正切激活函数
)

// activator 分派表中的一项
type activator struct {
	name string
	// forward 逐元素前向变换，softmax为nil
	forward func(x float64) float64
	// rowwise 按行前向变换，仅softmax使用
	rowwise func(row []float64)
	// derivative 用激活后的输出表示的导数
	derivative func(out float64) float64
	// singleFolded 导数能否只用自身输出表示
	singleFolded bool
}

var activators = [...]activator{
	Identity: {
		name:         "identity",
		forward:      func(x float64) float64 { return x },
		derivative:   func(float64) float64 { return 1 },
		singleFolded: true,
	},
	ReLU: {
		name: "relu",
		forward: func(x float64) float64 {
			if x > 0 {
				return x
			}
			return 0
		},
		derivative: func(out float64) float64 {
			if out > 0 {
				return 1
			}
			return 0
		},
		singleFolded: true,
	},
	Sigmoid: {
		name:         "sigmoid",
		forward:      func(x float64) float64 { return 1 / (1 + math.Exp(-x)) },
		derivative:   func(out float64) float64 { return out * (1 - out) },
		singleFolded: true,
	},
	Softmax: {
		name:    "softmax",
		rowwise: softmaxRow,
		// softmax的导数已经折叠进交叉熵损失
		derivative:   func(float64) float64 { return 1 },
		singleFolded: false,
	},
	Tanh: {
		name:         "tanh",
		forward:      math.Tanh,
		derivative:   func(out float64) float64 { return 1 - out*out },
		singleFolded: true,
	},
}

// softmaxRow 对一行做softmax，先减去行最大值防止溢出
func softmaxRow(row []float64) {
	maxVal := floats.Max(row)
	for i, v := range row {
		row[i] = math.Exp(v - maxVal)
	}
	floats.Scale(1/floats.Sum(row), row)
}

// Valid 判断是否为已知的激活函数
func (a ActivationFunction) Valid() bool {
	return a >= Identity && int(a) < len(activators)
}

func (a ActivationFunction) String() string {
	if !a.Valid() {
		return fmt.Sprintf("activation(%d)", int(a))
	}
	return activators[a].name
}

// SingleFolded softmax以外的激活函数都可以只用输出求导
func (a ActivationFunction) SingleFolded() bool {
	return activators[a].singleFolded
}

// Derivative 以激活输出表示的导数
func (a ActivationFunction) Derivative(out float64) float64 {
	return activators[a].derivative(out)
}

// Activate 对整个批次原地做前向变换
func (a ActivationFunction) Activate(m *mat.Dense) {
	act := activators[a]
	if act.rowwise != nil {
		rows, _ := m.Dims()
		for i := 0; i < rows; i++ {
			act.rowwise(m.RawRowView(i))
		}
		return
	}
	m.Apply(func(_, _ int, v float64) float64 { return act.forward(v) }, m)
}

// ActivateDropout 前向变换后再做dropout
// 每个元素独立地以keep的概率保留，保留的元素不缩放，丢弃的元素置零
// mask不为nil时记录每个元素的抽样结果（1保留，0丢弃）
func (a ActivationFunction) ActivateDropout(m *mat.Dense, keep float64, src rand.Source, mask *mat.Dense) error {
	if err := checkKeepProbability(keep); err != nil {
		return err
	}
	if mask != nil {
		mr, mc := mask.Dims()
		r, c := m.Dims()
		if mr != r || mc != c {
			return fmt.Errorf("%w: dropout掩码维度 %dx%d 与输出维度 %dx%d 不一致", ErrInvalidArgument, mr, mc, r, c)
		}
	}
	a.Activate(m)
	if keep == 1 {
		if mask != nil {
			fillOnes(mask)
		}
		return nil
	}
	bernoulli := distuv.Bernoulli{P: keep, Src: src}
	m.Apply(func(i, j int, v float64) float64 {
		kept := bernoulli.Rand()
		if mask != nil {
			mask.Set(i, j, kept)
		}
		return v * kept
	}, m)
	return nil
}

// checkKeepProbability 保留概率必须在(0,1]之间
func checkKeepProbability(keep float64) error {
	if !(keep > 0 && keep <= 1) {
		return fmt.Errorf("%w: dropout保留概率 %v 不在 (0,1] 范围内", ErrInvalidArgument, keep)
	}
	return nil
}

func fillOnes(m *mat.Dense) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		for j := range row {
			row[j] = 1
		}
	}
}

// ParseActivation 根据名称解析激活函数，不区分大小写
func ParseActivation(name string) (ActivationFunction, error) {
	for i, act := range activators {
		if strings.EqualFold(act.name, name) {
			return ActivationFunction(i), nil
		}
	}
	return 0, fmt.Errorf("%w: 未知的激活函数 %q", ErrInvalidArgument, name)
}
