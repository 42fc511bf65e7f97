package network

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// LossFunction 损失函数类型
// 两种损失在输出层的导数形式相同（current-target），
// 与匹配的激活函数组合后输出层误差信号总是 current-target
type LossFunction int

const (
	CrossEntropy          LossFunction = iota // 交叉熵，只能与softmax搭配
	HalfSquaredDifference                     // 二分之一平方差，与其余激活函数搭配
)

// 防止log(0)
const minProbability = 1e-10

func (l LossFunction) Valid() bool {
	return l == CrossEntropy || l == HalfSquaredDifference
}

func (l LossFunction) String() string {
	switch l {
	case CrossEntropy:
		return "cross_entropy"
	case HalfSquaredDifference:
		return "half_squared_difference"
	default:
		return fmt.Sprintf("loss(%d)", int(l))
	}
}

// Loss 单个元素的损失
func (l LossFunction) Loss(target, current float64) float64 {
	switch l {
	case CrossEntropy:
		if current < minProbability {
			current = minProbability
		}
		return -target * math.Log(current)
	default:
		d := target - current
		return 0.5 * d * d
	}
}

// Derivative 损失对网络输出的导数
func (l LossFunction) Derivative(target, current float64) float64 {
	return current - target
}

// Total 整个批次的损失之和
func (l LossFunction) Total(target, output mat.Matrix) float64 {
	r, c := output.Dims()
	total := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			total += l.Loss(target.At(i, j), output.At(i, j))
		}
	}
	return total
}

// CheckPairing 检查激活函数与损失函数是否匹配
// softmax只能与交叉熵搭配，其余激活函数只能与二分之一平方差搭配
func CheckPairing(activation ActivationFunction, loss LossFunction) error {
	if !activation.Valid() || !loss.Valid() {
		return fmt.Errorf("%w: 未知的激活函数 %v 或损失函数 %v", ErrInvalidArgument, activation, loss)
	}
	if (activation == Softmax) != (loss == CrossEntropy) {
		return fmt.Errorf("%w: 激活函数 %v 不能与损失函数 %v 搭配", ErrInvalidArgument, activation, loss)
	}
	return nil
}

// DefaultLoss 返回与激活函数匹配的损失函数
func DefaultLoss(activation ActivationFunction) LossFunction {
	if activation == Softmax {
		return CrossEntropy
	}
	return HalfSquaredDifference
}

// ParseLoss 根据名称解析损失函数
func ParseLoss(name string) (LossFunction, error) {
	switch strings.ToLower(name) {
	case "cross_entropy", "crossentropy":
		return CrossEntropy, nil
	case "half_squared_difference", "halfsquareddifference", "mse":
		return HalfSquaredDifference, nil
	}
	return 0, fmt.Errorf("%w: 未知的损失函数 %q", ErrInvalidArgument, name)
}
