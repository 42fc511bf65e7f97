package network

import (
	"fmt"
	"math"
)

// DefaultDropoutKeep 开启dropout时默认的保留概率
const DefaultDropoutKeep = 0.5

// TrainingConfiguration 训练超参数配置
// 挂载到网络上时dropout生效；从网络卸下时若训练中用过dropout会缩放权重
type TrainingConfiguration struct {
	// 学习率
	LearningRate float64
	// 是否开启dropout
	Dropout bool
	// dropout时隐藏层输出的保留概率
	DropoutKeep float64
	// L1(lasso)正则化
	L1       bool
	L1Factor float64
	// L2(ridge)正则化
	L2       bool
	L2Factor float64
	// 损失函数
	Loss LossFunction
}

// NewTrainingConfiguration 创建一个默认的训练配置
func NewTrainingConfiguration() *TrainingConfiguration {
	return &TrainingConfiguration{
		LearningRate: 1.0,
		Dropout:      false,
		DropoutKeep:  DefaultDropoutKeep,
		Loss:         HalfSquaredDifference,
	}
}

// Validate 检查配置本身的取值
func (c *TrainingConfiguration) Validate() error {
	if err := checkLearningRate(c.LearningRate); err != nil {
		return err
	}
	if err := checkKeepProbability(c.DropoutKeep); err != nil {
		return err
	}
	if !c.Loss.Valid() {
		return fmt.Errorf("%w: 未知的损失函数 %v", ErrInvalidArgument, c.Loss)
	}
	return nil
}

// checkLearningRate 学习率必须是有限值
func checkLearningRate(rate float64) error {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return fmt.Errorf("%w: 学习率 %v 非法", ErrInvalidArgument, rate)
	}
	return nil
}

// keep 返回隐藏层输出实际使用的保留概率
func (c *TrainingConfiguration) keep() float64 {
	if c == nil || !c.Dropout {
		return 1
	}
	return c.DropoutKeep
}

// Regularization 根据当前权重计算正则化梯度项
type Regularization func(weight float64) float64

// Lasso L1正则化：按权重符号加减factor
func Lasso(factor float64) Regularization {
	return func(w float64) float64 {
		switch {
		case w > 0:
			return factor
		case w < 0:
			return -factor
		default:
			return 0
		}
	}
}

// Ridge L2正则化：factor乘以权重
func Ridge(factor float64) Regularization {
	return func(w float64) float64 { return factor * w }
}

// Regularization 返回配置对应的正则化函数，未开启时返回nil
func (c *TrainingConfiguration) Regularization() Regularization {
	if c == nil {
		return nil
	}
	switch {
	case c.L1 && c.L2:
		l1, l2 := Lasso(c.L1Factor), Ridge(c.L2Factor)
		return func(w float64) float64 { return l1(w) + l2(w) }
	case c.L1:
		return Lasso(c.L1Factor)
	case c.L2:
		return Ridge(c.L2Factor)
	default:
		return nil
	}
}
