package network

import "gonum.org/v1/gonum/mat"

// MatrixFactory 网络用来分配所有权重和工作缓冲区的数值存储工厂
type MatrixFactory interface {
	NewMatrix(rows, cols int) *mat.Dense
	NewVector(n int) *mat.VecDense
}

// DenseFactory 基于gonum稠密矩阵的默认工厂
type DenseFactory struct{}

func (DenseFactory) NewMatrix(rows, cols int) *mat.Dense {
	return mat.NewDense(rows, cols, nil)
}

func (DenseFactory) NewVector(n int) *mat.VecDense {
	return mat.NewVecDense(n, nil)
}
