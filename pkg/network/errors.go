package network

import "errors"

// 网络层公共错误，调用方通过 errors.Is 判断
var (
	// ErrInvalidArgument 参数非法：维度不一致、保留概率越界、激活函数与损失函数不匹配等
	ErrInvalidArgument = errors.New("无效参数")
	// ErrUnsupportedVersion 权重文件版本号未知
	ErrUnsupportedVersion = errors.New("不支持的权重格式版本")
	// ErrCorruptData 权重数据被截断或损坏
	ErrCorruptData = errors.New("权重数据损坏")
)
