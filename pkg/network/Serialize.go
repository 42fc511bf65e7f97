package network

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
)

/*
该文件实现网络权重的二进制读写
格式（大端序）：[版本号:u8]，之后每一层依次为
[激活函数编号:i32][输入数:i32][输出数:i32][输入数*输出数个权重，按行存储][输出数个偏置]
版本号决定元素宽度：1为64位浮点，2为32位浮点
*/

// 权重格式版本
const (
	Version64 byte = 1
	Version32 byte = 2
)

// 单层元素数量上限，防止损坏的头部导致超大分配
const maxLayerElements = 1 << 28

// 读取权重时每次解码的元素个数
const readChunk = 4096

func elementWidth(version byte) (int, error) {
	switch version {
	case Version64:
		return 8, nil
	case Version32:
		return 4, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
}

// WriteTo 以64位精度写出网络，实现io.WriterTo
func (nn *NeuronNetwork) WriteTo(w io.Writer) (int64, error) {
	return nn.WriteVersion(w, Version64)
}

// WriteVersion 按指定版本写出网络拓扑和权重
// 写入中途失败不会回滚，需要原子落盘时由调用方负责
func (nn *NeuronNetwork) WriteVersion(w io.Writer, version byte) (int64, error) {
	width, err := elementWidth(version)
	if err != nil {
		return 0, err
	}
	cw := &countingWriter{w: w}
	bw := bufio.NewWriter(cw)
	write := func(p []byte) error {
		_, err := bw.Write(p)
		return err
	}

	if err := write([]byte{version}); err != nil {
		return cw.n, fmt.Errorf("写入版本号失败: %w", err)
	}
	header := make([]byte, 12)
	elem := make([]byte, width)
	putFloat := func(v float64) error {
		if width == 8 {
			binary.BigEndian.PutUint64(elem, math.Float64bits(v))
		} else {
			binary.BigEndian.PutUint32(elem, math.Float32bits(float32(v)))
		}
		return write(elem)
	}

	for i, layer := range nn.layers {
		binary.BigEndian.PutUint32(header[0:4], uint32(int32(layer.Activation)))
		binary.BigEndian.PutUint32(header[4:8], uint32(int32(layer.InputSize)))
		binary.BigEndian.PutUint32(header[8:12], uint32(int32(layer.OutputSize)))
		if err := write(header); err != nil {
			return cw.n, fmt.Errorf("写入第 %d 层头部失败: %w", i, err)
		}
		for r := 0; r < layer.InputSize; r++ {
			for _, v := range layer.Weights.RawRowView(r) {
				if err := putFloat(v); err != nil {
					return cw.n, fmt.Errorf("写入第 %d 层权重失败: %w", i, err)
				}
			}
		}
		for j := 0; j < layer.OutputSize; j++ {
			if err := putFloat(layer.Biases.AtVec(j)); err != nil {
				return cw.n, fmt.Errorf("写入第 %d 层偏置失败: %w", i, err)
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return cw.n, fmt.Errorf("写入权重失败: %w", err)
	}
	return cw.n, nil
}

// countingWriter 统计真正写入底层writer的字节数
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// From 从输入流重建网络，层一直读到流结束
func From(r io.Reader) (*NeuronNetwork, error) {
	br := bufio.NewReader(r)
	version, err := br.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: 缺少版本号", ErrCorruptData)
		}
		return nil, fmt.Errorf("读取版本号失败: %w", err)
	}
	width, err := elementWidth(version)
	if err != nil {
		return nil, err
	}

	nn := newNetwork(0, nil, rand.NewPCG(rand.Uint64(), rand.Uint64()))
	header := make([]byte, 12)
	chunk := make([]byte, readChunk*width)

	for i := 0; ; i++ {
		if _, err := io.ReadFull(br, header); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, readError(i, "头部", err)
		}
		act := ActivationFunction(int32(binary.BigEndian.Uint32(header[0:4])))
		in := int(int32(binary.BigEndian.Uint32(header[4:8])))
		out := int(int32(binary.BigEndian.Uint32(header[8:12])))
		if !act.Valid() {
			return nil, fmt.Errorf("%w: 第 %d 层激活函数编号 %d 未知", ErrCorruptData, i, int(act))
		}
		if in <= 0 || out <= 0 || int64(in)*int64(out) > maxLayerElements {
			return nil, fmt.Errorf("%w: 第 %d 层维度 %dx%d 非法", ErrCorruptData, i, in, out)
		}
		if i == 0 {
			nn.inputs = in
		} else if prev := nn.layers[i-1]; prev.OutputSize != in {
			return nil, fmt.Errorf("%w: 第 %d 层输入数 %d 与前一层输出数 %d 不一致", ErrInvalidArgument, i, in, prev.OutputSize)
		} else if prev.Activation == Softmax {
			return nil, fmt.Errorf("%w: softmax只能用于输出层，第 %d 层不是输出层", ErrInvalidArgument, i-1)
		}

		// 数据读完之后才分配层，头部声明的维度不直接决定分配大小
		weights, err := readFloats(br, chunk, in*out, width)
		if err != nil {
			return nil, readError(i, "权重", err)
		}
		biases, err := readFloats(br, chunk, out, width)
		if err != nil {
			return nil, readError(i, "偏置", err)
		}
		layer := NewLayer(in, out, act, nn.factory)
		for r := 0; r < in; r++ {
			copy(layer.Weights.RawRowView(r), weights[r*out:(r+1)*out])
		}
		copy(layer.Biases.RawVector().Data, biases)
		nn.layers = append(nn.layers, layer)
	}
	if len(nn.layers) == 0 {
		return nil, fmt.Errorf("%w: 没有任何层", ErrCorruptData)
	}
	return nn, nil
}

// readFloats 分块读取n个元素，结果切片随实际读到的数据增长
func readFloats(r io.Reader, chunk []byte, n, width int) ([]float64, error) {
	values := make([]float64, 0, min(n, readChunk))
	for len(values) < n {
		p := chunk[:min(n-len(values), readChunk)*width]
		if _, err := io.ReadFull(r, p); err != nil {
			return nil, err
		}
		for off := 0; off < len(p); off += width {
			if width == 8 {
				values = append(values, math.Float64frombits(binary.BigEndian.Uint64(p[off:])))
			} else {
				values = append(values, float64(math.Float32frombits(binary.BigEndian.Uint32(p[off:]))))
			}
		}
	}
	return values, nil
}

// readError 层内读到流结束说明数据被截断
func readError(layer int, part string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: 第 %d 层%s被截断", ErrCorruptData, layer, part)
	}
	return fmt.Errorf("读取第 %d 层%s失败: %w", layer, part, err)
}

// SaveFile 把网络写入文件，成功和失败都会关闭文件
func (nn *NeuronNetwork) SaveFile(path string, version byte) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("无法创建权重文件: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("关闭权重文件失败: %w", cerr)
		}
	}()
	_, err = nn.WriteVersion(file, version)
	return err
}

// LoadFile 从文件读取网络
func LoadFile(path string) (*NeuronNetwork, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("无法打开权重文件: %w", err)
	}
	defer file.Close()
	return From(file)
}
