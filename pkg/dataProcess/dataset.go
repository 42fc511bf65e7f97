package dataProcess

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

/*
该文件实现数据集的加载
数据集为gzip压缩的IDX格式（MNIST），图像和标签分别存放
*/

// IDX 文件魔数
const (
	imageMagic = 2051
	labelMagic = 2049
)

// MNIST 数据集的默认文件名
const (
	TrainImagesFile = "train-images-idx3-ubyte.gz"
	TrainLabelsFile = "train-labels-idx1-ubyte.gz"
	TestImagesFile  = "t10k-images-idx3-ubyte.gz"
	TestLabelsFile  = "t10k-labels-idx1-ubyte.gz"
)

type Dataset struct {
	Images [][]byte
	Labels []byte
}

// Len 样本数
func (d *Dataset) Len() int {
	return len(d.Images)
}

// InputSize 每个样本的像素数
func (d *Dataset) InputSize() int {
	if len(d.Images) == 0 {
		return 0
	}
	return len(d.Images[0])
}

// Subset 取前n个样本，n不合法时返回整个数据集
func (d *Dataset) Subset(n int) *Dataset {
	if n <= 0 || n >= d.Len() {
		return d
	}
	return &Dataset{Images: d.Images[:n], Labels: d.Labels[:n]}
}

// openGzip 打开gzip文件，返回的关闭函数同时关闭解压流和文件
func openGzip(filename string) (io.Reader, func(), error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, nil, err
	}
	reader, err := gzip.NewReader(file)
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("无法解压缩文件: %w", err)
	}
	return reader, func() {
		reader.Close()
		file.Close()
	}, nil
}

func LoadImages(filename string) ([][]byte, error) {
	reader, closeFn, err := openGzip(filename)
	if err != nil {
		return nil, fmt.Errorf("无法打开图像文件: %w", err)
	}
	defer closeFn()

	// 读取 IDX 头信息（魔数、图像数量、行数、列数）
	var header [4]int32
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("读取图像头信息失败: %w", err)
	}
	magicNumber, numImages, numRows, numCols := header[0], header[1], header[2], header[3]
	if magicNumber != imageMagic {
		return nil, fmt.Errorf("文件格式不正确（魔数 %d 不匹配）", magicNumber)
	}
	if numImages < 0 || numRows <= 0 || numCols <= 0 {
		return nil, fmt.Errorf("图像维度非法: %d 个 %dx%d", numImages, numRows, numCols)
	}

	// 读取图像数据
	images := make([][]byte, numImages)
	for i := range images {
		img := make([]byte, numRows*numCols)
		if _, err := io.ReadFull(reader, img); err != nil {
			return nil, fmt.Errorf("读取第 %d 张图像失败: %w", i, err)
		}
		images[i] = img
	}

	return images, nil
}

// LoadLabels 从 IDX 文件加载标签数据
func LoadLabels(filename string) ([]byte, error) {
	reader, closeFn, err := openGzip(filename)
	if err != nil {
		return nil, fmt.Errorf("无法打开标签文件: %w", err)
	}
	defer closeFn()

	// 魔数用于验证文件的格式是否正确
	var magicNumber, numItems int32
	if err := binary.Read(reader, binary.BigEndian, &magicNumber); err != nil {
		return nil, fmt.Errorf("读取魔数失败: %w", err)
	}
	if magicNumber != labelMagic {
		return nil, fmt.Errorf("文件格式不正确（魔数 %d 不匹配）", magicNumber)
	}
	if err := binary.Read(reader, binary.BigEndian, &numItems); err != nil {
		return nil, fmt.Errorf("读取标签数量失败: %w", err)
	}
	if numItems < 0 {
		return nil, fmt.Errorf("标签数量 %d 非法", numItems)
	}

	labels := make([]byte, numItems)
	if _, err := io.ReadFull(reader, labels); err != nil {
		return nil, fmt.Errorf("读取标签数据失败: %w", err)
	}

	return labels, nil
}

// Load 加载一对图像和标签文件，两者样本数必须一致
func Load(imagesFile, labelsFile string) (*Dataset, error) {
	images, err := LoadImages(imagesFile)
	if err != nil {
		return nil, err
	}
	labels, err := LoadLabels(labelsFile)
	if err != nil {
		return nil, err
	}
	if len(images) != len(labels) {
		return nil, fmt.Errorf("图像数量 %d 与标签数量 %d 不一致", len(images), len(labels))
	}
	return &Dataset{Images: images, Labels: labels}, nil
}

// LoadDataset 从目录dir加载训练和测试数据集
func LoadDataset(dir string) (*Dataset, *Dataset, error) {
	trainDataset, err := Load(filepath.Join(dir, TrainImagesFile), filepath.Join(dir, TrainLabelsFile))
	if err != nil {
		return nil, nil, fmt.Errorf("加载训练数据失败: %w", err)
	}
	testDataset, err := Load(filepath.Join(dir, TestImagesFile), filepath.Join(dir, TestLabelsFile))
	if err != nil {
		return nil, nil, fmt.Errorf("加载测试数据失败: %w", err)
	}
	return trainDataset, testDataset, nil
}
