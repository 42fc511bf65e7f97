package main

import (
	"NNEngine/pkg/dataProcess"
	"NNEngine/pkg/network"
	"NNEngine/pkg/training"
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"
)

// parseHidden 解析逗号分隔的隐藏层节点数
func parseHidden(s string) ([]int, error) {
	var sizes []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("隐藏层节点数 %q 非法", part)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}

// parseVersion 只接受已知的权重文件版本
func parseVersion(v uint) (byte, error) {
	switch v {
	case uint(network.Version64), uint(network.Version32):
		return byte(v), nil
	default:
		return 0, fmt.Errorf("权重文件版本 %d 非法，只支持1或2", v)
	}
}

func main() {
	cfg := training.NewTrainConfig()
	dataDir := flag.String("data", "test/data", "MNIST数据集目录")
	hidden := flag.String("hidden", "64,64,64", "逗号分隔的隐藏层节点数")
	activation := flag.String("activation", "relu", "隐藏层激活函数")
	limit := flag.Int("limit", 0, "只使用前N个训练样本，0表示全部")
	seed := flag.Uint64("seed", 42, "随机数种子")
	flag.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "训练轮数")
	flag.IntVar(&cfg.BatchSize, "batch", cfg.BatchSize, "批次大小")
	flag.Float64Var(&cfg.LearningRate, "rate", cfg.LearningRate, "学习率（梯度按批次求和）")
	flag.BoolVar(&cfg.Dropout, "dropout", false, "隐藏层开启dropout")
	flag.Float64Var(&cfg.DropoutKeep, "keep", cfg.DropoutKeep, "dropout保留概率")
	flag.Float64Var(&cfg.L1, "l1", 0, "L1正则化系数")
	flag.Float64Var(&cfg.L2, "l2", 0, "L2正则化系数")
	flag.StringVar(&cfg.CheckpointPath, "out", "", "训练结束后保存权重的文件")
	version := flag.Uint("version", uint(network.Version64), "权重文件版本：1为64位，2为32位")
	flag.Parse()
	cfg.Seed = *seed
	checkpointVersion, err := parseVersion(*version)
	if err != nil {
		log.Fatalf("%v", err)
	}
	cfg.CheckpointVersion = checkpointVersion

	// 加载数据集
	trainDataset, testDataset, err := dataProcess.LoadDataset(*dataDir)
	if err != nil {
		log.Fatalf("加载数据集失败: %v", err)
	}
	trainDataset = trainDataset.Subset(*limit)

	// 打印数据集信息
	fmt.Printf("训练数据集包含 %d 个样本\n", trainDataset.Len())
	fmt.Printf("测试数据集包含 %d 个样本\n", testDataset.Len())

	hiddenSizes, err := parseHidden(*hidden)
	if err != nil {
		log.Fatalf("%v", err)
	}
	hiddenAct, err := network.ParseActivation(*activation)
	if err != nil {
		log.Fatalf("%v", err)
	}

	// 定义神经网络
	builder := network.NewBuilder(trainDataset.InputSize()).Seed(*seed)
	for _, n := range hiddenSizes {
		builder.Layer(n, hiddenAct)
	}
	nn, err := builder.Layer(cfg.NumClasses, network.Softmax).Build()
	if err != nil {
		log.Fatalf("创建神经网络失败: %v", err)
	}
	fmt.Print(nn)

	fmt.Println("开始训练模型...")
	if _, err := training.TrainModel(nn, trainDataset, testDataset, cfg); err != nil {
		log.Fatalf("训练失败: %v", err)
	}

	// 展示一些测试样本的预测结果
	sample := testDataset.Subset(10)
	testInputs, _, err := training.PrepareData(sample, cfg.NumClasses)
	if err != nil {
		log.Fatalf("准备测试数据失败: %v", err)
	}
	predictions, err := training.Predict(nn, testInputs)
	if err != nil {
		log.Fatalf("预测失败: %v", err)
	}
	fmt.Println("\n测试样本预测结果:")
	for i, prediction := range predictions {
		fmt.Printf("样本 %d 的预测类别：%d, 真实类别：%d\n", i+1, prediction, sample.Labels[i])
	}
}
