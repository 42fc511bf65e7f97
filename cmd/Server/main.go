package main

import (
	"NNEngine/pkg/network"
	"NNEngine/pkg/server"
	"flag"
	"fmt"
	"log"
	"strings"
)

func main() {
	cfg := server.NewServerConfig()
	flag.StringVar(&cfg.Port, "port", cfg.Port, "HTTP监听端口")
	flag.IntVar(&cfg.DefaultBatchSize, "batch", cfg.DefaultBatchSize, "训练请求默认批次大小")
	maxBodyMB := flag.Int64("max-body", cfg.MaxBodyBytes>>20, "请求体大小上限（MB）")
	models := flag.String("models", "", "启动时加载的权重文件，逗号分隔")
	flag.Parse()
	cfg.MaxBodyBytes = *maxBodyMB << 20

	hs := server.NewHTTPServer(cfg)
	for _, path := range strings.Split(*models, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		nn, err := network.LoadFile(path)
		if err != nil {
			log.Fatalf("加载权重文件 %s 失败: %v", path, err)
		}
		m := hs.Models.Add(nn)
		fmt.Printf("权重文件 %s 已加载为模型 %s\n", path, m.ID)
	}

	if err := hs.Start(); err != nil {
		log.Fatalf("模型服务器退出: %v", err)
	}
}
