package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ServerConfig 模型服务器配置
type ServerConfig struct {
	// HTTP服务器监听的端口号
	Port string
	// 请求体大小上限（字节），权重上传和训练数据都受此限制
	MaxBodyBytes int64
	// 训练请求未指定时使用的批次大小
	DefaultBatchSize int
}

// NewServerConfig 创建一个默认的服务器配置
func NewServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:             "8080",
		MaxBodyBytes:     64 << 20,
		DefaultBatchSize: 32,
	}
}

// HTTPServer 模型服务器
type HTTPServer struct {
	//Gin框架的路由引擎
	Router *gin.Engine
	//HTTP服务器监听的端口号
	Port string
	//本机IP地址
	LocalIP string
	// 已加载的模型
	Models *Registry

	config *ServerConfig
}

// NewHTTPServer 创建新的模型服务器并注册路由
func NewHTTPServer(config *ServerConfig) *HTTPServer {
	if config == nil {
		config = NewServerConfig()
	}
	// 获取本机IP
	localIP, err := GetLocalIP()
	if err != nil {
		fmt.Printf("警告: 获取本机IP失败: %v\n", err)
		localIP = "未知"
	}

	hs := &HTTPServer{
		Router:  gin.Default(),
		Port:    config.Port,
		LocalIP: localIP,
		Models:  NewRegistry(),
		config:  config,
	}
	hs.registerRoutes()
	return hs
}

func (hs *HTTPServer) registerRoutes() {
	hs.Router.Use(hs.limitBody)

	models := hs.Router.Group("/models")
	models.POST("", hs.createModelHandler)
	models.GET("", hs.listModelsHandler)
	models.GET("/:id", hs.getModelHandler)
	models.DELETE("/:id", hs.deleteModelHandler)
	models.POST("/:id/invoke", hs.invokeHandler)
	models.POST("/:id/train", hs.trainHandler)
	models.POST("/:id/detach", hs.detachHandler)
	models.GET("/:id/weights", hs.getWeightsHandler)
	models.PUT("/:id/weights", hs.putWeightsHandler)
	models.GET("/:id/progress", hs.progressHandler)
}

// limitBody 限制请求体大小
func (hs *HTTPServer) limitBody(ctx *gin.Context) {
	if hs.config.MaxBodyBytes > 0 && ctx.Request.Body != nil {
		ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, hs.config.MaxBodyBytes)
	}
	ctx.Next()
}

// Start 启动HTTP服务器
func (hs *HTTPServer) Start() error {
	fmt.Printf("模型服务器启动中...\n")
	fmt.Printf("本机IP: %s\n", hs.LocalIP)
	fmt.Printf("监听地址: 0.0.0.0:%s\n", hs.Port)
	fmt.Printf("模型列表: http://%s:%s/models\n\n", hs.LocalIP, hs.Port)
	return hs.Router.Run(":" + hs.Port)
}
