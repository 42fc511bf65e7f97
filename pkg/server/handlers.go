package server

import (
	"NNEngine/pkg/network"
	"NNEngine/pkg/training"
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gonum.org/v1/gonum/mat"
)

// LayerRequest 创建模型时的一层
type LayerRequest struct {
	Outputs    int    `json:"outputs"`
	Activation string `json:"activation"`
}

// CreateModelRequest 创建模型请求体
type CreateModelRequest struct {
	Inputs int            `json:"inputs"`
	Layers []LayerRequest `json:"layers"`
	Seed   *uint64        `json:"seed"`
}

// InvokeRequest 推理请求体，每行一个样本
type InvokeRequest struct {
	Inputs [][]float64 `json:"inputs"`
}

// InvokeResponse 推理响应体
type InvokeResponse struct {
	Outputs [][]float64 `json:"outputs"`
}

// TrainRequest 训练请求体，未给出的超参数取服务器默认值
type TrainRequest struct {
	Inputs       [][]float64 `json:"inputs"`
	Targets      [][]float64 `json:"targets"`
	Epochs       int         `json:"epochs"`
	BatchSize    int         `json:"batch_size"`
	LearningRate *float64    `json:"learning_rate"`
	Dropout      bool        `json:"dropout"`
	DropoutKeep  *float64    `json:"dropout_keep"`
	L1           float64     `json:"l1"`
	L2           float64     `json:"l2"`
	Loss         string      `json:"loss"`
	Seed         uint64      `json:"seed"`
}

// TrainResponse 训练响应体
type TrainResponse struct {
	LossHistory []float64 `json:"loss_history"`
	Steps       int       `json:"steps"`
	Model       ModelInfo `json:"model"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// statusOf 错误到HTTP状态码的映射
func statusOf(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, ErrModelNotFound):
		return http.StatusNotFound
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, network.ErrInvalidArgument),
		errors.Is(err, network.ErrCorruptData),
		errors.Is(err, network.ErrUnsupportedVersion):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondError(ctx *gin.Context, err error) {
	ctx.JSON(statusOf(err), gin.H{"error": err.Error()})
}

// toDense 把JSON二维数组转换为矩阵，每行长度必须相同
func toDense(name string, rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("%w: %s为空", network.ErrInvalidArgument, name)
	}
	cols := len(rows[0])
	m := mat.NewDense(len(rows), cols, nil)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("%w: %s第 %d 行长度 %d 与第一行长度 %d 不一致", network.ErrInvalidArgument, name, i, len(row), cols)
		}
		m.SetRow(i, row)
	}
	return m, nil
}

func fromDense(m mat.Matrix) [][]float64 {
	r, c := m.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = mat.Row(make([]float64, c), i, m)
	}
	return rows
}

// createModelHandler 按拓扑创建随机初始化的模型
func (hs *HTTPServer) createModelHandler(ctx *gin.Context) {
	var req CreateModelRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	builder := network.NewBuilder(req.Inputs)
	for _, layer := range req.Layers {
		act := network.Sigmoid
		if layer.Activation != "" {
			var err error
			if act, err = network.ParseActivation(layer.Activation); err != nil {
				respondError(ctx, err)
				return
			}
		}
		builder.Layer(layer.Outputs, act)
	}
	if req.Seed != nil {
		builder.Seed(*req.Seed)
	}
	nn, err := builder.Build()
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, hs.Models.Add(nn).Info())
}

// listModelsHandler 列出所有模型
func (hs *HTTPServer) listModelsHandler(ctx *gin.Context) {
	models := hs.Models.List()
	infos := make([]ModelInfo, len(models))
	for i, m := range models {
		infos[i] = m.Info()
	}
	ctx.JSON(http.StatusOK, gin.H{"models": infos})
}

// getModelHandler 查询单个模型
func (hs *HTTPServer) getModelHandler(ctx *gin.Context) {
	m, err := hs.Models.Get(ctx.Param("id"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, m.Info())
}

// deleteModelHandler 注销模型
func (hs *HTTPServer) deleteModelHandler(ctx *gin.Context) {
	if err := hs.Models.Remove(ctx.Param("id")); err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// invokeHandler 批量推理，不带dropout
func (hs *HTTPServer) invokeHandler(ctx *gin.Context) {
	m, err := hs.Models.Get(ctx.Param("id"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	var req InvokeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	input, err := toDense("输入", req.Inputs)
	if err != nil {
		respondError(ctx, err)
		return
	}

	m.mu.RLock()
	out, err := m.network.NewInvoker(len(req.Inputs)).Invoke(input)
	var outputs [][]float64
	if err == nil {
		outputs = fromDense(out)
	}
	m.mu.RUnlock()
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, InvokeResponse{Outputs: outputs})
}

// trainConfig 由请求体和服务器默认值得到训练参数
func (hs *HTTPServer) trainConfig(req *TrainRequest) *training.TrainConfig {
	cfg := training.NewTrainConfig()
	cfg.Verbose = false
	cfg.Epochs = max(req.Epochs, 1)
	cfg.BatchSize = hs.config.DefaultBatchSize
	if req.BatchSize > 0 {
		cfg.BatchSize = req.BatchSize
	}
	if req.LearningRate != nil {
		cfg.LearningRate = *req.LearningRate
	}
	cfg.Dropout = req.Dropout
	if req.DropoutKeep != nil {
		cfg.DropoutKeep = *req.DropoutKeep
	}
	cfg.L1 = req.L1
	cfg.L2 = req.L2
	cfg.Seed = req.Seed
	return cfg
}

// trainHandler 在模型上训练若干轮，训练配置保持挂载直到detach
func (hs *HTTPServer) trainHandler(ctx *gin.Context) {
	m, err := hs.Models.Get(ctx.Param("id"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	var req TrainRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	inputs, err := toDense("输入", req.Inputs)
	if err != nil {
		respondError(ctx, err)
		return
	}
	targets, err := toDense("目标", req.Targets)
	if err != nil {
		respondError(ctx, err)
		return
	}
	cfg := hs.trainConfig(&req)
	if err := cfg.Validate(); err != nil {
		respondError(ctx, err)
		return
	}
	var loss network.LossFunction
	if req.Loss != "" {
		if loss, err = network.ParseLoss(req.Loss); err != nil {
			respondError(ctx, err)
			return
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trainer == nil {
		if m.trainer, err = training.NewTrainer(m.network, cfg); err != nil {
			respondError(ctx, err)
			return
		}
	} else if err := training.Configure(m.trainer, cfg); err != nil {
		respondError(ctx, err)
		return
	}
	if req.Loss != "" {
		if _, err := m.trainer.Error(loss); err != nil {
			respondError(ctx, err)
			return
		}
	}

	startSteps := m.steps
	cfg.OnStep = func(_ int, batchLoss float64) {
		m.steps++
		m.progress.publish(ProgressEvent{
			ModelID:   m.ID,
			Step:      m.steps,
			Loss:      batchLoss,
			Timestamp: time.Now(),
		})
	}
	history, err := training.Fit(m.trainer, inputs, targets, cfg)
	if err != nil {
		respondError(ctx, err)
		return
	}
	fmt.Printf("模型 %s 训练 %d 轮完成，最终平均损失: %.4f\n", m.ID, cfg.Epochs, history[len(history)-1])
	ctx.JSON(http.StatusOK, TrainResponse{
		LossHistory: history,
		Steps:       m.steps - startSteps,
		Model:       m.info(),
	})
}

// detachHandler 卸下训练配置，训练中用过dropout时权重在此缩放
func (hs *HTTPServer) detachHandler(ctx *gin.Context) {
	m, err := hs.Models.Get(ctx.Param("id"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trainer != nil {
		err = m.trainer.Close()
		m.trainer = nil
		if err != nil {
			respondError(ctx, err)
			return
		}
	}
	ctx.JSON(http.StatusOK, m.info())
}

// getWeightsHandler 下载二进制权重，version为1（64位）或2（32位）
func (hs *HTTPServer) getWeightsHandler(ctx *gin.Context) {
	m, err := hs.Models.Get(ctx.Param("id"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	version, err := strconv.ParseUint(ctx.DefaultQuery("version", "1"), 10, 8)
	if err != nil {
		respondError(ctx, fmt.Errorf("%w: 版本号 %q", network.ErrUnsupportedVersion, ctx.Query("version")))
		return
	}

	var buf bytes.Buffer
	m.mu.RLock()
	_, err = m.network.WriteVersion(&buf, byte(version))
	m.mu.RUnlock()
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.bin", m.ID))
	ctx.Data(http.StatusOK, "application/octet-stream", buf.Bytes())
}

// putWeightsHandler 用上传的二进制权重替换模型，拓扑可以改变
func (hs *HTTPServer) putWeightsHandler(ctx *gin.Context) {
	m, err := hs.Models.Get(ctx.Param("id"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	nn, err := network.From(ctx.Request.Body)
	if err != nil {
		respondError(ctx, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// 旧训练器挂载在被替换的网络上，直接丢弃
	m.trainer = nil
	m.network = nn
	fmt.Printf("模型 %s 权重已替换，结构: %v\n", m.ID, nn.Structure())
	ctx.JSON(http.StatusOK, m.info())
}

// progressHandler 通过websocket推送训练进度，每个训练批次一条JSON消息
func (hs *HTTPServer) progressHandler(ctx *gin.Context) {
	m, err := hs.Models.Get(ctx.Param("id"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	// 先订阅再升级，握手完成后的训练事件不会丢失
	events := m.progress.subscribe()
	defer m.progress.unsubscribe(events)

	conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		fmt.Printf("模型 %s 进度连接升级失败: %v\n", m.ID, err)
		return
	}
	defer conn.Close()

	// 读循环只用于发现客户端断开
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "模型已注销"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
