package server

import (
	"NNEngine/pkg/network"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrModelNotFound 模型ID未注册
var ErrModelNotFound = errors.New("模型不存在")

// Model 服务器上的一个模型
// 训练和替换权重持有写锁，推理持有读锁
type Model struct {
	ID        string
	CreatedAt time.Time

	// 注册顺序
	seq uint64

	mu      sync.RWMutex
	network *network.NeuronNetwork
	// 训练过的模型持有挂载在网络上的训练器，卸下前一直保留
	trainer *network.Trainer
	// 累计训练步数
	steps    int
	progress *progressHub
}

// ModelInfo 模型的摘要信息
type ModelInfo struct {
	ID          string    `json:"id"`
	Inputs      int       `json:"inputs"`
	Structure   [][2]int  `json:"structure"`
	Activations []string  `json:"activations"`
	Configured  bool      `json:"configured"`
	Steps       int       `json:"steps"`
	CreatedAt   time.Time `json:"created_at"`
}

// Info 在读锁下生成摘要信息
func (m *Model) Info() ModelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info()
}

// info 调用方必须持有锁
func (m *Model) info() ModelInfo {
	nn := m.network
	activations := make([]string, nn.Depth())
	for i := range activations {
		activations[i] = nn.Layer(i).Activation.String()
	}
	return ModelInfo{
		ID:          m.ID,
		Inputs:      nn.InputSize(),
		Structure:   nn.Structure(),
		Activations: activations,
		Configured:  nn.Configuration() != nil,
		Steps:       m.steps,
		CreatedAt:   m.CreatedAt,
	}
}

// Registry 模型注册表
type Registry struct {
	mu      sync.RWMutex
	models  map[string]*Model
	nextSeq uint64
}

// NewRegistry 创建空的模型注册表
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*Model)}
}

// Add 注册一个网络并分配模型ID
func (r *Registry) Add(nn *network.NeuronNetwork) *Model {
	m := &Model{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		network:   nn,
		progress:  newProgressHub(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m.seq = r.nextSeq
	r.nextSeq++
	r.models[m.ID] = m
	fmt.Printf("模型 %s 已注册，结构: %v\n", m.ID, nn.Structure())
	return m
}

// Get 按ID查找模型
func (r *Registry) Get(id string) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return m, nil
}

// Remove 注销模型并关闭它的进度订阅
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	m, ok := r.models[id]
	delete(r.models, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	m.progress.close()
	fmt.Printf("模型 %s 已注销\n", id)
	return nil
}

// List 按注册顺序返回所有模型
func (r *Registry) List() []*Model {
	r.mu.RLock()
	models := make([]*Model, 0, len(r.models))
	for _, m := range r.models {
		models = append(models, m)
	}
	r.mu.RUnlock()
	sort.Slice(models, func(i, j int) bool {
		return models[i].seq < models[j].seq
	})
	return models
}
