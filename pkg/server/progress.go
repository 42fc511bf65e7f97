package server

import (
	"sync"
	"time"
)

// ProgressEvent 每个训练批次推送一次的进度
type ProgressEvent struct {
	ModelID   string    `json:"model_id"`
	Step      int       `json:"step"`
	Loss      float64   `json:"loss"`
	Timestamp time.Time `json:"timestamp"`
}

// 每个订阅者缓冲的事件数，读得慢的订阅者会丢事件
const progressBuffer = 256

// progressHub 一个模型的训练进度订阅者集合
type progressHub struct {
	mu     sync.Mutex
	subs   map[chan ProgressEvent]struct{}
	closed bool
}

func newProgressHub() *progressHub {
	return &progressHub{subs: make(map[chan ProgressEvent]struct{})}
}

// subscribe 注册订阅者，hub已关闭时返回已关闭的通道
func (h *progressHub) subscribe() chan ProgressEvent {
	ch := make(chan ProgressEvent, progressBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subs[ch] = struct{}{}
	return ch
}

func (h *progressHub) unsubscribe(ch chan ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// publish 不阻塞地推送给所有订阅者
func (h *progressHub) publish(ev ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *progressHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
