package events

import (
	"log"
	"sync"
	"sync/atomic"
)

type Handler func(CollaborationEvent)

// Dispatcher 进程内同步扇出，按事件类型注册监听。
// Go 的函数值不可比较，注销用 AddListener 返回的订阅 ID。
// 单个 handler panic 会被捕获并打日志，绝不影响其余 handler 和分发器状态。
type Dispatcher struct {
	mu     sync.RWMutex
	nextID uint64
	// kind -> 订阅ID -> handler
	listeners map[Kind]map[uint64]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{listeners: make(map[Kind]map[uint64]Handler)}
}

// AddListener 注册监听，返回用于注销的订阅 ID。
func (d *Dispatcher) AddListener(kind Kind, h Handler) uint64 {
	id := atomic.AddUint64(&d.nextID, 1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listeners[kind] == nil {
		d.listeners[kind] = make(map[uint64]Handler)
	}
	d.listeners[kind][id] = h
	return id
}

func (d *Dispatcher) RemoveListener(kind Kind, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if hs, ok := d.listeners[kind]; ok {
		delete(hs, id)
		if len(hs) == 0 {
			delete(d.listeners, kind)
		}
	}
}

// Dispatch 同步调用该类型的所有 handler。
func (d *Dispatcher) Dispatch(evt CollaborationEvent) {
	d.mu.RLock()
	hs := make([]Handler, 0, len(d.listeners[evt.Kind]))
	for _, h := range d.listeners[evt.Kind] {
		hs = append(hs, h)
	}
	d.mu.RUnlock()

	for _, h := range hs {
		safeCall(h, evt)
	}
}

func safeCall(h Handler, evt CollaborationEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("event handler panic (kind=%s, session=%s): %v", evt.Kind, evt.SessionID, r)
		}
	}()
	h(evt)
}
