package kafka

import (
	"context"
	"reflect"
	"sync"

	"RandChat/tools/errs"
)

type MessageHandler func(ctx context.Context, topic string, key, value []byte) error

// Router topic -> handler
type Router struct {
	mu       sync.RWMutex
	handlers map[string]MessageHandler
}

func NewRouter() *Router { return &Router{handlers: make(map[string]MessageHandler)} }

// Register 同一函数重复注册幂等；不同函数争夺同一 topic 时保留旧的
func (r *Router) Register(topic string, h MessageHandler) (ok bool, duplicated bool) {
	if h == nil {
		return false, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, exists := r.handlers[topic]; exists {
		if reflect.ValueOf(old).Pointer() == reflect.ValueOf(h).Pointer() {
			return true, true
		}
		return false, true
	}
	r.handlers[topic] = h
	return true, false
}

func (r *Router) Handler(topic string) (MessageHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[topic]; ok {
		return h, nil
	}
	return nil, errs.New("no handler registered for topic", "topic", topic)
}

func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
