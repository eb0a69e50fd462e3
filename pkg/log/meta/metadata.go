package meta

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Key 元信息的键
type Key string

const (
	RequestID Key = "request_id"
	UserID    Key = "user_id"
)

// 元信息对象，并发安全
type metadata struct {
	mu      sync.RWMutex
	carrier map[Key]interface{}
}

type contextKey struct{}

var metaContextKey = contextKey{}

// Begin 在上下文中注入元信息对象，应尽量靠近根上下文调用
// 父上下文已包含元信息时直接返回父上下文
func Begin(parent context.Context) context.Context {
	if parent.Value(metaContextKey) != nil {
		return parent
	}
	return context.WithValue(parent, metaContextKey, &metadata{carrier: make(map[Key]interface{})})
}

func metadataFrom(ctx context.Context) *metadata {
	m, _ := ctx.Value(metaContextKey).(*metadata)
	if m == nil {
		logrus.Debug("meta not found from context, should call meta.Begin() first?")
	}
	return m
}

// WithValue 写入元信息，未调用Begin时忽略
func WithValue(ctx context.Context, key Key, val interface{}) {
	m := metadataFrom(ctx)
	if m == nil {
		return
	}
	m.mu.Lock()
	m.carrier[key] = val
	m.mu.Unlock()
}

func Value(ctx context.Context, key Key) interface{} {
	m := metadataFrom(ctx)
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.carrier[key]
}

// Fields 返回元信息快照，用于日志
func Fields(ctx context.Context) map[string]interface{} {
	m := metadataFrom(ctx)
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]interface{}, len(m.carrier))
	for k, v := range m.carrier {
		out[string(k)] = v
	}
	return out
}
