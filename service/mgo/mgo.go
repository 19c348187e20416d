// Package mgo Mongo 连接管理：后台连接、断线重连、就绪通知。
package mgo

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"RandChat/data/database/mgo/mongoutil"
	"RandChat/logger"
	"RandChat/tools/errs"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

type Manager struct {
	cfg *mongoutil.Config

	mu        sync.RWMutex
	client    *mongoutil.Client
	readyCh   chan struct{} // 首次就绪通知；只会被 close 一次
	readyOnce sync.Once

	lastErr atomic.Value // error
}

func NewManager(cfg *mongoutil.Config) *Manager {
	return &Manager{cfg: cfg, readyCh: make(chan struct{})}
}

// Start 一直运行到 ctx.Done()；首次连上时 close readyCh，掉线后自动重连
func (m *Manager) Start(ctx context.Context) {
	go func() {
		for {
			if !m.connect(ctx) {
				return
			}
			m.watch(ctx)
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

// connect 带退避重试，ctx 结束返回 false
func (m *Manager) connect(ctx context.Context) bool {
	const (
		baseBackoff = 200 * time.Millisecond
		maxBackoff  = 5 * time.Second
	)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return false
		}
		cli, err := mongoutil.NewMongoDB(ctx, m.cfg)
		if err == nil {
			m.mu.Lock()
			m.client = cli
			m.mu.Unlock()
			m.readyOnce.Do(func() { close(m.readyCh) })
			logger.Info("[Mongo] connected", zap.String("database", m.cfg.Database))
			return true
		}
		m.lastErr.Store(err)
		logger.Warn("[Mongo] connect failed", zap.Int("attempt", attempt), zap.Error(err))

		backoff := baseBackoff << attempt
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		jitter := time.Duration(rand.Int63n(int64(backoff/5) + 1))
		timer := time.NewTimer(backoff - jitter/2)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		if attempt < 6 {
			attempt++
		}
	}
}

// watch 周期 ping，连续失败达到阈值后断开并返回，由外层重连
func (m *Manager) watch(ctx context.Context) {
	const (
		healthEvery = 10 * time.Second
		failThresh  = 3
	)
	t := time.NewTicker(healthEvery)
	defer t.Stop()
	fail := 0
	for {
		select {
		case <-ctx.Done():
			m.drop()
			return
		case <-t.C:
			db, ok := m.TryDB()
			if !ok {
				return
			}
			if err := db.Client().Ping(ctx, nil); err != nil {
				fail++
				m.lastErr.Store(err)
				if fail >= failThresh {
					logger.Warn("[Mongo] health check failed, reconnecting", zap.Error(err))
					m.drop()
					return
				}
				continue
			}
			fail = 0
		}
	}
}

func (m *Manager) drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		_ = m.client.Disconnect(context.Background())
		m.client = nil
	}
}

// Ready 首次连接成功时会 close
func (m *Manager) Ready() <-chan struct{} { return m.readyCh }

// Err 最近一次错误
func (m *Manager) Err() error {
	if v := m.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (m *Manager) TryDB() (*mongo.Database, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, false
	}
	return m.client.GetDB(), true
}

// WaitReady 等待首次就绪
func (m *Manager) WaitReady(ctx context.Context) error {
	if _, ok := m.TryDB(); ok {
		return nil
	}
	select {
	case <-m.readyCh:
		return nil
	case <-ctx.Done():
		return errs.WrapMsg(ctx.Err(), "mongo not ready", "lastErr", m.Err())
	}
}
