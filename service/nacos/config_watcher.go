package nacos

import (
	"context"
	"sync"

	"RandChat/logger"
	"RandChat/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// ConfigSource config_client.IConfigClient 的子集
type ConfigSource interface {
	GetConfig(param vo.ConfigParam) (string, error)
	ListenConfig(param vo.ConfigParam) error
	CancelListenConfig(param vo.ConfigParam) error
}

// Watcher 读取一次远端配置并持续监听变化
type Watcher struct {
	src    ConfigSource
	dataID string
	group  string

	mu      sync.RWMutex
	current string
}

func NewWatcher(src ConfigSource, dataID, group string) *Watcher {
	return &Watcher{src: src, dataID: dataID, group: group}
}

// Watch 首次内容与后续变更都交给 onChange；阻塞到 ctx 结束
func (w *Watcher) Watch(ctx context.Context, onChange func(data string)) error {
	content, err := w.src.GetConfig(vo.ConfigParam{DataId: w.dataID, Group: w.group})
	if err != nil {
		return errs.WrapMsg(err, "get nacos config", "dataId", w.dataID, "group", w.group)
	}
	w.update(content, onChange)

	param := vo.ConfigParam{
		DataId: w.dataID,
		Group:  w.group,
		OnChange: func(_, _, dataID, data string) {
			logger.Info("[Nacos] config changed", zap.String("dataId", dataID), zap.Int("len", len(data)))
			w.update(data, onChange)
		},
	}
	if err := w.src.ListenConfig(param); err != nil {
		return errs.WrapMsg(err, "listen nacos config", "dataId", w.dataID)
	}

	<-ctx.Done()
	if err := w.src.CancelListenConfig(param); err != nil {
		logger.Warn("[Nacos] cancel listen failed", zap.Error(err))
	}
	return nil
}

func (w *Watcher) update(data string, onChange func(string)) {
	w.mu.Lock()
	w.current = data
	w.mu.Unlock()
	if data != "" && onChange != nil {
		onChange(data)
	}
}

func (w *Watcher) Current() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}
