package service

import (
	"context"
	"log"
	"time"

	"ProductToVideo-server/models"
)

// BatchStore 排水监视器需要的最小存储能力
type BatchStore interface {
	BusyCount(sceneIDs []string) (int, error)
}

// BatchMonitor 批次排水监视器。
// 一批场景被同时派发后，各任务彼此独立，谁也不知道兄弟任务的死活；
// 监视器盯着这批场景的 busy 标志，全部归零时回调 onDrained 并退出。
// UI 由此得知“整批已完成”。
type BatchMonitor struct {
	Store    BatchStore
	Interval time.Duration
}

func NewBatchMonitor(store BatchStore) *BatchMonitor {
	return &BatchMonitor{Store: store, Interval: 2 * time.Second}
}

// Watch 阻塞轮询直到批次排空或 ctx 取消。排空时调用 onDrained。
func (m *BatchMonitor) Watch(ctx context.Context, sceneIDs []string, onDrained func()) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Store.BusyCount(sceneIDs)
			if err != nil {
				// 查询失败继续重试
				log.Printf("[Monitor] 查询在途场景数失败: %v", err)
				continue
			}
			if n == 0 {
				onDrained()
				return
			}
		}
	}
}

// StartBatchMonitor 后台启动监视器；批次排空后清掉项目级 processing 标志
func StartBatchMonitor(store *models.GormSceneStore, projectID string, sceneIDs []string) {
	monitor := NewBatchMonitor(store)
	go monitor.Watch(context.Background(), sceneIDs, func() {
		if err := models.SetProjectProcessing(models.GormDB, projectID, false); err != nil {
			log.Printf("[Monitor] 清除项目 processing 标志失败: %v", err)
			return
		}
		log.Printf("[Monitor] 项目 %s 的批次（%d 个场景）已全部完成", projectID, len(sceneIDs))
	})
}
