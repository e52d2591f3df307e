package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"ProductToVideo-server/config"
	"ProductToVideo-server/models"

	"github.com/hibiken/asynq"
)

const (
	TypeSceneImage = "scene:generate_image"
	TypeSceneTryOn = "scene:change_clothes"
	TypeSceneVideo = "scene:generate_video"
	TypeNarration  = "project:narration"
)

// ScenePayload 场景级任务载荷
type ScenePayload struct {
	SceneID   string `json:"scene_id"`
	ProjectID string `json:"project_id"`
	// 换装任务使用：服装图 URL
	GarmentImageURL string `json:"garment_image_url,omitempty"`
}

// NarrationPayload 项目级旁白任务载荷
type NarrationPayload struct {
	ProjectID string `json:"project_id"`
}

var QueueClient *asynq.Client

// InitQueue 初始化
func InitQueue() {
	QueueClient = asynq.NewClient(asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	})
}

// sceneTaskOptions 场景任务的 asynq 选项。
// 任务 id 固定为 "类型:场景id"，asynq 对在途的相同 id 去重，
// 保证同一场景同一任务类型同时只有一个写者（状态机的单写者前提）。
// 不设置 Retention：任务结束（无论成败）后 id 立即释放，
// 终态场景可以随时重新派发、开启新一轮准入周期。
func sceneTaskOptions(taskType, sceneID string) []asynq.Option {
	return []asynq.Option{
		asynq.TaskID(fmt.Sprintf("%s:%s", taskType, sceneID)),
		asynq.MaxRetry(0),               // 重试策略由编排层自管（厂商调用 3 次），asynq 不再叠加
		asynq.Timeout(40 * time.Minute), // 排队上限约 10 分钟 + 生成本身较慢
	}
}

// EnqueueSceneTask 场景任务入队
func EnqueueSceneTask(taskType string, payload ScenePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(taskType, data, sceneTaskOptions(taskType, payload.SceneID)...)

	info, err := QueueClient.Enqueue(task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return fmt.Errorf("scene %s already has a pending %s task", payload.SceneID, taskType)
		}
		return fmt.Errorf("enqueue failed: %w", err)
	}

	log.Printf("[Queue] Scene Task Enqueued: Type=%s, SceneID=%s, TaskID=%s", taskType, payload.SceneID, info.ID)
	return nil
}

// EnqueueNarrationTask 旁白 TTS 任务入队（不经过远端准入队列）
func EnqueueNarrationTask(projectID string) error {
	data, err := json.Marshal(NarrationPayload{ProjectID: projectID})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(TypeNarration, data,
		asynq.TaskID(fmt.Sprintf("%s:%s", TypeNarration, projectID)),
		asynq.MaxRetry(0),
		asynq.Timeout(20*time.Minute),
	)

	info, err := QueueClient.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	log.Printf("[Queue] Narration Task Enqueued: ProjectID=%s, TaskID=%s", projectID, info.ID)
	return nil
}

// DispatchSceneTask 单场景任务派发（API 层入口）
func DispatchSceneTask(store SceneStore, taskType string, kind models.TaskKind, payload ScenePayload) error {
	return dispatchScene(store, EnqueueSceneTask, taskType, kind, payload)
}

// dispatchScene 先置 busy 标志再入队：排水监视器与重复派发检查
// 从入队前一刻起就能看到在途状态，worker 抢先跑完也不会留下孤儿 busy 标志。
// 入队失败时回滚为失败终态。
func dispatchScene(store SceneStore, enqueue func(string, ScenePayload) error, taskType string, kind models.TaskKind, payload ScenePayload) error {
	if _, err := store.Mutate(payload.SceneID, func(s *models.Scene) {
		s.BeginTask(kind)
	}); err != nil {
		return fmt.Errorf("mark scene busy failed: %w", err)
	}
	if err := enqueue(taskType, payload); err != nil {
		if _, serr := store.Mutate(payload.SceneID, func(s *models.Scene) {
			s.FinishFailure(kind, "任务入队失败: "+err.Error())
		}); serr != nil {
			log.Printf("场景 %s 入队失败后回滚失败: %v", payload.SceneID, serr)
		}
		return err
	}
	return nil
}

// DispatchBatchGeneration 整批派发：为每个待生成场景入队一个生图任务，
// 置起项目级 processing 标志并启动排水监视器。
func DispatchBatchGeneration(store *models.GormSceneStore, projectID string) ([]string, error) {
	scenes, err := store.ListByProject(projectID)
	if err != nil {
		return nil, fmt.Errorf("list scenes failed: %w", err)
	}
	if len(scenes) == 0 {
		return nil, fmt.Errorf("project %s has no scenes", projectID)
	}

	var dispatched []string
	for _, s := range scenes {
		if s.Busy() {
			// 已有任务在途的场景跳过，避免出现双写者
			continue
		}
		if err := dispatchScene(store, EnqueueSceneTask, TypeSceneImage, models.TaskGenerateImage,
			ScenePayload{SceneID: s.ID, ProjectID: projectID}); err != nil {
			log.Printf("场景 %s 派发失败: %v", s.ID, err)
			continue
		}
		dispatched = append(dispatched, s.ID)
	}
	if len(dispatched) == 0 {
		return nil, fmt.Errorf("no scene could be dispatched")
	}

	if err := models.SetProjectProcessing(models.GormDB, projectID, true); err != nil {
		log.Printf("设置项目 processing 标志失败: %v", err)
	}
	StartBatchMonitor(store, projectID, dispatched)
	return dispatched, nil
}
