// ...existing code...
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"ProductToVideo-server/config"
	"ProductToVideo-server/models"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// 编排固定常量：轮询 5 秒 × 120 次（约 10 分钟上限），厂商调用重试 3 次、间隔固定 5 秒。
// 间隔不做指数退避——队列位置是 UI 可见的，固定短间隔对用户反馈更及时。
const (
	defaultPollInterval      = 5 * time.Second
	defaultMaxPollAttempts   = 120
	defaultMaxVendorAttempts = 3
	defaultVendorRetryDelay  = 5 * time.Second
)

// poll 取消注册表（sceneID -> cancelFunc）
var pollCancelRegistry = struct {
	sync.RWMutex
	m map[string]context.CancelFunc
}{
	m: make(map[string]context.CancelFunc),
}

// RegisterPollCancel 注册轮询的 cancelFunc（由任务处理器在开始编排时调用）
func RegisterPollCancel(sceneID string, cancel context.CancelFunc) {
	pollCancelRegistry.Lock()
	defer pollCancelRegistry.Unlock()
	pollCancelRegistry.m[sceneID] = cancel
}

// UnregisterPollCancel 注销轮询的 cancelFunc（编排结束时调用）
func UnregisterPollCancel(sceneID string) {
	pollCancelRegistry.Lock()
	defer pollCancelRegistry.Unlock()
	delete(pollCancelRegistry.m, sceneID)
}

// CancelPollTask 外部调用以取消正在编排中的场景任务，返回是否实际找到并取消
func CancelPollTask(sceneID string) bool {
	pollCancelRegistry.Lock()
	defer pollCancelRegistry.Unlock()
	if cancel, ok := pollCancelRegistry.m[sceneID]; ok {
		cancel()
		delete(pollCancelRegistry.m, sceneID)
		return true
	}
	return false
}

// SceneStore 场景状态读写最小接口（生产实现为 models.GormSceneStore）
type SceneStore interface {
	Get(sceneID string) (*models.Scene, error)
	Mutate(sceneID string, fn func(*models.Scene)) (bool, error)
}

// AdmissionQueue 远端准入队列最小接口（生产实现为 QueueApiClient）
type AdmissionQueue interface {
	EnqueueRequest(ctx context.Context, userID, requestID string) error
	CheckRequestStatus(ctx context.Context, userID, requestID string) (*QueueStatus, error)
	ConfirmExecution(ctx context.Context, userID, requestID string) error
}

// VendorAction 被准入队列看护的厂商调用，返回产物 URL
type VendorAction func(ctx context.Context) (string, error)

// Processor 处理队列任务
type Processor struct {
	Store  SceneStore
	Queue  AdmissionQueue
	UserID string

	Vendors *VendorClients
	TryOn   *TryOnClient
	TTS     *TTSClient

	// 轮询/重试参数，默认取固定常量；测试会缩短
	PollInterval      time.Duration
	MaxPollAttempts   int
	MaxVendorAttempts int
	VendorRetryDelay  time.Duration
}

func NewProcessor(store *models.GormSceneStore) *Processor {
	cfg := config.AppConfig
	return &Processor{
		Store:             store,
		Queue:             NewQueueApiClient(cfg.QueueAPI.BaseURL),
		UserID:            cfg.QueueAPI.UserID,
		Vendors:           NewVendorClients(),
		TryOn:             NewTryOnClient(cfg.AI.TryOnAPI),
		TTS:               NewTTSClient(cfg.AI.VoiceAPI),
		PollInterval:      defaultPollInterval,
		MaxPollAttempts:   defaultMaxPollAttempts,
		MaxVendorAttempts: defaultMaxVendorAttempts,
		VendorRetryDelay:  defaultVendorRetryDelay,
	}
}

// StartProcessor 启动任务消费者
func (p *Processor) StartProcessor(concurrency int) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     config.AppConfig.Redis.Addr,
			Password: config.AppConfig.Redis.Password,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSceneImage, p.HandleSceneImage)
	mux.HandleFunc(TypeSceneTryOn, p.HandleSceneTryOn)
	mux.HandleFunc(TypeSceneVideo, p.HandleSceneVideo)
	mux.HandleFunc(TypeNarration, p.HandleNarration)

	log.Printf("Starting Task Processor with concurrency %d...", concurrency)
	go func() {
		if err := srv.Run(mux); err != nil {
			log.Fatalf("could not run server: %v", err)
		}
	}()
}

var errQueueTimeout = errors.New("排队超时，请稍后重试")

// handleQueueableTask 准入队列编排核心：
//
//	复用/新建 request id -> enfileirar（仅新建时）-> 轮询放行 -> 有界重试执行厂商调用
//	-> confirmar_execucao（注册成功后无条件执行，包括超时与取消路径）。
//
// 所有终态（成功/失败/超时/取消）都在这里落库。
func (p *Processor) handleQueueableTask(ctx context.Context, sceneID string, kind models.TaskKind, action VendorAction) (string, error) {
	scene, err := p.Store.Get(sceneID)
	if err != nil {
		return "", fmt.Errorf("scene not found: %v", err)
	}

	requestID := scene.QueueRequestId
	if requestID == "" {
		// 新任务：生成 request id，先落库再注册，保证进程重启后可恢复
		requestID = uuid.NewString()
		if _, err := p.Store.Mutate(sceneID, func(s *models.Scene) {
			s.SetQueueInfo(requestID, "正在加入队列...")
		}); err != nil {
			log.Printf("保存 request id 失败: %v", err)
		}
		if err := p.Queue.EnqueueRequest(ctx, p.UserID, requestID); err != nil {
			// 注册失败对本次任务是致命的；清掉 request id，下次重试重新注册
			errMsg := fmt.Sprintf("加入队列失败: %v", err)
			if _, serr := p.Store.Mutate(sceneID, func(s *models.Scene) {
				s.FinishFailure(kind, errMsg)
			}); serr != nil {
				log.Printf("保存失败状态失败: %v", serr)
			}
			return "", fmt.Errorf("enqueue request failed: %w", err)
		}
	} else {
		// 进程重启后恢复：request id 已注册过，跳过 enfileirar
		log.Printf("[Scene %s] 复用已注册的 request id %s，跳过入队", sceneID, requestID)
	}

	// 注册成功（或复用）之后，无论成败都要恰好归还一次槽位。
	// 用独立的 context：任务被取消时归还调用也必须发出去。
	defer func() {
		confirmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.Queue.ConfirmExecution(confirmCtx, p.UserID, requestID); err != nil {
			// 只记日志不重试；服务端槽位可能泄漏（已知限制）
			log.Printf("[Scene %s] confirmar_execucao 失败（槽位可能泄漏）: %v", sceneID, err)
		}
	}()

	released, err := p.waitForRelease(ctx, sceneID, requestID)
	if err != nil {
		// 取消路径
		if _, serr := p.Store.Mutate(sceneID, func(s *models.Scene) {
			s.FinishFailure(kind, "处理已被取消")
		}); serr != nil {
			log.Printf("保存取消状态失败: %v", serr)
		}
		return "", fmt.Errorf("processing cancelled: %w", err)
	}
	if !released {
		if _, serr := p.Store.Mutate(sceneID, func(s *models.Scene) {
			s.FinishFailure(kind, errQueueTimeout.Error())
		}); serr != nil {
			log.Printf("保存超时状态失败: %v", serr)
		}
		return "", errQueueTimeout
	}

	if _, err := p.Store.Mutate(sceneID, func(s *models.Scene) {
		s.QueueStatusMessage = "生成中..."
	}); err != nil {
		log.Printf("保存生成中状态失败: %v", err)
	}

	result, err := p.runWithRetry(ctx, sceneID, kind, action)
	if err != nil {
		msg := err.Error()
		if ctx.Err() != nil {
			msg = "处理已被取消"
		}
		if _, serr := p.Store.Mutate(sceneID, func(s *models.Scene) {
			s.FinishFailure(kind, msg)
		}); serr != nil {
			log.Printf("保存失败状态失败: %v", serr)
		}
		return "", err
	}

	if _, err := p.Store.Mutate(sceneID, func(s *models.Scene) {
		s.FinishSuccess(kind, result)
	}); err != nil {
		log.Printf("保存成功状态失败: %v", err)
	}
	return result, nil
}

// waitForRelease 轮询 status_requisicao 直到放行。
// 返回 (false, nil) 表示轮询预算耗尽（排队超时），error 非空表示被取消。
// 注意：传输层错误同样消耗一次轮询机会——慢队列与坏网络共用同一预算，
// 与既有行为保持一致。
func (p *Processor) waitForRelease(ctx context.Context, sceneID, requestID string) (bool, error) {
	for attempt := 1; attempt <= p.MaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(p.PollInterval):
		}

		status, err := p.Queue.CheckRequestStatus(ctx, p.UserID, requestID)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			log.Printf("[Scene %s] 轮询网络错误(第 %d 次，继续): %v", sceneID, attempt, err)
			continue
		}

		if status.Status == QueueStatusReleased {
			return true, nil
		}

		msg := status.PositionMessage()
		if _, err := p.Store.Mutate(sceneID, func(s *models.Scene) {
			s.QueueStatusMessage = msg
		}); err != nil {
			log.Printf("保存排队进度失败: %v", err)
		}
	}
	return false, nil
}

// runWithRetry 有界重试执行厂商调用：至多 MaxVendorAttempts 次，间隔固定；
// 成功立即返回；全部失败时返回最后一次错误；每个循环边界检查取消。
func (p *Processor) runWithRetry(ctx context.Context, sceneID string, kind models.TaskKind, action VendorAction) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= p.MaxVendorAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		result, err := action(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		log.Printf("[Scene %s] 第 %d/%d 次厂商调用失败: %v", sceneID, attempt, p.MaxVendorAttempts, err)

		errMsg := err.Error()
		n := attempt
		if _, serr := p.Store.Mutate(sceneID, func(s *models.Scene) {
			s.RecordAttempt(kind, n, errMsg)
		}); serr != nil {
			log.Printf("保存尝试记录失败: %v", serr)
		}

		if attempt < p.MaxVendorAttempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(p.VendorRetryDelay):
			}
		}
	}
	return "", lastErr
}

// beginScene 任务进入处理：置 busy 标志、清除上次错误，并注册取消入口
func (p *Processor) beginScene(ctx context.Context, sceneID string, kind models.TaskKind) (context.Context, func(), error) {
	if _, err := p.Store.Mutate(sceneID, func(s *models.Scene) {
		s.BeginTask(kind)
	}); err != nil {
		return nil, nil, err
	}
	taskCtx, cancel := context.WithCancel(ctx)
	RegisterPollCancel(sceneID, cancel)
	cleanup := func() {
		UnregisterPollCancel(sceneID)
		cancel()
	}
	return taskCtx, cleanup, nil
}

// HandleSceneImage 场景生图任务
func (p *Processor) HandleSceneImage(ctx context.Context, t *asynq.Task) error {
	var payload ScenePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	scene, err := p.Store.Get(payload.SceneID)
	if err != nil {
		return fmt.Errorf("scene not found: %v", err)
	}
	log.Printf("Processing Scene Task: %s | Type: %s", scene.ID, models.TaskGenerateImage)

	taskCtx, cleanup, err := p.beginScene(ctx, scene.ID, models.TaskGenerateImage)
	if err != nil {
		return err
	}
	defer cleanup()

	project, err := models.GetProjectByIDGorm(models.GormDB, scene.ProjectId)
	if err != nil {
		log.Printf("项目 %s 不存在: %v", scene.ProjectId, err)
	}

	action := func(ctx context.Context) (string, error) {
		refs := []string{}
		if scene.RefImagePath != "" {
			refs = append(refs, scene.RefImagePath)
		}
		if project != nil {
			refs = append(refs, project.ProductImages...)
		}
		imageURL, err := p.Vendors.GenerateImage(ctx, scene.ImagePrompt, refs)
		if err != nil {
			return "", err
		}
		// 下载厂商产物并转存 MinIO，场景上只保留我们自己的 URL
		return DownloadAndUploadToMinIO(imageURL, fmt.Sprintf("scenes/%s/image.png", scene.ID))
	}

	if _, err := p.handleQueueableTask(taskCtx, scene.ID, models.TaskGenerateImage, action); err != nil {
		log.Printf("场景 %s 生图失败: %v", scene.ID, err)
		return nil // 业务失败已落库，不触发 asynq 重试
	}
	log.Printf("Scene %s image generated successfully", scene.ID)
	return nil
}

// HandleSceneTryOn 换装任务。厂商服务只支持单会话，临界区由 TryOnClient 内的全局锁看护。
func (p *Processor) HandleSceneTryOn(ctx context.Context, t *asynq.Task) error {
	var payload ScenePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	scene, err := p.Store.Get(payload.SceneID)
	if err != nil {
		return fmt.Errorf("scene not found: %v", err)
	}
	log.Printf("Processing Scene Task: %s | Type: %s", scene.ID, models.TaskChangeClothes)

	if scene.ImagePath == "" {
		_, _ = p.Store.Mutate(scene.ID, func(s *models.Scene) {
			s.FinishFailure(models.TaskChangeClothes, "场景还没有生成图片，无法换装")
		})
		return nil
	}
	if payload.GarmentImageURL == "" {
		_, _ = p.Store.Mutate(scene.ID, func(s *models.Scene) {
			s.FinishFailure(models.TaskChangeClothes, "缺少服装图片")
		})
		return nil
	}

	taskCtx, cleanup, err := p.beginScene(ctx, scene.ID, models.TaskChangeClothes)
	if err != nil {
		return err
	}
	defer cleanup()

	action := func(ctx context.Context) (string, error) {
		outputURL, err := p.TryOn.Swap(ctx, scene.ImagePath, payload.GarmentImageURL)
		if err != nil {
			return "", err
		}
		return DownloadAndUploadToMinIO(outputURL, fmt.Sprintf("scenes/%s/tryon.png", scene.ID))
	}

	if _, err := p.handleQueueableTask(taskCtx, scene.ID, models.TaskChangeClothes, action); err != nil {
		log.Printf("场景 %s 换装失败: %v", scene.ID, err)
		return nil
	}
	log.Printf("Scene %s try-on completed successfully", scene.ID)
	return nil
}

// HandleSceneVideo 场景视频生成任务
func (p *Processor) HandleSceneVideo(ctx context.Context, t *asynq.Task) error {
	var payload ScenePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	scene, err := p.Store.Get(payload.SceneID)
	if err != nil {
		return fmt.Errorf("scene not found: %v", err)
	}
	log.Printf("Processing Scene Task: %s | Type: %s", scene.ID, models.TaskGenerateVideo)

	if scene.ImagePath == "" {
		_, _ = p.Store.Mutate(scene.ID, func(s *models.Scene) {
			s.FinishFailure(models.TaskGenerateVideo, "场景还没有生成图片，无法生成视频")
		})
		return nil
	}

	taskCtx, cleanup, err := p.beginScene(ctx, scene.ID, models.TaskGenerateVideo)
	if err != nil {
		return err
	}
	defer cleanup()

	var thumbURL string
	action := func(ctx context.Context) (string, error) {
		out, err := p.Vendors.GenerateVideo(ctx, scene.VideoPrompt, scene.ImagePath, scene.EndTimeMs-scene.StartTimeMs)
		if err != nil {
			return "", err
		}
		videoURL, err := DownloadAndUploadToMinIO(out.VideoURL, fmt.Sprintf("scenes/%s/video.mp4", scene.ID))
		if err != nil {
			return "", err
		}
		if out.ThumbnailURL != "" {
			if u, err := DownloadAndUploadToMinIO(out.ThumbnailURL, fmt.Sprintf("scenes/%s/thumb.png", scene.ID)); err == nil {
				thumbURL = u
			} else {
				log.Printf("场景 %s 缩略图转存失败（忽略）: %v", scene.ID, err)
			}
		}
		return videoURL, nil
	}

	if _, err := p.handleQueueableTask(taskCtx, scene.ID, models.TaskGenerateVideo, action); err != nil {
		log.Printf("场景 %s 视频生成失败: %v", scene.ID, err)
		return nil
	}
	if thumbURL != "" {
		if _, err := p.Store.Mutate(scene.ID, func(s *models.Scene) {
			s.ThumbPath = thumbURL
		}); err != nil {
			log.Printf("保存缩略图地址失败: %v", err)
		}
	}
	log.Printf("Scene %s video generated successfully", scene.ID)
	return nil
}

// HandleNarration 项目旁白 TTS 任务（不经过准入队列，直接调用）
func (p *Processor) HandleNarration(ctx context.Context, t *asynq.Task) error {
	var payload NarrationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	project, err := models.GetProjectByIDGorm(models.GormDB, payload.ProjectID)
	if err != nil {
		return fmt.Errorf("project not found: %v", err)
	}
	if project.NarrationText == "" {
		log.Printf("项目 %s 没有旁白文本，跳过 TTS", project.ID)
		return nil
	}

	out, err := p.TTS.Synthesize(ctx, project.NarrationText, project.Voice)
	if err != nil {
		log.Printf("项目 %s TTS 失败: %v", project.ID, err)
		_ = models.UpdateProjectStatus(models.GormDB, project.ID, models.ProjectStatusFailed)
		return nil
	}

	audioURL, err := DownloadAndUploadToMinIO(out.AudioURL, fmt.Sprintf("projects/%s/narration.mp3", project.ID))
	if err != nil {
		log.Printf("旁白音频转存失败: %v", err)
		return nil
	}
	updates := map[string]interface{}{
		"audio_url":  audioURL,
		"status":     models.ProjectStatusNarrationReady,
		"updated_at": time.Now(),
	}
	if out.SubtitleURL != "" {
		if u, err := DownloadAndUploadToMinIO(out.SubtitleURL, fmt.Sprintf("projects/%s/narration.srt", project.ID)); err == nil {
			updates["subtitle_url"] = u
		} else {
			log.Printf("字幕转存失败（忽略）: %v", err)
		}
	}
	if err := models.GormDB.Model(&models.Project{}).Where("id = ?", project.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("保存旁白结果失败: %v", err)
	}
	log.Printf("Project %s narration ready", project.ID)
	return nil
}
