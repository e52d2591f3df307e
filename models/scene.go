package models

import (
	"time"

	"gorm.io/gorm"
)

// TaskKind 场景级生成任务类型
type TaskKind string

const (
	TaskGenerateImage TaskKind = "generate_image" // 提示词 -> 场景图
	TaskChangeClothes TaskKind = "change_clothes" // 模特图 + 服装图 -> 换装图
	TaskGenerateVideo TaskKind = "generate_video" // 场景图 -> 场景视频
)

// Scene 对应旁白中一个时间区间的视觉素材。
// 任务状态字段（busy 标志、尝试计数、队列请求 id）只允许通过
// SceneStore.Mutate 配合下面的转移方法修改，保证状态机不变量：
//   - 任意时刻至多一个 busy 标志为 true；
//   - queue_request_id 非空 <=> 已在远端队列注册且尚未 confirmar_execucao；
//   - 进入终态（成功/失败）后 busy 标志全清、尝试计数归零、队列字段清空。
type Scene struct {
	ID        string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId string `json:"projectId"`
	Order     int    `json:"order"`

	// 旁白时间轴（毫秒）
	StartTimeMs int64 `json:"startTimeMs"`
	EndTimeMs   int64 `json:"endTimeMs"`

	// 参考素材与生成提示词
	RefImagePath   string `json:"refImagePath"`
	RefDescription string `json:"refDescription"`
	ImagePrompt    string `json:"imagePrompt"`
	VideoPrompt    string `json:"videoPrompt"`

	// 生成产物（MinIO 预签名 URL）；ThumbPath 仅在产物为视频时存在
	ImagePath string `json:"imagePath"`
	VideoPath string `json:"videoPath"`
	ThumbPath string `json:"thumbPath"`

	// 是否已被采纳进最终成片
	Approved bool `json:"approved"`

	// ---- 任务状态机字段 ----
	IsGenerating           bool   `json:"isGenerating"`
	IsChangingClothes      bool   `json:"isChangingClothes"`
	IsGeneratingVideo      bool   `json:"isGeneratingVideo"`
	GenerationAttempt      int    `json:"generationAttempt"`
	ClothesChangeAttempt   int    `json:"clothesChangeAttempt"`
	GenerationErrorMessage string `json:"generationErrorMessage"`
	QueueRequestId         string `json:"queueRequestId"`
	QueueStatusMessage     string `json:"queueStatusMessage"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Scene) TableName() string {
	return "scene"
}

// Busy 返回该场景是否有任务在途
func (s *Scene) Busy() bool {
	return s.IsGenerating || s.IsChangingClothes || s.IsGeneratingVideo
}

func (s *Scene) clearBusyFlags() {
	s.IsGenerating = false
	s.IsChangingClothes = false
	s.IsGeneratingVideo = false
}

// BeginTask 新一轮任务开始：清除上次错误，设置唯一的 busy 标志
func (s *Scene) BeginTask(kind TaskKind) {
	s.clearBusyFlags()
	s.GenerationErrorMessage = ""
	switch kind {
	case TaskGenerateImage:
		s.IsGenerating = true
	case TaskChangeClothes:
		s.IsChangingClothes = true
	case TaskGenerateVideo:
		s.IsGeneratingVideo = true
	}
}

// SetQueueInfo 记录准入队列请求 id 与排队提示
func (s *Scene) SetQueueInfo(requestID, statusMessage string) {
	s.QueueRequestId = requestID
	s.QueueStatusMessage = statusMessage
}

// RecordAttempt 记录一次失败的厂商调用（尝试序号与错误信息）
func (s *Scene) RecordAttempt(kind TaskKind, attempt int, errMsg string) {
	if kind == TaskChangeClothes {
		s.ClothesChangeAttempt = attempt
	} else {
		s.GenerationAttempt = attempt
	}
	s.GenerationErrorMessage = errMsg
}

// resetTaskState 终态公共收尾：busy 全清、计数归零、队列字段清空
func (s *Scene) resetTaskState() {
	s.clearBusyFlags()
	s.GenerationAttempt = 0
	s.ClothesChangeAttempt = 0
	s.QueueRequestId = ""
	s.QueueStatusMessage = ""
}

// FinishSuccess 任务成功终态，按任务类型写入产物地址
func (s *Scene) FinishSuccess(kind TaskKind, assetURL string) {
	s.resetTaskState()
	s.GenerationErrorMessage = ""
	switch kind {
	case TaskGenerateImage, TaskChangeClothes:
		s.ImagePath = assetURL
	case TaskGenerateVideo:
		s.VideoPath = assetURL
	}
}

// FinishFailure 任务失败终态，保留最后一次错误供 UI 展示
func (s *Scene) FinishFailure(kind TaskKind, errMsg string) {
	s.resetTaskState()
	s.GenerationErrorMessage = errMsg
}

// ResetGenerated 提示词被编辑后清空已生成内容与全部任务状态
func (s *Scene) ResetGenerated() {
	s.ImagePath = ""
	s.VideoPath = ""
	s.ThumbPath = ""
	s.Approved = false
	s.GenerationErrorMessage = ""
	s.resetTaskState()
}

// GormSceneStore 基于 GORM 的场景存储。
// 写入走单行 read-modify-write 事务；转移前后内容一致时跳过写入，
// 避免无意义的持久化与下游轮询端的重复推送。
// 正确性依赖派发层保证同一 scene id 同时至多一个写者
// （asynq 任务 id = 任务类型 + scene id，去重）。
type GormSceneStore struct {
	DB *gorm.DB
}

func NewGormSceneStore(db *gorm.DB) *GormSceneStore {
	return &GormSceneStore{DB: db}
}

func (st *GormSceneStore) Get(sceneID string) (*Scene, error) {
	var s Scene
	if err := st.DB.First(&s, "id = ?", sceneID).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ApplyTransition 在副本上应用转移函数，报告内容是否实际发生了变化
func ApplyTransition(s Scene, fn func(*Scene)) (Scene, bool) {
	before := s
	fn(&s)
	return s, s != before
}

// Mutate 读取-转移-条件写回。返回值表示是否实际发生了写入。
func (st *GormSceneStore) Mutate(sceneID string, fn func(*Scene)) (bool, error) {
	var wrote bool
	err := st.DB.Transaction(func(tx *gorm.DB) error {
		var s Scene
		if err := tx.First(&s, "id = ?", sceneID).Error; err != nil {
			return err
		}
		next, changed := ApplyTransition(s, fn)
		if !changed {
			// 无变化，跳过写入
			return nil
		}
		next.UpdatedAt = time.Now()
		wrote = true
		return tx.Save(&next).Error
	})
	return wrote, err
}

func (st *GormSceneStore) ListByProject(projectID string) ([]Scene, error) {
	var scenes []Scene
	err := st.DB.Where("project_id = ?", projectID).Order("`order` ASC").Find(&scenes).Error
	return scenes, err
}

// BusyCount 统计给定场景中仍有任务在途的数量（批次排水监视用）
func (st *GormSceneStore) BusyCount(sceneIDs []string) (int, error) {
	if len(sceneIDs) == 0 {
		return 0, nil
	}
	var n int64
	err := st.DB.Model(&Scene{}).
		Where("id IN ?", sceneIDs).
		Where("is_generating = ? OR is_changing_clothes = ? OR is_generating_video = ?", true, true, true).
		Count(&n).Error
	return int(n), err
}

func BatchCreateScenes(db *gorm.DB, scenes []Scene) error {
	if len(scenes) == 0 {
		return nil
	}
	return db.Create(&scenes).Error
}

func GetSceneByIDGorm(db *gorm.DB, sceneID string) (*Scene, error) {
	var s Scene
	if err := db.First(&s, "id = ?", sceneID).Error; err != nil {
		return nil, err
	}
	return &s, nil
}
