package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// 项目状态常量（用于在业务层统一描述项目进度）
const (
	ProjectStatusCreated         = "created"          // 项目已创建，尚未抓取商品
	ProjectStatusProductScraped  = "product_scraped"  // 商品页已抓取（标题/描述/图片已入库）
	ProjectStatusScenesPlanned   = "scenes_planned"   // 场景规划完成（scene 条目已写入 DB）
	ProjectStatusNarrationReady  = "narration_ready"  // 旁白音频与字幕已生成
	ProjectStatusImagesGenerated = "images_generated" // 场景图片已全部生成
	ProjectStatusVideoGenerated  = "video_generated"  // 场景视频已全部生成
	ProjectStatusReady           = "ready"            // 所有生成完成，可导出成片
	ProjectStatusFailed          = "failed"           // 项目生成过程出错
)

// ProductImages 商品图片 URL 列表，JSON 存储
type ProductImages []string

func (p ProductImages) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *ProductImages) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, p)
}

type Project struct {
	ID    string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title string `json:"title"`

	// 商品抓取结果
	ProductURL         string        `json:"productUrl"`
	ProductDescription string        `json:"productDescription"`
	ProductImages      ProductImages `gorm:"type:json" json:"productImages"`

	// 旁白与字幕
	NarrationText string `json:"narrationText"`
	Voice         string `json:"voice"`
	AudioUrl      string `json:"audioUrl"`
	SubtitleUrl   string `json:"subtitleUrl"`

	Status     string    `json:"status"`
	Processing bool      `json:"processing"` // 批次生成在途标志，由排水监视器清除
	CoverImage string    `json:"coverImage"`
	VideoUrl   string    `json:"videoUrl"`
	SceneCount int       `json:"sceneCount"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (Project) TableName() string {
	return "project"
}

func GetProjectByIDGorm(db *gorm.DB, projectID string) (*Project, error) {
	var p Project
	if err := db.First(&p, "id = ?", projectID).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// SetProjectProcessing 设置/清除项目级批次在途标志
func SetProjectProcessing(db *gorm.DB, projectID string, processing bool) error {
	return db.Model(&Project{}).Where("id = ?", projectID).Updates(map[string]interface{}{
		"processing": processing,
		"updated_at": time.Now(),
	}).Error
}

// UpdateProjectStatus 更新项目状态
func UpdateProjectStatus(db *gorm.DB, projectID, status string) error {
	return db.Model(&Project{}).Where("id = ?", projectID).Updates(map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}).Error
}
