package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"ProductToVideo-server/config"
	"ProductToVideo-server/models"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// SceneDraft LLM 规划出的场景描述符
type SceneDraft struct {
	StartTimeMs    int64  `json:"start_time_ms"`
	EndTimeMs      int64  `json:"end_time_ms"`
	RefDescription string `json:"ref_description"`
	ImagePrompt    string `json:"image_prompt"`
	VideoPrompt    string `json:"video_prompt"`
}

var genaiClient *genai.Client

// InitGenAI 初始化 Gemini 客户端，在 main.go 中调用
func InitGenAI() {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.AppConfig.AI.GeminiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		log.Fatalf("Gemini 客户端初始化失败: %v", err)
	}
	genaiClient = client
	log.Println("Gemini 客户端初始化成功")
}

// PlanScenes 用 LLM 把旁白文本 + 商品描述切分为场景描述符
func PlanScenes(ctx context.Context, narration, productDescription string, sceneCount int) ([]SceneDraft, error) {
	if genaiClient == nil {
		return nil, fmt.Errorf("genai client not initialized")
	}
	if sceneCount <= 0 {
		sceneCount = 5
	}

	prompt := fmt.Sprintf(`你是短视频分镜师。把下面的旁白切分为 %d 个场景，每个场景对应旁白的一个时间区间。
商品信息：
%s

旁白文本：
%s

只输出 JSON 数组，每个元素形如：
{"start_time_ms":0,"end_time_ms":4000,"ref_description":"画面参考描述","image_prompt":"生图提示词","video_prompt":"视频运动提示词"}
时间区间按行文顺序首尾相接，不要输出其它内容。`, sceneCount, productDescription, narration)

	result, err := genaiClient.Models.GenerateContent(
		ctx,
		config.AppConfig.AI.GeminiModel,
		genai.Text(prompt),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("Gemini 调用失败: %w", err)
	}

	text := result.Text()
	// 模型偶尔会把 JSON 包在代码块里
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var drafts []SceneDraft
	if err := json.Unmarshal([]byte(text), &drafts); err != nil {
		return nil, fmt.Errorf("解析分镜 JSON 失败: %v, body: %.200s", err, text)
	}
	if len(drafts) == 0 {
		return nil, fmt.Errorf("分镜结果为空")
	}
	return drafts, nil
}

// CreateScenesFromDrafts 场景描述符落库（全量替换：先清旧场景再批量写入）
func CreateScenesFromDrafts(projectID string, drafts []SceneDraft) ([]models.Scene, error) {
	if err := models.GormDB.Where("project_id = ?", projectID).Delete(&models.Scene{}).Error; err != nil {
		return nil, fmt.Errorf("清理旧场景失败: %v", err)
	}

	var scenes []models.Scene
	for i, d := range drafts {
		scenes = append(scenes, models.Scene{
			ID:             uuid.NewString(),
			ProjectId:      projectID,
			Order:          i + 1,
			StartTimeMs:    d.StartTimeMs,
			EndTimeMs:      d.EndTimeMs,
			RefDescription: d.RefDescription,
			ImagePrompt:    d.ImagePrompt,
			VideoPrompt:    d.VideoPrompt,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		})
	}
	if err := models.BatchCreateScenes(models.GormDB, scenes); err != nil {
		return nil, fmt.Errorf("批量创建场景失败: %v", err)
	}

	if err := models.GormDB.Model(&models.Project{}).Where("id = ?", projectID).Updates(map[string]interface{}{
		"scene_count": len(scenes),
		"status":      models.ProjectStatusScenesPlanned,
		"updated_at":  time.Now(),
	}).Error; err != nil {
		log.Printf("更新项目场景数失败: %v", err)
	}

	log.Printf("Successfully created %d scenes for project %s", len(scenes), projectID)
	return scenes, nil
}
