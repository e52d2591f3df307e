// ...existing code...
package api

import (
	"log"
	"net/http"

	"ProductToVideo-server/models"
	"ProductToVideo-server/service"

	"github.com/gin-gonic/gin"
)

// 获取场景列表
func GetScenes(c *gin.Context) {
	projectID := c.Param("project_id")

	scenes, err := models.GetScenesByProjectID(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取场景失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scenes":       scenes,
		"project_id":   projectID,
		"total_scenes": len(scenes),
	})
}

// 获取场景详情
func GetSceneDetail(c *gin.Context) {
	sceneID := c.Param("scene_id")

	scene, err := models.GetSceneByID(sceneID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "场景未找到: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scene": scene,
	})
}

// 更新场景提示词。提示词被编辑时清空已生成内容与任务状态（需要重新生成）。
func UpdateScene(c *gin.Context) {
	sceneID := c.Param("scene_id")

	var req struct {
		ImagePrompt    string `form:"image_prompt" json:"image_prompt"`
		VideoPrompt    string `form:"video_prompt" json:"video_prompt"`
		RefDescription string `form:"ref_description" json:"ref_description"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	store := models.NewGormSceneStore(models.GormDB)
	scene, err := store.Get(sceneID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "场景未找到: " + err.Error()})
		return
	}

	// 在途任务先取消，避免编辑后旧任务把结果写回来
	if scene.Busy() {
		if service.CancelPollTask(sceneID) {
			log.Printf("Cancelled task for scene %s (scene update)", sceneID)
		}
	}

	promptChanged := false
	if _, err := store.Mutate(sceneID, func(s *models.Scene) {
		if req.ImagePrompt != "" && req.ImagePrompt != s.ImagePrompt {
			s.ImagePrompt = req.ImagePrompt
			promptChanged = true
		}
		if req.VideoPrompt != "" && req.VideoPrompt != s.VideoPrompt {
			s.VideoPrompt = req.VideoPrompt
			promptChanged = true
		}
		if req.RefDescription != "" {
			s.RefDescription = req.RefDescription
		}
		if promptChanged {
			s.ResetGenerated()
		}
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "更新场景失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scene_id": sceneID,
		"message":  "场景已更新",
	})
}

// 采纳/取消采纳场景产物进最终成片
func ApproveScene(c *gin.Context) {
	sceneID := c.Param("scene_id")

	var req struct {
		Approved bool `form:"approved" json:"approved"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	store := models.NewGormSceneStore(models.GormDB)
	scene, err := store.Get(sceneID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "场景未找到: " + err.Error()})
		return
	}
	if req.Approved && scene.ImagePath == "" && scene.VideoPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "场景还没有生成产物，无法采纳"})
		return
	}

	if _, err := store.Mutate(sceneID, func(s *models.Scene) {
		s.Approved = req.Approved
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "更新场景失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scene_id": sceneID,
		"approved": req.Approved,
	})
}

// 删除场景
func DeleteScene(c *gin.Context) {
	projectID := c.Param("project_id")
	sceneID := c.Param("scene_id")

	// 删除前先取消在途任务
	if service.CancelPollTask(sceneID) {
		log.Printf("Cancelled task for scene %s (scene delete)", sceneID)
	}

	if err := models.DeleteSceneByID(projectID, sceneID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除场景失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "场景已删除",
		"scene_id":   sceneID,
		"project_id": projectID,
	})
}

// dispatchSceneTask 单场景任务派发的公共路径：校验 -> 置 busy -> 入队
func dispatchSceneTask(c *gin.Context, taskType string, kind models.TaskKind, payload service.ScenePayload) {
	store := models.NewGormSceneStore(models.GormDB)
	scene, err := store.Get(payload.SceneID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "场景未找到: " + err.Error()})
		return
	}
	if scene.Busy() {
		c.JSON(http.StatusConflict, gin.H{"error": "场景已有任务在途"})
		return
	}

	if err := service.DispatchSceneTask(store, taskType, kind, payload); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "任务入队失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scene_id": payload.SceneID,
		"type":     taskType,
		"message":  "任务已创建",
	})
}

// 单场景生图
func GenerateSceneImage(c *gin.Context) {
	dispatchSceneTask(c, service.TypeSceneImage, models.TaskGenerateImage, service.ScenePayload{
		SceneID:   c.Param("scene_id"),
		ProjectID: c.Param("project_id"),
	})
}

// 单场景换装
func ChangeSceneClothes(c *gin.Context) {
	var req struct {
		GarmentImageURL string `form:"garment_image_url" json:"garment_image_url"`
	}
	if err := c.ShouldBind(&req); err != nil || req.GarmentImageURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "garment_image_url is required"})
		return
	}

	dispatchSceneTask(c, service.TypeSceneTryOn, models.TaskChangeClothes, service.ScenePayload{
		SceneID:         c.Param("scene_id"),
		ProjectID:       c.Param("project_id"),
		GarmentImageURL: req.GarmentImageURL,
	})
}

// 单场景视频生成
func GenerateSceneVideo(c *gin.Context) {
	dispatchSceneTask(c, service.TypeSceneVideo, models.TaskGenerateVideo, service.ScenePayload{
		SceneID:   c.Param("scene_id"),
		ProjectID: c.Param("project_id"),
	})
}

// 取消场景的在途任务
func CancelSceneTask(c *gin.Context) {
	sceneID := c.Param("scene_id")

	if service.CancelPollTask(sceneID) {
		c.JSON(http.StatusOK, gin.H{
			"scene_id": sceneID,
			"message":  "任务已取消",
		})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{
		"scene_id": sceneID,
		"error":    "没有找到在途任务",
	})
}
