// ...existing code...
package api

import (
	"log"
	"net/http"
	"time"

	"ProductToVideo-server/models"

	"ProductToVideo-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 创建项目
func CreateProject(c *gin.Context) {
	var req struct {
		Title         string `form:"title" json:"title"`
		ProductURL    string `form:"product_url" json:"product_url"`
		NarrationText string `form:"narration_text" json:"narration_text"`
		Voice         string `form:"voice" json:"voice"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project := models.Project{
		ID:            uuid.NewString(),
		Title:         req.Title,
		ProductURL:    req.ProductURL,
		NarrationText: req.NarrationText,
		Voice:         req.Voice,
		Status:        models.ProjectStatusCreated,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	if err := models.CreateProject(&project); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建项目失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id": project.ID,
		"message":    "项目已创建",
	})
}

// 获取项目详情（附场景列表）
func GetProject(c *gin.Context) {
	projectID := c.Param("project_id")

	project, err := models.GetProjectByID(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}
	scenes, err := models.GetScenesByProjectID(projectID)
	if err != nil {
		log.Printf("获取场景列表失败: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"project": project,
		"scenes":  scenes,
	})
}

// 更新项目（标题/旁白文本）。旁白文本被修改时旁白音频作废。
func UpdateProject(c *gin.Context) {
	projectID := c.Param("project_id")

	var req struct {
		Title         string `form:"title" json:"title"`
		NarrationText string `form:"narration_text" json:"narration_text"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project, err := models.GetProjectByID(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}

	if req.Title == "" {
		req.Title = project.Title
	}
	if req.NarrationText == "" {
		req.NarrationText = project.NarrationText
	}
	if err := models.UpdateProjectByID(projectID, req.Title, req.NarrationText); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "更新项目失败: " + err.Error()})
		return
	}
	if req.NarrationText != project.NarrationText {
		// 旁白变了，旧音频/字幕不再有效
		if err := models.GormDB.Model(&models.Project{}).Where("id = ?", projectID).Updates(map[string]interface{}{
			"audio_url":    "",
			"subtitle_url": "",
			"updated_at":   time.Now(),
		}).Error; err != nil {
			log.Printf("清理旧旁白音频失败: %v", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id": projectID,
		"message":    "项目已更新",
	})
}

// 删除项目（级联删除场景）
func DeleteProject(c *gin.Context) {
	projectID := c.Param("project_id")

	// 先取消该项目下所有在途场景任务
	scenes, err := models.GetScenesByProjectID(projectID)
	if err == nil {
		for _, s := range scenes {
			if s.Busy() {
				if service.CancelPollTask(s.ID) {
					log.Printf("Cancelled task for scene %s (project delete)", s.ID)
				}
			}
		}
	}

	if err := models.DeleteProjectByID(projectID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除项目失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id": projectID,
		"message":    "项目已删除",
	})
}

// 抓取商品页，回填标题/描述/图片
func ScrapeProject(c *gin.Context) {
	projectID := c.Param("project_id")

	project, err := models.GetProjectByID(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}

	var req struct {
		ProductURL string `form:"product_url" json:"product_url"`
	}
	_ = c.ShouldBind(&req)
	pageURL := req.ProductURL
	if pageURL == "" {
		pageURL = project.ProductURL
	}
	if pageURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product_url is required"})
		return
	}

	info, err := service.ScrapeProduct(c.Request.Context(), pageURL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "抓取商品页失败: " + err.Error()})
		return
	}

	updates := map[string]interface{}{
		"product_url":         pageURL,
		"product_description": info.Description,
		"product_images":      models.ProductImages(info.Images),
		"status":              models.ProjectStatusProductScraped,
		"updated_at":          time.Now(),
	}
	if project.Title == "" && info.Title != "" {
		updates["title"] = info.Title
	}
	if len(info.Images) > 0 {
		updates["cover_image"] = info.Images[0]
	}
	if err := models.GormDB.Model(&models.Project{}).Where("id = ?", projectID).Updates(updates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存抓取结果失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id": projectID,
		"product":    info,
		"message":    "商品页抓取完成",
	})
}

// 场景规划：LLM 把旁白切分为场景并落库（全量替换旧场景）
func PlanProjectScenes(c *gin.Context) {
	projectID := c.Param("project_id")

	project, err := models.GetProjectByID(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}
	if project.NarrationText == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "项目还没有旁白文本"})
		return
	}
	if project.Processing {
		c.JSON(http.StatusConflict, gin.H{"error": "项目有批次任务在途，不能重新规划场景"})
		return
	}

	var req struct {
		SceneCount int `form:"scene_count" json:"scene_count"`
	}
	_ = c.ShouldBind(&req)

	drafts, err := service.PlanScenes(c.Request.Context(), project.NarrationText, project.ProductDescription, req.SceneCount)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "场景规划失败: " + err.Error()})
		return
	}
	scenes, err := service.CreateScenesFromDrafts(projectID, drafts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id":   projectID,
		"total_scenes": len(scenes),
		"scenes":       scenes,
		"message":      "场景规划完成",
	})
}

// 旁白音频生成（TTS）任务入队
func GenerateProjectNarration(c *gin.Context) {
	projectID := c.Param("project_id")

	project, err := models.GetProjectByID(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}
	if project.NarrationText == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "项目还没有旁白文本"})
		return
	}

	if err := service.EnqueueNarrationTask(projectID); err != nil {
		log.Printf("旁白任务入队失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "旁白任务入队失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id": projectID,
		"message":    "旁白生成任务已创建",
	})
}

// 整批生成：为项目下所有空闲场景入队生图任务，并启动排水监视器
func GenerateProjectBatch(c *gin.Context) {
	projectID := c.Param("project_id")

	project, err := models.GetProjectByID(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}
	if project.Processing {
		c.JSON(http.StatusConflict, gin.H{"error": "上一批任务还在进行中"})
		return
	}

	store := models.NewGormSceneStore(models.GormDB)
	dispatched, err := service.DispatchBatchGeneration(store, projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "批量派发失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id":       projectID,
		"dispatched_count": len(dispatched),
		"scene_ids":        dispatched,
		"message":          "批量生成任务已派发",
	})
}
