package api

import (
	"net/http"
	"time"

	"ProductToVideo-server/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// 场景进度 WebSocket 推送（以数据库为来源：先读取 DB，然后循环轮询 DB 并推送差异）。
// 远端队列轮询并写回 DB 的逻辑由任务执行器负责，这里只订阅并推送 DB 中的最新数据。
func SceneProgressWebSocket(c *gin.Context) {
	sceneID := c.Param("scene_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "WebSocket升级失败"})
		return
	}
	defer conn.Close()

	// 先从 DB 读取当前场景状态并推送
	s, err := models.GetSceneByID(sceneID)
	if err != nil {
		conn.WriteJSON(map[string]interface{}{"error": "scene not found: " + err.Error()})
		return
	}
	_ = conn.WriteJSON(s)

	// 轮询 DB 并推送差异（每秒查询一次直到场景进入终态）
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	prev := s

	for range ticker.C {
		cur, err := models.GetSceneByID(sceneID)
		if err != nil {
			// 若查询失败，继续重试
			continue
		}

		// 排队进度/错误/busy 标志有变化则推送
		if cur.QueueStatusMessage != prev.QueueStatusMessage ||
			cur.GenerationErrorMessage != prev.GenerationErrorMessage ||
			cur.Busy() != prev.Busy() ||
			cur.ImagePath != prev.ImagePath ||
			cur.VideoPath != prev.VideoPath {
			if err := conn.WriteJSON(cur); err != nil {
				break
			}
			prev = cur
		}

		if !cur.Busy() {
			// 发送最终状态后关闭连接
			_ = conn.WriteJSON(cur)
			break
		}
	}
}

// 查询项目批次进度：GET /v1/api/projects/:project_id/progress
func GetBatchProgress(c *gin.Context) {
	projectID := c.Param("project_id")

	project, err := models.GetProjectByID(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found: " + err.Error()})
		return
	}
	scenes, err := models.GetScenesByProjectID(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取场景失败: " + err.Error()})
		return
	}

	busy := 0
	failed := 0
	for _, s := range scenes {
		if s.Busy() {
			busy++
		}
		if s.GenerationErrorMessage != "" {
			failed++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id":   projectID,
		"processing":   project.Processing,
		"total_scenes": len(scenes),
		"busy_scenes":  busy,
		"failed":       failed,
	})
}
