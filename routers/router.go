package routers

import (
	"ProductToVideo-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter() *gin.Engine {
	r := gin.Default()
	r.Static("/static", "./static")
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", api.CreateProject)
		v1.GET("/projects/:project_id", api.GetProject)
		v1.PUT("/projects/:project_id", api.UpdateProject)
		v1.DELETE("/projects/:project_id", api.DeleteProject)
		v1.POST("/projects/:project_id/scrape", api.ScrapeProject)
		v1.POST("/projects/:project_id/scenes/plan", api.PlanProjectScenes)
		v1.POST("/projects/:project_id/narration", api.GenerateProjectNarration)
		v1.POST("/projects/:project_id/generate", api.GenerateProjectBatch)
		v1.GET("/projects/:project_id/progress", api.GetBatchProgress)

		v1.GET("/projects/:project_id/scenes", api.GetScenes)
		v1.GET("/projects/:project_id/scenes/:scene_id", api.GetSceneDetail)
		v1.POST("/projects/:project_id/scenes/:scene_id", api.UpdateScene)
		v1.POST("/projects/:project_id/scenes/:scene_id/approve", api.ApproveScene)
		v1.DELETE("/projects/:project_id/scenes/:scene_id", api.DeleteScene)
		v1.POST("/projects/:project_id/scenes/:scene_id/image", api.GenerateSceneImage)
		v1.POST("/projects/:project_id/scenes/:scene_id/tryon", api.ChangeSceneClothes)
		v1.POST("/projects/:project_id/scenes/:scene_id/video", api.GenerateSceneVideo)
		v1.POST("/projects/:project_id/scenes/:scene_id/cancel", api.CancelSceneTask)
	}
	r.GET("/scenes/:scene_id/wss", api.SceneProgressWebSocket)
	return r
}
