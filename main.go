package main

import (
	"fmt"

	"ProductToVideo-server/config"
	"ProductToVideo-server/models"
	"ProductToVideo-server/routers"
	"ProductToVideo-server/service"
)

func main() {
	config.InitConfig()
	fmt.Println("Server starting on port", config.AppConfig.Server.Port)
	models.InitDB()
	fmt.Println("Database initialized")

	service.InitQueue()
	fmt.Println("Queue initialized")

	service.InitMinIO()
	fmt.Println("MinIO initialized")

	service.InitGenAI()
	fmt.Println("GenAI initialized")

	store := models.NewGormSceneStore(models.GormDB)
	processor := service.NewProcessor(store)
	processor.StartProcessor(5)

	r := routers.InitRouter()
	r.Run(config.AppConfig.Server.Port)
}
