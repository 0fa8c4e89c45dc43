package main

import (
	"fmt"
	"time"

	"PromptToVideo-server/config"
	"PromptToVideo-server/models"
	"PromptToVideo-server/routers"
	"PromptToVideo-server/routers/api"
	"PromptToVideo-server/service"
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

	worker := service.NewWorkerClient(config.AppConfig.Worker.Addr)
	providers := service.Providers{
		Script:   worker,
		Voice:    worker,
		Shots:    worker,
		Video:    worker,
		Composer: service.NewWorkerComposer(worker),
	}

	store := service.NewDBStore(models.GormDB)
	director := service.NewDirector(store, providers, service.NewMinioAssets(), service.QueueLauncher{}, service.DirectorOptions{
		RetryAttempts:    config.AppConfig.Pipeline.RetryAttempts,
		RetryBackoff:     time.Duration(config.AppConfig.Pipeline.RetryBackoffMs) * time.Millisecond,
		CallTimeout:      time.Duration(config.AppConfig.Pipeline.ProviderTimeoutSec) * time.Second,
		VideoConcurrency: config.AppConfig.Pipeline.VideoConcurrency,
	})
	dialogue := service.NewDialogue(&models.GormConversations{DB: models.GormDB}, worker, director)

	processor := service.NewProcessor(director)
	processor.StartProcessor(5)

	api.Init(store, director, dialogue)
	r := routers.InitRouter()
	r.Run(config.AppConfig.Server.Port)
}
