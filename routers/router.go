package routers

import (
	"PromptToVideo-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter() *gin.Engine {
	r := gin.Default()
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", api.CreateProject)
		v1.GET("/projects", api.ListProjects)
		v1.GET("/projects/:project_id", api.GetProjectSnapshot)
		v1.GET("/projects/:project_id/history", api.GetProjectHistory)
		v1.POST("/projects/:project_id/resume", api.ResumeProject)
		v1.POST("/projects/:project_id/cancel", api.CancelProject)
		v1.DELETE("/projects/:project_id", api.DeleteProject)

		v1.POST("/conversations", api.OpenConversation)
		v1.GET("/conversations/:conversation_id", api.GetConversation)
		v1.POST("/conversations/:conversation_id/messages", api.PostConversationMessage)
		v1.POST("/conversations/:conversation_id/confirm", api.ConfirmConversation)
	}
	r.GET("/projects/:project_id/wss", api.ProjectProgressWebSocket)
	return r
}
