package api

import (
	"errors"
	"net/http"

	"PromptToVideo-server/service"

	"github.com/gin-gonic/gin"
)

func OpenConversation(c *gin.Context) {
	conv, err := Dialogue.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "open conversation failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func GetConversation(c *gin.Context) {
	conv, err := Dialogue.Get(c.Param("conversation_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	c.JSON(http.StatusOK, conv)
}

func PostConversationMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	turn, err := Dialogue.AddMessage(c.Request.Context(), c.Param("conversation_id"), req.Content)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrConversationClosed):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrConversationNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reply":   turn.Reply,
		"ready":   turn.Ready,
		"missing": turn.Missing,
		"intent":  turn.Conversation.Intent,
	})
}

func ConfirmConversation(c *gin.Context) {
	projectID, err := Dialogue.Confirm(c.Param("conversation_id"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrConversationClosed):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrConversationNotReady):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrConversationNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project_id": projectID})
}
