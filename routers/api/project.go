package api

import (
	"errors"
	"net/http"

	"PromptToVideo-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

var (
	Store    service.Store
	Director *service.Director
	Dialogue *service.Dialogue
)

// Init wires the handlers to the running services; call before InitRouter.
func Init(store service.Store, director *service.Director, dialogue *service.Dialogue) {
	Store = store
	Director = director
	Dialogue = dialogue
}

// CreateProject starts a pipeline run directly from a complete request,
// bypassing the clarification dialogue.
func CreateProject(c *gin.Context) {
	var req struct {
		Request string `json:"request" binding:"required"`
		Style   string `json:"style"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	projectID := uuid.NewString()
	if err := Director.Start(projectID, req.Request, req.Style); err != nil {
		if errors.Is(err, service.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "start project failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project_id": projectID})
}

func ListProjects(c *gin.Context) {
	projects, err := Store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func GetProjectSnapshot(c *gin.Context) {
	snap, err := Store.Snapshot(c.Param("project_id"))
	if err != nil {
		if errors.Is(err, service.ErrProjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func GetProjectHistory(c *gin.Context) {
	history, err := Store.History(c.Param("project_id"))
	if err != nil {
		if errors.Is(err, service.ErrProjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

// ResumeProject restarts a failed or interrupted project from its last
// completed phases.
func ResumeProject(c *gin.Context) {
	projectID := c.Param("project_id")
	if err := Director.Resume(projectID); err != nil {
		if errors.Is(err, service.ErrProjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resume failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": projectID, "status": "running"})
}

func CancelProject(c *gin.Context) {
	projectID := c.Param("project_id")
	if err := Director.Cancel(projectID); err != nil {
		if errors.Is(err, service.ErrProjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": projectID, "status": "cancelled"})
}

// DeleteProject cancels any in-flight work and removes the project with all of
// its scenes, shots, assets, phases and audit records.
func DeleteProject(c *gin.Context) {
	projectID := c.Param("project_id")
	if err := Director.Cancel(projectID); err != nil {
		if errors.Is(err, service.ErrProjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel failed: " + err.Error()})
		return
	}
	if err := Store.Delete(projectID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": projectID, "status": "deleted"})
}
