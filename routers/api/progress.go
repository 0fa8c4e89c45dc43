package api

import (
	"net/http"
	"time"

	"PromptToVideo-server/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ProjectProgressWebSocket pushes project progress from the state store:
// current snapshot first, then updates until the project settles. The store
// is the only source; phase executors never talk to the socket directly.
func ProjectProgressWebSocket(c *gin.Context) {
	projectID := c.Param("project_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "websocket upgrade failed"})
		return
	}
	defer conn.Close()

	snap, err := Store.Snapshot(projectID)
	if err != nil {
		conn.WriteJSON(map[string]interface{}{"error": "project not found: " + err.Error()})
		return
	}
	_ = conn.WriteJSON(snap)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	prevStatus := snap.Project.Status
	prevProgress := snap.Project.Progress
	prevPhase := snap.Project.CurrentPhase

	for range ticker.C {
		cur, err := Store.Snapshot(projectID)
		if err != nil {
			continue
		}

		if cur.Project.Status != prevStatus || cur.Project.Progress != prevProgress || cur.Project.CurrentPhase != prevPhase {
			if err := conn.WriteJSON(cur); err != nil {
				break
			}
			prevStatus = cur.Project.Status
			prevProgress = cur.Project.Progress
			prevPhase = cur.Project.CurrentPhase
		}

		if cur.Project.Status == models.ProjectStatusCompleted || cur.Project.Status == models.ProjectStatusFailed {
			_ = conn.WriteJSON(cur)
			break
		}
	}
}
