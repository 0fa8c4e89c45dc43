package models

import "time"

const (
	ProjectStatusPending   = "pending"
	ProjectStatusRunning   = "running"
	ProjectStatusCompleted = "completed"
	ProjectStatusFailed    = "failed"
)

type Project struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Request      string    `json:"request"` // free-text user request
	Style        string    `json:"style"`
	Status       string    `json:"status"`
	CurrentPhase string    `json:"currentPhase"`
	Progress     int       `json:"progress"`
	Message      string    `json:"message"`
	ArtifactUrl  string    `json:"artifactUrl"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (Project) TableName() string {
	return "project"
}
