package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	PhaseStatusPending   = "pending"
	PhaseStatusRunning   = "running"
	PhaseStatusCompleted = "completed"
	PhaseStatusFailed    = "failed"

	PhaseScript   = "script"
	PhaseAudio    = "audio"
	PhaseRetiming = "retiming"
	PhaseShots    = "shots"
	PhaseVideo    = "video"
	PhaseCompose  = "compose"
)

type StringList []string

func (l StringList) Value() (driver.Value, error) {
	return json.Marshal(l)
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, l)
}

// PhaseRecord is one node of the project's phase graph. Key is "script",
// "retiming", "compose", or a per-scene "audio:<sceneID>" / "shots:<sceneID>" /
// "video:<sceneID>". A record transitions pending -> running only through a
// claim that carries a fresh attempt token; once completed it is immutable, a
// rerun bumps Attempt instead of rewriting the old one.
type PhaseRecord struct {
	ID         string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId  string     `gorm:"index" json:"projectId"`
	Key        string     `json:"key"`
	Name       string     `json:"name"`
	SceneId    string     `json:"sceneId,omitempty"`
	Status     string     `json:"status"`
	Attempt    int        `json:"attempt"`
	Token      string     `json:"token,omitempty"` // exclusive launch token of the running attempt
	DependsOn  StringList `gorm:"type:json" json:"dependsOn"`
	Result     string     `json:"result,omitempty"` // opaque payload, JSON encoded by the phase
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func (PhaseRecord) TableName() string {
	return "phase_record"
}

// PhaseKey builds the graph key for a phase name, scoped to a scene when the
// phase is per-scene.
func PhaseKey(name, sceneID string) string {
	if sceneID == "" {
		return name
	}
	return name + ":" + sceneID
}

// SplitPhaseKey is the inverse of PhaseKey.
func SplitPhaseKey(key string) (name, sceneID string) {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}
