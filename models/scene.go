package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Scene is fixed at script-phase completion. PlannedDuration is the script
// provider's estimate; ActualDuration is written by the retiming phase from the
// measured narration audio and is authoritative from then on.
type Scene struct {
	ID              string      `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId       string      `gorm:"index" json:"projectId"`
	Order           int         `json:"order"`
	Description     string      `json:"description"`
	Narration       string      `json:"narration"`
	PlannedDuration float64     `json:"plannedDuration"`
	ActualDuration  float64     `json:"actualDuration"`
	ClipUrl         string      `json:"clipUrl"`
	Audio           *AudioAsset `gorm:"-" json:"audio,omitempty"`
	Shots           []Shot      `gorm:"-" json:"shots,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

func (Scene) TableName() string {
	return "scene"
}

// Shot windows are relative to the owning scene, in seconds with millisecond
// precision. For a reconciled scene the windows are contiguous from 0 and sum
// to the scene's actual duration.
type Shot struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	SceneId     string    `gorm:"index" json:"sceneId"`
	Order       int       `json:"order"`
	Description string    `json:"description"`
	StartSec    float64   `json:"startSec"`
	EndSec      float64   `json:"endSec"`
	ClipUrl     string    `json:"clipUrl"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (s Shot) Duration() float64 {
	return s.EndSec - s.StartSec
}

func (Shot) TableName() string {
	return "shot"
}

type WordTiming struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

type WordTimings []WordTiming

func (w WordTimings) Value() (driver.Value, error) {
	return json.Marshal(w)
}

func (w *WordTimings) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, w)
}

// AudioAsset is written once per scene by the audio phase and never mutated.
// Its Duration is the source of truth for Scene.ActualDuration.
type AudioAsset struct {
	ID        string      `gorm:"primaryKey;type:varchar(64)" json:"id"`
	SceneId   string      `gorm:"uniqueIndex" json:"sceneId"`
	Url       string      `json:"url"`
	Duration  float64     `json:"duration"`
	Words     WordTimings `gorm:"type:json" json:"words"`
	CreatedAt time.Time   `json:"createdAt"`
}

func (AudioAsset) TableName() string {
	return "audio_asset"
}
