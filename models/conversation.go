package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	ConversationStateCollecting = "collecting"
	ConversationStateReady      = "ready"
	ConversationStateClosed     = "closed" // handed off to a project, terminal
)

type ConversationMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageList []ConversationMessage

func (m MessageList) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *MessageList) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, m)
}

type IntentMap map[string]string

func (i IntentMap) Value() (driver.Value, error) {
	return json.Marshal(i)
}

func (i *IntentMap) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, i)
}

// Conversation accumulates intent across turns until confirmation hands it to
// the pipeline. Intent keys are merged monotonically: a later non-empty value
// overwrites, an empty value never erases.
type Conversation struct {
	ID        string      `gorm:"primaryKey;type:varchar(64)" json:"id"`
	State     string      `json:"state"`
	Messages  MessageList `gorm:"type:json" json:"messages"`
	Intent    IntentMap   `gorm:"type:json" json:"intent"`
	Ready     bool        `json:"ready"`
	ProjectId string      `json:"projectId,omitempty"` // set at hand-off
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

func (Conversation) TableName() string {
	return "conversation"
}

// GormConversations persists conversations the same way the rest of the state
// lives in MySQL.
type GormConversations struct {
	DB *gorm.DB
}

func (r *GormConversations) Create(c *Conversation) error {
	return r.DB.Create(c).Error
}

func (r *GormConversations) Get(id string) (*Conversation, error) {
	var c Conversation
	if err := r.DB.First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *GormConversations) Save(c *Conversation) error {
	c.UpdatedAt = time.Now()
	return r.DB.Save(c).Error
}
