package models

import "time"

// AuditRecord is one append-only entry of a project's commit log. Seq matches
// commit order within the project; Data is the JSON-encoded mutation, replayed
// in order to rebuild the snapshot.
type AuditRecord struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ProjectId string    `gorm:"index:idx_audit_project_seq" json:"projectId"`
	Seq       uint64    `gorm:"index:idx_audit_project_seq" json:"seq"`
	Kind      string    `json:"kind"`
	Data      []byte    `gorm:"type:json" json:"data"`
	CreatedAt time.Time `json:"createdAt"`
}

func (AuditRecord) TableName() string {
	return "audit_log"
}
