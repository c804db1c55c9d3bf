package models

import (
	"time"

	"gorm.io/datatypes"
)

type ProcessedEventStatus string

const (
	EventProcessed ProcessedEventStatus = "processed"
	EventDead      ProcessedEventStatus = "dead"
	EventIgnored   ProcessedEventStatus = "ignored"
)

// ProcessedEvent deduplicates provider webhook deliveries. Payload is only kept
// for dead events so an operator can re-drive them.
type ProcessedEvent struct {
	EventID    string               `gorm:"size:255;primaryKey" json:"event_id"`
	EventType  string               `gorm:"size:100;not null;index" json:"event_type"`
	Status     ProcessedEventStatus `gorm:"size:20;not null;index" json:"status"`
	Error      string               `gorm:"type:text" json:"error,omitempty"`
	Payload    datatypes.JSON       `gorm:"type:jsonb" json:"payload,omitempty"`
	ReceivedAt time.Time            `gorm:"not null;index" json:"received_at"`
}
