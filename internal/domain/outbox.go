package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Outbox topics.
const (
	TopicIncidentTransition = "incident.transition"
	TopicIncidentOpened     = "incident.opened"
	TopicChargeRecorded     = "charge.recorded"
)

// OutboxEvent is written in the same transaction as the state change it
// describes and drained by the relay. SentAt stays nil until published.
type OutboxEvent struct {
	ID        uint64         `json:"id"        gorm:"primaryKey;autoIncrement"`
	Topic     string         `json:"topic"     gorm:"type:varchar(64);not null"`
	Key       string         `json:"key"       gorm:"type:varchar(64);not null"`
	Payload   datatypes.JSON `json:"payload"   gorm:"not null"`
	Attempts  int            `json:"attempts"  gorm:"not null;default:0"`
	LastError string         `json:"lastError,omitempty" gorm:"type:text"`
	SentAt    *time.Time     `json:"sentAt,omitempty" gorm:"index"`
	CreatedAt time.Time      `json:"createdAt"`
}

// TableName returns the database table name for OutboxEvent.
func (OutboxEvent) TableName() string { return "outbox_events" }

// TransitionPayload is the JSON body of TopicIncidentTransition events.
type TransitionPayload struct {
	IncidentID string        `json:"incidentId"`
	VehicleID  string        `json:"vehicleId"`
	From       IncidentState `json:"from"`
	To         IncidentState `json:"to"`
	Reason     string        `json:"reason,omitempty"`
	Version    int64         `json:"version"`
	At         time.Time     `json:"at"`
}
