package domain

import "time"

// Idempotency represents a recorded response of a previously processed
// request, keyed by (user_id, scope, key) where scope is the matched route
// plus its path parameters. A replay returns Body with Status without
// re-executing side effects.
type Idempotency struct {
	ID          string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	UserID      string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_scope_key,priority:1"`
	Scope       string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_scope_key,priority:2"`
	Key         string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_scope_key,priority:3"`
	Status      int       `gorm:"type:INTEGER NOT NULL"`
	ContentType string    `gorm:"type:TEXT"`
	Body        []byte
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	ExpiresAt   time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
