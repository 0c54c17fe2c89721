package models

import "time"

// Session stores the opaque backend session token and a best-effort cached
// user record. Both are advisory; connection status is never derived from
// this table.
type Session struct {
	ID        string `gorm:"primaryKey"` // UUID
	Token     string // opaque session token issued by the backend
	UserID    string `gorm:"index"`
	UserJSON  string // cached user record, JSON blob
	CreatedAt time.Time
	UpdatedAt time.Time
}
