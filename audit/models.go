package audit

import (
	"time"

	"gorm.io/gorm"
)

// Event is a durable secondary record of a key-lifecycle transition
// (added, removed, blocked, exhausted, unblocked). It exists
// alongside state.json, not instead of it: state.json is the
// authoritative rotation state; Event is an append-only ledger for
// operator review and external audit.
type Event struct {
	ID        uint           `gorm:"primarykey"`
	CreatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`

	Label  string `gorm:"type:varchar(255);index;not null"`
	Kind   string `gorm:"type:varchar(64);not null"` // added, removed, blocked, exhausted, unblocked
	Detail string `gorm:"type:varchar(255)"`
}

// TableName keeps the ledger's table name stable regardless of the
// Go type name.
func (Event) TableName() string { return "kmi_rotor_audit_events" }
