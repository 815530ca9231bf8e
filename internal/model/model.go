package model

import (
	"time"
)

// State is the runtime state of one service, or the combined state of a stack.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateMixed   State = "mixed" // stack-level only: one service up, one down
)

// Ports are the three published ports computed for a stack
type Ports struct {
	Primary  int `json:"primary"`  // game server
	Control  int `json:"control"`  // RCON
	Transfer int `json:"transfer"` // SFTP
}

// CreatedStack is returned by a successful Create
type CreatedStack struct {
	ID    int   `json:"stack_id"`
	Ports Ports `json:"ports"`
}

// ServiceStatus is the live state of one container, produced per status query
type ServiceStatus struct {
	State         State `json:"status"`
	PublishedPort *int  `json:"port"` // nil when stopped or unpublished
}

// StackServices groups the two services of a stack
type StackServices struct {
	Primary  ServiceStatus `json:"minecraft_server"`
	Transfer ServiceStatus `json:"sftp_server"`
}

// StackStatus is the derived status view of one declared stack
type StackStatus struct {
	ID       int           `json:"stack_id"`
	State    State         `json:"state"`
	Services StackServices `json:"services"`
}

// StackList is the result of a status listing
type StackList struct {
	PublicAddress string        `json:"public_address"`
	Stacks        []StackStatus `json:"stacks"`
}

// AuditLog records one lifecycle operation. It is history only; stack state is
// always derived from the stacks directory and the container runtime.
type AuditLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Action    string    `gorm:"size:64;index;not null" json:"action"` // e.g. "stack.created"
	StackID   int       `gorm:"index" json:"stack_id"`
	Result    string    `gorm:"size:16" json:"result"` // "ok" or "error"
	Detail    string    `gorm:"type:text" json:"detail"`
	IP        string    `gorm:"size:64" json:"ip"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
