// Package models defines GORM data models and API views for Inventra.
package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// NotAvailable is stored for descriptive fields the snapshot did not carry.
const NotAvailable = "N/A"

// UnknownMachine is the machine name used when a snapshot names no host at all.
const UnknownMachine = "Unknown"

// Machine is one row per physical machine, keyed by MachineName.
// ID is assigned on first insert and never reused after deletion
// (SQLite AUTOINCREMENT). CreatedAt marks the first ingest and is never
// touched by later upserts.
type Machine struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	MachineName string `gorm:"uniqueIndex;not null" json:"machine_name"`

	Domain  string `json:"domain"`
	User    string `json:"user"`
	IP      string `json:"ip"`
	OS      string `json:"os"`
	RAM     string `json:"ram"`
	Storage string `json:"storage"`

	// Software is the agent's software list, stored verbatim as a JSON document.
	Software datatypes.JSON `json:"software"`

	// LastSeen is the agent's collection time (ingest time when absent).
	LastSeen time.Time `gorm:"index" json:"last_seen"`
	// CollectedAt is the moment the store accepted the latest snapshot.
	CollectedAt time.Time `json:"collected_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SoftwareList decodes the stored software document. A corrupt or empty
// document yields an empty list.
func (m *Machine) SoftwareList() []any {
	if len(m.Software) == 0 {
		return []any{}
	}
	var out []any
	if err := json.Unmarshal(m.Software, &out); err != nil || out == nil {
		return []any{}
	}
	return out
}

// MachineView is the DTO returned by the listing and detail endpoints:
// raw descriptive fields plus the status derived at read time.
type MachineView struct {
	ID             uint      `json:"id"`
	MachineName    string    `json:"machine_name"`
	Domain         string    `json:"domain"`
	User           string    `json:"user"`
	IP             string    `json:"ip"`
	OS             string    `json:"os"`
	RAM            string    `json:"ram"`
	Storage        string    `json:"storage"`
	Software       []any     `json:"software"`
	LastSeen       time.Time `json:"last_seen"`
	CollectedAt    time.Time `json:"collected_at"`
	CreatedAt      time.Time `json:"created_at"`
	Online         bool      `json:"online"`
	InCompliance   bool      `json:"in_compliance"`
	ReferenceMonth string    `json:"reference_month"`
}

// DeletedMachine is the identifying metadata returned after a deletion.
type DeletedMachine struct {
	ID           uint      `json:"id"`
	MachineName  string    `json:"machine_name"`
	LastSeen     time.Time `json:"last_seen"`
	DaysInactive int       `json:"days_inactive"`
}
