// Package models holds the entities shared by the directory and its storage
// drivers: staged claims, email records and the sync payloads.
package models

import "time"

// StageKind tells what redeeming a staged record does.
type StageKind string

const (
	// KindNewAccount creates a fresh account holding Address.
	KindNewAccount StageKind = "new_account"
	// KindAddEmail attaches Address to the account that owns Existing.
	KindAddEmail StageKind = "add_email"
)

// StagedRecord is a pending, unverified claim on an address. It is created by
// staging, consumed by verification and never mutated in between.
type StagedRecord struct {
	Secret       string    `json:"secret"`
	Kind         StageKind `json:"kind"`
	Address      string    `json:"address"`
	Existing     string    `json:"existing,omitempty"`
	Pubkey       string    `json:"pubkey"`
	PasswordHash string    `json:"password_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
