// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "time"

// AuditKind classifies an audit record.
type AuditKind string

const (
	AuditPrompt   AuditKind = "prompt"
	AuditResponse AuditKind = "response"
	AuditSystem   AuditKind = "system"
)

// Valid reports whether the kind is one of the known audit kinds.
func (k AuditKind) Valid() bool {
	switch k {
	case AuditPrompt, AuditResponse, AuditSystem:
		return true
	}
	return false
}

// SystemModel is recorded as the model name of bookkeeping rows.
const SystemModel = "system"

// AuditRecord is one append-only accounting row.
type AuditRecord struct {
	ParticipantID  int64
	ConversationID string
	Kind           AuditKind
	Content        string
	Tokens         int
	Cost           float64
	Timestamp      time.Time
	Model          string
}

// Participant holds the stored settings of one chat participant.
type Participant struct {
	ID                   int64
	Variant              Variant
	Authorized           bool
	ActiveConversationID string
	CreatedAt            time.Time
}

// Exchange is a completed request/response pair persisted atomically.
type Exchange struct {
	ParticipantID  int64
	ConversationID string
	Model          string

	Prompt       string
	PromptTokens int
	PromptCost   float64
	StartedAt    time.Time

	// Response is the persisted form (envelope JSON for reasoning variants).
	Response       string
	ResponseTokens int
	ResponseCost   float64

	// Answer is the plain answer text stored as the assistant context turn.
	Answer     string
	FinishedAt time.Time
}

// Usage aggregates a participant's accounting totals.
type Usage struct {
	Requests     int
	InputTokens  int
	OutputTokens int
	TotalCost    float64
	FirstSeen    time.Time
	LastSeen     time.Time
}
