// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "time"

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether the role can be stored as a context turn.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// DisplayName returns the label used when listing a conversation.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Bot"
	default:
		return string(r)
	}
}

// =============================================================================
// TURNS
// =============================================================================

// Turn is a role-tagged message as sent to the generation backend.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UserTurn creates a user turn.
func UserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content}
}

// AssistantTurn creates an assistant turn.
func AssistantTurn(content string) Turn {
	return Turn{Role: RoleAssistant, Content: content}
}

// ContextTurn is a persisted turn of one participant's conversation.
type ContextTurn struct {
	ParticipantID  int64
	ConversationID string
	Role           Role
	Content        string
	Timestamp      time.Time
}

// Turn strips the storage metadata.
func (c ContextTurn) Turn() Turn {
	return Turn{Role: c.Role, Content: c.Content}
}

// =============================================================================
// STREAM FRAGMENTS
// =============================================================================

// FragmentKind tags a piece of streamed backend output.
type FragmentKind int

const (
	// FragmentAnswer is user-facing answer text.
	FragmentAnswer FragmentKind = iota
	// FragmentReasoning is intermediate reasoning text (reasoning variants only).
	FragmentReasoning
)

// String returns the fragment kind name.
func (k FragmentKind) String() string {
	switch k {
	case FragmentAnswer:
		return "answer"
	case FragmentReasoning:
		return "reasoning"
	default:
		return "unknown"
	}
}

// Fragment is one piece of backend output. A non-nil Err terminates the stream.
type Fragment struct {
	Kind FragmentKind
	Text string
	Err  error
}
